package store

import (
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const uniqueFailedPrefix = "UNIQUE constraint failed: "

// uniqueViolation reports whether err is a UNIQUE constraint failure and,
// if so, the first "table.column" named in the driver message.
func uniqueViolation(err error) (string, bool) {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return "", false
	}
	// Code may be the extended result code; the low byte is the primary one.
	if se.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
		return "", false
	}
	msg := se.Error()
	i := strings.Index(msg, uniqueFailedPrefix)
	if i < 0 {
		return "", false
	}
	col := msg[i+len(uniqueFailedPrefix):]
	if j := strings.IndexAny(col, " ,)"); j >= 0 {
		col = col[:j]
	}
	return col, true
}
