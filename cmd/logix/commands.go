package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/dukerupert/logix/internal/backup"
	"github.com/dukerupert/logix/internal/config"
	"github.com/dukerupert/logix/internal/database"
	"github.com/dukerupert/logix/internal/push"
	"github.com/dukerupert/logix/internal/server"
)

const usage = `usage: logix [command]

With no command, logix serves HTTP on LOGIX_PORT.

commands:
  vapid-keys            print a fresh VAPID key pair for web push
  backup                upload one encrypted ledger backup now
  backups               list recent backups
  restore <id> <path>   download backup <id> and write it to <path>
`

// runCommand handles one-shot maintenance commands.
func runCommand(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	switch args[0] {
	case "vapid-keys":
		pub, priv, err := push.GenerateVAPIDKeys()
		if err != nil {
			return err
		}
		fmt.Printf("LOGIX_VAPID_PUBLIC_KEY=%s\nLOGIX_VAPID_PRIVATE_KEY=%s\n", pub, priv)
		return nil
	case "backup", "backups", "restore":
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", args[0])
	}

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	mgr := backup.NewManager(server.BackupConfig(cfg), db, logger)
	if !mgr.Enabled() {
		return backup.ErrDisabled
	}

	switch args[0] {
	case "backup":
		b, err := mgr.RunNow(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("backup %d uploaded to %s (%d bytes)\n", b.ID, b.S3Key, b.SizeBytes)
	case "backups":
		list, err := mgr.List(ctx, 20)
		if err != nil {
			return err
		}
		for _, b := range list {
			fmt.Printf("%d\t%s\t%s\t%d\t%s\n", b.ID, b.CreatedAt.Format("2006-01-02 15:04:05"), b.Status, b.SizeBytes, b.S3Key)
		}
	case "restore":
		if len(args) != 3 {
			return fmt.Errorf("restore needs <id> <path>")
		}
		id, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid backup id %q", args[1])
		}
		if err := mgr.Restore(ctx, id, args[2]); err != nil {
			return err
		}
		fmt.Printf("backup %d written to %s\n", id, args[2])
	}
	return nil
}
