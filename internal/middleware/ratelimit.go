package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxPeekBytes bounds how much of a request body a rule key may read.
const maxPeekBytes = 4096

// RealIP returns the client address: the first X-Forwarded-For hop set by
// the reverse proxy, then X-Real-IP, then RemoteAddr.
func RealIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); net.ParseIP(ip) != nil {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type window struct {
	count   int
	resetAt time.Time
}

// RateLimiter counts requests per key in fixed windows.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]*window), now: time.Now}
}

// Allow counts one request for key. When the key is over limit it
// returns false and the time until its window resets.
func (rl *RateLimiter) Allow(key string, limit int, per time.Duration) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[key]
	if !ok || !now.Before(w.resetAt) {
		rl.windows[key] = &window{count: 1, resetAt: now.Add(per)}
		return true, 0
	}
	w.count++
	if w.count > limit {
		return false, w.resetAt.Sub(now)
	}
	return true, 0
}

// Cleanup drops windows that have already reset.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, w := range rl.windows {
		if !now.Before(w.resetAt) {
			delete(rl.windows, key)
		}
	}
}

// Rule limits requests sharing a key. A Key func returning "" exempts the
// request from the rule.
type Rule struct {
	Name   string
	Key    func(*http.Request) string
	Limit  int
	Window time.Duration
}

// ByIP keys a rule on the client address.
func ByIP(r *http.Request) string {
	return RealIP(r)
}

// ByUsername keys a rule on the username in a JSON body, so password
// guessing against one account is throttled across addresses. The body
// is restored for the next handler.
func ByUsername(r *http.Request) string {
	if r.Body == nil {
		return ""
	}
	peek, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(peek), r.Body), r.Body}
	if err != nil {
		return ""
	}
	var body struct {
		Username string `json:"username"`
	}
	if json.Unmarshal(peek, &body) != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(body.Username))
}

// RateLimit rejects a request with 429 and Retry-After once any rule is
// exhausted. Every rule is counted, even after one has refused.
func RateLimit(limiter *RateLimiter, logger *slog.Logger, rules ...Rule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var retry time.Duration
			refused := ""
			for _, rule := range rules {
				key := rule.Key(r)
				if key == "" {
					continue
				}
				if ok, wait := limiter.Allow(rule.Name+":"+key, rule.Limit, rule.Window); !ok {
					if wait > retry {
						retry = wait
					}
					refused = rule.Name
				}
			}
			if refused != "" {
				logger.Warn("rate limited", "rule", refused, "path", r.URL.Path, "remote", RealIP(r))
				seconds := int(retry.Round(time.Second) / time.Second)
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"too many requests"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
