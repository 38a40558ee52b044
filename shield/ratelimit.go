package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Limit is one rate_limits rule.
type Limit struct {
	Endpoint      string
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

// matches reports whether the rule covers "METHOD path". A trailing "*"
// makes the rule a prefix.
func (l Limit) matches(key string) bool {
	if p, ok := strings.CutSuffix(l.Endpoint, "*"); ok {
		return strings.HasPrefix(key, p)
	}
	return l.Endpoint == key
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter counts requests per client IP and rule in fixed windows.
// Requests matching no enabled rule pass untouched.
type RateLimiter struct {
	db      *sql.DB
	logger  *slog.Logger
	now     func() time.Time
	exclude []string

	mu      sync.Mutex
	rules   []Limit
	buckets map[string]*bucket
}

// NewRateLimiter loads the rules from db. Paths under an excluded prefix are
// never limited.
func NewRateLimiter(db *sql.DB, logger *slog.Logger, excludePrefixes ...string) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		db:      db,
		logger:  logger,
		now:     time.Now,
		exclude: excludePrefixes,
		buckets: make(map[string]*bucket),
	}
	if err := rl.Reload(context.Background()); err != nil {
		logger.Warn("shield: rate limits not loaded", "error", err)
	}
	return rl
}

// SetClock replaces time.Now.
func (rl *RateLimiter) SetClock(now func() time.Time) { rl.now = now }

// Reload re-reads the rules and drops expired buckets. Longer endpoints are
// tried first so exact rules win over prefixes.
func (rl *RateLimiter) Reload(ctx context.Context) error {
	rows, err := rl.db.QueryContext(ctx,
		`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits
		 ORDER BY length(endpoint) DESC, endpoint`)
	if err != nil {
		return err
	}
	defer rows.Close()

	var rules []Limit
	for rows.Next() {
		var l Limit
		if err := rows.Scan(&l.Endpoint, &l.MaxRequests, &l.WindowSeconds, &l.Enabled); err != nil {
			return err
		}
		rules = append(rules, l)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	now := rl.now()
	rl.mu.Lock()
	rl.rules = rules
	for k, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, k)
		}
	}
	rl.mu.Unlock()
	rl.logger.Debug("shield: rate limits reloaded", "rules", len(rules))
	return nil
}

// Allow counts one request of ip on "METHOD path".
func (rl *RateLimiter) Allow(ip, key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	var rule *Limit
	for i := range rl.rules {
		if rl.rules[i].matches(key) {
			rule = &rl.rules[i]
			break
		}
	}
	if rule == nil || !rule.Enabled || rule.MaxRequests <= 0 {
		return true
	}

	now := rl.now()
	bk := ip + "|" + rule.Endpoint
	b := rl.buckets[bk]
	if b == nil || now.After(b.resetAt) {
		rl.buckets[bk] = &bucket{count: 1, resetAt: now.Add(time.Duration(rule.WindowSeconds) * time.Second)}
		return true
	}
	b.count++
	return b.count <= rule.MaxRequests
}

// Middleware answers 429 with a JSON error once a client is over its limit.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		ip := ClientIP(r)
		if rl.Allow(ip, r.Method+" "+r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		GetLogger(r.Context()).Warn("shield: rate limited", "ip", ip)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ClientIP returns the first X-Forwarded-For hop, else the remote host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
