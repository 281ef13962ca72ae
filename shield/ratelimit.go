package shield

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateRule defines the limit for one endpoint.
type RateRule struct {
	MaxRequests   int
	WindowSeconds int
	Enabled       bool
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter enforces per-IP, per-endpoint limits. Rules live in the
// rate_limits table so operators can retune a running daemon; counters
// stay in memory and reset on restart, which is acceptable for a limit
// whose purpose is protecting browser workers, not billing.
type RateLimiter struct {
	db      *sql.DB
	logger  *slog.Logger
	rules   map[string]RateRule
	buckets sync.Map
	mu      sync.RWMutex
}

// NewRateLimiter loads the initial rules from db. Call StartReloader
// to pick up rule changes and garbage-collect expired buckets.
func NewRateLimiter(db *sql.DB, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		db:     db,
		logger: logger,
		rules:  make(map[string]RateRule),
	}
	rl.reload()
	return rl
}

// StartReloader refreshes rules every minute and GCs buckets every five,
// until done is closed.
func (rl *RateLimiter) StartReloader(done <-chan struct{}) {
	reloadTick := time.NewTicker(time.Minute)
	gcTick := time.NewTicker(5 * time.Minute)
	go func() {
		defer reloadTick.Stop()
		defer gcTick.Stop()
		for {
			select {
			case <-done:
				return
			case <-reloadTick.C:
				rl.reload()
			case <-gcTick.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) reload() {
	rows, err := rl.db.Query(`SELECT endpoint, max_requests, window_seconds, enabled FROM rate_limits`)
	if err != nil {
		rl.logger.Warn("shield: rate rule reload failed", "error", err)
		return
	}
	defer rows.Close()

	rules := make(map[string]RateRule)
	for rows.Next() {
		var endpoint string
		var rule RateRule
		var enabled int
		if err := rows.Scan(&endpoint, &rule.MaxRequests, &rule.WindowSeconds, &enabled); err != nil {
			continue
		}
		rule.Enabled = enabled == 1
		rules[endpoint] = rule
	}

	rl.mu.Lock()
	rl.rules = rules
	rl.mu.Unlock()
}

func (rl *RateLimiter) gc() {
	now := time.Now()
	rl.buckets.Range(func(key, value any) bool {
		if now.After(value.(*bucket).resetAt) {
			rl.buckets.Delete(key)
		}
		return true
	})
}

func (rl *RateLimiter) allow(ip, endpoint string) (bool, int) {
	rl.mu.RLock()
	rule, ok := rl.rules[endpoint]
	rl.mu.RUnlock()

	if !ok || !rule.Enabled {
		return true, 0
	}

	key := ip + ":" + endpoint
	now := time.Now()
	window := time.Duration(rule.WindowSeconds) * time.Second

	val, loaded := rl.buckets.LoadOrStore(key, &bucket{count: 1, resetAt: now.Add(window)})
	if !loaded {
		return true, 0
	}

	b := val.(*bucket)
	if now.After(b.resetAt) {
		b.count = 1
		b.resetAt = now.Add(window)
		return true, 0
	}
	b.count++
	return b.count <= rule.MaxRequests, rule.WindowSeconds
}

// Middleware rejects over-limit requests with a 429 JSON body.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.Method + " " + r.URL.Path
		ip := clientIP(r)

		ok, retryAfter := rl.allow(ip, endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		rl.logger.Warn("shield: rate limited", "ip", ip, "endpoint", endpoint)
		if retryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// clientIP returns the first X-Forwarded-For hop, falling back to the
// connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
