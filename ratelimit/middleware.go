package ratelimit

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// IdentifyFunc resolves the caller's identity and role for a request.
type IdentifyFunc func(r *http.Request) (identity, role string)

// Options configures the limiting middleware.
type Options struct {
	Store CounterStore
	Rules *Rules
	// Identify defaults to remote-address + guest.
	Identify IdentifyFunc
	// StoreTimeout bounds the counter-store round trip; past it the request
	// is allowed through.
	StoreTimeout time.Duration
}

// DefaultIdentify keys unauthenticated traffic by remote host. Everyone
// behind one NAT shares the guest budget; authenticated users get their own.
func DefaultIdentify(r *http.Request) (string, string) {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		host = r.RemoteAddr
	}
	if host == "" {
		host = "unknown"
	}
	return host, RoleGuest
}

type rejection struct {
	Success    bool   `json:"success"`
	Code       string `json:"code"`
	RetryAfter string `json:"retryAfter"`
}

// Middleware enforces fixed-window limits per (identity, role, pattern).
//
// The window is a hard boundary, not a sliding one: a client can burst up to
// 2x the limit straddling a reset. That imprecision is accepted in exchange
// for a single atomic increment per request.
//
// If the counter store cannot be reached the middleware fails open and lets
// the request through; losing rate limiting briefly is cheaper than turning
// a cache outage into an API outage.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.Rules == nil {
		opts.Rules = DefaultRules()
	}
	if opts.Identify == nil {
		opts.Identify = DefaultIdentify
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 2 * time.Second
	}

	// One warning every few seconds is plenty when the store is down.
	failOpenLog := rate.NewLimiter(rate.Every(10*time.Second), 1)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, role := opts.Identify(r)
			rule, pattern := opts.Rules.Resolve(r.URL.Path, role)
			key := identity + ":" + role + ":" + pattern

			ctx, cancel := context.WithTimeout(r.Context(), opts.StoreTimeout)
			count, resetAt, err := opts.Store.Incr(ctx, key, rule.Window)
			cancel()
			if err != nil {
				if failOpenLog.Allow() {
					log.Printf("ratelimit: counter store unavailable, failing open: %v", err)
				}
				next.ServeHTTP(w, r)
				return
			}

			remaining := rule.Limit - count
			if remaining < 0 {
				remaining = 0
			}
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(rule.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			w.Header().Set("X-RateLimit-Reset", resetAt.UTC().Format(time.RFC3339))

			if count > rule.Limit {
				w.Header().Set("Retry-After", strconv.FormatInt(int64(time.Until(resetAt).Seconds())+1, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(rejection{
					Success:    false,
					Code:       "RATE_LIMIT_EXCEEDED",
					RetryAfter: resetAt.UTC().Format(time.RFC3339),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
