package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func identifyAs(identity, role string) IdentifyFunc {
	return func(*http.Request) (string, string) { return identity, role }
}

func TestMiddleware_AllowsUnderLimit(t *testing.T) {
	handler := Middleware(Options{
		Store:    NewMemoryStore(),
		Rules:    NewRules([]endpointRule{}, map[string]Rule{RoleGuest: {Limit: 3, Window: time.Minute}}),
		Identify: identifyAs("u1", RoleGuest),
	})(okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestMiddleware_RejectsOverLimit(t *testing.T) {
	handler := Middleware(Options{
		Store:    NewMemoryStore(),
		Rules:    NewRules([]endpointRule{}, map[string]Rule{RoleGuest: {Limit: 2, Window: time.Minute}}),
		Identify: identifyAs("u1", RoleGuest),
	})(okHandler())

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	}

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	var body struct {
		Success    bool   `json:"success"`
		Code       string `json:"code"`
		RetryAfter string `json:"retryAfter"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Success {
		t.Fatal("expected success=false")
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Fatalf("expected RATE_LIMIT_EXCEEDED, got %q", body.Code)
	}
	if _, err := time.Parse(time.RFC3339, body.RetryAfter); err != nil {
		t.Fatalf("retryAfter not RFC3339: %v", err)
	}
}

func TestMiddleware_SetsHeaders(t *testing.T) {
	handler := Middleware(Options{
		Store:    NewMemoryStore(),
		Rules:    NewRules([]endpointRule{}, map[string]Rule{RoleGuest: {Limit: 5, Window: time.Minute}}),
		Identify: identifyAs("u1", RoleGuest),
	})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))

	if got := rec.Header().Get("X-RateLimit-Limit"); got != "5" {
		t.Fatalf("limit header: got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Fatalf("remaining header: got %q", got)
	}
	if reset := rec.Header().Get("X-RateLimit-Reset"); reset == "" {
		t.Fatal("expected reset header")
	} else if _, err := time.Parse(time.RFC3339, reset); err != nil {
		t.Fatalf("reset header not RFC3339: %v", err)
	}
}

func TestMiddleware_RemainingNeverNegative(t *testing.T) {
	handler := Middleware(Options{
		Store:    NewMemoryStore(),
		Rules:    NewRules([]endpointRule{}, map[string]Rule{RoleGuest: {Limit: 1, Window: time.Minute}}),
		Identify: identifyAs("u1", RoleGuest),
	})(okHandler())

	var rec *httptest.ResponseRecorder
	for i := 0; i < 4; i++ {
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("expected remaining 0, got %q", got)
	}
}

func TestMiddleware_SeparateBudgetsPerIdentity(t *testing.T) {
	store := NewMemoryStore()
	rules := NewRules([]endpointRule{}, map[string]Rule{RoleGuest: {Limit: 1, Window: time.Minute}})

	mk := func(identity string) http.Handler {
		return Middleware(Options{
			Store:    store,
			Rules:    rules,
			Identify: identifyAs(identity, RoleGuest),
		})(okHandler())
	}

	a, b := mk("alice"), mk("bob")

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("alice first request: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("alice second request: expected 429, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	b.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("bob should have his own budget, got %d", rec.Code)
	}
}

func TestMiddleware_EndpointOverrideHasOwnBucket(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(Options{
		Store: store,
		Rules: NewRules(
			[]endpointRule{{Prefix: "/api/auth/login", Rule: Rule{Limit: 1, Window: time.Minute}}},
			map[string]Rule{RoleGuest: {Limit: 100, Window: time.Minute}},
		),
		Identify: identifyAs("u1", RoleGuest),
	})(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("first login: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/auth/login", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second login: expected 429, got %d", rec.Code)
	}

	// Exhausting the login bucket leaves the role bucket untouched.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("other endpoint should still pass, got %d", rec.Code)
	}
}

type failingStore struct{}

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("store down")
}

func TestMiddleware_FailsOpenOnStoreError(t *testing.T) {
	handler := Middleware(Options{
		Store:    failingStore{},
		Identify: identifyAs("u1", RoleGuest),
	})(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected fail-open 200, got %d", rec.Code)
		}
		if rec.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("expected no limit headers when failing open")
		}
	}
}

func TestDefaultIdentify(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "203.0.113.7:4411"
	identity, role := DefaultIdentify(r)
	if identity != "203.0.113.7" {
		t.Fatalf("expected host identity, got %q", identity)
	}
	if role != RoleGuest {
		t.Fatalf("expected guest role, got %q", role)
	}
}
