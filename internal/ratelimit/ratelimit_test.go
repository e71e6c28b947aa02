package ratelimit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vetohq/veto/internal/model"
)

type stubLimiter struct {
	allow bool
	err   error
	keys  []string
}

func (s *stubLimiter) Allow(_ context.Context, key string) (bool, error) {
	s.keys = append(s.keys, key)
	return s.allow, s.err
}

func (s *stubLimiter) Close() error { return nil }

func passthrough() (http.Handler, *bool) {
	called := new(bool)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusNoContent)
	}), called
}

func TestMiddlewareAllows(t *testing.T) {
	lim := &stubLimiter{allow: true}
	next, called := passthrough()
	h := Middleware(lim, IPKeyFunc(false), nil)(next)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "203.0.113.9:51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !*called {
		t.Fatal("expected next handler to run")
	}
	if len(lim.keys) != 1 || lim.keys[0] != "203.0.113.9" {
		t.Fatalf("unexpected limiter keys: %v", lim.keys)
	}
}

func TestMiddlewareBlocks(t *testing.T) {
	lim := &stubLimiter{allow: false}
	next, called := passthrough()
	h := Middleware(lim, IPKeyFunc(false), func(*http.Request) string { return "req-1" })(next)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.RemoteAddr = "203.0.113.9:51234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if *called {
		t.Fatal("next handler should not run when rate limited")
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	var body model.APIError
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Error.Code != model.ErrCodeRateLimited {
		t.Fatalf("expected %s, got %s", model.ErrCodeRateLimited, body.Error.Code)
	}
	if body.Meta.RequestID != "req-1" {
		t.Fatalf("expected request id in envelope, got %q", body.Meta.RequestID)
	}
}

func TestMiddlewareFailsOpen(t *testing.T) {
	lim := &stubLimiter{allow: false, err: context.DeadlineExceeded}
	next, called := passthrough()
	h := Middleware(lim, IPKeyFunc(false), nil)(next)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !*called {
		t.Fatal("limiter errors must fail open")
	}
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	lim := &stubLimiter{allow: false}
	next, called := passthrough()
	h := Middleware(lim, func(*http.Request) string { return "" }, nil)(next)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if !*called {
		t.Fatal("empty key should bypass the limiter")
	}
	if len(lim.keys) != 0 {
		t.Fatalf("limiter should not be consulted, saw keys %v", lim.keys)
	}
}

func TestIPKeyFuncTrustProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:443"
	req.Header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")

	if got := IPKeyFunc(false)(req); got != "10.0.0.1" {
		t.Fatalf("untrusted proxy: expected RemoteAddr ip, got %q", got)
	}
	if got := IPKeyFunc(true)(req); got != "198.51.100.7" {
		t.Fatalf("trusted proxy: expected first forwarded hop, got %q", got)
	}
}
