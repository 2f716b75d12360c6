package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterThrottlesBucket(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimit{
		"auth": {RequestsPerMinute: 1, Burst: 2},
	}, nil)
	handler := rl.Middleware("auth")(okHandler())

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/auth/verify", nil)
		req.Header.Set("X-Real-IP", "10.0.0.1")
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/verify", nil)
	req.Header.Set("X-Real-IP", "10.0.0.1")
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("burst exceeded status = %d, want 429", rec.Code)
	}

	// A different client keeps its own bucket.
	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/auth/verify", nil)
	req2.Header.Set("X-Real-IP", "10.0.0.2")
	handler.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("second client status = %d, want 200", rec2.Code)
	}
}

func TestRateLimiterPassesUnknownBucket(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimit{}, nil)
	handler := rl.Middleware("unconfigured")(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
}

func TestClientIDPrefersRealIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.9:4455"
	if got := clientID(req); got != "192.168.1.9" {
		t.Fatalf("clientID = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientID(req); got != "203.0.113.7" {
		t.Fatalf("clientID with XFF = %q", got)
	}
	req.Header.Set("X-Real-IP", "198.51.100.3")
	if got := clientID(req); got != "198.51.100.3" {
		t.Fatalf("clientID with real ip = %q", got)
	}
}
