package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func testLimiter(t *testing.T, r rate.Limit, burst int) *IPRateLimiter {
	t.Helper()
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            r,
		Burst:           burst,
		CleanupInterval: time.Hour,
		MaxAge:          time.Hour,
	})
	t.Cleanup(rl.Stop)
	return rl
}

func TestAllowBurstThenLimit(t *testing.T) {
	rl := testLimiter(t, rate.Limit(2), 2)

	if !rl.Allow("192.168.1.1") || !rl.Allow("192.168.1.1") {
		t.Fatal("burst requests must be allowed")
	}
	if rl.Allow("192.168.1.1") {
		t.Fatal("request past the burst must be limited")
	}

	// A different subnet is a separate bucket.
	if !rl.Allow("10.0.0.1") {
		t.Fatal("different subnet must not share the bucket")
	}
}

func TestAllowSharesSubnetBucket(t *testing.T) {
	rl := testLimiter(t, rate.Limit(1), 2)

	// Address rotation inside one /24 shares a single bucket.
	if !rl.Allow("203.0.113.10") || !rl.Allow("203.0.113.77") {
		t.Fatal("burst requests must be allowed")
	}
	if rl.Allow("203.0.113.200") {
		t.Fatal("third address in the same /24 must be limited")
	}
}

func TestEvictIdle(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{
		Rate:            rate.Limit(10),
		Burst:           10,
		CleanupInterval: time.Hour,
		MaxAge:          0, // everything is instantly idle
	})
	defer rl.Stop()

	rl.Allow("10.0.0.1")

	rl.mu.Lock()
	before := len(rl.entries)
	rl.mu.Unlock()
	if before != 1 {
		t.Fatalf("entries = %d, want 1", before)
	}

	rl.evictIdle()

	rl.mu.Lock()
	after := len(rl.entries)
	rl.mu.Unlock()
	if after != 0 {
		t.Fatalf("entries after eviction = %d, want 0", after)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := testLimiter(t, rate.Limit(1), 1)

	handler := RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil)
	req.RemoteAddr = "10.0.0.5:12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header on 429")
	}
}

func TestSubnetKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"192.168.1.77", "192.168.1.0/24"},
		{"203.0.113.1", "203.0.113.0/24"},
		{"2001:db8:abcd:12::9", "2001:db8:abcd:12::/64"},
		{"garbage", "garbage"},
	}
	for _, tt := range tests {
		if got := subnetKey(tt.in); got != tt.want {
			t.Errorf("subnetKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.168.1.1:8080", "192.168.1.1"},
		{"[::1]:8080", "::1"},
		{"10.0.0.1", "10.0.0.1"}, // no port
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remoteAddr
		if got := extractIP(r); got != tt.want {
			t.Errorf("extractIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}
