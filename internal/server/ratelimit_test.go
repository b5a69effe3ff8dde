package server

import (
	"net/http"
	"testing"
)

func TestRateLimiter_CloseStopsCleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	rl.Close()
	rl.Close() // idempotent

	select {
	case <-rl.stop:
	default:
		t.Fatal("Close should signal the cleanup goroutine")
	}

	// The limiter keeps enforcing after Close; only the cleanup stops.
	r, _ := http.NewRequest(http.MethodGet, "/v1/generate", nil)
	r.Header.Set("X-Tenant-ID", "acme")
	if !rl.getLimiter(limiterKey(r)).Allow() {
		t.Error("first request after Close should be allowed")
	}
	if rl.getLimiter(limiterKey(r)).Allow() {
		t.Error("burst of 1 should reject the second request")
	}
}
