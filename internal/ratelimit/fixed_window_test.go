package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestFixedWindowLimiter(t *testing.T) {
	mr := miniredis.RunT(t)

	limiter, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "", 2, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}

	if !limiter.Allow("user-1") {
		t.Fatalf("first request should pass")
	}
	if !limiter.Allow("user-1") {
		t.Fatalf("second request should pass")
	}
	if limiter.Allow("user-1") {
		t.Fatalf("third request should be limited")
	}
	// Other keys are unaffected.
	if !limiter.Allow("user-2") {
		t.Fatalf("different key should pass")
	}
}

func TestFixedWindowLimiterResets(t *testing.T) {
	mr := miniredis.RunT(t)

	limiter, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "", 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if !limiter.Allow("user-1") {
		t.Fatalf("first request should pass")
	}
	if limiter.Allow("user-1") {
		t.Fatalf("second request in window should be limited")
	}
	// Cross into the next window.
	time.Sleep(60 * time.Millisecond)
	mr.FastForward(60 * time.Millisecond)
	if !limiter.Allow("user-1") {
		t.Fatalf("request in new window should pass")
	}
}

func TestFixedWindowLimiterFailsOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := NewRedisFixedWindowLimiter(mr.Addr(), "", "", 1, time.Minute)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	mr.Close()
	if !limiter.Allow("user-1") {
		t.Fatalf("limiter must fail open when redis is down")
	}

	var nilLimiter *FixedWindowLimiter
	if !nilLimiter.Allow("user-1") {
		t.Fatalf("nil limiter must allow")
	}
}

func TestNewRedisFixedWindowLimiterValidation(t *testing.T) {
	if _, err := NewRedisFixedWindowLimiter("localhost:6379", "", "", 0, time.Minute); err == nil {
		t.Fatalf("expected error for zero limit")
	}
	if _, err := NewRedisFixedWindowLimiter("localhost:6379", "", "", 1, 0); err == nil {
		t.Fatalf("expected error for zero window")
	}
	if _, err := NewRedisFixedWindowLimiter("", "", "", 1, time.Minute); err == nil {
		t.Fatalf("expected error for missing addr")
	}
}
