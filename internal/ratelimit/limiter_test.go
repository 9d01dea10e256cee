package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/edgescope/edgescope/internal/config"
)

func TestNewLimiter(t *testing.T) {
	cfg := config.Default().RateLimit
	limiter := NewLimiter(cfg)

	if limiter == nil {
		t.Fatal("NewLimiter() should return non-nil limiter")
	}

	if limiter.requestDelay != cfg.MinHostDelay {
		t.Errorf("limiter.requestDelay = %v, want %v", limiter.requestDelay, cfg.MinHostDelay)
	}

	stats := limiter.GetStats()
	if stats.BurstSize != cfg.BurstSize {
		t.Errorf("stats.BurstSize = %v, want %v", stats.BurstSize, cfg.BurstSize)
	}
}

func TestLimiter_Wait(t *testing.T) {
	limiter := NewLimiter(config.RateLimitConfig{
		RequestsPerSecond: 10.0,
		BurstSize:         2,
		MinHostDelay:      10 * time.Millisecond,
	})
	ctx := context.Background()

	// Burst should not block
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if duration := time.Since(start); duration > 50*time.Millisecond {
		t.Errorf("Burst requests took too long: %v", duration)
	}

	// Third request should be rate limited
	start = time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if duration := time.Since(start); duration < 50*time.Millisecond {
		t.Errorf("Rate limiter did not delay enough: %v", duration)
	}
}

func TestLimiter_WaitForHost(t *testing.T) {
	limiter := NewLimiter(config.RateLimitConfig{
		RequestsPerSecond: 100.0,
		BurstSize:         10,
		MinHostDelay:      50 * time.Millisecond,
	})
	ctx := context.Background()

	host := "example.com"

	start := time.Now()
	if err := limiter.WaitForHost(ctx, host); err != nil {
		t.Fatalf("WaitForHost() error = %v", err)
	}
	if duration := time.Since(start); duration > 20*time.Millisecond {
		t.Errorf("First request took too long: %v", duration)
	}

	// Second request to same host must honor the min delay
	start = time.Now()
	if err := limiter.WaitForHost(ctx, host); err != nil {
		t.Fatalf("WaitForHost() error = %v", err)
	}
	if duration := time.Since(start); duration < 50*time.Millisecond {
		t.Errorf("Per-host rate limit did not enforce min delay: %v", duration)
	}
}

func TestLimiter_WaitForHost_DifferentHosts(t *testing.T) {
	limiter := NewLimiter(config.RateLimitConfig{
		RequestsPerSecond: 100.0,
		BurstSize:         10,
		MinHostDelay:      100 * time.Millisecond,
	})
	ctx := context.Background()

	start := time.Now()
	for _, host := range []string{"example1.com", "example2.com", "example3.com"} {
		if err := limiter.WaitForHost(ctx, host); err != nil {
			t.Fatalf("WaitForHost() error = %v", err)
		}
	}

	if duration := time.Since(start); duration > 50*time.Millisecond {
		t.Errorf("Different hosts took too long: %v", duration)
	}

	stats := limiter.GetStats()
	if stats.TrackedHosts != 3 {
		t.Errorf("stats.TrackedHosts = %v, want 3", stats.TrackedHosts)
	}
}

func TestLimiter_Allow(t *testing.T) {
	limiter := NewLimiter(config.RateLimitConfig{
		RequestsPerSecond: 10.0,
		BurstSize:         2,
		MinHostDelay:      10 * time.Millisecond,
	})

	if !limiter.Allow() {
		t.Error("Allow() should allow first burst request")
	}
	if !limiter.Allow() {
		t.Error("Allow() should allow second burst request")
	}
	if limiter.Allow() {
		t.Error("Allow() should deny request after burst exhausted")
	}

	time.Sleep(150 * time.Millisecond)

	if !limiter.Allow() {
		t.Error("Allow() should allow request after token replenishment")
	}
}

func TestLimiter_Reset(t *testing.T) {
	limiter := NewLimiter(config.RateLimitConfig{
		RequestsPerSecond: 100.0,
		BurstSize:         10,
		MinHostDelay:      50 * time.Millisecond,
	})
	ctx := context.Background()

	limiter.WaitForHost(ctx, "host1.com")
	limiter.WaitForHost(ctx, "host2.com")
	limiter.WaitForHost(ctx, "host3.com")

	if stats := limiter.GetStats(); stats.TrackedHosts != 3 {
		t.Errorf("Before reset: TrackedHosts = %v, want 3", stats.TrackedHosts)
	}

	limiter.Reset()

	if stats := limiter.GetStats(); stats.TrackedHosts != 0 {
		t.Errorf("After reset: TrackedHosts = %v, want 0", stats.TrackedHosts)
	}
}

func TestLimiter_ContextCancellation(t *testing.T) {
	limiter := NewLimiter(config.RateLimitConfig{
		RequestsPerSecond: 1.0,
		BurstSize:         1,
		MinHostDelay:      10 * time.Millisecond,
	})

	limiter.Wait(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := limiter.Wait(ctx); err != context.Canceled {
		t.Errorf("Wait() with cancelled context: error = %v, want %v", err, context.Canceled)
	}
}
