package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/edgescope/edgescope/internal/config"
)

// Limiter throttles outbound probe traffic so discovery does not trip
// provider abuse detection. A global token bucket is combined with a
// per-host minimum delay.
type Limiter struct {
	limiter        *rate.Limiter
	requestDelay   time.Duration
	burstSize      int
	lastRequestMap map[string]time.Time
	mu             sync.Mutex
}

func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		limiter:        rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		requestDelay:   cfg.MinHostDelay,
		burstSize:      cfg.BurstSize,
		lastRequestMap: make(map[string]time.Time),
	}
}

// Wait blocks until the global rate limiter allows the request.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// WaitForHost blocks until both the global limiter and the per-host
// minimum delay allow a request to the given host.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if lastReq, exists := l.lastRequestMap[host]; exists {
		elapsed := time.Since(lastReq)
		if elapsed < l.requestDelay {
			sleepDuration := l.requestDelay - elapsed
			select {
			case <-time.After(sleepDuration):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	l.lastRequestMap[host] = time.Now()
	return nil
}

// Allow checks whether a request is allowed without blocking.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// SetLimit updates the global rate limit dynamically.
func (l *Limiter) SetLimit(requestsPerSecond float64) {
	l.limiter.SetLimit(rate.Limit(requestsPerSecond))
}

// Reset clears per-host tracking state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastRequestMap = make(map[string]time.Time)
}

// Stats contains rate limiter statistics.
type Stats struct {
	TrackedHosts int
	BurstSize    int
	RequestDelay time.Duration
}

func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		TrackedHosts: len(l.lastRequestMap),
		BurstSize:    l.burstSize,
		RequestDelay: l.requestDelay,
	}
}
