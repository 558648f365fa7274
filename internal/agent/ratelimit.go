package agent

import (
	"context"
	"sync"
	"time"
)

const (
	defaultRateBurst     = 5
	defaultRatePerMinute = 30.0
)

// RateLimiter is a token bucket shared by every conversation turn, so a
// burst of inbound patient messages cannot exhaust the model provider quota.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	perSec   float64
	refilled time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = defaultRatePerMinute
	}
	return &RateLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		perSec:   ratePerMinute / 60.0,
		refilled: time.Now(),
	}
}

// Wait blocks until a token is available or the context is cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		wait := rl.take()
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// take consumes a token if one is available, otherwise returns how long the
// caller should sleep before trying again.
func (rl *RateLimiter) take() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.tokens += now.Sub(rl.refilled).Seconds() * rl.perSec
	if rl.tokens > rl.max {
		rl.tokens = rl.max
	}
	rl.refilled = now

	if rl.tokens >= 1.0 {
		rl.tokens--
		return 0
	}
	return time.Duration((1.0 - rl.tokens) / rl.perSec * float64(time.Second))
}
