package delivery

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// DefaultSMSRate is the provider compliance ceiling (A2P 10DLC): one message
// per second, no bursting.
const DefaultSMSRate = time.Second

// Limiter is a token bucket shared by all outbound SMS sends. It is an
// injected instance, not a process global; tests construct their own.
type Limiter struct {
	bucket *rate.Limiter
}

// NewLimiter builds a limiter refilling one token per interval with the given
// burst capacity. Burst is kept small to avoid provider-visible spikes.
func NewLimiter(interval time.Duration, burst int) *Limiter {
	if interval <= 0 {
		interval = DefaultSMSRate
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{bucket: rate.NewLimiter(rate.Every(interval), burst)}
}

// Acquire blocks until a token is available or ctx is cancelled. Token
// consumption and refill are a single atomic reservation inside the bucket;
// there is no check-then-consume window.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil || l.bucket == nil {
		return errors.New("limiter: not configured")
	}
	return l.bucket.Wait(ctx)
}
