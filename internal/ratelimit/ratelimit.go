// Package ratelimit paces the Orchestrator's deferred-retry replanning
// (spec.md §4.4's DEFERRED state). It is grounded on
// features/model/middleware/ratelimit.go's AdaptiveRateLimiter, which
// token-buckets provider QPS and backs off on rate-limit signals; here the
// same token-bucket idea is applied per model to admission retries instead
// of provider calls, so a burst of tasks deferred on the same crowded model
// cannot all re-probe the GPU and the Model Runtime Client in lockstep.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// AdmissionLimiter hands out one token-bucket limiter per model name. Unlike
// the teacher's AIMD limiter, the rate here is fixed: admission retries
// don't carry a provider-reported backoff signal to react to, so there is
// nothing to adapt to.
type AdmissionLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	burst    int
}

// New constructs an AdmissionLimiter allowing ratePerSecond replanning
// attempts per model, with the given burst allowance. ratePerSecond <= 0
// disables limiting (Wait always returns immediately).
func New(ratePerSecond float64, burst int) *AdmissionLimiter {
	if burst < 1 {
		burst = 1
	}
	return &AdmissionLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(ratePerSecond),
		burst:    burst,
	}
}

// Wait blocks until model has a retry token available, or ctx is done.
func (l *AdmissionLimiter) Wait(ctx context.Context, model string) error {
	if l.r <= 0 {
		return nil
	}
	return l.limiterFor(model).Wait(ctx)
}

func (l *AdmissionLimiter) limiterFor(model string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[model]
	if !ok {
		lim = rate.NewLimiter(l.r, l.burst)
		l.limiters[model] = lim
	}
	return lim
}
