// Package ratelimit bounds outbound classification requests with a
// sliding-window limiter: at most maxRequests admissions within any
// trailing window, measured from actual admission timestamps rather
// than fixed buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// safetyMargin is added to computed waits so the oldest admission has
// actually left the window when the caller re-checks.
const safetyMargin = 100 * time.Millisecond

// Limiter admits callers at a bounded rate. Safe for concurrent use.
type Limiter struct {
	mu          sync.Mutex
	admissions  []time.Time
	maxRequests int
	window      time.Duration
	now         func() time.Time // overridable in tests
	sleep       func(context.Context, time.Duration) error
}

// New returns a Limiter allowing maxRequests admissions per trailing window.
func New(maxRequests int, window time.Duration) *Limiter {
	return &Limiter{
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// WaitForSlot blocks until a request slot is available, then records the
// admission. Returns early with the context error if ctx is cancelled
// while waiting. There is no cap on the wait: under sustained overload
// callers are admitted at exactly the allowed rate, FIFO by arrival.
func (l *Limiter) WaitForSlot(ctx context.Context) error {
	for {
		wait := l.tryAdmit()
		if wait <= 0 {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
		// Re-evaluate: more admissions may have expired while sleeping.
	}
}

// tryAdmit records an admission and returns 0 if the window has room,
// otherwise the duration to wait before re-evaluating.
func (l *Limiter) tryAdmit() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	// Drop admissions that have left the window. The slice is ordered,
	// so scan from the front.
	i := 0
	for i < len(l.admissions) && !l.admissions[i].After(cutoff) {
		i++
	}
	l.admissions = l.admissions[i:]

	if len(l.admissions) >= l.maxRequests {
		oldest := l.admissions[0]
		wait := l.window - now.Sub(oldest) + safetyMargin
		if wait > 0 {
			return wait
		}
	}

	l.admissions = append(l.admissions, now)
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
