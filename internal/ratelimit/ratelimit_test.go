package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fakeClock drives the limiter without real sleeps. Sleeping advances
// the clock by the requested duration.
type fakeClock struct {
	t time.Time
}

func newFakeLimiter(maxRequests int, window time.Duration) (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	l := New(maxRequests, window)
	l.now = func() time.Time { return clk.t }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		clk.t = clk.t.Add(d)
		return ctx.Err()
	}
	return l, clk
}

func TestAdmitsUnderLimit(t *testing.T) {
	l, clk := newFakeLimiter(3, time.Second)
	start := clk.t

	for i := 0; i < 3; i++ {
		if err := l.WaitForSlot(context.Background()); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if !clk.t.Equal(start) {
		t.Errorf("first 3 calls should not wait, clock advanced %v", clk.t.Sub(start))
	}
}

func TestThirdCallWaitsFullWindow(t *testing.T) {
	l, clk := newFakeLimiter(2, time.Second)
	start := clk.t

	for i := 0; i < 3; i++ {
		if err := l.WaitForSlot(context.Background()); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	// Third call back-to-back must be admitted no earlier than ~1s
	// after the first.
	elapsed := clk.t.Sub(start)
	if elapsed < time.Second {
		t.Errorf("third admission after %v, want >= 1s", elapsed)
	}
	if elapsed > time.Second+2*safetyMargin {
		t.Errorf("third admission after %v, want close to 1s", elapsed)
	}
}

func TestWindowSlides(t *testing.T) {
	l, clk := newFakeLimiter(2, time.Second)

	if err := l.WaitForSlot(context.Background()); err != nil {
		t.Fatal(err)
	}
	clk.t = clk.t.Add(600 * time.Millisecond)
	if err := l.WaitForSlot(context.Background()); err != nil {
		t.Fatal(err)
	}

	// 500ms later the first admission (at t0) has expired, so a third
	// call should be admitted without waiting.
	clk.t = clk.t.Add(500 * time.Millisecond)
	before := clk.t
	if err := l.WaitForSlot(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !clk.t.Equal(before) {
		t.Errorf("expected immediate admission, waited %v", clk.t.Sub(before))
	}
}

func TestContextCancelled(t *testing.T) {
	l, _ := newFakeLimiter(1, time.Second)

	if err := l.WaitForSlot(context.Background()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.WaitForSlot(ctx); err == nil {
		t.Error("expected context error from cancelled wait")
	}
}
