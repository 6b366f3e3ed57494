package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the engine's only source of wall-clock time. Every wait in the
// trading loops goes through Sleep so a test can drive a full day instantly.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type Real struct{}

func (Real) Now() time.Time {
	return time.Now()
}

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	return WaitForContext(ctx, d)
}

// WaitForContext blocks for delay or until ctx is done.
func WaitForContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepUntil waits until t. It returns immediately when t is not in the future.
func SleepUntil(ctx context.Context, c Clock, t time.Time) error {
	wait := t.Sub(c.Now())
	if wait <= 0 {
		return ctx.Err()
	}
	return c.Sleep(ctx, wait)
}

// Fake is a manually driven clock. Sleep advances the current time by the
// requested duration and returns at once.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	onSleep func(now time.Time)
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if d > 0 {
		f.now = f.now.Add(d)
	}
	now := f.now
	hook := f.onSleep
	f.mu.Unlock()
	if hook != nil {
		hook(now)
	}
	return nil
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

// OnSleep registers a hook called with the new time after every Sleep.
func (f *Fake) OnSleep(hook func(now time.Time)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSleep = hook
}
