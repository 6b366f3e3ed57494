package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"

	"stockbot/internal/clock"
)

// Policy describes how a failing upstream call is retried. Delays are drawn
// uniformly from [MinDelay, MaxDelay] on every attempt.
type Policy struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // 0 retries until the operation gives up by itself
	// Clock, when set, performs the waits between attempts. It lets a fake
	// clock drive retries the same way it drives the trading loops.
	Clock clock.Clock
}

func Default() Policy {
	return Policy{MinDelay: time.Second, MaxDelay: 5 * time.Second}
}

// Notify is called before each wait with the error that caused it.
type Notify func(err error, wait time.Duration)

// Permanent wraps err so Do returns it without retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a Permanent error, exhausts
// MaxAttempts, or ctx is done.
func Do(ctx context.Context, p Policy, notify Notify, op func() error) error {
	var b backoff.BackOff = &jitter{min: p.MinDelay, max: p.MaxDelay}
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	var n backoff.Notify
	if notify != nil {
		n = backoff.Notify(notify)
	}
	if p.Clock != nil {
		return backoff.RetryNotifyWithTimer(op, backoff.WithContext(b, ctx), n, &clockTimer{ctx: ctx, clock: p.Clock})
	}
	return backoff.RetryNotify(op, backoff.WithContext(b, ctx), n)
}

// clockTimer fires after the clock has slept. Start blocks for the wait.
type clockTimer struct {
	ctx   context.Context
	clock clock.Clock
	c     chan time.Time
}

func (t *clockTimer) Start(d time.Duration) {
	t.c = make(chan time.Time, 1)
	if err := t.clock.Sleep(t.ctx, d); err == nil {
		t.c <- t.clock.Now()
	}
}

func (t *clockTimer) Stop() {}

func (t *clockTimer) C() <-chan time.Time { return t.c }

type jitter struct {
	min time.Duration
	max time.Duration
}

func (j *jitter) NextBackOff() time.Duration {
	span := j.max - j.min
	if span <= 0 {
		return j.min
	}
	return j.min + time.Duration(rand.Int64N(int64(span)+1))
}

func (j *jitter) Reset() {}
