package retry

import (
	"context"
	"time"
)

// Backoff is a capped exponential delay. The zero value uses 1s..1m.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	cur time.Duration
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = time.Second
	}
	if hi < lo {
		hi = time.Minute
		if hi < lo {
			hi = lo
		}
	}
	if b.cur < lo {
		b.cur = lo
	}
	d := b.cur
	b.cur *= 2
	if b.cur > hi {
		b.cur = hi
	}
	return d
}

// Reset starts the sequence over after a success.
func (b *Backoff) Reset() {
	b.cur = 0
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, fails permanently, ctx ends, or attempts run
// out (attempts <= 0 means no limit).
func Do(ctx context.Context, b *Backoff, attempts int, retryable func(error) bool, fn func(context.Context) error) error {
	var err error
	for i := 0; attempts <= 0 || i < attempts; i++ {
		if err = fn(ctx); err == nil {
			b.Reset()
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempts > 0 && i == attempts-1 {
			break
		}
		if serr := Sleep(ctx, b.Next()); serr != nil {
			return serr
		}
	}
	return err
}
