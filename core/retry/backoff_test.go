package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	b := Backoff{Min: 10 * time.Millisecond, Max: 40 * time.Millisecond}
	want := []time.Duration{10, 20, 40, 40}
	for i, w := range want {
		if got := b.Next(); got != w*time.Millisecond {
			t.Fatalf("step %d: expected %s, got %s", i, w*time.Millisecond, got)
		}
	}
	b.Reset()
	if got := b.Next(); got != 10*time.Millisecond {
		t.Fatalf("expected reset to min, got %s", got)
	}
}

func TestDo(t *testing.T) {
	ctx := context.Background()
	transient := errors.New("transient")
	permanent := errors.New("permanent")
	retryable := func(err error) bool { return errors.Is(err, transient) }

	t.Run("succeeds after retries", func(t *testing.T) {
		calls := 0
		err := Do(ctx, &Backoff{Min: time.Millisecond, Max: time.Millisecond}, 5, retryable, func(context.Context) error {
			calls++
			if calls < 3 {
				return transient
			}
			return nil
		})
		if err != nil || calls != 3 {
			t.Fatalf("expected success on third call, got %v after %d", err, calls)
		}
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		calls := 0
		err := Do(ctx, &Backoff{Min: time.Millisecond}, 5, retryable, func(context.Context) error {
			calls++
			return permanent
		})
		if !errors.Is(err, permanent) || calls != 1 {
			t.Fatalf("expected one call, got %d (%v)", calls, err)
		}
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		calls := 0
		err := Do(ctx, &Backoff{Min: time.Millisecond, Max: time.Millisecond}, 3, retryable, func(context.Context) error {
			calls++
			return transient
		})
		if !errors.Is(err, transient) || calls != 3 {
			t.Fatalf("expected 3 calls, got %d (%v)", calls, err)
		}
	})

	t.Run("honors cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := Do(cctx, &Backoff{Min: time.Hour}, 0, nil, func(context.Context) error { return transient })
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	})
}
