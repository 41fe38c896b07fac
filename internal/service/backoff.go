package service

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Backoff bounds the retry schedule used while a service establishes its
// first fetch or (re)connects its subscription.
type Backoff struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{
		MaxRetries: 5,
		Initial:    500 * time.Millisecond,
		Max:        10 * time.Second,
	}
}

// Delay returns Initial * 2^(attempt-1), capped at Max. Products that do not
// fit in a Duration saturate instead of wrapping.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 62 {
		shift = 62
	}
	d := time.Duration(math.MaxInt64)
	if b.Initial <= time.Duration(math.MaxInt64>>shift) {
		d = b.Initial << shift
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Retry calls fn until it succeeds, MaxRetries is exhausted or ctx ends.
func Retry(ctx context.Context, b Backoff, fn func(context.Context) error) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		attempt++
		if attempt > b.MaxRetries {
			return fmt.Errorf("max retries exceeded (%d attempts): %w", b.MaxRetries, err)
		}
		t := time.NewTimer(b.Delay(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

// sleep waits for d or until ctx ends; it reports whether the full delay elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
