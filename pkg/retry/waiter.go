package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/jzx17/goretry/pkg/types"
)

// Waiter suspends the caller between attempts.
//
// Wait returns nil after d has elapsed, or an error wrapping
// ErrBackoffInterrupted when ctx is cancelled first. It is the only blocking
// point of a retry sequence.
type Waiter interface {
	Wait(ctx context.Context, d time.Duration) error
}

// WaiterFunc adapts a function to the Waiter interface
type WaiterFunc func(ctx context.Context, d time.Duration) error

// Wait calls f(ctx, d)
func (f WaiterFunc) Wait(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

// ClockWaiter waits on timers created by a clock
type ClockWaiter struct {
	clock types.Clock
}

// NewClockWaiter creates a waiter on clock. With a nil clock each wait uses
// the clock carried by its context (types.WithClock), or the real clock.
func NewClockWaiter(clock types.Clock) *ClockWaiter {
	return &ClockWaiter{clock: clock}
}

// Wait implements Waiter
func (w *ClockWaiter) Wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return interrupted(ctx)
	}
	if d <= 0 {
		return nil
	}

	clock := w.clock
	if clock == nil {
		clock = types.ClockFromContext(ctx)
	}
	timer := clock.NewTimer(d, "retry", "backoff")
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return interrupted(ctx)
	case <-timer.C:
		return nil
	}
}

func interrupted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrBackoffInterrupted, context.Cause(ctx))
}
