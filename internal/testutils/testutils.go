// Package testutils provides simplified testing utilities and helper functions
package testutils

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jzx17/goretry/pkg/types"
)

// RecordingWaiter records requested waits without sleeping.
// It can be told to report an interruption on the n-th wait.
type RecordingWaiter struct {
	mu          sync.Mutex
	durations   []time.Duration
	interruptOn int
}

// NewRecordingWaiter creates a waiter that never sleeps
func NewRecordingWaiter() *RecordingWaiter {
	return &RecordingWaiter{}
}

// InterruptOn makes the n-th wait (1-based) return an interruption
func (w *RecordingWaiter) InterruptOn(n int) *RecordingWaiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.interruptOn = n
	return w
}

// Wait records d and returns immediately
func (w *RecordingWaiter) Wait(ctx context.Context, d time.Duration) error {
	w.mu.Lock()
	w.durations = append(w.durations, d)
	n := len(w.durations)
	interruptOn := w.interruptOn
	w.mu.Unlock()

	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", types.ErrBackoffInterrupted, context.Cause(ctx))
	}
	if interruptOn > 0 && n == interruptOn {
		return fmt.Errorf("%w: %w", types.ErrBackoffInterrupted, context.Canceled)
	}
	return nil
}

// Durations returns the recorded waits in order
func (w *RecordingWaiter) Durations() []time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]time.Duration, len(w.durations))
	copy(out, w.durations)
	return out
}

// Count returns the number of recorded waits
func (w *RecordingWaiter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.durations)
}

// Script is a scripted operation that fails a fixed number of times
// before succeeding
type Script struct {
	mu       sync.Mutex
	failures int
	calls    int
	errFn    func(call int) error
}

// FailTimes creates a script failing n times with err
func FailTimes(n int, err error) *Script {
	return &Script{failures: n, errFn: func(int) error { return err }}
}

// FailWith creates a script failing n times with the error built for each call
func FailWith(n int, errFn func(call int) error) *Script {
	return &Script{failures: n, errFn: errFn}
}

// AlwaysFail creates a script that never succeeds
func AlwaysFail(err error) *Script {
	return FailTimes(-1, err)
}

// Next runs one call of the script
func (s *Script) Next() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures < 0 || s.calls <= s.failures {
		return "", s.errFn(s.calls)
	}
	return fmt.Sprintf("ok after %d calls", s.calls), nil
}

// Calls returns the number of calls made so far
func (s *Script) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
