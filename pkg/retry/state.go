package retry

import (
	"fmt"
	"reflect"

	"github.com/jzx17/goretry/pkg/classify"
)

// State describes a stateful retry: one whose attempts may span several
// calls into the executor, resumed through a ContextCache by Key.
type State struct {
	// Key identifies the logical operation instance. It must be comparable
	// and stable across attempts of the same instance.
	Key any

	// ForceRefresh always starts a new context, replacing any cached one
	ForceRefresh bool

	// Rollback classifies failures that make the state unsafe to retry
	// against; a true result aborts the sequence immediately. Nil never
	// rolls back.
	Rollback classify.Classifier[bool]

	// Defer ends the call after every failed attempt that may still be
	// retried, leaving the context cached so the next call with the same
	// Key resumes the sequence without waiting.
	Defer bool
}

// NewState creates a stateful retry descriptor for key
func NewState(key any) *State {
	return &State{Key: key}
}

// WithRollback sets the rollback classifier and returns s
func (s *State) WithRollback(c classify.Classifier[bool]) *State {
	s.Rollback = c
	return s
}

// WithForceRefresh sets ForceRefresh and returns s
func (s *State) WithForceRefresh(force bool) *State {
	s.ForceRefresh = force
	return s
}

// WithDefer sets Defer and returns s
func (s *State) WithDefer(deferred bool) *State {
	s.Defer = deferred
	return s
}

// RollbackFor reports whether err must abort the sequence
func (s *State) RollbackFor(err error) bool {
	if s == nil || s.Rollback == nil || err == nil {
		return false
	}
	return s.Rollback.Classify(err)
}

func (s *State) validate() error {
	if s.Key == nil {
		return fmt.Errorf("nil key: %w", ErrInvalidStateKey)
	}
	if !hashable(s.Key) {
		return fmt.Errorf("key of type %T is not comparable: %w", s.Key, ErrInvalidStateKey)
	}
	return nil
}

// hashable reports whether key can be used as a map key. Comparable array
// and struct types still fail at run time when they hold an incomparable
// dynamic value in an interface field.
func hashable(key any) (ok bool) {
	if !reflect.TypeOf(key).Comparable() {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	m := map[any]struct{}{}
	m[key] = struct{}{}
	return true
}

func (s *State) String() string {
	return fmt.Sprintf("[State: key=%v, forceRefresh=%t, defer=%t]", s.Key, s.ForceRefresh, s.Defer)
}
