package retry

import (
	"errors"
	"fmt"
	"maps"

	"github.com/google/uuid"
)

// Snapshot is the portable state of a Context. An external ContextCache can
// persist it and rebuild the context with RestoreContext.
//
// Failures survive only as the message of the last one, and attribute values
// must be encodable by whatever store holds the snapshot.
type Snapshot struct {
	ID            string         `json:"id" yaml:"id"`
	RetryCount    int            `json:"retry_count" yaml:"retry_count"`
	LastError     string         `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	ExhaustedOnly bool           `json:"exhausted_only,omitempty" yaml:"exhausted_only,omitempty"`
	Attributes    map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// RestoredError stands in for a failure recorded before the context was
// snapshotted
type RestoredError struct {
	Message string
}

func (e *RestoredError) Error() string {
	if e.Message == "" {
		return "restored failure"
	}
	return e.Message
}

// Snapshot captures the current state of rc
func (rc *Context) Snapshot() Snapshot {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	s := Snapshot{
		ID:            rc.id.String(),
		RetryCount:    rc.retryCount,
		ExhaustedOnly: rc.exhausted,
	}
	if rc.lastErr != nil {
		s.LastError = rc.lastErr.Error()
	}
	if len(rc.attrs) > 0 {
		s.Attributes = maps.Clone(rc.attrs)
	}
	return s
}

// RestoreContext opens a context under p and brings it to the state of s.
//
// The retry count is replayed through p.RegisterError, so composite and
// dispatch policies count it in their children as well. Clock-based state
// such as a timeout's start instant restarts at restore. A non-nil state
// binds the context to state.Key so the executor resumes it from a cache.
func RestoreContext(p Policy, state *State, s Snapshot) (*Context, error) {
	if p == nil {
		return nil, errors.New("restore context: nil policy")
	}
	if s.RetryCount < 0 {
		return nil, fmt.Errorf("restore context: negative retry count %d", s.RetryCount)
	}
	if state != nil {
		if err := state.validate(); err != nil {
			return nil, fmt.Errorf("restore context: %w", err)
		}
	}

	rc := p.Open(nil)
	if s.ID != "" {
		id, err := uuid.Parse(s.ID)
		if err != nil {
			return nil, fmt.Errorf("restore context: id %q: %w", s.ID, err)
		}
		rc.id = id
	}

	failure := &RestoredError{Message: s.LastError}
	for i := 0; i < s.RetryCount; i++ {
		if err := p.RegisterError(rc, failure); err != nil {
			return nil, fmt.Errorf("restore context: %w", err)
		}
	}
	for name, value := range s.Attributes {
		rc.SetAttribute(name, value)
	}
	if s.ExhaustedOnly {
		rc.SetExhaustedOnly()
	}
	if state != nil {
		rc.stateKey = state.Key
		rc.stateful = true
	}
	return rc, nil
}
