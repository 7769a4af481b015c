package retry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Context records the attempt state of one logical retry sequence.
//
// A Context is opened by a Policy, mutated only through that policy's
// RegisterError, and closed by the policy when the sequence ends. The parent
// link is fixed at creation and never owned. Methods are safe to call from
// listeners running on other goroutines.
type Context struct {
	id     uuid.UUID
	parent *Context
	owner  Policy

	mu         sync.Mutex
	retryCount int
	lastErr    error
	exhausted  bool
	closed     bool
	attrs      map[string]any
	history    []error

	// policy-private state
	finished  bool
	startedAt time.Time
	children  []*Context
	nested    map[Policy]*Context
	current   Policy

	backoff  BackoffSequence
	stateKey any
	stateful bool
	inUse    atomic.Bool
}

func newContext(owner Policy, parent *Context) *Context {
	return &Context{
		id:     uuid.New(),
		parent: parent,
		owner:  owner,
	}
}

// ID returns the unique identity of the context
func (rc *Context) ID() uuid.UUID {
	return rc.id
}

// Parent returns the enclosing context, or nil for a top-level sequence
func (rc *Context) Parent() *Context {
	return rc.parent
}

// RetryCount returns the number of failures registered so far
func (rc *Context) RetryCount() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.retryCount
}

// LastError returns the most recently registered failure
func (rc *Context) LastError() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lastErr
}

// SetExhaustedOnly forces the sequence to stop at the next retry decision.
// The flag never clears.
func (rc *Context) SetExhaustedOnly() {
	rc.mu.Lock()
	rc.exhausted = true
	rc.mu.Unlock()
}

// IsExhaustedOnly reports whether the sequence was forced to stop
func (rc *Context) IsExhaustedOnly() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.exhausted
}

// Closed reports whether the owning policy closed the context
func (rc *Context) Closed() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.closed
}

// History returns the failures recorded by the executor, oldest first
func (rc *Context) History() []error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.history) == 0 {
		return nil
	}
	out := make([]error, len(rc.history))
	copy(out, rc.history)
	return out
}

// StateKey returns the stateful retry key bound to the context
func (rc *Context) StateKey() (any, bool) {
	return rc.stateKey, rc.stateful
}

// Attribute returns a named attribute
func (rc *Context) Attribute(name string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.attrs[name]
	return v, ok
}

// SetAttribute stores a named attribute
func (rc *Context) SetAttribute(name string, value any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.attrs == nil {
		rc.attrs = make(map[string]any)
	}
	rc.attrs[name] = value
}

// RemoveAttribute deletes a named attribute and returns its previous value
func (rc *Context) RemoveAttribute(name string) (any, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	v, ok := rc.attrs[name]
	delete(rc.attrs, name)
	return v, ok
}

// AttributeNames returns the attribute names in sorted order
func (rc *Context) AttributeNames() []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	names := make([]string, 0, len(rc.attrs))
	for name := range rc.attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// usable returns the configuration error for p operating on rc, if any
func (rc *Context) usable(p Policy) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return ErrContextClosed
	}
	if rc.owner != p {
		return ErrForeignContext
	}
	return nil
}

// register counts a failure; nil is ignored
func (rc *Context) register(err error) {
	if err == nil {
		return
	}
	rc.mu.Lock()
	rc.retryCount++
	rc.lastErr = err
	rc.mu.Unlock()
}

func (rc *Context) markClosed() {
	if rc == nil {
		return
	}
	rc.mu.Lock()
	rc.closed = true
	rc.mu.Unlock()
}

func (rc *Context) recordHistory(err error, limit int) {
	if limit <= 0 || err == nil {
		return
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.history = append(rc.history, err)
	if over := len(rc.history) - limit; over > 0 {
		rc.history = append(rc.history[:0], rc.history[over:]...)
	}
}

func (rc *Context) claim() bool {
	return rc.inUse.CompareAndSwap(false, true)
}

func (rc *Context) release() {
	rc.inUse.Store(false)
}

type contextKey struct{}

// WithContext returns a copy of ctx carrying rc as the current retry context
func WithContext(ctx context.Context, rc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// FromContext returns the retry context carried by ctx, if any
func FromContext(ctx context.Context) *Context {
	rc, _ := ctx.Value(contextKey{}).(*Context)
	return rc
}
