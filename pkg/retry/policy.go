package retry

import (
	"fmt"
	"strings"
	"time"

	"github.com/jzx17/goretry/pkg/classify"
	"github.com/jzx17/goretry/pkg/types"
)

// Policy decides whether a retry sequence may continue.
//
// The set of implementations is closed: NeverPolicy, AlwaysPolicy,
// MaxAttemptsPolicy, TimeoutPolicy, ClassifierPolicy, BinaryGatePolicy and
// CompositePolicy. Policies are immutable after construction and may be
// shared by concurrent executions; all per-sequence state lives in the
// Context returned by Open.
type Policy interface {
	// Open creates the context for a new sequence, linked to parent if any
	Open(parent *Context) *Context

	// CanRetry reports whether another attempt is permitted. It does not
	// mutate the context.
	CanRetry(rc *Context) bool

	// RegisterError records a failure. A nil error is ignored. The returned
	// error is a configuration error, never the failure itself.
	RegisterError(rc *Context, err error) error

	// Close releases the context. Close is idempotent.
	Close(rc *Context)

	sealed()
}

func register(p Policy, rc *Context, err error) error {
	if rc == nil {
		return fmt.Errorf("register on nil context: %w", ErrContextClosed)
	}
	if uerr := rc.usable(p); uerr != nil {
		return uerr
	}
	rc.register(err)
	return nil
}

func usable(p Policy, rc *Context) bool {
	return rc != nil && rc.usable(p) == nil && !rc.IsExhaustedOnly()
}

// NeverPolicy allows the first attempt but never a retry
type NeverPolicy struct{}

// NewNeverPolicy creates a policy permitting exactly one attempt
func NewNeverPolicy() *NeverPolicy {
	return &NeverPolicy{}
}

func (p *NeverPolicy) Open(parent *Context) *Context {
	return newContext(p, parent)
}

func (p *NeverPolicy) CanRetry(rc *Context) bool {
	if !usable(p, rc) {
		return false
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return !rc.finished
}

func (p *NeverPolicy) RegisterError(rc *Context, err error) error {
	if err == nil {
		return nil
	}
	if rerr := register(p, rc, err); rerr != nil {
		return rerr
	}
	rc.mu.Lock()
	rc.finished = true
	rc.mu.Unlock()
	return nil
}

func (p *NeverPolicy) Close(rc *Context) {
	rc.markClosed()
}

func (*NeverPolicy) sealed() {}

// AlwaysPolicy retries until the context is forced exhausted
type AlwaysPolicy struct{}

// NewAlwaysPolicy creates a policy with no attempt limit
func NewAlwaysPolicy() *AlwaysPolicy {
	return &AlwaysPolicy{}
}

func (p *AlwaysPolicy) Open(parent *Context) *Context {
	return newContext(p, parent)
}

func (p *AlwaysPolicy) CanRetry(rc *Context) bool {
	return usable(p, rc)
}

func (p *AlwaysPolicy) RegisterError(rc *Context, err error) error {
	if err == nil {
		return nil
	}
	return register(p, rc, err)
}

func (p *AlwaysPolicy) Close(rc *Context) {
	rc.markClosed()
}

func (*AlwaysPolicy) sealed() {}

// DefaultMaxAttempts is the attempt limit used when none is configured
const DefaultMaxAttempts = 3

// MaxAttemptsPolicy permits a fixed number of attempts in total
type MaxAttemptsPolicy struct {
	maxAttempts int
}

// NewMaxAttemptsPolicy creates a policy permitting maxAttempts attempts.
// Values below one are raised to one so that the first attempt always runs.
func NewMaxAttemptsPolicy(maxAttempts int) *MaxAttemptsPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &MaxAttemptsPolicy{maxAttempts: maxAttempts}
}

// MaxAttempts returns the attempt limit
func (p *MaxAttemptsPolicy) MaxAttempts() int {
	return p.maxAttempts
}

func (p *MaxAttemptsPolicy) Open(parent *Context) *Context {
	return newContext(p, parent)
}

func (p *MaxAttemptsPolicy) CanRetry(rc *Context) bool {
	return usable(p, rc) && rc.RetryCount() < p.maxAttempts
}

func (p *MaxAttemptsPolicy) RegisterError(rc *Context, err error) error {
	if err == nil {
		return nil
	}
	return register(p, rc, err)
}

func (p *MaxAttemptsPolicy) Close(rc *Context) {
	rc.markClosed()
}

func (*MaxAttemptsPolicy) sealed() {}

// DefaultTimeout is the timeout used when none is configured
const DefaultTimeout = time.Second

// TimeoutPolicy permits retries until a duration has elapsed since Open
type TimeoutPolicy struct {
	timeout time.Duration
	clock   types.Clock
}

// TimeoutOption configures a TimeoutPolicy
type TimeoutOption func(*TimeoutPolicy)

// WithTimeoutClock sets the clock used to measure elapsed time
func WithTimeoutClock(clock types.Clock) TimeoutOption {
	return func(p *TimeoutPolicy) {
		p.clock = clock
	}
}

// NewTimeoutPolicy creates a timeout policy. Non-positive timeouts use DefaultTimeout.
func NewTimeoutPolicy(timeout time.Duration, opts ...TimeoutOption) *TimeoutPolicy {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := &TimeoutPolicy{
		timeout: timeout,
		clock:   types.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Timeout returns the configured duration
func (p *TimeoutPolicy) Timeout() time.Duration {
	return p.timeout
}

func (p *TimeoutPolicy) Open(parent *Context) *Context {
	rc := newContext(p, parent)
	rc.startedAt = p.clock.Now("retry", "timeout", "open")
	return rc
}

func (p *TimeoutPolicy) CanRetry(rc *Context) bool {
	if !usable(p, rc) {
		return false
	}
	return p.clock.Since(rc.startedAt, "retry", "timeout", "check") < p.timeout
}

func (p *TimeoutPolicy) RegisterError(rc *Context, err error) error {
	if err == nil {
		return nil
	}
	return register(p, rc, err)
}

func (p *TimeoutPolicy) Close(rc *Context) {
	rc.markClosed()
}

func (*TimeoutPolicy) sealed() {}

// ClassifierPolicy dispatches to a sub-policy chosen by classifying each failure.
//
// Every sub-policy keeps its own nested context, opened lazily the first time
// a failure classifies to it. CanRetry consults the sub-policy selected by the
// most recent failure; before any failure it permits the attempt.
type ClassifierPolicy struct {
	classifier classify.Classifier[Policy]
}

// NewClassifierPolicy creates a dispatching policy.
// Failures classified to nil are handled by a NeverPolicy.
func NewClassifierPolicy(classifier classify.Classifier[Policy]) *ClassifierPolicy {
	if classifier == nil {
		classifier = classify.Constant[Policy](nil)
	}
	return &ClassifierPolicy{classifier: classifier}
}

// NewClassifierPolicyFromRules builds the classifier from rules and a default sub-policy
func NewClassifierPolicyFromRules(defaultPolicy Policy, rules []classify.Rule[Policy], opts ...classify.SubclassOption) *ClassifierPolicy {
	return NewClassifierPolicy(classify.NewSubclass(defaultPolicy, rules, opts...))
}

var fallbackPolicy = NewNeverPolicy()

func (p *ClassifierPolicy) selectPolicy(err error) Policy {
	sub := p.classifier.Classify(err)
	if sub == nil {
		return fallbackPolicy
	}
	return sub
}

func (p *ClassifierPolicy) Open(parent *Context) *Context {
	rc := newContext(p, parent)
	rc.nested = make(map[Policy]*Context)
	return rc
}

func (p *ClassifierPolicy) CanRetry(rc *Context) bool {
	if !usable(p, rc) {
		return false
	}
	rc.mu.Lock()
	current := rc.current
	nested := rc.nested[current]
	rc.mu.Unlock()

	if current == nil {
		return true
	}
	return current.CanRetry(nested)
}

func (p *ClassifierPolicy) RegisterError(rc *Context, err error) error {
	if err == nil {
		return nil
	}
	if rerr := register(p, rc, err); rerr != nil {
		return rerr
	}

	sub := p.selectPolicy(err)

	rc.mu.Lock()
	nested, ok := rc.nested[sub]
	rc.mu.Unlock()
	if !ok {
		nested = sub.Open(rc)
		rc.mu.Lock()
		rc.nested[sub] = nested
		rc.mu.Unlock()
	}

	if rerr := sub.RegisterError(nested, err); rerr != nil {
		return fmt.Errorf("dispatch to %s: %w", Describe(sub), rerr)
	}

	rc.mu.Lock()
	rc.current = sub
	rc.mu.Unlock()
	return nil
}

// Nested returns the context opened for sub, if a failure has been routed to it
func (p *ClassifierPolicy) Nested(rc *Context, sub Policy) (*Context, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	nested, ok := rc.nested[sub]
	return nested, ok
}

func (p *ClassifierPolicy) Close(rc *Context) {
	rc.mu.Lock()
	nested := make(map[Policy]*Context, len(rc.nested))
	for sub, c := range rc.nested {
		nested[sub] = c
	}
	rc.mu.Unlock()

	for sub, c := range nested {
		sub.Close(c)
	}
	rc.markClosed()
}

func (*ClassifierPolicy) sealed() {}

// BinaryGatePolicy permits a retry only while the last failure classifies as
// retryable, and, when a delegate is configured, the delegate also permits it.
type BinaryGatePolicy struct {
	classifier classify.Classifier[bool]
	delegate   Policy
}

// NewBinaryGatePolicy creates a gate. A nil classifier uses classify.Default;
// a nil delegate gates on classification alone.
func NewBinaryGatePolicy(classifier classify.Classifier[bool], delegate Policy) *BinaryGatePolicy {
	if classifier == nil {
		classifier = classify.Default()
	}
	return &BinaryGatePolicy{classifier: classifier, delegate: delegate}
}

func (p *BinaryGatePolicy) Open(parent *Context) *Context {
	rc := newContext(p, parent)
	if p.delegate != nil {
		rc.children = []*Context{p.delegate.Open(rc)}
	}
	return rc
}

func (p *BinaryGatePolicy) CanRetry(rc *Context) bool {
	if !usable(p, rc) {
		return false
	}
	if last := rc.LastError(); last != nil && !p.classifier.Classify(last) {
		return false
	}
	if p.delegate == nil {
		return true
	}
	return p.delegate.CanRetry(rc.children[0])
}

func (p *BinaryGatePolicy) RegisterError(rc *Context, err error) error {
	if err == nil {
		return nil
	}
	if rerr := register(p, rc, err); rerr != nil {
		return rerr
	}
	if !p.classifier.Classify(err) {
		rc.SetExhaustedOnly()
	}
	if p.delegate != nil {
		return p.delegate.RegisterError(rc.children[0], err)
	}
	return nil
}

func (p *BinaryGatePolicy) Close(rc *Context) {
	if p.delegate != nil && len(rc.children) > 0 {
		p.delegate.Close(rc.children[0])
	}
	rc.markClosed()
}

func (*BinaryGatePolicy) sealed() {}

// CompositeMode selects how a CompositePolicy combines its children
type CompositeMode int

const (
	// All permits a retry only while every child permits it
	All CompositeMode = iota
	// Any permits a retry while at least one child permits it
	Any
)

func (m CompositeMode) String() string {
	if m == Any {
		return "any"
	}
	return "all"
}

// CompositePolicy combines several policies. Open, RegisterError and Close
// fan out to one child context per policy.
type CompositePolicy struct {
	mode     CompositeMode
	policies []Policy
}

// NewCompositePolicy creates a composite of policies combined by mode
func NewCompositePolicy(mode CompositeMode, policies ...Policy) *CompositePolicy {
	copied := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if p != nil {
			copied = append(copied, p)
		}
	}
	return &CompositePolicy{mode: mode, policies: copied}
}

// AllOf permits a retry only while every policy permits it
func AllOf(policies ...Policy) *CompositePolicy {
	return NewCompositePolicy(All, policies...)
}

// AnyOf permits a retry while any policy permits it
func AnyOf(policies ...Policy) *CompositePolicy {
	return NewCompositePolicy(Any, policies...)
}

func (p *CompositePolicy) Open(parent *Context) *Context {
	rc := newContext(p, parent)
	rc.children = make([]*Context, len(p.policies))
	for i, child := range p.policies {
		rc.children[i] = child.Open(rc)
	}
	return rc
}

func (p *CompositePolicy) CanRetry(rc *Context) bool {
	if !usable(p, rc) {
		return false
	}
	if p.mode == Any {
		for i, child := range p.policies {
			if child.CanRetry(rc.children[i]) {
				return true
			}
		}
		return false
	}
	for i, child := range p.policies {
		if !child.CanRetry(rc.children[i]) {
			return false
		}
	}
	return true
}

func (p *CompositePolicy) RegisterError(rc *Context, err error) error {
	if err == nil {
		return nil
	}
	if rerr := register(p, rc, err); rerr != nil {
		return rerr
	}
	for i, child := range p.policies {
		if rerr := child.RegisterError(rc.children[i], err); rerr != nil {
			return fmt.Errorf("composite child %d: %w", i, rerr)
		}
	}
	return nil
}

// Child returns the context of the i-th policy
func (p *CompositePolicy) Child(rc *Context, i int) *Context {
	if i < 0 || i >= len(rc.children) {
		return nil
	}
	return rc.children[i]
}

func (p *CompositePolicy) Close(rc *Context) {
	for i, child := range p.policies {
		if i < len(rc.children) {
			child.Close(rc.children[i])
		}
	}
	rc.markClosed()
}

func (*CompositePolicy) sealed() {}

// Describe renders a policy tree for logs and diagnostics
func Describe(p Policy) string {
	switch v := p.(type) {
	case nil:
		return "none"
	case *NeverPolicy:
		return "never"
	case *AlwaysPolicy:
		return "always"
	case *MaxAttemptsPolicy:
		return fmt.Sprintf("max_attempts(%d)", v.maxAttempts)
	case *TimeoutPolicy:
		return fmt.Sprintf("timeout(%s)", v.timeout)
	case *ClassifierPolicy:
		return "dispatch"
	case *BinaryGatePolicy:
		if v.delegate == nil {
			return "binary"
		}
		return "binary(" + Describe(v.delegate) + ")"
	case *CompositePolicy:
		parts := make([]string, 0, len(v.policies))
		for _, child := range v.policies {
			parts = append(parts, Describe(child))
		}
		return v.mode.String() + "(" + strings.Join(parts, ", ") + ")"
	default:
		return fmt.Sprintf("%T", p)
	}
}
