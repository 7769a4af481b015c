package classify

import (
	"context"
	"errors"

	"github.com/jzx17/goretry/pkg/types"
)

// Rule pairs a matcher with the outcome it selects
type Rule[T any] struct {
	Matcher Matcher
	Value   T
}

// When builds a rule
func When[T any](m Matcher, value T) Rule[T] {
	return Rule[T]{Matcher: m, Value: value}
}

// Subclass classifies errors by an ordered rule list.
// The first matching rule wins; unmatched and nil errors yield the default.
// Subclass is immutable after construction and safe for concurrent use.
type Subclass[T any] struct {
	rules          []Rule[T]
	defaultValue   T
	traverseCauses bool
}

// SubclassOption configures a Subclass classifier
type SubclassOption func(*subclassConfig)

type subclassConfig struct {
	traverseCauses bool
}

// WithTraverseCauses makes the classifier walk the error's cause chain,
// shallowest first, when the error itself matches no rule.
func WithTraverseCauses(enabled bool) SubclassOption {
	return func(c *subclassConfig) {
		c.traverseCauses = enabled
	}
}

// NewSubclass creates a rule-based classifier
func NewSubclass[T any](defaultValue T, rules []Rule[T], opts ...SubclassOption) *Subclass[T] {
	cfg := subclassConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	copied := make([]Rule[T], 0, len(rules))
	for _, r := range rules {
		if r.Matcher != nil {
			copied = append(copied, r)
		}
	}

	return &Subclass[T]{
		rules:          copied,
		defaultValue:   defaultValue,
		traverseCauses: cfg.traverseCauses,
	}
}

// Classify implements Classifier
func (c *Subclass[T]) Classify(err error) T {
	if err == nil {
		return c.defaultValue
	}

	if v, ok := c.lookup(err); ok {
		return v
	}

	if c.traverseCauses {
		queue := causes(err)
		for len(queue) > 0 {
			next := queue[0]
			queue = queue[1:]
			if v, ok := c.lookup(next); ok {
				return v
			}
			queue = append(queue, causes(next)...)
		}
	}

	return c.defaultValue
}

// Default returns the outcome for unlisted errors
func (c *Subclass[T]) Default() T {
	return c.defaultValue
}

func (c *Subclass[T]) lookup(err error) (T, bool) {
	for _, r := range c.rules {
		if r.Matcher.Match(err) {
			return r.Value, true
		}
	}
	var zero T
	return zero, false
}

func causes(err error) []error {
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		if next := u.Unwrap(); next != nil {
			return []error{next}
		}
	case interface{ Unwrap() []error }:
		return u.Unwrap()
	}
	return nil
}

// Binary is the retryable/not-retryable classifier
type Binary = Subclass[bool]

// NewBinary creates a binary classifier from rules and a default for unlisted errors
func NewBinary(defaultValue bool, rules []Rule[bool], opts ...SubclassOption) *Binary {
	return NewSubclass(defaultValue, rules, opts...)
}

// Allow lists the retryable error classes; anything else is not retryable
func Allow(matchers ...Matcher) *Binary {
	return NewBinary(false, rulesFor(matchers, true))
}

// Deny lists the non-retryable error classes; anything else is retryable
func Deny(matchers ...Matcher) *Binary {
	return NewBinary(true, rulesFor(matchers, false))
}

func rulesFor(matchers []Matcher, value bool) []Rule[bool] {
	rules := make([]Rule[bool], 0, len(matchers))
	for _, m := range matchers {
		rules = append(rules, When(m, value))
	}
	return rules
}

// Default returns the permissive classifier: cancellation and deadline
// errors are not retryable, errors carrying a types.RetryableError decision
// report it, and everything else is retryable.
func Default() Classifier[bool] {
	return Func[bool](defaultRetryable)
}

func defaultRetryable(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if retryable, ok := types.RetryDecision(err); ok {
		return retryable
	}
	return true
}
