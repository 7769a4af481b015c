// Package classify maps failures to classification outcomes.
//
// A Classifier is a pure function over an error value. Subclass classifiers
// hold an ordered list of rules and a default for anything unlisted; Binary
// classifiers are the retryable/not-retryable special case used by retry
// policies.
package classify

import (
	"errors"
	"reflect"
)

// Classifier maps a failure to an outcome of type T
type Classifier[T any] interface {
	Classify(err error) T
}

// Func adapts a plain function to the Classifier interface
type Func[T any] func(err error) T

// Classify calls f(err)
func (f Func[T]) Classify(err error) T {
	return f(err)
}

// Constant returns a classifier that always yields value
func Constant[T any](value T) Classifier[T] {
	return Func[T](func(error) T { return value })
}

// Matcher reports whether an error belongs to a class
type Matcher interface {
	Match(err error) bool
	String() string
}

type exactMatcher struct {
	typ reflect.Type
}

// Exact matches errors whose dynamic type is exactly E
func Exact[E error]() Matcher {
	return exactMatcher{typ: reflect.TypeFor[E]()}
}

func (m exactMatcher) Match(err error) bool {
	return err != nil && reflect.TypeOf(err) == m.typ
}

func (m exactMatcher) String() string {
	return "exact(" + m.typ.String() + ")"
}

type typeMatcher[E error] struct{}

// Type matches errors that are assignable to E: the concrete type itself, or
// any type implementing E when E is an interface.
func Type[E error]() Matcher {
	return typeMatcher[E]{}
}

func (typeMatcher[E]) Match(err error) bool {
	_, ok := err.(E)
	return ok
}

func (typeMatcher[E]) String() string {
	return "type(" + reflect.TypeFor[E]().String() + ")"
}

type isMatcher struct {
	target error
}

// Is matches errors for which errors.Is(err, target) holds
func Is(target error) Matcher {
	return isMatcher{target: target}
}

func (m isMatcher) Match(err error) bool {
	return err != nil && errors.Is(err, m.target)
}

func (m isMatcher) String() string {
	return "is(" + m.target.Error() + ")"
}

type funcMatcher struct {
	name string
	fn   func(error) bool
}

// Match wraps a predicate as a named Matcher
func Match(name string, fn func(error) bool) Matcher {
	return funcMatcher{name: name, fn: fn}
}

func (m funcMatcher) Match(err error) bool {
	return err != nil && m.fn(err)
}

func (m funcMatcher) String() string {
	return m.name
}
