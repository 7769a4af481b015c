package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jzx17/goretry/pkg/classify"
	"github.com/jzx17/goretry/pkg/types"
)

// Registry resolves error names used in YAML to matchers
type Registry struct {
	mu       sync.RWMutex
	matchers map[string]classify.Matcher
}

// NewRegistry creates a registry holding the built-in names:
// canceled, deadline_exceeded, retryable and permanent.
func NewRegistry() *Registry {
	r := &Registry{matchers: make(map[string]classify.Matcher)}
	r.matchers["canceled"] = classify.Is(context.Canceled)
	r.matchers["deadline_exceeded"] = classify.Is(context.DeadlineExceeded)
	r.matchers["retryable"] = classify.Match("retryable", func(err error) bool {
		retryable, ok := types.RetryDecision(err)
		return ok && retryable
	})
	r.matchers["permanent"] = classify.Match("permanent", func(err error) bool {
		retryable, ok := types.RetryDecision(err)
		return ok && !retryable
	})
	return r
}

// Register adds a named matcher. Names are unique.
func (r *Registry) Register(name string, m classify.Matcher) error {
	if name == "" || m == nil {
		return fmt.Errorf("%w: matcher name and value are required", types.ErrInvalidConfig)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.matchers[name]; exists {
		return fmt.Errorf("%w: matcher %q already registered", types.ErrInvalidConfig, name)
	}
	r.matchers[name] = m
	return nil
}

// MustRegister is Register that panics on error
func (r *Registry) MustRegister(name string, m classify.Matcher) *Registry {
	if err := r.Register(name, m); err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the matcher registered under name
func (r *Registry) Lookup(name string) (classify.Matcher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.matchers[name]
	return m, ok
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.matchers))
	for name := range r.matchers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) resolve(path string, names []string) ([]classify.Matcher, error) {
	matchers := make([]classify.Matcher, 0, len(names))
	for _, name := range names {
		m, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s: unknown error name %q", types.ErrInvalidConfig, path, name)
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}
