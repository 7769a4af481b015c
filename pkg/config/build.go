package config

import (
	"fmt"
	"log/slog"

	"github.com/jzx17/goretry/pkg/classify"
	"github.com/jzx17/goretry/pkg/retry"
	"github.com/jzx17/goretry/pkg/types"
)

// BuildOption configures how definitions become policies
type BuildOption func(*builder)

type builder struct {
	registry *Registry
	clock    types.Clock
	waiter   retry.Waiter
}

// WithRegistry resolves error names against r instead of the built-in registry
func WithRegistry(r *Registry) BuildOption {
	return func(b *builder) {
		if r != nil {
			b.registry = r
		}
	}
}

// WithClock sets the clock of timeout policies and backoff waits
func WithClock(clock types.Clock) BuildOption {
	return func(b *builder) {
		b.clock = clock
	}
}

// WithWaiter sets the waiter of the built backoff policy
func WithWaiter(w retry.Waiter) BuildOption {
	return func(b *builder) {
		b.waiter = w
	}
}

func newBuilder(opts []BuildOption) *builder {
	b := &builder{registry: NewRegistry()}
	for _, opt := range opts {
		opt(b)
	}
	if b.waiter == nil {
		// nil clock waits on the clock carried by the call's context
		b.waiter = retry.NewClockWaiter(b.clock)
	}
	if b.clock == nil {
		b.clock = types.NewRealClock()
	}
	return b
}

// BuildPolicy builds the policy tree of f
func (f *File) BuildPolicy(opts ...BuildOption) (retry.Policy, error) {
	return newBuilder(opts).policy("policy", &f.Policy)
}

// BuildBackoff builds the backoff policy of f
func (f *File) BuildBackoff(opts ...BuildOption) (retry.BackoffPolicy, error) {
	return newBuilder(opts).backoff("backoff", &f.Backoff)
}

// Executor builds an executor from f. Extra executor options are applied last.
func (f *File) Executor(logger *slog.Logger, opts []BuildOption, extra ...retry.ExecutorOption) (*retry.Executor, error) {
	b := newBuilder(opts)

	policy, err := b.policy("policy", &f.Policy)
	if err != nil {
		return nil, err
	}
	backoff, err := b.backoff("backoff", &f.Backoff)
	if err != nil {
		return nil, err
	}
	if f.FailureHistory < 0 {
		return nil, fmt.Errorf("%w: failure_history must not be negative", types.ErrInvalidConfig)
	}
	if f.CacheCapacity < 0 {
		return nil, fmt.Errorf("%w: cache_capacity must not be negative", types.ErrInvalidConfig)
	}

	execOpts := []retry.ExecutorOption{
		retry.WithBackoff(backoff),
		retry.WithFailureHistory(f.FailureHistory),
		retry.WithLogger(logger),
	}
	if f.CacheCapacity > 0 {
		execOpts = append(execOpts, retry.WithCache(retry.NewMapCache(f.CacheCapacity)))
	}
	execOpts = append(execOpts, extra...)
	return retry.NewExecutor(policy, execOpts...), nil
}

// Validate builds every part of f and reports the first error
func (f *File) Validate(opts ...BuildOption) error {
	_, err := f.Executor(nil, opts)
	return err
}

func invalid(path, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", types.ErrInvalidConfig, path, fmt.Sprintf(format, args...))
}

func (b *builder) policy(path string, spec *PolicySpec) (retry.Policy, error) {
	if spec == nil {
		return nil, invalid(path, "missing policy")
	}

	switch spec.Type {
	case "never":
		return retry.NewNeverPolicy(), nil

	case "always":
		return retry.NewAlwaysPolicy(), nil

	case "", "max_attempts":
		if spec.Type == "" && spec.MaxAttempts == 0 {
			return retry.NewMaxAttemptsPolicy(retry.DefaultMaxAttempts), nil
		}
		if spec.MaxAttempts < 1 {
			return nil, invalid(path, "max_attempts must be at least 1, got %d", spec.MaxAttempts)
		}
		return retry.NewMaxAttemptsPolicy(spec.MaxAttempts), nil

	case "timeout":
		if spec.Timeout <= 0 {
			return nil, invalid(path, "timeout must be positive")
		}
		return retry.NewTimeoutPolicy(spec.Timeout.Std(), retry.WithTimeoutClock(b.clock)), nil

	case "composite":
		var mode retry.CompositeMode
		switch spec.Mode {
		case "", "all":
			mode = retry.All
		case "any":
			mode = retry.Any
		default:
			return nil, invalid(path, "unknown composite mode %q", spec.Mode)
		}
		if len(spec.Policies) == 0 {
			return nil, invalid(path, "composite needs at least one policy")
		}
		children := make([]retry.Policy, 0, len(spec.Policies))
		for i := range spec.Policies {
			child, err := b.policy(fmt.Sprintf("%s.policies[%d]", path, i), &spec.Policies[i])
			if err != nil {
				return nil, err
			}
			children = append(children, child)
		}
		return retry.NewCompositePolicy(mode, children...), nil

	case "binary":
		classifier, err := b.binaryClassifier(path, spec)
		if err != nil {
			return nil, err
		}
		var delegate retry.Policy
		if spec.Delegate != nil {
			if delegate, err = b.policy(path+".delegate", spec.Delegate); err != nil {
				return nil, err
			}
		}
		return retry.NewBinaryGatePolicy(classifier, delegate), nil

	case "dispatch":
		return b.dispatch(path, spec)

	default:
		return nil, invalid(path, "unknown policy type %q", spec.Type)
	}
}

// binaryClassifier puts fatal rules ahead of retryable ones. Without a
// retryable list, unmatched errors are retryable.
func (b *builder) binaryClassifier(path string, spec *PolicySpec) (classify.Classifier[bool], error) {
	if len(spec.Fatal) == 0 && len(spec.Retryable) == 0 {
		return classify.Default(), nil
	}

	fatal, err := b.registry.resolve(path+".fatal", spec.Fatal)
	if err != nil {
		return nil, err
	}
	retryable, err := b.registry.resolve(path+".retryable", spec.Retryable)
	if err != nil {
		return nil, err
	}

	rules := make([]classify.Rule[bool], 0, len(fatal)+len(retryable))
	for _, m := range fatal {
		rules = append(rules, classify.When(m, false))
	}
	for _, m := range retryable {
		rules = append(rules, classify.When(m, true))
	}
	return classify.NewBinary(len(retryable) == 0, rules, classify.WithTraverseCauses(spec.TraverseCauses)), nil
}

func (b *builder) dispatch(path string, spec *PolicySpec) (retry.Policy, error) {
	if len(spec.Routes) == 0 {
		return nil, invalid(path, "dispatch needs at least one route")
	}

	var defaultPolicy retry.Policy
	if spec.Default != nil {
		var err error
		if defaultPolicy, err = b.policy(path+".default", spec.Default); err != nil {
			return nil, err
		}
	}

	var rules []classify.Rule[retry.Policy]
	for i := range spec.Routes {
		route := &spec.Routes[i]
		routePath := fmt.Sprintf("%s.routes[%d]", path, i)
		if len(route.Errors) == 0 {
			return nil, invalid(routePath, "route needs at least one error name")
		}
		matchers, err := b.registry.resolve(routePath+".errors", route.Errors)
		if err != nil {
			return nil, err
		}
		sub, err := b.policy(routePath+".policy", &route.Policy)
		if err != nil {
			return nil, err
		}
		// one sub-policy per route so its nested context is shared by all matchers
		for _, m := range matchers {
			rules = append(rules, classify.When(m, sub))
		}
	}

	return retry.NewClassifierPolicyFromRules(defaultPolicy, rules,
		classify.WithTraverseCauses(spec.TraverseCauses)), nil
}

func (b *builder) backoff(path string, spec *BackoffSpec) (retry.BackoffPolicy, error) {
	waiting := []retry.BackoffOption{retry.WithWaiter(b.waiter)}

	switch spec.Type {
	case "", "none":
		return retry.NewNoBackoff(), nil

	case "fixed":
		if spec.Delay <= 0 {
			return nil, invalid(path, "fixed backoff needs a positive delay")
		}
		return retry.NewFixedBackoff(spec.Delay.Std(), waiting...), nil

	case "exponential":
		jitter, err := jitterFunc(path, spec.Jitter)
		if err != nil {
			return nil, err
		}
		if spec.Multiplier != 0 && spec.Multiplier <= 1 {
			return nil, invalid(path, "multiplier must be greater than 1, got %g", spec.Multiplier)
		}
		if spec.Max > 0 && spec.Max < spec.Initial {
			return nil, invalid(path, "max %s is below initial %s", spec.Max.Std(), spec.Initial.Std())
		}
		opts := []retry.ExponentialOption{
			retry.WithMaxDelay(spec.Max.Std()),
			retry.WithExponentialWaiting(waiting...),
		}
		if spec.Multiplier != 0 {
			opts = append(opts, retry.WithMultiplier(spec.Multiplier))
		}
		if jitter != nil {
			opts = append(opts, retry.WithJitter(jitter))
		}
		return retry.NewExponentialBackoff(spec.Initial.Std(), opts...), nil

	case "uniform":
		if spec.Max < spec.Min {
			return nil, invalid(path, "max %s is below min %s", spec.Max.Std(), spec.Min.Std())
		}
		return retry.NewUniformRandomBackoff(spec.Min.Std(), spec.Max.Std(), waiting...), nil

	case "decorrelated":
		if spec.Max > 0 && spec.Max < spec.Initial {
			return nil, invalid(path, "max %s is below initial %s", spec.Max.Std(), spec.Initial.Std())
		}
		capDelay := spec.Max.Std()
		if capDelay == 0 {
			capDelay = retry.DefaultMaxInterval
		}
		return retry.NewDecorrelatedJitterBackoff(spec.Initial.Std(), capDelay, waiting...), nil

	default:
		return nil, invalid(path, "unknown backoff type %q", spec.Type)
	}
}

func jitterFunc(path, name string) (retry.JitterFunc, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "full":
		return retry.FullJitter, nil
	case "equal":
		return retry.EqualJitter, nil
	default:
		return nil, invalid(path, "unknown jitter %q", name)
	}
}
