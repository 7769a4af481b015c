package retry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jzx17/goretry/pkg/types"
)

// Executor drives the attempt/backoff loop of retry sequences.
// An Executor is safe for concurrent use; each call owns its own Context.
type Executor struct {
	policy       Policy
	backoff      BackoffPolicy
	listeners    []Listener
	cache        ContextCache
	logger       *slog.Logger
	historyLimit int
	stats        RetryStats
}

// Operation is the unit of work to retry. rc is the context of the running
// sequence; ctx also carries it (see FromContext).
type Operation[T any] func(ctx context.Context, rc *Context) (T, error)

// Recovery produces a fallback result once a sequence is exhausted
type Recovery[T any] func(ctx context.Context, rc *Context, err error) (T, error)

// RetryStats contains retry statistics
type RetryStats struct {
	TotalAttempts   int64   // operation invocations
	TotalRetries    int64   // invocations after the first of a sequence
	TotalSuccesses  int64   // calls returning a result from the operation
	TotalFailures   int64   // calls returning an error
	TotalRecoveries int64   // calls ending in the recovery handler
	AverageAttempts float64 // attempts per completed call
	mu              sync.RWMutex
}

// NewExecutor creates a retry executor. A nil policy permits DefaultMaxAttempts attempts.
func NewExecutor(policy Policy, opts ...ExecutorOption) *Executor {
	if policy == nil {
		policy = NewMaxAttemptsPolicy(DefaultMaxAttempts)
	}
	executor := &Executor{
		policy:  policy,
		backoff: NewNoBackoff(),
		cache:   NewMapCache(DefaultCacheCapacity),
		logger:  slog.New(slog.DiscardHandler),
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// Policy returns the retry policy
func (e *Executor) Policy() Policy {
	return e.policy
}

// Cache returns the context cache used for stateful retries
func (e *Executor) Cache() ContextCache {
	return e.cache
}

// Execute runs op until it succeeds or the policy stops permitting retries
func Execute[T any](e *Executor, ctx context.Context, op Operation[T]) (T, error) {
	return run(e, ctx, nil, op, nil)
}

// ExecuteWithRecovery is Execute with a recovery handler for exhausted sequences
func ExecuteWithRecovery[T any](e *Executor, ctx context.Context, op Operation[T], recovery Recovery[T]) (T, error) {
	return run(e, ctx, nil, op, recovery)
}

// ExecuteStateful runs op as part of the stateful sequence identified by
// state. recovery may be nil.
func ExecuteStateful[T any](e *Executor, ctx context.Context, state *State, op Operation[T], recovery Recovery[T]) (T, error) {
	return run(e, ctx, state, op, recovery)
}

func run[T any](e *Executor, ctx context.Context, state *State, op Operation[T], recovery Recovery[T]) (T, error) {
	var zero T

	rc, err := e.acquire(ctx, state)
	if err != nil {
		return zero, err
	}
	defer rc.release()

	e.notify(ctx, "open", rc, func(l Listener) { l.OnOpen(ctx, rc) })

	seq := e.sequence(rc)
	opCtx := WithContext(ctx, rc)
	lastErr := rc.LastError()
	attempts := 0

	for e.canRetry(rc) {
		// check if context is cancelled
		if ctx.Err() != nil {
			return zero, e.interrupt(ctx, rc, state, attempts, interrupted(ctx))
		}

		retrying := rc.RetryCount() > 0
		attempts++
		e.updateStats(func(stats *RetryStats) {
			stats.TotalAttempts++
			if retrying {
				stats.TotalRetries++
			}
		})

		result, opErr := op(opCtx, rc)
		if opErr == nil {
			e.finish(ctx, rc, state, nil)
			e.updateStats(func(stats *RetryStats) {
				stats.TotalSuccesses++
				stats.updateAverageAttempts()
			})
			return result, nil
		}

		lastErr = opErr
		if rerr := e.policy.RegisterError(rc, opErr); rerr != nil {
			regErr := fmt.Errorf("register failure on retry context %s: %w", rc.ID(), rerr)
			e.finish(ctx, rc, state, regErr)
			e.countFailure()
			return zero, regErr
		}
		rc.recordHistory(opErr, e.historyLimit)
		e.notify(ctx, "error", rc, func(l Listener) { l.OnError(ctx, rc, opErr) })

		if state.RollbackFor(opErr) {
			rollback := &types.RollbackError{Err: opErr, Attempts: rc.RetryCount()}
			e.finish(ctx, rc, state, rollback)
			e.countFailure()
			return zero, rollback
		}

		if !e.canRetry(rc) {
			break
		}

		if state != nil && state.Defer {
			e.notify(ctx, "close", rc, func(l Listener) { l.OnClose(ctx, rc, opErr) })
			e.countFailure()
			return zero, opErr
		}

		if berr := e.backoff.Backoff(ctx, withRetryAfter(seq, opErr)); berr != nil {
			return zero, e.interrupt(ctx, rc, state, attempts, berr)
		}
	}

	return exhausted(e, opCtx, rc, state, lastErr, recovery)
}

func exhausted[T any](e *Executor, ctx context.Context, rc *Context, state *State, lastErr error, recovery Recovery[T]) (T, error) {
	if state != nil {
		e.cache.Remove(state.Key, rc)
	}

	if recovery != nil {
		result, err := recovery(ctx, rc, lastErr)
		e.finish(ctx, rc, state, err)
		e.updateStats(func(stats *RetryStats) {
			stats.TotalRecoveries++
			if err != nil {
				stats.TotalFailures++
			} else {
				stats.TotalSuccesses++
			}
			stats.updateAverageAttempts()
		})
		return result, err
	}

	var zero T
	exErr := &types.ExhaustedError{
		Err:      lastErr,
		Attempts: rc.RetryCount(),
		History:  rc.History(),
	}
	e.finish(ctx, rc, state, exErr)
	e.countFailure()
	return zero, exErr
}

// acquire opens or resumes the context for a call
func (e *Executor) acquire(ctx context.Context, state *State) (*Context, error) {
	parent := FromContext(ctx)
	if state == nil {
		rc := e.policy.Open(parent)
		rc.claim()
		return rc, nil
	}

	if err := state.validate(); err != nil {
		return nil, err
	}

	open := func() *Context {
		rc := e.policy.Open(parent)
		rc.stateKey = state.Key
		rc.stateful = true
		rc.claim()
		return rc
	}

	if state.ForceRefresh {
		rc := open()
		prev, err := e.cache.Store(state.Key, rc)
		if err != nil {
			return nil, err
		}
		if prev != nil && prev != rc {
			prev.owner.Close(prev)
		}
		return rc, nil
	}

	rc, loaded, err := e.cache.LoadOrStore(state.Key, open)
	if err != nil {
		return nil, err
	}
	if !loaded {
		return rc, nil
	}

	if rc == nil || !rc.stateful || rc.stateKey != state.Key {
		return nil, fmt.Errorf("cached context for key %v: %w", state.Key, ErrCacheKeyCollision)
	}
	if rc.owner != e.policy {
		return nil, fmt.Errorf("cached context for key %v opened by %s: %w", state.Key, Describe(rc.owner), ErrForeignContext)
	}
	if rc.Closed() {
		e.cache.Remove(state.Key, rc)
		return nil, fmt.Errorf("cached context for key %v: %w", state.Key, ErrContextClosed)
	}
	if !rc.claim() {
		return nil, fmt.Errorf("key %v: %w", state.Key, ErrContextInUse)
	}
	return rc, nil
}

func (e *Executor) sequence(rc *Context) BackoffSequence {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.backoff == nil {
		rc.backoff = e.backoff.Start(rc)
	}
	return rc.backoff
}

func (e *Executor) canRetry(rc *Context) bool {
	return !rc.IsExhaustedOnly() && e.policy.CanRetry(rc)
}

// finish ends the sequence: the cache entry is removed and the policy closes the context
func (e *Executor) finish(ctx context.Context, rc *Context, state *State, err error) {
	if state != nil {
		e.cache.Remove(state.Key, rc)
	}
	e.policy.Close(rc)
	e.notify(ctx, "close", rc, func(l Listener) { l.OnClose(ctx, rc, err) })
}

// interrupt ends the call on cancellation. Stateless sequences are closed;
// stateful ones stay cached for the next call.
func (e *Executor) interrupt(ctx context.Context, rc *Context, state *State, attempts int, err error) error {
	e.logger.DebugContext(ctx, "retry interrupted",
		"retry_id", rc.ID(),
		"attempts", attempts,
		"error", err,
	)
	if state == nil {
		e.policy.Close(rc)
	}
	e.notify(ctx, "close", rc, func(l Listener) { l.OnClose(ctx, rc, err) })
	e.countFailure()
	return err
}

// notify invokes fn for every listener, recovering panics
func (e *Executor) notify(ctx context.Context, event string, rc *Context, fn func(Listener)) {
	for _, l := range e.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.ErrorContext(ctx, "retry listener panicked",
						"event", event,
						"retry_id", rc.ID(),
						"panic", r,
					)
				}
			}()
			fn(l)
		}()
	}
}

// GetStats gets retry statistics
func (e *Executor) GetStats() RetryStats {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()
	return RetryStats{
		TotalAttempts:   e.stats.TotalAttempts,
		TotalRetries:    e.stats.TotalRetries,
		TotalSuccesses:  e.stats.TotalSuccesses,
		TotalFailures:   e.stats.TotalFailures,
		TotalRecoveries: e.stats.TotalRecoveries,
		AverageAttempts: e.stats.AverageAttempts,
		// don't copy mutex
	}
}

// ResetStats resets statistics
func (e *Executor) ResetStats() {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()

	// reset all fields but keep mutex
	e.stats.TotalAttempts = 0
	e.stats.TotalRetries = 0
	e.stats.TotalSuccesses = 0
	e.stats.TotalFailures = 0
	e.stats.TotalRecoveries = 0
	e.stats.AverageAttempts = 0
}

// updateStats updates statistics (thread-safe)
func (e *Executor) updateStats(fn func(*RetryStats)) {
	e.stats.mu.Lock()
	defer e.stats.mu.Unlock()
	fn(&e.stats)
}

func (e *Executor) countFailure() {
	e.updateStats(func(stats *RetryStats) {
		stats.TotalFailures++
		stats.updateAverageAttempts()
	})
}

// updateAverageAttempts updates average attempt count
func (s *RetryStats) updateAverageAttempts() {
	totalOperations := s.TotalSuccesses + s.TotalFailures
	if totalOperations > 0 {
		s.AverageAttempts = float64(s.TotalAttempts) / float64(totalOperations)
	}
}

// ExecutorOption is a configuration option for retry executor
type ExecutorOption func(*Executor)

// WithBackoff sets the backoff policy applied between attempts
func WithBackoff(backoff BackoffPolicy) ExecutorOption {
	return func(e *Executor) {
		if backoff != nil {
			e.backoff = backoff
		}
	}
}

// WithListeners appends listeners
func WithListeners(listeners ...Listener) ExecutorOption {
	return func(e *Executor) {
		for _, l := range listeners {
			if l != nil {
				e.listeners = append(e.listeners, l)
			}
		}
	}
}

// WithCache sets the context cache for stateful retries
func WithCache(cache ContextCache) ExecutorOption {
	return func(e *Executor) {
		if cache != nil {
			e.cache = cache
		}
	}
}

// WithLogger sets the logger used for listener failures and interruptions
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithFailureHistory keeps the last limit failures on each context and
// attaches them to exhaustion errors
func WithFailureHistory(limit int) ExecutorOption {
	return func(e *Executor) {
		e.historyLimit = limit
	}
}
