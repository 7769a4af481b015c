package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jzx17/goretry/internal/testutils"
	"github.com/jzx17/goretry/pkg/classify"
	"github.com/jzx17/goretry/pkg/types"
)

func TestExecuteStateful_DeferredAttemptsAccumulate(t *testing.T) {
	cache := NewMapCache(16)
	waiter := testutils.NewRecordingWaiter()
	executor := NewExecutor(NewMaxAttemptsPolicy(3),
		WithCache(cache),
		WithBackoff(NewFixedBackoff(time.Second, WithWaiter(waiter))))

	state := NewState("msg-1").WithDefer(true)
	var contexts []*Context
	op := func(_ context.Context, rc *Context) (string, error) {
		contexts = append(contexts, rc)
		return "", errTransient
	}

	for call := 1; call <= 2; call++ {
		_, err := ExecuteStateful(executor, context.Background(), state, op, nil)
		assert.Equal(t, errTransient, err, "call %d returns the raw failure", call)
		assert.True(t, cache.Contains("msg-1"))
		assert.Equal(t, call, contexts[len(contexts)-1].RetryCount())
	}

	_, err := ExecuteStateful(executor, context.Background(), state, op, nil)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errTransient)
	assert.False(t, cache.Contains("msg-1"))

	require.Len(t, contexts, 3)
	assert.Same(t, contexts[0], contexts[1])
	assert.Same(t, contexts[1], contexts[2])
	assert.True(t, contexts[2].Closed())
	assert.Equal(t, 0, waiter.Count(), "deferred sequences do not wait")

	key, stateful := contexts[0].StateKey()
	assert.True(t, stateful)
	assert.Equal(t, "msg-1", key)

	// the terminal outcome discarded the sequence; a new one starts from zero
	_, err = ExecuteStateful(executor, context.Background(), state, op, nil)
	assert.Equal(t, errTransient, err)
	require.Len(t, contexts, 4)
	assert.NotEqual(t, contexts[0].ID(), contexts[3].ID())
	assert.Equal(t, 1, contexts[3].RetryCount())
}

func TestExecuteStateful_ResumesAfterInterruption(t *testing.T) {
	cache := NewMapCache(16)
	waiter := testutils.NewRecordingWaiter().InterruptOn(1)
	executor := NewExecutor(NewMaxAttemptsPolicy(5),
		WithCache(cache),
		WithBackoff(NewFixedBackoff(10*time.Millisecond, WithWaiter(waiter))))

	script := testutils.FailTimes(2, errTransient)
	var contexts []*Context
	op := func(_ context.Context, rc *Context) (string, error) {
		contexts = append(contexts, rc)
		return script.Next()
	}

	state := NewState(42)
	_, err := ExecuteStateful(executor, context.Background(), state, op, nil)
	assert.ErrorIs(t, err, ErrBackoffInterrupted)
	assert.True(t, cache.Contains(42))
	assert.False(t, contexts[0].Closed(), "interrupted stateful sequences stay open")

	result, err := ExecuteStateful(executor, context.Background(), state, op, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok after 3 calls", result)
	assert.False(t, cache.Contains(42))

	require.Len(t, contexts, 3)
	assert.Same(t, contexts[0], contexts[2])
	assert.Equal(t, 2, contexts[2].RetryCount())
	assert.True(t, contexts[2].Closed())
}

func TestExecuteStateful_Rollback(t *testing.T) {
	cache := NewMapCache(16)
	waiter := testutils.NewRecordingWaiter()
	executor := NewExecutor(NewMaxAttemptsPolicy(5),
		WithCache(cache),
		WithBackoff(NewFixedBackoff(time.Second, WithWaiter(waiter))))

	state := NewState("order-7").WithRollback(classify.Allow(classify.Is(errFatal)))
	script := testutils.FailTimes(-1, fmt.Errorf("write rejected: %w", errFatal))

	recovered := false
	_, err := ExecuteStateful(executor, context.Background(), state, scripted(script),
		func(context.Context, *Context, error) (string, error) {
			recovered = true
			return "", nil
		})

	assert.ErrorIs(t, err, ErrRollback)
	assert.ErrorIs(t, err, errFatal)
	assert.NotErrorIs(t, err, ErrExhausted)

	var rbErr *types.RollbackError
	require.ErrorAs(t, err, &rbErr)
	assert.Equal(t, 1, rbErr.Attempts)

	assert.Equal(t, 1, script.Calls())
	assert.Equal(t, 0, waiter.Count())
	assert.False(t, recovered, "rollback skips recovery")
	assert.False(t, cache.Contains("order-7"))
}

func TestExecuteStateful_RollbackClassifierIgnoresOtherErrors(t *testing.T) {
	executor := NewExecutor(NewMaxAttemptsPolicy(3))
	state := NewState("k").WithRollback(classify.Allow(classify.Is(errFatal)))

	script := testutils.FailTimes(2, errTransient)
	result, err := ExecuteStateful(executor, context.Background(), state, scripted(script), nil)

	require.NoError(t, err)
	assert.Equal(t, "ok after 3 calls", result)
}

func TestExecuteStateful_RecoveryAfterCacheRemoval(t *testing.T) {
	cache := NewMapCache(16)
	executor := NewExecutor(NewMaxAttemptsPolicy(2), WithCache(cache))

	result, err := ExecuteStateful(executor, context.Background(), NewState("job"),
		scripted(testutils.AlwaysFail(errTransient)),
		func(_ context.Context, rc *Context, err error) (string, error) {
			assert.False(t, cache.Contains("job"), "entry is removed before recovery")
			assert.False(t, rc.Closed())
			assert.Equal(t, errTransient, err)
			return "recovered", nil
		})

	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, 0, cache.Len())
}

func TestExecuteStateful_ForceRefresh(t *testing.T) {
	cache := NewMapCache(16)
	executor := NewExecutor(NewMaxAttemptsPolicy(5), WithCache(cache))

	var contexts []*Context
	op := func(_ context.Context, rc *Context) (string, error) {
		contexts = append(contexts, rc)
		return "", errTransient
	}

	_, err := ExecuteStateful(executor, context.Background(), NewState("k").WithDefer(true), op, nil)
	require.Equal(t, errTransient, err)

	_, err = ExecuteStateful(executor, context.Background(),
		NewState("k").WithDefer(true).WithForceRefresh(true), op, nil)
	require.Equal(t, errTransient, err)

	require.Len(t, contexts, 2)
	assert.NotSame(t, contexts[0], contexts[1])
	assert.True(t, contexts[0].Closed(), "the displaced context is closed")
	assert.False(t, contexts[1].Closed())
	assert.Equal(t, 1, contexts[1].RetryCount())
	assert.Equal(t, 1, cache.Len())

	_, err = ExecuteStateful(executor, context.Background(), NewState("k").WithDefer(true), op, nil)
	require.Equal(t, errTransient, err)
	assert.Same(t, contexts[1], contexts[2], "the refreshed context replaced the cached one")
	assert.Equal(t, 2, contexts[2].RetryCount())
}

func TestExecuteStateful_InvalidKeys(t *testing.T) {
	executor := NewExecutor(NewMaxAttemptsPolicy(3))

	for name, state := range map[string]*State{
		"nil key":               NewState(nil),
		"non-comparable key":    NewState([]string{"a"}),
		"map key":               NewState(map[string]int{}),
		"array holding a slice": NewState([1]any{[]int{1}}),
		"struct holding a map": NewState(struct {
			ID   string
			Meta any
		}{ID: "a", Meta: map[string]int{}}),
	} {
		t.Run(name, func(t *testing.T) {
			script := testutils.FailTimes(0, nil)
			_, err := ExecuteStateful(executor, context.Background(), state, scripted(script), nil)
			assert.ErrorIs(t, err, ErrInvalidStateKey)
			assert.Equal(t, 0, script.Calls())
		})
	}
}

func TestExecuteStateful_ComparableKeys(t *testing.T) {
	executor := NewExecutor(NewMaxAttemptsPolicy(3))

	type orderKey struct {
		Tenant string
		Ref    any
	}
	for name, key := range map[string]any{
		"array":              [2]any{"a", 1},
		"struct":             orderKey{Tenant: "acme", Ref: 42},
		"pointer":            &orderKey{},
		"struct holding nil": orderKey{Tenant: "acme"},
	} {
		t.Run(name, func(t *testing.T) {
			result, err := ExecuteStateful(executor, context.Background(), NewState(key),
				scripted(testutils.FailTimes(0, nil)), nil)
			require.NoError(t, err)
			assert.Equal(t, "ok after 1 calls", result)
		})
	}
}

func TestExecuteStateful_ForeignCachedContext(t *testing.T) {
	cache := NewMapCache(16)
	owner := NewExecutor(NewMaxAttemptsPolicy(3), WithCache(cache))
	other := NewExecutor(NewMaxAttemptsPolicy(3), WithCache(cache))

	var first *Context
	_, err := ExecuteStateful(owner, context.Background(), NewState("k").WithDefer(true),
		func(_ context.Context, rc *Context) (string, error) {
			first = rc
			return "", errTransient
		}, nil)
	require.Equal(t, errTransient, err)

	script := testutils.FailTimes(0, nil)
	_, err = ExecuteStateful(other, context.Background(), NewState("k"), scripted(script), nil)
	assert.ErrorIs(t, err, ErrForeignContext)
	assert.NotErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 0, script.Calls())

	// the owner's sequence is untouched
	assert.True(t, cache.Contains("k"))
	assert.False(t, first.Closed())
	assert.Equal(t, 1, first.RetryCount())

	_, err = ExecuteStateful(owner, context.Background(), NewState("k"),
		scripted(testutils.FailTimes(0, nil)), nil)
	require.NoError(t, err)
	assert.False(t, cache.Contains("k"))
}

func TestExecuteStateful_RegisterFailureClosesContext(t *testing.T) {
	cache := NewMapCache(16)
	var closes []error
	executor := NewExecutor(NewMaxAttemptsPolicy(3),
		WithCache(cache),
		WithListeners(ListenerFuncs{
			Close: func(_ context.Context, _ *Context, err error) { closes = append(closes, err) },
		}))

	var seen *Context
	_, err := ExecuteStateful(executor, context.Background(), NewState("k"),
		func(_ context.Context, rc *Context) (string, error) {
			seen = rc
			executor.Policy().Close(rc)
			return "", errTransient
		}, nil)
	assert.ErrorIs(t, err, ErrContextClosed)

	require.NotNil(t, seen)
	assert.True(t, seen.Closed())
	assert.False(t, cache.Contains("k"))
	require.Len(t, closes, 1)
	assert.ErrorIs(t, closes[0], ErrContextClosed)
}

func TestExecuteStateful_CacheFull(t *testing.T) {
	cache := NewMapCache(1)
	executor := NewExecutor(NewMaxAttemptsPolicy(3), WithCache(cache))

	_, err := ExecuteStateful(executor, context.Background(), NewState("a").WithDefer(true),
		scripted(testutils.AlwaysFail(errTransient)), nil)
	require.Equal(t, errTransient, err)

	script := testutils.FailTimes(0, nil)
	_, err = ExecuteStateful(executor, context.Background(), NewState("b"), scripted(script), nil)
	assert.ErrorIs(t, err, ErrCacheFull)
	assert.Equal(t, 0, script.Calls())

	// the existing key still resumes
	_, err = ExecuteStateful(executor, context.Background(), NewState("a").WithDefer(true),
		scripted(testutils.AlwaysFail(errTransient)), nil)
	assert.Equal(t, errTransient, err)
}

func TestExecuteStateful_CacheKeyCollision(t *testing.T) {
	cache := NewMapCache(16)
	executor := NewExecutor(NewMaxAttemptsPolicy(3), WithCache(cache))

	stray := executor.Policy().Open(nil)
	_, err := cache.Store("k", stray)
	require.NoError(t, err)

	_, err = ExecuteStateful(executor, context.Background(), NewState("k"),
		scripted(testutils.FailTimes(0, nil)), nil)
	assert.ErrorIs(t, err, ErrCacheKeyCollision)
}

func TestExecuteStateful_ClosedCachedContext(t *testing.T) {
	cache := NewMapCache(16)
	executor := NewExecutor(NewMaxAttemptsPolicy(3), WithCache(cache))

	var first *Context
	_, err := ExecuteStateful(executor, context.Background(), NewState("k").WithDefer(true),
		func(_ context.Context, rc *Context) (string, error) {
			first = rc
			return "", errTransient
		}, nil)
	require.Equal(t, errTransient, err)

	executor.Policy().Close(first)

	_, err = ExecuteStateful(executor, context.Background(), NewState("k"),
		scripted(testutils.FailTimes(0, nil)), nil)
	assert.ErrorIs(t, err, ErrContextClosed)
	assert.False(t, cache.Contains("k"), "closed entries are evicted")

	result, err := ExecuteStateful(executor, context.Background(), NewState("k"),
		scripted(testutils.FailTimes(0, nil)), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok after 1 calls", result)
}

func TestExecuteStateful_ContextInUse(t *testing.T) {
	executor := NewExecutor(NewMaxAttemptsPolicy(3))
	state := NewState("shared")

	var innerErr error
	result, err := ExecuteStateful(executor, context.Background(), state,
		func(ctx context.Context, _ *Context) (string, error) {
			_, innerErr = ExecuteStateful(executor, ctx, state, scripted(testutils.FailTimes(0, nil)), nil)
			return "outer", nil
		}, nil)

	require.NoError(t, err)
	assert.Equal(t, "outer", result)
	assert.ErrorIs(t, innerErr, ErrContextInUse)
}

func TestExecuteStateful_DistinctKeysConcurrently(t *testing.T) {
	cache := NewMapCache(128)
	executor := NewExecutor(NewMaxAttemptsPolicy(4), WithCache(cache))

	const keys = 32
	var wg sync.WaitGroup
	for i := 0; i < keys; i++ {
		wg.Add(1)
		go func(key int) {
			defer wg.Done()
			state := NewState(key).WithDefer(true)
			script := testutils.FailTimes(2, errTransient)
			for {
				_, err := ExecuteStateful(executor, context.Background(), state, scripted(script), nil)
				if err == nil {
					break
				}
				if !errors.Is(err, errTransient) {
					t.Errorf("key %d: unexpected error %v", key, err)
					return
				}
			}
			assert.Equal(t, 3, script.Calls())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, cache.Len())
	assert.Equal(t, int64(keys), executor.GetStats().TotalSuccesses)
}

func TestExecuteStateful_ListenerCloseOnEveryExit(t *testing.T) {
	var closes []error
	listener := ListenerFuncs{
		Close: func(_ context.Context, _ *Context, err error) { closes = append(closes, err) },
	}
	executor := NewExecutor(NewMaxAttemptsPolicy(2), WithListeners(listener))
	state := NewState("k").WithDefer(true)

	script := testutils.AlwaysFail(errTransient)
	_, _ = ExecuteStateful(executor, context.Background(), state, scripted(script), nil)
	_, _ = ExecuteStateful(executor, context.Background(), state, scripted(script), nil)

	require.Len(t, closes, 2)
	assert.Equal(t, errTransient, closes[0])
	assert.ErrorIs(t, closes[1], ErrExhausted)
}

func TestState_String(t *testing.T) {
	s := NewState("k").WithForceRefresh(true)
	assert.Equal(t, "[State: key=k, forceRefresh=true, defer=false]", s.String())

	var nilState *State
	assert.False(t, nilState.RollbackFor(errFatal))
	assert.False(t, NewState("k").RollbackFor(errFatal), "no classifier never rolls back")
}
