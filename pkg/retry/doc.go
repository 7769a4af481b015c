// Package retry decides whether a failed operation is attempted again, how
// long to wait in between, and tracks attempt history across calls.
//
// Building blocks:
//
//  1. Policies (Policy), a closed set:
//     - NeverPolicy: one attempt
//     - AlwaysPolicy: unbounded
//     - MaxAttemptsPolicy: fixed number of attempts
//     - TimeoutPolicy: retries while a duration since Open has not elapsed
//     - ClassifierPolicy: dispatches each failure to a sub-policy
//     - BinaryGatePolicy: retries only retryable failures
//     - CompositePolicy: AllOf / AnyOf combinations
//
//  2. Backoff (BackoffPolicy): NoBackoff, FixedBackoff, ExponentialBackoff
//     (optionally jittered), UniformRandomBackoff and DecorrelatedJitterBackoff.
//     Waits go through a Waiter; ClockWaiter uses a quartz clock so tests can
//     drive time.
//
//  3. Context: the attempt record of one sequence. Policies keep their private
//     state on it; callers read RetryCount, LastError and attributes.
//
//  4. Executor: runs the attempt loop, notifies Listeners and resolves
//     stateful sequences through a ContextCache.
//
// Stateless usage:
//
//	executor := retry.NewExecutor(retry.NewMaxAttemptsPolicy(3),
//		retry.WithBackoff(retry.NewExponentialBackoff(100*time.Millisecond)))
//
//	body, err := retry.Execute(executor, ctx, func(ctx context.Context, rc *retry.Context) ([]byte, error) {
//		return fetch(ctx)
//	})
//
// Stateful usage, where each delivery of a message is one attempt and the
// attempt count survives between deliveries:
//
//	state := retry.NewState(msg.ID).
//		WithDefer(true).
//		WithRollback(classify.Allow(classify.Type[*ValidationError]()))
//
//	_, err := retry.ExecuteStateful(executor, ctx, state, handle, deadLetter)
//
// A sequence ends in exactly one terminal outcome: success, recovery,
// exhaustion (ErrExhausted) or rollback (ErrRollback). Cancellation returns
// an error wrapping ErrBackoffInterrupted; a stateful sequence interrupted
// this way stays cached and resumes on the next call with the same key.
package retry
