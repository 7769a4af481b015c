package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jzx17/goretry/pkg/types"
)

// BackoffPolicy computes and applies the wait between attempts.
//
// Start creates the per-sequence state; the executor stores it on the retry
// context so that a resumed stateful sequence continues where it stopped.
// Backoff waits for the next delay of seq and returns an error wrapping
// ErrBackoffInterrupted when the wait is cancelled.
type BackoffPolicy interface {
	Start(rc *Context) BackoffSequence
	Backoff(ctx context.Context, seq BackoffSequence) error
}

// BackoffSequence yields successive delays of one retry sequence
type BackoffSequence interface {
	NextDelay() time.Duration
}

// BackoffOption configures the waiting behaviour shared by all backoff policies
type BackoffOption func(*waiting)

// WithWaiter sets the waiter used to sleep between attempts
func WithWaiter(w Waiter) BackoffOption {
	return func(b *waiting) {
		if w != nil {
			b.waiter = w
		}
	}
}

// WithRandom sets the random source for randomized backoffs.
// Access to r is serialized.
func WithRandom(r *rand.Rand) BackoffOption {
	return func(b *waiting) {
		if r != nil {
			b.rnd = &lockedRand{r: r}
		}
	}
}

// waiting holds the waiter and random source of a backoff policy
type waiting struct {
	waiter Waiter
	rnd    *lockedRand
}

func newWaiting(opts []BackoffOption) waiting {
	w := waiting{waiter: NewClockWaiter(nil)}
	for _, opt := range opts {
		opt(&w)
	}
	return w
}

// Backoff waits for the next delay of seq
func (w *waiting) Backoff(ctx context.Context, seq BackoffSequence) error {
	if seq == nil {
		return nil
	}
	delay := seq.NextDelay()
	if delay <= 0 {
		return nil
	}
	return w.waiter.Wait(ctx, delay)
}

// int64n returns a random value in [0, n)
func (w *waiting) int64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if w.rnd != nil {
		return w.rnd.int64n(n)
	}
	return rand.Int64N(n)
}

type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) int64n(n int64) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Int64N(n)
}

// retryAfterSequence raises each delay to the wait requested by the failure
type retryAfterSequence struct {
	next     BackoffSequence
	minDelay time.Duration
}

func (s retryAfterSequence) NextDelay() time.Duration {
	var d time.Duration
	if s.next != nil {
		d = s.next.NextDelay()
	}
	return max(d, s.minDelay)
}

// withRetryAfter honours a delay carried by err (types.MarkRetryableAfter).
// The underlying sequence still advances.
func withRetryAfter(seq BackoffSequence, err error) BackoffSequence {
	if hint := types.GetRetryDelay(err); hint > 0 {
		return retryAfterSequence{next: seq, minDelay: hint}
	}
	return seq
}

// NoBackoff retries immediately
type NoBackoff struct {
	waiting
}

// NewNoBackoff creates a backoff policy that never waits
func NewNoBackoff() *NoBackoff {
	return &NoBackoff{waiting: newWaiting(nil)}
}

// Start implements BackoffPolicy
func (b *NoBackoff) Start(*Context) BackoffSequence {
	return fixedSequence(0)
}

// FixedBackoff waits the same delay before every retry
type FixedBackoff struct {
	waiting
	delay time.Duration
}

// NewFixedBackoff creates a fixed backoff strategy
func NewFixedBackoff(delay time.Duration, opts ...BackoffOption) *FixedBackoff {
	return &FixedBackoff{
		waiting: newWaiting(opts),
		delay:   delay,
	}
}

// Delay returns the configured delay
func (b *FixedBackoff) Delay() time.Duration {
	return b.delay
}

// Start implements BackoffPolicy
func (b *FixedBackoff) Start(*Context) BackoffSequence {
	return fixedSequence(b.delay)
}

type fixedSequence time.Duration

func (s fixedSequence) NextDelay() time.Duration {
	return time.Duration(s)
}

// Exponential backoff defaults
const (
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMultiplier      = 2.0
	DefaultMaxInterval     = 30 * time.Second
)

// ExponentialBackoff multiplies the delay after every retry, capped at a maximum
type ExponentialBackoff struct {
	waiting
	initialDelay time.Duration
	multiplier   float64
	maxDelay     time.Duration
	jitter       JitterFunc
}

// ExponentialOption configures an ExponentialBackoff
type ExponentialOption func(*ExponentialBackoff)

// WithMultiplier sets the growth factor; values not above one are ignored
func WithMultiplier(multiplier float64) ExponentialOption {
	return func(b *ExponentialBackoff) {
		if multiplier > 1 {
			b.multiplier = multiplier
		}
	}
}

// WithMaxDelay sets the delay cap
func WithMaxDelay(maxDelay time.Duration) ExponentialOption {
	return func(b *ExponentialBackoff) {
		if maxDelay > 0 {
			b.maxDelay = maxDelay
		}
	}
}

// WithJitter applies a jitter function to every computed delay
func WithJitter(jitter JitterFunc) ExponentialOption {
	return func(b *ExponentialBackoff) {
		b.jitter = jitter
	}
}

// WithExponentialWaiting passes shared backoff options
func WithExponentialWaiting(opts ...BackoffOption) ExponentialOption {
	return func(b *ExponentialBackoff) {
		for _, opt := range opts {
			opt(&b.waiting)
		}
	}
}

// NewExponentialBackoff creates an exponential backoff strategy
func NewExponentialBackoff(initialDelay time.Duration, opts ...ExponentialOption) *ExponentialBackoff {
	if initialDelay <= 0 {
		initialDelay = DefaultInitialInterval
	}
	b := &ExponentialBackoff{
		waiting:      newWaiting(nil),
		initialDelay: initialDelay,
		multiplier:   DefaultMultiplier,
		maxDelay:     DefaultMaxInterval,
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.maxDelay < b.initialDelay {
		b.maxDelay = b.initialDelay
	}

	return b
}

// NextDelay returns the delay before retry number attempt, starting at one
func (b *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	delay := clampDelay(float64(b.initialDelay)*math.Pow(b.multiplier, float64(attempt-1)), b.maxDelay)
	if b.jitter != nil {
		delay = b.jitter(delay, b.int64n)
	}
	return delay
}

// Start implements BackoffPolicy
func (b *ExponentialBackoff) Start(*Context) BackoffSequence {
	return &exponentialSequence{policy: b}
}

type exponentialSequence struct {
	mu      sync.Mutex
	policy  *ExponentialBackoff
	attempt int
}

func (s *exponentialSequence) NextDelay() time.Duration {
	s.mu.Lock()
	if s.attempt < math.MaxInt32 {
		s.attempt++
	}
	attempt := s.attempt
	s.mu.Unlock()
	return s.policy.NextDelay(attempt)
}

// clampDelay converts a computed delay, guarding against overflow of the
// multiplication and capping at max
func clampDelay(delay float64, max time.Duration) time.Duration {
	if math.IsNaN(delay) || math.IsInf(delay, 0) || delay >= float64(max) {
		return max
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// UniformRandomBackoff waits a random delay within [min, max]
type UniformRandomBackoff struct {
	waiting
	minDelay time.Duration
	maxDelay time.Duration
}

// NewUniformRandomBackoff creates a uniform random backoff. max below min is raised to min.
func NewUniformRandomBackoff(minDelay, maxDelay time.Duration, opts ...BackoffOption) *UniformRandomBackoff {
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &UniformRandomBackoff{
		waiting:  newWaiting(opts),
		minDelay: minDelay,
		maxDelay: maxDelay,
	}
}

// Start implements BackoffPolicy
func (b *UniformRandomBackoff) Start(*Context) BackoffSequence {
	return uniformSequence{policy: b}
}

type uniformSequence struct {
	policy *UniformRandomBackoff
}

func (s uniformSequence) NextDelay() time.Duration {
	b := s.policy
	span := int64(b.maxDelay - b.minDelay)
	if span <= 0 {
		return b.minDelay
	}
	n := span
	if n < math.MaxInt64 {
		n++
	}
	return b.minDelay + time.Duration(b.int64n(n))
}

// DecorrelatedJitterBackoff randomizes each delay within an envelope that
// grows with the previous delay: random(base, prev*3), capped.
type DecorrelatedJitterBackoff struct {
	waiting
	baseDelay time.Duration
	capDelay  time.Duration
}

// NewDecorrelatedJitterBackoff creates a decorrelated jitter backoff strategy
func NewDecorrelatedJitterBackoff(baseDelay, capDelay time.Duration, opts ...BackoffOption) *DecorrelatedJitterBackoff {
	if baseDelay <= 0 {
		baseDelay = DefaultInitialInterval
	}
	if capDelay < baseDelay {
		capDelay = baseDelay
	}
	return &DecorrelatedJitterBackoff{
		waiting:   newWaiting(opts),
		baseDelay: baseDelay,
		capDelay:  capDelay,
	}
}

// Start implements BackoffPolicy
func (b *DecorrelatedJitterBackoff) Start(*Context) BackoffSequence {
	return &decorrelatedSequence{policy: b, prevDelay: b.baseDelay}
}

type decorrelatedSequence struct {
	mu        sync.Mutex
	policy    *DecorrelatedJitterBackoff
	prevDelay time.Duration
}

func (s *decorrelatedSequence) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.policy
	upper := b.capDelay
	if s.prevDelay <= b.capDelay/3 {
		upper = s.prevDelay * 3
	}

	if upper <= b.baseDelay {
		s.prevDelay = b.baseDelay
		return b.baseDelay
	}

	delay := b.baseDelay + time.Duration(b.int64n(int64(upper-b.baseDelay)+1))
	s.prevDelay = delay
	return delay
}

// JitterFunc randomizes a delay using int64n, which returns a value in [0, n)
type JitterFunc func(delay time.Duration, int64n func(int64) int64) time.Duration

// FullJitter picks a delay within [0, delay]
func FullJitter(delay time.Duration, int64n func(int64) int64) time.Duration {
	if delay <= 0 {
		return 0
	}
	return time.Duration(int64n(int64(delay) + 1))
}

// EqualJitter picks a delay within [delay/2, delay]
func EqualJitter(delay time.Duration, int64n func(int64) int64) time.Duration {
	if delay <= 0 {
		return 0
	}
	half := delay / 2
	return half + time.Duration(int64n(int64(delay-half)+1))
}
