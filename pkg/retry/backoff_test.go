package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/jzx17/goretry/internal/testutils"
	"github.com/jzx17/goretry/pkg/types"
)

func TestFixedBackoff(t *testing.T) {
	delay := 100 * time.Millisecond
	waiter := testutils.NewRecordingWaiter()
	backoff := NewFixedBackoff(delay, WithWaiter(waiter))

	seq := backoff.Start(nil)
	for i := 0; i < 4; i++ {
		if err := backoff.Backoff(context.Background(), seq); err != nil {
			t.Fatalf("Backoff() error = %v", err)
		}
	}

	got := waiter.Durations()
	if len(got) != 4 {
		t.Fatalf("recorded %d waits, want 4", len(got))
	}
	for i, d := range got {
		if d != delay {
			t.Errorf("wait %d = %v, want %v", i, d, delay)
		}
	}
}

func TestNoBackoff(t *testing.T) {
	backoff := NewNoBackoff()
	seq := backoff.Start(nil)

	start := time.Now()
	for i := 0; i < 10; i++ {
		if err := backoff.Backoff(context.Background(), seq); err != nil {
			t.Fatalf("Backoff() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("NoBackoff waited %v", elapsed)
	}
}

func TestExponentialBackoff(t *testing.T) {
	initialDelay := 100 * time.Millisecond
	backoff := NewExponentialBackoff(initialDelay,
		WithMultiplier(2.0),
		WithMaxDelay(1*time.Second))

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1000 * time.Millisecond},  // capped
		{10, 1000 * time.Millisecond}, // capped
	}

	for _, tt := range tests {
		got := backoff.NextDelay(tt.attempt)
		if got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialBackoff_SequenceGrows(t *testing.T) {
	waiter := testutils.NewRecordingWaiter()
	backoff := NewExponentialBackoff(10*time.Millisecond,
		WithMaxDelay(50*time.Millisecond),
		WithExponentialWaiting(WithWaiter(waiter)))

	seq := backoff.Start(nil)
	for i := 0; i < 5; i++ {
		if err := backoff.Backoff(context.Background(), seq); err != nil {
			t.Fatalf("Backoff() error = %v", err)
		}
	}

	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		50 * time.Millisecond,
		50 * time.Millisecond,
	}
	got := waiter.Durations()
	if len(got) != len(want) {
		t.Fatalf("recorded %d waits, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("wait %d = %v, want %v", i, got[i], want[i])
		}
	}

	// a fresh sequence starts over
	if d := backoff.Start(nil).NextDelay(); d != 10*time.Millisecond {
		t.Errorf("new sequence first delay = %v, want 10ms", d)
	}
}

func TestExponentialBackoff_Overflow(t *testing.T) {
	backoff := NewExponentialBackoff(time.Second,
		WithMultiplier(10),
		WithMaxDelay(time.Hour))

	for _, attempt := range []int{20, 100, 1000, 1 << 30} {
		got := backoff.NextDelay(attempt)
		if got != time.Hour {
			t.Errorf("NextDelay(%d) = %v, want %v", attempt, got, time.Hour)
		}
	}
}

func TestExponentialBackoff_Defaults(t *testing.T) {
	backoff := NewExponentialBackoff(0, WithMultiplier(0.5), WithMaxDelay(-1))

	if backoff.initialDelay != DefaultInitialInterval {
		t.Errorf("initialDelay = %v, want %v", backoff.initialDelay, DefaultInitialInterval)
	}
	if backoff.multiplier != DefaultMultiplier {
		t.Errorf("multiplier = %v, want %v", backoff.multiplier, DefaultMultiplier)
	}
	if backoff.maxDelay != DefaultMaxInterval {
		t.Errorf("maxDelay = %v, want %v", backoff.maxDelay, DefaultMaxInterval)
	}

	capped := NewExponentialBackoff(time.Second, WithMaxDelay(time.Millisecond))
	if capped.maxDelay != time.Second {
		t.Errorf("maxDelay below initial = %v, want %v", capped.maxDelay, time.Second)
	}
}

func TestExponentialBackoff_Jitter(t *testing.T) {
	rnd := rand.New(rand.NewPCG(1, 2))
	backoff := NewExponentialBackoff(100*time.Millisecond,
		WithMaxDelay(time.Second),
		WithJitter(EqualJitter),
		WithExponentialWaiting(WithRandom(rnd)))

	for attempt := 1; attempt <= 6; attempt++ {
		base := NewExponentialBackoff(100*time.Millisecond, WithMaxDelay(time.Second)).NextDelay(attempt)
		for i := 0; i < 50; i++ {
			got := backoff.NextDelay(attempt)
			if got < base/2 || got > base {
				t.Fatalf("NextDelay(%d) = %v, want within [%v, %v]", attempt, got, base/2, base)
			}
		}
	}
}

func TestUniformRandomBackoff(t *testing.T) {
	minDelay := 10 * time.Millisecond
	maxDelay := 20 * time.Millisecond
	backoff := NewUniformRandomBackoff(minDelay, maxDelay, WithRandom(rand.New(rand.NewPCG(3, 4))))

	seq := backoff.Start(nil)
	for i := 0; i < 200; i++ {
		d := seq.NextDelay()
		if d < minDelay || d > maxDelay {
			t.Fatalf("NextDelay() = %v, want within [%v, %v]", d, minDelay, maxDelay)
		}
	}

	degenerate := NewUniformRandomBackoff(30*time.Millisecond, 5*time.Millisecond)
	if d := degenerate.Start(nil).NextDelay(); d != 30*time.Millisecond {
		t.Errorf("max below min: NextDelay() = %v, want 30ms", d)
	}
}

func TestUniformRandomBackoff_FullRange(t *testing.T) {
	backoff := NewUniformRandomBackoff(0, time.Duration(math.MaxInt64), WithRandom(rand.New(rand.NewPCG(7, 8))))

	seq := backoff.Start(nil)
	seen := make(map[time.Duration]bool)
	for i := 0; i < 20; i++ {
		d := seq.NextDelay()
		if d < 0 {
			t.Fatalf("NextDelay() = %v, want non-negative", d)
		}
		seen[d] = true
	}
	if len(seen) < 2 {
		t.Errorf("got %d distinct delays over the full range, want a spread", len(seen))
	}
}

func TestRetryAfterSequence(t *testing.T) {
	throttled := types.MarkRetryableAfter(errors.New("throttled"), 300*time.Millisecond)

	tests := []struct {
		name string
		seq  BackoffSequence
		err  error
		want time.Duration
	}{
		{"no hint keeps the delay", fixedSequence(100 * time.Millisecond), errors.New("plain"), 100 * time.Millisecond},
		{"hint raises a shorter delay", fixedSequence(100 * time.Millisecond), throttled, 300 * time.Millisecond},
		{"longer delay wins", fixedSequence(time.Second), throttled, time.Second},
		{"hint without a sequence", nil, throttled, 300 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := withRetryAfter(tt.seq, tt.err)
			var got time.Duration
			if seq != nil {
				got = seq.NextDelay()
			}
			if got != tt.want {
				t.Errorf("NextDelay() = %v, want %v", got, tt.want)
			}
		})
	}

	// the wrapped sequence keeps advancing
	exp := NewExponentialBackoff(100*time.Millisecond, WithMultiplier(2)).Start(nil)
	if got := withRetryAfter(exp, throttled).NextDelay(); got != 300*time.Millisecond {
		t.Errorf("first hinted delay = %v, want 300ms", got)
	}
	if got := exp.NextDelay(); got != 200*time.Millisecond {
		t.Errorf("next delay after hint = %v, want 200ms", got)
	}
}

func TestDecorrelatedJitterBackoff(t *testing.T) {
	baseDelay := 100 * time.Millisecond
	capDelay := 2 * time.Second
	backoff := NewDecorrelatedJitterBackoff(baseDelay, capDelay, WithRandom(rand.New(rand.NewPCG(5, 6))))

	seq := backoff.Start(nil)
	prev := baseDelay
	for i := 0; i < 100; i++ {
		d := seq.NextDelay()
		upper := min(prev*3, capDelay)
		if d < baseDelay || d > upper {
			t.Fatalf("delay %d = %v, want within [%v, %v]", i, d, baseDelay, upper)
		}
		prev = d
	}
}

func TestDecorrelatedJitterBackoff_Defaults(t *testing.T) {
	backoff := NewDecorrelatedJitterBackoff(0, 0)
	if backoff.baseDelay != DefaultInitialInterval {
		t.Errorf("baseDelay = %v, want %v", backoff.baseDelay, DefaultInitialInterval)
	}
	if backoff.capDelay != DefaultInitialInterval {
		t.Errorf("capDelay = %v, want %v", backoff.capDelay, DefaultInitialInterval)
	}
	if d := backoff.Start(nil).NextDelay(); d != DefaultInitialInterval {
		t.Errorf("NextDelay() = %v, want %v", d, DefaultInitialInterval)
	}
}

func TestJitterFunctions(t *testing.T) {
	rnd := rand.New(rand.NewPCG(7, 8))
	int64n := func(n int64) int64 { return rnd.Int64N(n) }
	delay := time.Second

	for i := 0; i < 100; i++ {
		if d := FullJitter(delay, int64n); d < 0 || d > delay {
			t.Fatalf("FullJitter() = %v, want within [0, %v]", d, delay)
		}
		if d := EqualJitter(delay, int64n); d < delay/2 || d > delay {
			t.Fatalf("EqualJitter() = %v, want within [%v, %v]", d, delay/2, delay)
		}
	}
}

func TestJitterWithZeroDelay(t *testing.T) {
	int64n := func(int64) int64 {
		t.Fatal("random source must not be consulted for a zero delay")
		return 0
	}

	if d := FullJitter(0, int64n); d != 0 {
		t.Errorf("FullJitter(0) = %v, want 0", d)
	}
	if d := EqualJitter(-time.Second, int64n); d != 0 {
		t.Errorf("EqualJitter(-1s) = %v, want 0", d)
	}
}

func TestBackoff_Interrupted(t *testing.T) {
	backoff := NewFixedBackoff(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := backoff.Backoff(ctx, backoff.Start(nil))
	if !errors.Is(err, ErrBackoffInterrupted) {
		t.Fatalf("Backoff() error = %v, want ErrBackoffInterrupted", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Backoff() error = %v, want wrapping context.Canceled", err)
	}
}

func TestBackoff_NilSequence(t *testing.T) {
	backoff := NewFixedBackoff(time.Hour)
	if err := backoff.Backoff(context.Background(), nil); err != nil {
		t.Errorf("Backoff(nil) error = %v", err)
	}
}
