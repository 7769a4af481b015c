// Package metrics exports retry sequence events to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jzx17/goretry/pkg/retry"
)

// Outcome labels of retry_sequences_closed_total
const (
	OutcomeSuccess     = "success"
	OutcomeExhausted   = "exhausted"
	OutcomeRollback    = "rollback"
	OutcomeInterrupted = "interrupted"
	OutcomeDeferred    = "deferred"
	OutcomeFailed      = "failed"
)

// Listener is a retry.Listener recording sequence events as Prometheus metrics
type Listener struct {
	retry.BaseListener

	opened  prometheus.Counter
	failed  *prometheus.CounterVec
	closed  *prometheus.CounterVec
	retries prometheus.Histogram

	errorLabel func(error) string
}

// Option configures a Listener
type Option func(*options)

type options struct {
	namespace  string
	buckets    []float64
	errorLabel func(error) string
}

// WithNamespace prefixes every metric name
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithBuckets sets the buckets of the retries-per-sequence histogram
func WithBuckets(buckets []float64) Option {
	return func(o *options) {
		if len(buckets) > 0 {
			o.buckets = buckets
		}
	}
}

// WithErrorLabel sets how failures map to the error_type label.
// Keep the result set small; every distinct value is a new series.
func WithErrorLabel(fn func(error) string) Option {
	return func(o *options) {
		if fn != nil {
			o.errorLabel = fn
		}
	}
}

// ErrorType labels an error by its dynamic type
func ErrorType(err error) string {
	return fmt.Sprintf("%T", err)
}

// NewListener registers the retry metrics on reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewListener(reg prometheus.Registerer, opts ...Option) *Listener {
	o := options{
		buckets:    []float64{0, 1, 2, 3, 5, 8, 13, 21},
		errorLabel: ErrorType,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Listener{
		opened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "retry_sequences_opened_total",
			Help:      "Total number of retry sequence calls started",
		}),
		failed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: o.namespace,
				Name:      "retry_attempts_failed_total",
				Help:      "Total number of failed attempts",
			},
			[]string{"error_type"},
		),
		closed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: o.namespace,
				Name:      "retry_sequences_closed_total",
				Help:      "Total number of retry sequence calls ended, by outcome",
			},
			[]string{"outcome"},
		),
		retries: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "retry_sequence_failures",
			Help:      "Failures registered on a sequence when a call ends",
			Buckets:   o.buckets,
		}),
		errorLabel: o.errorLabel,
	}
}

// OnOpen implements retry.Listener
func (l *Listener) OnOpen(context.Context, *retry.Context) {
	l.opened.Inc()
}

// OnError implements retry.Listener
func (l *Listener) OnError(_ context.Context, _ *retry.Context, err error) {
	l.failed.WithLabelValues(l.errorLabel(err)).Inc()
}

// OnClose implements retry.Listener
func (l *Listener) OnClose(_ context.Context, rc *retry.Context, err error) {
	l.closed.WithLabelValues(Outcome(rc, err)).Inc()
	l.retries.Observe(float64(rc.RetryCount()))
}

// Outcome names how a call ended
func Outcome(rc *retry.Context, err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, retry.ErrExhausted):
		return OutcomeExhausted
	case errors.Is(err, retry.ErrRollback):
		return OutcomeRollback
	case errors.Is(err, retry.ErrBackoffInterrupted):
		return OutcomeInterrupted
	}
	if _, stateful := rc.StateKey(); stateful && !rc.Closed() {
		return OutcomeDeferred
	}
	return OutcomeFailed
}
