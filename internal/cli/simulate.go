package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jzx17/goretry/pkg/config"
	"github.com/jzx17/goretry/pkg/metrics"
	"github.com/jzx17/goretry/pkg/retry"
	"github.com/jzx17/goretry/pkg/types"
)

var errSimulated = errors.New("simulated failure")

type simulateOptions struct {
	failures  int
	calls     int
	key       string
	deferred  bool
	errorKind string
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scripted flaky operation against a retry definition",
		Long: `simulate runs an operation that fails --failures times before succeeding.

Without --key every call is an independent stateless sequence. With --key the
calls share one stateful sequence; add --defer to end each call after a single
failure so the attempt count accumulates across calls.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd, root, opts)
		},
	}

	cmd.Flags().IntVar(&opts.failures, "failures", 2, "number of attempts that fail before the operation succeeds")
	cmd.Flags().IntVar(&opts.calls, "calls", 1, "number of calls into the executor")
	cmd.Flags().StringVar(&opts.key, "key", "", "stateful retry key")
	cmd.Flags().BoolVar(&opts.deferred, "defer", false, "end each stateful call after one failed attempt")
	cmd.Flags().StringVar(&opts.errorKind, "error", "transient", "failure kind (transient, permanent)")
	return cmd
}

func runSimulate(cmd *cobra.Command, root *rootOptions, opts *simulateOptions) error {
	if opts.calls < 1 {
		return errors.New("--calls must be at least 1")
	}
	if opts.deferred && opts.key == "" {
		return errors.New("--defer requires --key")
	}

	var failure error
	switch opts.errorKind {
	case "transient":
		failure = errSimulated
	case "permanent":
		failure = types.MarkPermanent(errSimulated)
	default:
		return fmt.Errorf("unknown --error %q", opts.errorKind)
	}

	logger, err := root.logger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	f, err := config.Load(root.configPath)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	executor, err := f.Executor(logger, nil, retry.WithListeners(
		retry.NewLoggingListener(logger),
		metrics.NewListener(reg, metrics.WithNamespace("retryctl")),
	))
	if err != nil {
		return err
	}
	logger.Info("simulation starting",
		"policy", retry.Describe(executor.Policy()),
		"failures", opts.failures,
		"calls", opts.calls,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attempt := 0
	op := func(context.Context, *retry.Context) (string, error) {
		attempt++
		if attempt <= opts.failures {
			return "", fmt.Errorf("attempt %d: %w", attempt, failure)
		}
		return fmt.Sprintf("succeeded on attempt %d", attempt), nil
	}

	var state *retry.State
	if opts.key != "" {
		state = retry.NewState(opts.key).WithDefer(opts.deferred)
	}

	out := cmd.OutOrStdout()
	for call := 1; call <= opts.calls; call++ {
		var result string
		if state != nil {
			result, err = retry.ExecuteStateful(executor, ctx, state, op, nil)
		} else {
			result, err = retry.Execute(executor, ctx, op)
		}
		if err != nil {
			fmt.Fprintf(out, "call %d: error: %v\n", call, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		fmt.Fprintf(out, "call %d: %s\n", call, result)
	}

	stats := executor.GetStats()
	fmt.Fprintf(out, "attempts=%d retries=%d successes=%d failures=%d\n",
		stats.TotalAttempts, stats.TotalRetries, stats.TotalSuccesses, stats.TotalFailures)
	return printMetrics(out, reg)
}

// printMetrics writes counters and histogram counts, one series per line
func printMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			name := mf.GetName()
			var value float64
			switch {
			case m.GetCounter() != nil:
				value = m.GetCounter().GetValue()
			case m.GetHistogram() != nil:
				name += "_count"
				value = float64(m.GetHistogram().GetSampleCount())
			default:
				continue
			}

			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			fmt.Fprintf(w, "%s %g\n", name, value)
		}
	}
	return nil
}
