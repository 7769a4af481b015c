package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jzx17/goretry/pkg/config"
	"github.com/jzx17/goretry/pkg/retry"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a retry definition and print the resulting policy tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if err := f.Validate(); err != nil {
				return err
			}
			policy, err := f.BuildPolicy()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "policy:  %s\n", retry.Describe(policy))
			fmt.Fprintf(out, "backoff: %s\n", describeBackoff(f.Backoff))
			return nil
		},
	}
}

func describeBackoff(spec config.BackoffSpec) string {
	kind := spec.Type
	if kind == "" {
		kind = "none"
	}

	var fields []string
	add := func(name string, d config.Duration) {
		if d > 0 {
			fields = append(fields, name+"="+d.Std().String())
		}
	}
	add("delay", spec.Delay)
	add("initial", spec.Initial)
	add("min", spec.Min)
	add("max", spec.Max)
	if spec.Multiplier != 0 {
		fields = append(fields, fmt.Sprintf("multiplier=%g", spec.Multiplier))
	}
	if spec.Jitter != "" && spec.Jitter != "none" {
		fields = append(fields, "jitter="+spec.Jitter)
	}

	if len(fields) == 0 {
		return kind
	}
	return kind + "(" + strings.Join(fields, ", ") + ")"
}
