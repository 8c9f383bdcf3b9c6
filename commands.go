package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"dashpoll/internal/app"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newPollCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "poll <source>",
		Short: "Poll one source once and print the result as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, runner, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer runner.Close()

			ctx, cancel := context.WithTimeout(commandContext(cmd), timeout)
			defer cancel()

			result, err := runner.Scheduler().PollOnce(ctx, args[0])
			if result.Source == "" {
				return err
			}
			if encErr := printJSON(cmd.OutOrStdout(), result); encErr != nil {
				return encErr
			}
			if err != nil {
				logger.Debug("poll failed", zap.String("source", args[0]), zap.Error(err))
				return fmt.Errorf("poll %s: %s", args[0], result.Reason())
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "maximum time to wait for the poll")
	return cmd
}

func newCheckCommand() *cobra.Command {
	var (
		trigger bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Print the consistency report, optionally recomputing it first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, runner, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer runner.Close()

			ctx, cancel := context.WithTimeout(commandContext(cmd), timeout)
			defer cancel()

			reconciler := runner.Reconciler()
			fetch := reconciler.Fetch
			if trigger {
				fetch = reconciler.TriggerAndRefresh
			}
			report, err := fetch(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().BoolVar(&trigger, "trigger", false, "ask the checks service to recompute before reading")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "maximum time to wait for the report")
	return cmd
}

func newSourcesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the configured sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, runner, err := setup()
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer runner.Close()

			return printSources(cmd.OutOrStdout(), runner)
		},
	}
}

func printSources(w io.Writer, runner *app.Runner) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tINTERVAL\tENDPOINT")
	for _, src := range runner.Scheduler().Registry().All() {
		interval := "default"
		if src.Interval > 0 {
			interval = src.Interval.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", src.Name, interval, src.Endpoint)
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
