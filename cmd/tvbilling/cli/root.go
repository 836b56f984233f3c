// Package cli builds the tvbilling command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/lms-iptv/tvbilling/internal/billing"
	"github.com/lms-iptv/tvbilling/jobs"
)

// Runner executes one billing pass.
type Runner interface {
	Run(ctx context.Context, dryRun bool) (billing.RunReport, error)
}

// PendingLister lists the batches of the next pass.
type PendingLister interface {
	Pending(ctx context.Context) ([]billing.CustomerBatch, error)
}

// Queue submits and inspects queued runs.
type Queue interface {
	Trigger(ctx context.Context, payload jobs.BillingRunPayload) (*asynq.TaskInfo, error)
	InspectQueue(ctx context.Context) (QueueStats, error)
	Close() error
}

// Env builds command dependencies on demand. Each builder returns a cleanup
// function that is always safe to call.
type Env struct {
	Runner  func(ctx context.Context) (Runner, func(), error)
	Pending func(ctx context.Context) (PendingLister, func(), error)
	Queue   func(ctx context.Context) (Queue, error)
	Out     io.Writer
}

func (e Env) out() io.Writer {
	if e.Out != nil {
		return e.Out
	}
	return os.Stdout
}

// NewRootCommand returns the tvbilling command. Without a sub-command it runs
// one billing pass.
func NewRootCommand(env Env) *cobra.Command {
	var dryRun bool
	root := &cobra.Command{
		Use:   "tvbilling",
		Short: "Consolidate pending billing events into customer invoices",
		Long: `tvbilling turns every unbilled billing event into invoice lines, one
invoice per customer, each written with its ledger postings in a single
transaction. Skipped customer batches are reported but do not fail the pass.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass(cmd.Context(), env, dryRun)
		},
	}
	root.Flags().BoolVar(&dryRun, "dry-run", false, "Collect and log batches without writing")

	root.AddCommand(newRunCommand(env), newEnqueueCommand(env), newPendingCommand(env), newQueueCommand(env))
	return root
}

func newRunCommand(env Env) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one billing pass now",
		Example: `  tvbilling run
  tvbilling run --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass(cmd.Context(), env, dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Collect and log batches without writing")
	return cmd
}

func runPass(ctx context.Context, env Env, dryRun bool) error {
	runner, cleanup, err := env.Runner(ctx)
	defer cleanup()
	if err != nil {
		return err
	}
	report, err := runner.Run(ctx, dryRun)
	if errors.Is(err, billing.ErrRunInProgress) {
		fmt.Fprintln(env.out(), "another billing run is in progress, nothing to do")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(env.out(), "run %s: %d invoices, %d skipped batches, %d events billed, %d deferred, %d without tax rate\n",
		report.RunID, len(report.Invoices), len(report.Skipped), report.EventsBilled, report.EventsDeferred, report.TaxUnresolved)
	return nil
}

func newEnqueueCommand(env Env) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a billing run for the worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := env.Queue(cmd.Context())
			if err != nil {
				return err
			}
			defer queue.Close()
			info, err := queue.Trigger(cmd.Context(), jobs.BillingRunPayload{DryRun: dryRun, Trigger: "cli"})
			if errors.Is(err, asynq.ErrDuplicateTask) {
				fmt.Fprintln(env.out(), "a billing run is already queued")
				return nil
			}
			if err != nil {
				return fmt.Errorf("enqueue billing run: %w", err)
			}
			fmt.Fprintf(env.out(), "queued %s on %s\n", info.ID, info.Queue)
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Queue a dry run")
	return cmd
}

func newPendingCommand(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List customer batches awaiting invoicing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			lister, cleanup, err := env.Pending(cmd.Context())
			defer cleanup()
			if err != nil {
				return err
			}
			batches, err := lister.Pending(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(env.out(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CUSTOMER\tEVENTS\tGROSS")
			for _, b := range batches {
				fmt.Fprintf(w, "%d\t%d\t%s\n", b.CustomerID, len(b.Events), b.Gross().StringFixed(2))
			}
			return w.Flush()
		},
	}
}

func newQueueCommand(env Env) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show the job queue state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := env.Queue(cmd.Context())
			if err != nil {
				return err
			}
			defer queue.Close()
			stats, err := queue.InspectQueue(cmd.Context())
			if err != nil {
				return fmt.Errorf("inspect queue: %w", err)
			}
			fmt.Fprintf(env.out(), "queue %s: pending=%d active=%d scheduled=%d retry=%d\n",
				stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry)
			return nil
		},
	}
}
