package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-clinic/internal/billing"
)

// JobOps is the queue surface used by the jobs commands.
type JobOps interface {
	Trigger(ctx context.Context, taskType string) (string, error)
	InspectQueues(ctx context.Context) ([]QueueStats, error)
}

// BalanceOps is the ledger surface used by the balance commands.
type BalanceOps interface {
	RecomputeBalance(ctx context.Context, patientID int64) (int64, error)
	ReconcileAll(ctx context.Context, batchSize int) (billing.ReconcileReport, error)
}

// Deps builds command dependencies on demand so each command only dials
// what it uses. The returned cleanup funcs may be nil.
type Deps struct {
	Migrate  func(ctx context.Context) ([]string, error)
	Jobs     func(ctx context.Context) (JobOps, func(), error)
	Balances func(ctx context.Context) (BalanceOps, func(), error)
}

// NewRootCommand assembles the clinicctl command tree.
func NewRootCommand(deps Deps) *cobra.Command {
	root := &cobra.Command{
		Use:           "clinicctl",
		Short:         "Operational commands for the clinic ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMigrateCommand(deps), newJobsCommand(deps), newBalanceCommand(deps))
	return root
}

func newMigrateCommand(deps Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			applied, err := deps.Migrate(cmd.Context())
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			}
			for _, name := range applied {
				fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", name)
			}
			return nil
		},
	}
}

func newJobsCommand(deps Deps) *cobra.Command {
	jobsCmd := &cobra.Command{Use: "jobs", Short: "Inspect and trigger background jobs"}

	jobsCmd.AddCommand(&cobra.Command{
		Use:     "trigger <task-type>",
		Short:   "Enqueue a maintenance job now",
		Example: "  clinicctl jobs trigger billing:outbox_relay",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, cleanup, err := deps.Jobs(cmd.Context())
			if err != nil {
				return err
			}
			defer runCleanup(cleanup)
			id, err := ops.Trigger(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s\n", args[0], id)
			return nil
		},
	})

	jobsCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print queue statistics as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, cleanup, err := deps.Jobs(cmd.Context())
			if err != nil {
				return err
			}
			defer runCleanup(cleanup)
			stats, err := ops.InspectQueues(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	})
	return jobsCmd
}

func newBalanceCommand(deps Deps) *cobra.Command {
	balanceCmd := &cobra.Command{Use: "balance", Short: "Maintain cached patient balances"}

	recompute := &cobra.Command{
		Use:   "recompute [patient-id]",
		Short: "Re-derive a patient balance from the ledger",
		Example: `  clinicctl balance recompute 42
  clinicctl balance recompute --all --batch-size 200`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			batchSize, _ := cmd.Flags().GetInt("batch-size")
			if all == (len(args) == 1) {
				return fmt.Errorf("pass either a patient id or --all")
			}
			var patientID int64
			if !all {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || id <= 0 {
					return fmt.Errorf("invalid patient id %q", args[0])
				}
				patientID = id
			}

			ops, cleanup, err := deps.Balances(cmd.Context())
			if err != nil {
				return err
			}
			defer runCleanup(cleanup)

			if all {
				report, err := ops.ReconcileAll(cmd.Context(), batchSize)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "checked=%d corrected=%d failed=%d\n", report.Checked, report.Corrected, report.Failed)
				return nil
			}
			balance, err := ops.RecomputeBalance(cmd.Context(), patientID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "patient %d balance %d\n", patientID, balance)
			return nil
		},
	}
	recompute.Flags().Bool("all", false, "Reconcile every patient")
	recompute.Flags().Int("batch-size", 500, "Patients loaded per page with --all")
	balanceCmd.AddCommand(recompute)
	return balanceCmd
}

func runCleanup(fn func()) {
	if fn != nil {
		fn()
	}
}
