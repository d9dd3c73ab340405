package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/index"
	"github.com/lodestone-search/lodestone/internal/output"
)

// newMaintainCmd creates the maintain command group.
func newMaintainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Verify and repair index consistency",
	}

	cmd.AddCommand(newMaintainVerifyCmd())
	cmd.AddCommand(newMaintainRepairCmd())
	cmd.AddCommand(newMaintainReprocessCmd())
	return cmd
}

func newMaintainVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check registry and backend consistency",
		Long: `Verify cross-checks the registry against both index backends and
reports a consistency score from 0 to 100. A score of 100 means every
registry entry has its backend node and neither backend holds orphans.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newWriter(cmd)

			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Manager.VerifyConsistency(cmd.Context())
			if err != nil {
				return err
			}

			if out.JSONMode() {
				return out.Emit(report)
			}

			printReport(out, report)
			if !report.Consistent() {
				out.Newline()
				out.Warning("run 'lodestone maintain repair' to fix")
			}
			return nil
		},
	}
}

func newMaintainRepairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Remove orphans and mark inconsistent documents stale",
		Long: `Repair deletes backend nodes the registry does not know about, prunes
registry entries whose document is gone, and marks documents with
missing backend nodes STALE so the next ingest reindexes them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newWriter(cmd)

			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.Manager.Repair(cmd.Context())
			if err != nil {
				return err
			}

			if out.JSONMode() {
				return out.Emit(result)
			}

			out.Table([][2]string{
				{"Orphaned nodes removed", fmt.Sprintf("%d", result.OrphanedNodesRemoved)},
				{"Orphaned entries pruned", fmt.Sprintf("%d", result.OrphanedEntriesRemoved)},
				{"Documents marked stale", fmt.Sprintf("%d", result.DocsMarkedStale)},
			})
			out.Newline()
			out.Success("repair complete")
			return nil
		},
	}
}

func newMaintainReprocessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess",
		Short: "Requeue stale documents for reindexing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newWriter(cmd)

			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()
			if err := app.Orchestrator.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = app.Orchestrator.Shutdown(ctx) }()

			n, err := app.Orchestrator.ReprocessStale(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				if err := drainQueue(ctx, app.Orchestrator.Queue()); err != nil {
					return err
				}
			}

			if out.JSONMode() {
				return out.Emit(map[string]int{"reprocessed": n})
			}
			out.Successf("%d stale document(s) reprocessed", n)
			return nil
		},
	}
}

func printReport(out *output.Writer, report *index.Report) {
	out.Table([][2]string{
		{"Consistency score", fmt.Sprintf("%d / 100", report.Score)},
		{"Inconsistent documents", fmt.Sprintf("%d", len(report.InconsistentDocs))},
		{"Vector missing / orphaned", fmt.Sprintf("%d / %d", len(report.Vector.Missing), len(report.Vector.Orphaned))},
		{"Keyword missing / orphaned", fmt.Sprintf("%d / %d", len(report.Keyword.Missing), len(report.Keyword.Orphaned))},
		{"Orphaned registry entries", fmt.Sprintf("%d", report.OrphanedEntries)},
	})
}
