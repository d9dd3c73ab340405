package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/queue"
	"github.com/lodestone-search/lodestone/internal/registry"
)

// newStatusCmd creates the status command.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show corpus, registry, and queue health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := newWriter(cmd)

			app, err := openApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx := cmd.Context()

			stats, err := app.Registry.GetStatistics(ctx)
			if err != nil {
				return err
			}
			queueStats, err := app.Ledger.Stats(ctx)
			if err != nil {
				return err
			}
			fingerprints, err := app.Fingerprints.Count(ctx)
			if err != nil {
				return err
			}
			vectorCount := app.Vector.Count()
			keywordCount, err := app.Keyword.Count()
			if err != nil {
				return err
			}

			if out.JSONMode() {
				return out.Emit(map[string]any{
					"documents":     stats,
					"queue":         queueStats,
					"fingerprints":  fingerprints,
					"vector_nodes":  vectorCount,
					"keyword_nodes": keywordCount,
				})
			}

			out.Status("●", "Documents")
			rows := [][2]string{
				{"Total", fmt.Sprintf("%d", stats.TotalDocuments)},
			}
			for _, state := range []registry.DocState{
				registry.StateNew, registry.StateUpdating, registry.StateIndexed,
				registry.StateStale, registry.StateCorrupted, registry.StateRemoved,
			} {
				if n := stats.ByState[state]; n > 0 {
					rows = append(rows, [2]string{string(state), fmt.Sprintf("%d", n)})
				}
			}
			rows = append(rows, [2]string{"Health score", fmt.Sprintf("%d / 100", stats.HealthScore)})
			out.Table(rows)

			out.Newline()
			out.Status("●", "Indexes")
			out.Table([][2]string{
				{"Vector nodes", fmt.Sprintf("%d", vectorCount)},
				{"Keyword nodes", fmt.Sprintf("%d", keywordCount)},
				{"Fingerprints", fmt.Sprintf("%d", fingerprints)},
			})

			active := queueStats[queue.StatusPending] + queueStats[queue.StatusProcessing]
			out.Newline()
			out.Status("●", "Queue")
			out.Table([][2]string{
				{"Active jobs", fmt.Sprintf("%d", active)},
				{"Failed", fmt.Sprintf("%d", queueStats[queue.StatusFailed])},
				{"Interrupted", fmt.Sprintf("%d", queueStats[queue.StatusInterrupted])},
			})
			return nil
		},
	}
}
