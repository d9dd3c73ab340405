package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// newRemoveCmd creates the remove command.
func newRemoveCmd() *cobra.Command {
	var noWait bool

	cmd := &cobra.Command{
		Use:   "remove <source>...",
		Short: "Remove documents from both indexes",
		Long: `Remove schedules removal jobs for the given sources. Index nodes are
deleted from the vector and keyword backends and the documents are
marked REMOVED in the registry.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRemove(cmd, args, noWait)
		},
	}

	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Schedule jobs without waiting for completion")
	return cmd
}

func runRemove(cmd *cobra.Command, args []string, noWait bool) error {
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
	defer func() { _ = app.Orchestrator.Shutdown(context.WithoutCancel(ctx)) }()

	scheduled := 0
	var failed []string
	for _, source := range args {
		decision, err := app.Orchestrator.RemoveSource(ctx, source)
		if err != nil {
			out.Errorf("%s: %v", source, err)
			failed = append(failed, source)
			continue
		}
		scheduled++
		out.Statusf("-", "%s  job %s", source, decision.JobID)
	}

	if scheduled > 0 && !noWait {
		if err := drainQueue(ctx, app.Orchestrator.Queue()); err != nil {
			return err
		}
	}

	if out.JSONMode() {
		return out.Emit(map[string]any{
			"scheduled": scheduled,
			"failed":    len(failed),
		})
	}

	out.Newline()
	out.Successf("%d removal(s) scheduled", scheduled)
	if len(failed) > 0 {
		out.Warningf("%d source(s) failed", len(failed))
		if scheduled == 0 {
			return fmt.Errorf("no sources removed")
		}
	}
	return nil
}
