package cmd

import (
	"context"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/ignore"
	"github.com/lodestone-search/lodestone/internal/parse"
	"github.com/lodestone-search/lodestone/internal/telemetry"
	"github.com/lodestone-search/lodestone/internal/watcher"
)

// newWatchCmd creates the watch command.
func newWatchCmd() *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Watch a directory and keep the index in sync",
		Long: `Watch monitors a directory tree for file changes and feeds them
through the ingest pipeline: created and modified files are classified
and reindexed, deleted files are removed from both indexes. Runs until
interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, args[0], debounce)
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "Quiet period before a change is processed")
	return cmd
}

func runWatch(cmd *cobra.Command, root string, debounce time.Duration) error {
	out := newWriter(cmd)

	root, err := filepath.Abs(root)
	if err != nil {
		return err
	}

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

	rules, err := ignore.Load(root)
	if err != nil {
		return err
	}

	parser := parse.NewFileParser()
	filter := func(path string) bool {
		if !parser.Supports(path) {
			return false
		}
		if rel, err := filepath.Rel(root, path); err == nil {
			return !rules.Ignored(rel, false)
		}
		return true
	}

	w, err := watcher.New(watcher.Options{
		DebounceWindow: debounce,
		Filter:         filter,
		Logger:         app.Log,
	})
	if err != nil {
		return err
	}
	if err := w.Start(ctx, root); err != nil {
		return err
	}
	defer func() { _ = w.Stop() }()

	// Catch up on changes made while not watching.
	sources, err := collectSources([]string{root})
	if err != nil {
		return err
	}
	for _, source := range sources {
		if _, err := app.Orchestrator.IngestSource(ctx, source); err != nil {
			app.Log.Warn("initial ingest failed", "source", source, "error", err)
		}
	}

	out.Statusf("▸", "watching %s", root)

	dispatcher := watcher.NewDispatcher(w, func(ctx context.Context, source string) error {
		_, err := app.Orchestrator.IngestSource(ctx, source)
		return err
	}, app.Log)
	dispatcher.Run(ctx)

	snap := app.Orchestrator.Metrics()
	out.Newline()
	out.Statusf("▸", "shutting down: %d scheduled, %d completed, %d failed, %d skipped",
		snap.Ingest[telemetry.IngestScheduled], snap.Ingest[telemetry.IngestCompleted],
		snap.Ingest[telemetry.IngestFailed], snap.Ingest[telemetry.IngestSkipped])
	return nil
}
