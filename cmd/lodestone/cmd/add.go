package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lodestone-search/lodestone/internal/ignore"
	"github.com/lodestone-search/lodestone/internal/ingest"
	"github.com/lodestone-search/lodestone/internal/output"
	"github.com/lodestone-search/lodestone/internal/parse"
	"github.com/lodestone-search/lodestone/internal/queue"
)

// drainPollInterval is how often draining commands check the ledger.
const drainPollInterval = 100 * time.Millisecond

// addResult is the JSON shape for one ingested source.
type addResult struct {
	Source     string  `json:"source"`
	DocID      string  `json:"doc_id,omitempty"`
	JobID      string  `json:"job_id,omitempty"`
	ChangeType string  `json:"change_type,omitempty"`
	Strategy   string  `json:"strategy,omitempty"`
	Confidence float64 `json:"confidence"`
	Scheduled  bool    `json:"scheduled"`
}

// newAddCmd creates the add command.
func newAddCmd() *cobra.Command {
	var noWait bool

	cmd := &cobra.Command{
		Use:     "add <path>...",
		Aliases: []string{"update"},
		Short:   "Index files or directories",
		Long: `Add walks each path, classifies every supported file against its stored
fingerprint and schedules the resulting index work. Unchanged files are
skipped. By default the command waits for the queue to drain.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(cmd, args, noWait)
		},
	}

	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Schedule jobs without waiting for completion")
	return cmd
}

func runAdd(cmd *cobra.Command, args []string, noWait bool) error {
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

	sources, err := collectSources(args)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		out.Warning("no supported files found")
		return nil
	}

	results := make([]addResult, 0, len(sources))
	scheduled, errored := 0, 0
	for _, source := range sources {
		decision, err := app.Orchestrator.IngestSource(ctx, source)
		if err != nil {
			out.Errorf("%s: %v", source, err)
			errored++
			continue
		}
		results = append(results, toAddResult(decision))
		if decision.Scheduled() {
			scheduled++
		}
	}

	if scheduled > 0 && !noWait {
		if err := drainQueue(ctx, app.Orchestrator.Queue()); err != nil {
			return err
		}
	}

	if out.JSONMode() {
		return out.Emit(map[string]any{
			"sources":   results,
			"scheduled": scheduled,
			"skipped":   len(results) - scheduled,
		})
	}

	for _, r := range results {
		if r.Scheduled {
			out.Statusf("+", "%s  %s -> %s", r.Source, r.ChangeType, r.Strategy)
		} else {
			out.Statusf("=", "%s  unchanged", r.Source)
		}
	}
	out.Newline()
	out.Successf("%d scheduled, %d skipped", scheduled, len(results)-scheduled)
	if errored > 0 && len(results) == 0 {
		return fmt.Errorf("no sources ingested")
	}
	return nil
}

func toAddResult(d *ingest.Decision) addResult {
	r := addResult{
		Source:    d.Source,
		DocID:     d.DocID,
		JobID:     d.JobID,
		Scheduled: d.Scheduled(),
	}
	if d.Analysis != nil {
		r.ChangeType = string(d.Analysis.ChangeType)
		r.Strategy = string(d.Analysis.Strategy)
		r.Confidence = d.Analysis.Confidence
	}
	return r
}

// collectSources expands files and directory trees into supported file
// paths. Hidden directories are skipped the same way the watcher skips
// them, and each directory's ignore rules are honored.
func collectSources(args []string) ([]string, error) {
	parser := parse.NewFileParser()
	var sources []string

	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}

		if !info.IsDir() {
			sources = append(sources, arg)
			continue
		}

		rules, err := ignore.Load(arg)
		if err != nil {
			return nil, err
		}

		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			rel, relErr := filepath.Rel(arg, path)
			if relErr != nil {
				return relErr
			}
			if d.IsDir() {
				if path == arg {
					return nil
				}
				if strings.HasPrefix(d.Name(), ".") || rules.Ignored(rel, true) {
					return filepath.SkipDir
				}
				return nil
			}
			if parser.Supports(path) && !rules.Ignored(rel, false) {
				sources = append(sources, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return sources, nil
}

// drainQueue blocks until no pending or processing jobs remain.
func drainQueue(ctx context.Context, q *queue.Manager) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := q.Ledger().Stats(ctx)
			if err != nil {
				return fmt.Errorf("poll queue: %w", err)
			}
			if stats[queue.StatusPending]+stats[queue.StatusProcessing] == 0 {
				return nil
			}
		}
	}
}

// newWriter builds an output writer honoring the --json flag.
func newWriter(cmd *cobra.Command) *output.Writer {
	if jsonOutput {
		return output.NewJSON(cmd.OutOrStdout())
	}
	return output.New(cmd.OutOrStdout())
}
