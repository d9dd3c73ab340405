package watcher

import (
	"context"
	"log/slog"
)

// IngestFunc hands one changed path to the ingest pipeline. Deletions go
// through the same path: the pipeline notices the file is gone.
type IngestFunc func(ctx context.Context, source string) error

// Dispatcher drains watcher event batches into the ingest pipeline.
type Dispatcher struct {
	watcher *Watcher
	ingest  IngestFunc
	log     *slog.Logger
}

// NewDispatcher wires a watcher to an ingest function.
func NewDispatcher(w *Watcher, ingest IngestFunc, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{watcher: w, ingest: ingest, log: log}
}

// Run consumes event batches until the context ends or the watcher
// stops. Per-path failures are logged and do not stop the loop.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			for _, ev := range batch {
				if err := d.ingest(ctx, ev.Path); err != nil {
					d.log.Warn("failed to ingest changed path",
						slog.String("path", ev.Path),
						slog.String("op", ev.Op.String()),
						slog.String("error", err.Error()))
				}
			}
		}
	}
}
