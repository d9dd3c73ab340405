// Package watcher observes source directories and feeds changed paths to
// the ingest pipeline. Raw filesystem events are debounced so editor save
// storms produce one re-index, not dozens.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op classifies a filesystem change.
type Op int

const (
	OpCreate Op = iota
	OpModify
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Event is one debounced filesystem change.
type Event struct {
	Path string
	Op   Op
	At   time.Time
}

// Filter decides whether a path is worth watching. A nil filter accepts
// everything.
type Filter func(path string) bool

// Options configures a Watcher.
type Options struct {
	// DebounceWindow is how long a path must stay quiet before its event
	// is emitted (default 500ms).
	DebounceWindow time.Duration

	// Filter screens file paths. Directories are always tracked so new
	// subtrees get watched.
	Filter Filter

	Logger *slog.Logger
}

// Watcher emits debounced file events for a directory tree.
type Watcher struct {
	fsw       *fsnotify.Watcher
	debouncer *debouncer
	filter    Filter
	log       *slog.Logger
	root      string

	stopOnce sync.Once
	done     chan struct{}
}

// New creates a watcher. Start must be called before events flow.
func New(opts Options) (*Watcher, error) {
	if opts.DebounceWindow <= 0 {
		opts.DebounceWindow = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		fsw:       fsw,
		debouncer: newDebouncer(opts.DebounceWindow),
		filter:    opts.Filter,
		log:       opts.Logger,
		done:      make(chan struct{}),
	}, nil
}

// Start watches root recursively until ctx is cancelled or Stop is
// called.
func (w *Watcher) Start(ctx context.Context, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	w.root = abs

	if err := w.addRecursive(abs); err != nil {
		return err
	}

	go w.loop(ctx)
	w.log.Info("watching for changes",
		slog.String("root", abs))
	return nil
}

// Events returns the channel of debounced event batches. The channel is
// closed when the watcher stops.
func (w *Watcher) Events() <-chan []Event {
	return w.debouncer.output
}

// Stop shuts the watcher down. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsw.Close()
		w.debouncer.stop()
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

// handle converts one fsnotify event and pushes it into the debouncer.
func (w *Watcher) handle(ev fsnotify.Event) {
	if isHiddenPath(w.root, ev.Name) {
		return
	}

	var op Op
	switch {
	case ev.Op&fsnotify.Create != 0:
		// A created directory needs its own watch before events from
		// inside it can arrive.
		if isDir(ev.Name) {
			if err := w.addRecursive(ev.Name); err != nil {
				w.log.Warn("failed to watch new directory",
					slog.String("path", ev.Name),
					slog.String("error", err.Error()))
			}
			return
		}
		op = OpCreate
	case ev.Op&fsnotify.Write != 0:
		op = OpModify
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// A rename looks like a deletion at the old path; the new path
		// produces its own create event.
		op = OpDelete
	default:
		return // chmod etc.
	}

	if w.filter != nil && !w.filter(ev.Name) {
		return
	}

	w.debouncer.add(Event{Path: ev.Name, Op: op, At: time.Now()})
}

// addRecursive registers root and every directory below it.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Unreadable entries are skipped, not fatal
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && isHiddenPath(root, path) {
			return filepath.SkipDir
		}
		return w.fsw.Add(path)
	})
}

// isHiddenPath reports whether any component of path below root starts
// with a dot.
func isHiddenPath(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	return false
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
