package watcher

import (
	"sync"
	"time"
)

// debouncer coalesces rapid events per path inside a quiet window.
// Sequences for the same path merge by these rules:
//
//	CREATE then MODIFY -> CREATE (the file is still new to us)
//	CREATE then DELETE -> dropped (it never really existed)
//	MODIFY then DELETE -> DELETE
//	DELETE then CREATE -> MODIFY (the file was replaced)
type debouncer struct {
	window  time.Duration
	output  chan []Event
	mu      sync.Mutex
	pending map[string]Event
	timer   *time.Timer
	stopped bool
}

func newDebouncer(window time.Duration) *debouncer {
	return &debouncer{
		window:  window,
		output:  make(chan []Event, 16),
		pending: make(map[string]Event),
	}
}

func (d *debouncer) add(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}

	if prev, ok := d.pending[ev.Path]; ok {
		merged, keep := merge(prev, ev)
		if !keep {
			delete(d.pending, ev.Path)
		} else {
			d.pending[ev.Path] = merged
		}
	} else {
		d.pending[ev.Path] = ev
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// merge applies the coalescing rules. keep=false means the events
// cancelled out.
func merge(prev, next Event) (Event, bool) {
	switch {
	case prev.Op == OpCreate && next.Op == OpModify:
		return prev, true
	case prev.Op == OpCreate && next.Op == OpDelete:
		return Event{}, false
	case prev.Op == OpDelete && next.Op == OpCreate:
		next.Op = OpModify
		return next, true
	default:
		return next, true
	}
}

func (d *debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]Event, 0, len(d.pending))
	for _, ev := range d.pending {
		batch = append(batch, ev)
	}
	d.pending = make(map[string]Event)

	// Never block the event loop on a slow consumer.
	select {
	case d.output <- batch:
	default:
	}
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
