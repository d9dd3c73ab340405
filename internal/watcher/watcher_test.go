package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, w *Watcher, timeout time.Duration) []Event {
	t.Helper()
	select {
	case batch := <-w.Events():
		return batch
	case <-time.After(timeout):
		return nil
	}
}

func startWatcher(t *testing.T, root string, filter Filter) *Watcher {
	t.Helper()
	w, err := New(Options{DebounceWindow: 50 * time.Millisecond, Filter: filter})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background(), root))
	t.Cleanup(func() { _ = w.Stop() })
	// Let the kernel watch settle before mutating the tree.
	time.Sleep(50 * time.Millisecond)
	return w
}

func TestWatcher_DetectsCreate(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir, nil)

	path := filepath.Join(dir, "new.md")
	require.NoError(t, os.WriteFile(path, []byte("created"), 0o644))

	events := collectEvents(t, w, 3*time.Second)
	require.NotEmpty(t, events)
	assert.Equal(t, path, events[0].Path)
}

func TestWatcher_DetectsDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doomed.md")
	require.NoError(t, os.WriteFile(path, []byte("short lived"), 0o644))

	w := startWatcher(t, dir, nil)
	require.NoError(t, os.Remove(path))

	events := collectEvents(t, w, 3*time.Second)
	require.NotEmpty(t, events)
	assert.Equal(t, OpDelete, events[0].Op)
	assert.Equal(t, path, events[0].Path)
}

func TestWatcher_FilterScreensPaths(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir, func(path string) bool {
		return strings.HasSuffix(path, ".md")
	})

	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.bin"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.md"), []byte("y"), 0o644))

	events := collectEvents(t, w, 3*time.Second)
	require.NotEmpty(t, events)
	for _, ev := range events {
		assert.True(t, strings.HasSuffix(ev.Path, ".md"), "filtered path leaked: %s", ev.Path)
	}
}

func TestWatcher_WatchesNewSubdirectories(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir, nil)

	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.Mkdir(sub, 0o755))
	// Give the watcher a beat to register the new directory.
	time.Sleep(100 * time.Millisecond)

	path := filepath.Join(sub, "inner.md")
	require.NoError(t, os.WriteFile(path, []byte("nested content"), 0o644))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range collectEvents(t, w, 500*time.Millisecond) {
			if ev.Path == path {
				return
			}
		}
	}
	t.Fatalf("never saw event for %s", path)
}

func TestDebouncer_CoalescesSamePath(t *testing.T) {
	d := newDebouncer(30 * time.Millisecond)
	defer d.stop()

	now := time.Now()
	d.add(Event{Path: "/a.md", Op: OpCreate, At: now})
	d.add(Event{Path: "/a.md", Op: OpModify, At: now})
	d.add(Event{Path: "/a.md", Op: OpModify, At: now})

	select {
	case batch := <-d.output:
		require.Len(t, batch, 1)
		assert.Equal(t, OpCreate, batch[0].Op)
	case <-time.After(time.Second):
		t.Fatal("no batch emitted")
	}
}

func TestDebouncer_CreateThenDeleteCancels(t *testing.T) {
	d := newDebouncer(30 * time.Millisecond)
	defer d.stop()

	now := time.Now()
	d.add(Event{Path: "/gone.md", Op: OpCreate, At: now})
	d.add(Event{Path: "/gone.md", Op: OpDelete, At: now})
	d.add(Event{Path: "/stays.md", Op: OpModify, At: now})

	select {
	case batch := <-d.output:
		require.Len(t, batch, 1)
		assert.Equal(t, "/stays.md", batch[0].Path)
	case <-time.After(time.Second):
		t.Fatal("no batch emitted")
	}
}

func TestDebouncer_DeleteThenCreateIsModify(t *testing.T) {
	d := newDebouncer(30 * time.Millisecond)
	defer d.stop()

	now := time.Now()
	d.add(Event{Path: "/swap.md", Op: OpDelete, At: now})
	d.add(Event{Path: "/swap.md", Op: OpCreate, At: now})

	select {
	case batch := <-d.output:
		require.Len(t, batch, 1)
		assert.Equal(t, OpModify, batch[0].Op)
	case <-time.After(time.Second):
		t.Fatal("no batch emitted")
	}
}

func TestDebouncer_AddAfterStopIsNoop(t *testing.T) {
	d := newDebouncer(10 * time.Millisecond)
	d.stop()
	d.add(Event{Path: "/late.md", Op: OpModify})

	_, open := <-d.output
	assert.False(t, open)
}

func TestMergeRules(t *testing.T) {
	tests := []struct {
		name   string
		first  Op
		second Op
		want   Op
		keep   bool
	}{
		{"create then modify keeps create", OpCreate, OpModify, OpCreate, true},
		{"create then delete cancels", OpCreate, OpDelete, 0, false},
		{"modify then delete is delete", OpModify, OpDelete, OpDelete, true},
		{"delete then create is modify", OpDelete, OpCreate, OpModify, true},
		{"modify then modify is modify", OpModify, OpModify, OpModify, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, keep := merge(Event{Op: tt.first}, Event{Op: tt.second})
			assert.Equal(t, tt.keep, keep)
			if keep {
				assert.Equal(t, tt.want, got.Op)
			}
		})
	}
}

func TestDispatcher_ForwardsEvents(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir, nil)

	var mu sync.Mutex
	seen := make(map[string]int)
	dispatcher := NewDispatcher(w, func(ctx context.Context, source string) error {
		mu.Lock()
		seen[source]++
		mu.Unlock()
		return nil
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)

	path := filepath.Join(dir, "dispatched.md")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen[path] > 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestIsHiddenPath(t *testing.T) {
	assert.True(t, isHiddenPath("/root", "/root/.git/config"))
	assert.True(t, isHiddenPath("/root", "/root/docs/.cache"))
	assert.False(t, isHiddenPath("/root", "/root/docs/readme.md"))
	assert.False(t, isHiddenPath("/root", "/root"))
}
