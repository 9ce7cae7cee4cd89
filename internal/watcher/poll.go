package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conneroisu/conflux/internal/logging"
	"github.com/conneroisu/conflux/internal/types"
)

// PollWatcher sweeps registered paths on an interval and synthesizes events
// from stat differences. It works on filesystems without native
// notification (NFS, FUSE, some containers) at the cost of latency equal to
// the poll interval. Directory targets cover direct children only.
type PollWatcher struct {
	interval time.Duration
	clock    types.Clock
	log      logging.Logger
	events   chan types.WatchEvent

	mu      sync.Mutex
	targets map[string]*pollTarget
	closed  bool

	dropped   atomic.Uint64
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type pollTarget struct {
	dir    bool
	states map[string]fileState
}

type fileState struct {
	size    int64
	modTime time.Time
}

// NewPoll builds the polling backend.
func NewPoll(cfg Config) *PollWatcher {
	c := cfg.withDefaults()

	w := &PollWatcher{
		interval: c.PollInterval,
		clock:    c.Clock,
		log:      c.Log.WithComponent("watcher"),
		events:   make(chan types.WatchEvent, c.Buffer),
		targets:  make(map[string]*pollTarget),
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run()

	return w
}

// Add registers a file or directory and primes its stat snapshot so only
// future changes produce events.
func (w *PollWatcher) Add(path string) error {
	abs, err := normalize(path)
	if err != nil {
		return err
	}

	info, statErr := os.Stat(abs)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("watcher is closed")
	}
	if _, ok := w.targets[abs]; ok {
		return nil
	}

	t := &pollTarget{states: make(map[string]fileState)}
	if statErr == nil && info.IsDir() {
		t.dir = true
		t.states = readDirStates(abs)
	} else if statErr == nil {
		t.states[abs] = fileState{size: info.Size(), modTime: info.ModTime()}
	}
	w.targets[abs] = t

	return nil
}

// Remove drops a registered path.
func (w *PollWatcher) Remove(path string) error {
	abs, err := normalize(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.targets, abs)

	return nil
}

// Events returns the delivery channel. It is closed when the watcher stops.
func (w *PollWatcher) Events() <-chan types.WatchEvent {
	return w.events
}

// Capabilities reports the polling backend guarantees.
func (w *PollWatcher) Capabilities() Capabilities {
	return Capabilities{
		Recursive:      false,
		ReportsRenames: false,
		Native:         false,
		Latency:        w.interval,
	}
}

// Dropped returns how many events were discarded because the delivery
// channel was full.
func (w *PollWatcher) Dropped() uint64 {
	return w.dropped.Load()
}

// Close stops the watcher and closes the event channel. Safe to call more
// than once.
func (w *PollWatcher) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		close(w.done)
		w.wg.Wait()
	})

	return nil
}

func (w *PollWatcher) run() {
	defer w.wg.Done()
	defer close(w.events)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *PollWatcher) sweep() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.targets))
	for path := range w.targets {
		paths = append(paths, path)
	}
	w.mu.Unlock()

	for _, path := range paths {
		w.sweepTarget(path)
	}
}

func (w *PollWatcher) sweepTarget(path string) {
	w.mu.Lock()
	t, ok := w.targets[path]
	w.mu.Unlock()
	if !ok {
		return
	}

	var current map[string]fileState
	if t.dir {
		current = readDirStates(path)
	} else {
		current = make(map[string]fileState, 1)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			current[path] = fileState{size: info.Size(), modTime: info.ModTime()}
		}
	}

	now := w.clock.Now()

	w.mu.Lock()
	prev := t.states
	t.states = current
	w.mu.Unlock()

	for p, st := range current {
		old, existed := prev[p]
		switch {
		case !existed:
			w.deliver(types.WatchEvent{Path: p, Kind: types.EventCreated, At: now})
		case old.size != st.size || !old.modTime.Equal(st.modTime):
			w.deliver(types.WatchEvent{Path: p, Kind: types.EventModified, At: now})
		}
	}
	for p := range prev {
		if _, still := current[p]; !still {
			w.deliver(types.WatchEvent{Path: p, Kind: types.EventDeleted, At: now})
		}
	}
}

func (w *PollWatcher) deliver(ev types.WatchEvent) {
	select {
	case w.events <- ev:
	default:
		w.dropped.Add(1)
		w.log.Warn(context.Background(), nil, "event channel full, dropping event",
			"path", ev.Path, "kind", ev.Kind.String())
	}
}

func readDirStates(dir string) map[string]fileState {
	states := make(map[string]fileState)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return states
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		states[filepath.Join(dir, entry.Name())] = fileState{
			size:    info.Size(),
			modTime: info.ModTime(),
		}
	}

	return states
}
