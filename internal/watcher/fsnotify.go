package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/conneroisu/conflux/internal/logging"
	"github.com/conneroisu/conflux/internal/types"
)

// FSWatcher is the native backend. Files are watched through their parent
// directory because editors replace files with rename-over, which silently
// kills a direct file watch; events for unwatched siblings are filtered out
// before delivery.
type FSWatcher struct {
	fs       *fsnotify.Watcher
	events   chan types.WatchEvent
	flushed  chan types.WatchEvent
	coalesce time.Duration
	clock    types.Clock
	log      logging.Logger

	mu      sync.Mutex
	files   map[string]struct{}
	dirs    map[string]*dirWatch
	pending map[string]*pendingEvent
	closed  bool

	dropped   atomic.Uint64
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

type dirWatch struct {
	explicit bool
	files    int
}

type pendingEvent struct {
	timer *time.Timer
	ev    types.WatchEvent
}

// NewFS builds the fsnotify-backed watcher.
func NewFS(cfg Config) (*FSWatcher, error) {
	c := cfg.withDefaults()

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &FSWatcher{
		fs:       fs,
		events:   make(chan types.WatchEvent, c.Buffer),
		flushed:  make(chan types.WatchEvent, c.Buffer),
		coalesce: c.Coalesce,
		clock:    c.Clock,
		log:      c.Log.WithComponent("watcher"),
		files:    make(map[string]struct{}),
		dirs:     make(map[string]*dirWatch),
		pending:  make(map[string]*pendingEvent),
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go w.run()

	return w, nil
}

// Add registers a file or directory. For files the parent directory is
// watched; the file itself does not have to exist yet as long as the parent
// does. Directory adds cover direct children only.
func (w *FSWatcher) Add(path string) error {
	abs, err := normalize(path)
	if err != nil {
		return err
	}

	info, statErr := os.Stat(abs)
	isDir := statErr == nil && info.IsDir()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("watcher is closed")
	}

	if isDir {
		dw := w.dirs[abs]
		if dw == nil {
			if err := w.fs.Add(abs); err != nil {
				return fmt.Errorf("failed to watch directory %s: %w", abs, err)
			}
			dw = &dirWatch{}
			w.dirs[abs] = dw
		}
		dw.explicit = true

		return nil
	}

	dir := filepath.Dir(abs)
	dw := w.dirs[dir]
	if dw == nil {
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", dir, err)
		}
		dw = &dirWatch{}
		w.dirs[dir] = dw
	}
	if _, ok := w.files[abs]; !ok {
		w.files[abs] = struct{}{}
		dw.files++
	}

	return nil
}

// Remove drops a previously added path. Parent directory watches are
// released once no registered file needs them.
func (w *FSWatcher) Remove(path string) error {
	abs, err := normalize(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}

	if dw, ok := w.dirs[abs]; ok && dw.explicit {
		dw.explicit = false
		if dw.files == 0 {
			delete(w.dirs, abs)

			return w.fs.Remove(abs)
		}

		return nil
	}

	if _, ok := w.files[abs]; !ok {
		return nil
	}
	delete(w.files, abs)

	dir := filepath.Dir(abs)
	if dw, ok := w.dirs[dir]; ok {
		dw.files--
		if dw.files <= 0 && !dw.explicit {
			delete(w.dirs, dir)

			return w.fs.Remove(dir)
		}
	}

	return nil
}

// Events returns the delivery channel. It is closed when the watcher stops.
func (w *FSWatcher) Events() <-chan types.WatchEvent {
	return w.events
}

// Capabilities reports the native backend guarantees.
func (w *FSWatcher) Capabilities() Capabilities {
	return Capabilities{
		Recursive:      false,
		ReportsRenames: true,
		Native:         true,
		Latency:        w.coalesce,
	}
}

// Dropped returns how many events were discarded because the delivery
// channel was full.
func (w *FSWatcher) Dropped() uint64 {
	return w.dropped.Load()
}

// Close stops the watcher and closes the event channel. Safe to call more
// than once.
func (w *FSWatcher) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		for path, p := range w.pending {
			p.timer.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()

		close(w.done)
		w.closeErr = w.fs.Close()
		w.wg.Wait()
	})

	return w.closeErr
}

func (w *FSWatcher) run() {
	defer w.wg.Done()
	defer close(w.events)

	for {
		select {
		case <-w.done:
			return
		case e, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(e)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn(context.Background(), err, "watch error")
		case ev := <-w.flushed:
			w.deliver(ev)
		}
	}
}

func (w *FSWatcher) handle(e fsnotify.Event) {
	var kind types.EventKind
	switch {
	case e.Op.Has(fsnotify.Create):
		kind = types.EventCreated
	case e.Op.Has(fsnotify.Write):
		kind = types.EventModified
	case e.Op.Has(fsnotify.Remove):
		kind = types.EventDeleted
	case e.Op.Has(fsnotify.Rename):
		kind = types.EventRenamed
	default:
		// Chmod carries no content change; the detector would suppress it.
		return
	}

	path := filepath.Clean(e.Name)
	if !w.watched(path) {
		return
	}

	ev := types.WatchEvent{Path: path, Kind: kind, At: w.clock.Now()}
	if w.coalesce <= 0 {
		w.deliver(ev)

		return
	}
	w.enqueue(ev)
}

func (w *FSWatcher) watched(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.files[path]; ok {
		return true
	}
	if dw, ok := w.dirs[path]; ok && dw.explicit {
		return true
	}
	if dw, ok := w.dirs[filepath.Dir(path)]; ok && dw.explicit {
		return true
	}

	return false
}

func (w *FSWatcher) enqueue(ev types.WatchEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if p, ok := w.pending[ev.Path]; ok {
		p.ev = ev
		p.timer.Reset(w.coalesce)

		return
	}

	p := &pendingEvent{ev: ev}
	p.timer = time.AfterFunc(w.coalesce, func() { w.flush(ev.Path) })
	w.pending[ev.Path] = p
}

func (w *FSWatcher) flush(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if ok {
		delete(w.pending, path)
	}
	w.mu.Unlock()
	if !ok {
		return
	}

	select {
	case w.flushed <- p.ev:
	case <-w.done:
	}
}

func (w *FSWatcher) deliver(ev types.WatchEvent) {
	select {
	case w.events <- ev:
	default:
		w.dropped.Add(1)
		w.log.Warn(context.Background(), nil, "event channel full, dropping event",
			"path", ev.Path, "kind", ev.Kind.String())
	}
}

func normalize(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
	}

	return abs, nil
}
