// Package debounce collapses bursts of confirmed changes into ordered
// batches. Each path gets an adaptive quiet window; a path is released when
// it has been quiet long enough, and released paths are grouped into one
// batch per flush, sorted deletes first, then creates, then modifies.
package debounce

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/conneroisu/conflux/internal/logging"
	"github.com/conneroisu/conflux/internal/types"
)

// Config tunes the debouncer. Zero values get defaults.
type Config struct {
	// Base is the quiet window for ordinary paths. Default 100ms.
	Base time.Duration
	// PriorityBase is the quiet window for paths marked priority.
	// Default 25ms.
	PriorityBase time.Duration
	// Max caps the adaptive window growth. Default 1s.
	Max time.Duration
	// BatchInterval is the minimum gap between emitted batches. Default 50ms.
	BatchInterval time.Duration
	// Tick is the flush timer granularity. Default 10ms.
	Tick time.Duration
	// Buffer is the output channel capacity. Default 16.
	Buffer int
	Clock  types.Clock
	Log    logging.Logger
}

// Debouncer accumulates per-path changes and emits them in batches. Close
// flushes everything still pending into one final batch before closing the
// output channel; nothing is silently dropped.
type Debouncer struct {
	base          time.Duration
	priorityBase  time.Duration
	max           time.Duration
	batchInterval time.Duration
	tick          time.Duration
	clock         types.Clock
	log           logging.Logger

	mu        sync.Mutex
	pending   map[string]*pathState
	priority  map[string]struct{}
	lastBatch time.Time
	closed    bool

	out       chan types.Batch
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	emitted  atomic.Uint64
	absorbed atomic.Uint64
}

// pathState holds what is pending for one path. Repeats of the same kind
// replace the previous entry; kind transitions are retained in arrival
// order so a delete followed by a recreate survives as two changes.
type pathState struct {
	changes   []types.FileChange
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

// Stats is a point-in-time snapshot of debouncer counters.
type Stats struct {
	Pending  int
	Priority int
	Batches  uint64
	Absorbed uint64
}

// New builds a debouncer and starts its flush loop. The Batches channel
// must be consumed or Close will block on the final flush.
func New(cfg Config) *Debouncer {
	if cfg.Base <= 0 {
		cfg.Base = 100 * time.Millisecond
	}
	if cfg.PriorityBase <= 0 {
		cfg.PriorityBase = 25 * time.Millisecond
	}
	if cfg.Max <= 0 {
		cfg.Max = time.Second
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 50 * time.Millisecond
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 10 * time.Millisecond
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	if cfg.Clock == nil {
		cfg.Clock = types.SystemClock()
	}
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}

	d := &Debouncer{
		base:          cfg.Base,
		priorityBase:  cfg.PriorityBase,
		max:           cfg.Max,
		batchInterval: cfg.BatchInterval,
		tick:          cfg.Tick,
		clock:         cfg.Clock,
		log:           cfg.Log.WithComponent("debounce"),
		pending:       make(map[string]*pathState),
		priority:      make(map[string]struct{}),
		out:           make(chan types.Batch, cfg.Buffer),
		done:          make(chan struct{}),
	}

	d.wg.Add(1)
	go d.run()

	return d
}

// Add feeds one confirmed change into the pending state.
func (d *Debouncer) Add(change types.FileChange) {
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}

	st := d.pending[change.Path]
	if st == nil {
		st = &pathState{firstSeen: now}
		d.pending[change.Path] = st
	}
	st.count++
	st.lastSeen = now

	if n := len(st.changes); n > 0 && st.changes[n-1].Kind == change.Kind {
		st.changes[n-1] = change

		return
	}
	st.changes = append(st.changes, change)
}

// MarkPriority gives paths the shorter quiet window.
func (d *Debouncer) MarkPriority(paths ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, path := range paths {
		d.priority[path] = struct{}{}
	}
}

// Batches returns the output channel. It is closed after Close has emitted
// the final batch.
func (d *Debouncer) Batches() <-chan types.Batch {
	return d.out
}

// Stats returns the counter snapshot.
func (d *Debouncer) Stats() Stats {
	d.mu.Lock()
	pending := len(d.pending)
	priority := len(d.priority)
	d.mu.Unlock()

	return Stats{
		Pending:  pending,
		Priority: priority,
		Batches:  d.emitted.Load(),
		Absorbed: d.absorbed.Load(),
	}
}

// Close flushes everything pending unconditionally, emits the final batch,
// and closes the output channel. Safe to call more than once.
func (d *Debouncer) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		close(d.done)
		d.wg.Wait()
	})
}

func (d *Debouncer) run() {
	defer d.wg.Done()
	defer close(d.out)

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			if batch, ok := d.collect(true); ok {
				d.out <- batch
			}

			return
		case <-ticker.C:
			if batch, ok := d.collect(false); ok {
				d.out <- batch
			}
		}
	}
}

// collect gathers ripe paths into one ordered batch. force ignores both the
// quiet windows and the batch interval; it is the Close path.
func (d *Debouncer) collect(force bool) (types.Batch, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	if !force && !d.lastBatch.IsZero() && now.Sub(d.lastBatch) < d.batchInterval {
		return types.Batch{}, false
	}

	var changes []types.FileChange
	collapsed := 0
	for path, st := range d.pending {
		if !force && now.Sub(st.lastSeen) < d.window(path, st) {
			continue
		}
		changes = append(changes, st.changes...)
		collapsed += st.count - len(st.changes)
		delete(d.pending, path)
	}

	if len(changes) == 0 {
		return types.Batch{}, false
	}

	types.OrderChanges(changes)
	d.lastBatch = now
	d.emitted.Add(1)
	d.absorbed.Add(uint64(collapsed))

	return types.Batch{Changes: changes, Collapsed: collapsed, At: now}, true
}

// window computes the effective quiet window for a path. The base doubles
// once per four absorbed changes so hot paths settle before release,
// capped at Max.
func (d *Debouncer) window(path string, st *pathState) time.Duration {
	base := d.base
	if _, ok := d.priority[path]; ok {
		base = d.priorityBase
	}

	shift := (st.count - 1) / 4
	if shift > 4 {
		shift = 4
	}

	eff := base << shift
	if eff > d.max {
		eff = d.max
	}

	return eff
}
