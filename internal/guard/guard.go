// Package guard serializes mutating work per filesystem path. Each path
// gets a lazily created exclusive lock, a weighted semaphore bounds how
// many protected operations run at once across all paths, and every
// acquisition is deadline-bounded so a stuck operation cannot wedge the
// pipeline. The guard also stats the path before and after the operation
// to catch external writers racing the update.
package guard

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	errs "github.com/conneroisu/conflux/internal/errors"
	"github.com/conneroisu/conflux/internal/logging"
	"github.com/conneroisu/conflux/internal/types"
)

// Config tunes the guard. Zero values get defaults.
type Config struct {
	// GlobalLimit bounds concurrently executing protected operations.
	// Default 8.
	GlobalLimit int64
	// AcquireTimeout bounds the wait for a global permit. Default 2s.
	AcquireTimeout time.Duration
	// LockTimeout bounds the wait for the per-path lock. Default 5s.
	LockTimeout time.Duration
	// OpTimeout bounds the operation itself. Default 30s.
	OpTimeout time.Duration
	// ReclaimAfter is how long an unused path lock survives. Default 1m.
	ReclaimAfter time.Duration
	// ReclaimInterval is the reaper period. Default 30s.
	ReclaimInterval time.Duration
	// DisableDetection turns off the before/after stat comparison.
	DisableDetection bool
	Clock            types.Clock
	Log              logging.Logger
}

// Guard enforces at most one in-flight mutating operation per path.
type Guard struct {
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	lockTimeout    time.Duration
	opTimeout      time.Duration
	reclaimAfter   time.Duration
	detect         bool
	clock          types.Clock
	log            logging.Logger

	mu    sync.Mutex
	locks map[string]*pathLock

	conflicts     atomic.Uint64
	lockTimeouts  atomic.Uint64
	opTimeouts    atomic.Uint64
	globalRejects atomic.Uint64
	reclaimed     atomic.Uint64

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// pathLock is a channel-based mutex. A full channel means held. refs and
// lastUsed are maintained under Guard.mu for the reaper.
type pathLock struct {
	ch       chan struct{}
	refs     int
	lastUsed time.Time
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Locks         int
	Conflicts     uint64
	LockTimeouts  uint64
	OpTimeouts    uint64
	GlobalRejects uint64
	Reclaimed     uint64
}

// New builds a guard and starts its lock reaper.
func New(cfg Config) *Guard {
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = 8
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 2 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 30 * time.Second
	}
	if cfg.ReclaimAfter <= 0 {
		cfg.ReclaimAfter = time.Minute
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 30 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = types.SystemClock()
	}
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}

	g := &Guard{
		sem:            semaphore.NewWeighted(cfg.GlobalLimit),
		acquireTimeout: cfg.AcquireTimeout,
		lockTimeout:    cfg.LockTimeout,
		opTimeout:      cfg.OpTimeout,
		reclaimAfter:   cfg.ReclaimAfter,
		detect:         !cfg.DisableDetection,
		clock:          cfg.Clock,
		log:            cfg.Log.WithComponent("guard"),
		locks:          make(map[string]*pathLock),
		done:           make(chan struct{}),
	}

	g.wg.Add(1)
	go g.reap(cfg.ReclaimInterval)

	return g
}

// Close stops the reaper. In-flight operations finish normally.
func (g *Guard) Close() {
	g.closeOnce.Do(func() {
		close(g.done)
		g.wg.Wait()
	})
}

// Do runs op while holding the exclusive lock for path and one global
// permit. It returns CodeGlobalLimit or CodeFileLockTimeout when an
// acquisition misses its deadline, CodeOpTimeout when the operation
// overruns (the operation is abandoned but keeps the lock until it
// actually returns, so path exclusivity is never violated), and
// CodeConcurrentMod when an external writer changed the file while op ran;
// in that last case op's own work completed and stands.
func (g *Guard) Do(ctx context.Context, path string, op func(context.Context) error) error {
	actx, acancel := context.WithTimeout(ctx, g.acquireTimeout)
	defer acancel()
	if err := g.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.globalRejects.Add(1)

		return errs.New(errs.CodeGlobalLimit, "guard.acquire",
			"global concurrency limit reached").WithPath(path)
	}

	pl := g.retain(path)

	timer := time.NewTimer(g.lockTimeout)
	defer timer.Stop()
	select {
	case pl.ch <- struct{}{}:
	case <-timer.C:
		g.release(pl)
		g.sem.Release(1)
		g.lockTimeouts.Add(1)

		return errs.New(errs.CodeFileLockTimeout, "guard.lock",
			"path lock not acquired in time").WithPath(path)
	case <-ctx.Done():
		g.release(pl)
		g.sem.Release(1)

		return ctx.Err()
	}

	var before errs.FileState
	if g.detect {
		before = statState(path)
	}

	octx, ocancel := context.WithTimeout(ctx, g.opTimeout)

	errCh := make(chan error, 1)
	go func() { errCh <- op(octx) }()

	select {
	case err := <-errCh:
		ocancel()
		conflict := g.checkConflict(path, before, err)
		<-pl.ch
		g.release(pl)
		g.sem.Release(1)
		if err != nil {
			return err
		}

		return conflict

	case <-octx.Done():
		parentErr := ctx.Err()
		if parentErr == nil {
			g.opTimeouts.Add(1)
		}

		// The operation is abandoned but may still be running; the lock and
		// permit travel with it so no second writer can enter the path.
		go func() {
			<-errCh
			ocancel()
			<-pl.ch
			g.release(pl)
			g.sem.Release(1)
		}()

		if parentErr != nil {
			return parentErr
		}

		return errs.New(errs.CodeOpTimeout, "guard.do",
			"operation exceeded deadline").WithPath(path)
	}
}

// checkConflict compares the current file state against the observation
// taken before op ran. A mismatch with a failed op is only logged; the op
// error stays primary.
func (g *Guard) checkConflict(path string, before errs.FileState, opErr error) error {
	if !g.detect {
		return nil
	}

	after := statState(path)
	if before.Same(after) {
		return nil
	}

	g.conflicts.Add(1)
	if opErr != nil {
		g.log.Warn(context.Background(), opErr,
			"external modification during failed operation", "path", path)

		return nil
	}

	return errs.Conflict("guard.do", path, before, after)
}

// Execute is the typed form of Do. The returned value is valid when err is
// nil and when err carries CodeConcurrentMod (the operation completed; the
// conflict is advisory). For every other error the zero value is returned.
func Execute[R any](g *Guard, ctx context.Context, path string, op func(context.Context) (R, error)) (R, error) {
	var result R
	err := g.Do(ctx, path, func(octx context.Context) error {
		r, opErr := op(octx)
		if opErr != nil {
			return opErr
		}
		result = r

		return nil
	})

	if err != nil && !errs.IsCode(err, errs.CodeConcurrentMod) {
		var zero R

		return zero, err
	}

	return result, err
}

// Stats returns the counter snapshot.
func (g *Guard) Stats() Stats {
	g.mu.Lock()
	locks := len(g.locks)
	g.mu.Unlock()

	return Stats{
		Locks:         locks,
		Conflicts:     g.conflicts.Load(),
		LockTimeouts:  g.lockTimeouts.Load(),
		OpTimeouts:    g.opTimeouts.Load(),
		GlobalRejects: g.globalRejects.Load(),
		Reclaimed:     g.reclaimed.Load(),
	}
}

func (g *Guard) retain(path string) *pathLock {
	g.mu.Lock()
	defer g.mu.Unlock()

	pl := g.locks[path]
	if pl == nil {
		pl = &pathLock{ch: make(chan struct{}, 1)}
		g.locks[path] = pl
	}
	pl.refs++

	return pl
}

func (g *Guard) release(pl *pathLock) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pl.refs--
	pl.lastUsed = g.clock.Now()
}

func (g *Guard) reap(interval time.Duration) {
	defer g.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			g.reapIdle()
		}
	}
}

func (g *Guard) reapIdle() {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	for path, pl := range g.locks {
		if pl.refs == 0 && len(pl.ch) == 0 && now.Sub(pl.lastUsed) >= g.reclaimAfter {
			delete(g.locks, path)
			g.reclaimed.Add(1)
		}
	}
}

func statState(path string) errs.FileState {
	info, err := os.Stat(path)
	if err != nil {
		return errs.FileState{}
	}

	return errs.FileState{Exists: true, Size: info.Size(), ModTime: info.ModTime()}
}
