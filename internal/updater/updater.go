// Package updater applies ordered change batches to the registry. Each
// batch moves through three phases: prepare (read, parse, validate, decode;
// no registry writes), then apply (per-path, under the race guard). Version
// numbers are handed out one per batch that stages work, strictly
// increasing with no gaps, and every versioned batch lands in a bounded
// history ring whether it fully, partially, or never succeeded.
package updater

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	errs "github.com/conneroisu/conflux/internal/errors"
	"github.com/conneroisu/conflux/internal/guard"
	"github.com/conneroisu/conflux/internal/logging"
	"github.com/conneroisu/conflux/internal/types"
)

// Registry is the narrow write surface the updater needs. Snapshot tokens
// are opaque; they exist so a rollback can reinstate exactly what it
// displaced.
type Registry interface {
	// Swap replaces the value of an existing entry and returns the prior
	// snapshot token. The value's type must match the stored tag.
	Swap(id types.HandleID, value any) (prev any, err error)
	// Upsert behaves like Swap but recreates the entry when it is absent,
	// for delete-then-recreate sequences inside one batch.
	Upsert(id types.HandleID, value any) (prev any, err error)
	// Remove deletes the entry and returns the prior snapshot token.
	Remove(id types.HandleID) (prev any, err error)
	// Restore reinstates a snapshot token taken from the same entry,
	// recreating the entry if the rollback crosses a delete.
	Restore(id types.HandleID, snap any) error
}

// Target is one handle bound to a path. Decode turns the parser output
// into the registry-storable value; nil stores the parsed value as-is.
// OnDelete, when set, recomputes the value after the path is deleted
// instead of removing the entry; handles fed by several sources use it so
// losing one source reshapes the value rather than killing the handle.
type Target struct {
	Handle   types.HandleID
	Decode   func(path string, parsed any) (any, error)
	OnDelete func(path string) (any, error)
}

// Resolver maps a path to its bound targets. Zero targets is not an error;
// the change is counted as skipped.
type Resolver func(path string) []Target

// ParseFunc turns raw file bytes into a parsed value.
type ParseFunc func(path string, data []byte) (any, error)

// ValidateFunc checks a parsed value before it is applied.
type ValidateFunc func(path string, parsed any) error

// Config wires an updater. Registry, Guard, Resolve and Parse are required.
type Config struct {
	Registry Registry
	Guard    *guard.Guard
	Resolve  Resolver
	Parse    ParseFunc
	Validate ValidateFunc
	// Revalidate reruns Validate under the path lock just before the
	// registry write, closing the window between prepare and apply.
	Revalidate bool
	// RollbackOnError aborts the whole batch on any failure and restores
	// every snapshot the batch already displaced.
	RollbackOnError bool
	// OnConflict decides what happens to applied work when the guard
	// detects an external writer.
	OnConflict types.ConflictPolicy
	// HistorySize bounds the record ring. Default 256.
	HistorySize int
	// PrepareLimit bounds concurrent file reads in prepare. Default 4.
	PrepareLimit int
	Clock        types.Clock
	Log          logging.Logger
}

// Updater applies batches sequentially.
type Updater struct {
	reg          Registry
	guard        *guard.Guard
	resolve      Resolver
	parse        ParseFunc
	validate     ValidateFunc
	revalidate   bool
	rollback     bool
	onConflict   types.ConflictPolicy
	prepareLimit int
	clock        types.Clock
	log          logging.Logger

	applyMu sync.Mutex
	version atomic.Uint64
	history *ring

	batches atomic.Uint64
	applied atomic.Uint64
	failed  atomic.Uint64
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Batches uint64
	Applied uint64
	Failed  uint64
	Records int
}

// New builds an updater.
func New(cfg Config) (*Updater, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("updater requires a registry")
	}
	if cfg.Guard == nil {
		return nil, fmt.Errorf("updater requires a guard")
	}
	if cfg.Resolve == nil {
		return nil, fmt.Errorf("updater requires a resolver")
	}
	if cfg.Parse == nil {
		return nil, fmt.Errorf("updater requires a parser")
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 256
	}
	if cfg.PrepareLimit <= 0 {
		cfg.PrepareLimit = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = types.SystemClock()
	}
	if cfg.Log == nil {
		cfg.Log = logging.Discard()
	}

	return &Updater{
		reg:          cfg.Registry,
		guard:        cfg.Guard,
		resolve:      cfg.Resolve,
		parse:        cfg.Parse,
		validate:     cfg.Validate,
		revalidate:   cfg.Revalidate && cfg.Validate != nil,
		rollback:     cfg.RollbackOnError,
		onConflict:   cfg.OnConflict,
		prepareLimit: cfg.PrepareLimit,
		clock:        cfg.Clock,
		log:          cfg.Log.WithComponent("updater"),
		history:      newRing(cfg.HistorySize),
	}, nil
}

// Version returns the number of the most recently applied batch.
func (u *Updater) Version() uint64 {
	return u.version.Load()
}

// Records returns the history ring oldest-first.
func (u *Updater) Records() []types.UpdateRecord {
	return u.history.list()
}

// Stats returns the counter snapshot.
func (u *Updater) Stats() Stats {
	return Stats{
		Batches: u.batches.Load(),
		Applied: u.applied.Load(),
		Failed:  u.failed.Load(),
		Records: u.history.len(),
	}
}

// staged is one write ready for apply. remove marks a registry removal;
// everything else stores value.
type staged struct {
	change types.FileChange
	target Target
	parsed any
	value  any
	remove bool
}

// prepOut is the prepare result for one change.
type prepOut struct {
	staged  []staged
	failed  []types.FailedChange
	skipped bool
}

// appliedWrite remembers one registry write for potential rollback.
type appliedWrite struct {
	id   types.HandleID
	prev any
}

// Apply runs one batch to completion and returns the observable outcome.
// Batches are applied one at a time; concurrent callers queue.
func (u *Updater) Apply(ctx context.Context, batch types.Batch) types.UpdateResult {
	u.applyMu.Lock()
	defer u.applyMu.Unlock()

	result := types.UpdateResult{At: u.clock.Now()}
	if len(batch.Changes) == 0 {
		result.Version = u.version.Load()

		return result
	}

	outs := u.prepareAll(ctx, batch.Changes)

	var stagedAll []staged
	for i, out := range outs {
		if out.skipped {
			result.Skipped = append(result.Skipped, batch.Changes[i].Path)

			continue
		}
		result.Failed = append(result.Failed, out.failed...)
		stagedAll = append(stagedAll, out.staged...)
	}

	// A batch that binds nothing consumes no version number.
	if len(stagedAll) == 0 && len(result.Failed) == 0 {
		result.Version = u.version.Load()

		return result
	}

	version := u.version.Add(1)
	result.Version = version
	u.batches.Add(1)

	if u.rollback && len(result.Failed) > 0 {
		u.abortStaged(&result, stagedAll, result.Failed[0].Err)
		u.record(version, batch, &result)

		return result
	}

	writes := u.applyStaged(ctx, &result, stagedAll)

	if u.rollback && len(result.Failed) > 0 {
		u.rollbackApplied(&result, writes)
	}

	u.record(version, batch, &result)

	return result
}

// prepareAll runs the prepare phase for every change concurrently, bounded
// by the configured limit, preserving batch order in the output.
func (u *Updater) prepareAll(ctx context.Context, changes []types.FileChange) []prepOut {
	outs := make([]prepOut, len(changes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.prepareLimit)
	for i, change := range changes {
		i, change := i, change
		g.Go(func() error {
			outs[i] = u.prepare(gctx, change)

			return nil
		})
	}
	// Prepare failures are per-change data, never group errors.
	_ = g.Wait()

	return outs
}

// prepare reads, parses, validates, and decodes one change. It performs no
// registry writes.
func (u *Updater) prepare(ctx context.Context, change types.FileChange) prepOut {
	targets := u.resolve(change.Path)
	if len(targets) == 0 {
		return prepOut{skipped: true}
	}

	var out prepOut

	if change.Kind == types.ChangeDeleted {
		for _, target := range targets {
			if target.OnDelete == nil {
				out.staged = append(out.staged, staged{change: change, target: target, remove: true})

				continue
			}
			value, err := target.OnDelete(change.Path)
			if err != nil {
				out.failed = append(out.failed, types.FailedChange{
					Path:   change.Path,
					Handle: target.Handle,
					Kind:   change.Kind,
					Err:    err,
				})

				continue
			}
			out.staged = append(out.staged, staged{change: change, target: target, value: value})
		}

		return out
	}

	if err := ctx.Err(); err != nil {
		return failAll(change, targets, err)
	}

	data, err := os.ReadFile(change.Path)
	if err != nil {
		return failAll(change, targets,
			errs.Wrap(errs.CodeInternal, "updater.prepare", err, "read failed").WithPath(change.Path))
	}

	parsed, err := u.parse(change.Path, data)
	if err != nil {
		return failAll(change, targets, err)
	}

	if u.validate != nil {
		if err := u.validate(change.Path, parsed); err != nil {
			return failAll(change, targets, err)
		}
	}

	for _, target := range targets {
		value := parsed
		if target.Decode != nil {
			value, err = target.Decode(change.Path, parsed)
			if err != nil {
				out.failed = append(out.failed, types.FailedChange{
					Path:   change.Path,
					Handle: target.Handle,
					Kind:   change.Kind,
					Err:    err,
				})

				continue
			}
		}
		out.staged = append(out.staged, staged{
			change: change,
			target: target,
			parsed: parsed,
			value:  value,
		})
	}

	return out
}

func failAll(change types.FileChange, targets []Target, err error) prepOut {
	var out prepOut
	for _, target := range targets {
		out.failed = append(out.failed, types.FailedChange{
			Path:   change.Path,
			Handle: target.Handle,
			Kind:   change.Kind,
			Err:    err,
		})
	}

	return out
}

// applyStaged runs the apply phase: staged writes grouped by path, each
// group under the guard, preserving batch order. It returns the writes
// that stand so a rollback can reverse them.
func (u *Updater) applyStaged(ctx context.Context, result *types.UpdateResult, stagedAll []staged) []appliedWrite {
	order := make([]string, 0, len(stagedAll))
	groups := make(map[string][]staged)
	for _, s := range stagedAll {
		if _, ok := groups[s.change.Path]; !ok {
			order = append(order, s.change.Path)
		}
		groups[s.change.Path] = append(groups[s.change.Path], s)
	}

	removed := make(map[types.HandleID]struct{})
	var writes []appliedWrite

	for _, path := range order {
		group := groups[path]

		var pathWrites []appliedWrite
		var pathApplied []types.AppliedChange

		err := u.guard.Do(ctx, path, func(context.Context) error {
			for _, s := range group {
				write, applyErr := u.applyOne(s, removed)
				if applyErr != nil {
					result.Failed = append(result.Failed, types.FailedChange{
						Path:   s.change.Path,
						Handle: s.target.Handle,
						Kind:   s.change.Kind,
						Err:    applyErr,
					})
					if u.rollback {
						return applyErr
					}

					continue
				}
				pathWrites = append(pathWrites, write)
				pathApplied = append(pathApplied, types.AppliedChange{
					Path:   s.change.Path,
					Handle: s.target.Handle,
					Kind:   s.change.Kind,
				})
			}

			return nil
		})

		switch {
		case err == nil:
			result.Applied = append(result.Applied, pathApplied...)
			writes = append(writes, pathWrites...)

		case errs.IsCode(err, errs.CodeConcurrentMod):
			result.Conflicts = append(result.Conflicts, path)
			if u.onConflict == types.ConflictDiscard {
				u.discardPath(result, path, pathWrites, pathApplied, err)

				continue
			}
			result.Applied = append(result.Applied, pathApplied...)
			writes = append(writes, pathWrites...)

		default:
			// Guard-level failures fail whatever the group had not yet
			// recorded; writes that did land before an op error stand
			// unless the rollback policy reverses them below.
			result.Applied = append(result.Applied, pathApplied...)
			writes = append(writes, pathWrites...)
			u.failGroup(result, group, pathApplied, err)
		}
	}

	return writes
}

// applyOne performs one registry write. Entries recreated after a delete
// in the same batch go through Upsert; everything else must exist.
func (u *Updater) applyOne(s staged, removed map[types.HandleID]struct{}) (appliedWrite, error) {
	if u.revalidate && s.parsed != nil {
		if err := u.validate(s.change.Path, s.parsed); err != nil {
			return appliedWrite{}, err
		}
	}

	if s.remove {
		prev, err := u.reg.Remove(s.target.Handle)
		if err != nil {
			return appliedWrite{}, err
		}
		removed[s.target.Handle] = struct{}{}

		return appliedWrite{id: s.target.Handle, prev: prev}, nil
	}

	if _, wasRemoved := removed[s.target.Handle]; wasRemoved && s.change.Kind == types.ChangeCreated {
		prev, err := u.reg.Upsert(s.target.Handle, s.value)
		if err != nil {
			return appliedWrite{}, err
		}
		delete(removed, s.target.Handle)

		return appliedWrite{id: s.target.Handle, prev: prev}, nil
	}

	prev, err := u.reg.Swap(s.target.Handle, s.value)
	if err != nil {
		return appliedWrite{}, err
	}

	return appliedWrite{id: s.target.Handle, prev: prev}, nil
}

// discardPath restores every write of a conflicted path and reclassifies
// its applied changes as failed.
func (u *Updater) discardPath(result *types.UpdateResult, path string, writes []appliedWrite, applied []types.AppliedChange, conflictErr error) {
	for i := len(writes) - 1; i >= 0; i-- {
		w := writes[i]
		if err := u.reg.Restore(w.id, w.prev); err != nil {
			u.log.Error(context.Background(), err, "restore failed during conflict discard",
				"path", path, "handle", uint64(w.id))
		}
	}
	for _, a := range applied {
		result.Failed = append(result.Failed, types.FailedChange{
			Path:   a.Path,
			Handle: a.Handle,
			Kind:   a.Kind,
			Err:    conflictErr,
		})
	}
}

// failGroup marks every staged write of a group failed that is not already
// recorded as applied.
func (u *Updater) failGroup(result *types.UpdateResult, group []staged, applied []types.AppliedChange, err error) {
	alreadyApplied := make(map[types.HandleID]int)
	for _, a := range applied {
		alreadyApplied[a.Handle]++
	}
	alreadyFailed := make(map[types.HandleID]int)
	for _, f := range result.Failed {
		alreadyFailed[f.Handle]++
	}

	for _, s := range group {
		if alreadyApplied[s.target.Handle] > 0 {
			alreadyApplied[s.target.Handle]--

			continue
		}
		if alreadyFailed[s.target.Handle] > 0 {
			alreadyFailed[s.target.Handle]--

			continue
		}
		result.Failed = append(result.Failed, types.FailedChange{
			Path:   s.change.Path,
			Handle: s.target.Handle,
			Kind:   s.change.Kind,
			Err:    err,
		})
	}
}

// abortStaged fails every staged write because a sibling already failed
// under the rollback policy. Nothing was written yet.
func (u *Updater) abortStaged(result *types.UpdateResult, stagedAll []staged, cause error) {
	abortErr := errs.Wrap(errs.CodeDependency, "updater.apply", cause,
		"batch aborted by rollback policy")
	for _, s := range stagedAll {
		result.Failed = append(result.Failed, types.FailedChange{
			Path:   s.change.Path,
			Handle: s.target.Handle,
			Kind:   s.change.Kind,
			Err:    abortErr,
		})
	}
}

// rollbackApplied reverses every write of this batch, newest first, and
// reclassifies the applied changes as failed.
func (u *Updater) rollbackApplied(result *types.UpdateResult, writes []appliedWrite) {
	abortErr := errs.Wrap(errs.CodeDependency, "updater.apply", result.Failed[0].Err,
		"batch aborted by rollback policy")

	for i := len(writes) - 1; i >= 0; i-- {
		w := writes[i]
		if err := u.reg.Restore(w.id, w.prev); err != nil {
			u.log.Error(context.Background(), err, "restore failed during rollback",
				"handle", uint64(w.id))
		}
	}

	for _, a := range result.Applied {
		result.Failed = append(result.Failed, types.FailedChange{
			Path:   a.Path,
			Handle: a.Handle,
			Kind:   a.Kind,
			Err:    abortErr,
		})
	}
	result.Applied = nil
}

// record pushes the batch outcome into the history ring and bumps the
// aggregate counters.
func (u *Updater) record(version uint64, batch types.Batch, result *types.UpdateResult) {
	pathSet := make(map[string]struct{})
	var paths []string
	for _, change := range batch.Changes {
		if _, ok := pathSet[change.Path]; ok {
			continue
		}
		pathSet[change.Path] = struct{}{}
		paths = append(paths, change.Path)
	}

	idSet := make(map[types.HandleID]struct{})
	var ids []types.HandleID
	for _, a := range result.Applied {
		if _, ok := idSet[a.Handle]; !ok {
			idSet[a.Handle] = struct{}{}
			ids = append(ids, a.Handle)
		}
	}
	for _, f := range result.Failed {
		if _, ok := idSet[f.Handle]; !ok {
			idSet[f.Handle] = struct{}{}
			ids = append(ids, f.Handle)
		}
	}

	errMsg := ""
	if len(result.Failed) > 0 {
		errMsg = result.Failed[0].Err.Error()
	}

	u.applied.Add(uint64(len(result.Applied)))
	u.failed.Add(uint64(len(result.Failed)))

	u.history.push(types.UpdateRecord{
		Version:   version,
		At:        result.At,
		Paths:     paths,
		HandleIDs: ids,
		Applied:   len(result.Applied),
		Failed:    len(result.Failed),
		Skipped:   len(result.Skipped),
		Err:       errMsg,
	})
}
