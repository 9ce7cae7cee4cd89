package conflux

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-viper/mapstructure/v2"
	"golang.org/x/text/unicode/norm"

	"github.com/conneroisu/conflux/internal/debounce"
	"github.com/conneroisu/conflux/internal/detector"
	errs "github.com/conneroisu/conflux/internal/errors"
	"github.com/conneroisu/conflux/internal/guard"
	"github.com/conneroisu/conflux/internal/logging"
	"github.com/conneroisu/conflux/internal/types"
	"github.com/conneroisu/conflux/internal/updater"
	"github.com/conneroisu/conflux/internal/watcher"
)

// binding ties one handle to a path that feeds it and the decoder that
// turns parsed file content into the handle's type. A handle bound by Bind
// has exactly one binding; a merged handle from Builder.Load has one per
// source file, each with an onDelete that recomputes the merge.
type binding struct {
	id       HandleID
	path     string
	decode   func(path string, parsed any) (any, error)
	onDelete func(path string) (any, error)
}

// BindingInfo describes one live path binding.
type BindingInfo struct {
	Path   string   `json:"path"`
	Handle HandleID `json:"handle"`
	Type   string   `json:"type"`
}

// Store keeps registry entries live against their backing files. Raw
// watcher events flow through the change detector into the debouncer; each
// flushed batch is applied to the registry as one atomic, versioned update
// under the per-path race guard. Direct Handle mutations on bound handles
// serialize through the same guard.
type Store struct {
	reg      *Registry
	watch    watcher.Watcher
	detect   *detector.Detector
	debounce *debounce.Debouncer
	guard    *guard.Guard
	update   *updater.Updater
	parser   Parser
	validate func(path string, parsed any) error
	log      logging.Logger
	clock    types.Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	byPath map[string][]*binding
	byID   map[HandleID][]*binding

	subMu sync.Mutex
	subs  []chan UpdateEvent

	closed  atomic.Bool
	eventWG sync.WaitGroup
	applyWG sync.WaitGroup
}

// Open starts a store and its reload pipeline. ctx bounds the store's
// background work; canceling it stops updates from being applied, though
// Close is still required to release resources. The zero Options value is
// valid.
func Open(ctx context.Context, opts Options) (*Store, error) {
	const op = "store.open"

	opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, errs.Wrap(errs.CodeInternal, op, err, "invalid options")
	}

	base := logging.FromSlog(opts.Log)
	clock := opts.Clock
	if clock == nil {
		clock = types.SystemClock()
	}

	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}

	mode := watcher.ModeAuto
	switch opts.WatchMode {
	case WatchNative:
		mode = watcher.ModeNative
	case WatchPoll:
		mode = watcher.ModePoll
	}

	w, err := watcher.New(mode, watcher.Config{
		Coalesce:     opts.Coalesce,
		PollInterval: opts.PollInterval,
		Log:          base,
		Clock:        clock,
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, op, err, "watcher start failed")
	}

	det := detector.New(detector.Config{
		HashThreshold:  opts.HashThreshold,
		CacheSize:      opts.HashCacheSize,
		DisableHashing: opts.DisableHashing,
		IgnorePatterns: opts.IgnorePatterns,
		Hash:           opts.Hash,
		Clock:          clock,
		Log:            base,
	})

	deb := debounce.New(debounce.Config{
		Base:          opts.DebounceWindow,
		PriorityBase:  opts.PriorityWindow,
		Max:           opts.DebounceMax,
		BatchInterval: opts.BatchInterval,
		Clock:         clock,
		Log:           base,
	})

	g := guard.New(guard.Config{
		GlobalLimit:      opts.GlobalLimit,
		LockTimeout:      opts.LockTimeout,
		OpTimeout:        opts.OpTimeout,
		DisableDetection: opts.DisableConflictCheck,
		Clock:            clock,
		Log:              base,
	})

	sctx, cancel := context.WithCancel(ctx)
	s := &Store{
		reg:      reg,
		watch:    w,
		detect:   det,
		debounce: deb,
		guard:    g,
		parser:   opts.Parser,
		validate: opts.Validate,
		log:      base.WithComponent("store"),
		clock:    clock,
		ctx:      sctx,
		cancel:   cancel,
		byPath:   make(map[string][]*binding),
		byID:     make(map[HandleID][]*binding),
	}

	upd, err := updater.New(updater.Config{
		Registry:        reg,
		Guard:           g,
		Resolve:         s.resolve,
		Parse:           opts.Parser.Parse,
		Validate:        opts.Validate,
		Revalidate:      !opts.SkipRevalidate,
		RollbackOnError: opts.RollbackOnError,
		OnConflict:      opts.OnConflict,
		HistorySize:     opts.HistorySize,
		Clock:           clock,
		Log:             base,
	})
	if err != nil {
		s.teardown()

		return nil, errs.Wrap(errs.CodeInternal, op, err, "updater start failed")
	}
	s.update = upd

	for _, root := range opts.Roots {
		p, perr := normPath(root)
		if perr == nil {
			perr = w.Add(p)
		}
		if perr != nil {
			s.teardown()

			return nil, errs.Wrap(errs.CodeInternal, op, perr, "watch root failed").WithPath(root)
		}
	}

	for _, p := range opts.PriorityPaths {
		if np, perr := normPath(p); perr == nil {
			deb.MarkPriority(np)
		}
	}

	reg.SetProtection(s.protectMutation)

	s.eventWG.Add(1)
	go s.eventLoop()
	s.applyWG.Add(1)
	go s.applyLoop()

	caps := w.Capabilities()
	s.log.Info(sctx, "store opened",
		"backend", backendName(caps),
		"roots", len(opts.Roots),
		"conflict_policy", opts.OnConflict)

	return s, nil
}

// teardown releases pipeline resources during a failed Open, before the
// loops have started.
func (s *Store) teardown() {
	s.cancel()
	_ = s.watch.Close()
	s.debounce.Close()
	s.guard.Close()
}

func backendName(caps watcher.Capabilities) string {
	if caps.Native {
		return "fsnotify"
	}

	return "poll"
}

// eventLoop feeds confirmed changes into the debouncer until the watcher's
// event stream ends.
func (s *Store) eventLoop() {
	defer s.eventWG.Done()

	for ev := range s.watch.Events() {
		change, ok := s.detect.Inspect(ev)
		if !ok {
			continue
		}
		s.debounce.Add(change)
	}
}

// applyLoop applies flushed batches until the debouncer closes its output,
// which happens only after the final flush.
func (s *Store) applyLoop() {
	defer s.applyWG.Done()

	for batch := range s.debounce.Batches() {
		res := s.update.Apply(s.ctx, batch)
		s.afterApply(res)
	}
}

// afterApply records failures, sheds bindings whose handles are gone, and
// notifies subscribers. Batches that bound nothing are silent.
func (s *Store) afterApply(res UpdateResult) {
	if len(res.Applied) == 0 && len(res.Failed) == 0 {
		return
	}

	for _, f := range res.Failed {
		s.reg.Catch(f.Err)
		if errs.IsCode(f.Err, errs.CodeInvalidHandle) && s.removeBinding(f.Handle) {
			s.log.Warn(s.ctx, f.Err, "unbound stale handle",
				"handle", uint64(f.Handle), "path", f.Path)
		}
	}

	if len(res.Failed) > 0 {
		s.log.Warn(s.ctx, res.Failed[0].Err, "update applied with failures",
			"version", res.Version,
			"applied", len(res.Applied),
			"failed", len(res.Failed),
			"conflicts", len(res.Conflicts))
	} else {
		s.log.Info(s.ctx, "update applied",
			"version", res.Version,
			"applied", len(res.Applied))
	}

	s.notify(res)
}

func (s *Store) notify(res UpdateResult) {
	seen := make(map[string]struct{})
	var paths []string
	for _, a := range res.Applied {
		if _, ok := seen[a.Path]; !ok {
			seen[a.Path] = struct{}{}
			paths = append(paths, a.Path)
		}
	}
	for _, f := range res.Failed {
		if _, ok := seen[f.Path]; !ok {
			seen[f.Path] = struct{}{}
			paths = append(paths, f.Path)
		}
	}

	ev := UpdateEvent{
		Version: res.Version,
		Paths:   paths,
		Applied: len(res.Applied),
		Failed:  len(res.Failed),
		At:      res.At,
	}

	s.subMu.Lock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Slow subscribers lose events rather than stalling the
			// pipeline.
		}
	}
	s.subMu.Unlock()
}

// protectMutation is the registry protection hook: mutations of bound
// handles run under their path's guard so they serialize with the reload
// pipeline. Handles fed by several paths serialize through the first one.
// Unbound handles mutate directly.
func (s *Store) protectMutation(ctx context.Context, id HandleID, op func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.RLock()
	bound := s.byID[id]
	s.mu.RUnlock()
	if len(bound) == 0 {
		return op()
	}

	return s.guard.Do(ctx, bound[0].path, func(context.Context) error { return op() })
}

// Bind loads path now, registers its value under a new handle, and keeps
// the handle's value current as the file changes. The file must exist and
// parse; several handles may bind the same path. Struct fields follow
// mapstructure tags.
func Bind[T any](s *Store, path string) (Handle[T], error) {
	const op = "store.bind"
	var zero Handle[T]

	if s.closed.Load() {
		return zero, errs.New(errs.CodeInternal, op, "store is closed")
	}

	p, err := normPath(path)
	if err != nil {
		return zero, err
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return zero, errs.Wrap(errs.CodeInternal, op, err, "read failed").WithPath(p)
	}

	parsed, err := s.parser.Parse(p, data)
	if err != nil {
		return zero, err
	}

	if s.validate != nil {
		if verr := s.validate(p, parsed); verr != nil {
			return zero, errs.Wrap(errs.CodeValidation, op, verr, "initial value rejected").WithPath(p)
		}
	}

	value, err := decodeAs[T](p, parsed)
	if err != nil {
		return zero, err
	}

	h := createFrom(s.reg, value)
	b := &binding{
		id:   h.ID(),
		path: p,
		decode: func(path string, parsed any) (any, error) {
			v, derr := decodeAs[T](path, parsed)
			if derr != nil {
				return nil, derr
			}

			return v, nil
		},
	}

	s.mu.Lock()
	s.byPath[p] = append(s.byPath[p], b)
	s.byID[b.id] = append(s.byID[b.id], b)
	s.mu.Unlock()

	s.detect.Track(p)
	if werr := s.watch.Add(p); werr != nil {
		s.removeBinding(b.id)
		_, _ = s.reg.Remove(b.id)

		return zero, errs.Wrap(errs.CodeInternal, op, werr, "watch failed").WithPath(p)
	}

	s.log.Debug(s.ctx, "bound", "path", p, "handle", uint64(h.ID()))

	return h, nil
}

// Unbind detaches the handle from every path feeding it. The handle and
// its entry stay live; they just stop following the files. Unbind a bound
// handle before deleting it; otherwise its next file change fails with an
// invalid-handle error and the store unbinds it then. Unbind reports
// whether any binding was removed.
func (s *Store) Unbind(id HandleID) bool {
	return s.removeBinding(id)
}

func (s *Store) removeBinding(id HandleID) bool {
	s.mu.Lock()
	bound, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()

		return false
	}
	delete(s.byID, id)

	var freed []string
	for _, b := range bound {
		list := s.byPath[b.path]
		for i, other := range list {
			if other == b {
				list = append(list[:i], list[i+1:]...)

				break
			}
		}
		if len(list) == 0 {
			delete(s.byPath, b.path)
			freed = append(freed, b.path)
		} else {
			s.byPath[b.path] = list
		}
	}
	s.mu.Unlock()

	for _, path := range freed {
		_ = s.watch.Remove(path)
		s.detect.Forget(path)
	}

	return true
}

// resolve maps a changed path to its bound targets for the updater.
func (s *Store) resolve(path string) []updater.Target {
	key := norm.NFC.String(path)

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.byPath[key]
	if len(list) == 0 {
		return nil
	}
	targets := make([]updater.Target, len(list))
	for i, b := range list {
		targets[i] = updater.Target{Handle: b.id, Decode: b.decode, OnDelete: b.onDelete}
	}

	return targets
}

// ApplyNow scans the given paths (all bound paths when none are given) and
// applies any detected changes synchronously, returning the batch outcome.
// It is the programmatic twin of the watcher-driven pipeline and runs
// under the same guard and versioning.
func (s *Store) ApplyNow(ctx context.Context, paths ...string) (UpdateResult, error) {
	const op = "store.apply_now"

	if s.closed.Load() {
		return UpdateResult{}, errs.New(errs.CodeInternal, op, "store is closed")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var targets []string
	if len(paths) == 0 {
		s.mu.RLock()
		targets = make([]string, 0, len(s.byPath))
		for p := range s.byPath {
			targets = append(targets, p)
		}
		s.mu.RUnlock()
		sort.Strings(targets)
	} else {
		for _, p := range paths {
			np, err := normPath(p)
			if err != nil {
				return UpdateResult{}, err
			}
			targets = append(targets, np)
		}
	}

	changes := s.detect.Scan(targets)
	if len(changes) == 0 {
		return UpdateResult{Version: s.update.Version(), At: s.clock.Now()}, nil
	}

	res := s.update.Apply(ctx, types.Batch{Changes: changes, At: s.clock.Now()})
	s.afterApply(res)

	return res, nil
}

// Prioritize moves paths into the shorter debounce class so their changes
// flush sooner.
func (s *Store) Prioritize(paths ...string) error {
	for _, p := range paths {
		np, err := normPath(p)
		if err != nil {
			return err
		}
		s.debounce.MarkPriority(np)
	}

	return nil
}

// Subscribe returns a channel receiving one notification per applied
// batch. Slow subscribers lose events rather than stalling the pipeline.
// The channel closes on Unsubscribe or Close.
func (s *Store) Subscribe() <-chan UpdateEvent {
	ch := make(chan UpdateEvent, 16)
	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()

	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (s *Store) Unsubscribe(ch <-chan UpdateEvent) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for i, sub := range s.subs {
		if (<-chan UpdateEvent)(sub) == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			close(sub)

			return
		}
	}
}

// Registry returns the registry this store writes through.
func (s *Store) Registry() *Registry {
	return s.reg
}

// Version returns the version of the most recently applied batch.
func (s *Store) Version() uint64 {
	return s.update.Version()
}

// Records returns the bounded update history, oldest first.
func (s *Store) Records() []UpdateRecord {
	return s.update.Records()
}

// Paths returns the bound paths in sorted order.
func (s *Store) Paths() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.byPath))
	for p := range s.byPath {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Strings(out)

	return out
}

// Bindings returns every live binding, sorted by path then handle. A
// merged handle appears once per source path.
func (s *Store) Bindings() []BindingInfo {
	s.mu.RLock()
	out := make([]BindingInfo, 0, len(s.byID))
	for id, bound := range s.byID {
		var typ string
		if ei, ok := s.reg.Info(id); ok {
			typ = ei.Type
		}
		for _, b := range bound {
			out = append(out, BindingInfo{Path: b.path, Handle: id, Type: typ})
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}

		return out[i].Handle < out[j].Handle
	})

	return out
}

// Stats aggregates the counters of every pipeline stage.
func (s *Store) Stats() StoreStats {
	caps := s.watch.Capabilities()
	det := s.detect.Stats()
	deb := s.debounce.Stats()
	grd := s.guard.Stats()
	upd := s.update.Stats()

	s.mu.RLock()
	bindings := 0
	for _, bound := range s.byID {
		bindings += len(bound)
	}
	s.mu.RUnlock()

	return StoreStats{
		Registry: s.reg.Stats(),
		Version:  s.update.Version(),
		Bindings: bindings,
		Watcher: WatcherStats{
			Backend:   backendName(caps),
			Recursive: caps.Recursive,
			Latency:   caps.Latency,
			Dropped:   s.watch.Dropped(),
		},
		Detector: DetectorStats{
			Tracked:        det.Tracked,
			Confirmed:      det.Confirmed,
			Suppressed:     det.Suppressed,
			CacheHits:      det.CacheHits,
			CacheMisses:    det.CacheMisses,
			CacheEvictions: det.CacheEvictions,
		},
		Debounce: DebounceStats{
			Pending:  deb.Pending,
			Priority: deb.Priority,
			Emitted:  deb.Batches,
			Absorbed: deb.Absorbed,
		},
		Guard: GuardStats{
			ActiveLocks:   grd.Locks,
			Conflicts:     grd.Conflicts,
			LockTimeouts:  grd.LockTimeouts,
			OpTimeouts:    grd.OpTimeouts,
			GlobalRejects: grd.GlobalRejects,
			Reclaimed:     grd.Reclaimed,
		},
		Updater: UpdaterStats{
			Batches: upd.Batches,
			Applied: upd.Applied,
			Failed:  upd.Failed,
			Records: upd.Records,
		},
	}
}

// Close stops the pipeline in order: the watcher first, then a final
// debounce flush, then the apply loop drains. Changes pending at Close are
// applied before it returns. Close is idempotent; handles stay readable
// after it, they just stop updating.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	err := s.watch.Close()
	s.eventWG.Wait()
	s.debounce.Close()
	s.applyWG.Wait()
	s.cancel()
	s.guard.Close()
	s.reg.SetProtection(nil)

	s.subMu.Lock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.subMu.Unlock()

	s.log.Info(context.Background(), "store closed", "version", s.update.Version())

	return err
}

// normPath canonicalizes a path key: absolute, cleaned, and NFC-normalized
// so differently-composed Unicode spellings of one file share one binding.
func normPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errs.Wrap(errs.CodeInternal, "store.path", err, "absolute path").WithPath(path)
	}

	return norm.NFC.String(abs), nil
}

// decodeAs turns a parsed value into a *T. Values already of the right
// type pass through; maps and slices go through mapstructure with the
// usual duration and comma-slice hooks.
func decodeAs[T any](path string, parsed any) (*T, error) {
	if v, ok := parsed.(*T); ok {
		return v, nil
	}
	if v, ok := parsed.(T); ok {
		return &v, nil
	}

	out := new(T)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeInternal, "store.decode", err, "decoder setup")
	}
	if err := dec.Decode(parsed); err != nil {
		return nil, errs.Wrap(errs.CodeParse, "store.decode", err, "decode failed").WithPath(path)
	}

	return out, nil
}
