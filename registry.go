package conflux

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/conneroisu/conflux/internal/errors"
	"github.com/conneroisu/conflux/internal/types"
)

// HandleID identifies one registry entry. IDs are issued from an atomic
// counter starting at 1 and are never reused, even after the entry is
// deleted. 0 is never a valid ID.
type HandleID = types.HandleID

// shardCount must be a power of two; shards are selected by masking the id.
const shardCount = 32

// maxCaught bounds the registry's error accumulator. Oldest entries are
// dropped first.
const maxCaught = 128

// snapshot is the immutable unit of storage. value holds a *T shared by
// every reader that obtained it; updates install a fresh snapshot and
// never touch an old one. tag is the *T type used for runtime checks; size
// is a shallow byte estimate for memory accounting.
type snapshot struct {
	value any
	tag   reflect.Type
	size  int64
}

// entry is one registry slot. The snapshot pointer is the only mutable
// field; it is swapped atomically so readers never block on writers.
type entry struct {
	id        HandleID
	createdAt time.Time
	snap      atomic.Pointer[snapshot]
	reads     atomic.Uint64
	lastRead  atomic.Int64
}

type regShard struct {
	mu      sync.RWMutex
	entries map[HandleID]*entry
}

// ProtectFunc wraps a mutation of a path-bound handle. The Store installs
// one so that direct Update and Delete calls on bound handles serialize
// with the reload pipeline under the same per-path guard.
type ProtectFunc func(ctx context.Context, id HandleID, op func() error) error

// Registry is the concurrent, type-erased store behind every handle.
// Entries live in sharded maps keyed by id; values are immutable snapshots
// swapped by atomic pointer. Reads never block writers and writers never
// block readers; only structural changes (create, delete) take a shard
// write lock.
type Registry struct {
	shards [shardCount]regShard
	nextID atomic.Uint64

	created atomic.Uint64
	active  atomic.Int64
	bytes   atomic.Int64
	hits    atomic.Uint64
	misses  atomic.Uint64

	protect atomic.Pointer[ProtectFunc]

	errMu  sync.Mutex
	caught []error
}

// NewRegistry returns an empty registry ready for use from any goroutine.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].entries = make(map[HandleID]*entry)
	}

	return r
}

func (r *Registry) shard(id HandleID) *regShard {
	return &r.shards[uint64(id)&(shardCount-1)]
}

// insert allocates a fresh id and stores the snapshot under it.
func (r *Registry) insert(snap *snapshot) HandleID {
	id := HandleID(r.nextID.Add(1))
	e := &entry{id: id, createdAt: time.Now()}
	e.snap.Store(snap)

	s := r.shard(id)
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()

	r.created.Add(1)
	r.active.Add(1)
	r.bytes.Add(snap.size)

	return id
}

func (r *Registry) lookup(id HandleID) (*entry, bool) {
	s := r.shard(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()

	return e, ok
}

// replace installs next as the entry's snapshot when the type tags match.
// It runs under the shard read lock: the map is not mutated, so concurrent
// readers proceed, while delete is excluded until the swap lands.
func (r *Registry) replace(op string, id HandleID, next *snapshot) (*snapshot, error) {
	s := r.shard(id)
	s.mu.RLock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.RUnlock()
		r.misses.Add(1)

		return nil, errs.InvalidHandle(op, id)
	}

	for {
		old := e.snap.Load()
		if old.tag != next.tag {
			s.mu.RUnlock()
			r.misses.Add(1)

			return nil, errs.WrongType(op, id, typeName(next.tag), typeName(old.tag))
		}
		if e.snap.CompareAndSwap(old, next) {
			s.mu.RUnlock()
			r.bytes.Add(next.size - old.size)

			return old, nil
		}
	}
}

// removeTyped deletes the entry, returning its last snapshot. A non-nil
// want type must match the stored tag, so a wrong-typed handle cannot
// delete a live entry.
func (r *Registry) removeTyped(op string, id HandleID, want reflect.Type) (*snapshot, error) {
	s := r.shard(id)
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		r.misses.Add(1)

		return nil, errs.InvalidHandle(op, id)
	}
	snap := e.snap.Load()
	if want != nil && snap.tag != want {
		s.mu.Unlock()
		r.misses.Add(1)

		return nil, errs.WrongType(op, id, typeName(want), typeName(snap.tag))
	}
	delete(s.entries, id)
	s.mu.Unlock()

	r.active.Add(-1)
	r.bytes.Add(-snap.size)

	return snap, nil
}

// Swap replaces the value of an existing entry and returns the prior
// snapshot as an opaque token. The value must be the same pointer type the
// entry was created with. This is the erased write path used by the reload
// pipeline; typed callers use Handle.Update.
func (r *Registry) Swap(id HandleID, value any) (any, error) {
	next := &snapshot{value: value, tag: reflect.TypeOf(value), size: approxSize(value)}

	prev, err := r.replace("registry.swap", id, next)
	if err != nil {
		return nil, err
	}

	return prev, nil
}

// Upsert behaves like Swap but recreates the entry when it is absent. Only
// ids the registry has issued can be recreated; the id counter is never
// rewound. A nil token is returned when nothing was displaced.
func (r *Registry) Upsert(id HandleID, value any) (any, error) {
	const op = "registry.upsert"
	if id == 0 || uint64(id) > r.nextID.Load() {
		return nil, errs.InvalidHandle(op, id)
	}

	next := &snapshot{value: value, tag: reflect.TypeOf(value), size: approxSize(value)}

	s := r.shard(id)
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{id: id, createdAt: time.Now()}
		e.snap.Store(next)
		s.entries[id] = e
		s.mu.Unlock()

		r.active.Add(1)
		r.bytes.Add(next.size)

		return nil, nil
	}

	old := e.snap.Load()
	if old.tag != next.tag {
		s.mu.Unlock()
		r.misses.Add(1)

		return nil, errs.WrongType(op, id, typeName(next.tag), typeName(old.tag))
	}
	e.snap.Store(next)
	s.mu.Unlock()

	r.bytes.Add(next.size - old.size)

	return old, nil
}

// Remove deletes the entry and returns its last snapshot as an opaque
// token. This is the erased delete path; typed callers use Handle.Delete.
func (r *Registry) Remove(id HandleID) (any, error) {
	prev, err := r.removeTyped("registry.remove", id, nil)
	if err != nil {
		return nil, err
	}

	return prev, nil
}

// Restore reinstates a snapshot token previously returned by Swap, Upsert
// or Remove for the same entry, recreating the entry if the restore
// crosses a delete. The reload pipeline uses it to roll back.
func (r *Registry) Restore(id HandleID, token any) error {
	const op = "registry.restore"
	snap, ok := token.(*snapshot)
	if !ok || snap == nil {
		return errs.New(errs.CodeInternal, op, "token is not a registry snapshot")
	}
	if id == 0 || uint64(id) > r.nextID.Load() {
		return errs.InvalidHandle(op, id)
	}

	s := r.shard(id)
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		e = &entry{id: id, createdAt: time.Now()}
		e.snap.Store(snap)
		s.entries[id] = e
		s.mu.Unlock()

		r.active.Add(1)
		r.bytes.Add(snap.size)

		return nil
	}

	old := e.snap.Load()
	e.snap.Store(snap)
	s.mu.Unlock()

	r.bytes.Add(snap.size - old.size)

	return nil
}

// Contains reports whether the entry is live.
func (r *Registry) Contains(id HandleID) bool {
	_, ok := r.lookup(id)

	return ok
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}

	return n
}

// IDs returns the live entry ids in ascending order.
func (r *Registry) IDs() []HandleID {
	var ids []HandleID
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for id := range s.entries {
			ids = append(ids, id)
		}
		s.mu.RUnlock()
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Info returns metadata for one live entry.
func (r *Registry) Info(id HandleID) (EntryInfo, bool) {
	e, ok := r.lookup(id)
	if !ok {
		return EntryInfo{}, false
	}
	snap := e.snap.Load()

	info := EntryInfo{
		ID:        e.id,
		Type:      typeName(snap.tag),
		Size:      snap.size,
		CreatedAt: e.createdAt,
		Reads:     e.reads.Load(),
	}
	if nanos := e.lastRead.Load(); nanos != 0 {
		info.LastRead = time.Unix(0, nanos)
	}

	return info, true
}

// Clear deletes every entry and returns how many were removed.
func (r *Registry) Clear() int {
	removed := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, e := range s.entries {
			snap := e.snap.Load()
			r.bytes.Add(-snap.size)
			delete(s.entries, id)
			removed++
		}
		s.mu.Unlock()
	}
	r.active.Add(int64(-removed))

	return removed
}

// Stats returns a point-in-time counter snapshot. It never blocks beyond
// brief atomic reads.
func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Created: r.created.Load(),
		Active:  r.active.Load(),
		Bytes:   r.bytes.Load(),
		Hits:    r.hits.Load(),
		Misses:  r.misses.Load(),
	}
}

// SetProtection installs the hook that wraps mutations of path-bound
// handles. nil removes the hook. Mutations on unbound handles run the
// operation directly.
func (r *Registry) SetProtection(fn ProtectFunc) {
	if fn == nil {
		r.protect.Store(nil)

		return
	}
	r.protect.Store(&fn)
}

func (r *Registry) protected(ctx context.Context, id HandleID, op func() error) error {
	if p := r.protect.Load(); p != nil {
		return (*p)(ctx, id, op)
	}

	return op()
}

// Catch records a non-fatal error for later inspection. The reload
// pipeline catches per-change failures here so callers polling HasErrors
// can notice trouble without consuming update results. The buffer is
// bounded; oldest errors are dropped first.
func (r *Registry) Catch(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if len(r.caught) >= maxCaught {
		copy(r.caught, r.caught[1:])
		r.caught = r.caught[:maxCaught-1]
	}
	r.caught = append(r.caught, err)
	r.errMu.Unlock()
}

// HasErrors reports whether any caught errors are pending.
func (r *Registry) HasErrors() bool {
	r.errMu.Lock()
	defer r.errMu.Unlock()

	return len(r.caught) > 0
}

// Errors returns a copy of the caught errors without clearing them.
func (r *Registry) Errors() []error {
	r.errMu.Lock()
	defer r.errMu.Unlock()

	out := make([]error, len(r.caught))
	copy(out, r.caught)

	return out
}

// Flush returns the caught errors and clears the buffer.
func (r *Registry) Flush() []error {
	r.errMu.Lock()
	defer r.errMu.Unlock()

	out := r.caught
	r.caught = nil

	return out
}

// typeName renders a tag for error messages, unwrapping the storage
// pointer so callers see the type they named.
func typeName(t reflect.Type) string {
	if t == nil {
		return "<nil>"
	}
	if t.Kind() == reflect.Pointer {
		return t.Elem().String()
	}

	return t.String()
}

// approxSize estimates the bytes held by a stored value. The estimate is
// shallow: it adds the direct lengths of top-level strings, slices and
// maps but does not chase nested heap data.
func approxSize(value any) int64 {
	v := reflect.ValueOf(value)
	if !v.IsValid() {
		return 0
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return int64(v.Type().Size())
		}
		v = v.Elem()
	}

	size := int64(v.Type().Size())
	switch v.Kind() {
	case reflect.String:
		size += int64(v.Len())
	case reflect.Slice:
		if !v.IsNil() {
			size += int64(v.Len()) * int64(v.Type().Elem().Size())
		}
	case reflect.Map:
		if !v.IsNil() {
			size += int64(v.Len()) * (int64(v.Type().Key().Size()) + int64(v.Type().Elem().Size()))
		}
	}

	return size
}
