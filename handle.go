package conflux

import (
	"context"
	"reflect"
	"time"

	errs "github.com/conneroisu/conflux/internal/errors"
)

// Handle is the typed capability for one registry entry. It is a small
// value, an id plus a registry pointer, so copies are cheap and safe to
// share across goroutines. A handle outlives its entry: after Delete, the
// handle value still exists and every operation on it returns a
// CodeInvalidHandle error rather than panicking.
type Handle[T any] struct {
	id  HandleID
	reg *Registry
}

// Create registers data under a fresh id and returns its handle. Create
// never fails.
func Create[T any](r *Registry, data T) Handle[T] {
	return createFrom(r, &data)
}

// createFrom stores an already-built *T without copying it.
func createFrom[T any](r *Registry, v *T) Handle[T] {
	id := r.insert(&snapshot{value: v, tag: reflect.TypeOf(v), size: approxSize(v)})

	return Handle[T]{id: id, reg: r}
}

// HandleFor rebinds a typed handle to an existing entry, verifying that
// the stored value is a T. It is how a handle is reconstructed from a bare
// id, for example one carried over an API boundary.
func HandleFor[T any](r *Registry, id HandleID) (Handle[T], error) {
	const op = "registry.handle_for"
	e, ok := r.lookup(id)
	if !ok {
		r.misses.Add(1)

		return Handle[T]{}, errs.InvalidHandle(op, id)
	}
	snap := e.snap.Load()
	if _, ok := snap.value.(*T); !ok {
		r.misses.Add(1)

		return Handle[T]{}, errs.WrongType(op, id,
			typeName(reflect.TypeOf((*T)(nil))), typeName(snap.tag))
	}

	return Handle[T]{id: id, reg: r}, nil
}

// ID returns the handle's identifier.
func (h Handle[T]) ID() HandleID {
	return h.id
}

// Valid reports whether the handle's entry is currently live.
func (h Handle[T]) Valid() bool {
	return h.reg != nil && h.reg.Contains(h.id)
}

// Read returns the current snapshot. The pointer is shared with every
// other reader of the same snapshot; treat the value as immutable. Read
// never blocks on writers: a concurrent Update installs a new snapshot
// without touching the one a reader already holds.
func (h Handle[T]) Read() (*T, error) {
	const op = "handle.read"
	if h.reg == nil {
		return nil, errs.InvalidHandle(op, h.id)
	}

	e, ok := h.reg.lookup(h.id)
	if !ok {
		h.reg.misses.Add(1)

		return nil, errs.InvalidHandle(op, h.id)
	}

	snap := e.snap.Load()
	p, ok := snap.value.(*T)
	if !ok {
		h.reg.misses.Add(1)

		return nil, errs.WrongType(op, h.id,
			typeName(reflect.TypeOf((*T)(nil))), typeName(snap.tag))
	}

	e.reads.Add(1)
	e.lastRead.Store(time.Now().UnixNano())
	h.reg.hits.Add(1)

	return p, nil
}

// Update replaces the stored value with data. Readers holding the old
// snapshot are unaffected; new reads observe the new value. When the
// handle is bound to a path, the write serializes with the reload pipeline
// under the path's guard, which is why Update takes a context.
func (h Handle[T]) Update(ctx context.Context, data T) error {
	const op = "handle.update"
	if h.reg == nil {
		return errs.InvalidHandle(op, h.id)
	}

	return h.reg.protected(ctx, h.id, func() error {
		v := &data
		next := &snapshot{value: v, tag: reflect.TypeOf(v), size: approxSize(v)}
		_, err := h.reg.replace(op, h.id, next)

		return err
	})
}

// Delete removes the entry and returns the last stored value. Deletion is
// explicit: dropping handle values never deletes anything. Like Update,
// deletion of a path-bound handle serializes under the path's guard.
func (h Handle[T]) Delete(ctx context.Context) (T, error) {
	const op = "handle.delete"
	var out T
	if h.reg == nil {
		return out, errs.InvalidHandle(op, h.id)
	}

	err := h.reg.protected(ctx, h.id, func() error {
		snap, derr := h.reg.removeTyped(op, h.id, reflect.TypeOf((*T)(nil)))
		if derr != nil {
			return derr
		}
		out = *snap.value.(*T)

		return nil
	})
	if err != nil {
		var zero T

		return zero, err
	}

	return out, nil
}
