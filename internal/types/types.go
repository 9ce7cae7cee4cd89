// Package types holds the data types shared across the reload pipeline:
// raw watch events, confirmed file changes, fingerprints, batches, and
// update records. It has no dependencies beyond the standard library so
// every pipeline package can import it freely.
package types

import (
	"sort"
	"time"
)

// HandleID identifies one registry entry. IDs are allocated from an atomic
// counter starting at 1 and are never reused, even after the entry is
// deleted. 0 is never a valid ID.
type HandleID uint64

// EventKind classifies a raw filesystem notification.
type EventKind int

const (
	EventCreated EventKind = iota
	EventModified
	EventDeleted
	EventRenamed
)

// String returns the lowercase name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventModified:
		return "modified"
	case EventDeleted:
		return "deleted"
	case EventRenamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// WatchEvent is one raw, OS-level filesystem notification. Events carry no
// file contents; consumers stat or read the path themselves.
type WatchEvent struct {
	Path string
	Kind EventKind
	At   time.Time
}

// ChangeKind classifies a change confirmed by the change detector. The
// numeric order is the apply order: deletes sort before creates, creates
// before modifies.
type ChangeKind int

const (
	ChangeDeleted ChangeKind = iota
	ChangeCreated
	ChangeModified
)

// String returns the lowercase name of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeDeleted:
		return "deleted"
	case ChangeCreated:
		return "created"
	case ChangeModified:
		return "modified"
	default:
		return "unknown"
	}
}

// FileChange is a change the detector confirmed against its fingerprint
// table. PrevSize is the size recorded before the change; it is zero for
// created files.
type FileChange struct {
	Path     string
	Kind     ChangeKind
	Size     int64
	PrevSize int64
	ModTime  time.Time
	At       time.Time
}

// Fingerprint records what was last observed for a path. Sum is an optional
// content hash; nil means hashing was skipped for this observation.
type Fingerprint struct {
	Size    int64
	ModTime time.Time
	Sum     []byte
}

// SameMeta reports whether size and modification time match.
func (f Fingerprint) SameMeta(other Fingerprint) bool {
	return f.Size == other.Size && f.ModTime.Equal(other.ModTime)
}

// Batch is an ordered group of confirmed changes released by the debouncer
// in one flush. Collapsed counts the raw changes that were absorbed into
// the batch beyond those present in Changes.
type Batch struct {
	Changes   []FileChange
	Collapsed int
	At        time.Time
}

// OrderChanges sorts changes in place into apply order: deletes first, then
// creates, then modifies. The sort is stable so per-path arrival order is
// preserved within each kind.
func OrderChanges(changes []FileChange) {
	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Kind < changes[j].Kind
	})
}

// AppliedChange names one registry write performed while applying a batch.
type AppliedChange struct {
	Path   string
	Handle HandleID
	Kind   ChangeKind
}

// FailedChange names one registry write that could not be performed, with
// the error that stopped it.
type FailedChange struct {
	Path   string
	Handle HandleID
	Kind   ChangeKind
	Err    error
}

// UpdateResult reports the outcome of applying one batch. Partial success
// is first-class: Applied and Failed can both be non-empty. Skipped lists
// paths that had no bound handles. Conflicts lists paths where an external
// writer was detected during the guarded apply.
type UpdateResult struct {
	Version   uint64
	Applied   []AppliedChange
	Failed    []FailedChange
	Skipped   []string
	Conflicts []string
	At        time.Time
}

// UpdateRecord summarizes one applied batch for the bounded history ring.
type UpdateRecord struct {
	Version   uint64
	At        time.Time
	Paths     []string
	HandleIDs []HandleID
	Applied   int
	Failed    int
	Skipped   int
	Err       string
}

// UpdateEvent is the notification fanned out to subscribers after a batch
// is applied.
type UpdateEvent struct {
	Version uint64
	Paths   []string
	Applied int
	Failed  int
	At      time.Time
}

// ConflictPolicy decides what happens to an applied change when an external
// modification is detected on its path during the guarded apply.
type ConflictPolicy int

const (
	// ConflictKeep keeps the applied result and reports the conflict.
	ConflictKeep ConflictPolicy = iota
	// ConflictDiscard restores the prior snapshot and marks the change failed.
	ConflictDiscard
)
