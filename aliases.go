package conflux

import "github.com/conneroisu/conflux/internal/types"

// ChangeKind classifies a confirmed file change. The numeric order is the
// apply order: deletes before creates, creates before modifies.
type ChangeKind = types.ChangeKind

// Change kinds in apply order.
const (
	ChangeDeleted  = types.ChangeDeleted
	ChangeCreated  = types.ChangeCreated
	ChangeModified = types.ChangeModified
)

// FileChange is one confirmed change to a watched file.
type FileChange = types.FileChange

// Batch is an ordered group of confirmed changes applied together.
type Batch = types.Batch

// AppliedChange names one registry write performed while applying a batch.
type AppliedChange = types.AppliedChange

// FailedChange names one registry write that could not be performed.
type FailedChange = types.FailedChange

// UpdateResult reports the outcome of one applied batch. Partial success
// is first-class: Applied and Failed can both be non-empty.
type UpdateResult = types.UpdateResult

// UpdateRecord summarizes one applied batch in the bounded history ring.
type UpdateRecord = types.UpdateRecord

// UpdateEvent is the notification delivered to Subscribe channels after a
// batch is applied.
type UpdateEvent = types.UpdateEvent

// ConflictPolicy decides what happens to applied work when an external
// writer is detected on a path during a guarded update.
type ConflictPolicy = types.ConflictPolicy

// Conflict policies.
const (
	// ConflictKeep keeps the applied value and reports the conflict.
	ConflictKeep = types.ConflictKeep
	// ConflictDiscard restores the prior value and marks the change failed.
	ConflictDiscard = types.ConflictDiscard
)

// Clock abstracts time for deterministic tests.
type Clock = types.Clock
