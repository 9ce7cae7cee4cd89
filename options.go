package conflux

import (
	"fmt"
	"log/slog"
	"time"
)

// WatchMode selects the watcher backend of a Store.
type WatchMode int

const (
	// WatchAuto tries the OS notification backend and falls back to
	// polling when it is unavailable.
	WatchAuto WatchMode = iota
	// WatchNative requires the OS notification backend; Open fails when
	// it cannot start.
	WatchNative
	// WatchPoll forces the stat-sweep polling backend.
	WatchPoll
)

// Options configure a Store. The zero value is usable; every field has a
// working default.
type Options struct {
	// Registry is the registry the store writes through. nil creates a
	// fresh one, reachable via Store.Registry.
	Registry *Registry

	// Roots are directories registered with the watcher up front, so
	// files created under them after Open are seen. Binding a file always
	// watches that file regardless of Roots.
	Roots []string

	// WatchMode selects the watcher backend. Default WatchAuto.
	WatchMode WatchMode
	// PollInterval is the sweep period of the polling backend.
	// Default 500ms.
	PollInterval time.Duration
	// Coalesce is the watcher's micro-debounce for raw events, capped at
	// 100ms. Semantic debouncing is DebounceWindow's job.
	Coalesce time.Duration

	// DebounceWindow is the base quiet period a path must hold before its
	// pending changes flush. It grows adaptively for chatty paths, up to
	// DebounceMax. Default 100ms.
	DebounceWindow time.Duration
	// PriorityWindow is the shorter base quiet period for priority paths.
	// Default 25ms.
	PriorityWindow time.Duration
	// DebounceMax caps the adaptive quiet period. Default 1s.
	DebounceMax time.Duration
	// BatchInterval is the minimum spacing between emitted batches.
	// Default 50ms.
	BatchInterval time.Duration
	// PriorityPaths start in the priority debounce class. Paths can also
	// be promoted later with Store.Prioritize.
	PriorityPaths []string

	// HashThreshold is the file size at or below which content is hashed
	// to confirm a change. Larger files are hashed only when metadata
	// alone cannot decide. Default 1MiB.
	HashThreshold int64
	// DisableHashing turns content confirmation off; metadata decides.
	DisableHashing bool
	// IgnorePatterns are glob patterns for transient files the pipeline
	// ignores. nil selects the built-in editor temp-file patterns; an
	// empty non-nil slice disables filtering.
	IgnorePatterns []string
	// HashCacheSize bounds the detector's hash LRU. Default 512.
	HashCacheSize int
	// Hash overrides the content hash used to confirm changes. nil uses
	// SHA-256. The function must be deterministic with a fixed output size.
	Hash func([]byte) []byte

	// GlobalLimit bounds how many guarded updates run at once across all
	// paths. Default 8.
	GlobalLimit int64
	// LockTimeout bounds waiting for a path's exclusive lock. Default 5s.
	LockTimeout time.Duration
	// OpTimeout bounds one guarded update; on expiry the update is
	// abandoned and reported failed. Default 30s.
	OpTimeout time.Duration
	// DisableConflictCheck turns off external-writer detection around
	// guarded updates.
	DisableConflictCheck bool

	// OnConflict decides whether applied work survives a detected
	// external writer. Default ConflictKeep: keep the value, report the
	// conflict.
	OnConflict ConflictPolicy
	// SkipRevalidate disables rerunning Validate under the path lock just
	// before each write. With a validator set, revalidation is on by
	// default so a value vetted during prepare cannot rot before apply.
	SkipRevalidate bool
	// RollbackOnError aborts the whole batch on any failure and restores
	// every value the batch already replaced.
	RollbackOnError bool
	// HistorySize bounds the update record ring. Default 256.
	HistorySize int

	// Parser parses changed files. nil uses NewAutoParser().
	Parser Parser
	// Validate, when set, vets every parsed value before it is applied.
	Validate func(path string, parsed any) error

	// Log receives structured pipeline logs. nil keeps the store silent.
	Log *slog.Logger
	// Clock substitutes the time source, for tests. nil uses the system
	// clock.
	Clock Clock
}

func (o *Options) withDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 100 * time.Millisecond
	}
	if o.PriorityWindow <= 0 {
		o.PriorityWindow = 25 * time.Millisecond
	}
	if o.DebounceMax <= 0 {
		o.DebounceMax = time.Second
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = 50 * time.Millisecond
	}
	if o.HashThreshold <= 0 {
		o.HashThreshold = 1 << 20
	}
	if o.HashCacheSize <= 0 {
		o.HashCacheSize = 512
	}
	if o.GlobalLimit <= 0 {
		o.GlobalLimit = 8
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = 5 * time.Second
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 30 * time.Second
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 256
	}
	if o.Parser == nil {
		o.Parser = NewAutoParser()
	}
}

func (o *Options) validate() error {
	switch o.WatchMode {
	case WatchAuto, WatchNative, WatchPoll:
	default:
		return fmt.Errorf("unknown watch mode %d", o.WatchMode)
	}
	if o.DebounceMax < o.DebounceWindow {
		return fmt.Errorf("debounce max %v below base window %v", o.DebounceMax, o.DebounceWindow)
	}
	if o.OnConflict != ConflictKeep && o.OnConflict != ConflictDiscard {
		return fmt.Errorf("unknown conflict policy %d", o.OnConflict)
	}

	return nil
}
