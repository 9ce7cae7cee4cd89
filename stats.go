package conflux

import "time"

// RegistryStats is an aggregate counter snapshot for one registry. Created
// counts every handle ever issued; Active counts live entries. Bytes is a
// shallow memory estimate. Hits and Misses count typed accesses that
// succeeded and failed respectively.
type RegistryStats struct {
	Created uint64 `json:"created"`
	Active  int64  `json:"active"`
	Bytes   int64  `json:"bytes"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

// EntryInfo is metadata for one live registry entry.
type EntryInfo struct {
	ID        HandleID  `json:"id"`
	Type      string    `json:"type"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	LastRead  time.Time `json:"last_read"`
	Reads     uint64    `json:"reads"`
}

// WatcherStats describes the watcher backend in use and how many raw
// events it dropped because the pipeline fell behind.
type WatcherStats struct {
	Backend   string        `json:"backend"`
	Recursive bool          `json:"recursive"`
	Latency   time.Duration `json:"latency"`
	Dropped   uint64        `json:"dropped"`
}

// DetectorStats counts change-detector decisions. Suppressed counts events
// confirmed to be metadata-only touches.
type DetectorStats struct {
	Tracked        int    `json:"tracked"`
	Confirmed      uint64 `json:"confirmed"`
	Suppressed     uint64 `json:"suppressed"`
	CacheHits      uint64 `json:"cache_hits"`
	CacheMisses    uint64 `json:"cache_misses"`
	CacheEvictions uint64 `json:"cache_evictions"`
}

// DebounceStats counts batches emitted and raw changes absorbed into them.
// Pending is the number of paths with unflushed changes; Priority the
// number of paths in the shorter debounce class.
type DebounceStats struct {
	Pending  int    `json:"pending"`
	Priority int    `json:"priority"`
	Emitted  uint64 `json:"emitted"`
	Absorbed uint64 `json:"absorbed"`
}

// GuardStats counts race-guard outcomes.
type GuardStats struct {
	ActiveLocks   int    `json:"active_locks"`
	Conflicts     uint64 `json:"conflicts"`
	LockTimeouts  uint64 `json:"lock_timeouts"`
	OpTimeouts    uint64 `json:"op_timeouts"`
	GlobalRejects uint64 `json:"global_rejects"`
	Reclaimed     uint64 `json:"reclaimed"`
}

// UpdaterStats counts applied batches and their per-handle outcomes.
type UpdaterStats struct {
	Batches uint64 `json:"batches"`
	Applied uint64 `json:"applied"`
	Failed  uint64 `json:"failed"`
	Records int    `json:"records"`
}

// StoreStats aggregates the counters of every pipeline stage behind one
// Store.
type StoreStats struct {
	Registry RegistryStats `json:"registry"`
	Version  uint64        `json:"version"`
	Bindings int           `json:"bindings"`
	Watcher  WatcherStats  `json:"watcher"`
	Detector DetectorStats `json:"detector"`
	Debounce DebounceStats `json:"debounce"`
	Guard    GuardStats    `json:"guard"`
	Updater  UpdaterStats  `json:"updater"`
}
