// Package detector confirms raw watch events against a fingerprint table.
// The table is the single source of truth for what was last observed per
// path; events that do not change the observable state (duplicate
// notifications, metadata-only touches, rewrites with identical bytes) are
// suppressed before they reach the debouncer.
package detector

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/conneroisu/conflux/internal/logging"
	"github.com/conneroisu/conflux/internal/types"
)

// maxHashSize is a hard ceiling on content hashing regardless of
// configuration, so an ambiguous stat on a huge file never swallows the
// process in one read.
const maxHashSize = 64 << 20

// Config tunes detection. Zero values get defaults.
type Config struct {
	// HashThreshold is the size at or below which file content is hashed.
	// Files above it are trusted on size/mtime alone unless the metadata is
	// ambiguous. <=0 uses 1 MiB.
	HashThreshold int64
	// CacheSize bounds the LRU hash cache entry count. <=0 uses 512.
	CacheSize int
	// DisableHashing turns content hashing off entirely; detection then
	// relies on size/mtime only.
	DisableHashing bool
	// IgnorePatterns are base-name patterns filtered before any stat.
	// nil uses DefaultIgnorePatterns; an empty non-nil slice disables
	// filtering.
	IgnorePatterns []string
	// Hash overrides the content hash. nil uses SHA-256.
	Hash  func([]byte) []byte
	Clock types.Clock
	Log   logging.Logger
}

// Detector turns stat observations into confirmed FileChanges.
type Detector struct {
	threshold int64
	disabled  bool
	ignore    []string
	hash      func([]byte) []byte
	clock     types.Clock
	log       logging.Logger

	mu     sync.Mutex
	prints map[string]types.Fingerprint
	cache  *hashCache

	confirmed  atomic.Uint64
	suppressed atomic.Uint64
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Tracked        int
	Confirmed      uint64
	Suppressed     uint64
	CacheHits      uint64
	CacheMisses    uint64
	CacheEvictions uint64
}

// New builds a detector.
func New(cfg Config) *Detector {
	threshold := cfg.HashThreshold
	if threshold <= 0 {
		threshold = 1 << 20
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = 512
	}
	hash := cfg.Hash
	if hash == nil {
		hash = func(data []byte) []byte {
			sum := sha256.Sum256(data)

			return sum[:]
		}
	}
	ignore := cfg.IgnorePatterns
	if ignore == nil {
		ignore = DefaultIgnorePatterns
	}
	clock := cfg.Clock
	if clock == nil {
		clock = types.SystemClock()
	}
	log := cfg.Log
	if log == nil {
		log = logging.Discard()
	}

	return &Detector{
		threshold: threshold,
		disabled:  cfg.DisableHashing,
		ignore:    ignore,
		hash:      hash,
		clock:     clock,
		log:       log.WithComponent("detector"),
		prints:    make(map[string]types.Fingerprint),
		cache:     newHashCache(cacheSize),
	}
}

// Track primes the fingerprint for a path so the next event diffs against
// the current disk state instead of reporting a spurious create. A missing
// file is fine; creation will be detected later.
func (d *Detector) Track(path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}

	fp := d.fingerprint(path, info, false)

	d.mu.Lock()
	d.prints[path] = fp
	d.mu.Unlock()
}

// Forget drops all state for a path.
func (d *Detector) Forget(path string) {
	d.mu.Lock()
	delete(d.prints, path)
	d.cache.remove(path)
	d.mu.Unlock()
}

// Inspect confirms or suppresses one raw event. The event kind is advisory;
// the decision is made against the filesystem and the fingerprint table.
func (d *Detector) Inspect(ev types.WatchEvent) (types.FileChange, bool) {
	return d.check(ev.Path)
}

// Scan diffs every given path against the table and returns all confirmed
// changes, ordered for apply. It is the poll-mode entry point and needs no
// watcher at all.
func (d *Detector) Scan(paths []string) []types.FileChange {
	var changes []types.FileChange
	for _, path := range paths {
		if change, ok := d.check(path); ok {
			changes = append(changes, change)
		}
	}
	types.OrderChanges(changes)

	return changes
}

// Stats returns the counter snapshot.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	tracked := len(d.prints)
	d.mu.Unlock()

	hits, misses, evictions := d.cache.counters()

	return Stats{
		Tracked:        tracked,
		Confirmed:      d.confirmed.Load(),
		Suppressed:     d.suppressed.Load(),
		CacheHits:      hits,
		CacheMisses:    misses,
		CacheEvictions: evictions,
	}
}

func (d *Detector) check(path string) (types.FileChange, bool) {
	if ignored(filepath.Base(path), d.ignore) {
		return types.FileChange{}, false
	}

	info, err := os.Stat(path)
	exists := err == nil && !info.IsDir()
	now := d.clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	prev, known := d.prints[path]

	switch {
	case !exists && !known:
		return types.FileChange{}, false

	case !exists && known:
		delete(d.prints, path)
		d.cache.remove(path)
		d.confirmed.Add(1)

		return types.FileChange{
			Path:     path,
			Kind:     types.ChangeDeleted,
			PrevSize: prev.Size,
			ModTime:  prev.ModTime,
			At:       now,
		}, true

	case exists && !known:
		d.prints[path] = d.fingerprint(path, info, false)
		d.confirmed.Add(1)

		return types.FileChange{
			Path:    path,
			Kind:    types.ChangeCreated,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			At:      now,
		}, true
	}

	cur := types.Fingerprint{Size: info.Size(), ModTime: info.ModTime()}
	if cur.SameMeta(prev) {
		d.suppressed.Add(1)

		return types.FileChange{}, false
	}

	// Same size with a new mtime is ambiguous: only the content can tell a
	// touch from a rewrite.
	ambiguous := cur.Size == prev.Size
	fp := d.fingerprint(path, info, ambiguous)

	if fp.Sum != nil && prev.Sum != nil && bytes.Equal(fp.Sum, prev.Sum) {
		d.prints[path] = fp
		d.suppressed.Add(1)

		return types.FileChange{}, false
	}

	d.prints[path] = fp
	d.confirmed.Add(1)

	return types.FileChange{
		Path:     path,
		Kind:     types.ChangeModified,
		Size:     info.Size(),
		PrevSize: prev.Size,
		ModTime:  info.ModTime(),
		At:       now,
	}, true
}

// fingerprint builds the observation for path. Content is hashed when the
// file is small enough, or when force is set because metadata alone cannot
// decide, always below the hard ceiling.
func (d *Detector) fingerprint(path string, info os.FileInfo, force bool) types.Fingerprint {
	fp := types.Fingerprint{Size: info.Size(), ModTime: info.ModTime()}

	if d.disabled || info.Size() > maxHashSize {
		return fp
	}
	if !force && info.Size() > d.threshold {
		return fp
	}

	sum, err := d.hashFile(path, info)
	if err != nil {
		d.log.Debug(context.Background(), "hash failed", "path", path, "error", err.Error())

		return fp
	}
	fp.Sum = sum

	return fp
}

// hashFile returns the content hash, consulting the cache first. The cache
// key is metadata-derived so an unchanged file is never re-read.
func (d *Detector) hashFile(path string, info os.FileInfo) ([]byte, error) {
	metaKey := fmt.Sprintf("%s:%d:%d", path, info.ModTime().UnixNano(), info.Size())

	if sum, ok := d.cache.get(path, metaKey); ok {
		return sum, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	sum := d.hash(data)
	d.cache.put(path, metaKey, sum)

	return sum, nil
}
