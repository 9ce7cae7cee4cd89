// Package metrics exposes store statistics as Prometheus metrics. The
// collector pulls a StoreStats snapshot on every scrape, so nothing in the
// hot path pays for instrumentation.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	conflux "github.com/conneroisu/conflux"
)

// StatsSource supplies the snapshot a scrape reports. *conflux.Store
// satisfies it.
type StatsSource interface {
	Stats() conflux.StoreStats
}

// Collector implements prometheus.Collector over a StatsSource.
type Collector struct {
	source StatsSource

	handlesCreated *prometheus.Desc
	handlesActive  *prometheus.Desc
	registryBytes  *prometheus.Desc
	registryReads  *prometheus.Desc
	registryMisses *prometheus.Desc

	storeVersion  *prometheus.Desc
	storeBindings *prometheus.Desc

	watcherInfo    *prometheus.Desc
	watcherLatency *prometheus.Desc
	watcherDropped *prometheus.Desc

	detectorTracked    *prometheus.Desc
	detectorConfirmed  *prometheus.Desc
	detectorSuppressed *prometheus.Desc
	detectorCacheHits  *prometheus.Desc
	detectorCacheMiss  *prometheus.Desc
	detectorEvictions  *prometheus.Desc

	debouncePending  *prometheus.Desc
	debounceEmitted  *prometheus.Desc
	debounceAbsorbed *prometheus.Desc

	guardActive        *prometheus.Desc
	guardConflicts     *prometheus.Desc
	guardLockTimeouts  *prometheus.Desc
	guardOpTimeouts    *prometheus.Desc
	guardGlobalRejects *prometheus.Desc
	guardReclaimed     *prometheus.Desc

	updaterBatches *prometheus.Desc
	updaterApplied *prometheus.Desc
	updaterFailed  *prometheus.Desc
	updaterRecords *prometheus.Desc
}

// NewCollector creates a new Collector reading from source.
func NewCollector(source StatsSource) *Collector {
	fq := func(subsystem, name string) string {
		return prometheus.BuildFQName("conflux", subsystem, name)
	}

	return &Collector{
		source: source,

		handlesCreated: prometheus.NewDesc(
			fq("registry", "handles_created_total"),
			"Handles created since the registry started.",
			nil, nil,
		),
		handlesActive: prometheus.NewDesc(
			fq("registry", "handles_active"),
			"Handles currently live.",
			nil, nil,
		),
		registryBytes: prometheus.NewDesc(
			fq("registry", "bytes"),
			"Approximate bytes held by live configuration values.",
			nil, nil,
		),
		registryReads: prometheus.NewDesc(
			fq("registry", "reads_total"),
			"Successful handle reads.",
			nil, nil,
		),
		registryMisses: prometheus.NewDesc(
			fq("registry", "misses_total"),
			"Operations rejected for an invalid handle or wrong type.",
			nil, nil,
		),

		storeVersion: prometheus.NewDesc(
			fq("store", "version"),
			"Configuration version, incremented once per batch that changed or tried to change state.",
			nil, nil,
		),
		storeBindings: prometheus.NewDesc(
			fq("store", "bindings"),
			"Handles currently bound to files.",
			nil, nil,
		),

		watcherInfo: prometheus.NewDesc(
			fq("watcher", "info"),
			"Watcher backend in use.",
			[]string{"backend", "recursive"}, nil,
		),
		watcherLatency: prometheus.NewDesc(
			fq("watcher", "latency_seconds"),
			"Expected detection latency of the active backend.",
			nil, nil,
		),
		watcherDropped: prometheus.NewDesc(
			fq("watcher", "dropped_total"),
			"Filesystem events discarded because the event channel was full.",
			nil, nil,
		),

		detectorTracked: prometheus.NewDesc(
			fq("detector", "tracked"),
			"Paths with cached state.",
			nil, nil,
		),
		detectorConfirmed: prometheus.NewDesc(
			fq("detector", "confirmed_total"),
			"Events confirmed as real content changes.",
			nil, nil,
		),
		detectorSuppressed: prometheus.NewDesc(
			fq("detector", "suppressed_total"),
			"Events suppressed because content was unchanged.",
			nil, nil,
		),
		detectorCacheHits: prometheus.NewDesc(
			fq("detector", "cache_hits_total"),
			"Inspections answered from cached file state.",
			nil, nil,
		),
		detectorCacheMiss: prometheus.NewDesc(
			fq("detector", "cache_misses_total"),
			"Inspections that had to stat and hash the file.",
			nil, nil,
		),
		detectorEvictions: prometheus.NewDesc(
			fq("detector", "cache_evictions_total"),
			"Tracked paths evicted to bound the cache.",
			nil, nil,
		),

		debouncePending: prometheus.NewDesc(
			fq("debounce", "pending"),
			"Changes waiting in the current window.",
			nil, nil,
		),
		debounceEmitted: prometheus.NewDesc(
			fq("debounce", "batches_emitted_total"),
			"Batches flushed to the updater.",
			nil, nil,
		),
		debounceAbsorbed: prometheus.NewDesc(
			fq("debounce", "events_absorbed_total"),
			"Events collapsed into an already pending change.",
			nil, nil,
		),

		guardActive: prometheus.NewDesc(
			fq("guard", "active_locks"),
			"Per-path locks currently held.",
			nil, nil,
		),
		guardConflicts: prometheus.NewDesc(
			fq("guard", "conflicts_total"),
			"Concurrent modifications detected.",
			nil, nil,
		),
		guardLockTimeouts: prometheus.NewDesc(
			fq("guard", "lock_timeouts_total"),
			"Lock acquisitions abandoned after the wait budget.",
			nil, nil,
		),
		guardOpTimeouts: prometheus.NewDesc(
			fq("guard", "op_timeouts_total"),
			"Guarded operations cancelled for exceeding the run budget.",
			nil, nil,
		),
		guardGlobalRejects: prometheus.NewDesc(
			fq("guard", "global_rejects_total"),
			"Operations rejected by the global concurrency ceiling.",
			nil, nil,
		),
		guardReclaimed: prometheus.NewDesc(
			fq("guard", "reclaimed_total"),
			"Idle path locks reclaimed.",
			nil, nil,
		),

		updaterBatches: prometheus.NewDesc(
			fq("updater", "batches_total"),
			"Batches processed by the updater.",
			nil, nil,
		),
		updaterApplied: prometheus.NewDesc(
			fq("updater", "changes_applied_total"),
			"Changes applied successfully.",
			nil, nil,
		),
		updaterFailed: prometheus.NewDesc(
			fq("updater", "changes_failed_total"),
			"Changes that failed or were rolled back.",
			nil, nil,
		),
		updaterRecords: prometheus.NewDesc(
			fq("updater", "records"),
			"Update records retained in history.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.handlesCreated
	ch <- c.handlesActive
	ch <- c.registryBytes
	ch <- c.registryReads
	ch <- c.registryMisses
	ch <- c.storeVersion
	ch <- c.storeBindings
	ch <- c.watcherInfo
	ch <- c.watcherLatency
	ch <- c.watcherDropped
	ch <- c.detectorTracked
	ch <- c.detectorConfirmed
	ch <- c.detectorSuppressed
	ch <- c.detectorCacheHits
	ch <- c.detectorCacheMiss
	ch <- c.detectorEvictions
	ch <- c.debouncePending
	ch <- c.debounceEmitted
	ch <- c.debounceAbsorbed
	ch <- c.guardActive
	ch <- c.guardConflicts
	ch <- c.guardLockTimeouts
	ch <- c.guardOpTimeouts
	ch <- c.guardGlobalRejects
	ch <- c.guardReclaimed
	ch <- c.updaterBatches
	ch <- c.updaterApplied
	ch <- c.updaterFailed
	ch <- c.updaterRecords
}

// Collect implements prometheus.Collector. One snapshot serves the whole
// scrape so the numbers are mutually consistent.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source.Stats()

	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	counter(c.handlesCreated, float64(s.Registry.Created))
	gauge(c.handlesActive, float64(s.Registry.Active))
	gauge(c.registryBytes, float64(s.Registry.Bytes))
	counter(c.registryReads, float64(s.Registry.Hits))
	counter(c.registryMisses, float64(s.Registry.Misses))

	counter(c.storeVersion, float64(s.Version))
	gauge(c.storeBindings, float64(s.Bindings))

	gauge(c.watcherInfo, 1, s.Watcher.Backend, strconv.FormatBool(s.Watcher.Recursive))
	gauge(c.watcherLatency, s.Watcher.Latency.Seconds())
	counter(c.watcherDropped, float64(s.Watcher.Dropped))

	gauge(c.detectorTracked, float64(s.Detector.Tracked))
	counter(c.detectorConfirmed, float64(s.Detector.Confirmed))
	counter(c.detectorSuppressed, float64(s.Detector.Suppressed))
	counter(c.detectorCacheHits, float64(s.Detector.CacheHits))
	counter(c.detectorCacheMiss, float64(s.Detector.CacheMisses))
	counter(c.detectorEvictions, float64(s.Detector.CacheEvictions))

	gauge(c.debouncePending, float64(s.Debounce.Pending))
	counter(c.debounceEmitted, float64(s.Debounce.Emitted))
	counter(c.debounceAbsorbed, float64(s.Debounce.Absorbed))

	gauge(c.guardActive, float64(s.Guard.ActiveLocks))
	counter(c.guardConflicts, float64(s.Guard.Conflicts))
	counter(c.guardLockTimeouts, float64(s.Guard.LockTimeouts))
	counter(c.guardOpTimeouts, float64(s.Guard.OpTimeouts))
	counter(c.guardGlobalRejects, float64(s.Guard.GlobalRejects))
	counter(c.guardReclaimed, float64(s.Guard.Reclaimed))

	counter(c.updaterBatches, float64(s.Updater.Batches))
	counter(c.updaterApplied, float64(s.Updater.Applied))
	counter(c.updaterFailed, float64(s.Updater.Failed))
	gauge(c.updaterRecords, float64(s.Updater.Records))
}

// Handler returns an HTTP handler serving the source's metrics alongside
// the standard Go runtime collectors, on a private registry so callers do
// not collide with the default one.
func Handler(source StatsSource) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(source),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
