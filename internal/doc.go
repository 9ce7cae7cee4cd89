// Package internal contains the core implementation packages for conflux.
//
// This package follows Go's internal package convention, making these
// packages unavailable for import by external modules while providing
// the reload pipeline behind the public store API.
//
// # Package Organization
//
// The internal packages are organized by functional domain:
//
//   - debounce: Change batching with quiet windows and priority overrides
//   - detector: Metadata and content-hash change detection
//   - errors: Coded errors shared across the pipeline
//   - guard: Per-path locking and global concurrency limits
//   - logging: Structured logging facade over slog
//   - parse: Format parsers selected by file extension
//   - server: HTTP endpoints, WebSocket fan-out, and middleware
//   - types: Change, batch, and result types shared by the pipeline
//   - updater: Batch application with validation, rollback, and history
//   - version: Build identity stamped at link time
//   - watcher: File monitoring over fsnotify with a polling fallback
//
// # Inter-Package Communication
//
// Packages communicate through well-defined interfaces:
//
//   - Watcher emits raw file events and knows nothing downstream
//   - Detector classifies events into created, modified, and deleted changes
//   - Debouncer absorbs bursts and releases ordered batches
//   - Guard serializes appliers racing for the same path
//   - Updater applies batches to the registry and records the outcome
//   - Server observes a running store through a narrow read surface
//
// # Performance Considerations
//
// Key optimizations include:
//
//   - Metadata-first comparison so unchanged files never get hashed
//   - An LRU over content hashes keyed by path, size, and mtime
//   - Debounced batching to keep rewrite storms from thrashing appliers
//   - Non-blocking subscriber sends so slow consumers cannot stall applies
//
// For detailed documentation, see the individual package documentation.
package internal
