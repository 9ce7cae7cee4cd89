// Package conflux is an in-process configuration store. Callers register
// typed values and get back lightweight handles; reads return immutable
// snapshots that concurrent updates never tear. A hot-reload pipeline keeps
// registered values live: filesystem events flow through a content-aware
// change detector and an adaptive debouncer into an atomic updater that
// swaps new values into the registry under a per-path race guard.
//
// The registry can be used on its own:
//
//	reg := conflux.NewRegistry()
//	h := conflux.Create(reg, ServerConfig{Port: 8080})
//	cfg, err := h.Read()
//
// or wired to files through a Store, which binds handles to paths and
// applies file changes as atomic, versioned updates:
//
//	store, err := conflux.Open(ctx, conflux.Options{Roots: []string{"./conf"}})
//	h, err := conflux.Bind[ServerConfig](store, "./conf/server.toml")
//
// Values handed out by Read are shared snapshots. Treat them as immutable;
// mutation belongs in Update, which installs a fresh snapshot without
// disturbing readers holding the old one.
package conflux
