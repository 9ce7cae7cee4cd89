// Package watcher turns filesystem activity into a stream of raw
// WatchEvents. Two backends implement the same interface: a native one on
// fsnotify and a polling one for filesystems where native notification is
// unavailable or unreliable. Callers inspect Capabilities to learn what the
// active backend guarantees.
package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/conneroisu/conflux/internal/logging"
	"github.com/conneroisu/conflux/internal/types"
)

// Capabilities describes what the active backend guarantees.
type Capabilities struct {
	// Recursive is true when one Add covers an entire subtree.
	Recursive bool
	// ReportsRenames is true when the backend distinguishes renames from
	// delete/create pairs.
	ReportsRenames bool
	// Native is true for OS notification APIs, false for polling.
	Native bool
	// Latency is the worst-case detection delay the backend introduces.
	Latency time.Duration
}

// Watcher is the event source consumed by the reload pipeline. Closing the
// watcher closes the Events channel; a closed channel is the end-of-stream
// signal.
type Watcher interface {
	Add(path string) error
	Remove(path string) error
	Events() <-chan types.WatchEvent
	Capabilities() Capabilities
	// Dropped counts events discarded because the channel was full.
	Dropped() uint64
	Close() error
}

// Mode selects a backend.
type Mode int

const (
	// ModeAuto tries the native backend and falls back to polling.
	ModeAuto Mode = iota
	// ModeNative requires fsnotify.
	ModeNative
	// ModePoll forces interval polling.
	ModePoll
)

// Config tunes backend construction. Zero values get defaults.
type Config struct {
	// Coalesce absorbs duplicate OS events for the same path inside this
	// window. Bounded to 100ms; 0 uses the default 25ms.
	Coalesce time.Duration
	// PollInterval is the sweep interval for the polling backend.
	PollInterval time.Duration
	// Buffer is the event channel capacity.
	Buffer int
	Log    logging.Logger
	Clock  types.Clock
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Coalesce == 0 {
		out.Coalesce = 25 * time.Millisecond
	}
	if out.Coalesce > 100*time.Millisecond {
		out.Coalesce = 100 * time.Millisecond
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 500 * time.Millisecond
	}
	if out.Buffer <= 0 {
		out.Buffer = 256
	}
	if out.Log == nil {
		out.Log = logging.Discard()
	}
	if out.Clock == nil {
		out.Clock = types.SystemClock()
	}

	return out
}

// New builds a watcher for the requested mode.
func New(mode Mode, cfg Config) (Watcher, error) {
	switch mode {
	case ModeNative:
		return NewFS(cfg)
	case ModePoll:
		return NewPoll(cfg), nil
	case ModeAuto:
		w, err := NewFS(cfg)
		if err != nil {
			c := cfg.withDefaults()
			c.Log.Warn(context.Background(), err, "native watcher unavailable, falling back to polling")

			return NewPoll(cfg), nil
		}

		return w, nil
	default:
		return nil, fmt.Errorf("unknown watch mode %d", mode)
	}
}
