//go:build property
// +build property

package conflux

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestRegistryProperties checks registry invariants over generated
// workloads.
func TestRegistryProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	// Property: issued ids are unique and strictly increasing
	properties.Property("ids unique and increasing", prop.ForAll(
		func(n int) bool {
			r := NewRegistry()
			var last HandleID
			for i := 0; i < n; i++ {
				h := Create(r, i)
				if h.ID() <= last {
					return false
				}
				last = h.ID()
			}

			return r.Len() == n
		},
		gen.IntRange(1, 50),
	))

	// Property: a read returns exactly what was last written
	properties.Property("last write wins", prop.ForAll(
		func(first string, rest []string) bool {
			r := NewRegistry()
			h := Create(r, first)

			want := first
			for _, v := range rest {
				if err := h.Update(context.Background(), v); err != nil {
					return false
				}
				want = v
			}

			got, err := h.Read()

			return err == nil && *got == want
		},
		gen.AlphaString(),
		gen.SliceOf(gen.AlphaString()),
	))

	// Property: deleting one handle never touches its neighbors
	properties.Property("delete is isolated", prop.ForAll(
		func(n int, pick int) bool {
			r := NewRegistry()
			handles := make([]Handle[int], n)
			for i := range handles {
				handles[i] = Create(r, i)
			}

			victim := pick % n
			if _, err := handles[victim].Delete(context.Background()); err != nil {
				return false
			}

			for i, h := range handles {
				got, err := h.Read()
				if i == victim {
					if err == nil {
						return false
					}

					continue
				}
				if err != nil || *got != i {
					return false
				}
			}

			return r.Len() == n-1 && r.Stats().Active == int64(n-1)
		},
		gen.IntRange(2, 20),
		gen.IntRange(0, 1<<20),
	))

	// Property: byte accounting drains to zero when everything is deleted
	properties.Property("bytes drain to zero", prop.ForAll(
		func(values []string) bool {
			r := NewRegistry()
			handles := make([]Handle[string], len(values))
			for i, v := range values {
				handles[i] = Create(r, v)
			}
			for _, h := range handles {
				if _, err := h.Delete(context.Background()); err != nil {
					return false
				}
			}
			stats := r.Stats()

			return stats.Active == 0 && stats.Bytes == 0
		},
		gen.SliceOf(gen.AlphaString()),
	))

	// Property: a removal token restores the entry across the delete
	properties.Property("restore round trips", prop.ForAll(
		func(value string) bool {
			r := NewRegistry()
			h := Create(r, value)

			token, err := r.Remove(h.ID())
			if err != nil || r.Contains(h.ID()) {
				return false
			}
			if err := r.Restore(h.ID(), token); err != nil {
				return false
			}

			got, err := h.Read()

			return err == nil && *got == value
		},
		gen.AlphaString(),
	))

	// Property: erased writes cannot change an entry's type
	properties.Property("swap is type safe", prop.ForAll(
		func(s string, i int) bool {
			r := NewRegistry()
			h := Create(r, s)

			wrong := &i
			if _, err := r.Swap(h.ID(), wrong); err == nil {
				return false
			}

			got, err := h.Read()

			return err == nil && *got == s
		},
		gen.AlphaString(),
		gen.Int(),
	))

	properties.TestingRun(t)
}
