package conflux

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_StatsTrackLifecycle(t *testing.T) {
	r := NewRegistry()

	h := Create(r, serverConf{Host: "stat", Port: 1})

	stats := r.Stats()
	assert.Equal(t, uint64(1), stats.Created)
	assert.Equal(t, int64(1), stats.Active)
	assert.Positive(t, stats.Bytes)

	_, err := h.Read()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Stats().Hits)

	_, err = h.Delete(context.Background())
	require.NoError(t, err)

	stats = r.Stats()
	// Created is cumulative; Active and Bytes return to zero.
	assert.Equal(t, uint64(1), stats.Created)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(0), stats.Bytes)
}

func TestRegistry_MissesCounted(t *testing.T) {
	r := NewRegistry()
	h := Create(r, serverConf{})
	_, err := h.Delete(context.Background())
	require.NoError(t, err)

	_, err = h.Read()
	require.Error(t, err)

	assert.Equal(t, uint64(1), r.Stats().Misses)
}

func TestRegistry_ByteAccountingFollowsUpdates(t *testing.T) {
	r := NewRegistry()
	// The estimate is shallow, so a top-level string makes the growth
	// observable byte for byte.
	h := Create(r, strings.Repeat("a", 5))

	before := r.Stats().Bytes

	require.NoError(t, h.Update(context.Background(), strings.Repeat("a", 50)))

	assert.Equal(t, before+45, r.Stats().Bytes)
}

func TestRegistry_ContainsLenIDs(t *testing.T) {
	r := NewRegistry()

	h1 := Create(r, serverConf{Host: "1"})
	h2 := Create(r, serverConf{Host: "2"})
	h3 := Create(r, serverConf{Host: "3"})

	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []HandleID{h1.ID(), h2.ID(), h3.ID()}, r.IDs())

	_, err := h2.Delete(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []HandleID{h1.ID(), h3.ID()}, r.IDs())
	assert.True(t, r.Contains(h1.ID()))
	assert.False(t, r.Contains(h2.ID()))
}

func TestRegistry_InfoReportsEntryMetadata(t *testing.T) {
	r := NewRegistry()
	h := Create(r, serverConf{Host: "meta"})

	info, ok := r.Info(h.ID())
	require.True(t, ok)
	assert.Equal(t, h.ID(), info.ID)
	assert.Contains(t, info.Type, "serverConf")
	assert.Positive(t, info.Size)
	assert.False(t, info.CreatedAt.IsZero())
	assert.Zero(t, info.Reads)
	assert.True(t, info.LastRead.IsZero())

	_, err := h.Read()
	require.NoError(t, err)

	info, ok = r.Info(h.ID())
	require.True(t, ok)
	assert.Equal(t, uint64(1), info.Reads)
	assert.False(t, info.LastRead.IsZero())

	_, ok = r.Info(9999)
	assert.False(t, ok)
}

func TestRegistry_ClearRemovesEverything(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < 5; i++ {
		Create(r, serverConf{Host: fmt.Sprintf("h%d", i)})
	}

	removed := r.Clear()

	assert.Equal(t, 5, removed)
	assert.Equal(t, 0, r.Len())
	stats := r.Stats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(0), stats.Bytes)
	// History of issuance is preserved.
	assert.Equal(t, uint64(5), stats.Created)
}

func TestRegistry_SwapErasedPath(t *testing.T) {
	r := NewRegistry()
	h := Create(r, serverConf{Host: "erased", Port: 1})

	prev, err := r.Swap(h.ID(), &serverConf{Host: "swapped", Port: 2})
	require.NoError(t, err)
	require.NotNil(t, prev)

	got, err := h.Read()
	require.NoError(t, err)
	assert.Equal(t, "swapped", got.Host)
}

func TestRegistry_SwapRejectsWrongType(t *testing.T) {
	r := NewRegistry()
	h := Create(r, serverConf{Host: "typed"})

	_, err := r.Swap(h.ID(), &dbConf{DSN: "nope"})
	assert.True(t, IsCode(err, CodeWrongType))

	// The stored value is untouched.
	got, rerr := h.Read()
	require.NoError(t, rerr)
	assert.Equal(t, "typed", got.Host)
}

func TestRegistry_SwapUnknownID(t *testing.T) {
	r := NewRegistry()

	_, err := r.Swap(42, &serverConf{})
	assert.True(t, IsCode(err, CodeInvalidHandle))
}

func TestRegistry_UpsertRecreatesIssuedID(t *testing.T) {
	r := NewRegistry()
	h := Create(r, serverConf{Host: "original"})
	id := h.ID()

	_, err := r.Remove(id)
	require.NoError(t, err)
	assert.False(t, r.Contains(id))

	prev, err := r.Upsert(id, &serverConf{Host: "recreated"})
	require.NoError(t, err)
	assert.Nil(t, prev)

	got, err := h.Read()
	require.NoError(t, err)
	assert.Equal(t, "recreated", got.Host)
}

func TestRegistry_UpsertRefusesUnissuedID(t *testing.T) {
	r := NewRegistry()
	Create(r, serverConf{})

	// Only ids the registry has handed out can be recreated.
	_, err := r.Upsert(100, &serverConf{})
	assert.True(t, IsCode(err, CodeInvalidHandle))

	_, err = r.Upsert(0, &serverConf{})
	assert.True(t, IsCode(err, CodeInvalidHandle))
}

func TestRegistry_RestoreRoundTrip(t *testing.T) {
	r := NewRegistry()
	h := Create(r, serverConf{Host: "v1"})

	token, err := r.Swap(h.ID(), &serverConf{Host: "v2"})
	require.NoError(t, err)

	require.NoError(t, r.Restore(h.ID(), token))

	got, err := h.Read()
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Host)
}

func TestRegistry_RestoreAcrossDelete(t *testing.T) {
	r := NewRegistry()
	h := Create(r, serverConf{Host: "kept"})

	token, err := r.Remove(h.ID())
	require.NoError(t, err)
	assert.False(t, r.Contains(h.ID()))

	require.NoError(t, r.Restore(h.ID(), token))

	got, err := h.Read()
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Host)
}

func TestRegistry_RestoreRejectsForeignToken(t *testing.T) {
	r := NewRegistry()
	h := Create(r, serverConf{})

	err := r.Restore(h.ID(), "not a snapshot")
	assert.True(t, IsCode(err, CodeInternal))
}

func TestRegistry_CatchAccumulatesErrors(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.HasErrors())

	r.Catch(nil)
	assert.False(t, r.HasErrors())

	r.Catch(fmt.Errorf("first"))
	r.Catch(fmt.Errorf("second"))

	assert.True(t, r.HasErrors())
	errsCopy := r.Errors()
	require.Len(t, errsCopy, 2)
	assert.Equal(t, "first", errsCopy[0].Error())

	// Errors does not consume; Flush does.
	assert.True(t, r.HasErrors())
	flushed := r.Flush()
	assert.Len(t, flushed, 2)
	assert.False(t, r.HasErrors())
	assert.Empty(t, r.Errors())
}

func TestRegistry_CatchBoundsTheBuffer(t *testing.T) {
	r := NewRegistry()

	for i := 0; i < maxCaught+10; i++ {
		r.Catch(fmt.Errorf("err %d", i))
	}

	caught := r.Errors()
	require.Len(t, caught, maxCaught)
	// The oldest entries were dropped first.
	assert.Equal(t, "err 10", caught[0].Error())
	assert.Equal(t, fmt.Sprintf("err %d", maxCaught+9), caught[len(caught)-1].Error())
}

func TestRegistry_ConcurrentReadersAndWriters(t *testing.T) {
	r := NewRegistry()
	h := Create(r, serverConf{Host: "hammer", Port: 0})

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if i%10 == 0 {
					if err := h.Update(context.Background(), serverConf{Host: "hammer", Port: n*1000 + i}); err != nil {
						t.Errorf("update failed: %v", err)
					}

					continue
				}
				got, err := h.Read()
				if err != nil {
					t.Errorf("read failed: %v", err)

					continue
				}
				if got.Host != "hammer" {
					t.Errorf("torn read: %+v", got)
				}
			}
		}(worker)
	}

	// Churn unrelated entries at the same time.
	for worker := 0; worker < 4; worker++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				own := Create(r, dbConf{DSN: "churn"})
				if _, err := own.Delete(context.Background()); err != nil {
					t.Errorf("delete failed: %v", err)
				}
			}
		}()
	}

	wg.Wait()

	// Only the hammered entry survives and the books balance.
	assert.Equal(t, 1, r.Len())
	stats := r.Stats()
	assert.Equal(t, int64(1), stats.Active)
	assert.Equal(t, uint64(1+4*100), stats.Created)
}
