package slot

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T, count int) (*Registry, *Store) {
	t.Helper()
	store := NewStore(filepath.Join(t.TempDir(), "slots.json"))
	reg, err := NewRegistry(count, store, zap.NewNop())
	require.NoError(t, err)
	return reg, store
}

func TestNewRegistry_InitializesIdleSlots(t *testing.T) {
	reg, _ := newTestRegistry(t, 4)

	slots := reg.List()
	require.Len(t, slots, 4)
	for i, sl := range slots {
		assert.Equal(t, i, sl.ID)
		assert.Equal(t, StatusIdle, sl.Status)
		assert.Equal(t, 0, sl.Progress)
	}
}

func TestNewRegistry_RejectsNonPositiveCount(t *testing.T) {
	_, err := NewRegistry(0, nil, nil)
	require.Error(t, err)
}

func TestRegistry_GetOutOfRange(t *testing.T) {
	reg, _ := newTestRegistry(t, 2)

	_, err := reg.Get(2)
	require.Error(t, err)
	_, err = reg.Get(-1)
	require.Error(t, err)
}

func TestRegistry_GetReturnsCopy(t *testing.T) {
	reg, _ := newTestRegistry(t, 2)

	sl, err := reg.Get(0)
	require.NoError(t, err)
	sl.Owner = "mutated"

	again, err := reg.Get(0)
	require.NoError(t, err)
	assert.Empty(t, again.Owner)
}

func TestRegistry_Update(t *testing.T) {
	reg, _ := newTestRegistry(t, 2)

	out, err := reg.Update(1, func(sl *Slot) {
		sl.Owner = "alice"
		sl.Progress = 55
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", out.Owner)
	assert.Equal(t, 55, out.Progress)
	assert.False(t, out.LastUpdate.IsZero())

	got, err := reg.Get(1)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Owner)
}

func TestRegistry_CompareAndSetStatus(t *testing.T) {
	reg, _ := newTestRegistry(t, 2)

	out, ok, err := reg.CompareAndSetStatus(0, StatusIdle, StatusRunning, func(sl *Slot) {
		sl.Owner = "bob"
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusRunning, out.Status)
	assert.Equal(t, "bob", out.Owner)

	// Second claim must fail without mutating anything.
	before, err := reg.Get(0)
	require.NoError(t, err)

	out, ok, err = reg.CompareAndSetStatus(0, StatusIdle, StatusRunning, func(sl *Slot) {
		sl.Owner = "mallory"
	})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "bob", out.Owner)

	after, err := reg.Get(0)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRegistry_CompareAndSetStatusRun(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)

	_, ok, err := reg.CompareAndSetStatus(0, StatusIdle, StatusRunning, func(sl *Slot) {
		sl.RunID = "run-1"
	})
	require.NoError(t, err)
	require.True(t, ok)

	// A stale monitor holding the wrong run id cannot transition the slot.
	_, ok, err = reg.CompareAndSetStatusRun(0, "run-0", StatusRunning, StatusSuccess, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = reg.CompareAndSetStatusRun(0, "run-1", StatusRunning, StatusSuccess, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegistry_TransitionFlushesSnapshot(t *testing.T) {
	reg, store := newTestRegistry(t, 2)

	_, ok, err := reg.CompareAndSetStatus(1, StatusIdle, StatusRunning, func(sl *Slot) {
		sl.Owner = "carol"
	})
	require.NoError(t, err)
	require.True(t, ok)

	// The transition must be durable immediately, without waiting for the
	// debounced writer.
	onDisk, err := store.Load()
	require.NoError(t, err)
	require.Len(t, onDisk, 2)
	assert.Equal(t, StatusRunning, onDisk[1].Status)
	assert.Equal(t, "carol", onDisk[1].Owner)
}

func TestRegistry_ReloadDemotesRunningSlots(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "slots.json"))
	reg, err := NewRegistry(3, store, zap.NewNop())
	require.NoError(t, err)

	_, _ = reg.Update(0, func(sl *Slot) { sl.Owner = "alice"; sl.Status = StatusSuccess; sl.Progress = 100 })
	_, ok, err := reg.CompareAndSetStatus(1, StatusIdle, StatusRunning, func(sl *Slot) {
		sl.Owner = "bob"
		sl.TestCase = "Phase3 Stress"
		sl.PID = 12345
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, reg.Flush())

	// Simulate a restart: no live process can be recovered.
	reloaded, err := NewRegistry(3, store, zap.NewNop())
	require.NoError(t, err)

	slots := reloaded.List()
	assert.Equal(t, StatusSuccess, slots[0].Status)
	assert.Equal(t, "alice", slots[0].Owner)
	assert.Equal(t, 100, slots[0].Progress)

	assert.Equal(t, StatusFailed, slots[1].Status)
	assert.Equal(t, "bob", slots[1].Owner)
	assert.Equal(t, "Phase3 Stress", slots[1].TestCase)
	assert.Zero(t, slots[1].PID)
	assert.Contains(t, slots[1].ErrorMsg, "orphaned")

	assert.Equal(t, StatusIdle, slots[2].Status)
}

func TestRegistry_ReloadWithDifferentCount(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "slots.json"))
	reg, err := NewRegistry(4, store, zap.NewNop())
	require.NoError(t, err)
	_, _ = reg.Update(3, func(sl *Slot) { sl.Owner = "dave" })
	require.NoError(t, reg.Flush())

	shrunk, err := NewRegistry(2, store, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, 2, shrunk.Count())

	grown, err := NewRegistry(6, store, zap.NewNop())
	require.NoError(t, err)
	slots := grown.List()
	require.Len(t, slots, 6)
	for i, sl := range slots {
		assert.Equal(t, i, sl.ID)
	}
}

func TestRegistry_ConcurrentUpdates(t *testing.T) {
	reg, _ := newTestRegistry(t, 8)

	var wg sync.WaitGroup
	for id := 0; id < 8; id++ {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(id, i int) {
				defer wg.Done()
				_, _ = reg.Update(id, func(sl *Slot) {
					sl.Progress = i % 101
				})
			}(id, i)
		}
	}
	wg.Wait()

	// One winner per slot, no torn state.
	for _, sl := range reg.List() {
		assert.GreaterOrEqual(t, sl.Progress, 0)
		assert.LessOrEqual(t, sl.Progress, 100)
	}
}

func TestRegistry_ConcurrentClaimSingleWinner(t *testing.T) {
	reg, _ := newTestRegistry(t, 1)

	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := reg.CompareAndSetStatus(0, StatusIdle, StatusRunning, nil)
			if err != nil {
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestRegistry_DebouncedWriteEventuallyLands(t *testing.T) {
	reg, store := newTestRegistry(t, 1)

	_, err := reg.Update(0, func(sl *Slot) { sl.Progress = 42 })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		onDisk, err := store.Load()
		if err != nil || len(onDisk) != 1 {
			return false
		}
		return onDisk[0].Progress == 42
	}, 2*time.Second, 25*time.Millisecond)
}
