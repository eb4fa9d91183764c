package slot

import (
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/validlab/slotd/internal/errors"
	"github.com/validlab/slotd/internal/metrics"
)

// snapshotDebounce coalesces high-frequency progress writes. Status
// transitions bypass it and flush synchronously.
const snapshotDebounce = 250 * time.Millisecond

// Registry owns the fixed array of slots for the lifetime of the server
// process. All mutations are short critical sections under one lock; the
// durable write triggered by a mutation happens outside of it. In-memory
// state is the source of truth: a failed snapshot write is logged and
// counted, never fatal.
type Registry struct {
	log   *zap.Logger
	store *Store

	mu    sync.Mutex
	slots []Slot

	// writeMu serializes snapshot writes so a stale snapshot can never
	// land after a newer one.
	writeMu    sync.Mutex
	timerMu    sync.Mutex
	writeTimer *time.Timer
}

// NewRegistry creates a registry with count slots, rehydrating metadata from
// the store's snapshot when one exists. A slot loaded as running is orphaned
// (no live process can survive a restart) and is demoted to failed.
func NewRegistry(count int, store *Store, log *zap.Logger) (*Registry, error) {
	if count <= 0 {
		return nil, apperrors.Newf(apperrors.CodeInvalidRequest, "slot count must be positive, got %d", count)
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &Registry{log: log, store: store}

	var loaded []Slot
	if store != nil {
		var err error
		loaded, err = store.Load()
		if err != nil {
			// Corrupted or unreadable snapshot: start fresh, keep serving.
			log.Warn("Failed to load snapshot, starting with empty slots", zap.Error(err))
			loaded = nil
		}
	}

	byID := make(map[int]Slot, len(loaded))
	for _, sl := range loaded {
		byID[sl.ID] = sl
	}

	now := time.Now().UTC()
	r.slots = make([]Slot, count)
	for i := 0; i < count; i++ {
		sl, ok := byID[i]
		if !ok {
			r.slots[i] = NewIdle(i)
			continue
		}
		sl.ID = i
		sl.PID = 0
		if sl.Status == StatusRunning {
			log.Warn("Slot was running at snapshot time, marking failed",
				zap.Int("slot", i),
				zap.String("owner", sl.Owner))
			sl.Status = StatusFailed
			sl.ErrorMsg = "orphaned: supervisor restarted while test was running"
			end := now
			sl.EndTime = &end
			sl.LastUpdate = now
		}
		r.slots[i] = sl
	}

	if err := r.Flush(); err != nil {
		log.Warn("Initial snapshot write failed", zap.Error(err))
	}
	return r, nil
}

// Count returns the fixed number of slots.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Get returns a copy of the slot record, never a live reference.
func (r *Registry) Get(id int) (Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || id >= len(r.slots) {
		return Slot{}, apperrors.Newf(apperrors.CodeNotFound, "unknown slot id %d", id)
	}
	return r.slots[id].Clone(), nil
}

// List returns copies of all slots ordered by id.
func (r *Registry) List() []Slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Slot, len(r.slots))
	for i, sl := range r.slots {
		out[i] = sl.Clone()
	}
	return out
}

// Update applies mutate to the slot atomically with respect to all other
// registry operations, then schedules an asynchronous durable write. The
// write never blocks the caller.
func (r *Registry) Update(id int, mutate func(*Slot)) (Slot, error) {
	r.mu.Lock()
	if id < 0 || id >= len(r.slots) {
		r.mu.Unlock()
		return Slot{}, apperrors.Newf(apperrors.CodeNotFound, "unknown slot id %d", id)
	}
	mutate(&r.slots[id])
	r.slots[id].ID = id
	r.slots[id].LastUpdate = time.Now().UTC()
	out := r.slots[id].Clone()
	r.mu.Unlock()

	r.scheduleWrite()
	return out, nil
}

// CompareAndSetStatus is the single primitive enforcing "at most one active
// process per slot": it fails without mutating when the current status is
// not expect. On success mutate (optional) runs under the same critical
// section and the snapshot is flushed synchronously, so every status
// transition is durable before its notification event fires.
func (r *Registry) CompareAndSetStatus(id int, expect, next Status, mutate func(*Slot)) (Slot, bool, error) {
	r.mu.Lock()
	if id < 0 || id >= len(r.slots) {
		r.mu.Unlock()
		return Slot{}, false, apperrors.Newf(apperrors.CodeNotFound, "unknown slot id %d", id)
	}
	if r.slots[id].Status != expect {
		out := r.slots[id].Clone()
		r.mu.Unlock()
		return out, false, nil
	}
	r.slots[id].Status = next
	if mutate != nil {
		mutate(&r.slots[id])
	}
	r.slots[id].ID = id
	r.slots[id].Status = next
	r.slots[id].LastUpdate = time.Now().UTC()
	out := r.slots[id].Clone()
	r.mu.Unlock()

	if err := r.Flush(); err != nil {
		r.log.Warn("Snapshot flush after status transition failed",
			zap.Int("slot", id),
			zap.String("status", string(next)),
			zap.Error(err))
	}
	return out, true, nil
}

// CompareAndSetStatusRun is CompareAndSetStatus additionally scoped to one
// run: it fails when the slot's RunID is not runID. Monitor goroutines use
// this so a stale monitor from a stopped run can never transition a slot
// that has since been relaunched.
func (r *Registry) CompareAndSetStatusRun(id int, runID string, expect, next Status, mutate func(*Slot)) (Slot, bool, error) {
	r.mu.Lock()
	if id < 0 || id >= len(r.slots) {
		r.mu.Unlock()
		return Slot{}, false, apperrors.Newf(apperrors.CodeNotFound, "unknown slot id %d", id)
	}
	if r.slots[id].Status != expect || r.slots[id].RunID != runID {
		out := r.slots[id].Clone()
		r.mu.Unlock()
		return out, false, nil
	}
	r.slots[id].Status = next
	if mutate != nil {
		mutate(&r.slots[id])
	}
	r.slots[id].ID = id
	r.slots[id].Status = next
	r.slots[id].LastUpdate = time.Now().UTC()
	out := r.slots[id].Clone()
	r.mu.Unlock()

	if err := r.Flush(); err != nil {
		r.log.Warn("Snapshot flush after status transition failed",
			zap.Int("slot", id),
			zap.String("status", string(next)),
			zap.Error(err))
	}
	return out, true, nil
}

// Flush writes the current snapshot synchronously.
func (r *Registry) Flush() error {
	if r.store == nil {
		return nil
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.mu.Lock()
	snapshot := make([]Slot, len(r.slots))
	for i, sl := range r.slots {
		snapshot[i] = sl.Clone()
	}
	r.mu.Unlock()

	if err := r.store.Write(snapshot); err != nil {
		metrics.RecordSnapshotWriteFailure()
		return err
	}
	return nil
}

// scheduleWrite arms (or re-arms) the debounced background snapshot write.
func (r *Registry) scheduleWrite() {
	if r.store == nil {
		return
	}

	r.timerMu.Lock()
	defer r.timerMu.Unlock()
	if r.writeTimer != nil {
		r.writeTimer.Reset(snapshotDebounce)
		return
	}
	r.writeTimer = time.AfterFunc(snapshotDebounce, func() {
		if err := r.Flush(); err != nil {
			r.log.Warn("Background snapshot write failed", zap.Error(err))
		}
	})
}
