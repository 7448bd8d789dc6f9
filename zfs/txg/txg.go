// Package txg holds the transaction group constants and a small tracker for the open txg, its holders and
// the pool's dirty data.
package txg

import (
	"sync"
	"sync/atomic"
)

const (
	// TXGSize is the number of txgs that can be in flight at once.
	TXGSize = 4
	TXGMask = TXGSize - 1
	// DeferSize is how many txgs freed space is quarantined before it can be reused.
	DeferSize = 2
	// TXGInitial is the first txg of a newly created pool.
	TXGInitial = 4
)

// Tracker hands out the open txg to writers and lets the syncer wait for them before syncing it.
type Tracker struct {
	mu      sync.Mutex
	drained *sync.Cond
	open    uint64
	holds   [TXGSize]int
	pending [TXGSize]int64
	synced  uint64

	dirty       atomic.Int64
	syncPending atomic.Bool
}

// NewTracker starts with open as the open txg and open-1 as the last synced one.
func NewTracker(open uint64) *Tracker {
	t := &Tracker{open: open, synced: open - 1}
	t.drained = sync.NewCond(&t.mu)
	return t
}

// Hold pins the open txg until Release is called with the returned value.
func (t *Tracker) Hold() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holds[t.open&TXGMask]++
	return t.open
}

func (t *Tracker) Release(txg uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.holds[txg&TXGMask]--
	if t.holds[txg&TXGMask] == 0 {
		t.drained.Broadcast()
	}
}

// Current returns the open txg.
func (t *Tracker) Current() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.open
}

func (t *Tracker) LastSynced() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.synced
}

// Quiesce closes the open txg, opens the next one and waits for every holder of the closed txg. It
// returns the txg that is now ready to sync.
func (t *Tracker) Quiesce() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	txg := t.open
	t.open++
	for t.holds[txg&TXGMask] > 0 {
		t.drained.Wait()
	}
	return txg
}

// Synced records txg as written out and drops the dirty bytes that were attributed to it.
func (t *Tracker) Synced(txg uint64) {
	t.mu.Lock()
	t.synced = txg
	bytes := t.pending[txg&TXGMask]
	t.pending[txg&TXGMask] = 0
	t.mu.Unlock()
	t.dirty.Add(-bytes)
}

// Dirty accounts bytes of data written in txg that is not synced yet.
func (t *Tracker) Dirty(txg uint64, bytes int64) {
	t.mu.Lock()
	t.pending[txg&TXGMask] += bytes
	t.mu.Unlock()
	t.dirty.Add(bytes)
}

// DirtyBytes reports the pool wide amount of dirty data.
func (t *Tracker) DirtyBytes() uint64 {
	if d := t.dirty.Load(); d > 0 {
		return uint64(d)
	}
	return 0
}

// SetSyncPending marks whether a synchronous task is waiting on the current sync.
func (t *Tracker) SetSyncPending(pending bool) {
	t.syncPending.Store(pending)
}

func (t *Tracker) HasPendingSyncTask() bool {
	return t.syncPending.Load()
}
