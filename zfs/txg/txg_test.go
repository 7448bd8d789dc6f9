package txg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuiesceWaitsForHolders(t *testing.T) {
	tr := NewTracker(TXGInitial)
	assert.Equal(t, uint64(TXGInitial-1), tr.LastSynced())

	held := tr.Hold()
	require.Equal(t, uint64(TXGInitial), held)

	done := make(chan uint64)
	go func() {
		done <- tr.Quiesce()
	}()

	select {
	case <-done:
		t.Fatal("quiesce returned while the txg was held")
	case <-time.After(50 * time.Millisecond):
	}

	// New writers land in the next txg while the old one drains.
	assert.Eventually(t, func() bool { return tr.Current() == held+1 }, time.Second, time.Millisecond)
	next := tr.Hold()
	assert.Equal(t, held+1, next)

	tr.Release(held)
	select {
	case got := <-done:
		assert.Equal(t, held, got)
	case <-time.After(time.Second):
		t.Fatal("quiesce did not return after release")
	}
	tr.Release(next)
}

func TestDirtyAccounting(t *testing.T) {
	tr := NewTracker(TXGInitial)
	tr.Dirty(4, 4096)
	tr.Dirty(5, 8192)
	assert.Equal(t, uint64(12288), tr.DirtyBytes())

	tr.Synced(4)
	assert.Equal(t, uint64(8192), tr.DirtyBytes())
	assert.Equal(t, uint64(4), tr.LastSynced())

	tr.Synced(5)
	assert.Zero(t, tr.DirtyBytes())

	tr.SetSyncPending(true)
	assert.True(t, tr.HasPendingSyncTask())
	tr.SetSyncPending(false)
	assert.False(t, tr.HasPendingSyncTask())
}
