package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateSlotPicksSmallestFree(t *testing.T) {
	r := New()
	r.Insert(Instance{ModelID: "a", SlotIndex: 0})
	r.Insert(Instance{ModelID: "b", SlotIndex: 1})

	assert.Equal(t, 2, r.AllocateSlot())

	r.Remove(0)
	assert.Equal(t, 0, r.AllocateSlot(), "reclaimed slot 0 should be reused before 2")
}

func TestInsertEnforcesUniqueModelID(t *testing.T) {
	r := New()
	r.Insert(Instance{ModelID: "a", SlotIndex: 0})
	assert.Panics(t, func() {
		r.Insert(Instance{ModelID: "a", SlotIndex: 1})
	})
}

func TestInsertEnforcesUniqueSlotIndex(t *testing.T) {
	r := New()
	r.Insert(Instance{ModelID: "a", SlotIndex: 0})
	assert.Panics(t, func() {
		r.Insert(Instance{ModelID: "b", SlotIndex: 0})
	})
}

func TestFindByModel(t *testing.T) {
	r := New()
	r.Insert(Instance{ModelID: "a", SlotIndex: 0})

	inst, ok := r.FindByModel("a")
	require.True(t, ok)
	assert.Equal(t, 0, inst.SlotIndex)

	_, ok = r.FindByModel("missing")
	assert.False(t, ok)
}

func TestLRUOrderTieBreaksBySlotIndex(t *testing.T) {
	r := New()
	now := time.Now()
	r.Insert(Instance{ModelID: "a", SlotIndex: 1, LastUsedAt: now})
	r.Insert(Instance{ModelID: "b", SlotIndex: 0, LastUsedAt: now})
	r.Insert(Instance{ModelID: "c", SlotIndex: 2, LastUsedAt: now.Add(-time.Hour)})

	order := r.LRUOrder()
	require.Len(t, order, 3)
	assert.Equal(t, "c", order[0].ModelID, "oldest last_used_at evicts first")
	assert.Equal(t, "b", order[1].ModelID, "tie broken by lower slot index")
	assert.Equal(t, "a", order[2].ModelID)
}

func TestTouchUpdatesLastUsedAndRequestCount(t *testing.T) {
	r := New()
	past := time.Now().Add(-time.Hour)
	r.Insert(Instance{ModelID: "a", SlotIndex: 0, LastUsedAt: past})

	r.Touch(0)

	inst, ok := r.FindByModel("a")
	require.True(t, ok)
	assert.True(t, inst.LastUsedAt.After(past))
	assert.Equal(t, uint64(1), inst.RequestCount)
}

func TestSumVRAM(t *testing.T) {
	r := New()
	r.Insert(Instance{ModelID: "a", SlotIndex: 0, VRAMMiB: 1000})
	r.Insert(Instance{ModelID: "b", SlotIndex: 1, VRAMMiB: 2000})
	assert.Equal(t, int64(3000), r.SumVRAM())
}

func TestIsEmpty(t *testing.T) {
	r := New()
	assert.True(t, r.IsEmpty())
	r.Insert(Instance{ModelID: "a", SlotIndex: 0})
	assert.False(t, r.IsEmpty())
	r.Remove(0)
	assert.True(t, r.IsEmpty())
}

func TestSnapshotIsACopyNotALiveView(t *testing.T) {
	r := New()
	r.Insert(Instance{ModelID: "a", SlotIndex: 0, VRAMMiB: 1})
	snap := r.Snapshot()
	r.SetVRAM(0, 999)
	require.Len(t, snap, 1)
	assert.Equal(t, int64(1), snap[0].VRAMMiB, "snapshot must not observe later mutation")
}
