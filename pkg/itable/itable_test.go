package itable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmfs-project/pmfs/pkg/pm"
)

// markActive writes just enough of slot i's raw fields to fail isFree:
// a nonzero mode and links_count, with dtime left at 0.
func markActive(r *pm.Region, tb *Table, i uint32) {
	addr := tb.SlotOffset(i)
	r.StoreU32(addr+offLinksCount, 1)
	r.StoreU16(addr+offMode, 0100644)
}

func newTestTable(t *testing.T) (*pm.Region, *Table) {
	region := pm.NewRegion(1 << 20)
	tb := New(region, nil)
	return region, tb
}

func growOneExtent(region *pm.Region) GrowFunc {
	next := pm.Offset(pm.MetaBlockSize)
	return func() (pm.Offset, error) {
		off := next
		next += pm.MetaBlockSize
		region.Grow(int(off) + pm.MetaBlockSize)
		return off, nil
	}
}

func TestAcquireGrowsFromEmptyAndReturnsSlotZero(t *testing.T) {
	region, tb := newTestTable(t)

	i, err := tb.Acquire(growOneExtent(region))
	require.NoError(t, err)
	assert.EqualValues(t, 0, i, "the first Acquire against an empty table must hand out slot 0")
	assert.EqualValues(t, SlotsPerExtent, tb.Count())
}

func TestAcquireSkipsReservedRootSlot(t *testing.T) {
	region, tb := newTestTable(t)
	grow := growOneExtent(region)

	root, err := tb.Acquire(grow)
	require.NoError(t, err)
	require.EqualValues(t, 0, root)
	markActive(region, tb, root)

	i, err := tb.Acquire(grow)
	require.NoError(t, err)
	assert.NotEqualValues(t, 0, i, "a slot marked active must never be handed out again")
}

func TestAcquireHintAdvancesRoundRobin(t *testing.T) {
	region, tb := newTestTable(t)
	grow := growOneExtent(region)

	first, err := tb.Acquire(grow)
	require.NoError(t, err)
	markActive(region, tb, first)

	second, err := tb.Acquire(grow)
	require.NoError(t, err)
	assert.Equal(t, first+1, second, "the free-hint search should sweep forward, not restart at 0 every call")
}

func TestAcquireGrowsWhenExtentFull(t *testing.T) {
	region, tb := newTestTable(t)
	grow := growOneExtent(region)

	var acquired []uint32
	for i := uint32(0); i < SlotsPerExtent; i++ {
		slot, err := tb.Acquire(grow)
		require.NoError(t, err)
		markActive(region, tb, slot)
		acquired = append(acquired, slot)
	}
	assert.EqualValues(t, SlotsPerExtent, tb.Count())

	overflow, err := tb.Acquire(grow)
	require.NoError(t, err)
	assert.EqualValues(t, SlotsPerExtent, overflow, "once every slot in the first extent is taken, Acquire must grow a new extent")
	assert.EqualValues(t, 2*SlotsPerExtent, tb.Count())
}

func TestAcquireFailsWithoutGrowFuncOnEmptyTable(t *testing.T) {
	_, tb := newTestTable(t)
	_, err := tb.Acquire(nil)
	assert.Error(t, err)
}

func TestReleaseFreesSlotForReacquire(t *testing.T) {
	region, tb := newTestTable(t)
	grow := growOneExtent(region)

	i, err := tb.Acquire(grow)
	require.NoError(t, err)
	markActive(region, tb, i)

	next, err := tb.Acquire(grow)
	require.NoError(t, err)
	assert.NotEqual(t, i, next)

	// occupy every other slot of the extent so i is the only free one.
	for s := uint32(0); s < SlotsPerExtent; s++ {
		if s != i {
			markActive(region, tb, s)
		}
	}

	tb.Release(i)
	assert.True(t, tb.isFree(i))

	// the hint has already swept past i, but the second pass in Acquire's
	// loop wraps back to the start of the table and should pick it up.
	reacquired, err := tb.Acquire(grow)
	require.NoError(t, err)
	assert.Equal(t, i, reacquired)
}

func TestSlotOffsetMatchesExtentLayout(t *testing.T) {
	region, tb := newTestTable(t)
	grow := growOneExtent(region)

	_, err := tb.Acquire(grow) // forces the first extent into existence
	require.NoError(t, err)

	assert.Equal(t, tb.extents[0], tb.SlotOffset(0))
	assert.Equal(t, tb.extents[0]+SlotSize, tb.SlotOffset(1))
}
