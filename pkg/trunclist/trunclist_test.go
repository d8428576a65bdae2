package trunclist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmfs-project/pmfs/pkg/alloc"
	"github.com/pmfs-project/pmfs/pkg/pm"
	"github.com/pmfs-project/pmfs/pkg/super"
)

func newTestList(t *testing.T) *List {
	region := pm.NewRegion(1 << 20)
	al := alloc.NewFreeListAllocator(region, pm.Offset(pm.MetaBlockSize))
	return New(region, al, pm.Null, nil)
}

func TestAddThenEntriesHeadToTail(t *testing.T) {
	l := newTestList(t)

	off1, err := l.Add(10, 4096)
	require.NoError(t, err)
	off2, err := l.Add(20, 8192)
	require.NoError(t, err)

	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, off2, entries[0].Off)
	assert.EqualValues(t, 20, entries[0].Item.Ino)
	assert.Equal(t, off1, entries[1].Off)
	assert.EqualValues(t, 10, entries[1].Item.Ino)
}

func TestRemoveHeadAndTail(t *testing.T) {
	l := newTestList(t)

	off1, err := l.Add(1, 100)
	require.NoError(t, err)
	off2, err := l.Add(2, 200)
	require.NoError(t, err)
	off3, err := l.Add(3, 300)
	require.NoError(t, err)

	l.Remove(off3) // head
	entries := l.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, off2, entries[0].Off)

	l.Remove(off1) // tail
	entries = l.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, off2, entries[0].Off)
}

// TestHeadPersistsAcrossRemount exercises the Superblock.TruncHead wiring
// end-to-end: Add/Remove publish every head change into a stand-in
// superblock record, and a List reconstructed from the persisted value
// picks the list back up where it left off, the way a real mount would
// after reading the on-PM superblock.
func TestHeadPersistsAcrossRemount(t *testing.T) {
	region := pm.NewRegion(1 << 20)
	al := alloc.NewFreeListAllocator(region, pm.Offset(pm.MetaBlockSize))

	sb := super.Superblock{TruncHead: pm.Null}
	persist := func(h pm.Offset) { sb.TruncHead = h }

	l := New(region, al, sb.TruncHead, persist)
	off1, err := l.Add(7, 4096)
	require.NoError(t, err)
	assert.Equal(t, off1, sb.TruncHead)

	off2, err := l.Add(8, 8192)
	require.NoError(t, err)
	assert.Equal(t, off2, sb.TruncHead)

	// remount: a fresh List built only from the persisted head must see
	// both pending entries, not just whatever the first List had in memory.
	remounted := New(region, al, sb.TruncHead, persist)
	entries := remounted.Entries()
	require.Len(t, entries, 2)
	assert.EqualValues(t, 8, entries[0].Item.Ino)
	assert.EqualValues(t, 7, entries[1].Item.Ino)

	remounted.Remove(off2)
	assert.Equal(t, off1, sb.TruncHead)

	remounted.Remove(off1)
	assert.Equal(t, pm.Null, sb.TruncHead)
}
