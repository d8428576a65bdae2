package radixtree

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmfs-project/pmfs/pkg/alloc"
	"github.com/pmfs-project/pmfs/pkg/inodelog"
	"github.com/pmfs-project/pmfs/pkg/pm"
)

func newTestTree() (*Tree, *alloc.FreeListAllocator) {
	region := pm.NewRegion(1 << 20)
	al := alloc.NewFreeListAllocator(region, pm.Offset(pm.MetaBlockSize))
	return &Tree{R: region, Alloc: al}, al
}

func TestAllocThenFindRoundTrip(t *testing.T) {
	tr, _ := newTestTree()
	ctx := context.Background()

	root, height, partial, err := tr.AllocBlocks(ctx, pm.Null, 0, alloc.Block4K, 0, 5, true)
	require.NoError(t, err)
	require.False(t, partial)
	require.Greater(t, height, uint8(0))

	for i := uint64(0); i <= 5; i++ {
		off, err := tr.FindDataBlock(root, height, 0, i)
		require.NoError(t, err)
		assert.NotEqual(t, pm.Null, off, "index %d should be populated", i)
	}

	off, err := tr.FindDataBlock(root, height, 0, 6)
	require.NoError(t, err)
	assert.Equal(t, pm.Null, off, "index beyond allocated range is a hole")
}

func TestRequiredHeightMinimality(t *testing.T) {
	cases := []struct {
		lastIndex uint64
		want      uint8
	}{
		{0, 0},
		{1, 1},
		{511, 1},
		{512, 2},
		{512*512 - 1, 2},
		{512 * 512, 3},
	}
	for _, c := range cases {
		h, err := RequiredHeight(c.lastIndex)
		require.NoError(t, err)
		assert.Equal(t, c.want, h, "lastIndex=%d", c.lastIndex)
	}
}

func TestTruncateIsIdempotent(t *testing.T) {
	tr, _ := newTestTree()
	ctx := context.Background()

	root, height, _, err := tr.AllocBlocks(ctx, pm.Null, 0, alloc.Block4K, 0, 1023, true)
	require.NoError(t, err)

	root, emptied, err := tr.TruncateRange(ctx, root, height, alloc.Block4K, DirTree, 0, 1023, 0)
	require.NoError(t, err)
	assert.True(t, emptied)
	assert.Equal(t, pm.Null, root)

	// truncating an already-empty tree must be a safe no-op.
	root2, emptied2, err := tr.TruncateRange(ctx, root, height, alloc.Block4K, DirTree, 0, 1023, 0)
	require.NoError(t, err)
	assert.True(t, emptied2)
	assert.Equal(t, pm.Null, root2)
}

func TestAssignFreesPredecessor(t *testing.T) {
	tr, al := newTestTree()
	ctx := context.Background()

	// a file tree starts empty; its leaves are only ever published by
	// AssignBlocks, never by AllocBlocks.
	var root pm.Offset
	var height uint8

	var log inodelog.Log
	dataBlock, err := al.NewDataBlocks(alloc.Block4K, 1, true)
	require.NoError(t, err)
	log, firstEntryOff, err := inodelog.Append(tr.R, al, log, inodelog.EncodeFileWrite(inodelog.FileWriteEntry{
		Block: dataBlock, Pgoff: 0, NumPages: 1,
	}))
	require.NoError(t, err)

	root, height, err = tr.AssignBlocks(ctx, root, height, alloc.Block4K, 0, 0, firstEntryOff)
	require.NoError(t, err)

	before := inodelog.ReadFileWriteEntry(tr.R, firstEntryOff)
	assert.Equal(t, uint32(0), before.InvalidPages)

	dataBlock2, err := al.NewDataBlocks(alloc.Block4K, 1, true)
	require.NoError(t, err)
	_, secondEntryOff, err := inodelog.Append(tr.R, al, log, inodelog.EncodeFileWrite(inodelog.FileWriteEntry{
		Block: dataBlock2, Pgoff: 0, NumPages: 1,
	}))
	require.NoError(t, err)

	root, height, err = tr.AssignBlocks(ctx, root, height, alloc.Block4K, 0, 0, secondEntryOff)
	require.NoError(t, err)

	after := inodelog.ReadFileWriteEntry(tr.R, firstEntryOff)
	assert.Equal(t, uint32(1), after.InvalidPages, "superseded predecessor entry must be marked invalid")

	leaf, err := tr.FindDataBlock(root, height, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, secondEntryOff, leaf)
}

func TestSeekDataAndSeekHole(t *testing.T) {
	tr, _ := newTestTree()
	ctx := context.Background()

	root, height, _, err := tr.AllocBlocks(ctx, pm.Null, 0, alloc.Block4K, 2, 3, true)
	require.NoError(t, err)

	idx, err := tr.SeekData(root, height, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), idx)

	hole, err := tr.SeekHole(root, height, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), hole)

	_, err = tr.SeekData(root, height, 10, 10)
	assert.Error(t, err)
}
