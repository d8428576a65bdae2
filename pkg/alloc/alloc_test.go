package alloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmfs-project/pmfs/pkg/pm"
)

func TestNewDataBlocksZeroedAndDistinct(t *testing.T) {
	region := pm.NewRegion(1 << 20)
	a := NewFreeListAllocator(region, pm.Offset(0))

	off1, err := a.NewDataBlocks(Block4K, 1, true)
	require.NoError(t, err)
	off2, err := a.NewDataBlocks(Block4K, 1, true)
	require.NoError(t, err)
	assert.NotEqual(t, off1, off2)

	buf := region.Bytes(off1, int(Size(Block4K)))
	for _, b := range buf {
		assert.Zero(t, b)
	}
}

func TestFreeDataBlockRecycledOnNextAlloc(t *testing.T) {
	region := pm.NewRegion(1 << 20)
	a := NewFreeListAllocator(region, pm.Offset(0))

	off, err := a.NewDataBlocks(Block4K, 1, true)
	require.NoError(t, err)

	a.FreeDataBlock(off, Block4K)

	again, err := a.NewDataBlocks(Block4K, 1, true)
	require.NoError(t, err)
	assert.Equal(t, off, again)
}

func TestNewMetaBlocksRejectsNonPositive(t *testing.T) {
	region := pm.NewRegion(1 << 20)
	a := NewFreeListAllocator(region, pm.Offset(0))

	_, err := a.NewMetaBlocks(0, false)
	assert.Error(t, err)
}

func TestBlkShiftMatchesSizeRatio(t *testing.T) {
	assert.EqualValues(t, 9, BlkShift(Block2M))
	assert.EqualValues(t, 18, BlkShift(Block1G))
}
