package super

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmfs-project/pmfs/pkg/alloc"
	"github.com/pmfs-project/pmfs/pkg/pm"
)

func TestFormatThenReadRoundTrip(t *testing.T) {
	region := pm.NewRegion(1 << 20)
	al := alloc.NewFreeListAllocator(region, pm.Offset(2*SBSize+3*1024*1024))

	sb, tableExtent, err := Format(region, al, 1<<20)
	require.NoError(t, err)
	sb.TableExtent = tableExtent
	Write(region, sb)

	got, err := Read(region)
	require.NoError(t, err)
	assert.EqualValues(t, Signature, got.Signature)
	assert.Equal(t, sb.UUID, got.UUID)
	assert.Equal(t, tableExtent, got.TableExtent)
	assert.EqualValues(t, 1, got.State)
}

func TestReadFallsBackToRedundantCopy(t *testing.T) {
	region := pm.NewRegion(1 << 20)
	al := alloc.NewFreeListAllocator(region, pm.Offset(2*SBSize+3*1024*1024))

	sb, tableExtent, err := Format(region, al, 1<<20)
	require.NoError(t, err)
	sb.TableExtent = tableExtent
	Write(region, sb)

	// corrupt only the primary copy's signature.
	region.Memset(0, 4, 0xFF)

	got, err := Read(region)
	require.NoError(t, err)
	assert.EqualValues(t, Signature, got.Signature)
}

func TestReadFailsWhenBothCopiesCorrupt(t *testing.T) {
	region := pm.NewRegion(1 << 20)
	al := alloc.NewFreeListAllocator(region, pm.Offset(2*SBSize+3*1024*1024))

	_, _, err := Format(region, al, 1<<20)
	require.NoError(t, err)

	region.Memset(0, 4, 0)
	region.Memset(pm.Offset(SBSize), 4, 0)

	_, err = Read(region)
	assert.Error(t, err)
}
