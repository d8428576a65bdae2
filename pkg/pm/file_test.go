package pm

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveFileThenLoadFileRoundTrip(t *testing.T) {
	r := NewRegion(8192)
	r.Memset(0, 8192, 0)
	r.StoreU32(16, 0xdeadbeef)

	path := filepath.Join(t.TempDir(), "image.pm")
	require.NoError(t, r.SaveFile(path))

	got, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 8192, got.Len())
	assert.EqualValues(t, 0xdeadbeef, got.LoadU32(16))
}

func TestLoadFileMissingPathErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.pm"))
	assert.Error(t, err)
}
