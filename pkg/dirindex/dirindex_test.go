package dirindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmfs-project/pmfs/pkg/alloc"
	"github.com/pmfs-project/pmfs/pkg/inodelog"
	"github.com/pmfs-project/pmfs/pkg/pm"
)

func TestInsertLookupRemove(t *testing.T) {
	ix := New(nil)

	ix.Insert("a", pm.Offset(100))
	off, ok := ix.Lookup("a")
	require.True(t, ok)
	assert.Equal(t, pm.Offset(100), off)

	ix.Remove("a")
	_, ok = ix.Lookup("a")
	assert.False(t, ok)
}

func TestInsertReportsAlias(t *testing.T) {
	var aliased []string
	ix := New(func(name string, hash uint32) { aliased = append(aliased, name) })

	// two different inputs happen to share the same hash only if BKDR
	// actually collides; exercise the reporting path directly by inserting
	// the same hash slot twice under different call sites instead of
	// hunting for a real BKDR collision.
	ix.Insert("x", pm.Offset(1))
	ix.Insert("x", pm.Offset(2))

	require.Len(t, aliased, 1)
	assert.Equal(t, "x", aliased[0])

	off, ok := ix.Lookup("x")
	require.True(t, ok)
	assert.Equal(t, pm.Offset(2), off)
}

func TestHashesSortedAscending(t *testing.T) {
	ix := New(nil)
	ix.Insert("banana", pm.Offset(1))
	ix.Insert("apple", pm.Offset(2))
	ix.Insert("cherry", pm.Offset(3))

	hashes := ix.Hashes()
	require.Len(t, hashes, 3)
	for i := 1; i < len(hashes); i++ {
		assert.Less(t, hashes[i-1], hashes[i])
	}
}

func TestRebuildReplaysInsertsAndRemoves(t *testing.T) {
	region := pm.NewRegion(1 << 20)
	al := alloc.NewFreeListAllocator(region, pm.Offset(pm.MetaBlockSize))

	st := inodelog.Log{}
	var err error
	st, _, err = inodelog.Append(region, al, st, inodelog.EncodeDirLog(inodelog.DirLogEntry{Ino: 5, FileType: 1, Name: "keep"}))
	require.NoError(t, err)
	st, _, err = inodelog.Append(region, al, st, inodelog.EncodeDirLog(inodelog.DirLogEntry{Ino: 6, FileType: 1, Name: "gone"}))
	require.NoError(t, err)
	_, _, err = inodelog.Append(region, al, st, inodelog.EncodeDirLog(inodelog.DirLogEntry{Ino: 0, Name: "gone"}))
	require.NoError(t, err)

	ix := Rebuild(region, st.Head, nil)

	_, ok := ix.Lookup("keep")
	assert.True(t, ok)
	_, ok = ix.Lookup("gone")
	assert.False(t, ok)
}

func TestRebuildSkipsInlinedInodeRecord(t *testing.T) {
	region := pm.NewRegion(1 << 20)
	al := alloc.NewFreeListAllocator(region, pm.Offset(pm.MetaBlockSize))

	record := make([]byte, inodelog.InlineInodeSize)
	for i := range record {
		record[i] = 0xAB // would decode as garbage DIR_LOG/FILE_WRITE tags if misread as entries
	}

	st, _, _, err := inodelog.AppendNewInode(region, al, inodelog.Log{},
		inodelog.DirLogEntry{Ino: 5, FileType: 1, Name: "newdir"}, record)
	require.NoError(t, err)

	st, _, err = inodelog.Append(region, al, st, inodelog.EncodeDirLog(inodelog.DirLogEntry{Ino: 6, FileType: 1, Name: "sibling"}))
	require.NoError(t, err)

	ix := Rebuild(region, st.Head, nil)

	_, ok := ix.Lookup("newdir")
	assert.True(t, ok)
	_, ok = ix.Lookup("sibling")
	assert.True(t, ok, "rebuild must skip past the inlined inode record, not misread it as further entries")
}

func TestOffsetForHashMatchesLookup(t *testing.T) {
	ix := New(nil)
	ix.Insert("dir-entry", pm.Offset(42))

	h := Hash("dir-entry")
	off, ok := ix.OffsetForHash(h)
	require.True(t, ok)
	assert.Equal(t, pm.Offset(42), off)
}
