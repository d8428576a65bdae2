package inodelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmfs-project/pmfs/pkg/alloc"
	"github.com/pmfs-project/pmfs/pkg/pm"
)

func newTestAlloc() *alloc.FreeListAllocator {
	region := pm.NewRegion(8 << 20)
	return alloc.NewFreeListAllocator(region, pm.Offset(pm.MetaBlockSize))
}

func TestAppendThenReadFileWriteEntry(t *testing.T) {
	al := newTestAlloc()
	region := al.Region()

	st, off, err := Append(region, al, Log{}, EncodeFileWrite(FileWriteEntry{Block: 4096, Pgoff: 0, NumPages: 1}))
	require.NoError(t, err)
	assert.NotEqual(t, pm.Null, st.Head)
	assert.EqualValues(t, 1, st.Pages)

	e := ReadFileWriteEntry(region, off)
	assert.EqualValues(t, 4096, e.Block)
	assert.EqualValues(t, 1, e.NumPages)
}

func TestIncrementInvalidReportsFullyInvalid(t *testing.T) {
	al := newTestAlloc()
	region := al.Region()

	_, off, err := Append(region, al, Log{}, EncodeFileWrite(FileWriteEntry{Block: 4096, Pgoff: 0, NumPages: 2}))
	require.NoError(t, err)

	assert.False(t, IncrementInvalid(region, off))
	assert.True(t, IncrementInvalid(region, off))
}

func TestGCFreesFullyInvalidPagesNotHeadOrTail(t *testing.T) {
	al := newTestAlloc()
	region := al.Region()

	var st Log
	var offs []pm.Offset
	var err error

	// append enough entries to span several pages: 127 entries/page.
	const total = 400
	for i := 0; i < total; i++ {
		var off pm.Offset
		st, off, err = Append(region, al, st, EncodeFileWrite(FileWriteEntry{Block: pm.Offset(4096 * (i + 1)), Pgoff: uint64(i), NumPages: 1}))
		require.NoError(t, err)
		offs = append(offs, off)
	}
	require.Greater(t, int(st.Pages), 1)

	// invalidate every entry except those on the very first page and the
	// last EntriesPerPage entries, so GC has an interior page to collect but
	// head/tail survive.
	for i := EntriesPerPage; i < total-EntriesPerPage; i++ {
		IncrementInvalid(region, offs[i])
	}

	before := st.Pages
	after := GC(region, al, st)
	assert.LessOrEqual(t, after.Pages, before)
	assert.Equal(t, st.Head, after.Head)
	assert.LessOrEqual(t, after.Head, after.Tail)
}

func TestFreeReleasesWholeChain(t *testing.T) {
	al := newTestAlloc()
	region := al.Region()

	var st Log
	var err error
	for i := 0; i < 300; i++ {
		st, _, err = Append(region, al, st, EncodeFileWrite(FileWriteEntry{Block: pm.Offset(4096 * (i + 1)), Pgoff: uint64(i), NumPages: 1}))
		require.NoError(t, err)
	}

	cleared := Free(region, al, st)
	assert.Equal(t, pm.Null, cleared.Head)
	assert.Equal(t, pm.Null, cleared.Tail)
	assert.EqualValues(t, 0, cleared.Pages)
}

func TestAppendNewInodeAlignsAndSkipsInlineRecord(t *testing.T) {
	al := newTestAlloc()
	region := al.Region()

	record := make([]byte, InlineInodeSize)
	for i := range record {
		record[i] = 0xCD
	}

	// an empty log starts its first entry at slot 0 (even), so
	// AppendNewInode must insert a pad entry first to land the dir-log
	// entry at slot 1, putting the inline record right after it on a
	// cacheline boundary.
	st, entryOff, inodeOff, err := AppendNewInode(region, al, Log{}, DirLogEntry{Ino: 9, FileType: 1, Name: "x"}, record)
	require.NoError(t, err)

	assert.Equal(t, TagPad, Tag(region, st.Head))
	assert.EqualValues(t, EntrySize, EntryOffsetOnPage(entryOff), "dir-log entry must follow the pad at slot 1")
	assert.EqualValues(t, 0, EntryOffsetOnPage(inodeOff)%64, "inline record must land on a cacheline boundary")
	assert.Equal(t, entryOff+pm.Offset(EntrySize), inodeOff)

	e, ok := DecodeDirLog(region, entryOff)
	require.True(t, ok)
	assert.True(t, e.NewInode)
	assert.Equal(t, "x", e.Name)

	got := region.Bytes(inodeOff, InlineInodeSize)
	assert.Equal(t, record, []byte(got))
}

func TestAppendNewInodeRejectsWrongRecordSize(t *testing.T) {
	al := newTestAlloc()
	region := al.Region()
	_, _, _, err := AppendNewInode(region, al, Log{}, DirLogEntry{Ino: 1, Name: "x"}, make([]byte, 4))
	assert.Error(t, err)
}

func TestIsLastDirEntryFalseForNamedEntry(t *testing.T) {
	al := newTestAlloc()
	region := al.Region()

	st, off, err := Append(region, al, Log{}, EncodeDirLog(DirLogEntry{Ino: 1, Name: "a"}))
	require.NoError(t, err)
	_ = st

	assert.False(t, IsLastDirEntry(region, off))
}
