// Package inodelog implements the per-inode operation log (C5): an
// append-only chain of 4 KiB pages, each holding 127 fixed 32-byte entries
// followed by a 32-byte tail, plus page allocation, append-head reservation,
// and garbage collection of fully-superseded pages.
//
// The on-page layout mirrors spec.md §3/§4.2 bit-for-bit; the encode/decode
// helpers follow the teacher's own binary.LittleEndian field-by-field style
// (pkg/ext4/inode.go's extentTree, pkg/ext4/dir.go's dentry encoding) rather
// than relying on Go struct padding.
package inodelog

import (
	"encoding/binary"

	"github.com/pmfs-project/pmfs/pkg/alloc"
	"github.com/pmfs-project/pmfs/pkg/pm"
	"github.com/pmfs-project/pmfs/pkg/pmerr"
)

const (
	EntrySize       = 32
	EntriesPerPage  = 127
	TailSize        = 32
	PageSize        = pm.MetaBlockSize // 4096
	LastEntry       = EntriesPerPage * EntrySize // 4064
	MaxInvalidPages = 4000
	maxGrowPages    = 256
)

// Entry tags (spec.md §3/§6).
const (
	TagFileWrite   uint8 = 1
	TagDirLog      uint8 = 2
	TagSetAttr     uint8 = 3
	TagLinkChange  uint8 = 4

	// TagPad marks a throwaway filler slot written only to push a
	// following NEW_INODE DIR_LOG entry onto cacheline alignment. It
	// carries no payload and is never collected by GC, same as any other
	// non-FILE_WRITE entry (spec.md §4.5).
	TagPad uint8 = 0xFF
)

// InlineInodeSize is PMFS_INODE_SIZE: the size of the inode record inlined
// immediately after a NEW_INODE-flagged DIR_LOG entry (spec.md §4.5/§4.6).
// Kept as a plain constant here rather than importing pkg/inode/pkg/itable,
// to avoid a package cycle (inode already imports inodelog).
const InlineInodeSize = 128

const inlineInodeSlots = InlineInodeSize / EntrySize

// entryAddr returns the PM address of the entry at index i (0..126) on the
// page starting at pageOff.
func entryAddr(pageOff pm.Offset, i int) pm.Offset {
	return pageOff + pm.Offset(i*EntrySize)
}

func tailAddr(pageOff pm.Offset) pm.Offset {
	return pageOff + pm.Offset(EntriesPerPage*EntrySize)
}

func nextPageAddr(pageOff pm.Offset) pm.Offset {
	return tailAddr(pageOff) + pm.Offset(TailSize-8)
}

// NextPage reads a page's tail-stored successor pointer; 0 terminates the
// chain.
func NextPage(r *pm.Region, pageOff pm.Offset) pm.Offset {
	return pm.Offset(r.LoadU64(nextPageAddr(pageOff)))
}

func setNextPage(r *pm.Region, pageOff, next pm.Offset) {
	r.StoreU64(nextPageAddr(pageOff), uint64(next))
	r.Flush(nextPageAddr(pageOff), 8)
}

// EntryOffsetOnPage returns the offset within a 4K page (ENTRY_LOC) for a
// PM address known to lie on some log page.
func EntryOffsetOnPage(off pm.Offset) uint64 {
	return uint64(off) & 0xFFF
}

// ---- FileWriteEntry ----

// FileWriteEntry names a data extent published by a write: the PM offset of
// the first data block, the file-relative page offset it starts at, how
// many pages it spans, and how many of those pages have since been
// superseded (invalidated) by later writes.
type FileWriteEntry struct {
	Block        pm.Offset
	Pgoff        uint64
	NumPages     uint32
	InvalidPages uint32
}

func (e FileWriteEntry) encode() [EntrySize]byte {
	var buf [EntrySize]byte
	buf[0] = TagFileWrite
	binary.LittleEndian.PutUint64(buf[4:12], uint64(e.Block))
	binary.LittleEndian.PutUint64(buf[12:20], e.Pgoff)
	binary.LittleEndian.PutUint32(buf[20:24], e.NumPages)
	binary.LittleEndian.PutUint32(buf[24:28], e.InvalidPages)
	return buf
}

func decodeFileWriteEntry(buf []byte) FileWriteEntry {
	return FileWriteEntry{
		Block:        pm.Offset(binary.LittleEndian.Uint64(buf[4:12])),
		Pgoff:        binary.LittleEndian.Uint64(buf[12:20]),
		NumPages:     binary.LittleEndian.Uint32(buf[20:24]),
		InvalidPages: binary.LittleEndian.Uint32(buf[24:28]),
	}
}

// ReadFileWriteEntry decodes the FILE_WRITE entry at off.
func ReadFileWriteEntry(r *pm.Region, off pm.Offset) FileWriteEntry {
	buf := r.Bytes(off, EntrySize)
	return decodeFileWriteEntry(buf)
}

// IncrementInvalid bumps the invalid-page counter of the FILE_WRITE entry at
// off by one, saturating at MaxInvalidPages, and reports whether the entry
// is now fully superseded (every one of its pages invalid).
func IncrementInvalid(r *pm.Region, off pm.Offset) (fullyInvalid bool) {
	e := ReadFileWriteEntry(r, off)
	if e.InvalidPages < MaxInvalidPages {
		e.InvalidPages++
	}
	buf := e.encode()
	r.Bytes(off, EntrySize)
	copy(r.Bytes(off, EntrySize), buf[:])
	r.Flush(off, EntrySize)
	return e.InvalidPages >= e.NumPages
}

// ---- DirLogEntry ----

const dirLogMaxName = 19

// DirLogEntry records a directory-log mutation: Ino>0 is an insert, Ino==0
// is a remove. NewInode marks that a PMFS_INODE_SIZE slot immediately
// follows (cacheline-aligned) carrying the freshly created inode's record.
type DirLogEntry struct {
	Ino      uint32
	FileType uint8
	NewInode bool
	MTime    uint32
	Name     string
}

func (e DirLogEntry) encode() [EntrySize]byte {
	var buf [EntrySize]byte
	buf[0] = TagDirLog
	name := e.Name
	if len(name) > dirLogMaxName {
		name = name[:dirLogMaxName]
	}
	buf[1] = uint8(len(name))
	buf[2] = e.FileType
	if e.NewInode {
		buf[3] = 1
	}
	binary.LittleEndian.PutUint32(buf[4:8], e.Ino)
	binary.LittleEndian.PutUint32(buf[8:12], e.MTime)
	copy(buf[12:12+len(name)], name)
	return buf
}

func decodeDirLogEntry(buf []byte) DirLogEntry {
	nameLen := int(buf[1])
	if nameLen > dirLogMaxName {
		nameLen = dirLogMaxName
	}
	return DirLogEntry{
		Ino:      binary.LittleEndian.Uint32(buf[4:8]),
		FileType: buf[2],
		NewInode: buf[3] != 0,
		MTime:    binary.LittleEndian.Uint32(buf[8:12]),
		Name:     string(buf[12 : 12+nameLen]),
	}
}

// IsLastDirEntry reports whether no further directory entry (not even a
// zero-name one) can fit at off within its page, or the entry there has a
// zero name length -- the two tail-of-chain conditions from spec.md §4.5.
func IsLastDirEntry(r *pm.Region, off pm.Offset) bool {
	loc := EntryOffsetOnPage(off)
	if loc+EntrySize > LastEntry {
		return true
	}
	buf := r.Bytes(off, EntrySize)
	if buf[0] != TagDirLog {
		return false
	}
	return buf[1] == 0
}

// ---- SetAttrEntry ----

type SetAttrEntry struct {
	Size  uint64
	Mode  uint16
	UID   uint32
	GID   uint32
	MTime uint32
	CTime uint32
}

func (e SetAttrEntry) encode() [EntrySize]byte {
	var buf [EntrySize]byte
	buf[0] = TagSetAttr
	binary.LittleEndian.PutUint64(buf[4:12], e.Size)
	binary.LittleEndian.PutUint16(buf[12:14], e.Mode)
	binary.LittleEndian.PutUint32(buf[14:18], e.UID)
	binary.LittleEndian.PutUint32(buf[18:22], e.GID)
	binary.LittleEndian.PutUint32(buf[22:26], e.MTime)
	binary.LittleEndian.PutUint32(buf[26:30], e.CTime)
	return buf
}

func decodeSetAttrEntry(buf []byte) SetAttrEntry {
	return SetAttrEntry{
		Size:  binary.LittleEndian.Uint64(buf[4:12]),
		Mode:  binary.LittleEndian.Uint16(buf[12:14]),
		UID:   binary.LittleEndian.Uint32(buf[14:18]),
		GID:   binary.LittleEndian.Uint32(buf[18:22]),
		MTime: binary.LittleEndian.Uint32(buf[22:26]),
		CTime: binary.LittleEndian.Uint32(buf[26:30]),
	}
}

// ---- LinkChangeEntry ----

type LinkChangeEntry struct {
	Ino       uint32
	LinkDelta int32
	MTime     uint32
}

func (e LinkChangeEntry) encode() [EntrySize]byte {
	var buf [EntrySize]byte
	buf[0] = TagLinkChange
	binary.LittleEndian.PutUint32(buf[4:8], e.Ino)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(e.LinkDelta))
	binary.LittleEndian.PutUint32(buf[12:16], e.MTime)
	return buf
}

func decodeLinkChangeEntry(buf []byte) LinkChangeEntry {
	return LinkChangeEntry{
		Ino:       binary.LittleEndian.Uint32(buf[4:8]),
		LinkDelta: int32(binary.LittleEndian.Uint32(buf[8:12])),
		MTime:     binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// Tag returns the leading discriminator byte of whatever entry is at off.
func Tag(r *pm.Region, off pm.Offset) uint8 {
	return r.Bytes(off, 1)[0]
}

// Encoder is implemented by the four entry kinds.
type Encoder interface {
	encode() [EntrySize]byte
}

func writeEntry(r *pm.Region, off pm.Offset, e Encoder) {
	buf := e.encode()
	copy(r.Bytes(off, EntrySize), buf[:])
	r.Flush(off, EntrySize)
}

// Decode reads whichever entry kind is tagged at off.
func Decode(r *pm.Region, off pm.Offset) interface{} {
	buf := r.Bytes(off, EntrySize)
	switch buf[0] {
	case TagFileWrite:
		return decodeFileWriteEntry(buf)
	case TagDirLog:
		return decodeDirLogEntry(buf)
	case TagSetAttr:
		return decodeSetAttrEntry(buf)
	case TagLinkChange:
		return decodeLinkChangeEntry(buf)
	default:
		return nil
	}
}

// ---- page allocation, append, GC, free ----

// AllocatePages requests n meta blocks from the allocator and chains them
// into a linked sequence of log pages, returning the PM offset of the first.
func AllocatePages(al alloc.Allocator, n int) (pm.Offset, error) {
	if n <= 0 {
		return pm.Null, pmerr.ErrInvalid
	}
	region := regionOf(al)
	first, err := al.NewMetaBlocks(n, true)
	if err != nil {
		return pm.Null, pmerr.ErrNoSpace
	}
	for i := 0; i < n-1; i++ {
		cur := first + pm.Offset(i*PageSize)
		next := first + pm.Offset((i+1)*PageSize)
		setNextPage(region, cur, next)
	}
	// last page's next_page stays zero (chain terminator) until the caller
	// links it onward.
	return first, nil
}

// regionOf recovers the backing pm.Region from an Allocator. The reference
// FreeListAllocator exposes it directly; other Allocator implementations
// are expected to do the same via this narrow interface.
type regionProvider interface {
	Region() *pm.Region
}

func regionOf(al alloc.Allocator) *pm.Region {
	if rp, ok := al.(regionProvider); ok {
		return rp.Region()
	}
	panic("inodelog: allocator does not expose its pm.Region")
}

// Log bundles the mutable {head, tail, pages} triple that the owning inode
// persists. Operations return updated values rather than mutating a shared
// struct, so callers remain in control of when the new values are published
// to the on-PM inode record (spec.md §4.2's "caller later publishes a new
// log_tail").
type Log struct {
	Head  pm.Offset
	Tail  pm.Offset
	Pages uint32
}

// Append reserves space for one entry, writes it, and returns the Log's new
// state. It allocates the first page on an empty log, and grows (then GCs)
// the chain when the reservation would cross LastEntry with no successor
// page, per spec.md §4.2.
func Append(r *pm.Region, al alloc.Allocator, st Log, e Encoder) (Log, pm.Offset, error) {
	if st.Tail == pm.Null {
		page, err := AllocatePages(al, 1)
		if err != nil {
			return st, pm.Null, err
		}
		st = Log{Head: page, Tail: page, Pages: 1}
	}

	loc := EntryOffsetOnPage(st.Tail)
	pageOff := st.Tail - pm.Offset(loc)
	if loc >= LastEntry {
		next := NextPage(r, pageOff)
		if next == pm.Null {
			var err error
			st, err = growAndGC(r, al, st, 1)
			if err != nil {
				return st, pm.Null, err
			}
			loc = EntryOffsetOnPage(st.Tail)
			pageOff = st.Tail - pm.Offset(loc)
		} else {
			st.Tail = next
			loc = 0
			pageOff = next
		}
	}

	entryOff := pageOff + pm.Offset(loc)
	writeEntry(r, entryOff, e)

	newLoc := loc + EntrySize
	var newTail pm.Offset
	if newLoc >= LastEntry {
		next := NextPage(r, pageOff)
		if next == pm.Null {
			grown, err := growAndGC(r, al, st, 1)
			if err != nil {
				// the entry itself is already durable; the log simply
				// can't accept another append until space frees up.
				return Log{Head: st.Head, Tail: pageOff + pm.Offset(newLoc), Pages: st.Pages}, entryOff, nil
			}
			st = grown
			newTail = st.Tail
		} else {
			newTail = next
		}
	} else {
		newTail = pageOff + pm.Offset(newLoc)
	}

	r.Fence()
	st.Tail = newTail
	return st, entryOff, nil
}

// padEntry is a zero-payload filler slot, used only by AppendNewInode to
// nudge a following DIR_LOG entry onto an odd slot index so its inlined
// inode record lands cacheline-aligned.
type padEntry struct{}

func (padEntry) encode() [EntrySize]byte {
	var buf [EntrySize]byte
	buf[0] = TagPad
	return buf
}

// AppendNewInode writes a NEW_INODE-flagged DIR_LOG entry immediately
// followed by an inlined, cacheline-aligned InlineInodeSize-byte inode
// record, as spec.md §4.5/§4.6 requires. e.NewInode is forced true
// regardless of its caller-supplied value. record must be exactly
// InlineInodeSize bytes.
//
// The two pieces are reserved as a single unit that never splits across a
// page boundary: if the current tail isn't already on an odd slot index (so
// that the record immediately following the entry starts on a 64-byte
// boundary), or the unit doesn't fit in the page's remaining entries, a
// single TagPad filler entry is written first, or the tail is advanced to
// (growing, if necessary) a fresh page.
func AppendNewInode(r *pm.Region, al alloc.Allocator, st Log, e DirLogEntry, record []byte) (Log, pm.Offset, pm.Offset, error) {
	if len(record) != InlineInodeSize {
		return st, pm.Null, pm.Null, pmerr.ErrInvalid
	}
	e.NewInode = true

	if st.Tail == pm.Null {
		page, err := AllocatePages(al, 1)
		if err != nil {
			return st, pm.Null, pm.Null, err
		}
		st = Log{Head: page, Tail: page, Pages: 1}
	}

	for {
		loc := EntryOffsetOnPage(st.Tail)
		pageOff := st.Tail - pm.Offset(loc)
		slot := loc / EntrySize

		needPad := slot%2 == 0
		unitSlots := uint64(1 + inlineInodeSlots)
		if needPad {
			unitSlots++
		}

		if loc+unitSlots*EntrySize > LastEntry {
			next := NextPage(r, pageOff)
			if next == pm.Null {
				grown, err := growAndGC(r, al, st, 1)
				if err != nil {
					return st, pm.Null, pm.Null, err
				}
				st = grown
			} else {
				st.Tail = next
			}
			continue
		}

		if needPad {
			writeEntry(r, pageOff+pm.Offset(loc), padEntry{})
			loc += EntrySize
		}

		entryOff := pageOff + pm.Offset(loc)
		writeEntry(r, entryOff, e)
		inodeOff := entryOff + pm.Offset(EntrySize)
		copy(r.Bytes(inodeOff, InlineInodeSize), record)
		r.Flush(inodeOff, InlineInodeSize)

		newLoc := loc + EntrySize + InlineInodeSize
		var newTail pm.Offset
		if newLoc >= LastEntry {
			next := NextPage(r, pageOff)
			if next == pm.Null {
				grown, err := growAndGC(r, al, st, 1)
				if err != nil {
					return Log{Head: st.Head, Tail: inodeOff + pm.Offset(InlineInodeSize), Pages: st.Pages}, entryOff, inodeOff, nil
				}
				st = grown
				newTail = st.Tail
			} else {
				newTail = next
			}
		} else {
			newTail = pageOff + pm.Offset(newLoc)
		}

		r.Fence()
		st.Tail = newTail
		return st, entryOff, inodeOff, nil
	}
}

// growAndGC allocates up to maxGrowPages new pages, appends them to the
// chain, runs garbage collection over the existing chain, and returns the
// updated Log state with Tail pointing at the first fresh page.
func growAndGC(r *pm.Region, al alloc.Allocator, st Log, minPages int) (Log, error) {
	n := minPages
	if n < 8 {
		n = 8
	}
	if n > maxGrowPages {
		n = maxGrowPages
	}
	newChain, err := AllocatePages(al, n)
	if err != nil {
		return st, err
	}

	head, _ := gc(r, al, st.Head, st.Tail)

	oldTailLoc := EntryOffsetOnPage(st.Tail)
	oldTailPage := st.Tail - pm.Offset(oldTailLoc)
	setNextPage(r, oldTailPage, newChain)

	pages := countChain(r, head)
	r.Fence()
	return Log{Head: head, Tail: newChain, Pages: pages}, nil
}

func countChain(r *pm.Region, head pm.Offset) uint32 {
	var n uint32
	for p := head; p != pm.Null; p = NextPage(r, p) {
		n++
	}
	return n
}

// pageIsInvalid reports whether every entry on the page is fully
// superseded (invalid_pages == num_pages for FILE_WRITE entries; other
// entry kinds are never collected here since they carry no invalidation
// counter -- SET_ATTR/LINK_CHANGE/DIR_LOG pages are reclaimed only when an
// inode is freed, via Free).
func pageIsInvalid(r *pm.Region, pageOff pm.Offset) bool {
	for i := 0; i < EntriesPerPage; i++ {
		off := entryAddr(pageOff, i)
		tag := Tag(r, off)
		if tag == 0 {
			continue // never-written slot: treat as vacuous, doesn't block collection
		}
		if tag != TagFileWrite {
			return false
		}
		e := ReadFileWriteEntry(r, off)
		if e.InvalidPages < e.NumPages {
			return false
		}
	}
	return true
}

// gc walks the chain from head to (but not including) the page holding
// tail, unlinking and freeing fully-invalid pages. Fully-invalid pages at
// the very head are freed as the walk steps past them, and the first live
// page is returned as the new head; their release is not deferred until the
// caller has published that new head.
func gc(r *pm.Region, al alloc.Allocator, head, tail pm.Offset) (newHead pm.Offset, freed int) {
	tail -= pm.Offset(EntryOffsetOnPage(tail))
	for head != pm.Null && head != tail && pageIsInvalid(r, head) {
		next := NextPage(r, head)
		al.FreeMetaBlock(head)
		freed++
		head = next
	}
	if head == pm.Null || head == tail {
		return head, freed
	}

	prev := head
	cur := NextPage(r, prev)
	for cur != pm.Null && cur != tail {
		next := NextPage(r, cur)
		if pageIsInvalid(r, cur) {
			setNextPage(r, prev, next)
			al.FreeMetaBlock(cur)
			freed++
		} else {
			prev = cur
		}
		cur = next
	}
	return head, freed
}

// GC runs a standalone collection pass (exposed for tests and for callers
// that want to reclaim space without growing the chain).
func GC(r *pm.Region, al alloc.Allocator, st Log) Log {
	head, _ := gc(r, al, st.Head, st.Tail)
	return Log{Head: head, Tail: st.Tail, Pages: countChain(r, head)}
}

// Free walks the whole chain and releases every page, resetting the log to
// empty.
func Free(r *pm.Region, al alloc.Allocator, st Log) Log {
	for p := st.Head; p != pm.Null; {
		next := NextPage(r, p)
		al.FreeMetaBlock(p)
		p = next
	}
	return Log{}
}

// helpers re-exported for callers that need to build entries directly.
func EncodeFileWrite(e FileWriteEntry) Encoder   { return e }
func EncodeDirLog(e DirLogEntry) Encoder         { return e }
func EncodeSetAttr(e SetAttrEntry) Encoder       { return e }
func EncodeLinkChange(e LinkChangeEntry) Encoder { return e }

// DecodeDirLog is a typed convenience wrapper over Decode.
func DecodeDirLog(r *pm.Region, off pm.Offset) (DirLogEntry, bool) {
	v := Decode(r, off)
	e, ok := v.(DirLogEntry)
	return e, ok
}

// DecodeSetAttr is a typed convenience wrapper over Decode.
func DecodeSetAttr(r *pm.Region, off pm.Offset) (SetAttrEntry, bool) {
	v := Decode(r, off)
	e, ok := v.(SetAttrEntry)
	return e, ok
}

// DecodeLinkChange is a typed convenience wrapper over Decode.
func DecodeLinkChange(r *pm.Region, off pm.Offset) (LinkChangeEntry, bool) {
	v := Decode(r, off)
	e, ok := v.(LinkChangeEntry)
	return e, ok
}
