// Package inode implements per-inode lifecycle orchestration (C9): the
// 128-byte on-PM inode record and the new/iget/evict/setattr/write
// operations that combine the radix tree (C4), inode log (C5), inode table
// (C6), truncate list (C7), and directory index (C8) with the journal and
// protection gate.
//
// The record's field-by-field binary.LittleEndian encode/decode follows
// the teacher's own inode marshaling in pkg/ext4/inode.go rather than
// relying on struct layout/padding, since the layout here is required to
// be bit-exact (spec.md §6).
package inode

import (
	"context"
	"encoding/binary"

	"github.com/pmfs-project/pmfs/pkg/alloc"
	"github.com/pmfs-project/pmfs/pkg/dirindex"
	"github.com/pmfs-project/pmfs/pkg/gate"
	"github.com/pmfs-project/pmfs/pkg/inodelog"
	"github.com/pmfs-project/pmfs/pkg/itable"
	"github.com/pmfs-project/pmfs/pkg/journal"
	"github.com/pmfs-project/pmfs/pkg/pm"
	"github.com/pmfs-project/pmfs/pkg/pmerr"
	"github.com/pmfs-project/pmfs/pkg/radixtree"
	"github.com/pmfs-project/pmfs/pkg/trunclist"
)

// Size is the fixed on-PM inode record size (spec.md §3), matching
// itable.SlotSize.
const Size = itable.SlotSize

// RootIno is the filesystem root directory's inode number. It is slot 0 of
// the inode table, reserved (spec.md §3) and never handed out by Acquire's
// free-hint search once InitRoot has populated it.
const RootIno uint32 = 0

// FlagEOFBlocks marks an inode whose Blocks count, rather than its byte
// size, bounds the range Evict truncates. Write sets it when allocating the
// data blocks for a write fails, and a shrinking setsize clears it.
const FlagEOFBlocks uint32 = 1 << 0

// field byte offsets within the 128-byte record.
const (
	offValid    = 0   // uint32: nonzero once a slot holds a live record
	offLinks    = 4   // uint32
	offMode     = 8   // uint16
	offBlkType  = 10  // uint8
	offHeight   = 11  // uint8
	offUID      = 12  // uint32
	offGID      = 16  // uint32
	offFlags    = 20  // uint32
	offGen      = 24  // uint32
	offDev      = 28  // uint32
	offDtime    = 32  // uint32
	offAtime    = 36  // uint32
	offCtime    = 40  // uint32
	offMtime    = 44  // uint32
	offSize     = 48  // uint64
	offBlocks   = 56  // uint64
	offRoot     = 64  // uint64 (pm.Offset)
	offLogHead  = 72  // uint64
	offLogTail  = 80  // uint64
	offLogPages = 88  // uint32
	offTruncOff = 92  // uint64 (pm.Offset of this inode's truncate_item, 0 if none)
	offXattr    = 100 // uint64 (pm.Offset), pad to 128
)

// Inode is the decoded view of one 128-byte record.
type Inode struct {
	Mode         uint16
	UID, GID     uint32
	LinksCount   uint32
	Size         uint64
	Blocks       uint64
	Atime        uint32
	Ctime        uint32
	Mtime        uint32
	Dtime        uint32
	Generation   uint32
	Flags        uint32
	BlkType      alloc.BlockType
	Height       uint8
	Root         pm.Offset
	LogHead      pm.Offset
	LogTail      pm.Offset
	LogPages     uint32
	Dev          uint32
	Xattr        pm.Offset
	TruncItemOff pm.Offset
}

func decode(buf []byte) Inode {
	return Inode{
		LinksCount:   binary.LittleEndian.Uint32(buf[offLinks : offLinks+4]),
		Mode:         binary.LittleEndian.Uint16(buf[offMode : offMode+2]),
		BlkType:      alloc.BlockType(buf[offBlkType]),
		Height:       buf[offHeight],
		UID:          binary.LittleEndian.Uint32(buf[offUID : offUID+4]),
		GID:          binary.LittleEndian.Uint32(buf[offGID : offGID+4]),
		Flags:        binary.LittleEndian.Uint32(buf[offFlags : offFlags+4]),
		Generation:   binary.LittleEndian.Uint32(buf[offGen : offGen+4]),
		Dev:          binary.LittleEndian.Uint32(buf[offDev : offDev+4]),
		Dtime:        binary.LittleEndian.Uint32(buf[offDtime : offDtime+4]),
		Atime:        binary.LittleEndian.Uint32(buf[offAtime : offAtime+4]),
		Ctime:        binary.LittleEndian.Uint32(buf[offCtime : offCtime+4]),
		Mtime:        binary.LittleEndian.Uint32(buf[offMtime : offMtime+4]),
		Size:         binary.LittleEndian.Uint64(buf[offSize : offSize+8]),
		Blocks:       binary.LittleEndian.Uint64(buf[offBlocks : offBlocks+8]),
		Root:         pm.Offset(binary.LittleEndian.Uint64(buf[offRoot : offRoot+8])),
		LogHead:      pm.Offset(binary.LittleEndian.Uint64(buf[offLogHead : offLogHead+8])),
		LogTail:      pm.Offset(binary.LittleEndian.Uint64(buf[offLogTail : offLogTail+8])),
		LogPages:     binary.LittleEndian.Uint32(buf[offLogPages : offLogPages+4]),
		TruncItemOff: pm.Offset(binary.LittleEndian.Uint64(buf[offTruncOff : offTruncOff+8])),
		Xattr:        pm.Offset(binary.LittleEndian.Uint64(buf[offXattr : offXattr+8])),
	}
}

func (n Inode) encode(valid bool) [Size]byte {
	var buf [Size]byte
	if valid {
		binary.LittleEndian.PutUint32(buf[offValid:offValid+4], 1)
	}
	binary.LittleEndian.PutUint32(buf[offLinks:offLinks+4], n.LinksCount)
	binary.LittleEndian.PutUint16(buf[offMode:offMode+2], n.Mode)
	buf[offBlkType] = uint8(n.BlkType)
	buf[offHeight] = n.Height
	binary.LittleEndian.PutUint32(buf[offUID:offUID+4], n.UID)
	binary.LittleEndian.PutUint32(buf[offGID:offGID+4], n.GID)
	binary.LittleEndian.PutUint32(buf[offFlags:offFlags+4], n.Flags)
	binary.LittleEndian.PutUint32(buf[offGen:offGen+4], n.Generation)
	binary.LittleEndian.PutUint32(buf[offDev:offDev+4], n.Dev)
	binary.LittleEndian.PutUint32(buf[offDtime:offDtime+4], n.Dtime)
	binary.LittleEndian.PutUint32(buf[offAtime:offAtime+4], n.Atime)
	binary.LittleEndian.PutUint32(buf[offCtime:offCtime+4], n.Ctime)
	binary.LittleEndian.PutUint32(buf[offMtime:offMtime+4], n.Mtime)
	binary.LittleEndian.PutUint64(buf[offSize:offSize+8], n.Size)
	binary.LittleEndian.PutUint64(buf[offBlocks:offBlocks+8], n.Blocks)
	binary.LittleEndian.PutUint64(buf[offRoot:offRoot+8], uint64(n.Root))
	binary.LittleEndian.PutUint64(buf[offLogHead:offLogHead+8], uint64(n.LogHead))
	binary.LittleEndian.PutUint64(buf[offLogTail:offLogTail+8], uint64(n.LogTail))
	binary.LittleEndian.PutUint32(buf[offLogPages:offLogPages+4], n.LogPages)
	binary.LittleEndian.PutUint64(buf[offTruncOff:offTruncOff+8], uint64(n.TruncItemOff))
	binary.LittleEndian.PutUint64(buf[offXattr:offXattr+8], uint64(n.Xattr))
	return buf
}

// Manager owns the collaborators an inode operation needs: the PM region,
// the block/meta allocator, the protection gate, the inode table, the
// truncate list, and a journal. One Manager is shared by every inode of a
// single mounted filesystem, matching the teacher's single superblock
// owning all of its subsystems (pkg/ext4/super.go).
type Manager struct {
	R       *pm.Region
	Alloc   alloc.Allocator
	Gate    *gate.Gate
	Table   *itable.Table
	Trunc   *trunclist.List
	Journal journal.Journal
}

func (m *Manager) tree() *radixtree.Tree { return &radixtree.Tree{R: m.R, Alloc: m.Alloc} }

// Addr returns the PM address of inode number ino's slot.
func (m *Manager) Addr(ino uint32) pm.Offset { return m.Table.SlotOffset(ino) }

// Read decodes the inode record at ino.
func (m *Manager) Read(ino uint32) Inode {
	return decode(m.R.Bytes(m.Addr(ino), Size))
}

// active is the iget predicate: a slot is a usable inode iff it has at
// least one link, a nonzero mode, and no dtime.
func active(n Inode) bool {
	return n.LinksCount > 0 && (n.Mode != 0 && n.Dtime == 0)
}

// Iget resolves ino to its decoded inode, failing with ErrBadInode if the
// slot does not pass the active predicate (spec.md §7).
func (m *Manager) Iget(ino uint32) (Inode, error) {
	n := m.Read(ino)
	if !active(n) {
		return Inode{}, pmerr.ErrBadInode
	}
	return n, nil
}

func (m *Manager) write(ino uint32, n Inode, valid bool) {
	buf := n.encode(valid)
	m.Gate.Unlocked(func() {
		copy(m.R.Bytes(m.Addr(ino), Size), buf[:])
		m.R.CommitBarrier(m.Addr(ino), Size)
	})
}

// publishRootHeight republishes ino's root/height fields via
// pm.Region.CASRootHeight, the 16-byte atomic update DecreaseHeight's
// contract requires (spec.md §4.1's decrease_btree_height): a concurrent
// Iget/Read samples the record without taking the gate, so the pair has to
// move from (oldRoot, oldHeight) to (newRoot, newHeight) as one unit rather
// than through the two separate field writes a plain record rewrite would
// otherwise need. A failed CAS (someone else already moved the fields) is
// left for the subsequent full-record m.write to reconcile; outside this
// helper, root/height change only through the full-record writes of Write
// and the Evict/clear path.
func (m *Manager) publishRootHeight(ino uint32, oldRoot pm.Offset, oldHeight uint8, newRoot pm.Offset, newHeight uint8) {
	if oldRoot == newRoot && oldHeight == newHeight {
		return
	}
	addr := m.Addr(ino)
	m.R.CASRootHeight(addr+offRoot, addr+offHeight, oldRoot, oldHeight, newRoot, newHeight)
}

// New carves a fresh inode slot under the table's free-hint search, writes
// its owner/mode/flags/blk_type, and appends the parent directory's DIR_LOG
// + directory-index entries, all inside one journal transaction (spec.md
// §4.6's Create). On commit failure the slot is marked bad and released.
func (m *Manager) New(parentIno uint32, name string, mode uint16, uid, gid uint32, btype alloc.BlockType, now uint32, dirIdx *dirindex.Index) (uint32, error) {
	ino, err := m.Table.Acquire(m.growTable)
	if err != nil {
		return 0, err
	}

	txn, err := m.Journal.NewTransaction(2)
	if err != nil {
		return 0, pmerr.ErrTransient
	}

	n := Inode{
		Mode: mode, UID: uid, GID: gid, LinksCount: 1,
		BlkType: btype, Ctime: now, Mtime: now, Atime: now,
	}
	m.write(ino, n, true)
	m.Journal.AddLogEntry(txn, m.Addr(ino), Size, journal.KindInode)

	parent, err := m.Iget(parentIno)
	if err != nil {
		m.markBad(ino)
		return 0, err
	}
	record := n.encode(true)
	newLog, entryOff, _, err := inodelog.AppendNewInode(m.R, m.Alloc, inodelog.Log{Head: parent.LogHead, Tail: parent.LogTail, Pages: parent.LogPages},
		inodelog.DirLogEntry{Ino: ino, FileType: uint8(mode >> 12), MTime: now, Name: name}, record[:])
	if err != nil {
		m.markBad(ino)
		return 0, err
	}
	parent.LogHead, parent.LogTail, parent.LogPages = newLog.Head, newLog.Tail, newLog.Pages
	m.write(parentIno, parent, true)
	m.Journal.AddLogEntry(txn, m.Addr(parentIno), Size, journal.KindInode)

	if err := m.Journal.Commit(txn); err != nil {
		m.markBad(ino)
		return 0, pmerr.ErrTransient
	}

	if dirIdx != nil {
		dirIdx.Insert(name, entryOff)
	}
	return ino, nil
}

// InitRoot creates the filesystem root directory at RootIno. A fresh,
// empty table hands out slot 0 first (Acquire's free-hint search starts at
// 0 and every slot in a newly grown extent is free), so a single Acquire
// call on a table with no extents yet claims exactly the reserved root
// slot; InitRoot checks that rather than assuming it, since nothing about
// Acquire's signature otherwise guarantees it. Unlike New, there is no
// parent directory to log into, so the record is written directly and no
// journal transaction is needed -- this only ever runs once, against an
// image with nothing yet to leave inconsistent.
func (m *Manager) InitRoot(now uint32) (uint32, error) {
	ino, err := m.Table.Acquire(m.growTable)
	if err != nil {
		return 0, err
	}
	if ino != RootIno {
		return 0, pmerr.ErrCorrupt
	}
	n := Inode{
		Mode:       0040755,
		LinksCount: 2,
		BlkType:    alloc.Block4K,
		Ctime:      now, Mtime: now, Atime: now,
	}
	m.write(ino, n, true)
	return ino, nil
}

func (m *Manager) markBad(ino uint32) {
	n := m.Read(ino)
	n.LinksCount = 0
	n.Dtime = n.Mtime
	m.write(ino, n, false)
}

// growTable requests one more meta block's worth of slots from the
// allocator directly, per itable's extent-list simplification (see
// pkg/itable's doc comment): the real PMFS inode table is itself backed by
// a single contiguous file tree, but since this build's slots need not be
// PM-adjacent, one extent is just one freshly allocated, zeroed meta block.
func (m *Manager) growTable() (pm.Offset, error) {
	return m.Alloc.NewMetaBlocks(1, true)
}

// Write allocates num := last-first+1 fresh, contiguous data blocks for the
// [first, last] 4K-relative range, appends a FILE_WRITE entry naming that
// extent, and calls assign_blocks to publish the entry's offset into every
// leaf across the range -- growing height as needed and retiring whatever
// FILE_WRITE entry previously occupied each displaced leaf (spec.md §4.6's
// Write). A file tree's leaves are always log-entry offsets, never raw
// data-block addresses, so unlike a directory tree's AllocBlocks-only
// path, a file write never calls AllocBlocks against its own tree.
func (m *Manager) Write(ino uint32, first, last uint64, now uint32) (Inode, error) {
	n, err := m.Iget(ino)
	if err != nil {
		return n, err
	}

	numPages := last - first + 1
	dataBlock, err := m.Alloc.NewDataBlocks(n.BlkType, int(numPages), true)
	if err != nil {
		n.Flags |= FlagEOFBlocks
		m.write(ino, n, true)
		return n, err
	}

	newLog, entryOff, err := inodelog.Append(m.R, m.Alloc, inodelog.Log{Head: n.LogHead, Tail: n.LogTail, Pages: n.LogPages},
		inodelog.EncodeFileWrite(inodelog.FileWriteEntry{
			Block:    dataBlock,
			Pgoff:    first,
			NumPages: uint32(numPages),
		}))
	if err != nil {
		return n, err
	}
	n.LogHead, n.LogTail, n.LogPages = newLog.Head, newLog.Tail, newLog.Pages

	tr := m.tree()
	root, height, err := tr.AssignBlocks(context.Background(), n.Root, n.Height, n.BlkType, first, last, entryOff)
	if err != nil {
		return n, err
	}
	n.Root, n.Height = root, height

	blocksAfter := last + 1
	if blocksAfter > n.Blocks {
		n.Blocks = blocksAfter
	}
	sizeAfter := blocksAfter * uint64(alloc.Size(n.BlkType))
	if sizeAfter > n.Size {
		n.Size = sizeAfter
	}
	n.Mtime, n.Ctime = now, now

	m.write(ino, n, true)
	return n, nil
}

// SetAttr implements spec.md §4.6's Setattr: a single-field change updates
// in place; an ATTR_SIZE change additionally drives the truncate-list /
// setsize / __truncate_blocks sequence.
func (m *Manager) SetAttr(ino uint32, newSize *uint64, newMode *uint16, now uint32) (Inode, error) {
	n, err := m.Iget(ino)
	if err != nil {
		return n, err
	}

	if newMode != nil && newSize == nil {
		n.Mode = *newMode
		n.Ctime = now
		m.write(ino, n, true)
		return n, nil
	}

	if newSize == nil {
		return n, nil
	}

	truncOff, err := m.Trunc.Add(ino, *newSize)
	if err != nil {
		return n, err
	}
	n.TruncItemOff = truncOff
	m.write(ino, n, true)

	n, err = m.setsize(n, ino, *newSize, now)
	if err != nil {
		return n, err
	}

	m.Trunc.Remove(truncOff)
	n.TruncItemOff = pm.Null
	m.write(ino, n, true)
	return n, nil
}

// setsize implements pmfs_setsize: truncate to newSize, reducing blocks and
// height as described in spec.md §4.1/§4.6.
func (m *Manager) setsize(n Inode, ino uint32, newSize uint64, now uint32) (Inode, error) {
	blockSize := uint64(alloc.Size(n.BlkType))
	newBlocks := (newSize + blockSize - 1) / blockSize
	if newBlocks >= n.Blocks {
		n.Size = newSize
		n.Mtime, n.Ctime = now, now
		m.write(ino, n, true)
		return n, nil
	}

	oldRoot, oldHeight := n.Root, n.Height

	tr := m.tree()
	kind := radixtree.FileTree
	root, emptied, err := tr.TruncateRange(context.Background(), n.Root, n.Height, n.BlkType, kind, newBlocks, n.Blocks-1, 0)
	if err != nil {
		return n, err
	}

	var newRoot pm.Offset
	var newHeight uint8
	if emptied {
		newRoot, newHeight = pm.Null, 0
	} else {
		newRoot, newHeight, err = tr.DecreaseHeight(root, n.Height, newSize, n.BlkType)
		if err != nil {
			return n, err
		}
	}
	m.publishRootHeight(ino, oldRoot, oldHeight, newRoot, newHeight)
	n.Root, n.Height = newRoot, newHeight
	n.Blocks = newBlocks
	n.Size = newSize
	n.Flags &^= FlagEOFBlocks
	n.Mtime, n.Ctime = now, now
	m.write(ino, n, true)
	return n, nil
}

// Evict implements spec.md §4.6's Evict: computes the last addressed block
// from size (honoring FlagEOFBlocks), frees the tree subtree, frees the
// log, then clears the slot (journalled) so it passes the free predicate
// again.
func (m *Manager) Evict(ino uint32, isDir bool) error {
	n := m.Read(ino)
	if n.LinksCount > 0 {
		return nil // still referenced; nothing to evict yet
	}

	kind := radixtree.FileTree
	if isDir {
		kind = radixtree.DirTree
	}

	if n.Height > 0 || n.Root != pm.Null {
		blockSize := uint64(alloc.Size(n.BlkType))
		numBlocks := (n.Size + blockSize - 1) / blockSize
		if n.Flags&FlagEOFBlocks != 0 {
			numBlocks = n.Blocks
		}
		if numBlocks == 0 {
			numBlocks = 1
		}
		tr := m.tree()
		if _, _, err := tr.TruncateRange(context.Background(), n.Root, n.Height, n.BlkType, kind, 0, numBlocks-1, 0); err != nil {
			return err
		}
	}

	inodelog.Free(m.R, m.Alloc, inodelog.Log{Head: n.LogHead, Tail: n.LogTail, Pages: n.LogPages})

	txn, err := m.Journal.NewTransaction(1)
	if err != nil {
		return pmerr.ErrTransient
	}
	cleared := Inode{Dtime: n.Mtime}
	m.write(ino, cleared, false)
	m.Journal.AddLogEntry(txn, m.Addr(ino), Size, journal.KindInode)
	if err := m.Journal.Commit(txn); err != nil {
		return pmerr.ErrTransient
	}
	return nil
}
