// Package radixtree implements the per-inode fixed-fanout radix block tree
// (C4): 512-slot 4 KiB nodes mapping a file-relative block index to a PM
// block reference, with allocate/assign/truncate range operations, height
// grow/shrink, and SEEK_DATA/SEEK_HOLE scanning.
//
// The leaf interpretation differs between a file tree (slot -> log-entry
// offset -> data extent) and a directory tree (slot -> data-block offset
// directly); per spec.md §9 this is modeled as a small Kind enum threaded
// through the recursive walkers rather than a full virtual-dispatch
// interface, since the two variants share everything except the handful of
// leaf-level lines noted inline.
package radixtree

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/pmfs-project/pmfs/pkg/alloc"
	"github.com/pmfs-project/pmfs/pkg/inodelog"
	"github.com/pmfs-project/pmfs/pkg/pm"
	"github.com/pmfs-project/pmfs/pkg/pmerr"
)

// seekScanChunk is how many indices one SeekData/SeekHole worker scans
// before reporting back, bounding the number of goroutines spawned for a
// large-range scan (spec.md §5's suspension-point concurrency).
const seekScanChunk = 256

// seekWorkers caps how many chunks run concurrently.
const seekWorkers = 8

// MaxHeight is the deepest a tree may grow (spec.md §3): height in {0,1,2,3}.
const MaxHeight = 3

// Kind selects how height-1 leaves are interpreted.
type Kind int

const (
	// FileTree leaves are PM offsets of FILE_WRITE log entries.
	FileTree Kind = iota
	// DirTree leaves are PM offsets of data blocks directly.
	DirTree
	// MetaOnly truncation frees interior nodes without touching leaves,
	// for callers that have already reclaimed leaf-level data themselves.
	MetaOnly
)

// Tree bundles the PM region and allocator a set of tree operations act
// over. It carries no per-inode state; root/height/blk-type are passed
// explicitly to every call, mirroring the teacher's free-function style
// (pkg/ext4/inode.go's generateInode(n, mapper), iblock(n, mapper)) rather
// than a stateful object per inode.
type Tree struct {
	R     *pm.Region
	Alloc alloc.Allocator
}

func slotAddr(node pm.Offset, idx uint64) pm.Offset { return node + pm.Offset(idx*8) }

func readSlot(r *pm.Region, node pm.Offset, idx uint64) pm.Offset {
	return pm.Offset(r.LoadU64(slotAddr(node, idx)))
}

func writeSlot(r *pm.Region, node pm.Offset, idx uint64, v pm.Offset) {
	r.StoreU64(slotAddr(node, idx), uint64(v))
	r.Flush(slotAddr(node, idx), 8)
}

// nodeBits is the bit-width spanned below a slot at depth d (1..height):
// (d-1)*9, per spec.md §4.1.
func nodeBits(d int) uint { return uint(d-1) * pm.MetaBlockShift }

func idxAt(n uint64, d int) uint64 {
	return (n >> nodeBits(d)) & 0x1FF
}

// RequiredHeight returns the minimum height in {0,1,2,3} whose address
// space includes lastIndex, or ErrNoSpace if even height 3 cannot.
func RequiredHeight(lastIndex uint64) (uint8, error) {
	for h := uint8(0); h <= MaxHeight; h++ {
		if lastIndex < (uint64(1) << (uint(h) * pm.MetaBlockShift)) {
			return h, nil
		}
	}
	return 0, pmerr.ErrNoSpace
}

// RequiredHeightForBlocks is RequiredHeight expressed in terms of a block
// count rather than a max index, used by height-shrink (spec.md §8's
// "height minimality" property).
func RequiredHeightForBlocks(numBlocks uint64) (uint8, error) {
	if numBlocks <= 1 {
		return 0, nil
	}
	return RequiredHeight(numBlocks - 1)
}

// FindDataBlock walks the tree for the given 4K-relative file block index,
// returning the leaf PM offset (a log-entry offset for a file tree, a data
// block offset for a directory tree) plus the in-data-block byte offset
// contributed by any blk_shift bits, or pm.Null on a hole (spec.md §4.1).
func (t *Tree) FindDataBlock(root pm.Offset, height uint8, blkShift uint, fileBlocknr uint64) (pm.Offset, error) {
	dataIdx := fileBlocknr >> blkShift
	var subMask uint64
	if blkShift > 0 {
		subMask = (uint64(1) << blkShift) - 1
	}
	subOff := pm.Offset((fileBlocknr & subMask) << pm.Shift4K)

	if height == 0 {
		if root == pm.Null || dataIdx != 0 {
			return pm.Null, nil
		}
		return root + subOff, nil
	}

	if dataIdx >= uint64(1)<<(uint(height)*pm.MetaBlockShift) {
		return pm.Null, nil
	}

	cur := root
	for d := int(height); d >= 1; d-- {
		if cur == pm.Null {
			return pm.Null, nil
		}
		idx := idxAt(dataIdx, d)
		cur = readSlot(t.R, cur, idx)
	}
	if cur == pm.Null {
		return pm.Null, nil
	}
	return cur + subOff, nil
}

// ResolveFileDataBlock dereferences a FILE_WRITE leaf offset (as returned by
// FindDataBlock against a FileTree) into the actual PM data-block address
// for the given data-block index, per the E.pgoff <= i < E.pgoff+E.num_pages
// invariant (spec.md §3).
func ResolveFileDataBlock(r *pm.Region, leafEntryOff pm.Offset, index uint64, btype alloc.BlockType) (pm.Offset, error) {
	e := inodelog.ReadFileWriteEntry(r, leafEntryOff)
	if index < e.Pgoff || index >= e.Pgoff+uint64(e.NumPages) {
		return pm.Null, pmerr.ErrCorrupt
	}
	return e.Block + pm.Offset((index-e.Pgoff)*uint64(alloc.Size(btype))), nil
}

func (t *Tree) growHeight(ctx context.Context, root pm.Offset, height, target uint8) (pm.Offset, uint8, error) {
	for height < target {
		if err := ctx.Err(); err != nil {
			return root, height, err
		}
		newRoot, err := t.Alloc.NewMetaBlocks(1, true)
		if err != nil {
			return root, height, pmerr.ErrNoSpace
		}
		t.R.ZeroBlock(newRoot)
		if root != pm.Null {
			writeSlot(t.R, newRoot, 0, root)
		}
		root = newRoot
		height++
	}
	return root, height, nil
}

// AllocBlocks allocates data blocks (or, at height 0, a single direct leaf)
// covering the inclusive index range [first, last], growing the tree height
// first if needed. It never overwrites an already-populated slot. partial
// reports whether at least one allocation in the range failed for lack of
// space; callers use this to set EOFBLOCKS_FL rather than treating it as a
// hard failure of the whole range (spec.md §4.1 step 4).
func (t *Tree) AllocBlocks(ctx context.Context, root pm.Offset, height uint8, btype alloc.BlockType, first, last uint64, zero bool) (newRoot pm.Offset, newHeight uint8, partial bool, err error) {
	target, err := RequiredHeight(last)
	if err != nil {
		return root, height, false, err
	}
	if target > height {
		root, height, err = t.growHeight(ctx, root, height, target)
		if err != nil {
			return root, height, false, err
		}
	}

	if height == 0 {
		if root == pm.Null {
			off, aerr := t.Alloc.NewDataBlocks(btype, 1, zero)
			if aerr != nil {
				return root, height, true, nil
			}
			root = off
		}
		return root, height, false, nil
	}

	partial, err = t.allocNode(ctx, root, int(height), 0, btype, first, last, zero)
	return root, height, partial, err
}

func (t *Tree) allocNode(ctx context.Context, node pm.Offset, d int, base uint64, btype alloc.BlockType, first, last uint64, zero bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	slotSize := uint64(1) << nodeBits(d)
	var anyFail bool
	for idx := uint64(0); idx < 512; idx++ {
		lo := base + idx*slotSize
		hi := lo + slotSize - 1
		if hi < first || lo > last {
			continue
		}
		cur := readSlot(t.R, node, idx)
		if d == 1 {
			if cur == pm.Null {
				off, err := t.Alloc.NewDataBlocks(btype, 1, zero)
				if err != nil {
					anyFail = true
					continue
				}
				writeSlot(t.R, node, idx, off)
			}
			continue
		}
		if cur == pm.Null {
			newNode, err := t.Alloc.NewMetaBlocks(1, true)
			if err != nil {
				anyFail = true
				continue
			}
			writeSlot(t.R, node, idx, newNode)
			cur = newNode
		}
		fail, err := t.allocNode(ctx, cur, d-1, lo, btype, first, last, zero)
		if err != nil {
			return anyFail, err
		}
		if fail {
			anyFail = true
		}
	}
	return anyFail, nil
}

// AssignBlocks publishes currEntry (the PM offset of a freshly appended
// FILE_WRITE log entry) into every leaf slot across [first, last], growing
// height if needed. Any slot that was already populated names a now-stale
// extent: its data block is freed and its entry's invalid-page counter is
// incremented (spec.md §4.1's "Assign range").
func (t *Tree) AssignBlocks(ctx context.Context, root pm.Offset, height uint8, btype alloc.BlockType, first, last uint64, currEntry pm.Offset) (pm.Offset, uint8, error) {
	target, err := RequiredHeight(last)
	if err != nil {
		return root, height, err
	}
	if target > height {
		root, height, err = t.growHeight(ctx, root, height, target)
		if err != nil {
			return root, height, err
		}
	}

	if height == 0 {
		old := root
		root = currEntry
		if old != pm.Null {
			if err := t.retireStaleLeaf(old, 0, btype); err != nil {
				return root, height, err
			}
		}
		return root, height, nil
	}

	err = t.assignNode(ctx, root, int(height), 0, btype, first, last, currEntry)
	return root, height, err
}

func (t *Tree) assignNode(ctx context.Context, node pm.Offset, d int, base uint64, btype alloc.BlockType, first, last uint64, currEntry pm.Offset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slotSize := uint64(1) << nodeBits(d)
	for idx := uint64(0); idx < 512; idx++ {
		lo := base + idx*slotSize
		hi := lo + slotSize - 1
		if hi < first || lo > last {
			continue
		}
		cur := readSlot(t.R, node, idx)
		if d == 1 {
			if cur != pm.Null {
				if err := t.retireStaleLeaf(cur, lo, btype); err != nil {
					return err
				}
			}
			writeSlot(t.R, node, idx, currEntry)
			continue
		}
		if cur == pm.Null {
			// an empty interior slot gets a fresh zeroed meta node, the same
			// way allocNode fills one.
			newNode, err := t.Alloc.NewMetaBlocks(1, true)
			if err != nil {
				return pmerr.ErrNoSpace
			}
			writeSlot(t.R, node, idx, newNode)
			cur = newNode
		}
		if err := t.assignNode(ctx, cur, d-1, lo, btype, first, last, currEntry); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) retireStaleLeaf(oldEntryOff pm.Offset, index uint64, btype alloc.BlockType) error {
	dataOff, err := ResolveFileDataBlock(t.R, oldEntryOff, index, btype)
	if err != nil {
		return err
	}
	t.Alloc.FreeDataBlock(dataOff, btype)
	inodelog.IncrementInvalid(t.R, oldEntryOff)
	return nil
}

// TruncateRange frees every populated leaf (and any interior node that
// becomes entirely empty) within [first, last]. startPgoff adjusts the
// derived data-block index for file-tree leaves per spec.md §4.1, to
// support block types whose data_bits exceed the 4K meta granularity.
// emptied reports whether root itself became empty and was freed; the
// caller is then responsible for clearing its own root/height fields (the
// actual height recomputation is DecreaseHeight, a separate step per
// spec.md §4.1).
func (t *Tree) TruncateRange(ctx context.Context, root pm.Offset, height uint8, btype alloc.BlockType, kind Kind, first, last, startPgoff uint64) (newRoot pm.Offset, emptied bool, err error) {
	if root == pm.Null {
		return pm.Null, true, nil
	}
	if height == 0 {
		if root == pm.Null || first > 0 {
			return root, root == pm.Null, nil
		}
		if err := t.freeLeaf(root, 0, startPgoff, btype, kind); err != nil {
			return root, false, err
		}
		return pm.Null, true, nil
	}
	empty, err := t.truncateNode(ctx, root, int(height), 0, btype, kind, first, last, startPgoff)
	if err != nil {
		return root, false, err
	}
	if empty {
		t.Alloc.FreeMetaBlock(root)
		return pm.Null, true, nil
	}
	return root, false, nil
}

func (t *Tree) truncateNode(ctx context.Context, node pm.Offset, d int, base uint64, btype alloc.BlockType, kind Kind, first, last, startPgoff uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	slotSize := uint64(1) << nodeBits(d)
	allZero := true
	for idx := uint64(0); idx < 512; idx++ {
		lo := base + idx*slotSize
		hi := lo + slotSize - 1
		cur := readSlot(t.R, node, idx)
		if hi < first || lo > last {
			if cur != pm.Null {
				allZero = false
			}
			continue
		}
		if cur == pm.Null {
			continue
		}
		if d == 1 {
			if err := t.freeLeaf(cur, lo, startPgoff, btype, kind); err != nil {
				return false, err
			}
			writeSlot(t.R, node, idx, pm.Null)
			continue
		}
		childEmpty, err := t.truncateNode(ctx, cur, d-1, lo, btype, kind, first, last, startPgoff)
		if err != nil {
			return false, err
		}
		if childEmpty {
			t.Alloc.FreeMetaBlock(cur)
			writeSlot(t.R, node, idx, pm.Null)
		} else {
			allZero = false
		}
	}
	return allZero, nil
}

func (t *Tree) freeLeaf(leaf pm.Offset, index, startPgoff uint64, btype alloc.BlockType, kind Kind) error {
	switch kind {
	case DirTree:
		t.Alloc.FreeDataBlock(leaf, btype)
	case FileTree:
		e := inodelog.ReadFileWriteEntry(t.R, leaf)
		if index < e.Pgoff || index >= e.Pgoff+uint64(e.NumPages) {
			return pmerr.ErrCorrupt
		}
		dataOff := e.Block + pm.Offset((index-e.Pgoff+startPgoff)*uint64(alloc.Size(btype)))
		t.Alloc.FreeDataBlock(dataOff, btype)
		inodelog.IncrementInvalid(t.R, leaf)
	case MetaOnly:
		// interior-only reclaim: the leaf data itself was already freed by
		// the caller (e.g. a prior full pass), only clear the pointer.
	}
	return nil
}

// DecreaseHeight recomputes the minimal height needed for newSize bytes and
// replaces the root by its slot-0 child repeatedly until reached, freeing
// each discarded root node, per spec.md §4.1's decrease_btree_height. The
// {root, height} pair must be published atomically by the caller via
// pm.Region.CASRootHeight once this returns.
func (t *Tree) DecreaseHeight(root pm.Offset, height uint8, newSize uint64, btype alloc.BlockType) (pm.Offset, uint8, error) {
	numBlocks := (newSize + uint64(alloc.Size(btype)) - 1) / uint64(alloc.Size(btype))
	target, err := RequiredHeightForBlocks(numBlocks)
	if err != nil {
		return root, height, err
	}
	for height > target {
		if root == pm.Null {
			height = target
			break
		}
		child := readSlot(t.R, root, 0)
		t.Alloc.FreeMetaBlock(root)
		root = child
		height--
	}
	return root, height, nil
}

// seekMatch scans [lo, hi) for the first index whose FindDataBlock result
// satisfies want (true: has data, false: is a hole), returning (index, true)
// on a hit. Read-only, so concurrent callers across disjoint ranges are
// safe to run against the same Tree.
func (t *Tree) seekMatch(root pm.Offset, height uint8, lo, hi uint64, want bool) (uint64, bool, error) {
	for i := lo; i < hi; i++ {
		off, err := t.FindDataBlock(root, height, 0, i)
		if err != nil {
			return 0, false, err
		}
		if (off != pm.Null) == want {
			return i, true, nil
		}
	}
	return 0, false, nil
}

// seekScan fans a [start, size) scan out across bounded, read-only
// goroutines (spec.md §5's suspension-point concurrency) and returns the
// lowest matching index any chunk found, or found=false if none did.
func (t *Tree) seekScan(root pm.Offset, height uint8, start, size uint64, want bool) (uint64, bool, error) {
	type hit struct {
		idx   uint64
		found bool
	}
	numChunks := int((size-start+seekScanChunk-1) / seekScanChunk)
	hits := make([]hit, numChunks)

	g := new(errgroup.Group)
	g.SetLimit(seekWorkers)
	for c := 0; c < numChunks; c++ {
		c := c
		lo := start + uint64(c)*seekScanChunk
		hi := lo + seekScanChunk
		if hi > size {
			hi = size
		}
		g.Go(func() error {
			idx, found, err := t.seekMatch(root, height, lo, hi, want)
			if err != nil {
				return err
			}
			hits[c] = hit{idx: idx, found: found}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, false, err
	}

	for _, h := range hits {
		if h.found {
			return h.idx, true, nil
		}
	}
	return 0, false, nil
}

// SeekData implements SEEK_DATA (spec.md §4.1): returns the first index at
// or after start that holds data, or ErrNXIO if none before size.
func (t *Tree) SeekData(root pm.Offset, height uint8, start, size uint64) (uint64, error) {
	if size == 0 || start >= size {
		return 0, pmerr.ErrNXIO
	}
	idx, found, err := t.seekScan(root, height, start, size, true)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, pmerr.ErrNXIO
	}
	return idx, nil
}

// SeekHole implements SEEK_HOLE: returns the first index at or after start
// that is a hole, or size (EOF) if data runs all the way to the end, or
// ErrNXIO if start is at or past size.
func (t *Tree) SeekHole(root pm.Offset, height uint8, start, size uint64) (uint64, error) {
	if start >= size {
		return 0, pmerr.ErrNXIO
	}
	idx, found, err := t.seekScan(root, height, start, size, false)
	if err != nil {
		return 0, err
	}
	if !found {
		return size, nil
	}
	return idx, nil
}
