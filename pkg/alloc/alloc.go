// Package alloc is the consumed allocator facade (C2): it allocates and
// frees PM data blocks, meta blocks, and log pages, and carries the
// block-type shift/size table. The allocator's internals (free lists,
// buddy/bitmap bookkeeping) are out of scope for the PMFS core per spec.md
// §1; this package only needs to honor the contract in spec.md §6 well
// enough to drive the radix tree, inode log, and inode table against it.
//
// The geometry helpers (divide/align, iterative capacity search) follow the
// same shape as the teacher's pkg/ext4/layout.go and pkg/xfs/xfs.go size
// calculators.
package alloc

import (
	"errors"

	"github.com/pmfs-project/pmfs/pkg/pm"
)

// ErrNoSpace is returned when the allocator cannot satisfy a request.
var ErrNoSpace = errors.New("alloc: no space left")

// BlockType enumerates the three recognized PM block sizes.
type BlockType uint8

const (
	Block4K BlockType = iota
	Block2M
	Block1G
)

// blockTypeInfo is the immutable {shift, size} singleton table. Safe to
// share across goroutines without synchronization since it is never
// mutated after init.
var blockTypeInfo = [...]struct {
	shift uint
	size  int64
}{
	Block4K: {pm.Shift4K, 1 << pm.Shift4K},
	Block2M: {pm.Shift2M, 1 << pm.Shift2M},
	Block1G: {pm.Shift1G, 1 << pm.Shift1G},
}

// Shift returns the byte-address shift for the given block type.
func Shift(t BlockType) uint { return blockTypeInfo[t].shift }

// Size returns the byte size of the given block type.
func Size(t BlockType) int64 { return blockTypeInfo[t].size }

// BlkShift is the ratio, in bits, between a data block of type t and a
// 4 KiB meta block: data_bits - sb_bits (spec.md §4.1).
func BlkShift(t BlockType) uint {
	return Shift(t) - pm.Shift4K
}

func divide(a, b int64) int64 { return (a + b - 1) / b }
func align(a, b int64) int64  { return divide(a, b) * b }

// Hint is an opaque, allocator-chosen value that speeds up frees of blocks
// adjacent to a prior allocation or free. The PMFS core never inspects it.
type Hint uint64

// Allocator is the contract consumed by the radix tree, inode log, and
// inode table. A concrete implementation owns the PM free-space metadata;
// this package also provides FreeListAllocator, a reference implementation
// sufficient to exercise and test the core against.
type Allocator interface {
	NewDataBlocks(t BlockType, num int, zero bool) (pm.Offset, error)
	NewMetaBlocks(num int, zero bool) (pm.Offset, error)
	FreeDataBlock(off pm.Offset, t BlockType)
	FreeMetaBlock(off pm.Offset)
	FreeLogBlock(off pm.Offset, t BlockType, hint Hint) Hint
}

// FreeListAllocator is a simple bump/free-list allocator over a pm.Region,
// used by tests and by the reference CLI tooling. It is not meant to model
// real PM space-management (out of scope per spec.md §1); it just needs to
// hand out and reclaim correctly-sized, correctly-zeroed regions.
type FreeListAllocator struct {
	region *pm.Region
	bump   pm.Offset
	free   map[BlockType][]pm.Offset
	freeMB []pm.Offset
}

// NewFreeListAllocator creates an allocator that carves new space for out of
// region starting at the given offset (leaving space below it, e.g. for a
// superblock, untouched).
func NewFreeListAllocator(region *pm.Region, start pm.Offset) *FreeListAllocator {
	return &FreeListAllocator{
		region: region,
		bump:   start,
		free:   make(map[BlockType][]pm.Offset),
	}
}

func (a *FreeListAllocator) growRegion(upto pm.Offset) {
	if int(upto) > a.region.Len() {
		a.region.Grow(int(upto) * 2)
	}
}

func (a *FreeListAllocator) NewDataBlocks(t BlockType, num int, zero bool) (pm.Offset, error) {
	if num <= 0 {
		return pm.Null, errors.New("alloc: num must be positive")
	}
	size := Size(t)
	if avail := a.free[t]; len(avail) >= num {
		// NOTE: only single-block requests (alloc_blocks, spec.md §4.1
		// step 3) are served from the free list; a multi-block request,
		// such as inode.Write's extent, is always carved contiguously from
		// the bump pointer below.
		if num == 1 {
			off := avail[len(avail)-1]
			a.free[t] = avail[:len(avail)-1]
			if zero {
				a.region.Memset(off, int(size), 0)
			}
			return off, nil
		}
	}
	off := a.bump
	a.bump += pm.Offset(size) * pm.Offset(num)
	a.growRegion(a.bump)
	if zero {
		for i := 0; i < num; i++ {
			a.region.Memset(off+pm.Offset(int64(i)*size), int(size), 0)
		}
	}
	return off, nil
}

func (a *FreeListAllocator) NewMetaBlocks(num int, zero bool) (pm.Offset, error) {
	if num <= 0 {
		return pm.Null, errors.New("alloc: num must be positive")
	}
	if len(a.freeMB) >= num && num == 1 {
		off := a.freeMB[len(a.freeMB)-1]
		a.freeMB = a.freeMB[:len(a.freeMB)-1]
		if zero {
			a.region.ZeroBlock(off)
		}
		return off, nil
	}
	off := a.bump
	a.bump += pm.Offset(pm.MetaBlockSize * num)
	a.growRegion(a.bump)
	if zero {
		for i := 0; i < num; i++ {
			a.region.ZeroBlock(off + pm.Offset(i*pm.MetaBlockSize))
		}
	}
	return off, nil
}

func (a *FreeListAllocator) FreeDataBlock(off pm.Offset, t BlockType) {
	a.free[t] = append(a.free[t], off)
}

func (a *FreeListAllocator) FreeMetaBlock(off pm.Offset) {
	a.freeMB = append(a.freeMB, off)
}

func (a *FreeListAllocator) FreeLogBlock(off pm.Offset, t BlockType, hint Hint) Hint {
	a.FreeMetaBlock(off)
	return hint
}

// Region exposes the backing PM region, for callers (itable, inode) that
// need to read/write blocks this allocator has handed out.
func (a *FreeListAllocator) Region() *pm.Region { return a.region }
