// Package itable implements the inode table (C6): inode slots grouped into
// fixed-size extents (one 4 KiB meta block's worth of 128-byte records
// each), free-slot search starting from a rolling hint, and on-demand
// growth by requesting one more extent from the caller.
//
// Slot layout knowledge is intentionally duplicated in miniature here
// (just the three fields the free predicate needs) rather than importing
// pkg/inode, mirroring the teacher's own layering in pkg/ext4/inode.go
// where the inode-table bitmap scan reads raw fields without depending on
// the full inode decode path.
package itable

import (
	"encoding/binary"
	"sync"

	"github.com/pmfs-project/pmfs/pkg/pm"
	"github.com/pmfs-project/pmfs/pkg/pmerr"
)

// SlotSize is the fixed on-PM inode record size (spec.md §3).
const SlotSize = 128

// SlotsPerExtent is the number of inode slots in one 4 KiB meta block.
const SlotsPerExtent = pm.MetaBlockSize / SlotSize

// field offsets within a slot, just enough to evaluate the free predicate.
const (
	offLinksCount = 4  // uint32
	offMode       = 8  // uint16
	offDtime      = 32 // uint32
)

// Table tracks a growable sequence of extents of inode slots. Extents need
// not be PM-adjacent to one another -- each is wherever the allocator
// happened to hand it out -- so slot addressing goes through the extent
// list rather than a single base+offset, unlike a real PMFS inode table
// (which is itself one contiguous file tree); this is the simplification
// noted in the design ledger for this package.
type Table struct {
	mu sync.Mutex // inode_table_mutex (spec.md §6)

	r       *pm.Region
	extents []pm.Offset // PM offset of each extent's first slot
	count   uint32      // total slots across all extents
	hint    uint32      // next slot index to probe first
}

// New wraps an existing (possibly empty) set of extents.
func New(r *pm.Region, extents []pm.Offset) *Table {
	return &Table{r: r, extents: extents, count: uint32(len(extents)) * SlotsPerExtent}
}

func (tb *Table) slotAddr(i uint32) pm.Offset {
	extent := i / SlotsPerExtent
	within := i % SlotsPerExtent
	return tb.extents[extent] + pm.Offset(uint64(within)*SlotSize)
}

// isFree evaluates the spec.md §6 free-slot predicate: links_count==0 &&
// (mode==0 || dtime!=0).
func (tb *Table) isFree(i uint32) bool {
	buf := tb.r.Bytes(tb.slotAddr(i), SlotSize)
	links := binary.LittleEndian.Uint32(buf[offLinksCount : offLinksCount+4])
	if links != 0 {
		return false
	}
	mode := binary.LittleEndian.Uint16(buf[offMode : offMode+2])
	dtime := binary.LittleEndian.Uint32(buf[offDtime : offDtime+4])
	return mode == 0 || dtime != 0
}

// Count returns the number of slots currently backed by storage.
func (tb *Table) Count() uint32 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.count
}

// SlotOffset returns the PM address of slot i.
func (tb *Table) SlotOffset(i uint32) pm.Offset {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.slotAddr(i)
}

// GrowFunc allocates one more zeroed extent of SlotsPerExtent slots and
// returns its PM offset. Supplied by the caller (the inode package, which
// owns the allocator this table sits on top of), keeping itable ignorant
// of allocation policy.
type GrowFunc func() (extentOffset pm.Offset, err error)

// Acquire finds a free slot starting from the rolling hint, growing the
// table via grow if none is found in the existing extents, and returns the
// claimed slot's index. The hint advances past whatever slot is returned so
// repeated allocation sweeps the table roughly round-robin, per spec.md
// §6's "free-hint search."
func (tb *Table) Acquire(grow GrowFunc) (uint32, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if tb.count == 0 {
		if err := tb.growLocked(grow); err != nil {
			return 0, err
		}
	}

	start := tb.hint
	for pass := 0; pass < 2; pass++ {
		for i := start; i < tb.count; i++ {
			if tb.isFree(i) {
				tb.hint = i + 1
				if tb.hint >= tb.count {
					tb.hint = 0
				}
				return i, nil
			}
		}
		start = 0
	}

	oldCount := tb.count
	if err := tb.growLocked(grow); err != nil {
		return 0, err
	}
	tb.hint = oldCount + 1
	return oldCount, nil
}

func (tb *Table) growLocked(grow GrowFunc) error {
	if grow == nil {
		return pmerr.ErrNoSpace
	}
	off, err := grow()
	if err != nil {
		return err
	}
	tb.extents = append(tb.extents, off)
	tb.count += SlotsPerExtent
	return nil
}

// Release clears a slot's mode and links_count fields directly, for
// callers (crash recovery) that need to force-free a slot outside the
// normal evict path. Ordinary frees go through the inode package's own
// evict, which also has to unwind the slot's log and block tree first.
func (tb *Table) Release(i uint32) {
	addr := tb.SlotOffset(i)
	tb.r.Memset(addr+offLinksCount, 4, 0)
	tb.r.Memset(addr+offMode, 2, 0)
}
