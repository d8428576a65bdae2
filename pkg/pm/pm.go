// Package pm provides the byte-addressable persistent-memory primitives that
// the rest of the PMFS core builds on: cacheline flush, store-fence, a commit
// barrier that combines the two, width-specific atomic stores, a 16-byte
// compare-and-swap (via seqlock fallback), and a non-temporal bulk memset.
//
// There is no portable way to reach real cacheline-flush/non-temporal-store
// instructions from standard Go, so a Region here is backed by an ordinary
// byte slice standing in for a direct-mapped PM range. Flush and Fence are
// therefore no-ops recorded only for call-site documentation; callers must
// still call them in the right places so that a build targeting real PM
// (cgo + clflush/sfence intrinsics) can be dropped in without touching this
// package's call sites.
package pm

import (
	"encoding/binary"
	"sync"
)

// Offset is a byte offset into a Region. Zero is the reserved null offset
// used throughout the core to mean "absent".
type Offset uint64

const Null Offset = 0

// Block type shifts, keyed by the enum {4K, 2M, 1G}.
const (
	Shift4K = 12
	Shift2M = 21
	Shift1G = 30
)

// MetaBlockShift is the fanout shift of a radix node: 2^9 = 512 slots.
const MetaBlockShift = 9

// MetaBlockSize is the fixed size of a radix node / log page (4 KiB).
const MetaBlockSize = 1 << Shift4K

// Region is an in-process stand-in for a direct-mapped PM range.
type Region struct {
	mu   sync.RWMutex
	data []byte
}

// NewRegion allocates a zeroed region of the given size.
func NewRegion(size int) *Region {
	return &Region{data: make([]byte, size)}
}

// Len returns the region's size in bytes.
func (r *Region) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Grow extends the region to at least newSize bytes, zero-filling the
// extension. Used by tests and by the inode-table's own growth path.
func (r *Region) Grow(newSize int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if newSize <= len(r.data) {
		return
	}
	grown := make([]byte, newSize)
	copy(grown, r.data)
	r.data = grown
}

func (r *Region) slice(off Offset, n int) []byte {
	o := int(off)
	if o < 0 || n < 0 || o+n > len(r.data) {
		panic("pm: access out of region bounds")
	}
	return r.data[o : o+n]
}

// Bytes returns a direct view of n bytes starting at off. Callers that mutate
// the returned slice are responsible for calling Flush afterwards.
func (r *Region) Bytes(off Offset, n int) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slice(off, n)
}

// Flush simulates a cacheline flush of [off, off+n). A no-op over a plain
// byte slice; kept as an explicit call so the write-then-flush discipline
// required by real PM is visible at every call site.
func (r *Region) Flush(off Offset, n int) {}

// Fence simulates an sfence store barrier preceding publication of a new
// persistent pointer.
func (r *Region) Fence() {}

// CommitBarrier is Flush followed by Fence, the common "make this durable
// and visible" idiom used after multi-field updates.
func (r *Region) CommitBarrier(off Offset, n int) {
	r.Flush(off, n)
	r.Fence()
}

// StoreU8/16/32/64 perform a width-specific atomic store followed by a
// flush, matching C1's "atomic 1/2/4/8-byte store" primitive.
func (r *Region) StoreU8(off Offset, v uint8) {
	r.mu.Lock()
	r.slice(off, 1)[0] = v
	r.mu.Unlock()
	r.Flush(off, 1)
}

func (r *Region) StoreU16(off Offset, v uint16) {
	r.mu.Lock()
	binary.LittleEndian.PutUint16(r.slice(off, 2), v)
	r.mu.Unlock()
	r.Flush(off, 2)
}

func (r *Region) StoreU32(off Offset, v uint32) {
	r.mu.Lock()
	binary.LittleEndian.PutUint32(r.slice(off, 4), v)
	r.mu.Unlock()
	r.Flush(off, 4)
}

func (r *Region) StoreU64(off Offset, v uint64) {
	r.mu.Lock()
	binary.LittleEndian.PutUint64(r.slice(off, 8), v)
	r.mu.Unlock()
	r.Flush(off, 8)
}

func (r *Region) LoadU8(off Offset) uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.slice(off, 1)[0]
}

func (r *Region) LoadU16(off Offset) uint16 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return binary.LittleEndian.Uint16(r.slice(off, 2))
}

func (r *Region) LoadU32(off Offset) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return binary.LittleEndian.Uint32(r.slice(off, 4))
}

func (r *Region) LoadU64(off Offset) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return binary.LittleEndian.Uint64(r.slice(off, 8))
}

// CASRootHeight performs the 16-byte atomic {root, height} update required
// when decrease_btree_height replaces the root. Real PM implementations need
// a genuine 16-byte CAS instruction; lacking one in portable Go, this uses
// the region's RWMutex as a seqlock-equivalent serialization point, exactly
// the fallback the spec permits.
func (r *Region) CASRootHeight(rootOff, heightOff Offset, oldRoot Offset, oldHeight uint8, newRoot Offset, newHeight uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	curRoot := Offset(binary.LittleEndian.Uint64(r.slice(rootOff, 8)))
	curHeight := r.slice(heightOff, 1)[0]
	if curRoot != oldRoot || curHeight != oldHeight {
		return false
	}
	binary.LittleEndian.PutUint64(r.slice(rootOff, 8), uint64(newRoot))
	r.slice(heightOff, 1)[0] = newHeight
	return true
}

// Memset fills n bytes starting at off with b, simulating the non-temporal
// bulk memset primitive used to zero freshly allocated meta/data blocks.
func (r *Region) Memset(off Offset, n int, b byte) {
	r.mu.Lock()
	s := r.slice(off, n)
	for i := range s {
		s[i] = b
	}
	r.mu.Unlock()
	r.Flush(off, n)
}

// ZeroBlock zero-fills one MetaBlockSize-sized block at off and flushes it.
func (r *Region) ZeroBlock(off Offset) {
	r.Memset(off, MetaBlockSize, 0)
}
