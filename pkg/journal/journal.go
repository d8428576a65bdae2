// Package journal is the consumed journal facade (out of scope per spec.md
// §1; only its contract is specified): new_transaction/add_logentry/commit,
// giving C9 multi-field-update atomicity across a crash.
//
// The reference implementation here is a minimal in-memory redo log
// sufficient to exercise C9 against: it records which PM ranges a
// transaction touched and their post-image checksums are not needed since
// the PM region in this build is itself just process memory, so "commit"
// reduces to a fence. It is grounded conceptually on the go-pmem-transaction
// undo-log design (entry{ptr,size}, a log held per-transaction, a header
// tracking in-flight logs for crash recovery) retrieved alongside this
// spec, adapted from unsafe.Pointer log entries to PM-offset ones since
// this build has no cgo/pmem-runtime pointer swizzling available.
package journal

import (
	"sync"

	"github.com/pmfs-project/pmfs/pkg/pm"
	"github.com/pmfs-project/pmfs/pkg/pmerr"
)

// EntryKind tags what a logged range represents, for diagnostics only; the
// reference journal does not branch on it.
type EntryKind uint8

const (
	KindInode EntryKind = iota
	KindMeta
	KindData
)

// logEntry mirrors the teacher's undo-log entry{ptr, data, size}: which
// range of the region this transaction touched.
type logEntry struct {
	addr pm.Offset
	size int
	kind EntryKind
}

// Txn is an in-flight transaction handle.
type Txn struct {
	id      uint64
	entries []logEntry
	cap     int
}

// Journal is the contract C9 consumes.
type Journal interface {
	NewTransaction(nEntries int) (*Txn, error)
	AddLogEntry(txn *Txn, addr pm.Offset, size int, kind EntryKind)
	Commit(txn *Txn) error
}

// MemJournal is a reference Journal backed by an in-process log of
// in-flight transactions, guarded by a single mutex (one journal per
// mounted filesystem, matching the teacher's one-superblock-one-journal
// layout).
type MemJournal struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Txn
	region  *pm.Region
}

// NewMemJournal creates a reference journal over region.
func NewMemJournal(region *pm.Region) *MemJournal {
	return &MemJournal{pending: make(map[uint64]*Txn), region: region}
}

// NewTransaction opens a transaction sized for nEntries logged ranges.
func (j *MemJournal) NewTransaction(nEntries int) (*Txn, error) {
	if nEntries <= 0 {
		return nil, pmerr.ErrInvalid
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.nextID++
	txn := &Txn{id: j.nextID, cap: nEntries}
	j.pending[txn.id] = txn
	return txn, nil
}

// AddLogEntry records that addr/size participated in txn. Values are not
// copied out for undo since a crash mid-transaction in this in-process
// build simply loses the process; a PM-backed journal would instead copy
// the pre-image here before the caller mutates it.
func (j *MemJournal) AddLogEntry(txn *Txn, addr pm.Offset, size int, kind EntryKind) {
	txn.entries = append(txn.entries, logEntry{addr: addr, size: size, kind: kind})
}

// Commit fences the region (publishing every write the transaction made)
// and retires the transaction. A transaction that never commits (the
// process dies first) leaves no PM-side marker in this reference
// implementation -- recovery of genuinely torn multi-field updates is one
// of the properties a production journal must add and is out of scope here
// (spec.md §1).
func (j *MemJournal) Commit(txn *Txn) error {
	j.region.Fence()
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.pending, txn.id)
	return nil
}

// Pending reports how many transactions are currently open, for tests and
// for fsck-style "was a transaction left dangling" diagnostics.
func (j *MemJournal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}
