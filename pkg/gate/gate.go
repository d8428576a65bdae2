// Package gate is the protection-gate facade (C3): scoped unlock/lock
// windows around PM writes. On real PM hardware this toggles write
// protection (e.g. via page-table permission bits) for the duration of a
// mutation and restores it before returning. Lacking that hardware gate in
// a portable Go build, this package models the same scoping discipline with
// an ordinary mutex, grounded on the teacher's own scoped-lock usage in
// pkg/vio/tree.go and pkg/elog/logger.go.
package gate

import "sync"

// Gate serializes unlock/lock windows over a single inode, block, or range.
// Real PM write-protection is typically per-CPU and does not itself provide
// mutual exclusion; callers still need their own locks (inode_table_mutex,
// s_truncate_lock, per-inode VFS lock) for that. Gate only brackets the
// writable window.
type Gate struct {
	mu sync.Mutex
}

// Unlocked runs fn with the region "unlocked" (writable), then always
// restores the locked state before returning, mirroring pmfs_memunlock_*
// / pmfs_memlock_* pairs in the source design.
func (g *Gate) Unlocked(fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn()
}

// UnlockedErr is the error-returning variant used by call sites that can
// fail mid-mutation (e.g. an allocator call inside the unlocked window).
func (g *Gate) UnlockedErr(fn func() error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn()
}
