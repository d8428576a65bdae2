// Package pmerr defines the error kinds shared across the PMFS core
// (spec.md §7), compared with errors.Is rather than wrapped, matching the
// teacher's own plain errors.New usage (pkg/ext4/layout.go, pkg/xfs/xfs.go)
// instead of an error-wrapping framework.
package pmerr

import "errors"

var (
	// ErrNoSpace: allocator or height-3 limit reached during alloc_blocks.
	ErrNoSpace = errors.New("pmfs: no space left")
	// ErrCorrupt: invariant violation detected during a tree/log walk.
	ErrCorrupt = errors.New("pmfs: on-disk structure corrupt")
	// ErrBadInode: inode slot fails the active predicate during iget.
	ErrBadInode = errors.New("pmfs: bad inode")
	// ErrAccessDenied: permission check on an inode's mode/uid/gid failed.
	ErrAccessDenied = errors.New("pmfs: access denied")
	// ErrTransient: journal transaction unavailable; caller should retry.
	ErrTransient = errors.New("pmfs: transient failure, retry")
	// ErrInvalid: a range-overflow or otherwise malformed request.
	ErrInvalid = errors.New("pmfs: invalid argument")
	// ErrNXIO: SEEK_DATA/SEEK_HOLE starting position is past EOF.
	ErrNXIO = errors.New("pmfs: no such device or address")
)
