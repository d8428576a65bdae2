// Package super implements the superblock for a freshly formatted PM image:
// the redundant super-block pair at offset 0 and PMFS_SB_SIZE, recording
// the inode table's first extent and the truncate-list head, per spec.md
// §6's on-PM layout.
//
// Inode addressing goes entirely through the inode table (pkg/itable):
// there is no separate basic-inode bootstrap region, so the superblock
// only has to remember where the table's first extent lives. The root
// directory is inode 0, reserved and created by pkg/inode.InitRoot the
// same way any other slot is populated.
//
// The field-by-field struct + binary.LittleEndian layout follows the
// teacher's own Superblock in pkg/ext4/super.go; the signature/UUID
// bootstrap follows the same file's Init-style construction, substituting
// github.com/google/uuid for the teacher's manual UUID bytes since that
// library is already part of the shared dependency stack (used elsewhere
// for volume identifiers).
package super

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/pmfs-project/pmfs/pkg/alloc"
	"github.com/pmfs-project/pmfs/pkg/itable"
	"github.com/pmfs-project/pmfs/pkg/pm"
	"github.com/pmfs-project/pmfs/pkg/pmerr"
)

// Signature identifies a PMFS superblock, analogous to ext4's 0xEF53.
const Signature = 0x504D4653 // "PMFS" in ASCII read as a big-endian value; stored little-endian, the on-PM bytes are "SFMP"

// SBSize is the fixed on-PM superblock record size; the redundant copy
// starts immediately after it.
const SBSize = 512

// Superblock is the decoded view of the on-PM record.
type Superblock struct {
	Signature  uint32
	UUID       [16]byte
	TotalSize  uint64
	BlockSize  uint32 // the fixed 4 KiB meta block size
	InodeCount uint32
	RootOffset  pm.Offset // redundant copy's own offset, for self-check
	TableExtent pm.Offset // first inode-table extent
	TruncHead   pm.Offset
	MountCount  uint32
	State       uint32 // 1 = clean, 0 = needs fsck
}

func (s Superblock) encode() [SBSize]byte {
	var buf [SBSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], s.Signature)
	copy(buf[4:20], s.UUID[:])
	binary.LittleEndian.PutUint64(buf[20:28], s.TotalSize)
	binary.LittleEndian.PutUint32(buf[28:32], s.BlockSize)
	binary.LittleEndian.PutUint32(buf[32:36], s.InodeCount)
	binary.LittleEndian.PutUint64(buf[36:44], uint64(s.RootOffset))
	binary.LittleEndian.PutUint64(buf[44:52], uint64(s.TableExtent))
	binary.LittleEndian.PutUint64(buf[52:60], uint64(s.TruncHead))
	binary.LittleEndian.PutUint32(buf[60:64], s.MountCount)
	binary.LittleEndian.PutUint32(buf[64:68], s.State)
	return buf
}

func decode(buf []byte) Superblock {
	var s Superblock
	s.Signature = binary.LittleEndian.Uint32(buf[0:4])
	copy(s.UUID[:], buf[4:20])
	s.TotalSize = binary.LittleEndian.Uint64(buf[20:28])
	s.BlockSize = binary.LittleEndian.Uint32(buf[28:32])
	s.InodeCount = binary.LittleEndian.Uint32(buf[32:36])
	s.RootOffset = pm.Offset(binary.LittleEndian.Uint64(buf[36:44]))
	s.TableExtent = pm.Offset(binary.LittleEndian.Uint64(buf[44:52]))
	s.TruncHead = pm.Offset(binary.LittleEndian.Uint64(buf[52:60]))
	s.MountCount = binary.LittleEndian.Uint32(buf[60:64])
	s.State = binary.LittleEndian.Uint32(buf[64:68])
	return s
}

// Format writes a fresh pair of redundant superblocks into region, sized to
// totalSize bytes, and returns the decoded primary superblock plus the PM
// offset of the first inode-table extent (a single meta block, grown
// further on demand by the inode package). The caller still has to create
// the root directory in that table through pkg/inode.InitRoot; Format only
// lays out the extent for it to land in.
func Format(r *pm.Region, al alloc.Allocator, totalSize uint64) (Superblock, pm.Offset, error) {
	r.Grow(int(totalSize))

	tableExtent, err := al.NewMetaBlocks(1, true)
	if err != nil {
		return Superblock{}, pm.Null, err
	}

	sb := Superblock{
		Signature:   Signature,
		UUID:        uuid.New(),
		TotalSize:   totalSize,
		BlockSize:   pm.MetaBlockSize,
		InodeCount:  itable.SlotsPerExtent,
		TableExtent: tableExtent,
		TruncHead:   pm.Null,
		State:       1,
	}
	buf := sb.encode()
	copy(r.Bytes(0, SBSize), buf[:])
	r.CommitBarrier(0, SBSize)
	copy(r.Bytes(pm.Offset(SBSize), SBSize), buf[:])
	r.CommitBarrier(pm.Offset(SBSize), SBSize)

	return sb, tableExtent, nil
}

// Read decodes the primary superblock, falling back to the redundant copy
// if the primary's signature does not match (spec.md §6's bit-exact
// redundant-copy requirement exists precisely for this recovery path).
func Read(r *pm.Region) (Superblock, error) {
	primary := decode(r.Bytes(0, SBSize))
	if primary.Signature == Signature {
		return primary, nil
	}
	backup := decode(r.Bytes(pm.Offset(SBSize), SBSize))
	if backup.Signature == Signature {
		return backup, nil
	}
	return Superblock{}, pmerr.ErrCorrupt
}

// Write republishes sb to both copies.
func Write(r *pm.Region, sb Superblock) {
	buf := sb.encode()
	copy(r.Bytes(0, SBSize), buf[:])
	r.CommitBarrier(0, SBSize)
	copy(r.Bytes(pm.Offset(SBSize), SBSize), buf[:])
	r.CommitBarrier(pm.Offset(SBSize), SBSize)
}
