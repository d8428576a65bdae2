/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */
package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pmfs-project/pmfs/pkg/inode"
	"github.com/pmfs-project/pmfs/pkg/inodelog"
	"github.com/pmfs-project/pmfs/pkg/itable"
	"github.com/pmfs-project/pmfs/pkg/pm"
	"github.com/pmfs-project/pmfs/pkg/super"
)

var dumpLogCmd = &cobra.Command{
	Use:   "dump-log IMAGE INODE",
	Short: "Print the operation log chain belonging to one inode",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		ino, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid inode number: %w", err)
		}

		region, err := pm.LoadFile(path)
		if err != nil {
			return fmt.Errorf("reading image: %w", err)
		}
		sb, err := super.Read(region)
		if err != nil {
			return fmt.Errorf("superblock unreadable: %w", err)
		}

		tb := itable.New(region, []pm.Offset{sb.TableExtent})
		m := &inode.Manager{R: region, Table: tb}
		n := m.Read(uint32(ino))
		if n.LogHead == pm.Null {
			log.Printf("inode %d: empty log", ino)
			return nil
		}

		var page, count int
		for p := n.LogHead; p != pm.Null; p = inodelog.NextPage(region, p) {
			page++
			dumpLogPage(region, p, &count)
		}
		log.Printf("inode %d: %d page(s), %d entries, tail=%#x", ino, page, count, n.LogTail)
		return nil
	},
}

func dumpLogPage(region *pm.Region, pageOff pm.Offset, count *int) {
	for i := 0; i < inodelog.EntriesPerPage; i++ {
		off := pageOff + pm.Offset(i*inodelog.EntrySize)
		switch inodelog.Tag(region, off) {
		case inodelog.TagFileWrite:
			e := inodelog.ReadFileWriteEntry(region, off)
			log.Printf("  [%#x] FILE_WRITE block=%#x pgoff=%d num=%d invalid=%d", off, e.Block, e.Pgoff, e.NumPages, e.InvalidPages)
			*count++
		case inodelog.TagDirLog:
			e, _ := inodelog.DecodeDirLog(region, off)
			if e.Ino == 0 {
				log.Printf("  [%#x] DIR_LOG remove %q", off, e.Name)
			} else {
				log.Printf("  [%#x] DIR_LOG insert %q -> ino %d", off, e.Name, e.Ino)
			}
			*count++
			if e.NewInode {
				inodeOff := off + pm.Offset(inodelog.EntrySize)
				log.Printf("  [%#x] inline inode record (ino %d)", inodeOff, e.Ino)
				i += inodelog.InlineInodeSize / inodelog.EntrySize
			}
		case inodelog.TagSetAttr:
			e, _ := inodelog.DecodeSetAttr(region, off)
			log.Printf("  [%#x] SET_ATTR size=%d mode=%o", off, e.Size, e.Mode)
			*count++
		case inodelog.TagLinkChange:
			e, _ := inodelog.DecodeLinkChange(region, off)
			log.Printf("  [%#x] LINK_CHANGE ino=%d delta=%d", off, e.Ino, e.LinkDelta)
			*count++
		}
	}
}
