/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */
package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/pmfs-project/pmfs/pkg/dirindex"
	"github.com/pmfs-project/pmfs/pkg/inode"
	"github.com/pmfs-project/pmfs/pkg/inodelog"
	"github.com/pmfs-project/pmfs/pkg/itable"
	"github.com/pmfs-project/pmfs/pkg/pm"
	"github.com/pmfs-project/pmfs/pkg/super"
)

var dumpDirCmd = &cobra.Command{
	Use:   "dump-dir IMAGE INODE",
	Short: "Rebuild and print a directory's index from its DIR_LOG chain",
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

		var aliases int
		ix := dirindex.Rebuild(region, n.LogHead, func(name string, hash uint32) {
			aliases++
			log.Warnf("hash collision on %q (hash %#x)", name, hash)
		})

		for _, h := range ix.Hashes() {
			off, ok := ix.OffsetForHash(h)
			if !ok {
				continue
			}
			e, ok := inodelog.DecodeDirLog(region, off)
			if !ok {
				continue
			}
			log.Printf("%-20s ino=%-6d hash=%#08x", e.Name, e.Ino, h)
		}
		log.Printf("inode %d: %d live name(s), %d collision(s)", ino, len(ix.Hashes()), aliases)
		return nil
	},
}
