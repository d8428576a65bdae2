/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pmfs-project/pmfs/pkg/alloc"
	"github.com/pmfs-project/pmfs/pkg/gate"
	"github.com/pmfs-project/pmfs/pkg/inode"
	"github.com/pmfs-project/pmfs/pkg/itable"
	"github.com/pmfs-project/pmfs/pkg/pm"
	"github.com/pmfs-project/pmfs/pkg/super"
)

var flagMkfsSize int64

var mkfsCmd = &cobra.Command{
	Use:   "mkfs IMAGE",
	Short: "Format a fresh PMFS image",
	Long: `Create a new PM image file of the requested size and write a fresh
superblock pair, inode table, and root directory inode into it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		if flagMkfsSize <= 0 {
			return fmt.Errorf("--size must be positive")
		}

		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}

		region := pm.NewRegion(int(flagMkfsSize))
		al := alloc.NewFreeListAllocator(region, pm.Offset(2*super.SBSize+3*1024*1024))

		sb, tableExtent, err := super.Format(region, al, uint64(flagMkfsSize))
		if err != nil {
			return fmt.Errorf("format failed: %w", err)
		}
		sb.TableExtent = tableExtent

		tb := itable.New(region, []pm.Offset{tableExtent})
		m := &inode.Manager{R: region, Alloc: al, Gate: &gate.Gate{}, Table: tb}
		rootIno, err := m.InitRoot(uint32(time.Now().Unix()))
		if err != nil {
			return fmt.Errorf("root inode: %w", err)
		}

		super.Write(region, sb)

		if err := region.SaveFile(path); err != nil {
			return fmt.Errorf("writing image: %w", err)
		}

		log.Printf("formatted %s (%d bytes, uuid %x, root ino %d)", path, flagMkfsSize, sb.UUID, rootIno)
		return nil
	},
}

func init() {
	mkfsCmd.Flags().Int64VarP(&flagMkfsSize, "size", "s", 64<<20, "image size in bytes")
}
