/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */
package main

import (
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pmfs-project/pmfs/pkg/itable"
	"github.com/pmfs-project/pmfs/pkg/pm"
	"github.com/pmfs-project/pmfs/pkg/pmfsctl"
	"github.com/pmfs-project/pmfs/pkg/super"
)

var fsckCmd = &cobra.Command{
	Use:   "fsck IMAGE",
	Short: "Check a PMFS image's superblock and inode table",
	Long: `fsck reads the superblock (falling back to the redundant copy if the
primary's signature is bad) and scans every inode-table slot, reporting
slots with a nonzero links_count but a zero mode.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		region, err := pm.LoadFile(path)
		if err != nil {
			return fmt.Errorf("reading image: %w", err)
		}

		sb, err := super.Read(region)
		if err != nil {
			return fmt.Errorf("superblock unreadable: %w", err)
		}
		log.Printf("uuid %x, %d bytes, state=%d", sb.UUID, sb.TotalSize, sb.State)

		tb := itable.New(region, []pm.Offset{sb.TableExtent})
		count := tb.Count()
		progress := log.NewProgress("scanning inode table", int64(count))
		defer progress.Finish(true)

		// reads of each slot's raw mode/links fields are safe to run
		// concurrently (pm.Region.Bytes only takes the region's RLock, and
		// SlotOffset takes the table's own mutex); findings are collected
		// into a plain slice rather than acted on inline, since the
		// goroutines report in whatever order they finish.
		var findingsMu, progressMu sync.Mutex
		var badSlots []uint32

		var g errgroup.Group
		g.SetLimit(pmfsctl.ScanWorkers())
		for i := uint32(0); i < count; i++ {
			i := i
			g.Go(func() error {
				buf := region.Bytes(tb.SlotOffset(i), itable.SlotSize)
				mode := uint16(buf[8]) | uint16(buf[9])<<8
				links := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24

				progressMu.Lock()
				progress.Increment(1)
				progressMu.Unlock()

				if links > 0 && mode == 0 {
					findingsMu.Lock()
					badSlots = append(badSlots, i)
					findingsMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(badSlots) == 0 {
			log.Printf("clean: %d slots checked", count)
			return nil
		}

		// repairs touch the table's shared free-slot hint, so they're
		// applied one at a time, in slot order, after the scan completes.
		sort.Slice(badSlots, func(a, b int) bool { return badSlots[a] < badSlots[b] })
		for _, i := range badSlots {
			log.Warnf("slot %d: nonzero links_count with zero mode", i)
			if pmfsctl.FsckAutoRepair() {
				tb.Release(i)
				log.Printf("slot %d: cleared", i)
			}
		}
		return fmt.Errorf("%d inconsistent slot(s) found", len(badSlots))
	},
}
