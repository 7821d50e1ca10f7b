package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"unsafe"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"github.com/vkngwrapper/osmem"
	"github.com/vkngwrapper/osmem/memutils"
	"github.com/vkngwrapper/osmem/memutils/metadata"
	"github.com/vkngwrapper/osmem/sysmem"
)

func printStats(w io.Writer, allocator *osmem.Allocator, asJSON bool, detailed bool) error {
	if asJSON {
		_, err := fmt.Fprintln(w, allocator.BuildStatsString(detailed))
		return err
	}

	heap := allocator.HeapStats()

	var stats memutils.DetailedStatistics
	stats.Clear()
	allocator.AddDetailedStatistics(&stats)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Statistic", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk([][]string{
		{"Heap bytes", formatSize(heap.HeapBytes)},
		{"Heap blocks", strconv.Itoa(heap.BlockCount)},
		{"Used bytes", formatSize(heap.UsedBytes)},
		{"Free bytes", formatSize(heap.FreeBytes)},
		{"Largest free block", formatSize(heap.LargestFreeBlock)},
		{"Mappings", strconv.Itoa(heap.MappedCount)},
		{"Mapped bytes", formatSize(heap.MappedBytes)},
		{"OS regions", strconv.Itoa(stats.BlockCount)},
		{"Live allocations", strconv.Itoa(stats.AllocationCount)},
	})
	if stats.AllocationCount > 0 {
		table.Append([]string{"Allocation size range", fmt.Sprintf("%d - %d", stats.AllocationSizeMin, stats.AllocationSizeMax)})
	}
	if stats.UnusedRangeCount > 0 {
		table.Append([]string{"Free block size range", fmt.Sprintf("%d - %d", stats.UnusedRangeSizeMin, stats.UnusedRangeSizeMax)})
	}
	table.Render()

	if !detailed {
		return nil
	}

	blocks := tablewriter.NewWriter(w)
	blocks.SetHeader([]string{"#", "Payload", "Status", "Size"})
	blocks.SetAlignment(tablewriter.ALIGN_LEFT)

	index := 0
	err := allocator.VisitAllBlocks(func(payload unsafe.Pointer, size uintptr, status metadata.Status) error {
		blocks.Append([]string{
			strconv.Itoa(index),
			fmt.Sprintf("%#x", uintptr(payload)),
			status.String(),
			strconv.FormatUint(uint64(size), 10),
		})
		index++
		return nil
	})
	if err != nil {
		return err
	}

	blocks.Render()
	return nil
}

func formatSize(size uintptr) string {
	switch {
	case size >= 1<<20:
		return fmt.Sprintf("%d (%.2f MiB)", size, float64(size)/(1<<20))
	case size >= 1<<10:
		return fmt.Sprintf("%d (%.2f KiB)", size, float64(size)/(1<<10))
	}

	return strconv.FormatUint(uint64(size), 10)
}

var infoCommand = &cli.Command{
	Name:   "info",
	Usage:  "print the allocator's layout constants",
	Action: printInfo,
}

func printInfo(ctx *cli.Context) error {
	table := tablewriter.NewWriter(ctx.App.Writer)
	table.SetHeader([]string{"Constant", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk([][]string{
		{"Header size", strconv.Itoa(int(metadata.HeaderSize))},
		{"Word alignment", strconv.Itoa(int(memutils.WordAlignment))},
		{"Mapping threshold", formatSize(osmem.DefaultThreshold)},
		{"Page size", strconv.Itoa(os.Getpagesize())},
		{"Break reservation", formatSize(sysmem.DefaultReserveSize)},
	})
	table.Render()
	return nil
}
