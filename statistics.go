package osmem

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/osmem/memutils"
	"github.com/vkngwrapper/osmem/memutils/metadata"
)

// HeapStatistics is a point-in-time summary of an Allocator's memory. Free blocks that have not
// yet been coalesced are reported separately, so LargestFreeBlock is a lower bound on the largest
// request the break region could serve without growing.
type HeapStatistics struct {
	// HeapBytes is the current size of the break region, headers included
	HeapBytes uintptr
	// FreeBytes is the payload capacity of all free blocks
	FreeBytes uintptr
	// UsedBytes is the payload capacity of all allocated break-resident blocks
	UsedBytes uintptr
	// LargestFreeBlock is the payload capacity of the largest free block
	LargestFreeBlock uintptr
	// BlockCount is the number of break-resident blocks, free or allocated
	BlockCount int
	// MappedCount is the number of live dedicated mappings
	MappedCount int
	// MappedBytes is the total size of all live dedicated mappings, headers included
	MappedBytes uintptr
}

// HeapStats summarizes the break region and the dedicated mappings
func (a *Allocator) HeapStats() HeapStatistics {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats := HeapStatistics{
		HeapBytes: a.region.Size(),
	}

	_ = a.blocks.VisitAllBlocks(func(block *metadata.Block) error {
		switch block.Status() {
		case metadata.StatusFree:
			stats.BlockCount++
			stats.FreeBytes += block.Size()
			stats.LargestFreeBlock = max(stats.LargestFreeBlock, block.Size())
		case metadata.StatusAllocated:
			stats.BlockCount++
			stats.UsedBytes += block.Size()
		case metadata.StatusMapped:
			stats.MappedCount++
			stats.MappedBytes += block.FootprintSize()
		}
		return nil
	})

	return stats
}

// AddStatistics adds this allocator's totals to stats. The break region counts as a single OS
// block and each dedicated mapping counts as one more.
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	var detailed memutils.DetailedStatistics
	detailed.Clear()
	a.AddDetailedStatistics(&detailed)

	stats.AddStatistics(&detailed.Statistics)
}

// AddDetailedStatistics adds this allocator's totals to stats, along with the size extremes of live
// allocations and free blocks
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.addDetailedStatistics(stats)
}

func (a *Allocator) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	if a.region.initialized {
		stats.AddBlock(int(a.region.Size()))
	}

	a.blocks.AddDetailedStatistics(stats)
}

// VisitAllBlocks calls the provided callback once for every block the allocator tracks, break
// region first in address order and then each dedicated mapping. The callback receives the block's
// payload pointer, its payload capacity and its status. Returning an error stops the walk, and the
// error is returned.
//
// The callback must not call back into the Allocator.
func (a *Allocator) VisitAllBlocks(handleBlock func(payload unsafe.Pointer, size uintptr, status metadata.Status) error) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.blocks.VisitAllBlocks(func(block *metadata.Block) error {
		return handleBlock(block.Payload(), block.Size(), block.Status())
	})
}

// BuildStatsString returns a JSON document describing the allocator's memory. When detailed is
// true, every block is listed as well.
func (a *Allocator) BuildStatsString(detailed bool) string {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var stats memutils.DetailedStatistics
	stats.Clear()
	a.addDetailedStatistics(&stats)

	writer := jwriter.NewWriter()
	json := writer.Object()

	total := json.Name("Total").Object()
	printDetailedStatistics(total, &stats)
	total.End()

	config := json.Name("Config").Object()
	config.Name("Flags").String(a.createFlags.String())
	config.Name("Threshold").Int(int(a.threshold))
	config.Name("ZeroThreshold").Int(int(a.zeroThreshold))
	config.Name("InitialHeapSize").Int(int(a.initialHeapSize))
	config.Name("HeaderSize").Int(int(metadata.HeaderSize))
	config.End()

	if detailed {
		heap := json.Name("Heap").Object()
		heap.Name("TotalBytes").Int(int(a.region.Size()))
		a.blocks.BlockJsonData(heap, a.region.start)
		heap.End()
	}

	json.End()

	return string(writer.Bytes())
}

func printDetailedStatistics(json jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)
	json.Name("UnusedBytes").Int(stats.UnusedBytes)

	if stats.AllocationCount > 0 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}

	if stats.UnusedRangeCount > 0 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}
