//go:build linux || darwin

package osmem

import (
	"io"
	"sort"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/osmem/memutils"
	"github.com/vkngwrapper/osmem/memutils/metadata"
	"github.com/vkngwrapper/osmem/sysmem"
	"golang.org/x/exp/slog"
)

const testReserveSize = 16 << 20

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readyAllocator(t *testing.T, options CreateOptions) (*Allocator, *sysmem.System) {
	system, err := sysmem.NewSystem(sysmem.Options{ReserveSize: testReserveSize})
	require.NoError(t, err)

	allocator, err := New(testLogger(), system, options)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, allocator.Validate())
		_ = allocator.Destroy()
	})

	return allocator, system
}

func fillPattern(ptr unsafe.Pointer, size uintptr, seed byte) {
	data := unsafe.Slice((*byte)(ptr), size)
	for i := range data {
		data[i] = seed + byte(i)
	}
}

func requirePattern(t *testing.T, ptr unsafe.Pointer, size uintptr, seed byte) {
	data := unsafe.Slice((*byte)(ptr), size)
	for i := range data {
		if data[i] != seed+byte(i) {
			require.Failf(t, "pattern mismatch", "byte %d is %d, expected %d", i, data[i], seed+byte(i))
		}
	}
}

func statusOf(ptr unsafe.Pointer) metadata.Status {
	return metadata.FromPayload(ptr).Status()
}

func TestAllocZeroSize(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.Alloc(0)
	require.NoError(t, err)
	require.Nil(t, ptr)

	ptr, err = allocator.ZeroAlloc(0, 16)
	require.NoError(t, err)
	require.Nil(t, ptr)

	ptr, err = allocator.ZeroAlloc(16, 0)
	require.NoError(t, err)
	require.Nil(t, ptr)

	require.Equal(t, HeapStatistics{}, allocator.HeapStats())
}

func TestAllocAlignedAndDistinct(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	type allocation struct {
		ptr  unsafe.Pointer
		size uintptr
	}

	var allocations []allocation
	for i := 1; i <= 300; i++ {
		size := uintptr(i*7%517 + 1)
		ptr, err := allocator.Alloc(size)
		require.NoError(t, err)
		require.NotNil(t, ptr)
		require.Zero(t, uintptr(ptr)%memutils.WordAlignment)
		require.GreaterOrEqual(t, uint64(allocator.UsableSize(ptr)), uint64(size))

		fillPattern(ptr, size, byte(i))
		allocations = append(allocations, allocation{ptr: ptr, size: size})
	}

	for i, alloc := range allocations {
		requirePattern(t, alloc.ptr, alloc.size, byte(i+1))
	}

	sort.Slice(allocations, func(i, j int) bool {
		return uintptr(allocations[i].ptr) < uintptr(allocations[j].ptr)
	})
	for i := 1; i < len(allocations); i++ {
		previousEnd := uintptr(allocations[i-1].ptr) + allocations[i-1].size
		require.LessOrEqual(t, uint64(previousEnd), uint64(uintptr(allocations[i].ptr)))
	}

	require.NoError(t, allocator.Validate())

	for _, alloc := range allocations {
		require.NoError(t, allocator.Free(alloc.ptr))
	}
	require.NoError(t, allocator.Validate())
	require.Zero(t, allocator.HeapStats().UsedBytes)
}

func TestFirstAllocationSplitsInitialRegion(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.Alloc(100)
	require.NoError(t, err)
	require.Equal(t, allocator.region.start+metadata.HeaderSize, uintptr(ptr))
	require.Equal(t, uintptr(104), allocator.UsableSize(ptr))

	require.Equal(t, HeapStatistics{
		HeapBytes:        DefaultThreshold,
		FreeBytes:        DefaultThreshold - 2*metadata.HeaderSize - 104,
		UsedBytes:        104,
		LargestFreeBlock: DefaultThreshold - 2*metadata.HeaderSize - 104,
		BlockCount:       2,
	}, allocator.HeapStats())
}

func TestFreeThenAllocReuses(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(ptr))
	require.Equal(t, metadata.StatusFree, statusOf(ptr))

	// Freeing twice is ignored
	require.NoError(t, allocator.Free(ptr))
	require.NoError(t, allocator.Free(nil))

	again, err := allocator.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, ptr, again)

	require.NoError(t, allocator.Free(again))
	smaller, err := allocator.Alloc(24)
	require.NoError(t, err)
	require.Equal(t, ptr, smaller)
	require.Equal(t, DefaultThreshold, allocator.HeapStats().HeapBytes)
}

func TestBestFitPicksSmallestSufficientBlock(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	alloc := func(size uintptr) unsafe.Pointer {
		ptr, err := allocator.Alloc(size)
		require.NoError(t, err)
		return ptr
	}

	large := alloc(256)
	alloc(8)
	small := alloc(64)
	alloc(8)
	medium := alloc(128)
	alloc(8)

	require.NoError(t, allocator.Free(large))
	require.NoError(t, allocator.Free(small))
	require.NoError(t, allocator.Free(medium))

	require.Equal(t, small, alloc(64))
	require.Equal(t, medium, alloc(100))
	require.Equal(t, large, alloc(200))
}

func TestBestFitTiesGoToFirstBlock(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	first, err := allocator.Alloc(64)
	require.NoError(t, err)
	_, err = allocator.Alloc(8)
	require.NoError(t, err)
	second, err := allocator.Alloc(64)
	require.NoError(t, err)
	_, err = allocator.Alloc(8)
	require.NoError(t, err)

	require.NoError(t, allocator.Free(second))
	require.NoError(t, allocator.Free(first))

	ptr, err := allocator.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, first, ptr)

	ptr, err = allocator.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, second, ptr)
}

func TestAdjacentFreeBlocksCoalesce(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	a, err := allocator.Alloc(64)
	require.NoError(t, err)
	b, err := allocator.Alloc(64)
	require.NoError(t, err)
	_, err = allocator.Alloc(64)
	require.NoError(t, err)

	require.NoError(t, allocator.Free(a))
	require.NoError(t, allocator.Free(b))
	heapBytes := allocator.HeapStats().HeapBytes

	merged, err := allocator.Alloc(64 + 64 + metadata.HeaderSize)
	require.NoError(t, err)
	require.Equal(t, a, merged)
	require.Equal(t, heapBytes, allocator.HeapStats().HeapBytes)
}

func TestBreakGrowsWhenNothingFits(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{Threshold: 4096, InitialHeapSize: 4096})

	first, err := allocator.Alloc(2000)
	require.NoError(t, err)

	// The free remainder of the initial region is the last block, so it is extended
	second, err := allocator.Alloc(3000)
	require.NoError(t, err)
	require.Equal(t, uintptr(first)+2000+metadata.HeaderSize, uintptr(second))
	require.Equal(t, uintptr(4096+968), allocator.HeapStats().HeapBytes)

	third, err := allocator.Alloc(3000)
	require.NoError(t, err)
	require.Equal(t, uintptr(second)+3000+metadata.HeaderSize, uintptr(third))
	require.Equal(t, uintptr(4096+968+3032), allocator.HeapStats().HeapBytes)
	require.Equal(t, 3, allocator.HeapStats().BlockCount)
}

func TestLargeAllocationsAreMapped(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.Alloc(DefaultThreshold - metadata.HeaderSize)
	require.NoError(t, err)
	require.Equal(t, metadata.StatusMapped, statusOf(ptr))
	fillPattern(ptr, DefaultThreshold-metadata.HeaderSize, 3)

	stats := allocator.HeapStats()
	require.Equal(t, 1, stats.MappedCount)
	require.Equal(t, DefaultThreshold, stats.MappedBytes)
	require.Zero(t, stats.HeapBytes)

	heapPtr, err := allocator.Alloc(DefaultThreshold - metadata.HeaderSize - memutils.WordAlignment)
	require.NoError(t, err)
	require.Equal(t, metadata.StatusAllocated, statusOf(heapPtr))

	require.NoError(t, allocator.Free(ptr))
	stats = allocator.HeapStats()
	require.Zero(t, stats.MappedCount)
	require.Zero(t, stats.MappedBytes)
}

func TestMappedBlocksFollowBreakBlocks(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	mapped, err := allocator.Alloc(200 * 1024)
	require.NoError(t, err)
	small, err := allocator.Alloc(64)
	require.NoError(t, err)
	mapped2, err := allocator.Alloc(300 * 1024)
	require.NoError(t, err)

	var order []unsafe.Pointer
	var statuses []metadata.Status
	require.NoError(t, allocator.VisitAllBlocks(func(payload unsafe.Pointer, size uintptr, status metadata.Status) error {
		order = append(order, payload)
		statuses = append(statuses, status)
		return nil
	}))

	require.Equal(t, []metadata.Status{
		metadata.StatusAllocated,
		metadata.StatusFree,
		metadata.StatusMapped,
		metadata.StatusMapped,
	}, statuses)
	require.Equal(t, small, order[0])
	require.Equal(t, mapped, order[2])
	require.Equal(t, mapped2, order[3])
}

func TestZeroAllocClearsReusedMemory(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	dirty, err := allocator.Alloc(512)
	require.NoError(t, err)
	data := unsafe.Slice((*byte)(dirty), 512)
	for i := range data {
		data[i] = 0xff
	}
	require.NoError(t, allocator.Free(dirty))

	zeroed, err := allocator.ZeroAlloc(64, 8)
	require.NoError(t, err)
	require.Equal(t, dirty, zeroed)

	for i, b := range unsafe.Slice((*byte)(zeroed), 512) {
		require.Zerof(t, b, "byte %d was not cleared", i)
	}
}

func TestZeroAllocUsesPageSizeThreshold(t *testing.T) {
	allocator, system := readyAllocator(t, CreateOptions{})
	pageSize := uintptr(system.PageSize())

	ptr, err := allocator.Alloc(pageSize)
	require.NoError(t, err)
	require.Equal(t, metadata.StatusAllocated, statusOf(ptr))

	zeroed, err := allocator.ZeroAlloc(pageSize/8, 8)
	require.NoError(t, err)
	require.Equal(t, metadata.StatusMapped, statusOf(zeroed))

	for i, b := range unsafe.Slice((*byte)(zeroed), pageSize) {
		require.Zerof(t, b, "byte %d was not cleared", i)
	}

	small, err := allocator.ZeroAlloc(1, pageSize-metadata.HeaderSize-memutils.WordAlignment)
	require.NoError(t, err)
	require.Equal(t, metadata.StatusAllocated, statusOf(small))
}

func TestZeroAllocOverflow(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.ZeroAlloc(^uintptr(0), 2)
	require.ErrorIs(t, err, ErrSizeOverflow)
	require.Nil(t, ptr)
	require.False(t, IsFatal(err))

	ptr, err = allocator.Alloc(^uintptr(0) - 4)
	require.ErrorIs(t, err, ErrSizeOverflow)
	require.Nil(t, ptr)
}

func TestReallocNilAllocates(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.Realloc(nil, 40)
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.Equal(t, uintptr(40), allocator.UsableSize(ptr))
	require.Equal(t, metadata.StatusAllocated, statusOf(ptr))
}

func TestReallocZeroFrees(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.Alloc(40)
	require.NoError(t, err)

	result, err := allocator.Realloc(ptr, 0)
	require.NoError(t, err)
	require.Nil(t, result)
	require.Equal(t, metadata.StatusFree, statusOf(ptr))

	mapped, err := allocator.Alloc(DefaultThreshold)
	require.NoError(t, err)
	result, err = allocator.Realloc(mapped, 0)
	require.NoError(t, err)
	require.Nil(t, result)
	require.Zero(t, allocator.HeapStats().MappedCount)
}

func TestReallocFreedBlock(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.Alloc(40)
	require.NoError(t, err)
	require.NoError(t, allocator.Free(ptr))

	result, err := allocator.Realloc(ptr, 80)
	require.ErrorIs(t, err, ErrNotAllocated)
	require.Nil(t, result)
	require.False(t, IsFatal(err))
}

func TestReallocShrinkSplits(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.Alloc(256)
	require.NoError(t, err)
	fillPattern(ptr, 256, 9)

	shrunk, err := allocator.Realloc(ptr, 60)
	require.NoError(t, err)
	require.Equal(t, ptr, shrunk)
	require.Equal(t, uintptr(64), allocator.UsableSize(ptr))
	requirePattern(t, ptr, 60, 9)

	next, err := allocator.Alloc(160)
	require.NoError(t, err)
	require.Equal(t, uintptr(ptr)+64+metadata.HeaderSize, uintptr(next))
}

func TestReallocGrowsIntoFreeSuccessor(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.Alloc(64)
	require.NoError(t, err)
	neighbor, err := allocator.Alloc(128)
	require.NoError(t, err)
	_, err = allocator.Alloc(8)
	require.NoError(t, err)

	fillPattern(ptr, 64, 17)
	require.NoError(t, allocator.Free(neighbor))

	grown, err := allocator.Realloc(ptr, 150)
	require.NoError(t, err)
	require.Equal(t, ptr, grown)
	require.Equal(t, uintptr(152), allocator.UsableSize(ptr))
	requirePattern(t, ptr, 64, 17)

	// The unused part of the neighbor is split back off
	rest, err := allocator.Alloc(40)
	require.NoError(t, err)
	require.Equal(t, uintptr(ptr)+152+metadata.HeaderSize, uintptr(rest))
}

func TestReallocExtendsLastBlock(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{Threshold: 4096, InitialHeapSize: 4096})

	_, err := allocator.Alloc(1000)
	require.NoError(t, err)
	last, err := allocator.Alloc(4096 - 2*metadata.HeaderSize - 1000)
	require.NoError(t, err)
	fillPattern(last, 1000, 33)
	require.Equal(t, uintptr(4096), allocator.HeapStats().HeapBytes)

	grown, err := allocator.Realloc(last, 4000)
	require.NoError(t, err)
	require.Equal(t, last, grown)
	require.Equal(t, uintptr(4000), allocator.UsableSize(last))
	require.Equal(t, uintptr(4096+4000-(4096-2*metadata.HeaderSize-1000)), allocator.HeapStats().HeapBytes)
	requirePattern(t, last, 1000, 33)
}

func TestReallocRelocatesWhenBlocked(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.Alloc(64)
	require.NoError(t, err)
	_, err = allocator.Alloc(64)
	require.NoError(t, err)
	fillPattern(ptr, 64, 51)

	moved, err := allocator.Realloc(ptr, 512)
	require.NoError(t, err)
	require.NotEqual(t, ptr, moved)
	requirePattern(t, moved, 64, 51)
	require.Equal(t, metadata.StatusFree, statusOf(ptr))
	require.Equal(t, metadata.StatusAllocated, statusOf(moved))
}

func TestReallocAcrossThreshold(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	ptr, err := allocator.Alloc(100)
	require.NoError(t, err)
	fillPattern(ptr, 100, 71)

	mapped, err := allocator.Realloc(ptr, 200*1024)
	require.NoError(t, err)
	require.NotEqual(t, ptr, mapped)
	require.Equal(t, metadata.StatusMapped, statusOf(mapped))
	require.Equal(t, metadata.StatusFree, statusOf(ptr))
	requirePattern(t, mapped, 100, 71)
	fillPattern(mapped, 200*1024, 72)

	// Mapped blocks always relocate, even when growing
	bigger, err := allocator.Realloc(mapped, 300*1024)
	require.NoError(t, err)
	require.Equal(t, metadata.StatusMapped, statusOf(bigger))
	requirePattern(t, bigger, 200*1024, 72)
	require.Equal(t, 1, allocator.HeapStats().MappedCount)

	back, err := allocator.Realloc(bigger, 64)
	require.NoError(t, err)
	require.Equal(t, metadata.StatusAllocated, statusOf(back))
	requirePattern(t, back, 64, 72)
	require.Zero(t, allocator.HeapStats().MappedCount)
}

func TestUsableSize(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{})

	require.Zero(t, allocator.UsableSize(nil))

	ptr, err := allocator.Alloc(13)
	require.NoError(t, err)
	require.Equal(t, uintptr(16), allocator.UsableSize(ptr))

	require.NoError(t, allocator.Free(ptr))
	require.Zero(t, allocator.UsableSize(ptr))
}

func TestSynchronizedAllocator(t *testing.T) {
	allocator, _ := readyAllocator(t, CreateOptions{Flags: CreateSynchronized})

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			var live []unsafe.Pointer
			for i := 0; i < 200; i++ {
				size := uintptr((worker*31+i*17)%900 + 1)
				ptr, err := allocator.Alloc(size)
				if err != nil {
					t.Error(err)
					return
				}
				fillPattern(ptr, size, byte(worker))
				live = append(live, ptr)

				if i%3 == 0 {
					if err := allocator.Free(live[0]); err != nil {
						t.Error(err)
						return
					}
					live = live[1:]
				}
			}

			for _, ptr := range live {
				if err := allocator.Free(ptr); err != nil {
					t.Error(err)
					return
				}
			}
		}(worker)
	}
	wg.Wait()

	require.NoError(t, allocator.Validate())
	require.Zero(t, allocator.HeapStats().UsedBytes)
}
