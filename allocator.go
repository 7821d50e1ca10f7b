package osmem

import (
	"math/bits"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/osmem/internal/utils"
	"github.com/vkngwrapper/osmem/memutils"
	"github.com/vkngwrapper/osmem/memutils/metadata"
	"github.com/vkngwrapper/osmem/sysmem"
	"golang.org/x/exp/slog"
)

// maxRequest is the largest payload that can be aligned and given a header without overflowing
const maxRequest = ^uintptr(0) - metadata.HeaderSize - memutils.WordAlignment

// Allocator hands out word-aligned blocks of memory that live outside the Go heap. Small requests
// are carved from a single growable break region, large requests each receive a dedicated mapping.
//
// Memory returned by an Allocator is not scanned by the garbage collector: it must not be used to
// hold the only reference to a Go-managed object.
type Allocator struct {
	mutex    utils.OptionalMutex
	logger   *slog.Logger
	provider sysmem.Provider

	createFlags     CreateFlags
	threshold       uintptr
	zeroThreshold   uintptr
	initialHeapSize uintptr

	blocks metadata.BlockList
	region heapRegion
}

// Alloc returns a pointer to at least size bytes of uninitialized memory. A size of 0 returns a nil
// pointer and no error.
func (a *Allocator) Alloc(size uintptr) (unsafe.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	ptr, err := a.allocate(size, a.threshold, false)
	memutils.DebugValidate(validateFunc(a.validate))
	return ptr, err
}

// ZeroAlloc returns a pointer to count*elemSize bytes of zeroed memory. Requests whose total size
// overflows fail with ErrSizeOverflow. Requests are sent to a dedicated mapping once they reach the
// system page size rather than the allocator's threshold.
func (a *Allocator) ZeroAlloc(count, elemSize uintptr) (unsafe.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	hi, total := bits.Mul64(uint64(count), uint64(elemSize))
	if hi != 0 || total > uint64(maxRequest) {
		return nil, errors.Wrapf(ErrSizeOverflow, "%d elements of %d bytes", count, elemSize)
	}

	ptr, err := a.allocate(uintptr(total), a.zeroThreshold, true)
	memutils.DebugValidate(validateFunc(a.validate))
	return ptr, err
}

// Free returns the block behind ptr to the allocator. Mapped blocks are released to the operating
// system immediately. A nil pointer, or a block that is already free, is ignored.
func (a *Allocator) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	err := a.free(metadata.FromPayload(ptr))
	memutils.DebugValidate(validateFunc(a.validate))
	return err
}

// Realloc resizes the block behind ptr to hold at least size bytes, preserving its contents up to
// the smaller of the old and new sizes. The returned pointer may differ from ptr, in which case ptr
// is no longer valid.
//
// A nil ptr behaves like Alloc, and a size of 0 behaves like Free and returns nil. Resizing a block
// that has already been freed fails with ErrNotAllocated.
func (a *Allocator) Realloc(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	newPtr, err := a.reallocate(ptr, size)
	memutils.DebugValidate(validateFunc(a.validate))
	return newPtr, err
}

// UsableSize returns the payload capacity of the live block behind ptr, which may exceed the size
// that was requested for it. It returns 0 for a nil pointer or a freed block.
func (a *Allocator) UsableSize(ptr unsafe.Pointer) uintptr {
	if ptr == nil {
		return 0
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	block := metadata.FromPayload(ptr)
	if block.IsFree() {
		return 0
	}

	return block.Size()
}

func (a *Allocator) isLarge(aligned, threshold uintptr) bool {
	return aligned+metadata.HeaderSize >= threshold
}

func (a *Allocator) allocate(size uintptr, threshold uintptr, zero bool) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, nil
	}

	if size > maxRequest {
		return nil, errors.Wrapf(ErrSizeOverflow, "requested %d bytes", size)
	}

	aligned := memutils.Align(size)

	block, err := a.placeBlock(aligned, threshold)
	if err != nil {
		return nil, err
	}

	if zero {
		clear(block.Bytes()[:aligned])
	}

	return block.Payload(), nil
}

// placeBlock finds or creates a block with at least aligned bytes of payload
func (a *Allocator) placeBlock(aligned uintptr, threshold uintptr) (*metadata.Block, error) {
	if a.isLarge(aligned, threshold) {
		return a.mapBlock(aligned)
	}

	if !a.region.initialized {
		return a.firstHeapBlock(aligned)
	}

	block, err := a.blocks.FindBestFit(aligned, &a.region)
	if err != nil {
		return nil, err
	}

	if block != nil {
		return block, nil
	}

	return a.newHeapBlock(aligned)
}

func (a *Allocator) free(block *metadata.Block) error {
	switch block.Status() {
	case metadata.StatusMapped:
		return a.unmapBlock(block)
	case metadata.StatusAllocated:
		block.MarkFree()
	}

	return nil
}

func (a *Allocator) reallocate(ptr unsafe.Pointer, size uintptr) (unsafe.Pointer, error) {
	if ptr == nil {
		return a.allocate(size, a.threshold, false)
	}

	block := metadata.FromPayload(ptr)

	if size == 0 {
		return nil, a.free(block)
	}

	if block.IsFree() {
		return nil, errors.Wrapf(ErrNotAllocated, "cannot resize the freed block at %#x", uintptr(ptr))
	}

	if size > maxRequest {
		return nil, errors.Wrapf(ErrSizeOverflow, "requested %d bytes", size)
	}

	aligned := memutils.Align(size)

	if block.IsMapped() || a.isLarge(aligned, a.threshold) {
		return a.relocate(block, aligned)
	}

	if aligned <= block.Size() {
		a.blocks.Split(block, aligned)
		return ptr, nil
	}

	expanded, err := a.blocks.ExpandInPlace(block, aligned, &a.region)
	if err != nil {
		return nil, err
	}

	if expanded {
		return ptr, nil
	}

	return a.relocate(block, aligned)
}

// relocate moves the contents of block into a new block of aligned bytes and frees block. If the
// new block cannot be obtained, block is left untouched.
func (a *Allocator) relocate(block *metadata.Block, aligned uintptr) (unsafe.Pointer, error) {
	target, err := a.placeBlock(aligned, a.threshold)
	if err != nil {
		return nil, err
	}

	copy(target.Bytes(), block.Bytes()[:min(block.Size(), aligned)])

	a.logger.Debug("Allocator::relocate",
		slog.Uint64("OldSize", uint64(block.Size())),
		slog.Uint64("NewSize", uint64(aligned)))

	err = a.free(block)
	if err != nil {
		return nil, err
	}

	return target.Payload(), nil
}
