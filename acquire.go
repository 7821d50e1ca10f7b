package osmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/osmem/memutils/metadata"
	"golang.org/x/exp/slog"
)

// mapBlock creates a dedicated mapping holding a header and exactly size bytes of payload and
// registers it at the end of the block list
func (a *Allocator) mapBlock(size uintptr) (*metadata.Block, error) {
	addr, err := a.provider.Map(metadata.HeaderSize + size)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to map %d bytes", metadata.HeaderSize+size), ErrResourceExhausted)
	}

	a.logger.Debug("Allocator::mapBlock", slog.Uint64("Size", uint64(size)))

	block := metadata.InitBlock(addr, size, metadata.StatusMapped)
	a.blocks.Insert(block, metadata.StatusMapped)
	return block, nil
}

// firstHeapBlock performs the initial extension of the break region and carves an allocated
// block of size bytes from the front of it. The rest of the region becomes a single free block.
func (a *Allocator) firstHeapBlock(size uintptr) (*metadata.Block, error) {
	addr, err := a.region.ExtendBreak(a.initialHeapSize)
	if err != nil {
		return nil, err
	}

	a.logger.Debug("Allocator::firstHeapBlock", slog.Uint64("Size", uint64(size)))

	block := metadata.InitBlock(addr, a.initialHeapSize-metadata.HeaderSize, metadata.StatusAllocated)
	a.blocks.Insert(block, metadata.StatusAllocated)
	return a.blocks.Split(block, size), nil
}

// newHeapBlock extends the break region by a header and exactly size bytes of payload
func (a *Allocator) newHeapBlock(size uintptr) (*metadata.Block, error) {
	addr, err := a.region.ExtendBreak(metadata.HeaderSize + size)
	if err != nil {
		return nil, err
	}

	block := metadata.InitBlock(addr, size, metadata.StatusAllocated)
	a.blocks.Insert(block, metadata.StatusAllocated)
	return block, nil
}

// unmapBlock removes a mapped block from the list and returns its mapping to the operating system
func (a *Allocator) unmapBlock(block *metadata.Block) error {
	size := block.FootprintSize()
	a.blocks.Remove(block)

	err := a.provider.Unmap(unsafe.Pointer(block), size)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "failed to release the %d byte mapping at %#x", size, block.Address()), ErrFatal)
	}

	a.logger.Debug("Allocator::unmapBlock", slog.Uint64("Size", uint64(size)))
	return nil
}
