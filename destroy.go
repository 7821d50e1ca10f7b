package osmem

import (
	"context"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/osmem/memutils/metadata"
	"golang.org/x/exp/slog"
)

// Destroy releases every mapping the allocator holds and closes its provider, if the provider
// is an io.Closer. Any allocation that is still live is reported to the logger and Destroy returns
// an error, although the memory is released regardless. The Allocator must not be used afterward.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var leaked int
	var err error

	for block := a.blocks.Head(); block != nil; {
		next := block.Next()

		if block.Status() != metadata.StatusFree {
			leaked++
			a.logUnreleasedMemory(block)
		}

		if block.IsMapped() {
			err = errors.CombineErrors(err, a.unmapBlock(block))
		}

		block = next
	}

	a.blocks = metadata.BlockList{}
	a.region.reset()

	if closer, ok := a.provider.(io.Closer); ok {
		err = errors.CombineErrors(err, closer.Close())
	}

	if leaked > 0 {
		err = errors.CombineErrors(errors.Newf("%d allocations were not freed before the destruction of this allocator", leaked), err)
	}

	return err
}

func (a *Allocator) logUnreleasedMemory(block *metadata.Block) {
	a.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.String("address", "0x"+strconv.FormatUint(uint64(block.Address()), 16)),
		slog.Uint64("size", uint64(block.Size())),
		slog.String("status", block.Status().String()),
	)
}
