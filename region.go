package osmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/osmem/memutils/metadata"
	"github.com/vkngwrapper/osmem/sysmem"
	"golang.org/x/exp/slog"
)

// heapRegion tracks the extent of the program-break region. Every extension goes through it so
// that start and end always describe the bytes tiled by break-resident blocks.
type heapRegion struct {
	logger   *slog.Logger
	provider sysmem.Provider

	start       uintptr
	end         uintptr
	initialized bool
}

var _ metadata.BreakExtender = &heapRegion{}

func (r *heapRegion) init(logger *slog.Logger, provider sysmem.Provider) {
	r.logger = logger
	r.provider = provider
}

func (r *heapRegion) Size() uintptr {
	return r.end - r.start
}

func (r *heapRegion) ExtendBreak(increment uintptr) (unsafe.Pointer, error) {
	addr, err := r.provider.ExtendBreak(increment)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "failed to extend the heap by %d bytes", increment), ErrResourceExhausted)
	}

	if !r.initialized {
		r.start = uintptr(addr)
		r.end = uintptr(addr)
		r.initialized = true
	} else if uintptr(addr) != r.end {
		return nil, errors.Mark(
			errors.AssertionFailedf("the break moved from %#x to %#x outside of the allocator", r.end, uintptr(addr)),
			ErrFatal,
		)
	}

	r.end += increment

	r.logger.Debug("Allocator::extendBreak",
		slog.Uint64("Increment", uint64(increment)),
		slog.Uint64("HeapSize", uint64(r.Size())))

	return addr, nil
}

func (r *heapRegion) reset() {
	r.start = 0
	r.end = 0
	r.initialized = false
}
