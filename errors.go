package osmem

import "github.com/cockroachdb/errors"

var (
	// ErrResourceExhausted marks errors caused by the operating system refusing to extend the break
	// region or to create a mapping. The allocator has no way to recover from this, and callers
	// should usually treat it as fatal. It is attached with errors.Mark, so it can only be detected
	// with IsFatal or github.com/cockroachdb/errors.Is; the standard library's errors.Is does not see it.
	ErrResourceExhausted = errors.New("operating system memory exhausted")
	// ErrFatal marks errors after which the allocator's view of memory can no longer be trusted,
	// such as a mapping that could not be released. Like ErrResourceExhausted it is a mark, visible to
	// IsFatal and github.com/cockroachdb/errors.Is but not to the standard library's errors.Is.
	ErrFatal = errors.New("fatal allocator error")
	// ErrNotAllocated is returned when resizing a block that has already been freed
	ErrNotAllocated = errors.New("block is not allocated")
	// ErrSizeOverflow is returned when a requested size cannot be represented once headers and
	// alignment are added
	ErrSizeOverflow = errors.New("requested size overflows")
)

// IsFatal reports whether err leaves the allocator unable to continue, which is the case for
// resource exhaustion and failed releases
func IsFatal(err error) bool {
	return errors.Is(err, ErrResourceExhausted) || errors.Is(err, ErrFatal)
}
