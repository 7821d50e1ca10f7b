// Package sysmem supplies the raw memory that the allocator subdivides: a contiguous, growable
// program-break region and individual anonymous mappings.
package sysmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// ErrOutOfMemory is returned when the break region cannot grow any further
var ErrOutOfMemory = errors.New("out of memory")

//go:generate mockgen -destination=./mocks/provider.go -package=mock_sysmem github.com/vkngwrapper/osmem/sysmem Provider

// Provider is the operating system capability consumed by the allocator
type Provider interface {
	// ExtendBreak grows the program-break region by increment bytes and returns the previous break,
	// which is the start of the newly available bytes
	ExtendBreak(increment uintptr) (unsafe.Pointer, error)
	// Map creates a private anonymous read/write mapping of at least size bytes
	Map(size uintptr) (unsafe.Pointer, error)
	// Unmap releases a mapping created by Map. size must be the size that was passed to Map.
	Unmap(addr unsafe.Pointer, size uintptr) error
	// PageSize returns the system page size in bytes
	PageSize() int
}
