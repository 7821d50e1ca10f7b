//go:build !(linux || darwin)

package sysmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// System is not available on this platform; NewSystem always fails
type System struct{}

var _ Provider = &System{}

func NewSystem(options Options) (*System, error) {
	return nil, errors.New("sysmem.System is only supported on linux and darwin")
}

func (s *System) PageSize() int         { return 4096 }
func (s *System) BreakStart() uintptr   { return 0 }
func (s *System) BreakEnd() uintptr     { return 0 }
func (s *System) ReservedSize() uintptr { return 0 }
func (s *System) MappingCount() int     { return 0 }
func (s *System) Close() error          { return nil }

func (s *System) ExtendBreak(increment uintptr) (unsafe.Pointer, error) {
	return nil, ErrOutOfMemory
}

func (s *System) Map(size uintptr) (unsafe.Pointer, error) {
	return nil, ErrOutOfMemory
}

func (s *System) Unmap(addr unsafe.Pointer, size uintptr) error {
	return errors.New("sysmem.System is only supported on linux and darwin")
}
