//go:build linux || darwin

package sysmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/osmem/memutils"
	"golang.org/x/sys/unix"
)

// System is the Provider backed by the host operating system.
//
// The Go runtime does not leave the process break to user code, so System emulates it: a single
// range of address space is reserved with no access rights when the System is created, and
// ExtendBreak walks a break pointer forward through it, making pages readable and writable as
// the break passes over them. Growing past the reservation fails with ErrOutOfMemory.
//
// System is not safe for concurrent use.
type System struct {
	pageSize  int
	region    []byte
	brk       uintptr
	committed uintptr

	mappings *swiss.Map[uintptr, []byte]
}

var _ Provider = &System{}

// NewSystem reserves the break region and prepares a System for use
func NewSystem(options Options) (*System, error) {
	pageSize := unix.Getpagesize()
	memutils.DebugCheckPow2(pageSize, "pageSize")

	reserveSize := options.ReserveSize
	if reserveSize == 0 {
		reserveSize = DefaultReserveSize
	}
	reserveSize = memutils.AlignUp(reserveSize, uintptr(pageSize))

	region, err := unix.Mmap(-1, 0, int(reserveSize), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to reserve %d bytes of address space for the break region", reserveSize)
	}

	return &System{
		pageSize: pageSize,
		region:   region,
		mappings: swiss.NewMap[uintptr, []byte](16),
	}, nil
}

func (s *System) PageSize() int { return s.pageSize }

// BreakStart returns the lowest address of the break region
func (s *System) BreakStart() uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(s.region)))
}

// BreakEnd returns the current break, the first address past the usable part of the break region
func (s *System) BreakEnd() uintptr {
	return s.BreakStart() + s.brk
}

// ReservedSize returns the maximum size in bytes that the break region can grow to
func (s *System) ReservedSize() uintptr {
	return uintptr(len(s.region))
}

// MappingCount returns the number of live mappings created by Map
func (s *System) MappingCount() int {
	return int(s.mappings.Count())
}

func (s *System) ExtendBreak(increment uintptr) (unsafe.Pointer, error) {
	if s.region == nil {
		return nil, errors.New("the break region has already been released")
	}

	if increment > uintptr(len(s.region))-s.brk {
		return nil, errors.Wrapf(ErrOutOfMemory, "cannot extend the break by %d bytes: %d of %d reserved bytes are in use", increment, s.brk, len(s.region))
	}

	newBreak := s.brk + increment
	if newBreak > s.committed {
		newCommitted := memutils.AlignUp(newBreak, uintptr(s.pageSize))

		err := unix.Mprotect(s.region[s.committed:newCommitted], unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to commit break region pages [%d, %d)", s.committed, newCommitted)
		}

		s.committed = newCommitted
	}

	oldBreak := unsafe.Add(unsafe.Pointer(unsafe.SliceData(s.region)), s.brk)
	s.brk = newBreak
	return oldBreak, nil
}

func (s *System) Map(size uintptr) (unsafe.Pointer, error) {
	if size == 0 {
		return nil, errors.New("attempted to create an empty mapping")
	}

	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %d bytes", size)
	}

	addr := unsafe.Pointer(unsafe.SliceData(data))
	s.mappings.Put(uintptr(addr), data)
	return addr, nil
}

func (s *System) Unmap(addr unsafe.Pointer, size uintptr) error {
	data, ok := s.mappings.Get(uintptr(addr))
	if !ok {
		return errors.Newf("attempted to unmap %#x, which is not a live mapping", uintptr(addr))
	}

	if uintptr(len(data)) != size {
		return errors.Newf("attempted to unmap %d bytes at %#x, but the mapping is %d bytes", size, uintptr(addr), len(data))
	}

	err := unix.Munmap(data)
	if err != nil {
		return errors.Wrapf(err, "failed to unmap %d bytes at %#x", size, uintptr(addr))
	}

	s.mappings.Delete(uintptr(addr))
	return nil
}

// Close releases every live mapping and the break region. Memory handed out from either must not be
// used afterward.
func (s *System) Close() error {
	var err error

	s.mappings.Iter(func(addr uintptr, data []byte) bool {
		unmapErr := unix.Munmap(data)
		if unmapErr != nil {
			err = errors.CombineErrors(err, errors.Wrapf(unmapErr, "failed to unmap %d bytes at %#x", len(data), addr))
		}
		return false
	})
	s.mappings = swiss.NewMap[uintptr, []byte](16)

	if s.region != nil {
		regionErr := unix.Munmap(s.region)
		if regionErr != nil {
			err = errors.CombineErrors(err, errors.Wrap(regionErr, "failed to release the break region"))
		}

		s.region = nil
		s.brk = 0
		s.committed = 0
	}

	return err
}
