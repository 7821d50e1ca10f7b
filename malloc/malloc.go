// Package malloc exposes a process-wide allocator through C-style functions. Failures that leave
// the allocator unable to continue are logged and end the process through Die, while misuse such as
// resizing a freed pointer simply yields nil.
package malloc

import (
	"os"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/osmem"
	"github.com/vkngwrapper/osmem/sysmem"
	"golang.org/x/exp/slog"
)

// Die is called with a non-zero exit code after a fatal allocator error has been logged. It may be
// replaced, but if it returns, the failed call returns nil.
var Die = os.Exit

var (
	mutex            sync.Mutex
	logger           *slog.Logger
	defaultAllocator *osmem.Allocator

	newSystem = func() (*sysmem.System, error) {
		return sysmem.NewSystem(sysmem.Options{})
	}
	defaultOptions = osmem.CreateOptions{Flags: osmem.CreateSynchronized}
)

// Configure replaces the process-wide allocator with one built from the provided arguments. It
// should be called before any other function in this package. The previous allocator, if any, is
// abandoned rather than destroyed, since memory it handed out may still be in use by its callers.
//
// Pointers obtained before Configure must not be passed to Free or Realloc afterward. The new
// allocator does not own them, and handing them over is undefined behavior that can corrupt both
// block lists.
func Configure(log *slog.Logger, provider sysmem.Provider, options osmem.CreateOptions) error {
	if log == nil {
		log = slog.Default()
	}

	options.Flags |= osmem.CreateSynchronized
	allocator, err := osmem.New(log, provider, options)
	if err != nil {
		return err
	}

	mutex.Lock()
	defer mutex.Unlock()

	logger = log
	defaultAllocator = allocator
	return nil
}

func instance() *osmem.Allocator {
	mutex.Lock()
	defer mutex.Unlock()

	if defaultAllocator != nil {
		return defaultAllocator
	}

	logger = slog.Default()

	system, err := newSystem()
	if err == nil {
		defaultAllocator, err = osmem.New(logger, system, defaultOptions)
		if err != nil {
			err = errors.CombineErrors(err, system.Close())
		}
	}

	if err != nil {
		die(errors.Mark(errors.Wrap(err, "failed to create the process allocator"), osmem.ErrFatal))
		return nil
	}

	return defaultAllocator
}

func die(err error) {
	logger.Error("fatal allocator error", slog.Any("error", err))
	Die(1)
}

// handle reports whether the result of an allocator call may be returned to the caller
func handle(err error) bool {
	if err == nil {
		return true
	}

	mutex.Lock()
	defer mutex.Unlock()

	if osmem.IsFatal(err) {
		die(err)
		return false
	}

	logger.Debug("allocator request rejected", slog.Any("error", err))
	return false
}

// Malloc returns at least size bytes of uninitialized memory, or nil when size is 0
func Malloc(size uintptr) unsafe.Pointer {
	allocator := instance()
	if allocator == nil {
		return nil
	}

	ptr, err := allocator.Alloc(size)
	if !handle(err) {
		return nil
	}

	return ptr
}

// Calloc returns count*size bytes of zeroed memory, or nil when either is 0 or their product
// overflows
func Calloc(count, size uintptr) unsafe.Pointer {
	allocator := instance()
	if allocator == nil {
		return nil
	}

	ptr, err := allocator.ZeroAlloc(count, size)
	if !handle(err) {
		return nil
	}

	return ptr
}

// Realloc resizes the memory behind ptr, possibly moving it. It behaves like Malloc when ptr is nil
// and like Free when size is 0, and returns nil for a pointer that was already freed.
func Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	allocator := instance()
	if allocator == nil {
		return nil
	}

	newPtr, err := allocator.Realloc(ptr, size)
	if !handle(err) {
		return nil
	}

	return newPtr
}

// Free releases the memory behind ptr. A nil pointer is ignored.
func Free(ptr unsafe.Pointer) {
	allocator := instance()
	if allocator == nil {
		return
	}

	handle(allocator.Free(ptr))
}

// Stats returns a summary of the process-wide allocator's memory
func Stats() osmem.HeapStatistics {
	allocator := instance()
	if allocator == nil {
		return osmem.HeapStatistics{}
	}

	return allocator.HeapStats()
}
