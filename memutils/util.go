package memutils

import (
	"github.com/cockroachdb/errors"
)

const (
	// WordAlignment is the alignment, in bytes, of every payload handed out by the allocator and of
	// every block size it tracks.
	WordAlignment uintptr = 8
)

type Number interface {
	~int | ~uint | ~uintptr
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return errors.Wrapf(ErrNotPowerOfTwo, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T Number](value T, alignment T) T {
	return (value + alignment - 1) &^ (alignment - 1)
}

// Align rounds size up to WordAlignment
func Align(size uintptr) uintptr {
	return AlignUp(size, WordAlignment)
}
