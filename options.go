package osmem

import (
	"strings"

	"github.com/vkngwrapper/osmem/memutils/metadata"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// CreateSynchronized causes every operation on the allocator to take an internal mutex. Without
	// it the allocator is not safe for concurrent use and the consumer must synchronize access
	// some other way.
	CreateSynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	CreateSynchronized: "CreateSynchronized",
}

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}

	var names []string
	for bit := CreateFlags(1); bit != 0 && bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}

		name, ok := createFlagsMapping[bit]
		if !ok {
			name = "Unknown"
		}
		names = append(names, name)
	}

	return strings.Join(names, "|")
}

const (
	// DefaultThreshold is the request size, header included, at or above which Alloc serves a request
	// with a dedicated mapping instead of the break region. It is equal to 128Kb.
	DefaultThreshold uintptr = 128 * 1024

	// minThreshold is the smallest threshold that leaves room for a header and a word of payload
	// in the break region
	minThreshold = 4 * metadata.HeaderSize
)

// CreateOptions contains optional settings when creating an allocator. It is valid to leave all
// the fields blank.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags

	// Threshold overrides DefaultThreshold. It must be a power of two.
	Threshold uintptr

	// InitialHeapSize is the number of bytes the break region is extended by on the first small
	// allocation. It defaults to the threshold and may not be smaller than it, so that any small
	// request fits.
	InitialHeapSize uintptr
}
