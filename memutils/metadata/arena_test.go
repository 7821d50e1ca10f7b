package metadata_test

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/osmem/memutils/metadata"
)

var errArenaFull = errors.New("test arena is full")

// mappedBacking keeps the buffers behind mappedBlock reachable, since the only other references
// to them live inside headers the garbage collector does not scan
var mappedBacking [][]uint64

// testArena is a fixed buffer with a movable break, standing in for the program-break region
type testArena struct {
	words []uint64
	brk   uintptr

	extensions []uintptr
}

func newTestArena(size int) *testArena {
	return &testArena{words: make([]uint64, size/8)}
}

func (a *testArena) base() unsafe.Pointer {
	return unsafe.Pointer(&a.words[0])
}

func (a *testArena) start() uintptr { return uintptr(a.base()) }
func (a *testArena) end() uintptr   { return a.start() + a.brk }

func (a *testArena) ExtendBreak(increment uintptr) (unsafe.Pointer, error) {
	if a.brk+increment > uintptr(len(a.words))*8 {
		return nil, errArenaFull
	}

	old := unsafe.Add(a.base(), a.brk)
	a.brk += increment
	a.extensions = append(a.extensions, increment)
	return old, nil
}

// pushBlock extends the arena by a header and size bytes and registers the new block in list
func (a *testArena) pushBlock(list *metadata.BlockList, size uintptr, status metadata.Status) *metadata.Block {
	addr, err := a.ExtendBreak(metadata.HeaderSize + size)
	if err != nil {
		panic(err)
	}

	block := metadata.InitBlock(addr, size, status)
	list.Insert(block, status)
	return block
}

// mappedBlock creates a block outside the arena, the way a dedicated mapping would
func mappedBlock(list *metadata.BlockList, size uintptr) *metadata.Block {
	backing := make([]uint64, (metadata.HeaderSize+size)/8)
	mappedBacking = append(mappedBacking, backing)
	block := metadata.InitBlock(unsafe.Pointer(&backing[0]), size, metadata.StatusMapped)
	list.Insert(block, metadata.StatusMapped)
	return block
}

func statuses(list *metadata.BlockList) []metadata.Status {
	var out []metadata.Status
	_ = list.VisitAllBlocks(func(block *metadata.Block) error {
		out = append(out, block.Status())
		return nil
	})
	return out
}

func sizes(list *metadata.BlockList) []uintptr {
	var out []uintptr
	_ = list.VisitAllBlocks(func(block *metadata.Block) error {
		out = append(out, block.Size())
		return nil
	})
	return out
}
