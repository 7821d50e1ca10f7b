package metadata

import (
	"unsafe"

	"github.com/vkngwrapper/osmem/memutils"
)

// Block is the header that precedes every payload handed out by the allocator. It lives in-band,
// directly in front of the payload, in memory obtained from the operating system.
type Block struct {
	size   uintptr
	status Status
	prev   *Block
	next   *Block
}

const (
	// HeaderSize is the number of bytes between the start of a Block and the start of its payload
	HeaderSize = (unsafe.Sizeof(Block{}) + memutils.WordAlignment - 1) &^ (memutils.WordAlignment - 1)

	// minSplitRemainder is the smallest leftover that Split will turn into an independent free block
	minSplitRemainder = memutils.WordAlignment + HeaderSize
)

// InitBlock writes a fresh header at addr describing a payload of size bytes and returns it. The
// block is not linked into any list.
func InitBlock(addr unsafe.Pointer, size uintptr, status Status) *Block {
	b := (*Block)(addr)
	b.size = size
	b.status = status
	b.prev = nil
	b.next = nil
	return b
}

// FromPayload recovers the header that precedes a payload pointer previously returned by Payload
func FromPayload(payload unsafe.Pointer) *Block {
	return (*Block)(unsafe.Add(payload, -int(HeaderSize)))
}

func (b *Block) Payload() unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(b), HeaderSize)
}

// Bytes exposes the payload as a byte slice of Size() bytes
func (b *Block) Bytes() []byte {
	return unsafe.Slice((*byte)(b.Payload()), b.size)
}

func (b *Block) Size() uintptr    { return b.size }
func (b *Block) Status() Status   { return b.status }
func (b *Block) Next() *Block     { return b.next }
func (b *Block) Prev() *Block     { return b.prev }
func (b *Block) Address() uintptr { return uintptr(unsafe.Pointer(b)) }

// End returns the address of the first byte after this block's payload
func (b *Block) End() uintptr {
	return b.Address() + HeaderSize + b.size
}

// FootprintSize is the total number of bytes the block occupies, header included
func (b *Block) FootprintSize() uintptr {
	return HeaderSize + b.size
}

func (b *Block) IsFree() bool   { return b.status == StatusFree }
func (b *Block) IsMapped() bool { return b.status == StatusMapped }

// MarkFree returns an allocated break block to the list of reusable blocks. It panics for mapped
// blocks, which must be removed and unmapped instead.
func (b *Block) MarkFree() {
	if b.status == StatusMapped {
		panic("cannot mark a mapped block as free")
	}
	b.status = StatusFree
}
