package metadata

import (
	"strconv"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/osmem/memutils"
)

// BreakExtender grows the program-break region that break-resident blocks live in. It returns the
// previous end of the region, which is where the new bytes begin.
type BreakExtender interface {
	ExtendBreak(increment uintptr) (unsafe.Pointer, error)
}

// BlockList threads every live Block together. Break-resident blocks (Free or Allocated) form a
// prefix of the list in ascending address order, and Mapped blocks form the suffix.
//
// Free blocks are not merged when they are freed. Adjacent free blocks are coalesced at the start
// of every FindBestFit call instead.
type BlockList struct {
	head  *Block
	tail  *Block
	count int
}

var _ memutils.Validatable = &BlockList{}

func (l *BlockList) Head() *Block { return l.head }
func (l *BlockList) Tail() *Block { return l.tail }
func (l *BlockList) Len() int     { return l.count }

// Insert links block into the list with the provided status. Mapped blocks are appended at the
// tail, all other blocks are placed directly before the first mapped block.
func (l *BlockList) Insert(block *Block, status Status) {
	block.status = status

	if l.head == nil {
		block.prev = nil
		block.next = nil
		l.head = block
		l.tail = block
		l.count = 1
		return
	}

	if status == StatusMapped {
		l.insertAfter(l.tail, block)
		return
	}

	// Walk back over the mapped suffix
	last := l.tail
	for last != nil && last.status == StatusMapped {
		last = last.prev
	}

	if last == nil {
		l.insertFront(block)
		return
	}

	l.insertAfter(last, block)
}

func (l *BlockList) insertFront(block *Block) {
	block.prev = nil
	block.next = l.head
	l.head.prev = block
	l.head = block
	l.count++
}

func (l *BlockList) insertAfter(anchor *Block, block *Block) {
	block.prev = anchor
	block.next = anchor.next

	if anchor.next != nil {
		anchor.next.prev = block
	} else {
		l.tail = block
	}

	anchor.next = block
	l.count++
}

// Remove unlinks block from the list
func (l *BlockList) Remove(block *Block) {
	prev := block.prev
	next := block.next

	if prev != nil {
		prev.next = next
	} else {
		l.head = next
	}

	if next != nil {
		next.prev = prev
	} else {
		l.tail = prev
	}

	block.prev = nil
	block.next = nil
	l.count--
}

// absorbNext merges the block directly after block into it. The caller is responsible for
// ensuring the two are physically adjacent.
func (l *BlockList) absorbNext(block *Block) {
	next := block.next
	if next.status == StatusMapped || block.status == StatusMapped {
		panic("cannot merge mapped blocks")
	}

	block.size += next.size + HeaderSize
	l.Remove(next)
}

// Coalesce merges every run of adjacent free blocks into a single free block
func (l *BlockList) Coalesce() {
	for current := l.head; current != nil && current.next != nil; {
		if current.status == StatusFree && current.next.status == StatusFree {
			l.absorbNext(current)
		} else {
			current = current.next
		}
	}
}

// LastBreakBlock returns the final break-resident block, or nil if the list only contains
// mapped blocks
func (l *BlockList) LastBreakBlock() *Block {
	last := l.tail
	for last != nil && last.status == StatusMapped {
		last = last.prev
	}

	return last
}

// FindBestFit looks for the smallest free block with at least needed bytes of payload, after
// coalescing adjacent free blocks. Ties go to the block found first. The chosen block is marked
// allocated and split if the leftover is large enough to be useful.
//
// When no free block is large enough but the last break-resident block is free, the break is
// extended by the shortfall and that block is returned instead. A nil block with a nil error means
// the caller must obtain fresh memory.
func (l *BlockList) FindBestFit(needed uintptr, extender BreakExtender) (*Block, error) {
	if l.head == nil {
		return nil, nil
	}

	l.Coalesce()

	var bestFit *Block
	for current := l.head; current != nil; current = current.next {
		if current.status != StatusFree || current.size < needed {
			continue
		}

		if bestFit == nil || current.size < bestFit.size {
			bestFit = current
		}
	}

	if bestFit != nil {
		bestFit.status = StatusAllocated
		return l.Split(bestFit, needed), nil
	}

	last := l.LastBreakBlock()
	if last == nil || last.status != StatusFree {
		return nil, nil
	}

	err := l.extendLast(last, needed, extender)
	if err != nil {
		return nil, err
	}

	last.status = StatusAllocated
	return last, nil
}

// extendLast grows the final break-resident block so that its payload is exactly needed bytes
func (l *BlockList) extendLast(last *Block, needed uintptr, extender BreakExtender) error {
	oldBreak, err := extender.ExtendBreak(needed - last.size)
	if err != nil {
		return err
	}

	if uintptr(oldBreak) != last.End() {
		return errors.AssertionFailedf("the last break block ends at %#x but the break was at %#x", last.End(), uintptr(oldBreak))
	}

	last.size = needed
	return nil
}

// Split shrinks block to needed bytes when the leftover can hold a header and at least one word of
// payload, placing a new free block in the leftover. Smaller leftovers stay inside block. Either
// way, block is marked allocated and returned.
func (l *BlockList) Split(block *Block, needed uintptr) *Block {
	if block.status == StatusMapped {
		panic("cannot split a mapped block")
	}

	if block.size >= needed+minSplitRemainder {
		remainder := InitBlock(unsafe.Add(block.Payload(), needed), block.size-needed-HeaderSize, StatusFree)
		l.insertAfter(block, remainder)
		block.size = needed
	}

	block.status = StatusAllocated
	return block
}

// ExpandInPlace attempts to grow block to at least needed bytes without moving its payload. Free
// blocks directly after it are absorbed one at a time, and once it is large enough the excess is
// split back off. If that does not suffice and block is the last break-resident block, the break
// is extended by the shortfall.
//
// It returns false when neither is possible. Free neighbors absorbed along the way stay absorbed.
func (l *BlockList) ExpandInPlace(block *Block, needed uintptr, extender BreakExtender) (bool, error) {
	if block.status == StatusMapped {
		return false, nil
	}

	if block.size >= needed {
		l.Split(block, needed)
		return true, nil
	}

	for block.next != nil && block.next.status == StatusFree {
		l.absorbNext(block)

		if block.size >= needed {
			l.Split(block, needed)
			return true, nil
		}
	}

	if l.LastBreakBlock() != block {
		return false, nil
	}

	err := l.extendLast(block, needed, extender)
	if err != nil {
		return false, err
	}

	return true, nil
}

// VisitAllBlocks calls the provided callback once for each block in list order
func (l *BlockList) VisitAllBlocks(handleBlock func(block *Block) error) error {
	for block := l.head; block != nil; block = block.next {
		err := handleBlock(block)
		if err != nil {
			return err
		}
	}

	return nil
}

// AddDetailedStatistics sums the list's blocks into stats. Mapped blocks also count as OS regions.
// The break region itself is not counted here, since the list does not know its extent.
func (l *BlockList) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	for block := l.head; block != nil; block = block.next {
		switch block.status {
		case StatusFree:
			stats.AddUnusedRange(int(block.size))
		case StatusAllocated:
			stats.AddAllocation(int(block.size))
		case StatusMapped:
			stats.AddBlock(int(block.FootprintSize()))
			stats.AddAllocation(int(block.size))
		}
	}
}

// Validate checks the structural consistency of the list's links, ordering and sizes
func (l *BlockList) Validate() error {
	if (l.head == nil) != (l.tail == nil) {
		return errors.New("list head and tail disagree about whether the list is empty")
	}

	if l.head != nil && l.head.prev != nil {
		return errors.Newf("list head at %#x has a previous block", l.head.Address())
	}

	if l.tail != nil && l.tail.next != nil {
		return errors.Newf("list tail at %#x has a next block", l.tail.Address())
	}

	var count int
	var prev *Block
	seenMapped := false
	for block := l.head; block != nil; block = block.next {
		count++
		if count > l.count {
			return errors.Newf("the list declares %d blocks but contains more", l.count)
		}

		if block.prev != prev {
			return errors.Newf("block at %#x has a broken previous link", block.Address())
		}

		if block.size%memutils.WordAlignment != 0 {
			return errors.Newf("block at %#x has size %d, which is not word-aligned", block.Address(), block.size)
		}

		switch block.status {
		case StatusMapped:
			seenMapped = true
		case StatusFree, StatusAllocated:
			if seenMapped {
				return errors.Newf("break block at %#x follows a mapped block", block.Address())
			}
		default:
			return errors.Newf("block at %#x has unknown status %d", block.Address(), block.status)
		}

		prev = block
	}

	if prev != l.tail {
		return errors.New("the last block reached from the head is not the list tail")
	}

	if count != l.count {
		return errors.Newf("the list declares %d blocks but contains %d", l.count, count)
	}

	return nil
}

// ValidateRegion checks that the break-resident blocks tile the region [start, end) exactly, in
// address order and with no gaps
func (l *BlockList) ValidateRegion(start, end uintptr) error {
	nextAddress := start
	for block := l.head; block != nil && block.status != StatusMapped; block = block.next {
		if block.Address() != nextAddress {
			return errors.Newf("break block at %#x should begin at %#x", block.Address(), nextAddress)
		}

		nextAddress = block.End()
	}

	if nextAddress != end {
		return errors.Newf("break blocks end at %#x but the region ends at %#x", nextAddress, end)
	}

	return nil
}

// BlockJsonData populates a json object with one entry per block, with break-resident block
// offsets reported relative to breakStart
func (l *BlockList) BlockJsonData(json jwriter.ObjectState, breakStart uintptr) {
	blocks := json.Name("Blocks").Array()
	defer blocks.End()

	for block := l.head; block != nil; block = block.next {
		obj := blocks.Object()

		if block.status == StatusMapped {
			obj.Name("Address").String("0x" + strconv.FormatUint(uint64(block.Address()), 16))
		} else {
			obj.Name("Offset").Int(int(block.Address() - breakStart))
		}
		obj.Name("Type").String(block.status.String())
		obj.Name("Size").Int(int(block.size))

		obj.End()
	}
}
