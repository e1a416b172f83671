// Package buddy implements spec.md §4.3: a power-of-two physical block
// allocator over a contiguous range, with splitting, coalescing, and
// partial-block shrinking, backed by a buddy-state bitmap and one
// freelist per order.
package buddy

import (
	"unsafe"

	"talus/kernel/mem"
	"talus/kernel/mem/slab"
)

// MaxOrder is the highest block order the allocator manages: blocks
// range from 2^0 to 2^MaxOrder pages.
const MaxOrder = mem.MaxOrder

// maxBlockBits is the number of bitmap bits needed to describe every
// buddy pair within one "super-block" of 2^(MaxOrder+1) pages.
const maxBlockBits = (uint64(1) << (MaxOrder + 1)) - 1

// freelistEntry is a node in a per-order intrusive free list. Entries
// are carved from a dedicated slab.Cache (see Allocator.nodes) rather
// than a hand-rolled contiguous pool, per spec.md §9's Open Questions
// resolution. Unlike the original C source's relative next_entry
// offset (a space-saving trick for a fixed preallocated array), next
// here is a plain address: Go gives every allocator in this module a
// slab-backed, independently growable node pool, so there is no fixed
// array whose indices are worth compressing into offsets.
type freelistEntry struct {
	next       mem.VirtAddr
	pageOffset uint64
}

func entryAt(addr mem.VirtAddr) *freelistEntry {
	return (*freelistEntry)(unsafe.Pointer(uintptr(addr)))
}

// IsBlockUsableFn reports whether the half-open physical range
// [base, base+bytes) lies entirely within one still-reclaimable region.
// Injected so this package does not need to import kernel/mem/bootmem
// directly; kernel/mm wires bootmem.Reserver.IsBlockUsable through.
type IsBlockUsableFn func(base mem.PhysAddr, bytes mem.Size) bool

// Allocator manages physical blocks over [baseAddr, endAddr) using the
// buddy scheme.
type Allocator struct {
	bmp       *bitmap
	freelists [MaxOrder + 1]mem.VirtAddr
	nodes     *slab.Cache

	baseAddr, endAddr mem.PhysAddr
	isBlockUsable     IsBlockUsableFn

	freeSpaceBytes mem.Size
	allocatedBytes mem.Size
}

// bmpSizeBits returns the number of bitmap bits needed to describe
// numPages pages' worth of buddy pairs at every order.
func bmpSizeBits(numPages uint64) uint64 {
	numMaxBlocks := (numPages + (1 << (MaxOrder + 1)) - 1) >> (MaxOrder + 1)
	return numMaxBlocks * maxBlockBits
}

// bmpIndexOf returns the bitmap bit index describing the buddy pair at
// the given order that contains the page at pageOffset. Any address
// within the pair's 2^(order+1)-page super-block yields the same index
// for either member of the pair.
func bmpIndexOf(pageOffset uint64, order uint8) uint64 {
	maxBlockOffset := pageOffset >> (MaxOrder + 1)
	maxBlockMask := (uint64(1) << (MaxOrder + 1)) - 1
	maxBlockRemainder := pageOffset & maxBlockMask

	orderMask := (uint64(1) << order) - 1
	bitOffset := (maxBlockRemainder &^ orderMask) | (uint64(1) << order)

	return maxBlockOffset*maxBlockBits + bitOffset - 1
}

// buddyPageOffset returns the page offset of the buddy of the block of
// the given order starting at pageOffset.
func buddyPageOffset(pageOffset uint64, order uint8) uint64 {
	alignmentMask := (uint64(1) << (order + 1)) - 1
	if pageOffset&alignmentMask != 0 {
		return pageOffset - (uint64(1) << order)
	}
	return pageOffset + (uint64(1) << order)
}

func truncNBits(x uint64, n uint8) uint64 {
	return x &^ ((uint64(1) << n) - 1)
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// EstimatePoolSize returns how many pages the buddy-state bitmap needs
// (the Allocator struct itself is not counted), and how many
// freelist-node objects should be reserved up front, for a region of
// numPages pages. Grounded on buddy_estimate_pool_size. objsPerSlab is
// not used: the second result is a node count, not a slab count.
func EstimatePoolSize(numPages uint64, objsPerSlab uint16) (bitmapPages uint32, freelistNodes uint32) {
	bitmapBits := bmpSizeBits(numPages)
	bitmapBytes := mem.Size((bitmapBits + 7) / 8)

	numMaxBlocks := (numPages + (1 << MaxOrder) - 1) >> MaxOrder
	freelistNodesEstimate := numMaxBlocks + 3*(MaxOrder+1)

	// objsPerSlab is accepted so callers can convert freelistNodes into
	// a slab count (ceil-divide) without this package importing
	// kernel/mem/slab's Cache just to read ObjsPerSlab back out.
	return uint32(bitmapBytes.Pages()), uint32(freelistNodesEstimate)
}

// Init builds an allocator over [baseAddr, endAddr), backing its
// freelist node pool with a dedicated slab cache fed by pages. isUsable
// classifies which physical ranges within the managed region are
// actually free, letting Init carve around boot-reserved holes.
func Init(baseAddr, endAddr mem.PhysAddr, isUsable IsBlockUsableFn, pages slab.PageSource) *Allocator {
	numPages := uint64(endAddr-baseAddr) >> mem.PageShift

	a := &Allocator{
		bmp:           newBitmap(bmpSizeBits(numPages)),
		baseAddr:      baseAddr,
		endAddr:       endAddr,
		isBlockUsable: isUsable,
	}
	a.nodes = slab.NewCache(uint16(unsafe.Sizeof(freelistEntry{})), 8, 0, 0, pages)

	a.populateInitialFreelists()
	return a
}

// FreeSpace returns the number of bytes currently free.
func (a *Allocator) FreeSpace() mem.Size { return a.freeSpaceBytes }

// Allocated returns the number of bytes currently allocated.
func (a *Allocator) Allocated() mem.Size { return a.allocatedBytes }

func (a *Allocator) allocateFreelistEntry(pageOffset uint64, order uint8) (mem.VirtAddr, bool) {
	addr, ok := a.nodes.Alloc()
	if !ok {
		return 0, false
	}
	e := entryAt(addr)
	e.pageOffset = pageOffset
	e.next = a.freelists[order]
	a.freelists[order] = addr
	return addr, true
}

func (a *Allocator) releaseFreelistEntry(addr mem.VirtAddr) {
	a.nodes.Free(addr)
}

// popFreelistEntry removes and returns the entry for pageOffset from
// the order freelist, or (0, false) if not present.
func (a *Allocator) popFreelistEntry(pageOffset uint64, order uint8) (mem.VirtAddr, bool) {
	var prev mem.VirtAddr
	cur := a.freelists[order]

	for cur != 0 {
		e := entryAt(cur)
		if e.pageOffset == pageOffset {
			break
		}
		prev = cur
		cur = e.next
	}

	if cur == 0 {
		return 0, false
	}

	if prev == 0 {
		a.freelists[order] = entryAt(cur).next
	} else {
		entryAt(prev).next = entryAt(cur).next
	}

	return cur, true
}

// populateInitialFreelists walks the managed range one MaxOrder
// super-block at a time, placing the largest usable block it can find
// at each step so that boot-reserved holes are bracketed by
// progressively smaller blocks rather than leaving unusable gaps.
func (a *Allocator) populateInitialFreelists() {
	cursor := uint64(0)
	maxPageOffset := uint64(a.endAddr-a.baseAddr) >> mem.PageShift

	for cursor < maxPageOffset {
		inner := uint64(0)

		for inner < (uint64(1) << MaxOrder) {
			step := uint64(1)
			for order := int(MaxOrder); order >= 0; order-- {
				if inner&(uint64(1)<<uint(order)-1) != 0 {
					continue
				}
				curOffset := cursor + inner
				blockStart := a.baseAddr + mem.PhysAddr((cursor+inner)<<mem.PageShift)
				blockBytes := mem.Size(uint64(1) << (mem.PageShift + uint(order)))

				if a.isBlockUsable(blockStart, blockBytes) {
					a.allocateFreelistEntry(curOffset, uint8(order))
					a.freeSpaceBytes += blockBytes
					step = uint64(1) << uint(order)
					break
				}
			}
			inner += step
		}

		cursor += uint64(1) << MaxOrder
	}
}

// findOrSplitBlock locates the smallest order m > targetOrder with a
// non-empty freelist, detaches its head, and splits it down to
// targetOrder, creating a freelist entry for the free half of the split
// at each intermediate level. At the final level, the detached node is
// put back on the targetOrder freelist representing one half of the
// split (now free); the other half's page offset is returned as the
// newly allocated block, with no freelist entry since it is no longer
// free. Returns (0, false) if no larger block is free.
func (a *Allocator) findOrSplitBlock(targetOrder uint8) (uint64, bool) {
	order := targetOrder + 1
	var freeBlock mem.VirtAddr

	for {
		if int(order) > MaxOrder {
			return 0, false
		}
		freeBlock = a.freelists[order]
		if freeBlock != 0 {
			break
		}
		order++
	}

	e := entryAt(freeBlock)
	a.freelists[order] = e.next
	a.bmp.toggle(bmpIndexOf(e.pageOffset, order))

	for o := order - 1; o > targetOrder; o-- {
		buddyOffset := e.pageOffset + (uint64(1) << o)
		a.allocateFreelistEntry(buddyOffset, o)
		a.bmp.toggle(bmpIndexOf(e.pageOffset, o))
	}

	e.next = a.freelists[targetOrder]
	a.freelists[targetOrder] = freeBlock
	a.bmp.toggle(bmpIndexOf(e.pageOffset, targetOrder))

	return e.pageOffset + (uint64(1) << targetOrder), true
}

// AllocBlock allocates a single block of the given order, returning its
// physical base address, or (0, false) on out-of-memory.
func (a *Allocator) AllocBlock(order uint8) (mem.PhysAddr, bool) {
	var pageOffset uint64

	if freeBlock := a.freelists[order]; freeBlock != 0 {
		e := entryAt(freeBlock)
		pageOffset = e.pageOffset
		a.freelists[order] = e.next
		a.releaseFreelistEntry(freeBlock)
		a.bmp.toggle(bmpIndexOf(pageOffset, order))
	} else {
		var ok bool
		pageOffset, ok = a.findOrSplitBlock(order)
		if !ok {
			return 0, false
		}
	}

	blockBytes := mem.Size(uint64(1) << (mem.PageShift + uint(order)))
	a.freeSpaceBytes -= blockBytes
	a.allocatedBytes += blockBytes

	return a.baseAddr + mem.PhysAddr(pageOffset<<mem.PageShift), true
}

// FreeBlock returns a previously allocated block of the given order,
// coalescing with its buddy (and that buddy's buddy, and so on) as far
// as the buddy-state bitmap and boot-reserved holes allow.
func (a *Allocator) FreeBlock(blockBase mem.PhysAddr, order uint8) {
	pageOffset := uint64(blockBase-a.baseAddr) >> mem.PageShift
	orderBytes := mem.Size(uint64(1) << (mem.PageShift + uint(order)))

	bmpIdx := bmpIndexOf(pageOffset, order)
	pairState := a.bmp.get(bmpIdx)
	buddyOffset := buddyPageOffset(pageOffset, order)
	buddyAddr := a.baseAddr + mem.PhysAddr(buddyOffset<<mem.PageShift)

	if pairState && a.isBlockUsable(buddyAddr, orderBytes) {
		buddyEntry, _ := a.popFreelistEntry(buddyOffset, order)
		a.bmp.set(bmpIdx, false)

		coalescedOffset := minU64(pageOffset, buddyOffset)
		coalescedOrder := order

		// Mirrors the original's "while (++coalesced_order < MAX_ORDER &&
		// can_coalesce(...))" shape exactly: the order is advanced first,
		// unconditionally, and then tested. Whether the loop stops because
		// the advanced order reached MaxOrder or because the coalesce test
		// failed, coalescedOrder is left holding the true order of the
		// fully-merged region — splitting this into a separate "candidate"
		// variable that only commits on success would leave a hit-the-ceiling
		// exit one order too low.
		//
		// can_coalesce in the original writes *bmp_index unconditionally,
		// on every evaluation including the one that fails the test, so
		// bmpIdx must track candidateBmpIdx the same way here: assigned
		// before the test is checked, not only once the merge commits.
		// Otherwise the final toggle below fires on the previous order's
		// bit instead of the order the loop actually settled at.
		for {
			coalescedOrder++
			if int(coalescedOrder) >= MaxOrder {
				bmpIdx = bmpIndexOf(coalescedOffset, coalescedOrder)
				break
			}

			candidateBmpIdx := bmpIndexOf(coalescedOffset, coalescedOrder)
			candidateBuddyOffset := buddyPageOffset(coalescedOffset, coalescedOrder)
			candidateBuddyAddr := a.baseAddr + mem.PhysAddr(candidateBuddyOffset<<mem.PageShift)
			candidateBytes := mem.Size(uint64(1) << (mem.PageShift + uint(coalescedOrder)))
			bmpIdx = candidateBmpIdx

			if !(a.bmp.get(candidateBmpIdx) && a.isBlockUsable(candidateBuddyAddr, candidateBytes)) {
				break
			}

			upperBuddy, _ := a.popFreelistEntry(candidateBuddyOffset, coalescedOrder)
			a.releaseFreelistEntry(upperBuddy)
			a.bmp.set(candidateBmpIdx, false)

			coalescedOffset = minU64(coalescedOffset, candidateBuddyOffset)
		}

		e := entryAt(buddyEntry)
		e.pageOffset = coalescedOffset
		e.next = a.freelists[coalescedOrder]
		a.freelists[coalescedOrder] = buddyEntry
		a.bmp.toggle(bmpIdx)
	} else {
		a.allocateFreelistEntry(pageOffset, order)
		a.bmp.set(bmpIdx, true)
	}

	a.freeSpaceBytes += orderBytes
	a.allocatedBytes -= orderBytes
}

// ShrinkBlock reduces a block of blockOrder pages down to exactly
// numPages pages at its low end, freeing progressively smaller tail
// pieces back onto the appropriate order freelists. 1 <= numPages <
// 2^blockOrder must hold; blockBase need not be block-order aligned,
// only the containing block's true base.
func (a *Allocator) ShrinkBlock(blockBase mem.PhysAddr, blockOrder uint8, numPages uint64) {
	if blockOrder == 0 {
		return
	}

	blockOffset := truncNBits(uint64(blockBase-a.baseAddr)>>mem.PageShift, blockOrder)
	splitOrder := blockOrder - 1
	keptPages := numPages

	for numPages != (uint64(1) << (splitOrder + 1)) {
		bmpIdx := bmpIndexOf(blockOffset, splitOrder)

		if numPages > (uint64(1) << splitOrder) {
			blockOffset += uint64(1) << splitOrder
			a.bmp.set(bmpIdx, false)
			numPages -= uint64(1) << splitOrder
		} else {
			a.allocateFreelistEntry(blockOffset+(uint64(1)<<splitOrder), splitOrder)
			a.bmp.set(bmpIdx, true)
		}

		if splitOrder == 0 {
			break
		}
		splitOrder--
	}

	bytesFreed := mem.Size((uint64(1)<<blockOrder - keptPages) << mem.PageShift)
	a.freeSpaceBytes += bytesFreed
	a.allocatedBytes -= bytesFreed
}

// FreelistPoolExpand grows the freelist node pool by one slab's worth
// of entries, for callers that want to top up node capacity ahead of a
// burst of frees rather than let Alloc grow it lazily.
func (a *Allocator) FreelistPoolExpand() bool {
	return a.nodes.Reserve(uint32(a.nodes.ObjsPerSlab()))
}
