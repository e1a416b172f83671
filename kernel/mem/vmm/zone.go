package vmm

import (
	"talus/kernel"
	"talus/kernel/mem"
)

// ZoneFlag records what kind of allocation a zone supports and whether
// its address-space structures have been set up yet.
type ZoneFlag uint8

const (
	// ZoneContiguous zones hand out one growing run of virtually and
	// physically contiguous pages via Extend/Shrink (e.g. the heap).
	ZoneContiguous ZoneFlag = 1 << iota

	// ZoneBlockAlloc zones hand out fixed-size, individually freeable
	// blocks (e.g. one block per kernel stack) rather than a single
	// growing run.
	ZoneBlockAlloc

	// ZoneAllowExecute permits the no-execute bit to be cleared for
	// mappings in this zone.
	ZoneAllowExecute

	// zoneInitialized is set once InitAddressSpace has allocated this zone's
	// PDT and PT for the active address space.
	zoneInitialized
)

// ZoneID names one of the fixed virtual zones spec.md lays out. Grounded
// on original_source/kernel/src/mm/vmzone.c's vmzone_init, which defines
// five zones; the matching header, vmzone.h, only declares four and is
// stale.
type ZoneID uint8

const (
	KernelHeap ZoneID = iota
	KernelSlab
	KernelStack
	BuddyMem
	UserShared

	numZones
)

// Zone is one named region of kernel or user virtual address space: a
// fixed [start, end) span, a cursor that only ever advances toward end
// and retreats back toward start, the VM permission flags every mapping
// in the zone carries, and the zone-kind flags above.
type Zone struct {
	start, end, cursor mem.VirtAddr
	vmFlags            Flag
	zoneFlags          ZoneFlag

	// blockOrder is the fixed buddy order of each allocation in a
	// ZoneBlockAlloc zone (e.g. order 1 for a guard-paged two-page
	// kernel stack).
	blockOrder uint8

	// blocks records, in allocation order, every buddy block Extend has
	// mapped into a ZoneContiguous zone. Shrink pops from the tail: the
	// most recent allocation is the one closest to the cursor, so it is
	// always the first candidate for freeing or partial shrinking.
	blocks []blockRecord
}

// blockRecord is one buddy-allocator block backing part of a contiguous
// zone's mapped range.
type blockRecord struct {
	virt  mem.VirtAddr
	phys  mem.PhysAddr
	order uint8
}

var zones [numZones]Zone

func defineZone(id ZoneID, start, end mem.VirtAddr, vmFlags Flag, zoneFlags ZoneFlag, blockOrder uint8) {
	zones[id] = Zone{
		start:      start,
		end:        end,
		cursor:     start,
		vmFlags:    vmFlags,
		zoneFlags:  zoneFlags,
		blockOrder: blockOrder,
	}
}

// ZoneInfo returns a copy of the named zone's current state.
func ZoneInfo(id ZoneID) Zone {
	return zones[id]
}

var (
	ErrContiguous = &kernel.Error{Module: "vmm", Message: "operation requires a contiguous zone"}
	ErrBlockAlloc = &kernel.Error{Module: "vmm", Message: "operation requires a block-allocation zone"}
)

// BlockAllocatorFn and BlockFreeFn let Extend/Shrink pull physically
// contiguous pages from the buddy allocator without this package
// importing kernel/mem/buddy directly (buddy's own freelist-node pool
// is backed by slab-allocated virtual memory, which would close a
// buddy→vmm→buddy import cycle — the same reason map.go's frame
// allocator hooks exist).
type BlockAllocatorFn func(order uint8) (mem.PhysAddr, bool)
type BlockFreeFn func(addr mem.PhysAddr, order uint8)
type BlockShrinkFn func(base mem.PhysAddr, order uint8, numPages uint64)

var (
	blockAllocator BlockAllocatorFn
	blockFree      BlockFreeFn
	blockShrink    BlockShrinkFn
)

// SetBlockAllocator registers the buddy-backed allocate/free/shrink
// triple Extend and Shrink use to grow and shrink contiguous zones.
func SetBlockAllocator(alloc BlockAllocatorFn, free BlockFreeFn, shrink BlockShrinkFn) {
	blockAllocator = alloc
	blockFree = free
	blockShrink = shrink
}

// Extend grows a contiguous zone's mapped range, starting at the zone's
// current cursor, allocating one physically contiguous block from the
// buddy allocator and mapping it page by page. The zone grows by the
// whole block: nPages rounded up to a power of two and capped at
// 2^mem.MaxOrder pages, so a larger request maps fewer pages than asked. The block is
// recorded in z.blocks so Shrink can later recognize where it begins
// and ends without having to infer allocation boundaries from the page
// tables themselves. Returns the starting virtual address of the newly
// mapped range.
func Extend(id ZoneID, nPages uint16, flags Flag) (mem.VirtAddr, *kernel.Error) {
	z := &zones[id]
	if z.zoneFlags&ZoneContiguous == 0 {
		return 0, ErrContiguous
	}

	order := (mem.Size(nPages) << mem.PageShift).Order()
	blockPages := uint16(1) << order

	phys, ok := blockAllocator(order)
	if !ok {
		return 0, ErrOutOfMemory
	}

	start := z.cursor
	mapFlags := flags | z.vmFlags
	if err := mapRun(phys, blockPages, start, mapFlags); err != nil {
		blockFree(phys, order)
		return 0, err
	}

	z.blocks = append(z.blocks, blockRecord{virt: start, phys: phys, order: order})
	z.cursor += mem.VirtAddr(mem.Size(blockPages) << mem.PageShift)
	return start, nil
}

// mapRun maps a run of pages that may cross more than one leaf page
// table, calling Map once per table the run touches.
func mapRun(phys mem.PhysAddr, pages uint16, virt mem.VirtAddr, flags Flag) *kernel.Error {
	remaining := pages
	curPhys, curVirt := phys, virt

	for remaining > 0 {
		perTableMax := uint16(512 - levelIndex(curVirt, 3))
		chunk := remaining
		if chunk > perTableMax {
			chunk = perTableMax
		}

		if err := Map(curPhys, chunk, curVirt, flags); err != nil {
			return err
		}

		advance := mem.VirtAddr(mem.Size(chunk) << mem.PageShift)
		curPhys += mem.PhysAddr(advance)
		curVirt += advance
		remaining -= chunk
	}

	return nil
}

// Shrink retreats a contiguous zone's cursor so nPages pages remain
// mapped from z.start, unmapping pages from the top down. It pops
// blocks off z.blocks from the most recently allocated: a block
// entirely at or past the target cursor is unmapped and freed whole,
// while the block straddling the target cursor has only its unmapped
// tail returned to the buddy allocator via a shrink-in-place call,
// keeping its leading pages live. Matches spec.md's scenario 6, where
// shrinking to 72 retained pages past two 64-page extends frees the
// more recent block's straddling tail via a shrink-in-place call and
// leaves the first extend's block completely untouched.
func Shrink(id ZoneID, nPages uint16) *kernel.Error {
	z := &zones[id]
	if z.zoneFlags&ZoneContiguous == 0 {
		return ErrContiguous
	}

	target := z.start + mem.VirtAddr(mem.Size(nPages)<<mem.PageShift)
	if target > z.cursor {
		return ErrBoundary
	}

	for z.cursor > target {
		if len(z.blocks) == 0 {
			return ErrBoundary
		}
		last := &z.blocks[len(z.blocks)-1]
		blockPages := uint64(1) << last.order

		if last.virt >= target {
			unmapRun(last.virt, uint16(blockPages))
			blockFree(last.phys, last.order)
			z.blocks = z.blocks[:len(z.blocks)-1]
			z.cursor = last.virt
			continue
		}

		keepPages := uint64(target-last.virt) >> mem.PageShift
		freePages := blockPages - keepPages
		unmapRun(target, uint16(freePages))
		blockShrink(last.phys, last.order, keepPages)
		z.cursor = target
	}

	return nil
}

// unmapRun clears the given number of consecutive leaf entries starting
// at virt. Each page is walked from the PML4 independently, so a run
// may freely span more than one leaf page table.
func unmapRun(virt mem.VirtAddr, pages uint16) {
	pml4 := tableAt(currentPML4Fn())
	for i := uint16(0); i < pages; i++ {
		v := virt + mem.VirtAddr(uint64(i)<<mem.PageShift)
		pt, _, err := traverseWithStatus(pml4, v, 0, 3)
		if err != nil {
			continue
		}
		pt.entries[levelIndex(v, 3)] = 0
	}
}
