package vmm

import (
	"talus/kernel"
	"talus/kernel/cpu"
	"talus/kernel/mem"
)

// Flag describes the access a caller is requesting for a mapping. It is
// a distinct type from the raw page-table entryFlag bits in pte.go:
// callers only ever see Flag; Map translates it into the entry bits that
// actually need to be written (e.g. the absence of AllowExec sets the
// hardware no-execute bit).
type Flag uint16

const (
	AllowWrite Flag = 1 << iota
	AllowExec
	AllowUser

	// WriteGuard reserves one extra page immediately past the mapped
	// range and marks it non-writable, so an out-of-bounds write into it
	// faults instead of silently corrupting whatever comes next.
	WriteGuard

	// AllocEarly routes any page-table frame this call needs to
	// allocate through the boot-time region reserver instead of the
	// buddy allocator. See Init's doc comment.
	AllocEarly

	// HugePage requests a 2MiB mapping terminating at the PDT level
	// instead of walking down to a PT. Map does not read this flag; the
	// kernel's huge-page window (ensureKernelWindow) sets its PDT
	// entries' huge-page bit directly.
	HugePage
)

var (
	// ErrBoundary is returned when a requested range does not fit
	// within a single page table (512 pages, less one if WriteGuard is
	// set).
	ErrBoundary = &kernel.Error{Module: "vmm", Message: "mapping does not fit in a single page table"}

	// ErrAlreadyMapped is returned by page-table setup calls when a
	// table already exists at the requested path.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "a page table already exists at this path"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported at this level"}

	// ErrOutOfMemory is returned when a page-table frame allocation
	// fails, whether from the region reserver (early boot) or the
	// buddy allocator. Distinct from the five VM-specific codes spec.md
	// enumerates, since this reports the underlying allocator's own
	// out-of-memory condition rather than a mapping-request defect.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "no page-table frame available"}
)

// FrameAllocatorFn supplies the physical address of one newly allocated,
// zero-filled page-table frame. Mirrors the teacher's
// vmm.FrameAllocatorFn/SetFrameAllocator pattern: this package never
// imports kernel/mem/buddy or kernel/mem/bootmem directly, which would
// otherwise close a buddy→vmm→buddy import cycle (the buddy allocator's
// freelist-node pool is itself backed by slab-allocated virtual memory).
type FrameAllocatorFn func() (mem.PhysAddr, bool)

var (
	frameAllocator      FrameAllocatorFn
	earlyFrameAllocator FrameAllocatorFn
)

// SetFrameAllocator registers the allocator Map uses for ordinary
// (post-bootstrap) page-table frames.
func SetFrameAllocator(fn FrameAllocatorFn) { frameAllocator = fn }

// SetEarlyFrameAllocator registers the allocator Map uses when called
// with AllocEarly, before the buddy allocator is available. Per spec.md
// §9's bootstrapping-cycle note: page tables needed to stand up virtual
// memory itself must come from the boot-time region reserver, not the
// buddy, since the buddy's own freelist storage depends on virtual
// memory already working.
func SetEarlyFrameAllocator(fn FrameAllocatorFn) { earlyFrameAllocator = fn }

func allocFrame(flags Flag) (mem.PhysAddr, bool) {
	if flags&AllocEarly != 0 {
		return earlyFrameAllocator()
	}
	return frameAllocator()
}

// regionBoundaryMask covers every bit above a page table's 2MiB span
// (512 pages), the granularity at which vmm maps in one call.
const regionBoundaryMask = ^uint64((1 << (mem.PageShift + 9)) - 1)

// checkRegionBoundary reports whether a pages-long range starting at
// virtBase falls within a single page table. The source this was
// grounded on computes this with a hand-rolled 27-bit mask
// (0x8FFFFFF << 21) that, written out in binary, leaves bits 24-26
// zero — a typo that narrows the check incorrectly for some address
// pairs. The check this function implements is the one the comment
// above it actually describes: two addresses share a page table iff
// they agree on every bit above the table's span, which is what
// regionBoundaryMask tests directly.
func checkRegionBoundary(virtBase mem.VirtAddr, pages uint16, flags Flag) *kernel.Error {
	if flags&WriteGuard != 0 {
		pages++
	}
	if pages > 512 {
		return ErrBoundary
	}

	virtEnd := virtBase + mem.VirtAddr(uint64(pages)<<mem.PageShift)
	if pages > 0 && uint64(virtBase)&regionBoundaryMask != uint64(virtEnd-1)&regionBoundaryMask {
		return ErrBoundary
	}
	return nil
}

func entryFlagsFor(flags Flag) entryFlag {
	e := entryPresent
	if flags&AllowWrite != 0 {
		e |= entryWritable
	}
	if flags&AllowUser != 0 {
		e |= entryUser
	}
	if flags&AllowExec == 0 {
		e |= entryNoExecute
	}
	return e
}

func mapPhysPage(t *table, offset uintptr, phys mem.PhysAddr, flags Flag) {
	var e pte
	e.setFlags(entryFlagsFor(flags))
	e.setFrame(phys)
	t.entries[offset] = e
}

// allocateOrTraverse walks pml4 down to the page table covering addr,
// allocating and zeroing any missing intermediate table along the way.
// Every newly allocated table's PML4/PDPT/PDT entry is stamped with
// entryEarlyAlloc when flags carries AllocEarly, recording that the
// frame came from the region reserver rather than the buddy allocator —
// the provenance bit spec.md §9 calls for so teardown (once
// implemented) knows never to hand that frame back to the buddy.
func allocateOrTraverse(pml4 *table, addr mem.VirtAddr, flags Flag) (*table, *kernel.Error) {
	current := pml4

	for level := uint8(0); level < 3; level++ {
		idx := levelIndex(addr, level)
		entry := &current.entries[idx]

		if entry.hasFlags(entryHugePage) {
			return nil, errNoHugePageSupport
		}

		if !entry.hasFlags(entryPresent) {
			newFrame, ok := allocFrame(flags)
			if !ok {
				return nil, ErrOutOfMemory
			}

			*entry = 0
			entry.setFrame(newFrame)
			entry.setFlags(entryPresent | entryWritable)
			if flags&AllocEarly != 0 {
				entry.setFlags(entryEarlyAlloc)
			}

			*tableAt(newFrame) = table{}
		}

		current = tableAt(entry.frame())
	}

	return current, nil
}

// Map establishes mappings for a run of up to 512 contiguous pages
// starting at virtBase to the contiguous physical range starting at
// physBase, allocating any missing page-table levels along the way. All
// pages in the run must land in the same leaf page table; callers
// wanting a longer run must call Map once per table.
//
// If flags carries WriteGuard, one extra page past the requested run is
// mapped read-only (write access stripped, all other flags preserved)
// as a guard against linear overruns.
func Map(physBase mem.PhysAddr, pages uint16, virtBase mem.VirtAddr, flags Flag) *kernel.Error {
	if err := checkRegionBoundary(virtBase, pages, flags); err != nil {
		return err
	}

	pml4 := tableAt(currentPML4Fn())

	pt, err := allocateOrTraverse(pml4, virtBase, flags)
	if err != nil {
		return err
	}

	startOffset := levelIndex(virtBase, 3)

	for page := uint16(0); page < pages; page++ {
		bytesOffset := mem.Size(page) << mem.PageShift
		mapPhysPage(pt, startOffset+uintptr(page), physBase+mem.PhysAddr(bytesOffset), flags)
		cpu.FlushTLBEntry(uintptr(virtBase) + uintptr(bytesOffset))
	}

	if flags&WriteGuard != 0 {
		guardFlags := flags &^ AllowWrite
		bytesOffset := mem.Size(pages) << mem.PageShift
		mapPhysPage(pt, startOffset+uintptr(pages), physBase+mem.PhysAddr(bytesOffset), guardFlags)
		cpu.FlushTLBEntry(uintptr(virtBase) + uintptr(bytesOffset))
	}

	return nil
}

// InitPageTable establishes a new, empty page table at the given path
// within the currently active address space, at the paging level
// determined by how far traverseWithStatus gets before finding the path
// unmapped. It returns ErrAlreadyMapped if a table already exists there.
func InitPageTable(pt mem.PhysAddr, pathAddr mem.VirtAddr, flags Flag) *kernel.Error {
	pml4 := tableAt(currentPML4Fn())

	parent, depth, err := traverseWithStatus(pml4, pathAddr, flags, 3)
	if err == nil {
		return ErrAlreadyMapped
	}
	if err != ErrUnmapped {
		return err
	}
	if depth == 0 {
		return ErrAlreadyMapped
	}

	var offset uintptr
	switch depth {
	case 1:
		offset = levelIndex(pathAddr, 2)
	case 2:
		offset = levelIndex(pathAddr, 1)
	case 3:
		offset = levelIndex(pathAddr, 0)
	}

	mapPhysPage(parent, offset, pt, flags)
	*tableAt(pt) = table{}

	return nil
}
