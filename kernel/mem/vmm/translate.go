package vmm

import (
	"talus/kernel"
	"talus/kernel/mem"
)

// Translate resolves a virtual address to the physical address it is
// currently mapped to, mirroring original_source/kernel/src/mm.c's
// virt_to_phys exactly: walk PML4 → PDPT → PDT, short-circuiting at the
// PDT if its entry is a 2MiB huge page, otherwise continue to the PT.
func Translate(addr mem.VirtAddr) (mem.PhysAddr, *kernel.Error) {
	pml4 := tableAt(currentPML4Fn())

	pml4Entry := pml4.entries[levelIndex(addr, 0)]
	if !pml4Entry.hasFlags(entryPresent) {
		return 0, ErrUnmapped
	}

	pdpt := tableAt(pml4Entry.frame())
	pdptEntry := pdpt.entries[levelIndex(addr, 1)]
	if !pdptEntry.hasFlags(entryPresent) {
		return 0, ErrUnmapped
	}

	pdt := tableAt(pdptEntry.frame())
	pdtEntry := pdt.entries[levelIndex(addr, 2)]
	if !pdtEntry.hasFlags(entryPresent) {
		return 0, ErrUnmapped
	}

	if pdtEntry.hasFlags(entryHugePage) {
		pageOffset := uintptr(addr) & ((1 << (mem.PageShift + 9)) - 1)
		return pdtEntry.frame() + mem.PhysAddr(pageOffset), nil
	}

	pt := tableAt(pdtEntry.frame())
	ptEntry := pt.entries[levelIndex(addr, 3)]
	if !ptEntry.hasFlags(entryPresent) {
		return 0, ErrUnmapped
	}

	pageOffset := uintptr(addr) & (uintptr(mem.PageSize) - 1)
	return ptEntry.frame() + mem.PhysAddr(pageOffset), nil
}
