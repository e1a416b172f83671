package vmm

import (
	"talus/kernel"
	"talus/kernel/cpu"
	"talus/kernel/mem"
)

// kernelNormalMem and kernelSensitiveMem are the two top-level virtual
// regions every zone lives inside, shared by every process's PML4 via
// identical PDPT entries. Sensitive-mem zones are unmapped on user-mode
// transitions (Meltdown-adjacent data); normal-mem zones stay mapped.
// Grounded on original_source/kernel/include/mm/vmzone.h.
const (
	kernelNormalMem    = mem.VirtAddr(0xFFFFFF0000000000)
	kernelSensitiveMem = mem.VirtAddr(0xFFFFFF8000000000)

	gb = mem.VirtAddr(1) << 30

	// slabBlockOrder is the fixed order of each slab carved from
	// KernelSlab's zone: a slab spans 1<<(12+SLAB_ORDER) bytes, i.e.
	// order SLAB_ORDER pages.
	slabBlockOrder = 1
)

// defineZones populates every entry in zones with the fixed layout
// original_source/kernel/src/mm/vmzone.c's vmzone_init actually builds:
// five zones, not the four the stale vmzone.h header still declares.
func defineZones() {
	defineZone(KernelHeap, kernelSensitiveMem, kernelSensitiveMem+8*gb,
		AllowWrite, ZoneContiguous, 0)

	defineZone(KernelSlab, kernelSensitiveMem+8*gb, kernelSensitiveMem+16*gb,
		AllowWrite, ZoneBlockAlloc, slabBlockOrder)

	defineZone(KernelStack, kernelNormalMem, kernelNormalMem+128*gb,
		AllowWrite, ZoneBlockAlloc, 1)

	defineZone(BuddyMem, kernelNormalMem+128*gb, kernelNormalMem+256*gb,
		AllowWrite, ZoneContiguous, 0)

	defineZone(UserShared, kernelNormalMem+256*gb, kernelNormalMem+512*gb,
		AllowWrite|AllowExec, ZoneAllowExecute, 0)
}

// sensitiveMemPDPT and normalMemPDPT cache the shared PDPT entries every
// zone's PML4 slot points at, so every address space's InitAddressSpace
// wires the same two PDPTs in rather than allocating fresh ones — zones
// are process-independent, shared memory by construction.
var (
	sensitiveMemPDPT mem.PhysAddr
	normalMemPDPT    mem.PhysAddr
)

// InitAddressSpace sets up a PML4's entries for every zone's PDPT, the
// kernel's 2GiB identity-mapped huge-page window, and (for any zone not
// yet initialized process-wide) that zone's PDT and first PT. Grounded
// on original_source/kernel/src/mm/vmzone.c's vmspace_init; early is
// AllocEarly (threaded through to every page-table frame this call
// allocates) only on the very first call, made before the buddy
// allocator exists.
func InitAddressSpace(pml4Phys mem.PhysAddr, early Flag) *kernel.Error {
	pml4 := tableAt(pml4Phys)

	if err := ensureSharedPDPT(pml4, kernelSensitiveMem, &sensitiveMemPDPT, early); err != nil {
		return err
	}
	if err := ensureSharedPDPT(pml4, kernelNormalMem, &normalMemPDPT, early); err != nil {
		return err
	}

	if err := ensureKernelWindow(pml4, early); err != nil {
		return err
	}

	for id := ZoneID(0); id < numZones; id++ {
		if err := ensureZoneInitialized(pml4, id, early); err != nil {
			return err
		}
	}

	return nil
}

func ensureSharedPDPT(pml4 *table, base mem.VirtAddr, cached *mem.PhysAddr, early Flag) *kernel.Error {
	idx := levelIndex(base, 0)
	entry := &pml4.entries[idx]

	if entry.hasFlags(entryPresent) {
		if *cached == 0 {
			*cached = entry.frame()
		}
		return nil
	}

	if *cached == 0 {
		frame, ok := allocFrame(early)
		if !ok {
			return ErrOutOfMemory
		}
		*tableAt(frame) = table{}
		*cached = frame
	}

	entry.setFrame(*cached)
	entry.setFlags(entryPresent | entryWritable)
	if early&AllocEarly != 0 {
		entry.setFlags(entryEarlyAlloc)
	}

	return nil
}

// ensureKernelWindow installs the single PT mapping KERNEL_VMA..
// KERNEL_VMA+2GiB to physical 0..2GiB with 2MiB huge pages, the window
// every table in this package dereferences physical addresses through
// (see kphys). It is installed once per boot: subsequent calls with an
// already-populated sensitive-mem PDPT slot 511 are no-ops.
func ensureKernelWindow(pml4 *table, early Flag) *kernel.Error {
	pdpt := tableAt(sensitiveMemPDPT)
	const windowSlot = 511

	if pdpt.entries[windowSlot].hasFlags(entryPresent) {
		return nil
	}

	pdtFrame, ok := allocFrame(early)
	if !ok {
		return ErrOutOfMemory
	}
	*tableAt(pdtFrame) = table{}

	pdt := tableAt(pdtFrame)
	var phys mem.PhysAddr
	for i := range pdt.entries {
		var e pte
		e.setFrame(phys)
		e.setFlags(entryPresent | entryWritable | entryHugePage)
		pdt.entries[i] = e
		phys += mem.PhysAddr(512 * mem.PageSize)
	}

	pdpt.entries[windowSlot].setFrame(pdtFrame)
	pdpt.entries[windowSlot].setFlags(entryPresent | entryWritable)
	if early&AllocEarly != 0 {
		pdpt.entries[windowSlot].setFlags(entryEarlyAlloc)
	}

	cpu.FlushTLBEntry(uintptr(kernelVMA))
	return nil
}

func ensureZoneInitialized(pml4 *table, id ZoneID, early Flag) *kernel.Error {
	z := &zones[id]
	if z.zoneFlags&zoneInitialized != 0 {
		return nil
	}

	pdtFrame, ok := allocFrame(early)
	if !ok {
		return ErrOutOfMemory
	}
	*tableAt(pdtFrame) = table{}

	ptFrame, ok := allocFrame(early)
	if !ok {
		return ErrOutOfMemory
	}
	*tableAt(ptFrame) = table{}

	pdt := tableAt(pdtFrame)
	pdt.entries[0].setFrame(ptFrame)
	pdt.entries[0].setFlags(entryFlagsForZone(z))

	z.zoneFlags |= zoneInitialized

	pdptIdx := levelIndex(z.start, 1)
	pml4Idx := levelIndex(z.start, 0)
	zonePDPT := tableAt(pml4.entries[pml4Idx].frame())
	zonePDPT.entries[pdptIdx].setFrame(pdtFrame)
	zonePDPT.entries[pdptIdx].setFlags(entryFlagsForZone(z))
	if early&AllocEarly != 0 {
		zonePDPT.entries[pdptIdx].setFlags(entryEarlyAlloc)
	}

	return nil
}

func entryFlagsForZone(z *Zone) entryFlag {
	e := entryPresent | entryWritable
	if z.vmFlags&AllowExec == 0 {
		e |= entryNoExecute
	}
	if z.vmFlags&AllowUser != 0 {
		e |= entryUser
	}
	return e
}

func init() {
	defineZones()
}
