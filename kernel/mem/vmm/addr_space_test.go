package vmm

import (
	"talus/kernel/mem"
	"testing"
)

// resetSharedPDPTCache clears the process-wide shared-PDPT cache
// InitAddressSpace populates, so each test starts from a clean slate
// regardless of what a previous test left behind.
func resetSharedPDPTCache(t *testing.T) func() {
	t.Helper()
	origSensitive, origNormal := sensitiveMemPDPT, normalMemPDPT
	sensitiveMemPDPT, normalMemPDPT = 0, 0
	return func() {
		sensitiveMemPDPT, normalMemPDPT = origSensitive, origNormal
	}
}

// resetZones clears zoneInitialized on every zone so a test can
// observe InitAddressSpace setting it fresh, then restores the original
// zone table afterward.
func resetZones(t *testing.T) func() {
	t.Helper()
	orig := zones
	defineZones()
	return func() { zones = orig }
}

func TestInitAddressSpaceInitializesEveryZone(t *testing.T) {
	defer hostTables(t)()
	pml4 := &table{}
	defer hostFrames(t, pml4)()
	defer resetSharedPDPTCache(t)()
	defer resetZones(t)()

	if err := InitAddressSpace(addrOf(pml4), AllocEarly); err != nil {
		t.Fatalf("InitAddressSpace returned %v", err)
	}

	for id := ZoneID(0); id < numZones; id++ {
		z := &zones[id]
		if z.zoneFlags&zoneInitialized == 0 {
			t.Errorf("zone %d: expected zoneInitialized to be set", id)
		}

		pml4Idx := levelIndex(z.start, 0)
		pml4Entry := pml4.entries[pml4Idx]
		if !pml4Entry.hasFlags(entryPresent) {
			t.Fatalf("zone %d: expected its PML4 slot to be present", id)
		}

		pdpt := tableAt(pml4Entry.frame())
		pdptIdx := levelIndex(z.start, 1)
		pdptEntry := pdpt.entries[pdptIdx]
		if !pdptEntry.hasFlags(entryPresent) {
			t.Fatalf("zone %d: expected its PDPT slot to be present", id)
		}

		pdt := tableAt(pdptEntry.frame())
		if !pdt.entries[0].hasFlags(entryPresent) {
			t.Fatalf("zone %d: expected PDT entry 0 to point at a PT", id)
		}
	}
}

func TestInitAddressSpaceSharesPDPTAcrossSensitiveMemZones(t *testing.T) {
	defer hostTables(t)()
	pml4 := &table{}
	defer hostFrames(t, pml4)()
	defer resetSharedPDPTCache(t)()
	defer resetZones(t)()

	if err := InitAddressSpace(addrOf(pml4), AllocEarly); err != nil {
		t.Fatalf("InitAddressSpace returned %v", err)
	}

	heapPML4Idx := levelIndex(zones[KernelHeap].start, 0)
	slabPML4Idx := levelIndex(zones[KernelSlab].start, 0)
	if heapPML4Idx != slabPML4Idx {
		t.Fatalf("KernelHeap and KernelSlab should share a PML4 slot (both live in sensitive mem)")
	}

	heapPDPTPhys := pml4.entries[heapPML4Idx].frame()
	if heapPDPTPhys != sensitiveMemPDPT {
		t.Fatalf("expected the cached sensitive-mem PDPT to be wired into the PML4")
	}

	heapPDPTIdx := levelIndex(zones[KernelHeap].start, 1)
	slabPDPTIdx := levelIndex(zones[KernelSlab].start, 1)
	if heapPDPTIdx == slabPDPTIdx {
		t.Fatalf("KernelHeap and KernelSlab should occupy distinct PDPT slots")
	}

	pdpt := tableAt(heapPDPTPhys)
	if !pdpt.entries[heapPDPTIdx].hasFlags(entryPresent) || !pdpt.entries[slabPDPTIdx].hasFlags(entryPresent) {
		t.Fatalf("expected both zones' PDPT slots to be present in the shared PDPT")
	}
}

func TestInitAddressSpaceIsIdempotent(t *testing.T) {
	defer hostTables(t)()
	pml4 := &table{}
	defer hostFrames(t, pml4)()
	defer resetSharedPDPTCache(t)()
	defer resetZones(t)()

	if err := InitAddressSpace(addrOf(pml4), AllocEarly); err != nil {
		t.Fatalf("first InitAddressSpace returned %v", err)
	}

	heapPDPTIdx := levelIndex(zones[KernelHeap].start, 0)
	pdptPhysBefore := pml4.entries[heapPDPTIdx].frame()
	windowPDPT := tableAt(sensitiveMemPDPT)
	windowPDTPhysBefore := windowPDPT.entries[511].frame()

	if err := InitAddressSpace(addrOf(pml4), AllocEarly); err != nil {
		t.Fatalf("second InitAddressSpace returned %v", err)
	}

	if got := pml4.entries[heapPDPTIdx].frame(); got != pdptPhysBefore {
		t.Fatalf("second call reallocated the shared sensitive-mem PDPT")
	}
	if got := windowPDPT.entries[511].frame(); got != windowPDTPhysBefore {
		t.Fatalf("second call reallocated the kernel window's PDT")
	}
}

func TestEnsureKernelWindowMapsFullTwoGiBWithHugePages(t *testing.T) {
	defer hostTables(t)()
	pml4 := &table{}
	defer hostFrames(t, pml4)()
	defer resetSharedPDPTCache(t)()
	defer resetZones(t)()

	if err := ensureSharedPDPT(pml4, kernelSensitiveMem, &sensitiveMemPDPT, AllocEarly); err != nil {
		t.Fatalf("ensureSharedPDPT returned %v", err)
	}
	if err := ensureKernelWindow(pml4, AllocEarly); err != nil {
		t.Fatalf("ensureKernelWindow returned %v", err)
	}

	pdpt := tableAt(sensitiveMemPDPT)
	windowEntry := pdpt.entries[511]
	if !windowEntry.hasFlags(entryPresent) {
		t.Fatal("expected the window PDPT slot to be present")
	}

	pdt := tableAt(windowEntry.frame())
	var phys mem.PhysAddr
	for i := range pdt.entries {
		e := pdt.entries[i]
		if !e.hasFlags(entryPresent | entryWritable | entryHugePage) {
			t.Fatalf("PDT entry %d: expected present+writable+hugepage", i)
		}
		if got := e.frame(); got != phys {
			t.Fatalf("PDT entry %d: frame = %#x; want %#x", i, got, phys)
		}
		phys += mem.PhysAddr(512 * mem.PageSize)
	}
	if phys != mem.PhysAddr(2*gb) {
		t.Fatalf("window covers %#x; want exactly 2GiB", phys)
	}
}

func TestEntryFlagsForZoneSetsNoExecuteUnlessAllowed(t *testing.T) {
	z := &Zone{vmFlags: AllowWrite}
	if entryFlagsForZone(z)&entryNoExecute == 0 {
		t.Fatal("expected entryNoExecute by default")
	}

	z = &Zone{vmFlags: AllowWrite | AllowExec}
	if entryFlagsForZone(z)&entryNoExecute != 0 {
		t.Fatal("did not expect entryNoExecute when AllowExec is set")
	}
}

func TestDefineZonesLaysOutFiveNonOverlappingZones(t *testing.T) {
	defer resetZones(t)()

	for id := ZoneID(0); id < numZones; id++ {
		z := zones[id]
		if z.end <= z.start {
			t.Errorf("zone %d: end %#x must be past start %#x", id, z.end, z.start)
		}
		if z.cursor != z.start {
			t.Errorf("zone %d: cursor should start at the zone base", id)
		}
	}

	if zones[KernelHeap].end != zones[KernelSlab].start {
		t.Error("KernelSlab should begin exactly where KernelHeap ends")
	}
	if zones[KernelStack].end != zones[BuddyMem].start {
		t.Error("BuddyMem should begin exactly where KernelStack ends")
	}
	if zones[BuddyMem].end != zones[UserShared].start {
		t.Error("UserShared should begin exactly where BuddyMem ends")
	}
}
