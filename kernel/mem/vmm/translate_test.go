package vmm

import (
	"talus/kernel/mem"
	"testing"
)

func TestTranslateResolvesRegularPage(t *testing.T) {
	defer hostTables(t)()
	pml4 := &table{}
	defer func(orig func() mem.PhysAddr) { currentPML4Fn = orig }(currentPML4Fn)
	currentPML4Fn = func() mem.PhysAddr { return addrOf(pml4) }

	pdpt, pdt, pt := &table{}, &table{}, &table{}
	virt := mem.VirtAddr(0x7000) << mem.PageShift
	phys := mem.PhysAddr(0x9000000)

	var e pte
	e.setFlags(entryPresent | entryWritable)
	e.setFrame(addrOf(pdpt))
	pml4.entries[levelIndex(virt, 0)] = e

	e = pte(0)
	e.setFlags(entryPresent | entryWritable)
	e.setFrame(addrOf(pdt))
	pdpt.entries[levelIndex(virt, 1)] = e

	e = pte(0)
	e.setFlags(entryPresent | entryWritable)
	e.setFrame(addrOf(pt))
	pdt.entries[levelIndex(virt, 2)] = e

	e = pte(0)
	e.setFlags(entryPresent | entryWritable)
	e.setFrame(phys)
	pt.entries[levelIndex(virt, 3)] = e

	got, err := Translate(virt + 0x42)
	if err != nil {
		t.Fatalf("Translate returned %v", err)
	}
	if want := phys + 0x42; got != want {
		t.Fatalf("Translate = %#x; want %#x", got, want)
	}
}

func TestTranslateHugePageShortCircuitsAtPDT(t *testing.T) {
	defer hostTables(t)()
	pml4 := &table{}
	defer func(orig func() mem.PhysAddr) { currentPML4Fn = orig }(currentPML4Fn)
	currentPML4Fn = func() mem.PhysAddr { return addrOf(pml4) }

	pdpt, pdt := &table{}, &table{}
	virt := mem.VirtAddr(0x3000) << mem.PageShift
	hugePhys := mem.PhysAddr(0x200000000)

	var e pte
	e.setFlags(entryPresent | entryWritable)
	e.setFrame(addrOf(pdpt))
	pml4.entries[levelIndex(virt, 0)] = e

	e = pte(0)
	e.setFlags(entryPresent | entryWritable)
	e.setFrame(addrOf(pdt))
	pdpt.entries[levelIndex(virt, 1)] = e

	e = pte(0)
	e.setFlags(entryPresent | entryWritable | entryHugePage)
	e.setFrame(hugePhys)
	pdt.entries[levelIndex(virt, 2)] = e

	offset := mem.VirtAddr(0x1234)
	got, err := Translate(virt + offset)
	if err != nil {
		t.Fatalf("Translate returned %v", err)
	}
	if want := hugePhys + mem.PhysAddr(offset); got != want {
		t.Fatalf("Translate = %#x; want %#x", got, want)
	}
}

func TestTranslateReportsUnmapped(t *testing.T) {
	defer hostTables(t)()
	pml4 := &table{}
	defer func(orig func() mem.PhysAddr) { currentPML4Fn = orig }(currentPML4Fn)
	currentPML4Fn = func() mem.PhysAddr { return addrOf(pml4) }

	if _, err := Translate(0x1000); err != ErrUnmapped {
		t.Fatalf("err = %v; want ErrUnmapped", err)
	}
}
