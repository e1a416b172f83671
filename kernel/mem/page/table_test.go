package page

import (
	"talus/kernel/mem"

	"testing"
)

func TestNewTableSizing(t *testing.T) {
	tbl := NewTable(mem.PhysAddr(0x3FFF)) // last byte of the fourth page
	if got, want := tbl.Len(), 4; got != want {
		t.Fatalf("Len() = %d; want %d", got, want)
	}
}

func TestFrameAddrRoundTrip(t *testing.T) {
	addr := mem.PhysAddr(0x401000)
	f := FrameOf(addr)
	if got := f.Addr(); got != addr.Align() {
		t.Fatalf("Frame.Addr() = 0x%x; want 0x%x", got, addr.Align())
	}
}

func TestInitClassification(t *testing.T) {
	// 16 pages of physical memory: [0x4000, 0x8000) holds the kernel
	// image, [0x8000, 0xA000) the metadata table, and [0x2000, 0x3000)
	// is reported non-usable by the boot memory map. [0x4000, 0x6000) is
	// the kernel's read-only section.
	highest := mem.PhysAddr(uintptr(15) << mem.PageShift)
	tbl := NewTable(highest)

	nonUsable := func(visit func(start, end mem.PhysAddr)) {
		visit(mem.PhysAddr(0x2000), mem.PhysAddr(0x3000))
	}

	tbl.Init(nonUsable, mem.PhysAddr(0x4000), mem.PhysAddr(0xA000), mem.PhysAddr(0x4000), mem.PhysAddr(0x6000))

	check := func(addr uintptr, want Flag) {
		t.Helper()
		rec := tbl.PageAt(mem.PhysAddr(addr))
		if got := rec.Flags(); got != want {
			t.Errorf("page 0x%x flags = %#x; want %#x", addr, got, want)
		}
	}

	check(0x0, FlagUnusable)
	check(0x1000, 0)
	check(0x2000, FlagUnusable)
	check(0x3000, 0)
	check(0x4000, FlagKernel|FlagReadOnly)
	check(0x5000, FlagKernel|FlagReadOnly)
	check(0x6000, FlagKernel)
	check(0x8000, FlagKernel)
	check(0x9000, FlagKernel)
	check(0xA000, 0)
}

func TestMarkUnusableRangeClampsToTableBounds(t *testing.T) {
	tbl := NewTable(mem.PhysAddr(uintptr(3) << mem.PageShift))

	// This would overrun the table if not clamped.
	tbl.MarkUnusableRange(mem.PhysAddr(0x3000), mem.PhysAddr(0x100000))

	if !tbl.PageAt(mem.PhysAddr(0x3000)).HasFlags(FlagUnusable) {
		t.Fatal("expected last in-bounds page to be marked unusable")
	}
}
