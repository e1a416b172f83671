package page

import (
	"unsafe"

	"talus/kernel/mem"
)

// Table holds one Record per physical page over [0, highestUsable] and
// is indexed by Frame. It is sized once, from the highest usable
// physical address the boot memory map reports, and never resized.
type Table struct {
	records []Record
}

// NewTable allocates a table large enough to cover every physical page
// up to and including highestUsable. The records are always allocated
// in ordinary Go memory. kernel/mm marks the physical range of the
// table's size right after the kernel image as kernel-owned, but the
// records are not placed in that range.
func NewTable(highestUsable mem.PhysAddr) *Table {
	numPages := uint64(highestUsable.Page()) + 1
	return &Table{records: make([]Record, numPages)}
}

// Len returns the number of page records in the table.
func (t *Table) Len() int {
	return len(t.records)
}

// FrameOf returns the Frame (page index) containing addr.
func FrameOf(addr mem.PhysAddr) Frame {
	return Frame(addr.Page())
}

// Addr returns the physical address of the start of f.
func (f Frame) Addr() mem.PhysAddr {
	return mem.PhysAddr(uintptr(f) << mem.PageShift)
}

// Page returns the record for the given frame. It panics if frame is
// out of range, matching the teacher's style of trusting internal
// callers to have already validated addresses against the boot memory
// map.
func (t *Table) Page(frame Frame) *Record {
	return &t.records[frame]
}

// PageAt returns the record for the page containing addr.
func (t *Table) PageAt(addr mem.PhysAddr) *Record {
	return t.Page(FrameOf(addr))
}

// MarkUnusableRange marks every page in [start, end) unusable. Ranges
// are clamped to the table's bounds so that a boot memory map entry
// extending past the highest usable address the table was sized for
// does not panic.
func (t *Table) MarkUnusableRange(start, end mem.PhysAddr) {
	t.markRange(start, end, FlagUnusable, 0, 0)
}

// MarkKernelRange marks every page in [start, end) as kernel-owned.
// Pages that additionally fall within [roStart, roEnd) are marked
// read-only as well; pass roStart == roEnd to mark no pages read-only.
func (t *Table) MarkKernelRange(start, end, roStart, roEnd mem.PhysAddr) {
	t.markRange(start, end, FlagKernel, roStart, roEnd)
}

func (t *Table) markRange(start, end mem.PhysAddr, flag Flag, roStart, roEnd mem.PhysAddr) {
	first := start.Page()
	last := end.Page()
	if end%mem.PhysAddr(mem.PageSize) != 0 {
		last++
	}
	if last > uintptr(len(t.records)) {
		last = uintptr(len(t.records))
	}

	for p := first; p < last; p++ {
		rec := &t.records[p]
		rec.SetFlags(flag)

		if roEnd > roStart {
			addr := Frame(p).Addr()
			if addr >= roStart && addr < roEnd {
				rec.SetFlags(FlagReadOnly)
			}
		}
	}
}

// NonUsableRangeVisitor enumerates the non-available ranges reported by
// the boot memory map (see kernel/hal/multiboot and kernel/mem/bootmem),
// letting Init mark every page outside of it unusable without this
// package importing either of them directly.
type NonUsableRangeVisitor func(visit func(start, end mem.PhysAddr))

// Init zeroes the table (implicit from NewTable) and classifies every
// page per spec.md §4.2:
//   - page 0 is always unusable;
//   - every page within a non-usable boot memory region is unusable;
//   - every page from the kernel image start through the end of the
//     metadata table itself is kernel, and additionally read-only where
//     it falls within [roStart, roEnd).
func (t *Table) Init(nonUsable NonUsableRangeVisitor, kernelStart, metadataEnd, roStart, roEnd mem.PhysAddr) {
	t.MarkUnusableRange(0, mem.PhysAddr(mem.PageSize))

	if nonUsable != nil {
		nonUsable(func(start, end mem.PhysAddr) {
			t.MarkUnusableRange(start, end)
		})
	}

	t.MarkKernelRange(kernelStart, metadataEnd, roStart, roEnd)
}

// TableByteSize returns the number of bytes a table covering highestUsable
// would occupy, for computing where it (and whatever comes after it)
// should be placed in physical memory.
func TableByteSize(highestUsable mem.PhysAddr) mem.Size {
	numPages := uint64(highestUsable.Page()) + 1
	return mem.Size(numPages) * mem.Size(unsafe.Sizeof(Record{}))
}
