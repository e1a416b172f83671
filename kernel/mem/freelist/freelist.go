// Package freelist implements spec.md §4.7: a lock-free, singly-linked
// stack of individually freed physical pages, threaded through
// kernel/mem/page's per-page freelist-next link rather than through any
// memory of the freelist's own. It exists for very-early-boot
// single-page allocations in low physical memory, before the buddy
// allocator is available.
//
// Both operations are CAS loops over the list head, the same idiom the
// teacher's kernel/sync.Spinlock uses for its lock word, applied here to
// a page index instead: no lock is ever held, so a concurrent
// interrupt-context caller can always make progress.
package freelist

import (
	"sync/atomic"

	"talus/kernel/mem"
	"talus/kernel/mem/page"
)

// emptyHead marks an empty list. Page 0 is always FlagUnusable (see
// page.Table.Init), so it can never legitimately sit on the freelist;
// an all-ones sentinel is used anyway to keep "empty" and "frame zero"
// visibly distinct.
const emptyHead = ^uintptr(0)

// List is one single-page freelist over a page.Table. The zero value is
// not usable; construct with New.
type List struct {
	head  uintptr
	table *page.Table
}

// New returns an empty freelist over table.
func New(table *page.Table) *List {
	return &List{head: emptyHead, table: table}
}

// AllocPage pops the page at the head of the list, if any, and
// references it. Returns ok=false if the list is empty.
func (l *List) AllocPage() (addr mem.PhysAddr, ok bool) {
	for {
		old := atomic.LoadUintptr(&l.head)
		if old == emptyHead {
			return 0, false
		}

		frame := page.Frame(old)
		rec := l.table.Page(frame)
		next := uintptr(rec.FreelistNext())

		if atomic.CompareAndSwapUintptr(&l.head, old, next) {
			rec.UnsetFlags(page.FlagFreelist)
			rec.Reference()
			return frame.Addr(), true
		}
	}
}

// FreePage pushes the page at addr onto the list. The caller must not
// still hold a live reference to addr once this returns.
func (l *List) FreePage(addr mem.PhysAddr) {
	frame := page.FrameOf(addr)
	rec := l.table.PageAt(addr)
	rec.SetFlags(page.FlagFreelist)

	for {
		old := atomic.LoadUintptr(&l.head)
		rec.SetFreelistNext(page.Frame(old))
		if atomic.CompareAndSwapUintptr(&l.head, old, uintptr(frame)) {
			return
		}
	}
}
