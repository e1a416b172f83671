package freelist

import (
	"sync"
	"testing"

	"talus/kernel/mem"
	"talus/kernel/mem/page"
)

func newTestTable(t *testing.T, numPages int) *page.Table {
	t.Helper()
	return page.NewTable(mem.PhysAddr((numPages - 1) << mem.PageShift))
}

func TestAllocPageOnEmptyListFails(t *testing.T) {
	l := New(newTestTable(t, 8))
	if _, ok := l.AllocPage(); ok {
		t.Fatal("expected AllocPage to fail on an empty list")
	}
}

func TestFreeThenAllocReturnsSamePage(t *testing.T) {
	table := newTestTable(t, 8)
	l := New(table)

	addr := mem.PhysAddr(3 << mem.PageShift)
	l.FreePage(addr)

	got, ok := l.AllocPage()
	if !ok {
		t.Fatal("expected AllocPage to succeed")
	}
	if got != addr {
		t.Fatalf("AllocPage = %#x; want %#x", got, addr)
	}

	rec := table.PageAt(addr)
	if rec.HasFlags(page.FlagFreelist) {
		t.Fatal("expected FlagFreelist to be cleared after alloc")
	}
	if rec.RefCount() != 1 {
		t.Fatalf("refcount = %d; want 1", rec.RefCount())
	}

	if _, ok := l.AllocPage(); ok {
		t.Fatal("expected the list to be empty again")
	}
}

func TestFreelistIsLastInFirstOut(t *testing.T) {
	table := newTestTable(t, 8)
	l := New(table)

	first := mem.PhysAddr(1 << mem.PageShift)
	second := mem.PhysAddr(2 << mem.PageShift)
	l.FreePage(first)
	l.FreePage(second)

	got, ok := l.AllocPage()
	if !ok || got != second {
		t.Fatalf("first AllocPage = %#x, ok=%v; want %#x, true", got, ok, second)
	}
	got, ok = l.AllocPage()
	if !ok || got != first {
		t.Fatalf("second AllocPage = %#x, ok=%v; want %#x, true", got, ok, first)
	}
}

// TestConcurrentFreeAndAllocNeverDoubleHandsOutAPage mirrors the
// teacher's spinlock_test.go's many-goroutines shape: numPages disjoint
// pages are freed up front, then numPages goroutines each allocate one
// page concurrently, and the test asserts every allocation returns a
// distinct page with no duplicates or crashes.
func TestConcurrentFreeAndAllocNeverDoubleHandsOutAPage(t *testing.T) {
	const numPages = 64
	table := newTestTable(t, numPages+1)
	l := New(table)

	for i := 1; i <= numPages; i++ {
		l.FreePage(mem.PhysAddr(i << mem.PageShift))
	}

	var wg sync.WaitGroup
	results := make(chan mem.PhysAddr, numPages)
	wg.Add(numPages)
	for i := 0; i < numPages; i++ {
		go func() {
			defer wg.Done()
			addr, ok := l.AllocPage()
			if !ok {
				t.Error("expected AllocPage to succeed while pages remain")
				return
			}
			results <- addr
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[mem.PhysAddr]bool, numPages)
	for addr := range results {
		if seen[addr] {
			t.Fatalf("page %#x handed out more than once", addr)
		}
		seen[addr] = true
	}
	if len(seen) != numPages {
		t.Fatalf("handed out %d distinct pages; want %d", len(seen), numPages)
	}
	if _, ok := l.AllocPage(); ok {
		t.Fatal("expected the list to be fully drained")
	}
}
