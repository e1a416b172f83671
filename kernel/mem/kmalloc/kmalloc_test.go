package kmalloc

import (
	"unsafe"

	"talus/kernel/mem"
	"talus/kernel/mem/slab"

	"testing"
)

func fakePages() slab.PageSource {
	var retained [][]byte
	return func() (mem.VirtAddr, bool) {
		buf := make([]byte, uintptr(slab.SizeBytes)*2)
		retained = append(retained, buf)
		base := uintptr(unsafe.Pointer(&buf[0]))
		aligned := mem.AlignUp(base, uintptr(slab.SizeBytes))
		return mem.VirtAddr(aligned), true
	}
}

// lcg is a tiny deterministic pseudo-random source: this package must
// not depend on math/rand's global state or a real clock seed, since
// its tests stand in for allocation-free kernel code.
type lcg struct{ state uint32 }

func (g *lcg) next() uint32 {
	g.state = g.state*1103515245 + 12345
	return g.state
}

func (g *lcg) intn(n uint32) uint32 {
	return g.next() % n
}

func TestAllocCoversEverySizeClass(t *testing.T) {
	a := Init(0, fakePages())

	for _, sz := range sizes {
		ptr, ok := a.Alloc(sz)
		if !ok {
			t.Fatalf("Alloc(%d) failed", sz)
		}
		if ptr == 0 {
			t.Fatalf("Alloc(%d) returned a nil address", sz)
		}
	}
}

func TestAllocRejectsOversizedRequest(t *testing.T) {
	a := Init(0, fakePages())
	if _, ok := a.Alloc(MaxSize + 1); ok {
		t.Fatal("Alloc(MaxSize+1) should fail")
	}
}

func TestSizeClassSelectionPicksSmallestFit(t *testing.T) {
	a := Init(0, fakePages())

	cases := []struct {
		size      uint16
		wantClass uint16
	}{
		{1, 8},
		{8, 8},
		{9, 16},
		{24, 24},
		{25, 48},
		{1016, 1016},
		{1017, 2040},
		{2040, 2040},
	}

	for _, c := range cases {
		idx := a.cacheIdxMap[(c.size+7)>>3]
		if got := sizes[idx]; got != c.wantClass {
			t.Errorf("size %d routed to class %d; want %d", c.size, got, c.wantClass)
		}
	}
}

// TestRandomAllocFreeRoundTrip mirrors the scenario of 100 allocations of
// uniformly random sizes in [1, 2040] followed by 100 frees in
// allocation order, which must leave every size-class cache with zero
// allocated objects.
func TestRandomAllocFreeRoundTrip(t *testing.T) {
	a := Init(0, fakePages())
	rng := &lcg{state: 12345}

	ptrs := make([]mem.VirtAddr, 0, 100)
	for i := 0; i < 100; i++ {
		size := uint16(rng.intn(MaxSize) + 1)
		ptr, ok := a.Alloc(size)
		if !ok {
			t.Fatalf("Alloc(%d) failed at iteration %d", size, i)
		}
		ptrs = append(ptrs, ptr)
	}

	for _, ptr := range ptrs {
		a.Free(ptr)
	}

	for i, c := range a.caches {
		if got := c.AllocatedObjects(); got != 0 {
			t.Errorf("cache %d (size %d) has %d allocated objects after freeing everything", i, sizes[i], got)
		}
	}
}

func TestFreeRecoversOwningCacheFromPointer(t *testing.T) {
	a := Init(0, fakePages())

	ptr, ok := a.Alloc(100)
	if !ok {
		t.Fatal("Alloc(100) failed")
	}

	idx := slab.CacheIDForAlloc(ptr)
	if sizes[idx] != 120 {
		t.Fatalf("Alloc(100) used cache for size %d; want 120", sizes[idx])
	}

	before := a.caches[idx].AllocatedObjects()
	a.Free(ptr)
	after := a.caches[idx].AllocatedObjects()

	if after != before-1 {
		t.Fatalf("AllocatedObjects() after Free = %d; want %d", after, before-1)
	}
}
