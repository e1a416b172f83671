// Package kmalloc implements spec.md §4.4's small-object front end: a
// fixed set of slab caches sized to keep per-object fragmentation low
// against the slab header's overhead, dispatched through a lookup table
// so Alloc never has to scan the size list.
package kmalloc

import (
	"talus/kernel/mem"
	"talus/kernel/mem/slab"
)

// MaxSize is the largest request Alloc will service; anything larger
// belongs to a block-granularity allocator instead.
const MaxSize = 2040

// sizes are the object sizes kmalloc carves slabs for. Chosen (by the
// source this was grounded on) to keep fragmentation low against a
// 24-byte slab header when objects are 8-byte aligned.
var sizes = [...]uint16{8, 16, 24, 48, 96, 120, 240, 480, 1016, 2040}

const reservedSlabsPerCache = 3

// Allocator owns one slab.Cache per size class plus the (size/8) to
// cache-index lookup table built once at init.
type Allocator struct {
	caches []*slab.Cache

	// cacheIdxMap is indexed by ceil(size/8) and holds the index into
	// caches of the smallest class that fits. Sized to MaxSize/8 + 1 so
	// that index (MaxSize+7)>>3, reached by a request of exactly
	// MaxSize, is always in bounds; the source this was grounded on
	// sizes its equivalent table at exactly MaxSize/8 entries, which is
	// one short of what (MaxSize+7)>>3 computes to when MaxSize is
	// itself a multiple of 8 — a genuine out-of-bounds read for a
	// request of exactly MaxSize bytes, not replicated here.
	cacheIdxMap [MaxSize/8 + 1]uint8
}

// Init builds every size-class cache, pre-reserving a few slabs each so
// early allocations during bootstrap do not immediately round-trip
// through the page source, and builds the size-class lookup table.
// vmZone and pages are forwarded to every underlying slab.Cache
// unchanged, so all of kmalloc's backing memory comes from one named
// virtual zone.
func Init(vmZone uint16, pages slab.PageSource) *Allocator {
	a := &Allocator{caches: make([]*slab.Cache, len(sizes))}

	for i, sz := range sizes {
		c := slab.NewCache(sz, 8, uint16(i), vmZone, pages)
		c.Reserve(uint32(c.ObjsPerSlab()) * reservedSlabsPerCache)
		a.caches[i] = c
	}

	var prevSizeEights uint16
	for i, sz := range sizes {
		sizeEights := sz / 8
		for j := prevSizeEights + 1; j <= sizeEights; j++ {
			a.cacheIdxMap[j] = uint8(i)
		}
		prevSizeEights = sizeEights
	}

	return a
}

// Alloc returns a new object of at least size bytes, or (0, false) if
// size exceeds MaxSize or the backing cache is out of memory.
func (a *Allocator) Alloc(size uint16) (mem.VirtAddr, bool) {
	if size == 0 || size > MaxSize {
		return 0, false
	}
	idx := a.cacheIdxMap[(size+7)>>3]
	return a.caches[idx].Alloc()
}

// Free returns ptr, previously returned by Alloc, to its owning cache.
// The cache is recovered from ptr itself via the slab header, so Free
// needs no size argument.
func (a *Allocator) Free(ptr mem.VirtAddr) {
	idx := slab.CacheIDForAlloc(ptr)
	if int(idx) < len(a.caches) {
		a.caches[idx].Free(ptr)
	}
}
