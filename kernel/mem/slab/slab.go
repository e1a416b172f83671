// Package slab implements spec.md §4.4: a cache of same-sized objects
// carved out of naturally-aligned, power-of-two-page slabs, with
// O(1) allocation and free via a free/partial/full slab free-list
// scheme and pointer-to-cache recovery through address masking.
package slab

import (
	"unsafe"

	"talus/kernel/mem"
)

// Order is the buddy order every slab is allocated at: 1<<(PageShift+Order)
// bytes, naturally aligned to that size so a pointer into any object can
// recover its owning slab (and from there its cache) by aligning down.
const Order = 1

// SizeBytes is the total size of one slab, header included.
const SizeBytes = mem.Size(1) << (mem.PageShift + Order)

// PagesPerSlab is the number of pages a PageSource call must supply.
const PagesPerSlab = 1 << Order

// header sits at the base of every slab.
type header struct {
	prev, next   mem.VirtAddr
	firstFreeIdx uint16
	freeCount    uint16
	cacheID      uint16
	reserved     uint16
}

var headerSize = mem.Size(unsafe.Sizeof(header{}))

// freeObj overlays an object cell that is currently on a slab's free
// chain.
type freeObj struct {
	nextFree mem.VirtAddr
}

func headerAt(addr mem.VirtAddr) *header {
	return (*header)(unsafe.Pointer(uintptr(addr)))
}

func freeObjAt(addr uintptr) *freeObj {
	return (*freeObj)(unsafe.Pointer(addr))
}

// PageSource supplies PagesPerSlab contiguous, writable virtual-memory
// pages naturally aligned to SizeBytes for a new slab. Mirrors the
// teacher's vmm.FrameAllocatorFn / SetFrameAllocator pattern: the slab
// layer never imports kernel/mem/vmm directly, which would otherwise
// close an import cycle back through kernel/mem/buddy (whose freelist
// node pool is itself a Cache).
type PageSource func() (mem.VirtAddr, bool)

// Cache is a fixed-object-size allocator. The zero value is not usable;
// construct one with NewCache.
type Cache struct {
	objSize, alignPadding, objCellSize uint16
	objsPerSlab                        uint16
	slabOverhead                       uint16
	cacheID, vmZone                    uint16

	allocatedObjects uint32

	totalFreeSlabs, totalPartialSlabs, totalFullSlabs uint16

	freeSlabs, partialSlabs, fullSlabs mem.VirtAddr

	pages PageSource
}

// NewCache builds a cache for objects of objSize bytes, cell-aligned to
// objAlign (a power of two). cacheID is opaque to this package and is
// only recorded in each slab header for a higher-level allocator (e.g.
// kmalloc) to recover which cache an arbitrary pointer belongs to.
// vmZone records which named virtual memory zone pages should come
// from; this package stores it but never reads it, and it is not passed
// to PageSource.
func NewCache(objSize, objAlign, cacheID, vmZone uint16, pages PageSource) *Cache {
	c := &Cache{
		objSize: objSize,
		cacheID: cacheID,
		vmZone:  vmZone,
		pages:   pages,
	}

	c.objCellSize = (objSize + objAlign - 1) &^ (objAlign - 1)
	c.alignPadding = c.objCellSize - c.objSize
	c.objsPerSlab = uint16((SizeBytes - headerSize) / mem.Size(c.objCellSize))
	c.slabOverhead = uint16(SizeBytes) - c.objsPerSlab*c.objCellSize

	return c
}

// ObjCellSize returns the per-object stride within a slab, including
// alignment padding.
func (c *Cache) ObjCellSize() uint16 { return c.objCellSize }

// ObjsPerSlab returns how many objects fit in one slab.
func (c *Cache) ObjsPerSlab() uint16 { return c.objsPerSlab }

// AllocatedObjects returns the number of objects currently checked out.
func (c *Cache) AllocatedObjects() uint32 { return c.allocatedObjects }

// createSlab obtains a fresh slab from the page source and threads its
// cells into a singly-linked free chain.
func (c *Cache) createSlab() (mem.VirtAddr, bool) {
	addr, ok := c.pages()
	if !ok {
		return 0, false
	}

	h := headerAt(addr)
	h.prev = 0
	h.next = 0
	h.firstFreeIdx = 0
	h.freeCount = c.objsPerSlab
	h.cacheID = c.cacheID

	if c.objsPerSlab == 0 {
		return addr, true
	}

	base := uintptr(addr) + uintptr(headerSize)
	for i := uint16(0); i < c.objsPerSlab-1; i++ {
		obj := freeObjAt(base + uintptr(i)*uintptr(c.objCellSize))
		obj.nextFree = mem.VirtAddr(base + uintptr(i+1)*uintptr(c.objCellSize))
	}
	freeObjAt(base + uintptr(c.objsPerSlab-1)*uintptr(c.objCellSize)).nextFree = 0

	return addr, true
}

// Reserve grows the cache's free-slab pool up front so that at least
// numObjects allocations can later succeed without touching the page
// source. It returns false if the page source is exhausted partway
// through; slabs obtained before the failure remain in the cache.
func (c *Cache) Reserve(numObjects uint32) bool {
	if c.objsPerSlab == 0 {
		return false
	}

	numSlabs := (numObjects + uint32(c.objsPerSlab) - 1) / uint32(c.objsPerSlab)
	nextSlab := c.freeSlabs

	var added uint16
	for i := uint32(0); i < numSlabs; i++ {
		newSlab, ok := c.createSlab()
		if !ok {
			c.freeSlabs = nextSlab
			c.totalFreeSlabs += added
			return false
		}

		h := headerAt(newSlab)
		h.prev = 0
		h.next = nextSlab
		if nextSlab != 0 {
			headerAt(nextSlab).prev = newSlab
		}
		nextSlab = newSlab
		added++
	}

	c.freeSlabs = nextSlab
	c.totalFreeSlabs += added
	return true
}

func unlinkSlab(slab mem.VirtAddr, listHead *mem.VirtAddr) {
	h := headerAt(slab)
	if h.prev != 0 {
		headerAt(h.prev).next = h.next
	} else {
		*listHead = h.next
	}
	if h.next != 0 {
		headerAt(h.next).prev = h.prev
	}
}

func linkSlab(slab mem.VirtAddr, listHead *mem.VirtAddr) {
	h := headerAt(slab)
	h.next = *listHead
	h.prev = 0
	if *listHead != 0 {
		headerAt(*listHead).prev = slab
	}
	*listHead = slab
}

// Alloc returns a new object, or (0, false) if the cache needed a new
// slab and the page source could not supply one.
func (c *Cache) Alloc() (mem.VirtAddr, bool) {
	slab := c.partialSlabs

	if slab == 0 {
		slab = c.freeSlabs

		if slab == 0 {
			newSlab, ok := c.createSlab()
			if !ok {
				return 0, false
			}
			slab = newSlab
			c.partialSlabs = slab
			c.totalPartialSlabs++
		} else {
			unlinkSlab(slab, &c.freeSlabs)
			linkSlab(slab, &c.partialSlabs)
			c.totalFreeSlabs--
			c.totalPartialSlabs++
		}

		h := headerAt(slab)
		h.prev = 0
		h.next = 0
	}

	h := headerAt(slab)
	base := uintptr(slab) + uintptr(headerSize)
	objAddr := base + uintptr(h.firstFreeIdx)*uintptr(c.objCellSize)
	obj := freeObjAt(objAddr)

	// When this was the slab's last free object, nextFree is the zero
	// VirtAddr and the index computed below is meaningless; that is
	// harmless since freeCount is about to drop to 0 and firstFreeIdx
	// is never read again until Free sets it explicitly.
	h.firstFreeIdx = uint16((uintptr(obj.nextFree) - base) / uintptr(c.objCellSize))
	h.freeCount--

	if h.freeCount == 0 {
		unlinkSlab(slab, &c.partialSlabs)
		linkSlab(slab, &c.fullSlabs)
		c.totalPartialSlabs--
		c.totalFullSlabs++
	}

	c.allocatedObjects++
	return mem.VirtAddr(objAddr), true
}

// Free returns an object to its owning slab, recovered by aligning ptr
// down to SizeBytes.
func (c *Cache) Free(ptr mem.VirtAddr) {
	slab := mem.VirtAddr(mem.AlignDown(uintptr(ptr), uintptr(SizeBytes)))
	h := headerAt(slab)
	base := uintptr(slab) + uintptr(headerSize)

	obj := freeObjAt(uintptr(ptr))
	if h.freeCount == 0 {
		obj.nextFree = 0
	} else {
		obj.nextFree = mem.VirtAddr(base + uintptr(h.firstFreeIdx)*uintptr(c.objCellSize))
	}
	h.firstFreeIdx = uint16((uintptr(ptr) - base) / uintptr(c.objCellSize))

	wasFull := h.freeCount == 0
	h.freeCount++

	if wasFull {
		unlinkSlab(slab, &c.fullSlabs)
		linkSlab(slab, &c.partialSlabs)
		c.totalFullSlabs--
		c.totalPartialSlabs++
	} else if h.freeCount == c.objsPerSlab {
		unlinkSlab(slab, &c.partialSlabs)
		linkSlab(slab, &c.freeSlabs)
		c.totalPartialSlabs--
		c.totalFreeSlabs++
	}

	c.allocatedObjects--
}

// CacheIDForAlloc recovers the cache ID recorded in the header of the
// slab that owns ptr, without needing a reference to the Cache itself.
func CacheIDForAlloc(ptr mem.VirtAddr) uint16 {
	slab := mem.VirtAddr(mem.AlignDown(uintptr(ptr), uintptr(SizeBytes)))
	return headerAt(slab).cacheID
}
