// Package bootmem implements spec.md §4.1: it classifies the
// bootloader-provided memory map into a list of usable physical regions
// and serves the earliest physical allocations — bitmaps, page tables,
// slab backing for the buddy allocator's freelist pool — from those
// regions with a simple bump cursor, before the buddy allocator exists
// to take over.
package bootmem

import (
	"talus/kernel/hal/multiboot"
	"talus/kernel/mem"
)

// maxRegions bounds how many usable regions the boot memory map can be
// classified into. Region records are carved from a static array rather
// than allocated dynamically, since this package does its work before
// any allocator in this repository is available.
const maxRegions = 32

// Region describes a page-aligned, usable physical range
// [FreeStart, End). FreeStart advances as Reserve() is called; End never
// changes. Regions are linked in order of increasing address.
type Region struct {
	FreeStart mem.PhysAddr
	End       mem.PhysAddr
	Next      *Region
}

// Remaining returns the number of bytes still available in the region.
func (r *Region) Remaining() mem.Size {
	if r.FreeStart >= r.End {
		return 0
	}
	return mem.Size(r.End - r.FreeStart)
}

// Reserver serves page-aligned bump allocations from the usable regions
// built at Init time. There is no free operation: pre-buddy allocations
// are few in number and are known never to be released.
type Reserver struct {
	head         *Region
	pool         [maxRegions]Region
	poolUsed     int
	kernelStart  mem.PhysAddr
	kernelEnd    mem.PhysAddr
}

// newRegion carves a Region record from the static pool. It returns nil
// if the pool is exhausted.
func (rv *Reserver) newRegion() *Region {
	if rv.poolUsed >= len(rv.pool) {
		return nil
	}
	r := &rv.pool[rv.poolUsed]
	rv.poolUsed++
	return r
}

// Init parses the bootloader's memory map and builds the usable-region
// list. Per spec.md §4.1:
//   - the first page is never included (address 0 is reserved for null)
//   - any region overlapping the kernel image is split so FreeStart
//     begins strictly past the kernel end
//   - regions are page-aligned inward (start rounded up, end rounded
//     down)
func (rv *Reserver) Init(kernelStart, kernelEnd mem.PhysAddr) {
	rv.kernelStart = kernelStart
	rv.kernelEnd = kernelEnd

	var tail *Region

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type != multiboot.MemAvailable {
			return true
		}

		start := mem.PhysAddr(mem.AlignUp(uintptr(entry.PhysAddress), uintptr(mem.PageSize)))
		end := mem.PhysAddr(mem.AlignDown(uintptr(entry.PhysAddress+entry.Length), uintptr(mem.PageSize)))

		// The first page is never usable; address 0 means null.
		if start == 0 {
			start = mem.PhysAddr(mem.PageSize)
		}

		if start >= end {
			return true
		}

		for _, piece := range rv.splitAroundKernel(start, end) {
			if piece.start >= piece.end {
				continue
			}

			region := rv.newRegion()
			if region == nil {
				// Out of static region slots; stop classifying further
				// ranges rather than overrun the pool.
				return false
			}

			region.FreeStart = piece.start
			region.End = piece.end
			region.Next = nil

			if tail == nil {
				rv.head = region
			} else {
				tail.Next = region
			}
			tail = region
		}

		return true
	})
}

type addrRange struct {
	start, end mem.PhysAddr
}

// splitAroundKernel clips [start, end) so that no returned piece
// overlaps [kernelStart, kernelEnd). A region straddling the kernel
// image yields up to two pieces.
func (rv *Reserver) splitAroundKernel(start, end mem.PhysAddr) []addrRange {
	ks, ke := rv.kernelStart, rv.kernelEnd
	if ke <= start || ks >= end {
		// No overlap.
		return []addrRange{{start, end}}
	}

	var pieces []addrRange
	if ks > start {
		pieces = append(pieces, addrRange{start, ks})
	}
	if ke < end {
		pieces = append(pieces, addrRange{ke, end})
	}
	return pieces
}

// Reserve scans the usable regions first-fit and returns a page-aligned
// base address for an nPages-page allocation, bumping the serving
// region's FreeStart. It returns (0, false) if no region can satisfy
// the request.
func (rv *Reserver) Reserve(nPages uint64) (mem.PhysAddr, bool) {
	need := mem.Size(nPages) * mem.PageSize

	for r := rv.head; r != nil; r = r.Next {
		if r.Remaining() >= need {
			base := r.FreeStart
			r.FreeStart += mem.PhysAddr(need)
			return base, true
		}
	}

	return 0, false
}

// IsBlockUsable reports whether [base, base+bytes) lies entirely within
// one region's currently-reclaimable window [FreeStart, End). The buddy
// allocator uses this at initialization (and at every coalesce) to
// reject blocks that straddle a reserved hole.
func (rv *Reserver) IsBlockUsable(base mem.PhysAddr, bytes mem.Size) bool {
	end := base + mem.PhysAddr(bytes)

	for r := rv.head; r != nil; r = r.Next {
		if base >= r.FreeStart && end <= r.End {
			return true
		}
	}
	return false
}

// Regions returns the head of the usable-region list, for diagnostics
// and tests. Callers must not mutate Next links.
func (rv *Reserver) Regions() *Region {
	return rv.head
}
