// Package mm is the boot orchestrator: it brings up every layer of the
// memory management core in the strict order spec.md §2's data-flow
// description requires, wiring each one to the layer below it via the
// same function-injection pattern the vmm package already uses to avoid
// an import cycle back to the buddy allocator.
//
// Bootstrapping order:
//
//  1. bootmem.Reserver classifies the boot memory map and serves the
//     earliest, never-freed allocations with a bump cursor.
//  2. The page-metadata table is sized from the highest usable physical
//     address, and the range of that size immediately past the kernel
//     image is marked kernel-owned; the table's records themselves are
//     an ordinary Go allocation.
//  3. vmm's zones are installed in the active address space, using the
//     region reserver for every page-table frame they need (there is no
//     buddy allocator yet).
//  4. The buddy allocator is initialized over the largest region the
//     reserver has left, backing its own freelist-node pool with pages
//     pulled from the KERNEL_SLAB zone. Since the buddy allocator does
//     not exist yet when this pool is first populated, vmm's contiguous
//     zones are temporarily wired to pull raw pages from the region
//     reserver instead (spec.md §9's bootstrapping cycle).
//  5. Once the buddy allocator is up, vmm and the KERNEL_SLAB page
//     source are rewired onto it, and kmalloc's size-class caches are
//     built on the same page source.
package mm

import (
	"talus/kernel"
	"talus/kernel/hal/multiboot"
	"talus/kernel/kfmt"
	"talus/kernel/mem"
	"talus/kernel/mem/bootmem"
	"talus/kernel/mem/buddy"
	"talus/kernel/mem/freelist"
	"talus/kernel/mem/kmalloc"
	"talus/kernel/mem/page"
	"talus/kernel/mem/vmm"
	"talus/kernel/sync"
)

var (
	// ErrNoUsableMemory is returned when the boot memory map contains no
	// region large enough to back the buddy allocator.
	ErrNoUsableMemory = &kernel.Error{Module: "mm", Message: "boot memory map has no usable region for the buddy allocator"}

	reserver     bootmem.Reserver
	metaTable    *page.Table
	buddyAlloc   *buddy.Allocator
	kmallocAlloc *kmalloc.Allocator
	pageFreelist *freelist.List

	// bringupLock serializes Init against itself; bootstrap runs on a
	// single core, but the lock is the same kernel/sync primitive the
	// rest of the kernel uses to guard shared state, exercised here
	// rather than left idle until interrupts are enabled.
	bringupLock sync.Spinlock
)

// Init brings up the entire memory management core given the physical
// extent of the kernel image and the bootloader's tag-list pointer. It
// is meant to be called exactly once, from kmain.Kmain.
func Init(multibootInfoPtr, kernelStart, kernelEnd uintptr) *kernel.Error {
	bringupLock.Acquire()
	defer bringupLock.Release()

	multiboot.SetInfoPtr(multibootInfoPtr)

	physKernelStart := mem.PhysAddr(kernelStart)
	physKernelEnd := mem.PhysAddr(kernelEnd)

	reserver.Init(physKernelStart, physKernelEnd)
	printRegions()

	highestUsable := highestUsableAddr()
	tableSize := page.TableByteSize(highestUsable)
	metadataEnd := physKernelEnd + mem.PhysAddr(tableSize)

	metaTable = page.NewTable(highestUsable)
	metaTable.Init(visitNonUsableRanges, physKernelStart, metadataEnd, 0, 0)

	vmm.SetEarlyFrameAllocator(earlyFrameAlloc)
	vmm.SetBlockAllocator(earlyBlockAlloc, earlyBlockFree, earlyBlockShrink)

	if err := vmm.Init(); err != nil {
		return err
	}

	region := largestRemainingRegion()
	if region == nil {
		return ErrNoUsableMemory
	}
	buddyAlloc = bringUpBuddy(region)

	vmm.SetFrameAllocator(buddyFrameAlloc)
	vmm.SetBlockAllocator(buddyAlloc.AllocBlock, buddyAlloc.FreeBlock, buddyAlloc.ShrinkBlock)

	kmallocAlloc = kmalloc.Init(uint16(vmm.KernelSlab), slabPageSource)
	pageFreelist = freelist.New(metaTable)

	kfmt.Printf("mm: bootstrap complete, page table covers %d pages\n", metaTable.Len())

	return nil
}

// printRegions logs the usable-region list the reserver built from the
// boot memory map.
func printRegions() {
	for r := reserver.Regions(); r != nil; r = r.Next {
		kfmt.Printf("bootmem: region 0x%x-0x%x (%d bytes free)\n", uint64(r.FreeStart), uint64(r.End), uint64(r.Remaining()))
	}
}

// bringUpBuddy logs the buddy allocator's estimated bookkeeping
// footprint (bitmap pages and freelist nodes) and then calls buddy.Init
// over region, with slabPageSource backing the freelist-node pool. The
// estimate is only logged; it is not checked against the reserver's
// remaining space.
func bringUpBuddy(region *bootmem.Region) *buddy.Allocator {
	baseAddr, endAddr := region.FreeStart, region.End
	numPages := uint64(endAddr-baseAddr) >> mem.PageShift

	bitmapPages, freelistNodes := buddy.EstimatePoolSize(numPages, 0)
	kfmt.Printf("buddy: managing %d pages over 0x%x-0x%x (bitmap ~%d pages, ~%d freelist nodes)\n",
		numPages, uint64(baseAddr), uint64(endAddr), bitmapPages, freelistNodes)

	return buddy.Init(baseAddr, endAddr, reserver.IsBlockUsable, slabPageSource)
}

// highestUsableAddr returns the end address of the usable region that
// reaches furthest into physical memory, which is what the page
// metadata table must be sized to cover.
func highestUsableAddr() mem.PhysAddr {
	var highest mem.PhysAddr
	for r := reserver.Regions(); r != nil; r = r.Next {
		if r.End > highest {
			highest = r.End
		}
	}
	return highest
}

// largestRemainingRegion returns the usable region with the most
// remaining space, which is where the buddy allocator is initialized
// per spec.md §2.
func largestRemainingRegion() *bootmem.Region {
	var largest *bootmem.Region
	for r := reserver.Regions(); r != nil; r = r.Next {
		if largest == nil || r.Remaining() > largest.Remaining() {
			largest = r
		}
	}
	return largest
}

// visitNonUsableRanges adapts multiboot's boot memory map into the
// NonUsableRangeVisitor the page-metadata table's Init expects, without
// kernel/mem/page importing kernel/hal/multiboot directly.
func visitNonUsableRanges(visit func(start, end mem.PhysAddr)) {
	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		if entry.Type == multiboot.MemAvailable {
			return true
		}

		start := mem.PhysAddr(mem.AlignDown(uintptr(entry.PhysAddress), uintptr(mem.PageSize)))
		end := mem.PhysAddr(mem.AlignUp(uintptr(entry.PhysAddress+entry.Length), uintptr(mem.PageSize)))
		visit(start, end)
		return true
	})
}

// earlyFrameAlloc serves page-table frames from the region reserver,
// wired in via vmm.SetEarlyFrameAllocator before the buddy allocator
// exists.
func earlyFrameAlloc() (mem.PhysAddr, bool) {
	return reserver.Reserve(1)
}

// earlyBlockAlloc serves a contiguous zone's block allocations from the
// region reserver, standing in for the buddy allocator while it is
// being bootstrapped. Wired to vmm.SetBlockAllocator until bringUpBuddy
// returns, at which point the real buddy-backed triple replaces it.
func earlyBlockAlloc(order uint8) (mem.PhysAddr, bool) {
	return reserver.Reserve(uint64(1) << order)
}

// earlyBlockFree and earlyBlockShrink are no-ops: the region reserver
// never reclaims memory (bootmem.Reserver's doc comment), so nothing
// allocated through earlyBlockAlloc is ever returned.
func earlyBlockFree(mem.PhysAddr, uint8)           {}
func earlyBlockShrink(mem.PhysAddr, uint8, uint64) {}

// buddyFrameAlloc adapts the buddy allocator's block interface to the
// single-page FrameAllocatorFn vmm's page-table setup uses.
func buddyFrameAlloc() (mem.PhysAddr, bool) {
	return buddyAlloc.AllocBlock(0)
}

// slabPageSource backs every slab.Cache in the kernel (the buddy
// allocator's own freelist-node pool, and every kmalloc size class)
// with one-page extensions of the KERNEL_SLAB virtual zone. It is
// registered with buddy.Init and kmalloc.Init unchanged across the
// early/late frame-allocator switch: what changes underneath it is only
// which allocator vmm.Extend's BlockAllocatorFn routes through.
func slabPageSource() (mem.VirtAddr, bool) {
	addr, err := vmm.Extend(vmm.KernelSlab, 1, vmm.AllowWrite)
	return addr, err == nil
}

// Alloc services a small-object allocation request through kmalloc.
func Alloc(size uint16) (mem.VirtAddr, bool) {
	return kmallocAlloc.Alloc(size)
}

// Free returns ptr, previously returned by Alloc, to its owning cache.
func Free(ptr mem.VirtAddr) {
	kmallocAlloc.Free(ptr)
}

// AllocPage hands out a single physical page from the lock-free
// freelist, falling back to a fresh order-0 buddy block when the
// freelist is empty.
func AllocPage() (mem.PhysAddr, bool) {
	if addr, ok := pageFreelist.AllocPage(); ok {
		return addr, true
	}
	return buddyAlloc.AllocBlock(0)
}

// FreePage returns a single physical page to the lock-free freelist.
func FreePage(addr mem.PhysAddr) {
	pageFreelist.FreePage(addr)
}

// MetaTable returns the process-wide page-metadata table singleton.
func MetaTable() *page.Table {
	return metaTable
}

// Buddy returns the process-wide buddy allocator singleton.
func Buddy() *buddy.Allocator {
	return buddyAlloc
}
