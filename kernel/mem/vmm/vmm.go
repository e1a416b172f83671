// Package vmm implements spec.md §4.5: the four-level x86-64 virtual
// memory manager sitting on top of the buddy and slab layers, with
// page-table-entry provenance so the bootstrap cycle between vmm and
// the buddy allocator can be broken (see Init).
package vmm

import (
	"talus/kernel"
)

// Init wires up the boot address space: the currently active PML4 (the
// one the bootloader handed off with) gets its shared PDPTs, kernel
// window, and zone page tables installed via InitAddressSpace, using
// earlyAlloc for every page-table frame this needs since the buddy
// allocator does not exist yet at this point in boot (spec.md §9's
// bootstrap-cycle note: the buddy's own freelist-node pool is backed by
// slab-allocated virtual memory, which in turn needs vmm already
// working). Call SetEarlyFrameAllocator before calling Init, and
// SetFrameAllocator/SetBlockAllocator once the buddy allocator comes up
// later in boot so Map, Extend and Shrink stop routing through it.
func Init() *kernel.Error {
	pml4Phys := currentPML4Fn()
	return InitAddressSpace(pml4Phys, AllocEarly)
}
