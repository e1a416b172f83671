package vmm

import (
	"talus/kernel"
	"talus/kernel/mem"
)

// Paging level shifts: level 0 is the PML4, level 3 is the leaf PT.
// Each level indexes 9 bits of the virtual address, starting at bit 12.
const (
	shiftPML4 = mem.PageShift + 27
	shiftPDPT = mem.PageShift + 18
	shiftPDT  = mem.PageShift + 9
	shiftPT   = mem.PageShift

	levelIndexMask = 0x1FF
)

var levelShifts = [4]uint{shiftPML4, shiftPDPT, shiftPDT, shiftPT}

var (
	// ErrUnmapped is returned when an address has no mapping at the
	// requested page-table level.
	ErrUnmapped = &kernel.Error{Module: "vmm", Message: "address is not mapped"}

	// ErrPrivilege is returned when an existing mapping does not grant
	// the access a caller asked for (e.g. requesting write access to a
	// read-only entry).
	ErrPrivilege = &kernel.Error{Module: "vmm", Message: "mapping does not permit the requested access"}
)

// levelIndex extracts the 9-bit index into the paging structure at the
// given level for a virtual address.
func levelIndex(addr mem.VirtAddr, level uint8) uintptr {
	return (uintptr(addr) >> levelShifts[level]) & levelIndexMask
}

// checkStatus reports whether entry satisfies flags, mirroring
// vm_check_status: an absent entry is always ErrUnmapped; a present
// entry that cannot satisfy a requested write or user-mode access is
// ErrPrivilege.
func checkStatus(entry pte, flags Flag) *kernel.Error {
	if !entry.hasFlags(entryPresent) {
		return ErrUnmapped
	}
	if flags&AllowWrite != 0 && !entry.hasFlags(entryWritable) {
		return ErrPrivilege
	}
	if flags&AllowUser != 0 && !entry.hasFlags(entryUser) {
		return ErrPrivilege
	}
	return nil
}

// traverseWithStatus follows addr's index at each of the top depth
// paging levels (depth=3 starts at the PML4 and walks to the PT, depth=2
// stops one level short of the PT, etc.), checking flags against each
// entry visited along the way. It returns the table at the level where
// it stopped, the number of levels left unwalked (0 on success), and the
// first error encountered (nil if every visited entry satisfied flags).
//
// Unlike the teacher's walk, which dereferences entries through a
// recursively self-mapped virtual address (trading away one PML4 slot
// everywhere, permanently), this dereferences each next-level table
// directly through the kernel's physical identity window. That only
// works because every page table this package allocates is forced to
// live in the first 2GiB of physical memory (see Init), which a
// recursive mapping does not require but this design does.
func traverseWithStatus(pml4 *table, addr mem.VirtAddr, flags Flag, depth uint8) (*table, uint8, *kernel.Error) {
	current := pml4
	level := uint8(0)

	for depth > 0 {
		idx := levelIndex(addr, level)
		entry := current.entries[idx]

		if err := checkStatus(entry, flags); err != nil {
			return current, depth, err
		}

		current = tableAt(entry.frame())
		level++
		depth--
	}

	return current, depth, nil
}
