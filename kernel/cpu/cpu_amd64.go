// Package cpu exposes the handful of amd64 control-register and
// instruction-level primitives that the memory management core needs.
// The instruction set PIC/ISR dispatch relies on lives outside this
// package entirely; cpu only stands in for the paging-related machine
// instructions spec.md's VM manager touches directly.
package cpu

// Halt stops instruction execution. Used by kernel.Panic as the last
// step before giving up; never returns.
func Halt()

// ReadCR3 returns the physical address of the currently active PML4
// table.
func ReadCR3() uintptr

// WriteCR3 loads a new PML4 physical address into CR3, switching the
// active address space and implicitly flushing the non-global TLB
// entries.
func WriteCR3(pml4PhysAddr uintptr)

// FlushTLBEntry invalidates the TLB entry for a single virtual address
// via INVLPG.
func FlushTLBEntry(virtAddr uintptr)
