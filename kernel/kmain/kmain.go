// Package kmain is the kernel's entry point: the only Go symbol the
// assembly boot stub calls into once it has set up a minimal stack.
package kmain

import (
	"talus/kernel"
	"talus/kernel/kfmt"
	"talus/kernel/mm"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain brings up the memory management core and never returns. The
// rt0 assembly stub passes the physical address of the bootloader's tag
// list and the physical extent of the kernel image itself, exactly as
// the boot loader hands them off before paging is enabled.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	kernel.SetPrintFn(kfmt.Printf)

	kfmt.Printf("starting talus\n")

	if err := mm.Init(multibootInfoPtr, kernelStart, kernelEnd); err != nil {
		kernel.Panic(err)
	}

	kfmt.Printf("memory management core online\n")

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead code and eliminating it.
	kernel.Panic(errKmainReturned)
}
