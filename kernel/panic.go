package kernel

import "talus/kernel/cpu"

var (
	// haltFn is swapped out by tests so Panic's halt path can be
	// exercised without actually stopping the test binary.
	haltFn = cpu.Halt

	// printFn is swapped out by tests. kmain.Kmain sets it to
	// kfmt.Printf through SetPrintFn; kernel does not import kfmt
	// itself, so until then the default is a no-op.
	printFn = func(string, ...interface{}) {}

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// SetPrintFn registers the function kernel.Panic uses to report the
// fatal error before halting. kmain wires this to kfmt.Printf during
// boot.
func SetPrintFn(fn func(format string, args ...interface{})) {
	printFn = fn
}

// Panic reports the supplied error (if any) and halts the CPU. Calls to
// Panic never return.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	printFn("\n-----------------------------------\n")
	if err != nil {
		printFn("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	printFn("*** kernel panic: system halted ***\n")
	printFn("-----------------------------------\n")

	haltFn()
}
