// Package kernel contains the types and helpers shared by every kernel
// subsystem.
package kernel

// Error describes a kernel error. All kernel errors are defined as
// package-level variables holding a pointer to an Error value. This
// requirement stems from the fact that the Go allocator is not available
// to us until the memory management core has finished bootstrapping, so
// we cannot use errors.New or fmt.Errorf to mint errors on demand.
type Error struct {
	// Module is the subsystem that generated the error.
	Module string

	// Message is a short, human readable description of the error.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Module + ": " + e.Message
}
