// Package kernel provides the error and fatal-condition primitives shared by
// every kernel subsystem.
package kernel

// Error describes a kernel error. Kernel errors are defined as global
// variables that are pointers to the Error structure so that hot paths can
// return them without allocating.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
