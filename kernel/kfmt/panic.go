package kfmt

import (
	"vmos/kernel"
)

var (
	// haltFn is invoked after a panic message has been emitted. It is
	// mocked by tests; the default implementation raises a Go runtime
	// panic so that unrecoverable kernel errors surface to the host.
	haltFn = defaultHalt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error to the installed output sink and halts.
// Calls to Panic never return. It is the shared fatal-error reporting path
// for conditions where the kernel considers its internal state
// untrustworthy.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	haltFn(err)
}

func defaultHalt(err *kernel.Error) {
	if err != nil {
		panic("kernel panic: [" + err.Module + "] " + err.Message)
	}

	panic("kernel panic")
}
