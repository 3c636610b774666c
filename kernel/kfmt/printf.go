// Package kfmt provides the formatted logging facilities used by the kernel
// subsystems. Output is buffered into a ring buffer until an output sink is
// installed via SetOutputSink.
package kfmt

import (
	"fmt"
	"io"
	"sync"
)

var (
	outputMu sync.Mutex

	// earlyPrintBuffer captures Printf output emitted before an output
	// sink is installed.
	earlyPrintBuffer ringBuffer

	// outputSink is the io.Writer where Printf sends its output. If nil,
	// output is redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the target for calls to Printf to w and drains any data
// accumulated in the early print buffer into it. Passing nil reverts output
// to the early print buffer.
func SetOutputSink(w io.Writer) {
	outputMu.Lock()
	defer outputMu.Unlock()

	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats its arguments and writes the result to the installed output
// sink. It is safe for concurrent use.
func Printf(format string, args ...interface{}) {
	outputMu.Lock()
	defer outputMu.Unlock()

	if outputSink == nil {
		fmt.Fprintf(&earlyPrintBuffer, format, args...)
		return
	}

	fmt.Fprintf(outputSink, format, args...)
}

// ModulePrinter returns a Printf-like function that tags each output line
// with the supplied module name. Kernel subsystems use it to obtain their
// log function.
func ModulePrinter(module string) func(format string, args ...interface{}) {
	w := &PrefixWriter{Sink: sinkWriter{}, Prefix: []byte("[" + module + "] ")}

	return func(format string, args ...interface{}) {
		outputMu.Lock()
		defer outputMu.Unlock()

		fmt.Fprintf(w, format, args...)
	}
}

// sinkWriter forwards writes to whichever output sink is currently
// installed. It lets PrefixWriter instances survive sink changes.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}

	return outputSink.Write(p)
}
