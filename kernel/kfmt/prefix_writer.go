package kfmt

import (
	"bytes"
	"io"
)

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. Subsystems use it to tag their log
// output with a module name (e.g. "[vmm] ").
type PrefixWriter struct {
	// Sink is the writer where all writes get sent to.
	Sink io.Writer

	// Prefix is injected at the beginning of each line.
	Prefix []byte

	// midLine tracks whether the last write ended in the middle of a
	// line, in which case the next write must not emit the prefix.
	midLine bool
}

// Write writes len(p) bytes from p to the underlying sink injecting the
// configured prefix at the start of each line. The injected prefix is not
// included in the returned byte count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written int

	for len(p) != 0 {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		chunk := p
		if nl := bytes.IndexByte(p, '\n'); nl != -1 {
			chunk = p[:nl+1]
			w.midLine = false
		}

		n, err := w.Sink.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		if w.midLine {
			// No newline found; the whole remainder was written.
			return written, nil
		}

		p = p[len(chunk):]
	}

	return written, nil
}
