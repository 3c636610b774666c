package vmm

import (
	"fmt"
	"io"
	"sync"

	"vmos/kernel"
	"vmos/kernel/kfmt"
	"vmos/kernel/mm"
	"vmos/kernel/mm/mmu"
)

var (
	errRangeOutsideSpace = &kernel.Error{Module: "vmm", Message: "range does not fit the address space window"}
	errBrokenRangeLinks  = &kernel.Error{Module: "vmm", Message: "range list prev pointers do not match traversal order"}
)

// Space is an ordered set of non-overlapping byte ranges bounded by a fixed
// [start, end) virtual window. One space exists for the kernel window; each
// user context owns a private space covering the user window.
type Space struct {
	// mu serializes all structural mutation of the range list. The lock
	// is space-wide rather than per-range because splits and merges
	// routinely need neighbor awareness.
	mu sync.Mutex

	arena *rangeArena

	start, end uintptr

	head, tail RangeHandle
	rangeCount int
}

func newSpace(arena *rangeArena, start, end uintptr) *Space {
	return &Space{arena: arena, start: start, end: end}
}

// Bounds returns the [start, end) window of the space.
func (s *Space) Bounds() (uintptr, uintptr) {
	return s.start, s.end
}

// RangeCount returns the number of ranges tracked by the space.
func (s *Space) RangeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.rangeCount
}

// contains reports whether addr falls inside the space window.
func (s *Space) contains(addr uintptr) bool {
	return addr >= s.start && addr < s.end
}

// rng resolves a handle through the owning arena.
func (s *Space) rng(h RangeHandle) *Range {
	return s.arena.get(h)
}

// findFree locates the lowest free gap of at least size bytes at or above
// the hint, checking before the first range, between consecutive ranges and
// after the last range. It returns 0 when no gap is large enough. The
// caller must hold the space mutex.
func (s *Space) findFree(hint, size uintptr) uintptr {
	if hint == 0 {
		hint = s.start
	}

	if s.head == handleNone {
		if hint+size <= s.end && hint >= s.start {
			return hint
		}
		return 0
	}

	// Room before the first range?
	r := s.rng(s.head)
	if r.Start > hint && r.Start-hint >= size && hint >= s.start {
		return hint
	}

	// Walk the holes between consecutive ranges advancing the candidate
	// address past both the hint and every range end seen so far.
	addr := hint
	for {
		if r.End > addr {
			addr = r.End
		}

		if r.next == handleNone {
			break
		}
		next := s.rng(r.next)

		if next.Start > addr && next.Start-addr >= size {
			return addr
		}

		r = next
	}

	// Room after the last range?
	if addr+size <= s.end {
		return addr
	}

	return 0
}

// insertRange splices an unlinked record into its sorted position in the
// list. The record must fit the space window and must not overlap any
// existing range; violations mean the engine handed out a bad placement and
// are fatal. The caller must hold the space mutex.
func (s *Space) insertRange(r *Range) {
	r.Start = mm.PageAlignDown(r.Start)
	r.End = mm.PageAlignDown(r.End)
	if r.End <= r.Start {
		kfmt.Panic(errRangeBounds)
	}
	if r.Start < s.start || r.End > s.end {
		kfmt.Panic(errRangeOutsideSpace)
	}

	defer func() { s.rangeCount++ }()

	if s.head == handleNone {
		s.head = r.self
		s.tail = r.self
		return
	}

	// Before the current head?
	head := s.rng(s.head)
	if r.End <= head.Start {
		r.next = s.head
		head.prev = r.self
		s.head = r.self
		return
	}

	// Walk to the hole whose boundaries contain the new record.
	cur := head
	for cur.next != handleNone {
		next := s.rng(cur.next)
		if r.Start >= cur.End && r.End <= next.Start {
			r.next = cur.next
			r.prev = cur.self
			next.prev = r.self
			cur.next = r.self
			return
		}
		cur = next
	}

	// Append after the tail.
	if cur.End > r.Start {
		kfmt.Panic(errRangeOutsideSpace)
	}
	cur.next = r.self
	r.prev = cur.self
	s.tail = r.self
}

// unlink removes a record from the list without destroying it. The caller
// must hold the space mutex.
func (s *Space) unlink(r *Range) {
	if r.prev != handleNone {
		s.rng(r.prev).next = r.next
	} else {
		s.head = r.next
	}

	if r.next != handleNone {
		s.rng(r.next).prev = r.prev
	} else {
		s.tail = r.prev
	}

	r.prev = handleNone
	r.next = handleNone
	s.rangeCount--
}

// rangeCovering returns the range containing addr, or nil. The caller must
// hold the space mutex.
func (s *Space) rangeCovering(addr uintptr) *Range {
	for h := s.head; h != handleNone; {
		r := s.rng(h)
		if addr >= r.Start && addr < r.End {
			return r
		}
		if r.Start > addr {
			return nil
		}
		h = r.next
	}
	return nil
}

// RangeInfo is a copy of the public attributes of one tracked range.
type RangeInfo struct {
	Start, End uintptr
	VFlags     Flags
	MFlags     mmu.Flags
}

// Snapshot returns a copy of the range list in ascending order, verifying
// the prev/next linkage along the way. A linkage mismatch means the space
// bookkeeping is corrupted and is fatal.
func (s *Space) Snapshot() []RangeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

func (s *Space) snapshotLocked() []RangeInfo {
	var (
		out  []RangeInfo
		last RangeHandle
	)

	for h := s.head; h != handleNone; {
		r := s.rng(h)
		if r.prev != last {
			kfmt.Panic(errBrokenRangeLinks)
		}
		out = append(out, RangeInfo{Start: r.Start, End: r.End, VFlags: r.VFlags, MFlags: r.MFlags})
		last = h
		h = r.next
	}

	return out
}

// Dump writes a human-readable description of the space's ranges to w,
// verifying list integrity as it walks.
func (s *Space) Dump(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pw := &kfmt.PrefixWriter{Sink: w, Prefix: []byte("[vmm] ")}
	fmt.Fprintf(pw, "address space %#x - %#x (%d ranges)\n", s.start, s.end, s.rangeCount)
	for _, info := range s.snapshotLocked() {
		fmt.Fprintf(pw, "  range %#x - %#x (flags %#x mmu %#x)\n", info.Start, info.End, info.VFlags, info.MFlags)
	}
}
