package vmm

import (
	"vmos/kernel/kfmt"
	"vmos/kernel/mm"
	"vmos/kernel/mm/mmu"
)

// updateOp selects what the update engine does to the pages it visits.
type updateOp int

const (
	// opProtect rewrites the protection flags of every present page in
	// the window and records the new flags on the affected ranges.
	opProtect updateOp = iota

	// opFree unmaps every page in the window, returns owned frames to
	// the allocator and removes the covered portions from the range
	// list.
	opFree
)

var printkErr = kfmt.ModulePrinter("vmm")

// updateLocked applies op to the intersection of [start, end) with every
// range in sp, splitting partially covered ranges so that each surviving
// record describes pages with uniform attributes. Four coverage shapes are
// handled per range: whole, prefix, suffix and middle. The caller must hold
// the space mutex; start and end must be page-aligned.
func (m *Manager) updateLocked(sp *Space, ctx *Context, start, end uintptr, op updateOp, flags mmu.Flags) {
	for h := sp.head; h != handleNone; {
		r := sp.rng(h)
		next := r.next

		if r.Start >= end {
			break
		}
		if r.End <= start {
			h = next
			continue
		}

		ovStart, ovEnd := r.Start, r.End
		if start > ovStart {
			ovStart = start
		}
		if end < ovEnd {
			ovEnd = end
		}

		switch op {
		case opProtect:
			// A range already carrying the requested protection is
			// left intact; splitting it would fragment the list
			// into same-flagged records.
			if r.MFlags == flags {
				break
			}

			// Carve off the uncovered prefix and suffix so the
			// new flags land on a record that exactly spans the
			// covered pages. Shrinking r before inserting the
			// carved piece keeps the list overlap-free at every
			// step.
			if ovStart > r.Start {
				pre := m.arena.createRange(r.Start, ovStart, r.VFlags, r.MFlags)
				pre.Backing = r.Backing
				r.Start = ovStart
				sp.insertRange(pre)
			}
			if ovEnd < r.End {
				post := m.arena.createRange(ovEnd, r.End, r.VFlags, r.MFlags)
				post.Backing = r.Backing
				r.End = ovEnd
				sp.insertRange(post)
			}

			r.MFlags = flags
			for page := mm.PageFromAddress(ovStart); page.Address() < ovEnd; page++ {
				m.mmu.SetFlags(ctx.dir, page, flags)
			}
		case opFree:
			m.releaseRangePages(ctx, r, ovStart, ovEnd)

			switch {
			case ovStart == r.Start && ovEnd == r.End:
				sp.unlink(r)
				m.arena.destroyRange(r)
			case ovStart == r.Start:
				r.Start = ovEnd
			case ovEnd == r.End:
				r.End = ovStart
			default:
				post := m.arena.createRange(ovEnd, r.End, r.VFlags, r.MFlags)
				post.Backing = r.Backing
				r.End = ovStart
				sp.insertRange(post)
			}
		}

		h = next
	}

	m.flushRange(start, end)
}

// releaseRangePages unmaps every present page of r inside [start, end).
// A frame is returned to the allocator only when the range can own frames
// (neither device nor file backed) and the page still carries the full
// present+writable protection; the normalization pass that precedes a free
// guarantees this for every page the caller intends to release. Frame
// release failures (for example a double free of a frame aliased by a
// shared clone) are logged and the unmap continues.
func (m *Manager) releaseRangePages(ctx *Context, r *Range, start, end uintptr) {
	owns := !r.VFlags.HasAny(FlagDevice | FlagFile)

	for page := mm.PageFromAddress(start); page.Address() < end; page++ {
		flags := m.mmu.ReadFlags(ctx.dir, page)
		if !flags.Has(mmu.FlagPresent) {
			continue
		}

		if owns && flags.Has(mmu.FlagPresent|mmu.FlagRW) {
			if frame, ok := m.mmu.Translate(ctx.dir, page); ok {
				if err := mm.FreeFrame(frame); err != nil {
					printkErr("cannot release frame %#x: %s\n", frame.Address(), err.Message)
				}
			}
		}

		m.mmu.Unmap(ctx.dir, page)
	}
}

// flushRange drops local translations for [start, end) and broadcasts the
// invalidation to the other attached CPUs.
func (m *Manager) flushRange(start, end uintptr) {
	m.mmu.InvalidateRange(start, end)
	m.shooter.Broadcast(start, end)
}
