package vmm

import (
	"vmos/kernel"
	"vmos/kernel/mm"
	"vmos/kernel/mm/mmu"
)

// Map reserves a size-byte range and returns its base address. A zero addr
// requests a kernel-window allocation at the lowest free gap; a non-zero
// addr is a placement hint resolved against the window owning it. With
// FlagFixed the hint must be honored exactly or the call fails. With
// FlagAllocateNow a kernel-window range is backed immediately with zeroed
// frames; user-window pages always materialize through the fault path on
// first access.
func (m *Manager) Map(addr, size uintptr, vflags Flags, mflags mmu.Flags) (uintptr, *kernel.Error) {
	return m.mapRange(addr, size, vflags, mflags, nil)
}

// MapFile reserves a size-byte range whose pages materialize from backing on
// first access. The backing content is read page by page through the fault
// path; pages never touched never cost a frame.
func (m *Manager) MapFile(addr, size uintptr, backing FileMapper, mflags mmu.Flags) (uintptr, *kernel.Error) {
	return m.mapRange(addr, size, FlagFile, mflags, backing)
}

func (m *Manager) mapRange(addr, size uintptr, vflags Flags, mflags mmu.Flags, backing FileMapper) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errZeroSize
	}
	size = mm.PageAlignUp(size)
	addr = mm.PageAlignDown(addr)

	if addr == 0 {
		if vflags.Has(FlagFixed) {
			return 0, errFixedMismatch
		}
		addr = m.kernelSpace.start
	}

	sp, ctx, err := m.spaceFor(addr)
	if err != nil {
		return 0, err
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	place := sp.findFree(addr, size)
	if place == 0 {
		return 0, errNoFreeRange
	}
	if vflags.Has(FlagFixed) && place != addr {
		return 0, errFixedMismatch
	}

	r := m.arena.createRange(place, place+size, vflags, mflags)
	r.Backing = backing
	sp.insertRange(r)

	// Eager backing is a kernel-space affair: user pages stay unbacked
	// until the first fault regardless of FlagAllocateNow.
	if vflags.Has(FlagAllocateNow) && sp == m.kernelSpace {
		if err = m.backRange(ctx, r); err != nil {
			m.updateLocked(sp, ctx, place, place+size, opProtect, mmu.FlagPresent|mmu.FlagRW)
			m.updateLocked(sp, ctx, place, place+size, opFree, 0)
			return 0, err
		}
	}

	return place, nil
}

// backRange eagerly maps a zeroed frame behind every page of r. On
// allocation failure the pages mapped so far stay in place; the caller
// unwinds them with a free pass.
func (m *Manager) backRange(ctx *Context, r *Range) *kernel.Error {
	effective := r.MFlags | mmu.FlagPresent

	for page := mm.PageFromAddress(r.Start); page.Address() < r.End; page++ {
		frame, err := mm.AllocFrame()
		if err != nil {
			return err
		}
		m.mmu.Map(ctx.dir, page, frame, effective)
	}

	return nil
}

// Unmap releases [addr, addr+size): protections are first normalized to
// present+writable so the free pass can tell owned frames from aliases,
// then every covered page is unmapped, owned frames are returned to the
// allocator and the covered portions leave the range list. Unmapping a gap
// is a no-op.
func (m *Manager) Unmap(addr, size uintptr) *kernel.Error {
	if size == 0 {
		return errZeroSize
	}
	addr = mm.PageAlignDown(addr)
	size = mm.PageAlignUp(size)

	sp, ctx, err := m.spaceFor(addr)
	if err != nil {
		return err
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	m.updateLocked(sp, ctx, addr, addr+size, opProtect, mmu.FlagPresent|mmu.FlagRW)
	m.updateLocked(sp, ctx, addr, addr+size, opFree, 0)

	return nil
}

// Protect rewrites the protection flags of every present page in
// [addr, addr+size) and records the new flags on the covered ranges,
// splitting partially covered ones. Future lazy faults in the window use
// the new flags.
func (m *Manager) Protect(addr, size uintptr, mflags mmu.Flags) *kernel.Error {
	if size == 0 {
		return errZeroSize
	}
	addr = mm.PageAlignDown(addr)
	size = mm.PageAlignUp(size)

	sp, ctx, err := m.spaceFor(addr)
	if err != nil {
		return err
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	m.updateLocked(sp, ctx, addr, addr+size, opProtect, mflags)

	return nil
}

// Validate reports whether [addr, addr+size) may be accessed under the
// requested mode. The buffer must lie inside a single window and be covered
// by ranges with no gaps. Without ValidateStrict the check is permissive:
// range attributes decide, so lazily backed pages pass. With ValidateStrict
// every page must additionally be present with satisfying hardware flags.
func (m *Manager) Validate(addr, size uintptr, want ValidateFlags) bool {
	if size == 0 {
		return true
	}

	start := mm.PageAlignDown(addr)
	end := mm.PageAlignUp(addr + size)

	sp, ctx, err := m.spaceFor(start)
	if err != nil {
		return false
	}
	if end > sp.end {
		return false
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	needWrite := want&ValidateReadOnly == 0

	cur := start
	r := sp.rangeCovering(cur)
	for {
		if r == nil {
			return false
		}

		if want&ValidateUser != 0 && !r.MFlags.Has(mmu.FlagUser) {
			return false
		}
		if needWrite && !r.MFlags.Has(mmu.FlagRW) {
			return false
		}

		if want&ValidateStrict != 0 {
			stop := r.End
			if end < stop {
				stop = end
			}
			for page := mm.PageFromAddress(cur); page.Address() < stop; page++ {
				flags := m.mmu.ReadFlags(ctx.dir, page)
				if !flags.Has(mmu.FlagPresent) {
					return false
				}
				if want&ValidateUser != 0 && !flags.Has(mmu.FlagUser) {
					return false
				}
				if needWrite && !flags.Has(mmu.FlagRW) {
					return false
				}
			}
		}

		cur = r.End
		if cur >= end {
			return true
		}
		if r.next == handleNone {
			return false
		}
		next := sp.rng(r.next)
		if next.Start != cur {
			return false
		}
		r = next
	}
}
