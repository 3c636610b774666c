package vmm

import (
	"vmos/kernel/mm"
	"vmos/kernel/mm/mmu"
)

// FaultAccess describes the access that raised a page fault.
type FaultAccess uint32

const (
	// FaultWrite marks a write access.
	FaultWrite FaultAccess = 1 << iota

	// FaultExecute marks an instruction fetch.
	FaultExecute
)

// Fault attempts to resolve a page fault at addr on the current context and
// reports whether the faulting access may be retried. Only user-window
// faults are resolvable: the kernel window is either eagerly backed or
// device-mapped, so a kernel fault is a genuine bug. A fault resolves when
// addr falls inside a non-device range that permits the access; a fresh
// zeroed frame is mapped, filled from the file backing when the range has
// one.
func (m *Manager) Fault(addr uintptr, access FaultAccess) bool {
	if addr < m.userStart || addr >= m.userEnd {
		return false
	}

	ctx := m.currentContext()
	sp := ctx.space

	sp.mu.Lock()
	defer sp.mu.Unlock()

	r := sp.rangeCovering(addr)
	if r == nil || r.VFlags.Has(FlagDevice) {
		return false
	}

	if access&FaultWrite != 0 && !r.MFlags.Has(mmu.FlagRW) {
		return false
	}
	if access&FaultExecute != 0 && r.MFlags.Has(mmu.FlagNoExecute) {
		return false
	}

	page := mm.PageFromAddress(addr)

	// A page mapped by another CPU between the fault and this lock makes
	// the fault spurious; retry the access as-is.
	if flags := m.mmu.ReadFlags(ctx.dir, page); flags.Has(mmu.FlagPresent) {
		if access&FaultWrite != 0 && !flags.Has(mmu.FlagRW) {
			return false
		}
		if access&FaultExecute != 0 && flags.Has(mmu.FlagNoExecute) {
			return false
		}
		return true
	}

	frame, err := mm.AllocFrame()
	if err != nil {
		return false
	}

	if r.VFlags.Has(FlagFile) && r.Backing != nil {
		if err = r.Backing.MapPage(page.Address()-r.Start, m.frameBytes(frame)); err != nil {
			printkErr("file backing failed for page %#x: %s\n", page.Address(), err.Message)
			if ferr := mm.FreeFrame(frame); ferr != nil {
				printkErr("cannot release frame %#x: %s\n", frame.Address(), ferr.Message)
			}
			return false
		}
	}

	m.mmu.Map(ctx.dir, page, frame, r.MFlags|mmu.FlagPresent)

	return true
}
