package vmm

import (
	"vmos/kernel"
	"vmos/kernel/mm"
	"vmos/kernel/mm/mmu"
)

var errNotMapped = &kernel.Error{Module: "vmm", Message: "address range is not mapped"}

// ReadAt copies len(p) bytes starting at virtual address addr into p,
// resolving translations through the window owning addr. Lazily backed
// pages are materialized through the fault path on the way.
func (m *Manager) ReadAt(p []byte, addr uintptr) *kernel.Error {
	return m.walk(addr, uintptr(len(p)), 0, func(dst []byte, off uintptr) {
		copy(p[off:], dst)
	})
}

// WriteAt copies p to virtual address addr, faulting in lazily backed pages
// as it goes.
func (m *Manager) WriteAt(p []byte, addr uintptr) *kernel.Error {
	return m.walk(addr, uintptr(len(p)), FaultWrite, func(dst []byte, off uintptr) {
		copy(dst, p[off:])
	})
}

// walk visits [addr, addr+size) one page at a time, handing the frame bytes
// behind each covered chunk and its offset inside the buffer to fn. A page
// without a translation gets one chance to resolve through the fault path
// before the walk fails.
func (m *Manager) walk(addr, size uintptr, access FaultAccess, fn func(chunk []byte, off uintptr)) *kernel.Error {
	if size == 0 {
		return nil
	}

	_, ctx, err := m.spaceFor(addr)
	if err != nil {
		return err
	}

	for off := uintptr(0); off < size; {
		cur := addr + off
		page := mm.PageFromAddress(cur)

		frame, ok := m.mmu.Translate(ctx.dir, page)
		if !ok {
			if !m.Fault(cur, access) {
				return errNotMapped
			}
			if frame, ok = m.mmu.Translate(ctx.dir, page); !ok {
				return errNotMapped
			}
		}

		if access&FaultWrite != 0 && !m.mmu.ReadFlags(ctx.dir, page).Has(mmu.FlagRW) {
			return errNotMapped
		}

		pageOff := cur - page.Address()
		chunk := mm.PageSize - pageOff
		if remain := size - off; chunk > remain {
			chunk = remain
		}

		fn(m.frameBytes(frame)[pageOff:pageOff+chunk], off)
		off += chunk
	}

	return nil
}
