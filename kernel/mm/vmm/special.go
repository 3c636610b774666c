package vmm

import (
	"vmos/kernel/kfmt"
	"vmos/kernel/mm"
	"vmos/kernel/mm/mmu"
)

// deviceFlags is the protection applied to MMIO and DMA windows: writable
// kernel-only mappings with caching disabled.
const deviceFlags = mmu.FlagPresent | mmu.FlagRW | mmu.FlagUncached

// MapMMIO maps size bytes of device memory starting at the given physical
// frame into the kernel window and returns the virtual base. Drivers call
// this during early bring-up where no fallback exists, so failure is fatal.
func (m *Manager) MapMMIO(frame mm.Frame, size uintptr) uintptr {
	size = mm.PageAlignUp(size)

	addr := m.mapDeviceRange(frame, size)

	m.statsMu.Lock()
	m.mmioBytes += size
	m.statsMu.Unlock()

	return addr
}

// UnmapMMIO releases a window obtained from MapMMIO. The device frames
// behind it are not owned by the allocator and stay untouched.
func (m *Manager) UnmapMMIO(addr, size uintptr) {
	size = mm.PageAlignUp(size)

	if err := m.Unmap(addr, size); err != nil {
		kfmt.Panic(err)
	}

	m.statsMu.Lock()
	m.mmioBytes -= size
	m.statsMu.Unlock()
}

// MapDMA allocates size bytes of physically contiguous memory, maps it
// uncached into the kernel window and returns both the virtual base and the
// first backing frame for programming the device. Failure is fatal.
func (m *Manager) MapDMA(size uintptr) (uintptr, mm.Frame) {
	size = mm.PageAlignUp(size)

	frame, err := mm.AllocFrameRun(int(size >> mm.PageShift))
	if err != nil {
		kfmt.Panic(err)
	}

	addr := m.mapDeviceRange(frame, size)

	m.statsMu.Lock()
	m.dmaBytes += size
	m.statsMu.Unlock()

	return addr, frame
}

// UnmapDMA releases a window obtained from MapDMA. The contiguous frame run
// stays allocated: a device may still hold the physical address, so the
// frames are deliberately never returned.
func (m *Manager) UnmapDMA(addr, size uintptr) {
	size = mm.PageAlignUp(size)

	if err := m.Unmap(addr, size); err != nil {
		kfmt.Panic(err)
	}

	m.statsMu.Lock()
	m.dmaBytes -= size
	m.statsMu.Unlock()
}

// mapDeviceRange reserves a kernel-window range flagged as device memory
// and points its pages at the physical frames starting at frame.
func (m *Manager) mapDeviceRange(frame mm.Frame, size uintptr) uintptr {
	addr, err := m.Map(0, size, FlagDevice, deviceFlags)
	if err != nil {
		kfmt.Panic(err)
	}

	dir := m.kernelCtx.dir
	page := mm.PageFromAddress(addr)
	for i := uintptr(0); i < size>>mm.PageShift; i++ {
		m.mmu.Map(dir, page+mm.Page(i), frame+mm.Frame(i), deviceFlags)
	}
	m.flushRange(addr, addr+size)

	return addr
}
