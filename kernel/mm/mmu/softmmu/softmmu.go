// Package softmmu provides a software implementation of the mmu contract.
// Directories are modelled as sparse page-to-frame translation maps, which
// is enough to run the full virtual memory manager hosted: mappings,
// protection changes, directory switches and physical views all behave like
// their hardware counterparts minus the TLB.
package softmmu

import (
	"sync"

	"vmos/kernel"
	"vmos/kernel/kfmt"
	"vmos/kernel/mm"
	"vmos/kernel/mm/mmu"
)

// pte is one software page-table entry. The frame association survives flag
// changes, mirroring hardware entries where the address bits and the
// protection bits are independent.
type pte struct {
	frame mm.Frame
	flags mmu.Flags
}

// directory is the softmmu page-directory representation. It only stores
// user-window translations; the kernel window lives in a single store
// shared by all directories, the software analogue of every directory
// pointing at the same kernel page tables.
type directory struct {
	mmu.DirectoryBase

	entries   map[mm.Page]pte
	destroyed bool
}

// MMU implements the mmu.MMU contract in software.
type MMU struct {
	mu sync.Mutex

	kernelStart, kernelEnd uintptr

	// kernelEntries holds the kernel-window translations shared by
	// every directory.
	kernelEntries map[mm.Page]pte

	active *directory

	// Counters exposed for white-box verification of shootdown and
	// invalidation behavior.
	loads        uint64
	rangeFlushes uint64
}

var _ mmu.MMU = (*MMU)(nil)

// New returns a software MMU that treats [kernelStart, kernelEnd) as the
// shared kernel window.
func New(kernelStart, kernelEnd uintptr) *MMU {
	return &MMU{
		kernelStart:   kernelStart,
		kernelEnd:     kernelEnd,
		kernelEntries: make(map[mm.Page]pte),
	}
}

// dirOf unwraps a mmu.Directory handle, treating foreign or destroyed
// directories as fatal corruption.
func (m *MMU) dirOf(dir mmu.Directory) *directory {
	d, ok := dir.(*directory)
	if !ok || d == nil {
		kfmt.Panic(&kernel.Error{Module: "softmmu", Message: "foreign page directory handle"})
	}
	if d.destroyed {
		kfmt.Panic(&kernel.Error{Module: "softmmu", Message: "use of destroyed page directory"})
	}
	return d
}

// entriesFor routes a page to the store owning its translation: the shared
// kernel store for kernel-window pages, the directory's own map otherwise.
// The caller must hold m.mu.
func (m *MMU) entriesFor(dir mmu.Directory, page mm.Page) map[mm.Page]pte {
	d := m.dirOf(dir)
	if addr := page.Address(); addr >= m.kernelStart && addr < m.kernelEnd {
		return m.kernelEntries
	}
	return d.entries
}

// Map installs a single page-to-frame translation in dir. Kernel-window
// translations become visible through every directory at once.
func (m *MMU) Map(dir mmu.Directory, page mm.Page, frame mm.Frame, flags mmu.Flags) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entriesFor(dir, page)[page] = pte{frame: frame, flags: flags}
}

// Unmap removes the translation for page from dir.
func (m *MMU) Unmap(dir mmu.Directory, page mm.Page) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entriesFor(dir, page), page)
}

// SetFlags rewrites the protection flags of an existing translation keeping
// its frame association intact. It returns false if page is not mapped.
func (m *MMU) SetFlags(dir mmu.Directory, page mm.Page, flags mmu.Flags) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.entriesFor(dir, page)
	entry, exists := entries[page]
	if !exists {
		return false
	}

	entry.flags = flags
	entries[page] = entry
	return true
}

// ReadFlags returns the flags for page or 0 if no translation exists.
func (m *MMU) ReadFlags(dir mmu.Directory, page mm.Page) mmu.Flags {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.entriesFor(dir, page)[page].flags
}

// Translate returns the frame that page maps to.
func (m *MMU) Translate(dir mmu.Directory, page mm.Page) (mm.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entriesFor(dir, page)[page]
	if !exists {
		return mm.InvalidFrame, false
	}
	return entry.frame, true
}

// InvalidateRange records a translation-cache flush request. The software
// MMU has no TLB; the counter exists so tests can assert that the vmm
// issues invalidations where the contract requires them.
func (m *MMU) InvalidateRange(start, end uintptr) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rangeFlushes++
}

// Load makes dir the active directory. Loading the active directory again
// is a no-op.
func (m *MMU) Load(dir mmu.Directory) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.dirOf(dir)
	if m.active == d {
		return
	}

	m.active = d
	m.loads++
}

// ActiveDirectory returns the directory installed by the last Load call.
func (m *MMU) ActiveDirectory() mmu.Directory {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active == nil {
		return nil
	}
	return m.active
}

// NewDirectory allocates a fresh directory with an empty user window.
func (m *MMU) NewDirectory() (mmu.Directory, *kernel.Error) {
	return &directory{entries: make(map[mm.Page]pte)}, nil
}

// DestroyDirectory releases dir. Destroying the active directory is a fatal
// condition, as the executing CPU would be left without translations. The
// shared kernel window is unaffected.
func (m *MMU) DestroyDirectory(dir mmu.Directory) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.dirOf(dir)
	if d == m.active {
		kfmt.Panic(&kernel.Error{Module: "softmmu", Message: "attempt to destroy the active page directory"})
	}

	d.entries = nil
	d.destroyed = true
}

// CopyKernelMappings links the kernel window into dst. The softmmu shares
// one kernel store between all directories, so there is nothing to copy;
// only the handle check remains.
func (m *MMU) CopyKernelMappings(dst mmu.Directory) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dirOf(dst)
}

// MapPhysical returns an identity view address for a run of frames. The
// software MMU behaves like an architecture with a permanent direct
// physical map, so this is a plain address translation.
func (m *MMU) MapPhysical(frame mm.Frame, frameCount int) uintptr {
	return frame.Address()
}

// UnmapPhysical is a no-op: the direct physical view is permanent.
func (m *MMU) UnmapPhysical(addr uintptr, frameCount int) {}

// Loads returns the number of directory switches performed so far.
func (m *MMU) Loads() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.loads
}

// RangeFlushes returns the number of InvalidateRange calls issued so far.
func (m *MMU) RangeFlushes() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.rangeFlushes
}
