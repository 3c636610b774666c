// Package mmu specifies the contract between the virtual memory manager and
// the architecture-specific page-table code. The bit layout of page-table
// entries and the mechanics of installing a translation belong to the
// implementation; the vmm only relies on the operations declared here.
package mmu

import (
	"vmos/kernel"
	"vmos/kernel/mm"
)

// Flags describes the hardware protection flags that can be applied to a
// page mapping. The values used here are the vmm's portable encoding; an
// implementation translates them to its native page-table entry bits.
type Flags uintptr

const (
	// FlagPresent marks a page as present in memory. Absence of this
	// flag on a read means the page is not mapped.
	FlagPresent Flags = 1 << iota

	// FlagRW marks a page as writable. Read-only is the default.
	FlagRW

	// FlagUser marks a page as accessible from user mode. Kernel-only
	// is the default.
	FlagUser

	// FlagNoExecute marks a page as non-executable.
	FlagNoExecute

	// FlagUncached disables caching for a page. Required for MMIO and
	// DMA mappings.
	FlagUncached

	// FlagGlobal marks a mapping as shared across all directories.
	FlagGlobal
)

// Has returns true if fl has all the bits of want set.
func (fl Flags) Has(want Flags) bool {
	return fl&want == want
}

// HasAny returns true if fl has at least one of the bits of want set.
func (fl Flags) HasAny(want Flags) bool {
	return fl&want != 0
}

// Directory represents a hardware page-table directory. The vmm treats
// directories as opaque handles; only the MMU implementation that created a
// directory may look inside it.
type Directory interface {
	directorySealed()
}

// DirectoryBase can be embedded by MMU implementations to satisfy the
// Directory interface.
type DirectoryBase struct{}

func (DirectoryBase) directorySealed() {}

// MMU is the set of per-architecture page-table primitives consumed by the
// virtual memory manager. All operations are synchronous and, with the
// exception of NewDirectory, cannot fail short of a fatal condition.
// Callers must pre-align all addresses to page boundaries.
type MMU interface {
	// Map installs a single page-to-frame translation in dir.
	Map(dir Directory, page mm.Page, frame mm.Frame, flags Flags)

	// Unmap marks the translation for page as non-present in dir.
	Unmap(dir Directory, page mm.Page)

	// SetFlags updates the protection flags of a present mapping. It
	// returns false if page is not mapped in dir.
	SetFlags(dir Directory, page mm.Page, flags Flags) bool

	// ReadFlags returns the flags of the mapping for page, or 0 if page
	// is not mapped in dir.
	ReadFlags(dir Directory, page mm.Page) Flags

	// Translate returns the physical frame that page maps to. The second
	// return value is false if page is not mapped in dir.
	Translate(dir Directory, page mm.Page) (mm.Frame, bool)

	// InvalidateRange flushes any cached translations for the virtual
	// address range [start, end) on the executing CPU.
	InvalidateRange(start, end uintptr)

	// Load makes dir the active directory on the executing CPU. Loading
	// the already-active directory is a no-op.
	Load(dir Directory)

	// ActiveDirectory returns the directory currently loaded on the
	// executing CPU.
	ActiveDirectory() Directory

	// NewDirectory allocates a fresh, empty directory.
	NewDirectory() (Directory, *kernel.Error)

	// DestroyDirectory releases a directory and the page-table pages it
	// owns. The directory must not be active on any CPU.
	DestroyDirectory(dir Directory)

	// CopyKernelMappings replicates the kernel-window mappings of the
	// currently active directory into dst.
	CopyKernelMappings(dst Directory)

	// MapPhysical returns a virtual address through which frameCount
	// frames starting at frame can be accessed directly. On
	// architectures with a permanent direct physical map this is a
	// cheap identity-like translation.
	MapPhysical(frame mm.Frame, frameCount int) uintptr

	// UnmapPhysical releases a temporary physical view established via
	// MapPhysical. It is a no-op on direct-map architectures.
	UnmapPhysical(addr uintptr, frameCount int)
}
