package vmm

// Flags describes the vmm-level intent of a mapped range, as opposed to the
// mmu-level protection flags that describe how its pages are programmed
// into the page tables.
type Flags uint32

const (
	// FlagAllocateNow requests physical backing for the range: eagerly
	// at map time for kernel-window mappings, lazily on first fault for
	// user-window mappings.
	FlagAllocateNow Flags = 1 << iota

	// FlagFixed requires the mapping to be placed exactly at the
	// supplied address hint; the map fails otherwise.
	FlagFixed

	// FlagFile marks a range whose non-present pages are populated from
	// a backing object instead of anonymous memory. Frames belonging to
	// file ranges are never returned to the physical allocator by the
	// range engine.
	FlagFile

	// FlagShared marks a range whose physical pages are shared between
	// contexts when cloning.
	FlagShared

	// FlagDevice marks device memory (MMIO, DMA, framebuffers). Device
	// frames are never copied on clone and never returned to the
	// physical allocator.
	FlagDevice
)

// Has returns true if fl has all the bits of want set.
func (fl Flags) Has(want Flags) bool {
	return fl&want == want
}

// HasAny returns true if fl has at least one of the bits of want set.
func (fl Flags) HasAny(want Flags) bool {
	return fl&want != 0
}

// ValidateFlags control how Validate matches a pointer range against the
// protection of its covering ranges.
type ValidateFlags uint32

const (
	// ValidateUser requires the extent to be user-accessible.
	ValidateUser ValidateFlags = 1 << iota

	// ValidateReadOnly requires (strict mode) or tolerates (permissive
	// mode) a read-only extent.
	ValidateReadOnly

	// ValidateStrict switches from permissive superset matching to
	// exact matching of the requested properties.
	ValidateStrict
)
