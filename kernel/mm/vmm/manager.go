// Package vmm implements the virtual memory manager: per-space range
// tracking with split/merge semantics, context lifecycle, the MMIO/DMA
// mapping helpers and cross-CPU translation-cache coherence. It sits on top
// of the mmu primitive contract and the mm frame-allocator hooks.
package vmm

import (
	"sync"

	"vmos/kernel"
	"vmos/kernel/kfmt"
	"vmos/kernel/mm"
	"vmos/kernel/mm/mmu"
)

var (
	errBadWindow      = &kernel.Error{Module: "vmm", Message: "kernel and user windows must be page-aligned, non-empty and disjoint"}
	errNoMMU          = &kernel.Error{Module: "vmm", Message: "an mmu implementation is required"}
	errAddrOutside    = &kernel.Error{Module: "vmm", Message: "address belongs to neither the kernel nor the user window"}
	errNoFreeRange    = &kernel.Error{Module: "vmm", Message: "no free range large enough in target address space"}
	errFixedMismatch  = &kernel.Error{Module: "vmm", Message: "fixed-address hint cannot be satisfied"}
	errZeroSize       = &kernel.Error{Module: "vmm", Message: "mapping size must be positive"}
	errKernelContext  = &kernel.Error{Module: "vmm", Message: "the kernel context cannot be destroyed"}
	errCloneNotActive = &kernel.Error{Module: "vmm", Message: "only the active context can be cloned"}
)

// Config carries the collaborators and window geometry for a Manager.
type Config struct {
	// MMU is the architecture page-table implementation.
	MMU mmu.MMU

	// FrameBytes exposes the backing storage of a physical frame. It is
	// used for eager zeroing, clone copies and the virtual read/write
	// helpers. Mandatory.
	FrameBytes func(mm.Frame) []byte

	// KernelStart/KernelEnd delimit the kernel window; UserStart/UserEnd
	// the per-context user window.
	KernelStart, KernelEnd uintptr
	UserStart, UserEnd     uintptr

	// MaxCPUs caps the number of attachable CPUs. Defaults to 1.
	MaxCPUs int

	// CurrentCPU returns the id of the executing CPU. Defaults to a
	// single-CPU system that always reports CPU 0.
	CurrentCPU func() int

	// RemoteFlush is invoked by the default shootdown implementation
	// once per remote attached CPU after a mapping change. A platform
	// supplies its IPI sender here; the default is a no-op, leaving
	// stale remote accesses to resolve through the fault path.
	RemoteFlush RemoteFlushFn
}

// Manager owns the kernel space/context singletons, the range arena shared
// by every space and the per-CPU current-context slots. It has
// process-wide lifetime equal to the kernel's own lifetime and is passed by
// reference rather than accessed as ambient global state.
type Manager struct {
	mmu        mmu.MMU
	frameBytes func(mm.Frame) []byte

	arena *rangeArena

	kernelCtx   *Context
	kernelSpace *Space

	userStart, userEnd uintptr

	currentCPU func() int

	// cpuMu guards the per-CPU context slots and the attached set.
	cpuMu    sync.Mutex
	current  []*Context
	attached []bool

	shooter Shootdown

	// contextPool recycles context/space pairs, serving as the
	// dedicated object cache for context allocation.
	contextPool sync.Pool

	// statsMu guards the introspection counters below.
	statsMu   sync.Mutex
	mmioBytes uintptr
	dmaBytes  uintptr
}

// New constructs a Manager, creates the kernel directory and space and
// attaches CPU 0 running the kernel context.
func New(cfg Config) (*Manager, *kernel.Error) {
	if cfg.MMU == nil || cfg.FrameBytes == nil {
		return nil, errNoMMU
	}

	alignedWindows := cfg.KernelStart == mm.PageAlignDown(cfg.KernelStart) &&
		cfg.KernelEnd == mm.PageAlignDown(cfg.KernelEnd) &&
		cfg.UserStart == mm.PageAlignDown(cfg.UserStart) &&
		cfg.UserEnd == mm.PageAlignDown(cfg.UserEnd)
	if !alignedWindows || cfg.KernelStart >= cfg.KernelEnd || cfg.UserStart >= cfg.UserEnd {
		return nil, errBadWindow
	}
	if cfg.KernelStart < cfg.UserEnd && cfg.UserStart < cfg.KernelEnd {
		return nil, errBadWindow
	}

	maxCPUs := cfg.MaxCPUs
	if maxCPUs <= 0 {
		maxCPUs = 1
	}
	currentCPU := cfg.CurrentCPU
	if currentCPU == nil {
		currentCPU = func() int { return 0 }
	}

	m := &Manager{
		mmu:        cfg.MMU,
		frameBytes: cfg.FrameBytes,
		arena:      newRangeArena(),
		userStart:  cfg.UserStart,
		userEnd:    cfg.UserEnd,
		currentCPU: currentCPU,
		current:    make([]*Context, maxCPUs),
		attached:   make([]bool, maxCPUs),
	}
	m.shooter = &coarseShootdown{m: m, notify: cfg.RemoteFlush}

	dir, err := m.mmu.NewDirectory()
	if err != nil {
		return nil, err
	}

	m.kernelSpace = newSpace(m.arena, cfg.KernelStart, cfg.KernelEnd)
	m.kernelCtx = &Context{dir: dir, space: m.kernelSpace, kernel: true}

	m.contextPool.New = func() interface{} {
		return &Context{space: newSpace(m.arena, m.userStart, m.userEnd)}
	}

	m.attached[0] = true
	m.current[0] = m.kernelCtx
	m.mmu.Load(dir)

	return m, nil
}

// KernelContext returns the static kernel context.
func (m *Manager) KernelContext() *Context {
	return m.kernelCtx
}

// KernelSpace returns the single global kernel address space.
func (m *Manager) KernelSpace() *Space {
	return m.kernelSpace
}

// SetShootdown replaces the cross-CPU invalidation implementation. The
// default is the coarse whole-directory broadcast.
func (m *Manager) SetShootdown(s Shootdown) {
	m.shooter = s
}

// AttachCPU marks a CPU as active and starts it on the kernel context.
// Mapping changes begin to broadcast shootdowns once more than one CPU is
// attached.
func (m *Manager) AttachCPU(cpu int) {
	m.cpuMu.Lock()
	defer m.cpuMu.Unlock()

	if cpu < 0 || cpu >= len(m.attached) {
		kfmt.Panic(&kernel.Error{Module: "vmm", Message: "cpu id outside the configured range"})
	}

	m.attached[cpu] = true
	if m.current[cpu] == nil {
		m.current[cpu] = m.kernelCtx
	}
}

// currentContext returns the context running on the executing CPU.
func (m *Manager) currentContext() *Context {
	m.cpuMu.Lock()
	defer m.cpuMu.Unlock()

	ctx := m.current[m.currentCPU()]
	if ctx == nil {
		ctx = m.kernelCtx
	}
	return ctx
}

// spaceFor resolves the address space owning addr: the kernel space for
// kernel-window addresses, the current context's space for user-window
// addresses.
func (m *Manager) spaceFor(addr uintptr) (*Space, *Context, *kernel.Error) {
	if m.kernelSpace.contains(addr) {
		return m.kernelSpace, m.kernelCtx, nil
	}
	if addr >= m.userStart && addr < m.userEnd {
		ctx := m.currentContext()
		return ctx.space, ctx, nil
	}
	return nil, nil, errAddrOutside
}

// MMIOInUse returns the number of bytes currently mapped through MapMMIO.
func (m *Manager) MMIOInUse() uintptr {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	return m.mmioBytes
}

// DMAInUse returns the number of bytes currently mapped through MapDMA.
func (m *Manager) DMAInUse() uintptr {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()

	return m.dmaBytes
}
