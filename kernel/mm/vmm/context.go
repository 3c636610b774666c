package vmm

import (
	"io"

	"vmos/kernel"
	"vmos/kernel/mm"
	"vmos/kernel/mm/mmu"
)

// Context pairs an address space with a hardware page directory; it is the
// unit that gets switched on a CPU. User contexts own a private space; the
// kernel context shares the single kernel space.
type Context struct {
	dir    mmu.Directory
	space  *Space
	kernel bool
}

// Space returns the address space referenced by the context.
func (c *Context) Space() *Space {
	return c.space
}

// IsKernel reports whether this is the static kernel context.
func (c *Context) IsKernel() bool {
	return c.kernel
}

// CreateContext allocates a context/space pair from the context cache,
// creates a fresh hardware directory with the kernel mappings copied in and
// sets the user window bounds.
func (m *Manager) CreateContext() (*Context, *kernel.Error) {
	ctx := m.contextPool.Get().(*Context)

	dir, err := m.mmu.NewDirectory()
	if err != nil {
		m.contextPool.Put(ctx)
		return nil, err
	}

	m.mmu.CopyKernelMappings(dir)
	ctx.dir = dir
	ctx.kernel = false

	return ctx, nil
}

// Switch makes ctx current on the executing CPU and loads its directory.
// Switching to the already-current context is a no-op. Switch never takes a
// space mutex, so it is safe to call while holding one.
func (m *Manager) Switch(ctx *Context) {
	cpu := m.currentCPU()

	m.cpuMu.Lock()
	if m.current[cpu] == ctx {
		m.cpuMu.Unlock()
		return
	}
	m.current[cpu] = ctx
	m.cpuMu.Unlock()

	m.mmu.Load(ctx.dir)
}

// DestroyContext tears down a user context: any CPU still running it is
// switched to the kernel context first, every range in its space is
// destroyed with the usual free semantics (releasing eagerly or lazily
// acquired frames, skipping device and file ranges), the hardware directory
// is destroyed and the context object returns to its cache.
func (m *Manager) DestroyContext(ctx *Context) *kernel.Error {
	if ctx.kernel {
		return errKernelContext
	}

	ctx.space.mu.Lock()

	m.cpuMu.Lock()
	for cpu, cur := range m.current {
		if cur == ctx {
			m.current[cpu] = m.kernelCtx
		}
	}
	m.cpuMu.Unlock()
	if m.mmu.ActiveDirectory() == ctx.dir {
		m.mmu.Load(m.kernelCtx.dir)
	}

	// Tear down the whole user window with regular unmap semantics:
	// normalize the surviving protections, then free.
	start, end := ctx.space.start, ctx.space.end
	m.updateLocked(ctx.space, ctx, start, end, opProtect, mmu.FlagPresent|mmu.FlagRW)
	m.updateLocked(ctx.space, ctx, start, end, opFree, 0)

	ctx.space.mu.Unlock()

	m.mmu.DestroyDirectory(ctx.dir)
	ctx.dir = nil
	m.contextPool.Put(ctx)

	return nil
}

// Clone duplicates the active context for a fork: the new context gets the
// kernel mappings plus a copy of every range in the parent's space. Device
// and shared ranges alias the parent's physical pages; private present
// pages are copied into freshly allocated frames. Non-present pages of
// allocate-now ranges stay unbacked and are populated by the fault path.
func (m *Manager) Clone(ctx *Context) (*Context, *kernel.Error) {
	if m.currentContext() != ctx {
		return nil, errCloneNotActive
	}

	nctx, err := m.CreateContext()
	if err != nil {
		return nil, err
	}

	ctx.space.mu.Lock()
	defer ctx.space.mu.Unlock()

	for h := ctx.space.head; h != handleNone; {
		r := ctx.space.rng(h)

		nr := m.arena.createRange(r.Start, r.End, r.VFlags, r.MFlags)
		nr.Backing = r.Backing
		// The child's space is not yet visible to anyone else, so its
		// mutex does not need to be taken (and must not be, per the
		// lock ordering rule).
		nctx.space.insertRange(nr)

		for page := mm.PageFromAddress(r.Start); page.Address() < r.End; page++ {
			flags := m.mmu.ReadFlags(ctx.dir, page)
			if !flags.Has(mmu.FlagPresent) {
				continue
			}

			frame, ok := m.mmu.Translate(ctx.dir, page)
			if !ok {
				continue
			}

			if r.VFlags.HasAny(FlagDevice | FlagShared) {
				m.mmu.Map(nctx.dir, page, frame, r.MFlags)
				continue
			}

			newFrame, err := mm.AllocFrame()
			if err != nil {
				ctx.space.mu.Unlock()
				_ = m.DestroyContext(nctx)
				ctx.space.mu.Lock()
				return nil, err
			}

			copy(m.frameBytes(newFrame), m.frameBytes(frame))
			m.mmu.Map(nctx.dir, page, newFrame, r.MFlags)
		}

		h = r.next
	}

	return nctx, nil
}

// DumpContext writes a description of the context's address space to w,
// verifying the range list integrity along the way.
func (m *Manager) DumpContext(ctx *Context, w io.Writer) {
	ctx.space.Dump(w)
}
