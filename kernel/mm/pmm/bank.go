// Package pmm implements a bitmap-based physical frame allocator over a
// contiguous bank of host-backed memory. The vmm never calls into this
// package directly; a bank registers itself through the mm package's
// frame-allocator hooks so the physical allocator stays an external,
// swappable collaborator.
package pmm

import (
	"sync"

	"vmos/kernel"
	"vmos/kernel/mm"
)

var (
	errBankExhausted = &kernel.Error{Module: "pmm", Message: "out of physical frames"}
	errNoContiguous  = &kernel.Error{Module: "pmm", Message: "no contiguous frame run of the requested size"}
	errFrameNotOwned = &kernel.Error{Module: "pmm", Message: "frame does not belong to this bank"}
	errFrameNotInUse = &kernel.Error{Module: "pmm", Message: "double free of physical frame"}
	errBankTooSmall  = &kernel.Error{Module: "pmm", Message: "bank must contain at least two frames"}
)

// Bank is a physical memory bank. Frame 0 is permanently reserved so that a
// zero physical address never refers to allocatable memory.
type Bank struct {
	mu sync.Mutex

	// mem is the backing storage for every frame in the bank. Frame i
	// occupies mem[i<<mm.PageShift : (i+1)<<mm.PageShift].
	mem []byte

	// freeBitmap tracks used/free frames; a set bit marks a reserved
	// frame. lastAlloc is a next-fit hint into the bitmap.
	freeBitmap []uint64
	lastAlloc  int

	frameCount    int
	reservedCount int
}

// NewBank reserves backing storage for frameCount physical frames and
// returns a Bank managing them.
func NewBank(frameCount int) (*Bank, *kernel.Error) {
	if frameCount < 2 {
		return nil, errBankTooSmall
	}

	mem, err := reserveBankMemory(frameCount << mm.PageShift)
	if err != nil {
		return nil, err
	}

	b := &Bank{
		mem:        mem,
		freeBitmap: make([]uint64, (frameCount+63)/64),
		frameCount: frameCount,
	}

	// Reserve the null frame.
	b.freeBitmap[0] |= 1 << 63
	b.reservedCount++

	return b, nil
}

// Install registers this bank as the system frame allocator via the mm
// package hooks.
func (b *Bank) Install() {
	mm.SetFrameAllocator(b.AllocFrame)
	mm.SetFrameReleaser(b.FreeFrame)
	mm.SetFrameRunAllocator(b.AllocFrameRun)
}

// markReserved flips the bitmap bit for frame index idx.
func (b *Bank) markReserved(idx int) {
	b.freeBitmap[idx/64] |= 1 << (63 - uint(idx%64))
}

// markFree clears the bitmap bit for frame index idx.
func (b *Bank) markFree(idx int) {
	b.freeBitmap[idx/64] &^= 1 << (63 - uint(idx%64))
}

// isReserved returns true if frame index idx is reserved.
func (b *Bank) isReserved(idx int) bool {
	return b.freeBitmap[idx/64]&(1<<(63-uint(idx%64))) != 0
}

// AllocFrame reserves and returns the next available frame. The frame
// contents are zeroed before it is handed out.
func (b *Bank) AllocFrame() (mm.Frame, *kernel.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for offset := 0; offset < b.frameCount; offset++ {
		idx := (b.lastAlloc + offset) % b.frameCount
		if b.isReserved(idx) {
			continue
		}

		b.markReserved(idx)
		b.reservedCount++
		b.lastAlloc = idx
		b.zeroFrame(idx)
		return mm.Frame(idx), nil
	}

	return mm.InvalidFrame, errBankExhausted
}

// AllocFrameRun reserves a physically contiguous run of frameCount frames
// and returns the first frame of the run.
func (b *Bank) AllocFrameRun(frameCount int) (mm.Frame, *kernel.Error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if frameCount <= 0 || frameCount > b.frameCount {
		return mm.InvalidFrame, errNoContiguous
	}

	runStart, runLen := -1, 0
	for idx := 0; idx < b.frameCount; idx++ {
		if b.isReserved(idx) {
			runStart, runLen = -1, 0
			continue
		}

		if runStart == -1 {
			runStart = idx
		}
		if runLen++; runLen == frameCount {
			for i := runStart; i <= idx; i++ {
				b.markReserved(i)
				b.zeroFrame(i)
			}
			b.reservedCount += frameCount
			return mm.Frame(runStart), nil
		}
	}

	return mm.InvalidFrame, errNoContiguous
}

// FreeFrame returns a frame back to the bank. Releasing a frame that is not
// currently reserved or not owned by the bank is an error so that the
// caller can detect double frees.
func (b *Bank) FreeFrame(f mm.Frame) *kernel.Error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := int(f)
	if idx <= 0 || idx >= b.frameCount {
		return errFrameNotOwned
	}
	if !b.isReserved(idx) {
		return errFrameNotInUse
	}

	b.markFree(idx)
	b.reservedCount--
	return nil
}

// FrameBytes returns the backing storage of frame f. The returned slice
// aliases the bank memory; writes through it are what a CPU store through a
// mapping of f would produce.
func (b *Bank) FrameBytes(f mm.Frame) []byte {
	idx := int(f)
	if idx < 0 || idx >= b.frameCount {
		return nil
	}

	start := idx << mm.PageShift
	return b.mem[start : start+mm.PageSize : start+mm.PageSize]
}

// FramesInUse returns the number of reserved frames, excluding the
// permanently reserved null frame.
func (b *Bank) FramesInUse() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.reservedCount - 1
}

// TotalFrames returns the number of frames managed by the bank.
func (b *Bank) TotalFrames() int {
	return b.frameCount
}

// Close releases the bank's backing storage. The bank must not be used
// afterwards.
func (b *Bank) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	releaseBankMemory(b.mem)
	b.mem = nil
}

func (b *Bank) zeroFrame(idx int) {
	start := idx << mm.PageShift
	frame := b.mem[start : start+mm.PageSize]
	for i := range frame {
		frame[i] = 0
	}
}
