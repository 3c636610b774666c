// Package mm defines the frame and page primitives shared by the physical
// and virtual memory subsystems together with the pluggable frame-allocator
// hooks that decouple the vmm code from a particular physical allocator.
package mm

import (
	"math"

	"vmos/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by page allocators when they fail to reserve the
// requested frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down to the frame
// that contains them.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down to the page that
// contains them.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

var (
	// frameAllocator points to the frame allocator function registered
	// using SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// frameReleaser points to the frame release function registered
	// using SetFrameReleaser.
	frameReleaser FrameReleaserFn

	// frameRunAllocator points to the contiguous run allocator function
	// registered using SetFrameRunAllocator.
	frameRunAllocator FrameRunAllocatorFn

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// FrameAllocatorFn is a function that can allocate a single physical frame.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameReleaserFn is a function that returns a physical frame back to the
// physical allocator.
type FrameReleaserFn func(Frame) *kernel.Error

// FrameRunAllocatorFn is a function that can allocate a contiguous run of
// physical frames and return the first frame of the run.
type FrameRunAllocatorFn func(frameCount int) (Frame, *kernel.Error)

// SetFrameAllocator registers the frame allocator function used by the vmm
// code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameReleaser registers the function used by the vmm code to return
// physical frames back to the physical allocator.
func SetFrameReleaser(releaseFn FrameReleaserFn) { frameReleaser = releaseFn }

// SetFrameRunAllocator registers the function used to reserve physically
// contiguous frame runs (e.g. for DMA buffers).
func SetFrameRunAllocator(allocFn FrameRunAllocatorFn) { frameRunAllocator = allocFn }

// AllocFrame allocates a new physical frame using the currently registered
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator()
}

// FreeFrame returns a physical frame back to the currently registered
// physical frame allocator.
func FreeFrame(f Frame) *kernel.Error {
	if frameReleaser == nil {
		return errNoFrameAllocator
	}
	return frameReleaser(f)
}

// AllocFrameRun allocates a physically contiguous run of frameCount frames
// and returns the first frame of the run.
func AllocFrameRun(frameCount int) (Frame, *kernel.Error) {
	if frameRunAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameRunAllocator(frameCount)
}
