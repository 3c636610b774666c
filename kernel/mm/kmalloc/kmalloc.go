// Package kmalloc implements the kernel byte-granular heap on top of the
// vmm. Small allocations are served from per-size-class object caches;
// anything above the largest class gets its own eagerly backed mapping.
// Every allocation is preceded by a hidden header carrying a magic tag and
// the requested size, which is how Free tells the two kinds apart and how
// heap corruption is caught.
package kmalloc

import (
	"encoding/binary"
	"sync"

	"vmos/kernel"
	"vmos/kernel/kfmt"
	"vmos/kernel/mm/mmu"
	"vmos/kernel/mm/vmm"
)

const (
	// headerSize is the hidden prefix in front of every allocation.
	headerSize = 32

	// magicClass tags an allocation served by a size-class cache;
	// magicBig tags one with a dedicated mapping. magicFree replaces
	// either on release so a second Free of the same address is caught.
	magicClass = 0xCAFEBABE
	magicBig   = 0xC0FFEE11
	magicFree  = 0xDEADC0DE
)

// classSizes are the object cache sizes, all header-inclusive.
var classSizes = []uintptr{
	16, 32, 64, 128, 256, 512,
	1024, 2048, 4096, 8192, 16384,
	32768, 65536, 131072,
}

var (
	errZeroAlloc     = &kernel.Error{Module: "kmalloc", Message: "zero-byte allocation"}
	errBadMagic      = &kernel.Error{Module: "kmalloc", Message: "allocation header has an unknown magic; heap corruption"}
	errFreedMagic    = &kernel.Error{Module: "kmalloc", Message: "allocation header tagged free; double free or use after free"}
	errAllocAsleep   = &kernel.Error{Module: "kmalloc", Message: "allocation attempted while the caller may sleep with locks held"}
	errHeaderMissing = &kernel.Error{Module: "kmalloc", Message: "allocation header is not mapped"}
)

// bigFlags is the protection for dedicated large-allocation mappings.
const bigFlags = mmu.FlagPresent | mmu.FlagRW | mmu.FlagGlobal

// Allocator is the kernel heap.
type Allocator struct {
	vm     *vmm.Manager
	caches []Cache

	// asleepFn, when set, is consulted before every allocation and a
	// true result is fatal: allocating from a context that may block
	// mid-allocation deadlocks the heap.
	asleepFn func() bool

	statsMu sync.Mutex
	inUse   uintptr
}

// New builds an allocator over vm. A nil factory selects the built-in slab
// cache for every size class.
func New(vm *vmm.Manager, factory CacheFactoryFn) *Allocator {
	if factory == nil {
		factory = newSlabCache
	}

	a := &Allocator{vm: vm, caches: make([]Cache, len(classSizes))}
	for i, size := range classSizes {
		a.caches[i] = factory(vm, size)
	}

	return a
}

// SetSleepProbe installs the scheduler's may-sleep predicate.
func (a *Allocator) SetSleepProbe(fn func() bool) {
	a.asleepFn = fn
}

// InUse returns the number of live allocated bytes, headers excluded.
func (a *Allocator) InUse() uintptr {
	a.statsMu.Lock()
	defer a.statsMu.Unlock()

	return a.inUse
}

// classFor returns the index of the smallest class fitting total bytes, or
// -1 when only a dedicated mapping can serve it.
func classFor(total uintptr) int {
	for i, size := range classSizes {
		if total <= size {
			return i
		}
	}
	return -1
}

// Alloc returns the address of a size-byte kernel allocation.
func (a *Allocator) Alloc(size uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errZeroAlloc
	}
	if a.asleepFn != nil && a.asleepFn() {
		kfmt.Panic(errAllocAsleep)
	}

	total := size + headerSize

	var (
		base  uintptr
		magic uint32
		err   *kernel.Error
	)

	if class := classFor(total); class >= 0 {
		magic = magicClass
		base, err = a.caches[class].Alloc()
	} else {
		magic = magicBig
		base, err = a.vm.Map(0, total, vmm.FlagAllocateNow, bigFlags)
	}
	if err != nil {
		return 0, err
	}

	if err = a.writeHeader(base, magic, size); err != nil {
		return 0, err
	}

	a.statsMu.Lock()
	a.inUse += size
	a.statsMu.Unlock()

	return base + headerSize, nil
}

// AllocZeroed behaves like Alloc and additionally clears the returned
// bytes. Dedicated mappings arrive zeroed from the frame allocator, but
// cache objects may carry the previous occupant's contents.
func (a *Allocator) AllocZeroed(size uintptr) (uintptr, *kernel.Error) {
	addr, err := a.Alloc(size)
	if err != nil {
		return 0, err
	}

	if err = a.vm.WriteAt(make([]byte, size), addr); err != nil {
		return 0, err
	}

	return addr, nil
}

// Free releases an allocation obtained from Alloc. A header already tagged
// free means a double free; one with an unknown magic means the caller
// handed in a stray pointer or the heap was scribbled on. Both are fatal.
func (a *Allocator) Free(addr uintptr) *kernel.Error {
	base := addr - headerSize

	magic, size, err := a.readHeader(base)
	if err != nil {
		return err
	}

	switch magic {
	case magicClass:
		class := classFor(size + headerSize)
		if class < 0 {
			kfmt.Panic(errBadMagic)
		}
		// Tag the header before the object becomes reachable through
		// the free list; Alloc restores the allocated magic on reuse.
		if err = a.writeHeader(base, magicFree, size); err != nil {
			return err
		}
		if err = a.caches[class].Free(base); err != nil {
			return err
		}
	case magicBig:
		if err = a.vm.Unmap(base, size+headerSize); err != nil {
			return err
		}
	case magicFree:
		kfmt.Panic(errFreedMagic)
	default:
		kfmt.Panic(errBadMagic)
	}

	a.statsMu.Lock()
	a.inUse -= size
	a.statsMu.Unlock()

	return nil
}

// Realloc resizes an allocation, returning the new address. The contents up
// to the smaller of the two sizes are preserved. Resizing is deliberately
// conservative: a fresh allocation plus copy plus free, so the old and the
// new block never alias.
func (a *Allocator) Realloc(addr, newSize uintptr) (uintptr, *kernel.Error) {
	if addr == 0 {
		return a.Alloc(newSize)
	}

	magic, oldSize, err := a.readHeader(addr - headerSize)
	if err != nil {
		return 0, err
	}
	switch magic {
	case magicClass, magicBig:
	case magicFree:
		kfmt.Panic(errFreedMagic)
	default:
		kfmt.Panic(errBadMagic)
	}

	newAddr, err := a.Alloc(newSize)
	if err != nil {
		return 0, err
	}

	n := oldSize
	if newSize < n {
		n = newSize
	}

	buf := make([]byte, n)
	if err = a.vm.ReadAt(buf, addr); err != nil {
		return 0, err
	}
	if err = a.vm.WriteAt(buf, newAddr); err != nil {
		return 0, err
	}

	if err = a.Free(addr); err != nil {
		return 0, err
	}

	return newAddr, nil
}

// Header layout: magic at offset 0, requested size at offset 8, the rest
// reserved padding keeping user data 32-byte aligned.
func (a *Allocator) writeHeader(base uintptr, magic uint32, size uintptr) *kernel.Error {
	var buf [headerSize]byte
	binary.LittleEndian.PutUint32(buf[0:], magic)
	binary.LittleEndian.PutUint64(buf[8:], uint64(size))

	return a.vm.WriteAt(buf[:], base)
}

func (a *Allocator) readHeader(base uintptr) (uint32, uintptr, *kernel.Error) {
	var buf [headerSize]byte
	if err := a.vm.ReadAt(buf[:], base); err != nil {
		return 0, 0, errHeaderMissing
	}

	magic := binary.LittleEndian.Uint32(buf[0:])
	size := uintptr(binary.LittleEndian.Uint64(buf[8:]))

	return magic, size, nil
}
