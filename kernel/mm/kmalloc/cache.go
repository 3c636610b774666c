package kmalloc

import (
	"sync"

	"vmos/kernel"
	"vmos/kernel/mm"
	"vmos/kernel/mm/mmu"
	"vmos/kernel/mm/vmm"
)

// Cache hands out fixed-size objects inside the kernel window. The built-in
// implementation is a slab free list, but subsystems with special placement
// needs can install their own through a CacheFactoryFn.
type Cache interface {
	// Alloc returns the address of a free object, growing the cache when
	// necessary.
	Alloc() (uintptr, *kernel.Error)

	// Free returns an object obtained from Alloc to the cache.
	Free(addr uintptr) *kernel.Error

	// ObjectSize returns the fixed object size served by the cache.
	ObjectSize() uintptr
}

// CacheFactoryFn builds the cache for one size class.
type CacheFactoryFn func(vm *vmm.Manager, objectSize uintptr) Cache

var errForeignObject = &kernel.Error{Module: "kmalloc", Message: "freed address was not produced by this cache"}

// slabCache is a free-list cache carved out of eagerly backed kernel
// mappings. Slabs are never returned to the vmm; a released object goes
// back on the free list for the next Alloc.
type slabCache struct {
	vm         *vmm.Manager
	objectSize uintptr
	slabBytes  uintptr

	mu       sync.Mutex
	freeList []uintptr

	// slabs records the base of every mapping owned by the cache so
	// Free can reject foreign addresses.
	slabs []uintptr
}

func newSlabCache(vm *vmm.Manager, objectSize uintptr) Cache {
	slabBytes := mm.PageAlignUp(objectSize)
	if slabBytes < mm.PageSize {
		slabBytes = mm.PageSize
	}

	return &slabCache{
		vm:         vm,
		objectSize: objectSize,
		slabBytes:  slabBytes,
	}
}

func (c *slabCache) ObjectSize() uintptr {
	return c.objectSize
}

func (c *slabCache) Alloc() (uintptr, *kernel.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.freeList) == 0 {
		if err := c.grow(); err != nil {
			return 0, err
		}
	}

	last := len(c.freeList) - 1
	addr := c.freeList[last]
	c.freeList = c.freeList[:last]

	return addr, nil
}

func (c *slabCache) Free(addr uintptr) *kernel.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.owns(addr) {
		return errForeignObject
	}

	c.freeList = append(c.freeList, addr)
	return nil
}

// grow maps one more slab and pushes its objects on the free list. The
// caller must hold the cache mutex.
func (c *slabCache) grow() *kernel.Error {
	base, err := c.vm.Map(0, c.slabBytes, vmm.FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW|mmu.FlagGlobal)
	if err != nil {
		return err
	}

	c.slabs = append(c.slabs, base)
	for off := uintptr(0); off+c.objectSize <= c.slabBytes; off += c.objectSize {
		c.freeList = append(c.freeList, base+off)
	}

	return nil
}

// owns reports whether addr is an object boundary inside one of the cache's
// slabs. The caller must hold the cache mutex.
func (c *slabCache) owns(addr uintptr) bool {
	for _, base := range c.slabs {
		if addr >= base && addr < base+c.slabBytes {
			return (addr-base)%c.objectSize == 0
		}
	}
	return false
}
