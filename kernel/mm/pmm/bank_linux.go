//go:build linux

package pmm

import (
	"golang.org/x/sys/unix"

	"vmos/kernel"
)

var errBankMmapFailed = &kernel.Error{Module: "pmm", Message: "cannot mmap bank memory"}

// reserveBankMemory obtains the bank backing storage from the host via an
// anonymous private mapping, keeping the bank off the Go heap.
func reserveBankMemory(size int) ([]byte, *kernel.Error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errBankMmapFailed
	}

	return mem, nil
}

// releaseBankMemory returns the backing storage to the host.
func releaseBankMemory(mem []byte) {
	if mem != nil {
		_ = unix.Munmap(mem)
	}
}
