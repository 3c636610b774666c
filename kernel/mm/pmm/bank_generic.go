//go:build !linux

package pmm

import "vmos/kernel"

// reserveBankMemory falls back to heap-backed storage on hosts without an
// anonymous mmap path.
func reserveBankMemory(size int) ([]byte, *kernel.Error) {
	return make([]byte, size), nil
}

func releaseBankMemory(mem []byte) {}
