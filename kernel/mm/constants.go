package mm

const (
	// PageShift is the number of address bits covered by one page.
	PageShift = 12

	// PageSize is the size of a page frame in bytes.
	PageSize = 1 << PageShift
)

// PageAlignDown rounds addr down to the nearest page boundary.
func PageAlignDown(addr uintptr) uintptr {
	return addr & ^uintptr(PageSize-1)
}

// PageAlignUp rounds addr up to the nearest page boundary.
func PageAlignUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) & ^uintptr(PageSize-1)
}
