package vmm

import (
	"sync"

	"vmos/kernel"
	"vmos/kernel/kfmt"
	"vmos/kernel/mm"
	"vmos/kernel/mm/mmu"
)

// rangesPerPage is the number of range records carried by one arena page.
// It must not exceed the width of the occupancy bitmap.
const rangesPerPage = 64

// RangeHandle is a stable reference to a range record inside the arena. The
// zero value means "no range"; non-zero handles encode the arena page index
// and the slot within that page. Handles stay valid until the record is
// returned to the arena, making the range lists trivially relocatable.
type RangeHandle uint32

// handleNone is the nil handle. Using the zero value keeps freshly created
// records unlinked by default.
const handleNone RangeHandle = 0

func makeHandle(pageIdx, slot int) RangeHandle {
	return RangeHandle(pageIdx*rangesPerPage+slot) + 1
}

func (h RangeHandle) pageAndSlot() (int, int) {
	idx := int(h - 1)
	return idx / rangesPerPage, idx % rangesPerPage
}

// Range describes one contiguous, page-aligned, homogeneously-flagged
// region of an address space. Records are owned by the arena; an address
// space owns the handles that link them into its ordered list.
type Range struct {
	// Start and End delimit the [Start, End) extent of the range.
	Start, End uintptr

	// VFlags carries the vmm-level intent of the range, MFlags the
	// hardware protection programmed into the page tables for its
	// extent.
	VFlags Flags
	MFlags mmu.Flags

	// Backing populates non-present pages of file ranges on fault.
	Backing FileMapper

	// prev/next link the record into its owning space's ordered list.
	prev, next RangeHandle

	// self is the record's own handle; the arena derives the owning
	// page from it when the record is destroyed.
	self RangeHandle
}

// Pages returns the number of pages spanned by the range.
func (r *Range) Pages() int {
	return int((r.End - r.Start) >> mm.PageShift)
}

// FileMapper populates one page of a file-backed range. Implementations are
// supplied by the filesystem layer when such ranges are created.
type FileMapper interface {
	// MapPage fills dst (one page) with the range contents at the given
	// byte offset from the range start.
	MapPage(offset uintptr, dst []byte) *kernel.Error
}

// arenaPage owns up to rangesPerPage records in an inline array plus an
// occupancy bitmap. Pages carry their own mutex, deliberately decoupled
// from any one space's lock: arena pages are shared across every address
// space in the system.
type arenaPage struct {
	mu sync.Mutex

	// bitmap has a set bit per occupied slot; freeCount mirrors it so
	// fully occupied pages can be skipped without scanning the bitmap.
	bitmap    uint64
	freeCount int

	slots [rangesPerPage]Range
}

// rangeArena hands out fixed-size range records from dedicated pages. It is
// intentionally independent of the kernel allocator: the allocator is built
// on top of the vmm, so vmm bookkeeping must never allocate through it.
type rangeArena struct {
	// mu guards the page list; the per-page mutexes guard slot state.
	mu    sync.Mutex
	pages []*arenaPage
}

func newRangeArena() *rangeArena {
	return &rangeArena{}
}

var errRangeBounds = &kernel.Error{Module: "vmm", Message: "range end must be above range start"}

// createRange allocates and initializes an unlinked range record. Bounds
// are page-aligned down; a record whose aligned bounds are empty is a fatal
// condition, matching the assertion taxonomy for bookkeeping corruption.
func (a *rangeArena) createRange(start, end uintptr, vflags Flags, mflags mmu.Flags) *Range {
	start = mm.PageAlignDown(start)
	end = mm.PageAlignDown(end)
	if end <= start {
		kfmt.Panic(errRangeBounds)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for pageIdx, page := range a.pages {
		if page == nil {
			continue
		}

		if r := page.takeSlot(pageIdx); r != nil {
			r.init(start, end, vflags, mflags)
			return r
		}
	}

	// All pages are fully occupied (or none exist); grow by one page and
	// retry against it.
	page := &arenaPage{freeCount: rangesPerPage}
	pageIdx := -1
	for i, p := range a.pages {
		if p == nil {
			pageIdx = i
			a.pages[i] = page
			break
		}
	}
	if pageIdx == -1 {
		pageIdx = len(a.pages)
		a.pages = append(a.pages, page)
	}

	r := page.takeSlot(pageIdx)
	r.init(start, end, vflags, mflags)
	return r
}

// takeSlot claims the first free slot in the page and returns its record,
// or nil if the page is fully occupied.
func (p *arenaPage) takeSlot(pageIdx int) *Range {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freeCount == 0 {
		return nil
	}

	for slot := 0; slot < rangesPerPage; slot++ {
		bit := uint64(1) << uint(slot)
		if p.bitmap&bit != 0 {
			continue
		}

		p.bitmap |= bit
		p.freeCount--

		r := &p.slots[slot]
		r.self = makeHandle(pageIdx, slot)
		return r
	}

	return nil
}

func (r *Range) init(start, end uintptr, vflags Flags, mflags mmu.Flags) {
	r.Start = start
	r.End = end
	r.VFlags = vflags
	r.MFlags = mflags
	r.Backing = nil
	r.prev = handleNone
	r.next = handleNone
}

var errBadRangeHandle = &kernel.Error{Module: "vmm", Message: "range handle does not resolve to a live record"}

// get resolves a handle to its record. Dangling handles indicate corrupted
// bookkeeping and are fatal.
func (a *rangeArena) get(h RangeHandle) *Range {
	if h == handleNone {
		return nil
	}

	pageIdx, slot := h.pageAndSlot()

	a.mu.Lock()
	defer a.mu.Unlock()

	if pageIdx >= len(a.pages) || a.pages[pageIdx] == nil {
		kfmt.Panic(errBadRangeHandle)
	}

	page := a.pages[pageIdx]
	page.mu.Lock()
	defer page.mu.Unlock()

	if page.bitmap&(1<<uint(slot)) == 0 {
		kfmt.Panic(errBadRangeHandle)
	}

	return &page.slots[slot]
}

// destroyRange returns an unlinked record to the arena. The caller must
// have removed it from its space's list first. When the owning page drops
// to zero occupancy the page itself is released.
func (a *rangeArena) destroyRange(r *Range) {
	pageIdx, slot := r.self.pageAndSlot()

	a.mu.Lock()
	defer a.mu.Unlock()

	if pageIdx >= len(a.pages) || a.pages[pageIdx] == nil {
		kfmt.Panic(errBadRangeHandle)
	}

	page := a.pages[pageIdx]
	page.mu.Lock()

	bit := uint64(1) << uint(slot)
	if page.bitmap&bit == 0 {
		page.mu.Unlock()
		kfmt.Panic(errBadRangeHandle)
	}

	page.bitmap &^= bit
	page.freeCount++
	page.slots[slot] = Range{}
	empty := page.freeCount == rangesPerPage
	page.mu.Unlock()

	if empty {
		a.pages[pageIdx] = nil

		// Trim trailing released pages so the list does not grow
		// without bound.
		for len(a.pages) > 0 && a.pages[len(a.pages)-1] == nil {
			a.pages = a.pages[:len(a.pages)-1]
		}
	}
}

// pageCount returns the number of live arena pages.
func (a *rangeArena) pageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	var n int
	for _, p := range a.pages {
		if p != nil {
			n++
		}
	}
	return n
}
