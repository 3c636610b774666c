package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleEncoding(t *testing.T) {
	specs := []struct {
		pageIdx, slot int
	}{
		{0, 0},
		{0, 63},
		{1, 0},
		{17, 42},
	}

	for specIndex, spec := range specs {
		h := makeHandle(spec.pageIdx, spec.slot)
		require.NotEqual(t, handleNone, h, "spec %d", specIndex)

		pageIdx, slot := h.pageAndSlot()
		assert.Equal(t, spec.pageIdx, pageIdx, "spec %d", specIndex)
		assert.Equal(t, spec.slot, slot, "spec %d", specIndex)
	}
}

func TestArenaGrowthAndShrink(t *testing.T) {
	a := newRangeArena()
	assert.Equal(t, 0, a.pageCount())

	base := uintptr(0x1000000)
	var ranges []*Range
	for i := uintptr(0); i < 100; i++ {
		r := a.createRange(base+i*pageSize, base+(i+1)*pageSize, 0, 0)
		ranges = append(ranges, r)
	}

	assert.Equal(t, 2, a.pageCount(), "100 records need two 64-slot pages")

	for _, r := range ranges {
		a.destroyRange(r)
	}
	assert.Equal(t, 0, a.pageCount(), "empty record pages must be reclaimed")
}

func TestArenaSlotReuse(t *testing.T) {
	a := newRangeArena()
	base := uintptr(0x1000000)

	r1 := a.createRange(base, base+pageSize, 0, 0)
	h1 := r1.self
	a.destroyRange(r1)

	r2 := a.createRange(base, base+pageSize, 0, 0)
	assert.Equal(t, h1, r2.self, "freed slots must be reused before the arena grows")
	assert.Equal(t, 1, a.pageCount())
}

func TestArenaDanglingHandle(t *testing.T) {
	a := newRangeArena()
	base := uintptr(0x1000000)

	r := a.createRange(base, base+pageSize, 0, 0)
	h := r.self
	a.destroyRange(r)

	assert.Panics(t, func() { a.get(h) }, "a dangling handle must not resolve")
	assert.Nil(t, a.get(handleNone))
}

func TestCreateRangeValidation(t *testing.T) {
	a := newRangeArena()

	assert.Panics(t, func() { a.createRange(0x2000, 0x2000, 0, 0) }, "empty ranges are a caller bug")
	assert.Panics(t, func() { a.createRange(0x3000, 0x2000, 0, 0) })
}
