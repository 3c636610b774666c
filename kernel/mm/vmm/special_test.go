package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmos/kernel/mm"
	"vmos/kernel/mm/mmu"
)

func TestMapMMIO(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	// Stand-in for a device aperture: a reserved frame run the allocator
	// will not hand out to anyone else.
	devFrame, err := env.bank.AllocFrameRun(2)
	require.Nil(t, err)

	addr := env.mgr.MapMMIO(devFrame, 2*pageSize)
	assert.EqualValues(t, 2*pageSize, env.mgr.MMIOInUse())

	dir := env.mgr.KernelContext().dir
	for i := uintptr(0); i < 2; i++ {
		page := mm.PageFromAddress(addr + i*pageSize)

		frame, ok := env.mmu.Translate(dir, page)
		require.True(t, ok)
		assert.Equal(t, devFrame+mm.Frame(i), frame)
		assert.True(t, env.mmu.ReadFlags(dir, page).Has(mmu.FlagUncached), "device windows must disable caching")
	}

	// Stores through the window hit the device memory.
	require.Nil(t, env.mgr.WriteAt([]byte{0xAB}, addr+pageSize))
	assert.Equal(t, byte(0xAB), env.bank.FrameBytes(devFrame+1)[0])

	framesBefore := env.bank.FramesInUse()
	env.mgr.UnmapMMIO(addr, 2*pageSize)

	assert.Zero(t, env.mgr.MMIOInUse())
	assert.Equal(t, framesBefore, env.bank.FramesInUse(), "device frames are not the allocator's to reclaim")
	assert.Equal(t, 0, env.mgr.KernelSpace().RangeCount())
}

func TestMapDMA(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	addr, frame := env.mgr.MapDMA(3 * pageSize)
	assert.EqualValues(t, 3*pageSize, env.mgr.DMAInUse())
	assert.Equal(t, 3, env.bank.FramesInUse())

	dir := env.mgr.KernelContext().dir
	for i := uintptr(0); i < 3; i++ {
		got, ok := env.mmu.Translate(dir, mm.PageFromAddress(addr+i*pageSize))
		require.True(t, ok)
		assert.Equal(t, frame+mm.Frame(i), got, "DMA frames must be physically contiguous")
	}

	// The buffer is usable through its kernel mapping.
	payload := []byte("dma descriptor ring")
	require.Nil(t, env.mgr.WriteAt(payload, addr+pageSize-4))
	got := make([]byte, len(payload))
	require.Nil(t, env.mgr.ReadAt(got, addr+pageSize-4))
	assert.Equal(t, payload, got)

	env.mgr.UnmapDMA(addr, 3*pageSize)

	assert.Zero(t, env.mgr.DMAInUse())
	assert.Equal(t, 3, env.bank.FramesInUse(), "a device may still own the physical address; DMA frames stay reserved")
}

func TestMapDMAZeroesBuffer(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	addr, _ := env.mgr.MapDMA(pageSize)

	buf := make([]byte, mm.PageSize)
	require.Nil(t, env.mgr.ReadAt(buf, addr))
	for i, b := range buf {
		require.Zerof(t, b, "byte %d of the DMA buffer not zeroed", i)
	}
}
