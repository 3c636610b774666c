package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmos/kernel/mm"
	"vmos/kernel/mm/mmu"
)

func TestMapEagerBacking(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	addr, err := env.mgr.Map(0, 3*pageSize, FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)
	assert.True(t, addr >= testKernelStart && addr < testKernelEnd)
	assert.Equal(t, 3, env.bank.FramesInUse())

	dir := env.mgr.KernelContext().dir
	page := mm.PageFromAddress(addr)
	for i := 0; i < 3; i++ {
		flags := env.mmu.ReadFlags(dir, page+mm.Page(i))
		require.True(t, flags.Has(mmu.FlagPresent|mmu.FlagRW), "page %d not eagerly backed", i)

		frame, ok := env.mmu.Translate(dir, page+mm.Page(i))
		require.True(t, ok)
		for _, b := range env.bank.FrameBytes(frame) {
			require.Zero(t, b, "eager frames must be zeroed")
		}
	}
}

func TestMapUserAllocateNowStaysLazy(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	ctx, err := env.mgr.CreateContext()
	require.Nil(t, err)
	env.mgr.Switch(ctx)
	defer func() {
		env.mgr.Switch(env.mgr.KernelContext())
		require.Nil(t, env.mgr.DestroyContext(ctx))
	}()

	addr, err := env.mgr.Map(testUserStart, 3*pageSize, FlagAllocateNow, userFlags)
	require.Nil(t, err)

	assert.Equal(t, 0, env.bank.FramesInUse(), "user allocate-now mappings must not consume frames at map time")
	for page := mm.PageFromAddress(addr); page.Address() < addr+3*pageSize; page++ {
		assert.False(t, env.mmu.ReadFlags(ctx.dir, page).Has(mmu.FlagPresent), "page %#x eagerly backed", page.Address())
	}

	require.True(t, env.mgr.Fault(addr+pageSize, FaultWrite))
	assert.Equal(t, 1, env.bank.FramesInUse(), "pages materialize one at a time through the fault path")
}

func TestMapErrors(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	t.Run("zero size", func(t *testing.T) {
		_, err := env.mgr.Map(0, 0, 0, 0)
		assert.Equal(t, errZeroSize, err)
	})

	t.Run("address outside both windows", func(t *testing.T) {
		_, err := env.mgr.Map(testKernelEnd+pageSize, pageSize, 0, 0)
		assert.Equal(t, errAddrOutside, err)
	})

	t.Run("window too small", func(t *testing.T) {
		_, err := env.mgr.Map(0, testKernelEnd-testKernelStart+pageSize, 0, 0)
		assert.Equal(t, errNoFreeRange, err)
	})

	t.Run("fixed without an address", func(t *testing.T) {
		_, err := env.mgr.Map(0, pageSize, FlagFixed, 0)
		assert.Equal(t, errFixedMismatch, err)
	})
}

func TestMapFixed(t *testing.T) {
	env := newTestEnv(t, 64, 1)
	target := testKernelStart + 0x100000

	addr, err := env.mgr.Map(target, pageSize, FlagFixed|FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)
	require.Equal(t, target, addr)

	_, err = env.mgr.Map(target, pageSize, FlagFixed, mmu.FlagPresent|mmu.FlagRW)
	assert.Equal(t, errFixedMismatch, err, "an occupied fixed address must be refused")

	// Without FlagFixed the same hint falls through to the next hole.
	addr, err = env.mgr.Map(target, pageSize, 0, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)
	assert.Equal(t, target+pageSize, addr)
}

func TestRangeOrdering(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	bases := []uintptr{
		testKernelStart + 5*pageSize,
		testKernelStart + 1*pageSize,
		testKernelStart + 3*pageSize,
	}
	for _, base := range bases {
		_, err := env.mgr.Map(base, pageSize, FlagFixed, mmu.FlagPresent|mmu.FlagRW)
		require.Nil(t, err)
	}

	snap := env.mgr.KernelSpace().Snapshot()
	require.Len(t, snap, 3)
	for i := 1; i < len(snap); i++ {
		assert.True(t, snap[i-1].End <= snap[i].Start, "ranges must stay sorted and disjoint")
	}
	assert.Equal(t, 3, env.mgr.KernelSpace().RangeCount())
}

func TestUnmapFrameConservation(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	addr, err := env.mgr.Map(0, 3*pageSize, FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)
	require.Equal(t, 3, env.bank.FramesInUse())

	require.Nil(t, env.mgr.Unmap(addr, 3*pageSize))

	assert.Equal(t, 0, env.bank.FramesInUse(), "every eagerly acquired frame must be returned")
	assert.Equal(t, 0, env.mgr.KernelSpace().RangeCount())

	dir := env.mgr.KernelContext().dir
	for i := uintptr(0); i < 3; i++ {
		_, ok := env.mmu.Translate(dir, mm.PageFromAddress(addr+i*pageSize))
		assert.False(t, ok)
	}
}

func TestUnmapReadOnlyPagesStillReclaims(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	addr, err := env.mgr.Map(0, 2*pageSize, FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)
	require.Nil(t, env.mgr.Protect(addr, 2*pageSize, mmu.FlagPresent))

	require.Nil(t, env.mgr.Unmap(addr, 2*pageSize))
	assert.Equal(t, 0, env.bank.FramesInUse(), "the normalization pass must make read-only pages reclaimable")
}

func TestUnmapMiddleSplitsRange(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	addr, err := env.mgr.Map(0, 3*pageSize, FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)

	require.Nil(t, env.mgr.Unmap(addr+pageSize, pageSize))

	snap := env.mgr.KernelSpace().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, RangeInfo{Start: addr, End: addr + pageSize, VFlags: FlagAllocateNow, MFlags: mmu.FlagPresent | mmu.FlagRW}, snap[0])
	assert.Equal(t, addr+2*pageSize, snap[1].Start)
	assert.Equal(t, addr+3*pageSize, snap[1].End)

	assert.Equal(t, 2, env.bank.FramesInUse())

	dir := env.mgr.KernelContext().dir
	_, ok := env.mmu.Translate(dir, mm.PageFromAddress(addr+pageSize))
	assert.False(t, ok)
	_, ok = env.mmu.Translate(dir, mm.PageFromAddress(addr))
	assert.True(t, ok)
	_, ok = env.mmu.Translate(dir, mm.PageFromAddress(addr+2*pageSize))
	assert.True(t, ok)
}

func TestUnmapPrefixAndSuffix(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	addr, err := env.mgr.Map(0, 4*pageSize, FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)

	require.Nil(t, env.mgr.Unmap(addr, pageSize))
	require.Nil(t, env.mgr.Unmap(addr+3*pageSize, pageSize))

	snap := env.mgr.KernelSpace().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, addr+pageSize, snap[0].Start)
	assert.Equal(t, addr+3*pageSize, snap[0].End)
	assert.Equal(t, 2, env.bank.FramesInUse())
}

func TestUnmapGapIsNoop(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	require.Nil(t, env.mgr.Unmap(testKernelStart, 4*pageSize))
	assert.Equal(t, 0, env.mgr.KernelSpace().RangeCount())
}

func TestProtectSplitsRange(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	addr, err := env.mgr.Map(0, 3*pageSize, FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)

	require.Nil(t, env.mgr.Protect(addr+pageSize, pageSize, mmu.FlagPresent))

	snap := env.mgr.KernelSpace().Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, mmu.FlagPresent|mmu.FlagRW, snap[0].MFlags)
	assert.Equal(t, mmu.FlagPresent, snap[1].MFlags)
	assert.Equal(t, mmu.FlagPresent|mmu.FlagRW, snap[2].MFlags)

	dir := env.mgr.KernelContext().dir
	middle := mm.PageFromAddress(addr + pageSize)
	assert.False(t, env.mmu.ReadFlags(dir, middle).Has(mmu.FlagRW))

	// The frame association survives the protection change.
	_, ok := env.mmu.Translate(dir, middle)
	assert.True(t, ok)
	assert.Equal(t, 3, env.bank.FramesInUse())
}

func TestProtectSameFlagsKeepsRangeWhole(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	addr, err := env.mgr.Map(0, 3*pageSize, FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)

	// A protect that changes nothing must not fragment the range list.
	require.Nil(t, env.mgr.Protect(addr+pageSize, pageSize, mmu.FlagPresent|mmu.FlagRW))

	snap := env.mgr.KernelSpace().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, RangeInfo{Start: addr, End: addr + 3*pageSize, VFlags: FlagAllocateNow, MFlags: mmu.FlagPresent | mmu.FlagRW}, snap[0])
}

func TestValidate(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	addr, err := env.mgr.Map(0, 2*pageSize, FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)

	t.Run("writable buffer", func(t *testing.T) {
		assert.True(t, env.mgr.Validate(addr, 2*pageSize, 0))
		assert.True(t, env.mgr.Validate(addr+100, 300, 0))
		assert.True(t, env.mgr.Validate(addr, 2*pageSize, ValidateStrict))
	})

	t.Run("zero size is trivially valid", func(t *testing.T) {
		assert.True(t, env.mgr.Validate(addr, 0, ValidateStrict))
	})

	t.Run("uncovered pages fail", func(t *testing.T) {
		assert.False(t, env.mgr.Validate(addr, 3*pageSize, 0))
		assert.False(t, env.mgr.Validate(testKernelStart+0x800000, pageSize, 0))
	})

	t.Run("user access to kernel memory fails", func(t *testing.T) {
		assert.False(t, env.mgr.Validate(addr, pageSize, ValidateUser))
	})

	t.Run("window straddling fails", func(t *testing.T) {
		assert.False(t, env.mgr.Validate(testKernelEnd-pageSize, 2*pageSize, 0))
	})

	t.Run("addresses outside any window fail", func(t *testing.T) {
		assert.False(t, env.mgr.Validate(0x100, pageSize, 0))
	})

	t.Run("read-only ranges", func(t *testing.T) {
		roAddr, err := env.mgr.Map(0, pageSize, FlagAllocateNow, mmu.FlagPresent)
		require.Nil(t, err)

		assert.False(t, env.mgr.Validate(roAddr, pageSize, 0), "write access to a read-only range must fail")
		assert.True(t, env.mgr.Validate(roAddr, pageSize, ValidateReadOnly))
		assert.True(t, env.mgr.Validate(roAddr, pageSize, ValidateReadOnly|ValidateStrict))
	})

	t.Run("strict requires present pages", func(t *testing.T) {
		env.cpu = 0
		ctx, err := env.mgr.CreateContext()
		require.Nil(t, err)
		env.mgr.Switch(ctx)
		defer func() {
			env.mgr.Switch(env.mgr.KernelContext())
			require.Nil(t, env.mgr.DestroyContext(ctx))
		}()

		lazyAddr, err := env.mgr.Map(testUserStart, pageSize, 0, mmu.FlagPresent|mmu.FlagRW|mmu.FlagUser)
		require.Nil(t, err)

		assert.True(t, env.mgr.Validate(lazyAddr, pageSize, ValidateUser))
		assert.False(t, env.mgr.Validate(lazyAddr, pageSize, ValidateUser|ValidateStrict))

		require.True(t, env.mgr.Fault(lazyAddr, FaultWrite))
		assert.True(t, env.mgr.Validate(lazyAddr, pageSize, ValidateUser|ValidateStrict))
	})
}
