package vmm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmos/kernel"
	"vmos/kernel/mm"
	"vmos/kernel/mm/mmu"
	"vmos/kernel/mm/mmu/softmmu"
	"vmos/kernel/mm/pmm"
)

const (
	testKernelStart = uintptr(0x1000000)
	testKernelEnd   = uintptr(0x2000000)
	testUserStart   = uintptr(0x4000000)
	testUserEnd     = uintptr(0x8000000)

	pageSize = uintptr(mm.PageSize)
)

type testEnv struct {
	mgr  *Manager
	mmu  *softmmu.MMU
	bank *pmm.Bank

	// cpu is what the manager's CurrentCPU callback reports; tests flip
	// it to impersonate another processor.
	cpu int

	// remoteFlushes records the CPU ids handed to the RemoteFlush
	// callback by the default shootdown implementation.
	remoteFlushes []int
}

func newTestEnv(t *testing.T, frames, maxCPUs int) *testEnv {
	t.Helper()

	env := &testEnv{}

	bank, err := pmm.NewBank(frames)
	require.Nil(t, err)
	bank.Install()
	t.Cleanup(func() {
		mm.SetFrameAllocator(nil)
		mm.SetFrameReleaser(nil)
		mm.SetFrameRunAllocator(nil)
		bank.Close()
	})

	env.bank = bank
	env.mmu = softmmu.New(testKernelStart, testKernelEnd)

	mgr, kerr := New(Config{
		MMU:         env.mmu,
		FrameBytes:  bank.FrameBytes,
		KernelStart: testKernelStart,
		KernelEnd:   testKernelEnd,
		UserStart:   testUserStart,
		UserEnd:     testUserEnd,
		MaxCPUs:     maxCPUs,
		CurrentCPU:  func() int { return env.cpu },
		RemoteFlush: func(cpu int) { env.remoteFlushes = append(env.remoteFlushes, cpu) },
	})
	require.Nil(t, kerr)
	env.mgr = mgr

	return env
}

func TestNewValidation(t *testing.T) {
	soft := softmmu.New(testKernelStart, testKernelEnd)
	frameBytes := func(mm.Frame) []byte { return nil }

	valid := Config{
		MMU:         soft,
		FrameBytes:  frameBytes,
		KernelStart: testKernelStart,
		KernelEnd:   testKernelEnd,
		UserStart:   testUserStart,
		UserEnd:     testUserEnd,
	}

	specs := []struct {
		descr  string
		mut    func(*Config)
		expErr *kernel.Error
	}{
		{"missing mmu", func(c *Config) { c.MMU = nil }, errNoMMU},
		{"missing frame view", func(c *Config) { c.FrameBytes = nil }, errNoMMU},
		{"unaligned kernel window", func(c *Config) { c.KernelStart += 3 }, errBadWindow},
		{"empty user window", func(c *Config) { c.UserEnd = c.UserStart }, errBadWindow},
		{"inverted kernel window", func(c *Config) { c.KernelEnd = c.KernelStart - pageSize }, errBadWindow},
		{"overlapping windows", func(c *Config) { c.UserStart = c.KernelStart; c.UserEnd = c.KernelEnd }, errBadWindow},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			cfg := valid
			spec.mut(&cfg)
			_, err := New(cfg)
			assert.Equal(t, spec.expErr, err)
		})
	}
}

func TestNewBootState(t *testing.T) {
	env := newTestEnv(t, 16, 1)

	require.NotNil(t, env.mgr.KernelContext())
	assert.True(t, env.mgr.KernelContext().IsKernel())
	assert.Equal(t, env.mgr.KernelContext(), env.mgr.currentContext())
	assert.Equal(t, env.mgr.KernelContext().dir, env.mmu.ActiveDirectory())

	start, end := env.mgr.KernelSpace().Bounds()
	assert.Equal(t, testKernelStart, start)
	assert.Equal(t, testKernelEnd, end)
}

func TestAttachCPU(t *testing.T) {
	env := newTestEnv(t, 16, 2)

	env.mgr.AttachCPU(1)

	env.cpu = 1
	assert.Equal(t, env.mgr.KernelContext(), env.mgr.currentContext())
	env.cpu = 0

	assert.Panics(t, func() { env.mgr.AttachCPU(2) })
	assert.Panics(t, func() { env.mgr.AttachCPU(-1) })
}

func TestShootdownBroadcast(t *testing.T) {
	env := newTestEnv(t, 64, 2)
	sd := env.mgr.shooter.(*coarseShootdown)

	addr, err := env.mgr.Map(0, pageSize, FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)
	require.Nil(t, env.mgr.Unmap(addr, pageSize))
	assert.EqualValues(t, 0, sd.Broadcasts(), "a single attached CPU must not broadcast")

	env.mgr.AttachCPU(1)

	addr, err = env.mgr.Map(0, pageSize, FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)
	require.Nil(t, env.mgr.Unmap(addr, pageSize))

	assert.NotZero(t, sd.Broadcasts())
	assert.Equal(t, sd.Broadcasts(), sd.RemoteFlushes(), "exactly one remote CPU per broadcast")
}

func TestRemoteFlushHandler(t *testing.T) {
	env := newTestEnv(t, 64, 3)

	env.mgr.AttachCPU(1)
	env.mgr.AttachCPU(2)

	addr, err := env.mgr.Map(0, pageSize, FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)

	env.remoteFlushes = nil
	require.Nil(t, env.mgr.Unmap(addr, pageSize))

	require.NotEmpty(t, env.remoteFlushes, "each remote CPU must be notified")
	assert.NotContains(t, env.remoteFlushes, 0, "the initiating CPU must not be notified")
	assert.Contains(t, env.remoteFlushes, 1)
	assert.Contains(t, env.remoteFlushes, 2)
}

func TestShootdownReplacement(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	var calls int
	env.mgr.SetShootdown(shootdownFn(func(start, end uintptr) { calls++ }))

	addr, err := env.mgr.Map(0, pageSize, FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)
	require.Nil(t, env.mgr.Unmap(addr, pageSize))

	assert.NotZero(t, calls)
}

type shootdownFn func(start, end uintptr)

func (fn shootdownFn) Broadcast(start, end uintptr) { fn(start, end) }

func TestLocalInvalidation(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	before := env.mmu.RangeFlushes()
	addr, err := env.mgr.Map(0, pageSize, FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)
	require.Nil(t, env.mgr.Unmap(addr, pageSize))

	assert.True(t, env.mmu.RangeFlushes() > before, "unmap must invalidate the local translation cache")
}

func TestDumpContext(t *testing.T) {
	env := newTestEnv(t, 64, 1)

	_, err := env.mgr.Map(0, 2*pageSize, FlagAllocateNow, mmu.FlagPresent|mmu.FlagRW)
	require.Nil(t, err)

	var buf bytes.Buffer
	env.mgr.DumpContext(env.mgr.KernelContext(), &buf)

	out := buf.String()
	assert.Contains(t, out, "[vmm] address space")
	assert.Contains(t, out, "range")
}
