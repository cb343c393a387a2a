package sim

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/cpu"
	"github.com/riftdbg/rift/internal/mm"
)

func TestTopologyDispatch(t *testing.T) {
	m := New(Options{Cores: 4})
	defer m.Close()

	ctx := context.Background()
	require.Equal(t, 4, m.CoreCount())

	// tasks observe the core they were dispatched to
	for i := 0; i < 4; i++ {
		i := i
		err := m.RunOnCore(ctx, i, func(core cpu.Core) error {
			assert.Equal(t, i, core.ID())
			return nil
		})
		require.NoError(t, err)
	}

	seen := make([]bool, 4)
	err := m.RunOnAllCores(ctx, func(core cpu.Core) error {
		seen[core.ID()] = true
		return nil
	})
	require.NoError(t, err)
	for i, ok := range seen {
		assert.True(t, ok, "core %d never ran the task", i)
	}

	err = m.RunOnCore(ctx, 99, func(cpu.Core) error { return nil })
	require.ErrorIs(t, err, cpu.ErrNoSuchCore)
}

func TestRunOnAllCoresReportsFailingCore(t *testing.T) {
	m := New(Options{Cores: 4})
	defer m.Close()

	boom := errors.New("boom")
	ran := make([]bool, 4)
	err := m.RunOnAllCores(context.Background(), func(core cpu.Core) error {
		ran[core.ID()] = true
		if core.ID() == 2 {
			return boom
		}
		return nil
	})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "core 2")

	// a failure never short-circuits the broadcast
	for i, ok := range ran {
		assert.True(t, ok, "core %d skipped", i)
	}
}

func TestMapperTranslateAndSafeCopy(t *testing.T) {
	m := New(Options{})
	defer m.Close()
	mp := m.Mapper()

	const (
		pid = uint32(50)
		cr3 = uint64(0x111000)
		va  = uint64(0x7FF600000000)
		pa  = uint64(32 << 20)
	)
	m.MapProcessPage(pid, cr3, va, pa)
	m.MapProcessPage(pid, cr3, va+arch.PageSize, pa+arch.PageSize)

	got, err := mp.Cr3ForProcess(pid)
	require.NoError(t, err)
	assert.Equal(t, cr3, got)

	_, err = mp.Cr3ForProcess(51)
	require.ErrorIs(t, err, mm.ErrNoSuchProcess)

	trans, err := mp.Translate(va+0x123, cr3)
	require.NoError(t, err)
	assert.Equal(t, pa+0x123, trans)

	_, err = mp.Translate(va+2*arch.PageSize, cr3)
	require.ErrorIs(t, err, mm.ErrTranslationFailed)

	// a write that straddles the two mapped pages round-trips
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	straddle := va + arch.PageSize - 32
	require.NoError(t, mp.WriteVirtualSafe(straddle, payload, cr3))

	back := make([]byte, 64)
	require.NoError(t, mp.ReadVirtualSafe(straddle, back, cr3))
	assert.Equal(t, payload, back)

	assert.True(t, mp.CheckAccessSafety(straddle, 64, cr3))
	assert.False(t, mp.CheckAccessSafety(va+arch.PageSize, 2*arch.PageSize, cr3))

	// unmapping turns the same copy into an unsafe access
	m.UnmapProcessPage(cr3, va+arch.PageSize)
	err = mp.ReadVirtualSafe(straddle, back, cr3)
	require.ErrorIs(t, err, mm.ErrUnsafeAccess)
}

func TestAllocatorDetectsDoubleFree(t *testing.T) {
	m := New(Options{})
	defer m.Close()
	alloc := m.Allocator()

	r1, err := alloc.AllocateContiguous(arch.PageSize)
	require.NoError(t, err)
	r2, err := alloc.AllocateContiguous(3 * arch.PageSize)
	require.NoError(t, err)

	assert.Zero(t, r1.PhysicalAddress%arch.PageSize)
	assert.Zero(t, r2.PhysicalAddress%arch.PageSize)
	assert.NotEqual(t, r1.PhysicalAddress, r2.PhysicalAddress)
	assert.Equal(t, uint64(3*arch.PageSize), r2.Size())

	require.NoError(t, alloc.Free(r1))
	assert.Equal(t, 1, m.FreedRegions())
	require.Error(t, alloc.Free(r1))

	_, err = alloc.AllocateContiguous(0)
	require.Error(t, err)

	// the bump allocator refuses to cross the end of physical memory
	_, err = alloc.AllocateContiguous(1 << 40)
	require.ErrorIs(t, err, mm.ErrOutOfMemory)
}

func TestPoolReserveRequestRelease(t *testing.T) {
	m := New(Options{})
	defer m.Close()
	pool := m.Pool()

	require.NoError(t, pool.Reserve(mm.PoolIntentSplitPage, 2))

	r1, err := pool.Request(mm.PoolIntentSplitPage)
	require.NoError(t, err)
	r2, err := pool.Request(mm.PoolIntentSplitPage)
	require.NoError(t, err)
	assert.NotEqual(t, r1.PhysicalAddress, r2.PhysicalAddress)

	_, err = pool.Request(mm.PoolIntentSplitPage)
	require.ErrorIs(t, err, mm.ErrPoolExhausted)

	// intents draw from separate reserves
	_, err = pool.Request(mm.PoolIntentExecTrampoline)
	require.ErrorIs(t, err, mm.ErrPoolExhausted)

	r1.Bytes[0] = 0xAA
	require.NoError(t, pool.Release(r1))
	r3, err := pool.Request(mm.PoolIntentSplitPage)
	require.NoError(t, err)
	assert.Equal(t, r1.PhysicalAddress, r3.PhysicalAddress)
	assert.Zero(t, r3.Bytes[0], "released pages must come back zeroed")

	pool.Uninitialize()
	assert.NotZero(t, m.FreedRegions())
}

func TestPoolReleaseKeepsIntentReserves(t *testing.T) {
	m := New(Options{})
	defer m.Close()
	pool := m.Pool()

	require.NoError(t, pool.Reserve(mm.PoolIntentSplitPage, 1))
	require.NoError(t, pool.Reserve(mm.PoolIntentExecTrampoline, 1))

	// a request/release cycle must not drain one reserve into another
	for cycle := 0; cycle < 3; cycle++ {
		tr, err := pool.Request(mm.PoolIntentExecTrampoline)
		require.NoError(t, err, "cycle %d", cycle)
		require.NoError(t, pool.Release(tr))
	}

	tr, err := pool.Request(mm.PoolIntentExecTrampoline)
	require.NoError(t, err, "trampoline reserve drained by release cycles")

	sp, err := pool.Request(mm.PoolIntentSplitPage)
	require.NoError(t, err)
	assert.NotEqual(t, tr.PhysicalAddress, sp.PhysicalAddress)

	// the split reserve held exactly its own page
	_, err = pool.Request(mm.PoolIntentSplitPage)
	require.ErrorIs(t, err, mm.ErrPoolExhausted)
}

func newVmxRegion(t *testing.T, m *Machine) mm.Region {
	t.Helper()
	r, err := m.Allocator().AllocateContiguous(arch.PageSize)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(r.Bytes, simVmxRevision)
	return r
}

func TestVmxonGating(t *testing.T) {
	m := New(Options{})
	defer m.Close()
	ctx := context.Background()

	err := m.RunOnCore(ctx, 0, func(core cpu.Core) error {
		region := newVmxRegion(t, m)

		// CR4.VMXE must be set first
		require.ErrorIs(t, core.Vmxon(region.PhysicalAddress), cpu.ErrVmFail)
		core.WriteCr4(core.ReadCr4() | arch.Cr4VMXE)

		// a wrong revision identifier is rejected
		bad, err := m.Allocator().AllocateContiguous(arch.PageSize)
		require.NoError(t, err)
		binary.LittleEndian.PutUint32(bad.Bytes, simVmxRevision+1)
		require.ErrorIs(t, core.Vmxon(bad.PhysicalAddress), cpu.ErrVmFail)

		require.NoError(t, core.Vmxon(region.PhysicalAddress))
		require.ErrorIs(t, core.Vmxon(region.PhysicalAddress), cpu.ErrVmFail)

		require.NoError(t, core.Vmxoff())
		require.ErrorIs(t, core.Vmxoff(), cpu.ErrVmFail)
		return nil
	})
	require.NoError(t, err)
}

func TestVmcsAccessOutsideVmxOperationFails(t *testing.T) {
	m := New(Options{})
	defer m.Close()
	ctx := context.Background()

	err := m.RunOnCore(ctx, 0, func(core cpu.Core) error {
		_, err := core.Vmread(arch.VmcsGuestRip)
		require.ErrorIs(t, err, cpu.ErrNotInVmxOperation)
		require.ErrorIs(t, core.Vmclear(0x1000), cpu.ErrNotInVmxOperation)
		require.ErrorIs(t, core.Invept(true, 0), cpu.ErrNotInVmxOperation)

		vmxon := newVmxRegion(t, m)
		vmcs := newVmxRegion(t, m)
		core.WriteCr4(core.ReadCr4() | arch.Cr4VMXE)
		require.NoError(t, core.Vmxon(vmxon.PhysicalAddress))

		// in root operation but no current VMCS
		_, err = core.Vmread(arch.VmcsGuestRip)
		require.ErrorIs(t, err, cpu.ErrNotInVmxOperation)

		// VMPTRLD requires a prior VMCLEAR
		require.ErrorIs(t, core.Vmptrld(vmcs.PhysicalAddress), cpu.ErrVmFail)
		require.NoError(t, core.Vmclear(vmcs.PhysicalAddress))
		require.NoError(t, core.Vmptrld(vmcs.PhysicalAddress))

		require.NoError(t, core.Vmwrite(arch.VmcsGuestRip, 0x1234))
		v, err := core.Vmread(arch.VmcsGuestRip)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x1234), v)

		return core.Vmxoff()
	})
	require.NoError(t, err)
}

type nopDelegate struct{}

func (nopDelegate) HandleExit(cpu.Core, arch.ExitInfo) error { return nil }

func TestLaunchedGuestGatesVmcsAccess(t *testing.T) {
	m := New(Options{})
	defer m.Close()
	m.SetExitDelegate(nopDelegate{})
	ctx := context.Background()

	err := m.RunOnCore(ctx, 0, func(core cpu.Core) error {
		vmxon := newVmxRegion(t, m)
		vmcs := newVmxRegion(t, m)
		core.WriteCr4(core.ReadCr4() | arch.Cr4VMXE)
		require.NoError(t, core.Vmxon(vmxon.PhysicalAddress))
		require.NoError(t, core.Vmclear(vmcs.PhysicalAddress))
		require.NoError(t, core.Vmptrld(vmcs.PhysicalAddress))

		require.NoError(t, core.Vmlaunch())

		// the guest is running: VMREAD outside an exit handler faults, which
		// is exactly what the deterministic root-mode probe keys on
		_, err := core.Vmread(arch.VmcsGuestVmcsLinkPointer)
		require.ErrorIs(t, err, cpu.ErrNotInVmxOperation)

		// a second VMLAUNCH of the same VMCS reports a non-clear VMCS
		require.ErrorIs(t, core.Vmlaunch(), cpu.ErrVmFail)
		return core.Vmxoff()
	})
	require.NoError(t, err)
}

func TestVmcallRequiresRunningGuest(t *testing.T) {
	m := New(Options{})
	defer m.Close()

	err := m.RunOnCore(context.Background(), 0, func(core cpu.Core) error {
		return core.Vmcall(0x1, 0, 0, 0)
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no hypervisor present")
}
