package ept_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/cpu/sim"
	"github.com/riftdbg/rift/internal/ept"
	"github.com/riftdbg/rift/internal/mm"
)

func newTestState(t *testing.T, splitPages int) (*sim.Machine, *ept.State) {
	t.Helper()

	machine := sim.New(sim.Options{})
	t.Cleanup(func() { machine.Close() })

	resolver, err := ept.BuildMtrrMap(machine.Core(0))
	require.NoError(t, err)

	require.NoError(t, machine.Pool().Reserve(mm.PoolIntentSplitPage, splitPages))

	state, err := ept.NewState(slog.Default(), machine.Allocator(), machine.Pool(), resolver, 64<<20)
	require.NoError(t, err)
	return machine, state
}

func TestCheckEptSupport(t *testing.T) {
	machine := sim.New(sim.Options{})
	defer machine.Close()

	assert.NoError(t, ept.CheckEptSupport(machine.Core(0)))
	assert.True(t, ept.SupportsExecuteOnly(machine.Core(0)))
}

func TestMtrrMap(t *testing.T) {
	machine := sim.New(sim.Options{})
	defer machine.Close()

	m, err := ept.BuildMtrrMap(machine.Core(0))
	require.NoError(t, err)

	// the first megabyte is covered by an uncacheable variable range
	assert.Equal(t, arch.MemoryTypeUncacheable, m.MemoryType(0, arch.PageSize))
	assert.Equal(t, arch.MemoryTypeUncacheable, m.MemoryType(0x80000, arch.PageSize))

	// everything else falls back to the write-back default
	assert.Equal(t, arch.MemoryTypeWriteBack, m.MemoryType(0x200000, arch.PageSize))
	assert.Equal(t, arch.MemoryTypeWriteBack, m.MemoryType(16<<20, arch.LargePageSize))

	// a large page straddling the UC range resolves to UC
	assert.Equal(t, arch.MemoryTypeUncacheable, m.MemoryType(0, arch.LargePageSize))
}

func TestIdentityMapAndSplit(t *testing.T) {
	_, state := newTestState(t, 4)

	eptp := state.EptPointer()
	assert.Equal(t, uint64(6|3<<3), eptp&0xFFF, "EPTP must select write-back, 4-level walk")
	assert.NotZero(t, arch.PageAlign(eptp))

	h, err := state.Hierarchy(ept.HierarchyDefault)
	require.NoError(t, err)

	const pa = uint64(16<<20 + 0x3000)

	_, err = h.PageEntry(pa)
	assert.ErrorIs(t, err, ept.ErrPageNotSplit)

	require.NoError(t, h.SplitLargePage(pa, state.Pool()))
	assert.True(t, h.IsSplit(pa))

	// splitting again is a no-op, no pool page consumed
	require.NoError(t, h.SplitLargePage(pa+arch.PageSize, state.Pool()))

	entry, err := h.PageEntry(pa)
	require.NoError(t, err)
	assert.Equal(t, arch.PageAlign(pa), entry.PhysicalAddress(), "split leaves stay identity-mapped")
	assert.True(t, entry.Read())
	assert.True(t, entry.Write())
	assert.True(t, entry.Execute())
	assert.False(t, entry.LargePage())
	assert.Equal(t, arch.MemoryTypeWriteBack, entry.MemoryType())

	require.NoError(t, h.SetPagePermissions(pa, true, true, false))
	entry, err = h.PageEntry(pa)
	require.NoError(t, err)
	assert.False(t, entry.Execute())
	assert.Equal(t, arch.PageAlign(pa), entry.PhysicalAddress(), "permission change keeps the translation")

	require.NoError(t, h.RestorePage(pa))
	entry, err = h.PageEntry(pa)
	require.NoError(t, err)
	assert.True(t, entry.Execute())
}

func TestSplitOutsideCoverageFails(t *testing.T) {
	_, state := newTestState(t, 1)

	h, err := state.Hierarchy(ept.HierarchyDefault)
	require.NoError(t, err)

	err = h.SplitLargePage(1<<40, state.Pool())
	assert.ErrorIs(t, err, ept.ErrAddressNotCovered)
}

func TestSplitPoolExhausted(t *testing.T) {
	_, state := newTestState(t, 0)

	h, err := state.Hierarchy(ept.HierarchyDefault)
	require.NoError(t, err)

	err = h.SplitLargePage(16<<20, state.Pool())
	assert.ErrorIs(t, err, mm.ErrPoolExhausted)
}

func TestModeBasedHierarchyOnDemand(t *testing.T) {
	_, state := newTestState(t, 2)

	assert.False(t, state.HasHierarchy(ept.HierarchyModeBased))

	h, err := state.Hierarchy(ept.HierarchyModeBased)
	require.NoError(t, err)
	assert.True(t, state.HasHierarchy(ept.HierarchyModeBased))

	const pa = uint64(8 << 20)
	require.NoError(t, h.SplitLargePage(pa, state.Pool()))

	entry, err := h.PageEntry(pa)
	require.NoError(t, err)
	assert.True(t, entry.UserExecute(), "mode-based leaves carry the user-execute bit")

	def, err := state.Hierarchy(ept.HierarchyDefault)
	require.NoError(t, err)
	require.NoError(t, def.SplitLargePage(pa, state.Pool()))
	entry, err = def.PageEntry(pa)
	require.NoError(t, err)
	assert.False(t, entry.UserExecute())

	require.NoError(t, state.ReleaseHierarchy(ept.HierarchyModeBased))
	assert.False(t, state.HasHierarchy(ept.HierarchyModeBased))
}

func TestReleaseHierarchyWithHooksFails(t *testing.T) {
	_, state := newTestState(t, 1)

	_, err := state.Hierarchy(ept.HierarchyExecuteOnly)
	require.NoError(t, err)

	_, err = state.Registry().Insert(&ept.HookedPage{
		PhysicalBase: 4 << 20,
		ProcessCr3:   0x1000,
		Hierarchy:    ept.HierarchyExecuteOnly,
	})
	require.NoError(t, err)

	err = state.ReleaseHierarchy(ept.HierarchyExecuteOnly)
	assert.Error(t, err)
}

func TestFreeRefusesLiveHooks(t *testing.T) {
	_, state := newTestState(t, 1)

	handle, err := state.Registry().Insert(&ept.HookedPage{
		PhysicalBase: 4 << 20,
		ProcessCr3:   0x1000,
	})
	require.NoError(t, err)

	assert.Error(t, state.Free())

	_, err = state.Registry().Remove(handle)
	require.NoError(t, err)
	assert.NoError(t, state.Free())
}

func TestRegistryDuplicateAndLookup(t *testing.T) {
	reg := ept.NewRegistry()

	first := &ept.HookedPage{
		Kind:           ept.HookKindBreakpoint,
		VirtualAddress: 0x7FFF00001000,
		PhysicalBase:   0x5000,
		ProcessCr3:     0xAAA000,
		ProcessID:      42,
	}
	h1, err := reg.Insert(first)
	require.NoError(t, err)

	// same frame, same address space: rejected
	_, err = reg.Insert(&ept.HookedPage{PhysicalBase: 0x5FFF &^ 0xFFF, ProcessCr3: 0xAAA000})
	assert.ErrorIs(t, err, ept.ErrDuplicateEntry)

	// same frame, different address space: allowed
	h2, err := reg.Insert(&ept.HookedPage{
		Kind:         ept.HookKindDetour,
		PhysicalBase: 0x5000,
		ProcessCr3:   0xBBB000,
	})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	got, ok := reg.LookupByFrame(0x5123)
	require.True(t, ok)
	assert.Equal(t, uint64(0x5000), got.PhysicalBase)

	got, ok = reg.LookupExact(0x5000, 0xBBB000)
	require.True(t, ok)
	assert.Equal(t, ept.HookKindDetour, got.Kind)

	got, ok = reg.LookupByVirtual(0x7FFF00001234, 0xAAA000)
	require.True(t, ok)
	assert.Equal(t, h1, got.Handle)

	_, ok = reg.LookupExact(0x5000, 0xCCC000)
	assert.False(t, ok)

	assert.Equal(t, 1, reg.Count(ept.HookKindBreakpoint))
	assert.Equal(t, 1, reg.Count(ept.HookKindDetour))
	assert.Equal(t, 2, reg.Len())
}

func TestRegistryRemoveAndHandleReuse(t *testing.T) {
	reg := ept.NewRegistry()

	h1, err := reg.Insert(&ept.HookedPage{PhysicalBase: 0x1000, ProcessCr3: 0x10})
	require.NoError(t, err)
	h2, err := reg.Insert(&ept.HookedPage{PhysicalBase: 0x2000, ProcessCr3: 0x10})
	require.NoError(t, err)

	removed, err := reg.Remove(h1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), removed.PhysicalBase)

	// removing twice reports not-found
	_, err = reg.Remove(h1)
	assert.ErrorIs(t, err, ept.ErrEntryNotFound)

	// the surviving handle stays valid
	got, err := reg.Get(h2)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2000), got.PhysicalBase)

	// freed slots are reused without invalidating live handles
	h3, err := reg.Insert(&ept.HookedPage{PhysicalBase: 0x3000, ProcessCr3: 0x10})
	require.NoError(t, err)
	assert.Equal(t, h1, h3)

	handles := reg.Handles()
	assert.Len(t, handles, 2)
}

func TestTableRegionsAccounting(t *testing.T) {
	_, state := newTestState(t, 2)

	// 64 MiB rounds to one GiB: PML4 + PDPT + one page directory
	base := len(state.TableRegions())
	assert.Equal(t, 3, base)

	h, err := state.Hierarchy(ept.HierarchyDefault)
	require.NoError(t, err)
	require.NoError(t, h.SplitLargePage(32<<20, state.Pool()))

	assert.Equal(t, base+1, len(state.TableRegions()))
}
