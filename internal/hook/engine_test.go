package hook_test

import (
	"context"
	"encoding/binary"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/cpu"
	"github.com/riftdbg/rift/internal/cpu/sim"
	"github.com/riftdbg/rift/internal/ept"
	"github.com/riftdbg/rift/internal/hook"
	"github.com/riftdbg/rift/internal/mm"
)

const (
	testPid  = uint32(1234)
	testCr3  = uint64(0x00ABC000)
	testVa   = uint64(0x00007FF6_12340000)
	testPa   = uint64(60 << 20) // clear of the allocator's bump range
	testCode = uint64(0x140001000)
)

type harness struct {
	machine  *sim.Machine
	state    *ept.State
	engine   *hook.Engine
	launched bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	machine := sim.New(sim.Options{})
	t.Cleanup(func() { machine.Close() })

	resolver, err := ept.BuildMtrrMap(machine.Core(0))
	require.NoError(t, err)

	require.NoError(t, machine.Pool().Reserve(mm.PoolIntentSplitPage, 8))
	require.NoError(t, machine.Pool().Reserve(mm.PoolIntentExecTrampoline, 4))

	state, err := ept.NewState(slog.Default(), machine.Allocator(), machine.Pool(), resolver, 64<<20)
	require.NoError(t, err)

	h := &harness{machine: machine, state: state, launched: true}
	h.engine = hook.NewEngine(slog.Default(), state, machine.Mapper(), machine.Pool(),
		ept.SupportsExecuteOnly(machine.Core(0)), func() bool { return h.launched })

	machine.MapProcessPage(testPid, testCr3, testVa, testPa)
	return h
}

// seedGuestPage fills the hooked page with code that the trampoline
// relocator can copy: a 10-byte mov rax,imm64 followed by four pushes.
func (h *harness) seedGuestPage(t *testing.T) []byte {
	t.Helper()

	page := make([]byte, arch.PageSize)
	page[0] = 0x48
	page[1] = 0xB8
	binary.LittleEndian.PutUint64(page[2:], 0x1122334455667788)
	page[10], page[11], page[12], page[13] = 0x50, 0x50, 0x50, 0x50 // push rax
	for i := 14; i < len(page); i++ {
		page[i] = 0x90
	}

	require.NoError(t, h.machine.Mapper().WriteVirtualSafe(testVa, page, testCr3))
	return page
}

func (h *harness) readGuestByte(t *testing.T, va uint64) byte {
	t.Helper()
	var b [1]byte
	require.NoError(t, h.machine.Mapper().ReadVirtualSafe(va, b[:], testCr3))
	return b[0]
}

func (h *harness) pageEntry(t *testing.T, kind ept.HierarchyKind) arch.EptEntry {
	t.Helper()
	hier, err := h.state.Hierarchy(kind)
	require.NoError(t, err)
	entry, err := hier.PageEntry(testPa)
	require.NoError(t, err)
	return entry
}

func TestBreakpointRoundTrip(t *testing.T) {
	h := newHarness(t)
	original := h.seedGuestPage(t)

	handle, err := h.engine.InstallBreakpoint(testVa+0x20, testPid)
	require.NoError(t, err)
	assert.NotZero(t, handle)

	assert.Equal(t, byte(0xCC), h.readGuestByte(t, testVa+0x20))

	entry := h.pageEntry(t, ept.HierarchyDefault)
	assert.False(t, entry.Execute(), "execute must trap while hooked")
	assert.True(t, entry.Read())
	assert.True(t, entry.Write())

	assert.Equal(t, 1, h.engine.Count(ept.HookKindBreakpoint))

	require.NoError(t, h.engine.RemoveByVirtual(testVa+0x20, testPid))
	assert.Equal(t, original[0x20], h.readGuestByte(t, testVa+0x20))

	entry = h.pageEntry(t, ept.HierarchyDefault)
	assert.True(t, entry.Execute(), "removal restores the original mapping")
	assert.Zero(t, h.engine.Len())
}

func TestBreakpointRequiresLaunchedHypervisor(t *testing.T) {
	h := newHarness(t)
	h.seedGuestPage(t)
	h.launched = false

	_, err := h.engine.InstallBreakpoint(testVa, testPid)
	assert.ErrorIs(t, err, hook.ErrHypervisorNotRunning)
}

func TestBreakpointsAccumulateOnOnePage(t *testing.T) {
	h := newHarness(t)
	h.seedGuestPage(t)

	h1, err := h.engine.InstallBreakpoint(testVa+0x10, testPid)
	require.NoError(t, err)
	h2, err := h.engine.InstallBreakpoint(testVa+0x30, testPid)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "same page, same record")
	assert.Equal(t, 1, h.engine.Len())
	assert.Equal(t, byte(0xCC), h.readGuestByte(t, testVa+0x10))
	assert.Equal(t, byte(0xCC), h.readGuestByte(t, testVa+0x30))

	_, err = h.engine.InstallBreakpoint(testVa+0x10, testPid)
	assert.ErrorIs(t, err, hook.ErrHookAlreadyExists)
}

func TestBreakpointOnUnmappedAddressFails(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.InstallBreakpoint(0xDEADBEEF000, testPid)
	assert.ErrorIs(t, err, mm.ErrTranslationFailed)

	_, err = h.engine.InstallBreakpoint(testVa, 9999)
	assert.ErrorIs(t, err, mm.ErrNoSuchProcess)
}

func TestDetourInstall(t *testing.T) {
	h := newHarness(t)
	original := h.seedGuestPage(t)

	handle, err := h.engine.InstallDetour(testVa, testPid, hook.DetourOptions{Target: testCode})
	require.NoError(t, err)
	assert.NotZero(t, handle)

	// patch site: jmp [rip+0]; dq target
	patched := make([]byte, 14)
	require.NoError(t, h.machine.Mapper().ReadVirtualSafe(testVa, patched, testCr3))
	assert.Equal(t, byte(0xFF), patched[0])
	assert.Equal(t, byte(0x25), patched[1])
	assert.Equal(t, testCode, binary.LittleEndian.Uint64(patched[6:]))

	// trampoline: the relocated 14-byte prologue, then a jump back
	page, err := h.state.Registry().Get(handle)
	require.NoError(t, err)
	assert.Equal(t, original[:14], page.Trampoline.Bytes[:14])
	assert.Equal(t, byte(0xFF), page.Trampoline.Bytes[14])
	assert.Equal(t, byte(0x25), page.Trampoline.Bytes[15])
	assert.Equal(t, testVa+14, binary.LittleEndian.Uint64(page.Trampoline.Bytes[20:28]))
	assert.Equal(t, testVa+14, page.ReturnAddress)

	entry := h.pageEntry(t, ept.HierarchyDefault)
	assert.False(t, entry.Execute())

	require.NoError(t, h.engine.RemoveByPhysical(testPa))
	restored := make([]byte, 14)
	require.NoError(t, h.machine.Mapper().ReadVirtualSafe(testVa, restored, testCr3))
	assert.Equal(t, original[:14], restored)
}

func TestDetourRejectsRipRelativePrologue(t *testing.T) {
	h := newHarness(t)

	page := make([]byte, arch.PageSize)
	// mov rax, [rip+0x10] cannot move to the trampoline unchanged
	copy(page, []byte{0x48, 0x8B, 0x05, 0x10, 0x00, 0x00, 0x00})
	require.NoError(t, h.machine.Mapper().WriteVirtualSafe(testVa, page, testCr3))

	_, err := h.engine.InstallDetour(testVa, testPid, hook.DetourOptions{Target: testCode})
	assert.ErrorIs(t, err, hook.ErrUnsupportedInstruction)
	assert.Zero(t, h.engine.Len(), "failed install leaves nothing registered")
}

func TestDetourRejectsPageBoundary(t *testing.T) {
	h := newHarness(t)
	h.seedGuestPage(t)

	_, err := h.engine.InstallDetour(testVa+arch.PageSize-4, testPid, hook.DetourOptions{Target: testCode})
	assert.ErrorIs(t, err, hook.ErrPageBoundary)
}

func TestHiddenDetourPatchesPageAndHidesContent(t *testing.T) {
	h := newHarness(t)
	original := h.seedGuestPage(t)

	handle, err := h.engine.InstallDetour(testVa, testPid, hook.DetourOptions{Target: testCode, Hidden: true})
	require.NoError(t, err)

	// the redirect is real: the guest page carries the jump patch
	patched := make([]byte, 14)
	require.NoError(t, h.machine.Mapper().ReadVirtualSafe(testVa, patched, testCr3))
	assert.Equal(t, byte(0xFF), patched[0])
	assert.Equal(t, byte(0x25), patched[1])
	assert.Equal(t, testCode, binary.LittleEndian.Uint64(patched[6:]))

	// the backup preserves the hidden view reads are served from
	page, err := h.state.Registry().Get(handle)
	require.NoError(t, err)
	assert.Equal(t, original[:14], page.OriginalBytes[:14])

	// the leaf the live EPT pointer walks is execute-only: the patch
	// runs without exiting, reads and writes trap
	assert.Equal(t, ept.HierarchyDefault, page.Hierarchy)
	entry := h.pageEntry(t, ept.HierarchyDefault)
	assert.True(t, entry.Execute())
	assert.False(t, entry.Read())
	assert.False(t, entry.Write())
	assert.False(t, h.state.HasHierarchy(ept.HierarchyExecuteOnly),
		"no secondary hierarchy; the protection lives in the active one")

	require.NoError(t, h.engine.RemoveByPhysical(testPa))
	restored := make([]byte, 14)
	require.NoError(t, h.machine.Mapper().ReadVirtualSafe(testVa, restored, testCr3))
	assert.Equal(t, original[:14], restored)
}

func TestDuplicateDetourFails(t *testing.T) {
	h := newHarness(t)
	h.seedGuestPage(t)

	_, err := h.engine.InstallDetour(testVa, testPid, hook.DetourOptions{Target: testCode})
	require.NoError(t, err)

	_, err = h.engine.InstallDetour(testVa+0x40, testPid, hook.DetourOptions{Target: testCode})
	assert.ErrorIs(t, err, hook.ErrHookAlreadyExists)
}

func TestRemoveNonexistentReportsNotFound(t *testing.T) {
	h := newHarness(t)
	h.seedGuestPage(t)

	err := h.engine.RemoveByVirtual(testVa, testPid)
	assert.ErrorIs(t, err, hook.ErrHookNotFound)

	err = h.engine.RemoveByPhysical(testPa)
	assert.ErrorIs(t, err, hook.ErrHookNotFound)
}

func TestRemoveAll(t *testing.T) {
	h := newHarness(t)
	h.seedGuestPage(t)

	const secondVa = testVa + 0x10000
	const secondPa = testPa + 0x2000
	h.machine.MapProcessPage(testPid, testCr3, secondVa, secondPa)
	page := make([]byte, arch.PageSize)
	for i := range page {
		page[i] = 0x90
	}
	require.NoError(t, h.machine.Mapper().WriteVirtualSafe(secondVa, page, testCr3))

	_, err := h.engine.InstallBreakpoint(testVa+8, testPid)
	require.NoError(t, err)
	_, err = h.engine.InstallBreakpoint(secondVa+8, testPid)
	require.NoError(t, err)
	require.Equal(t, 2, h.engine.Len())

	require.NoError(t, h.engine.RemoveAll())
	assert.Zero(t, h.engine.Len())
	assert.Equal(t, byte(0x90), h.readGuestByte(t, secondVa+8))
}

// exitRecorder routes exits into the engine the way the dispatcher
// does, recording outcomes for assertions.
type exitRecorder struct {
	engine   *hook.Engine
	outcomes []hook.ViolationOutcome
	mtfExits int
}

func (r *exitRecorder) HandleExit(core cpu.Core, exit arch.ExitInfo) error {
	switch exit.Reason {
	case arch.ExitReasonEptViolation:
		out, err := r.engine.HandleEptViolation(core, exit)
		r.outcomes = append(r.outcomes, out)
		return err
	case arch.ExitReasonMonitorTrapFlag:
		r.mtfExits++
		return r.engine.HandleMonitorTrap(core)
	default:
		return nil
	}
}

// launchVmxOnCore walks core 0 through a minimal VMXON/VMCS/VMLAUNCH so
// the simulated machine can deliver exits to it.
func launchVmxOnCore(t *testing.T, machine *sim.Machine, coreID int) {
	t.Helper()

	err := machine.RunOnCore(context.Background(), coreID, func(core cpu.Core) error {
		core.WriteCr4(core.ReadCr4() | arch.Cr4VMXE)

		basic, err := core.ReadMsr(arch.MsrIA32VmxBasic)
		if err != nil {
			return err
		}
		rev := arch.VmxBasicRevisionID(basic)

		vmxon, err := machine.Allocator().AllocateContiguous(arch.PageSize)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(vmxon.Bytes, rev)
		if err := core.Vmxon(vmxon.PhysicalAddress); err != nil {
			return err
		}

		vmcs, err := machine.Allocator().AllocateContiguous(arch.PageSize)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(vmcs.Bytes, rev)
		if err := core.Vmclear(vmcs.PhysicalAddress); err != nil {
			return err
		}
		if err := core.Vmptrld(vmcs.PhysicalAddress); err != nil {
			return err
		}
		if err := core.Vmwrite(arch.VmcsCtrlProcBased, uint64(arch.ProcBasedActivateSecondary)); err != nil {
			return err
		}
		return core.Vmlaunch()
	})
	require.NoError(t, err)
}

func TestViolationSingleStepsAndReprotects(t *testing.T) {
	h := newHarness(t)
	h.seedGuestPage(t)

	recorder := &exitRecorder{engine: h.engine}
	h.machine.SetExitDelegate(recorder)
	launchVmxOnCore(t, h.machine, 0)

	_, err := h.engine.InstallBreakpoint(testVa+0x20, testPid)
	require.NoError(t, err)

	// a benign write to the hooked page: suppressed bit is execute, so
	// the write does not trap in hardware, but an execute fetch does
	qual := uint64(1 << 2) // execute access
	require.NoError(t, h.machine.TriggerEptViolation(context.Background(), 0, testPa+0x20, arch.EptViolationQualification(qual)))

	require.Len(t, recorder.outcomes, 1)
	out := recorder.outcomes[0]
	assert.True(t, out.Hooked)
	assert.True(t, out.ExecViolation)
	assert.True(t, out.PostEventAllowed)
	assert.False(t, out.SuppressEmulation)

	// the monitor-trap single step ran and the page is protected again
	assert.Equal(t, 1, recorder.mtfExits)
	entry := h.pageEntry(t, ept.HierarchyDefault)
	assert.False(t, entry.Execute())
}

func TestViolationOnUnhookedPagePassesThrough(t *testing.T) {
	h := newHarness(t)
	h.seedGuestPage(t)

	recorder := &exitRecorder{engine: h.engine}
	h.machine.SetExitDelegate(recorder)
	launchVmxOnCore(t, h.machine, 0)

	qual := uint64(1 << 1) // write access
	require.NoError(t, h.machine.TriggerEptViolation(context.Background(), 0, 48<<20, arch.EptViolationQualification(qual)))

	require.Len(t, recorder.outcomes, 1)
	assert.False(t, recorder.outcomes[0].Hooked)
	assert.Zero(t, recorder.mtfExits, "no single step for unrelated faults")
}

func TestDetourExecViolationSuppressesEmulation(t *testing.T) {
	h := newHarness(t)
	h.seedGuestPage(t)

	recorder := &exitRecorder{engine: h.engine}
	h.machine.SetExitDelegate(recorder)
	launchVmxOnCore(t, h.machine, 0)

	_, err := h.engine.InstallDetour(testVa, testPid, hook.DetourOptions{Target: testCode})
	require.NoError(t, err)

	qual := uint64(1 << 2) // instruction fetch on the exec-suppressed page
	require.NoError(t, h.machine.TriggerEptViolation(context.Background(), 0, testPa, arch.EptViolationQualification(qual)))

	require.Len(t, recorder.outcomes, 1)
	out := recorder.outcomes[0]
	assert.True(t, out.Hooked)
	assert.True(t, out.ExecViolation)
	assert.True(t, out.PostEventAllowed)
	assert.True(t, out.SuppressEmulation,
		"the fetch is the redirect itself; emulating the original would skip the hook")

	// the single step ran the patched jump and the protection is back
	assert.Equal(t, 1, recorder.mtfExits)
	entry := h.pageEntry(t, ept.HierarchyDefault)
	assert.False(t, entry.Execute())
}

func TestHiddenDetourReadSuppressesEmulation(t *testing.T) {
	h := newHarness(t)
	h.seedGuestPage(t)

	recorder := &exitRecorder{engine: h.engine}
	h.machine.SetExitDelegate(recorder)
	launchVmxOnCore(t, h.machine, 0)

	_, err := h.engine.InstallDetour(testVa, testPid, hook.DetourOptions{Target: testCode, Hidden: true})
	require.NoError(t, err)

	qual := uint64(1 << 0) // read access on the execute-only page
	require.NoError(t, h.machine.TriggerEptViolation(context.Background(), 0, testPa, arch.EptViolationQualification(qual)))

	require.Len(t, recorder.outcomes, 1)
	out := recorder.outcomes[0]
	assert.True(t, out.Hooked)
	assert.False(t, out.ExecViolation)
	assert.True(t, out.SuppressEmulation, "reads must not observe hidden content")
	assert.True(t, out.PostEventAllowed)
	assert.Equal(t, 1, recorder.mtfExits)
}
