// Package vmm is the VMX lifecycle manager: it brings every core of the
// machine into VMX operation with its own VMCS, launches the running
// system as the guest, dispatches VM exits, and tears everything down
// in an order that never leaves a patched page without a hypervisor.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/cpu"
	"github.com/riftdbg/rift/internal/ept"
	"github.com/riftdbg/rift/internal/hook"
	"github.com/riftdbg/rift/internal/mm"
)

// VMCALL service numbers of the hypervisor bridge. Guests (including
// the kernel component of the debugger itself) request root-context
// services through these.
const (
	VmcallTest                uint64 = 0x1
	VmcallVmxoff              uint64 = 0x2
	VmcallChangePageAttrib    uint64 = 0x3
	VmcallInveptSingleContext uint64 = 0x4
	VmcallInveptAllContexts   uint64 = 0x5
	VmcallUnhookAllPages      uint64 = 0x6
	VmcallUnhookSinglePage    uint64 = 0x7
	VmcallSetVmcsControl      uint64 = 0x8
)

// ExecutionMode is the answer of the root-mode probe.
type ExecutionMode int

const (
	ModeNonRoot ExecutionMode = iota
	ModeRoot
)

func (m ExecutionMode) String() string {
	if m == ModeRoot {
		return "vmx-root"
	}
	return "vmx-non-root"
}

// hookRequest carries a rich hook descriptor into the VMCALL handler,
// standing in for the guest-physical descriptor pointer real hardware
// would pass in a register.
type hookRequest struct {
	breakpoint bool
	va         uint64
	pid        uint32
	detour     hook.DetourOptions

	// filled by the handler before the VMCALL returns
	handle ept.Handle
}

// Cluster owns one hypervisor session across every core.
type Cluster struct {
	logger *slog.Logger
	topo   cpu.Topology
	alloc  mm.ContiguousAllocator
	mapper mm.Mapper
	pool   mm.PagePool
	cfg    Config

	// physBytes is how much physical memory the EPT identity map covers.
	physBytes uint64

	vps      []*VirtualProcessor
	eptState *ept.State
	engine   *hook.Engine
	mtrr     *ept.MtrrMap

	invalidMsrs *bitset.BitSet
	revision    uint32

	launched atomic.Bool

	// hookMu serializes install requests: pendingHook is a single slot
	// read back by the VMCALL handler on core 0, so stage, VMCALL and
	// clear must never interleave across callers.
	hookMu      sync.Mutex
	pendingHook atomic.Pointer[hookRequest]
}

// New wires the cluster to a backend. The backend's exit stream is
// routed into the cluster's dispatch immediately; exits cannot occur
// before launch.
func New(logger *slog.Logger, topo cpu.Topology, alloc mm.ContiguousAllocator, mapper mm.Mapper, pool mm.PagePool, physBytes uint64, cfg Config) *Cluster {
	c := &Cluster{
		logger:    logger,
		topo:      topo,
		alloc:     alloc,
		mapper:    mapper,
		pool:      pool,
		cfg:       cfg,
		physBytes: physBytes,
	}
	for i := 0; i < topo.CoreCount(); i++ {
		c.vps = append(c.vps, newVirtualProcessor(i))
	}
	if sink, ok := topo.(cpu.ExitSink); ok {
		sink.SetExitDelegate(c)
	}
	return c
}

// VirtualProcessor exposes one core's state block.
func (c *Cluster) VirtualProcessor(coreID int) *VirtualProcessor {
	return c.vps[coreID]
}

// HookEngine exposes the EPT hook engine for inspection.
func (c *Cluster) HookEngine() *hook.Engine { return c.engine }

// EptState exposes the EPT structures for inspection.
func (c *Cluster) EptState() *ept.State { return c.eptState }

// IsLaunched reports whether every core runs under the hypervisor.
func (c *Cluster) IsLaunched() bool { return c.launched.Load() }

// Initialize brings the whole machine under the hypervisor:
// feature checks on every core, global structures once, then per-core
// regions, VMXON, VMCS setup and VMLAUNCH, finishing with a VMCALL
// round trip that proves the bridge works. Any failure rolls back
// every core that already launched.
func (c *Cluster) Initialize(ctx context.Context) error {
	if c.launched.Load() {
		return ErrAlreadyLaunched
	}

	if err := c.topo.RunOnAllCores(ctx, func(core cpu.Core) error {
		if err := CheckVmxSupport(core); err != nil {
			return err
		}
		return ept.CheckEptSupport(core)
	}); err != nil {
		return fmt.Errorf("vmm: feature check: %w", err)
	}

	if err := c.buildGlobalState(ctx); err != nil {
		return err
	}

	params := vmcsParameters{
		eptp:            c.eptState.EptPointer(),
		vpid:            c.cfg.Vpid,
		exceptionBitmap: c.cfg.ExceptionBitmap,
		movCr3Exiting:   c.cfg.MovCr3Exiting,
	}

	if err := c.topo.RunOnAllCores(ctx, func(core cpu.Core) error {
		return c.bringUpCore(core, params)
	}); err != nil {
		c.rollbackPartialInit(ctx)
		return err
	}

	c.launched.Store(true)

	if err := c.topo.RunOnAllCores(ctx, func(core cpu.Core) error {
		return core.Vmcall(VmcallTest, 0x22, 0x333, 0x4444)
	}); err != nil {
		_ = c.Terminate(ctx)
		return fmt.Errorf("vmm: VMCALL self test: %w", err)
	}

	c.logger.Info("hypervisor launched", "cores", c.topo.CoreCount(),
		"eptp", fmt.Sprintf("0x%x", params.eptp), "vpid", params.vpid)
	return nil
}

// buildGlobalState prepares everything shared across cores, before any
// core enters VMX operation.
func (c *Cluster) buildGlobalState(ctx context.Context) error {
	err := c.topo.RunOnCore(ctx, 0, func(core cpu.Core) error {
		basic, err := core.ReadMsr(arch.MsrIA32VmxBasic)
		if err != nil {
			return err
		}
		c.revision = arch.VmxBasicRevisionID(basic)

		c.invalidMsrs = buildInvalidMsrBitmap(core)

		c.mtrr, err = ept.BuildMtrrMap(core)
		return err
	})
	if err != nil {
		return fmt.Errorf("vmm: global state: %w", err)
	}

	for intent, pages := range map[mm.PoolIntent]int{
		mm.PoolIntentSplitPage:      c.cfg.Pool.SplitPages,
		mm.PoolIntentExecTrampoline: c.cfg.Pool.TrampolinePages,
		mm.PoolIntentHookDetails:    c.cfg.Pool.DetailPages,
	} {
		if err := c.pool.Reserve(intent, pages); err != nil {
			return fmt.Errorf("vmm: reserve pool: %w", err)
		}
	}

	c.eptState, err = ept.NewState(c.logger, c.alloc, c.pool, c.mtrr, c.physBytes)
	if err != nil {
		return err
	}

	execOnly := false
	_ = c.topo.RunOnCore(ctx, 0, func(core cpu.Core) error {
		execOnly = ept.SupportsExecuteOnly(core)
		return nil
	})
	c.engine = hook.NewEngine(c.logger, c.eptState, c.mapper, c.pool, execOnly, c.launched.Load)
	return nil
}

// bringUpCore runs on the target core's dispatch thread.
func (c *Cluster) bringUpCore(core cpu.Core, params vmcsParameters) error {
	vp := c.vps[core.ID()]

	if err := vp.allocateRegions(c.alloc, c.revision); err != nil {
		return err
	}

	fail := func(err error) error {
		_ = vp.freeRegions(c.alloc)
		return err
	}

	if err := vp.enableVmxOperation(core); err != nil {
		_ = vp.fsm.Fire(vpTriggerRollback)
		return fail(err)
	}
	if err := vp.loadVmcs(core); err != nil {
		_ = core.Vmxoff()
		core.WriteCr4(core.ReadCr4() &^ arch.Cr4VMXE)
		_ = vp.fsm.Fire(vpTriggerRollback)
		return fail(err)
	}
	if err := vp.setupVmcs(core, params); err != nil {
		_ = core.Vmxoff()
		core.WriteCr4(core.ReadCr4() &^ arch.Cr4VMXE)
		_ = vp.fsm.Fire(vpTriggerRollback)
		return fail(err)
	}
	if err := vp.launch(core); err != nil {
		// launch already left VMX operation and rolled the state back
		return fail(err)
	}

	c.logger.Debug("core launched", "core", vp.CoreID,
		"vmcs", fmt.Sprintf("0x%x", vp.Regions.Vmcs.PhysicalAddress))
	return nil
}

// rollbackPartialInit undoes a failed broadcast bring-up: cores that
// launched leave VMX through the VMCALL path, cores that did not have
// already been cleaned by bringUpCore, then the globals go away.
func (c *Cluster) rollbackPartialInit(ctx context.Context) {
	c.launched.Store(true) // let the vmxoff VMCALL through on launched cores
	_ = c.topo.RunOnAllCores(ctx, func(core cpu.Core) error {
		vp := c.vps[core.ID()]
		if vp.HasLaunched {
			_ = core.Vmcall(VmcallVmxoff, 0, 0, 0)
			_ = vp.freeRegions(c.alloc)
		}
		return nil
	})
	c.launched.Store(false)

	c.freeGlobalState()
}

func (c *Cluster) freeGlobalState() {
	if c.eptState != nil {
		if err := c.eptState.Free(); err != nil {
			c.logger.Warn("could not free EPT structures", "err", err)
		}
		c.eptState = nil
	}
	c.pool.Uninitialize()
}

// Terminate tears the session down: every hook first, then every core
// leaves VMX operation through the VMCALL bridge, then per-core regions
// and finally the global structures are freed exactly once.
func (c *Cluster) Terminate(ctx context.Context) error {
	if !c.launched.Load() {
		return ErrNotLaunched
	}

	if err := c.topo.RunOnCore(ctx, 0, func(core cpu.Core) error {
		return core.Vmcall(VmcallUnhookAllPages, 0, 0, 0)
	}); err != nil {
		return fmt.Errorf("vmm: unhook all: %w", err)
	}
	if err := c.invalidateEpt(ctx); err != nil {
		return err
	}

	if err := c.topo.RunOnAllCores(ctx, func(core cpu.Core) error {
		return core.Vmcall(VmcallVmxoff, 0, 0, 0)
	}); err != nil {
		return fmt.Errorf("vmm: broadcast vmxoff: %w", err)
	}

	c.launched.Store(false)

	if err := c.topo.RunOnAllCores(ctx, func(core cpu.Core) error {
		return c.vps[core.ID()].freeRegions(c.alloc)
	}); err != nil {
		return err
	}

	c.freeGlobalState()
	c.mapper.Uninitialize()

	c.logger.Info("hypervisor terminated")
	return nil
}

// invalidateEpt broadcasts a single-context INVEPT through the VMCALL
// bridge so every core drops stale EPT translations.
func (c *Cluster) invalidateEpt(ctx context.Context) error {
	eptp := c.eptState.EptPointer()
	return c.topo.RunOnAllCores(ctx, func(core cpu.Core) error {
		return core.Vmcall(VmcallInveptSingleContext, eptp, 0, 0)
	})
}

// CurrentExecutionMode is the deterministic root-mode probe: a VMREAD
// of the link pointer succeeds only in VMX root operation; any fault
// means non-root. Before launch the answer is always non-root.
func (c *Cluster) CurrentExecutionMode(core cpu.Core) ExecutionMode {
	if !c.launched.Load() {
		return ModeNonRoot
	}
	if _, err := core.Vmread(arch.VmcsGuestVmcsLinkPointer); err != nil {
		return ModeNonRoot
	}
	return ModeRoot
}

// --- hook API (non-root callers) ---

// EptHookBreakpoint installs a hidden breakpoint through the VMCALL
// bridge and invalidates EPT caches on every core.
func (c *Cluster) EptHookBreakpoint(ctx context.Context, va uint64, pid uint32) (ept.Handle, error) {
	return c.installHook(ctx, &hookRequest{breakpoint: true, va: va, pid: pid})
}

// EptHookDetour installs a detour hook through the VMCALL bridge.
func (c *Cluster) EptHookDetour(ctx context.Context, va uint64, pid uint32, opts hook.DetourOptions) (ept.Handle, error) {
	return c.installHook(ctx, &hookRequest{va: va, pid: pid, detour: opts})
}

func (c *Cluster) installHook(ctx context.Context, req *hookRequest) (ept.Handle, error) {
	if !c.launched.Load() {
		return 0, ErrNotLaunched
	}

	c.hookMu.Lock()
	defer c.hookMu.Unlock()

	c.pendingHook.Store(req)
	err := c.topo.RunOnCore(ctx, 0, func(core cpu.Core) error {
		return core.Vmcall(VmcallChangePageAttrib, req.va, uint64(req.pid), 0)
	})
	c.pendingHook.Store(nil)
	if err != nil {
		return 0, err
	}

	if err := c.invalidateEpt(ctx); err != nil {
		return 0, err
	}
	return req.handle, nil
}

// EptUnhook removes the hook on the page containing va in the given
// process. Unhooking an address nothing is hooked on is not an error.
func (c *Cluster) EptUnhook(ctx context.Context, va uint64, pid uint32) error {
	if !c.launched.Load() {
		return ErrNotLaunched
	}

	err := c.topo.RunOnCore(ctx, 0, func(core cpu.Core) error {
		return core.Vmcall(VmcallUnhookSinglePage, va, uint64(pid), 0)
	})
	if err != nil {
		if isHookNotFound(err) {
			return nil
		}
		return err
	}
	return c.invalidateEpt(ctx)
}

// UnhookAll removes every installed hook.
func (c *Cluster) UnhookAll(ctx context.Context) error {
	if !c.launched.Load() {
		return ErrNotLaunched
	}
	if err := c.topo.RunOnCore(ctx, 0, func(core cpu.Core) error {
		return core.Vmcall(VmcallUnhookAllPages, 0, 0, 0)
	}); err != nil {
		return err
	}
	return c.invalidateEpt(ctx)
}

func isHookNotFound(err error) bool {
	return errors.Is(err, hook.ErrHookNotFound)
}

// --- exit dispatch ---

// HandleExit implements cpu.ExitDelegate. It runs on the exiting core's
// dispatch thread, in VMX root context.
func (c *Cluster) HandleExit(core cpu.Core, exit arch.ExitInfo) error {
	vp := c.vps[core.ID()]
	vp.IsOnVmxRootMode = true
	defer func() { vp.IsOnVmxRootMode = false }()

	vp.exitCounts[exit.Reason]++

	if err := c.dispatchExit(vp, core, exit); err != nil {
		return err
	}

	// the handler may have torn this core down (VMCALL vmxoff); only a
	// still-running guest is resumed
	if vp.VmxoffState.IsVmxoffExecuted {
		return nil
	}
	return executeVmresume(vp, core)
}

func (c *Cluster) dispatchExit(vp *VirtualProcessor, core cpu.Core, exit arch.ExitInfo) error {
	switch exit.Reason {
	case arch.ExitReasonEptViolation:
		out, err := c.engine.HandleEptViolation(core, exit)
		if err != nil {
			return err
		}
		if !out.Hooked {
			return fmt.Errorf("vmm: core %d: EPT violation on unhooked page 0x%x (qualification 0x%x)",
				vp.CoreID, exit.GuestPhysicalAddress, exit.Qualification)
		}
		return nil

	case arch.ExitReasonEptMisconfig:
		return fmt.Errorf("vmm: core %d: EPT misconfiguration at 0x%x",
			vp.CoreID, exit.GuestPhysicalAddress)

	case arch.ExitReasonMonitorTrapFlag:
		return c.engine.HandleMonitorTrap(core)

	case arch.ExitReasonVmcall:
		return c.handleVmcall(vp, core, exit)

	case arch.ExitReasonCrAccess:
		c.handleCrAccess(vp, exit)
		return nil

	case arch.ExitReasonRdmsr, arch.ExitReasonWrmsr:
		return c.handleMsrAccess(vp, exit)

	case arch.ExitReasonRdtsc, arch.ExitReasonRdtscp, arch.ExitReasonRdpmc,
		arch.ExitReasonDrAccess, arch.ExitReasonIoInstruction,
		arch.ExitReasonExceptionNmi, arch.ExitReasonExternalInterrupt,
		arch.ExitReasonCpuid, arch.ExitReasonXsetbv:
		c.logger.Debug("intercepted event", "core", vp.CoreID, "reason", exit.Reason.String())
		return nil

	case arch.ExitReasonTripleFault:
		return fmt.Errorf("vmm: core %d: guest triple fault", vp.CoreID)

	default:
		c.logger.Warn("unhandled exit", "core", vp.CoreID, "reason", uint16(exit.Reason))
		return nil
	}
}

func (c *Cluster) handleVmcall(vp *VirtualProcessor, core cpu.Core, exit arch.ExitInfo) error {
	switch exit.VmcallNumber {
	case VmcallTest:
		c.logger.Debug("vmcall test", "core", vp.CoreID,
			"p1", exit.VmcallParam1, "p2", exit.VmcallParam2, "p3", exit.VmcallParam3)
		return nil

	case VmcallVmxoff:
		return vp.executeVmxoff(core)

	case VmcallChangePageAttrib:
		req := c.pendingHook.Load()
		if req == nil {
			return fmt.Errorf("vmm: page-attribute VMCALL without a staged request")
		}
		var err error
		if req.breakpoint {
			req.handle, err = c.engine.InstallBreakpoint(req.va, req.pid)
		} else {
			req.handle, err = c.engine.InstallDetour(req.va, req.pid, req.detour)
		}
		return err

	case VmcallInveptSingleContext:
		return core.Invept(true, exit.VmcallParam1)

	case VmcallInveptAllContexts:
		return core.Invept(false, 0)

	case VmcallUnhookAllPages:
		return c.engine.RemoveAll()

	case VmcallUnhookSinglePage:
		return c.engine.RemoveByVirtual(exit.VmcallParam1, uint32(exit.VmcallParam2))

	case VmcallSetVmcsControl:
		return c.applyCoreControl(vp, core, exit.VmcallParam1, exit.VmcallParam2, exit.VmcallParam3 != 0)

	default:
		return fmt.Errorf("vmm: core %d: invalid VMCALL number 0x%x", vp.CoreID, exit.VmcallNumber)
	}
}

// handleCrAccess logs guest address-space switches when CR3-load
// exiting is armed. Qualification: bits 3:0 CR number, 5:4 access type.
func (c *Cluster) handleCrAccess(vp *VirtualProcessor, exit arch.ExitInfo) {
	crNumber := exit.Qualification & 0xF
	accessType := (exit.Qualification >> 4) & 0x3
	if crNumber == 3 && accessType == 0 {
		c.logger.Debug("guest CR3 switch", "core", vp.CoreID)
	}
}

// handleMsrAccess flags accesses to MSRs the probe found reserved; on
// hardware the handler would inject #GP instead of letting the host
// fault.
func (c *Cluster) handleMsrAccess(vp *VirtualProcessor, exit arch.ExitInfo) error {
	msr := uint32(exit.VmcallParam1) // RCX at exit time
	if msr < invalidMsrProbeLimit && c.invalidMsrs.Test(uint(msr)) {
		c.logger.Debug("guest access to reserved MSR", "core", vp.CoreID,
			"msr", fmt.Sprintf("0x%x", msr), "write", exit.Reason == arch.ExitReasonWrmsr)
	}
	return nil
}
