package vmm

import (
	"context"
	"fmt"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/cpu"
)

// Control selectors of the VmcallSetVmcsControl service. The second
// VMCALL parameter carries the selector-specific argument (an exception
// vector for the exception bitmap, unused otherwise), the third whether
// to enable.
const (
	ctrlRdtscExiting uint64 = iota + 1
	ctrlRdpmcExiting
	ctrlMovDrExiting
	ctrlExternalInterruptExiting
	ctrlMovCr3Exiting
	ctrlExceptionBitmapBit
	ctrlEferSyscallHook
)

// SetRdtscExiting arms or disarms RDTSC/RDTSCP interception on one core.
func (c *Cluster) SetRdtscExiting(ctx context.Context, coreID int, enable bool) error {
	return c.setControl(ctx, coreID, ctrlRdtscExiting, 0, enable)
}

// SetRdpmcExiting arms or disarms RDPMC interception on one core.
func (c *Cluster) SetRdpmcExiting(ctx context.Context, coreID int, enable bool) error {
	return c.setControl(ctx, coreID, ctrlRdpmcExiting, 0, enable)
}

// SetMovDrExiting arms or disarms debug-register access interception.
func (c *Cluster) SetMovDrExiting(ctx context.Context, coreID int, enable bool) error {
	return c.setControl(ctx, coreID, ctrlMovDrExiting, 0, enable)
}

// SetExternalInterruptExiting routes external interrupts through the
// hypervisor on one core.
func (c *Cluster) SetExternalInterruptExiting(ctx context.Context, coreID int, enable bool) error {
	return c.setControl(ctx, coreID, ctrlExternalInterruptExiting, 0, enable)
}

// SetMovCr3Exiting arms or disarms CR3-load interception on one core,
// for process-switch tracing.
func (c *Cluster) SetMovCr3Exiting(ctx context.Context, coreID int, enable bool) error {
	return c.setControl(ctx, coreID, ctrlMovCr3Exiting, 0, enable)
}

// SetExceptionInterception adds or removes one vector from a core's
// exception bitmap.
func (c *Cluster) SetExceptionInterception(ctx context.Context, coreID int, vector int, enable bool) error {
	if vector < 0 || vector > 31 {
		return fmt.Errorf("vmm: exception vector %d out of range", vector)
	}
	return c.setControl(ctx, coreID, ctrlExceptionBitmapBit, uint64(vector), enable)
}

// SetEferSyscallHook enables or disables EFER-based SYSCALL
// interception on one core, honoring the session's hook policy.
func (c *Cluster) SetEferSyscallHook(ctx context.Context, coreID int, enable bool) error {
	return c.setControl(ctx, coreID, ctrlEferSyscallHook, 0, enable)
}

// SetEferSyscallHookAllCores applies the syscall hook on every core.
func (c *Cluster) SetEferSyscallHookAllCores(ctx context.Context, enable bool) error {
	arg := uint64(0)
	if enable {
		arg = 1
	}
	return c.topo.RunOnAllCores(ctx, func(core cpu.Core) error {
		return core.Vmcall(VmcallSetVmcsControl, ctrlEferSyscallHook, 0, arg)
	})
}

func (c *Cluster) setControl(ctx context.Context, coreID int, selector, argument uint64, enable bool) error {
	if !c.launched.Load() {
		return ErrNotLaunched
	}
	arg := uint64(0)
	if enable {
		arg = 1
	}
	return c.topo.RunOnCore(ctx, coreID, func(core cpu.Core) error {
		return core.Vmcall(VmcallSetVmcsControl, selector, argument, arg)
	})
}

// applyCoreControl mutates the current core's VMCS in root context.
func (c *Cluster) applyCoreControl(vp *VirtualProcessor, core cpu.Core, selector, argument uint64, enable bool) error {
	switch selector {
	case ctrlRdtscExiting:
		return toggleProcControl(core, arch.ProcBasedRdtscExiting, enable)
	case ctrlRdpmcExiting:
		return toggleProcControl(core, arch.ProcBasedRdpmcExiting, enable)
	case ctrlMovDrExiting:
		return toggleProcControl(core, arch.ProcBasedMovDrExiting, enable)
	case ctrlMovCr3Exiting:
		return toggleProcControl(core, arch.ProcBasedCr3LoadExiting, enable)

	case ctrlExternalInterruptExiting:
		return toggleControl(core, arch.VmcsCtrlPinBased, arch.PinBasedExternalInterruptExiting, enable)

	case ctrlExceptionBitmapBit:
		return toggleControl(core, arch.VmcsCtrlExceptionBitmap, uint32(1)<<argument, enable)

	case ctrlEferSyscallHook:
		return c.applySyscallHook(vp, core, enable)

	default:
		return fmt.Errorf("vmm: core %d: unknown control selector 0x%x", vp.CoreID, selector)
	}
}

func toggleProcControl(core cpu.Core, bit uint32, enable bool) error {
	return toggleControl(core, arch.VmcsCtrlProcBased, bit, enable)
}

func toggleControl(core cpu.Core, field arch.VmcsField, bit uint32, enable bool) error {
	value, err := core.Vmread(field)
	if err != nil {
		return err
	}
	if enable {
		value |= uint64(bit)
	} else {
		value &^= uint64(bit)
	}
	return core.Vmwrite(field, value)
}

// applySyscallHook intercepts SYSCALL by clearing EFER.SCE in the guest
// so every SYSCALL raises #UD, and intercepting #UD. The safe policy
// additionally masks SCE reads through the MSR bitmap so the guest
// cannot observe the modification; the unsafe policy skips the mask for
// lower overhead.
func (c *Cluster) applySyscallHook(vp *VirtualProcessor, core cpu.Core, enable bool) error {
	efer, err := core.Vmread(arch.VmcsGuestEfer)
	if err != nil {
		return err
	}
	if enable {
		efer &^= arch.EferSce
	} else {
		efer |= arch.EferSce
	}
	if err := core.Vmwrite(arch.VmcsGuestEfer, efer); err != nil {
		return err
	}

	if err := toggleControl(core, arch.VmcsCtrlExceptionBitmap,
		uint32(1)<<arch.ExceptionVectorInvalidOpcode, enable); err != nil {
		return err
	}

	if c.cfg.SyscallHookPolicy == SyscallHookSafe {
		vp.msrBitmap().set(arch.MsrIA32Efer, true, true, enable)
	}
	return nil
}

// SetMsrInterception marks one MSR for read/write exiting in a core's
// MSR bitmap. Reserved MSRs found by the launch-time probe are
// rejected: intercepting them would hide the #GP the guest deserves.
func (c *Cluster) SetMsrInterception(ctx context.Context, coreID int, msr uint32, read, write, intercept bool) error {
	if !c.launched.Load() {
		return ErrNotLaunched
	}
	if msr < invalidMsrProbeLimit && c.invalidMsrs.Test(uint(msr)) {
		return fmt.Errorf("vmm: MSR 0x%x is reserved on this machine", msr)
	}

	return c.topo.RunOnCore(ctx, coreID, func(core cpu.Core) error {
		if !c.vps[coreID].msrBitmap().set(msr, read, write, intercept) {
			return fmt.Errorf("vmm: MSR 0x%x outside bitmap ranges", msr)
		}
		return nil
	})
}

// SetIoPortInterception marks one I/O port for exiting in a core's I/O
// bitmaps.
func (c *Cluster) SetIoPortInterception(ctx context.Context, coreID int, port uint16, intercept bool) error {
	if !c.launched.Load() {
		return ErrNotLaunched
	}
	return c.topo.RunOnCore(ctx, coreID, func(core cpu.Core) error {
		c.vps[coreID].ioBitmap().set(port, intercept)
		return nil
	})
}
