package vmm

import (
	"fmt"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/cpu"
)

// CheckVmxSupport probes whether this core can enter VMX operation:
// the CPUID virtualization bit must be set and firmware must have
// enabled VMXON outside SMX. The probe never writes IA32_FEATURE_CONTROL;
// on locked-down firmware a write would #GP, and on unlocked firmware
// silently enabling virtualization behind the owner's back is not this
// driver's call to make.
func CheckVmxSupport(core cpu.Core) error {
	leaf1 := core.Cpuid(1, 0)
	if leaf1.Ecx&arch.CpuidFeatureEcxVmx == 0 {
		return fmt.Errorf("%w: CPUID.1:ECX.VMX is clear", cpu.ErrVmxNotSupported)
	}
	if leaf1.Ecx&arch.CpuidFeatureEcxHypervisor != 0 {
		return fmt.Errorf("%w: already running under a hypervisor", cpu.ErrVmxNotSupported)
	}

	featureControl, err := core.ReadMsr(arch.MsrIA32FeatureControl)
	if err != nil {
		return fmt.Errorf("vmm: read IA32_FEATURE_CONTROL: %w", err)
	}
	if featureControl&arch.FeatureControlLock == 0 {
		return fmt.Errorf("%w: IA32_FEATURE_CONTROL not locked by firmware", cpu.ErrVmxNotSupported)
	}
	if featureControl&arch.FeatureControlVmxonOutsideSmx == 0 {
		return fmt.Errorf("%w: VMXON outside SMX disabled by firmware", cpu.ErrVmxNotSupported)
	}
	return nil
}

// enableVmxOperation applies the VMX fixed bits to CR0/CR4 (which also
// sets CR4.VMXE) and executes VMXON with this core's region.
func (vp *VirtualProcessor) enableVmxOperation(core cpu.Core) error {
	cr0Fixed0, err := core.ReadMsr(arch.MsrIA32VmxCr0Fixed0)
	if err != nil {
		return err
	}
	cr0Fixed1, err := core.ReadMsr(arch.MsrIA32VmxCr0Fixed1)
	if err != nil {
		return err
	}
	cr4Fixed0, err := core.ReadMsr(arch.MsrIA32VmxCr4Fixed0)
	if err != nil {
		return err
	}
	cr4Fixed1, err := core.ReadMsr(arch.MsrIA32VmxCr4Fixed1)
	if err != nil {
		return err
	}

	core.WriteCr0(arch.FixCr(core.ReadCr0(), cr0Fixed0, cr0Fixed1))
	core.WriteCr4(arch.FixCr(core.ReadCr4()|arch.Cr4VMXE, cr4Fixed0, cr4Fixed1))

	if err := core.Vmxon(vp.Regions.Vmxon.PhysicalAddress); err != nil {
		return fmt.Errorf("vmm: core %d: VMXON: %w", vp.CoreID, err)
	}
	return vp.fsm.Fire(vpTriggerEnable)
}

// loadVmcs clears and makes current this core's VMCS.
func (vp *VirtualProcessor) loadVmcs(core cpu.Core) error {
	if err := core.Vmclear(vp.Regions.Vmcs.PhysicalAddress); err != nil {
		return fmt.Errorf("vmm: core %d: VMCLEAR: %w", vp.CoreID, err)
	}
	if err := core.Vmptrld(vp.Regions.Vmcs.PhysicalAddress); err != nil {
		return fmt.Errorf("vmm: core %d: VMPTRLD: %w", vp.CoreID, err)
	}
	return vp.fsm.Fire(vpTriggerLoad)
}

// launch executes VMLAUNCH. On failure the VM-instruction error field
// is still readable; it is decoded into the returned error and the core
// leaves VMX operation so the caller can roll back cleanly.
func (vp *VirtualProcessor) launch(core cpu.Core) error {
	if err := core.Vmlaunch(); err != nil {
		code, readErr := core.Vmread(arch.VmcsVmInstructionError)
		detail := "VM-instruction error unreadable"
		if readErr == nil {
			detail = arch.VmInstructionErrorString(code)
		}

		_ = core.Vmxoff()
		core.WriteCr4(core.ReadCr4() &^ arch.Cr4VMXE)
		_ = vp.fsm.Fire(vpTriggerRollback)

		return fmt.Errorf("%w: core %d: %s (%d)", ErrLaunchFailed, vp.CoreID, detail, code)
	}

	vp.HasLaunched = true
	return vp.fsm.Fire(vpTriggerLaunch)
}

// executeVmresume resumes the guest after a handled exit. VMRESUME
// failing means the VMCS was corrupted mid-session; the VM-instruction
// error is decoded for the report, there is no recovery short of
// terminating the session.
func executeVmresume(vp *VirtualProcessor, core cpu.Core) error {
	if err := core.Vmresume(); err != nil {
		code, readErr := core.Vmread(arch.VmcsVmInstructionError)
		detail := "VM-instruction error unreadable"
		if readErr == nil {
			detail = arch.VmInstructionErrorString(code)
		}
		return fmt.Errorf("vmm: core %d: VMRESUME: %s (%d): %w", vp.CoreID, detail, code, err)
	}
	return nil
}

// executeVmxoff runs in VMX root context (the VMCALL handler): it
// captures where the guest resumes, leaves VMX operation and clears
// CR4.VMXE so a later session can start from scratch.
func (vp *VirtualProcessor) executeVmxoff(core cpu.Core) error {
	guestRip, err := core.Vmread(arch.VmcsGuestRip)
	if err != nil {
		return fmt.Errorf("vmm: core %d: read guest RIP: %w", vp.CoreID, err)
	}
	instrLen, err := core.Vmread(arch.VmcsExitInstrLength)
	if err != nil {
		return fmt.Errorf("vmm: core %d: read instruction length: %w", vp.CoreID, err)
	}
	guestRsp, err := core.Vmread(arch.VmcsGuestRsp)
	if err != nil {
		return fmt.Errorf("vmm: core %d: read guest RSP: %w", vp.CoreID, err)
	}

	// resume after the VMCALL that requested the teardown
	vp.VmxoffState = VmxoffState{
		IsVmxoffExecuted: true,
		GuestRip:         guestRip + instrLen,
		GuestRsp:         guestRsp,
	}

	if err := core.Vmxoff(); err != nil {
		return fmt.Errorf("vmm: core %d: VMXOFF: %w", vp.CoreID, err)
	}
	core.WriteCr4(core.ReadCr4() &^ arch.Cr4VMXE)

	vp.HasLaunched = false
	return vp.fsm.Fire(vpTriggerVmxoff)
}
