package vmm

import (
	"fmt"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/cpu"
)

// Synthetic guest launch point. The backends deliver exits through the
// dispatch interface instead of jumping through an assembly stub, so
// the RIP values written to the VMCS are markers rather than host
// function addresses; the vmxoff path still arithmetics on them.
const (
	guestLaunchRip = 0xFFFF8000_00500000
	guestLaunchRsp = 0xFFFF8000_005F0000
	hostEntryRip   = 0xFFFF8000_00600000
)

// vmcsParameters carries the cluster-wide values every core's VMCS
// setup needs.
type vmcsParameters struct {
	eptp            uint64
	vpid            uint16
	exceptionBitmap uint32
	movCr3Exiting   bool
}

// setupVmcs writes the complete VMCS for one core: execution controls
// reconciled against the capability MSRs, guest state mirroring the
// core's current mode, and host state entering the exit handler on the
// per-core stack.
func (vp *VirtualProcessor) setupVmcs(core cpu.Core, params vmcsParameters) error {
	w := &vmcsWriter{core: core}

	// a VMCS that never links to a shadow
	w.write(arch.VmcsGuestVmcsLinkPointer, ^uint64(0))

	if err := vp.writeControls(core, w, params); err != nil {
		return err
	}
	if err := vp.writeGuestState(core, w); err != nil {
		return err
	}
	if err := vp.writeHostState(core, w); err != nil {
		return err
	}
	if w.err != nil {
		return fmt.Errorf("vmm: core %d: VMCS setup: %w", vp.CoreID, w.err)
	}
	return nil
}

// vmcsWriter accumulates the first VMWRITE failure instead of checking
// every call site.
type vmcsWriter struct {
	core cpu.Core
	err  error
}

func (w *vmcsWriter) write(field arch.VmcsField, value uint64) {
	if w.err != nil {
		return
	}
	if err := w.core.Vmwrite(field, value); err != nil {
		w.err = fmt.Errorf("field 0x%x: %w", uint32(field), err)
	}
}

// controlCapability selects the TRUE capability MSR when the hardware
// advertises it in IA32_VMX_BASIC[55], else the legacy one.
func controlCapability(core cpu.Core, legacy, truthful uint32) (uint64, error) {
	basic, err := core.ReadMsr(arch.MsrIA32VmxBasic)
	if err != nil {
		return 0, err
	}
	msr := legacy
	if basic&arch.VmxBasicTrueControls != 0 {
		msr = truthful
	}
	return core.ReadMsr(msr)
}

func (vp *VirtualProcessor) writeControls(core cpu.Core, w *vmcsWriter, params vmcsParameters) error {
	pinCap, err := controlCapability(core, arch.MsrIA32VmxPinbasedCtls, arch.MsrIA32VmxTruePinbased)
	if err != nil {
		return err
	}
	procCap, err := controlCapability(core, arch.MsrIA32VmxProcbasedCtls, arch.MsrIA32VmxTrueProcbased)
	if err != nil {
		return err
	}
	exitCap, err := controlCapability(core, arch.MsrIA32VmxExitCtls, arch.MsrIA32VmxTrueExit)
	if err != nil {
		return err
	}
	entryCap, err := controlCapability(core, arch.MsrIA32VmxEntryCtls, arch.MsrIA32VmxTrueEntry)
	if err != nil {
		return err
	}
	proc2Cap, err := core.ReadMsr(arch.MsrIA32VmxProcbased2)
	if err != nil {
		return err
	}

	proc := arch.ProcBasedActivateMsrBitmap |
		arch.ProcBasedActivateIoBitmaps |
		arch.ProcBasedActivateSecondary
	if params.movCr3Exiting {
		proc |= arch.ProcBasedCr3LoadExiting
	}

	proc2 := arch.ProcBased2EnableEpt |
		arch.ProcBased2EnableVpid |
		arch.ProcBased2EnableRdtscp |
		arch.ProcBased2EnableInvpcid |
		arch.ProcBased2EnableXsaves

	w.write(arch.VmcsCtrlPinBased, uint64(arch.AdjustControls(0, pinCap)))
	w.write(arch.VmcsCtrlProcBased, uint64(arch.AdjustControls(proc, procCap)))
	w.write(arch.VmcsCtrlProcBased2, uint64(arch.AdjustControls(proc2, proc2Cap)))
	w.write(arch.VmcsCtrlVmexit, uint64(arch.AdjustControls(
		arch.VmexitHostAddressSpaceSize|arch.VmexitAckInterruptOnExit, exitCap)))
	w.write(arch.VmcsCtrlVmentry, uint64(arch.AdjustControls(arch.VmentryIA32eModeGuest, entryCap)))

	w.write(arch.VmcsCtrlVirtualProcessorID, uint64(params.vpid))
	w.write(arch.VmcsCtrlEptPointer, params.eptp)

	w.write(arch.VmcsCtrlMsrBitmap, vp.Regions.MsrBitmap.PhysicalAddress)
	w.write(arch.VmcsCtrlIoBitmapA, vp.Regions.IoBitmapA.PhysicalAddress)
	w.write(arch.VmcsCtrlIoBitmapB, vp.Regions.IoBitmapB.PhysicalAddress)

	w.write(arch.VmcsCtrlExceptionBitmap, uint64(params.exceptionBitmap))
	w.write(arch.VmcsCtrlPFErrorCodeMask, 0)
	w.write(arch.VmcsCtrlPFErrorCodeMatch, 0)
	w.write(arch.VmcsCtrlCr3TargetCount, 0)
	w.write(arch.VmcsCtrlTscOffset, 0)

	w.write(arch.VmcsCtrlVmexitMsrStoreCount, 0)
	w.write(arch.VmcsCtrlVmexitMsrLoadCount, 0)
	w.write(arch.VmcsCtrlVmentryMsrLoadCount, 0)
	w.write(arch.VmcsCtrlVmentryIntrInfo, 0)

	// the guest sees the real control registers; no bits are owned
	w.write(arch.VmcsCtrlCr0GuestHostMask, 0)
	w.write(arch.VmcsCtrlCr4GuestHostMask, 0)
	w.write(arch.VmcsCtrlCr0ReadShadow, core.ReadCr0())
	w.write(arch.VmcsCtrlCr4ReadShadow, core.ReadCr4())

	return nil
}

// guestSegmentFields groups the four VMCS encodings of one segment.
type guestSegmentFields struct {
	selector, base, limit, access arch.VmcsField
}

func (vp *VirtualProcessor) writeGuestState(core cpu.Core, w *vmcsWriter) error {
	gdt := core.Gdt()
	idt := core.Idt()
	sel := core.SegmentSelectors()

	segments := []struct {
		fields   guestSegmentFields
		selector arch.SegmentSelector
	}{
		{guestSegmentFields{arch.VmcsGuestEsSelector, arch.VmcsGuestEsBase, arch.VmcsGuestEsLimit, arch.VmcsGuestEsAccess}, sel.Es},
		{guestSegmentFields{arch.VmcsGuestCsSelector, arch.VmcsGuestCsBase, arch.VmcsGuestCsLimit, arch.VmcsGuestCsAccess}, sel.Cs},
		{guestSegmentFields{arch.VmcsGuestSsSelector, arch.VmcsGuestSsBase, arch.VmcsGuestSsLimit, arch.VmcsGuestSsAccess}, sel.Ss},
		{guestSegmentFields{arch.VmcsGuestDsSelector, arch.VmcsGuestDsBase, arch.VmcsGuestDsLimit, arch.VmcsGuestDsAccess}, sel.Ds},
		{guestSegmentFields{arch.VmcsGuestFsSelector, arch.VmcsGuestFsBase, arch.VmcsGuestFsLimit, arch.VmcsGuestFsAccess}, sel.Fs},
		{guestSegmentFields{arch.VmcsGuestGsSelector, arch.VmcsGuestGsBase, arch.VmcsGuestGsLimit, arch.VmcsGuestGsAccess}, sel.Gs},
		{guestSegmentFields{arch.VmcsGuestLdtrSelector, arch.VmcsGuestLdtrBase, arch.VmcsGuestLdtrLimit, arch.VmcsGuestLdtrAccess}, sel.Ldtr},
		{guestSegmentFields{arch.VmcsGuestTrSelector, arch.VmcsGuestTrBase, arch.VmcsGuestTrLimit, arch.VmcsGuestTrAccess}, sel.Tr},
	}

	for _, seg := range segments {
		desc, err := arch.ParseSegmentDescriptor(gdt.Image, seg.selector)
		if err != nil {
			return fmt.Errorf("vmm: core %d: parse selector 0x%x: %w", vp.CoreID, seg.selector, err)
		}
		w.write(seg.fields.selector, uint64(seg.selector))
		w.write(seg.fields.base, desc.Base)
		w.write(seg.fields.limit, uint64(desc.Limit))
		w.write(seg.fields.access, uint64(desc.AccessRights))
	}

	// FS/GS bases come from the MSRs, not the descriptor
	fsBase, err := core.ReadMsr(arch.MsrIA32FsBase)
	if err != nil {
		return err
	}
	gsBase, err := core.ReadMsr(arch.MsrIA32GsBase)
	if err != nil {
		return err
	}
	w.write(arch.VmcsGuestFsBase, fsBase)
	w.write(arch.VmcsGuestGsBase, gsBase)

	w.write(arch.VmcsGuestCr0, core.ReadCr0())
	w.write(arch.VmcsGuestCr3, core.ReadCr3())
	w.write(arch.VmcsGuestCr4, core.ReadCr4())
	w.write(arch.VmcsGuestDr7, 0x400)
	w.write(arch.VmcsGuestRflags, core.ReadRflags())

	w.write(arch.VmcsGuestGdtrBase, gdt.Base)
	w.write(arch.VmcsGuestGdtrLimit, uint64(gdt.Limit))
	w.write(arch.VmcsGuestIdtrBase, idt.Base)
	w.write(arch.VmcsGuestIdtrLimit, uint64(idt.Limit))

	for msr, field := range map[uint32]arch.VmcsField{
		arch.MsrIA32DebugCtl:    arch.VmcsGuestDebugCtl,
		arch.MsrIA32Efer:        arch.VmcsGuestEfer,
		arch.MsrIA32SysenterCS:  arch.VmcsGuestSysenterCS,
		arch.MsrIA32SysenterESP: arch.VmcsGuestSysenterESP,
		arch.MsrIA32SysenterEIP: arch.VmcsGuestSysenterEIP,
	} {
		value, err := core.ReadMsr(msr)
		if err != nil {
			return err
		}
		w.write(field, value)
	}

	w.write(arch.VmcsGuestRip, guestLaunchRip)
	w.write(arch.VmcsGuestRsp, guestLaunchRsp)

	return nil
}

func (vp *VirtualProcessor) writeHostState(core cpu.Core, w *vmcsWriter) error {
	gdt := core.Gdt()
	idt := core.Idt()
	sel := core.SegmentSelectors()

	// host selectors must have TI and RPL clear
	w.write(arch.VmcsHostEsSelector, uint64(sel.Es.HostForm()))
	w.write(arch.VmcsHostCsSelector, uint64(sel.Cs.HostForm()))
	w.write(arch.VmcsHostSsSelector, uint64(sel.Ss.HostForm()))
	w.write(arch.VmcsHostDsSelector, uint64(sel.Ds.HostForm()))
	w.write(arch.VmcsHostFsSelector, uint64(sel.Fs.HostForm()))
	w.write(arch.VmcsHostGsSelector, uint64(sel.Gs.HostForm()))
	w.write(arch.VmcsHostTrSelector, uint64(sel.Tr.HostForm()))

	tr, err := arch.ParseSegmentDescriptor(gdt.Image, sel.Tr)
	if err != nil {
		return fmt.Errorf("vmm: core %d: parse TR: %w", vp.CoreID, err)
	}
	w.write(arch.VmcsHostTrBase, tr.Base)

	w.write(arch.VmcsHostCr0, core.ReadCr0())
	w.write(arch.VmcsHostCr3, core.ReadCr3())
	w.write(arch.VmcsHostCr4, core.ReadCr4())

	w.write(arch.VmcsHostGdtrBase, gdt.Base)
	w.write(arch.VmcsHostIdtrBase, idt.Base)

	fsBase, err := core.ReadMsr(arch.MsrIA32FsBase)
	if err != nil {
		return err
	}
	gsBase, err := core.ReadMsr(arch.MsrIA32GsBase)
	if err != nil {
		return err
	}
	w.write(arch.VmcsHostFsBase, fsBase)
	w.write(arch.VmcsHostGsBase, gsBase)

	for msr, field := range map[uint32]arch.VmcsField{
		arch.MsrIA32SysenterCS:  arch.VmcsHostSysenterCS,
		arch.MsrIA32SysenterESP: arch.VmcsHostSysenterESP,
		arch.MsrIA32SysenterEIP: arch.VmcsHostSysenterEIP,
	} {
		value, err := core.ReadMsr(msr)
		if err != nil {
			return err
		}
		w.write(field, value)
	}

	w.write(arch.VmcsHostRsp, vp.stackTop())
	w.write(arch.VmcsHostRip, hostEntryRip)

	return nil
}
