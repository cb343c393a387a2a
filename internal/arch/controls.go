package arch

// Pin-based VM-execution controls.
const (
	PinBasedExternalInterruptExiting uint32 = 1 << 0
	PinBasedNmiExiting               uint32 = 1 << 3
	PinBasedVirtualNmis              uint32 = 1 << 5
)

// Primary processor-based VM-execution controls.
const (
	ProcBasedRdtscExiting       uint32 = 1 << 12
	ProcBasedRdpmcExiting       uint32 = 1 << 11
	ProcBasedCr3LoadExiting     uint32 = 1 << 15
	ProcBasedCr3StoreExiting    uint32 = 1 << 16
	ProcBasedMovDrExiting       uint32 = 1 << 23
	ProcBasedActivateIoBitmaps  uint32 = 1 << 25
	ProcBasedMonitorTrapFlag    uint32 = 1 << 27
	ProcBasedActivateMsrBitmap  uint32 = 1 << 28
	ProcBasedActivateSecondary  uint32 = 1 << 31
)

// Secondary processor-based VM-execution controls.
const (
	ProcBased2EnableEpt        uint32 = 1 << 1
	ProcBased2EnableRdtscp     uint32 = 1 << 3
	ProcBased2EnableVpid       uint32 = 1 << 5
	ProcBased2EnableInvpcid    uint32 = 1 << 12
	ProcBased2EnableVmfunc     uint32 = 1 << 13
	ProcBased2EnableXsaves     uint32 = 1 << 20
	ProcBased2ModeBasedExecEpt uint32 = 1 << 22
)

// VM-exit controls.
const (
	VmexitHostAddressSpaceSize uint32 = 1 << 9
	VmexitAckInterruptOnExit   uint32 = 1 << 15
)

// VM-entry controls.
const (
	VmentryIA32eModeGuest uint32 = 1 << 9
)

// Exception bitmap bit numbers (hardware exception vectors).
const (
	ExceptionVectorBreakpoint     = 3
	ExceptionVectorInvalidOpcode  = 6
	ExceptionVectorPageFault      = 14
	ExceptionVectorDebug          = 1
)

// CR0/CR4 bits.
const (
	Cr0PE uint64 = 1 << 0
	Cr0PG uint64 = 1 << 31

	Cr4VMXE uint64 = 1 << 13
	Cr4PAE  uint64 = 1 << 5
)

// AdjustControls reconciles a requested control word with the capability
// MSR for that control class: bits the hardware requires set (allowed-0)
// are ORed in, bits the hardware forbids (allowed-1) are masked off.
// Writing a raw requested value instead makes VMLAUNCH fail with
// "VM entry with invalid control fields".
func AdjustControls(requested uint32, capability uint64) uint32 {
	ctl := requested
	ctl |= uint32(capability & 0xFFFFFFFF)  // allowed-0 settings
	ctl &= uint32(capability >> 32)         // allowed-1 settings
	return ctl
}

// FixCr applies the VMX fixed-bit masks to a control-register value:
// fixed0 bits must be 1, cleared fixed1 bits must be 0. Used on CR0 and
// CR4 before VMXON, identically on every core.
func FixCr(value, fixed0, fixed1 uint64) uint64 {
	value |= fixed0
	value &= fixed1
	return value
}
