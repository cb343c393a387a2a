package arch

// Model-specific registers consulted by the VMX lifecycle and the EPT
// builder. Numbers are from the Intel SDM volume 4.
const (
	MsrIA32FeatureControl uint32 = 0x3A

	MsrIA32SysenterCS  uint32 = 0x174
	MsrIA32SysenterESP uint32 = 0x175
	MsrIA32SysenterEIP uint32 = 0x176

	MsrIA32DebugCtl uint32 = 0x1D9

	MsrIA32VmxBasic         uint32 = 0x480
	MsrIA32VmxPinbasedCtls  uint32 = 0x481
	MsrIA32VmxProcbasedCtls uint32 = 0x482
	MsrIA32VmxExitCtls      uint32 = 0x483
	MsrIA32VmxEntryCtls     uint32 = 0x484
	MsrIA32VmxMisc          uint32 = 0x485
	MsrIA32VmxCr0Fixed0     uint32 = 0x486
	MsrIA32VmxCr0Fixed1     uint32 = 0x487
	MsrIA32VmxCr4Fixed0     uint32 = 0x488
	MsrIA32VmxCr4Fixed1     uint32 = 0x489
	MsrIA32VmxVmcsEnum      uint32 = 0x48A
	MsrIA32VmxProcbased2    uint32 = 0x48B
	MsrIA32VmxEptVpidCap    uint32 = 0x48C

	// "TRUE" capability MSRs, valid when IA32_VMX_BASIC[55] is set.
	MsrIA32VmxTruePinbased  uint32 = 0x48D
	MsrIA32VmxTrueProcbased uint32 = 0x48E
	MsrIA32VmxTrueExit      uint32 = 0x48F
	MsrIA32VmxTrueEntry     uint32 = 0x490
	MsrIA32VmxVmfunc        uint32 = 0x491

	MsrIA32MtrrCap      uint32 = 0xFE
	MsrIA32MtrrDefType  uint32 = 0x2FF
	MsrIA32MtrrPhysBase uint32 = 0x200 // base of the variable-range pair array
	MsrIA32MtrrPhysMask uint32 = 0x201

	MsrIA32Efer   uint32 = 0xC0000080
	MsrIA32Star   uint32 = 0xC0000081
	MsrIA32Lstar  uint32 = 0xC0000082
	MsrIA32FsBase uint32 = 0xC0000100
	MsrIA32GsBase uint32 = 0xC0000101

	// Reserved/invalid MSR ranges cause #GP when accessed; the lifecycle
	// manager builds a bitmap of them once per session.
	MsrReservedRangeLow  uint32 = 0x2000
	MsrReservedRangeHigh uint32 = 0x3FFF
)

// IA32_FEATURE_CONTROL bits.
const (
	FeatureControlLock              uint64 = 1 << 0
	FeatureControlVmxonInsideSmx    uint64 = 1 << 1
	FeatureControlVmxonOutsideSmx   uint64 = 1 << 2
)

// IA32_VMX_BASIC bits.
const (
	VmxBasicTrueControls uint64 = 1 << 55
)

// VmxBasicRevisionID extracts the VMCS revision identifier that must be
// written to the first word of the VMXON and VMCS regions.
func VmxBasicRevisionID(basic uint64) uint32 {
	return uint32(basic & 0x7FFFFFFF)
}

// IA32_VMX_EPT_VPID_CAP bits checked before enabling EPT.
const (
	EptVpidCapExecuteOnly        uint64 = 1 << 0
	EptVpidCapPageWalkLength4    uint64 = 1 << 6
	EptVpidCapMemoryTypeWB       uint64 = 1 << 14
	EptVpidCap2MBPages           uint64 = 1 << 16
	EptVpidCapInvept             uint64 = 1 << 20
	EptVpidCapInveptSingle       uint64 = 1 << 25
	EptVpidCapInveptAll          uint64 = 1 << 26
	EptVpidCapInvvpid            uint64 = 1 << 32
	EptVpidCapInvvpidSingle      uint64 = 1 << 41
	EptVpidCapInvvpidAll         uint64 = 1 << 42
)

// IA32_EFER bits used by the syscall interception path.
const (
	EferSce uint64 = 1 << 0
	EferLme uint64 = 1 << 8
	EferLma uint64 = 1 << 10
)
