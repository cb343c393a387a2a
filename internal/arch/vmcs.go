package arch

// VmcsField is the 32-bit field encoding used by VMREAD/VMWRITE.
type VmcsField uint32

// VMCS field encodings (Intel SDM volume 3, appendix B). Only the fields
// the lifecycle manager and exit dispatch touch are listed.
const (
	VmcsCtrlVirtualProcessorID VmcsField = 0x0000

	VmcsGuestEsSelector   VmcsField = 0x0800
	VmcsGuestCsSelector   VmcsField = 0x0802
	VmcsGuestSsSelector   VmcsField = 0x0804
	VmcsGuestDsSelector   VmcsField = 0x0806
	VmcsGuestFsSelector   VmcsField = 0x0808
	VmcsGuestGsSelector   VmcsField = 0x080A
	VmcsGuestLdtrSelector VmcsField = 0x080C
	VmcsGuestTrSelector   VmcsField = 0x080E

	VmcsHostEsSelector VmcsField = 0x0C00
	VmcsHostCsSelector VmcsField = 0x0C02
	VmcsHostSsSelector VmcsField = 0x0C04
	VmcsHostDsSelector VmcsField = 0x0C06
	VmcsHostFsSelector VmcsField = 0x0C08
	VmcsHostGsSelector VmcsField = 0x0C0A
	VmcsHostTrSelector VmcsField = 0x0C0C

	VmcsCtrlIoBitmapA  VmcsField = 0x2000
	VmcsCtrlIoBitmapB  VmcsField = 0x2002
	VmcsCtrlMsrBitmap  VmcsField = 0x2004
	VmcsCtrlTscOffset  VmcsField = 0x2010
	VmcsCtrlEptPointer VmcsField = 0x201A

	VmcsGuestPhysicalAddress VmcsField = 0x2400

	VmcsGuestVmcsLinkPointer VmcsField = 0x2800
	VmcsGuestDebugCtl        VmcsField = 0x2802
	VmcsGuestEfer            VmcsField = 0x2806

	VmcsCtrlPinBased            VmcsField = 0x4000
	VmcsCtrlProcBased           VmcsField = 0x4002
	VmcsCtrlExceptionBitmap     VmcsField = 0x4004
	VmcsCtrlPFErrorCodeMask     VmcsField = 0x4006
	VmcsCtrlPFErrorCodeMatch    VmcsField = 0x4008
	VmcsCtrlCr3TargetCount      VmcsField = 0x400A
	VmcsCtrlVmexit              VmcsField = 0x400C
	VmcsCtrlVmexitMsrStoreCount VmcsField = 0x400E
	VmcsCtrlVmexitMsrLoadCount  VmcsField = 0x4010
	VmcsCtrlVmentry             VmcsField = 0x4012
	VmcsCtrlVmentryMsrLoadCount VmcsField = 0x4014
	VmcsCtrlVmentryIntrInfo     VmcsField = 0x4016
	VmcsCtrlProcBased2          VmcsField = 0x401E

	VmcsVmInstructionError VmcsField = 0x4400
	VmcsExitReason         VmcsField = 0x4402
	VmcsExitIntrInfo       VmcsField = 0x4404
	VmcsExitInstrLength    VmcsField = 0x440C

	VmcsGuestEsLimit       VmcsField = 0x4800
	VmcsGuestCsLimit       VmcsField = 0x4802
	VmcsGuestSsLimit       VmcsField = 0x4804
	VmcsGuestDsLimit       VmcsField = 0x4806
	VmcsGuestFsLimit       VmcsField = 0x4808
	VmcsGuestGsLimit       VmcsField = 0x480A
	VmcsGuestLdtrLimit     VmcsField = 0x480C
	VmcsGuestTrLimit       VmcsField = 0x480E
	VmcsGuestGdtrLimit     VmcsField = 0x4810
	VmcsGuestIdtrLimit     VmcsField = 0x4812
	VmcsGuestEsAccess      VmcsField = 0x4814
	VmcsGuestCsAccess      VmcsField = 0x4816
	VmcsGuestSsAccess      VmcsField = 0x4818
	VmcsGuestDsAccess      VmcsField = 0x481A
	VmcsGuestFsAccess      VmcsField = 0x481C
	VmcsGuestGsAccess      VmcsField = 0x481E
	VmcsGuestLdtrAccess    VmcsField = 0x4820
	VmcsGuestTrAccess      VmcsField = 0x4822
	VmcsGuestSysenterCS    VmcsField = 0x482A
	VmcsHostSysenterCS     VmcsField = 0x4C00

	VmcsCtrlCr0GuestHostMask VmcsField = 0x6000
	VmcsCtrlCr4GuestHostMask VmcsField = 0x6002
	VmcsCtrlCr0ReadShadow    VmcsField = 0x6004
	VmcsCtrlCr4ReadShadow    VmcsField = 0x6006

	VmcsExitQualification VmcsField = 0x6400

	VmcsGuestCr0         VmcsField = 0x6800
	VmcsGuestCr3         VmcsField = 0x6802
	VmcsGuestCr4         VmcsField = 0x6804
	VmcsGuestEsBase      VmcsField = 0x6806
	VmcsGuestCsBase      VmcsField = 0x6808
	VmcsGuestSsBase      VmcsField = 0x680A
	VmcsGuestDsBase      VmcsField = 0x680C
	VmcsGuestFsBase      VmcsField = 0x680E
	VmcsGuestGsBase      VmcsField = 0x6810
	VmcsGuestLdtrBase    VmcsField = 0x6812
	VmcsGuestTrBase      VmcsField = 0x6814
	VmcsGuestGdtrBase    VmcsField = 0x6816
	VmcsGuestIdtrBase    VmcsField = 0x6818
	VmcsGuestDr7         VmcsField = 0x681A
	VmcsGuestRsp         VmcsField = 0x681C
	VmcsGuestRip         VmcsField = 0x681E
	VmcsGuestRflags      VmcsField = 0x6820
	VmcsGuestSysenterESP VmcsField = 0x6824
	VmcsGuestSysenterEIP VmcsField = 0x6826

	VmcsHostCr0         VmcsField = 0x6C00
	VmcsHostCr3         VmcsField = 0x6C02
	VmcsHostCr4         VmcsField = 0x6C04
	VmcsHostFsBase      VmcsField = 0x6C06
	VmcsHostGsBase      VmcsField = 0x6C08
	VmcsHostTrBase      VmcsField = 0x6C0A
	VmcsHostGdtrBase    VmcsField = 0x6C0C
	VmcsHostIdtrBase    VmcsField = 0x6C0E
	VmcsHostSysenterESP VmcsField = 0x6C10
	VmcsHostSysenterEIP VmcsField = 0x6C12
	VmcsHostRsp         VmcsField = 0x6C14
	VmcsHostRip         VmcsField = 0x6C16
)

// vmInstructionErrors maps the VM-instruction error field to the SDM's
// description. Read after any failed VMCLEAR/VMPTRLD/VMLAUNCH/VMRESUME.
var vmInstructionErrors = map[uint64]string{
	1:  "VMCALL executed in VMX root operation",
	2:  "VMCLEAR with invalid physical address",
	3:  "VMCLEAR with VMXON pointer",
	4:  "VMLAUNCH with non-clear VMCS",
	5:  "VMRESUME with non-launched VMCS",
	6:  "VMRESUME after VMXOFF",
	7:  "VM entry with invalid control fields",
	8:  "VM entry with invalid host-state fields",
	9:  "VMPTRLD with invalid physical address",
	10: "VMPTRLD with VMXON pointer",
	11: "VMPTRLD with incorrect VMCS revision identifier",
	12: "VMREAD/VMWRITE to unsupported VMCS component",
	13: "VMWRITE to read-only VMCS component",
	15: "VMXON executed in VMX root operation",
	16: "VM entry with invalid executive-VMCS pointer",
	17: "VM entry with non-launched executive VMCS",
	20: "VMCALL with non-clear VMCS",
	26: "VM entry with events blocked by MOV SS",
	28: "invalid operand to INVEPT/INVVPID",
}

// VmInstructionErrorString renders the VM-instruction error field for logs.
func VmInstructionErrorString(code uint64) string {
	if s, ok := vmInstructionErrors[code]; ok {
		return s
	}
	return "unknown VM-instruction error"
}
