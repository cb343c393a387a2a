package arch

// ExitReason is the basic exit reason from the VM-exit reason field.
type ExitReason uint16

const (
	ExitReasonExceptionNmi      ExitReason = 0
	ExitReasonExternalInterrupt ExitReason = 1
	ExitReasonTripleFault       ExitReason = 2
	ExitReasonCpuid             ExitReason = 10
	ExitReasonRdpmc             ExitReason = 15
	ExitReasonRdtsc             ExitReason = 16
	ExitReasonVmcall            ExitReason = 18
	ExitReasonCrAccess          ExitReason = 28
	ExitReasonDrAccess          ExitReason = 29
	ExitReasonIoInstruction     ExitReason = 30
	ExitReasonRdmsr             ExitReason = 31
	ExitReasonWrmsr             ExitReason = 32
	ExitReasonMonitorTrapFlag   ExitReason = 37
	ExitReasonEptViolation      ExitReason = 48
	ExitReasonEptMisconfig      ExitReason = 49
	ExitReasonInvept            ExitReason = 50
	ExitReasonRdtscp            ExitReason = 51
	ExitReasonInvvpid           ExitReason = 53
	ExitReasonXsetbv            ExitReason = 55
)

func (r ExitReason) String() string {
	switch r {
	case ExitReasonExceptionNmi:
		return "exception-or-nmi"
	case ExitReasonExternalInterrupt:
		return "external-interrupt"
	case ExitReasonTripleFault:
		return "triple-fault"
	case ExitReasonCpuid:
		return "cpuid"
	case ExitReasonVmcall:
		return "vmcall"
	case ExitReasonCrAccess:
		return "cr-access"
	case ExitReasonMonitorTrapFlag:
		return "monitor-trap-flag"
	case ExitReasonEptViolation:
		return "ept-violation"
	case ExitReasonEptMisconfig:
		return "ept-misconfiguration"
	default:
		return "other"
	}
}

// EptViolationQualification decodes the exit-qualification word of an EPT
// violation exit (SDM table 28-7).
type EptViolationQualification uint64

func (q EptViolationQualification) ReadAccess() bool    { return q&(1<<0) != 0 }
func (q EptViolationQualification) WriteAccess() bool   { return q&(1<<1) != 0 }
func (q EptViolationQualification) ExecuteAccess() bool { return q&(1<<2) != 0 }

// Entry permissions at the time of the violation.
func (q EptViolationQualification) EntryReadable() bool   { return q&(1<<3) != 0 }
func (q EptViolationQualification) EntryWritable() bool   { return q&(1<<4) != 0 }
func (q EptViolationQualification) EntryExecutable() bool { return q&(1<<5) != 0 }

func (q EptViolationQualification) GuestLinearValid() bool { return q&(1<<7) != 0 }

// CausedByTranslation reports whether the access was part of the guest
// page walk rather than the final linear access.
func (q EptViolationQualification) CausedByTranslation() bool { return q&(1<<8) == 0 }

// ExitInfo is the state snapshot delivered to the exit dispatcher. The
// hardware (or the simulated machine) fills it from the current VMCS.
type ExitInfo struct {
	Reason        ExitReason
	Qualification uint64

	// GuestPhysicalAddress is valid for EPT violation/misconfiguration.
	GuestPhysicalAddress uint64

	// GuestRip/GuestRsp mirror the guest-state area at exit time.
	GuestRip uint64
	GuestRsp uint64

	// InstructionLength of the exiting instruction, for RIP advancing.
	InstructionLength uint64

	// Vmcall bridge registers (RCX=number, RDX/R8/R9=parameters).
	VmcallNumber uint64
	VmcallParam1 uint64
	VmcallParam2 uint64
	VmcallParam3 uint64
}
