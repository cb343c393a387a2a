package arch

// CPUID leaf 1 ECX feature bits.
const (
	CpuidFeatureEcxVmx        uint32 = 1 << 5
	CpuidFeatureEcxHypervisor uint32 = 1 << 31
)

// CpuidResult carries the four output registers of a CPUID invocation.
type CpuidResult struct {
	Eax, Ebx, Ecx, Edx uint32
}
