// Package cpu defines the per-core privileged-operation surface the
// hypervisor core runs against. Backends live in subpackages: sim (a
// fully simulated multi-core machine) and host (Linux, via the companion
// kernel driver).
package cpu

import (
	"context"
	"errors"

	"github.com/riftdbg/rift/internal/arch"
)

var (
	// ErrVmxNotSupported is reported by the feature probe when the CPUID
	// virtualization bit is clear or the firmware did not enable VMXON.
	ErrVmxNotSupported = errors.New("cpu: VMX not supported or not enabled by firmware")

	// ErrVmFail is the failure indication of a VMX instruction
	// (the RFLAGS-based VMfailValid/VMfailInvalid outcome).
	ErrVmFail = errors.New("cpu: VMX instruction failed")

	// ErrNotInVmxOperation is returned by VMREAD/VMWRITE executed outside
	// VMX operation; the deterministic root-mode probe relies on it.
	ErrNotInVmxOperation = errors.New("cpu: not in VMX operation")

	// ErrNoSuchCore is returned for out-of-range core identifiers.
	ErrNoSuchCore = errors.New("cpu: no such core")
)

// Core is one logical processor. All methods must be invoked from the
// core's own dispatch thread (see Topology); none of them block.
type Core interface {
	ID() int

	Cpuid(leaf, subleaf uint32) arch.CpuidResult
	ReadMsr(msr uint32) (uint64, error)
	WriteMsr(msr uint32, value uint64) error

	ReadCr0() uint64
	WriteCr0(v uint64)
	ReadCr3() uint64
	WriteCr3(v uint64)
	ReadCr4() uint64
	WriteCr4(v uint64)
	ReadRflags() uint64

	// Gdt and Idt snapshot the live descriptor tables.
	Gdt() arch.DescriptorTable
	Idt() arch.DescriptorTable
	SegmentSelectors() SegmentSelectors

	// VMX instruction set. Physical addresses are guest-physical on the
	// simulated backend and host-physical on hardware.
	Vmxon(regionPhys uint64) error
	Vmxoff() error
	Vmclear(vmcsPhys uint64) error
	Vmptrld(vmcsPhys uint64) error
	Vmread(field arch.VmcsField) (uint64, error)
	Vmwrite(field arch.VmcsField, value uint64) error

	// Vmlaunch returning nil means the core entered guest execution;
	// interaction continues through exit dispatch. An error carries the
	// VM-instruction error semantics (read the VMCS field for details).
	Vmlaunch() error
	Vmresume() error

	Invept(single bool, eptp uint64) error
	Invvpid(single bool, vpid uint16) error

	// Vmcall traps into the hypervisor from non-root operation.
	Vmcall(number, p1, p2, p3 uint64) error

	// Vmfunc requests an EPTP switch from non-root operation.
	Vmfunc(eptpIndex uint32) error
}

// SegmentSelectors is the live selector snapshot used to build host and
// guest state.
type SegmentSelectors struct {
	Es, Cs, Ss, Ds, Fs, Gs, Ldtr, Tr arch.SegmentSelector
}

// Task runs on a specific core's dispatch thread.
type Task func(core Core) error

// Topology enumerates the logical processors and dispatches work to them.
// Both dispatch operations block the caller until the target core(s)
// acknowledge completion; RunOnAllCores reports the first failure but
// always waits for every core.
type Topology interface {
	CoreCount() int

	RunOnCore(ctx context.Context, coreID int, task Task) error
	RunOnAllCores(ctx context.Context, task Task) error

	Close() error
}

// ExitDelegate receives VM exits. The lifecycle manager registers itself
// with the backend so VMCALLs and synthesized exits land in its dispatch.
type ExitDelegate interface {
	HandleExit(core Core, exit arch.ExitInfo) error
}

// ExitSink is implemented by backends that deliver VM exits (the
// simulated machine, and the host driver's exit pump).
type ExitSink interface {
	SetExitDelegate(d ExitDelegate)
}
