package vmm

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/mm"
)

var (
	// ErrAllocationFailed wraps region allocation failures during
	// per-core setup.
	ErrAllocationFailed = errors.New("vmm: region allocation failed")

	// ErrLaunchFailed carries a failed VMLAUNCH with the decoded
	// VM-instruction error.
	ErrLaunchFailed = errors.New("vmm: VMLAUNCH failed")

	// ErrNotLaunched marks operations that need a running hypervisor.
	ErrNotLaunched = errors.New("vmm: hypervisor not launched")

	// ErrAlreadyLaunched marks a second Initialize on a live session.
	ErrAlreadyLaunched = errors.New("vmm: hypervisor already launched")
)

// Lifecycle states of one virtual processor.
const (
	vpStateUninitialized = "uninitialized"
	vpStateRegionsReady  = "regions-ready"
	vpStateEnabled       = "enabled"
	vpStateVmcsLoaded    = "vmcs-loaded"
	vpStateLaunched      = "launched"
	vpStateTerminated    = "terminated"
)

// Lifecycle triggers.
const (
	vpTriggerAllocate  = "allocate"
	vpTriggerEnable    = "enable"
	vpTriggerLoad      = "load"
	vpTriggerLaunch    = "launch"
	vpTriggerRollback  = "rollback"
	vpTriggerVmxoff    = "vmxoff"
)

// hypervisorStackSize is the per-core stack the exit handler runs on.
const hypervisorStackSize = 8 * arch.PageSize

// CoreRegions are the contiguous allocations owned by one core.
type CoreRegions struct {
	Vmxon     mm.Region
	Vmcs      mm.Region
	Stack     mm.Region
	MsrBitmap mm.Region
	IoBitmapA mm.Region
	IoBitmapB mm.Region
}

// all lists the regions in allocation order, for rollback and free.
func (r *CoreRegions) all() []*mm.Region {
	return []*mm.Region{&r.Vmxon, &r.Vmcs, &r.Stack, &r.MsrBitmap, &r.IoBitmapA, &r.IoBitmapB}
}

// VmxoffState records where the guest was when this core left VMX
// operation, so execution can resume right after the exiting VMCALL.
type VmxoffState struct {
	IsVmxoffExecuted bool
	GuestRip         uint64
	GuestRsp         uint64
}

// VirtualProcessor is the per-core state block of the lifecycle
// manager. A state machine guards the VMX bring-up ordering: regions
// before VMXON, VMPTRLD before VMCS writes, VMLAUNCH exactly once.
type VirtualProcessor struct {
	CoreID  int
	Regions CoreRegions

	HasLaunched     bool
	IsOnVmxRootMode bool
	VmxoffState     VmxoffState

	// exitCounts tallies dispatched exits per basic reason.
	exitCounts map[arch.ExitReason]uint64

	fsm *stateless.StateMachine
}

func newVirtualProcessor(coreID int) *VirtualProcessor {
	vp := &VirtualProcessor{
		CoreID:     coreID,
		exitCounts: make(map[arch.ExitReason]uint64),
	}

	fsm := stateless.NewStateMachine(vpStateUninitialized)
	fsm.Configure(vpStateUninitialized).
		Permit(vpTriggerAllocate, vpStateRegionsReady)
	fsm.Configure(vpStateRegionsReady).
		Permit(vpTriggerEnable, vpStateEnabled).
		Permit(vpTriggerRollback, vpStateUninitialized)
	fsm.Configure(vpStateEnabled).
		Permit(vpTriggerLoad, vpStateVmcsLoaded).
		Permit(vpTriggerRollback, vpStateUninitialized)
	fsm.Configure(vpStateVmcsLoaded).
		Permit(vpTriggerLaunch, vpStateLaunched).
		Permit(vpTriggerRollback, vpStateUninitialized)
	fsm.Configure(vpStateLaunched).
		Permit(vpTriggerVmxoff, vpStateTerminated)
	vp.fsm = fsm

	return vp
}

// State reports the lifecycle state, for logs and tests.
func (vp *VirtualProcessor) State() string {
	return vp.fsm.MustState().(string)
}

// ExitCount reports how many exits of one reason this core dispatched.
func (vp *VirtualProcessor) ExitCount(reason arch.ExitReason) uint64 {
	return vp.exitCounts[reason]
}

// allocateRegions obtains every per-core region and stamps the VMXON
// and VMCS regions with the revision identifier. Any failure releases
// what was already allocated.
func (vp *VirtualProcessor) allocateRegions(alloc mm.ContiguousAllocator, revision uint32) error {
	if err := vp.fsm.Fire(vpTriggerAllocate); err != nil {
		return fmt.Errorf("vmm: core %d: %w", vp.CoreID, err)
	}

	type request struct {
		target *mm.Region
		size   uint64
	}
	requests := []request{
		{&vp.Regions.Vmxon, arch.PageSize},
		{&vp.Regions.Vmcs, arch.PageSize},
		{&vp.Regions.Stack, hypervisorStackSize},
		{&vp.Regions.MsrBitmap, arch.PageSize},
		{&vp.Regions.IoBitmapA, arch.PageSize},
		{&vp.Regions.IoBitmapB, arch.PageSize},
	}

	for i, req := range requests {
		region, err := alloc.AllocateContiguous(req.size)
		if err != nil {
			for _, done := range requests[:i] {
				_ = alloc.Free(*done.target)
				*done.target = mm.Region{}
			}
			_ = vp.fsm.Fire(vpTriggerRollback)
			return fmt.Errorf("%w: core %d: %v", ErrAllocationFailed, vp.CoreID, err)
		}
		*req.target = region
	}

	binary.LittleEndian.PutUint32(vp.Regions.Vmxon.Bytes, revision)
	binary.LittleEndian.PutUint32(vp.Regions.Vmcs.Bytes, revision)
	return nil
}

// freeRegions releases every region this core still holds.
func (vp *VirtualProcessor) freeRegions(alloc mm.ContiguousAllocator) error {
	for _, region := range vp.Regions.all() {
		if region.Bytes == nil {
			continue
		}
		if err := alloc.Free(*region); err != nil {
			return fmt.Errorf("vmm: core %d: free region 0x%x: %w", vp.CoreID, region.PhysicalAddress, err)
		}
		*region = mm.Region{}
	}
	return nil
}

// stackTop is the initial host RSP: the high end of the stack region,
// 16-byte aligned as VM entry requires.
func (vp *VirtualProcessor) stackTop() uint64 {
	return (vp.Regions.Stack.PhysicalAddress + vp.Regions.Stack.Size()) &^ 0xF
}

// msrBitmap wraps the core's MSR bitmap region.
func (vp *VirtualProcessor) msrBitmap() msrBitmap {
	return msrBitmap{region: vp.Regions.MsrBitmap}
}

// ioBitmap wraps the core's I/O bitmap pair.
func (vp *VirtualProcessor) ioBitmap() ioBitmap {
	return ioBitmap{a: vp.Regions.IoBitmapA, b: vp.Regions.IoBitmapB}
}
