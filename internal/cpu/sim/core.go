package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/cpu"
)

// vmcsRecord is the simulated backing of one VMCS region.
type vmcsRecord struct {
	fields   map[arch.VmcsField]uint64
	launched bool
}

type simCore struct {
	machine  *Machine
	id       int
	runQueue chan func()

	msrs map[uint32]uint64

	cr0, cr3, cr4 uint64
	rflags        uint64

	gdt       arch.DescriptorTable
	idt       arch.DescriptorTable
	selectors cpu.SegmentSelectors

	inVmxOperation bool
	currentVmcs    uint64
	vmcsStore      map[uint64]*vmcsRecord

	// launchedGuest means VMLAUNCH succeeded: VMREAD/VMWRITE outside the
	// exit handler now fault like the real non-root #UD would.
	launchedGuest bool
	inRootHandler bool

	inveptCount  int
	invvpidCount int
}

const (
	simVmxRevision = 0x11

	simKernelCr3 = 0x00FAB000

	simFsBase = 0xFFFF8000_00001000
	simGsBase = 0xFFFF8000_00002000
)

func newSimCore(m *Machine, id int) *simCore {
	c := &simCore{
		machine:   m,
		id:        id,
		runQueue:  make(chan func(), 16),
		msrs:      make(map[uint32]uint64),
		vmcsStore: make(map[uint64]*vmcsRecord),
		cr0:       0x80050033,
		cr3:       simKernelCr3,
		cr4:       0x000006F8,
		rflags:    0x2 | 1<<9,
	}
	c.seedMsrs()
	c.buildDescriptorTables()
	return c
}

func (c *simCore) start() {
	defer pin()()
	for fn := range c.runQueue {
		fn()
	}
}

func (c *simCore) seedMsrs() {
	allAllowed := uint64(0xFFFFFFFF) << 32

	featureControl := arch.FeatureControlLock | arch.FeatureControlVmxonOutsideSmx
	if c.machine.opts.NoVmxonOutsideSmx {
		featureControl = arch.FeatureControlLock
	}

	c.msrs[arch.MsrIA32FeatureControl] = featureControl
	c.msrs[arch.MsrIA32VmxBasic] = simVmxRevision | arch.VmxBasicTrueControls

	for _, msr := range []uint32{
		arch.MsrIA32VmxPinbasedCtls, arch.MsrIA32VmxProcbasedCtls,
		arch.MsrIA32VmxExitCtls, arch.MsrIA32VmxEntryCtls,
		arch.MsrIA32VmxProcbased2,
		arch.MsrIA32VmxTruePinbased, arch.MsrIA32VmxTrueProcbased,
		arch.MsrIA32VmxTrueExit, arch.MsrIA32VmxTrueEntry,
	} {
		c.msrs[msr] = allAllowed
	}

	c.msrs[arch.MsrIA32VmxCr0Fixed0] = 0x80000021
	c.msrs[arch.MsrIA32VmxCr0Fixed1] = 0xFFFFFFFF
	c.msrs[arch.MsrIA32VmxCr4Fixed0] = arch.Cr4VMXE
	c.msrs[arch.MsrIA32VmxCr4Fixed1] = 0xFFFFFFFF

	c.msrs[arch.MsrIA32VmxEptVpidCap] = arch.EptVpidCapExecuteOnly |
		arch.EptVpidCapPageWalkLength4 | arch.EptVpidCapMemoryTypeWB |
		arch.EptVpidCap2MBPages | arch.EptVpidCapInvept |
		arch.EptVpidCapInveptSingle | arch.EptVpidCapInveptAll |
		arch.EptVpidCapInvvpid | arch.EptVpidCapInvvpidSingle |
		arch.EptVpidCapInvvpidAll

	// two variable MTRR ranges, write-back default, MTRRs enabled
	c.msrs[arch.MsrIA32MtrrCap] = 2
	c.msrs[arch.MsrIA32MtrrDefType] = uint64(arch.MemoryTypeWriteBack) | 1<<11

	// range 0: first megabyte uncacheable
	c.msrs[arch.MsrIA32MtrrPhysBase] = 0x00000000 | uint64(arch.MemoryTypeUncacheable)
	c.msrs[arch.MsrIA32MtrrPhysMask] = (^uint64(0x100000-1) & 0xFFFFFFFFFF) | 1<<11

	c.msrs[arch.MsrIA32Efer] = arch.EferSce | arch.EferLme | arch.EferLma
	c.msrs[arch.MsrIA32FsBase] = simFsBase
	c.msrs[arch.MsrIA32GsBase] = simGsBase
	c.msrs[arch.MsrIA32SysenterCS] = 0x10
	c.msrs[arch.MsrIA32SysenterESP] = 0xFFFF8000_0000F000
	c.msrs[arch.MsrIA32SysenterEIP] = 0xFFFF8000_00010000
	c.msrs[arch.MsrIA32DebugCtl] = 0
}

// buildDescriptorTables lays out a minimal long-mode GDT: null, kernel
// code, kernel data, and a busy 64-bit TSS (a 16-byte descriptor).
func (c *simCore) buildDescriptorTables() {
	gdt := make([]byte, 0x40)

	pack := func(index int, base uint64, limit uint32, access uint16, flags uint8) {
		lo := limit&0xFFFF | uint32(base&0xFFFF)<<16
		hi := uint32(base>>16)&0xFF | uint32(access)<<8 | limit&0xF0000 |
			uint32(flags&0xF)<<20 | uint32(base>>24&0xFF)<<24
		binary.LittleEndian.PutUint32(gdt[index*8:], lo)
		binary.LittleEndian.PutUint32(gdt[index*8+4:], hi)
	}

	pack(1, 0, 0xFFFFF, 0x9A, 0xA) // 64-bit code
	pack(2, 0, 0xFFFFF, 0x92, 0xC) // data
	tssBase := uint64(0xFFFF8000_00020000) + uint64(c.id)*0x1000
	pack(4, tssBase, 0x67, 0x8B, 0x0) // busy TSS
	binary.LittleEndian.PutUint32(gdt[4*8+8:], uint32(tssBase>>32))

	c.gdt = arch.DescriptorTable{Base: 0xFFFF8000_00030000, Limit: uint16(len(gdt) - 1), Image: gdt}
	c.idt = arch.DescriptorTable{Base: 0xFFFF8000_00040000, Limit: 0xFFF}

	c.selectors = cpu.SegmentSelectors{
		Cs: 1 << 3,
		Ss: 2 << 3,
		Ds: 2 << 3,
		Es: 2 << 3,
		Fs: 2 << 3,
		Gs: 2 << 3,
		Tr: 4 << 3,
	}
}

// --- cpu.Core ---

func (c *simCore) ID() int { return c.id }

func (c *simCore) Cpuid(leaf, subleaf uint32) arch.CpuidResult {
	if leaf == 1 {
		ecx := arch.CpuidFeatureEcxVmx
		if c.machine.opts.NoVmxCpuid {
			ecx = 0
		}
		return arch.CpuidResult{Eax: 0x000506E3, Ecx: ecx, Edx: 0xBFEBFBFF}
	}
	return arch.CpuidResult{}
}

func (c *simCore) ReadMsr(msr uint32) (uint64, error) {
	if msr >= arch.MsrReservedRangeLow && msr <= arch.MsrReservedRangeHigh {
		return 0, fmt.Errorf("sim: #GP reading reserved MSR 0x%x", msr)
	}
	return c.msrs[msr], nil
}

func (c *simCore) WriteMsr(msr uint32, value uint64) error {
	if msr >= arch.MsrReservedRangeLow && msr <= arch.MsrReservedRangeHigh {
		return fmt.Errorf("sim: #GP writing reserved MSR 0x%x", msr)
	}
	c.msrs[msr] = value
	return nil
}

func (c *simCore) ReadCr0() uint64   { return c.cr0 }
func (c *simCore) WriteCr0(v uint64) { c.cr0 = v }
func (c *simCore) ReadCr3() uint64   { return c.cr3 }
func (c *simCore) WriteCr3(v uint64) { c.cr3 = v }
func (c *simCore) ReadCr4() uint64   { return c.cr4 }
func (c *simCore) WriteCr4(v uint64) { c.cr4 = v }
func (c *simCore) ReadRflags() uint64 { return c.rflags }

func (c *simCore) Gdt() arch.DescriptorTable { return c.gdt }
func (c *simCore) Idt() arch.DescriptorTable { return c.idt }

func (c *simCore) SegmentSelectors() cpu.SegmentSelectors { return c.selectors }

func (c *simCore) Vmxon(regionPhys uint64) error {
	if c.inVmxOperation {
		return fmt.Errorf("%w: VMXON in VMX root operation", cpu.ErrVmFail)
	}
	if c.cr4&arch.Cr4VMXE == 0 {
		return fmt.Errorf("%w: CR4.VMXE clear", cpu.ErrVmFail)
	}
	if err := c.checkRevision(regionPhys); err != nil {
		return err
	}
	c.inVmxOperation = true
	return nil
}

func (c *simCore) Vmxoff() error {
	if !c.inVmxOperation {
		return fmt.Errorf("%w: VMXOFF outside VMX operation", cpu.ErrVmFail)
	}
	c.inVmxOperation = false
	c.currentVmcs = 0
	c.launchedGuest = false
	return nil
}

func (c *simCore) Vmclear(vmcsPhys uint64) error {
	if !c.inVmxOperation {
		return cpu.ErrNotInVmxOperation
	}
	if err := c.checkRevision(vmcsPhys); err != nil {
		return err
	}
	rec := c.vmcsStore[vmcsPhys]
	if rec == nil {
		rec = &vmcsRecord{fields: make(map[arch.VmcsField]uint64)}
		c.vmcsStore[vmcsPhys] = rec
	}
	rec.launched = false
	if c.currentVmcs == vmcsPhys {
		c.currentVmcs = 0
	}
	return nil
}

func (c *simCore) Vmptrld(vmcsPhys uint64) error {
	if !c.inVmxOperation {
		return cpu.ErrNotInVmxOperation
	}
	rec := c.vmcsStore[vmcsPhys]
	if rec == nil {
		return fmt.Errorf("%w: VMPTRLD of non-clear VMCS 0x%x", cpu.ErrVmFail, vmcsPhys)
	}
	c.currentVmcs = vmcsPhys
	return nil
}

func (c *simCore) Vmread(field arch.VmcsField) (uint64, error) {
	if !c.vmxAccessAllowed() {
		return 0, cpu.ErrNotInVmxOperation
	}
	return c.vmreadInternal(field)
}

func (c *simCore) Vmwrite(field arch.VmcsField, value uint64) error {
	if !c.vmxAccessAllowed() {
		return cpu.ErrNotInVmxOperation
	}
	c.vmcsStore[c.currentVmcs].fields[field] = value
	return nil
}

func (c *simCore) Vmlaunch() error {
	rec := c.currentRecord()
	if rec == nil {
		return cpu.ErrNotInVmxOperation
	}
	if rec.launched {
		rec.fields[arch.VmcsVmInstructionError] = 4 // non-clear VMCS
		return cpu.ErrVmFail
	}
	if c.machine.opts.FailVmlaunchOnCore == c.id {
		rec.fields[arch.VmcsVmInstructionError] = 7 // invalid control fields
		return cpu.ErrVmFail
	}
	rec.launched = true
	c.launchedGuest = true
	return nil
}

func (c *simCore) Vmresume() error {
	rec := c.currentRecord()
	if rec == nil {
		return cpu.ErrNotInVmxOperation
	}
	if !rec.launched {
		rec.fields[arch.VmcsVmInstructionError] = 5
		return cpu.ErrVmFail
	}
	return nil
}

func (c *simCore) Invept(single bool, eptp uint64) error {
	if !c.inVmxOperation {
		return cpu.ErrNotInVmxOperation
	}
	c.inveptCount++
	return nil
}

func (c *simCore) Invvpid(single bool, vpid uint16) error {
	if !c.inVmxOperation {
		return cpu.ErrNotInVmxOperation
	}
	c.invvpidCount++
	return nil
}

// Vmcall traps into the registered exit delegate, exactly like the
// hardware instruction traps into the exit handler of the current core.
func (c *simCore) Vmcall(number, p1, p2, p3 uint64) error {
	if !c.launchedGuest {
		return fmt.Errorf("sim: VMCALL with no hypervisor present on core %d", c.id)
	}
	return c.machine.deliverExit(c, arch.ExitInfo{
		Reason:            arch.ExitReasonVmcall,
		InstructionLength: 3,
		VmcallNumber:      number,
		VmcallParam1:      p1,
		VmcallParam2:      p2,
		VmcallParam3:      p3,
	})
}

func (c *simCore) Vmfunc(eptpIndex uint32) error {
	if eptpIndex > 2 {
		return fmt.Errorf("%w: EPTP index %d out of range", cpu.ErrVmFail, eptpIndex)
	}
	return nil
}

// InveptCount reports how many EPT invalidations this core executed,
// for cache-coherency assertions in tests.
func (c *simCore) InveptCount() int { return c.inveptCount }

// --- internals ---

func (c *simCore) vmxAccessAllowed() bool {
	if !c.inVmxOperation || c.currentVmcs == 0 {
		return false
	}
	// once the guest is running, VMCS access outside the exit handler is
	// a non-root #UD
	if c.launchedGuest && !c.inRootHandler {
		return false
	}
	return true
}

func (c *simCore) currentRecord() *vmcsRecord {
	if !c.inVmxOperation || c.currentVmcs == 0 {
		return nil
	}
	return c.vmcsStore[c.currentVmcs]
}

func (c *simCore) vmreadInternal(field arch.VmcsField) (uint64, error) {
	rec := c.currentRecord()
	if rec == nil {
		return 0, cpu.ErrNotInVmxOperation
	}
	return rec.fields[field], nil
}

func (c *simCore) vmwriteExitFields(exit arch.ExitInfo) {
	rec := c.currentRecord()
	if rec == nil {
		return
	}
	rec.fields[arch.VmcsExitReason] = uint64(exit.Reason)
	rec.fields[arch.VmcsExitQualification] = exit.Qualification
	rec.fields[arch.VmcsGuestPhysicalAddress] = exit.GuestPhysicalAddress
	rec.fields[arch.VmcsExitInstrLength] = exit.InstructionLength
}

func (c *simCore) vmxoffExecuted() bool { return !c.inVmxOperation }

func (c *simCore) checkRevision(regionPhys uint64) error {
	var word [4]byte
	if err := (*simMapper)(c.machine).ReadPhysical(regionPhys, word[:]); err != nil {
		return fmt.Errorf("%w: bad region address 0x%x", cpu.ErrVmFail, regionPhys)
	}
	if binary.LittleEndian.Uint32(word[:])&0x7FFFFFFF != simVmxRevision {
		return fmt.Errorf("%w: wrong VMCS revision identifier", cpu.ErrVmFail)
	}
	return nil
}

var _ cpu.Core = &simCore{}
