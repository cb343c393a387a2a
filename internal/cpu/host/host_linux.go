//go:build linux

// Package host implements the cpu interfaces on Linux hardware through
// the companion kernel driver. The driver executes VMX instructions on
// the calling CPU; userspace pins one dispatch thread per core with
// sched_setaffinity and funnels all privileged work through it. MSRs go
// through the stock msr driver (/dev/cpu/N/msr), everything else
// through /dev/rift ioctls.
package host

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/cpu"
)

const (
	devicePath    = "/dev/rift"
	msrPathFormat = "/dev/cpu/%d/msr"
)

// Machine dispatches privileged work onto pinned per-core threads and
// pumps VM exits from the driver back into the registered delegate.
type Machine struct {
	logger *slog.Logger

	mu       sync.Mutex
	delegate cpu.ExitDelegate
	closed   bool

	cores []*hostCore
}

// New opens the driver and the per-core MSR files, then starts one
// pinned dispatch thread per online core.
func New(logger *slog.Logger) (*Machine, error) {
	n := runtime.NumCPU()

	m := &Machine{logger: logger}
	for i := 0; i < n; i++ {
		devFd, err := unix.Open(devicePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("host: open %s for core %d: %w", devicePath, i, err)
		}
		msrFd, err := unix.Open(fmt.Sprintf(msrPathFormat, i), unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			unix.Close(devFd)
			m.Close()
			return nil, fmt.Errorf("host: open msr device for core %d: %w", i, err)
		}

		c := &hostCore{
			machine:  m,
			id:       i,
			devFd:    devFd,
			msrFd:    msrFd,
			runQueue: make(chan func(), 1),
		}
		m.cores = append(m.cores, c)
		go c.start()
	}

	logger.Info("host backend ready", "cores", n)
	return m, nil
}

// CoreCount implements cpu.Topology.
func (m *Machine) CoreCount() int { return len(m.cores) }

// RunOnCore implements cpu.Topology.
func (m *Machine) RunOnCore(ctx context.Context, coreID int, task cpu.Task) error {
	if coreID < 0 || coreID >= len(m.cores) {
		return fmt.Errorf("%w: %d", cpu.ErrNoSuchCore, coreID)
	}

	c := m.cores[coreID]
	done := make(chan error, 1)

	select {
	case c.runQueue <- func() { done <- task(c) }:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnAllCores implements cpu.Topology.
func (m *Machine) RunOnAllCores(ctx context.Context, task cpu.Task) error {
	errs := make([]error, len(m.cores))

	var wg sync.WaitGroup
	for i, c := range m.cores {
		wg.Add(1)
		i, c := i, c
		c.runQueue <- func() {
			defer wg.Done()
			errs[i] = task(c)
		}
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("core %d: %w", i, err)
		}
	}
	return ctx.Err()
}

// SetExitDelegate implements cpu.ExitSink. The exit pumps start on the
// first registration.
func (m *Machine) SetExitDelegate(d cpu.ExitDelegate) {
	m.mu.Lock()
	first := m.delegate == nil
	m.delegate = d
	m.mu.Unlock()

	if first && d != nil {
		for _, c := range m.cores {
			go c.pumpExits()
		}
	}
}

// Close stops the dispatch threads and releases the device handles.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, c := range m.cores {
		close(c.runQueue)
		unix.Close(c.devFd)
		unix.Close(c.msrFd)
	}
	return nil
}

var (
	_ cpu.Topology = &Machine{}
	_ cpu.ExitSink = &Machine{}
)

// hostCore executes privileged operations on one logical processor. All
// ioctls run on the dispatch thread, which is affinity-pinned so the
// driver's "current CPU" is always this core.
type hostCore struct {
	machine  *Machine
	id       int
	devFd    int
	msrFd    int
	runQueue chan func()
}

func (c *hostCore) start() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var set unix.CPUSet
	set.Set(c.id)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		c.machine.logger.Error("pinning dispatch thread failed", "core", c.id, "error", err)
	}

	for task := range c.runQueue {
		task()
	}
}

// pumpExits parks in the driver until a VM exit needs userspace, routes
// it into the delegate from the core's dispatch thread, then resumes
// the guest.
func (c *hostCore) pumpExits() {
	ctx := context.Background()
	for {
		var rec exitRecord
		if err := doIoctl(c.devFd, iocWaitExit, unsafe.Pointer(&rec)); err != nil {
			if err == unix.EBADF || err == unix.ENODEV {
				return // device closed, session over
			}
			c.machine.logger.Error("exit wait failed", "core", c.id, "error", err)
			return
		}

		exit := arch.ExitInfo{
			Reason:               arch.ExitReason(rec.Reason),
			Qualification:        rec.Qualification,
			GuestPhysicalAddress: rec.GuestPhysical,
			GuestRip:             rec.GuestRip,
			GuestRsp:             rec.GuestRsp,
			InstructionLength:    rec.InstrLength,
		}

		err := c.machine.RunOnCore(ctx, c.id, func(core cpu.Core) error {
			c.machine.mu.Lock()
			d := c.machine.delegate
			c.machine.mu.Unlock()
			if d == nil {
				return fmt.Errorf("host: VM exit with no delegate (reason %s)", exit.Reason)
			}
			return d.HandleExit(core, exit)
		})
		if err != nil {
			c.machine.logger.Error("exit handling failed", "core", c.id,
				"reason", exit.Reason, "error", err)
		}

		token := uint64(0)
		if err := doIoctl(c.devFd, iocResume, unsafe.Pointer(&token)); err != nil {
			c.machine.logger.Error("guest resume failed", "core", c.id, "error", err)
			return
		}
	}
}

func (c *hostCore) ID() int { return c.id }

func (c *hostCore) Cpuid(leaf, subleaf uint32) arch.CpuidResult {
	req := cpuidRequest{Leaf: leaf, Subleaf: subleaf}
	if err := doIoctl(c.devFd, iocCpuid, unsafe.Pointer(&req)); err != nil {
		c.machine.logger.Error("cpuid ioctl failed", "core", c.id, "error", err)
		return arch.CpuidResult{}
	}
	return arch.CpuidResult{Eax: req.Eax, Ebx: req.Ebx, Ecx: req.Ecx, Edx: req.Edx}
}

func (c *hostCore) ReadMsr(msr uint32) (uint64, error) {
	var buf [8]byte
	n, err := unix.Pread(c.msrFd, buf[:], int64(msr))
	if err != nil {
		return 0, fmt.Errorf("host: rdmsr 0x%x on core %d: %w", msr, c.id, err)
	}
	if n != 8 {
		return 0, fmt.Errorf("host: rdmsr 0x%x on core %d: short read", msr, c.id)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (c *hostCore) WriteMsr(msr uint32, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	if _, err := unix.Pwrite(c.msrFd, buf[:], int64(msr)); err != nil {
		return fmt.Errorf("host: wrmsr 0x%x on core %d: %w", msr, c.id, err)
	}
	return nil
}

func (c *hostCore) controlReg(reg uint32, write bool, value uint64) uint64 {
	req := controlRegRequest{Reg: reg, Value: value}
	if write {
		req.Write = 1
	}
	if err := doIoctl(c.devFd, iocControlReg, unsafe.Pointer(&req)); err != nil {
		c.machine.logger.Error("control register ioctl failed",
			"core", c.id, "reg", reg, "error", err)
		return 0
	}
	return req.Value
}

func (c *hostCore) ReadCr0() uint64   { return c.controlReg(0, false, 0) }
func (c *hostCore) WriteCr0(v uint64) { c.controlReg(0, true, v) }
func (c *hostCore) ReadCr3() uint64   { return c.controlReg(3, false, 0) }
func (c *hostCore) WriteCr3(v uint64) { c.controlReg(3, true, v) }
func (c *hostCore) ReadCr4() uint64   { return c.controlReg(4, false, 0) }
func (c *hostCore) WriteCr4(v uint64) { c.controlReg(4, true, v) }

func (c *hostCore) ReadRflags() uint64 {
	v, err := c.vmxInstr(opReadRflags, "rflags", 0, 0, 0, 0)
	if err != nil {
		c.machine.logger.Error("rflags read failed", "core", c.id, "error", err)
	}
	return v
}

func (c *hostCore) descTable(which uint32) arch.DescriptorTable {
	req := descTableRequest{Which: which}
	if err := doIoctl(c.devFd, iocDescTable, unsafe.Pointer(&req)); err != nil {
		c.machine.logger.Error("descriptor table ioctl failed",
			"core", c.id, "which", which, "error", err)
		return arch.DescriptorTable{}
	}
	size := int(req.Limit) + 1
	if size > len(req.Image) {
		size = len(req.Image)
	}
	image := make([]byte, size)
	copy(image, req.Image[:size])
	return arch.DescriptorTable{Base: req.Base, Limit: req.Limit, Image: image}
}

func (c *hostCore) Gdt() arch.DescriptorTable { return c.descTable(0) }
func (c *hostCore) Idt() arch.DescriptorTable { return c.descTable(1) }

func (c *hostCore) SegmentSelectors() cpu.SegmentSelectors {
	var req selectorsRequest
	if err := doIoctl(c.devFd, iocSelectors, unsafe.Pointer(&req)); err != nil {
		c.machine.logger.Error("selector ioctl failed", "core", c.id, "error", err)
		return cpu.SegmentSelectors{}
	}
	return cpu.SegmentSelectors{
		Es:   arch.SegmentSelector(req.Es),
		Cs:   arch.SegmentSelector(req.Cs),
		Ss:   arch.SegmentSelector(req.Ss),
		Ds:   arch.SegmentSelector(req.Ds),
		Fs:   arch.SegmentSelector(req.Fs),
		Gs:   arch.SegmentSelector(req.Gs),
		Ldtr: arch.SegmentSelector(req.Ldtr),
		Tr:   arch.SegmentSelector(req.Tr),
	}
}

func (c *hostCore) vmxInstr(op uint32, name string, a0, a1, a2, a3 uint64) (uint64, error) {
	req := vmxInstrRequest{Op: op, Arg0: a0, Arg1: a1, Arg2: a2, Arg3: a3}
	if err := doIoctl(c.devFd, iocVmxInstr, unsafe.Pointer(&req)); err != nil {
		return 0, fmt.Errorf("host: %s ioctl on core %d: %w", name, c.id, err)
	}
	if err := vmxStatusError(name, req.Status); err != nil {
		return 0, err
	}
	return req.Result, nil
}

func (c *hostCore) Vmxon(regionPhys uint64) error {
	_, err := c.vmxInstr(opVmxon, "vmxon", regionPhys, 0, 0, 0)
	return err
}

func (c *hostCore) Vmxoff() error {
	_, err := c.vmxInstr(opVmxoff, "vmxoff", 0, 0, 0, 0)
	return err
}

func (c *hostCore) Vmclear(vmcsPhys uint64) error {
	_, err := c.vmxInstr(opVmclear, "vmclear", vmcsPhys, 0, 0, 0)
	return err
}

func (c *hostCore) Vmptrld(vmcsPhys uint64) error {
	_, err := c.vmxInstr(opVmptrld, "vmptrld", vmcsPhys, 0, 0, 0)
	return err
}

func (c *hostCore) Vmread(field arch.VmcsField) (uint64, error) {
	return c.vmxInstr(opVmread, "vmread", uint64(field), 0, 0, 0)
}

func (c *hostCore) Vmwrite(field arch.VmcsField, value uint64) error {
	_, err := c.vmxInstr(opVmwrite, "vmwrite", uint64(field), value, 0, 0)
	return err
}

func (c *hostCore) Vmlaunch() error {
	_, err := c.vmxInstr(opVmlaunch, "vmlaunch", 0, 0, 0, 0)
	return err
}

func (c *hostCore) Vmresume() error {
	_, err := c.vmxInstr(opVmresume, "vmresume", 0, 0, 0, 0)
	return err
}

func (c *hostCore) Invept(single bool, eptp uint64) error {
	kind := uint64(2) // all-context
	if single {
		kind = 1
	}
	_, err := c.vmxInstr(opInvept, "invept", kind, eptp, 0, 0)
	return err
}

func (c *hostCore) Invvpid(single bool, vpid uint16) error {
	kind := uint64(2)
	if single {
		kind = 1
	}
	_, err := c.vmxInstr(opInvvpid, "invvpid", kind, uint64(vpid), 0, 0)
	return err
}

func (c *hostCore) Vmcall(number, p1, p2, p3 uint64) error {
	_, err := c.vmxInstr(opVmcall, "vmcall", number, p1, p2, p3)
	return err
}

func (c *hostCore) Vmfunc(eptpIndex uint32) error {
	_, err := c.vmxInstr(opVmfunc, "vmfunc", uint64(eptpIndex), 0, 0, 0)
	return err
}

var _ cpu.Core = &hostCore{}

// DriverPresent reports whether the companion driver is loaded, for the
// backend-selection logic in the command layer.
func DriverPresent() bool {
	_, err := os.Stat(devicePath)
	return err == nil
}
