// Package sim implements the cpu interfaces on a fully simulated
// multi-core x86 machine: simulated physical memory, per-core MSR files
// and VMCS storage, per-process guest page mappings, and synthesized VM
// exits. It is the development and test backend.
package sim

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/cpu"
	"github.com/riftdbg/rift/internal/mm"
)

// Options configures the simulated machine. The fault-injection knobs
// exist for the lifecycle tests.
type Options struct {
	Cores          int
	PhysicalMemory uint64

	// NoVmxCpuid clears CPUID.1:ECX[5] on every core.
	NoVmxCpuid bool

	// NoVmxonOutsideSmx clears the firmware-enable bit in
	// IA32_FEATURE_CONTROL while leaving the CPUID bit set.
	NoVmxonOutsideSmx bool

	// FailVmlaunchOnCore makes VMLAUNCH fail with "invalid control
	// fields" on the given core. -1 disables the injection.
	FailVmlaunchOnCore int
}

const (
	defaultCores      = 4
	defaultPhysical   = 64 << 20
	allocatorBasePhys = 0x100000 // leave low memory for guest mappings
)

// Machine is a simulated multi-core machine. It owns the physical memory,
// the cores and their dispatch threads, and implements the collaborator
// interfaces (allocator, pool, mapper) on top of its own memory.
type Machine struct {
	mu sync.Mutex

	cores    []*simCore
	physical []byte

	delegate cpu.ExitDelegate

	// bump allocator state
	nextFree uint64
	freed    map[uint64]uint64 // pa -> size, for double-free detection

	// guest address spaces: cr3 -> virtual page -> physical page
	spaces map[uint64]map[uint64]uint64
	pids   map[uint32]uint64

	pool *fixedPool

	opts   Options
	closed bool
}

// New builds the machine and starts one dispatch thread per core.
func New(opts Options) *Machine {
	if opts.Cores <= 0 {
		opts.Cores = defaultCores
	}
	if opts.PhysicalMemory == 0 {
		opts.PhysicalMemory = defaultPhysical
	}
	if opts.FailVmlaunchOnCore == 0 {
		// zero value must not accidentally target core 0
		opts.FailVmlaunchOnCore = -1
	}

	m := &Machine{
		physical: make([]byte, opts.PhysicalMemory),
		nextFree: allocatorBasePhys,
		freed:    make(map[uint64]uint64),
		spaces:   make(map[uint64]map[uint64]uint64),
		pids:     make(map[uint32]uint64),
		opts:     opts,
	}
	m.pool = newFixedPool(m)

	for i := 0; i < opts.Cores; i++ {
		c := newSimCore(m, i)
		m.cores = append(m.cores, c)
		go c.start()
	}

	return m
}

// CoreCount implements cpu.Topology.
func (m *Machine) CoreCount() int { return len(m.cores) }

// RunOnCore implements cpu.Topology: the task executes on the target
// core's dispatch thread and the call blocks until it finishes.
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
		// the task still runs to completion; dispatch never cancels
		return ctx.Err()
	}
}

// RunOnAllCores implements cpu.Topology: every core runs the task, the
// call returns after all of them complete, reporting the first failure.
func (m *Machine) RunOnAllCores(ctx context.Context, task cpu.Task) error {
	errs := make([]error, len(m.cores))

	var wg sync.WaitGroup
	for i, c := range m.cores {
		wg.Add(1)
		c := c
		i := i
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

// SetExitDelegate implements cpu.ExitSink.
func (m *Machine) SetExitDelegate(d cpu.ExitDelegate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delegate = d
}

// Close stops the dispatch threads.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, c := range m.cores {
		close(c.runQueue)
	}
	return nil
}

// Core returns the simulated core with the given ID, for direct state
// inspection in tests.
func (m *Machine) Core(id int) *simCore { return m.cores[id] }

// VmcsField reads a field of a core's current VMCS directly from the
// backing store, bypassing the root-mode access gating. Test inspection
// only; guest-visible reads go through Core.Vmread.
func (m *Machine) VmcsField(coreID int, field arch.VmcsField) (uint64, bool) {
	c := m.cores[coreID]
	rec := c.vmcsStore[c.currentVmcs]
	if c.currentVmcs == 0 || rec == nil {
		return 0, false
	}
	v, ok := rec.fields[field]
	return v, ok
}

// TriggerEptViolation synthesizes an EPT-violation VM exit on the given
// core, as the hardware would after a disallowed guest access to gpa.
func (m *Machine) TriggerEptViolation(ctx context.Context, coreID int, gpa uint64, qual arch.EptViolationQualification) error {
	return m.RunOnCore(ctx, coreID, func(core cpu.Core) error {
		c := core.(*simCore)
		if !c.launchedGuest {
			return fmt.Errorf("sim: core %d has no running guest", coreID)
		}
		return m.deliverExit(c, arch.ExitInfo{
			Reason:               arch.ExitReasonEptViolation,
			Qualification:        uint64(qual),
			GuestPhysicalAddress: gpa,
			InstructionLength:    1,
		})
	})
}

// deliverExit routes one VM exit into the registered delegate on the
// current core thread, then chases monitor-trap single steps: if the
// handler leaves MTF set when it resumes, the guest executes exactly one
// instruction and traps again.
func (m *Machine) deliverExit(c *simCore, exit arch.ExitInfo) error {
	m.mu.Lock()
	d := m.delegate
	m.mu.Unlock()

	if d == nil {
		return fmt.Errorf("sim: VM exit with no delegate registered (reason %s)", exit.Reason)
	}

	const mtfChaseLimit = 8

	for i := 0; ; i++ {
		c.inRootHandler = true
		c.vmwriteExitFields(exit)
		err := d.HandleExit(c, exit)
		c.inRootHandler = false

		if err != nil {
			return err
		}
		if c.vmxoffExecuted() {
			// the handler tore this core down; nothing resumes
			return nil
		}

		proc, _ := c.vmreadInternal(arch.VmcsCtrlProcBased)
		if uint32(proc)&arch.ProcBasedMonitorTrapFlag == 0 {
			return nil
		}
		if i == mtfChaseLimit {
			return fmt.Errorf("sim: monitor trap flag still set after %d single steps", mtfChaseLimit)
		}

		exit = arch.ExitInfo{
			Reason:            arch.ExitReasonMonitorTrapFlag,
			InstructionLength: 1,
		}
	}
}

// MapProcessPage installs a guest mapping: process pid (directory base
// cr3) maps the virtual page of va to the physical page of pa.
func (m *Machine) MapProcessPage(pid uint32, cr3, va, pa uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pids[pid] = cr3
	space, ok := m.spaces[cr3]
	if !ok {
		space = make(map[uint64]uint64)
		m.spaces[cr3] = space
	}
	space[arch.PageAlign(va)] = arch.PageAlign(pa)
}

// UnmapProcessPage drops a guest mapping, for unsafe-access tests.
func (m *Machine) UnmapProcessPage(cr3, va uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if space, ok := m.spaces[cr3]; ok {
		delete(space, arch.PageAlign(va))
	}
}

// Allocator exposes the machine's contiguous allocator.
func (m *Machine) Allocator() mm.ContiguousAllocator { return (*simAllocator)(m) }

// Mapper exposes the machine's memory mapper.
func (m *Machine) Mapper() mm.Mapper { return (*simMapper)(m) }

// Pool exposes the machine's pre-allocated page pool.
func (m *Machine) Pool() mm.PagePool { return m.pool }

var (
	_ cpu.Topology = &Machine{}
	_ cpu.ExitSink = &Machine{}
)

// pin keeps the dispatch goroutine on one OS thread, mirroring the
// one-hardware-thread-per-core model.
func pin() func() {
	runtime.LockOSThread()
	return runtime.UnlockOSThread
}
