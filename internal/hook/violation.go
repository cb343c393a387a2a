package hook

import (
	"fmt"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/cpu"
	"github.com/riftdbg/rift/internal/ept"
)

// ViolationOutcome tells the exit dispatcher what the violation was and
// what it may do next.
type ViolationOutcome struct {
	// Hooked is false when the faulting page is not under hook; the
	// dispatcher must treat the violation as an unrelated fault.
	Hooked bool

	// ExecViolation reports that the trap was an instruction fetch.
	ExecViolation bool

	// SuppressEmulation means the faulting access must not be performed
	// or emulated: it would observe hidden page content.
	SuppressEmulation bool

	// PostEventAllowed permits event consumers to run for this trap.
	// Spurious violations (a racing unhook) clear it.
	PostEventAllowed bool
}

// HandleEptViolation services one EPT violation in VMX root context.
// For a trapped access it temporarily restores the original mapping,
// arms the monitor trap flag so the guest executes exactly one
// instruction, and re-applies the protection on the trap exit.
func (e *Engine) HandleEptViolation(core cpu.Core, exit arch.ExitInfo) (ViolationOutcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out ViolationOutcome
	qual := arch.EptViolationQualification(exit.Qualification)

	page, ok := e.state.Registry().LookupByFrame(exit.GuestPhysicalAddress)
	if !ok {
		return out, nil
	}

	out.Hooked = true
	out.ExecViolation = qual.ExecuteAccess()

	trapped := (qual.ReadAccess() && page.SuppressRead) ||
		(qual.WriteAccess() && page.SuppressWrite) ||
		(qual.ExecuteAccess() && page.SuppressExecute)
	if !trapped {
		// the page is hooked but this access kind is permitted; the
		// violation raced an EPT update, resume without side effects
		e.logger.Debug("spurious violation on hooked page",
			"gpa", fmt.Sprintf("0x%x", exit.GuestPhysicalAddress))
		return out, nil
	}

	out.PostEventAllowed = true

	// dispatched by hook kind: any trapped access to a detour page either
	// observes the patch (reads/writes of a hidden hook) or is the
	// redirect itself (an instruction fetch), so normal emulation must
	// not run. Breakpoint traps emulate as usual.
	out.SuppressEmulation = page.Kind == ept.HookKindDetour

	h, err := e.state.Hierarchy(page.Hierarchy)
	if err != nil {
		return out, err
	}
	if err := h.SetPageEntry(page.PhysicalBase, page.OriginalEntry); err != nil {
		return out, err
	}

	if err := setMonitorTrap(core, true); err != nil {
		return out, err
	}
	e.pending[core.ID()] = pendingReprotect{handle: page.Handle, hierarchy: page.Hierarchy}

	return out, nil
}

// HandleMonitorTrap finishes the single step started by a trapped
// violation: the protection goes back on and the trap flag comes off.
func (e *Engine) HandleMonitorTrap(core cpu.Core) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.pending[core.ID()]
	if !ok {
		// not ours; just disarm
		return setMonitorTrap(core, false)
	}
	delete(e.pending, core.ID())

	page, err := e.state.Registry().Get(p.handle)
	if err != nil {
		// the hook was removed mid-step; nothing to re-protect
		return setMonitorTrap(core, false)
	}

	h, err := e.state.Hierarchy(p.hierarchy)
	if err != nil {
		return err
	}
	if err := h.SetPagePermissions(page.PhysicalBase,
		!page.SuppressRead, !page.SuppressWrite, !page.SuppressExecute); err != nil {
		return err
	}

	return setMonitorTrap(core, false)
}

func setMonitorTrap(core cpu.Core, on bool) error {
	proc, err := core.Vmread(arch.VmcsCtrlProcBased)
	if err != nil {
		return fmt.Errorf("hook: read proc-based controls: %w", err)
	}
	if on {
		proc |= uint64(arch.ProcBasedMonitorTrapFlag)
	} else {
		proc &^= uint64(arch.ProcBasedMonitorTrapFlag)
	}
	if err := core.Vmwrite(arch.VmcsCtrlProcBased, proc); err != nil {
		return fmt.Errorf("hook: write proc-based controls: %w", err)
	}
	return nil
}

// ReapplyToHierarchy replays the protections of every hook living in
// the given hierarchy, used after a secondary hierarchy is rebuilt.
func (e *Engine) ReapplyToHierarchy(kind ept.HierarchyKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, err := e.state.Hierarchy(kind)
	if err != nil {
		return err
	}

	var applyErr error
	e.state.Registry().ForEach(func(page *ept.HookedPage) bool {
		if page.Hierarchy != kind {
			return true
		}
		if err := h.SplitLargePage(page.PhysicalBase, e.pool); err != nil {
			applyErr = err
			return false
		}
		if err := h.SetPagePermissions(page.PhysicalBase,
			!page.SuppressRead, !page.SuppressWrite, !page.SuppressExecute); err != nil {
			applyErr = err
			return false
		}
		return true
	})
	return applyErr
}
