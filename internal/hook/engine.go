// Package hook implements the EPT hook engine: installing hidden
// breakpoints and detours on guest pages by suppressing access bits in
// the extended page tables, servicing the resulting EPT violations, and
// restoring pages on removal.
//
// The engine only mutates EPT structures and guest memory. It never
// dispatches work to other cores; callers running outside VMX root
// context broadcast TLB invalidations after mutating.
package hook

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/ept"
	"github.com/riftdbg/rift/internal/mm"
)

var (
	// ErrHookAlreadyExists marks a second hook on a page already hooked
	// in the same address space.
	ErrHookAlreadyExists = errors.New("hook: page already hooked")

	// ErrHookNotFound marks removal of an address nothing is hooked on.
	ErrHookNotFound = errors.New("hook: no hook at address")

	// ErrHypervisorNotRunning marks hook operations before VMLAUNCH.
	ErrHypervisorNotRunning = errors.New("hook: hypervisor not launched")

	// ErrUnsupportedInstruction marks a detour prologue the relocator
	// cannot copy, such as RIP-relative addressing.
	ErrUnsupportedInstruction = errors.New("hook: cannot relocate instruction")

	// ErrPageBoundary marks a breakpoint or detour patch that would
	// cross into the next page.
	ErrPageBoundary = errors.New("hook: patch crosses page boundary")
)

// maxBreakpointsPerPage bounds how many breakpoint offsets one hooked
// page can carry before a second page entry is required.
const maxBreakpointsPerPage = 40

// Engine owns the hooked pages of one hypervisor session.
type Engine struct {
	mu sync.Mutex

	logger *slog.Logger
	state  *ept.State
	mapper mm.Mapper
	pool   mm.PagePool

	// execOnly reports hardware support for execute-only EPT leaves,
	// which the hidden detour variant prefers.
	execOnly bool

	// launched gates installs: hooks only make sense under a running
	// hypervisor whose EPT the guest actually walks.
	launched func() bool

	// pending re-protections after a monitor-trap single step, per core
	pending map[int]pendingReprotect
}

type pendingReprotect struct {
	handle    ept.Handle
	hierarchy ept.HierarchyKind
}

// NewEngine wires the engine to the session's EPT state and memory
// services. launched reports whether VMLAUNCH has succeeded.
func NewEngine(logger *slog.Logger, state *ept.State, mapper mm.Mapper, pool mm.PagePool, execOnly bool, launched func() bool) *Engine {
	return &Engine{
		logger:   logger,
		state:    state,
		mapper:   mapper,
		pool:     pool,
		execOnly: execOnly,
		launched: launched,
		pending:  make(map[int]pendingReprotect),
	}
}

// InstallBreakpoint places a hidden 0xCC at va in the given process. A
// page already breakpoint-hooked in the same address space accumulates
// the new offset instead of failing; a page under a detour hook cannot
// also carry breakpoints.
func (e *Engine) InstallBreakpoint(va uint64, pid uint32) (ept.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.launched() {
		return 0, ErrHypervisorNotRunning
	}

	cr3, err := e.mapper.Cr3ForProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("hook: resolve process %d: %w", pid, err)
	}
	pa, err := e.mapper.Translate(va, cr3)
	if err != nil {
		return 0, fmt.Errorf("hook: translate 0x%x: %w", va, err)
	}

	if existing, ok := e.state.Registry().LookupExact(pa, cr3); ok {
		return e.addBreakpointToPage(existing, va, cr3)
	}

	page := &ept.HookedPage{
		Kind:            ept.HookKindBreakpoint,
		VirtualAddress:  arch.PageAlign(va),
		PhysicalBase:    arch.PageAlign(pa),
		ProcessCr3:      cr3,
		ProcessID:       pid,
		SuppressExecute: true,
		Hierarchy:       ept.HierarchyDefault,
	}

	if err := e.backupPage(page); err != nil {
		return 0, err
	}

	patch := []byte{0xCC}
	if err := e.mapper.WriteVirtualSafe(va, patch, cr3); err != nil {
		return 0, fmt.Errorf("hook: patch breakpoint at 0x%x: %w", va, err)
	}
	page.PatchOffsets = []uint64{arch.PageOffset(va)}

	handle, err := e.protectPage(page)
	if err != nil {
		// roll the patch back before reporting failure
		restore := page.OriginalBytes[arch.PageOffset(va) : arch.PageOffset(va)+1]
		_ = e.mapper.WriteVirtualSafe(va, restore, cr3)
		return 0, err
	}

	e.logger.Debug("installed breakpoint hook",
		"va", fmt.Sprintf("0x%x", va), "pid", pid, "handle", handle)
	return handle, nil
}

// addBreakpointToPage appends another 0xCC to an already-hooked page.
func (e *Engine) addBreakpointToPage(page *ept.HookedPage, va uint64, cr3 uint64) (ept.Handle, error) {
	if page.Kind != ept.HookKindBreakpoint {
		return 0, fmt.Errorf("%w: frame 0x%x carries a detour", ErrHookAlreadyExists, page.PhysicalBase)
	}
	if len(page.PatchOffsets) >= maxBreakpointsPerPage {
		return 0, fmt.Errorf("hook: page 0x%x is full (%d breakpoints)", page.PhysicalBase, maxBreakpointsPerPage)
	}

	offset := arch.PageOffset(va)
	for _, existing := range page.PatchOffsets {
		if existing == offset {
			return 0, fmt.Errorf("%w: breakpoint already at 0x%x", ErrHookAlreadyExists, va)
		}
	}

	if err := e.mapper.WriteVirtualSafe(va, []byte{0xCC}, cr3); err != nil {
		return 0, fmt.Errorf("hook: patch breakpoint at 0x%x: %w", va, err)
	}
	page.PatchOffsets = append(page.PatchOffsets, offset)
	return page.Handle, nil
}

// DetourOptions selects the detour variant and its access suppression.
type DetourOptions struct {
	// Target is where hooked execution is redirected.
	Target uint64

	// Hidden hides the patch from the guest: reads and writes to the
	// page trap and must be served from the pre-patch backup, while the
	// patched code still executes. With execute-only leaves the redirect
	// runs without exiting; without them execution traps as well and
	// single-steps through the redirect.
	Hidden bool

	// Access suppression for the non-hidden variant. Hidden detours
	// imply read and write suppression.
	SuppressRead  bool
	SuppressWrite bool
}

// InstallDetour redirects execution at va to opts.Target through a
// relocated-prologue trampoline. Must be called from outside VMX root
// context: the install allocates from the pool and reads guest memory.
func (e *Engine) InstallDetour(va uint64, pid uint32, opts DetourOptions) (ept.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.launched() {
		return 0, ErrHypervisorNotRunning
	}

	cr3, err := e.mapper.Cr3ForProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("hook: resolve process %d: %w", pid, err)
	}
	pa, err := e.mapper.Translate(va, cr3)
	if err != nil {
		return 0, fmt.Errorf("hook: translate 0x%x: %w", va, err)
	}

	if _, ok := e.state.Registry().LookupExact(pa, cr3); ok {
		return 0, fmt.Errorf("%w: frame 0x%x", ErrHookAlreadyExists, arch.PageFrameNumber(pa))
	}
	if arch.PageOffset(va)+detourPatchLength > arch.PageSize {
		return 0, fmt.Errorf("%w: detour at 0x%x", ErrPageBoundary, va)
	}

	page := &ept.HookedPage{
		Kind:           ept.HookKindDetour,
		Hidden:         opts.Hidden,
		VirtualAddress: arch.PageAlign(va),
		PhysicalBase:   arch.PageAlign(pa),
		ProcessCr3:     cr3,
		ProcessID:      pid,
		DetourTarget:   opts.Target,
		SuppressRead:   opts.SuppressRead,
		SuppressWrite:  opts.SuppressWrite,
		Hierarchy:      ept.HierarchyDefault,
	}

	if opts.Hidden {
		// the patch must stay invisible: reads and writes trap and are
		// served from the backup. The leaf becomes execute-only where the
		// hardware allows it; otherwise execution traps too and the
		// redirect runs under a monitor-trap single step.
		page.SuppressRead = true
		page.SuppressWrite = true
		page.SuppressExecute = !e.execOnly
	} else {
		page.SuppressExecute = true
	}

	if err := e.backupPage(page); err != nil {
		return 0, err
	}

	trampoline, returnAddr, err := e.buildTrampoline(va, cr3)
	if err != nil {
		return 0, err
	}
	page.Trampoline = trampoline
	page.ReturnAddress = returnAddr

	patch := encodeAbsoluteJump(opts.Target)
	if err := e.mapper.WriteVirtualSafe(va, patch, cr3); err != nil {
		_ = e.pool.Release(trampoline)
		return 0, fmt.Errorf("hook: patch detour at 0x%x: %w", va, err)
	}
	page.PatchOffsets = []uint64{arch.PageOffset(va)}

	handle, err := e.protectPage(page)
	if err != nil {
		restore := page.OriginalBytes[arch.PageOffset(va) : arch.PageOffset(va)+detourPatchLength]
		_ = e.mapper.WriteVirtualSafe(va, restore, cr3)
		_ = e.pool.Release(trampoline)
		return 0, err
	}

	e.logger.Debug("installed detour hook",
		"va", fmt.Sprintf("0x%x", va), "pid", pid,
		"target", fmt.Sprintf("0x%x", opts.Target),
		"hidden", opts.Hidden, "handle", handle)
	return handle, nil
}

// backupPage snapshots the page before any byte is patched.
func (e *Engine) backupPage(page *ept.HookedPage) error {
	page.OriginalBytes = make([]byte, arch.PageSize)
	if err := e.mapper.ReadVirtualSafe(page.VirtualAddress, page.OriginalBytes, page.ProcessCr3); err != nil {
		return fmt.Errorf("hook: back up page 0x%x: %w", page.VirtualAddress, err)
	}
	return nil
}

// protectPage splits the containing large page, records the original
// leaf, applies the suppression bits and registers the page.
func (e *Engine) protectPage(page *ept.HookedPage) (ept.Handle, error) {
	h, err := e.state.Hierarchy(page.Hierarchy)
	if err != nil {
		return 0, err
	}
	if err := h.SplitLargePage(page.PhysicalBase, e.pool); err != nil {
		return 0, err
	}

	original, err := h.PageEntry(page.PhysicalBase)
	if err != nil {
		return 0, err
	}
	page.OriginalEntry = original

	if err := h.SetPagePermissions(page.PhysicalBase,
		!page.SuppressRead, !page.SuppressWrite, !page.SuppressExecute); err != nil {
		return 0, err
	}

	handle, err := e.state.Registry().Insert(page)
	if err != nil {
		_ = h.SetPageEntry(page.PhysicalBase, original)
		if errors.Is(err, ept.ErrDuplicateEntry) {
			return 0, fmt.Errorf("%w: frame 0x%x", ErrHookAlreadyExists, arch.PageFrameNumber(page.PhysicalBase))
		}
		return 0, err
	}
	return handle, nil
}

// RemoveByVirtual unhooks the page containing va in the given process.
// Removing an address nothing is hooked on reports ErrHookNotFound; the
// caller may treat that as idempotent success.
func (e *Engine) RemoveByVirtual(va uint64, pid uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cr3, err := e.mapper.Cr3ForProcess(pid)
	if err != nil {
		return fmt.Errorf("hook: resolve process %d: %w", pid, err)
	}

	page, ok := e.state.Registry().LookupByVirtual(va, cr3)
	if !ok {
		return fmt.Errorf("%w: va 0x%x pid %d", ErrHookNotFound, va, pid)
	}
	return e.removeLocked(page.Handle)
}

// RemoveByPhysical unhooks the page containing pa, whichever address
// space it was hooked in.
func (e *Engine) RemoveByPhysical(pa uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	page, ok := e.state.Registry().LookupByFrame(pa)
	if !ok {
		return fmt.Errorf("%w: pa 0x%x", ErrHookNotFound, pa)
	}
	return e.removeLocked(page.Handle)
}

// RemoveAll unhooks every page. Called first during termination, before
// any per-core teardown, so no guest ever executes a patched page
// without the hypervisor present.
func (e *Engine) RemoveAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, handle := range e.state.Registry().Handles() {
		if err := e.removeLocked(handle); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) removeLocked(handle ept.Handle) error {
	page, err := e.state.Registry().Remove(handle)
	if err != nil {
		return err
	}

	// restore the patched bytes from the backup
	for _, offset := range page.PatchOffsets {
		length := uint64(1)
		if page.Kind == ept.HookKindDetour {
			length = detourPatchLength
		}
		restore := page.OriginalBytes[offset : offset+length]
		if err := e.mapper.WriteVirtualSafe(page.VirtualAddress+offset, restore, page.ProcessCr3); err != nil {
			e.logger.Warn("could not restore hooked bytes",
				"va", fmt.Sprintf("0x%x", page.VirtualAddress+offset), "err", err)
		}
	}

	h, err := e.state.Hierarchy(page.Hierarchy)
	if err != nil {
		return err
	}
	if err := h.SetPageEntry(page.PhysicalBase, page.OriginalEntry); err != nil {
		return err
	}

	if page.Trampoline.Bytes != nil {
		if err := e.pool.Release(page.Trampoline); err != nil {
			return err
		}
	}

	e.logger.Debug("removed hook", "handle", handle,
		"pa", fmt.Sprintf("0x%x", page.PhysicalBase))
	return nil
}

// Count reports installed hooks of one kind.
func (e *Engine) Count(kind ept.HookKind) int { return e.state.Registry().Count(kind) }

// Len reports the total number of hooked pages.
func (e *Engine) Len() int { return e.state.Registry().Len() }

// ModifyPageReadState toggles read access on an arbitrary page of the
// default hierarchy, splitting it if needed.
func (e *Engine) ModifyPageReadState(pa uint64, allow bool) error {
	return e.modifyPageAccess(pa, func(entry arch.EptEntry) arch.EptEntry { return entry.SetRead(allow) })
}

// ModifyPageWriteState toggles write access on an arbitrary page.
func (e *Engine) ModifyPageWriteState(pa uint64, allow bool) error {
	return e.modifyPageAccess(pa, func(entry arch.EptEntry) arch.EptEntry { return entry.SetWrite(allow) })
}

// ModifyPageExecState toggles execute access on an arbitrary page.
func (e *Engine) ModifyPageExecState(pa uint64, allow bool) error {
	return e.modifyPageAccess(pa, func(entry arch.EptEntry) arch.EptEntry { return entry.SetExecute(allow) })
}

func (e *Engine) modifyPageAccess(pa uint64, mutate func(arch.EptEntry) arch.EptEntry) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	h, err := e.state.Hierarchy(ept.HierarchyDefault)
	if err != nil {
		return err
	}
	if err := h.SplitLargePage(pa, e.pool); err != nil {
		return err
	}
	entry, err := h.PageEntry(pa)
	if err != nil {
		return err
	}
	return h.SetPageEntry(pa, mutate(entry))
}
