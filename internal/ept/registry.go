package ept

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/mm"
)

// HookKind distinguishes how a hooked page traps.
type HookKind uint8

const (
	// HookKindBreakpoint patches 0xCC opcodes into a shadow of the page
	// and suppresses execute access.
	HookKindBreakpoint HookKind = iota

	// HookKindDetour redirects execution through a trampoline and can
	// suppress reads, writes and executes independently.
	HookKindDetour
)

func (k HookKind) String() string {
	switch k {
	case HookKindBreakpoint:
		return "breakpoint"
	case HookKindDetour:
		return "detour"
	default:
		return fmt.Sprintf("hook(%d)", int(k))
	}
}

// Handle identifies a registered hooked page. Handles stay valid until
// the hook is removed, regardless of other insertions or removals.
type Handle uint32

var (
	ErrDuplicateEntry = errors.New("ept: page already registered for this address space")
	ErrEntryNotFound  = errors.New("ept: no such hooked page")
)

// HookedPage is the bookkeeping record for one page under EPT hook.
type HookedPage struct {
	Handle Handle
	Kind   HookKind

	// Hidden marks the execute-only detour variant whose original
	// content must never be observable through reads.
	Hidden bool

	// VirtualAddress is the page-aligned guest virtual address the hook
	// was requested on; PhysicalBase is its page-aligned translation.
	VirtualAddress uint64
	PhysicalBase   uint64

	ProcessCr3 uint64
	ProcessID  uint32

	// Access suppression flags: which guest accesses trap.
	SuppressRead    bool
	SuppressWrite   bool
	SuppressExecute bool

	// OriginalBytes is the full backup of the page taken before any
	// byte was patched.
	OriginalBytes []byte

	// PatchOffsets are the in-page offsets of breakpoint opcodes.
	PatchOffsets []uint64

	// Trampoline holds the relocated prologue for detour hooks.
	Trampoline mm.Region

	// DetourTarget and ReturnAddress describe the detour control flow.
	DetourTarget  uint64
	ReturnAddress uint64

	// Hierarchy is where the leaf entry lives; OriginalEntry is the
	// leaf's value before the hook, restored on removal.
	Hierarchy     HierarchyKind
	OriginalEntry arch.EptEntry
}

type registryKey struct {
	pfn    uint64
	cr3    uint64
	handle Handle
}

func (a registryKey) less(b registryKey) bool {
	if a.pfn != b.pfn {
		return a.pfn < b.pfn
	}
	if a.cr3 != b.cr3 {
		return a.cr3 < b.cr3
	}
	return a.handle < b.handle
}

// Registry owns the hooked-page records. Records live in an arena so
// handles are stable across insertions and removals; a B-tree orders
// them by (page frame, directory base) for the exit-path lookup.
type Registry struct {
	mu    sync.Mutex
	arena []*HookedPage
	free  []int
	index *btree.BTreeG[registryKey]
}

func NewRegistry() *Registry {
	return &Registry{
		index: btree.NewG(8, func(a, b registryKey) bool { return a.less(b) }),
	}
}

// Insert registers the page. Fails if the same physical page is already
// hooked in the same address space.
func (r *Registry) Insert(p *HookedPage) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pfn := arch.PageFrameNumber(p.PhysicalBase)

	dup := false
	r.index.AscendGreaterOrEqual(registryKey{pfn: pfn, cr3: p.ProcessCr3}, func(k registryKey) bool {
		dup = k.pfn == pfn && k.cr3 == p.ProcessCr3
		return false
	})
	if dup {
		return 0, fmt.Errorf("%w: frame 0x%x cr3 0x%x", ErrDuplicateEntry, pfn, p.ProcessCr3)
	}

	slot := -1
	if n := len(r.free); n > 0 {
		slot = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		slot = len(r.arena)
		r.arena = append(r.arena, nil)
	}

	p.Handle = Handle(slot + 1)
	r.arena[slot] = p
	r.index.ReplaceOrInsert(registryKey{pfn: pfn, cr3: p.ProcessCr3, handle: p.Handle})
	return p.Handle, nil
}

// Get resolves a handle.
func (r *Registry) Get(h Handle) (*HookedPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(h)
}

func (r *Registry) getLocked(h Handle) (*HookedPage, error) {
	slot := int(h) - 1
	if slot < 0 || slot >= len(r.arena) || r.arena[slot] == nil {
		return nil, fmt.Errorf("%w: handle %d", ErrEntryNotFound, h)
	}
	return r.arena[slot], nil
}

// LookupByFrame finds a hook on the physical page containing pa,
// regardless of address space. This is the EPT-violation fast path: the
// exit only reports a guest-physical address.
func (r *Registry) LookupByFrame(pa uint64) (*HookedPage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pfn := arch.PageFrameNumber(pa)
	var found *HookedPage
	r.index.AscendGreaterOrEqual(registryKey{pfn: pfn}, func(k registryKey) bool {
		if k.pfn != pfn {
			return false
		}
		found, _ = r.getLocked(k.handle)
		return false
	})
	return found, found != nil
}

// LookupExact finds the hook on (physical page, directory base).
func (r *Registry) LookupExact(pa, cr3 uint64) (*HookedPage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pfn := arch.PageFrameNumber(pa)
	var found *HookedPage
	r.index.AscendGreaterOrEqual(registryKey{pfn: pfn, cr3: cr3}, func(k registryKey) bool {
		if k.pfn == pfn && k.cr3 == cr3 {
			found, _ = r.getLocked(k.handle)
		}
		return false
	})
	return found, found != nil
}

// LookupByVirtual finds the hook whose page contains va in the given
// address space.
func (r *Registry) LookupByVirtual(va, cr3 uint64) (*HookedPage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	page := arch.PageAlign(va)
	for _, p := range r.arena {
		if p != nil && p.VirtualAddress == page && p.ProcessCr3 == cr3 {
			return p, true
		}
	}
	return nil, false
}

// Remove unregisters the page and returns its record so the caller can
// restore bytes and permissions.
func (r *Registry) Remove(h Handle) (*HookedPage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.getLocked(h)
	if err != nil {
		return nil, err
	}

	r.index.Delete(registryKey{
		pfn:    arch.PageFrameNumber(p.PhysicalBase),
		cr3:    p.ProcessCr3,
		handle: h,
	})
	r.arena[h-1] = nil
	r.free = append(r.free, int(h)-1)
	return p, nil
}

// ForEach visits every registered page in frame order. The callback
// must not mutate the registry.
func (r *Registry) ForEach(fn func(*HookedPage) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.index.Ascend(func(k registryKey) bool {
		p, err := r.getLocked(k.handle)
		if err != nil {
			return true
		}
		return fn(p)
	})
}

// Handles snapshots the current handles, for removal loops that mutate
// the registry while iterating.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := make([]Handle, 0, r.index.Len())
	r.index.Ascend(func(k registryKey) bool {
		handles = append(handles, k.handle)
		return true
	})
	return handles
}

// Count reports how many pages of the given kind are hooked.
func (r *Registry) Count(kind HookKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, p := range r.arena {
		if p != nil && p.Kind == kind {
			n++
		}
	}
	return n
}

// Len is the total number of hooked pages.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.Len()
}
