package ept

import (
	"errors"
	"fmt"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/mm"
)

// HierarchyKind selects which identity-mapped paging structure set a
// hook lives in. The default hierarchy carries ordinary breakpoint and
// detour hooks; the mode-based hierarchy additionally tracks the
// user-execute bit; the execute-only hierarchy hosts hidden hooks whose
// original page must stay readable to nobody.
type HierarchyKind int

const (
	HierarchyDefault HierarchyKind = iota
	HierarchyModeBased
	HierarchyExecuteOnly
)

func (k HierarchyKind) String() string {
	switch k {
	case HierarchyDefault:
		return "default"
	case HierarchyModeBased:
		return "mode-based"
	case HierarchyExecuteOnly:
		return "execute-only"
	default:
		return fmt.Sprintf("hierarchy(%d)", int(k))
	}
}

var (
	// ErrAddressNotCovered marks a physical address outside the built
	// identity map.
	ErrAddressNotCovered = errors.New("ept: physical address not covered by identity map")

	// ErrPageNotSplit marks a 4 KiB lookup on a still-large mapping.
	ErrPageNotSplit = errors.New("ept: large page has not been split")
)

// Hierarchy is one complete 4-level identity map: a single PML4 entry,
// one PDPT, and one page directory of 2 MiB mappings per covered GiB.
// Large pages are split into 4 KiB tables on demand, from the
// pre-reserved pool so splits can happen with interrupts disabled.
type Hierarchy struct {
	kind     HierarchyKind
	resolver MemoryTypeResolver

	pml4 table
	pml3 table
	pml2 []table

	// split 4 KiB tables, keyed by the 2 MiB-aligned base they replace
	pml1 map[uint64]table

	covered uint64
}

// buildHierarchy constructs the identity map for [0, physBytes), rounded
// up to whole GiBs. Every 2 MiB leaf starts readable, writable and
// executable with its MTRR-derived memory type.
func buildHierarchy(kind HierarchyKind, alloc mm.ContiguousAllocator, resolver MemoryTypeResolver, physBytes uint64) (*Hierarchy, error) {
	const gib = 1 << 30

	numGib := int((physBytes + gib - 1) / gib)
	if numGib == 0 {
		numGib = 1
	}
	if numGib > arch.EptEntryCount {
		return nil, fmt.Errorf("ept: %d GiB exceeds a single PDPT", numGib)
	}

	h := &Hierarchy{
		kind:     kind,
		resolver: resolver,
		pml1:     make(map[uint64]table),
		covered:  uint64(numGib) * gib,
	}

	var err error
	if h.pml4, err = newTable(alloc); err != nil {
		return nil, fmt.Errorf("ept: allocate PML4: %w", err)
	}
	if h.pml3, err = newTable(alloc); err != nil {
		return nil, fmt.Errorf("ept: allocate PDPT: %w", err)
	}

	h.pml4.setEntry(0, arch.EptEntry(0).
		SetPhysicalAddress(h.pml3.phys()).
		SetRead(true).SetWrite(true).SetExecute(true).
		SetUserExecute(kind == HierarchyModeBased))

	for g := 0; g < numGib; g++ {
		pd, err := newTable(alloc)
		if err != nil {
			return nil, fmt.Errorf("ept: allocate page directory %d: %w", g, err)
		}
		h.pml2 = append(h.pml2, pd)

		h.pml3.setEntry(g, arch.EptEntry(0).
			SetPhysicalAddress(pd.phys()).
			SetRead(true).SetWrite(true).SetExecute(true).
			SetUserExecute(kind == HierarchyModeBased))

		for i := 0; i < arch.EptEntryCount; i++ {
			base := uint64(g)<<30 | uint64(i)<<21
			pd.setEntry(i, h.leafTemplate(base, arch.LargePageSize).SetLargePage(true))
		}
	}

	return h, nil
}

// leafTemplate is the unhooked state of a leaf mapping base.
func (h *Hierarchy) leafTemplate(base, size uint64) arch.EptEntry {
	return arch.EptEntry(0).
		SetPhysicalAddress(base).
		SetRead(true).SetWrite(true).SetExecute(true).
		SetUserExecute(h.kind == HierarchyModeBased).
		SetMemoryType(h.resolver.MemoryType(base, size))
}

// Pml4Phys is the physical address the EPT pointer must reference.
func (h *Hierarchy) Pml4Phys() uint64 { return h.pml4.phys() }

func (h *Hierarchy) pdSlot(pa uint64) (table, int, error) {
	if pa >= h.covered {
		return table{}, 0, fmt.Errorf("%w: 0x%x", ErrAddressNotCovered, pa)
	}
	return h.pml2[arch.EptPml3Index(pa)], arch.EptPml2Index(pa), nil
}

// IsSplit reports whether the 2 MiB region containing pa has been
// replaced by a 4 KiB table.
func (h *Hierarchy) IsSplit(pa uint64) bool {
	_, ok := h.pml1[arch.LargePageAlign(pa)]
	return ok
}

// SplitLargePage replaces the 2 MiB mapping containing pa with 512
// equivalent 4 KiB entries backed by a pool page. Idempotent.
func (h *Hierarchy) SplitLargePage(pa uint64, pool mm.PagePool) error {
	base := arch.LargePageAlign(pa)
	if h.IsSplit(pa) {
		return nil
	}

	pd, slot, err := h.pdSlot(pa)
	if err != nil {
		return err
	}

	region, err := pool.Request(mm.PoolIntentSplitPage)
	if err != nil {
		return fmt.Errorf("ept: split 0x%x: %w", base, err)
	}
	pt := tableFromRegion(region)

	large := pd.entry(slot)
	for i := 0; i < arch.EptEntryCount; i++ {
		small := uint64(i) * arch.PageSize
		pt.setEntry(i, h.leafTemplate(base+small, arch.PageSize).
			SetRead(large.Read()).SetWrite(large.Write()).
			SetExecute(large.Execute()).SetUserExecute(large.UserExecute()))
	}

	pd.setEntry(slot, arch.EptEntry(0).
		SetPhysicalAddress(pt.phys()).
		SetRead(true).SetWrite(true).SetExecute(true).
		SetUserExecute(h.kind == HierarchyModeBased))

	h.pml1[base] = pt
	return nil
}

// PageEntry returns the 4 KiB leaf for pa. The containing large page
// must already be split.
func (h *Hierarchy) PageEntry(pa uint64) (arch.EptEntry, error) {
	pt, ok := h.pml1[arch.LargePageAlign(pa)]
	if !ok {
		return 0, fmt.Errorf("%w: 0x%x", ErrPageNotSplit, pa)
	}
	return pt.entry(arch.EptPml1Index(pa)), nil
}

// SetPageEntry overwrites the 4 KiB leaf for pa.
func (h *Hierarchy) SetPageEntry(pa uint64, e arch.EptEntry) error {
	pt, ok := h.pml1[arch.LargePageAlign(pa)]
	if !ok {
		return fmt.Errorf("%w: 0x%x", ErrPageNotSplit, pa)
	}
	pt.setEntry(arch.EptPml1Index(pa), e)
	return nil
}

// SetPagePermissions rewrites only the access bits of the leaf for pa,
// leaving the translation and memory type intact.
func (h *Hierarchy) SetPagePermissions(pa uint64, read, write, execute bool) error {
	e, err := h.PageEntry(pa)
	if err != nil {
		return err
	}
	return h.SetPageEntry(pa, e.SetRead(read).SetWrite(write).SetExecute(execute))
}

// RestorePage resets the leaf for pa to its unhooked identity mapping.
func (h *Hierarchy) RestorePage(pa uint64) error {
	return h.SetPageEntry(pa, h.leafTemplate(arch.PageAlign(pa), arch.PageSize))
}

// TableRegions lists every physical region backing this hierarchy's
// paging structures, split tables included.
func (h *Hierarchy) TableRegions() []mm.Region {
	regions := []mm.Region{h.pml4.region, h.pml3.region}
	for _, pd := range h.pml2 {
		regions = append(regions, pd.region)
	}
	for _, pt := range h.pml1 {
		regions = append(regions, pt.region)
	}
	return regions
}

// free returns split tables to the pool and the fixed tables to the
// allocator. The hierarchy must no longer be referenced by any EPTP.
func (h *Hierarchy) free(alloc mm.ContiguousAllocator, pool mm.PagePool) error {
	for base, pt := range h.pml1 {
		if err := pool.Release(pt.region); err != nil {
			return fmt.Errorf("ept: release split table 0x%x: %w", base, err)
		}
		delete(h.pml1, base)
	}
	for _, pd := range h.pml2 {
		if err := alloc.Free(pd.region); err != nil {
			return err
		}
	}
	h.pml2 = nil
	if err := alloc.Free(h.pml3.region); err != nil {
		return err
	}
	return alloc.Free(h.pml4.region)
}
