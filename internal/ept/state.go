// Package ept builds and maintains the extended page table identity
// maps the hypervisor runs its guests under, and tracks which pages are
// under hook. The default hierarchy always exists; the mode-based and
// execute-only variants are built on demand and torn down when the last
// user releases them.
package ept

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/cpu"
	"github.com/riftdbg/rift/internal/mm"
)

// CheckEptSupport verifies the EPT capability MSR advertises everything
// the hook engine relies on: 4-level write-back walks, 2 MiB pages, and
// single-context INVEPT.
func CheckEptSupport(core cpu.Core) error {
	cap, err := core.ReadMsr(arch.MsrIA32VmxEptVpidCap)
	if err != nil {
		return fmt.Errorf("ept: read EPT capability MSR: %w", err)
	}

	required := []struct {
		bit  uint64
		name string
	}{
		{arch.EptVpidCapPageWalkLength4, "4-level page walk"},
		{arch.EptVpidCapMemoryTypeWB, "write-back paging structures"},
		{arch.EptVpidCap2MBPages, "2 MiB pages"},
		{arch.EptVpidCapInvept, "INVEPT"},
		{arch.EptVpidCapInveptSingle, "single-context INVEPT"},
		{arch.EptVpidCapInveptAll, "all-context INVEPT"},
	}
	for _, req := range required {
		if cap&req.bit == 0 {
			return fmt.Errorf("%w: missing %s", cpu.ErrVmxNotSupported, req.name)
		}
	}
	return nil
}

// SupportsExecuteOnly reports whether EPT leaves may be executable but
// not readable, which the hidden-hook variant needs.
func SupportsExecuteOnly(core cpu.Core) bool {
	cap, err := core.ReadMsr(arch.MsrIA32VmxEptVpidCap)
	if err != nil {
		return false
	}
	return cap&arch.EptVpidCapExecuteOnly != 0
}

// State is the machine-wide EPT state: the identity hierarchies, the
// registry of hooked pages, and the collaborators needed to grow or
// shrink the structures.
type State struct {
	mu sync.Mutex

	logger   *slog.Logger
	alloc    mm.ContiguousAllocator
	pool     mm.PagePool
	resolver MemoryTypeResolver

	physBytes uint64

	hierarchies map[HierarchyKind]*Hierarchy
	registry    *Registry
}

// NewState builds the default identity hierarchy for [0, physBytes).
func NewState(logger *slog.Logger, alloc mm.ContiguousAllocator, pool mm.PagePool, resolver MemoryTypeResolver, physBytes uint64) (*State, error) {
	def, err := buildHierarchy(HierarchyDefault, alloc, resolver, physBytes)
	if err != nil {
		return nil, err
	}

	logger.Debug("built identity map",
		"hierarchy", HierarchyDefault.String(),
		"pml4", fmt.Sprintf("0x%x", def.Pml4Phys()),
		"covered", def.covered)

	return &State{
		logger:      logger,
		alloc:       alloc,
		pool:        pool,
		resolver:    resolver,
		physBytes:   physBytes,
		hierarchies: map[HierarchyKind]*Hierarchy{HierarchyDefault: def},
		registry:    NewRegistry(),
	}, nil
}

// EptPointer is the EPTP value for the default hierarchy, loaded into
// every VMCS at setup.
func (s *State) EptPointer() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return arch.EptPointer(s.hierarchies[HierarchyDefault].Pml4Phys())
}

// Hierarchy returns the hierarchy of the given kind, building it on
// first use. Secondary hierarchies start as plain identity maps; the
// hook engine re-applies relevant hooks after building one.
func (s *State) Hierarchy(kind HierarchyKind) (*Hierarchy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.hierarchies[kind]; ok {
		return h, nil
	}

	h, err := buildHierarchy(kind, s.alloc, s.resolver, s.physBytes)
	if err != nil {
		return nil, fmt.Errorf("ept: build %s hierarchy: %w", kind, err)
	}
	s.hierarchies[kind] = h

	s.logger.Debug("built identity map",
		"hierarchy", kind.String(),
		"pml4", fmt.Sprintf("0x%x", h.Pml4Phys()))
	return h, nil
}

// HasHierarchy reports whether the given hierarchy has been built.
func (s *State) HasHierarchy(kind HierarchyKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hierarchies[kind]
	return ok
}

// ReleaseHierarchy tears down a secondary hierarchy. It must no longer
// host any hooks and no EPTP may still reference it.
func (s *State) ReleaseHierarchy(kind HierarchyKind) error {
	if kind == HierarchyDefault {
		return fmt.Errorf("ept: default hierarchy cannot be released")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hierarchies[kind]
	if !ok {
		return nil
	}

	inUse := false
	s.registry.ForEach(func(p *HookedPage) bool {
		inUse = p.Hierarchy == kind
		return !inUse
	})
	if inUse {
		return fmt.Errorf("ept: %s hierarchy still hosts hooks", kind)
	}

	if err := h.free(s.alloc, s.pool); err != nil {
		return err
	}
	delete(s.hierarchies, kind)
	return nil
}

// Registry exposes the hooked-page records.
func (s *State) Registry() *Registry { return s.registry }

// Pool exposes the pre-reserved page pool the hierarchies split from.
func (s *State) Pool() mm.PagePool { return s.pool }

// TableRegions lists every region backing any hierarchy, for tests and
// for accounting.
func (s *State) TableRegions() []mm.Region {
	s.mu.Lock()
	defer s.mu.Unlock()

	var regions []mm.Region
	for _, h := range s.hierarchies {
		regions = append(regions, h.TableRegions()...)
	}
	return regions
}

// Free releases every hierarchy. All hooks must have been removed
// first; freeing with live hooks would leave patched guest pages
// unreachable.
func (s *State) Free() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := s.registry.Len(); n != 0 {
		return fmt.Errorf("ept: cannot free structures with %d hooks installed", n)
	}

	for kind, h := range s.hierarchies {
		if err := h.free(s.alloc, s.pool); err != nil {
			return fmt.Errorf("ept: free %s hierarchy: %w", kind, err)
		}
		delete(s.hierarchies, kind)
	}
	return nil
}
