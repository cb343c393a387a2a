package ept

import (
	"fmt"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/cpu"
)

// MemoryTypeResolver yields the effective memory type for a physical
// range, consulted while building EPT leaf entries so unhooked guest
// memory keeps its native caching behaviour.
type MemoryTypeResolver interface {
	MemoryType(pa, size uint64) arch.MemoryType
}

type mtrrRange struct {
	base uint64
	mask uint64
	typ  arch.MemoryType
}

// MtrrMap is the variable-range MTRR snapshot of one core. The map is
// identical across cores on sane hardware, so it is built once during
// global initialization.
type MtrrMap struct {
	defaultType arch.MemoryType
	enabled     bool
	ranges      []mtrrRange
}

// BuildMtrrMap reads the MTRR MSRs on the given core.
func BuildMtrrMap(core cpu.Core) (*MtrrMap, error) {
	cap, err := core.ReadMsr(arch.MsrIA32MtrrCap)
	if err != nil {
		return nil, fmt.Errorf("ept: read MTRR capabilities: %w", err)
	}
	defType, err := core.ReadMsr(arch.MsrIA32MtrrDefType)
	if err != nil {
		return nil, fmt.Errorf("ept: read MTRR default type: %w", err)
	}

	m := &MtrrMap{
		defaultType: arch.MemoryType(defType & 0xFF),
		enabled:     defType&(1<<11) != 0,
	}

	variableCount := int(cap & 0xFF)
	for i := 0; i < variableCount; i++ {
		base, err := core.ReadMsr(arch.MsrIA32MtrrPhysBase + uint32(i*2))
		if err != nil {
			return nil, fmt.Errorf("ept: read MTRR base %d: %w", i, err)
		}
		mask, err := core.ReadMsr(arch.MsrIA32MtrrPhysMask + uint32(i*2))
		if err != nil {
			return nil, fmt.Errorf("ept: read MTRR mask %d: %w", i, err)
		}

		if mask&(1<<11) == 0 {
			continue // range not valid
		}

		m.ranges = append(m.ranges, mtrrRange{
			base: base &^ 0xFFF,
			mask: mask &^ 0xFFF,
			typ:  arch.MemoryType(base & 0xFF),
		})
	}

	return m, nil
}

// MemoryType implements MemoryTypeResolver. Uncacheable wins over any
// other type overlapping the range, per the MTRR precedence rules.
func (m *MtrrMap) MemoryType(pa, size uint64) arch.MemoryType {
	if !m.enabled {
		return arch.MemoryTypeUncacheable
	}

	result := m.defaultType
	matched := false

	for _, r := range m.ranges {
		if !m.overlaps(r, pa, size) {
			continue
		}
		if r.typ == arch.MemoryTypeUncacheable {
			return arch.MemoryTypeUncacheable
		}
		if !matched {
			result = r.typ
			matched = true
		}
	}

	return result
}

func (m *MtrrMap) overlaps(r mtrrRange, pa, size uint64) bool {
	for p := pa; p < pa+size; p += arch.PageSize {
		if p&r.mask == r.base&r.mask {
			return true
		}
	}
	return false
}
