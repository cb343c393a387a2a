package ept

import (
	"encoding/binary"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/mm"
)

// table is one 4 KiB extended page table living in allocated physical
// memory. Entries are accessed through the mapped view so the simulated
// (or real) hardware walks the same bytes.
type table struct {
	region mm.Region
}

func (t table) phys() uint64 { return t.region.PhysicalAddress }

func (t table) entry(i int) arch.EptEntry {
	return arch.EptEntry(binary.LittleEndian.Uint64(t.region.Bytes[i*8:]))
}

func (t table) setEntry(i int, e arch.EptEntry) {
	binary.LittleEndian.PutUint64(t.region.Bytes[i*8:], uint64(e))
}

func newTable(alloc mm.ContiguousAllocator) (table, error) {
	r, err := alloc.AllocateContiguous(arch.PageSize)
	if err != nil {
		return table{}, err
	}
	return table{region: r}, nil
}

// tableFromRegion wraps a pre-allocated pool page as a page table.
func tableFromRegion(r mm.Region) table {
	clear(r.Bytes)
	return table{region: r}
}
