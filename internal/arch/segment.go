package arch

import (
	"encoding/binary"
	"fmt"
)

// SegmentSelector is a descriptor-table selector value.
type SegmentSelector uint16

func (s SegmentSelector) Index() int     { return int(s >> 3) }
func (s SegmentSelector) IsLdt() bool    { return s&0x4 != 0 }
func (s SegmentSelector) Rpl() int       { return int(s & 0x3) }
func (s SegmentSelector) HostForm() uint16 { return uint16(s) & 0xF8 }

// SegmentDescriptor is the unpacked form of a GDT entry, in the shape the
// VMCS guest-state area wants it.
type SegmentDescriptor struct {
	Selector     SegmentSelector
	Base         uint64
	Limit        uint32
	AccessRights uint32
}

const segmentAccessUnusable = 1 << 16

// System-descriptor type codes that carry a 64-bit base in the following
// eight bytes (TSS and call gates).
const (
	descriptorTypeTssBusy  = 0xB
	descriptorTypeCallGate = 0xC
)

// ParseSegmentDescriptor unpacks the GDT entry addressed by selector from
// a raw descriptor-table image. LDT selectors and the null selector yield
// an unusable segment, matching what VM entry expects.
func ParseSegmentDescriptor(gdt []byte, selector SegmentSelector) (SegmentDescriptor, error) {
	desc := SegmentDescriptor{Selector: selector}

	if selector == 0 || selector.IsLdt() {
		desc.AccessRights = segmentAccessUnusable
		return desc, nil
	}

	off := selector.Index() * 8
	if off+8 > len(gdt) {
		return desc, fmt.Errorf("arch: selector 0x%x outside descriptor table (limit %d)", selector, len(gdt))
	}

	lo := binary.LittleEndian.Uint32(gdt[off:])
	hi := binary.LittleEndian.Uint32(gdt[off+4:])

	desc.Base = uint64(lo>>16) | uint64(hi&0xFF)<<16 | uint64(hi>>24)<<24
	desc.Limit = lo&0xFFFF | hi&0x000F0000

	// access byte plus flags nibble, the layout VMWRITE expects
	desc.AccessRights = (hi >> 8) & 0xF0FF

	typ := (hi >> 8) & 0xF
	system := hi&(1<<12) == 0

	if system && (typ == descriptorTypeTssBusy || typ == descriptorTypeCallGate) {
		// 16-byte system descriptor, base bits 63:32 follow
		if off+16 > len(gdt) {
			return desc, fmt.Errorf("arch: system selector 0x%x truncated in descriptor table", selector)
		}
		desc.Base = desc.Base&0xFFFFFFFF | uint64(binary.LittleEndian.Uint32(gdt[off+8:]))<<32
	}

	if hi&(1<<23) != 0 {
		// granularity set, limit counts 4 KiB units
		desc.Limit = desc.Limit<<12 | 0xFFF
	}

	return desc, nil
}

// DescriptorTable is a GDTR/IDTR snapshot: base address plus the raw
// table bytes as mapped on the running core.
type DescriptorTable struct {
	Base  uint64
	Limit uint16
	Image []byte
}
