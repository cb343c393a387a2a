package arch

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdjustControls(t *testing.T) {
	// allowed-0 in the low word forces bits on, allowed-1 in the high
	// word masks bits off.
	capability := uint64(0x0000_00FF_0000_0016)

	got := AdjustControls(0x1, capability)

	assert.Equal(t, uint32(0x17)&0xFF, got)
	assert.Zero(t, got&^uint32(0xFF), "bits outside allowed-1 must be cleared")
}

func TestAdjustControlsForcedBitsSurvive(t *testing.T) {
	capability := uint64(0xFFFF_FFFF_0000_0004)
	assert.Equal(t, uint32(0x4), AdjustControls(0, capability)&0x4)
}

func TestFixCr(t *testing.T) {
	fixed0 := uint64(0x80000021) // PG, NE, PE mandatory
	fixed1 := uint64(0xFFFFFFFF)

	assert.Equal(t, uint64(0x80000021), FixCr(0, fixed0, fixed1))
	assert.Equal(t, uint64(0x80000031), FixCr(0x10, fixed0, fixed1))
	assert.Zero(t, FixCr(1<<40, fixed0, fixed1)&(1<<40), "bits above fixed1 cleared")
}

func packDescriptor(base uint32, limit uint32, access uint16, flags uint8) []byte {
	var lo, hi uint32
	lo = limit&0xFFFF | base<<16
	hi = base>>16&0xFF | uint32(access)<<8 | limit&0xF0000 | uint32(flags&0xF)<<20 | base>>24<<24
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b, lo)
	binary.LittleEndian.PutUint32(b[4:], hi)
	return b
}

func TestParseSegmentDescriptor(t *testing.T) {
	gdt := make([]byte, 0)
	gdt = append(gdt, make([]byte, 8)...) // null descriptor
	gdt = append(gdt, packDescriptor(0x00CF0000, 0xFFFF, 0x9A, 0x8)...)

	desc, err := ParseSegmentDescriptor(gdt, SegmentSelector(1<<3))
	require.NoError(t, err)

	assert.Equal(t, uint64(0x00CF0000), desc.Base)
	assert.Equal(t, uint32(0xFFFF)<<12|0xFFF, desc.Limit, "granularity bit scales the limit")
}

func TestParseSegmentDescriptorNullAndLdt(t *testing.T) {
	gdt := make([]byte, 32)

	desc, err := ParseSegmentDescriptor(gdt, 0)
	require.NoError(t, err)
	assert.NotZero(t, desc.AccessRights&segmentAccessUnusable)

	desc, err = ParseSegmentDescriptor(gdt, SegmentSelector(0x4|1<<3))
	require.NoError(t, err)
	assert.NotZero(t, desc.AccessRights&segmentAccessUnusable, "LDT selectors are not resolved")
}

func TestParseSegmentDescriptorOutOfRange(t *testing.T) {
	_, err := ParseSegmentDescriptor(make([]byte, 8), SegmentSelector(8<<3))
	require.Error(t, err)
}

func TestEptViolationQualification(t *testing.T) {
	q := EptViolationQualification(0b100 | 1<<3 | 1<<4 | 1<<7 | 1<<8)

	assert.True(t, q.ExecuteAccess())
	assert.False(t, q.ReadAccess())
	assert.True(t, q.EntryReadable())
	assert.True(t, q.EntryWritable())
	assert.False(t, q.EntryExecutable())
	assert.True(t, q.GuestLinearValid())
	assert.False(t, q.CausedByTranslation())
}

func TestEptEntryBits(t *testing.T) {
	var e EptEntry

	e = e.SetRead(true).SetWrite(true).SetExecute(true)
	e = e.SetPhysicalAddress(0x1234_5000)
	e = e.SetMemoryType(MemoryTypeWriteBack)

	assert.True(t, e.Read() && e.Write() && e.Execute())
	assert.Equal(t, uint64(0x1234_5000), e.PhysicalAddress())
	assert.Equal(t, MemoryTypeWriteBack, e.MemoryType())

	e = e.SetExecute(false)
	assert.False(t, e.Execute())
	assert.Equal(t, uint64(0x1234_5000), e.PhysicalAddress(), "permission flips keep the frame")
}

func TestEptPointer(t *testing.T) {
	eptp := EptPointer(0xABC000)
	assert.Equal(t, uint64(0xABC000), eptp&^uint64(0xFFF))
	assert.Equal(t, uint64(6), eptp&0x7, "write-back structure memory type")
	assert.Equal(t, uint64(3), eptp>>3&0x7, "4-level walk")
}

func TestVmxBasicRevisionID(t *testing.T) {
	assert.Equal(t, uint32(0x12), VmxBasicRevisionID(0x12|1<<55))
}
