package vmm

import (
	"github.com/bits-and-blooms/bitset"

	"github.com/riftdbg/rift/internal/cpu"
	"github.com/riftdbg/rift/internal/mm"
)

// invalidMsrProbeLimit bounds the reserved-MSR probe. Everything the
// exit path cares about lives below it.
const invalidMsrProbeLimit = 0x4000

// buildInvalidMsrBitmap probes every low MSR once and records which
// ones fault. The RDMSR/WRMSR exit handler consults the result instead
// of letting a debugger-injected access #GP the host.
func buildInvalidMsrBitmap(core cpu.Core) *bitset.BitSet {
	invalid := bitset.New(invalidMsrProbeLimit)
	for msr := uint32(0); msr < invalidMsrProbeLimit; msr++ {
		if _, err := core.ReadMsr(msr); err != nil {
			invalid.Set(uint(msr))
		}
	}
	return invalid
}

// msrBitmap manipulates a hardware-format MSR bitmap page: four 1 KiB
// quadrants covering reads then writes of the low (0..0x1FFF) and high
// (0xC0000000..0xC0001FFF) MSR ranges.
type msrBitmap struct {
	region mm.Region
}

const (
	msrBitmapReadLow   = 0x000
	msrBitmapReadHigh  = 0x400
	msrBitmapWriteLow  = 0x800
	msrBitmapWriteHigh = 0xC00
)

func (b msrBitmap) quadrant(msr uint32, write bool) (int, uint32, bool) {
	base := msrBitmapReadLow
	if write {
		base = msrBitmapWriteLow
	}
	switch {
	case msr <= 0x1FFF:
		return base, msr, true
	case msr >= 0xC0000000 && msr <= 0xC0001FFF:
		return base + msrBitmapReadHigh, msr - 0xC0000000, true
	default:
		return 0, 0, false
	}
}

// set marks or clears interception of one MSR.
func (b msrBitmap) set(msr uint32, read, write, intercept bool) bool {
	ok := false
	if read {
		ok = b.apply(msr, false, intercept) || ok
	}
	if write {
		ok = b.apply(msr, true, intercept) || ok
	}
	return ok
}

func (b msrBitmap) apply(msr uint32, write, intercept bool) bool {
	base, offset, ok := b.quadrant(msr, write)
	if !ok {
		return false
	}
	byteIndex := base + int(offset/8)
	mask := byte(1 << (offset % 8))
	if intercept {
		b.region.Bytes[byteIndex] |= mask
	} else {
		b.region.Bytes[byteIndex] &^= mask
	}
	return true
}

func (b msrBitmap) isSet(msr uint32, write bool) bool {
	base, offset, ok := b.quadrant(msr, write)
	if !ok {
		return false
	}
	return b.region.Bytes[base+int(offset/8)]&(1<<(offset%8)) != 0
}

// ioBitmap manipulates the pair of I/O bitmap pages: A covers ports
// 0..0x7FFF, B covers 0x8000..0xFFFF.
type ioBitmap struct {
	a, b mm.Region
}

func (b ioBitmap) set(port uint16, intercept bool) {
	region := b.a
	offset := uint32(port)
	if port >= 0x8000 {
		region = b.b
		offset -= 0x8000
	}
	mask := byte(1 << (offset % 8))
	if intercept {
		region.Bytes[offset/8] |= mask
	} else {
		region.Bytes[offset/8] &^= mask
	}
}

func (b ioBitmap) isSet(port uint16) bool {
	region := b.a
	offset := uint32(port)
	if port >= 0x8000 {
		region = b.b
		offset -= 0x8000
	}
	return region.Bytes[offset/8]&(1<<(offset%8)) != 0
}
