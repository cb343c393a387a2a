package arch

const (
	PageSize      uint64 = 0x1000
	PageShift            = 12
	LargePageSize uint64 = 0x200000
	LargePageShift       = 21

	// EptEntryCount is the number of entries at every EPT table level.
	EptEntryCount = 512
)

// MemoryType is an x86 memory (caching) type as encoded in MTRRs and EPT
// leaf entries.
type MemoryType uint8

const (
	MemoryTypeUncacheable    MemoryType = 0
	MemoryTypeWriteCombining MemoryType = 1
	MemoryTypeWriteThrough   MemoryType = 4
	MemoryTypeWriteProtected MemoryType = 5
	MemoryTypeWriteBack      MemoryType = 6
)

// EptEntry is a single extended-page-table entry at any level. Permission
// bits occupy the low bits, the referenced page frame sits at bits 12..47.
type EptEntry uint64

const (
	eptRead       EptEntry = 1 << 0
	eptWrite      EptEntry = 1 << 1
	eptExecute    EptEntry = 1 << 2
	eptLarge      EptEntry = 1 << 7
	eptUserExec   EptEntry = 1 << 10 // execute for user-mode, with MBEC
	eptFrameMask  EptEntry = 0x0000FFFFFFFFF000
	eptMemTypeOff          = 3
)

func (e EptEntry) Read() bool        { return e&eptRead != 0 }
func (e EptEntry) Write() bool       { return e&eptWrite != 0 }
func (e EptEntry) Execute() bool     { return e&eptExecute != 0 }
func (e EptEntry) UserExecute() bool { return e&eptUserExec != 0 }
func (e EptEntry) LargePage() bool   { return e&eptLarge != 0 }
func (e EptEntry) Present() bool     { return e&(eptRead|eptWrite|eptExecute|eptUserExec) != 0 }

func (e EptEntry) PhysicalAddress() uint64 { return uint64(e & eptFrameMask) }

func (e EptEntry) MemoryType() MemoryType {
	return MemoryType((e >> eptMemTypeOff) & 0x7)
}

func (e EptEntry) SetRead(on bool) EptEntry        { return e.setBit(eptRead, on) }
func (e EptEntry) SetWrite(on bool) EptEntry       { return e.setBit(eptWrite, on) }
func (e EptEntry) SetExecute(on bool) EptEntry     { return e.setBit(eptExecute, on) }
func (e EptEntry) SetUserExecute(on bool) EptEntry { return e.setBit(eptUserExec, on) }
func (e EptEntry) SetLargePage(on bool) EptEntry   { return e.setBit(eptLarge, on) }

func (e EptEntry) SetPhysicalAddress(pa uint64) EptEntry {
	return (e &^ eptFrameMask) | (EptEntry(pa) & eptFrameMask)
}

func (e EptEntry) SetMemoryType(mt MemoryType) EptEntry {
	return (e &^ (0x7 << eptMemTypeOff)) | (EptEntry(mt&0x7) << eptMemTypeOff)
}

func (e EptEntry) setBit(bit EptEntry, on bool) EptEntry {
	if on {
		return e | bit
	}
	return e &^ bit
}

// EptPointer builds an EPTP value: write-back paging-structure memory
// type, 4-level walk, pointing at the PML4 frame.
func EptPointer(pml4Phys uint64) uint64 {
	const (
		eptpMemTypeWB  uint64 = 6
		eptpWalkLength uint64 = 3 << 3 // walk length minus one
	)
	return (pml4Phys &^ (PageSize - 1)) | eptpMemTypeWB | eptpWalkLength
}

// Index helpers for the 4-level EPT walk of a guest-physical address.
func EptPml4Index(pa uint64) int { return int((pa >> 39) & 0x1FF) }
func EptPml3Index(pa uint64) int { return int((pa >> 30) & 0x1FF) }
func EptPml2Index(pa uint64) int { return int((pa >> 21) & 0x1FF) }
func EptPml1Index(pa uint64) int { return int((pa >> 12) & 0x1FF) }

// PageAlign clears the in-page offset bits.
func PageAlign(addr uint64) uint64 { return addr &^ (PageSize - 1) }

// PageOffset returns the in-page offset bits.
func PageOffset(addr uint64) uint64 { return addr & (PageSize - 1) }

// LargePageAlign clears the offset within a 2 MiB frame.
func LargePageAlign(addr uint64) uint64 { return addr &^ (LargePageSize - 1) }

// PageFrameNumber of a physical address.
func PageFrameNumber(pa uint64) uint64 { return pa >> PageShift }
