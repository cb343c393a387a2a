// Package mm declares the memory collaborators the VMX core depends on
// but does not implement: the physically-contiguous allocator, the
// pre-allocated page pool used at hook-install time, and the memory
// mapper that reads guest memory under an arbitrary CR3.
package mm

import "errors"

var (
	ErrOutOfMemory       = errors.New("mm: out of physically contiguous memory")
	ErrPoolExhausted     = errors.New("mm: pre-allocated pool exhausted")
	ErrTranslationFailed = errors.New("mm: virtual address does not translate")
	ErrUnsafeAccess      = errors.New("mm: guest memory not safely accessible")
	ErrNoSuchProcess     = errors.New("mm: no such process")
)

// Region is a page-aligned, physically contiguous buffer with both its
// physical address and a mapped view.
type Region struct {
	PhysicalAddress uint64
	Bytes           []byte
}

func (r Region) Size() uint64 { return uint64(len(r.Bytes)) }

// Contains reports whether pa falls inside the region.
func (r Region) Contains(pa uint64) bool {
	return pa >= r.PhysicalAddress && pa < r.PhysicalAddress+r.Size()
}

// ContiguousAllocator hands out zeroed, page-aligned, physically
// contiguous regions. Free must be called exactly once per region.
type ContiguousAllocator interface {
	AllocateContiguous(size uint64) (Region, error)
	Free(r Region) error
}

// PoolIntent tags what a pre-allocated pool page will be used for, so the
// pool can be sized per concern.
type PoolIntent int

const (
	PoolIntentSplitPage PoolIntent = iota + 1
	PoolIntentExecTrampoline
	PoolIntentHookDetails
)

// PagePool hands out pages reserved ahead of time. Request never
// allocates; it fails with ErrPoolExhausted when the reserve for the
// intent is gone. Hook installation depends on this because a blocking
// allocator is unsafe at the privilege level it runs at.
type PagePool interface {
	Reserve(intent PoolIntent, pages int) error
	Request(intent PoolIntent) (Region, error)
	Release(r Region) error
	Uninitialize()
}

// Mapper translates and accesses guest memory under an arbitrary process
// context without permanently switching the live CR3.
type Mapper interface {
	// Cr3ForProcess resolves a process identifier to its directory base.
	Cr3ForProcess(pid uint32) (uint64, error)

	// Translate resolves a virtual address under cr3 to a physical one.
	Translate(va uint64, cr3 uint64) (uint64, error)

	// CheckAccessSafety reports whether [va, va+size) is safely
	// dereferenceable under cr3.
	CheckAccessSafety(va uint64, size uint64, cr3 uint64) bool

	// ReadVirtualSafe and WriteVirtualSafe tolerate unmapped pages by
	// returning an error instead of faulting.
	ReadVirtualSafe(va uint64, buf []byte, cr3 uint64) error
	WriteVirtualSafe(va uint64, buf []byte, cr3 uint64) error

	ReadPhysical(pa uint64, buf []byte) error
	WritePhysical(pa uint64, buf []byte) error

	Uninitialize()
}
