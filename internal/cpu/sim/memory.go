package sim

import (
	"fmt"
	"sync"

	"github.com/riftdbg/rift/internal/arch"
	"github.com/riftdbg/rift/internal/mm"
)

// simAllocator implements mm.ContiguousAllocator with a bump allocator
// over the machine's simulated physical memory.
type simAllocator Machine

func (a *simAllocator) AllocateContiguous(size uint64) (mm.Region, error) {
	m := (*Machine)(a)
	m.mu.Lock()
	defer m.mu.Unlock()

	if size == 0 {
		return mm.Region{}, fmt.Errorf("sim: zero-sized allocation")
	}
	size = (size + arch.PageSize - 1) &^ (arch.PageSize - 1)

	pa := m.nextFree
	if pa+size > uint64(len(m.physical)) {
		return mm.Region{}, mm.ErrOutOfMemory
	}
	m.nextFree = pa + size

	return mm.Region{
		PhysicalAddress: pa,
		Bytes:           m.physical[pa : pa+size : pa+size],
	}, nil
}

func (a *simAllocator) Free(r mm.Region) error {
	m := (*Machine)(a)
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, dup := m.freed[r.PhysicalAddress]; dup && prev == r.Size() {
		return fmt.Errorf("sim: double free of region 0x%x", r.PhysicalAddress)
	}
	m.freed[r.PhysicalAddress] = r.Size()

	clear(r.Bytes)
	return nil
}

// FreedRegions reports how many regions have been freed, for leak checks.
func (m *Machine) FreedRegions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.freed)
}

// simMapper implements mm.Mapper over the machine's process spaces.
type simMapper Machine

func (mp *simMapper) Cr3ForProcess(pid uint32) (uint64, error) {
	m := (*Machine)(mp)
	m.mu.Lock()
	defer m.mu.Unlock()

	cr3, ok := m.pids[pid]
	if !ok {
		return 0, fmt.Errorf("%w: pid %d", mm.ErrNoSuchProcess, pid)
	}
	return cr3, nil
}

func (mp *simMapper) Translate(va uint64, cr3 uint64) (uint64, error) {
	m := (*Machine)(mp)
	m.mu.Lock()
	defer m.mu.Unlock()
	return mp.translateLocked(va, cr3)
}

func (mp *simMapper) translateLocked(va uint64, cr3 uint64) (uint64, error) {
	m := (*Machine)(mp)

	space, ok := m.spaces[cr3]
	if !ok {
		return 0, fmt.Errorf("%w: unknown directory base 0x%x", mm.ErrTranslationFailed, cr3)
	}
	page, ok := space[arch.PageAlign(va)]
	if !ok {
		return 0, fmt.Errorf("%w: va 0x%x under cr3 0x%x", mm.ErrTranslationFailed, va, cr3)
	}
	return page | arch.PageOffset(va), nil
}

func (mp *simMapper) CheckAccessSafety(va uint64, size uint64, cr3 uint64) bool {
	m := (*Machine)(mp)
	m.mu.Lock()
	defer m.mu.Unlock()

	for page := arch.PageAlign(va); page < va+size; page += arch.PageSize {
		if _, err := mp.translateLocked(page, cr3); err != nil {
			return false
		}
	}
	return true
}

func (mp *simMapper) ReadVirtualSafe(va uint64, buf []byte, cr3 uint64) error {
	return mp.copyVirtual(va, buf, cr3, false)
}

func (mp *simMapper) WriteVirtualSafe(va uint64, buf []byte, cr3 uint64) error {
	return mp.copyVirtual(va, buf, cr3, true)
}

func (mp *simMapper) copyVirtual(va uint64, buf []byte, cr3 uint64, write bool) error {
	m := (*Machine)(mp)
	m.mu.Lock()
	defer m.mu.Unlock()

	done := uint64(0)
	total := uint64(len(buf))

	for done < total {
		pa, err := mp.translateLocked(va+done, cr3)
		if err != nil {
			return fmt.Errorf("%w: at va 0x%x", mm.ErrUnsafeAccess, va+done)
		}

		chunk := arch.PageSize - arch.PageOffset(va+done)
		if chunk > total-done {
			chunk = total - done
		}
		if pa+chunk > uint64(len(m.physical)) {
			return fmt.Errorf("%w: physical 0x%x out of range", mm.ErrUnsafeAccess, pa)
		}

		if write {
			copy(m.physical[pa:pa+chunk], buf[done:done+chunk])
		} else {
			copy(buf[done:done+chunk], m.physical[pa:pa+chunk])
		}
		done += chunk
	}
	return nil
}

func (mp *simMapper) ReadPhysical(pa uint64, buf []byte) error {
	m := (*Machine)(mp)
	m.mu.Lock()
	defer m.mu.Unlock()

	if pa+uint64(len(buf)) > uint64(len(m.physical)) {
		return fmt.Errorf("%w: physical 0x%x out of range", mm.ErrUnsafeAccess, pa)
	}
	copy(buf, m.physical[pa:])
	return nil
}

func (mp *simMapper) WritePhysical(pa uint64, buf []byte) error {
	m := (*Machine)(mp)
	m.mu.Lock()
	defer m.mu.Unlock()

	if pa+uint64(len(buf)) > uint64(len(m.physical)) {
		return fmt.Errorf("%w: physical 0x%x out of range", mm.ErrUnsafeAccess, pa)
	}
	copy(m.physical[pa:], buf)
	return nil
}

func (mp *simMapper) Uninitialize() {}

// fixedPool implements mm.PagePool: pages are taken from the allocator
// up front, Request never allocates.
type fixedPool struct {
	mu      sync.Mutex
	machine *Machine
	free    map[mm.PoolIntent][]mm.Region

	// intents remembers which reserve every page belongs to, so Release
	// returns it to its own list instead of cross-feeding reserves.
	intents map[uint64]mm.PoolIntent
}

func newFixedPool(m *Machine) *fixedPool {
	return &fixedPool{
		machine: m,
		free:    make(map[mm.PoolIntent][]mm.Region),
		intents: make(map[uint64]mm.PoolIntent),
	}
}

func (p *fixedPool) Reserve(intent mm.PoolIntent, pages int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < pages; i++ {
		r, err := p.machine.Allocator().AllocateContiguous(arch.PageSize)
		if err != nil {
			return fmt.Errorf("reserve pool pages: %w", err)
		}
		p.free[intent] = append(p.free[intent], r)
		p.intents[r.PhysicalAddress] = intent
	}
	return nil
}

func (p *fixedPool) Request(intent mm.PoolIntent) (mm.Region, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := p.free[intent]
	if len(list) == 0 {
		return mm.Region{}, mm.ErrPoolExhausted
	}
	r := list[len(list)-1]
	p.free[intent] = list[:len(list)-1]
	return r, nil
}

func (p *fixedPool) Release(r mm.Region) error {
	clear(r.Bytes)
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.intents[r.PhysicalAddress]
	if !ok {
		intent = mm.PoolIntentSplitPage
	}
	p.free[intent] = append(p.free[intent], r)
	return nil
}

func (p *fixedPool) Uninitialize() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for intent, list := range p.free {
		for _, r := range list {
			_ = p.machine.Allocator().Free(r)
		}
		delete(p.free, intent)
	}
	clear(p.intents)
}

var (
	_ mm.ContiguousAllocator = &simAllocator{}
	_ mm.Mapper              = &simMapper{}
	_ mm.PagePool            = &fixedPool{}
)
