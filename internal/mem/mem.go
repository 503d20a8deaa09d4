// Package mem models guest physical memory as a set of
// non-overlapping regions of host backing. The region set supports
// hotplug, and reads/writes are bounds-checked against it.
package mem

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ErrRegionOverlap = errors.New("guest memory regions overlap")
	ErrOutOfBounds   = errors.New("access outside guest memory")
	ErrReadOnly      = errors.New("write to read-only guest memory")
)

// Mapper receives region changes, typically to forward them to the
// hypervisor's memory slots. A zero-length mem deletes the slot.
type Mapper interface {
	SetMemoryRegion(slot uint32, guestAddr uint64, mem []byte, readonly bool) error
}

// Region is one mapped range of guest physical memory. The backing is
// provided by the caller so the hypervisor package can use
// page-aligned mappings while tests use plain slices.
type Region struct {
	guestAddr uint64
	hostMem   []byte
	readonly  bool
	slot      uint32
}

func (r *Region) GuestAddr() uint64 { return r.guestAddr }
func (r *Region) Size() uint64      { return uint64(len(r.hostMem)) }
func (r *Region) ReadOnly() bool    { return r.readonly }
func (r *Region) Bytes() []byte     { return r.hostMem }

func (r *Region) end() uint64 { return r.guestAddr + r.Size() }

// Memory is the guest physical address space. The data path reads an
// atomic snapshot of the region list, so accesses never contend with
// each other; hotplug serializes on the mutex and swaps the snapshot.
type Memory struct {
	mapper Mapper

	mu       sync.Mutex
	snapshot atomic.Pointer[[]*Region]
	nextSlot uint32
}

func New(mapper Mapper) *Memory {
	m := &Memory{mapper: mapper}
	m.snapshot.Store(new([]*Region))
	return m
}

// AddRegion maps hostMem at guestAddr. It fails without side effects
// if the range overlaps an existing region.
func (m *Memory) AddRegion(guestAddr uint64, hostMem []byte, readonly bool) (*Region, error) {
	if len(hostMem) == 0 {
		return nil, fmt.Errorf("mem: empty region at 0x%x", guestAddr)
	}
	if guestAddr+uint64(len(hostMem)) < guestAddr {
		return nil, fmt.Errorf("mem: region at 0x%x wraps the address space", guestAddr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	regions := *m.snapshot.Load()
	r := &Region{guestAddr: guestAddr, hostMem: hostMem, readonly: readonly, slot: m.nextSlot}
	for _, other := range regions {
		if r.guestAddr < other.end() && other.guestAddr < r.end() {
			return nil, fmt.Errorf("mem: [0x%x, 0x%x) vs [0x%x, 0x%x): %w",
				r.guestAddr, r.end(), other.guestAddr, other.end(), ErrRegionOverlap)
		}
	}

	if m.mapper != nil {
		if err := m.mapper.SetMemoryRegion(r.slot, r.guestAddr, r.hostMem, r.readonly); err != nil {
			return nil, fmt.Errorf("mem: mapping region at 0x%x: %w", guestAddr, err)
		}
	}
	m.nextSlot++

	next := make([]*Region, 0, len(regions)+1)
	next = append(next, regions...)
	next = append(next, r)
	sort.Slice(next, func(i, j int) bool { return next[i].guestAddr < next[j].guestAddr })
	m.snapshot.Store(&next)
	return r, nil
}

// RemoveRegion unmaps the region starting at guestAddr.
func (m *Memory) RemoveRegion(guestAddr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	regions := *m.snapshot.Load()
	for i, r := range regions {
		if r.guestAddr != guestAddr {
			continue
		}
		if m.mapper != nil {
			if err := m.mapper.SetMemoryRegion(r.slot, r.guestAddr, nil, r.readonly); err != nil {
				return fmt.Errorf("mem: unmapping region at 0x%x: %w", guestAddr, err)
			}
		}
		next := make([]*Region, 0, len(regions)-1)
		next = append(next, regions[:i]...)
		next = append(next, regions[i+1:]...)
		m.snapshot.Store(&next)
		return nil
	}
	return fmt.Errorf("mem: no region at 0x%x", guestAddr)
}

// Regions returns the current region list, sorted by guest address.
func (m *Memory) Regions() []*Region {
	return *m.snapshot.Load()
}

func (m *Memory) find(addr uint64) (*Region, bool) {
	regions := *m.snapshot.Load()
	i := sort.Search(len(regions), func(i int) bool { return regions[i].end() > addr })
	if i < len(regions) && regions[i].guestAddr <= addr {
		return regions[i], true
	}
	return nil, false
}

// ReadAt implements io.ReaderAt over guest physical addresses. Reads
// may span adjacent regions; any gap fails the whole access.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	return m.access(p, uint64(off), false)
}

// WriteAt implements io.WriterAt over guest physical addresses. A
// write that touches a read-only region fails before modifying it.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	return m.access(p, uint64(off), true)
}

func (m *Memory) access(p []byte, addr uint64, write bool) (int, error) {
	done := 0
	for done < len(p) {
		r, ok := m.find(addr)
		if !ok {
			return done, fmt.Errorf("mem: 0x%x: %w", addr, ErrOutOfBounds)
		}
		if write && r.readonly {
			return done, fmt.Errorf("mem: 0x%x: %w", addr, ErrReadOnly)
		}
		host := r.hostMem[addr-r.guestAddr:]
		n := min(len(p)-done, len(host))
		if write {
			copy(host, p[done:done+n])
		} else {
			copy(p[done:done+n], host)
		}
		done += n
		addr += uint64(n)
	}
	return done, nil
}
