// Package alloc hands out guest physical address ranges, port ranges
// and interrupt numbers from fixed windows. Allocation order is
// deterministic: the same sequence of requests always produces the
// same placements.
package alloc

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrOutOfSpace = errors.New("allocator window exhausted")

// Interval is a half-open range [Start, End).
type Interval struct {
	Start uint64
	End   uint64
}

func (i Interval) Size() uint64 { return i.End - i.Start }

func (i Interval) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", i.Start, i.End)
}

// Pool allocates intervals out of a single window using first-fit at
// the lowest address. Freed intervals coalesce with free neighbours,
// so a free immediately followed by an identical request returns the
// same placement.
type Pool struct {
	name string

	mu sync.Mutex
	// free is sorted by Start, disjoint and non-adjacent.
	free      []Interval
	allocated map[uint64]Interval
}

func NewPool(name string, window Interval) *Pool {
	if window.End <= window.Start {
		panic(fmt.Sprintf("alloc: empty window %s for pool %q", window, name))
	}
	return &Pool{
		name:      name,
		free:      []Interval{window},
		allocated: make(map[uint64]Interval),
	}
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) &^ (align - 1)
}

// Allocate reserves size bytes aligned to align (0 or 1 means no
// alignment; otherwise align must be a power of two). The lowest free
// gap that fits is used.
func (p *Pool) Allocate(size, align uint64) (Interval, error) {
	if size == 0 {
		return Interval{}, fmt.Errorf("%s: zero-sized allocation", p.name)
	}
	if align > 1 && align&(align-1) != 0 {
		return Interval{}, fmt.Errorf("%s: alignment 0x%x is not a power of two", p.name, align)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, gap := range p.free {
		start := alignUp(gap.Start, align)
		if start < gap.Start || start+size < start || start+size > gap.End {
			continue
		}
		got := Interval{Start: start, End: start + size}
		p.carve(i, got)
		p.allocated[got.Start] = got
		return got, nil
	}
	return Interval{}, fmt.Errorf("%s: %d bytes align 0x%x: %w", p.name, size, align, ErrOutOfSpace)
}

// AllocateAt reserves an exact interval, for resources whose placement
// is fixed by the platform rather than chosen by the allocator.
func (p *Pool) AllocateAt(want Interval) error {
	if want.End <= want.Start {
		return fmt.Errorf("%s: empty interval %s", p.name, want)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, gap := range p.free {
		if want.Start >= gap.Start && want.End <= gap.End {
			p.carve(i, want)
			p.allocated[want.Start] = want
			return nil
		}
	}
	return fmt.Errorf("%s: %s not free: %w", p.name, want, ErrOutOfSpace)
}

// carve removes got from the free gap at index i. The caller holds
// the lock and has checked containment.
func (p *Pool) carve(i int, got Interval) {
	gap := p.free[i]
	if got.Start < gap.Start || got.End > gap.End {
		panic(fmt.Sprintf("alloc: %s: carving %s out of %s", p.name, got, gap))
	}

	var repl []Interval
	if got.Start > gap.Start {
		repl = append(repl, Interval{Start: gap.Start, End: got.Start})
	}
	if got.End < gap.End {
		repl = append(repl, Interval{Start: got.End, End: gap.End})
	}
	p.free = append(p.free[:i], append(repl, p.free[i+1:]...)...)
}

// Free returns a previously allocated interval, identified by its
// start address, to the pool.
func (p *Pool) Free(start uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	got, ok := p.allocated[start]
	if !ok {
		return fmt.Errorf("%s: free of unallocated address 0x%x", p.name, start)
	}
	delete(p.allocated, start)

	i := sort.Search(len(p.free), func(i int) bool {
		return p.free[i].Start >= got.End
	})
	// Merge with the previous and/or next gap when adjacent.
	if i > 0 {
		if p.free[i-1].End > got.Start {
			panic(fmt.Sprintf("alloc: %s: free list overlaps %s", p.name, got))
		}
		if p.free[i-1].End == got.Start {
			got.Start = p.free[i-1].Start
			i--
			p.free = append(p.free[:i], p.free[i+1:]...)
		}
	}
	if i < len(p.free) && p.free[i].Start == got.End {
		got.End = p.free[i].End
		p.free = append(p.free[:i], p.free[i+1:]...)
	}

	p.free = append(p.free, Interval{})
	copy(p.free[i+1:], p.free[i:])
	p.free[i] = got
	return nil
}

// Layout fixes the windows an Allocator serves. All machines built
// from the same layout and the same request sequence end up with the
// same resource map.
type Layout struct {
	LowMMIO  Interval
	HighMMIO Interval
	PortIO   Interval
	IRQ      Interval
}

// Allocator groups the per-window pools for one machine.
type Allocator struct {
	LowMMIO  *Pool
	HighMMIO *Pool
	PortIO   *Pool
	irq      *Pool
}

func New(layout Layout) *Allocator {
	return &Allocator{
		LowMMIO:  NewPool("low-mmio", layout.LowMMIO),
		HighMMIO: NewPool("high-mmio", layout.HighMMIO),
		PortIO:   NewPool("port-io", layout.PortIO),
		irq:      NewPool("irq", layout.IRQ),
	}
}

// AllocateIRQ reserves the lowest free interrupt line.
func (a *Allocator) AllocateIRQ() (uint32, error) {
	got, err := a.irq.Allocate(1, 1)
	if err != nil {
		return 0, err
	}
	return uint32(got.Start), nil
}

// ReserveIRQ pins a specific line, for legacy devices with fixed IRQs.
func (a *Allocator) ReserveIRQ(line uint32) error {
	return a.irq.AllocateAt(Interval{Start: uint64(line), End: uint64(line) + 1})
}

func (a *Allocator) FreeIRQ(line uint32) error {
	return a.irq.Free(uint64(line))
}
