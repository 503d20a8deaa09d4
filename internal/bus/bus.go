// Package bus dispatches guest accesses to device handlers. A machine
// has one Bus per address class (guest physical MMIO, x86 port I/O);
// both share this implementation and differ only in address width.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var ErrRangeConflict = errors.New("bus range conflict")

// Handler receives accesses with device-local offsets: an access at
// guest address base+n arrives as offset n.
type Handler interface {
	Read(offset uint64, data []byte) error
	Write(offset uint64, data []byte) error
}

// Range is [Base, Base+Size) in the bus's address class.
type Range struct {
	Base uint64
	Size uint64
}

func (r Range) end() uint64 { return r.Base + r.Size }

func (r Range) contains(addr uint64) bool {
	return addr >= r.Base && addr < r.end()
}

func (r Range) String() string {
	return fmt.Sprintf("[0x%x, 0x%x)", r.Base, r.end())
}

type entry struct {
	Range
	name    string
	handler Handler
}

// Bus maps disjoint ranges to handlers. The table mutates only during
// device realize/unrealize; dispatch takes the read lock for the
// lookup only, so no cross-device lock is held while a handler runs.
type Bus struct {
	name string

	mu sync.RWMutex
	// entries is sorted by Base and disjoint.
	entries []entry
}

func New(name string) *Bus {
	return &Bus{name: name}
}

// Register binds r to h. Overlapping an existing registration fails
// with ErrRangeConflict and leaves the table unchanged.
func (b *Bus) Register(name string, r Range, h Handler) error {
	if r.Size == 0 {
		return fmt.Errorf("%s bus: empty range for %q", b.name, name)
	}
	if r.end() < r.Base {
		return fmt.Errorf("%s bus: range for %q wraps the address space", b.name, name)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.entries {
		if r.Base < e.end() && e.Base < r.end() {
			return fmt.Errorf("%s bus: %q %s overlaps %q %s: %w",
				b.name, name, r, e.name, e.Range, ErrRangeConflict)
		}
	}

	b.entries = append(b.entries, entry{Range: r, name: name, handler: h})
	sort.Slice(b.entries, func(i, j int) bool {
		return b.entries[i].Base < b.entries[j].Base
	})
	return nil
}

// Unregister removes the registration starting at base.
func (b *Bus) Unregister(base uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.entries {
		if e.Base == base {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%s bus: no registration at 0x%x", b.name, base)
}

func (b *Bus) lookup(addr uint64) (entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	i := sort.Search(len(b.entries), func(i int) bool {
		return b.entries[i].end() > addr
	})
	if i < len(b.entries) && b.entries[i].contains(addr) {
		return b.entries[i], true
	}
	return entry{}, false
}

// Read dispatches a guest read. A miss fills data with all ones, the
// convention for probing unmapped space, and is not an error.
func (b *Bus) Read(addr uint64, data []byte) error {
	e, ok := b.lookup(addr)
	if !ok {
		for i := range data {
			data[i] = 0xff
		}
		slog.Warn("unmapped read", "bus", b.name, "addr", fmt.Sprintf("0x%x", addr), "size", len(data))
		return nil
	}
	if err := e.handler.Read(addr-e.Base, data); err != nil {
		return fmt.Errorf("%s bus: read 0x%x (%s): %w", b.name, addr, e.name, err)
	}
	return nil
}

// Write dispatches a guest write. A miss is dropped.
func (b *Bus) Write(addr uint64, data []byte) error {
	e, ok := b.lookup(addr)
	if !ok {
		slog.Warn("unmapped write", "bus", b.name, "addr", fmt.Sprintf("0x%x", addr), "size", len(data))
		return nil
	}
	if err := e.handler.Write(addr-e.Base, data); err != nil {
		return fmt.Errorf("%s bus: write 0x%x (%s): %w", b.name, addr, e.name, err)
	}
	return nil
}
