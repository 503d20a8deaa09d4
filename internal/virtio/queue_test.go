package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
)

// guestMem is a flat slice of fake guest memory.
type guestMem []byte

func (m guestMem) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m)) {
		return 0, fmt.Errorf("read at 0x%x outside fake memory", off)
	}
	return copy(p, m[off:]), nil
}

func (m guestMem) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m)) {
		return 0, fmt.Errorf("write at 0x%x outside fake memory", off)
	}
	return copy(m[off:], p), nil
}

const (
	testDescAddr  = 0x1000
	testAvailAddr = 0x2000
	testUsedAddr  = 0x3000
)

// ring drives the guest half of the virtqueue protocol in tests.
type ring struct {
	t    *testing.T
	mem  guestMem
	q    *Queue
	size uint16

	availIdx uint16
}

func newRing(t *testing.T, size uint16) *ring {
	t.Helper()
	mem := make(guestMem, 0x10000)
	q := NewQueue(mem, size)
	if err := q.Negotiate(size); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	q.SetAddresses(testDescAddr, testAvailAddr, testUsedAddr)
	q.SetReady(true)
	return &ring{t: t, mem: mem, q: q, size: size}
}

func (r *ring) writeDesc(i uint16, d Descriptor) {
	off := testDescAddr + uint64(i)*16
	binary.LittleEndian.PutUint64(r.mem[off:], d.Addr)
	binary.LittleEndian.PutUint32(r.mem[off+8:], d.Len)
	binary.LittleEndian.PutUint16(r.mem[off+12:], d.Flags)
	binary.LittleEndian.PutUint16(r.mem[off+14:], d.Next)
}

// pushAvail publishes head as the next available chain.
func (r *ring) pushAvail(head uint16) {
	off := testAvailAddr + 4 + uint64(r.availIdx%r.size)*2
	binary.LittleEndian.PutUint16(r.mem[off:], head)
	r.availIdx++
	binary.LittleEndian.PutUint16(r.mem[testAvailAddr+2:], r.availIdx)
}

func (r *ring) setAvailFlags(flags uint16) {
	binary.LittleEndian.PutUint16(r.mem[testAvailAddr:], flags)
}

func (r *ring) setUsedEvent(idx uint16) {
	off := testAvailAddr + 4 + uint64(r.size)*2
	binary.LittleEndian.PutUint16(r.mem[off:], idx)
}

func (r *ring) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(r.mem[testUsedAddr+2:])
}

func (r *ring) usedElem(i uint16) (uint32, uint32) {
	off := testUsedAddr + 4 + uint64(i%r.size)*8
	return binary.LittleEndian.Uint32(r.mem[off:]), binary.LittleEndian.Uint32(r.mem[off+4:])
}

func TestNegotiate(t *testing.T) {
	q := NewQueue(make(guestMem, 0x1000), 256)

	for _, size := range []uint16{0, 3, 12, 257, 512} {
		t.Run(fmt.Sprintf("reject %d", size), func(t *testing.T) {
			if err := q.Negotiate(size); !errors.Is(err, ErrInvalidQueueConfig) {
				t.Fatalf("expected ErrInvalidQueueConfig, got %v", err)
			}
		})
	}
	for _, size := range []uint16{1, 2, 64, 256} {
		t.Run(fmt.Sprintf("accept %d", size), func(t *testing.T) {
			if err := q.Negotiate(size); err != nil {
				t.Fatalf("negotiate %d: %v", size, err)
			}
			if q.Size() != size {
				t.Fatalf("size %d", q.Size())
			}
		})
	}
}

func TestPopAvailEmpty(t *testing.T) {
	r := newRing(t, 8)

	chain, err := r.q.PopAvail()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if chain != nil {
		t.Fatalf("expected empty ring, got chain head %d", chain.Head)
	}
}

func TestPopAvailNotReady(t *testing.T) {
	q := NewQueue(make(guestMem, 0x1000), 8)
	if _, err := q.PopAvail(); !errors.Is(err, ErrQueueNotReady) {
		t.Fatalf("expected ErrQueueNotReady, got %v", err)
	}
}

func TestPopAvailOutsideMemory(t *testing.T) {
	mem := make(guestMem, 0x1000)
	q := NewQueue(mem, 8)
	if err := q.Negotiate(8); err != nil {
		t.Fatalf("negotiate: %v", err)
	}
	q.SetAddresses(0x100, 0xdead0000, 0x800)
	q.SetReady(true)

	_, err := q.PopAvail()
	if err == nil {
		t.Fatal("expected error for avail ring outside guest memory")
	}
	if !IsGuestFault(err) {
		t.Fatalf("ring outside guest memory is not a guest fault: %v", err)
	}
}

func TestGuestFaultClassification(t *testing.T) {
	for _, err := range []error{
		fmt.Errorf("wrapped: %w", ErrMalformedChain),
		fmt.Errorf("wrapped: %w", ErrInvalidQueueConfig),
		fmt.Errorf("wrapped: %w", ErrQueueNotReady),
		fmt.Errorf("wrapped: %w", ErrGuestFault),
	} {
		if !IsGuestFault(err) {
			t.Fatalf("%v not classified as guest fault", err)
		}
	}
	for _, err := range []error{nil, errors.New("disk on fire")} {
		if IsGuestFault(err) {
			t.Fatalf("%v misclassified as guest fault", err)
		}
	}
}

func TestPopAvailChain(t *testing.T) {
	r := newRing(t, 8)

	r.writeDesc(2, Descriptor{Addr: 0x5000, Len: 16, Flags: descFNext, Next: 5})
	r.writeDesc(5, Descriptor{Addr: 0x6000, Len: 32, Flags: descFNext | descFWrite, Next: 1})
	r.writeDesc(1, Descriptor{Addr: 0x7000, Len: 1, Flags: descFWrite})
	r.pushAvail(2)

	chain, err := r.q.PopAvail()
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if chain == nil {
		t.Fatal("expected a chain")
	}
	if chain.Head != 2 {
		t.Fatalf("head %d", chain.Head)
	}
	want := []Buffer{
		{Addr: 0x5000, Len: 16, Writable: false},
		{Addr: 0x6000, Len: 32, Writable: true},
		{Addr: 0x7000, Len: 1, Writable: true},
	}
	if len(chain.Buffers) != len(want) {
		t.Fatalf("chain length %d", len(chain.Buffers))
	}
	for i, b := range chain.Buffers {
		if b != want[i] {
			t.Fatalf("buffer %d: %+v, want %+v", i, b, want[i])
		}
	}

	// The ring is drained now.
	if chain, err := r.q.PopAvail(); err != nil || chain != nil {
		t.Fatalf("expected drained ring, got %v, %v", chain, err)
	}
}

func TestPopAvailMalformed(t *testing.T) {
	t.Run("head out of range", func(t *testing.T) {
		r := newRing(t, 8)
		r.pushAvail(8)
		if _, err := r.q.PopAvail(); !errors.Is(err, ErrMalformedChain) {
			t.Fatalf("expected ErrMalformedChain, got %v", err)
		}
	})

	t.Run("link out of range", func(t *testing.T) {
		r := newRing(t, 8)
		r.writeDesc(0, Descriptor{Addr: 0x5000, Len: 8, Flags: descFNext, Next: 200})
		r.pushAvail(0)
		if _, err := r.q.PopAvail(); !errors.Is(err, ErrMalformedChain) {
			t.Fatalf("expected ErrMalformedChain, got %v", err)
		}
	})

	t.Run("cyclic chain", func(t *testing.T) {
		r := newRing(t, 8)
		r.writeDesc(0, Descriptor{Addr: 0x5000, Len: 8, Flags: descFNext, Next: 1})
		r.writeDesc(1, Descriptor{Addr: 0x5000, Len: 8, Flags: descFNext, Next: 0})
		r.pushAvail(0)
		if _, err := r.q.PopAvail(); !errors.Is(err, ErrMalformedChain) {
			t.Fatalf("expected ErrMalformedChain, got %v", err)
		}
	})
}

func TestPushUsed(t *testing.T) {
	r := newRing(t, 8)

	if got := r.usedIdx(); got != 0 {
		t.Fatalf("initial used idx %d", got)
	}
	if err := r.q.PushUsed(3, 128); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := r.usedIdx(); got != 1 {
		t.Fatalf("used idx %d after one completion", got)
	}
	id, length := r.usedElem(0)
	if id != 3 || length != 128 {
		t.Fatalf("used element (%d, %d)", id, length)
	}

	if err := r.q.PushUsed(1, 0); err != nil {
		t.Fatalf("push: %v", err)
	}
	if got := r.usedIdx(); got != 2 {
		t.Fatalf("used idx %d after two completions", got)
	}

	if err := r.q.PushUsed(9, 0); !errors.Is(err, ErrMalformedChain) {
		t.Fatalf("expected ErrMalformedChain for bad head, got %v", err)
	}
	if got := r.usedIdx(); got != 2 {
		t.Fatal("rejected push moved the used index")
	}
}

func TestShouldInterruptFlag(t *testing.T) {
	r := newRing(t, 8)

	if err := r.q.PushUsed(0, 0); err != nil {
		t.Fatalf("push: %v", err)
	}
	want, err := r.q.ShouldInterrupt()
	if err != nil {
		t.Fatalf("should interrupt: %v", err)
	}
	if !want {
		t.Fatal("expected interrupt with flags clear")
	}

	r.setAvailFlags(availFNoInterrupt)
	want, err = r.q.ShouldInterrupt()
	if err != nil {
		t.Fatalf("should interrupt: %v", err)
	}
	if want {
		t.Fatal("expected suppression with NO_INTERRUPT set")
	}
}

func TestShouldInterruptEventIdx(t *testing.T) {
	r := newRing(t, 8)
	r.q.SetEventIdx(true)

	// Driver asks for an interrupt at used idx 0; the first
	// completion crosses it.
	r.setUsedEvent(0)
	if err := r.q.PushUsed(0, 0); err != nil {
		t.Fatalf("push: %v", err)
	}
	want, err := r.q.ShouldInterrupt()
	if err != nil {
		t.Fatalf("should interrupt: %v", err)
	}
	if !want {
		t.Fatal("expected interrupt crossing used_event")
	}

	// used_event far ahead: completions up to it stay silent.
	r.setUsedEvent(5)
	for i := 0; i < 3; i++ {
		if err := r.q.PushUsed(0, 0); err != nil {
			t.Fatalf("push: %v", err)
		}
		want, err = r.q.ShouldInterrupt()
		if err != nil {
			t.Fatalf("should interrupt: %v", err)
		}
		if want {
			t.Fatalf("unexpected interrupt at used idx %d", i+2)
		}
	}

	// Crossing used_event fires again.
	if err := r.q.PushUsed(0, 0); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := r.q.PushUsed(0, 0); err != nil {
		t.Fatalf("push: %v", err)
	}
	want, err = r.q.ShouldInterrupt()
	if err != nil {
		t.Fatalf("should interrupt: %v", err)
	}
	if !want {
		t.Fatal("expected interrupt after crossing used_event")
	}
}

func TestQueueStateRoundTrip(t *testing.T) {
	r := newRing(t, 8)

	r.writeDesc(0, Descriptor{Addr: 0x5000, Len: 8})
	r.pushAvail(0)
	if _, err := r.q.PopAvail(); err != nil {
		t.Fatalf("pop: %v", err)
	}
	if err := r.q.PushUsed(0, 8); err != nil {
		t.Fatalf("push: %v", err)
	}

	state := r.q.State()
	if state.LastAvailIdx != 1 || state.UsedIdx != 1 {
		t.Fatalf("state %+v", state)
	}

	fresh := NewQueue(r.mem, 8)
	fresh.Restore(state)
	if fresh.State() != state {
		t.Fatalf("restored state %+v, want %+v", fresh.State(), state)
	}

	// The restored queue continues where the original stopped.
	r.pushAvail(0)
	chain, err := fresh.PopAvail()
	if err != nil || chain == nil {
		t.Fatalf("pop after restore: %v, %v", chain, err)
	}
}

func TestQueueReset(t *testing.T) {
	r := newRing(t, 8)

	r.writeDesc(0, Descriptor{Addr: 0x5000, Len: 8})
	r.pushAvail(0)
	if _, err := r.q.PopAvail(); err != nil {
		t.Fatalf("pop: %v", err)
	}

	r.q.Reset()
	if r.q.Ready() || r.q.Size() != 0 {
		t.Fatal("reset left queue configured")
	}
	if _, err := r.q.PopAvail(); !errors.Is(err, ErrQueueNotReady) {
		t.Fatalf("expected ErrQueueNotReady after reset, got %v", err)
	}
}
