// Package virtio implements the split virtqueue, the virtio-mmio
// transport and a block device over them. Ring layouts follow the
// virtio 1.x specification; all ring fields are little-endian in
// guest memory.
package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidQueueConfig = errors.New("invalid virtqueue configuration")
	ErrMalformedChain     = errors.New("malformed descriptor chain")
	ErrQueueNotReady      = errors.New("virtqueue not ready")

	// ErrGuestFault wraps queue accesses that land outside guest
	// memory, such as a ring placed at an unmapped address.
	ErrGuestFault = errors.New("queue access outside guest memory")
)

// IsGuestFault reports whether err was caused by the guest driver: a
// protocol violation or a queue access outside guest memory. Guest
// faults fail the device and leave the rest of the machine alone;
// anything else is a host failure.
func IsGuestFault(err error) bool {
	return errors.Is(err, ErrMalformedChain) ||
		errors.Is(err, ErrInvalidQueueConfig) ||
		errors.Is(err, ErrQueueNotReady) ||
		errors.Is(err, ErrGuestFault)
}

// GuestMemory is the slice of guest physical memory the queue works
// against.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

const (
	descFNext  = 1
	descFWrite = 2

	availFNoInterrupt = 1

	// FeatureVersion1 and FeatureEventIdx are the transport feature
	// bits this implementation offers.
	FeatureVersion1 = uint64(1) << 32
	FeatureEventIdx = uint64(1) << 29
)

// Descriptor is one entry of the descriptor table (16 bytes in guest
// memory).
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Buffer is one element of a resolved descriptor chain.
type Buffer struct {
	Addr     uint64
	Len      uint32
	Writable bool
}

// Chain is a resolved descriptor chain, device-readable buffers
// first per the driver's layout.
type Chain struct {
	Head    uint16
	Buffers []Buffer
}

// QueueState is the driver-visible progress of a queue, captured for
// pause and restored on resume.
type QueueState struct {
	Size         uint16
	Ready        bool
	DescAddr     uint64
	AvailAddr    uint64
	UsedAddr     uint64
	LastAvailIdx uint16
	UsedIdx      uint16
}

// Queue is one split virtqueue. The transport's device lock
// serializes configuration against processing; Queue itself does no
// locking.
type Queue struct {
	mem     GuestMemory
	maxSize uint16

	size  uint16
	ready bool

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvailIdx uint16
	usedIdx      uint16

	// signalledUsed is the used index the driver last saw an
	// interrupt for, the event-idx suppression reference point.
	signalledUsed uint16

	eventIdx bool
}

func NewQueue(mem GuestMemory, maxSize uint16) *Queue {
	return &Queue{mem: mem, maxSize: maxSize}
}

func (q *Queue) MaxSize() uint16 { return q.maxSize }
func (q *Queue) Size() uint16    { return q.size }
func (q *Queue) Ready() bool     { return q.ready }

// Negotiate accepts the driver's requested ring size: a power of two
// no larger than the advertised maximum.
func (q *Queue) Negotiate(size uint16) error {
	if size == 0 || size > q.maxSize || size&(size-1) != 0 {
		return fmt.Errorf("size %d (max %d): %w", size, q.maxSize, ErrInvalidQueueConfig)
	}
	q.size = size
	return nil
}

func (q *Queue) SetAddresses(desc, avail, used uint64) {
	q.descAddr = desc
	q.availAddr = avail
	q.usedAddr = used
}

// SetEventIdx switches interrupt suppression to the event-idx scheme;
// called by the transport after feature negotiation.
func (q *Queue) SetEventIdx(enabled bool) { q.eventIdx = enabled }

func (q *Queue) SetReady(ready bool) {
	if !ready {
		q.Reset()
		return
	}
	q.ready = true
}

// Reset returns the queue to its post-creation state. The driver
// recreates rings from scratch after a device reset.
func (q *Queue) Reset() {
	q.size = 0
	q.ready = false
	q.descAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.signalledUsed = 0
}

// State captures the driver-visible queue progress.
func (q *Queue) State() QueueState {
	return QueueState{
		Size:         q.size,
		Ready:        q.ready,
		DescAddr:     q.descAddr,
		AvailAddr:    q.availAddr,
		UsedAddr:     q.usedAddr,
		LastAvailIdx: q.lastAvailIdx,
		UsedIdx:      q.usedIdx,
	}
}

// Restore reinstates captured queue progress.
func (q *Queue) Restore(s QueueState) {
	q.size = s.Size
	q.ready = s.Ready
	q.descAddr = s.DescAddr
	q.availAddr = s.AvailAddr
	q.usedAddr = s.UsedAddr
	q.lastAvailIdx = s.LastAvailIdx
	q.usedIdx = s.UsedIdx
	q.signalledUsed = s.UsedIdx
}

func (q *Queue) ensureReady() error {
	if !q.ready || q.size == 0 {
		return ErrQueueNotReady
	}
	return nil
}

func (q *Queue) readDescriptor(index uint16) (Descriptor, error) {
	if index >= q.size {
		return Descriptor{}, fmt.Errorf("descriptor index %d out of bounds (size %d): %w",
			index, q.size, ErrMalformedChain)
	}
	var buf [16]byte
	if err := q.readGuest(q.descAddr+uint64(index)*16, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// PopAvail consumes the next available descriptor chain. It returns
// nil with no error when the ring is empty. A head or link index
// outside the ring, or a chain longer than the ring, fails with
// ErrMalformedChain and consumes nothing further from the ring.
func (q *Queue) PopAvail() (*Chain, error) {
	if err := q.ensureReady(); err != nil {
		return nil, err
	}

	availIdx, err := q.readGuestUint16(q.availAddr + 2)
	if err != nil {
		return nil, err
	}
	if q.lastAvailIdx == availIdx {
		if q.eventIdx {
			// Tell the driver to notify for the next buffer.
			if err := q.writeGuestUint16(q.availEventAddr(), q.lastAvailIdx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	var head [2]byte
	entry := q.availAddr + 4 + uint64(q.lastAvailIdx%q.size)*2
	if err := q.readGuest(entry, head[:]); err != nil {
		return nil, err
	}

	chain, err := q.readChain(binary.LittleEndian.Uint16(head[:]))
	if err != nil {
		return nil, err
	}
	q.lastAvailIdx++
	return chain, nil
}

func (q *Queue) readChain(head uint16) (*Chain, error) {
	chain := &Chain{Head: head}
	index := head
	for {
		if len(chain.Buffers) == int(q.size) {
			return nil, fmt.Errorf("chain from head %d exceeds ring size %d: %w",
				head, q.size, ErrMalformedChain)
		}
		desc, err := q.readDescriptor(index)
		if err != nil {
			return nil, err
		}
		chain.Buffers = append(chain.Buffers, Buffer{
			Addr:     desc.Addr,
			Len:      desc.Len,
			Writable: desc.Flags&descFWrite != 0,
		})
		if desc.Flags&descFNext == 0 {
			return chain, nil
		}
		index = desc.Next
	}
}

// PushUsed publishes a completed chain: the used element first, then
// the used index, incremented by exactly one. written is the total
// number of bytes the device wrote into the chain.
func (q *Queue) PushUsed(head uint16, written uint32) error {
	if err := q.ensureReady(); err != nil {
		return err
	}
	if head >= q.size {
		return fmt.Errorf("used head %d out of bounds (size %d): %w", head, q.size, ErrMalformedChain)
	}

	elem := q.usedAddr + 4 + uint64(q.usedIdx%q.size)*8
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(head))
	binary.LittleEndian.PutUint32(buf[4:8], written)
	if err := q.writeGuest(elem, buf[:]); err != nil {
		return err
	}

	q.usedIdx++
	return q.writeGuestUint16(q.usedAddr+2, q.usedIdx)
}

// ShouldInterrupt reports whether the driver wants an interrupt for
// the used elements pushed since the last call. Without event-idx the
// avail ring's NO_INTERRUPT flag decides; with event-idx the driver's
// used_event index does.
func (q *Queue) ShouldInterrupt() (bool, error) {
	if err := q.ensureReady(); err != nil {
		return false, err
	}

	if !q.eventIdx {
		flags, err := q.readGuestUint16(q.availAddr)
		if err != nil {
			return false, err
		}
		return flags&availFNoInterrupt == 0, nil
	}

	usedEvent, err := q.readGuestUint16(q.usedEventAddr())
	if err != nil {
		return false, err
	}
	old := q.signalledUsed
	q.signalledUsed = q.usedIdx
	return q.usedIdx-usedEvent-1 < q.usedIdx-old, nil
}

// availEventAddr is the trailing uint16 of the used ring, where the
// device publishes the avail index it wants to be notified at.
func (q *Queue) availEventAddr() uint64 {
	return q.usedAddr + 4 + uint64(q.size)*8
}

// usedEventAddr is the trailing uint16 of the avail ring, where the
// driver publishes the used index it wants an interrupt at.
func (q *Queue) usedEventAddr() uint64 {
	return q.availAddr + 4 + uint64(q.size)*2
}

// ReadBuffer copies a chain buffer out of guest memory.
func (q *Queue) ReadBuffer(b Buffer) ([]byte, error) {
	if b.Len == 0 {
		return nil, nil
	}
	buf := make([]byte, b.Len)
	if err := q.readGuest(b.Addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBuffer copies data into a device-writable chain buffer.
func (q *Queue) WriteBuffer(b Buffer, data []byte) error {
	if !b.Writable {
		return fmt.Errorf("write to device-readable buffer at 0x%x: %w", b.Addr, ErrMalformedChain)
	}
	if uint32(len(data)) > b.Len {
		return fmt.Errorf("%d bytes into %d-byte buffer at 0x%x: %w",
			len(data), b.Len, b.Addr, ErrMalformedChain)
	}
	return q.writeGuest(b.Addr, data)
}

func (q *Queue) readGuest(addr uint64, buf []byte) error {
	off, err := guestOffset(addr, len(buf))
	if err != nil {
		return err
	}
	n, err := q.mem.ReadAt(buf, off)
	if err != nil {
		return fmt.Errorf("virtio: guest read at 0x%x: %w: %w", addr, ErrGuestFault, err)
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest read at 0x%x (want %d, got %d): %w", addr, len(buf), n, ErrGuestFault)
	}
	return nil
}

func (q *Queue) writeGuest(addr uint64, data []byte) error {
	off, err := guestOffset(addr, len(data))
	if err != nil {
		return err
	}
	n, err := q.mem.WriteAt(data, off)
	if err != nil {
		return fmt.Errorf("virtio: guest write at 0x%x: %w: %w", addr, ErrGuestFault, err)
	}
	if n != len(data) {
		return fmt.Errorf("virtio: short guest write at 0x%x (want %d, got %d): %w", addr, len(data), n, ErrGuestFault)
	}
	return nil
}

func (q *Queue) readGuestUint16(addr uint64) (uint16, error) {
	var buf [2]byte
	if err := q.readGuest(addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) writeGuestUint16(addr uint64, value uint16) error {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], value)
	return q.writeGuest(addr, buf[:])
}

func guestOffset(addr uint64, length int) (int64, error) {
	if addr > uint64(1)<<62 {
		return 0, fmt.Errorf("virtio: guest address 0x%x out of range: %w", addr, ErrGuestFault)
	}
	if uint64(length) > (uint64(1)<<62)-addr {
		return 0, fmt.Errorf("virtio: guest access overflow addr=0x%x length=%d: %w", addr, length, ErrGuestFault)
	}
	return int64(addr), nil
}
