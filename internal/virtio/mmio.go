package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nanovisor/nanovisor/internal/irq"
)

// virtio-mmio v2 register layout.
const (
	regMagicValue       = 0x000
	regVersion          = 0x004
	regDeviceID         = 0x008
	regVendorID         = 0x00c
	regDeviceFeatures   = 0x010
	regDeviceFeatureSel = 0x014
	regDriverFeatures   = 0x020
	regDriverFeatureSel = 0x024
	regQueueSel         = 0x030
	regQueueNumMax      = 0x034
	regQueueNum         = 0x038
	regQueueReady       = 0x044
	regQueueNotify      = 0x050
	regInterruptStatus  = 0x060
	regInterruptAck     = 0x064
	regStatus           = 0x070
	regQueueDescLow     = 0x080
	regQueueDescHigh    = 0x084
	regQueueAvailLow    = 0x090
	regQueueAvailHigh   = 0x094
	regQueueUsedLow     = 0x0a0
	regQueueUsedHigh    = 0x0a4
	regConfigGeneration = 0x0fc
	regConfig           = 0x100

	mmioMagic   = 0x74726976
	mmioVersion = 2
	vendorID    = 0x76697274

	intVRing  = 0x1
	intConfig = 0x2

	statusAcknowledge = 0x01
	statusDriver      = 0x02
	statusDriverOK    = 0x04
	statusFeaturesOK  = 0x08
	statusNeedsReset  = 0x40
	statusFailed      = 0x80
)

// MMIORegionSize is the size of one virtio-mmio register window.
const MMIORegionSize = 0x200

// Backend is a virtio device model behind the transport.
type Backend interface {
	DeviceID() uint32
	// Features are the device-specific feature bits; the transport
	// adds VERSION_1 and EVENT_IDX itself.
	Features() uint64
	QueueMaxSizes() []uint16

	// Notify processes available buffers on the given queue. A
	// returned guest fault (see IsGuestFault) marks the whole device
	// failed; any other error is treated as a host failure.
	Notify(d *Device, queue int) error

	ReadConfig(offset uint64) uint32
	WriteConfig(offset uint64, value uint32)
	Reset()
}

// Device is one virtio-mmio transport instance. Register access
// comes from vCPU threads through the MMIO bus; interrupt state is
// also touched by the device's processing goroutine, so it is kept
// in atomics. mu guards the rest of the register file and the
// queues, serializing configuration and reset against queue
// processing.
type Device struct {
	mem     GuestMemory
	route   *irq.Route
	backend Backend

	mu sync.Mutex

	queues   []*Queue
	queueSel uint32

	deviceFeatureSel uint32
	driverFeatureSel uint32
	deviceFeatures   uint64
	driverFeatures   uint64

	deviceStatus     uint32
	configGeneration uint32

	interruptStatus atomic.Uint32
	failed          atomic.Bool
}

func NewDevice(mem GuestMemory, route *irq.Route, backend Backend) *Device {
	maxSizes := backend.QueueMaxSizes()
	if len(maxSizes) == 0 {
		panic("virtio: backend exposes no queues")
	}

	d := &Device{
		mem:            mem,
		route:          route,
		backend:        backend,
		deviceFeatures: backend.Features() | FeatureVersion1 | FeatureEventIdx,
	}
	d.queues = make([]*Queue, len(maxSizes))
	for i, max := range maxSizes {
		if max == 0 {
			panic(fmt.Sprintf("virtio: queue %d has zero max size", i))
		}
		d.queues[i] = NewQueue(mem, max)
	}
	return d
}

// Queue exposes a queue to the backend's processing path.
func (d *Device) Queue(index int) *Queue {
	if index < 0 || index >= len(d.queues) {
		return nil
	}
	return d.queues[index]
}

// Failed reports whether the device hit a guest protocol violation
// and withdrew from service.
func (d *Device) Failed() bool { return d.failed.Load() }

// Fail marks the device broken. It stops processing notifications
// and asks the driver for a reset; the rest of the machine is
// unaffected.
func (d *Device) Fail(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failLocked(cause)
}

func (d *Device) failLocked(cause error) {
	if d.failed.Swap(true) {
		return
	}
	slog.Warn("virtio device failed", "device", d.backend.DeviceID(), "err", cause)
	d.deviceStatus |= statusNeedsReset
	d.raiseInterrupt(intConfig)
}

// Read implements the MMIO bus handler. offset is relative to the
// device's register window.
func (d *Device) Read(offset uint64, data []byte) error {
	if len(data) == 0 || len(data) > 8 {
		return fmt.Errorf("virtio: unsupported mmio read length %d", len(data))
	}
	value, err := d.readRegister(offset)
	if err != nil {
		return err
	}
	storeLittleEndian(data, value)
	return nil
}

// Write implements the MMIO bus handler.
func (d *Device) Write(offset uint64, data []byte) error {
	if len(data) == 0 || len(data) > 8 {
		return fmt.Errorf("virtio: unsupported mmio write length %d", len(data))
	}
	return d.writeRegister(offset, littleEndianValue(data))
}

func (d *Device) readRegister(offset uint64) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case regMagicValue:
		return mmioMagic, nil
	case regVersion:
		return mmioVersion, nil
	case regDeviceID:
		return d.backend.DeviceID(), nil
	case regVendorID:
		return vendorID, nil
	case regDeviceFeatures:
		switch d.deviceFeatureSel {
		case 0:
			return uint32(d.deviceFeatures), nil
		case 1:
			return uint32(d.deviceFeatures >> 32), nil
		}
		return 0, nil
	case regDeviceFeatureSel:
		return d.deviceFeatureSel, nil
	case regDriverFeatureSel:
		return d.driverFeatureSel, nil
	case regQueueSel:
		return d.queueSel, nil
	case regQueueNumMax:
		if q := d.selectedQueue(); q != nil {
			return uint32(q.MaxSize()), nil
		}
		return 0, nil
	case regQueueNum:
		if q := d.selectedQueue(); q != nil {
			return uint32(q.Size()), nil
		}
		return 0, nil
	case regQueueReady:
		if q := d.selectedQueue(); q != nil && q.Ready() {
			return 1, nil
		}
		return 0, nil
	case regQueueDescLow, regQueueDescHigh, regQueueAvailLow, regQueueAvailHigh,
		regQueueUsedLow, regQueueUsedHigh:
		if q := d.selectedQueue(); q != nil {
			return queueAddrRegister(q, offset), nil
		}
		return 0, nil
	case regInterruptStatus:
		return d.interruptStatus.Load(), nil
	case regStatus:
		return d.deviceStatus, nil
	case regConfigGeneration:
		return d.configGeneration, nil
	default:
		if offset >= regConfig {
			return d.backend.ReadConfig(offset - regConfig), nil
		}
		return 0, nil
	}
}

func queueAddrRegister(q *Queue, offset uint64) uint32 {
	switch offset {
	case regQueueDescLow:
		return uint32(q.descAddr)
	case regQueueDescHigh:
		return uint32(q.descAddr >> 32)
	case regQueueAvailLow:
		return uint32(q.availAddr)
	case regQueueAvailHigh:
		return uint32(q.availAddr >> 32)
	case regQueueUsedLow:
		return uint32(q.usedAddr)
	default:
		return uint32(q.usedAddr >> 32)
	}
}

func (d *Device) writeRegister(offset uint64, value uint32) error {
	// The interrupt ack and queue notify paths avoid mu: ack races
	// with the processing goroutine by design, and notify runs the
	// backend, which takes its own time.
	switch offset {
	case regInterruptAck:
		for {
			prev := d.interruptStatus.Load()
			next := prev &^ value
			if d.interruptStatus.CompareAndSwap(prev, next) {
				if prev != 0 && next == 0 {
					d.route.Complete()
				}
				return nil
			}
		}
	case regQueueNotify:
		return d.notify(int(value))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case regDeviceFeatureSel:
		d.deviceFeatureSel = value
	case regDriverFeatureSel:
		d.driverFeatureSel = value
	case regDriverFeatures:
		if d.driverFeatureSel <= 1 {
			shift := 32 * d.driverFeatureSel
			d.driverFeatures = d.driverFeatures&^(uint64(0xffffffff)<<shift) | uint64(value)<<shift
		}
	case regQueueSel:
		d.queueSel = value
	case regQueueNum:
		// A bad size is the driver's problem, not the bus's: drop it
		// and leave the queue unsized.
		if q := d.selectedQueue(); q != nil {
			if err := q.Negotiate(uint16(value)); err != nil {
				slog.Warn("virtio: rejected queue size", "queue", d.queueSel, "size", value, "err", err)
			}
		}
	case regQueueReady:
		if q := d.selectedQueue(); q != nil {
			if value&1 != 0 && q.Size() == 0 {
				d.failLocked(fmt.Errorf("virtio: queue %d readied before sizing: %w",
					d.queueSel, ErrInvalidQueueConfig))
				return nil
			}
			q.SetReady(value&1 != 0)
			q.SetEventIdx(d.driverFeatures&FeatureEventIdx != 0)
		}
	case regQueueDescLow:
		d.setQueueAddr(offset, value)
	case regQueueDescHigh:
		d.setQueueAddr(offset, value)
	case regQueueAvailLow:
		d.setQueueAddr(offset, value)
	case regQueueAvailHigh:
		d.setQueueAddr(offset, value)
	case regQueueUsedLow:
		d.setQueueAddr(offset, value)
	case regQueueUsedHigh:
		d.setQueueAddr(offset, value)
	case regStatus:
		if value == 0 {
			d.resetLocked()
			return nil
		}
		d.deviceStatus = value
	default:
		if offset >= regConfig {
			d.backend.WriteConfig(offset-regConfig, value)
			d.configGeneration++
		}
	}
	return nil
}

func (d *Device) setQueueAddr(offset uint64, value uint32) {
	q := d.selectedQueue()
	if q == nil {
		return
	}
	set := func(field *uint64, high bool) {
		if high {
			*field = *field&0xffffffff | uint64(value)<<32
		} else {
			*field = *field&^0xffffffff | uint64(value)
		}
	}
	switch offset {
	case regQueueDescLow:
		set(&q.descAddr, false)
	case regQueueDescHigh:
		set(&q.descAddr, true)
	case regQueueAvailLow:
		set(&q.availAddr, false)
	case regQueueAvailHigh:
		set(&q.availAddr, true)
	case regQueueUsedLow:
		set(&q.usedAddr, false)
	case regQueueUsedHigh:
		set(&q.usedAddr, true)
	}
}

func (d *Device) notify(queue int) error {
	if d.failed.Load() {
		return nil
	}
	d.mu.Lock()
	running := d.deviceStatus&statusDriverOK != 0
	d.mu.Unlock()
	if !running {
		return nil
	}

	if err := d.backend.Notify(d, queue); err != nil {
		if IsGuestFault(err) {
			d.Fail(err)
			return nil
		}
		return err
	}
	return nil
}

func (d *Device) selectedQueue() *Queue {
	return d.Queue(int(d.queueSel))
}

func (d *Device) resetLocked() {
	d.deviceFeatureSel = 0
	d.driverFeatureSel = 0
	d.driverFeatures = 0
	d.queueSel = 0
	d.deviceStatus = 0
	d.configGeneration = 0
	d.interruptStatus.Store(0)
	d.failed.Store(false)
	d.route.Complete()
	for _, q := range d.queues {
		q.Reset()
	}
	d.backend.Reset()
}

func (d *Device) raiseInterrupt(bit uint32) {
	d.interruptStatus.Or(bit)
	if err := d.route.Trigger(); err != nil {
		slog.Error("virtio: interrupt delivery failed", "line", d.route.Line(), "err", err)
	}
}

// ProcessQueue drains every available chain on queue, passing each to
// handle and publishing the returned written byte count. It raises
// the used-buffer interrupt when the driver wants one. The device
// lock is held throughout, so a concurrent reset or queue
// reconfiguration waits for the drain to finish.
func (d *Device) ProcessQueue(queue int, handle func(*Chain) (uint32, error)) error {
	q := d.Queue(queue)
	if q == nil {
		return fmt.Errorf("virtio: no queue %d: %w", queue, ErrMalformedChain)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	pushed := false
	for {
		chain, err := q.PopAvail()
		if err != nil {
			return err
		}
		if chain == nil {
			break
		}
		written, err := handle(chain)
		if err != nil {
			return err
		}
		if err := q.PushUsed(chain.Head, written); err != nil {
			return err
		}
		pushed = true
	}

	if !pushed {
		return nil
	}
	want, err := q.ShouldInterrupt()
	if err != nil {
		return err
	}
	if want {
		d.raiseInterrupt(intVRing)
	}
	return nil
}

func littleEndianValue(buf []byte) uint32 {
	switch len(buf) {
	case 1:
		return uint32(buf[0])
	case 2:
		return uint32(binary.LittleEndian.Uint16(buf))
	case 8:
		return uint32(binary.LittleEndian.Uint64(buf))
	default:
		return binary.LittleEndian.Uint32(buf)
	}
}

func storeLittleEndian(buf []byte, value uint32) {
	switch len(buf) {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 8:
		binary.LittleEndian.PutUint64(buf, uint64(value))
	default:
		binary.LittleEndian.PutUint32(buf, value)
	}
}
