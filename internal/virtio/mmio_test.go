package virtio

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/nanovisor/nanovisor/internal/irq"
)

type countSink struct {
	mu    sync.Mutex
	count int
}

func (s *countSink) Signal(line uint32) error {
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	return nil
}

func (s *countSink) deliveries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

type stubBackend struct {
	notifies  []int
	notifyErr error
	resets    int
	config    [8]byte
}

func (b *stubBackend) DeviceID() uint32        { return 42 }
func (b *stubBackend) Features() uint64        { return 0 }
func (b *stubBackend) QueueMaxSizes() []uint16 { return []uint16{8, 16} }

func (b *stubBackend) Notify(d *Device, queue int) error {
	b.notifies = append(b.notifies, queue)
	return b.notifyErr
}

func (b *stubBackend) ReadConfig(offset uint64) uint32 {
	if offset+4 <= uint64(len(b.config)) {
		return binary.LittleEndian.Uint32(b.config[offset:])
	}
	return 0
}

func (b *stubBackend) WriteConfig(offset uint64, value uint32) {
	if offset+4 <= uint64(len(b.config)) {
		binary.LittleEndian.PutUint32(b.config[offset:], value)
	}
}

func (b *stubBackend) Reset() { b.resets++ }

func newTestDevice(t *testing.T, backend Backend) (*Device, *countSink) {
	t.Helper()
	sink := &countSink{}
	route, err := irq.NewRouter(sink).Register(10)
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	return NewDevice(make(guestMem, 0x10000), route, backend), sink
}

func write32(t *testing.T, d *Device, offset uint64, value uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := d.Write(offset, buf[:]); err != nil {
		t.Fatalf("mmio write 0x%x=0x%x: %v", offset, value, err)
	}
}

func read32(t *testing.T, d *Device, offset uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := d.Read(offset, buf[:]); err != nil {
		t.Fatalf("mmio read 0x%x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func TestDeviceIdentity(t *testing.T) {
	d, _ := newTestDevice(t, &stubBackend{})

	if got := read32(t, d, regMagicValue); got != mmioMagic {
		t.Fatalf("magic 0x%x", got)
	}
	if got := read32(t, d, regVersion); got != 2 {
		t.Fatalf("version %d", got)
	}
	if got := read32(t, d, regDeviceID); got != 42 {
		t.Fatalf("device id %d", got)
	}
}

func TestFeatureWords(t *testing.T) {
	d, _ := newTestDevice(t, &stubBackend{})

	write32(t, d, regDeviceFeatureSel, 0)
	if got := read32(t, d, regDeviceFeatures); got&(1<<29) == 0 {
		t.Fatalf("word 0 missing event-idx: 0x%x", got)
	}
	write32(t, d, regDeviceFeatureSel, 1)
	if got := read32(t, d, regDeviceFeatures); got&1 == 0 {
		t.Fatalf("word 1 missing VERSION_1: 0x%x", got)
	}
	write32(t, d, regDeviceFeatureSel, 7)
	if got := read32(t, d, regDeviceFeatures); got != 0 {
		t.Fatalf("out-of-range feature word 0x%x", got)
	}
}

func TestQueueConfiguration(t *testing.T) {
	d, _ := newTestDevice(t, &stubBackend{})

	write32(t, d, regQueueSel, 1)
	if got := read32(t, d, regQueueNumMax); got != 16 {
		t.Fatalf("queue 1 max %d", got)
	}

	// A bad size is dropped, not surfaced to the bus.
	write32(t, d, regQueueNum, 6)
	if got := read32(t, d, regQueueNum); got != 0 {
		t.Fatalf("rejected size took effect: %d", got)
	}
	if d.Failed() {
		t.Fatal("rejected queue size failed the device")
	}

	write32(t, d, regQueueNum, 16)
	write32(t, d, regQueueDescLow, 0x1000)
	write32(t, d, regQueueDescHigh, 0x1)
	write32(t, d, regQueueAvailLow, 0x2000)
	write32(t, d, regQueueUsedLow, 0x3000)
	write32(t, d, regQueueReady, 1)

	if got := read32(t, d, regQueueReady); got != 1 {
		t.Fatal("queue not ready")
	}
	q := d.Queue(1)
	if q.descAddr != 0x1_0000_1000 {
		t.Fatalf("desc addr 0x%x", q.descAddr)
	}

	// Readying an unsized queue fails the device, not the vCPU.
	write32(t, d, regQueueSel, 0)
	write32(t, d, regQueueReady, 1)
	if !d.Failed() {
		t.Fatal("readying an unsized queue did not fail the device")
	}
	if got := read32(t, d, regStatus); got&statusNeedsReset == 0 {
		t.Fatalf("status 0x%x missing needs-reset", got)
	}
}

func TestNotifyDispatch(t *testing.T) {
	backend := &stubBackend{}
	d, _ := newTestDevice(t, backend)

	// Notifications before DRIVER_OK are dropped.
	write32(t, d, regQueueNotify, 0)
	if len(backend.notifies) != 0 {
		t.Fatal("notify dispatched before DRIVER_OK")
	}

	write32(t, d, regStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)
	write32(t, d, regQueueNotify, 1)
	if len(backend.notifies) != 1 || backend.notifies[0] != 1 {
		t.Fatalf("notifies %v", backend.notifies)
	}
}

func TestInterruptAck(t *testing.T) {
	d, sink := newTestDevice(t, &stubBackend{})

	d.raiseInterrupt(intVRing)
	if got := read32(t, d, regInterruptStatus); got != intVRing {
		t.Fatalf("interrupt status 0x%x", got)
	}
	if sink.deliveries() != 1 {
		t.Fatalf("%d deliveries", sink.deliveries())
	}

	// A second raise before the ack coalesces.
	d.raiseInterrupt(intVRing)
	if sink.deliveries() != 1 {
		t.Fatalf("%d deliveries before ack", sink.deliveries())
	}

	write32(t, d, regInterruptAck, intVRing)
	if got := read32(t, d, regInterruptStatus); got != 0 {
		t.Fatalf("interrupt status 0x%x after ack", got)
	}

	d.raiseInterrupt(intVRing)
	if sink.deliveries() != 2 {
		t.Fatalf("%d deliveries after ack", sink.deliveries())
	}
}

func TestDeviceFailsOnMalformedChain(t *testing.T) {
	backend := &stubBackend{notifyErr: ErrMalformedChain}
	d, _ := newTestDevice(t, backend)

	write32(t, d, regStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)
	write32(t, d, regQueueNotify, 0)

	if !d.Failed() {
		t.Fatal("device not failed")
	}
	if got := read32(t, d, regStatus); got&statusNeedsReset == 0 {
		t.Fatalf("status 0x%x missing needs-reset", got)
	}

	// A failed device ignores further notifications.
	write32(t, d, regQueueNotify, 0)
	if len(backend.notifies) != 1 {
		t.Fatalf("failed device processed notify: %v", backend.notifies)
	}
}

func TestDeviceReset(t *testing.T) {
	backend := &stubBackend{notifyErr: ErrMalformedChain}
	d, _ := newTestDevice(t, backend)

	write32(t, d, regQueueSel, 0)
	write32(t, d, regQueueNum, 8)
	write32(t, d, regStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)
	write32(t, d, regQueueNotify, 0)
	if !d.Failed() {
		t.Fatal("device not failed")
	}

	write32(t, d, regStatus, 0)
	if backend.resets != 1 {
		t.Fatalf("%d backend resets", backend.resets)
	}
	if d.Failed() {
		t.Fatal("reset did not clear failure")
	}
	if got := read32(t, d, regStatus); got != 0 {
		t.Fatalf("status 0x%x after reset", got)
	}
	if got := read32(t, d, regQueueNum); got != 0 {
		t.Fatalf("queue size %d after reset", got)
	}
}

// processingBackend drains the notified queue like a real device
// model, so queue-memory faults surface through the notify path.
type processingBackend struct {
	stubBackend
}

func (b *processingBackend) Notify(d *Device, queue int) error {
	return d.ProcessQueue(queue, func(*Chain) (uint32, error) { return 0, nil })
}

func TestRingOutsideMemoryFailsDevice(t *testing.T) {
	d, _ := newTestDevice(t, &processingBackend{})

	write32(t, d, regQueueSel, 0)
	write32(t, d, regQueueNum, 8)
	write32(t, d, regQueueDescLow, 0x1000)
	write32(t, d, regQueueAvailLow, 0xdead0000)
	write32(t, d, regQueueUsedLow, 0x3000)
	write32(t, d, regQueueReady, 1)
	write32(t, d, regStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)

	// The avail ring is outside guest memory; the notify must fail
	// only the device. write32 fails the test if the error escapes
	// to the bus.
	write32(t, d, regQueueNotify, 0)

	if !d.Failed() {
		t.Fatal("device survived a ring outside guest memory")
	}
	if got := read32(t, d, regStatus); got&statusNeedsReset == 0 {
		t.Fatalf("status 0x%x missing needs-reset", got)
	}
}

func TestConcurrentResetAndProcess(t *testing.T) {
	d, _ := newTestDevice(t, &processingBackend{})

	configure := func() {
		write32(t, d, regQueueSel, 0)
		write32(t, d, regQueueNum, 8)
		write32(t, d, regQueueDescLow, 0x1000)
		write32(t, d, regQueueAvailLow, 0x2000)
		write32(t, d, regQueueUsedLow, 0x3000)
		write32(t, d, regQueueReady, 1)
		write32(t, d, regStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)
	}
	configure()

	done := make(chan struct{})
	go func() {
		defer close(done)
		var zero, ready [4]byte
		binary.LittleEndian.PutUint32(ready[:], 1)
		for i := 0; i < 200; i++ {
			_ = d.Write(regStatus, zero[:])
			_ = d.Write(regQueueNum, ready[:])
			_ = d.Write(regQueueReady, ready[:])
		}
	}()

	// Queue processing races against resets and reconfiguration; the
	// device lock must keep both sides consistent. Errors here are
	// expected (the queue comes and goes), crashes and torn state are
	// not.
	for i := 0; i < 200; i++ {
		_ = d.ProcessQueue(0, func(*Chain) (uint32, error) { return 0, nil })
	}
	<-done
}

func TestConfigSpace(t *testing.T) {
	backend := &stubBackend{}
	d, _ := newTestDevice(t, backend)

	gen := read32(t, d, regConfigGeneration)
	write32(t, d, regConfig+4, 0xdeadbeef)
	if got := read32(t, d, regConfig+4); got != 0xdeadbeef {
		t.Fatalf("config readback 0x%x", got)
	}
	if read32(t, d, regConfigGeneration) == gen {
		t.Fatal("config generation unchanged after write")
	}
}
