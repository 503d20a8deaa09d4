//go:build linux

package vmm

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/nanovisor/nanovisor/internal/alloc"
	"github.com/nanovisor/nanovisor/internal/bus"
	"github.com/nanovisor/nanovisor/internal/devices/serial"
	"github.com/nanovisor/nanovisor/internal/eventloop"
	"github.com/nanovisor/nanovisor/internal/irq"
	"github.com/nanovisor/nanovisor/internal/virtio"
	"golang.org/x/sys/unix"
)

func (m *Machine) addSerial(out io.Writer) error {
	if out == nil {
		out = io.Discard
	}

	if err := m.allocator.ReserveIRQ(serialIRQ); err != nil {
		return err
	}
	if err := m.allocator.PortIO.AllocateAt(alloc.Interval{
		Start: serialPortBase,
		End:   serialPortBase + serial.RegisterCount,
	}); err != nil {
		return err
	}

	route, err := m.router.Register(serialIRQ)
	if err != nil {
		return err
	}

	m.serial = serial.New(route, out)
	return m.pio.Register("serial", bus.Range{Base: serialPortBase, Size: serial.RegisterCount}, m.serial)
}

// WatchConsoleInput feeds bytes readable on fd into the serial
// receiver via the I/O loop. fd must be non-blocking.
func (m *Machine) WatchConsoleInput(fd int) error {
	if m.serial == nil {
		return fmt.Errorf("machine %q: no serial device", m.name)
	}
	return m.ioLoop.AddFD(fd, func() error {
		var buf [256]byte
		n, err := unix.Read(fd, buf[:])
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil
		}
		if err != nil {
			return fmt.Errorf("console input: %w", err)
		}
		if n == 0 {
			// EOF; stop watching so the loop does not spin.
			return m.ioLoop.RemoveFD(fd)
		}
		m.serial.PushInput(buf[:n])
		return nil
	})
}

func (m *Machine) addDisk(index int, cfg DiskConfig) error {
	flag := os.O_RDWR
	if cfg.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(cfg.Path, flag, 0)
	if err != nil {
		return err
	}
	m.closers = append(m.closers, f.Close)

	st, err := f.Stat()
	if err != nil {
		return err
	}

	serialID := cfg.Serial
	if serialID == "" {
		serialID = fmt.Sprintf("disk%d", index)
	}
	name := fmt.Sprintf("virtio-blk%d", index)

	line, err := m.allocator.AllocateIRQ()
	if err != nil {
		return err
	}
	route, err := m.router.Register(line)
	if err != nil {
		return err
	}
	win, err := m.allocator.LowMMIO.Allocate(virtio.MMIORegionSize, 0x1000)
	if err != nil {
		return err
	}

	// The block backend does file I/O, so it gets a loop of its own
	// instead of sharing the latency-sensitive io loop.
	loop, err := eventloop.New(name)
	if err != nil {
		return err
	}
	m.loops = append(m.loops, loop)

	kick, err := eventloop.NewEvent()
	if err != nil {
		return err
	}
	m.closers = append(m.closers, kick.Close)

	backend := &deferredBackend{
		Backend: virtio.NewBlock(f, uint64(st.Size()), serialID),
		kick:    kick,
	}
	dev := virtio.NewDevice(m.memory, route, backend)
	backend.dev = dev

	if err := loop.AddFD(kick.FD(), backend.process); err != nil {
		return err
	}

	m.bindIRQFD(route, line)

	return m.mmio.Register(name, bus.Range{Base: win.Start, Size: virtio.MMIORegionSize}, dev)
}

// bindIRQFD rewrites the route to an eventfd bound into the
// hypervisor, so steady-state interrupt delivery is one eventfd write
// instead of an ioctl. Facilities without irqfd keep the line sink.
func (m *Machine) bindIRQFD(route *irq.Route, line uint32) {
	ev, err := eventloop.NewEvent()
	if err != nil {
		return
	}
	if err := m.vm.RegisterIRQFD(ev.FD(), line); err != nil {
		ev.Close()
		return
	}

	route.Rewrite(irq.SinkFunc(func(uint32) error {
		if err := ev.Signal(); err != nil {
			return err
		}
		m.wakeHalted()
		return nil
	}))
	m.closers = append(m.closers, func() error {
		err := m.vm.UnregisterIRQFD(ev.FD(), line)
		if cerr := ev.Close(); err == nil {
			err = cerr
		}
		return err
	})
}

// deferredBackend forwards queue notifications to the device's event
// loop through an eventfd, keeping backing I/O off vCPU threads.
type deferredBackend struct {
	virtio.Backend

	dev     *virtio.Device
	kick    *eventloop.Event
	pending atomic.Uint32
}

func (b *deferredBackend) Notify(d *virtio.Device, queue int) error {
	if queue < 0 || queue > 31 {
		return virtio.ErrMalformedChain
	}
	b.pending.Or(1 << uint(queue))
	return b.kick.Signal()
}

// process runs on the device's loop goroutine.
func (b *deferredBackend) process() error {
	if _, err := b.kick.Clear(); err != nil {
		return err
	}

	mask := b.pending.Swap(0)
	for queue := 0; mask != 0; queue++ {
		hit := mask&1 != 0
		mask >>= 1
		if !hit || b.dev.Failed() {
			continue
		}
		if err := b.Backend.Notify(b.dev, queue); err != nil {
			// Guest-caused failures stay inside the device; only a
			// host failure may stop the loop.
			if virtio.IsGuestFault(err) {
				b.dev.Fail(err)
				continue
			}
			return err
		}
	}
	return nil
}
