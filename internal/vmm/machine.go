//go:build linux

// Package vmm is the machine controller: it owns guest memory, the
// dispatch buses, the interrupt router and the allocator, realizes
// devices against them, and drives the lifecycle state machine.
package vmm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/nanovisor/nanovisor/internal/alloc"
	"github.com/nanovisor/nanovisor/internal/bus"
	"github.com/nanovisor/nanovisor/internal/devices/serial"
	"github.com/nanovisor/nanovisor/internal/eventloop"
	"github.com/nanovisor/nanovisor/internal/hv"
	"github.com/nanovisor/nanovisor/internal/irq"
	"github.com/nanovisor/nanovisor/internal/mem"
	"golang.org/x/sync/errgroup"
)

// DefaultLayout is the fixed address map every machine is built from,
// so identical configurations produce identical placements.
func DefaultLayout() alloc.Layout {
	return alloc.Layout{
		LowMMIO:  alloc.Interval{Start: 0xd000_0000, End: 0xf000_0000},
		HighMMIO: alloc.Interval{Start: 0x1_0000_0000, End: 0x2_0000_0000},
		PortIO:   alloc.Interval{Start: 0x0, End: 0x1_0000},
		IRQ:      alloc.Interval{Start: 3, End: 24},
	}
}

const (
	serialPortBase = 0x3f8
	serialIRQ      = 4
)

// MemoryBacking provides guest RAM. The KVM build uses page-aligned
// anonymous mappings; tests use plain slices.
type MemoryBacking interface {
	Map(size uint64) ([]byte, error)
	Unmap(mem []byte) error
}

// Options carries the host-side collaborators a Config cannot express.
type Options struct {
	Backing MemoryBacking

	// ConsoleOutput receives serial output. Nil discards it.
	ConsoleOutput io.Writer
}

// VCPU pairs a hypervisor vCPU with its controller-side run state.
type VCPU struct {
	id  int
	cpu hv.VirtualCPU

	// state is guarded by the machine lock.
	state VCPUState
}

func (v *VCPU) ID() int { return v.id }

// SetRegisters seeds vCPU registers. Only valid while the machine is
// Created or Paused; a Running vCPU is owned by its runner.
func (v *VCPU) SetRegisters(regs map[hv.Register]uint64) error {
	return v.cpu.SetRegisters(regs)
}

// Registers reads vCPU registers, same ownership rule as SetRegisters.
func (v *VCPU) Registers(regs map[hv.Register]uint64) error {
	return v.cpu.GetRegisters(regs)
}

// Raw exposes the hypervisor vCPU so loaders can reach
// architecture-specific setup. Same ownership rule as SetRegisters.
func (v *VCPU) Raw() hv.VirtualCPU { return v.cpu }

// Machine is one guest instance.
type Machine struct {
	name string

	vm        hv.VirtualMachine
	memory    *mem.Memory
	mmio      *bus.Bus
	pio       *bus.Bus
	router    *irq.Router
	allocator *alloc.Allocator

	backing MemoryBacking
	ram     []byte

	ioLoop *eventloop.Loop
	loops  []*eventloop.Loop
	serial *serial.Serial

	// closers tear down device resources, run in reverse order.
	closers []func() error

	mu      sync.Mutex
	cond    *sync.Cond
	state   State
	vcpus   []*VCPU
	haltGen uint64
	faults  *multierror.Error

	runCtx context.Context
	cancel context.CancelFunc
	group  errgroup.Group
}

// New builds a machine in the Created state: memory mapped, devices
// realized, vCPUs created but not running.
func New(hyp hv.Hypervisor, cfg Config, opts Options) (*Machine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if opts.Backing == nil {
		return nil, fmt.Errorf("machine %q: no memory backing", cfg.Name)
	}

	vm, err := hyp.NewVirtualMachine(hv.VMConfig{CreateIRQChip: true})
	if err != nil {
		return nil, fmt.Errorf("machine %q: %w", cfg.Name, err)
	}

	m := &Machine{
		name:      cfg.Name,
		vm:        vm,
		memory:    mem.New(vm),
		mmio:      bus.New("mmio"),
		pio:       bus.New("pio"),
		allocator: alloc.New(DefaultLayout()),
		backing:   opts.Backing,
		state:     StateCreated,
	}
	m.cond = sync.NewCond(&m.mu)
	m.router = irq.NewRouter(irq.SinkFunc(m.pulseLine))

	if err := m.build(cfg, opts); err != nil {
		m.release()
		vm.Close()
		return nil, fmt.Errorf("machine %q: %w", cfg.Name, err)
	}
	return m, nil
}

func (m *Machine) build(cfg Config, opts Options) error {
	ram, err := m.backing.Map(cfg.MemorySize)
	if err != nil {
		return fmt.Errorf("map guest RAM: %w", err)
	}
	m.ram = ram
	if _, err := m.memory.AddRegion(0, ram, false); err != nil {
		return err
	}

	ioLoop, err := eventloop.New("io")
	if err != nil {
		return err
	}
	m.ioLoop = ioLoop
	m.loops = append(m.loops, ioLoop)

	if cfg.Serial {
		if err := m.addSerial(opts.ConsoleOutput); err != nil {
			return fmt.Errorf("realize serial: %w", err)
		}
	}
	for i, disk := range cfg.Disks {
		if err := m.addDisk(i, disk); err != nil {
			return fmt.Errorf("realize disk %d (%s): %w", i, disk.Path, err)
		}
	}

	for i := 0; i < cfg.VCPUs; i++ {
		cpu, err := m.vm.CreateVCPU(i)
		if err != nil {
			return err
		}
		m.vcpus = append(m.vcpus, &VCPU{id: i, cpu: cpu, state: VCPUCreated})
	}
	return nil
}

// pulseLine is the default route sink: an edge pulse into the
// in-kernel irqchip, then a wakeup for halted vCPUs.
func (m *Machine) pulseLine(line uint32) error {
	if err := m.vm.SetIRQLine(line, true); err != nil {
		return err
	}
	if err := m.vm.SetIRQLine(line, false); err != nil {
		return err
	}
	m.wakeHalted()
	return nil
}

func (m *Machine) wakeHalted() {
	m.mu.Lock()
	m.haltGen++
	m.cond.Broadcast()
	m.mu.Unlock()
}

// State reports the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// VCPU returns the vCPU with the given id, or nil.
func (m *Machine) VCPU(id int) *VCPU {
	for _, v := range m.vcpus {
		if v.id == id {
			return v
		}
	}
	return nil
}

// VCPUState reports a vCPU's run state.
func (m *Machine) VCPUState(id int) VCPUState {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.VCPU(id)
	if v == nil {
		return VCPUFaulted
	}
	return v.state
}

// Memory exposes guest physical memory for loaders.
func (m *Machine) Memory() *mem.Memory { return m.memory }

// Boot transitions Created → Booting → Running and starts one runner
// goroutine per vCPU plus the event loops.
func (m *Machine) Boot() error {
	m.mu.Lock()
	if m.state != StateCreated {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("machine %q: boot from %s", m.name, state)
	}
	m.state = StateBooting

	m.runCtx, m.cancel = context.WithCancel(context.Background())
	// Cancellation must also wake vCPUs parked in halt or pause.
	context.AfterFunc(m.runCtx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})

	for _, v := range m.vcpus {
		v := v
		m.group.Go(func() error {
			if err := m.runVCPU(m.runCtx, v); err != nil {
				m.recordFault(err)
				return err
			}
			return nil
		})
	}
	for _, l := range m.loops {
		l := l
		m.group.Go(func() error {
			err := l.Run(m.runCtx)
			if err != nil && err != context.Canceled {
				m.recordFault(err)
				m.requestShutdown()
				return err
			}
			return nil
		})
	}

	m.state = StateRunning
	m.mu.Unlock()

	slog.Info("machine running", "machine", m.name, "vcpus", len(m.vcpus))
	return nil
}

// Pause parks every vCPU at its next trap boundary and every event
// loop at its next dispatch round, and returns once all of them
// report parked.
func (m *Machine) Pause() error {
	m.mu.Lock()

	if m.state != StateRunning {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("machine %q: pause from %s", m.name, state)
	}
	m.state = StatePaused
	m.cond.Broadcast()

	for _, v := range m.vcpus {
		if err := v.cpu.Kick(); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("machine %q: kick vcpu %d: %w", m.name, v.id, err)
		}
	}

	for !m.vcpusParkedLocked() {
		m.cond.Wait()
	}
	m.mu.Unlock()

	// Loop callbacks may take the machine lock (halt wakeups), so the
	// loop barrier is waited on without it.
	for _, l := range m.loops {
		l.Pause()
	}
	return nil
}

func (m *Machine) vcpusParkedLocked() bool {
	for _, v := range m.vcpus {
		if v.state == VCPURunning || v.state == VCPUCreated {
			return false
		}
	}
	return true
}

// Resume continues a paused machine.
func (m *Machine) Resume() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StatePaused {
		return fmt.Errorf("machine %q: resume from %s", m.name, m.state)
	}
	for _, l := range m.loops {
		l.Resume()
	}
	m.state = StateRunning
	m.cond.Broadcast()
	return nil
}

// requestShutdown broadcasts the shutdown signal. Idempotent.
func (m *Machine) requestShutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestShutdownLocked()
}

func (m *Machine) requestShutdownLocked() {
	switch m.state {
	case StateBooting, StateRunning, StatePaused:
		m.state = StateShuttingDown
		m.cond.Broadcast()
		if m.cancel != nil {
			m.cancel()
		}
	}
}

func (m *Machine) recordFault(err error) {
	m.mu.Lock()
	m.faults = multierror.Append(m.faults, err)
	m.mu.Unlock()
	slog.Error("machine fault", "machine", m.name, "err", err)
}

// Shutdown stops the machine and waits for all runners and loops.
func (m *Machine) Shutdown() error {
	m.requestShutdown()
	return m.Wait()
}

// Wait blocks until every runner and loop has stopped, then settles
// the final state: Stopped, or Faulted with the aggregated reasons.
func (m *Machine) Wait() error {
	_ = m.group.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	if err := m.faults.ErrorOrNil(); err != nil {
		m.state = StateFaulted
		return fmt.Errorf("machine %q faulted: %w", m.name, err)
	}
	m.state = StateStopped
	return nil
}

// Close releases device and hypervisor resources. The machine must be
// Stopped or Faulted (or never booted).
func (m *Machine) Close() error {
	m.mu.Lock()
	switch m.state {
	case StateCreated, StateStopped, StateFaulted:
	default:
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("machine %q: close from %s", m.name, state)
	}
	m.mu.Unlock()

	err := m.release()
	if cerr := m.vm.Close(); cerr != nil {
		err = multierror.Append(err, cerr).ErrorOrNil()
	}
	return err
}

func (m *Machine) release() error {
	var errs *multierror.Error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	m.closers = nil

	for _, l := range m.loops {
		if err := l.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	m.loops = nil

	if m.ram != nil {
		if err := m.backing.Unmap(m.ram); err != nil {
			errs = multierror.Append(errs, err)
		}
		m.ram = nil
	}
	return errs.ErrorOrNil()
}
