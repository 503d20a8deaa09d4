//go:build linux

package vmm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/nanovisor/nanovisor/internal/hv"
)

// runVCPU drives one vCPU: run until trap, dispatch the trap, resume.
// The goroutine stays locked to its OS thread for the vCPU's lifetime.
func (m *Machine) runVCPU(ctx context.Context, v *VCPU) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		m.mu.Lock()
		if err != nil {
			v.state = VCPUFaulted
			m.requestShutdownLocked()
		} else {
			v.state = VCPUExited
		}
		m.cond.Broadcast()
		m.mu.Unlock()
	}()

	for {
		if m.checkpoint(v) {
			return nil
		}

		exit, err := v.cpu.Run(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, hv.ErrTransient) {
				continue
			}
			return fmt.Errorf("vcpu %d: %w", v.id, err)
		}

		if err := m.handleExit(ctx, v, exit); err != nil {
			return err
		}
	}
}

func (m *Machine) handleExit(ctx context.Context, v *VCPU, exit hv.Exit) error {
	switch exit.Reason {
	case hv.ExitMMIORead:
		if err := m.mmio.Read(exit.Addr, exit.Data); err != nil {
			return fmt.Errorf("vcpu %d: %w", v.id, err)
		}
	case hv.ExitMMIOWrite:
		if err := m.mmio.Write(exit.Addr, exit.Data); err != nil {
			return fmt.Errorf("vcpu %d: %w", v.id, err)
		}
	case hv.ExitPIORead:
		if err := m.pio.Read(exit.Addr, exit.Data); err != nil {
			return fmt.Errorf("vcpu %d: %w", v.id, err)
		}
	case hv.ExitPIOWrite:
		if err := m.pio.Write(exit.Addr, exit.Data); err != nil {
			return fmt.Errorf("vcpu %d: %w", v.id, err)
		}
	case hv.ExitHalt:
		m.parkHalted(ctx)
	case hv.ExitInterrupted:
		// Control signal; the next checkpoint handles it.
	case hv.ExitDebug:
		slog.Debug("vcpu debug trap", "machine", m.name, "vcpu", v.id)
	case hv.ExitShutdown:
		slog.Info("guest requested shutdown", "machine", m.name, "vcpu", v.id)
		m.requestShutdown()
	default:
		// Unhandled exits are fatal to the vCPU and take the whole
		// machine down.
		return fmt.Errorf("vcpu %d: unhandled exit %s", v.id, exit.Reason)
	}
	return nil
}

// checkpoint observes the control state at a trap boundary: it parks
// while the machine is paused and reports true when the runner should
// stop.
func (m *Machine) checkpoint(v *VCPU) (stop bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		switch m.state {
		case StateBooting, StateRunning:
			v.state = VCPURunning
			return false
		case StatePaused:
			if v.state != VCPUPaused {
				v.state = VCPUPaused
				m.cond.Broadcast()
			}
			m.cond.Wait()
		default:
			return true
		}
	}
}

// parkHalted blocks a halted vCPU until an interrupt delivery or a
// control transition wakes it.
func (m *Machine) parkHalted(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen := m.haltGen
	for m.haltGen == gen && m.state == StateRunning && ctx.Err() == nil {
		m.cond.Wait()
	}
}
