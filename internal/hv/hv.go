// Package hv defines the hardware-virtualization capability boundary.
// Everything above it (the machine controller, buses, devices) talks to
// these interfaces; everything below it (internal/hv/kvm) talks to the
// host facility.
package hv

import (
	"context"
	"errors"
)

var (
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

	// ErrTransient marks a facility error the caller should retry,
	// as opposed to one that must shut the machine down. The KVM
	// backend reports its retryable conditions (EINTR, EAGAIN) as
	// ExitInterrupted instead; the sentinel is for backends without
	// an interrupted exit path.
	ErrTransient = errors.New("transient hypervisor error")
)

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterRax
	RegisterRbx
	RegisterRcx
	RegisterRdx
	RegisterRsi
	RegisterRdi
	RegisterRsp
	RegisterRbp
	RegisterR8
	RegisterR9
	RegisterR10
	RegisterR11
	RegisterR12
	RegisterR13
	RegisterR14
	RegisterR15
	RegisterRip
	RegisterRflags
)

// VirtualCPU is a single guest CPU. Run is only ever called from the
// one goroutine that owns the vCPU; Kick may be called from any
// goroutine to force a running vCPU back out to its caller.
type VirtualCPU interface {
	ID() int

	SetRegisters(regs map[Register]uint64) error
	GetRegisters(regs map[Register]uint64) error

	// Run enters guest mode and blocks until the next trap. The
	// returned Exit, including its Data window, is valid only until
	// the next Run call.
	Run(ctx context.Context) (Exit, error)

	// Kick forces a vCPU currently inside Run to return with
	// ExitInterrupted. Kicking an idle vCPU makes its next Run
	// return immediately.
	Kick() error
}

// VirtualCPUAmd64 adds the amd64 mode-setup helpers used by loaders.
type VirtualCPUAmd64 interface {
	VirtualCPU

	SetProtectedMode() error
	SetLongMode(pagingBase uint64, codeSelector, dataSelector uint16) error
}

type VirtualMachine interface {
	CreateVCPU(id int) (VirtualCPU, error)

	// SetMemoryRegion maps host memory into the guest physical
	// address space at slot. A zero-length mem deletes the slot.
	SetMemoryRegion(slot uint32, guestAddr uint64, mem []byte, readonly bool) error

	// SetIRQLine drives an irqchip input line.
	SetIRQLine(line uint32, level bool) error

	// RegisterIRQFD binds an eventfd to an irqchip line so writes to
	// the fd inject edge-triggered interrupts without an ioctl per
	// event. UnregisterIRQFD removes the binding.
	RegisterIRQFD(fd int, line uint32) error
	UnregisterIRQFD(fd int, line uint32) error

	Close() error
}

type VMConfig struct {
	// CreateIRQChip asks for an in-kernel interrupt controller
	// (PIC+IOAPIC on amd64) plus the in-kernel PIT.
	CreateIRQChip bool
}

type Hypervisor interface {
	NewVirtualMachine(cfg VMConfig) (VirtualMachine, error)

	Close() error
}
