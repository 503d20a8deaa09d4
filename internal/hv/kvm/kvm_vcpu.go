//go:build linux && amd64

package kvm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/nanovisor/nanovisor/internal/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm  *virtualMachine
	id  int
	fd  int
	run []byte

	// tid is the kernel thread running KVM_RUN, recorded so Kick can
	// signal it. Zero while the vCPU is outside Run.
	tid atomic.Int32
}

func (v *virtualCPU) ID() int { return v.id }

func (v *virtualCPU) runData() *kvmRunData {
	return (*kvmRunData)(unsafe.Pointer(&v.run[0]))
}

// Kick implements hv.VirtualCPU.
func (v *virtualCPU) Kick() error {
	v.runData().immediate_exit = 1

	if tid := v.tid.Load(); tid != 0 {
		if err := unix.Tgkill(unix.Getpid(), int(tid), unix.SIGUSR1); err != nil {
			return fmt.Errorf("kvm: kick vCPU %d: %w", v.id, err)
		}
	}
	return nil
}

// Run implements hv.VirtualCPU.
func (v *virtualCPU) Run(ctx context.Context) (hv.Exit, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v.tid.Store(int32(unix.Gettid()))
	defer v.tid.Store(0)

	var stopNotify func() bool
	if ctx.Done() != nil {
		stopNotify = context.AfterFunc(ctx, func() {
			_ = v.Kick()
		})
		defer stopNotify()
	}

	run := v.runData()

	_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
	if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
		// Either a Kick or a stray host signal. Clear the kick flag so
		// the next Run enters the guest.
		run.immediate_exit = 0
		if ctx.Err() != nil {
			return hv.Exit{}, ctx.Err()
		}
		return hv.Exit{Reason: hv.ExitInterrupted}, nil
	} else if err != nil {
		return hv.Exit{}, fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
	}

	return v.decodeExit(run)
}

func (v *virtualCPU) decodeExit(run *kvmRunData) (hv.Exit, error) {
	reason := kvmExitReason(run.exit_reason)

	switch reason {
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&run.anon0[0]))
		data := v.run[ioData.dataOffset : ioData.dataOffset+uint64(ioData.size)*uint64(ioData.count)]

		exit := hv.Exit{
			Reason: hv.ExitPIOWrite,
			Addr:   uint64(ioData.port),
			Data:   data,
		}
		if ioData.direction == 0 {
			exit.Reason = hv.ExitPIORead
		}
		return exit, nil

	case kvmExitMmio:
		mmioData := (*kvmExitMMIOData)(unsafe.Pointer(&run.anon0[0]))

		exit := hv.Exit{
			Reason: hv.ExitMMIOWrite,
			Addr:   mmioData.physAddr,
			Data:   mmioData.data[:mmioData.len],
		}
		if mmioData.isWrite == 0 {
			exit.Reason = hv.ExitMMIORead
		}
		return exit, nil

	case kvmExitHlt:
		return hv.Exit{Reason: hv.ExitHalt}, nil

	case kvmExitShutdown:
		return hv.Exit{Reason: hv.ExitShutdown}, nil

	case kvmExitSystemEvent:
		system := (*kvmSystemEvent)(unsafe.Pointer(&run.anon0[0]))
		switch system.typ {
		case kvmSystemEventShutdown, kvmSystemEventReset, kvmSystemEventCrash:
			return hv.Exit{Reason: hv.ExitShutdown}, nil
		}
		return hv.Exit{}, fmt.Errorf("kvm: vCPU %d exited with system event %d", v.id, system.typ)

	case kvmExitIntr:
		return hv.Exit{Reason: hv.ExitInterrupted}, nil

	case kvmExitDebug:
		return hv.Exit{Reason: hv.ExitDebug}, nil

	case kvmExitInternalError:
		ie := (*internalError)(unsafe.Pointer(&run.anon0[0]))
		return hv.Exit{Reason: hv.ExitInternalError},
			fmt.Errorf("kvm: vCPU %d internal error: %s", v.id, ie.Suberror)

	default:
		return hv.Exit{}, fmt.Errorf("kvm: vCPU %d exited with unknown reason %s", v.id, reason)
	}
}

func regField(regs *kvmRegs, reg hv.Register) *uint64 {
	switch reg {
	case hv.RegisterRax:
		return &regs.Rax
	case hv.RegisterRbx:
		return &regs.Rbx
	case hv.RegisterRcx:
		return &regs.Rcx
	case hv.RegisterRdx:
		return &regs.Rdx
	case hv.RegisterRsi:
		return &regs.Rsi
	case hv.RegisterRdi:
		return &regs.Rdi
	case hv.RegisterRsp:
		return &regs.Rsp
	case hv.RegisterRbp:
		return &regs.Rbp
	case hv.RegisterR8:
		return &regs.R8
	case hv.RegisterR9:
		return &regs.R9
	case hv.RegisterR10:
		return &regs.R10
	case hv.RegisterR11:
		return &regs.R11
	case hv.RegisterR12:
		return &regs.R12
	case hv.RegisterR13:
		return &regs.R13
	case hv.RegisterR14:
		return &regs.R14
	case hv.RegisterR15:
		return &regs.R15
	case hv.RegisterRip:
		return &regs.Rip
	case hv.RegisterRflags:
		return &regs.Rflags
	default:
		return nil
	}
}

// SetRegisters implements hv.VirtualCPU.
func (v *virtualCPU) SetRegisters(regs map[hv.Register]uint64) error {
	if len(regs) == 0 {
		return nil
	}

	current, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	for reg, value := range regs {
		field := regField(&current, reg)
		if field == nil {
			return fmt.Errorf("kvm: unsupported register %d", reg)
		}
		*field = value
	}

	if err := setRegisters(v.fd, &current); err != nil {
		return fmt.Errorf("kvm: set registers: %w", err)
	}
	return nil
}

// GetRegisters implements hv.VirtualCPU.
func (v *virtualCPU) GetRegisters(regs map[hv.Register]uint64) error {
	if len(regs) == 0 {
		return nil
	}

	current, err := getRegisters(v.fd)
	if err != nil {
		return fmt.Errorf("kvm: get registers: %w", err)
	}

	for reg := range regs {
		field := regField(&current, reg)
		if field == nil {
			return fmt.Errorf("kvm: unsupported register %d", reg)
		}
		regs[reg] = *field
	}
	return nil
}

var (
	_ hv.VirtualCPU = &virtualCPU{}
)
