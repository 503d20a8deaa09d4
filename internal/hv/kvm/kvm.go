//go:build linux && amd64

// Package kvm backs the hv interfaces with the Linux KVM facility.
package kvm

import (
	"fmt"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/nanovisor/nanovisor/internal/hv"
	"golang.org/x/sys/unix"
)

type hypervisor struct {
	fd int
}

// Open opens /dev/kvm and validates the stable API version.
func Open() (hv.Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w (%w)", err, hv.ErrHypervisorUnsupported)
	}

	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &hypervisor{fd: fd}, nil
}

func (h *hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}
	return nil
}

// NewVirtualMachine implements hv.Hypervisor.
func (h *hypervisor) NewVirtualMachine(cfg hv.VMConfig) (hv.VirtualMachine, error) {
	vmFd, err := createVm(h.fd)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm := &virtualMachine{
		hv:   h,
		vmFd: vmFd,
	}

	if err := setTSSAddr(vmFd, 0xfffbd000); err != nil {
		unix.Close(vmFd)
		return nil, fmt.Errorf("setting TSS addr: %w", err)
	}

	if cfg.CreateIRQChip {
		if err := createIRQChip(vmFd); err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("creating IRQ chip: %w", err)
		}
		vm.hasIRQChip = true

		if err := createPIT(vmFd); err != nil {
			unix.Close(vmFd)
			return nil, fmt.Errorf("creating PIT: %w", err)
		}
	}

	return vm, nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
)

type virtualMachine struct {
	hv   *hypervisor
	vmFd int

	hasIRQChip bool

	mu     sync.Mutex
	vcpus  []*virtualCPU
	closed bool
}

// SetMemoryRegion implements hv.VirtualMachine. The caller keeps mem
// alive for as long as the slot is mapped; MapAnonymous provides a
// page-aligned backing suitable for guest RAM.
func (v *virtualMachine) SetMemoryRegion(slot uint32, guestAddr uint64, mem []byte, readonly bool) error {
	region := kvmUserspaceMemoryRegion{
		Slot:          slot,
		GuestPhysAddr: guestAddr,
		MemorySize:    uint64(len(mem)),
	}
	if len(mem) > 0 {
		region.UserspaceAddr = uint64(uintptr(unsafe.Pointer(&mem[0])))
	}
	if readonly {
		region.Flags = kvmMemReadonly
	}

	if err := setUserMemoryRegion(v.vmFd, &region); err != nil {
		return fmt.Errorf("set user memory region (slot %d): %w", slot, err)
	}
	return nil
}

// SetIRQLine implements hv.VirtualMachine. Lines in the low 16-bit
// range address the in-kernel IOAPIC pin of the same number.
func (v *virtualMachine) SetIRQLine(line uint32, level bool) error {
	if !v.hasIRQChip {
		return fmt.Errorf("kvm: cannot drive IRQ line without irqchip")
	}

	if line>>16 == 0 {
		line = (irqChipIOAPIC << 16) | line
	}

	if err := irqLevel(v.vmFd, line, level); err != nil {
		return fmt.Errorf("setting IRQ line: %w", err)
	}
	return nil
}

// RegisterIRQFD implements hv.VirtualMachine.
func (v *virtualMachine) RegisterIRQFD(fd int, line uint32) error {
	if !v.hasIRQChip {
		return fmt.Errorf("kvm: cannot bind irqfd without irqchip")
	}

	if err := irqfd(v.vmFd, &kvmIrqfdArgs{Fd: uint32(fd), GSI: line}); err != nil {
		return fmt.Errorf("bind irqfd to line %d: %w", line, err)
	}
	return nil
}

// UnregisterIRQFD implements hv.VirtualMachine.
func (v *virtualMachine) UnregisterIRQFD(fd int, line uint32) error {
	args := kvmIrqfdArgs{Fd: uint32(fd), GSI: line, Flags: kvmIrqfdFlagDeassign}
	if err := irqfd(v.vmFd, &args); err != nil {
		return fmt.Errorf("unbind irqfd from line %d: %w", line, err)
	}
	return nil
}

// CreateVCPU implements hv.VirtualMachine.
func (v *virtualMachine) CreateVCPU(id int) (hv.VirtualCPU, error) {
	mmapSize, err := getVcpuMmapSize(v.hv.fd)
	if err != nil {
		return nil, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	vcpuFd, err := createVCPU(v.vmFd, id)
	if err != nil {
		return nil, fmt.Errorf("create vCPU %d: %w", id, err)
	}

	run, err := unix.Mmap(
		vcpuFd,
		0,
		mmapSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED,
	)
	if err != nil {
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("mmap vCPU %d kvm_run: %w", id, err)
	}

	cpuId, err := getSupportedCpuId(v.hv.fd)
	if err != nil {
		unix.Munmap(run)
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("get supported CPUID: %w", err)
	}
	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		unix.Munmap(run)
		unix.Close(vcpuFd)
		return nil, fmt.Errorf("set vCPU %d CPUID: %w", id, err)
	}

	vcpu := &virtualCPU{
		vm:  v,
		id:  id,
		fd:  vcpuFd,
		run: run,
	}

	v.mu.Lock()
	v.vcpus = append(v.vcpus, vcpu)
	v.mu.Unlock()

	return vcpu, nil
}

// Close implements hv.VirtualMachine. All vCPUs must have returned
// from Run before Close is called.
func (v *virtualMachine) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true

	for _, vcpu := range v.vcpus {
		if err := unix.Munmap(vcpu.run); err != nil {
			slog.Error("kvm: munmap vcpu run", "error", err)
		}
		if err := unix.Close(vcpu.fd); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
	}
	v.vcpus = nil

	if err := unix.Close(v.vmFd); err != nil {
		return fmt.Errorf("close vm fd: %w", err)
	}
	return nil
}

var (
	_ hv.VirtualMachine = &virtualMachine{}
)

// MapAnonymous allocates page-aligned guest RAM. The mapping is
// marked mergeable so identical guest pages can be deduplicated by
// the host.
func MapAnonymous(size uint64) ([]byte, error) {
	maxInt := uint64(^uint(0) >> 1)
	if size == 0 || size > maxInt {
		return nil, fmt.Errorf("allocate guest memory: bad size %d", size)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory: %w", err)
	}

	if err := unix.Madvise(mem, unix.MADV_MERGEABLE); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("madvise guest memory: %w", err)
	}

	return mem, nil
}

// Unmap releases memory obtained from MapAnonymous.
func Unmap(mem []byte) error {
	return unix.Munmap(mem)
}
