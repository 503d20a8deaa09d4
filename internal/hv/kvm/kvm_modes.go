//go:build linux && amd64

package kvm

import "github.com/nanovisor/nanovisor/internal/hv"

// CR0 bits
const (
	cr0PE = 1 << 0
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0PG = 1 << 31
)

// CR4 bits
const (
	cr4PAE = 1 << 5
)

// EFER bits
const (
	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// SetProtectedMode implements hv.VirtualCPUAmd64: flat 32-bit
// segments, paging off.
func (v *virtualCPU) SetProtectedMode() error {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return err
	}

	sregs.Ds = kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 2 << 3,
		Present:  1,
		Type:     3, // Data: read/write, accessed
		Dpl:      0,
		Db:       1,
		S:        1, // Code/data
		L:        0,
		G:        1, // 4KB granularity
	}
	sregs.Es = sregs.Ds
	sregs.Fs = sregs.Ds
	sregs.Gs = sregs.Ds
	sregs.Ss = sregs.Ds

	sregs.Cs = kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: 1 << 3,
		Present:  1,
		Type:     11, // Code: execute, read, accessed
		Dpl:      0,
		Db:       1,
		S:        1, // Code/data
		L:        0,
		G:        1, // 4KB granularity
	}

	sregs.Cr0 |= cr0PE

	return setSRegs(v.fd, &sregs)
}

// SetLongMode implements hv.VirtualCPUAmd64. The caller has already
// written identity-mapped page tables into guest memory; pagingBase
// is the guest physical address of the PML4.
func (v *virtualCPU) SetLongMode(pagingBase uint64, codeSelector, dataSelector uint16) error {
	sregs, err := getSRegs(v.fd)
	if err != nil {
		return err
	}

	sregs.Cr3 = pagingBase
	sregs.Cr4 |= cr4PAE
	sregs.Cr0 |= cr0PE | cr0MP | cr0ET | cr0NE | cr0WP | cr0AM | cr0PG
	sregs.Efer = eferLME | eferLMA

	// 64-bit code segment (CS.L=1, D=0), flat data segments.
	code := kvmSegment{
		Base:     0,
		Limit:    0xffffffff,
		Selector: codeSelector,
		Present:  1,
		Type:     11, // code: exec/read/accessed
		Dpl:      0,
		Db:       0, // MUST be 0 in 64-bit
		S:        1, // code/data
		L:        1, // 64-bit
		G:        1,
	}
	sregs.Cs = code

	data := code
	data.Type = 3 // data: read/write/accessed
	data.L = 0
	data.Db = 1
	data.Selector = dataSelector
	sregs.Ds, sregs.Es, sregs.Fs, sregs.Gs, sregs.Ss = data, data, data, data, data

	return setSRegs(v.fd, &sregs)
}

var (
	_ hv.VirtualCPUAmd64 = &virtualCPU{}
)
