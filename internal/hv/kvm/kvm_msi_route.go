//go:build linux && amd64

package kvm

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/cc/internal/hv"
)

// msiGSIBase is the first GSI handed out for dynamically-routed MSI/MSI-X
// vectors. initGSIRouting (kvm_gsi.go) only ever programs GSIs [0, numGSIs)
// for the static IOAPIC table, and no in-tree caller currently asks for more
// than a handful of legacy pins, so reserving everything below this as
// "static" leaves ample room without having to thread numGSIs through to
// here.
const msiGSIBase = 64

// kvmIrqRoutingMSIEntry mirrors struct kvm_irq_routing_entry with the `msi`
// union member selected. Unlike kvmIrqRoutingEntry in kvm_gsi.go (which
// unions in the 8-byte irqchip member and pads out to the wrong total size
// for this union), this lays out the full 32-byte union so it round-trips
// correctly through KVM_SET_GSI_ROUTING regardless of which member a given
// entry in the table uses.
type kvmIrqRoutingMSIEntry struct {
	GSI   uint32
	Type  uint32
	Flags uint32
	_     uint32 // reserved
	// union kvm_irq_routing_msi { address_lo, address_hi, data, flags }
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	MsiFlags  uint32
	_         [16]byte // remainder of the 32-byte union
}

const kvmIRQRoutingMSI = 2

// AddMSIRoute implements hv.InterruptRouter.
func (v *virtualMachine) AddMSIRoute(msg hv.MSIMessage, devID uint32) (hv.GSI, error) {
	v.msiMu.Lock()
	defer v.msiMu.Unlock()

	if v.msiRoutes == nil {
		v.msiRoutes = make(map[hv.GSI]hv.MSIMessage)
	}
	if v.nextGSI == 0 {
		v.nextGSI = msiGSIBase
	}

	gsi := hv.GSI(v.nextGSI)
	v.nextGSI++
	v.msiRoutes[gsi] = msg

	if err := v.programGSIRoutingLocked(); err != nil {
		delete(v.msiRoutes, gsi)
		return hv.GSIInvalid, fmt.Errorf("kvm: add MSI route: %w", err)
	}
	return gsi, nil
}

// UpdateMSIRoute implements hv.InterruptRouter.
func (v *virtualMachine) UpdateMSIRoute(gsi hv.GSI, msg hv.MSIMessage) error {
	v.msiMu.Lock()
	defer v.msiMu.Unlock()

	if _, ok := v.msiRoutes[gsi]; !ok {
		return fmt.Errorf("kvm: update MSI route: gsi %d not allocated", gsi)
	}
	v.msiRoutes[gsi] = msg

	if err := v.programGSIRoutingLocked(); err != nil {
		return fmt.Errorf("kvm: update MSI route: %w", err)
	}
	return nil
}

// programGSIRoutingLocked re-sends the entire dynamic routing table to KVM.
// KVM_SET_GSI_ROUTING always replaces the table wholesale; there is no
// incremental update ioctl, so every Add/UpdateMSIRoute call resubmits it.
// Callers must hold msiMu.
func (v *virtualMachine) programGSIRoutingLocked() error {
	entries := make([]kvmIrqRoutingMSIEntry, 0, len(v.msiRoutes))
	for gsi, msg := range v.msiRoutes {
		entries = append(entries, kvmIrqRoutingMSIEntry{
			GSI:       uint32(gsi),
			Type:      kvmIRQRoutingMSI,
			AddressLo: uint32(msg.Address & 0xffff_ffff),
			AddressHi: uint32(msg.Address >> 32),
			Data:      msg.Data,
		})
	}
	return setMSIGsiRouting(v.vmFd, entries)
}

func setMSIGsiRouting(vmFd int, entries []kvmIrqRoutingMSIEntry) error {
	headerSize := int(unsafe.Sizeof(kvmIrqRoutingHeader{}))
	entrySize := int(unsafe.Sizeof(kvmIrqRoutingMSIEntry{}))
	size := headerSize + len(entries)*entrySize
	buf := make([]byte, size)

	header := (*kvmIrqRoutingHeader)(unsafe.Pointer(&buf[0]))
	header.NR = uint32(len(entries))
	header.Flags = 0

	for i, ent := range entries {
		offset := headerSize + i*entrySize
		*(*kvmIrqRoutingMSIEntry)(unsafe.Pointer(&buf[offset])) = ent
	}

	arg := uintptr(0)
	if len(buf) > 0 {
		arg = uintptr(unsafe.Pointer(&buf[0]))
	}
	_, err := ioctlWithRetry(uintptr(vmFd), uint64(kvmSetGsiRouting), arg)
	return err
}

// kvmIrqfd mirrors struct kvm_irqfd.
type kvmIrqfd struct {
	FD         uint32
	GSI        uint32
	Flags      uint32
	ResampleFD uint32
	_          [16]byte
}

const (
	kvmIrqfdFlagDeassign = 1 << 0
	kvmIrqfdFlagResample = 1 << 1

	// KVM_IRQFD = _IOW(KVMIO, 0x76, struct kvm_irqfd); struct is 32 bytes.
	kvmIrqfdIoctl = 0x4020ae76
)

// AddIRQFD implements hv.InterruptRouter.
func (v *virtualMachine) AddIRQFD(gsi hv.GSI, triggerFD, resampleFD int) error {
	req := kvmIrqfd{
		FD:  uint32(triggerFD),
		GSI: uint32(gsi),
	}
	if resampleFD >= 0 {
		req.Flags |= kvmIrqfdFlagResample
		req.ResampleFD = uint32(resampleFD)
	}
	if _, err := ioctlWithRetry(uintptr(v.vmFd), uint64(kvmIrqfdIoctl), uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("kvm: KVM_IRQFD assign: %w", err)
	}
	return nil
}

// DelIRQFD implements hv.InterruptRouter.
func (v *virtualMachine) DelIRQFD(gsi hv.GSI, triggerFD int) error {
	req := kvmIrqfd{
		FD:    uint32(triggerFD),
		GSI:   uint32(gsi),
		Flags: kvmIrqfdFlagDeassign,
	}
	if _, err := ioctlWithRetry(uintptr(v.vmFd), uint64(kvmIrqfdIoctl), uintptr(unsafe.Pointer(&req))); err != nil {
		return fmt.Errorf("kvm: KVM_IRQFD deassign: %w", err)
	}
	return nil
}

var _ hv.InterruptRouter = (*virtualMachine)(nil)
