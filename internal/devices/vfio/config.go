package vfio

import (
	"encoding/binary"
	"fmt"
)

// PCI capability IDs this package understands. Anything else found in the
// physical capability chain is dropped from the virtual one: a capability
// this package does not emulate would expose hardware behavior the guest
// has no way to drive correctly through config-space traps alone.
const (
	capIDPowerManagement = 0x01
	capIDMSI             = 0x05
	capIDVendorSpecific  = 0x09
	capIDPCIExpress      = 0x10
	capIDMSIX            = 0x11
	capIDSATA            = 0x12
	capIDAF              = 0x13
)

const (
	offsetVendorID      = 0x00
	offsetDeviceID      = 0x02
	offsetCommand       = 0x04
	offsetStatus        = 0x06
	offsetRevisionID    = 0x08
	offsetClassCode     = 0x09
	offsetHeaderType    = 0x0e
	offsetBAR0          = 0x10
	offsetCardBusCIS    = 0x28
	offsetSubsysVendor  = 0x2c
	offsetSubsysID      = 0x2e
	offsetROMAddress    = 0x30
	offsetCapPointer    = 0x34
	offsetInterruptLine = 0x3c
	offsetInterruptPin  = 0x3d

	statusCapList = 1 << 4
)

// rawBAR captures what the physical BAR register tells us about a BAR's
// shape (I/O vs memory, 32 vs 64-bit, prefetchable) before RegionInfo
// supplies the authoritative size.
type rawBAR struct {
	isIO     bool
	is64     bool
	prefetch bool
	high     bool // true for the upper dword of a 64-bit pair
}

// configSpace holds the device identity and capability layout parsed once
// from the physical function's config space at attach time, plus the
// synthesized 256-byte image presented to the guest.
type configSpace struct {
	vendorID, deviceID             uint16
	subsysVendorID, subsysDeviceID uint16
	classCode                      [3]byte
	revisionID                     byte
	intxPin                        byte

	rawBARs [6]rawBAR

	msiCapOffset     uint16
	msi64Bit         bool
	msiPerVectorMask bool
	msiMaxVectors    int // 1 << multiple-message-capable field

	msixCapOffset   uint16
	msixTableBAR    uint8
	msixTableOffset uint32
	msixVectorCount int
	msixPBABAR      uint8
	msixPBAOffset   uint32
	pcieCapOffset   uint16

	relinked       []relinkedCap
	firstCapOffset byte

	// virtual is the scratch 256-byte image config.go and dispatch.go
	// read/write through. BAR dwords, command/status, and capability
	// control fields are mutated here as the guest programs them; vendor
	// identity and the read-only parts of the capability chain are fixed
	// at construction.
	virtual [256]byte
}

func newConfigSpace(raw []byte, driver PassthroughDriver) (*configSpace, error) {
	if len(raw) < 256 {
		return nil, fmt.Errorf("vfio: physical config space too short (%d bytes)", len(raw))
	}

	cs := &configSpace{
		vendorID:       binary.LittleEndian.Uint16(raw[offsetVendorID:]),
		deviceID:       binary.LittleEndian.Uint16(raw[offsetDeviceID:]),
		subsysVendorID: binary.LittleEndian.Uint16(raw[offsetSubsysVendor:]),
		subsysDeviceID: binary.LittleEndian.Uint16(raw[offsetSubsysID:]),
		revisionID:     raw[offsetRevisionID],
		intxPin:        raw[offsetInterruptPin],
	}
	copy(cs.classCode[:], raw[offsetClassCode:offsetClassCode+3])

	if raw[offsetHeaderType]&0x7f != 0x00 {
		return nil, fmt.Errorf("vfio: only type-0 (endpoint) headers are supported")
	}

	for i := 0; i < 6; i++ {
		dword := binary.LittleEndian.Uint32(raw[offsetBAR0+i*4:])
		if dword&0x1 != 0 {
			cs.rawBARs[i] = rawBAR{isIO: true}
			continue
		}
		memType := (dword >> 1) & 0x3
		prefetch := dword&0x8 != 0
		switch memType {
		case 0x0:
			cs.rawBARs[i] = rawBAR{prefetch: prefetch}
		case 0x2:
			cs.rawBARs[i] = rawBAR{is64: true, prefetch: prefetch}
			if i+1 < 6 {
				cs.rawBARs[i+1] = rawBAR{is64: true, prefetch: prefetch, high: true}
			}
			i++
		default:
			return nil, fmt.Errorf("vfio: BAR %d uses reserved memory type %d", i, memType)
		}
	}

	if err := cs.buildCapabilityChain(raw); err != nil {
		return nil, err
	}

	cs.initVirtual(raw)
	return cs, nil
}

// buildCapabilityChain walks the physical chain and records the offsets of
// the capabilities this package keeps. The virtual chain this package
// presents to the guest reuses the physical offsets verbatim (so MSI-X
// BAR/offset fields the guest reads still refer to real BAR indices) but
// relinks `next` pointers to skip anything dropped.
func (cs *configSpace) buildCapabilityChain(raw []byte) error {
	status := binary.LittleEndian.Uint16(raw[offsetStatus:])
	if status&statusCapList == 0 {
		return nil
	}

	type capEntry struct {
		offset uint16
		id     byte
	}
	var kept []capEntry

	ptr := raw[offsetCapPointer]
	seen := make(map[byte]bool)
	for ptr != 0 {
		if seen[ptr] {
			return fmt.Errorf("vfio: capability chain loop at offset %#x", ptr)
		}
		seen[ptr] = true
		if int(ptr)+2 > len(raw) {
			return fmt.Errorf("vfio: capability pointer %#x out of range", ptr)
		}

		id := raw[ptr]
		next := raw[ptr+1]

		switch id {
		case capIDMSI:
			cs.msiCapOffset = uint16(ptr)
			ctrl := binary.LittleEndian.Uint16(raw[ptr+2:])
			cs.msi64Bit = ctrl&0x0080 != 0
			cs.msiPerVectorMask = ctrl&0x0100 != 0
			cs.msiMaxVectors = 1 << ((ctrl & 0x000e) >> 1)
			kept = append(kept, capEntry{uint16(ptr), id})
		case capIDMSIX:
			cs.msixCapOffset = uint16(ptr)
			ctrl := binary.LittleEndian.Uint16(raw[ptr+2:])
			cs.msixVectorCount = int(ctrl&0x07ff) + 1
			table := binary.LittleEndian.Uint32(raw[ptr+4:])
			pba := binary.LittleEndian.Uint32(raw[ptr+8:])
			cs.msixTableBAR = uint8(table & 0x7)
			cs.msixTableOffset = table &^ 0x7
			cs.msixPBABAR = uint8(pba & 0x7)
			cs.msixPBAOffset = pba &^ 0x7
			kept = append(kept, capEntry{uint16(ptr), id})
		case capIDPCIExpress:
			cs.pcieCapOffset = uint16(ptr)
			kept = append(kept, capEntry{uint16(ptr), id})
		}

		ptr = next
	}

	// Relink kept capabilities into a contiguous virtual chain, in
	// physical order, terminated by a zero `next`.
	for i, entry := range kept {
		next := byte(0)
		if i+1 < len(kept) {
			next = byte(kept[i+1].offset)
		}
		cs.relinked = append(cs.relinked, relinkedCap{offset: entry.offset, next: next})
	}
	if len(kept) > 0 {
		cs.firstCapOffset = byte(kept[0].offset)
	}

	return nil
}

type relinkedCap struct {
	offset uint16
	next   byte
}

func (cs *configSpace) initVirtual(raw []byte) {
	copy(cs.virtual[:], raw[:256])

	// Zero BAR dwords; bar.go and the sizing-probe logic in dispatch.go
	// own these from here on, independent of whatever value hardware
	// happened to have programmed into them.
	for i := 0; i < 6; i++ {
		binary.LittleEndian.PutUint32(cs.virtual[offsetBAR0+i*4:], 0)
	}

	// Command register: start with interrupts disabled and
	// memory/IO/bus-master decode off, matching a freshly reset function.
	binary.LittleEndian.PutUint16(cs.virtual[offsetCommand:], 0)

	// Expansion ROM and CardBus CIS pointer are non-goals (spec.md §1): zero
	// them so the guest never discovers a ROM BAR or CardBus linkage.
	binary.LittleEndian.PutUint32(cs.virtual[offsetROMAddress:], 0)
	binary.LittleEndian.PutUint32(cs.virtual[offsetCardBusCIS:], 0)

	if len(cs.relinked) == 0 {
		cs.virtual[offsetCapPointer] = 0
		binary.LittleEndian.PutUint16(cs.virtual[offsetStatus:], binary.LittleEndian.Uint16(cs.virtual[offsetStatus:])&^statusCapList)
		return
	}

	cs.virtual[offsetCapPointer] = cs.firstCapOffset
	status := binary.LittleEndian.Uint16(cs.virtual[offsetStatus:])
	binary.LittleEndian.PutUint16(cs.virtual[offsetStatus:], status|statusCapList)

	for _, rc := range cs.relinked {
		cs.virtual[rc.offset+1] = rc.next
	}
}
