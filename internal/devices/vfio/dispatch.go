package vfio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// dispatcher is Device viewed as a pci.ConfigSpace. It is a distinct named
// type (rather than methods directly on *Device) purely so ReadConfig and
// WriteConfig don't have to live next to Device's hv.MemoryMappedIODevice
// methods in device.go.
type dispatcher Device

// ReadConfig implements pci.ConfigSpace.
func (d *dispatcher) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if size != 1 && size != 2 && size != 4 {
		return 0, fmt.Errorf("vfio: unsupported config read size %d", size)
	}
	if int(offset)+int(size) > 256 {
		return 0, fmt.Errorf("vfio: config read past end of space at %#x", offset)
	}

	dev := (*Device)(d)
	base := offset &^ 0x3
	dword, err := dev.readConfigDWord(base)
	if err != nil {
		return 0, err
	}
	shift := (offset - base) * 8
	mask := uint32((uint64(1) << (size * 8)) - 1)
	return (dword >> shift) & mask, nil
}

// WriteConfig implements pci.ConfigSpace.
func (d *dispatcher) WriteConfig(offset uint16, size uint8, value uint32) error {
	if size != 1 && size != 2 && size != 4 {
		return fmt.Errorf("vfio: unsupported config write size %d", size)
	}
	if int(offset)+int(size) > 256 {
		return fmt.Errorf("vfio: config write past end of space at %#x", offset)
	}

	dev := (*Device)(d)
	base := offset &^ 0x3
	if size == 4 && offset == base {
		return dev.writeConfigDWord(base, value)
	}

	current, err := dev.readConfigDWord(base)
	if err != nil {
		return err
	}
	shift := (offset - base) * 8
	mask := uint32((uint64(1) << (size * 8)) - 1)
	merged := (current &^ (mask << shift)) | ((value & mask) << shift)
	return dev.writeConfigDWord(base, merged)
}

// preadConfigThroughLocked issues a dummy pread against the device handle's
// config region so hardware observes the access (some devices latch
// read-side effects, e.g. clear-on-read status bits). The data itself is
// discarded: what the guest sees always comes from cs.virtual.
func (d *Device) preadConfigThroughLocked(offset uint16) {
	var scratch [4]byte
	if _, err := d.driver.ReadRegion(VFIOPCIConfigRegionIndex, uint64(offset), scratch[:]); err != nil {
		slog.Warn("vfio: config read-through failed", "device", d.Name, "offset", offset, "err", err)
	}
}

// pwriteConfigThroughLocked propagates a guest config write to hardware
// before the write is dispatched into BAR/MSI/MSI-X state, so the physical
// function observes the same register value the guest programmed. The
// expansion-ROM base address register is never emulated (spec.md §1
// Non-goals) and is filtered out here rather than forwarded.
func (d *Device) pwriteConfigThroughLocked(offset uint16, value uint32) {
	if offset == offsetROMAddress&^0x3 {
		return
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if _, err := d.driver.WriteRegion(VFIOPCIConfigRegionIndex, uint64(offset), buf[:]); err != nil {
		slog.Warn("vfio: config write-through failed", "device", d.Name, "offset", offset, "err", err)
	}
}

func (d *Device) readConfigDWord(offset uint16) (uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.preadConfigThroughLocked(offset)

	if offset >= offsetBAR0 && offset < offsetBAR0+6*4 {
		return d.readBARLocked(offset), nil
	}
	if value, ok := d.readMSICap(offset); ok {
		return value, nil
	}
	if value, ok := d.readMSIXCap(offset); ok {
		return value, nil
	}
	return binary.LittleEndian.Uint32(d.cfg.virtual[offset:]), nil
}

func (d *Device) writeConfigDWord(offset uint16, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pwriteConfigThroughLocked(offset, value)

	var err error
	switch {
	case offset >= offsetBAR0 && offset < offsetBAR0+6*4:
		d.writeBARLocked(offset, value)
	default:
		if handled, e := d.writeMSICap(offset, value); handled {
			err = e
			break
		}
		if handled, e := d.writeMSIXCap(offset, value); handled {
			err = e
			break
		}
		switch offset {
		case offsetCommand &^ 0x3:
			binary.LittleEndian.PutUint16(d.cfg.virtual[offsetCommand:], uint16(value))
		case offsetInterruptLine &^ 0x3:
			d.cfg.virtual[offsetInterruptLine] = byte(value)
		case offsetROMAddress &^ 0x3:
			// Expansion ROM is not emulated; the register stays zero.
		default:
			// Read-only or unimplemented region: config space writes to
			// identity fields, the capability list pointer, and status bits
			// are silently dropped, matching a real PCI function's RO bits.
		}
	}

	d.preadConfigThroughLocked(offset)
	return err
}

// readBARLocked implements the sizing-probe convention: a BAR that is
// mid-probe (the guest last wrote all-ones) responds with its size mask
// instead of its address, so the guest's next read can derive the BAR's
// size.
func (d *Device) readBARLocked(offset uint16) uint32 {
	index := int((offset - offsetBAR0) / 4)
	bar := d.bars[index]
	if bar == nil {
		return 0
	}
	if bar.aliasOf >= 0 {
		low := d.bars[bar.aliasOf]
		if low == nil {
			return 0
		}
		if low.sizing {
			return uint32(low.sizeMask() >> 32)
		}
		return uint32(low.guestBase >> 32)
	}

	if bar.sizing {
		return uint32(bar.sizeMask() & 0xffff_ffff)
	}
	attrs := uint32(0)
	if bar.io {
		attrs = 0x1
	} else if bar.is64 {
		attrs = 0x4
	}
	return uint32(bar.guestBase&0xffff_fff0) | attrs
}

func (d *Device) writeBARLocked(offset uint16, value uint32) {
	index := int((offset - offsetBAR0) / 4)
	bar := d.bars[index]
	if bar == nil {
		return
	}
	if bar.aliasOf >= 0 {
		low := d.bars[bar.aliasOf]
		if low != nil && value == 0xffff_ffff {
			low.sizing = true
		}
		return
	}
	if value == 0xffff_ffff {
		bar.sizing = true
		return
	}
	bar.sizing = false
	// The real address update arrives through Device.OnBARReprogram,
	// which the owning pci.HostBridge calls right after WriteConfig
	// returns, using its own shadow of this register.
}

// readMSIXCap serves reads anywhere in the MSI-X capability.
func (d *Device) readMSIXCap(offset uint16) (uint32, bool) {
	cs := d.cfg
	if cs.msixCapOffset == 0 {
		return 0, false
	}
	base := cs.msixCapOffset

	d.vectors.mu.Lock()
	defer d.vectors.mu.Unlock()

	switch offset {
	case base:
		ctrl := uint16(cs.msixVectorCount-1) & 0x07ff
		if d.vectors.msixEnabled {
			ctrl |= 1 << 15
		}
		if d.vectors.msixFuncMask {
			ctrl |= 1 << 14
		}
		next := d.dispatcherNextLocked(base)
		return uint32(capIDMSIX) | uint32(next)<<8 | uint32(ctrl)<<16, true
	case base + 4:
		return (cs.msixTableOffset &^ 0x7) | uint32(cs.msixTableBAR&0x7), true
	case base + 8:
		return (cs.msixPBAOffset &^ 0x7) | uint32(cs.msixPBABAR&0x7), true
	default:
		return 0, false
	}
}

// writeMSIXCap handles the MSI-X capability's control dword: the enable
// bit and function-mask bit are the only writable fields.
func (d *Device) writeMSIXCap(offset uint16, value uint32) (bool, error) {
	cs := d.cfg
	if cs.msixCapOffset == 0 || offset != cs.msixCapOffset {
		return false, nil
	}

	ctrl := uint16(value >> 16)
	wantEnable := ctrl&(1<<15) != 0
	wantFuncMask := ctrl&(1<<14) != 0

	d.vectors.mu.Lock()
	wasEnabled := d.vectors.msixEnabled
	d.vectors.mu.Unlock()

	if wantEnable && !wasEnabled {
		if err := d.vectors.enableMSIX(); err != nil {
			return true, err
		}
	} else if !wantEnable && wasEnabled {
		d.vectors.disableMSIX()
	}

	d.vectors.setMSIXFunctionMask(wantFuncMask)
	return true, nil
}
