package vfio

import "testing"

// writeMSIXEntry is a small test helper that programs one MSI-X table entry
// through the guest-visible MMIO path, exactly as a real driver would.
func writeMSIXEntry(t *testing.T, dev *Device, vector int, addr uint64, data uint32, masked bool) {
	t.Helper()
	base := dev.bars[0].guestBase + uint64(dev.cfg.msixTableOffset) + uint64(vector*msixEntrySize)

	var buf [16]byte
	buf[0] = byte(addr)
	buf[1] = byte(addr >> 8)
	buf[2] = byte(addr >> 16)
	buf[3] = byte(addr >> 24)
	buf[4] = byte(addr >> 32)
	buf[5] = byte(addr >> 40)
	buf[6] = byte(addr >> 48)
	buf[7] = byte(addr >> 56)
	buf[8] = byte(data)
	buf[9] = byte(data >> 8)
	buf[10] = byte(data >> 16)
	buf[11] = byte(data >> 24)
	if masked {
		buf[12] = msixVectorCtrlMaskBit
	}

	if err := dev.WriteMMIO(nil, base, buf[:]); err != nil {
		t.Fatalf("WriteMMIO(MSI-X entry %d): %v", vector, err)
	}
}

func writeMSIXControl(t *testing.T, dev *Device, enable, funcMask bool) {
	t.Helper()
	disp := (*dispatcher)(dev)
	base := dev.cfg.msixCapOffset

	current, err := disp.ReadConfig(base, 4)
	if err != nil {
		t.Fatalf("ReadConfig(MSI-X ctrl): %v", err)
	}
	ctrl := uint16(current >> 16)
	if enable {
		ctrl |= 1 << 15
	} else {
		ctrl &^= 1 << 15
	}
	if funcMask {
		ctrl |= 1 << 14
	} else {
		ctrl &^= 1 << 14
	}
	value := (current &^ (0xffff << 16)) | uint32(ctrl)<<16
	if err := disp.WriteConfig(base, 4, value); err != nil {
		t.Fatalf("WriteConfig(MSI-X ctrl): %v", err)
	}
}

func TestMSIXEnableArmsUnmaskedVectorOnFunctionUnmask(t *testing.T) {
	dev, driver, router := newTestDevice(t)
	defer dev.Close()

	// Standard guest sequence: enable with the function mask set, program
	// the table while masked, then clear the function mask.
	writeMSIXControl(t, dev, true, true)
	writeMSIXEntry(t, dev, 0, 0x1000_0000, 0x55, false)
	writeMSIXControl(t, dev, true, false)

	if !dev.vectors.msixEnabled {
		t.Fatal("MSI-X should be enabled")
	}
	if !dev.vectors.msix[0].hostArmed {
		t.Fatal("vector 0 should be armed once the function mask clears")
	}
	if len(router.routes) != 1 {
		t.Fatalf("expected 1 MSI-X route, got %d", len(router.routes))
	}

	foundTrigger := false
	for _, call := range driver.irqCalls {
		if call.kind == IRQKindMSIX && call.action == IRQActionTrigger && call.start == 0 {
			foundTrigger = true
		}
	}
	if !foundTrigger {
		t.Error("expected a SetIRQs(MSI-X, Trigger, vector 0) call")
	}
}

// TestMSIXFirstUnmaskIssuesOneRangeWideSetIRQs covers the batched first-enable
// path: enabling masked, filling every table entry unmasked, then clearing
// the function mask must produce zero SetIRQs calls during fill and exactly
// one multi-vector SetIRQs call (not one per vector) once the function
// unmasks, carrying every vector's eventfd in a single call.
func TestMSIXFirstUnmaskIssuesOneRangeWideSetIRQs(t *testing.T) {
	dev, driver, router := newTestDevice(t)
	defer dev.Close()

	writeMSIXControl(t, dev, true, true) // enable, function-masked
	writeMSIXEntry(t, dev, 0, 0x1000_0000, 0x10, false)
	writeMSIXEntry(t, dev, 1, 0x1000_1000, 0x11, false)

	if len(driver.irqCalls) != 0 {
		t.Fatalf("filling the table while function-masked must not issue SetIRQs, got %d calls", len(driver.irqCalls))
	}

	writeMSIXControl(t, dev, true, false) // clear the function mask

	if !dev.vectors.msix[0].hostArmed || !dev.vectors.msix[1].hostArmed {
		t.Fatal("both vectors should be armed once the function mask clears")
	}
	if len(router.routes) != 2 {
		t.Fatalf("expected 2 MSI-X routes, got %d", len(router.routes))
	}
	if len(driver.irqCalls) != 1 {
		t.Fatalf("expected exactly 1 SetIRQs call on first unmask, got %d", len(driver.irqCalls))
	}
	call := driver.irqCalls[0]
	if call.kind != IRQKindMSIX || call.action != IRQActionTrigger || call.start != 0 {
		t.Fatalf("unexpected SetIRQs call shape: %+v", call)
	}
	if len(call.fds) != 2 || call.fds[0] < 0 || call.fds[1] < 0 {
		t.Fatalf("expected a single range-wide SetIRQs carrying both vectors' fds, got %+v", call.fds)
	}
}

func TestMSIXPerEntryMaskKeepsVectorDisarmed(t *testing.T) {
	dev, _, _ := newTestDevice(t)
	defer dev.Close()

	writeMSIXControl(t, dev, true, false)
	writeMSIXEntry(t, dev, 0, 0x1000_0000, 0x55, true) // entry-level mask set

	if dev.vectors.msix[0].hostArmed {
		t.Error("a masked table entry must not be armed even with the function unmasked")
	}

	writeMSIXEntry(t, dev, 0, 0x1000_0000, 0x55, false) // clear the mask bit
	if !dev.vectors.msix[0].hostArmed {
		t.Error("clearing the entry mask bit should arm the vector")
	}
}

func TestMSIXTableReadReflectsMaskBit(t *testing.T) {
	dev, _, _ := newTestDevice(t)
	defer dev.Close()

	writeMSIXEntry(t, dev, 1, 0x2000_0000, 0x99, true)

	base := dev.bars[0].guestBase + uint64(dev.cfg.msixTableOffset) + uint64(1*msixEntrySize)
	var buf [16]byte
	if err := dev.ReadMMIO(nil, base, buf[:]); err != nil {
		t.Fatalf("ReadMMIO(MSI-X entry 1): %v", err)
	}
	if buf[12]&msixVectorCtrlMaskBit == 0 {
		t.Error("read-back control byte should report the mask bit as set")
	}
}

func TestMSIXPBAWritesAreIgnored(t *testing.T) {
	dev, driver, _ := newTestDevice(t)
	defer dev.Close()

	pbaBase := dev.bars[0].guestBase + uint64(dev.cfg.msixPBAOffset)
	driver.backing[0][dev.cfg.msixPBAOffset] = 0x07

	write := []byte{0xff}
	if err := dev.WriteMMIO(nil, pbaBase, write); err != nil {
		t.Fatalf("WriteMMIO(PBA): %v", err)
	}
	if driver.backing[0][dev.cfg.msixPBAOffset] != 0x07 {
		t.Error("a PBA write must not change the hardware-owned pending bits")
	}

	read := make([]byte, 1)
	if err := dev.ReadMMIO(nil, pbaBase, read); err != nil {
		t.Fatalf("ReadMMIO(PBA): %v", err)
	}
	if read[0] != 0x07 {
		t.Errorf("PBA read = %#x, want 0x07 (forwarded from hardware)", read[0])
	}
}
