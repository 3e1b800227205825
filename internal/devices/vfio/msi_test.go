package vfio

import "testing"

func TestMSIEnableArmsVectorOnAddressWrite(t *testing.T) {
	dev, driver, router := newTestDevice(t)
	defer dev.Close()

	disp := (*dispatcher)(dev)
	base := dev.cfg.msiCapOffset

	// Set the MSI enable bit (upper 16 bits of the capability's first dword).
	ctrlDword, err := disp.ReadConfig(base, 4)
	if err != nil {
		t.Fatalf("ReadConfig(MSI ctrl): %v", err)
	}
	ctrlDword |= uint32(msiCtrlEnable) << 16
	if err := disp.WriteConfig(base, 4, ctrlDword); err != nil {
		t.Fatalf("WriteConfig(MSI enable): %v", err)
	}
	if !dev.vectors.msiEnabled {
		t.Fatal("MSI should be enabled after setting the control bit")
	}

	// Program the (64-bit) message address; this alone should be enough to
	// arm vector 0, since its data/mask default to zero/unmasked.
	if err := disp.WriteConfig(base+4, 4, 0x0000_4000); err != nil {
		t.Fatalf("WriteConfig(MSI addr lo): %v", err)
	}

	if len(dev.vectors.msi) != 1 {
		t.Fatalf("expected exactly 1 MSI vector, got %d", len(dev.vectors.msi))
	}
	if !dev.vectors.msi[0].hostArmed {
		t.Fatal("MSI vector 0 should be armed once its address is non-zero")
	}

	if len(router.routes) != 1 {
		t.Fatalf("expected 1 MSI route, got %d", len(router.routes))
	}
	foundTrigger := false
	for _, call := range driver.irqCalls {
		if call.kind == IRQKindMSI && call.action == IRQActionTrigger && len(call.fds) == 1 && call.fds[0] >= 0 {
			foundTrigger = true
		}
	}
	if !foundTrigger {
		t.Error("expected a SetIRQs(MSI, Trigger) call with a valid eventfd")
	}
}

// TestMSIEnableArmsVectorWithRealGuestOrder exercises the actual order Linux
// programs MSI in: address/data are written while the enable bit is still
// clear, and enable is set last. A regression here previously dropped the
// pre-enable address write on the floor (writeMSIAddrLow iterated the
// not-yet-allocated vector array), leaving guestAddr at 0 forever.
func TestMSIEnableArmsVectorWithRealGuestOrder(t *testing.T) {
	dev, driver, router := newTestDevice(t)
	defer dev.Close()

	disp := (*dispatcher)(dev)
	base := dev.cfg.msiCapOffset

	if dev.vectors.msiEnabled {
		t.Fatal("MSI should start disabled")
	}

	// Program address/data while enable is still 0.
	if err := disp.WriteConfig(base+4, 4, 0x0000_4000); err != nil {
		t.Fatalf("WriteConfig(MSI addr lo): %v", err)
	}
	if dev.vectors.msiAddrLo != 0x0000_4000 {
		t.Fatalf("pre-enable address write should latch into the shadow register, got %#x", dev.vectors.msiAddrLo)
	}

	// Now set the enable bit.
	ctrlDword, err := disp.ReadConfig(base, 4)
	if err != nil {
		t.Fatalf("ReadConfig(MSI ctrl): %v", err)
	}
	ctrlDword |= uint32(msiCtrlEnable) << 16
	if err := disp.WriteConfig(base, 4, ctrlDword); err != nil {
		t.Fatalf("WriteConfig(MSI enable): %v", err)
	}

	if len(dev.vectors.msi) != 1 {
		t.Fatalf("expected exactly 1 MSI vector, got %d", len(dev.vectors.msi))
	}
	if dev.vectors.msi[0].guestAddr != 0x0000_4000 {
		t.Fatalf("vector should inherit the pre-enable address, got %#x", dev.vectors.msi[0].guestAddr)
	}
	if !dev.vectors.msi[0].hostArmed {
		t.Fatal("MSI vector 0 should arm immediately on enable, using the address programmed beforehand")
	}
	if len(router.routes) != 1 {
		t.Fatalf("expected 1 MSI route, got %d", len(router.routes))
	}

	foundRangeTrigger := false
	for _, call := range driver.irqCalls {
		if call.kind == IRQKindMSI && call.action == IRQActionTrigger && call.start == 0 && len(call.fds) == 1 && call.fds[0] >= 0 {
			foundRangeTrigger = true
		}
	}
	if !foundRangeTrigger {
		t.Error("expected the first-enable path to issue one range-wide SetIRQs covering vector 0")
	}
}

func TestMSIDisableFallsBackToINTx(t *testing.T) {
	dev, driver, _ := newTestDevice(t)
	defer dev.Close()

	disp := (*dispatcher)(dev)
	base := dev.cfg.msiCapOffset

	ctrlDword, _ := disp.ReadConfig(base, 4)
	ctrlDword |= uint32(msiCtrlEnable) << 16
	if err := disp.WriteConfig(base, 4, ctrlDword); err != nil {
		t.Fatalf("WriteConfig(MSI enable): %v", err)
	}
	if err := disp.WriteConfig(base+4, 4, 0x0000_4000); err != nil {
		t.Fatalf("WriteConfig(MSI addr lo): %v", err)
	}

	// Clear the enable bit: MSI tears down and, since this function has an
	// INTx pin, falls back to legacy interrupt delivery.
	ctrlDword, _ = disp.ReadConfig(base, 4)
	ctrlDword &^= uint32(msiCtrlEnable) << 16
	if err := disp.WriteConfig(base, 4, ctrlDword); err != nil {
		t.Fatalf("WriteConfig(MSI disable): %v", err)
	}

	if dev.vectors.msiEnabled {
		t.Error("MSI should be disabled")
	}
	if dev.vectors.msi[0].hostArmed {
		t.Error("MSI vector 0 should be disarmed after MSI disable")
	}
	if !dev.intx.armed {
		t.Error("INTx should re-arm once MSI is disabled on a function with an interrupt pin")
	}

	unmaskSeen := false
	for _, call := range driver.irqCalls {
		if call.kind == IRQKindINTx && call.action == IRQActionUnmask {
			unmaskSeen = true
		}
	}
	if !unmaskSeen {
		t.Error("expected an INTx unmask SetIRQs call once INTx re-armed")
	}
}
