package vfio

import "testing"

func TestNewDeviceArmsINTxByDefault(t *testing.T) {
	dev, driver, router := newTestDevice(t)
	defer dev.Close()

	if !dev.intx.armed {
		t.Fatal("INTx should be armed at construction for a function with an interrupt pin")
	}
	if len(router.irqfds) != 1 {
		t.Fatalf("expected 1 irqfd binding, got %d", len(router.irqfds))
	}

	var sawTrigger, sawUnmask bool
	for _, call := range driver.irqCalls {
		if call.kind != IRQKindINTx {
			continue
		}
		switch call.action {
		case IRQActionTrigger:
			sawTrigger = true
		case IRQActionUnmask:
			sawUnmask = true
		}
	}
	if !sawTrigger || !sawUnmask {
		t.Error("expected both a trigger and an unmask SetIRQs(INTx) call")
	}
}

func TestINTxDisabledWhileMSIXActive(t *testing.T) {
	dev, _, _ := newTestDevice(t)
	defer dev.Close()

	writeMSIXControl(t, dev, true, true)
	writeMSIXEntry(t, dev, 0, 0x1000_0000, 0x55, false)
	writeMSIXControl(t, dev, true, false)

	if dev.intx.armed {
		t.Error("INTx must be disabled once MSI-X takes over interrupt delivery")
	}

	// Disabling MSI-X again must restore INTx.
	writeMSIXControl(t, dev, false, false)
	if !dev.intx.armed {
		t.Error("INTx should re-arm once MSI-X is disabled")
	}
}

func TestINTxTeardownOnClose(t *testing.T) {
	dev, driver, router := newTestDevice(t)

	if err := dev.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if dev.intx.armed {
		t.Error("INTx should be disarmed after Close")
	}
	if len(router.irqfds) != 0 {
		t.Error("Close should release the INTx irqfd binding")
	}
	if !driver.closed {
		t.Error("Close should close the underlying passthrough driver")
	}
}
