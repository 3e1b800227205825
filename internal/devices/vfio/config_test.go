package vfio

import (
	"encoding/binary"
	"testing"
)

func TestBuildCapabilityChainDropsUnsupportedCapabilities(t *testing.T) {
	raw := buildRawConfigSpace()
	cs, err := newConfigSpace(raw[:], nil)
	if err != nil {
		t.Fatalf("newConfigSpace: %v", err)
	}

	if len(cs.relinked) != 2 {
		t.Fatalf("expected 2 retained capabilities (MSI, MSI-X), got %d", len(cs.relinked))
	}
	if cs.msiCapOffset != 0x48 {
		t.Errorf("msiCapOffset = %#x, want 0x48", cs.msiCapOffset)
	}
	if cs.msixCapOffset != 0x58 {
		t.Errorf("msixCapOffset = %#x, want 0x58", cs.msixCapOffset)
	}
	if cs.firstCapOffset != 0x48 {
		t.Errorf("firstCapOffset = %#x, want 0x48 (power management must be dropped)", cs.firstCapOffset)
	}
}

func TestBuildCapabilityChainRelinksAroundDroppedCapabilities(t *testing.T) {
	raw := buildRawConfigSpace()
	cs, err := newConfigSpace(raw[:], nil)
	if err != nil {
		t.Fatalf("newConfigSpace: %v", err)
	}

	// The virtual chain must skip the dropped power-management capability:
	// MSI's relinked `next` should point straight at MSI-X.
	var msiNext byte = 0xff
	for _, rc := range cs.relinked {
		if rc.offset == cs.msiCapOffset {
			msiNext = rc.next
		}
	}
	if msiNext != byte(cs.msixCapOffset) {
		t.Errorf("MSI relinked next = %#x, want %#x (MSI-X)", msiNext, cs.msixCapOffset)
	}

	if cs.virtual[offsetCapPointer] != cs.firstCapOffset {
		t.Errorf("virtual cap pointer = %#x, want %#x", cs.virtual[offsetCapPointer], cs.firstCapOffset)
	}
	status := uint16(cs.virtual[offsetStatus]) | uint16(cs.virtual[offsetStatus+1])<<8
	if status&statusCapList == 0 {
		t.Error("CAP_LIST status bit should remain set when capabilities survive filtering")
	}
}

func TestBuildCapabilityChainClearsCapListWhenEmpty(t *testing.T) {
	var raw [256]byte
	raw[offsetHeaderType] = 0x00
	// status register CAP_LIST bit left clear, cap pointer left at 0: no chain at all.

	cs, err := newConfigSpace(raw[:], nil)
	if err != nil {
		t.Fatalf("newConfigSpace: %v", err)
	}
	if len(cs.relinked) != 0 {
		t.Fatalf("expected no retained capabilities, got %d", len(cs.relinked))
	}
	if cs.virtual[offsetCapPointer] != 0 {
		t.Errorf("virtual cap pointer = %#x, want 0", cs.virtual[offsetCapPointer])
	}
}

func TestBuildCapabilityChainRejectsLoop(t *testing.T) {
	var raw [256]byte
	raw[offsetHeaderType] = 0x00
	raw[offsetCapPointer] = 0x40
	binary.LittleEndian.PutUint16(raw[offsetStatus:], statusCapList)
	raw[0x40] = capIDVendorSpecific
	raw[0x41] = 0x40 // points back at itself

	if _, err := newConfigSpace(raw[:], nil); err == nil {
		t.Fatal("expected an error for a looping capability chain")
	}
}

func TestNewConfigSpaceRejectsNonType0Header(t *testing.T) {
	var raw [256]byte
	raw[offsetHeaderType] = 0x01 // type 1 (PCI-to-PCI bridge)

	if _, err := newConfigSpace(raw[:], nil); err == nil {
		t.Fatal("expected an error for a non-type-0 header")
	}
}

func TestNewConfigSpaceParses64BitBARPair(t *testing.T) {
	raw := buildRawConfigSpace()
	// BAR0 as a 64-bit prefetchable memory BAR: memory type 10b, prefetch bit set.
	raw[offsetBAR0] = 0x0c
	raw[offsetBAR0+4] = 0x00 // BAR1 (high dword) untouched by the guest

	cs, err := newConfigSpace(raw[:], nil)
	if err != nil {
		t.Fatalf("newConfigSpace: %v", err)
	}
	if !cs.rawBARs[0].is64 {
		t.Error("BAR0 should be parsed as 64-bit")
	}
	if !cs.rawBARs[0].prefetch {
		t.Error("BAR0 should be parsed as prefetchable")
	}
	if !cs.rawBARs[1].high {
		t.Error("BAR1 should be marked as the high dword of BAR0's pair")
	}
}
