package vfio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/cc/internal/devices/pci"
	"github.com/tinyrange/cc/internal/hv"
)

// Device emulates a single PCI function backed by a host device bound to
// VFIO. It owns the function's virtual configuration space (config.go), its
// BAR windows (bar.go), and the MSI/MSI-X/INTx vector state machine
// (vector.go, msi.go, msix.go, intx.go), dispatching guest accesses to
// whichever of those a given config or MMIO offset belongs to.
type Device struct {
	// Name identifies the device in logs and diagnostics only; it plays no
	// part in config-space or BAR semantics.
	Name string

	vm     hv.VirtualMachine
	driver PassthroughDriver
	router hv.InterruptRouter

	ioAlloc *ioPortAllocator

	host           *pci.HostBridge
	endpointHandle *pci.DeviceHandle
	bus, dev, fn   uint8

	mu sync.Mutex

	cfg  *configSpace
	bars [6]*barRegion

	vectors *vectorEngine
	intx    *intxEngine

	closed bool
}

// Config bundles the parameters needed to attach a passthrough device to a
// PCI bus and a hypervisor.
type Config struct {
	Name string

	VM     hv.VirtualMachine
	Driver PassthroughDriver
	Router hv.InterruptRouter // optional; nil disables MSI/MSI-X routing

	Host         *pci.HostBridge
	Bus, Dev, Fn uint8

	// IRQLine is the legacy INTx GSI used when the guest has not enabled
	// MSI or MSI-X. Devices that are MSI-X only (no functional INTx pin)
	// may leave this at hv.GSIInvalid.
	IRQLine hv.GSI
}

// NewDevice reads the physical device's configuration space and region
// layout through driver, builds the virtual config space and BAR set, and
// registers the function with host at (bus, dev, fn). The returned Device
// is not yet visible to the guest until RegisterEndpoint succeeds, which
// NewDevice does as its final step.
func NewDevice(cfg Config) (*Device, error) {
	if cfg.Driver == nil {
		return nil, fmt.Errorf("vfio: driver is required")
	}
	if cfg.VM == nil {
		return nil, fmt.Errorf("vfio: vm is required")
	}
	if cfg.Host == nil {
		return nil, fmt.Errorf("vfio: host bridge is required")
	}

	raw := make([]byte, 256)
	if _, err := cfg.Driver.ReadRegion(VFIOPCIConfigRegionIndex, 0, raw); err != nil {
		return nil, fmt.Errorf("vfio: read physical config space: %w", err)
	}

	cs, err := newConfigSpace(raw, cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("vfio: parse config space: %w", err)
	}

	// Write the synthesized header back onto the device handle so hardware's
	// own config-space shadow (the capability chain from 0x40 on, the
	// zeroed ROM/CardBus registers) matches what the guest will see from
	// here on, rather than whatever the physical function last held.
	if _, err := cfg.Driver.WriteRegion(VFIOPCIConfigRegionIndex, 0, cs.virtual[:]); err != nil {
		return nil, fmt.Errorf("vfio: write back synthesized config header: %w", err)
	}

	d := &Device{
		Name:    cfg.Name,
		vm:      cfg.VM,
		driver:  cfg.Driver,
		router:  cfg.Router,
		ioAlloc: newIOPortAllocator(0xc000, 0x4000),
		host:    cfg.Host,
		bus:     cfg.Bus,
		dev:     cfg.Dev,
		fn:      cfg.Fn,
		cfg:     cs,
	}

	bars, err := newBARSet(d, cs)
	if err != nil {
		return nil, fmt.Errorf("vfio: build BAR set: %w", err)
	}
	d.bars = bars

	d.vectors = newVectorEngine(d, cs)
	d.intx = newIntxEngine(d, cfg.IRQLine)

	handle, err := cfg.Host.RegisterEndpoint(cfg.Bus, cfg.Dev, cfg.Fn, d)
	if err != nil {
		return nil, fmt.Errorf("vfio: register endpoint: %w", err)
	}
	d.endpointHandle = handle

	if err := d.allocateBARs(); err != nil {
		return nil, fmt.Errorf("vfio: allocate BARs: %w", err)
	}

	if cs.intxPin != 0 && cfg.IRQLine != hv.GSIInvalid {
		if err := d.intx.arm(); err != nil {
			slog.Warn("vfio: INTx arm failed, legacy interrupts unavailable", "device", cfg.Name, "err", err)
		}
	}

	return d, nil
}

// Init implements hv.Device.
func (d *Device) Init(vm hv.VirtualMachine) error {
	return nil
}

// ConfigSpace implements pci.Endpoint.
func (d *Device) ConfigSpace() pci.ConfigSpace {
	return (*dispatcher)(d)
}

// MMIORegions implements hv.MemoryMappedIODevice. A BAR installed directly
// into guest memory (bar.guestMapped) is omitted: the guest's own page
// tables serve it now, so trapping it here would both be redundant and
// defeat the point of mapping it directly (see bar.go's activate).
func (d *Device) MMIORegions() []hv.MMIORegion {
	d.mu.Lock()
	defer d.mu.Unlock()

	var regions []hv.MMIORegion
	for _, bar := range d.bars {
		if bar == nil || bar.io || bar.guestBase == 0 || bar.guestMapped {
			continue
		}
		regions = append(regions, hv.MMIORegion{Address: bar.guestBase, Size: uint64(bar.size)})
	}
	return regions
}

// ReadMMIO implements hv.MemoryMappedIODevice.
func (d *Device) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	bar, off, err := d.findBAR(addr, uint32(len(data)))
	if err != nil {
		return err
	}
	return bar.read(off, data)
}

// WriteMMIO implements hv.MemoryMappedIODevice.
func (d *Device) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	bar, off, err := d.findBAR(addr, uint32(len(data)))
	if err != nil {
		return err
	}
	return bar.write(off, data)
}

func (d *Device) findBAR(addr uint64, size uint32) (*barRegion, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, bar := range d.bars {
		if bar == nil || bar.io || bar.guestBase == 0 {
			continue
		}
		if addr >= bar.guestBase && addr+uint64(size) <= bar.guestBase+uint64(bar.size) {
			return bar, addr - bar.guestBase, nil
		}
	}
	return nil, 0, fmt.Errorf("vfio: %s: no BAR covers address %#x", d.Name, addr)
}

// OnBARReprogram implements pci.Endpoint.
func (d *Device) OnBARReprogram(index int, value uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onBARReprogramLocked(index, value)
}

// ConfigHashEntry returns this device's contribution to a VM's reproducibility
// hash (hv.ComputeConfigHash). It hashes identity (BDF-derived ID) and the
// retained capability chain, not host register values: those are hardware
// state, not VM configuration, and two configs assigning the same physical
// function should hash identically regardless of what the hardware happened
// to contain at attach time.
func (d *Device) ConfigHashEntry() hv.DeviceConfig {
	d.mu.Lock()
	defer d.mu.Unlock()

	var capBits uint64
	for _, rc := range d.cfg.relinked {
		capBits = capBits<<8 | uint64(rc.offset&0xff)
	}
	return hv.DeviceConfig{
		ID:      fmt.Sprintf("vfio:%02x:%02x.%x:%s", d.bus, d.dev, d.fn, d.Name),
		Base:    capBits,
		Size:    uint64(len(d.cfg.relinked)),
		IRQLine: uint32(d.intx.irqLine),
	}
}

// Close releases the underlying VFIO device and any vector-engine resources.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	d.vectors.teardown()
	d.intx.teardown()

	for _, bar := range d.bars {
		if bar != nil && bar.mapped != nil {
			_ = bar.mapped.Unmap()
		}
	}
	return d.driver.Close()
}

var (
	_ pci.Endpoint            = (*Device)(nil)
	_ hv.Device               = (*Device)(nil)
	_ hv.MemoryMappedIODevice = (*Device)(nil)
)
