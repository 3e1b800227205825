package vfio

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"

	"github.com/tinyrange/cc/internal/devices/pci"
	"github.com/tinyrange/cc/internal/hv"
)

// fakeVM is a minimal hv.VirtualMachine stand-in. vfio.Device stores its VM
// for diagnostics only (no method on it is called on the paths these tests
// exercise), so every method beyond what's needed to satisfy the interface
// just reports "not supported" or zero values.
type fakeVM struct{}

func (fakeVM) ReadAt(p []byte, off int64) (int, error)  { return 0, fmt.Errorf("fakeVM: unsupported") }
func (fakeVM) WriteAt(p []byte, off int64) (int, error) { return 0, fmt.Errorf("fakeVM: unsupported") }
func (fakeVM) Close() error                             { return nil }
func (fakeVM) Hypervisor() hv.Hypervisor                 { return nil }
func (fakeVM) MemorySize() uint64                        { return 0 }
func (fakeVM) MemoryBase() uint64                        { return 0 }
func (fakeVM) Run(ctx context.Context, cfg hv.RunConfig) error {
	return fmt.Errorf("fakeVM: unsupported")
}
func (fakeVM) SetIRQ(irqLine uint32, level bool) error { return nil }
func (fakeVM) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	return fmt.Errorf("fakeVM: unsupported")
}
func (fakeVM) AddDevice(dev hv.Device) error                   { return nil }
func (fakeVM) AddDeviceFromTemplate(t hv.DeviceTemplate) error { return nil }
func (fakeVM) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	return nil, fmt.Errorf("fakeVM: unsupported")
}
func (fakeVM) CaptureSnapshot() (hv.Snapshot, error)  { return nil, nil }
func (fakeVM) RestoreSnapshot(snap hv.Snapshot) error { return nil }

var _ hv.VirtualMachine = fakeVM{}

// irqSetCall records one SetIRQs invocation for assertions.
type irqSetCall struct {
	kind   IRQKind
	action IRQAction
	start  uint32
	fds    []int
}

// fakeDriver implements PassthroughDriver entirely in memory: region 7 (the
// PCI config region) backs a 256-byte config array, other regions back
// plain byte slices, and MapRegion always reports ErrRegionNotMappable so
// tests exercise bar.go's pread/pwrite fallback instead of needing a real
// mmap.
type fakeDriver struct {
	mu sync.Mutex

	config  [256]byte
	regions map[uint32]RegionInfo
	backing map[uint32][]byte

	irqCalls []irqSetCall
	closed   bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		regions: make(map[uint32]RegionInfo),
		backing: make(map[uint32][]byte),
	}
}

func (d *fakeDriver) setRegion(index uint32, size uint64, flags RegionInfoFlags) {
	d.regions[index] = RegionInfo{Index: index, Size: size, Flags: flags}
	d.backing[index] = make([]byte, size)
}

func (d *fakeDriver) RegionInfo(index uint32) (RegionInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index == VFIOPCIConfigRegionIndex {
		return RegionInfo{Index: index, Size: 256, Flags: RegionInfoFlagRead | RegionInfoFlagWrite}, nil
	}
	info, ok := d.regions[index]
	if !ok {
		return RegionInfo{}, fmt.Errorf("fake: no region %d", index)
	}
	return info, nil
}

func (d *fakeDriver) IRQInfo(kind IRQKind) (IRQInfo, error) {
	return IRQInfo{Count: 8}, nil
}

func (d *fakeDriver) ReadRegion(index uint32, offset uint64, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index == VFIOPCIConfigRegionIndex {
		return copy(p, d.config[offset:]), nil
	}
	buf := d.backing[index]
	if buf == nil {
		return 0, fmt.Errorf("fake: no backing for region %d", index)
	}
	return copy(p, buf[offset:]), nil
}

func (d *fakeDriver) WriteRegion(index uint32, offset uint64, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if index == VFIOPCIConfigRegionIndex {
		return copy(d.config[offset:], p), nil
	}
	buf := d.backing[index]
	if buf == nil {
		return 0, fmt.Errorf("fake: no backing for region %d", index)
	}
	return copy(buf[offset:], p), nil
}

func (d *fakeDriver) MapRegion(index uint32) (MappedRegion, error) {
	return nil, ErrRegionNotMappable
}

func (d *fakeDriver) SetIRQs(kind IRQKind, action IRQAction, startVector uint32, fds []int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]int, len(fds))
	copy(cp, fds)
	d.irqCalls = append(d.irqCalls, irqSetCall{kind: kind, action: action, start: startVector, fds: cp})
	return nil
}

func (d *fakeDriver) Close() error {
	d.closed = true
	return nil
}

var _ PassthroughDriver = (*fakeDriver)(nil)

// fakeRouter implements hv.InterruptRouter by handing out sequential GSIs
// and recording every binding, so tests can assert arm/disarm reach the
// router without a real KVM VM.
type fakeRouter struct {
	mu sync.Mutex

	nextGSI hv.GSI
	routes  map[hv.GSI]hv.MSIMessage
	irqfds  map[hv.GSI][2]int // [triggerFD, resampleFD]
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{routes: make(map[hv.GSI]hv.MSIMessage), irqfds: make(map[hv.GSI][2]int)}
}

func (r *fakeRouter) AddMSIRoute(msg hv.MSIMessage, devID uint32) (hv.GSI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gsi := r.nextGSI
	r.nextGSI++
	r.routes[gsi] = msg
	return gsi, nil
}

func (r *fakeRouter) UpdateMSIRoute(gsi hv.GSI, msg hv.MSIMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[gsi]; !ok {
		return fmt.Errorf("fake: gsi %d not routed", gsi)
	}
	r.routes[gsi] = msg
	return nil
}

func (r *fakeRouter) AddIRQFD(gsi hv.GSI, triggerFD, resampleFD int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.irqfds[gsi] = [2]int{triggerFD, resampleFD}
	return nil
}

func (r *fakeRouter) DelIRQFD(gsi hv.GSI, triggerFD int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.irqfds, gsi)
	return nil
}

var _ hv.InterruptRouter = (*fakeRouter)(nil)

// buildRawConfigSpace synthesizes a 256-byte physical config image with a
// capability chain PM(0x40) -> MSI(0x48) -> MSI-X(0x58), matching what
// buildCapabilityChain is expected to filter down to MSI/MSI-X only.
func buildRawConfigSpace() [256]byte {
	var raw [256]byte

	binary.LittleEndian.PutUint16(raw[offsetVendorID:], 0x1234)
	binary.LittleEndian.PutUint16(raw[offsetDeviceID:], 0x5678)
	raw[offsetHeaderType] = 0x00
	raw[offsetCapPointer] = 0x40
	binary.LittleEndian.PutUint16(raw[offsetStatus:], statusCapList)
	raw[offsetInterruptPin] = 0x01 // INTA#

	// Power Management capability (dropped).
	raw[0x40] = capIDPowerManagement
	raw[0x41] = 0x48

	// MSI capability: 64-bit addressing, no per-vector mask, 1 vector.
	raw[0x48] = capIDMSI
	raw[0x49] = 0x58
	binary.LittleEndian.PutUint16(raw[0x4a:], 0x0080)

	// MSI-X capability: 2 vectors, table in BAR0 @0x1000, PBA in BAR0 @0x2000.
	raw[0x58] = capIDMSIX
	raw[0x59] = 0x00
	binary.LittleEndian.PutUint16(raw[0x5a:], 0x0001)
	binary.LittleEndian.PutUint32(raw[0x5c:], 0x1000)
	binary.LittleEndian.PutUint32(raw[0x60:], 0x2000)

	return raw
}

// newTestHostBridge builds a minimal HostBridge for endpoint registration.
func newTestHostBridge(t *testing.T) *pci.HostBridge {
	t.Helper()
	return pci.NewHostBridge(pci.HostBridgeConfig{
		ConfigBase: 0xe0000000,
		ConfigSize: 1 << 20,
		MMIOBase:   0x20000000,
		MMIOSize:   0x10000000,
		MaxBus:     0,
	})
}

// newTestDevice builds a Device over a fakeDriver/fakeRouter pair with a
// single 64KiB memory BAR0 hosting the MSI-X table and PBA synthesized by
// buildRawConfigSpace.
func newTestDevice(t *testing.T) (*Device, *fakeDriver, *fakeRouter) {
	t.Helper()
	driver := newFakeDriver()
	driver.config = buildRawConfigSpace()
	driver.setRegion(0, 0x10000, RegionInfoFlagRead|RegionInfoFlagWrite)

	router := newFakeRouter()
	host := newTestHostBridge(t)

	dev, err := NewDevice(Config{
		Name:    "0000:00:01.0",
		VM:      fakeVM{},
		Driver:  driver,
		Router:  router,
		Host:    host,
		Bus:     0,
		Dev:     1,
		Fn:      0,
		IRQLine: hv.GSI(10),
	})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	return dev, driver, router
}
