//go:build linux

package vfio

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// VFIO ioctl numbers, derived the same way as the KVM ones in
// internal/hv/kvm/kvm_defs.go: (dir<<30)|(size<<16)|(type<<8)|nr, with
// VFIO_TYPE = ';' (0x3b) and VFIO_BASE = 100.
const (
	vfioGetAPIVersion      = 0x3b64 // _IO(';', 100)
	vfioCheckExtension     = 0x3b65 // _IO(';', 101)
	vfioSetIOMMU           = 0x3b66 // _IO(';', 102)
	vfioGroupGetStatus     = 0x80083b67
	vfioGroupSetContainer  = 0x40043b68
	vfioGroupGetDeviceFD   = 0x3b6a // _IO(';', 106)
	vfioDeviceGetInfo      = 0x80183b6b
	vfioDeviceGetRegionInf = 0xc0203b6c
	vfioDeviceGetIRQInfo   = 0xc0103b6d
	vfioDeviceSetIRQs      = 0x40143b6e
	vfioDeviceReset        = 0x3b6f // _IO(';', 111)
)

const (
	vfioTypeIMMIOAMD = 1 // VFIO_TYPE1_IOMMU
)

const (
	vfioGroupFlagsViable = 1 << 0
)

type vfioGroupStatus struct {
	ArgSz uint32
	Flags uint32
}

type vfioDeviceInfo struct {
	ArgSz      uint32
	Flags      uint32
	NumRegions uint32
	NumIRQs    uint32
	CapOffset  uint32
	_          uint32
}

type vfioRegionInfo struct {
	ArgSz     uint32
	Flags     uint32
	Index     uint32
	CapOffset uint32
	Size      uint64
	Offset    uint64
}

const (
	vfioRegionInfoFlagRead  = 1 << 0
	vfioRegionInfoFlagWrite = 1 << 1
	vfioRegionInfoFlagMmap  = 1 << 2
)

type vfioIRQInfo struct {
	ArgSz uint32
	Flags uint32
	Index uint32
	Count uint32
}

const (
	vfioIRQInfoEventFD = 1 << 0
)

// vfioIRQSetHeader mirrors the fixed portion of struct vfio_irq_set; the
// eventfd array is appended by the caller after this header.
type vfioIRQSetHeader struct {
	ArgSz uint32
	Flags uint32
	Index uint32
	Start uint32
	Count uint32
}

const (
	vfioIRQSetDataNone     = 0 << 0
	vfioIRQSetDataBool     = 1 << 0
	vfioIRQSetDataEventFD  = 2 << 0
	vfioIRQSetActionMask   = 1 << 2
	vfioIRQSetActionUnmask = 2 << 2
	vfioIRQSetActionTriggr = 3 << 2
)

// VFIO region/IRQ indices, matching the PCI-specific enum in linux/vfio.h.
const (
	VFIOPCIBAR0RegionIndex   = 0
	VFIOPCIConfigRegionIndex = 7
	VFIOPCIINTxIRQIndex      = 0
	VFIOPCIMSIIRQIndex       = 1
	VFIOPCIMSIXIRQIndex      = 2
)

// LinuxDriver implements PassthroughDriver against a real VFIO-bound device
// using the legacy container/group uAPI (/dev/vfio/vfio + /dev/vfio/$GROUP).
type LinuxDriver struct {
	containerFile *os.File
	groupFile     *os.File
	deviceFile    *os.File

	mu      sync.Mutex
	regions map[uint32]RegionInfo
}

// OpenLinuxDriver binds to the physical device at pciAddress (a BDF string
// like "0000:01:00.0") through the IOMMU group it belongs to, returning a
// PassthroughDriver ready to serve config-space and BAR traffic.
//
// groupID is the IOMMU group number the device is a member of; the caller
// resolves this from /sys/bus/pci/devices/<addr>/iommu_group before calling.
func OpenLinuxDriver(pciAddress string, groupID int) (*LinuxDriver, error) {
	if err := EnsureFDBudget(); err != nil {
		return nil, fmt.Errorf("vfio: raise fd limit: %w", err)
	}

	container, err := os.OpenFile("/dev/vfio/vfio", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("vfio: open container: %w", err)
	}

	version, err := ioctlNoArg(container.Fd(), vfioGetAPIVersion)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("vfio: get api version: %w", err)
	}
	if version != 0 {
		container.Close()
		return nil, fmt.Errorf("vfio: unsupported API version %d", version)
	}

	groupPath := fmt.Sprintf("/dev/vfio/%d", groupID)
	group, err := os.OpenFile(groupPath, os.O_RDWR, 0)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("vfio: open group %s: %w", groupPath, err)
	}

	var status vfioGroupStatus
	status.ArgSz = uint32(unsafe.Sizeof(status))
	if _, err := ioctlPtr(group.Fd(), vfioGroupGetStatus, unsafe.Pointer(&status)); err != nil {
		group.Close()
		container.Close()
		return nil, fmt.Errorf("vfio: group status: %w", err)
	}
	if status.Flags&vfioGroupFlagsViable == 0 {
		group.Close()
		container.Close()
		return nil, fmt.Errorf("vfio: group %d not viable (device bound to host driver?)", groupID)
	}

	containerFd := int32(container.Fd())
	if _, err := ioctlPtr(group.Fd(), vfioGroupSetContainer, unsafe.Pointer(&containerFd)); err != nil {
		group.Close()
		container.Close()
		return nil, fmt.Errorf("vfio: set container: %w", err)
	}

	if _, err := ioctlNoArg(container.Fd(), uintptr(vfioSetIOMMU)); err != nil {
		// Fall back to passing the IOMMU type explicitly.
		if _, err := ioctl(container.Fd(), vfioSetIOMMU, uintptr(vfioTypeIMMIOAMD)); err != nil {
			group.Close()
			container.Close()
			return nil, fmt.Errorf("vfio: set IOMMU type: %w", err)
		}
	}

	nameBuf := append([]byte(pciAddress), 0)
	devFd, err := ioctlPtr(group.Fd(), vfioGroupGetDeviceFD, unsafe.Pointer(&nameBuf[0]))
	if err != nil {
		group.Close()
		container.Close()
		return nil, fmt.Errorf("vfio: get device fd for %s: %w", pciAddress, err)
	}

	device := os.NewFile(uintptr(devFd), pciAddress)

	return &LinuxDriver{
		containerFile: container,
		groupFile:     group,
		deviceFile:    device,
		regions:       make(map[uint32]RegionInfo),
	}, nil
}

// RegionInfo implements PassthroughDriver.
func (d *LinuxDriver) RegionInfo(index uint32) (RegionInfo, error) {
	d.mu.Lock()
	if cached, ok := d.regions[index]; ok {
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	var req vfioRegionInfo
	req.ArgSz = uint32(unsafe.Sizeof(req))
	req.Index = index
	if _, err := ioctlPtr(d.deviceFile.Fd(), vfioDeviceGetRegionInf, unsafe.Pointer(&req)); err != nil {
		return RegionInfo{}, fmt.Errorf("vfio: region info %d: %w", index, err)
	}

	info := RegionInfo{
		Index:  index,
		Size:   req.Size,
		Offset: req.Offset,
	}
	if req.Flags&vfioRegionInfoFlagRead != 0 {
		info.Flags |= RegionInfoFlagRead
	}
	if req.Flags&vfioRegionInfoFlagWrite != 0 {
		info.Flags |= RegionInfoFlagWrite
	}
	if req.Flags&vfioRegionInfoFlagMmap != 0 {
		info.Flags |= RegionInfoFlagMmap
	}

	d.mu.Lock()
	d.regions[index] = info
	d.mu.Unlock()

	return info, nil
}

// IRQInfo implements PassthroughDriver.
func (d *LinuxDriver) IRQInfo(kind IRQKind) (IRQInfo, error) {
	var req vfioIRQInfo
	req.ArgSz = uint32(unsafe.Sizeof(req))
	req.Index = uint32(irqIndexForKind(kind))
	if _, err := ioctlPtr(d.deviceFile.Fd(), vfioDeviceGetIRQInfo, unsafe.Pointer(&req)); err != nil {
		return IRQInfo{}, fmt.Errorf("vfio: irq info kind=%d: %w", kind, err)
	}
	return IRQInfo{
		Index: req.Index,
		Count: req.Count,
	}, nil
}

func irqIndexForKind(kind IRQKind) uint32 {
	switch kind {
	case IRQKindMSI:
		return VFIOPCIMSIIRQIndex
	case IRQKindMSIX:
		return VFIOPCIMSIXIRQIndex
	default:
		return VFIOPCIINTxIRQIndex
	}
}

// ReadRegion implements PassthroughDriver.
func (d *LinuxDriver) ReadRegion(index uint32, offset uint64, p []byte) (int, error) {
	info, err := d.RegionInfo(index)
	if err != nil {
		return 0, err
	}
	return unix.Pread(int(d.deviceFile.Fd()), p, int64(info.Offset+offset))
}

// WriteRegion implements PassthroughDriver.
func (d *LinuxDriver) WriteRegion(index uint32, offset uint64, p []byte) (int, error) {
	info, err := d.RegionInfo(index)
	if err != nil {
		return 0, err
	}
	return unix.Pwrite(int(d.deviceFile.Fd()), p, int64(info.Offset+offset))
}

// MapRegion implements PassthroughDriver.
func (d *LinuxDriver) MapRegion(index uint32) (MappedRegion, error) {
	info, err := d.RegionInfo(index)
	if err != nil {
		return nil, err
	}
	if info.Flags&RegionInfoFlagMmap == 0 {
		return nil, ErrRegionNotMappable
	}
	prot := unix.PROT_READ
	if info.Flags&RegionInfoFlagWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(int(d.deviceFile.Fd()), int64(info.Offset), int(info.Size), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("vfio: mmap region %d: %w", index, err)
	}
	return &mmapRegion{data: data}, nil
}

type mmapRegion struct {
	mu   sync.RWMutex
	data []byte
}

func (m *mmapRegion) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if off < 0 || int(off) >= len(m.data) {
		return 0, fmt.Errorf("vfio: mmap read out of range")
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *mmapRegion) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || int(off) >= len(m.data) {
		return 0, fmt.Errorf("vfio: mmap write out of range")
	}
	n := copy(m.data[off:], p)
	return n, nil
}

// Bytes returns the mapping's backing slice so a caller with access to the
// guest's physical memory layout can install it directly, instead of going
// through ReadAt/WriteAt on every guest access.
func (m *mmapRegion) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

func (m *mmapRegion) Unmap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// SetIRQs implements PassthroughDriver.
func (d *LinuxDriver) SetIRQs(kind IRQKind, action IRQAction, startVector uint32, fds []int) error {
	headerSize := int(unsafe.Sizeof(vfioIRQSetHeader{}))
	dataSize := len(fds) * 4
	buf := make([]byte, headerSize+dataSize)

	header := (*vfioIRQSetHeader)(unsafe.Pointer(&buf[0]))
	header.ArgSz = uint32(len(buf))
	header.Index = irqIndexForKind(kind)
	header.Start = startVector
	header.Count = uint32(len(fds))
	header.Flags = vfioIRQSetDataEventFD | vfioIRQSetActionForKind(action)

	for i, fd := range fds {
		off := headerSize + i*4
		v := int32(fd)
		*(*int32)(unsafe.Pointer(&buf[off])) = v
	}

	arg := uintptr(0)
	if len(buf) > 0 {
		arg = uintptr(unsafe.Pointer(&buf[0]))
	}
	_, err := ioctl(d.deviceFile.Fd(), vfioDeviceSetIRQs, arg)
	if err != nil {
		return fmt.Errorf("vfio: set irqs kind=%d action=%d: %w", kind, action, err)
	}
	return nil
}

func vfioIRQSetActionForKind(action IRQAction) uint32 {
	switch action {
	case IRQActionMask:
		return vfioIRQSetActionMask
	case IRQActionUnmask:
		return vfioIRQSetActionUnmask
	default:
		return vfioIRQSetActionTriggr
	}
}

// Close implements PassthroughDriver.
func (d *LinuxDriver) Close() error {
	var firstErr error
	if d.deviceFile != nil {
		if err := d.deviceFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.groupFile != nil {
		if err := d.groupFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.containerFile != nil {
		if err := d.containerFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func ioctl(fd uintptr, request uintptr, arg uintptr) (uintptr, error) {
	v1, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, request, arg)
	if errno != 0 {
		return 0, errno
	}
	return v1, nil
}

func ioctlNoArg(fd uintptr, request uintptr) (uintptr, error) {
	return ioctl(fd, request, 0)
}

func ioctlPtr(fd uintptr, request uintptr, p unsafe.Pointer) (uintptr, error) {
	return ioctl(fd, request, uintptr(p))
}

var _ PassthroughDriver = (*LinuxDriver)(nil)
