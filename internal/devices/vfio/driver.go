// Package vfio emulates a PCI function backed by a physical device bound to
// the host's VFIO driver. It virtualizes the function's configuration space,
// owns its BAR windows (trapping the MSI-X table/PBA, passing the rest
// through to hardware), and routes INTx/MSI/MSI-X interrupts to the guest
// through the hypervisor's interrupt-controller backend.
package vfio

import (
	"fmt"
	"io"
)

// RegionInfo describes one of a device's resources as reported by the host
// kernel: a PCI BAR, the PCI config space itself, or the VGA framebuffer
// aperture on display-class devices.
type RegionInfo struct {
	Index    uint32
	Size     uint64
	Flags    RegionInfoFlags
	Offset   uint64 // pread/pwrite/mmap offset into the device fd
	IsIO     bool
	Is64     bool
	Prefetch bool
}

// RegionInfoFlags mirrors the VFIO_REGION_INFO_FLAG_* bits.
type RegionInfoFlags uint32

const (
	RegionInfoFlagRead RegionInfoFlags = 1 << iota
	RegionInfoFlagWrite
	RegionInfoFlagMmap
)

// IRQInfo describes one of a device's interrupt sets (INTx, MSI, or MSI-X).
type IRQInfo struct {
	Index    uint32
	Count    uint32
	NoResize bool
}

// IRQKind identifies which VFIO IRQ index a set of vectors belongs to.
type IRQKind uint32

const (
	IRQKindINTx IRQKind = iota
	IRQKindMSI
	IRQKindMSIX
)

// PassthroughDriver is the host-side collaborator that owns the physical
// device file descriptor. It is the seam between the emulated PCI function
// and the kernel's VFIO uAPI, so tests can substitute a fake implementation
// without a real device bound to vfio-pci.
type PassthroughDriver interface {
	// RegionInfo returns the layout of one of the device's memory regions.
	RegionInfo(index uint32) (RegionInfo, error)

	// IRQInfo returns the layout of one of the device's IRQ sets.
	IRQInfo(kind IRQKind) (IRQInfo, error)

	// ReadRegion reads len(p) bytes from region index at the given
	// byte offset within the region (pread against the device fd).
	ReadRegion(index uint32, offset uint64, p []byte) (int, error)

	// WriteRegion writes p to region index at the given byte offset
	// (pwrite against the device fd).
	WriteRegion(index uint32, offset uint64, p []byte) (int, error)

	// MapRegion returns an io.ReaderAt/WriterAt for mmap'd access to a
	// BAR, used once the guest address is known and MMIO traffic for
	// non-trapped offsets needs to reach hardware directly. Implementations
	// that cannot mmap a region (it lacks RegionInfoFlagMmap) return
	// ErrRegionNotMappable.
	MapRegion(index uint32) (MappedRegion, error)

	// SetIRQs programs one IRQ set with the given eventfds via
	// VFIO_DEVICE_SET_IRQS. fds[i] == -1 clears vector i. action
	// distinguishes TRIGGER (signal on interrupt) from UNMASK (signal
	// to acknowledge level resampling).
	SetIRQs(kind IRQKind, action IRQAction, startVector uint32, fds []int) error

	// Close releases the underlying device file descriptor.
	Close() error
}

// IRQAction selects which VFIO_IRQ_SET_ACTION_* semantics SetIRQs uses.
type IRQAction uint32

const (
	IRQActionTrigger IRQAction = iota
	IRQActionUnmask
	IRQActionMask
)

// MappedRegion is a live mmap of a device BAR.
type MappedRegion interface {
	io.ReaderAt
	io.WriterAt
	Unmap() error

	// Bytes exposes the mapping's backing slice directly, so a caller that
	// can install it into the guest's physical address space (bypassing
	// the ReadAt/WriterAt trap path entirely) has something to install.
	Bytes() []byte
}

// ErrRegionNotMappable is returned by MapRegion when the kernel did not
// advertise VFIO_REGION_INFO_FLAG_MMAP for the requested region.
var ErrRegionNotMappable = fmt.Errorf("vfio: region not mappable")
