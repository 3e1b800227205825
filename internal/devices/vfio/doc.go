// Package vfio emulates passthrough PCI functions bound to the host's VFIO
// driver: physical devices handed directly to a guest, with their
// configuration space virtualized and their interrupts rerouted through the
// hypervisor rather than delivered straight to the host kernel.
//
// A Device is constructed with NewDevice once the device's IOMMU group has
// been opened through OpenLinuxDriver (or, in tests, a fake PassthroughDriver)
// and registered with a pci.HostBridge, exactly like the bundled virtio-pci
// devices. cmd/cc's device-assignment flag wiring would call NewDevice once
// per `--pci-passthrough=<bdf>` argument, resolving the BDF to an IOMMU
// group via sysfs before opening the driver; that CLI surface is outside
// this package's scope.
package vfio
