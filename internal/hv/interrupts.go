package hv

// GSI identifies a global system interrupt route. It is opaque to callers;
// only the hypervisor backend that issued it knows what it means internally
// (an IOAPIC pin, an MSI routing table slot, ...).
type GSI uint32

// GSIInvalid is the sentinel for "no route assigned yet".
const GSIInvalid GSI = ^GSI(0)

// MSIMessage is the address/data pair a PCI function writes into its MSI or
// MSI-X capability to describe how it wants an interrupt delivered.
type MSIMessage struct {
	Address uint64
	Data    uint32
}

// InterruptRouter is implemented by VirtualMachine backends that can program
// message-signaled interrupt routes and bind them to event file descriptors
// (irqfd-style). It is optional: backends that only support level-triggered
// IRQ lines (see VirtualMachine.SetIRQ) do not implement it, and callers are
// expected to detect its absence with a type assertion, the same pattern
// already used for Arm64GICProvider and for msiCapableVM in the virtio-pci
// device.
type InterruptRouter interface {
	// AddMSIRoute allocates a new GSI and routes it to msg. devID is an
	// opaque per-device identifier used by backends that need it to
	// disambiguate routes (IOMMU-backed posted interrupts, for instance);
	// backends that don't need it may ignore it.
	AddMSIRoute(msg MSIMessage, devID uint32) (GSI, error)

	// UpdateMSIRoute reprograms an existing route's message without
	// changing its GSI number or touching any irqfd bound to it.
	UpdateMSIRoute(gsi GSI, msg MSIMessage) error

	// AddIRQFD binds triggerFD to gsi: signaling triggerFD raises the
	// guest interrupt. If resampleFD is not -1, the route is treated as
	// level-triggered and resampleFD is signaled whenever the guest EOIs,
	// so the caller can deassert the physical line.
	AddIRQFD(gsi GSI, triggerFD, resampleFD int) error

	// DelIRQFD removes the irqfd binding previously installed for
	// (gsi, triggerFD). The GSI route itself remains allocated.
	DelIRQFD(gsi GSI, triggerFD int) error
}
