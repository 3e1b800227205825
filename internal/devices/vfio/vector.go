package vfio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/cc/internal/hv"
)

// vectorMode tracks which interrupt mechanism currently owns delivery for a
// device. Only one is ever active: enabling MSI-X disables MSI and INTx,
// enabling MSI disables MSI-X and INTx, and disabling both falls back to
// INTx when the function has a legacy interrupt pin.
type vectorMode int

const (
	vectorModeINTx vectorMode = iota
	vectorModeMSI
	vectorModeMSIX
)

// vectorState is the per-vector half of the two-level state machine: guest
// state (what the guest has programmed and whether it masked the vector)
// and host state (whether a route and irqfd are currently bound). Every
// transition flows through updateVector so the two halves never drift.
type vectorState struct {
	guestAddr   uint64
	guestData   uint32
	guestMasked bool

	hostArmed bool
	hostGSI   hv.GSI
	triggerFD int
}

// vectorEngine owns MSI/MSI-X vector state for one device. Every mutation —
// capability-register writes, MSI-X table writes, enable/disable transitions
// — is serialized through mu so a vector can never be observed half-updated
// by a concurrent config-space access.
type vectorEngine struct {
	mu sync.Mutex

	dev *Device
	cfg *configSpace

	mode vectorMode

	msiEnabled     bool
	msiVectorCount int // 1 << ((ctrl & QSIZE) >> 4)
	msi64Bit       bool
	msiPerVecMask  bool
	msiMaskBits    uint32
	msi            []vectorState

	// msiAddrLo/msiAddrHi/msiBaseData are the capability's raw
	// address/data registers. They are guest-writable (and readable)
	// regardless of whether MSI is currently enabled, matching real
	// hardware: a driver is expected to program them while the enable bit
	// is still clear and flip enable last. enableMSI reads these to build
	// the vector array instead of depending on register writes arriving
	// after the enable bit is set.
	msiAddrLo, msiAddrHi uint32
	msiBaseData          uint32

	msixEnabled  bool
	msixFuncMask bool
	msix         []vectorState
	msixMasked   []bool // per-entry table mask bit, independent of guestMasked above

	// msiHostArmedAny/msixHostArmedAny track host_state.EMPTY (inverted):
	// whether any vector currently has a real route/irqfd established. It
	// gates the choice between the first-enable range-wide SET_IRQS and
	// the per-vector single-vector path in updateVectorLocked's callers.
	msiHostArmedAny  bool
	msixHostArmedAny bool
}

func newVectorEngine(d *Device, cs *configSpace) *vectorEngine {
	e := &vectorEngine{dev: d, cfg: cs, mode: vectorModeINTx}
	if cs.msixCapOffset != 0 {
		e.msix = make([]vectorState, cs.msixVectorCount)
		e.msixMasked = make([]bool, cs.msixVectorCount)
		for i := range e.msix {
			e.msix[i].triggerFD = -1
			e.msixMasked[i] = true
		}
	}
	return e
}

func (e *vectorEngine) teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.msi {
		e.disarmLocked(&e.msi[i])
	}
	for i := range e.msix {
		e.disarmLocked(&e.msix[i])
	}
}

// updateVector is the single choke point for reconciling one vector's guest
// state against its host route. Called whenever: the vector's address/data
// changes, its mask bit flips, or the owning capability's enable bit flips.
func (e *vectorEngine) updateVector(mode vectorMode, index int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateVectorLocked(mode, index)
}

func (e *vectorEngine) updateVectorLocked(mode vectorMode, index int) error {
	vec := e.vectorLocked(mode, index)
	if vec == nil {
		return nil
	}

	shouldArm := e.mode == mode && e.modeEnabledLocked(mode) && !e.funcMaskedLocked(mode) &&
		!vec.guestMasked && !e.tableMaskedLocked(mode, index) && vec.guestAddr != 0

	defer e.refreshHostArmedAnyLocked(mode)

	switch {
	case shouldArm && !vec.hostArmed:
		return e.armLocked(mode, index, vec)
	case shouldArm && vec.hostArmed:
		return e.rearmIfChangedLocked(mode, index, vec)
	case !shouldArm && vec.hostArmed:
		e.disarmLocked(vec)
		return e.programHardwareLocked(mode, index, -1)
	default:
		return nil
	}
}

// refreshHostArmedAnyLocked keeps msiHostArmedAny/msixHostArmedAny in sync
// with a per-vector arm/disarm that happened outside the batch-arm helpers
// (a table write or mask-bit toggle, not a capability enable/unmask), so a
// later enable/unmask transition knows whether the host is genuinely still
// empty before choosing the range-wide SetIRQs path.
func (e *vectorEngine) refreshHostArmedAnyLocked(mode vectorMode) {
	switch mode {
	case vectorModeMSI:
		e.msiHostArmedAny = anyArmed(e.msi)
	case vectorModeMSIX:
		e.msixHostArmedAny = anyArmed(e.msix)
	}
}

func (e *vectorEngine) vectorLocked(mode vectorMode, index int) *vectorState {
	switch mode {
	case vectorModeMSI:
		if index < 0 || index >= len(e.msi) {
			return nil
		}
		return &e.msi[index]
	case vectorModeMSIX:
		if index < 0 || index >= len(e.msix) {
			return nil
		}
		return &e.msix[index]
	default:
		return nil
	}
}

func (e *vectorEngine) modeEnabledLocked(mode vectorMode) bool {
	switch mode {
	case vectorModeMSI:
		return e.msiEnabled
	case vectorModeMSIX:
		return e.msixEnabled
	default:
		return false
	}
}

func (e *vectorEngine) funcMaskedLocked(mode vectorMode) bool {
	return mode == vectorModeMSIX && e.msixFuncMask
}

func (e *vectorEngine) tableMaskedLocked(mode vectorMode, index int) bool {
	if mode != vectorModeMSIX || index < 0 || index >= len(e.msixMasked) {
		return false
	}
	return e.msixMasked[index]
}

func (e *vectorEngine) armLocked(mode vectorMode, index int, vec *vectorState) error {
	router := e.dev.router
	if router == nil {
		return fmt.Errorf("vfio: %s: no interrupt router available for MSI routing", e.dev.Name)
	}

	fd, err := newEventFD()
	if err != nil {
		return fmt.Errorf("vfio: create vector eventfd: %w", err)
	}

	msg := hv.MSIMessage{Address: vec.guestAddr, Data: vec.guestData}
	gsi, err := router.AddMSIRoute(msg, uint32(index))
	if err != nil {
		closeEventFD(fd)
		return fmt.Errorf("vfio: add MSI route: %w", err)
	}

	if err := router.AddIRQFD(gsi, fd, -1); err != nil {
		closeEventFD(fd)
		return fmt.Errorf("vfio: bind irqfd: %w", err)
	}

	if err := e.programHardwareLocked(mode, index, fd); err != nil {
		router.DelIRQFD(gsi, fd)
		closeEventFD(fd)
		return err
	}

	vec.hostArmed = true
	vec.hostGSI = gsi
	vec.triggerFD = fd
	return nil
}

func (e *vectorEngine) rearmIfChangedLocked(mode vectorMode, index int, vec *vectorState) error {
	router := e.dev.router
	if router == nil {
		return nil
	}
	msg := hv.MSIMessage{Address: vec.guestAddr, Data: vec.guestData}
	return router.UpdateMSIRoute(vec.hostGSI, msg)
}

func (e *vectorEngine) disarmLocked(vec *vectorState) {
	if !vec.hostArmed {
		return
	}
	router := e.dev.router
	if router != nil {
		if err := router.DelIRQFD(vec.hostGSI, vec.triggerFD); err != nil {
			slog.Warn("vfio: delete irqfd failed", "device", e.dev.Name, "err", err)
		}
	}
	closeEventFD(vec.triggerFD)
	vec.hostArmed = false
	vec.triggerFD = -1
}

func (e *vectorEngine) programHardwareLocked(mode vectorMode, index int, fd int) error {
	kind := IRQKindMSI
	if mode == vectorModeMSIX {
		kind = IRQKindMSIX
	}
	return e.dev.driver.SetIRQs(kind, IRQActionTrigger, uint32(index), []int{fd})
}

// armInitialRangeLocked implements the §4.G first-enable path: a guest that
// enables a multi-thousand-vector MSI-X capability masked, fills the table,
// then unmasks once must not be met with one SET_IRQS per vector. For every
// vector that currently qualifies to arm (non-zero guest address, not
// masked at any level), it creates the route/irqfd without touching the
// passthrough driver, then issues a single range-wide SET_IRQS covering the
// whole vector array — reserving the driver's per-index SET_IRQS for the
// per-vector update path once the host is no longer empty. It returns
// whether any vector actually armed.
func (e *vectorEngine) armInitialRangeLocked(mode vectorMode, vectors []vectorState) (bool, error) {
	fds := make([]int, len(vectors))
	for i := range fds {
		fds[i] = -1
	}

	armedAny := false
	for i := range vectors {
		vec := &vectors[i]
		if e.funcMaskedLocked(mode) || vec.guestMasked || e.tableMaskedLocked(mode, i) || vec.guestAddr == 0 {
			continue
		}

		router := e.dev.router
		if router == nil {
			return armedAny, fmt.Errorf("vfio: %s: no interrupt router available for MSI routing", e.dev.Name)
		}
		fd, err := newEventFD()
		if err != nil {
			return armedAny, fmt.Errorf("vfio: create vector eventfd: %w", err)
		}
		msg := hv.MSIMessage{Address: vec.guestAddr, Data: vec.guestData}
		gsi, err := router.AddMSIRoute(msg, uint32(i))
		if err != nil {
			closeEventFD(fd)
			return armedAny, fmt.Errorf("vfio: add MSI route: %w", err)
		}
		if err := router.AddIRQFD(gsi, fd, -1); err != nil {
			closeEventFD(fd)
			return armedAny, fmt.Errorf("vfio: bind irqfd: %w", err)
		}

		vec.hostArmed = true
		vec.hostGSI = gsi
		vec.triggerFD = fd
		fds[i] = fd
		armedAny = true
	}

	kind := IRQKindMSI
	if mode == vectorModeMSIX {
		kind = IRQKindMSIX
	}
	if err := e.dev.driver.SetIRQs(kind, IRQActionTrigger, 0, fds); err != nil {
		return armedAny, fmt.Errorf("vfio: program initial vector range: %w", err)
	}
	return armedAny, nil
}

func anyArmed(vectors []vectorState) bool {
	for i := range vectors {
		if vectors[i].hostArmed {
			return true
		}
	}
	return false
}

// enableMSI is the "first enable" path: the guest set the MSI capability's
// enable bit. Per the standard guest programming order, address/data are
// already latched in msiAddrLo/msiAddrHi/msiBaseData by the time this runs
// (the guest wrote them while enable was still clear), so the vector array
// is built directly from those shadow registers and armed immediately,
// rather than waiting on further capability writes that may never come.
func (e *vectorEngine) enableMSI(vectorCount int, is64Bit, perVectorMask bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mode == vectorModeMSIX {
		return fmt.Errorf("vfio: %s: cannot enable MSI while MSI-X is active", e.dev.Name)
	}

	for i := range e.msi {
		e.disarmLocked(&e.msi[i])
	}

	addr := uint64(e.msiAddrLo)
	if is64Bit {
		addr |= uint64(e.msiAddrHi) << 32
	}
	dataMask := uint32(0)
	if vectorCount > 1 {
		dataMask = uint32(vectorCount - 1)
	}
	baseData := e.msiBaseData &^ dataMask

	e.msi = make([]vectorState, vectorCount)
	for i := range e.msi {
		e.msi[i].triggerFD = -1
		e.msi[i].guestAddr = addr
		e.msi[i].guestData = baseData | uint32(i)
		if i < 32 {
			e.msi[i].guestMasked = perVectorMask && e.msiMaskBits&(1<<uint(i)) != 0
		}
	}
	e.msiVectorCount = vectorCount
	e.msi64Bit = is64Bit
	e.msiPerVecMask = perVectorMask
	e.msiEnabled = true
	e.mode = vectorModeMSI

	e.dev.intx.disable()

	armedAny, err := e.armInitialRangeLocked(vectorModeMSI, e.msi)
	if err != nil {
		slog.Warn("vfio: arm initial MSI range failed", "device", e.dev.Name, "err", err)
	}
	e.msiHostArmedAny = armedAny
	return nil
}

// disableMSI tears down every armed MSI vector and, if the function has a
// legacy interrupt pin, falls back to INTx.
func (e *vectorEngine) disableMSI() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.msi {
		e.disarmLocked(&e.msi[i])
		if err := e.programHardwareLocked(vectorModeMSI, i, -1); err != nil {
			slog.Warn("vfio: clear MSI hardware vector failed", "device", e.dev.Name, "err", err)
		}
	}
	e.msiEnabled = false
	e.msiHostArmedAny = false
	if e.mode == vectorModeMSI {
		e.mode = vectorModeINTx
	}

	if e.cfg.intxPin != 0 {
		if err := e.dev.intx.arm(); err != nil {
			slog.Warn("vfio: re-arm INTx after MSI disable failed", "device", e.dev.Name, "err", err)
		}
	}
}

// enableMSIX is MSI-X's equivalent first-enable path.
func (e *vectorEngine) enableMSIX() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.mode == vectorModeMSI {
		return fmt.Errorf("vfio: %s: cannot enable MSI-X while MSI is active", e.dev.Name)
	}

	e.msixEnabled = true
	e.mode = vectorModeMSIX
	e.dev.intx.disable()

	armedAny, err := e.armInitialRangeLocked(vectorModeMSIX, e.msix)
	if err != nil {
		slog.Warn("vfio: arm initial MSI-X range failed", "device", e.dev.Name, "err", err)
	}
	e.msixHostArmedAny = armedAny
	return nil
}

func (e *vectorEngine) disableMSIX() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := range e.msix {
		e.disarmLocked(&e.msix[i])
		if err := e.programHardwareLocked(vectorModeMSIX, i, -1); err != nil {
			slog.Warn("vfio: clear MSI-X hardware vector failed", "device", e.dev.Name, "err", err)
		}
	}
	e.msixEnabled = false
	e.msixHostArmedAny = false
	if e.mode == vectorModeMSIX {
		e.mode = vectorModeINTx
	}

	if e.cfg.intxPin != 0 {
		if err := e.dev.intx.arm(); err != nil {
			slog.Warn("vfio: re-arm INTx after MSI-X disable failed", "device", e.dev.Name, "err", err)
		}
	}
}

// setMSIXFunctionMask handles the capability's whole-function mask bit. An
// unmask while the host is still empty (the guest enabled masked, filled
// the table, and is now unmasking for the first time) takes the batched
// first-enable path instead of updateVectorLocked's per-vector one, exactly
// like enableMSIX/enableMSI.
func (e *vectorEngine) setMSIXFunctionMask(masked bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msixFuncMask = masked

	if !masked && !e.msixHostArmedAny {
		armedAny, err := e.armInitialRangeLocked(vectorModeMSIX, e.msix)
		if err != nil {
			slog.Warn("vfio: arm MSI-X range on function unmask failed", "device", e.dev.Name, "err", err)
		}
		e.msixHostArmedAny = armedAny
		return
	}

	for i := range e.msix {
		_ = e.updateVectorLocked(vectorModeMSIX, i)
	}
	e.msixHostArmedAny = anyArmed(e.msix)
}

// TODO: a whole-capability mask transition (the function-mask bit clearing
// while individual table-entry mask bits are already clear) should flush
// any MSI-X vectors that accumulated a pending interrupt while masked, the
// same way the per-entry unmask path does. VFIO passthrough devices signal
// pending state to hardware directly, so this gap only matters for guests
// that poll the PBA without ever touching a table entry's mask bit; no
// observed guest driver does that today, but it remains an open interop
// question against the virtio-pci emulation this package was modeled on.
