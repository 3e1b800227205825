package vfio

import (
	"fmt"
	"sync"

	"github.com/tinyrange/cc/internal/hv"
)

// intxEngine emulates the device's legacy, level-triggered INTx pin. Unlike
// MSI/MSI-X, INTx is shared and level-triggered, so the kernel needs both a
// trigger eventfd (signaled when the line asserts) and a resample eventfd
// (signaled when the guest EOIs, so the host can deassert and let another
// device sharing the line raise it again).
type intxEngine struct {
	mu sync.Mutex

	dev     *Device
	irqLine hv.GSI

	armed      bool
	triggerFD  int
	resampleFD int
}

func newIntxEngine(d *Device, irqLine hv.GSI) *intxEngine {
	return &intxEngine{dev: d, irqLine: irqLine, triggerFD: -1, resampleFD: -1}
}

// arm binds INTx delivery for this device. It is a no-op if the function
// has no legacy interrupt pin, the VM's interrupt router doesn't support
// irqfd routing, or INTx is already armed (MSI/MSI-X disable calls back
// into this unconditionally).
func (e *intxEngine) arm() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.armed || e.irqLine == hv.GSIInvalid {
		return nil
	}
	router := e.dev.router
	if router == nil {
		return fmt.Errorf("vfio: %s: no interrupt router for INTx", e.dev.Name)
	}

	triggerFD, err := newEventFD()
	if err != nil {
		return fmt.Errorf("vfio: INTx trigger eventfd: %w", err)
	}
	resampleFD, err := newEventFD()
	if err != nil {
		closeEventFD(triggerFD)
		return fmt.Errorf("vfio: INTx resample eventfd: %w", err)
	}

	if err := router.AddIRQFD(e.irqLine, triggerFD, resampleFD); err != nil {
		closeEventFD(triggerFD)
		closeEventFD(resampleFD)
		return fmt.Errorf("vfio: bind INTx irqfd: %w", err)
	}

	if err := e.dev.driver.SetIRQs(IRQKindINTx, IRQActionTrigger, 0, []int{triggerFD}); err != nil {
		router.DelIRQFD(e.irqLine, triggerFD)
		closeEventFD(triggerFD)
		closeEventFD(resampleFD)
		return fmt.Errorf("vfio: program INTx trigger: %w", err)
	}
	if err := e.dev.driver.SetIRQs(IRQKindINTx, IRQActionUnmask, 0, []int{resampleFD}); err != nil {
		router.DelIRQFD(e.irqLine, triggerFD)
		_ = e.dev.driver.SetIRQs(IRQKindINTx, IRQActionTrigger, 0, []int{-1})
		closeEventFD(triggerFD)
		closeEventFD(resampleFD)
		return fmt.Errorf("vfio: program INTx resample: %w", err)
	}

	e.armed = true
	e.triggerFD = triggerFD
	e.resampleFD = resampleFD
	return nil
}

// disable tears down INTx routing without touching the VFIO INTx IRQ index
// itself; it is called whenever MSI or MSI-X take over delivery.
func (e *intxEngine) disable() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disableLocked()
}

func (e *intxEngine) disableLocked() {
	if !e.armed {
		return
	}
	_ = e.dev.driver.SetIRQs(IRQKindINTx, IRQActionUnmask, 0, []int{-1})
	_ = e.dev.driver.SetIRQs(IRQKindINTx, IRQActionTrigger, 0, []int{-1})
	if e.dev.router != nil {
		_ = e.dev.router.DelIRQFD(e.irqLine, e.triggerFD)
	}
	closeEventFD(e.triggerFD)
	closeEventFD(e.resampleFD)
	e.armed = false
	e.triggerFD = -1
	e.resampleFD = -1
}

func (e *intxEngine) teardown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disableLocked()
}
