package usb

import (
	"time"

	"github.com/opalusb/corefw/usb/hcc"
)

// rootPollInterval is the fixed period the root hub's ports are polled at:
// the root hub has no interrupt endpoint of its own, so the platform polls
// it on a 1-second timer.
const rootPollInterval = 1 * time.Second

// Enumerator drives the event dispatch table: a 1-second
// timer scans the root hub's ports, and every child hub's interrupt
// endpoint drives scans of its own ports as soon as a transfer completes.
// All dispatch funnels through Bus.buildNewDevice / Bus.tearDownDevice,
// which serialize on Bus.mu.
type Enumerator struct {
	Bus *Bus

	cancelRootTimer func()
}

// NewEnumerator wires e as the Bus's hub interrupt handler and returns it
// unstarted; call Start to begin the root-hub poll timer.
func NewEnumerator(b *Bus) *Enumerator {
	e := &Enumerator{Bus: b}
	b.SetHubInterruptHandler(e.handleHubInterrupt)
	return e
}

// Start begins the 1-second root-hub poll.
func (e *Enumerator) Start() {
	e.cancelRootTimer = e.Bus.Platform.Clock.StartTimer(rootPollInterval, e.pollRootPorts)
}

// Stop cancels the root-hub poll timer. Child-hub polling stops on its own
// once every hub has been torn down.
func (e *Enumerator) Stop() {
	if e.cancelRootTimer != nil {
		e.cancelRootTimer()
		e.cancelRootTimer = nil
	}
}

// pollRootPorts scans every root hub port once, dispatching an event for
// any port with a pending change bit.
func (e *Enumerator) pollRootPorts() {
	b := e.Bus
	pa := rootPortAccessor{b: b}
	for _, port := range b.RootPorts() {
		status, change, err := pa.getStatus(port.Index)
		if err != nil {
			b.Log.WithError(err).WithField("port", port.Index).Warn("usb: root hub port status read failed")
			continue
		}
		if change == 0 {
			continue
		}
		e.dispatchPortEvent(pa, port, status, change, 0, port.Index, "")
	}
}

// handleHubInterrupt is invoked (via Bus.onHubInterrupt) whenever a child
// hub's interrupt IN endpoint completes. It scans every changed port one at
// a time, lowest-numbered first.
func (e *Enumerator) handleHubInterrupt(ctrlID ControllerID, payload []byte, err error) {
	b := e.Bus
	if err != nil {
		b.Log.WithError(err).WithField("controller", ctrlID).Warn("usb: hub interrupt transfer failed")
		return
	}
	ctrl, ok := b.Controller(ctrlID)
	if !ok || ctrl.Hub == nil {
		return
	}
	ctrl.Hub.loadChangeBitmap(payload)

	dev, ok := b.Device(ctrl.Device)
	if !ok {
		return
	}
	pa := hubPortAccessor{b: b, hubDeviceAddr: uint8(dev.ID), maxPacket0: dev.Device.BMaxPacketSize0}

	for {
		idx, found := ctrl.Hub.lowestChangedPort()
		if !found {
			break
		}
		port, err := ctrl.Hub.port(idx)
		if err != nil {
			continue
		}
		status, change, err := pa.getStatus(idx)
		if err != nil {
			b.Log.WithError(err).WithField("port", idx).Warn("usb: hub port status read failed")
			continue
		}
		e.dispatchPortEvent(pa, port, status, change, ctrlID, idx, dev.Path)
	}
}

// dispatchPortEvent implements the event table: connection
// changes build or tear down a device, enable/overcurrent changes that
// leave the port disabled tear it down, and every change-change bit is
// acknowledged (cleared) regardless of outcome.
func (e *Enumerator) dispatchPortEvent(pa portAccessor, port *Port, status hcc.PortStatus, change hcc.PortChange, parentHub ControllerID, parentPort uint8, parentPath string) {
	b := e.Bus

	if change&hcc.PortChangeConnection != 0 {
		pa.clearFeature(port.Index, hcc.FeatureCPortConnection)
		if port.Device != 0 {
			b.tearDownDevice(port)
		}
		if status&hcc.PortStatusConnection != 0 {
			if err := b.buildNewDevice(pa, port, parentHub, parentPort, parentPath); err != nil {
				b.Log.WithError(err).WithField("port", port.Index).Warn("usb: device enumeration failed")
			}
		}
	}

	if change&hcc.PortChangeOverCurrent != 0 {
		pa.clearFeature(port.Index, hcc.FeatureCPortOverCurrent)
		b.Log.WithField("port", port.Index).Warn("usb: port over-current condition")
		if status&hcc.PortStatusEnable == 0 && port.Device != 0 {
			b.tearDownDevice(port)
		}
	}

	if change&hcc.PortChangeEnable != 0 {
		pa.clearFeature(port.Index, hcc.FeatureCPortEnable)
		if status&hcc.PortStatusEnable == 0 && port.Device != 0 {
			b.tearDownDevice(port)
		}
	}

	if change&hcc.PortChangeReset != 0 {
		pa.clearFeature(port.Index, hcc.FeatureCPortReset)
	}
}
