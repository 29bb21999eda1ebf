// Package simhost is a deterministic, fully in-memory hcc.Capability used
// by the usb package's test suite (and available to any caller that wants
// to drive the enumerator without real hardware). It has no timers and no
// goroutines of its own: every state transition happens synchronously
// inside the call that triggers it, and hub status-change delivery is
// triggered explicitly by the test via FireHubInterrupt rather than on a
// background poll, so tests never race the simulator.
package simhost

import (
	"sync"
	"time"

	"github.com/opalusb/corefw/usb/hcc"
)

// SimDevice is the canned descriptor set a simulated device responds with.
type SimDevice struct {
	DeviceDescriptor []byte   // raw 18-byte device descriptor
	Configs          [][]byte // raw bytes per configuration index
	Strings          map[uint8][]byte
	Hub              *SimHub
	LowSpeed         bool
	HighSpeed        bool

	maxPacketSize0 uint8
}

// SimHub carries the downstream port table and raw class descriptor of a
// simulated hub device.
type SimHub struct {
	Descriptor            []byte // raw hub class descriptor
	Ports                 []*SimPort
	InterruptEndpointAddr uint8
}

// SimPort is one downstream port, on the root hub or on a simulated hub.
type SimPort struct {
	Status hcc.PortStatus
	Change hcc.PortChange
	Device *SimDevice
}

type epKey struct {
	addr uint8
	ep   uint8
}

// Host is the simulated host controller. Zero value is not usable; use New.
type Host struct {
	mu sync.Mutex

	RootPorts []*SimPort

	addr0  *SimDevice
	byAddr map[uint8]*SimDevice

	toggles map[epKey]bool
	asyncCB map[epKey]hcc.InterruptCallback
}

// New builds a Host with the given number of root hub ports, all initially
// empty.
func New(numRootPorts int) *Host {
	h := &Host{
		byAddr:  make(map[uint8]*SimDevice),
		toggles: make(map[epKey]bool),
		asyncCB: make(map[epKey]hcc.InterruptCallback),
	}
	h.RootPorts = make([]*SimPort, numRootPorts)
	for i := range h.RootPorts {
		h.RootPorts[i] = &SimPort{}
	}
	return h
}

// Plug attaches dev to a root hub port (1-based) and raises the connection
// change bit, as if a cable had just been inserted. A low-speed device's
// LowSpeed status bit is visible from the moment it is plugged.
func (h *Host) Plug(port int, dev *SimDevice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.RootPorts[port-1]
	p.Device = dev
	p.Status |= hcc.PortStatusConnection
	if dev.LowSpeed {
		p.Status |= hcc.PortStatusLowSpeed
	}
	p.Change |= hcc.PortChangeConnection
}

// Unplug detaches whatever occupies a root hub port.
func (h *Host) Unplug(port int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := h.RootPorts[port-1]
	p.Device = nil
	p.Status &^= hcc.PortStatusConnection | hcc.PortStatusEnable
	p.Change |= hcc.PortChangeConnection
}

// PlugChild attaches dev to a downstream port of the hub currently assigned
// hubAddr, raising that port's connection change bit. Call FireHubInterrupt
// afterward to deliver the notification, matching how a real hub's
// interrupt endpoint reports it asynchronously.
func (h *Host) PlugChild(hubAddr uint8, port int, dev *SimDevice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hub := h.byAddr[hubAddr]
	if hub == nil || hub.Hub == nil {
		return
	}
	p := hub.Hub.Ports[port-1]
	p.Device = dev
	p.Status |= hcc.PortStatusConnection
	if dev.LowSpeed {
		p.Status |= hcc.PortStatusLowSpeed
	}
	p.Change |= hcc.PortChangeConnection
}

// FireHubInterrupt synchronously invokes the callback armed by
// AsyncInterruptTransfer for hubAddr's interrupt endpoint, with a bitmap
// payload reflecting every downstream port that currently has a pending
// change. No-op if no subscription is armed.
func (h *Host) FireHubInterrupt(hubAddr uint8) {
	h.mu.Lock()
	hub := h.byAddr[hubAddr]
	if hub == nil || hub.Hub == nil {
		h.mu.Unlock()
		return
	}
	nBytes := (len(hub.Hub.Ports) + 1 + 7) / 8
	payload := make([]byte, nBytes)
	for i, p := range hub.Hub.Ports {
		if p.Change != 0 {
			bit := uint(i + 1)
			payload[bit/8] |= 1 << (bit % 8)
		}
	}
	cb := h.asyncCB[epKey{hubAddr, hub.Hub.InterruptEndpointAddr}]
	h.mu.Unlock()
	if cb != nil {
		cb(payload, nil)
	}
}

func (h *Host) Reset(attributes uint32) error { return nil }
func (h *Host) SetState(state uint32) error   { return nil }

func (h *Host) GetRootHubPortNumber() (uint8, error) {
	return uint8(len(h.RootPorts)), nil
}

func (h *Host) GetRootHubPortStatus(port uint8) (hcc.PortStatus, hcc.PortChange, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, err := h.rootPort(port)
	if err != nil {
		return 0, 0, err
	}
	return p.Status, p.Change, nil
}

func (h *Host) rootPort(port uint8) (*SimPort, error) {
	if port == 0 || int(port) > len(h.RootPorts) {
		return nil, &simError{"rootPort", "port index out of range"}
	}
	return h.RootPorts[port-1], nil
}

type simError struct{ op, msg string }

func (e *simError) Error() string { return "simhost: " + e.op + ": " + e.msg }

func (h *Host) SetRootHubPortFeature(port uint8, feature hcc.Feature) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, err := h.rootPort(port)
	if err != nil {
		return err
	}
	switch feature {
	case hcc.FeaturePortReset:
		// Real hardware takes time to complete a reset; the simulator
		// completes it immediately and reports the device's negotiated
		// speed, since nothing in this core's logic depends on the reset
		// being observably in-flight.
		if p.Device != nil {
			h.addr0 = p.Device
			p.Status |= hcc.PortStatusEnable
			if p.Device.LowSpeed {
				p.Status |= hcc.PortStatusLowSpeed
			}
			if p.Device.HighSpeed {
				p.Status |= hcc.PortStatusHighSpeed
			}
			p.Change |= hcc.PortChangeReset | hcc.PortChangeEnable
		}
	case hcc.FeaturePortPower:
		p.Status |= hcc.PortStatusPower
	}
	return nil
}

func (h *Host) ClearRootHubPortFeature(port uint8, feature hcc.Feature) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, err := h.rootPort(port)
	if err != nil {
		return err
	}
	switch feature {
	case hcc.FeatureCPortConnection:
		p.Change &^= hcc.PortChangeConnection
	case hcc.FeatureCPortEnable:
		p.Change &^= hcc.PortChangeEnable
	case hcc.FeatureCPortOverCurrent:
		p.Change &^= hcc.PortChangeOverCurrent
	case hcc.FeatureCPortReset:
		p.Change &^= hcc.PortChangeReset
	}
	return nil
}

// Standard/class request codes mirrored here (rather than imported from
// package usb) to keep simhost dependency-free of the package it exists to
// test.
const (
	reqGetStatus        = 0x00
	reqClearFeature     = 0x01
	reqSetFeature       = 0x03
	reqSetAddress       = 0x05
	reqGetDescriptor    = 0x06
	reqSetConfiguration = 0x09

	descTypeDevice = 1
	descTypeConfig = 2
	descTypeString = 3
	descTypeHub    = 0x29

	reqTypeDirIn    = 0x80
	reqTypeClass    = 0x20
	reqTypeOther    = 0x03
	reqTypeStandard = 0x00

	reqTypeRecipientEndpoint = 0x02
)

func (h *Host) deviceAt(addr uint8) *SimDevice {
	if addr == 0 {
		return h.addr0
	}
	return h.byAddr[addr]
}

// ControlTransfer dispatches standard GET_DESCRIPTOR / SET_ADDRESS /
// SET_CONFIGURATION requests and hub-class GET_STATUS / SET_FEATURE /
// CLEAR_FEATURE requests against whichever SimDevice currently answers at
// deviceAddr.
func (h *Host) ControlTransfer(deviceAddr uint8, maxPacketSize0 uint8, reqType uint8, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	recipient := reqType & 0x1f
	typ := reqType & 0x60
	dir := reqType & 0x80

	if request == reqSetAddress && recipient == reqTypeStandard {
		if h.addr0 == nil {
			return 0, &simError{"ControlTransfer", "no device addressed at 0"}
		}
		h.addr0.maxPacketSize0 = maxPacketSize0
		h.byAddr[uint8(value)] = h.addr0
		h.addr0 = nil
		return 0, nil
	}

	dev := h.deviceAt(deviceAddr)
	if dev == nil {
		return 0, &simError{"ControlTransfer", "no device at address"}
	}

	if request == reqGetDescriptor && typ == reqTypeStandard && dir == reqTypeDirIn {
		descType := uint8(value >> 8)
		index8 := uint8(value)
		switch descType {
		case descTypeDevice:
			return copyTrunc(data, dev.DeviceDescriptor), nil
		case descTypeConfig:
			if int(index8) >= len(dev.Configs) {
				return 0, &simError{"ControlTransfer", "configuration index out of range"}
			}
			return copyTrunc(data, dev.Configs[index8]), nil
		case descTypeString:
			raw, ok := dev.Strings[index8]
			if !ok {
				return 0, &simError{"ControlTransfer", "string index not found"}
			}
			return copyTrunc(data, raw), nil
		}
	}

	if request == reqGetDescriptor && typ == reqTypeClass && dir == reqTypeDirIn {
		if dev.Hub == nil {
			return 0, &simError{"ControlTransfer", "device is not a hub"}
		}
		return copyTrunc(data, dev.Hub.Descriptor), nil
	}

	if request == reqSetConfiguration && typ == reqTypeStandard {
		return 0, nil
	}

	// Standard CLEAR_FEATURE(ENDPOINT_HALT) against the endpoint
	// recipient: simhost tracks no actual halt latch, so this always
	// succeeds, matching a real device's response to a halt it never
	// actually asserted.
	if request == reqClearFeature && typ == reqTypeStandard && recipient == reqTypeRecipientEndpoint {
		return 0, nil
	}

	if typ == reqTypeClass && recipient == reqTypeOther {
		if dev.Hub == nil || int(index) == 0 || int(index) > len(dev.Hub.Ports) {
			return 0, &simError{"ControlTransfer", "invalid hub port"}
		}
		p := dev.Hub.Ports[index-1]
		switch request {
		case reqGetStatus:
			buf := []byte{byte(p.Status), byte(p.Status >> 8), byte(p.Change), byte(p.Change >> 8)}
			return copyTrunc(data, buf), nil
		case reqSetFeature:
			switch hcc.Feature(value) {
			case hcc.FeaturePortReset:
				if p.Device != nil {
					h.addr0 = p.Device
					p.Status |= hcc.PortStatusEnable
					if p.Device.LowSpeed {
						p.Status |= hcc.PortStatusLowSpeed
					}
					if p.Device.HighSpeed {
						p.Status |= hcc.PortStatusHighSpeed
					}
					p.Change |= hcc.PortChangeReset | hcc.PortChangeEnable
				}
			case hcc.FeaturePortPower:
				p.Status |= hcc.PortStatusPower
			}
			return 0, nil
		case reqClearFeature:
			switch hcc.Feature(value) {
			case hcc.FeatureCPortConnection:
				p.Change &^= hcc.PortChangeConnection
			case hcc.FeatureCPortEnable:
				p.Change &^= hcc.PortChangeEnable
			case hcc.FeatureCPortOverCurrent:
				p.Change &^= hcc.PortChangeOverCurrent
			case hcc.FeatureCPortReset:
				p.Change &^= hcc.PortChangeReset
			}
			return 0, nil
		}
	}

	return 0, &simError{"ControlTransfer", "unhandled request"}
}

func copyTrunc(dst, src []byte) int {
	n := copy(dst, src)
	return n
}

// BulkTransfer, SyncInterruptTransfer: simhost has no canned bulk/interrupt
// payload registry; every call returns a zero-length successful transfer and
// flips the toggle, so class-driver-level code under test can still exercise
// toggle bookkeeping.
func (h *Host) BulkTransfer(deviceAddr, endpoint uint8, maxPacketSize uint16, toggleIn bool, data []byte, timeout time.Duration) (int, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := epKey{deviceAddr, endpoint}
	h.toggles[key] = !toggleIn
	return 0, h.toggles[key], nil
}

func (h *Host) SyncInterruptTransfer(deviceAddr, endpoint uint8, maxPacketSize uint16, interval uint8, toggleIn bool, data []byte, timeout time.Duration) (int, bool, error) {
	return h.BulkTransfer(deviceAddr, endpoint, maxPacketSize, toggleIn, data, timeout)
}

func (h *Host) AsyncInterruptTransfer(deviceAddr, endpoint uint8, maxPacketSize uint16, interval uint8, isNew bool, bufLen int, cb hcc.InterruptCallback) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := epKey{deviceAddr, endpoint}
	if !isNew {
		delete(h.asyncCB, key)
		return h.toggles[key], nil
	}
	h.asyncCB[key] = cb
	return h.toggles[key], nil
}

func (h *Host) IsochronousTransfer(deviceAddr, endpoint uint8, data []byte) (int, error) {
	return 0, hcc.ErrIsochronousUnsupported
}

func (h *Host) AsyncIsochronousTransfer(deviceAddr, endpoint uint8, bufLen int, cb hcc.InterruptCallback) error {
	return hcc.ErrIsochronousUnsupported
}

var _ hcc.Capability = (*Host)(nil)
