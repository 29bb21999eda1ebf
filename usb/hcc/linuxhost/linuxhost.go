//go:build linux

// Package linuxhost implements hcc.Capability against a real Linux usbfs
// host controller (/dev/bus/usb/BBB/DDD), using the goioctl-built ioctl
// codes in the usbfs subpackage.
package linuxhost

import (
	"context"
	"sync"
	"time"

	"github.com/opalusb/corefw/usb/hcc"
	"github.com/opalusb/corefw/usb/hcc/linuxhost/usbfs"
)

// Host is a Linux usbfs-backed hcc.Capability. One Host corresponds to one
// USB bus (a /dev/bus/usb/BBB directory); the root hub itself is always
// device 001 on that bus.
type Host struct {
	BusNumber int

	mu      sync.Mutex
	fds     map[uint8]int // device address -> open fd
	streams map[uint8]*asyncStream
}

type asyncStream struct {
	cancel context.CancelFunc
}

// New opens the root hub device (address 1) on the given bus and returns a
// ready Host.
func New(busNumber int) (*Host, error) {
	fd, err := usbfs.OpenDevice(busNumber, 1)
	if err != nil {
		return nil, err
	}
	h := &Host{
		BusNumber: busNumber,
		fds:       map[uint8]int{1: fd},
		streams:   map[uint8]*asyncStream{},
	}
	return h, nil
}

func (h *Host) fdFor(addr uint8) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fd, ok := h.fds[addr]; ok {
		return fd, nil
	}
	fd, err := usbfs.OpenDevice(h.BusNumber, int(addr))
	if err != nil {
		return 0, err
	}
	h.fds[addr] = fd
	return fd, nil
}

func (h *Host) Reset(attributes uint32) error {
	fd, err := h.fdFor(1)
	if err != nil {
		return err
	}
	return usbfs.ResetDevice(fd)
}

// SetState has no usbfs equivalent (power-state transitions are owned by
// the kernel's runtime PM, not this ioctl surface); it is a no-op so
// callers written against the Capability interface don't need a type
// switch.
func (h *Host) SetState(state uint32) error { return nil }

func (h *Host) GetRootHubPortNumber() (uint8, error) {
	fd, err := h.fdFor(1)
	if err != nil {
		return 0, err
	}
	info, err := usbfs.HubPortInfo(fd)
	if err != nil {
		return 0, err
	}
	return info.NPorts, nil
}

func (h *Host) GetRootHubPortStatus(port uint8) (hcc.PortStatus, hcc.PortChange, error) {
	buf := make([]byte, 4)
	_, err := h.ControlTransfer(1, 64, 0x80|0x20|0x03, 0x00, 0, uint16(port), buf, defaultTimeout)
	if err != nil {
		return 0, 0, err
	}
	status := hcc.PortStatus(buf[0]) | hcc.PortStatus(buf[1])<<8
	change := hcc.PortChange(buf[2]) | hcc.PortChange(buf[3])<<8
	return status, change, nil
}

func (h *Host) SetRootHubPortFeature(port uint8, feature hcc.Feature) error {
	_, err := h.ControlTransfer(1, 64, 0x00|0x20|0x03, 0x03, uint16(feature), uint16(port), nil, defaultTimeout)
	return err
}

func (h *Host) ClearRootHubPortFeature(port uint8, feature hcc.Feature) error {
	_, err := h.ControlTransfer(1, 64, 0x00|0x20|0x03, 0x01, uint16(feature), uint16(port), nil, defaultTimeout)
	return err
}

const defaultTimeout = 5 * time.Second

func (h *Host) ControlTransfer(deviceAddr uint8, _ uint8, reqType uint8, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	fd, err := h.fdFor(deviceAddr)
	if err != nil {
		return 0, err
	}
	return usbfs.ControlTransfer(fd, reqType, request, value, index, uint32(timeout.Milliseconds()), data)
}

func (h *Host) BulkTransfer(deviceAddr, endpoint uint8, _ uint16, toggleIn bool, data []byte, timeout time.Duration) (int, bool, error) {
	fd, err := h.fdFor(deviceAddr)
	if err != nil {
		return 0, toggleIn, err
	}
	n, err := usbfs.BulkTransfer(fd, uint32(endpoint), uint32(timeout.Milliseconds()), data)
	// usbfs owns toggle state internally; this Capability reports it
	// unchanged since the kernel driver, not this core, tracks it for a
	// real endpoint.
	return n, toggleIn, err
}

func (h *Host) SyncInterruptTransfer(deviceAddr, endpoint uint8, maxPacketSize uint16, interval uint8, toggleIn bool, data []byte, timeout time.Duration) (int, bool, error) {
	// USBDEVFS_BULK is valid against interrupt endpoints too; usbfs does
	// not distinguish transfer type at the ioctl layer.
	return h.BulkTransfer(deviceAddr, endpoint, maxPacketSize, toggleIn, data, timeout)
}

// AsyncInterruptTransfer simulates a periodic subscription with a polling
// goroutine rather than the full USBDEVFS_SUBMITURB/REAPURB pipeline: it
// blocks on SyncInterruptTransfer at roughly the endpoint's bInterval
// cadence and delivers each completion (or terminal error) to cb. This
// backend is exercised by construction only, never by the hermetic test
// suite (simhost fills that role), so the simplification doesn't reduce
// coverage — but it does mean this backend issues one real ioctl per
// interval tick instead of relying on kernel-side URB queuing.
func (h *Host) AsyncInterruptTransfer(deviceAddr, endpoint uint8, maxPacketSize uint16, interval uint8, isNew bool, bufLen int, cb hcc.InterruptCallback) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := deviceAddr ^ endpoint<<4

	if !isNew {
		if s, ok := h.streams[key]; ok {
			s.cancel()
			delete(h.streams, key)
		}
		return false, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.streams[key] = &asyncStream{cancel: cancel}

	period := time.Duration(interval) * time.Millisecond
	if period <= 0 {
		period = time.Millisecond
	}
	go func() {
		toggle := false
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				buf := make([]byte, bufLen)
				n, newToggle, err := h.SyncInterruptTransfer(deviceAddr, endpoint, maxPacketSize, interval, toggle, buf, defaultTimeout)
				toggle = newToggle
				if err != nil {
					cb(nil, err)
					continue
				}
				cb(buf[:n], nil)
			}
		}
	}()
	return false, nil
}

func (h *Host) IsochronousTransfer(deviceAddr, endpoint uint8, data []byte) (int, error) {
	return 0, hcc.ErrIsochronousUnsupported
}

func (h *Host) AsyncIsochronousTransfer(deviceAddr, endpoint uint8, bufLen int, cb hcc.InterruptCallback) error {
	return hcc.ErrIsochronousUnsupported
}

// Close releases every open device fd this Host has accumulated.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var first error
	for addr, fd := range h.fds {
		if err := usbfs.CloseDevice(fd); err != nil && first == nil {
			first = err
		}
		delete(h.fds, addr)
	}
	return first
}

var _ hcc.Capability = (*Host)(nil)
