package usb

import (
	"encoding/binary"
	"time"

	"github.com/opalusb/corefw/usb/hcc"
)

// defaultTimeout bounds every transfer issued by the USB-IO surface
//; it is not configurable per call because no caller in this
// core has ever needed a different value.
const defaultTimeout = 5 * time.Second

// ControlTransfer issues a SETUP (+ optional data stage) against dev's
// default control pipe It is the building block every
// other USB-IO operation and the enumerator's build procedure is written on
// top of.
func (b *Bus) ControlTransfer(dev *Device, reqType RequestType, request uint8, value, index uint16, data []byte) (int, error) {
	return b.HCC.ControlTransfer(uint8(dev.ID), dev.Device.BMaxPacketSize0, uint8(reqType), request, value, index, data, defaultTimeout)
}

// getDescriptorRaw issues GET_DESCRIPTOR(type, index, langID) for exactly
// length bytes. addr/maxPacket0 are passed explicitly because this is also
// used during enumeration before a Device record exists (addr 0, provisional
// MaxPacketSize0).
func getDescriptorRaw(b *Bus, addr DeviceID, maxPacket0 uint8, descType DescriptorType, index uint8, langID uint16, length int) ([]byte, error) {
	buf := make([]byte, length)
	value := uint16(descType)<<8 | uint16(index)
	n, err := b.HCC.ControlTransfer(uint8(addr), maxPacket0,
		uint8(RequestDirectionIn|RequestTypeStandard|RequestRecipientDevice), RequestGetDescriptor, value, langID, buf, defaultTimeout)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// GetDeviceDescriptor re-fetches and parses dev's device descriptor.
func (b *Bus) GetDeviceDescriptor(dev *Device) (*DeviceDescriptor, error) {
	raw, err := getDescriptorRaw(b, dev.ID, dev.Device.BMaxPacketSize0, DescriptorTypeDevice, 0, 0, 18)
	if err != nil {
		return nil, err
	}
	return ParseDeviceDescriptor(raw)
}

// GetActiveConfigDescriptor re-fetches and parses dev's currently active
// configuration, using the two-stage (header, then full) fetch.
func (b *Bus) GetActiveConfigDescriptor(dev *Device) (*Configuration, error) {
	if dev.ActiveConfig == nil {
		return nil, &Error{Kind: InvalidArgument, Op: "GetActiveConfigDescriptor", Msg: "device has no active configuration"}
	}
	idx := configIndex(dev, dev.ActiveConfig)
	return fetchConfiguration(b, dev.ID, dev.Device.BMaxPacketSize0, idx)
}

func configIndex(dev *Device, cfg *Configuration) uint8 {
	for i, c := range dev.Configs {
		if c == cfg {
			return uint8(i)
		}
	}
	return 0
}

// fetchConfiguration performs the two-stage configuration fetch:
// first the fixed-size header (to learn wTotalLength), then the full
// descriptor tree.
func fetchConfiguration(b *Bus, addr DeviceID, maxPacket0 uint8, index uint8) (*Configuration, error) {
	hdr, err := getDescriptorRaw(b, addr, maxPacket0, DescriptorTypeConfig, index, 0, 9)
	if err != nil {
		return nil, err
	}
	if len(hdr) < 9 {
		return nil, &Error{Kind: DeviceError, Op: "fetchConfiguration", Msg: "short configuration header"}
	}
	total := int(binary.LittleEndian.Uint16(hdr[2:4]))
	full, err := getDescriptorRaw(b, addr, maxPacket0, DescriptorTypeConfig, index, 0, total)
	if err != nil {
		return nil, err
	}
	return ParseConfiguration(full)
}

// GetInterfaceDescriptor returns the parsed interface at the given index
// within dev's active configuration.
func (b *Bus) GetInterfaceDescriptor(dev *Device, ifaceIndex int) (*Interface, error) {
	if dev.ActiveConfig == nil || ifaceIndex < 0 || ifaceIndex >= len(dev.ActiveConfig.Interfaces) {
		return nil, ErrNotFound
	}
	return dev.ActiveConfig.Interfaces[ifaceIndex], nil
}

// GetEndpointDescriptor returns the parsed endpoint at the given index
// within iface.
func (b *Bus) GetEndpointDescriptor(iface *Interface, epIndex int) (*Endpoint, error) {
	if epIndex < 0 || epIndex >= len(iface.Endpoints) {
		return nil, ErrNotFound
	}
	return iface.Endpoints[epIndex], nil
}

// GetStringDescriptor fetches and decodes string index in the given
// language, validating langID against dev's captured LANGID table.
func (b *Bus) GetStringDescriptor(dev *Device, index uint8, langID uint16) (*StringDescriptor, error) {
	if index == 0 {
		raw, err := getDescriptorRaw(b, dev.ID, dev.Device.BMaxPacketSize0, DescriptorTypeString, 0, 0, 255)
		if err != nil {
			return nil, err
		}
		return ParseStringDescriptor(raw)
	}
	if !dev.hasLangID(langID) {
		return nil, ErrNotFound
	}
	raw, err := getDescriptorRaw(b, dev.ID, dev.Device.BMaxPacketSize0, DescriptorTypeString, index, langID, 255)
	if err != nil {
		return nil, err
	}
	return ParseStringDescriptor(raw)
}

// SetAddress issues SET_ADDRESS against address 0.
func (b *Bus) SetAddress(provisional DeviceID, newAddr DeviceID, maxPacket0 uint8) error {
	_, err := b.HCC.ControlTransfer(uint8(provisional), maxPacket0,
		uint8(RequestDirectionOut|RequestTypeStandard|RequestRecipientDevice), RequestSetAddress, uint16(newAddr), 0, nil, defaultTimeout)
	return err
}

// SetConfiguration issues SET_CONFIGURATION(value) against dev. An
// unmatched configuration value is rejected locally as InvalidArgument —
// it is never silently sent down the wire.
func (b *Bus) SetConfiguration(dev *Device, value uint8) error {
	cfg := dev.configByValue(value)
	if cfg == nil {
		return &Error{Kind: InvalidArgument, Op: "SetConfiguration", Msg: "no configuration with that bConfigurationValue"}
	}
	_, err := b.ControlTransfer(dev, RequestDirectionOut|RequestTypeStandard|RequestRecipientDevice, RequestSetConfiguration, uint16(value), 0, nil)
	if err != nil {
		return err
	}
	dev.ActiveConfig = cfg
	return nil
}

// BulkTransfer moves data through ep, preserving the data toggle across
// calls and only updating it when the controller reports a change. The
// endpoint address with its direction bit masked off must be in 1..15 and the
// endpoint's attributes must declare bulk, per the USB-IO surface's
// contract.
func (b *Bus) BulkTransfer(dev *Device, ep *Endpoint, data []byte) (int, error) {
	if err := checkBulkEndpoint(ep); err != nil {
		return 0, err
	}
	n, toggleOut, err := b.HCC.BulkTransfer(uint8(dev.ID), ep.Descriptor.BEndpointAddress, ep.Descriptor.WMaxPacketSize, ep.Toggle, data, defaultTimeout)
	if err != nil {
		return n, err
	}
	if toggleOut != ep.Toggle {
		ep.Toggle = toggleOut
	}
	return n, nil
}

func checkBulkEndpoint(ep *Endpoint) error {
	num := ep.Descriptor.BEndpointAddress & 0x7f
	if num < 1 || num > 15 {
		return &Error{Kind: InvalidArgument, Op: "BulkTransfer", Msg: "endpoint number out of range 1..15"}
	}
	if ep.Descriptor.TransferType() != TransferTypeBulk {
		return &Error{Kind: InvalidArgument, Op: "BulkTransfer", Msg: "endpoint is not a bulk endpoint"}
	}
	return nil
}

// SyncInterruptTransfer blocks for a single interrupt transfer on ep. The
// endpoint's attributes must declare interrupt.
func (b *Bus) SyncInterruptTransfer(dev *Device, ep *Endpoint, data []byte) (int, error) {
	if ep.Descriptor.TransferType() != TransferTypeInterrupt {
		return 0, &Error{Kind: InvalidArgument, Op: "SyncInterruptTransfer", Msg: "endpoint is not an interrupt endpoint"}
	}
	n, toggleOut, err := b.HCC.SyncInterruptTransfer(uint8(dev.ID), ep.Descriptor.BEndpointAddress, ep.Descriptor.WMaxPacketSize, ep.Descriptor.BInterval, ep.Toggle, data, defaultTimeout)
	if err != nil {
		return n, err
	}
	ep.Toggle = toggleOut
	return n, nil
}

// ClearEndpointHalt issues CLEAR_FEATURE(ENDPOINT_HALT) against ep. Before
// issuing the request it probes the parent port's live status so a
// already-detached device is short-circuited rather than sent a doomed
// control transfer; after issuing it, the endpoint's toggle is reset to 0
// only if the transfer reported no error, leaving it untouched on failure.
func (b *Bus) ClearEndpointHalt(dev *Device, ep *Endpoint) error {
	disconnected, err := b.IsDisconnected(dev)
	if err == nil && disconnected {
		return &Error{Kind: DeviceError, Op: "ClearEndpointHalt", Msg: "device is detached"}
	}
	_, err = b.ControlTransfer(dev, RequestDirectionOut|RequestTypeStandard|RequestRecipientEndpoint,
		RequestClearFeature, FeatureEndpointHalt, uint16(ep.Descriptor.BEndpointAddress), nil)
	if err != nil {
		return err
	}
	ep.Toggle = false
	return nil
}

// AsyncInterruptTransfer arms (isNew=true) or cancels (isNew=false) a
// periodic subscription on ep.
func (b *Bus) AsyncInterruptTransfer(dev *Device, ep *Endpoint, bufLen int, cb hcc.InterruptCallback, isNew bool) error {
	toggleOut, err := b.HCC.AsyncInterruptTransfer(uint8(dev.ID), ep.Descriptor.BEndpointAddress, ep.Descriptor.WMaxPacketSize, ep.Descriptor.BInterval, isNew, bufLen, cb)
	if err != nil {
		return err
	}
	ep.Toggle = toggleOut
	return nil
}

// IsochronousTransfer always fails: isochronous transfer is an explicit
// non-goal.
func (b *Bus) IsochronousTransfer(dev *Device, ep *Endpoint, data []byte) (int, error) {
	return 0, ErrUnsupported
}

// PortReset performs a full reset/recovery cycle on a single port with no
// retry (one attempt), used by class drivers that need to reset an
// already-enumerated device without rebuilding it.
func (b *Bus) PortReset(pa portAccessor, port uint8) error {
	return resetPortOnce(b.Platform.Clock, pa, port, 0)
}
