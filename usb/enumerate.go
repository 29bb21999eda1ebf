package usb

import (
	"time"

	"github.com/google/uuid"

	"github.com/opalusb/corefw/usb/hcc"
)

// usbIOProtocolGUID tags the handle published for every Controller built by
// the enumerator, so a class driver can locate it through
// platform.ProtocolPublisher.
var usbIOProtocolGUID = uuid.MustParse("7efc4bc7-1e1e-4f9f-9f6f-6c1f6f5c7a01")

// maxProbeRetries is the retry budget for the provisional 8-byte device
// descriptor probe: one initial attempt plus this
// many retries, each preceded by another port reset.
const maxProbeRetries = 3

const provisionalMaxPacketSize0 = 8

const addressRecoveryDelay = 2 * time.Millisecond

// buildNewDevice runs the full procedure for a port that just reported
// a connection: reset, address, describe, configure, and (for hub
// interfaces) bring up its downstream ports. Any failure past the initial
// probe rolls back every resource allocated so far and leaves the port
// PortEmpty.
func (b *Bus) buildNewDevice(pa portAccessor, port *Port, parentHub ControllerID, parentPort uint8, parentPath string) error {
	clk := b.Platform.Clock

	status, _, err := pa.getStatus(port.Index)
	if err != nil {
		return err
	}
	speed := SpeedFull
	if status&hcc.PortStatusLowSpeed != 0 {
		speed = SpeedLow
	} else if status&hcc.PortStatusHighSpeed != 0 {
		speed = SpeedHigh
	}

	port.State = PortResetting
	probe, err := probeDevice(b, pa, port.Index)
	if err != nil {
		port.State = PortEmpty
		return err
	}
	maxPacket0 := uint8(provisionalMaxPacketSize0)
	if len(probe) >= 8 && probe[7] != 0 {
		maxPacket0 = probe[7]
	}

	port.State = PortAddressing
	addr, err := b.allocateAddress()
	if err != nil {
		port.State = PortEmpty
		return err
	}
	rollbackAddr := true
	defer func() {
		if rollbackAddr {
			b.releaseAddress(addr)
		}
	}()

	if err := b.SetAddress(addrReserved, addr, maxPacket0); err != nil {
		port.State = PortEmpty
		return err
	}
	clk.Stall(addressRecoveryDelay)

	dd, err := b.GetDeviceDescriptor(&Device{ID: addr, Device: DeviceDescriptor{BMaxPacketSize0: maxPacket0}})
	if err != nil {
		port.State = PortEmpty
		return err
	}

	dev := &Device{
		ID:         addr,
		Speed:      speed,
		Device:     *dd,
		ParentHub:  parentHub,
		ParentPort: parentPort,
	}

	port.State = PortConfiguring
	for i := uint8(0); i < dd.BNumConfigurations; i++ {
		cfg, err := fetchConfiguration(b, addr, dd.BMaxPacketSize0, i)
		if err != nil {
			b.Log.WithError(err).WithField("config_index", i).Warn("usb: skipping unparseable configuration")
			continue
		}
		dev.Configs = append(dev.Configs, cfg)
	}
	if len(dev.Configs) == 0 {
		port.State = PortEmpty
		return &Error{Kind: DeviceError, Op: "buildNewDevice", Msg: "no configuration descriptor parsed"}
	}

	if err := b.SetConfiguration(dev, dev.Configs[0].Descriptor.BConfigurationValue); err != nil {
		port.State = PortEmpty
		return err
	}

	if raw, err := getDescriptorRaw(b, addr, dd.BMaxPacketSize0, DescriptorTypeString, 0, 0, 255); err == nil {
		if sd, err := ParseStringDescriptor(raw); err == nil {
			for i := 0; i+1 < len(sd.Data); i += 2 {
				dev.addLangID(uint16(sd.Data[i]) | uint16(sd.Data[i+1])<<8)
			}
		}
	}

	dev.Path = b.Platform.Paths.Append(parentPath, devicePathFragment(parentPort, addr))

	createdControllers := make([]ControllerID, 0, len(dev.ActiveConfig.Interfaces))
	rollbackControllers := true
	defer func() {
		if rollbackControllers {
			for _, id := range createdControllers {
				if c, ok := b.Controller(id); ok {
					if c.Hub != nil && c.Hub.cancelPoll != nil {
						c.Hub.cancelPoll()
					}
					b.Platform.Publisher.Unpublish(usbIOProtocolGUID, c)
				}
				b.unregisterController(id)
			}
		}
	}()

	for _, iface := range dev.ActiveConfig.Interfaces {
		ctrl := &Controller{
			ID:              b.newControllerID(),
			InterfaceNumber: iface.Descriptor.BInterfaceNumber,
			ConfigValue:     dev.ActiveConfig.Descriptor.BConfigurationValue,
			Device:          addr,
			ParentHub:       parentHub,
			ParentPort:      parentPort,
			DevicePath:      b.Platform.Paths.Append(dev.Path, "Interface"),
		}

		if isHubInterface(iface) {
			hs, err := bringUpHub(b, dev, iface, ctrl)
			if err != nil {
				port.State = PortEmpty
				return err
			}
			ctrl.Hub = hs
		}

		b.registerController(ctrl)
		createdControllers = append(createdControllers, ctrl.ID)
		dev.Controllers = append(dev.Controllers, ctrl.ID)
		if err := b.Platform.Publisher.Publish(usbIOProtocolGUID, ctrl); err != nil {
			port.State = PortEmpty
			return err
		}
	}

	b.registerDevice(dev)
	port.Device = addr
	port.State = PortReady

	rollbackAddr = false
	rollbackControllers = false
	return nil
}

// probeDevice performs up to maxProbeRetries+1 attempts to read the 8-byte
// device descriptor at address 0, each attempt preceded by a fresh port
// reset. 0 retries still performs exactly one attempt; 3 retries performs
// exactly 4.
func probeDevice(b *Bus, pa portAccessor, port uint8) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxProbeRetries; attempt++ {
		if err := resetPortOnce(b.Platform.Clock, pa, port, attempt); err != nil {
			lastErr = err
			continue
		}
		raw, err := getDescriptorRaw(b, addrReserved, provisionalMaxPacketSize0, DescriptorTypeDevice, 0, 0, 8)
		if err != nil {
			lastErr = err
			continue
		}
		return raw, nil
	}
	return nil, lastErr
}

// bringUpHub fetches the hub class descriptor (a two-stage fetch identical
// in shape to the configuration fetch), powers every downstream port, and
// arms the hub's interrupt IN endpoint so status changes reach the
// Enumerator via Bus.onHubInterrupt.
func bringUpHub(b *Bus, dev *Device, iface *Interface, ctrl *Controller) (*HubState, error) {
	epIdx := -1
	for i, ep := range iface.Endpoints {
		if ep.Descriptor.BEndpointAddress&0x80 != 0 && ep.Descriptor.TransferType() == TransferTypeInterrupt {
			epIdx = i
			break
		}
	}
	if epIdx < 0 {
		return nil, &Error{Kind: DeviceError, Op: "bringUpHub", Msg: "hub interface has no interrupt IN endpoint"}
	}
	intEP := iface.Endpoints[epIdx]

	hdrRaw, err := getHubDescriptorRaw(b, dev.ID, dev.Device.BMaxPacketSize0, 8)
	if err != nil {
		return nil, err
	}
	if len(hdrRaw) < 1 {
		return nil, &Error{Kind: DeviceError, Op: "bringUpHub", Msg: "short hub descriptor header"}
	}
	full, err := getHubDescriptorRaw(b, dev.ID, dev.Device.BMaxPacketSize0, int(hdrRaw[0]))
	if err != nil {
		return nil, err
	}
	hd, err := ParseHubDescriptor(full)
	if err != nil {
		return nil, err
	}

	hs, err := newHubState(hd.BNbrPorts, intEP.Descriptor.BEndpointAddress, intEP.Descriptor.WMaxPacketSize, intEP.Descriptor.BInterval)
	if err != nil {
		return nil, err
	}

	pa := hubPortAccessor{b: b, hubDeviceAddr: uint8(dev.ID), maxPacket0: dev.Device.BMaxPacketSize0}
	for p := uint8(1); p <= hd.BNbrPorts; p++ {
		if err := pa.setFeature(p, hcc.FeaturePortPower); err != nil {
			return nil, err
		}
	}
	b.Platform.Clock.Stall(time.Duration(hd.BPwrOn2PwrGood) * 2 * time.Millisecond)

	ctrlID := ctrl.ID
	cb := func(payload []byte, err error) {
		if b.onHubInterrupt != nil {
			b.onHubInterrupt(ctrlID, payload, err)
		}
	}
	if err := b.AsyncInterruptTransfer(dev, intEP, int((hd.BNbrPorts+1+7)/8), cb, true); err != nil {
		return nil, err
	}
	hs.cancelPoll = func() {
		_ = b.AsyncInterruptTransfer(dev, intEP, 0, nil, false)
	}

	return hs, nil
}

// getHubDescriptorRaw issues the hub class's own GET_DESCRIPTOR request
// (recipient=Device, type=Class), distinct from the standard-request
// descriptor fetch every other descriptor type uses.
func getHubDescriptorRaw(b *Bus, addr DeviceID, maxPacket0 uint8, length int) ([]byte, error) {
	buf := make([]byte, length)
	value := uint16(DescriptorTypeHub) << 8
	n, err := b.HCC.ControlTransfer(uint8(addr), maxPacket0,
		uint8(RequestDirectionIn|RequestTypeClass|RequestRecipientDevice), RequestGetDescriptor, value, 0, buf, defaultTimeout)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// tearDownDevice recursively tears down any child hub's own ports first,
// then unpublishes every controller, unregisters the device, releases its
// address, and returns the port to PortEmpty.
func (b *Bus) tearDownDevice(port *Port) {
	port.State = PortTornDown
	dev, ok := b.Device(port.Device)
	if ok {
		for _, cid := range dev.Controllers {
			c, ok := b.Controller(cid)
			if !ok {
				continue
			}
			if c.Hub != nil {
				for _, childPort := range c.Hub.Ports {
					if childPort.Device != 0 {
						b.tearDownDevice(childPort)
					}
				}
				if c.Hub.cancelPoll != nil {
					c.Hub.cancelPoll()
				}
			}
			b.Platform.Publisher.Unpublish(usbIOProtocolGUID, c)
			b.unregisterController(cid)
		}
		b.unregisterDevice(dev.ID)
		b.releaseAddress(dev.ID)
	}
	port.Device = 0
	port.State = PortEmpty
}

func isHubInterface(iface *Interface) bool {
	return iface.Descriptor.BInterfaceClass == HubClassCode && iface.Descriptor.BInterfaceSubClass == HubSubClassCode
}

func devicePathFragment(port uint8, addr DeviceID) string {
	return "Port(" + itoa(int(port)) + ")/Addr(" + itoa(int(addr)) + ")"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
