package usb

import "github.com/opalusb/corefw/usb/hcc"

// IsDisconnected reports whether dev has been detached: rather than
// trust only the last known Port.State, it walks the chain of parent hubs up
// to the root, querying each hub's live port status, so a device whose own
// interrupt notification was lost (or whose upstream hub vanished first) is
// still correctly reported gone.
func (b *Bus) IsDisconnected(dev *Device) (bool, error) {
	return b.isDeviceDisconnected(dev.ParentHub, dev.ParentPort)
}

// isDeviceDisconnected recursively checks the port at parentPort on the hub
// identified by parentHub (0 meaning the root hub), first asking whether
// that hub itself is still attached.
func (b *Bus) isDeviceDisconnected(parentHub ControllerID, parentPort uint8) (bool, error) {
	var pa portAccessor
	if parentHub == 0 {
		pa = rootPortAccessor{b: b}
	} else {
		ctrl, ok := b.Controller(parentHub)
		if !ok {
			return true, nil
		}
		parentDev, ok := b.Device(ctrl.Device)
		if !ok {
			return true, nil
		}
		upDisconnected, err := b.isDeviceDisconnected(parentDev.ParentHub, parentDev.ParentPort)
		if err != nil {
			return false, err
		}
		if upDisconnected {
			return true, nil
		}
		pa = hubPortAccessor{b: b, hubDeviceAddr: uint8(parentDev.ID), maxPacket0: parentDev.Device.BMaxPacketSize0}
	}

	status, _, err := pa.getStatus(parentPort)
	if err != nil {
		return false, err
	}
	return status&hcc.PortStatusConnection == 0, nil
}
