package usb

// Controller is the per-interface handle a class driver binds to: an
// interface number, the configuration value it was built under,
// back-references to its owning device and parent hub/port, a
// device-path fragment, and a "bound" latch. When the interface is itself a
// hub, Hub carries the hub-specific fields.
type Controller struct {
	ID ControllerID

	InterfaceNumber uint8
	ConfigValue     uint8

	Device DeviceID

	// ParentHub is 0 when the owning device hangs directly off the root
	// hub; otherwise it names the hub Controller whose Hub.Ports this
	// device occupies.
	ParentHub  ControllerID
	ParentPort uint8

	DevicePath string
	Bound      bool

	Hub *HubState
}

// IsHub reports whether this controller's interface is a USB hub.
func (c *Controller) IsHub() bool { return c.Hub != nil }
