package usb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opalusb/corefw/platform/simplatform"
	"github.com/opalusb/corefw/usb/hcc"
	"github.com/opalusb/corefw/usb/hcc/simhost"
)

// TestEndToEndSingleLowSpeedDevice covers scenario 1: a single low-speed
// device plugged into root port 2. Expected: address 2 allocated,
// SET_ADDRESS=2 issued, device descriptor bMaxPacketSize0=8 retained, one
// configuration, one interface, one endpoint, and children[2] of the root
// hub points at it.
func TestEndToEndSingleLowSpeedDevice(t *testing.T) {
	svc, clk := simplatform.New()
	host := simhost.New(2)
	host.Plug(2, &simhost.SimDevice{
		DeviceDescriptor: rawDeviceDescriptor(8, 1),
		Configs:          [][]byte{rawConfig(1)},
		LowSpeed:         true,
	})

	b, err := NewBus(host, svc, nil)
	require.NoError(t, err)
	e := NewEnumerator(b)
	e.Start()
	clk.Advance(rootPollInterval)

	dev, ok := b.Device(2)
	require.True(t, ok, "address 2 should be allocated to the new device")
	assert.Equal(t, SpeedLow, dev.Speed)
	assert.Equal(t, uint8(8), dev.Device.BMaxPacketSize0)
	require.Len(t, dev.Configs, 1)
	require.Len(t, dev.Configs[0].Interfaces, 1)
	require.Len(t, dev.Configs[0].Interfaces[0].Endpoints, 1)

	root := b.RootPorts()
	assert.Equal(t, DeviceID(2), root[1].Device, "children[2] of the root hub must point at the new device")
	assert.Equal(t, PortReady, root[1].State)
}

// rawHubInterfaceConfig builds a configuration with a single hub-class
// interface and an interrupt IN status-change endpoint, sized for nPorts
// downstream ports.
func rawHubInterfaceConfig(nPorts uint8) []byte {
	ep := []byte{7, byte(DescriptorTypeEndpoint), 0x81, 0x03, 0x01, 0x00, 0x0c}
	iface := []byte{9, byte(DescriptorTypeInterface), 0, 0, 1, byte(HubClassCode), byte(HubSubClassCode), 0x00, 0}
	body := append(append([]byte{}, iface...), ep...)
	total := 9 + len(body)
	hdr := []byte{
		9, byte(DescriptorTypeConfig),
		byte(total), byte(total >> 8),
		1, 1, 0, 0x80, 50,
	}
	return append(hdr, body...)
}

// rawHIDKeyboardConfig builds a configuration with a single HID-keyboard
// interface (class 3, sub-class 1 boot, protocol 1 keyboard) and one
// interrupt IN endpoint.
func rawHIDKeyboardConfig() []byte {
	ep := []byte{7, byte(DescriptorTypeEndpoint), 0x81, 0x03, 0x08, 0x00, 0x0a}
	iface := []byte{9, byte(DescriptorTypeInterface), 0, 0, 1, 0x03, 0x01, 0x01, 0}
	body := append(append([]byte{}, iface...), ep...)
	total := 9 + len(body)
	hdr := []byte{
		9, byte(DescriptorTypeConfig),
		byte(total), byte(total >> 8),
		1, 1, 0, 0x80, 50,
	}
	return append(hdr, body...)
}

func newSimHub(nPorts uint8) *simhost.SimHub {
	ports := make([]*simhost.SimPort, nPorts)
	for i := range ports {
		ports[i] = &simhost.SimPort{}
	}
	return &simhost.SimHub{
		Descriptor:            rawHubDescriptor(nPorts),
		Ports:                 ports,
		InterruptEndpointAddr: 0x81,
	}
}

// TestEndToEndHubWithKeyboard covers scenario 2: a hub on root port 1 with
// a keyboard on its downstream port 3. Root enumeration produces the hub
// controller, its interrupt endpoint subscription fires with a payload that
// identifies port 3, and enumeration builds an address-3 device with
// interface class 3 protocol 1.
func TestEndToEndHubWithKeyboard(t *testing.T) {
	svc, clk := simplatform.New()
	host := simhost.New(1)
	host.Plug(1, &simhost.SimDevice{
		DeviceDescriptor: rawDeviceDescriptor(64, 1),
		Configs:          [][]byte{rawHubInterfaceConfig(4)},
		Hub:              newSimHub(4),
	})

	b, err := NewBus(host, svc, nil)
	require.NoError(t, err)
	e := NewEnumerator(b)
	e.Start()
	clk.Advance(rootPollInterval)

	hubDev, ok := b.Device(2)
	require.True(t, ok, "hub should be enumerated at address 2")
	require.Len(t, hubDev.Controllers, 1)
	hubCtrl, ok := b.Controller(hubDev.Controllers[0])
	require.True(t, ok)
	require.True(t, hubCtrl.IsHub())
	require.Len(t, hubCtrl.Hub.Ports, 4)

	host.PlugChild(2, 3, &simhost.SimDevice{
		DeviceDescriptor: rawDeviceDescriptor(64, 1),
		Configs:          [][]byte{rawHIDKeyboardConfig()},
	})
	host.FireHubInterrupt(2)

	kbd, ok := b.Device(3)
	require.True(t, ok, "keyboard should be enumerated at address 3")
	require.Len(t, kbd.Configs, 1)
	iface := kbd.Configs[0].Interfaces[0]
	assert.EqualValues(t, 3, iface.Descriptor.BInterfaceClass)
	assert.Equal(t, uint8(1), iface.Descriptor.BInterfaceProtocol)
	assert.Equal(t, hubCtrl.ID, kbd.ParentHub)
	assert.Equal(t, uint8(3), kbd.ParentPort)
}

// failSetAddressHost wraps a simhost.Host and fails the SET_ADDRESS request,
// modeling a device that disconnects between the descriptor probe and
// address assignment.
type failSetAddressHost struct {
	*simhost.Host
}

func (f *failSetAddressHost) ControlTransfer(deviceAddr uint8, maxPacketSize0 uint8, reqType uint8, request uint8, value, index uint16, data []byte, timeout time.Duration) (int, error) {
	if request == RequestSetAddress && RequestType(reqType)&0x1f == RequestRecipientDevice {
		return 0, &Error{Kind: DeviceError, Op: "ControlTransfer", Msg: "device disconnected"}
	}
	return f.Host.ControlTransfer(deviceAddr, maxPacketSize0, reqType, request, value, index, data, timeout)
}

// TestEndToEndDisconnectDuringEnumeration covers scenario 3: root port 1
// fires connect, then at the SET_ADDRESS step the port reports
// disconnected. Expected: address freed, no device allocated, port goes to
// EMPTY, no class driver notified.
func TestEndToEndDisconnectDuringEnumeration(t *testing.T) {
	svc, clk := simplatform.New()
	inner := simhost.New(1)
	inner.Plug(1, &simhost.SimDevice{
		DeviceDescriptor: rawDeviceDescriptor(8, 1),
		Configs:          [][]byte{rawConfig(1)},
	})
	host := &failSetAddressHost{Host: inner}

	b, err := NewBus(host, svc, nil)
	require.NoError(t, err)
	e := NewEnumerator(b)
	e.Start()
	clk.Advance(rootPollInterval)

	_, ok := b.Device(2)
	assert.False(t, ok, "no device should be registered after a mid-enumeration disconnect")
	assert.False(t, b.addr.test(2), "address 2 must be freed back to the bitmap")

	root := b.RootPorts()
	assert.Equal(t, PortEmpty, root[0].State)
	assert.Equal(t, DeviceID(0), root[0].Device)
	assert.Empty(t, svc.Publisher.(*simplatform.Publisher).Published, "no class driver handle should have been published")
}

var _ hcc.Capability = (*failSetAddressHost)(nil)
