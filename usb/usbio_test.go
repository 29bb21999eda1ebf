package usb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opalusb/corefw/usb/hcc"
	"github.com/opalusb/corefw/usb/hcc/simhost"
)

func simDeviceFixture() *simhost.SimDevice {
	return &simhost.SimDevice{
		DeviceDescriptor: rawDeviceDescriptor(64, 1),
		Configs:          [][]byte{rawConfig(1)},
		Strings: map[uint8][]byte{
			0: {4, byte(DescriptorTypeString), 0x09, 0x04},
		},
	}
}

// TestGetEndpointDescriptorOutOfRange covers the boundary
// GetEndpointDescriptor(iface, NumEndpoints) -> NotFound.
func TestGetEndpointDescriptorOutOfRange(t *testing.T) {
	b := newTestBus(t, 1)
	iface := &Interface{Endpoints: []*Endpoint{{}}}

	ep, err := b.GetEndpointDescriptor(iface, 1)
	assert.Nil(t, ep)
	require.Error(t, err)
	assert.Same(t, ErrNotFound, err)

	ep, err = b.GetEndpointDescriptor(iface, 0)
	require.NoError(t, err)
	assert.NotNil(t, ep)
}

// TestGetStringDescriptorUnknownLangIDSkipsWireTransfer asserts that an
// unregistered langID is rejected locally, without ever reaching the host
// controller — a langID simhost doesn't know about would otherwise error out
// of ControlTransfer instead of cleanly returning ErrNotFound.
func TestGetStringDescriptorUnknownLangIDSkipsWireTransfer(t *testing.T) {
	b := newTestBus(t, 1)
	dev := &Device{ID: 2, Device: DeviceDescriptor{BMaxPacketSize0: 64}, LangIDs: []uint16{0x0409}}

	_, err := b.GetStringDescriptor(dev, 1, 0x0411)
	require.Error(t, err)
	assert.Same(t, ErrNotFound, err)
}

func TestSetConfigurationRejectsUnknownValueLocally(t *testing.T) {
	b := newTestBus(t, 1)
	dev := &Device{
		ID:     2,
		Device: DeviceDescriptor{BMaxPacketSize0: 64},
		Configs: []*Configuration{
			{Descriptor: ConfigurationDescriptor{BConfigurationValue: 1}},
		},
	}
	err := b.SetConfiguration(dev, 5)
	require.Error(t, err)
	assert.True(t, IsKind(err, InvalidArgument))
	assert.Nil(t, dev.ActiveConfig)
}

func TestBulkTransferRejectsNonBulkEndpoint(t *testing.T) {
	b := newTestBus(t, 1)
	dev := &Device{ID: 2, Device: DeviceDescriptor{BMaxPacketSize0: 64}}
	ep := &Endpoint{Descriptor: EndpointDescriptor{BEndpointAddress: 0x81, BmAttributes: uint8(TransferTypeInterrupt)}}

	_, err := b.BulkTransfer(dev, ep, make([]byte, 8))
	require.Error(t, err)
	assert.True(t, IsKind(err, InvalidArgument))
}

func TestBulkTransferPreservesToggleAcrossCalls(t *testing.T) {
	host := simhost.New(1)
	b := newTestBus(t, 1)
	b.HCC = host
	dev := &Device{ID: 2, Device: DeviceDescriptor{BMaxPacketSize0: 64}}
	ep := &Endpoint{Descriptor: EndpointDescriptor{BEndpointAddress: 0x81, BmAttributes: uint8(TransferTypeBulk)}, Toggle: false}

	_, err := b.BulkTransfer(dev, ep, make([]byte, 8))
	require.NoError(t, err)
	assert.True(t, ep.Toggle, "simhost flips the toggle every successful transfer")

	_, err = b.BulkTransfer(dev, ep, make([]byte, 8))
	require.NoError(t, err)
	assert.False(t, ep.Toggle)
}

func TestClearEndpointHaltResetsToggleOnSuccess(t *testing.T) {
	host := simhost.New(1)
	host.Plug(1, simDeviceFixture())
	require.NoError(t, host.SetRootHubPortFeature(1, hcc.FeaturePortReset))
	b := newTestBus(t, 1)
	b.HCC = host
	require.NoError(t, b.SetAddress(addrReserved, 2, 64))

	dev := &Device{ID: 2, Device: DeviceDescriptor{BMaxPacketSize0: 64}, ParentHub: 0, ParentPort: 1}
	ep := &Endpoint{Descriptor: EndpointDescriptor{BEndpointAddress: 0x81}, Toggle: true}

	err := b.ClearEndpointHalt(dev, ep)
	require.NoError(t, err)
	assert.False(t, ep.Toggle)
}

func TestClearEndpointHaltShortCircuitsOnDetachedDevice(t *testing.T) {
	host := simhost.New(1)
	b := newTestBus(t, 1)
	b.HCC = host

	dev := &Device{ID: 2, Device: DeviceDescriptor{BMaxPacketSize0: 64}, ParentHub: 0, ParentPort: 1}
	ep := &Endpoint{Descriptor: EndpointDescriptor{BEndpointAddress: 0x81}, Toggle: true}

	err := b.ClearEndpointHalt(dev, ep)
	require.Error(t, err)
	assert.True(t, IsKind(err, DeviceError))
	assert.True(t, ep.Toggle, "toggle must be left untouched on failure")
}

func TestIsochronousTransferAlwaysUnsupported(t *testing.T) {
	b := newTestBus(t, 1)
	_, err := b.IsochronousTransfer(&Device{}, &Endpoint{}, nil)
	assert.Same(t, ErrUnsupported, err)
}
