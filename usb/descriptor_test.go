package usb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawDeviceDescriptor(maxPacket0 uint8, numConfigs uint8) []byte {
	return []byte{
		18, byte(DescriptorTypeDevice),
		0x00, 0x02, // bcdUSB 2.00
		0x00, 0x00, 0x00, // class/subclass/protocol
		maxPacket0,
		0x34, 0x12, // idVendor
		0x78, 0x56, // idProduct
		0x00, 0x01, // bcdDevice
		1, 2, 3, // manufacturer/product/serial string indices
		numConfigs,
	}
}

func TestParseDeviceDescriptorRoundTrip(t *testing.T) {
	raw := rawDeviceDescriptor(64, 1)
	dd, err := ParseDeviceDescriptor(raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(64), dd.BMaxPacketSize0)
	assert.Equal(t, uint16(0x1234), dd.IDVendor)
	assert.Equal(t, uint16(0x5678), dd.IDProduct)
	assert.Equal(t, uint8(1), dd.BNumConfigurations)
}

func TestParseDeviceDescriptorShort(t *testing.T) {
	_, err := ParseDeviceDescriptor(make([]byte, 10))
	require.Error(t, err)
	assert.True(t, IsKind(err, DeviceError))
}

// rawConfig builds a minimal configuration: one interface, one bulk IN
// endpoint.
func rawConfig(cfgValue uint8) []byte {
	ep := []byte{7, byte(DescriptorTypeEndpoint), 0x81, 0x02, 0x40, 0x00, 0x00}
	iface := []byte{9, byte(DescriptorTypeInterface), 0, 0, 1, 0xff, 0x00, 0x00, 0}
	body := append(append([]byte{}, iface...), ep...)
	total := 9 + len(body)
	hdr := []byte{
		9, byte(DescriptorTypeConfig),
		byte(total), byte(total >> 8),
		1,        // bNumInterfaces
		cfgValue, // bConfigurationValue
		0,        // iConfiguration
		0x80,     // bmAttributes
		50,       // bMaxPower
	}
	return append(hdr, body...)
}

func TestParseConfigurationRoundTrip(t *testing.T) {
	cfg, err := ParseConfiguration(rawConfig(1))
	require.NoError(t, err)
	require.Len(t, cfg.Interfaces, 1)
	iface := cfg.Interfaces[0]
	require.Len(t, iface.Endpoints, 1)
	ep := iface.Endpoints[0]
	assert.Equal(t, uint8(0x81), ep.Descriptor.BEndpointAddress)
	assert.Equal(t, TransferTypeBulk, ep.Descriptor.TransferType())
	assert.Equal(t, uint8(1), cfg.Descriptor.BConfigurationValue)
}

func TestParseConfigurationInterfaceCountMismatch(t *testing.T) {
	raw := rawConfig(1)
	raw[4] = 2 // claim two interfaces, only one is present
	_, err := ParseConfiguration(raw)
	require.Error(t, err)
	assert.True(t, IsKind(err, DeviceError))
}

func TestParseConfigurationTotalLengthExceedsBuffer(t *testing.T) {
	raw := rawConfig(1)
	raw[2] = 0xff // wTotalLength lies far past the actual buffer
	_, err := ParseConfiguration(raw)
	require.Error(t, err)
}

// rawHubDescriptor builds a class descriptor for an nPorts-port hub: 7 fixed
// bytes followed by the DeviceRemovable and PortPwrCtrlMask bitmaps.
func rawHubDescriptor(nPorts uint8) []byte {
	nBytes := int(nPorts+7) / 8
	d := []byte{byte(7 + 2*nBytes), byte(DescriptorTypeHub), nPorts, 0x00, 0x00, 50, 0}
	for i := 0; i < 2*nBytes; i++ {
		d = append(d, 0)
	}
	return d
}

func TestParseHubDescriptorRoundTrip(t *testing.T) {
	hd, err := ParseHubDescriptor(rawHubDescriptor(2))
	require.NoError(t, err)
	assert.Equal(t, uint8(2), hd.BNbrPorts)
	assert.Len(t, hd.DeviceRemovable, 1)
	assert.Len(t, hd.PortPwrCtrlMask, 1)
}

// TestParseHubDescriptorSecondFetchTooShort covers the boundary where the
// two-stage fetch's second (full-length) read returns fewer bytes than the
// descriptor's own declared length claims — this must be rejected rather
// than silently parsed with zeroed trailing fields.
func TestParseHubDescriptorSecondFetchTooShort(t *testing.T) {
	full := rawHubDescriptor(2)
	truncated := full[:len(full)-1]
	_, err := ParseHubDescriptor(truncated)
	require.Error(t, err)
	assert.True(t, IsKind(err, DeviceError))
}

func TestParseHubDescriptorPortBitmapTruncated(t *testing.T) {
	// 9 ports need two DeviceRemovable and two PortPwrCtrlMask bytes; the
	// declared length leaves room for only two bitmap bytes in total.
	d := []byte{9, byte(DescriptorTypeHub), 9, 0x00, 0x00, 50, 0, 0x00, 0x00}
	_, err := ParseHubDescriptor(d)
	require.Error(t, err)
}

func TestParseStringDescriptorLangIDTable(t *testing.T) {
	raw := []byte{4, byte(DescriptorTypeString), 0x09, 0x04} // LANGID 0x0409
	sd, err := ParseStringDescriptor(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x09, 0x04}, sd.Data)
}

func TestScanToTypeSkipsUnexpectedDescriptors(t *testing.T) {
	vendor := []byte{4, 0xff, 0xaa, 0xbb} // unknown vendor-specific descriptor
	ep := []byte{7, byte(DescriptorTypeEndpoint), 0x01, 0x02, 0x40, 0x00, 0x00}
	data := append(append([]byte{}, vendor...), ep...)
	off, err := scanToType(data, 0, DescriptorTypeEndpoint, 7)
	require.NoError(t, err)
	assert.Equal(t, len(vendor), off)
}
