package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// DescriptorType identifies the wire type of a USB descriptor, per the
// (length, type) pair every descriptor starts with.
type DescriptorType uint8

const (
	DescriptorTypeDevice    = DescriptorType(1)
	DescriptorTypeConfig    = DescriptorType(2)
	DescriptorTypeString    = DescriptorType(3)
	DescriptorTypeInterface = DescriptorType(4)
	DescriptorTypeEndpoint  = DescriptorType(5)
	DescriptorTypeHub       = DescriptorType(0x29)
)

// DescriptorHeader is the common (length, type) prefix of every descriptor.
type DescriptorHeader struct {
	Length         uint8
	DescriptorType DescriptorType
}

// DeviceDescriptor is the fixed 18-byte top-level descriptor.
type DeviceDescriptor struct {
	DescriptorHeader
	BcdUSB             uint16
	BDeviceClass       ClassCode
	BDeviceSubClass    SubClass
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
}

// ConfigurationDescriptor is the fixed-size header of a configuration; the
// interface/endpoint tree beneath it is parsed separately by
// ParseConfiguration.
type ConfigurationDescriptor struct {
	DescriptorHeader
	WTotalLength        uint16
	BNumInterfaces      uint8
	BConfigurationValue uint8
	IConfiguration      uint8
	BmAttributes        uint8
	BMaxPower           uint8
}

// InterfaceDescriptor describes one interface within a configuration.
type InterfaceDescriptor struct {
	DescriptorHeader
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    ClassCode
	BInterfaceSubClass SubClass
	BInterfaceProtocol uint8
	IInterface         uint8
}

// EndpointDescriptor describes bandwidth and addressing for one endpoint.
type EndpointDescriptor struct {
	DescriptorHeader
	BEndpointAddress uint8
	BmAttributes     uint8
	WMaxPacketSize   uint16
	BInterval        uint8
}

// StringDescriptor carries either a LANGID table (index 0) or a UCS-2 string.
type StringDescriptor struct {
	DescriptorHeader
	Data []byte
}

// HubDescriptor is the class-specific descriptor read from a hub interface:
// the first two bytes give bDescLength/bDescriptorType, the rest is
// power-switching/overcurrent/port-count metadata plus per-port removable
// and power-control bitmaps sized by bNbrPorts.
type HubDescriptor struct {
	DescriptorHeader
	BNbrPorts           uint8
	WHubCharacteristics uint16
	BPwrOn2PwrGood      uint8
	BHubContrCurrent    uint8
	DeviceRemovable     []byte
	PortPwrCtrlMask     []byte
}

// Endpoint wraps a parsed EndpointDescriptor with the mutable toggle state
// that must survive across transfers.
type Endpoint struct {
	Descriptor EndpointDescriptor
	Toggle     bool
}

// Interface wraps a parsed InterfaceDescriptor with its ordered endpoint
// children.
type Interface struct {
	Descriptor InterfaceDescriptor
	Endpoints  []*Endpoint
}

// Configuration wraps a parsed ConfigurationDescriptor with its ordered
// interface children.
type Configuration struct {
	Descriptor ConfigurationDescriptor
	Interfaces []*Interface
}

// peekHeader reads length+type at data[offset:] without consuming data, so
// the caller can skip one unexpected descriptor at a time.
func peekHeader(data []byte, offset int) (DescriptorHeader, error) {
	if offset+2 > len(data) {
		return DescriptorHeader{}, io.EOF
	}
	return DescriptorHeader{Length: data[offset], DescriptorType: DescriptorType(data[offset+1])}, nil
}

// scanToType skips descriptors that are neither the expected type nor
// end-of-buffer. A descriptor whose declared length is illegal, or whose
// type matches but is longer than expected, is fatal.
func scanToType(data []byte, offset int, want DescriptorType, minLen int) (int, error) {
	for offset < len(data) {
		hdr, err := peekHeader(data, offset)
		if err != nil {
			return offset, &Error{Kind: DeviceError, Op: "scanToType", Msg: fmt.Sprintf("truncated descriptor header at offset %d", offset)}
		}
		if hdr.Length < 2 || int(hdr.Length) > len(data)-offset {
			return offset, &Error{Kind: DeviceError, Op: "scanToType", Msg: fmt.Sprintf("descriptor length %d out of range at offset %d", hdr.Length, offset)}
		}
		if hdr.DescriptorType == want {
			if int(hdr.Length) > minLen {
				return offset, &Error{Kind: DeviceError, Op: "scanToType", Msg: fmt.Sprintf("descriptor type %v length %d exceeds expected %d", want, hdr.Length, minLen)}
			}
			return offset, nil
		}
		offset += int(hdr.Length)
	}
	return offset, &Error{Kind: DeviceError, Op: "scanToType", Msg: fmt.Sprintf("no descriptor of type %v before end of buffer", want)}
}

// parseEndpoint decodes one EndpointDescriptor at data[offset:] and returns
// the offset just past it.
func parseEndpoint(data []byte, offset int) (*Endpoint, int, error) {
	offset, err := scanToType(data, offset, DescriptorTypeEndpoint, 7)
	if err != nil {
		return nil, offset, err
	}
	hdr, _ := peekHeader(data, offset)
	end := offset + int(hdr.Length)
	if end > len(data) {
		return nil, offset, &Error{Kind: DeviceError, Op: "parseEndpoint", Msg: "truncated endpoint descriptor"}
	}
	var ep EndpointDescriptor
	if err := binary.Read(bytes.NewReader(data[offset:end]), binary.LittleEndian, &ep); err != nil {
		return nil, offset, &Error{Kind: DeviceError, Op: "parseEndpoint", Msg: err.Error()}
	}
	return &Endpoint{Descriptor: ep}, end, nil
}

// parseInterface decodes one InterfaceDescriptor plus its BNumEndpoints
// children at data[offset:].
func parseInterface(data []byte, offset int) (*Interface, int, error) {
	offset, err := scanToType(data, offset, DescriptorTypeInterface, 9)
	if err != nil {
		return nil, offset, err
	}
	hdr, _ := peekHeader(data, offset)
	end := offset + int(hdr.Length)
	if end > len(data) {
		return nil, offset, &Error{Kind: DeviceError, Op: "parseInterface", Msg: "truncated interface descriptor"}
	}
	var id InterfaceDescriptor
	if err := binary.Read(bytes.NewReader(data[offset:end]), binary.LittleEndian, &id); err != nil {
		return nil, offset, &Error{Kind: DeviceError, Op: "parseInterface", Msg: err.Error()}
	}
	iface := &Interface{Descriptor: id}
	next := end
	for i := 0; i < int(id.BNumEndpoints); i++ {
		ep, n, err := parseEndpoint(data, next)
		if err != nil {
			return nil, next, err
		}
		iface.Endpoints = append(iface.Endpoints, ep)
		next = n
	}
	if len(iface.Endpoints) != int(id.BNumEndpoints) {
		return nil, next, &Error{Kind: DeviceError, Op: "parseInterface", Msg: "endpoint count mismatch"}
	}
	return iface, next, nil
}

// ParseConfiguration produces the configuration/interface/endpoint tree
// from the raw bytes returned by GET_DESCRIPTOR(CONFIG). A child's parse
// failure aborts only this configuration; the caller (the enumerator,
// walking configuration indices) continues with the next index.
func ParseConfiguration(data []byte) (*Configuration, error) {
	offset, err := scanToType(data, 0, DescriptorTypeConfig, 9)
	if err != nil {
		return nil, err
	}
	hdr, _ := peekHeader(data, offset)
	end := offset + int(hdr.Length)
	if end > len(data) {
		return nil, &Error{Kind: DeviceError, Op: "ParseConfiguration", Msg: "truncated configuration descriptor"}
	}
	var cd ConfigurationDescriptor
	if err := binary.Read(bytes.NewReader(data[offset:end]), binary.LittleEndian, &cd); err != nil {
		return nil, &Error{Kind: DeviceError, Op: "ParseConfiguration", Msg: err.Error()}
	}
	if int(cd.WTotalLength) > len(data) {
		return nil, &Error{Kind: DeviceError, Op: "ParseConfiguration", Msg: "total length exceeds transferred buffer"}
	}
	cfg := &Configuration{Descriptor: cd}
	next := end
	for i := 0; i < int(cd.BNumInterfaces); i++ {
		iface, n, err := parseInterface(data, next)
		if err != nil {
			return nil, err
		}
		cfg.Interfaces = append(cfg.Interfaces, iface)
		next = n
	}
	if len(cfg.Interfaces) != int(cd.BNumInterfaces) {
		return nil, &Error{Kind: DeviceError, Op: "ParseConfiguration", Msg: "interface count mismatch"}
	}
	return cfg, nil
}

// ParseDeviceDescriptor decodes the fixed 18-byte device descriptor.
func ParseDeviceDescriptor(data []byte) (*DeviceDescriptor, error) {
	if len(data) < 18 {
		return nil, &Error{Kind: DeviceError, Op: "ParseDeviceDescriptor", Msg: "short device descriptor"}
	}
	var dd DeviceDescriptor
	if err := binary.Read(bytes.NewReader(data[:18]), binary.LittleEndian, &dd); err != nil {
		return nil, &Error{Kind: DeviceError, Op: "ParseDeviceDescriptor", Msg: err.Error()}
	}
	return &dd, nil
}

// ParseHubDescriptor decodes a hub class descriptor, sized by the first
// byte (bDescLength) from the caller's two-stage fetch.
func ParseHubDescriptor(data []byte) (*HubDescriptor, error) {
	if len(data) < 2 {
		return nil, &Error{Kind: DeviceError, Op: "ParseHubDescriptor", Msg: "short hub descriptor"}
	}
	declared := int(data[0])
	if declared > len(data) {
		return nil, &Error{Kind: DeviceError, Op: "ParseHubDescriptor", Msg: "hub descriptor truncated on second fetch"}
	}
	if declared < 9 {
		return nil, &Error{Kind: DeviceError, Op: "ParseHubDescriptor", Msg: "hub descriptor shorter than fixed fields"}
	}
	hd := &HubDescriptor{
		DescriptorHeader:    DescriptorHeader{Length: data[0], DescriptorType: DescriptorType(data[1])},
		BNbrPorts:           data[2],
		WHubCharacteristics: binary.LittleEndian.Uint16(data[3:5]),
		BPwrOn2PwrGood:      data[5],
		BHubContrCurrent:    data[6],
	}
	nPortBytes := (int(hd.BNbrPorts) + 7) / 8
	remaining := data[7:declared]
	if len(remaining) < 2*nPortBytes {
		return nil, &Error{Kind: DeviceError, Op: "ParseHubDescriptor", Msg: "hub descriptor port bitmap truncated"}
	}
	hd.DeviceRemovable = append([]byte(nil), remaining[:nPortBytes]...)
	hd.PortPwrCtrlMask = append([]byte(nil), remaining[nPortBytes:2*nPortBytes]...)
	return hd, nil
}

// ParseStringDescriptor decodes a string descriptor; for lang==0 the Data
// field is the LANGID table, otherwise a UCS-2 payload.
func ParseStringDescriptor(data []byte) (*StringDescriptor, error) {
	if len(data) < 2 {
		return nil, &Error{Kind: DeviceError, Op: "ParseStringDescriptor", Msg: "short string descriptor"}
	}
	declared := int(data[0])
	if declared > len(data) || declared < 2 {
		return nil, &Error{Kind: DeviceError, Op: "ParseStringDescriptor", Msg: "string descriptor length out of range"}
	}
	return &StringDescriptor{
		DescriptorHeader: DescriptorHeader{Length: data[0], DescriptorType: DescriptorType(data[1])},
		Data:             append([]byte(nil), data[2:declared]...),
	}, nil
}
