package opal

// TrustedIOTransport is the protocol-agnostic trusted-send/trusted-receive
// surface the Opal engine multiplexes over AHCI, IDE and NVMe. Each backend
// (opal/ahci.Transport, opal/nvme.Transport, opal/ide.Transport) implements
// this shape without importing package opal, the same structural-interface
// pattern usb/hcc.Capability uses.
type TrustedIOTransport interface {
	// Init brings the controller up far enough to issue security
	// commands: AHCI port spin-up, NVMe admin/IO queue creation, or an
	// IDE command-block reset, depending on the backend.
	Init() error

	// SecuritySend issues a TRUSTED SEND / SECURITY_SEND carrying
	// payload, addressed by the given security protocol and SP-specific
	// value in host byte order; the backend swaps it into the wire's
	// expected order before placement.
	SecuritySend(protocol uint8, spSpecific uint16, payload []byte) error

	// SecurityReceive issues a TRUSTED RECEIVE / SECURITY_RECV and
	// returns up to length bytes of response.
	SecurityReceive(protocol uint8, spSpecific uint16, length int) ([]byte, error)

	// Shutdown tears down controller state acquired by Init, releasing
	// any DMA regions it owns.
	Shutdown() error
}

// TransportFactory builds the TrustedIOTransport for a Device, dispatching
// on its Kind. It is supplied by the caller (cmd/opalunlock wires the
// opal/sgio SG_IO backend for every device; tests wire in-memory fakes) so this package
// never imports the backend packages directly.
type TransportFactory interface {
	NewTransport(dev *Device) (TrustedIOTransport, error)
}

// TransportFactoryFunc adapts a plain function to TransportFactory.
type TransportFactoryFunc func(dev *Device) (TrustedIOTransport, error)

func (f TransportFactoryFunc) NewTransport(dev *Device) (TrustedIOTransport, error) {
	return f(dev)
}
