package opal

import "github.com/opalusb/corefw/opal/session"

// TrustedIO is the §4.5 trusted_io multiplexer. It adapts the
// device-selected TrustedIOTransport to session.StorageIO, so the Opal
// session helper's SECURITY-SEND/SECURITY-RECEIVE calls route to whichever
// backend (AHCI, NVMe, IDE) replayDevice picked for this device rather than
// being answered without ever touching the transport.
type TrustedIO struct {
	transport TrustedIOTransport
}

func newTrustedIO(transport TrustedIOTransport) *TrustedIO {
	return &TrustedIO{transport: transport}
}

func (t *TrustedIO) SendData(protocol uint8, spSpecific uint16, payload []byte) error {
	return t.transport.SecuritySend(protocol, spSpecific, payload)
}

func (t *TrustedIO) ReceiveData(protocol uint8, spSpecific uint16, length int) ([]byte, error) {
	return t.transport.SecurityReceive(protocol, spSpecific, length)
}

var _ session.StorageIO = (*TrustedIO)(nil)
