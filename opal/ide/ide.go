// Package ide implements the legacy IDE command-block transport
// opal.Engine dispatches to when a SATA Opal device is found operating in
// compatibility/native-PCI IDE mode rather than AHCI, grounded on
// original_source's OpalIdeMode.c PIO sequencing (BSY/DRQ polling,
// TRUSTED SEND/RECEIVE command-block programming, word-at-a-time data
// transfer).
package ide

import (
	"time"

	"github.com/opalusb/corefw/mmio"
)

// Command-block register offsets, relative to the channel's I/O port
// base (compatibility-mode Primary 0x1F0, Secondary 0x170 per
// OpalIdeMode.h's Table 1; this transport is given an already-resolved
// base regardless of compatibility vs. native-PCI mode).
const (
	regData         = 0
	regError        = 1
	regSectorCount  = 2
	regSectorNumber = 3
	regCylinderLsb  = 4
	regCylinderMsb  = 5
	regHead         = 6
	regCmdOrStatus  = 7

	statusBSY = 1 << 7
	statusDRQ = 1 << 3

	cmdTrustedReceive = 0x5c
	cmdTrustedSend    = 0x5e

	deviceLBA = 1 << 6

	transferMultiple = 512
)

// Transport implements opal.TrustedIOTransport over one IDE channel's
// command-block registers, modeled as a byte-addressable mmio.Window.
type Transport struct {
	Ports *mmio.Window
	Stall func(time.Duration)
}

// NewTransport wraps a port-register window sized to cover at least the
// eight command-block registers at offsets 0-7.
func NewTransport(ports *mmio.Window, stall func(time.Duration)) *Transport {
	return &Transport{Ports: ports, Stall: stall}
}

// Init waits for BSY to clear, the IDE channel equivalent of AHCI's
// device-present spin.
func (t *Transport) Init() error {
	if !t.waitBSYClear(1000) {
		return errTimeout("device not ready")
	}
	return nil
}

func (t *Transport) waitBSYClear(attempts int) bool {
	for i := 0; i < attempts; i++ {
		if t.Ports.Read8(regCmdOrStatus)&statusBSY == 0 {
			return true
		}
		t.Stall(time.Millisecond)
	}
	return false
}

func (t *Transport) waitDRQReady(attempts int) bool {
	for i := 0; i < attempts; i++ {
		status := t.Ports.Read8(regCmdOrStatus)
		if status&statusBSY == 0 && status&statusDRQ == statusDRQ {
			return true
		}
		t.Stall(time.Millisecond)
	}
	return false
}

func (t *Transport) waitDRQClear(attempts int) bool {
	for i := 0; i < attempts; i++ {
		status := t.Ports.Read8(regCmdOrStatus)
		if status&statusBSY == 0 && status&statusDRQ == 0 {
			return true
		}
		t.Stall(time.Millisecond)
	}
	return false
}

// writeWords transfers words to the Data register one word at a time. Each
// iteration writes Buffer[Index], not a fixed Buffer[Count] — a fixed index
// would write the same word Count times instead of streaming the buffer.
func (t *Transport) writeWords(words []uint16) {
	for i := range words {
		t.Ports.Write16(regData, words[i])
	}
}

func (t *Transport) readWords(count int) []uint16 {
	words := make([]uint16, count)
	for i := 0; i < count; i++ {
		words[i] = t.Ports.Read16(regData)
	}
	return words
}

// issueCommand programs the command-block registers for a TRUSTED
// SEND/RECEIVE command and waits for the device to assert DRQ.
func (t *Transport) issueCommand(command uint8, features uint8, sectorCount uint8) error {
	if !t.waitBSYClear(1000) {
		return errTimeout("BSY did not clear before command")
	}
	t.Ports.Write8(regError, features)
	t.Ports.Write8(regSectorCount, sectorCount)
	t.Ports.Write8(regHead, deviceLBA)
	t.Ports.Write8(regCmdOrStatus, command)
	if !t.waitDRQReady(1000) {
		return errTimeout("DRQ not ready")
	}
	return nil
}

func bytesToWords(b []byte) []uint16 {
	words := make([]uint16, (len(b)+1)/2)
	for i := range words {
		lo := int(b[i*2])
		hi := 0
		if i*2+1 < len(b) {
			hi = int(b[i*2+1])
		}
		words[i] = uint16(lo) | uint16(hi)<<8
	}
	return words
}

func wordsToBytes(words []uint16, n int) []byte {
	out := make([]byte, n)
	for i := 0; i*2 < n; i++ {
		out[i*2] = byte(words[i])
		if i*2+1 < n {
			out[i*2+1] = byte(words[i] >> 8)
		}
	}
	return out
}

// SecuritySend issues ATA TRUSTED SEND, transferring payload a word at a
// time into the Data register.
func (t *Transport) SecuritySend(protocol uint8, spSpecific uint16, payload []byte) error {
	sectorCount := uint8((len(payload) + transferMultiple - 1) / transferMultiple)
	if err := t.issueCommand(cmdTrustedSend, protocol, sectorCount); err != nil {
		return err
	}
	t.writeWords(bytesToWords(payload))
	if !t.waitDRQClear(1000) {
		return errTimeout("DRQ did not clear after write")
	}
	return nil
}

// SecurityReceive issues ATA TRUSTED RECEIVE and reads length bytes back
// from the Data register.
func (t *Transport) SecurityReceive(protocol uint8, spSpecific uint16, length int) ([]byte, error) {
	sectorCount := uint8((length + transferMultiple - 1) / transferMultiple)
	if err := t.issueCommand(cmdTrustedReceive, protocol, sectorCount); err != nil {
		return nil, err
	}
	words := t.readWords((length + 1) / 2)
	if !t.waitDRQClear(1000) {
		return nil, errTimeout("DRQ did not clear after read")
	}
	return wordsToBytes(words, length), nil
}

// Shutdown is a no-op for IDE: there is no controller-wide enable/disable
// state to tear down beyond the per-command BSY/DRQ handshake.
func (t *Transport) Shutdown() error { return nil }

type transportError struct{ op, msg string }

func (e *transportError) Error() string { return "ide: " + e.op + ": " + e.msg }

func errTimeout(op string) error { return &transportError{op, "timed out"} }
