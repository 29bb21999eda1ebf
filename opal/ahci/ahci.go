// Package ahci implements the AHCI PIO FIS transport opal.Engine dispatches
// to for SATA Opal devices, grounded on original_source's OpalAhciMode.h
// register/FIS layout (port CLB/FB/CMD/TFD offsets, Register FIS H2D
// format, ATA TRUSTED SEND/RECEIVE opcodes).
package ahci

import (
	"time"

	"github.com/opalusb/corefw/dma"
	"github.com/opalusb/corefw/mmio"
)

// HBA-global register offsets.
const (
	regGHC = 0x04
	regPI  = 0x0c

	ghcReset  = 1 << 0
	ghcEnable = 1 << 31
)

// Port register block: base + portIndex*regWidth.
const (
	portBase     = 0x0100
	portRegWidth = 0x0080

	portCLB  = 0x00
	portCLBU = 0x04
	portFB   = 0x08
	portFBU  = 0x0c
	portCMD  = 0x18
	portTFD  = 0x20
	portSSTS = 0x28
	portCI   = 0x38

	cmdST  = 1 << 0
	cmdFRE = 1 << 4
	cmdFR  = 1 << 14
	cmdCR  = 1 << 15

	tfdBSY = 1 << 7
	tfdDRQ = 1 << 3

	sstsDETMask      = 0x0f
	sstsDETPresent   = 0x03
)

// ATA TRUSTED commands, per OpalAhciMode.h.
const (
	ataTrustedReceive = 0x5c
	ataTrustedSend    = 0x5e

	trustedTransferMultiple = 512

	fisRegisterH2D       = 0x27
	fisRegisterH2DLength = 20

	deviceLBA = 0x40
)

// DMA arena layout: one 32-slot command list, one command table for slot
// 0 (FIS + PRDT), and a 256-byte received-FIS region
const (
	commandListSize    = 32 * 32 // 32 slots * 32 bytes/entry
	receivedFISSize    = 256
	commandTableSize   = 0x80 + 16*sizeofPRDT // CFIS+ACMD region + 16 PRDT entries
	sizeofPRDT         = 16
	bounceBufferSize   = 512

	regionCommandList = 0
	regionReceivedFIS = commandListSize
	regionCommandTbl  = regionReceivedFIS + receivedFISSize
	regionBounce      = regionCommandTbl + commandTableSize
	arenaSize         = regionBounce + bounceBufferSize
)

// Transport implements opal.TrustedIOTransport against one AHCI port.
type Transport struct {
	Regs  *mmio.Window // HBA register window, includes the port block
	DMA   *dma.Region
	Stall func(time.Duration)

	portIndex int
}

// NewTransport wraps an HBA MMIO window and a DMA arena sized per
// arenaSize for the given port index.
func NewTransport(regs *mmio.Window, region *dma.Region, portIndex int, stall func(time.Duration)) *Transport {
	return &Transport{Regs: regs, DMA: region, portIndex: portIndex, Stall: stall}
}

func (t *Transport) portOffset(reg int) int {
	return portBase + t.portIndex*portRegWidth + reg
}

// Init enables the HBA, points the port at the command-list/received-FIS
// regions, and starts the port (FRE then ST), waiting for device presence
// (SSTS.DET) per the port bring-up sequence OpalAhciMode.h's register
// layout implies.
func (t *Transport) Init() error {
	ghc := t.Regs.Read32(regGHC)
	t.Regs.Write32(regGHC, ghc|ghcEnable)

	t.Regs.Write32(t.portOffset(portCLB), uint32(regionCommandList))
	t.Regs.Write32(t.portOffset(portCLBU), 0)
	t.Regs.Write32(t.portOffset(portFB), uint32(regionReceivedFIS))
	t.Regs.Write32(t.portOffset(portFBU), 0)

	cmd := t.Regs.Read32(t.portOffset(portCMD))
	t.Regs.Write32(t.portOffset(portCMD), cmd|cmdFRE)

	if !mmio.WaitFor32(t.Regs, t.portOffset(portSSTS), sstsDETMask, sstsDETPresent, 100, func() { t.Stall(time.Millisecond) }) {
		return errTimeout("device not present")
	}

	cmd = t.Regs.Read32(t.portOffset(portCMD))
	t.Regs.Write32(t.portOffset(portCMD), cmd|cmdST)
	return nil
}

// buildCommandFIS writes a 20-byte Register FIS H2D for a TRUSTED
// SEND/RECEIVE command into the command table's CFIS region.
func (t *Transport) buildCommandFIS(command uint8, features uint8, sectorCount uint8, lbaLow uint32, write bool) {
	fis := make([]byte, fisRegisterH2DLength)
	fis[0] = fisRegisterH2D
	fis[1] = 1 << 7 // C bit: this is a command
	fis[2] = command
	fis[3] = features
	fis[4] = byte(lbaLow)
	fis[5] = byte(lbaLow >> 8)
	fis[6] = byte(lbaLow >> 16)
	fis[7] = deviceLBA
	fis[12] = sectorCount
	copy(t.DMA.At(regionCommandTbl, fisRegisterH2DLength), fis)

	cmdHeader := make([]byte, 32)
	cmdHeader[0] = fisRegisterH2DLength / 4
	if write {
		cmdHeader[0] |= 1 << 6
	}
	cmdHeader[2] = 1 // PRDTL = 1
	putU32(cmdHeader[8:12], uint32(regionCommandTbl))
	copy(t.DMA.At(regionCommandList, 32), cmdHeader)
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// issue writes the PRDT entry pointing at the bounce buffer, rings CI for
// slot 0, and spins on TFD.BSY/DRQ clearing (the PIO-FIS completion the
// original SMM handler polls for) before returning.
func (t *Transport) issue(write bool) error {
	prdt := make([]byte, sizeofPRDT)
	putU32(prdt[0:4], uint32(regionBounce))
	putU32(prdt[12:16], bounceBufferSize-1) // byte count, zero-based
	copy(t.DMA.At(regionCommandTbl+0x80, sizeofPRDT), prdt)

	t.Regs.Write32(t.portOffset(portCI), 1)

	for i := 0; i < 1000; i++ {
		tfd := t.Regs.Read32(t.portOffset(portTFD))
		if tfd&(tfdBSY|tfdDRQ) == 0 {
			return nil
		}
		t.Stall(time.Millisecond)
	}
	return errTimeout("command did not complete")
}

// SecuritySend copies payload into the DMA bounce buffer (SMRAM is not
// DMA-addressable, hence the copy rather than a direct pointer) and issues
// ATA TRUSTED SEND.
func (t *Transport) SecuritySend(protocol uint8, spSpecific uint16, payload []byte) error {
	if len(payload) > bounceBufferSize {
		return errResources("payload exceeds bounce buffer")
	}
	bounce := t.DMA.At(regionBounce, bounceBufferSize)
	for i := range bounce {
		bounce[i] = 0
	}
	copy(bounce, payload)

	sectorCount := uint8((len(payload) + trustedTransferMultiple - 1) / trustedTransferMultiple)
	t.buildCommandFIS(ataTrustedSend, protocol, sectorCount, uint32(mmio.Swap16(spSpecific))<<8, true)
	return t.issue(true)
}

// SecurityReceive issues ATA TRUSTED RECEIVE and copies the response out
// of the bounce buffer.
func (t *Transport) SecurityReceive(protocol uint8, spSpecific uint16, length int) ([]byte, error) {
	if length > bounceBufferSize {
		length = bounceBufferSize
	}
	sectorCount := uint8((length + trustedTransferMultiple - 1) / trustedTransferMultiple)
	t.buildCommandFIS(ataTrustedReceive, protocol, sectorCount, uint32(mmio.Swap16(spSpecific))<<8, false)
	if err := t.issue(false); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, t.DMA.At(regionBounce, length))
	return out, nil
}

// Shutdown stops the port (clears ST, waits for CR to clear) and clears
// FRE, releasing the port back to idle.
func (t *Transport) Shutdown() error {
	cmd := t.Regs.Read32(t.portOffset(portCMD))
	t.Regs.Write32(t.portOffset(portCMD), cmd&^uint32(cmdST))
	if !mmio.WaitFor32(t.Regs, t.portOffset(portCMD), cmdCR, 0, 500, func() { t.Stall(time.Millisecond) }) {
		return errTimeout("port did not stop")
	}
	cmd = t.Regs.Read32(t.portOffset(portCMD))
	t.Regs.Write32(t.portOffset(portCMD), cmd&^uint32(cmdFRE))
	return nil
}

type transportError struct{ op, msg string }

func (e *transportError) Error() string { return "ahci: " + e.op + ": " + e.msg }

func errTimeout(op string) error   { return &transportError{op, "timed out"} }
func errResources(op string) error { return &transportError{op, "out of resources"} }
