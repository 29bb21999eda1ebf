//go:build linux

// Package sgio is the real-hardware TrustedIOTransport backend: it drives
// TCG SECURITY PROTOCOL IN/OUT over a SCSI/SATA device node via the Linux
// SG_IO ioctl, grounded on go-tcg-storage's drive/sgio package (the
// sg_io_hdr layout, dxfer-direction constants, CDB/sense-buffer plumbing),
// adapted from raw SCSI INQUIRY/MODE SENSE passthrough to the TCG Storage
// Security Protocol commands opal.Engine needs.
package sgio

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sgDxferNone     = -1
	sgDxferToDev    = -2
	sgDxferFromDev  = -3
	sgInfoOKMask    = 0x1
	sgInfoOK        = 0x0
	sgIO            = 0x2285
	defaultTimeout  = 20000 // milliseconds

	scsiSecurityProtocolOut = 0xb5
	scsiSecurityProtocolIn  = 0xa2
)

type sgIOHdr struct {
	interfaceID   int32
	dxferDir      int32
	cmdLen        uint8
	mxSBLen       uint8
	iovecCount    uint16
	dxferLen      uint32
	dxferp        uintptr
	cmdp          uintptr
	sbp           uintptr
	timeout       uint32
	flags         uint32
	packID        int32
	usrPtr        uintptr
	status        uint8
	maskedStatus  uint8
	msgStatus     uint8
	sbLenWr       uint8
	hostStatus    uint16
	driverStatus  uint16
	resid         int32
	duration      uint32
	info          uint32
}

// Transport drives the TCG Storage Security Protocol over a SCSI/SATA
// passthrough device node (e.g. /dev/sdX), for use with real hardware
// outside the hermetic test suite.
type Transport struct {
	fd int
}

// Open opens the given device node for SG_IO passthrough.
func Open(path string) (*Transport, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &Transport{fd: fd}, nil
}

// Init is a no-op: the device node is already open and ready for
// passthrough once Open succeeds.
func (t *Transport) Init() error { return nil }

func (t *Transport) execGenericIO(cdb []byte, data []byte, dir int32) error {
	sense := make([]byte, 32)
	hdr := sgIOHdr{
		interfaceID:  'S',
		dxferDir:     dir,
		timeout:      defaultTimeout,
		cmdLen:       uint8(len(cdb)),
		mxSBLen:      uint8(len(sense)),
		sbp:          uintptr(unsafe.Pointer(&sense[0])),
		cmdp:         uintptr(unsafe.Pointer(&cdb[0])),
	}
	if len(data) > 0 {
		hdr.dxferLen = uint32(len(data))
		hdr.dxferp = uintptr(unsafe.Pointer(&data[0]))
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(t.fd), uintptr(sgIO), uintptr(unsafe.Pointer(&hdr)))
	if errno != 0 {
		return errno
	}
	if hdr.info&sgInfoOKMask != sgInfoOK {
		return &scsiError{status: hdr.status, hostStatus: hdr.hostStatus, driverStatus: hdr.driverStatus}
	}
	return nil
}

// SecuritySend issues SECURITY PROTOCOL OUT (CDB opcode 0xb5) with the
// given security protocol and SP-specific value, carrying payload.
func (t *Transport) SecuritySend(protocol uint8, spSpecific uint16, payload []byte) error {
	cdb := make([]byte, 12)
	cdb[0] = scsiSecurityProtocolOut
	cdb[1] = protocol
	cdb[2] = byte(spSpecific >> 8)
	cdb[3] = byte(spSpecific)
	putU32BE(cdb[6:10], uint32(len(payload)))
	return t.execGenericIO(cdb, payload, sgDxferToDev)
}

// SecurityReceive issues SECURITY PROTOCOL IN (CDB opcode 0xa2) and
// returns up to length bytes of response.
func (t *Transport) SecurityReceive(protocol uint8, spSpecific uint16, length int) ([]byte, error) {
	cdb := make([]byte, 12)
	cdb[0] = scsiSecurityProtocolIn
	cdb[1] = protocol
	cdb[2] = byte(spSpecific >> 8)
	cdb[3] = byte(spSpecific)
	putU32BE(cdb[6:10], uint32(length))

	resp := make([]byte, length)
	if err := t.execGenericIO(cdb, resp, sgDxferFromDev); err != nil {
		return nil, err
	}
	return resp, nil
}

// Shutdown closes the device node.
func (t *Transport) Shutdown() error {
	return unix.Close(t.fd)
}

func putU32BE(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

type scsiError struct {
	status       uint8
	hostStatus   uint16
	driverStatus uint16
}

func (e *scsiError) Error() string {
	return "sgio: scsi passthrough failed"
}
