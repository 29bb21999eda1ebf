// Package platform declares the firmware-service collaborator interfaces
// consumed by the core: stall, periodic timer, protocol
// publication, device-path construction, PCI config-space access, page
// allocation, and SMM variable reads. These are deliberately out of scope
// for this module's own implementation — production firmware
// supplies them; this package only states the contract and ships a fake
// (simplatform) good enough to drive the enumerator and Opal engine in
// tests.
package platform

import (
	"time"

	"github.com/google/uuid"
)

// Clock provides the microsecond-stall primitive every polling loop in the
// core is built on (port reset, BSY/DRQ clearing, CSTS.RDY), plus a
// periodic timer used by the 1-second root-hub poll.
type Clock interface {
	// Stall busies the caller for at least d. It is the only blocking
	// primitive below a transfer call.
	Stall(d time.Duration)

	// StartTimer invokes cb every period until the returned cancel func
	// is called. Firmware timers fire on the single-threaded dispatcher,
	// never concurrently with other core work.
	StartTimer(period time.Duration, cb func()) (cancel func())
}

// PageAllocator hands out 4 KiB-aligned pages below 4 GiB, as NVMe's fixed
// memory regions and AHCI's bounce buffer require.
type PageAllocator interface {
	// AllocatePages returns a zeroed, 4 KiB-aligned buffer of count*4096
	// bytes, or OutOfResources if none are available.
	AllocatePages(count int) ([]byte, error)
	FreePages(buf []byte) error
}

// PCIConfig is the PCI config-space accessor used by the S3-replay
// PCIe-bridge walk.
type PCIConfig interface {
	ReadConfig8(bus, device, function uint8, offset uint16) (uint8, error)
	ReadConfig16(bus, device, function uint8, offset uint16) (uint16, error)
	ReadConfig32(bus, device, function uint8, offset uint16) (uint32, error)
	WriteConfig8(bus, device, function uint8, offset uint16, value uint8) error
	WriteConfig16(bus, device, function uint8, offset uint16, value uint16) error
	WriteConfig32(bus, device, function uint8, offset uint16, value uint32) error
}

// DevicePath synthesizes the device-path fragments published alongside
// USB-IO handles; its string-rendering surface is
// explicitly out of scope — only Append is consumed by the core.
type DevicePath interface {
	Append(parent string, fragment string) string
}

// ProtocolPublisher publishes a produced interface (USB-IO, storage-security
// command) for discovery by class drivers.
type ProtocolPublisher interface {
	Publish(guid uuid.UUID, handle any) error
	Unpublish(guid uuid.UUID, handle any) error
}

// VariableStore is the SMM variable surface the Opal engine reads
// OpalExtraInfo.EnableBlockSid from; this core never writes
// through it.
type VariableStore interface {
	GetVariable(name string, guid uuid.UUID) ([]byte, error)
}

// Services bundles every platform collaborator the core consumes.
type Services struct {
	Clock     Clock
	Pages     PageAllocator
	PCI       PCIConfig
	Paths     DevicePath
	Publisher ProtocolPublisher
	Variables VariableStore
}
