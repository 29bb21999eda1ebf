// Package session declares the Opal/TCG session-negotiation collaborator
//: the core invokes it to learn locking state and perform an
// unlock, but never implements the TCG handshake itself (an explicit
// non-goal).
package session

// StorageIO is the storage-security command surface (§6 produced
// interfaces): SECURITY-SEND/SECURITY-RECEIVE routed through whichever
// trusted-I/O transport the engine selected for a device. The engine
// attaches one to every managed device and hands it to Helper so the TCG
// handshake actually moves bytes through AHCI/NVMe/IDE instead of being
// answered out of thin air.
type StorageIO interface {
	SendData(protocol uint8, spSpecific uint16, payload []byte) error
	ReceiveData(protocol uint8, spSpecific uint16, length int) ([]byte, error)
}

// Attributes describes what a drive's Opal Locking SP supports, enough for
// the replay handler to decide whether to attempt an unlock or a block-SID
// toggle.
type Attributes struct {
	Supported     bool
	BlockSIDAvail bool
}

// LockingInfo reports whether the drive's user data range is currently
// locked.
type LockingInfo struct {
	Locked bool
}

// Helper is the Opal session surface: get_supported_
// attributes, get_locking_info, unlock(password), block_sid(enable). Every
// method takes the device's StorageIO so the TCG handshake it negotiates
// rides over the actual selected transport.
type Helper interface {
	GetSupportedAttributes(io StorageIO) (Attributes, error)
	GetLockingInfo(io StorageIO) (LockingInfo, error)
	Unlock(io StorageIO, password []byte) error
	BlockSID(io StorageIO, enable bool) error
}
