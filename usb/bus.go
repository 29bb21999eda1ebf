package usb

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opalusb/corefw/platform"
	"github.com/opalusb/corefw/usb/hcc"
)

// DeviceID is a device's USB address. Exactly one device holds each
// non-zero address at a time; address 0 is reserved for enumeration and
// address 1 is always the root hub.
type DeviceID uint8

// ControllerID indexes a per-interface Controller handle. Controllers are
// referenced by ID, not owning pointer, from their parent hub's port table,
// so a device and its controllers can be torn down without leaving dangling
// back-pointers.
type ControllerID uint32

const (
	addrReserved DeviceID = 0
	addrRootHub  DeviceID = 1
	maxAddress            = 127
)

// AddressBitmap is the [16]byte bitmap covering USB addresses 0-127. It is
// the only resource shared across the enumerator's single-threaded dispatch;
// the owning Bus serializes every access with Bus.mu, the one mutex a
// threaded implementation needs.
type AddressBitmap [16]byte

func (b *AddressBitmap) test(addr DeviceID) bool {
	return b[addr/8]&(1<<(addr%8)) != 0
}

func (b *AddressBitmap) set(addr DeviceID) {
	b[addr/8] |= 1 << (addr % 8)
}

func (b *AddressBitmap) clear(addr DeviceID) {
	b[addr/8] &^= 1 << (addr % 8)
}

// Bus owns the device/controller arenas and the address bitmap. It is the
// single point of serialization for the enumerator's event dispatcher.
type Bus struct {
	mu sync.Mutex

	addr AddressBitmap

	devices     map[DeviceID]*Device
	controllers map[ControllerID]*Controller
	nextCtrlID  ControllerID

	rootPorts []*Port

	HCC      hcc.Capability
	Platform *platform.Services
	Log      logrus.FieldLogger

	// onHubInterrupt is invoked (by the HCC backend, on whatever goroutine
	// it fires async interrupt completions from) whenever a hub's status
	// change endpoint completes. Wired by the Enumerator at construction so
	// bringUpHub in enumerate.go never needs a direct Enumerator reference.
	onHubInterrupt func(ctrl ControllerID, payload []byte, err error)
}

// SetHubInterruptHandler installs the callback invoked when any hub's
// interrupt IN endpoint completes. The Enumerator installs this once at
// construction.
func (b *Bus) SetHubInterruptHandler(h func(ctrl ControllerID, payload []byte, err error)) {
	b.onHubInterrupt = h
}

// NewBus constructs a Bus bound to the given host-controller capability and
// platform services. The root hub's address (1) is reserved immediately.
func NewBus(h hcc.Capability, svc *platform.Services, log logrus.FieldLogger) (*Bus, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	n, err := h.GetRootHubPortNumber()
	if err != nil {
		return nil, err
	}
	b := &Bus{
		devices:     make(map[DeviceID]*Device),
		controllers: make(map[ControllerID]*Controller),
		HCC:         h,
		Platform:    svc,
		Log:         log,
	}
	b.addr.set(addrReserved)
	b.addr.set(addrRootHub)
	b.rootPorts = make([]*Port, n)
	for i := range b.rootPorts {
		b.rootPorts[i] = &Port{Index: uint8(i + 1), State: PortEmpty}
	}
	return b, nil
}

// allocateAddress performs a first-clear-bit scan of the address bitmap
// under Bus.mu, so two racing build-device sequences can never observe
// the same address.
func (b *Bus) allocateAddress() (DeviceID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for a := DeviceID(2); a <= maxAddress; a++ {
		if !b.addr.test(a) {
			b.addr.set(a)
			return a, nil
		}
	}
	return 0, &Error{Kind: OutOfResources, Op: "allocateAddress", Msg: "no free USB address"}
}

// releaseAddress frees addr; it is a no-op for the reserved and root-hub
// addresses.
func (b *Bus) releaseAddress(addr DeviceID) {
	if addr == addrReserved || addr == addrRootHub {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addr.clear(addr)
}

func (b *Bus) registerDevice(d *Device) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[d.ID] = d
}

func (b *Bus) unregisterDevice(id DeviceID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, id)
}

// Device looks up a device by address.
func (b *Bus) Device(id DeviceID) (*Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[id]
	return d, ok
}

func (b *Bus) newControllerID() ControllerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextCtrlID++
	return b.nextCtrlID
}

func (b *Bus) registerController(c *Controller) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.controllers[c.ID] = c
}

func (b *Bus) unregisterController(id ControllerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.controllers, id)
}

// Controller looks up a per-interface handle by ID.
func (b *Bus) Controller(id ControllerID) (*Controller, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.controllers[id]
	return c, ok
}

// RootPorts returns the root hub's port table.
func (b *Bus) RootPorts() []*Port {
	return b.rootPorts
}
