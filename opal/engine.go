package opal

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opalusb/corefw/opal/session"
	"github.com/opalusb/corefw/platform"
)

// extraInfoGUID identifies the OpalExtraInfo EFI variable.
var extraInfoGUID = uuid.MustParse("c3b2e2a0-7b4c-4a7e-9c5e-0f2a6b9d1e44")

const extraInfoVariableName = "OpalExtraInfo"

// bridgeMemWindow bytes reserved above an NVMe BAR when programming an
// intermediate bridge's memory-base/limit window.
const bridgeMemWindow = 0x00100000

// Engine owns the Opal SMM device list and drives S3 replay. It is the
// protocol-agnostic counterpart to usb.Bus: one mutex-free, single-threaded
// dispatcher invoked from the SMI handler, never concurrently with itself.
type Engine struct {
	Platform  *platform.Services
	Session   session.Helper
	Factory   TransportFactory
	Log       logrus.FieldLogger

	devices []*Device
	cloned  bool
}

// NewEngine constructs an Engine against the given collaborators. log may
// be nil, in which case a discarding logger is used.
func NewEngine(p *platform.Services, sess session.Helper, factory TransportFactory, log logrus.FieldLogger) *Engine {
	if log == nil {
		l := logrus.New()
		l.SetOutput(discardWriter{})
		log = l
	}
	return &Engine{Platform: p, Session: sess, Factory: factory, Log: log}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// CloneFromSeed populates the SMM device list from a non-SMM seed list
// exactly once, guarded by cloned.
func (e *Engine) CloneFromSeed(seed []*Device) {
	if e.cloned {
		return
	}
	e.devices = make([]*Device, len(seed))
	for i, d := range seed {
		clone := *d
		clone.Password = append([]byte(nil), d.Password...)
		clone.Bridges = append([]BridgeHop(nil), d.Bridges...)
		e.devices[i] = &clone
	}
	e.cloned = true
}

// Devices returns the current SMM device list.
func (e *Engine) Devices() []*Device { return e.devices }

// blockSidRequested reads OpalExtraInfo.EnableBlockSid from the SMM
// variable surface. A missing variable or read error is treated as "not
// requested" — BlockSid is opt-in, never assumed.
func (e *Engine) blockSidRequested() bool {
	buf, err := e.Platform.Variables.GetVariable(extraInfoVariableName, extraInfoGUID)
	if err != nil || len(buf) < 1 {
		return false
	}
	return buf[0] != 0
}

// ReplayS3 runs the SMI handler's S3-resume procedure over
// every device in the SMM device list. A per-device failure is logged and
// skipped; the handler only returns an error if called before
// CloneFromSeed.
func (e *Engine) ReplayS3() error {
	if !e.cloned {
		return &Error{Kind: NotReady, Op: "ReplayS3", Msg: "SMM device list not initialized"}
	}
	blockSid := e.blockSidRequested()
	for _, dev := range e.devices {
		if err := e.replayDevice(dev, blockSid); err != nil {
			e.Log.WithFields(logrus.Fields{
				"pci":  pciAddr(dev),
				"kind": dev.Kind,
			}).WithError(err).Warn("opal: S3 replay skipped device")
		}
	}
	return nil
}

func pciAddr(d *Device) string {
	return hexByte(d.PCIBus) + ":" + hexByte(d.PCIDevice) + "." + hexByte(d.PCIFunction)
}

func hexByte(b uint8) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}

// replayDevice implements the five-step per-device procedure.
func (e *Engine) replayDevice(dev *Device, blockSid bool) error {
	var saved []bridgeConfig
	if dev.Kind == KindNVMe {
		s, err := e.programBridges(dev)
		if err != nil {
			return err
		}
		saved = s
		defer e.restoreBridges(dev, saved)
	}

	transport, err := e.Factory.NewTransport(dev)
	if err != nil {
		return err
	}
	if err := transport.Init(); err != nil {
		return err
	}
	dev.controllerInit()
	defer func() {
		transport.Shutdown()
		dev.controllerExit()
	}()
	dev.beginSession()

	io := newTrustedIO(transport)
	locked, blockAvail, err := e.queryLocking(io)
	if err != nil {
		return err
	}
	if locked {
		if err := e.Session.Unlock(io, dev.Password); err != nil {
			return err
		}
	}
	if blockSid && blockAvail {
		if err := e.Session.BlockSID(io, true); err != nil {
			return err
		}
	}
	return nil
}

// queryLocking asks the session helper for the locking descriptor over io;
// it is the session helper, not the transport, that speaks TCG Opal, but
// the §4.8 step-3 locking-feature query travels as SECURITY-RECEIVE bytes
// through the device's trusted-I/O surface rather than being answered
// without it.
func (e *Engine) queryLocking(io session.StorageIO) (locked, blockAvail bool, err error) {
	attrs, err := e.Session.GetSupportedAttributes(io)
	if err != nil {
		return false, false, err
	}
	info, err := e.Session.GetLockingInfo(io)
	if err != nil {
		return false, false, err
	}
	return info.Locked, attrs.BlockSIDAvail, nil
}

type bridgeConfig struct {
	hop                       BridgeHop
	command                   uint16
	secondaryBus, subordinate uint8
	memBase, memLimit         uint16
}

const (
	pciOffsetCommand      = 0x04
	pciOffsetPrimaryBus   = 0x18
	pciOffsetSecondaryBus = 0x19
	pciOffsetSubordinate  = 0x1a
	pciOffsetMemBase      = 0x20
	pciOffsetMemLimit     = 0x22

	pciCommandMemorySpace = 1 << 0
	pciCommandBusMaster   = 1 << 2
)

// programBridges saves each bridge hop's config space, then walks root to
// leaf programming secondary/subordinate-bus and memory windows to cover
// the endpoint's BAR, finally enabling memory + bus-master decode on the
// last (innermost) bridge.
func (e *Engine) programBridges(dev *Device) ([]bridgeConfig, error) {
	pci := e.Platform.PCI
	saved := make([]bridgeConfig, len(dev.Bridges))
	for i, hop := range dev.Bridges {
		cmd, err := pci.ReadConfig16(hop.Bus, hop.Device, hop.Function, pciOffsetCommand)
		if err != nil {
			return saved[:i], err
		}
		secBus, err := pci.ReadConfig8(hop.Bus, hop.Device, hop.Function, pciOffsetSecondaryBus)
		if err != nil {
			return saved[:i], err
		}
		subBus, err := pci.ReadConfig8(hop.Bus, hop.Device, hop.Function, pciOffsetSubordinate)
		if err != nil {
			return saved[:i], err
		}
		memBase, err := pci.ReadConfig16(hop.Bus, hop.Device, hop.Function, pciOffsetMemBase)
		if err != nil {
			return saved[:i], err
		}
		memLimit, err := pci.ReadConfig16(hop.Bus, hop.Device, hop.Function, pciOffsetMemLimit)
		if err != nil {
			return saved[:i], err
		}
		saved[i] = bridgeConfig{hop, cmd, secBus, subBus, memBase, memLimit}
	}

	base := uint16(dev.NVMeBAR >> 16)
	limit := uint16((dev.NVMeBAR + bridgeMemWindow - 1) >> 16)
	for i, hop := range dev.Bridges {
		if err := pci.WriteConfig8(hop.Bus, hop.Device, hop.Function, pciOffsetSecondaryBus, hop.Bus+1); err != nil {
			return saved, err
		}
		if err := pci.WriteConfig8(hop.Bus, hop.Device, hop.Function, pciOffsetSubordinate, hop.Bus+1); err != nil {
			return saved, err
		}
		if err := pci.WriteConfig16(hop.Bus, hop.Device, hop.Function, pciOffsetMemBase, base); err != nil {
			return saved, err
		}
		if err := pci.WriteConfig16(hop.Bus, hop.Device, hop.Function, pciOffsetMemLimit, limit); err != nil {
			return saved, err
		}
		if i == len(dev.Bridges)-1 {
			// PCIe config-space writes to bridge windows must precede
			// MMIO to the downstream endpoint BAR; enabling decode last enforces that.
			enable := saved[i].command | pciCommandMemorySpace | pciCommandBusMaster
			if err := pci.WriteConfig16(hop.Bus, hop.Device, hop.Function, pciOffsetCommand, enable); err != nil {
				return saved, err
			}
		}
	}
	return saved, nil
}

// restoreBridges writes each hop's saved registers back in reverse hop order,
// with memory and bus-master decode cleared in the restored command register.
func (e *Engine) restoreBridges(dev *Device, saved []bridgeConfig) {
	pci := e.Platform.PCI
	for i := len(saved) - 1; i >= 0; i-- {
		c := saved[i]
		pci.WriteConfig16(c.hop.Bus, c.hop.Device, c.hop.Function, pciOffsetCommand, c.command&^(pciCommandMemorySpace|pciCommandBusMaster))
		pci.WriteConfig8(c.hop.Bus, c.hop.Device, c.hop.Function, pciOffsetSecondaryBus, c.secondaryBus)
		pci.WriteConfig8(c.hop.Bus, c.hop.Device, c.hop.Function, pciOffsetSubordinate, c.subordinate)
		pci.WriteConfig16(c.hop.Bus, c.hop.Device, c.hop.Function, pciOffsetMemBase, c.memBase)
		pci.WriteConfig16(c.hop.Bus, c.hop.Device, c.hop.Function, pciOffsetMemLimit, c.memLimit)
	}
}
