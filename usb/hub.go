package usb

// maxHubPorts bounds a hub's downstream port table.
const maxHubPorts = 8

// PortState is the per-port state machine driven by port status changes.
type PortState uint8

const (
	PortEmpty PortState = iota
	PortResetting
	PortAddressing
	PortConfiguring
	PortReady
	PortTornDown
)

func (s PortState) String() string {
	switch s {
	case PortEmpty:
		return "EMPTY"
	case PortResetting:
		return "RESETTING"
	case PortAddressing:
		return "ADDRESSING"
	case PortConfiguring:
		return "CONFIGURING"
	case PortReady:
		return "READY"
	case PortTornDown:
		return "TORN_DOWN"
	default:
		return "UNKNOWN"
	}
}

// Port tracks one downstream port, whether on the root hub or on a child
// hub. Device is the occupying device's address, 0 when the port is empty.
type Port struct {
	Index  uint8
	State  PortState
	Device DeviceID
}

// HubState carries the fields specific to a Controller whose interface is
// itself a hub: its downstream port table, the interrupt endpoint it
// subscribes on, and the status-change latch scanned by
// lowestChangedPort.
type HubState struct {
	Ports []*Port

	InterruptEndpointAddr uint8
	MaxPacketSize         uint16
	Interval              uint8

	// statusChange mirrors the last interrupt payload: bit 0 is the hub
	// itself, bit N is port N.
	statusChange []byte

	cancelPoll func()
}

// newHubState allocates a HubState with numPorts port slots, capped at
// maxHubPorts.
func newHubState(numPorts uint8, interruptEP uint8, maxPacket uint16, interval uint8) (*HubState, error) {
	if numPorts == 0 || numPorts > maxHubPorts {
		return nil, &Error{Kind: DeviceError, Op: "newHubState", Msg: "hub port count out of supported range"}
	}
	hs := &HubState{
		InterruptEndpointAddr: interruptEP,
		MaxPacketSize:         maxPacket,
		Interval:              interval,
		statusChange:          make([]byte, (int(numPorts)+1+7)/8),
	}
	hs.Ports = make([]*Port, numPorts)
	for i := range hs.Ports {
		hs.Ports[i] = &Port{Index: uint8(i + 1), State: PortEmpty}
	}
	return hs, nil
}

// setChangeBit records that the given 1-based port number reported a
// status change in the last interrupt payload.
func (hs *HubState) setChangeBit(port uint8) {
	hs.statusChange[port/8] |= 1 << (port % 8)
}

// lowestChangedPort scans the latch and returns the lowest-numbered
// changed port, clearing its bit: the bitmap in the returned payload
// identifies the first changed port, with the lowest-numbered bit winning
// when multiple bits are set. Port 0 (the hub's own status, not a
// downstream port) is skipped here; callers handle it separately if
// needed.
func (hs *HubState) lowestChangedPort() (uint8, bool) {
	for p := 1; p <= len(hs.Ports); p++ {
		if hs.statusChange[p/8]&(1<<(p%8)) != 0 {
			hs.statusChange[p/8] &^= 1 << (p % 8)
			return uint8(p), true
		}
	}
	return 0, false
}

// loadChangeBitmap replaces the latch with the raw interrupt payload bytes.
func (hs *HubState) loadChangeBitmap(payload []byte) {
	for i := range hs.statusChange {
		if i < len(payload) {
			hs.statusChange[i] = payload[i]
		} else {
			hs.statusChange[i] = 0
		}
	}
}

func (hs *HubState) port(index uint8) (*Port, error) {
	if index == 0 || int(index) > len(hs.Ports) {
		return nil, &Error{Kind: InvalidArgument, Op: "port", Msg: "port index out of range"}
	}
	return hs.Ports[index-1], nil
}
