package usb

import (
	"time"

	"github.com/opalusb/corefw/usb/hcc"
)

// portAccessor abstracts "the port" an operation targets: either a root
// hub port (queried through dedicated HCC calls) or a downstream port on a
// child hub (queried through standard hub-class control transfers sent to
// the hub's own device address). Both implementations satisfy the same
// get/set/clear contract so the reset sequence and build procedure in
// enumerate.go don't need to know which kind of hub they're under.
type portAccessor interface {
	getStatus(port uint8) (hcc.PortStatus, hcc.PortChange, error)
	setFeature(port uint8, f hcc.Feature) error
	clearFeature(port uint8, f hcc.Feature) error
}

type rootPortAccessor struct{ b *Bus }

func (r rootPortAccessor) getStatus(port uint8) (hcc.PortStatus, hcc.PortChange, error) {
	return r.b.HCC.GetRootHubPortStatus(port)
}

func (r rootPortAccessor) setFeature(port uint8, f hcc.Feature) error {
	return r.b.HCC.SetRootHubPortFeature(port, f)
}

func (r rootPortAccessor) clearFeature(port uint8, f hcc.Feature) error {
	return r.b.HCC.ClearRootHubPortFeature(port, f)
}

// hubPortAccessor issues standard GET_STATUS/SET_FEATURE/CLEAR_FEATURE hub
// class requests (recipient=Other) against a parent hub's default control
// pipe.
type hubPortAccessor struct {
	b             *Bus
	hubDeviceAddr uint8
	maxPacket0    uint8
}

func (h hubPortAccessor) getStatus(port uint8) (hcc.PortStatus, hcc.PortChange, error) {
	buf := make([]byte, 4)
	_, err := h.b.HCC.ControlTransfer(h.hubDeviceAddr, h.maxPacket0,
		uint8(RequestDirectionIn|RequestTypeClass|RequestRecipientOther), RequestGetStatus, 0, uint16(port), buf, defaultTimeout)
	if err != nil {
		return 0, 0, err
	}
	status := hcc.PortStatus(buf[0]) | hcc.PortStatus(buf[1])<<8
	change := hcc.PortChange(buf[2]) | hcc.PortChange(buf[3])<<8
	return status, change, nil
}

func (h hubPortAccessor) setFeature(port uint8, f hcc.Feature) error {
	_, err := h.b.HCC.ControlTransfer(h.hubDeviceAddr, h.maxPacket0,
		uint8(RequestDirectionOut|RequestTypeClass|RequestRecipientOther), RequestSetFeature, uint16(f), uint16(port), nil, defaultTimeout)
	return err
}

func (h hubPortAccessor) clearFeature(port uint8, f hcc.Feature) error {
	_, err := h.b.HCC.ControlTransfer(h.hubDeviceAddr, h.maxPacket0,
		uint8(RequestDirectionOut|RequestTypeClass|RequestRecipientOther), RequestClearFeature, uint16(f), uint16(port), nil, defaultTimeout)
	return err
}

// resetPortOnce implements the settle/reset/clear/recovery sequence for a
// single port. attempt is 0-based; the recovery stall grows with
// (attempt+1)*50ms.
func resetPortOnce(svc clockStaller, pa portAccessor, port uint8, attempt int) error {
	svc.Stall(100 * time.Millisecond) // settle
	if err := pa.setFeature(port, hcc.FeaturePortReset); err != nil {
		return err
	}
	svc.Stall(50 * time.Millisecond) // reset pulse
	if err := pa.clearFeature(port, hcc.FeatureCPortReset); err != nil {
		return err
	}
	svc.Stall(1 * time.Millisecond) // clear settle
	if err := pa.clearFeature(port, hcc.FeatureCPortEnable); err != nil {
		return err
	}
	svc.Stall(time.Duration(attempt+1) * 50 * time.Millisecond) // recovery
	return nil
}

type clockStaller interface {
	Stall(d time.Duration)
}
