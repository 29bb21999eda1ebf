package usbfs

import (
	"fmt"
	"syscall"
	"unsafe"
)

const (
	usbDevPath = "/dev/bus/usb"
)

func GetDriver(fd int, iface uint32) (string, error) {
	data := &usbdevfs_getdriver{Interface: iface}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_getdriver, uintptr(unsafe.Pointer(data)))
	if e == syscall.Errno(0) {
		return data.String(), nil
	}
	return "", e
}

func GetConnectInfo(fd int) (uint8, error) {
	info := &usbdevfs_connectinfo{}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_connectionfo, uintptr(unsafe.Pointer(info)))
	if e == syscall.Errno(0) {
		return info.Slow, nil
	}
	return 0, e
}

// HubPortInfo issues USBDEVFS_HUB_PORTINFO, reporting how many ports a
// hub's fd has and which device number (if any) currently occupies each.
func HubPortInfo(fd int) (*usbdevfs_hub_portinfo, error) {
	info := &usbdevfs_hub_portinfo{}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_portinfo, uintptr(unsafe.Pointer(info)))
	if e != syscall.Errno(0) {
		return nil, e
	}
	return info, nil
}

func SetConfiguration(fd int, value uint32) error {
	v := value
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_setconfiguration, uintptr(unsafe.Pointer(&v)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func SetInterface(fd int, iface, setting uint32) error {
	data := &usbdevfs_setinterface{Interface: iface, AltSetting: setting}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_setinterface, uintptr(unsafe.Pointer(data)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func ClaimInterface(fd, iface int) error {
	v := uint32(iface)
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_claiminterface, uintptr(unsafe.Pointer(&v)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func ReleaseInterface(fd, iface int) error {
	v := uint32(iface)
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_releaseinterface, uintptr(unsafe.Pointer(&v)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func Disconnect(fd int, iface uint32) error {
	data := usbdevfs_ioctl{Interface: int32(iface), IoctlCode: int32(ctl_usbdevfs_disconnect)}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_ioctl, uintptr(unsafe.Pointer(&data)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func Connect(fd int, iface uint32) error {
	data := usbdevfs_ioctl{Interface: int32(iface), IoctlCode: int32(ctl_usbdevfs_connect)}
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_ioctl, uintptr(unsafe.Pointer(&data)))
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func ControlTransfer(fd int, typ uint8, request uint8, value uint16, index uint16, timeout uint32, payload []byte) (int, error) {
	data := &usbdevfs_ctrltransfer{
		RequestType: typ,
		Request:     request,
		Value:       value,
		Index:       index,
		Timeout:     timeout,
	}
	if payload != nil {
		data.Length = uint16(len(payload))
		data.Data = slicePtr(payload)
	}
	x, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_control, uintptr(unsafe.Pointer(data)))
	if e == syscall.Errno(0) {
		return int(x), nil
	}
	return int(x), e
}

func BulkTransfer(fd int, endpoint uint32, timeout uint32, payload []byte) (int, error) {
	data := &usbdevfs_bulktransfer{Endpoint: endpoint, Timeout: timeout}
	if payload != nil {
		data.Length = uint32(len(payload))
		data.Data = slicePtr(payload)
	}
	x, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_bulk, uintptr(unsafe.Pointer(data)))
	if e == syscall.Errno(0) {
		return int(x), nil
	}
	return int(x), e
}

func ResetDevice(fd int) error {
	_, _, e := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), ctl_usbdevfs_reset, 0)
	if e == syscall.Errno(0) {
		return nil
	}
	return e
}

func OpenDevice(busNumber, deviceNumber int) (int, error) {
	devPath := fmt.Sprintf("%s/%.3d/%.3d", usbDevPath, busNumber, deviceNumber)
	fd, err := syscall.Open(devPath, syscall.O_RDWR, 0)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func CloseDevice(fd int) error {
	return syscall.Close(fd)
}

func slicePtr(s []byte) uintptr {
	return uintptr(unsafe.Pointer(&s[0]))
}
