package device

import (
	"fmt"

	"github.com/gvalkov/golang-evdev"
	"golang.org/x/sys/unix"
)

// evGrabIoctl is EVIOCGRAB from the Linux input subsystem headers: a
// nonzero argument requests exclusive access to the event device, zero
// releases it.
const evGrabIoctl = 0x40044590

// EvdevName reads a device's kernel-reported name via the EVIOCGNAME
// ioctl. golang-evdev.Open performs this same ioctl while building an
// InputDevice, so it is reused here rather than duplicating the raw
// ioctl call.
func EvdevName(deviceNode string) (string, error) {
	dev, err := evdev.Open(deviceNode)
	if err != nil {
		return "", fmt.Errorf("device: open %s: %w", deviceNode, err)
	}
	defer dev.File.Close()
	return dev.Name, nil
}

// EvdevIsGrabbed reports whether deviceNode is already held exclusively
// by another process, by attempting (and immediately releasing) an
// EVIOCGRAB. A device already attached to a running VM is grabbed by
// the VMM, so this is used to skip re-attaching it during reconciliation.
func EvdevIsGrabbed(deviceNode string) bool {
	fd, err := unix.Open(deviceNode, unix.O_RDWR, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), evGrabIoctl, 1); errno != 0 {
		return true
	}
	_, _, _ = unix.Syscall(unix.SYS_IOCTL, uintptr(fd), evGrabIoctl, 0)
	return false
}
