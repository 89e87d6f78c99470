// Package vmm defines the control-plane abstraction vhotplugd uses to
// attach and detach devices on a running VM, plus the VMM-agnostic
// socket readiness check both QEMU (SOCK_STREAM QMP) and crosvm
// (SOCK_SEQPACKET control) links are built on.
package vmm

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/tiiuae/vhotplugd/internal/device"
	"github.com/tiiuae/vhotplugd/internal/log"
)

var vmmLog = log.For("vmm")

// Link is the per-VM control-plane interface implemented by qemulink and
// crosvmlink. All operations target the single VM the Link was created
// for, identified by its control socket.
type Link interface {
	// AddUSB attaches a USB device to the VM's guest.
	AddUSB(ctx context.Context, dev device.USBInfo) error
	// RemoveUSB detaches a previously attached USB device.
	RemoveUSB(ctx context.Context, dev device.USBInfo) error
	// AddPCI attaches a VFIO-bound PCI device to the VM's guest.
	AddPCI(ctx context.Context, dev device.PCIInfo) error
	// RemovePCI detaches a previously attached PCI device.
	RemovePCI(ctx context.Context, dev device.PCIInfo) error
	// AddEvdev attaches a non-USB input device on the given PCI bus.
	AddEvdev(ctx context.Context, dev device.EvdevInfo, bus string) error
	// RemoveEvdev detaches a previously attached evdev device.
	RemoveEvdev(ctx context.Context, dev device.EvdevInfo) error
	// Pause stops guest execution (used to make an IOMMU-group attach
	// atomic from the guest's point of view).
	Pause(ctx context.Context) error
	// Resume continues guest execution after Pause.
	Resume(ctx context.Context) error
	// Running reports whether the VM has finished booting and is ready
	// to accept device_add/device_del-equivalent commands.
	Running(ctx context.Context) (bool, error)
}

// WaitForSocket polls until a unix socket at path accepts connections of
// the given network type ("unix" for QMP, "unixpacket" for crosvm's
// SOCK_SEQPACKET control socket), has existed for at least minUptime,
// or the timeout elapses.
func WaitForSocket(ctx context.Context, path, network string, timeout, minUptime time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if socketAlive(path, network) {
			info, err := os.Stat(path)
			if err == nil {
				uptime := time.Since(info.ModTime())
				vmmLog.WithField("socket", path).WithField("uptime", uptime).Debug("checking VM uptime")
				if uptime >= minUptime {
					return true
				}
			}
		} else {
			vmmLog.WithField("socket", path).Warn("VM control socket is not alive")
		}

		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
}

func socketAlive(path, network string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	conn, err := net.DialTimeout(network, path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// PathExists reports whether path exists on disk. Used at startup to
// distinguish a VM whose control socket simply hasn't been created yet
// (parent directory exists, the VMM just hasn't booted) from one whose
// socket directory is itself missing, which almost always means a typo
// in the configured path.
func PathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
