// Package crosvmlink attaches and detaches USB devices on a running
// crosvm instance by shelling out to its "crosvm usb" control CLI over
// the VM's SOCK_SEQPACKET control socket.
package crosvmlink

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tiiuae/vhotplugd/internal/device"
	"github.com/tiiuae/vhotplugd/internal/log"
	"github.com/tiiuae/vhotplugd/internal/vmm"
)

var linkLog = log.For("crosvmlink")

const (
	retryCount    = 5
	retryInterval = time.Second
	bootTimeout   = 10 * time.Second
	minUptime     = 3 * time.Second
)

// Link drives one crosvm instance's control socket via the crosvm CLI.
// PCI and evdev passthrough are not supported by crosvm's control
// protocol, so Link only implements the USB half of vmm.Link; the
// orchestrator's vmm façade routes PCI/evdev operations for a crosvm VM
// to an explicit "unsupported" error instead of calling into this type.
type Link struct {
	SocketPath string
	CrosvmBin  string
}

// New creates a Link for the crosvm instance listening on socketPath.
// crosvmBin defaults to "crosvm" when empty.
func New(socketPath, crosvmBin string) *Link {
	if crosvmBin == "" {
		crosvmBin = "crosvm"
	}
	return &Link{SocketPath: socketPath, CrosvmBin: crosvmBin}
}

// Device is one entry returned by List: crosvm's control-socket index
// plus the vendor/product id of the attached USB device.
type Device struct {
	Index int
	VID   string
	PID   string
}

func (l *Link) run(args ...string) (string, string, error) {
	cmd := exec.Command(l.CrosvmBin, append(args, l.SocketPath)...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// List returns the USB devices currently attached to the VM, via
// "crosvm usb list".
func (l *Link) List(ctx context.Context) ([]Device, error) {
	out, errOut, err := l.run("usb", "list")
	if err != nil {
		return nil, fmt.Errorf("crosvmlink: usb list failed: %w (%s)", err, errOut)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 || fields[0] != "devices" {
		return nil, fmt.Errorf("crosvmlink: unexpected usb list output: %q", out)
	}
	data := fields[1:]
	var devices []Device
	for i := 0; i+3 <= len(data); i += 3 {
		index, convErr := strconv.Atoi(data[i])
		if convErr != nil {
			continue
		}
		devices = append(devices, Device{Index: index, VID: data[i+1], PID: data[i+2]})
	}
	return devices, nil
}

func (l *Link) waitForBoot(ctx context.Context) bool {
	return vmm.WaitForSocket(ctx, l.SocketPath, "unixpacket", bootTimeout, minUptime)
}

// AddUSB implements vmm.Link: "crosvm usb attach 00:00:00:00 <node>
// <socket>", retried up to 5 times. A "no_available_port" result (which
// crosvm returns when USB is attempted before the kernel has booted)
// triggers removing every currently attached device as a workaround;
// retrying without this step can wedge USB passthrough until the VM is
// rebooted.
func (l *Link) AddUSB(ctx context.Context, dev device.USBInfo) error {
	var lastErr error
	for attempt := 0; attempt <= retryCount; attempt++ {
		linkLog.WithField("device", dev.DeviceNode).WithField("vm", l.SocketPath).Info("adding USB device")

		if !l.waitForBoot(ctx) {
			linkLog.WithField("device", dev.DeviceNode).Error("VM is not booted while adding device")
		}

		devices, err := l.List(ctx)
		if err != nil {
			lastErr = err
		} else {
			for _, d := range devices {
				if d.VID == dev.VID && d.PID == dev.PID {
					linkLog.WithField("vid", d.VID).WithField("pid", d.PID).Info("device is already attached, skipping")
					return nil
				}
			}
		}

		out, errOut, err := l.run("usb", "attach", "00:00:00:00", dev.DeviceNode)
		if err != nil {
			lastErr = fmt.Errorf("crosvmlink: usb attach failed: %w (%s)", err, errOut)
			linkLog.WithError(lastErr).WithField("device", dev.DeviceNode).Warn("failed to add USB device")
		} else {
			fields := strings.Fields(out)
			switch {
			case len(fields) > 0 && fields[0] == "ok":
				linkLog.WithField("device", dev.DeviceNode).WithField("id", fields[1]).Info("attached USB device")
				return nil
			case len(fields) > 0 && fields[0] == "no_available_port":
				linkLog.Info("no available port, removing all devices")
				devices, listErr := l.List(ctx)
				if listErr == nil {
					for _, d := range devices {
						_ = l.RemoveUSB(ctx, d.Index)
					}
				}
			default:
				lastErr = fmt.Errorf("crosvmlink: unexpected usb attach result: %q", out)
				linkLog.WithField("output", out).Error("unexpected result from crosvm usb attach")
			}
		}

		if attempt < retryCount {
			time.Sleep(retryInterval)
		}
	}
	return fmt.Errorf("crosvmlink: failed to add USB device %s after %d attempts: %w", dev.DeviceNode, retryCount+1, lastErr)
}

// RemoveUSB detaches the device at crosvm control-socket index idx via
// "crosvm usb detach".
func (l *Link) RemoveUSB(ctx context.Context, idx int) error {
	linkLog.WithField("index", idx).WithField("vm", l.SocketPath).Info("detaching USB device")
	out, errOut, err := l.run("usb", "detach", strconv.Itoa(idx))
	if err != nil {
		return fmt.Errorf("crosvmlink: usb detach failed: %w (%s)", err, errOut)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 || fields[0] != "ok" {
		return fmt.Errorf("crosvmlink: unexpected usb detach result: %q", out)
	}
	linkLog.WithField("index", idx).Info("detached USB device")
	return nil
}

// RemoveUSBByVIDPID detaches whichever attached device matches vid/pid,
// used by the orchestrator since crosvm identifies devices by control
// index rather than by persistent device identity.
func (l *Link) RemoveUSBByVIDPID(ctx context.Context, vid, pid string) error {
	devices, err := l.List(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.VID == vid && d.PID == pid {
			return l.RemoveUSB(ctx, d.Index)
		}
	}
	linkLog.WithField("vid", vid).WithField("pid", pid).Debug("device not attached, nothing to remove")
	return nil
}
