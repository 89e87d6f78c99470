// Package qemulink attaches and detaches devices on a running QEMU
// instance over its QMP control socket.
package qemulink

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/digitalocean/go-qemu/qmp"

	"github.com/tiiuae/vhotplugd/internal/device"
	"github.com/tiiuae/vhotplugd/internal/log"
	"github.com/tiiuae/vhotplugd/internal/vmm"
)

var linkLog = log.For("qemulink")

const (
	retryCount    = 5
	retryInterval = time.Second
	bootTimeout   = 5 * time.Second
	cmdTimeout    = 5 * time.Second
)

// occupiedSlotRe matches QMP's "PCI: slot N function N already occupied
// by ..." error, which is never worth retrying: the slot is permanently
// taken until the guest frees it.
var occupiedSlotRe = regexp.MustCompile(`PCI: slot \d+ function \d+ already occupied by`)

// Link drives one QEMU instance's QMP socket.
type Link struct {
	SocketPath string
}

// New creates a Link for the QEMU instance listening on socketPath.
func New(socketPath string) *Link {
	return &Link{SocketPath: socketPath}
}

type qmpRequest struct {
	Execute   string `json:"execute"`
	Arguments any    `json:"arguments,omitempty"`
}

type qmpError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

type qmpResponse struct {
	Return json.RawMessage `json:"return"`
	Error  *qmpError       `json:"error"`
}

// execute connects, runs a single QMP command, and disconnects, matching
// the original per-call connection lifecycle (QMP sockets are cheap to
// reopen and this avoids holding a stale connection across long gaps
// between hotplug events).
func (l *Link) execute(cmd string, args any) (json.RawMessage, error) {
	mon, err := qmp.NewSocketMonitor("unix", l.SocketPath, cmdTimeout)
	if err != nil {
		return nil, fmt.Errorf("qemulink: dial %s: %w", l.SocketPath, err)
	}
	if err := mon.Connect(); err != nil {
		return nil, fmt.Errorf("qemulink: connect %s: %w", l.SocketPath, err)
	}
	defer mon.Disconnect()

	req := qmpRequest{Execute: cmd, Arguments: args}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("qemulink: encode %s: %w", cmd, err)
	}

	out, err := mon.Run(raw)
	if err != nil {
		return nil, fmt.Errorf("qemulink: run %s: %w", cmd, err)
	}

	var resp qmpResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("qemulink: decode %s response: %w", cmd, err)
	}
	if resp.Error != nil {
		return nil, &qmpCommandError{Class: resp.Error.Class, Desc: resp.Error.Desc}
	}
	return resp.Return, nil
}

// qmpCommandError wraps a QMP error response so callers can pattern
// match on its message the way the original distinguishes "Duplicate
// device ID" and "Device ... not found" from other failures.
type qmpCommandError struct {
	Class string
	Desc  string
}

func (e *qmpCommandError) Error() string { return e.Desc }

func isDuplicateID(err error) bool {
	var qe *qmpCommandError
	return asQMPError(err, &qe) && strings.HasPrefix(qe.Desc, "Duplicate device ID")
}

func isNotFound(err error) bool {
	var qe *qmpCommandError
	return asQMPError(err, &qe) && strings.Contains(qe.Desc, "not found")
}

func isDeviceBusy(err error) bool {
	var qe *qmpCommandError
	return asQMPError(err, &qe) && strings.HasSuffix(qe.Desc, "Device or resource busy")
}

func isOccupiedSlot(err error) bool {
	var qe *qmpCommandError
	return asQMPError(err, &qe) && occupiedSlotRe.MatchString(qe.Desc)
}

func asQMPError(err error, target **qmpCommandError) bool {
	qe, ok := err.(*qmpCommandError)
	if !ok {
		return false
	}
	*target = qe
	return true
}

// QueryStatus returns the VM's run-state, e.g. "running", "paused".
func (l *Link) QueryStatus(ctx context.Context) (string, error) {
	raw, err := l.execute("query-status", nil)
	if err != nil {
		return "", fmt.Errorf("qemulink: query-status: %w", err)
	}
	var status struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return "", fmt.Errorf("qemulink: decode query-status: %w", err)
	}
	return status.Status, nil
}

// Running implements vmm.Link.
func (l *Link) Running(ctx context.Context) (bool, error) {
	status, err := l.QueryStatus(ctx)
	if err != nil {
		return false, err
	}
	return status == "running", nil
}

// Pause implements vmm.Link via QMP's "stop" command.
func (l *Link) Pause(ctx context.Context) error {
	_, err := l.execute("stop", nil)
	return err
}

// Resume implements vmm.Link via QMP's "cont" command.
func (l *Link) Resume(ctx context.Context) error {
	_, err := l.execute("cont", nil)
	return err
}

// waitForBoot blocks until the QMP socket accepts connections.
func (l *Link) waitForBoot(ctx context.Context) {
	if !vmm.WaitForSocket(ctx, l.SocketPath, "unix", bootTimeout, 0) {
		linkLog.WithField("socket", l.SocketPath).Warn("VM is not booted while adding device")
	}
}

type pciDevice struct {
	HostBus  int `json:"hostbus"`
	HostAddr int `json:"hostaddr"`
}

// guestPCIDevice is one node of the query-pci response tree: a device may
// recursively carry a pci_bridge whose own devices list is walked the
// same way, mirroring how QEMU reports nested bridges.
type guestPCIDevice struct {
	QdevID    string `json:"qdev_id"`
	Slot      int    `json:"slot"`
	ClassInfo struct {
		Desc  string `json:"desc"`
		Class int    `json:"class"`
	} `json:"class_info"`
	ID struct {
		Vendor int `json:"vendor"`
		Device int `json:"device"`
	} `json:"id"`
	PCIBridge *struct {
		Devices []guestPCIDevice `json:"devices"`
	} `json:"pci_bridge,omitempty"`
}

type guestPCIBus struct {
	Bus     int              `json:"bus"`
	Devices []guestPCIDevice `json:"devices"`
}

func (l *Link) queryPCITree(ctx context.Context) ([]guestPCIBus, error) {
	raw, err := l.execute("query-pci", nil)
	if err != nil {
		return nil, fmt.Errorf("qemulink: query-pci: %w", err)
	}
	var buses []guestPCIBus
	if err := json.Unmarshal(raw, &buses); err != nil {
		return nil, fmt.Errorf("qemulink: decode query-pci: %w", err)
	}
	return buses, nil
}

func walkPCIDevices(devices []guestPCIDevice, visit func(guestPCIDevice)) {
	for _, d := range devices {
		visit(d)
		if d.PCIBridge != nil {
			walkPCIDevices(d.PCIBridge.Devices, visit)
		}
	}
}

// FindPCIDevice returns the guest qdev_id of the device whose reported
// vendor/device ids match dev, searching every bus and nested bridge.
func (l *Link) FindPCIDevice(ctx context.Context, dev device.PCIInfo) (string, bool, error) {
	buses, err := l.queryPCITree(ctx)
	if err != nil {
		return "", false, err
	}
	var found string
	for _, bus := range buses {
		walkPCIDevices(bus.Devices, func(d guestPCIDevice) {
			if found == "" && d.ID.Vendor == dev.VendorID && d.ID.Device == dev.DeviceID {
				found = d.QdevID
			}
		})
	}
	return found, found != "", nil
}

// FindEmptyPCIBridges returns the qdev_id of every bridge with no
// attached devices, used to pick a landing slot for a new vfio-pci
// device before falling back to the default bus.
func (l *Link) FindEmptyPCIBridges(ctx context.Context) ([]string, error) {
	buses, err := l.queryPCITree(ctx)
	if err != nil {
		return nil, err
	}
	var bridges []string
	for _, bus := range buses {
		walkPCIDevices(bus.Devices, func(d guestPCIDevice) {
			if d.PCIBridge != nil && len(d.PCIBridge.Devices) == 0 {
				bridges = append(bridges, d.QdevID)
			}
		})
	}
	return bridges, nil
}

// AddUSB implements vmm.Link: device_add {driver:usb-host, hostbus,
// hostaddr, id}, retried up to 5 times at 1s intervals. A "Duplicate
// device ID" response means the device is already attached and is
// treated as success.
func (l *Link) AddUSB(ctx context.Context, dev device.USBInfo) error {
	l.waitForBoot(ctx)
	qemuID := dev.DevID()

	args := map[string]any{
		"driver":   "usb-host",
		"hostbus":  dev.Busnum,
		"hostaddr": dev.Devnum,
		"id":       qemuID,
	}

	var lastErr error
	for attempt := 0; attempt <= retryCount; attempt++ {
		linkLog.WithField("id", qemuID).WithField("vm", l.SocketPath).Info("adding USB device")
		_, err := l.execute("device_add", args)
		if err == nil {
			linkLog.WithField("id", qemuID).Info("attached USB device")
			return nil
		}
		if isDuplicateID(err) {
			linkLog.WithField("id", qemuID).Info("USB device is already attached to the VM")
			return nil
		}
		lastErr = err
		linkLog.WithError(err).WithField("id", qemuID).Warn("failed to add USB device")
		if attempt < retryCount {
			time.Sleep(retryInterval)
		}
	}
	return fmt.Errorf("qemulink: failed to add USB device %s after %d attempts: %w", qemuID, retryCount+1, lastErr)
}

// RemoveUSB implements vmm.Link: device_del {id}. A "not found" response
// is logged but not treated as an error, matching the original's
// tolerance for removing an already-gone device.
func (l *Link) RemoveUSB(ctx context.Context, dev device.USBInfo) error {
	qemuID := dev.DevID()
	_, err := l.execute("device_del", map[string]any{"id": qemuID})
	if err == nil {
		linkLog.WithField("id", qemuID).Info("removed USB device")
		return nil
	}
	if isNotFound(err) {
		linkLog.WithField("id", qemuID).Debug("USB device already removed")
		return nil
	}
	return fmt.Errorf("qemulink: failed to remove USB device %s: %w", qemuID, err)
}

// AddPCI implements vmm.Link: device_add {driver:vfio-pci, host, id,
// bus}, trying each empty PCI bridge in order until one works. A bridge
// that reports its slot occupied is not tried again; the remaining
// bridges are retried up to retryCount more times, retryInterval apart.
func (l *Link) AddPCI(ctx context.Context, dev device.PCIInfo) error {
	l.waitForBoot(ctx)
	qemuID := dev.QemuID()

	bridges, err := l.FindEmptyPCIBridges(ctx)
	if err != nil {
		linkLog.WithError(err).Warn("failed to enumerate empty PCI bridges, attaching without an explicit bus")
		bridges = []string{""}
	}
	if len(bridges) == 0 {
		bridges = []string{""}
	}

	var lastErr error
	occupied := map[string]bool{}
	attempts := 0
	for attempt := 0; attempt <= retryCount && len(occupied) < len(bridges); attempt++ {
		attempts++
		for _, bridge := range bridges {
			if occupied[bridge] {
				continue
			}
			args := map[string]any{
				"driver": "vfio-pci",
				"host":   dev.Address,
				"id":     qemuID,
			}
			if bridge != "" {
				args["bus"] = bridge
			}
			linkLog.WithField("id", qemuID).WithField("bus", bridge).WithField("vm", l.SocketPath).Info("adding PCI device")
			_, err := l.execute("device_add", args)
			if err == nil {
				linkLog.WithField("id", qemuID).Info("attached PCI device")
				return nil
			}
			if isDuplicateID(err) {
				linkLog.WithField("id", qemuID).Info("PCI device is already attached to the VM")
				return nil
			}
			if isOccupiedSlot(err) {
				linkLog.WithField("id", qemuID).WithField("bus", bridge).Debug("PCI slot occupied, trying next bridge")
				occupied[bridge] = true
				lastErr = err
				continue
			}
			lastErr = err
			linkLog.WithError(err).WithField("id", qemuID).Warn("failed to add PCI device")
		}
		if attempt < retryCount && len(occupied) < len(bridges) {
			time.Sleep(retryInterval)
		}
	}
	return fmt.Errorf("qemulink: no PCI ports available for %s after %d attempts: %w", qemuID, attempts, lastErr)
}

// RemovePCI implements vmm.Link: device_del {id}, where id is resolved by
// walking query-pci for the qdev_id whose vendor/device ids match dev
// (remove-by-vid+did), so a device attached by another tool under a
// different id can still be removed.
func (l *Link) RemovePCI(ctx context.Context, dev device.PCIInfo) error {
	qemuID, found, err := l.FindPCIDevice(ctx, dev)
	if err != nil || !found {
		qemuID = dev.QemuID()
	}
	_, err = l.execute("device_del", map[string]any{"id": qemuID})
	if err == nil {
		linkLog.WithField("id", qemuID).Info("removed PCI device")
		return nil
	}
	if isNotFound(err) {
		linkLog.WithField("id", qemuID).Debug("PCI device already removed")
		return nil
	}
	return fmt.Errorf("qemulink: failed to remove PCI device %s: %w", qemuID, err)
}

// AddEvdev implements vmm.Link: device_add {driver:virtio-input-host-pci,
// evdev, id, bus}. On a duplicate id it suffixes the id and retries; a
// "Device or resource busy" response means the device is already
// connected to this VM and is treated as success.
func (l *Link) AddEvdev(ctx context.Context, dev device.EvdevInfo, bus string) error {
	l.waitForBoot(ctx)

	idIndex := 0
	var lastErr error
	for attempt := 0; attempt <= retryCount; attempt++ {
		qemuID := dev.QemuID()
		if idIndex > 0 {
			qemuID = fmt.Sprintf("%s-%d", dev.QemuID(), idIndex)
		}
		linkLog.WithField("id", qemuID).WithField("bus", bus).Debug("adding evdev device")

		args := map[string]any{
			"driver": "virtio-input-host-pci",
			"evdev":  dev.DeviceNode,
			"id":     qemuID,
		}
		if bus != "" {
			args["bus"] = bus
		}
		_, err := l.execute("device_add", args)
		if err == nil {
			linkLog.WithField("id", qemuID).WithField("bus", bus).Info("attached evdev device")
			return nil
		}
		if isDuplicateID(err) {
			idIndex++
			continue
		}
		if isDeviceBusy(err) {
			linkLog.WithField("device", dev.DeviceNode).Info("device is busy, it is likely already connected to the VM")
			return nil
		}
		lastErr = err
		linkLog.WithError(err).WithField("bus", bus).Warn("failed to add evdev device")
		if attempt < retryCount {
			time.Sleep(retryInterval)
		}
	}
	return fmt.Errorf("qemulink: failed to add evdev device %s: %w", dev.DeviceNode, lastErr)
}

// RemoveEvdev implements vmm.Link: device_del {id: "evdev-<sysname>"}.
func (l *Link) RemoveEvdev(ctx context.Context, dev device.EvdevInfo) error {
	qemuID := dev.QemuID()
	_, err := l.execute("device_del", map[string]any{"id": qemuID})
	if err != nil {
		return fmt.Errorf("qemulink: failed to remove evdev device %s: %w", qemuID, err)
	}
	linkLog.WithField("id", qemuID).Debug("removed evdev device")
	return nil
}

// PCIDevice is one entry returned by QueryPCI: a guest-visible PCI
// device on a given bus and slot.
type PCIDevice struct {
	Bus         int
	Slot        int
	Description string
	ClassName   string
}

// QueryPCI walks the guest's PCI tree via query-pci, listing what is
// already attached to a running VM.
func (l *Link) QueryPCI(ctx context.Context) ([]PCIDevice, error) {
	raw, err := l.execute("query-pci", nil)
	if err != nil {
		return nil, fmt.Errorf("qemulink: query-pci: %w", err)
	}

	var buses []struct {
		Bus     int `json:"bus"`
		Devices []struct {
			Slot      int `json:"slot"`
			ClassInfo struct {
				Desc  string `json:"desc"`
				Class int    `json:"class"`
			} `json:"class_info"`
		} `json:"devices"`
	}
	if err := json.Unmarshal(raw, &buses); err != nil {
		return nil, fmt.Errorf("qemulink: decode query-pci: %w", err)
	}

	var out []PCIDevice
	for _, b := range buses {
		for _, d := range b.Devices {
			out = append(out, PCIDevice{
				Bus:         b.Bus,
				Slot:        d.Slot,
				Description: d.ClassInfo.Desc,
				ClassName:   strconv.Itoa(d.ClassInfo.Class),
			})
		}
	}
	return out, nil
}

// guestUSBIDRe matches the "..., ID: <id>" suffix human-monitor-command
// "info usb" prints per attached USB device.
var guestUSBIDRe = regexp.MustCompile(`,\sID:\s(\w+)`)

// GuestUSBIDs returns the qdev ids of every USB device currently attached
// to the guest, by parsing "info usb" human-monitor output.
func (l *Link) GuestUSBIDs(ctx context.Context) ([]string, error) {
	raw, err := l.execute("human-monitor-command", map[string]any{"command-line": "info usb"})
	if err != nil {
		return nil, fmt.Errorf("qemulink: info usb: %w", err)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return nil, fmt.Errorf("qemulink: decode info usb: %w", err)
	}

	var ids []string
	for _, line := range strings.Split(text, "\n") {
		if m := guestUSBIDRe.FindStringSubmatch(line); m != nil {
			ids = append(ids, m[1])
		}
	}
	return ids, nil
}
