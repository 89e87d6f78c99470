// Package udevsrc enumerates and monitors Linux devices via udev and
// converts them into device.Info snapshots for the rest of vhotplugd.
package udevsrc

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jochenvg/go-udev"

	"github.com/tiiuae/vhotplugd/internal/device"
	"github.com/tiiuae/vhotplugd/internal/log"
)

var srcLog = log.For("udevsrc")

// Source wraps a udev context and exposes enumeration, monitoring and
// boot-partition lookups used by the orchestrator and API server.
type Source struct {
	udev *udev.Udev
}

// New creates a udev-backed device Source.
func New() *Source {
	return &Source{udev: &udev.Udev{}}
}

// Event is a single udev action observed by Monitor: "add", "remove" or
// "change", carrying the converted device snapshot when recognized.
type Event struct {
	Action string
	Info   device.Info
}

// IsUSBDevice reports whether a udev device record is a top-level USB
// device (as opposed to one of its interfaces).
func IsUSBDevice(d *udev.Device) bool {
	return d.Subsystem() == "usb" && d.Devtype() == "usb_device"
}

// IsInputDevice reports whether a udev device record is an evdev input
// device eligible for passthrough (mouse, keyboard, touchpad, touchscreen
// or tablet), mirroring the host's original udev-property heuristic.
func IsInputDevice(d *udev.Device) bool {
	if d.Subsystem() != "input" || !strings.HasPrefix(d.Sysname(), "event") {
		return false
	}
	props := d.Properties()
	if props["ID_INPUT"] != "1" {
		return false
	}
	return props["ID_INPUT_MOUSE"] == "1" ||
		props["ID_INPUT_KEYBOARD"] == "1" ||
		props["ID_INPUT_TOUCHPAD"] == "1" ||
		props["ID_INPUT_TOUCHSCREEN"] == "1" ||
		props["ID_INPUT_TABLET"] == "1"
}

// IsPCIDevice reports whether a udev device record is a PCI device.
func IsPCIDevice(d *udev.Device) bool {
	return d.Subsystem() == "pci"
}

func attrInt(d *udev.Device, name string) int {
	raw := strings.TrimSpace(d.SysattrValue(name))
	raw = strings.TrimPrefix(raw, "0x")
	v, err := strconv.ParseInt(raw, 16, 32)
	if err != nil {
		return 0
	}
	return int(v)
}

func propInt(props map[string]string, name string) int {
	v, err := strconv.Atoi(props[name])
	if err != nil {
		return 0
	}
	return v
}

// usbPorts extracts the "N.M" port path from a udev sys_name like
// "1-2.3" into []int{2, 3}.
func usbPorts(sysName string) []int {
	parts := strings.SplitN(sysName, "-", 2)
	if len(parts) != 2 {
		return nil
	}
	var ports []int
	for _, p := range strings.Split(parts[1], ".") {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil
		}
		ports = append(ports, n)
	}
	return ports
}

// USBInfo converts a udev USB device record into a device.USBInfo.
func USBInfo(d *udev.Device) device.USBInfo {
	props := d.Properties()
	vendorName := props["ID_VENDOR_FROM_DATABASE"]
	if vendorName == "" {
		vendorName = props["ID_VENDOR"]
	}
	productName := props["ID_MODEL_FROM_DATABASE"]
	if productName == "" {
		productName = props["ID_MODEL"]
	}
	return device.USBInfo{
		DeviceNode:     d.Devnode(),
		SysName:        d.Sysname(),
		VID:            props["ID_VENDOR_ID"],
		PID:            props["ID_MODEL_ID"],
		VendorName:     vendorName,
		ProductName:    productName,
		Serial:         props["ID_SERIAL_SHORT"],
		Busnum:         propInt(props, "BUSNUM"),
		Devnum:         propInt(props, "DEVNUM"),
		Ports:          usbPorts(d.Sysname()),
		DeviceClass:    attrInt(d, "bDeviceClass"),
		DeviceSubclass: attrInt(d, "bDeviceSubClass"),
		DeviceProtocol: attrInt(d, "bDeviceProtocol"),
		BCDDevice:      attrInt(d, "bcdDevice"),
		Interfaces:     props["ID_USB_INTERFACES"],
	}
}

// PCIInfo converts a udev PCI device record into a device.PCIInfo.
func PCIInfo(d *udev.Device) (device.PCIInfo, error) {
	props := d.Properties()

	pciID := props["PCI_ID"]
	vid, did, ok := strings.Cut(pciID, ":")
	if !ok {
		return device.PCIInfo{}, fmt.Errorf("udevsrc: malformed PCI_ID %q for %s", pciID, d.Syspath())
	}
	vendorID, err := strconv.ParseInt(vid, 16, 32)
	if err != nil {
		return device.PCIInfo{}, fmt.Errorf("udevsrc: malformed PCI vendor id %q: %w", vid, err)
	}
	deviceID, err := strconv.ParseInt(did, 16, 32)
	if err != nil {
		return device.PCIInfo{}, fmt.Errorf("udevsrc: malformed PCI device id %q: %w", did, err)
	}

	classHex, err := strconv.ParseInt(props["PCI_CLASS"], 16, 64)
	if err != nil {
		return device.PCIInfo{}, fmt.Errorf("udevsrc: malformed PCI_CLASS %q: %w", props["PCI_CLASS"], err)
	}

	vendorName := props["ID_VENDOR_FROM_DATABASE"]
	if vendorName == "" {
		vendorName = props["ID_VENDOR"]
	}
	deviceName := props["ID_MODEL_FROM_DATABASE"]
	if deviceName == "" {
		deviceName = props["ID_MODEL"]
	}

	subVendor, subID, _ := strings.Cut(props["PCI_SUBSYS_ID"], ":")

	return device.PCIInfo{
		Address:           d.Sysname(),
		Driver:            d.Driver(),
		VendorID:          int(vendorID),
		DeviceID:          int(deviceID),
		VendorName:        vendorName,
		DeviceName:        deviceName,
		PCIClass:          int((classHex >> 16) & 0xFF),
		PCISubclass:       int((classHex >> 8) & 0xFF),
		PCIProgIf:         int(classHex & 0xF),
		SubsystemVendorID: subVendor,
		SubsystemID:       subID,
	}, nil
}

// EvdevInfo converts a udev input device record into a device.EvdevInfo.
// The device name itself is read separately via EVIOCGNAME (see
// internal/device's Evdev grab/name helpers used by the orchestrator),
// since udev does not expose it as a property.
func EvdevInfo(d *udev.Device) device.EvdevInfo {
	props := d.Properties()
	return device.EvdevInfo{
		SysName:    d.Sysname(),
		Bus:        props["ID_BUS"],
		DeviceNode: d.Devnode(),
		PathTag:    props["ID_PATH_TAG"],
		Properties: props,
	}
}

// ListUSB returns every USB device currently present on the host.
func (s *Source) ListUSB() ([]device.USBInfo, error) {
	e := s.udev.NewEnumerate()
	if err := e.AddMatchSubsystem("usb"); err != nil {
		return nil, fmt.Errorf("udevsrc: enumerate usb: %w", err)
	}
	devs, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("udevsrc: enumerate usb: %w", err)
	}
	var out []device.USBInfo
	for _, d := range devs {
		if IsUSBDevice(d) {
			out = append(out, USBInfo(d))
		}
	}
	return out, nil
}

// ListPCI returns every PCI device currently present on the host.
func (s *Source) ListPCI() ([]device.PCIInfo, error) {
	e := s.udev.NewEnumerate()
	if err := e.AddMatchSubsystem("pci"); err != nil {
		return nil, fmt.Errorf("udevsrc: enumerate pci: %w", err)
	}
	devs, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("udevsrc: enumerate pci: %w", err)
	}
	var out []device.PCIInfo
	for _, d := range devs {
		info, err := PCIInfo(d)
		if err != nil {
			srcLog.WithError(err).Warn("skipping malformed PCI device")
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

// ListNonUSBInput returns every evdev input device whose bus is not USB
// (USB input devices are passed through as USB devices instead).
func (s *Source) ListNonUSBInput() ([]*udev.Device, error) {
	e := s.udev.NewEnumerate()
	if err := e.AddMatchSubsystem("input"); err != nil {
		return nil, fmt.Errorf("udevsrc: enumerate input: %w", err)
	}
	devs, err := e.Devices()
	if err != nil {
		return nil, fmt.Errorf("udevsrc: enumerate input: %w", err)
	}
	var out []*udev.Device
	for _, d := range devs {
		if IsInputDevice(d) && d.Properties()["ID_BUS"] != "usb" {
			out = append(out, d)
		}
	}
	return out, nil
}

// USBByDeviceNode finds a currently-present USB device by its /dev node.
func (s *Source) USBByDeviceNode(node string) (device.USBInfo, error) {
	devs, err := s.ListUSB()
	if err != nil {
		return device.USBInfo{}, err
	}
	for _, d := range devs {
		if d.DeviceNode == node {
			return d, nil
		}
	}
	return device.USBInfo{}, fmt.Errorf("udevsrc: USB device %s not found", node)
}

// USBByBusPort finds a currently-present USB device by bus number and
// root port.
func (s *Source) USBByBusPort(bus, port int) (device.USBInfo, error) {
	devs, err := s.ListUSB()
	if err != nil {
		return device.USBInfo{}, err
	}
	for _, d := range devs {
		if d.Busnum == bus && d.RootPort() == port {
			return d, nil
		}
	}
	return device.USBInfo{}, fmt.Errorf("udevsrc: USB device with bus %d port %d not found", bus, port)
}

// USBByVIDPID finds a currently-present USB device by vendor/product id.
func (s *Source) USBByVIDPID(vid, pid string) (device.USBInfo, error) {
	devs, err := s.ListUSB()
	if err != nil {
		return device.USBInfo{}, err
	}
	for _, d := range devs {
		if strings.EqualFold(d.VID, vid) && strings.EqualFold(d.PID, pid) {
			return d, nil
		}
	}
	return device.USBInfo{}, fmt.Errorf("udevsrc: USB device %s:%s not found", vid, pid)
}

// PCIByAddress finds a currently-present PCI device by its bus address.
func (s *Source) PCIByAddress(address string) (device.PCIInfo, error) {
	devs, err := s.ListPCI()
	if err != nil {
		return device.PCIInfo{}, err
	}
	for _, d := range devs {
		if d.Address == address {
			return d, nil
		}
	}
	return device.PCIInfo{}, fmt.Errorf("udevsrc: PCI device %s not found", address)
}

// PCIByVIDDID finds a currently-present PCI device by vendor/device id.
func (s *Source) PCIByVIDDID(vendorID, deviceID int) (device.PCIInfo, error) {
	devs, err := s.ListPCI()
	if err != nil {
		return device.PCIInfo{}, err
	}
	for _, d := range devs {
		if d.VendorID == vendorID && d.DeviceID == deviceID {
			return d, nil
		}
	}
	return device.PCIInfo{}, fmt.Errorf("udevsrc: PCI device %04x:%04x not found", vendorID, deviceID)
}

// Monitor streams udev add/remove/change events for the usb, pci and input
// subsystems until ctx is canceled. Send-only; the caller owns ctx
// lifetime and reads from the returned channel until it closes.
func (s *Source) Monitor(ctx context.Context) (<-chan Event, error) {
	mon := s.udev.NewMonitorFromNetlink("udev")
	for _, sub := range []string{"usb", "pci", "input"} {
		if err := mon.FilterAddMatchSubsystem(sub); err != nil {
			return nil, fmt.Errorf("udevsrc: monitor filter %s: %w", sub, err)
		}
	}

	deviceCh, err := mon.DeviceChan(ctx)
	if err != nil {
		return nil, fmt.Errorf("udevsrc: start monitor: %w", err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deviceCh:
				if !ok {
					return
				}
				ev, matched := s.convert(d)
				if !matched {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *Source) convert(d *udev.Device) (Event, bool) {
	action := d.Action()
	switch {
	case IsUSBDevice(d):
		return Event{Action: action, Info: USBInfo(d)}, true
	case IsPCIDevice(d):
		info, err := PCIInfo(d)
		if err != nil {
			srcLog.WithError(err).Debug("skipping malformed PCI event")
			return Event{}, false
		}
		return Event{Action: action, Info: info}, true
	case IsInputDevice(d) && d.Properties()["ID_BUS"] != "usb":
		return Event{Action: action, Info: EvdevInfo(d)}, true
	default:
		return Event{}, false
	}
}

// HasBootMount implements device.BootPartitionChecker: it reports whether
// any partition of the USB drive at usbDeviceNode is currently mounted at
// /boot, by walking udev block partitions and /proc/self/mountinfo.
func (s *Source) HasBootMount(usbDeviceNode string) bool {
	e := s.udev.NewEnumerate()
	if err := e.AddMatchSubsystem("block"); err != nil {
		srcLog.WithError(err).Warn("failed to enumerate block devices")
		return false
	}
	if err := e.AddMatchProperty("DEVTYPE", "partition"); err != nil {
		srcLog.WithError(err).Warn("failed to filter partitions")
		return false
	}
	parts, err := e.Devices()
	if err != nil {
		srcLog.WithError(err).Warn("failed to enumerate partitions")
		return false
	}

	for _, part := range parts {
		parent := part.ParentWithSubsystemDevtype("usb", "usb_device")
		if parent == nil || parent.Devnode() != usbDeviceNode {
			continue
		}
		srcLog.WithField("partition", part.Devnode()).Debug("usb drive has partition")
		if mountedAtBoot(part.Devnode()) {
			return true
		}
	}
	return false
}

// mountedAtBoot reports whether devNode is mounted at /boot, per
// /proc/self/mountinfo.
func mountedAtBoot(devNode string) bool {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		srcLog.WithError(err).Warn("failed to read mountinfo")
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		// mountinfo format: ... mount-point ... - fstype source options
		dashIdx := -1
		for i, f := range fields {
			if f == "-" {
				dashIdx = i
				break
			}
		}
		if dashIdx < 0 || dashIdx+2 >= len(fields) || len(fields) < 5 {
			continue
		}
		mountPoint := fields[4]
		source := fields[dashIdx+2]
		if source == devNode && mountPoint == "/boot" {
			return true
		}
	}
	return false
}
