package device

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/tiiuae/vhotplugd/internal/log"
)

var usbLog = log.For("device")

// USBInterface is one alternate-setting descriptor parsed out of a USB
// device's ID_USB_INTERFACES udev property.
type USBInterface struct {
	Class    int
	Subclass int
	Protocol int
}

// USBInfo is an immutable snapshot of a USB device, extracted from a udev
// device record at the moment it was observed.
type USBInfo struct {
	DeviceNode string
	SysName    string

	VID         string
	PID         string
	VendorName  string
	ProductName string
	Serial      string

	Busnum int
	Devnum int
	Ports  []int

	DeviceClass    int
	DeviceSubclass int
	DeviceProtocol int
	BCDDevice      int

	// Interfaces is the raw colon-separated CCSSPP triples, e.g.
	// ":030101:030102:". Kept alongside the parsed form so
	// FriendlyName/logging can show the original udev value.
	Interfaces string
}

// Kind implements Info.
func (u USBInfo) Kind() Kind { return KindUSB }

// FriendlyName implements Info.
func (u USBInfo) FriendlyName() string {
	if u.VID != "" && u.PID != "" {
		return fmt.Sprintf("%s:%s (%s %s)", u.VID, u.PID, u.VendorName, u.ProductName)
	}
	return u.DeviceNode
}

// RuntimeID implements Info.
func (u USBInfo) RuntimeID() string {
	return fmt.Sprintf("usb-%s", u.DeviceNode)
}

// PersistentID implements Info.
func (u USBInfo) PersistentID() string {
	return fmt.Sprintf("usb-%s:%s:%s", u.VID, u.PID, u.Serial)
}

// RootPort is the first element of Ports, or 0 if the device has no
// recorded port path.
func (u USBInfo) RootPort() int {
	if len(u.Ports) == 0 {
		return 0
	}
	return u.Ports[0]
}

// DevID is the identifier vhotplugd uses for this device inside a QEMU
// instance: "usb<busnum><devnum>".
func (u USBInfo) DevID() string {
	return fmt.Sprintf("usb%d%d", u.Busnum, u.Devnum)
}

// IsBootDevice reports whether any partition of this USB drive is
// currently mounted at /boot.
func (u USBInfo) IsBootDevice(checker BootPartitionChecker) bool {
	if checker == nil || u.DeviceNode == "" {
		return false
	}
	return checker.HasBootMount(u.DeviceNode)
}

// ParseUSBInterfaces parses a colon-separated string of CCSSPP hex triples
// (e.g. ":030101:030102:") into a list of interface descriptors.
func ParseUSBInterfaces(raw string) []USBInterface {
	var out []USBInterface
	trimmed := strings.Trim(raw, ":")
	if trimmed == "" {
		return out
	}
	for _, tok := range strings.Split(trimmed, ":") {
		if len(tok) < 6 {
			continue
		}
		class, err1 := strconv.ParseInt(tok[0:2], 16, 32)
		subclass, err2 := strconv.ParseInt(tok[2:4], 16, 32)
		protocol, err3 := strconv.ParseInt(tok[4:6], 16, 32)
		if err1 != nil || err2 != nil || err3 != nil {
			usbLog.WithField("token", tok).Warn("failed to parse USB interface triple")
			continue
		}
		out = append(out, USBInterface{Class: int(class), Subclass: int(subclass), Protocol: int(protocol)})
	}
	return out
}

// ParsedInterfaces parses u.Interfaces into structured triples.
func (u USBInfo) ParsedInterfaces() []USBInterface {
	return ParseUSBInterfaces(u.Interfaces)
}

// IsUSBHub reports whether any interface of the device is class 0x09 (hub).
func (u USBInfo) IsUSBHub() bool {
	for _, iface := range u.ParsedInterfaces() {
		if iface.Class == 0x09 {
			return true
		}
	}
	return false
}

// Modaliases derives the kernel modalias string for each interface of the
// device, the same way the kernel's usbcore does, for driver discovery.
func (u USBInfo) Modaliases() []string {
	var out []string
	for i, iface := range u.ParsedInterfaces() {
		out = append(out, fmt.Sprintf(
			"usb:v%sp%sd%04Xdc%02Xdsc%02Xdp%02Xic%02Xisc%02Xip%02Xin%02X",
			strings.ToUpper(u.VID), strings.ToUpper(u.PID), u.BCDDevice,
			u.DeviceClass, u.DeviceSubclass, u.DeviceProtocol,
			iface.Class, iface.Subclass, iface.Protocol, i,
		))
	}
	return out
}

// ResolveDrivers resolves a list of modaliases to candidate kernel module
// file paths via modprobe -R / modinfo -n. Unresolvable modaliases are
// skipped; the result has duplicate paths removed.
func ResolveDrivers(modaliases []string, modprobeBin, modinfoBin string) []string {
	if modprobeBin == "" {
		modprobeBin = "modprobe"
	}
	if modinfoBin == "" {
		modinfoBin = "modinfo"
	}
	seen := map[string]bool{}
	var drivers []string
	for _, alias := range modaliases {
		out, err := exec.Command(modprobeBin, "-R", alias).Output()
		if err != nil {
			usbLog.WithError(err).WithField("modalias", alias).Debug("failed to resolve modalias")
			continue
		}
		for _, module := range strings.Fields(string(out)) {
			path, err := exec.Command(modinfoBin, "-n", module).Output()
			if err != nil {
				usbLog.WithError(err).WithField("module", module).Warn("failed to resolve module path")
				continue
			}
			driver := strings.TrimSpace(string(path))
			if driver != "" && !seen[driver] {
				seen[driver] = true
				drivers = append(drivers, driver)
			}
		}
	}
	return drivers
}
