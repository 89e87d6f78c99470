package device

import "fmt"

// PCIInfo is an immutable snapshot of a PCI device, extracted from a udev
// device record at the moment it was observed.
type PCIInfo struct {
	Address string // "DDDD:BB:SS.F"
	Driver  string // current kernel driver, "" if unbound

	VendorID int
	DeviceID int

	VendorName string
	DeviceName string

	PCIClass    int
	PCISubclass int
	PCIProgIf   int

	SubsystemVendorID string
	SubsystemID       string
}

// Kind implements Info.
func (p PCIInfo) Kind() Kind { return KindPCI }

// FriendlyName implements Info.
func (p PCIInfo) FriendlyName() string {
	return fmt.Sprintf("%04x:%04x (%s %s)", p.VendorID, p.DeviceID, p.VendorName, p.DeviceName)
}

// RuntimeID implements Info.
func (p PCIInfo) RuntimeID() string {
	return fmt.Sprintf("pci-%s", p.Address)
}

// PersistentID implements Info.
func (p PCIInfo) PersistentID() string {
	return fmt.Sprintf("pci-%s", p.Address)
}

// QemuID is the identifier vhotplugd assigns this device when attaching it
// to a QEMU instance: "pci-<sysname>".
func (p PCIInfo) QemuID() string {
	return fmt.Sprintf("pci-%s", p.Address)
}
