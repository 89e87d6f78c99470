// Package device models the immutable device snapshots vhotplugd extracts
// from kernel device records: USB, PCI and evdev variants of a single
// Info sum type, the unit the policy engine, state store and orchestrator
// all operate on.
package device

// Kind identifies which variant of Info a value holds.
type Kind int

const (
	// KindUSB identifies a USBInfo snapshot.
	KindUSB Kind = iota
	// KindPCI identifies a PCIInfo snapshot.
	KindPCI
	// KindEvdev identifies an EvdevInfo snapshot.
	KindEvdev
)

func (k Kind) String() string {
	switch k {
	case KindUSB:
		return "usb"
	case KindPCI:
		return "pci"
	case KindEvdev:
		return "evdev"
	default:
		return "unknown"
	}
}

// Info is the common interface implemented by USBInfo, PCIInfo and
// EvdevInfo. Values are immutable snapshots: callers never mutate a kernel
// device record through an Info, only read it.
type Info interface {
	// Kind reports which concrete variant this Info holds, for exhaustive
	// switches in the orchestrator and VMM façade.
	Kind() Kind

	// FriendlyName is a short human-readable label for logs and the API.
	FriendlyName() string

	// RuntimeID is unique while the device is physically present, e.g.
	// "usb-/dev/bus/usb/001/004" or "pci-0000:01:00.0". The transient
	// device->VM runtime map keys evdev devices by it; USB and PCI
	// devices are keyed there by device node and address.
	RuntimeID() string

	// PersistentID is stable across replugs of the same physical device,
	// e.g. "usb-046d:c52b:1234567" or "pci-0000:01:00.0". It is the key
	// used for the persisted selected-VM and disconnected-device sets.
	PersistentID() string
}

// BootPartitionChecker decides whether a USB device node carries a
// partition mounted at /boot. It is implemented by internal/udevsrc so
// internal/device has no direct dependency on the udev library.
type BootPartitionChecker interface {
	HasBootMount(usbDeviceNode string) bool
}
