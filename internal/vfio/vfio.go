// Package vfio drives the sysfs ABI that binds a PCI device (and every
// other device sharing its IOMMU group) to the vfio-pci driver so it can
// be passed through to a VM.
package vfio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tiiuae/vhotplugd/internal/log"
)

var vfioLog = log.For("vfio")

// pciDevicesPath and driversProbePath are package vars rather than
// constants so tests can point them at a scratch directory instead of
// the real sysfs tree.
var (
	pciDevicesPath   = "/sys/bus/pci/devices"
	driversProbePath = "/sys/bus/pci/drivers_probe"
)

// GroupDevices returns the PCI addresses of every device sharing the
// IOMMU group of addr, retrying up to 4 times at 100ms intervals while
// the sysfs symlink materializes after a hot-add.
func GroupDevices(addr string) ([]string, error) {
	devicePath := filepath.Join(pciDevicesPath, addr)
	if _, err := os.Stat(devicePath); err != nil {
		return nil, fmt.Errorf("vfio: device path %s does not exist: %w", devicePath, err)
	}

	groupLink := filepath.Join(devicePath, "iommu_group")
	var groupPath string
	for attempt := 0; attempt < 4; attempt++ {
		resolved, err := filepath.EvalSymlinks(groupLink)
		if err == nil {
			groupPath = resolved
			break
		}
		vfioLog.WithField("device", addr).Warn("IOMMU group does not exist yet, retrying")
		time.Sleep(100 * time.Millisecond)
	}
	if groupPath == "" {
		return nil, fmt.Errorf("vfio: IOMMU group for %s did not appear", addr)
	}
	vfioLog.WithField("device", addr).WithField("group", filepath.Base(groupPath)).Debug("resolved IOMMU group")

	devicesDir := filepath.Join(groupPath, "devices")
	entries, err := os.ReadDir(devicesDir)
	if err != nil {
		return nil, fmt.Errorf("vfio: list IOMMU group devices: %w", err)
	}
	var devices []string
	for _, e := range entries {
		devices = append(devices, e.Name())
	}
	sort.Strings(devices)
	return devices, nil
}

// CurrentDriver returns the kernel driver bound to addr, or "" if none.
func CurrentDriver(addr string) string {
	link := filepath.Join(pciDevicesPath, addr, "driver")
	target, err := os.Readlink(link)
	if err != nil {
		return ""
	}
	return filepath.Base(target)
}

// bindVFIO unbinds whatever driver is currently bound to addr (retrying
// up to 5 times at 1s intervals, since some drivers hold the device open
// briefly after an unplug event) and binds vfio-pci in its place.
func bindVFIO(addr string) error {
	driver := CurrentDriver(addr)
	if driver == "vfio-pci" {
		return nil
	}

	devicePath := filepath.Join(pciDevicesPath, addr)
	if driver != "" {
		vfioLog.WithField("device", addr).WithField("driver", driver).Info("unbinding current driver")
		unbindPath := filepath.Join(devicePath, "driver", "unbind")
		var unbindErr error
		for attempt := 0; attempt < 5; attempt++ {
			if unbindErr = os.WriteFile(unbindPath, []byte(addr), 0o200); unbindErr == nil {
				break
			}
			vfioLog.WithError(unbindErr).WithField("device", addr).Warn("failed to unbind driver, retrying")
			time.Sleep(time.Second)
		}
		if unbindErr != nil {
			return fmt.Errorf("vfio: failed to unbind %s from %s after 5 attempts: %w", addr, driver, unbindErr)
		}
	} else {
		vfioLog.WithField("device", addr).Debug("device has no driver assigned")
	}

	overridePath := filepath.Join(devicePath, "driver_override")
	if err := os.WriteFile(overridePath, []byte("vfio-pci"), 0o200); err != nil {
		return fmt.Errorf("vfio: failed to set driver_override for %s: %w", addr, err)
	}

	if err := os.WriteFile(driversProbePath, []byte(addr), 0o200); err != nil {
		return fmt.Errorf("vfio: failed to trigger drivers_probe for %s: %w", addr, err)
	}

	vfioLog.WithField("device", addr).Debug("bound vfio-pci driver")
	return nil
}

// SetupResult reports the per-member outcome of a SetupGroup call, used
// by the orchestrator to surface partial IOMMU-group failures without
// rolling back devices that bound successfully.
type SetupResult struct {
	Device string
	Err    error
}

// SetupGroup resolves addr's IOMMU group and binds vfio-pci to every
// member. Binding is best-effort and forward-only: a failure on one
// member does not unbind members that already succeeded, it is reported
// alongside them in the returned slice.
func SetupGroup(addr string) ([]SetupResult, error) {
	vfioLog.WithField("device", addr).Debug("setting up vfio for IOMMU group")
	devices, err := GroupDevices(addr)
	if err != nil {
		return nil, fmt.Errorf("vfio: setup failed for %s: %w", addr, err)
	}

	results := make([]SetupResult, 0, len(devices))
	for _, dev := range devices {
		err := bindVFIO(dev)
		if err != nil {
			vfioLog.WithError(err).WithField("device", dev).Error("failed to bind vfio-pci")
		}
		results = append(results, SetupResult{Device: dev, Err: err})
	}
	return results, nil
}

// ErrNotLoaded indicates the vfio-pci kernel module is not loaded.
var ErrNotLoaded = errors.New("vfio: vfio-pci module is not loaded")

// CheckLoaded reports whether the vfio-pci module is present.
func CheckLoaded() error {
	if _, err := os.Stat("/sys/module/vfio_pci"); err != nil {
		return ErrNotLoaded
	}
	return nil
}
