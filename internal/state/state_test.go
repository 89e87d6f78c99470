package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tiiuae/vhotplugd/internal/device"
)

func TestStoreRuntimeAttachment(t *testing.T) {
	assert := assert.New(t)

	s, err := New(false, "")
	assert.NoError(err)

	dev := device.USBInfo{DeviceNode: "/dev/bus/usb/001/004"}

	_, ok := s.VMForDevice(dev)
	assert.False(ok)

	s.SetVMForDevice(dev, "gui-vm")
	vm, ok := s.VMForDevice(dev)
	assert.True(ok)
	assert.Equal("gui-vm", vm)

	assert.Equal(map[string]string{dev.DeviceNode: "gui-vm"}, s.ListUSBDevices())

	s.RemoveVMForDevice(dev)
	_, ok = s.VMForDevice(dev)
	assert.False(ok)
}

func TestStoreListsAreSnapshots(t *testing.T) {
	assert := assert.New(t)

	s, err := New(false, "")
	assert.NoError(err)

	dev := device.PCIInfo{Address: "0000:01:00.0"}
	s.SetVMForDevice(dev, "net-vm")

	snap := s.ListPCIDevices()
	snap["extra"] = "mutated"

	snap2 := s.ListPCIDevices()
	_, present := snap2["extra"]
	assert.False(present, "mutating a returned snapshot must not affect the store")
}

func TestStoreSelectedVMNonPersistent(t *testing.T) {
	assert := assert.New(t)

	s, err := New(false, "")
	assert.NoError(err)

	dev := device.USBInfo{VID: "046d", PID: "c52b", Serial: "X"}

	_, ok := s.SelectedVMForDevice(dev)
	assert.False(ok)

	s.SelectVMForDevice(dev, "gui-vm")
	vm, ok := s.SelectedVMForDevice(dev)
	assert.True(ok)
	assert.Equal("gui-vm", vm)

	s.ClearSelectedVMForDevice(dev)
	_, ok = s.SelectedVMForDevice(dev)
	assert.False(ok)
}

func TestStoreDisconnected(t *testing.T) {
	assert := assert.New(t)

	s, err := New(false, "")
	assert.NoError(err)

	dev := device.USBInfo{VID: "046d", PID: "c52b", Serial: "X"}
	assert.False(s.IsDisconnected(dev))

	s.SetDisconnected(dev)
	assert.True(s.IsDisconnected(dev))
	assert.Equal([]string{dev.PersistentID()}, s.ListDisconnected())

	cleared := s.ClearDisconnected(dev)
	assert.True(cleared)
	assert.False(s.IsDisconnected(dev))

	// clearing an already-clear device reports false
	assert.False(s.ClearDisconnected(dev))
}

func TestStorePersistsAcrossRestart(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "vhotplug.state")

	s1, err := New(true, path)
	assert.NoError(err)

	dev := device.PCIInfo{Address: "0000:01:00.0"}
	s1.SelectVMForDevice(dev, "net-vm")
	s1.SetDisconnected(device.PCIInfo{Address: "0000:02:00.0"})

	s2, err := New(true, path)
	assert.NoError(err)

	vm, ok := s2.SelectedVMForDevice(dev)
	assert.True(ok)
	assert.Equal("net-vm", vm)
	assert.True(s2.IsDisconnected(device.PCIInfo{Address: "0000:02:00.0"}))

	// runtime attachments are never persisted, only selections/disconnects
	_, ok = s2.VMForDevice(dev)
	assert.False(ok)
}

func TestStoreLoadMissingFileStartsFresh(t *testing.T) {
	assert := assert.New(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "vhotplug.state")

	s, err := New(true, path)
	assert.NoError(err)
	assert.Empty(s.ListDisconnected())
}
