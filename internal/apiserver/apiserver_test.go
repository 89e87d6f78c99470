package apiserver

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tiiuae/vhotplugd/internal/config"
	"github.com/tiiuae/vhotplugd/internal/device"
	"github.com/tiiuae/vhotplugd/internal/policy"
	"github.com/tiiuae/vhotplugd/internal/state"
)

// fakeOrchestrator records every call it receives so tests can assert on
// dispatch without a real VMM connection.
type fakeOrchestrator struct {
	attachUSBCalls   []device.USBInfo
	attachUSBToCalls []device.USBInfo
	attachUSBToVMs   []string
	removeUSBCalls   []device.USBInfo
	attachPCICalls   []device.PCIInfo
	attachPCIToCalls []device.PCIInfo
	attachPCIToVMs   []string
	removePCICalls   []device.PCIInfo
	suspendCalls     []string
	resumeCalls      []string

	attachUSBErr   error
	attachUSBToErr error
	removeUSBErr   error
	attachPCIErr   error
	attachPCIToErr error
	removePCIErr   error
	suspendErr     error
	resumeErr      error
}

func (f *fakeOrchestrator) AttachUSB(ctx context.Context, dev device.USBInfo, ask bool) error {
	f.attachUSBCalls = append(f.attachUSBCalls, dev)
	return f.attachUSBErr
}

func (f *fakeOrchestrator) AttachUSBTo(ctx context.Context, dev device.USBInfo, vm string) error {
	f.attachUSBToCalls = append(f.attachUSBToCalls, dev)
	f.attachUSBToVMs = append(f.attachUSBToVMs, vm)
	return f.attachUSBToErr
}

func (f *fakeOrchestrator) RemoveUSB(ctx context.Context, dev device.USBInfo, permanent bool) error {
	f.removeUSBCalls = append(f.removeUSBCalls, dev)
	return f.removeUSBErr
}

func (f *fakeOrchestrator) AttachPCI(ctx context.Context, dev device.PCIInfo) error {
	f.attachPCICalls = append(f.attachPCICalls, dev)
	return f.attachPCIErr
}

func (f *fakeOrchestrator) AttachPCITo(ctx context.Context, dev device.PCIInfo, vm string) error {
	f.attachPCIToCalls = append(f.attachPCIToCalls, dev)
	f.attachPCIToVMs = append(f.attachPCIToVMs, vm)
	return f.attachPCIToErr
}

func (f *fakeOrchestrator) RemovePCI(ctx context.Context, dev device.PCIInfo, permanent bool) error {
	f.removePCICalls = append(f.removePCICalls, dev)
	return f.removePCIErr
}

func (f *fakeOrchestrator) Suspend(ctx context.Context, vm string) error {
	f.suspendCalls = append(f.suspendCalls, vm)
	return f.suspendErr
}

func (f *fakeOrchestrator) Resume(ctx context.Context, vm string) error {
	f.resumeCalls = append(f.resumeCalls, vm)
	return f.resumeErr
}

// fakeDeviceSource resolves device selectors from fixed maps instead of
// real udev lookups.
type fakeDeviceSource struct {
	byNode   map[string]device.USBInfo
	byVIDPID map[string]device.USBInfo
	byAddr   map[string]device.PCIInfo
}

func (f *fakeDeviceSource) USBByDeviceNode(node string) (device.USBInfo, error) {
	if d, ok := f.byNode[node]; ok {
		return d, nil
	}
	return device.USBInfo{}, fmt.Errorf("no such device node %q", node)
}

func (f *fakeDeviceSource) USBByBusPort(bus, port int) (device.USBInfo, error) {
	return device.USBInfo{}, fmt.Errorf("not implemented in fake")
}

func (f *fakeDeviceSource) USBByVIDPID(vid, pid string) (device.USBInfo, error) {
	if d, ok := f.byVIDPID[vid+":"+pid]; ok {
		return d, nil
	}
	return device.USBInfo{}, fmt.Errorf("no such device %s:%s", vid, pid)
}

func (f *fakeDeviceSource) PCIByAddress(address string) (device.PCIInfo, error) {
	if d, ok := f.byAddr[address]; ok {
		return d, nil
	}
	return device.PCIInfo{}, fmt.Errorf("no such device %q", address)
}

func (f *fakeDeviceSource) PCIByVIDDID(vendorID, deviceID int) (device.PCIInfo, error) {
	for _, d := range f.byAddr {
		if d.VendorID == vendorID && d.DeviceID == deviceID {
			return d, nil
		}
	}
	return device.PCIInfo{}, fmt.Errorf("no such device %04x:%04x", vendorID, deviceID)
}

func (f *fakeDeviceSource) ListUSB() ([]device.USBInfo, error) {
	devs := make([]device.USBInfo, 0, len(f.byNode))
	for _, d := range f.byNode {
		devs = append(devs, d)
	}
	return devs, nil
}

func (f *fakeDeviceSource) ListPCI() ([]device.PCIInfo, error) {
	devs := make([]device.PCIInfo, 0, len(f.byAddr))
	for _, d := range f.byAddr {
		devs = append(devs, d)
	}
	return devs, nil
}

func newTestServer(t *testing.T, orch Orchestrator, udev DeviceSource) *Server {
	t.Helper()
	return newTestServerWithEngine(t, orch, udev, &policy.Engine{})
}

func newTestServerWithEngine(t *testing.T, orch Orchestrator, udev DeviceSource, engine *policy.Engine) *Server {
	t.Helper()
	store, err := state.New(false, "")
	assert.NoError(t, err)
	return New(config.APIConfig{}, orch, store, udev, engine, "", "")
}

func TestHandleUSBAttach(t *testing.T) {
	assert := assert.New(t)

	dev := device.USBInfo{DeviceNode: "/dev/bus/usb/001/004", VID: "046d", PID: "c52b"}
	orch := &fakeOrchestrator{}
	udev := &fakeDeviceSource{byNode: map[string]device.USBInfo{dev.DeviceNode: dev}}
	s := newTestServer(t, orch, udev)

	resp := s.handle(context.Background(), &conn{}, request{Action: "usb_attach", DeviceNode: dev.DeviceNode, VM: "gui-vm"})
	assert.Equal("ok", resp["result"])
	assert.Len(orch.attachUSBToCalls, 1)
	assert.Equal(dev, orch.attachUSBToCalls[0])
	assert.Equal([]string{"gui-vm"}, orch.attachUSBToVMs)

	vm, ok := s.store.SelectedVMForDevice(dev)
	assert.True(ok)
	assert.Equal("gui-vm", vm)
}

func TestHandleUSBAttachMissingVM(t *testing.T) {
	assert := assert.New(t)

	dev := device.USBInfo{DeviceNode: "/dev/bus/usb/001/004"}
	orch := &fakeOrchestrator{}
	udev := &fakeDeviceSource{byNode: map[string]device.USBInfo{dev.DeviceNode: dev}}
	s := newTestServer(t, orch, udev)

	resp := s.handle(context.Background(), &conn{}, request{Action: "usb_attach", DeviceNode: dev.DeviceNode})
	assert.Equal("failed", resp["result"])
	assert.Empty(orch.attachUSBToCalls)
}

func TestHandleUSBAttachFailureDoesNotPersistSelection(t *testing.T) {
	assert := assert.New(t)

	dev := device.USBInfo{DeviceNode: "/dev/bus/usb/001/004", VID: "046d", PID: "c52b"}
	orch := &fakeOrchestrator{attachUSBToErr: fmt.Errorf("vfio bind failed")}
	udev := &fakeDeviceSource{byNode: map[string]device.USBInfo{dev.DeviceNode: dev}}
	s := newTestServer(t, orch, udev)

	resp := s.handle(context.Background(), &conn{}, request{Action: "usb_attach", DeviceNode: dev.DeviceNode, VM: "gui-vm"})
	assert.Equal("failed", resp["result"])

	_, ok := s.store.SelectedVMForDevice(dev)
	assert.False(ok, "a failed attach must not persist a VM selection for the device")
}

func TestHandleUSBAttachUnknownDevice(t *testing.T) {
	assert := assert.New(t)

	orch := &fakeOrchestrator{}
	udev := &fakeDeviceSource{}
	s := newTestServer(t, orch, udev)

	resp := s.handle(context.Background(), &conn{}, request{Action: "usb_attach", DeviceNode: "/dev/bus/usb/999/999", VM: "gui-vm"})
	assert.Equal("failed", resp["result"])
	assert.Contains(resp["error"], "no such device")
}

func TestHandleUSBDetach(t *testing.T) {
	assert := assert.New(t)

	dev := device.USBInfo{DeviceNode: "/dev/bus/usb/001/004"}
	orch := &fakeOrchestrator{}
	udev := &fakeDeviceSource{byNode: map[string]device.USBInfo{dev.DeviceNode: dev}}
	s := newTestServer(t, orch, udev)

	resp := s.handle(context.Background(), &conn{}, request{Action: "usb_detach", DeviceNode: dev.DeviceNode})
	assert.Equal("ok", resp["result"])
	assert.Len(orch.removeUSBCalls, 1)
}

func TestHandlePCIAttachByVIDDID(t *testing.T) {
	assert := assert.New(t)

	dev := device.PCIInfo{Address: "0000:01:00.0", VendorID: 0x8086, DeviceID: 0x1234}
	orch := &fakeOrchestrator{}
	udev := &fakeDeviceSource{byAddr: map[string]device.PCIInfo{dev.Address: dev}}
	s := newTestServer(t, orch, udev)

	resp := s.handle(context.Background(), &conn{}, request{Action: "pci_attach", VID: "8086", DID: "1234", VM: "net-vm"})
	assert.Equal("ok", resp["result"])
	assert.Len(orch.attachPCIToCalls, 1)
	assert.Equal(dev, orch.attachPCIToCalls[0])
	assert.Equal([]string{"net-vm"}, orch.attachPCIToVMs)

	vm, ok := s.store.SelectedVMForDevice(dev)
	assert.True(ok)
	assert.Equal("net-vm", vm)
}

func TestHandlePCIAttachFailureDoesNotPersistSelection(t *testing.T) {
	assert := assert.New(t)

	dev := device.PCIInfo{Address: "0000:01:00.0", VendorID: 0x8086, DeviceID: 0x1234}
	orch := &fakeOrchestrator{attachPCIToErr: fmt.Errorf("vfio bind failed")}
	udev := &fakeDeviceSource{byAddr: map[string]device.PCIInfo{dev.Address: dev}}
	s := newTestServer(t, orch, udev)

	resp := s.handle(context.Background(), &conn{}, request{Action: "pci_attach", VID: "8086", DID: "1234", VM: "net-vm"})
	assert.Equal("failed", resp["result"])

	_, ok := s.store.SelectedVMForDevice(dev)
	assert.False(ok, "a failed attach must not persist a VM selection for the device")
}

func TestHandlePCIAttachInvalidVID(t *testing.T) {
	assert := assert.New(t)

	orch := &fakeOrchestrator{}
	udev := &fakeDeviceSource{}
	s := newTestServer(t, orch, udev)

	resp := s.handle(context.Background(), &conn{}, request{Action: "pci_attach", VID: "zzzz", DID: "1234", VM: "net-vm"})
	assert.Equal("failed", resp["result"])
	assert.Empty(orch.attachPCIToCalls)
}

func TestHandleSuspendResume(t *testing.T) {
	assert := assert.New(t)

	orch := &fakeOrchestrator{}
	s := newTestServer(t, orch, &fakeDeviceSource{})

	resp := s.handle(context.Background(), &conn{}, request{Action: "usb_suspend", VM: "gui-vm"})
	assert.Equal("ok", resp["result"])
	assert.Equal([]string{"gui-vm"}, orch.suspendCalls)

	resp = s.handle(context.Background(), &conn{}, request{Action: "usb_resume", VM: "gui-vm"})
	assert.Equal("ok", resp["result"])
	assert.Equal([]string{"gui-vm"}, orch.resumeCalls)
}

func TestHandleOrchestratorError(t *testing.T) {
	assert := assert.New(t)

	dev := device.USBInfo{DeviceNode: "/dev/bus/usb/001/004"}
	orch := &fakeOrchestrator{attachUSBToErr: fmt.Errorf("vfio bind failed")}
	udev := &fakeDeviceSource{byNode: map[string]device.USBInfo{dev.DeviceNode: dev}}
	s := newTestServer(t, orch, udev)

	resp := s.handle(context.Background(), &conn{}, request{Action: "usb_attach", DeviceNode: dev.DeviceNode, VM: "gui-vm"})
	assert.Equal("failed", resp["result"])
	assert.Equal("vfio bind failed", resp["error"])
}

func TestHandleUnknownAction(t *testing.T) {
	assert := assert.New(t)

	s := newTestServer(t, &fakeOrchestrator{}, &fakeDeviceSource{})
	resp := s.handle(context.Background(), &conn{}, request{Action: "reticulate_splines"})
	assert.Equal("failed", resp["result"])
}

func TestHandleUSBList(t *testing.T) {
	assert := assert.New(t)

	dev := device.USBInfo{DeviceNode: "/dev/bus/usb/001/004", VID: "046d", PID: "c52b"}
	udev := &fakeDeviceSource{byNode: map[string]device.USBInfo{dev.DeviceNode: dev}}
	s := newTestServer(t, &fakeOrchestrator{}, udev)
	s.store.SetVMForDevice(dev, "gui-vm")

	resp := s.handle(context.Background(), &conn{}, request{Action: "usb_list"})
	assert.Equal("ok", resp["result"])
	list, ok := resp["usb_devices"].([]map[string]any)
	assert.True(ok)
	assert.Len(list, 1)
	assert.Equal("gui-vm", list[0]["vm"])
}

func TestHandleUSBListIncludesUnattachedMatchedDevice(t *testing.T) {
	assert := assert.New(t)

	dev := device.USBInfo{DeviceNode: "/dev/bus/usb/001/005", VID: "0bda", PID: "8153"}
	udev := &fakeDeviceSource{byNode: map[string]device.USBInfo{dev.DeviceNode: dev}}
	engine := &policy.Engine{USB: []policy.Rule[policy.USBMatcher]{
		{TargetVM: "gui-vm", Allow: []policy.USBMatcher{{VendorID: "0bda", ProductID: "8153"}}},
	}}
	s := newTestServerWithEngine(t, &fakeOrchestrator{}, udev, engine)

	resp := s.handle(context.Background(), &conn{}, request{Action: "usb_list"})
	assert.Equal("ok", resp["result"])
	list, ok := resp["usb_devices"].([]map[string]any)
	assert.True(ok)
	assert.Len(list, 1)
	assert.Nil(list[0]["vm"])
	assert.Equal([]string{"gui-vm"}, list[0]["allowed_vms"])
}

func TestHandleUSBListExcludesUnattachedUnmatchedDevice(t *testing.T) {
	assert := assert.New(t)

	dev := device.USBInfo{DeviceNode: "/dev/bus/usb/001/006", VID: "1111", PID: "2222"}
	udev := &fakeDeviceSource{byNode: map[string]device.USBInfo{dev.DeviceNode: dev}}
	s := newTestServerWithEngine(t, &fakeOrchestrator{}, udev, &policy.Engine{})

	resp := s.handle(context.Background(), &conn{}, request{Action: "usb_list"})
	assert.Equal("ok", resp["result"])
	list, ok := resp["usb_devices"].([]map[string]any)
	assert.True(ok)
	assert.Empty(list)
}

func TestHandlePCIListIncludesUnattachedMatchedDevice(t *testing.T) {
	assert := assert.New(t)

	dev := device.PCIInfo{Address: "0000:02:00.0", VendorID: 0x10de, DeviceID: 0x1234}
	udev := &fakeDeviceSource{byAddr: map[string]device.PCIInfo{dev.Address: dev}}
	engine := &policy.Engine{PCI: []policy.Rule[policy.PCIMatcher]{
		{AllowedVMs: []string{"gpu-vm", "gui-vm"}, Allow: []policy.PCIMatcher{{Address: dev.Address}}},
	}}
	s := newTestServerWithEngine(t, &fakeOrchestrator{}, udev, engine)

	resp := s.handle(context.Background(), &conn{}, request{Action: "pci_list"})
	assert.Equal("ok", resp["result"])
	list, ok := resp["pci_devices"].([]map[string]any)
	assert.True(ok)
	assert.Len(list, 1)
	assert.Nil(list[0]["vm"])
	assert.Equal([]string{"gpu-vm", "gui-vm"}, list[0]["allowed_vms"])
}

func TestHandleDisconnectedList(t *testing.T) {
	assert := assert.New(t)

	dev := device.USBInfo{VID: "046d", PID: "c52b", Serial: "X"}
	s := newTestServer(t, &fakeOrchestrator{}, &fakeDeviceSource{})
	s.store.SetDisconnected(dev)

	resp := s.handle(context.Background(), &conn{}, request{Action: "disconnected_list"})
	assert.Equal("ok", resp["result"])
	ids, ok := resp["disconnected_devices"].([]string)
	assert.True(ok)
	assert.Equal([]string{dev.PersistentID()}, ids)
}

func TestHandleUSBDrivers(t *testing.T) {
	assert := assert.New(t)

	dev := device.USBInfo{DeviceNode: "/dev/bus/usb/001/004", VID: "046d", PID: "c52b", Interfaces: ":030101:"}
	udev := &fakeDeviceSource{byNode: map[string]device.USBInfo{dev.DeviceNode: dev}}
	store, err := state.New(false, "")
	assert.NoError(err)
	// modprobeBin/modinfoBin point nowhere real; ResolveDrivers degrades
	// to an empty (but non-error) result, which is what this handler
	// should surface rather than failing the whole request.
	s := New(config.APIConfig{}, &fakeOrchestrator{}, store, udev, &policy.Engine{}, "/no/such/modprobe", "/no/such/modinfo")

	resp := s.handle(context.Background(), &conn{}, request{Action: "usb_drivers", DeviceNode: dev.DeviceNode})
	assert.Equal("ok", resp["result"])
	assert.Empty(resp["drivers"])
}

func TestHandleEnableNotificationsSubscribes(t *testing.T) {
	assert := assert.New(t)

	s := newTestServer(t, &fakeOrchestrator{}, &fakeDeviceSource{})
	c := &conn{}

	resp := s.handle(context.Background(), c, request{Action: "enable_notifications"})
	assert.Equal("ok", resp["result"])
	assert.True(c.notify)
	assert.True(s.subscribers[c])
}
