// Package orchestrator runs the single-writer event loop that decides
// which VM a device should be attached to and drives the VMM links and
// device state that make it so.
package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/tiiuae/vhotplugd/internal/config"
	"github.com/tiiuae/vhotplugd/internal/device"
	"github.com/tiiuae/vhotplugd/internal/log"
	"github.com/tiiuae/vhotplugd/internal/policy"
	"github.com/tiiuae/vhotplugd/internal/state"
	"github.com/tiiuae/vhotplugd/internal/udevsrc"
	"github.com/tiiuae/vhotplugd/internal/vfio"
	"github.com/tiiuae/vhotplugd/internal/vmm"
)

var orchLog = log.For("orchestrator")

// Notifier fans out state-change events to subscribed API clients.
type Notifier interface {
	Notify(event string, payload map[string]any)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, map[string]any) {}

// Orchestrator is the single owner of device/VM attachment decisions.
// Every exported operation is submitted to one internal task queue and
// runs to completion before the next is started, so state mutation and
// VMM dispatch are never interleaved across concurrent callers.
type Orchestrator struct {
	cfg      *config.Config
	engine   *policy.Engine
	state    *state.Store
	udev     *udevsrc.Source
	notifier Notifier

	tasks chan func()

	linksMu sync.Mutex
	links   map[string]vmm.Link
}

// New creates an Orchestrator. If notifier is nil, notifications are
// dropped (used in tests and before the API server starts).
func New(cfg *config.Config, st *state.Store, udevSrc *udevsrc.Source, notifier Notifier) *Orchestrator {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Orchestrator{
		cfg:      cfg,
		engine:   cfg.Engine(),
		state:    st,
		udev:     udevSrc,
		notifier: notifier,
		tasks:    make(chan func(), 64),
		links:    map[string]vmm.Link{},
	}
}

// SetNotifier replaces the Orchestrator's notification sink. Used at
// startup to wire the API server's fan-out in after both it and the
// Orchestrator have been constructed, since the API server itself needs
// a live Orchestrator to dispatch requests to.
func (o *Orchestrator) SetNotifier(notifier Notifier) {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	o.notifier = notifier
}

// Run executes queued tasks one at a time until ctx is canceled. Call
// this from exactly one goroutine.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-o.tasks:
			task()
		}
	}
}

// submit enqueues fn and blocks the caller until it has run, returning
// its error. This is the channel+completion-handle hand-off external
// threads (API handlers, the udev monitor, the filewatcher) use to reach
// the single-writer loop.
func (o *Orchestrator) submit(fn func() error) error {
	done := make(chan error, 1)
	o.tasks <- func() { done <- fn() }
	return <-done
}

func (o *Orchestrator) linkFor(vmName string) (vmm.Link, config.VM, error) {
	vmCfg, ok := o.cfg.VM(vmName)
	if !ok {
		return nil, config.VM{}, fmt.Errorf("orchestrator: VM %q is not configured", vmName)
	}

	o.linksMu.Lock()
	defer o.linksMu.Unlock()
	if link, ok := o.links[vmName]; ok {
		return link, vmCfg, nil
	}
	link, err := vmm.NewLink(vmCfg.Type, vmCfg.Socket, o.cfg.General.Crosvm)
	if err != nil {
		return nil, vmCfg, err
	}
	o.links[vmName] = link
	return link, vmCfg, nil
}

// resolveVM implements §4.6.1's resolve_vm: an explicit target wins;
// otherwise the persisted selection (if still allowed) or the allowlist
// head is used; if ask is true and nothing is selected yet, it emits
// usb_select_vm and returns ok=false without a chosen VM.
func (o *Orchestrator) resolveVM(res policy.Result, info device.Info, ask bool) (vmName string, ok bool) {
	if res.TargetVM != "" {
		return res.TargetVM, true
	}
	if len(res.AllowedVMs) == 0 {
		return "", false
	}
	if selected, has := o.state.SelectedVMForDevice(info); has {
		for _, allowed := range res.AllowedVMs {
			if allowed == selected {
				return selected, true
			}
		}
	}
	if ask {
		o.notifier.Notify("usb_select_vm", map[string]any{
			"usb_device":  usbPayload(info),
			"allowed_vms": res.AllowedVMs,
		})
		return "", false
	}
	return res.AllowedVMs[0], true
}

func usbPayload(info device.Info) map[string]any {
	switch v := info.(type) {
	case device.USBInfo:
		return map[string]any{
			"device_node":  v.DeviceNode,
			"vid":          v.VID,
			"pid":          v.PID,
			"vendor_name":  v.VendorName,
			"product_name": v.ProductName,
			"serial":       v.Serial,
			"sys_name":     v.SysName,
		}
	case device.PCIInfo:
		return map[string]any{"address": v.Address, "vendor_id": v.VendorID, "device_id": v.DeviceID}
	default:
		return map[string]any{}
	}
}

// AttachUSB runs the USB attach flow (§4.6.1) for a device observed by
// the udev monitor or reconciler. ask controls whether an ambiguous
// multi-VM match pauses for user selection instead of auto-picking the
// allowlist head.
func (o *Orchestrator) AttachUSB(ctx context.Context, dev device.USBInfo, ask bool) error {
	return o.submit(func() error { return o.attachUSB(ctx, dev, ask) })
}

func (o *Orchestrator) attachUSB(ctx context.Context, dev device.USBInfo, ask bool) error {
	res := o.engine.VMForUSB(dev)
	if !res.Matched() {
		orchLog.WithField("device", dev.FriendlyName()).Debug("no rule matched")
		return nil
	}
	if dev.IsUSBHub() {
		orchLog.WithField("device", dev.FriendlyName()).Debug("device is a USB hub, skipping")
		return nil
	}
	if o.udev != nil && dev.IsBootDevice(o.udev) {
		orchLog.WithField("device", dev.FriendlyName()).Info("device is used as a boot device, refusing")
		return nil
	}
	if o.state.IsDisconnected(dev) {
		orchLog.WithField("device", dev.FriendlyName()).Info("device was forcibly disconnected")
		return nil
	}

	vmName, ok := o.resolveVM(res, dev, ask)
	if !ok {
		return nil
	}

	return o.attachOneUSB(ctx, dev, vmName)
}

// AttachUSBTo attaches dev directly to vmName, bypassing rule matching
// and resolveVM entirely. This backs explicit API attach requests,
// where the caller names the target VM itself (per spec.md S3, an
// explicit attach moves the device: any prior attachment elsewhere is
// removed first, the same way attachOneUSB already handles a cross-VM
// move for the rule-driven path).
func (o *Orchestrator) AttachUSBTo(ctx context.Context, dev device.USBInfo, vmName string) error {
	return o.submit(func() error { return o.attachOneUSB(ctx, dev, vmName) })
}

func (o *Orchestrator) attachOneUSB(ctx context.Context, dev device.USBInfo, vmName string) error {
	if current, has := o.state.VMForDevice(dev); has && current != vmName {
		orchLog.WithField("device", dev.FriendlyName()).WithField("from", current).Warn("device attached elsewhere, removing first")
		if err := o.removeOneUSB(ctx, dev, current, false); err != nil {
			orchLog.WithError(err).Warn("best-effort remove before re-attach failed")
		}
	}

	link, _, err := o.linkFor(vmName)
	if err != nil {
		return err
	}
	if err := link.AddUSB(ctx, dev); err != nil {
		return fmt.Errorf("orchestrator: attach %s to %s: %w", dev.FriendlyName(), vmName, err)
	}

	o.state.SetVMForDevice(dev, vmName)
	o.state.ClearDisconnected(dev)
	o.notifier.Notify("usb_attached", map[string]any{"usb_device": usbPayload(dev), "vm": vmName})
	return nil
}

// RemoveUSB runs the USB remove flow. permanent marks the device as
// forcibly disconnected on success, the way an explicit API detach does.
func (o *Orchestrator) RemoveUSB(ctx context.Context, dev device.USBInfo, permanent bool) error {
	return o.submit(func() error {
		vmName, has := o.state.VMForDevice(dev)
		if !has {
			return fmt.Errorf("orchestrator: device %s is not attached", dev.FriendlyName())
		}
		return o.removeOneUSB(ctx, dev, vmName, permanent)
	})
}

func (o *Orchestrator) removeOneUSB(ctx context.Context, dev device.USBInfo, vmName string, permanent bool) error {
	link, _, err := o.linkFor(vmName)
	if err != nil {
		return err
	}
	if err := link.RemoveUSB(ctx, dev); err != nil {
		return fmt.Errorf("orchestrator: remove %s from %s: %w", dev.FriendlyName(), vmName, err)
	}
	o.state.RemoveVMForDevice(dev)
	if permanent {
		o.state.SetDisconnected(dev)
	}
	o.notifier.Notify("usb_detached", map[string]any{"usb_device": map[string]any{"device_node": dev.DeviceNode}, "vm": vmName})
	return nil
}

// AttachPCI runs the PCI attach flow (§4.6.1), including IOMMU-group
// handling: per the matched rule's flags, a shared group is skipped,
// added member-by-member under pause/resume, or only dev itself is
// attached.
func (o *Orchestrator) AttachPCI(ctx context.Context, dev device.PCIInfo) error {
	return o.submit(func() error { return o.attachPCI(ctx, dev) })
}

func (o *Orchestrator) attachPCI(ctx context.Context, dev device.PCIInfo) error {
	res := o.engine.VMForPCI(dev)
	if !res.Matched() {
		orchLog.WithField("device", dev.FriendlyName()).Debug("no rule matched")
		return nil
	}
	if o.state.IsDisconnected(dev) {
		orchLog.WithField("device", dev.FriendlyName()).Info("device was forcibly disconnected")
		return nil
	}

	vmName, ok := o.resolveVM(res, dev, false)
	if !ok {
		return nil
	}

	group, err := vfio.GroupDevices(dev.Address)
	if err != nil {
		return fmt.Errorf("orchestrator: resolve IOMMU group for %s: %w", dev.Address, err)
	}

	if len(group) <= 1 {
		return o.attachOnePCI(ctx, dev, vmName)
	}

	if res.PCIIommuSkipIfShared {
		orchLog.WithField("device", dev.Address).Info("IOMMU group is shared, skipping per rule")
		return nil
	}
	if !res.PCIIommuAddAll {
		return o.attachOnePCI(ctx, dev, vmName)
	}

	skip := o.groupAttachSkipSet(group, dev.Address, vmName)

	link, _, err := o.linkFor(vmName)
	if err != nil {
		return err
	}
	if err := link.Pause(ctx); err != nil {
		orchLog.WithError(err).Warn("failed to pause VM for IOMMU group attach")
	}
	defer func() {
		if err := link.Resume(ctx); err != nil {
			orchLog.WithError(err).Warn("failed to resume VM after IOMMU group attach")
		}
	}()

	for _, addr := range group {
		if skip[addr] {
			continue
		}
		pciInfo, err := o.pciInfoFor(addr, dev)
		if err != nil {
			orchLog.WithError(err).WithField("device", addr).Error("failed to resolve IOMMU group member, stopping group attach")
			return err
		}
		if err := o.attachOnePCI(ctx, pciInfo, vmName); err != nil {
			orchLog.WithError(err).WithField("device", addr).Error("failed to attach IOMMU group member, stopping group attach")
			return err
		}
	}
	return nil
}

// groupAttachSkipSet implements §4.6.1's "if d already in state to a
// different VM → warn, skip": any group member other than the
// originating address that is currently attached to a different VM is
// left alone rather than stolen into vmName.
func (o *Orchestrator) groupAttachSkipSet(group []string, originAddr, vmName string) map[string]bool {
	skip := map[string]bool{}
	for _, addr := range group {
		if addr == originAddr {
			continue
		}
		if current, has := o.state.VMForDevice(device.PCIInfo{Address: addr}); has && current != vmName {
			orchLog.WithField("device", addr).WithField("vm", current).Warn("IOMMU group member attached to a different VM, skipping group attach")
			skip[addr] = true
		}
	}
	return skip
}

// pciInfoFor resolves the full PCIInfo for a sibling IOMMU-group
// address, falling back to the already-known dev when addr is dev
// itself (avoids a redundant udev lookup on the common single-device
// path).
func (o *Orchestrator) pciInfoFor(addr string, dev device.PCIInfo) (device.PCIInfo, error) {
	if addr == dev.Address {
		return dev, nil
	}
	if o.udev == nil {
		return device.PCIInfo{}, fmt.Errorf("orchestrator: no udev source to resolve %s", addr)
	}
	return o.udev.PCIByAddress(addr)
}

// AttachPCITo attaches dev directly to vmName, bypassing rule matching
// and resolveVM, the same way AttachUSBTo does for USB devices.
func (o *Orchestrator) AttachPCITo(ctx context.Context, dev device.PCIInfo, vmName string) error {
	return o.submit(func() error { return o.attachOnePCI(ctx, dev, vmName) })
}

func (o *Orchestrator) attachOnePCI(ctx context.Context, dev device.PCIInfo, vmName string) error {
	if current, has := o.state.VMForDevice(dev); has && current != vmName {
		orchLog.WithField("device", dev.Address).WithField("from", current).Warn("device attached elsewhere, removing first")
		if err := o.removeOnePCI(ctx, dev, current, false); err != nil {
			orchLog.WithError(err).Warn("best-effort remove before re-attach failed")
		}
	}

	results, err := vfio.SetupGroup(dev.Address)
	if err != nil {
		return fmt.Errorf("orchestrator: vfio setup for %s: %w", dev.Address, err)
	}
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("orchestrator: vfio bind failed for %s: %w", r.Device, r.Err)
		}
	}

	link, _, err := o.linkFor(vmName)
	if err != nil {
		return err
	}
	if err := link.AddPCI(ctx, dev); err != nil {
		return fmt.Errorf("orchestrator: attach %s to %s: %w", dev.FriendlyName(), vmName, err)
	}

	o.state.SetVMForDevice(dev, vmName)
	o.state.ClearDisconnected(dev)
	o.notifier.Notify("pci_attached", map[string]any{"pci_device": map[string]any{"address": dev.Address}, "vm": vmName})
	return nil
}

// RemovePCI runs the PCI remove flow (§4.6.2): a device whose matched
// rule set pciIommuAddAll and whose IOMMU group has more than one member
// is removed as a group under a pause/resume window; otherwise it is
// removed alone.
func (o *Orchestrator) RemovePCI(ctx context.Context, dev device.PCIInfo, permanent bool) error {
	return o.submit(func() error {
		vmName, has := o.state.VMForDevice(dev)
		if !has {
			return fmt.Errorf("orchestrator: device %s is not attached", dev.Address)
		}

		res := o.engine.VMForPCI(dev)
		group, err := vfio.GroupDevices(dev.Address)
		if err == nil && res.PCIIommuAddAll && len(group) > 1 {
			return o.removeGroupPCI(ctx, dev, group, vmName, permanent)
		}
		return o.removeOnePCI(ctx, dev, vmName, permanent)
	})
}

func (o *Orchestrator) removeGroupPCI(ctx context.Context, dev device.PCIInfo, group []string, vmName string, permanent bool) error {
	link, _, err := o.linkFor(vmName)
	if err != nil {
		return err
	}
	if err := link.Pause(ctx); err != nil {
		orchLog.WithError(err).Warn("failed to pause VM for IOMMU group remove")
	}
	defer func() {
		if err := link.Resume(ctx); err != nil {
			orchLog.WithError(err).Warn("failed to resume VM after IOMMU group remove")
		}
	}()

	var lastErr error
	for _, addr := range group {
		pciInfo, err := o.pciInfoFor(addr, dev)
		if err != nil {
			pciInfo = device.PCIInfo{Address: addr}
		}
		memberVM, has := o.state.VMForDevice(pciInfo)
		if !has || memberVM != vmName {
			continue
		}
		if err := o.removeOnePCI(ctx, pciInfo, vmName, permanent); err != nil {
			orchLog.WithError(err).WithField("device", addr).Error("failed to remove IOMMU group member")
			lastErr = err
		}
	}
	return lastErr
}

func (o *Orchestrator) removeOnePCI(ctx context.Context, dev device.PCIInfo, vmName string, permanent bool) error {
	link, _, err := o.linkFor(vmName)
	if err != nil {
		return err
	}
	if err := link.RemovePCI(ctx, dev); err != nil {
		return fmt.Errorf("orchestrator: remove %s from %s: %w", dev.Address, vmName, err)
	}
	o.state.RemoveVMForDevice(dev)
	if permanent {
		o.state.SetDisconnected(dev)
	}
	o.notifier.Notify("pci_detached", map[string]any{"pci_device": map[string]any{"address": dev.Address}, "vm": vmName})
	return nil
}

// AttachEvdev attaches a non-USB input device to the VM its matched evdev
// rule selects, on the given PCI bus (no bus argument when bus is empty).
// Only QEMU VMs are supported.
func (o *Orchestrator) AttachEvdev(ctx context.Context, name string, dev device.EvdevInfo, bus string) error {
	return o.submit(func() error {
		res := o.engine.VMForEvdev(name, dev)
		if !res.Matched() {
			orchLog.WithField("device", name).Debug("no evdev rule matched")
			return nil
		}
		vmName, ok := o.resolveVM(res, dev, false)
		if !ok {
			return nil
		}
		link, vmCfg, err := o.linkFor(vmName)
		if err != nil {
			return err
		}
		if vmCfg.Type != "qemu" {
			return fmt.Errorf("orchestrator: evdev passthrough is not supported for %s (%s)", vmName, vmCfg.Type)
		}
		if err := link.AddEvdev(ctx, dev, bus); err != nil {
			return fmt.Errorf("orchestrator: attach evdev %s to %s: %w", name, vmName, err)
		}
		o.state.SetVMForDevice(dev, vmName)
		orchLog.WithField("device", name).WithField("vm", vmName).Info("attached evdev device")
		return nil
	})
}

// RemoveEvdev detaches a previously attached evdev device.
func (o *Orchestrator) RemoveEvdev(ctx context.Context, dev device.EvdevInfo) error {
	return o.submit(func() error {
		vmName, has := o.state.VMForDevice(dev)
		if !has {
			return fmt.Errorf("orchestrator: evdev device %s is not attached", dev.SysName)
		}
		link, _, err := o.linkFor(vmName)
		if err != nil {
			return err
		}
		if err := link.RemoveEvdev(ctx, dev); err != nil {
			return fmt.Errorf("orchestrator: remove evdev %s from %s: %w", dev.SysName, vmName, err)
		}
		o.state.RemoveVMForDevice(dev)
		return nil
	})
}

// Suspend detaches every currently-attached USB device scoped to vm
// (or every VM when vm is empty) whose matched rule has skipOnSuspend
// set, in response to an explicit API suspend request. PCI and evdev
// devices are not considered.
func (o *Orchestrator) Suspend(ctx context.Context, vm string) error {
	return o.submit(func() error { return o.suspendResume(ctx, vm, true) })
}

// Resume re-attaches devices detached by Suspend.
func (o *Orchestrator) Resume(ctx context.Context, vm string) error {
	return o.submit(func() error { return o.suspendResume(ctx, vm, false) })
}

func (o *Orchestrator) suspendResume(ctx context.Context, vm string, suspending bool) error {
	for node, attachedVM := range o.state.ListUSBDevices() {
		if vm != "" && attachedVM != vm {
			continue
		}
		usbInfo, err := o.udev.USBByDeviceNode(node)
		if err != nil {
			orchLog.WithError(err).WithField("device", node).Warn("failed to resolve device for suspend/resume")
			continue
		}
		res := o.engine.VMForUSB(usbInfo)
		if !res.SkipOnSuspend {
			continue
		}
		if suspending {
			if err := o.removeOneUSB(ctx, usbInfo, attachedVM, false); err != nil {
				orchLog.WithError(err).WithField("device", node).Warn("failed to detach for suspend")
			}
		} else if err := o.attachOneUSB(ctx, usbInfo, attachedVM); err != nil {
			orchLog.WithError(err).WithField("device", node).Warn("failed to re-attach after resume")
		}
	}
	return nil
}

// ReconcileStartup attaches every rule-matching device currently present
// on the host, in evdev, USB, PCI order, as done when --attach-connected
// is set.
func (o *Orchestrator) ReconcileStartup(ctx context.Context) error {
	return o.Reconcile(ctx, nil)
}

// Reconcile re-runs the attach pass, scoped to the given VM names when
// non-empty (used after a VM restart is observed), or unscoped (startup).
// For PCI it additionally detaches any forcibly-disconnected device that
// is nonetheless attached to a VM within scope.
func (o *Orchestrator) Reconcile(ctx context.Context, scope []string) error {
	inScope := func(vm string) bool {
		if len(scope) == 0 {
			return true
		}
		for _, s := range scope {
			if s == vm {
				return true
			}
		}
		return false
	}

	if o.udev == nil {
		return fmt.Errorf("orchestrator: no udev source configured for reconciliation")
	}

	evdevDevices, err := o.udev.ListNonUSBInput()
	if err != nil {
		orchLog.WithError(err).Warn("failed to enumerate evdev devices during reconciliation")
	}
	for _, d := range evdevDevices {
		info := udevsrc.EvdevInfo(d)
		name, err := device.EvdevName(info.DeviceNode)
		if err != nil {
			orchLog.WithError(err).WithField("device", info.DeviceNode).Warn("failed to read evdev device name")
			continue
		}
		info.Name = name
		if device.EvdevIsGrabbed(info.DeviceNode) {
			orchLog.WithField("device", name).Debug("evdev device is already grabbed, likely attached to a VM")
			continue
		}
		if len(scope) > 0 {
			if res := o.engine.VMForEvdev(name, info); res.Matched() {
				if vmName, ok := o.resolveVM(res, info, false); ok && !inScope(vmName) {
					continue
				}
			}
		}
		if err := o.AttachEvdev(ctx, name, info, ""); err != nil {
			orchLog.WithError(err).WithField("device", name).Error("failed to attach evdev device during reconciliation")
		}
	}

	usbDevices, err := o.udev.ListUSB()
	if err != nil {
		return fmt.Errorf("orchestrator: enumerate USB devices: %w", err)
	}
	for _, dev := range usbDevices {
		res := o.engine.VMForUSB(dev)
		if res.Matched() && len(scope) > 0 {
			vmName, ok := o.resolveVM(res, dev, false)
			if ok && !inScope(vmName) {
				continue
			}
		}
		if err := o.submit(func() error { return o.attachUSB(ctx, dev, false) }); err != nil {
			orchLog.WithError(err).WithField("device", dev.FriendlyName()).Error("failed to attach device during reconciliation")
		}
	}

	pciDevices, err := o.udev.ListPCI()
	if err != nil {
		return fmt.Errorf("orchestrator: enumerate PCI devices: %w", err)
	}
	for _, dev := range pciDevices {
		res := o.engine.VMForPCI(dev)
		if res.Matched() && len(scope) > 0 {
			vmName, ok := o.resolveVM(res, dev, false)
			if ok && !inScope(vmName) {
				continue
			}
		}
		if err := o.submit(func() error { return o.attachPCI(ctx, dev) }); err != nil {
			orchLog.WithError(err).WithField("device", dev.Address).Error("failed to attach device during reconciliation")
		}
	}

	if len(scope) > 0 {
		if err := o.detachDisconnectedPCI(ctx, scope); err != nil {
			orchLog.WithError(err).Warn("failed to detach disconnected PCI devices during reconciliation")
		}
	}

	return nil
}

// detachDisconnectedPCI implements §4.6.3's extra reconciler step: a PCI
// device marked disconnected_devices that is nonetheless attached to a
// VM within scope (the guest may have been configured with it statically)
// is detached.
func (o *Orchestrator) detachDisconnectedPCI(ctx context.Context, scope []string) error {
	disconnected := map[string]bool{}
	for _, id := range o.state.ListDisconnected() {
		disconnected[id] = true
	}
	if len(disconnected) == 0 {
		return nil
	}

	pciDevices, err := o.udev.ListPCI()
	if err != nil {
		return err
	}
	for _, dev := range pciDevices {
		if !disconnected[dev.PersistentID()] {
			continue
		}
		vmName, has := o.state.VMForDevice(dev)
		if !has {
			continue
		}
		inScope := false
		for _, s := range scope {
			if s == vmName {
				inScope = true
				break
			}
		}
		if !inScope {
			continue
		}
		if err := o.submit(func() error { return o.removeOnePCI(ctx, dev, vmName, false) }); err != nil {
			orchLog.WithError(err).WithField("device", dev.Address).Warn("failed to detach disconnected PCI device")
		}
	}
	return nil
}
