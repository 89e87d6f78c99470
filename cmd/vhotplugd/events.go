package main

import (
	"context"

	"github.com/tiiuae/vhotplugd/internal/config"
	"github.com/tiiuae/vhotplugd/internal/device"
	"github.com/tiiuae/vhotplugd/internal/filewatcher"
	"github.com/tiiuae/vhotplugd/internal/orchestrator"
	"github.com/tiiuae/vhotplugd/internal/udevsrc"
)

// runUdevLoop dispatches udev add/remove events for USB, PCI and evdev
// devices to the orchestrator's event-driven attach/remove flows. Evdev
// add events go through attachEvdevHotplug, which performs the same
// EVIOCGNAME lookup and "not already grabbed" check as reconciliation.
func runUdevLoop(ctx context.Context, orch *orchestrator.Orchestrator, events <-chan udevsrc.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			dispatchUdevEvent(ctx, orch, ev)
		}
	}
}

func dispatchUdevEvent(ctx context.Context, orch *orchestrator.Orchestrator, ev udevsrc.Event) {
	switch info := ev.Info.(type) {
	case device.USBInfo:
		switch ev.Action {
		case "add":
			if err := orch.AttachUSB(ctx, info, true); err != nil {
				mainLog.WithError(err).WithField("device", info.FriendlyName()).Warn("failed to attach USB device")
			}
		case "remove":
			if err := orch.RemoveUSB(ctx, info, false); err != nil {
				mainLog.WithError(err).WithField("device", info.FriendlyName()).Debug("USB device was not attached")
			}
		}
	case device.PCIInfo:
		switch ev.Action {
		case "add":
			if err := orch.AttachPCI(ctx, info); err != nil {
				mainLog.WithError(err).WithField("device", info.Address).Warn("failed to attach PCI device")
			}
		case "remove":
			if err := orch.RemovePCI(ctx, info, false); err != nil {
				mainLog.WithError(err).WithField("device", info.Address).Debug("PCI device was not attached")
			}
		}
	case device.EvdevInfo:
		switch ev.Action {
		case "add":
			attachEvdevHotplug(ctx, orch, info)
		case "remove":
			if err := orch.RemoveEvdev(ctx, info); err != nil {
				mainLog.WithError(err).WithField("device", info.SysName).Debug("evdev device was not attached")
			}
		}
	}
}

// attachEvdevHotplug resolves a freshly-plugged evdev device's kernel
// name and grab state before handing it to the orchestrator, matching
// the checks Orchestrator.Reconcile performs for devices already present
// at startup.
func attachEvdevHotplug(ctx context.Context, orch *orchestrator.Orchestrator, info device.EvdevInfo) {
	name, err := device.EvdevName(info.DeviceNode)
	if err != nil {
		mainLog.WithError(err).WithField("device", info.DeviceNode).Warn("failed to read evdev device name")
		return
	}
	if device.EvdevIsGrabbed(info.DeviceNode) {
		mainLog.WithField("device", name).Debug("evdev device is already grabbed, skipping")
		return
	}
	info.Name = name
	if err := orch.AttachEvdev(ctx, name, info, ""); err != nil {
		mainLog.WithError(err).WithField("device", name).Warn("failed to attach evdev device")
	}
}

// runFilewatcherLoop watches every configured VM's control socket for
// creation (a VM restart) and re-runs the attach pass scoped to that VM,
// per §4.6.3.
func runFilewatcherLoop(ctx context.Context, orch *orchestrator.Orchestrator, cfg *config.Config, watcher *filewatcher.Watcher) {
	socketToVM := map[string]string{}
	for _, vm := range cfg.VMs {
		socketToVM[vm.Socket] = vm.Name
	}

	events := watcher.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !ev.Started {
				continue
			}
			vmName, known := socketToVM[ev.SocketPath]
			if !known {
				continue
			}
			mainLog.WithField("vm", vmName).Info("VM control socket recreated, reconciling")
			if err := orch.Reconcile(ctx, []string{vmName}); err != nil {
				mainLog.WithError(err).WithField("vm", vmName).Error("reconciliation after VM restart failed")
			}
		}
	}
}
