package vmm

import (
	"context"
	"fmt"

	"github.com/tiiuae/vhotplugd/internal/device"
	"github.com/tiiuae/vhotplugd/internal/vmm/crosvmlink"
	"github.com/tiiuae/vhotplugd/internal/vmm/qemulink"
)

// NewLink builds the Link implementation for a VM of the given type.
// vmType is "qemu" or "crosvm", matching the top-level config schema.
func NewLink(vmType, socketPath, crosvmBin string) (Link, error) {
	switch vmType {
	case "qemu":
		return qemulink.New(socketPath), nil
	case "crosvm":
		return &crosvmAdapter{link: crosvmlink.New(socketPath, crosvmBin)}, nil
	default:
		return nil, fmt.Errorf("vmm: unknown VM type %q", vmType)
	}
}

// errUnsupported is returned by crosvm operations the control protocol
// does not expose: crosvm has no PCI hot-add/remove or evdev passthrough
// command, and no pause/resume equivalent reachable from the CLI.
func errUnsupported(op string) error {
	return fmt.Errorf("vmm: %s is not supported for crosvm VMs", op)
}

// crosvmAdapter adapts crosvmlink.Link (USB-only) to the full Link
// interface so the orchestrator can treat qemu and crosvm VMs uniformly,
// surfacing unsupported operations as errors rather than panics.
type crosvmAdapter struct {
	link *crosvmlink.Link
}

func (a *crosvmAdapter) AddUSB(ctx context.Context, dev device.USBInfo) error {
	return a.link.AddUSB(ctx, dev)
}

func (a *crosvmAdapter) RemoveUSB(ctx context.Context, dev device.USBInfo) error {
	return a.link.RemoveUSBByVIDPID(ctx, dev.VID, dev.PID)
}

func (a *crosvmAdapter) AddPCI(ctx context.Context, dev device.PCIInfo) error {
	return errUnsupported("PCI passthrough")
}

func (a *crosvmAdapter) RemovePCI(ctx context.Context, dev device.PCIInfo) error {
	return errUnsupported("PCI passthrough")
}

func (a *crosvmAdapter) AddEvdev(ctx context.Context, dev device.EvdevInfo, bus string) error {
	return errUnsupported("evdev passthrough")
}

func (a *crosvmAdapter) RemoveEvdev(ctx context.Context, dev device.EvdevInfo) error {
	return errUnsupported("evdev passthrough")
}

func (a *crosvmAdapter) Pause(ctx context.Context) error {
	return errUnsupported("pause")
}

func (a *crosvmAdapter) Resume(ctx context.Context) error {
	return errUnsupported("resume")
}

func (a *crosvmAdapter) Running(ctx context.Context) (bool, error) {
	return true, nil
}
