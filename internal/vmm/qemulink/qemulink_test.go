package qemulink

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQMPErrorClassifiers(t *testing.T) {
	assert := assert.New(t)

	dup := &qmpCommandError{Class: "GenericError", Desc: "Duplicate device ID 'usb-usb14' for device-add"}
	assert.True(isDuplicateID(dup))
	assert.False(isNotFound(dup))

	notFound := &qmpCommandError{Class: "DeviceNotFound", Desc: "Device 'usb-usb14' not found"}
	assert.True(isNotFound(notFound))
	assert.False(isDuplicateID(notFound))

	busy := &qmpCommandError{Class: "GenericError", Desc: "Could not open '/dev/bus/usb/001/004': Device or resource busy"}
	assert.True(isDeviceBusy(busy))

	occupied := &qmpCommandError{Class: "GenericError", Desc: "PCI: slot 1 function 0 already occupied by virtio-net-pci"}
	assert.True(isOccupiedSlot(occupied))

	other := errors.New("connection reset")
	assert.False(isDuplicateID(other))
	assert.False(isNotFound(other))
	assert.False(isDeviceBusy(other))
	assert.False(isOccupiedSlot(other))
}

func TestGuestUSBIDRegex(t *testing.T) {
	assert := assert.New(t)

	text := "  Device 0.2, Port 2, Speed 480 Mb/s, Product Mouse, ID: usb14\n" +
		"  Device 0.3, Port 3, Speed 12 Mb/s, Product Keyboard, ID: usb15\n"

	var ids []string
	for _, line := range strings.Split(text, "\n") {
		if m := guestUSBIDRe.FindStringSubmatch(line); m != nil {
			ids = append(ids, m[1])
		}
	}
	assert.Equal([]string{"usb14", "usb15"}, ids)
}

func TestWalkPCIDevicesRecursesIntoBridges(t *testing.T) {
	assert := assert.New(t)

	tree := []guestPCIDevice{
		{QdevID: "pcie.0"},
		{
			QdevID: "bridge0",
			PCIBridge: &struct {
				Devices []guestPCIDevice `json:"devices"`
			}{
				Devices: []guestPCIDevice{
					{QdevID: "nested0"},
					{QdevID: "nested1"},
				},
			},
		},
	}

	var visited []string
	walkPCIDevices(tree, func(d guestPCIDevice) {
		visited = append(visited, d.QdevID)
	})

	assert.Equal([]string{"pcie.0", "bridge0", "nested0", "nested1"}, visited)
}
