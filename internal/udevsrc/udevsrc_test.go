package udevsrc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUsbPorts(t *testing.T) {
	assert := assert.New(t)

	assert.Equal([]int{2, 3}, usbPorts("1-2.3"))
	assert.Equal([]int{2}, usbPorts("1-2"))
	assert.Nil(usbPorts("usb1"))
	assert.Nil(usbPorts("1-2.x"))
}

func TestMountedAtBootNoMatchForUnknownDevice(t *testing.T) {
	assert := assert.New(t)

	// No real system mounts /boot from this fabricated device node, so
	// this exercises the no-match path through /proc/self/mountinfo
	// without needing a fake mount table.
	assert.False(mountedAtBoot("/dev/vhotplugd-test-placeholder-device"))
}

func TestPropInt(t *testing.T) {
	assert := assert.New(t)

	props := map[string]string{"BUSNUM": "1", "garbage": "not-a-number"}
	assert.Equal(1, propInt(props, "BUSNUM"))
	assert.Equal(0, propInt(props, "garbage"))
	assert.Equal(0, propInt(props, "missing"))
}
