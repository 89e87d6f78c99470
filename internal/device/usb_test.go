package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseUSBInterfaces(t *testing.T) {
	assert := assert.New(t)

	ifaces := ParseUSBInterfaces(":030101:080650:")
	assert.Len(ifaces, 2)
	assert.Equal(USBInterface{Class: 0x03, Subclass: 0x01, Protocol: 0x01}, ifaces[0])
	assert.Equal(USBInterface{Class: 0x08, Subclass: 0x06, Protocol: 0x50}, ifaces[1])

	assert.Empty(ParseUSBInterfaces(""))
	assert.Empty(ParseUSBInterfaces("::"))
}

func TestParseUSBInterfacesSkipsMalformedTokens(t *testing.T) {
	assert := assert.New(t)

	ifaces := ParseUSBInterfaces(":0301zz:0806:030102:")
	// "0301zz" fails hex parsing, "0806" is too short; only the last survives.
	assert.Len(ifaces, 1)
	assert.Equal(USBInterface{Class: 0x03, Subclass: 0x01, Protocol: 0x02}, ifaces[0])
}

func TestUSBInfoIsUSBHub(t *testing.T) {
	assert := assert.New(t)

	hub := USBInfo{Interfaces: ":090000:"}
	assert.True(hub.IsUSBHub())

	notHub := USBInfo{Interfaces: ":030101:"}
	assert.False(notHub.IsUSBHub())
}

func TestUSBInfoModaliases(t *testing.T) {
	assert := assert.New(t)

	u := USBInfo{
		VID: "046d", PID: "c52b",
		BCDDevice: 0x12, DeviceClass: 0, DeviceSubclass: 0, DeviceProtocol: 0,
		Interfaces: ":030101:",
	}
	aliases := u.Modaliases()
	assert.Len(aliases, 1)
	assert.Equal("usb:v046DpC52Bd0012dc00dsc00dp00ic03isc01ip01in00", aliases[0])
}

func TestUSBInfoDevIDAndIdentity(t *testing.T) {
	assert := assert.New(t)

	u := USBInfo{DeviceNode: "/dev/bus/usb/001/004", Busnum: 1, Devnum: 4, VID: "046d", PID: "c52b", Serial: "XYZ"}
	assert.Equal("usb14", u.DevID())
	assert.Equal("usb-/dev/bus/usb/001/004", u.RuntimeID())
	assert.Equal("usb-046d:c52b:XYZ", u.PersistentID())
	assert.Equal(KindUSB, u.Kind())
}

func TestUSBInfoFriendlyName(t *testing.T) {
	assert := assert.New(t)

	named := USBInfo{VID: "046d", PID: "c52b", VendorName: "Logitech", ProductName: "Mouse"}
	assert.Equal("046d:c52b (Logitech Mouse)", named.FriendlyName())

	unnamed := USBInfo{DeviceNode: "/dev/bus/usb/001/004"}
	assert.Equal("/dev/bus/usb/001/004", unnamed.FriendlyName())
}

type fakeBootChecker struct {
	mounted map[string]bool
}

func (f fakeBootChecker) HasBootMount(node string) bool {
	return f.mounted[node]
}

func TestUSBInfoIsBootDevice(t *testing.T) {
	assert := assert.New(t)

	u := USBInfo{DeviceNode: "/dev/bus/usb/001/004"}
	assert.False(u.IsBootDevice(nil))

	checker := fakeBootChecker{mounted: map[string]bool{"/dev/bus/usb/001/004": true}}
	assert.True(u.IsBootDevice(checker))

	other := USBInfo{DeviceNode: "/dev/bus/usb/001/005"}
	assert.False(other.IsBootDevice(checker))
}

// fakeModprobe writes a tiny shell script standing in for modprobe/modinfo
// so ResolveDrivers can be exercised without touching the real kernel
// module database.
func fakeModprobe(t *testing.T, out string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "modprobe")
	script := "#!/bin/sh\necho " + out + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func fakeModinfo(t *testing.T, out string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "modinfo")
	script := "#!/bin/sh\necho " + out + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveDrivers(t *testing.T) {
	assert := assert.New(t)

	modprobe := fakeModprobe(t, "usbhid")
	modinfo := fakeModinfo(t, "/lib/modules/usbhid.ko")

	drivers := ResolveDrivers([]string{"usb:v046DpC52Bd0012dc00dsc00dp00ic03isc01ip01in00"}, modprobe, modinfo)
	assert.Equal([]string{"/lib/modules/usbhid.ko"}, drivers)
}

func TestResolveDriversDeduplicates(t *testing.T) {
	assert := assert.New(t)

	modprobe := fakeModprobe(t, "usbhid")
	modinfo := fakeModinfo(t, "/lib/modules/usbhid.ko")

	drivers := ResolveDrivers([]string{"alias-one", "alias-two"}, modprobe, modinfo)
	assert.Equal([]string{"/lib/modules/usbhid.ko"}, drivers)
}

func TestResolveDriversSkipsUnresolvable(t *testing.T) {
	assert := assert.New(t)

	drivers := ResolveDrivers([]string{"alias-one"}, "/no/such/modprobe-binary", "/no/such/modinfo-binary")
	assert.Empty(drivers)
}
