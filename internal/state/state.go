// Package state tracks which VM each physically present device is
// currently attached to, and persists user device/VM selections and
// forced disconnects across daemon restarts.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/tiiuae/vhotplugd/internal/device"
	"github.com/tiiuae/vhotplugd/internal/log"
)

var stateLog = log.For("state")

// persisted is the on-disk JSON shape. Only user-chosen associations
// survive a restart; the runtime device->VM maps are rebuilt by the
// reconciler from what's actually attached.
type persisted struct {
	SelectedVMs         map[string]string `json:"selected_vms"`
	DisconnectedDevices []string          `json:"disconnected_devices"`
}

// Store is the single source of truth for device/VM associations. All
// methods are safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	persistent bool
	path       string

	// runtime maps each currently attached device to its VM, one map per
	// device kind: USB devices are keyed by device node, PCI devices by
	// address, evdev devices by runtime ID.
	runtime map[device.Kind]map[string]string

	// selectedVMs and disconnected key persistent IDs (stable across
	// replugs of the same physical device).
	selectedVMs  map[string]string
	disconnected map[string]bool
}

// New creates a Store. When persistent is true, state is loaded from
// path at startup and every mutation that touches persisted data is
// flushed back to it atomically.
func New(persistent bool, path string) (*Store, error) {
	s := &Store{
		persistent: persistent,
		path:       path,
		runtime: map[device.Kind]map[string]string{
			device.KindUSB:   {},
			device.KindPCI:   {},
			device.KindEvdev: {},
		},
		selectedVMs:  map[string]string{},
		disconnected: map[string]bool{},
	}
	if persistent {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		stateLog.WithError(err).Warn("failed to parse state file, starting fresh")
		return nil
	}
	if p.SelectedVMs != nil {
		s.selectedVMs = p.SelectedVMs
	}
	for _, id := range p.DisconnectedDevices {
		s.disconnected[id] = true
	}
	return nil
}

// save writes the persisted portion of the store to a temp file and
// renames it over the real path, so a crash mid-write never corrupts it.
// Caller must hold s.mu.
func (s *Store) save() error {
	if !s.persistent {
		return nil
	}
	p := persisted{
		SelectedVMs:         s.selectedVMs,
		DisconnectedDevices: make([]string, 0, len(s.disconnected)),
	}
	for id := range s.disconnected {
		p.DisconnectedDevices = append(p.DisconnectedDevices, id)
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func runtimeMap(s *Store, kind device.Kind) map[string]string {
	return s.runtime[kind]
}

func runtimeKey(info device.Info) (string, bool) {
	var id string
	switch v := info.(type) {
	case device.USBInfo:
		id = v.DeviceNode
	case device.PCIInfo:
		id = v.Address
	default:
		id = info.RuntimeID()
	}
	return id, id != ""
}

// SetVMForDevice records that info is currently attached to vmName.
func (s *Store) SetVMForDevice(info device.Info, vmName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := runtimeKey(info)
	if !ok {
		return
	}
	m := runtimeMap(s, info.Kind())
	if m == nil {
		return
	}
	m[key] = vmName
}

// VMForDevice returns the VM info is currently attached to, if any.
func (s *Store) VMForDevice(info device.Info) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := runtimeKey(info)
	if !ok {
		return "", false
	}
	m := runtimeMap(s, info.Kind())
	if m == nil {
		return "", false
	}
	vm, ok := m[key]
	return vm, ok
}

// RemoveVMForDevice clears the runtime attachment record for info.
func (s *Store) RemoveVMForDevice(info device.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := runtimeKey(info)
	if !ok {
		return
	}
	m := runtimeMap(s, info.Kind())
	if m == nil {
		return
	}
	delete(m, key)
}

// ListUSBDevices returns a snapshot of the USB device-node -> VM map.
func (s *Store) ListUSBDevices() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMap(s.runtime[device.KindUSB])
}

// ListPCIDevices returns a snapshot of the PCI address -> VM map.
func (s *Store) ListPCIDevices() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMap(s.runtime[device.KindPCI])
}

// ListEvdevDevices returns a snapshot of the evdev runtime-id -> VM map.
func (s *Store) ListEvdevDevices() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMap(s.runtime[device.KindEvdev])
}

// SelectVMForDevice persists the user's choice of VM for a device that
// matched multiple allowed VMs, keyed by persistent id so it survives a
// replug.
func (s *Store) SelectVMForDevice(info device.Info, vmName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedVMs[info.PersistentID()] = vmName
	if err := s.save(); err != nil {
		stateLog.WithError(err).Warn("failed to persist state")
	}
}

// SelectedVMForDevice returns the previously persisted VM choice for
// info, if any.
func (s *Store) SelectedVMForDevice(info device.Info) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vm, ok := s.selectedVMs[info.PersistentID()]
	return vm, ok
}

// ClearSelectedVMForDevice removes any persisted VM choice for info.
func (s *Store) ClearSelectedVMForDevice(info device.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := info.PersistentID()
	if _, ok := s.selectedVMs[id]; !ok {
		return
	}
	delete(s.selectedVMs, id)
	if err := s.save(); err != nil {
		stateLog.WithError(err).Warn("failed to persist state")
	}
}

// SetDisconnected marks info as forcibly disconnected by the user: the
// reconciler and auto-attach flows will not reattach it until it is
// explicitly cleared.
func (s *Store) SetDisconnected(info device.Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected[info.PersistentID()] = true
	if err := s.save(); err != nil {
		stateLog.WithError(err).Warn("failed to persist state")
	}
}

// IsDisconnected reports whether info was forcibly disconnected.
func (s *Store) IsDisconnected(info device.Info) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disconnected[info.PersistentID()]
}

// ClearDisconnected un-marks info as forcibly disconnected, returning
// true if it had been marked.
func (s *Store) ClearDisconnected(info device.Info) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := info.PersistentID()
	if !s.disconnected[id] {
		return false
	}
	delete(s.disconnected, id)
	if err := s.save(); err != nil {
		stateLog.WithError(err).Warn("failed to persist state")
	}
	return true
}

// ListDisconnected returns the persistent ids of every forcibly
// disconnected device.
func (s *Store) ListDisconnected() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.disconnected))
	for id := range s.disconnected {
		out = append(out, id)
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
