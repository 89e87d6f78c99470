// Package config loads and validates vhotplugd's top-level JSON
// configuration document.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tiiuae/vhotplugd/internal/policy"
)

// APIConfig describes which transports the control API listens on.
type APIConfig struct {
	Transports  []string `json:"transports"`
	Host        string   `json:"host,omitempty"`
	Port        int      `json:"port,omitempty"`
	UnixSocket  string   `json:"unixSocket,omitempty"`
	AllowedCIDs []uint32 `json:"allowedCids,omitempty"`
}

// General holds daemon-wide settings.
type General struct {
	API         APIConfig `json:"api"`
	Persistency *bool     `json:"persistency,omitempty"`
	StatePath   string    `json:"statePath,omitempty"`
	Crosvm      string    `json:"crosvm,omitempty"`
	ModprobeBin string    `json:"modprobeBin,omitempty"`
	ModinfoBin  string    `json:"modinfoBin,omitempty"`
}

// PersistencyEnabled reports the effective persistency setting, default
// true when unset.
func (g General) PersistencyEnabled() bool {
	return g.Persistency == nil || *g.Persistency
}

// EffectiveStatePath returns StatePath or the documented default.
func (g General) EffectiveStatePath() string {
	if g.StatePath != "" {
		return g.StatePath
	}
	return "/var/lib/vhotplug/vhotplug.state"
}

// VM describes one virtual machine vhotplugd can attach devices to.
type VM struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Socket string `json:"socket"`
}

// Config is the fully parsed top-level configuration document.
type Config struct {
	General General `json:"general"`
	VMs     []VM    `json:"vms"`

	USBPassthrough   []policy.Rule[policy.USBMatcher]   `json:"usbPassthrough,omitempty"`
	PCIPassthrough   []policy.Rule[policy.PCIMatcher]   `json:"pciPassthrough,omitempty"`
	EvdevPassthrough []policy.Rule[policy.EvdevMatcher] `json:"evdevPassthrough,omitempty"`

	// RulesFile optionally points at an auxiliary rule document (JSON or
	// YAML, by extension) whose rules are appended after the inline
	// ones above, for deployments that manage passthrough policy
	// separately from the rest of the daemon config.
	RulesFile string `json:"rulesFile,omitempty"`
}

// Load reads and parses the configuration document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if c.RulesFile != "" {
		base := filepath.Dir(path)
		rulesPath := c.RulesFile
		if !filepath.IsAbs(rulesPath) {
			rulesPath = filepath.Join(base, rulesPath)
		}
		doc, err := policy.LoadDocument(rulesPath)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		c.USBPassthrough = append(c.USBPassthrough, doc.USBPassthrough...)
		c.PCIPassthrough = append(c.PCIPassthrough, doc.PCIPassthrough...)
		c.EvdevPassthrough = append(c.EvdevPassthrough, doc.EvdevPassthrough...)
	}
	if err := c.Valid(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &c, nil
}

// Valid checks the configuration for structural problems that would
// otherwise surface as confusing runtime errors, following qcli's
// Valid() error convention for every config-bearing struct.
func (c *Config) Valid() error {
	if len(c.VMs) == 0 {
		return fmt.Errorf("no vms configured")
	}
	names := map[string]bool{}
	for _, vm := range c.VMs {
		if vm.Name == "" {
			return fmt.Errorf("vm entry missing name")
		}
		if names[vm.Name] {
			return fmt.Errorf("duplicate vm name %q", vm.Name)
		}
		names[vm.Name] = true
		if vm.Type != "qemu" && vm.Type != "crosvm" {
			return fmt.Errorf("vm %q: unknown type %q", vm.Name, vm.Type)
		}
		if vm.Socket == "" {
			return fmt.Errorf("vm %q: missing socket", vm.Name)
		}
	}

	for _, t := range c.General.API.Transports {
		switch t {
		case "unix", "tcp", "vsock":
		default:
			return fmt.Errorf("general.api: unknown transport %q", t)
		}
	}

	engine := c.Engine()
	if err := engine.Valid(); err != nil {
		return err
	}

	for _, rules := range [][]string{vmNamesIn(c.USBPassthrough), vmNamesIn(c.PCIPassthrough), vmNamesIn(c.EvdevPassthrough)} {
		for _, name := range rules {
			if name != "" && !names[name] {
				return fmt.Errorf("rule references unknown vm %q", name)
			}
		}
	}
	return nil
}

func vmNamesIn[M any](rules []policy.Rule[M]) []string {
	var out []string
	for _, r := range rules {
		out = append(out, r.TargetVM)
		out = append(out, r.AllowedVMs...)
	}
	return out
}

// Engine builds a policy.Engine from the loaded rule arrays.
func (c *Config) Engine() *policy.Engine {
	return &policy.Engine{
		USB:   c.USBPassthrough,
		PCI:   c.PCIPassthrough,
		Evdev: c.EvdevPassthrough,
	}
}

// VM looks up a configured VM by name.
func (c *Config) VM(name string) (VM, bool) {
	for _, vm := range c.VMs {
		if vm.Name == name {
			return vm, true
		}
	}
	return VM{}, false
}
