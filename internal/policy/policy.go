// Package policy matches devices against configured passthrough rules
// and decides which VM, if any, a device should be attached to.
package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tiiuae/vhotplugd/internal/device"
	"github.com/tiiuae/vhotplugd/internal/log"
)

var policyLog = log.For("policy")

// USBMatcher is one independent match group within a rule's allow/deny
// list; a matcher matches a device if any one of its populated groups
// holds (vendor/product id, vendor/product name regex, bus+port,
// device class, or interface class).
type USBMatcher struct {
	VendorID  string `json:"vendorId,omitempty" yaml:"vendorId,omitempty"`
	ProductID string `json:"productId,omitempty" yaml:"productId,omitempty"`

	VendorName  string `json:"vendorName,omitempty" yaml:"vendorName,omitempty"`
	ProductName string `json:"productName,omitempty" yaml:"productName,omitempty"`

	Bus      *int `json:"bus,omitempty" yaml:"bus,omitempty"`
	RootPort *int `json:"rootPort,omitempty" yaml:"rootPort,omitempty"`

	DeviceClass    *int `json:"deviceClass,omitempty" yaml:"deviceClass,omitempty"`
	DeviceSubclass *int `json:"deviceSubclass,omitempty" yaml:"deviceSubclass,omitempty"`
	DeviceProtocol *int `json:"deviceProtocol,omitempty" yaml:"deviceProtocol,omitempty"`

	InterfaceClass    *int `json:"interfaceClass,omitempty" yaml:"interfaceClass,omitempty"`
	InterfaceSubclass *int `json:"interfaceSubclass,omitempty" yaml:"interfaceSubclass,omitempty"`
	InterfaceProtocol *int `json:"interfaceProtocol,omitempty" yaml:"interfaceProtocol,omitempty"`
}

// Match reports whether m matches dev via any one of its independent
// match groups.
func (m USBMatcher) Match(dev device.USBInfo) bool {
	if m.VendorID != "" && m.ProductID != "" &&
		strings.EqualFold(m.VendorID, dev.VID) && strings.EqualFold(m.ProductID, dev.PID) {
		return true
	}

	if m.VendorName != "" || m.ProductName != "" {
		if matchRegex(m.VendorName, dev.VendorName) || matchRegex(m.ProductName, dev.ProductName) {
			return true
		}
	}

	if m.Bus != nil && m.RootPort != nil && *m.Bus == dev.Busnum && *m.RootPort == dev.RootPort() {
		return true
	}

	if m.DeviceClass != nil && *m.DeviceClass == dev.DeviceClass {
		if subOK(m.DeviceSubclass, dev.DeviceSubclass) && protoOK(m.DeviceProtocol, dev.DeviceProtocol) {
			return true
		}
	}

	if m.InterfaceClass != nil {
		for _, iface := range dev.ParsedInterfaces() {
			if *m.InterfaceClass == iface.Class &&
				subOK(m.InterfaceSubclass, iface.Subclass) && protoOK(m.InterfaceProtocol, iface.Protocol) {
				return true
			}
		}
	}

	return false
}

func subOK(want *int, have int) bool { return want == nil || *want == have }
func protoOK(want *int, have int) bool { return want == nil || *want == have }

func matchRegex(pattern, value string) bool {
	if pattern == "" {
		return false
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		policyLog.WithError(err).WithField("pattern", pattern).Warn("invalid regex in rule")
		return false
	}
	return re.MatchString(value)
}

// PCIMatcher is one independent match group within a PCI rule.
type PCIMatcher struct {
	Address string `json:"address,omitempty" yaml:"address,omitempty"`

	VendorID string `json:"vendorId,omitempty" yaml:"vendorId,omitempty"`
	DeviceID string `json:"deviceId,omitempty" yaml:"deviceId,omitempty"`

	DeviceClass    *int `json:"deviceClass,omitempty" yaml:"deviceClass,omitempty"`
	DeviceSubclass *int `json:"deviceSubclass,omitempty" yaml:"deviceSubclass,omitempty"`
	ProgIf         *int `json:"progIf,omitempty" yaml:"progIf,omitempty"`
}

// Match reports whether m matches dev.
func (m PCIMatcher) Match(dev device.PCIInfo) bool {
	if m.Address != "" && m.Address == dev.Address {
		return true
	}
	if m.VendorID != "" && m.DeviceID != "" {
		vid, err1 := strconv.ParseInt(m.VendorID, 16, 32)
		did, err2 := strconv.ParseInt(m.DeviceID, 16, 32)
		if err1 == nil && err2 == nil && int(vid) == dev.VendorID && int(did) == dev.DeviceID {
			return true
		}
	}
	if m.DeviceClass != nil && *m.DeviceClass == dev.PCIClass {
		if subOK(m.DeviceSubclass, dev.PCISubclass) && protoOK(m.ProgIf, dev.PCIProgIf) {
			return true
		}
	}
	return false
}

// EvdevMatcher matches a non-USB input device by name, udev ID_PATH_TAG
// or an arbitrary udev property.
type EvdevMatcher struct {
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	PathTag  string `json:"pathTag,omitempty" yaml:"pathTag,omitempty"`
	Property string `json:"property,omitempty" yaml:"property,omitempty"`
	Value    string `json:"value,omitempty" yaml:"value,omitempty"`
}

// Match reports whether m matches the given evdev name and info.
func (m EvdevMatcher) Match(name string, dev device.EvdevInfo) bool {
	if m.Name != "" && matchRegex(m.Name, name) {
		return true
	}
	if m.PathTag != "" && matchRegex(m.PathTag, dev.PathTag) {
		return true
	}
	if m.Property != "" {
		if v, ok := dev.Property(m.Property); ok && strings.EqualFold(v, m.Value) {
			return true
		}
	}
	return false
}

// Rule is one passthrough policy entry: a composable allow/deny matcher
// list, an optional single target VM or a list of allowed VMs, and flags
// consumed elsewhere (suspend handling, IOMMU group behavior).
type Rule[M any] struct {
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Disable     bool   `json:"disable,omitempty" yaml:"disable,omitempty"`
	// Enable, when explicitly set to false, disables the rule the same
	// way Disable=true does; the zero value (unset) means "enabled".
	EnablePtr *bool `json:"enable,omitempty" yaml:"enable,omitempty"`

	TargetVM   string   `json:"targetVm,omitempty" yaml:"targetVm,omitempty"`
	AllowedVMs []string `json:"allowedVms,omitempty" yaml:"allowedVms,omitempty"`

	Allow []M `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny  []M `json:"deny,omitempty" yaml:"deny,omitempty"`
	// Ignore is a supplemented match list, additive to spec Deny: a
	// device matching Ignore is treated as unmatched even though Allow
	// matched and Deny did not, mirroring the original per-VM rule
	// "ignore" list used to carve out exceptions within a broad allow.
	Ignore []M `json:"ignore,omitempty" yaml:"ignore,omitempty"`

	SkipOnSuspend        bool `json:"skipOnSuspend,omitempty" yaml:"skipOnSuspend,omitempty"`
	PCIIommuAddAll       bool `json:"pciIommuAddAll,omitempty" yaml:"pciIommuAddAll,omitempty"`
	PCIIommuSkipIfShared bool `json:"pciIommuSkipIfShared,omitempty" yaml:"pciIommuSkipIfShared,omitempty"`

	Order int `json:"-" yaml:"-"`
}

// Enabled reports whether the rule is active: explicit Disable wins over
// explicit Enable=true, default is enabled.
func (r Rule[M]) Enabled() bool {
	if r.Disable {
		return false
	}
	if r.EnablePtr != nil && !*r.EnablePtr {
		return false
	}
	return true
}

// Result is the outcome of matching a device against the rule set:
// exactly one of TargetVM or AllowedVMs is meaningful, per spec.
type Result struct {
	TargetVM             string
	AllowedVMs           []string
	SkipOnSuspend        bool
	PCIIommuAddAll       bool
	PCIIommuSkipIfShared bool
}

// Matched reports whether the result carries a usable target.
func (r Result) Matched() bool {
	return r.TargetVM != "" || len(r.AllowedVMs) > 0
}

// evalRule runs the allow/deny/ignore composition for one rule given a
// generic per-matcher-kind match function.
func evalRule[M any](rule Rule[M], matches func(M) bool) bool {
	if !rule.Enabled() {
		return false
	}
	matched := false
	for _, m := range rule.Allow {
		if matches(m) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	for _, m := range rule.Deny {
		if matches(m) {
			return false
		}
	}
	for _, m := range rule.Ignore {
		if matches(m) {
			return false
		}
	}
	return true
}

func ruleResult[M any](rule Rule[M]) Result {
	if rule.TargetVM == "" && len(rule.AllowedVMs) == 0 {
		policyLog.WithField("rule", rule.Description).Warn("rule has neither targetVm nor allowedVms, skipping")
		return Result{}
	}
	return Result{
		TargetVM:             rule.TargetVM,
		AllowedVMs:           rule.AllowedVMs,
		SkipOnSuspend:        rule.SkipOnSuspend,
		PCIIommuAddAll:       rule.PCIIommuAddAll,
		PCIIommuSkipIfShared: rule.PCIIommuSkipIfShared,
	}
}

// Engine holds the loaded USB, PCI and evdev rule sets and answers
// vm-for-device queries.
type Engine struct {
	USB   []Rule[USBMatcher]
	PCI   []Rule[PCIMatcher]
	Evdev []Rule[EvdevMatcher]
}

// VMForUSB returns the first enabled matching USB rule's result, or a
// zero Result if none match. A nil Engine matches nothing.
func (e *Engine) VMForUSB(dev device.USBInfo) Result {
	if e == nil {
		return Result{}
	}
	for _, rule := range e.USB {
		if evalRule(rule, func(m USBMatcher) bool { return m.Match(dev) }) {
			res := ruleResult(rule)
			if res.Matched() {
				policyLog.WithField("rule", rule.Description).WithField("device", dev.FriendlyName()).Info("matched USB rule")
				return res
			}
		}
	}
	return Result{}
}

// VMForPCI returns the first enabled matching PCI rule's result, or a
// zero Result if none match. A nil Engine matches nothing.
func (e *Engine) VMForPCI(dev device.PCIInfo) Result {
	if e == nil {
		return Result{}
	}
	for _, rule := range e.PCI {
		if evalRule(rule, func(m PCIMatcher) bool { return m.Match(dev) }) {
			res := ruleResult(rule)
			if res.Matched() {
				policyLog.WithField("rule", rule.Description).WithField("device", dev.FriendlyName()).Info("matched PCI rule")
				return res
			}
		}
	}
	return Result{}
}

// VMForEvdev returns the first enabled matching evdev rule's result, or
// a zero Result if none match. A nil Engine matches nothing.
func (e *Engine) VMForEvdev(name string, dev device.EvdevInfo) Result {
	if e == nil {
		return Result{}
	}
	for _, rule := range e.Evdev {
		if evalRule(rule, func(m EvdevMatcher) bool { return m.Match(name, dev) }) {
			res := ruleResult(rule)
			if res.Matched() {
				policyLog.WithField("rule", rule.Description).WithField("device", name).Info("matched evdev rule")
				return res
			}
		}
	}
	return Result{}
}

// Valid checks the rule set for structural problems that would silently
// make every device unmatched: neither targetVm nor allowedVms, or an
// empty allow list (which per spec never matches).
func (e *Engine) Valid() error {
	for i, r := range e.USB {
		if err := validateRule(i, r.Description, r.TargetVM, r.AllowedVMs, len(r.Allow)); err != nil {
			return fmt.Errorf("usbPassthrough: %w", err)
		}
	}
	for i, r := range e.PCI {
		if err := validateRule(i, r.Description, r.TargetVM, r.AllowedVMs, len(r.Allow)); err != nil {
			return fmt.Errorf("pciPassthrough: %w", err)
		}
	}
	for i, r := range e.Evdev {
		if err := validateRule(i, r.Description, r.TargetVM, r.AllowedVMs, len(r.Allow)); err != nil {
			return fmt.Errorf("evdevPassthrough: %w", err)
		}
	}
	return nil
}

func validateRule(index int, description, targetVM string, allowedVMs []string, allowLen int) error {
	if targetVM == "" && len(allowedVMs) == 0 {
		return fmt.Errorf("rule %d (%q): neither targetVm nor allowedVms set", index, description)
	}
	if allowLen == 0 {
		return fmt.Errorf("rule %d (%q): empty allow list never matches", index, description)
	}
	return nil
}
