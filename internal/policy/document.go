package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"
)

// Document is the shape of a standalone rule document: the same three
// rule arrays that live under the top-level config's usbPassthrough /
// pciPassthrough / evdevPassthrough keys, split out so a deployment can
// manage its passthrough policy separately from the rest of the daemon
// config, the way the original's config.py accepted an auxiliary rules
// file layered on top of the main one.
type Document struct {
	USBPassthrough   []Rule[USBMatcher]   `json:"usbPassthrough,omitempty" yaml:"usbPassthrough,omitempty"`
	PCIPassthrough   []Rule[PCIMatcher]   `json:"pciPassthrough,omitempty" yaml:"pciPassthrough,omitempty"`
	EvdevPassthrough []Rule[EvdevMatcher] `json:"evdevPassthrough,omitempty" yaml:"evdevPassthrough,omitempty"`
}

// LoadDocument reads a rule Document from path. A ".yaml"/".yml"
// extension is decoded with yaml.Unmarshal; every other extension is
// decoded as JSON, matching the main config's wire format.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}

	var doc Document
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("policy: parse %s as yaml: %w", path, err)
		}
		return &doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse %s as json: %w", path, err)
	}
	return &doc, nil
}
