// SPDX-License-Identifier: MPL-2.0

package buildspec

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultManifestName is the manifest file looked up when none is given.
const DefaultManifestName = "kiln.yaml"

// Manifest is the on-disk declaration of a computation: the build spec plus
// the entry point the dispatcher should invoke. The entrypoint/args pair is
// the portable unit of execution; nothing is captured implicitly.
type Manifest struct {
	BuildSpec `yaml:",inline"`

	// Entrypoint names the callable the in-container runner resolves.
	Entrypoint string `yaml:"entrypoint"`
	// Args are passed to the entrypoint as-is.
	Args map[string]any `yaml:"args"`
	// Port is published for service-shaped computations (optional).
	Port int `yaml:"port"`
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load manifest %s: %w", path, err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	if m.Entrypoint == "" {
		return nil, fmt.Errorf("manifest %s: %w", path, &InvalidSpecError{Field: "entrypoint", Reason: "must not be empty"})
	}
	return &m, nil
}
