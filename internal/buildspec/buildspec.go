// SPDX-License-Identifier: MPL-2.0

package buildspec

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidSpec is the sentinel error wrapped by InvalidSpecError.
	ErrInvalidSpec = errors.New("invalid build spec")

	nameRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
)

type (
	// BuildSpec declares the execution environment for a computation.
	// Immutable once submitted: the image layer only reads it, and the
	// fingerprint is computed from a canonical serialization of it.
	BuildSpec struct {
		// Name is the computation name; it becomes the image repository
		// segment (e.g., "kiln/<name>").
		Name string `yaml:"name"`
		// LanguageVersion selects the language toolchain version baked
		// into the default base image (e.g., "3.12").
		LanguageVersion string `yaml:"language_version"`
		// BaseImage overrides the default base image (optional).
		BaseImage string `yaml:"base_image"`
		// SystemPackages are OS-level packages installed at build time.
		// Order does not affect the fingerprint.
		SystemPackages []string `yaml:"system_packages"`
		// LanguagePackages are language-level packages installed at
		// build time. Order does not affect the fingerprint.
		LanguagePackages []string `yaml:"language_packages"`
		// RunCommands are shell commands executed at build time.
		// Order does not affect the fingerprint.
		RunCommands []string `yaml:"run_commands"`
		// Copy maps source paths (relative to the project root) to
		// destination paths under the image's work directory.
		Copy map[string]string `yaml:"copy"`
	}

	// InvalidSpecError reports a BuildSpec that fails validation.
	InvalidSpecError struct {
		Field  string
		Reason string
	}
)

// Error implements the error interface.
func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("invalid build spec: %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrInvalidSpec so callers can use errors.Is.
func (e *InvalidSpecError) Unwrap() error { return ErrInvalidSpec }

// Validate checks the spec's structural constraints. Path existence is not
// checked here; that is the Fingerprinter's job, since it is the component
// that reads file contents.
func (s *BuildSpec) Validate() error {
	if s.Name == "" {
		return &InvalidSpecError{Field: "name", Reason: "must not be empty"}
	}
	if !nameRe.MatchString(s.Name) {
		return &InvalidSpecError{Field: "name", Reason: "must be lowercase alphanumeric with hyphens"}
	}
	for src, dst := range s.Copy {
		if src == "" || dst == "" {
			return &InvalidSpecError{Field: "copy", Reason: "source and destination must be non-empty"}
		}
	}
	return nil
}
