// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// EngineDocker uses Docker as the container engine.
	EngineDocker Engine = "docker"
	// EnginePodman uses Podman as the container engine.
	EnginePodman Engine = "podman"
	// EngineAuto selects whichever engine is available, Docker first.
	EngineAuto Engine = "auto"
)

var (
	// ErrInvalidEngine is returned when an Engine value is not recognized.
	ErrInvalidEngine = errors.New("invalid container engine")
	// ErrInvalidBaseImage is returned when a base image reference is whitespace-only.
	ErrInvalidBaseImage = errors.New("invalid base image")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// Engine specifies which container engine to use. Defined locally so
	// config stays decoupled from the container package; the assembly
	// layer casts at the boundary.
	Engine string

	// InvalidEngineError is returned when an Engine value is not recognized.
	// It wraps ErrInvalidEngine for errors.Is() compatibility.
	InvalidEngineError struct {
		Value Engine
	}

	// InvalidConfigError is returned when a Config fails validation.
	// It wraps ErrInvalidConfig for errors.Is() compatibility.
	InvalidConfigError struct {
		Field string
		Err   error
	}

	// BuildConfig bounds image builds.
	BuildConfig struct {
		TimeoutSeconds int  `mapstructure:"timeout_seconds"`
		NoCache        bool `mapstructure:"no_cache"`
		LogTailLines   int  `mapstructure:"log_tail_lines"`
	}

	// ChannelConfig bounds the interactive channel.
	ChannelConfig struct {
		Port                    int `mapstructure:"port"`
		HandshakeTimeoutSeconds int `mapstructure:"handshake_timeout_seconds"`
		DialAttempts            int `mapstructure:"dial_attempts"`
		DialBackoffMillis       int `mapstructure:"dial_backoff_ms"`
		CallTimeoutSeconds      int `mapstructure:"call_timeout_seconds"`
	}

	// PoolConfig bounds warm-container management.
	PoolConfig struct {
		MaxWarm               int `mapstructure:"max_warm"`
		IdleGraceSeconds      int `mapstructure:"idle_grace_seconds"`
		ReaperIntervalSeconds int `mapstructure:"reaper_interval_seconds"`
	}

	// StreamConfig sizes the event stream.
	StreamConfig struct {
		Buffer int `mapstructure:"buffer"`
	}

	// UIConfig controls terminal output.
	UIConfig struct {
		Verbose bool `mapstructure:"verbose"`
	}

	// Config is the full kiln configuration.
	Config struct {
		Engine    Engine        `mapstructure:"engine"`
		BaseImage string        `mapstructure:"base_image"`
		RunnerDir string        `mapstructure:"runner_dir"`
		Build     BuildConfig   `mapstructure:"build"`
		Channel   ChannelConfig `mapstructure:"channel"`
		Pool      PoolConfig    `mapstructure:"pool"`
		Stream    StreamConfig  `mapstructure:"stream"`
		UI        UIConfig      `mapstructure:"ui"`
	}
)

// Error implements the error interface.
func (e *InvalidEngineError) Error() string {
	return fmt.Sprintf("invalid container engine %q (must be docker, podman, or auto)", e.Value)
}

// Unwrap returns ErrInvalidEngine so callers can use errors.Is.
func (e *InvalidEngineError) Unwrap() error { return ErrInvalidEngine }

// Error implements the error interface.
func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %v", e.Field, e.Err)
}

// Unwrap returns the field-level error.
func (e *InvalidConfigError) Unwrap() error { return e.Err }

// Is matches ErrInvalidConfig.
func (e *InvalidConfigError) Is(target error) bool { return target == ErrInvalidConfig }

// Validate returns an error if the Engine is not one of the defined values.
func (e Engine) Validate() error {
	switch e {
	case EngineDocker, EnginePodman, EngineAuto:
		return nil
	default:
		return &InvalidEngineError{Value: e}
	}
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineAuto,
		Build: BuildConfig{
			TimeoutSeconds: 900,
			LogTailLines:   40,
		},
		Channel: ChannelConfig{
			Port:                    50051,
			HandshakeTimeoutSeconds: 10,
			DialAttempts:            5,
			DialBackoffMillis:       200,
			CallTimeoutSeconds:      300,
		},
		Pool: PoolConfig{
			MaxWarm:               2,
			IdleGraceSeconds:      120,
			ReaperIntervalSeconds: 15,
		},
		Stream: StreamConfig{
			Buffer: 64,
		},
	}
}

// Validate checks constraints the CUE schema cannot express end to end, and
// re-checks the ones that matter when a Config was built in code rather than
// loaded from a file.
func (c *Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return &InvalidConfigError{Field: "engine", Err: err}
	}
	if c.BaseImage != "" && strings.TrimSpace(c.BaseImage) == "" {
		return &InvalidConfigError{Field: "base_image", Err: ErrInvalidBaseImage}
	}
	if c.Channel.Port <= 0 || c.Channel.Port > 65535 {
		return &InvalidConfigError{Field: "channel.port", Err: fmt.Errorf("port %d out of range", c.Channel.Port)}
	}
	if c.Pool.MaxWarm <= 0 {
		return &InvalidConfigError{Field: "pool.max_warm", Err: fmt.Errorf("must be positive, got %d", c.Pool.MaxWarm)}
	}
	if c.Stream.Buffer <= 0 {
		return &InvalidConfigError{Field: "stream.buffer", Err: fmt.Errorf("must be positive, got %d", c.Stream.Buffer)}
	}
	// Every wait window is bounded: a hung runner must eventually raise a
	// timeout instead of blocking the call forever.
	if c.Channel.CallTimeoutSeconds <= 0 {
		return &InvalidConfigError{Field: "channel.call_timeout_seconds", Err: fmt.Errorf("must be positive, got %d", c.Channel.CallTimeoutSeconds)}
	}
	if c.Channel.HandshakeTimeoutSeconds <= 0 {
		return &InvalidConfigError{Field: "channel.handshake_timeout_seconds", Err: fmt.Errorf("must be positive, got %d", c.Channel.HandshakeTimeoutSeconds)}
	}
	if c.Build.TimeoutSeconds <= 0 {
		return &InvalidConfigError{Field: "build.timeout_seconds", Err: fmt.Errorf("must be positive, got %d", c.Build.TimeoutSeconds)}
	}
	return nil
}
