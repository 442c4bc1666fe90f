// SPDX-License-Identifier: MPL-2.0

// Package config loads kiln configuration. Configuration is written in CUE,
// validated against an embedded schema, and merged over defaults through
// Viper. There is no ambient global configuration: callers load a Config
// explicitly and thread it through every component that needs it.
package config
