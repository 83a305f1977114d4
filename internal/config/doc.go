// Package config provides configuration loading and validation for the SNet
// server. It handles the YAML configuration file with per-section validation
// and exposes millisecond settings as time.Duration helpers.
package config
