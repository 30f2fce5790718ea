// Package config defines the settings of the device agent and of twin-hub
// and provides helpers to load, validate and save them in YAML format.
//
// Validation fills in defaults (timeouts, file names, backend) so callers can
// rely on every field being usable after a successful Load.
package config
