// Package version exposes build metadata for the agent, hub and packager.
//
// Variables Version, Commit, and BuildTime are injected at build time via
// Go ldflags. Report renders them for the device's reported state.
package version
