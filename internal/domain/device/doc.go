// Package device contains the core domain types of the agent.
//
// State holds the merged desired-state document and the restart latch shared
// by the reconcile loop and the supervisor. DaemonSpec, ManifestEntry and
// EnvironmentOverrides are typed views parsed from that document.
package device
