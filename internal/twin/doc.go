// Package twin defines the remote state channel consumed by the agent.
//
// A Client fetches the desired-state document, pushes the reported-state
// document and delivers out-of-band signals. Concrete adapters live in the
// grpctwin and natstwin subpackages.
package twin
