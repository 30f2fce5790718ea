// Package environ persists the environment overrides of the desired state so
// they survive an agent restart before the first fetch completes.
package environ
