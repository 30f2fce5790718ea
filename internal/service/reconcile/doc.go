// Package reconcile implements the periodic desired-state sync of the agent.
package reconcile
