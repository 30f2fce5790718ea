// Package agent runs the device agent.
//
// An Agent connects one twin client, performs an initial fetch and update
// pass, then runs the process supervisor and the reconcile loop side by side.
// Either loop observing a restart condition drains both, and the client is
// disconnected before the agent returns. Run loads settings and builds the
// Agent for the configured backend.
package agent
