// Package hub implements twin-hub: a gRPC desired/reported-state service for
// agents, plus the one-shot signal client used by the CLI.
package hub
