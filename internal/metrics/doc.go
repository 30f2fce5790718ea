// Package metrics records agent and hub activity as Prometheus metrics and
// serves them over HTTP when a metrics address is configured.
package metrics
