package metrics

import (
	"net/http"
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// namespace prefixes every metric exported by the agent and the hub.
const namespace = "twin"

// Result labels shared by the recorders.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

// Recorder collects agent and hub metrics. A nil *Recorder is valid and records nothing.
type Recorder struct {
	once sync.Once

	registry       *prom.Registry
	syncIterations *prom.CounterVec
	pushes         *prom.CounterVec
	artifacts      *prom.CounterVec
	daemonsRunning prom.Gauge
	daemonExits    *prom.CounterVec
	restarts       *prom.CounterVec
	hubRequests    *prom.CounterVec
	hubSubscribers prom.Gauge
}

// NewRecorder constructs and registers the metrics on reg.
// A nil registry gets a fresh one so tests don't collide on the default registerer.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}

	r := &Recorder{registry: reg}

	r.once.Do(func() {
		r.syncIterations = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "sync_iterations_total",
			Help:      "Reconcile iterations by fetch outcome",
		}, []string{"result"})
		r.pushes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "reported_pushes_total",
			Help:      "Reported-state pushes by outcome",
		}, []string{"result"})
		r.artifacts = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_results_total",
			Help:      "Artifact update results by outcome",
		}, []string{"outcome"})
		r.daemonsRunning = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "daemons_running",
			Help:      "Supervised daemons currently running",
		})
		r.daemonExits = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "daemon_exits_total",
			Help:      "Observed daemon exits by executable",
		}, []string{"executable"})
		r.restarts = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "restart_requests_total",
			Help:      "Restart requests by reason",
		}, []string{"reason"})
		r.hubRequests = prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "hub_requests_total",
			Help:      "Hub RPCs by method and outcome",
		}, []string{"method", "result"})
		r.hubSubscribers = prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "hub_subscribers",
			Help:      "Devices currently subscribed to hub signals",
		})

		reg.MustRegister(
			r.syncIterations,
			r.pushes,
			r.artifacts,
			r.daemonsRunning,
			r.daemonExits,
			r.restarts,
			r.hubRequests,
			r.hubSubscribers,
		)
	})

	return r
}

// Registry returns the registry the metrics are registered on.
func (r *Recorder) Registry() *prom.Registry {
	if r == nil {
		return nil
	}

	return r.registry
}

// Handler serves the recorder's registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}

	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// IncSyncIteration counts one reconcile iteration.
func (r *Recorder) IncSyncIteration(result string) {
	if r == nil || r.syncIterations == nil {
		return
	}

	r.syncIterations.WithLabelValues(result).Inc()
}

// IncPush counts one reported-state push attempt.
func (r *Recorder) IncPush(result string) {
	if r == nil || r.pushes == nil {
		return
	}

	r.pushes.WithLabelValues(result).Inc()
}

// IncArtifact counts one artifact result.
func (r *Recorder) IncArtifact(outcome string) {
	if r == nil || r.artifacts == nil {
		return
	}

	r.artifacts.WithLabelValues(outcome).Inc()
}

// SetDaemonsRunning records the number of running daemons.
func (r *Recorder) SetDaemonsRunning(n int) {
	if r == nil || r.daemonsRunning == nil {
		return
	}

	r.daemonsRunning.Set(float64(n))
}

// IncDaemonExit counts one observed daemon exit.
func (r *Recorder) IncDaemonExit(executable string) {
	if r == nil || r.daemonExits == nil {
		return
	}

	r.daemonExits.WithLabelValues(executable).Inc()
}

// IncRestart counts one restart request.
func (r *Recorder) IncRestart(reason string) {
	if r == nil || r.restarts == nil {
		return
	}

	r.restarts.WithLabelValues(reason).Inc()
}

// IncHubRequest counts one hub RPC.
func (r *Recorder) IncHubRequest(method, result string) {
	if r == nil || r.hubRequests == nil {
		return
	}

	r.hubRequests.WithLabelValues(method, result).Inc()
}

// AddHubSubscribers adjusts the subscriber gauge by delta.
func (r *Recorder) AddHubSubscribers(delta int) {
	if r == nil || r.hubSubscribers == nil {
		return
	}

	r.hubSubscribers.Add(float64(delta))
}
