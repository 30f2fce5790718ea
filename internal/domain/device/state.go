package device

import (
	"maps"
	"reflect"
	"sync"
	"time"
)

// FallbackSyncPeriod is used when no valid positive sync period is configured.
const FallbackSyncPeriod = 10 * time.Second

// ResolveSyncPeriod returns the configured period in seconds when positive,
// otherwise FallbackSyncPeriod.
func ResolveSyncPeriod(seconds int) time.Duration {
	if seconds <= 0 {
		return FallbackSyncPeriod
	}

	return time.Duration(seconds) * time.Second
}

// State is the agent's view of its desired state and coordination flags.
// One State exists per agent process; it is built by the orchestrator and
// shared by pointer with the reconcile loop and the supervisor.
type State struct {
	// mu guards config and configUpdated.
	mu sync.RWMutex
	// config is the merged desired-state snapshot.
	config map[string]any
	// configUpdated is set when config changed since the last successful push.
	configUpdated bool
	// restart is the agent-wide restart latch.
	restart *RestartSignal
	// syncPeriod is the delay between reconcile iterations.
	syncPeriod time.Duration
}

// NewState creates an empty state with the given sync period.
// A non-positive period falls back to FallbackSyncPeriod.
func NewState(syncPeriod time.Duration) *State {
	if syncPeriod <= 0 {
		syncPeriod = FallbackSyncPeriod
	}

	return &State{
		config:     make(map[string]any),
		restart:    NewRestartSignal(),
		syncPeriod: syncPeriod,
	}
}

// Merge overwrites config field by field with desired and reports whether
// the snapshot changed. A change marks the state as needing a push.
func (s *State) Merge(desired map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	before := maps.Clone(s.config)

	maps.Copy(s.config, desired)

	changed := !reflect.DeepEqual(before, s.config)
	if changed {
		s.configUpdated = true
	}

	return changed
}

// Config returns a shallow copy of the desired-state snapshot.
func (s *State) Config() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return maps.Clone(s.config)
}

// IsEmpty reports whether no desired state is known.
func (s *State) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.config) == 0
}

// ConfigUpdated reports whether config changed since the last successful push.
func (s *State) ConfigUpdated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.configUpdated
}

// MarkPushed clears the pending-push flag after a successful push.
func (s *State) MarkPushed() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.configUpdated = false
}

// Daemons returns the daemon specs of the current snapshot.
func (s *State) Daemons() ([]DaemonSpec, error) {
	return ParseDaemons(s.value(KeyDaemons))
}

// Manifest returns the checkout entries of the current snapshot.
func (s *State) Manifest() ([]ManifestEntry, error) {
	return ParseManifest(s.value(KeyCheckout))
}

// Environ returns the environment overrides of the current snapshot.
func (s *State) Environ() EnvironmentOverrides {
	return ParseEnviron(s.value(KeyEnviron))
}

// SyncPeriod returns the delay between reconcile iterations.
func (s *State) SyncPeriod() time.Duration {
	return s.syncPeriod
}

// Restart returns the agent-wide restart latch.
func (s *State) Restart() *RestartSignal {
	return s.restart
}

func (s *State) value(key string) any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.config[key]
}
