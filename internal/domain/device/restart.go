package device

import "sync"

// Restart reasons recorded when the signal fires.
const (
	ReasonDaemonExited      = "daemon-exited"
	ReasonEmptyDesiredState = "empty-desired-state"
	ReasonRemoteSignal      = "remote-signal"
	ReasonTaskFailed        = "task-failed"
)

// RestartSignal is a one-way latch telling every loop of the agent to wind down.
// Once triggered it stays triggered; the first reason wins.
type RestartSignal struct {
	once   sync.Once
	mu     sync.RWMutex
	done   chan struct{}
	reason string
}

// NewRestartSignal returns an untriggered signal.
func NewRestartSignal() *RestartSignal {
	return &RestartSignal{
		done: make(chan struct{}),
	}
}

// Trigger requests a restart. It reports whether this call flipped the latch.
func (r *RestartSignal) Trigger(reason string) bool {
	fired := false

	r.once.Do(func() {
		r.mu.Lock()
		r.reason = reason
		r.mu.Unlock()

		close(r.done)

		fired = true
	})

	return fired
}

// Requested reports whether a restart has been requested.
func (r *RestartSignal) Requested() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Reason returns the reason passed to the first Trigger call.
func (r *RestartSignal) Reason() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.reason
}

// Done is closed once a restart has been requested.
func (r *RestartSignal) Done() <-chan struct{} {
	return r.done
}
