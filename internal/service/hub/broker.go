package hub

import (
	"context"
	"sync"

	"github.com/oshokin/twin-agent/internal/logger"
	"github.com/oshokin/twin-agent/internal/metrics"
	"github.com/oshokin/twin-agent/internal/twin"
)

// subscriberBuffer is the number of undelivered signals kept per subscriber.
const subscriberBuffer = 16

// Broker fans signals out to the subscribers of a device.
type Broker struct {
	// metrics is optional.
	metrics *metrics.Recorder

	// mu guards subscribers.
	mu sync.Mutex
	// subscribers maps device ids to their open subscriptions.
	subscribers map[string]map[chan twin.Signal]struct{}
}

// NewBroker creates an empty broker.
func NewBroker(r *metrics.Recorder) *Broker {
	return &Broker{
		metrics:     r,
		subscribers: make(map[string]map[chan twin.Signal]struct{}),
	}
}

// Subscribe registers a subscriber for deviceID. The returned func must be
// called to release it; it closes the channel.
func (b *Broker) Subscribe(deviceID string) (<-chan twin.Signal, func()) {
	ch := make(chan twin.Signal, subscriberBuffer)

	b.mu.Lock()
	if b.subscribers[deviceID] == nil {
		b.subscribers[deviceID] = make(map[chan twin.Signal]struct{})
	}

	b.subscribers[deviceID][ch] = struct{}{}
	b.mu.Unlock()

	b.metrics.AddHubSubscribers(1)

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers[deviceID], ch)

			if len(b.subscribers[deviceID]) == 0 {
				delete(b.subscribers, deviceID)
			}

			close(ch)
			b.mu.Unlock()

			b.metrics.AddHubSubscribers(-1)
		})
	}
}

// Publish delivers signal to every subscriber of deviceID and returns how many
// received it. Subscribers with a full buffer miss the signal.
func (b *Broker) Publish(ctx context.Context, deviceID string, signal twin.Signal) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	delivered := 0

	for ch := range b.subscribers[deviceID] {
		select {
		case ch <- signal:
			delivered++
		default:
			logger.WarnKV(ctx, "Subscriber buffer full, dropping signal", "device_id", deviceID, "signal_id", signal.ID)
		}
	}

	return delivered
}

// Subscribers returns the number of open subscriptions of deviceID.
func (b *Broker) Subscribers(deviceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.subscribers[deviceID])
}
