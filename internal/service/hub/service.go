package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oshokin/twin-agent/internal/logger"
	repo "github.com/oshokin/twin-agent/internal/repository/reported"
	"github.com/oshokin/twin-agent/internal/twin"
)

// errMalformedDesired is returned when a device entry of the desired file is not a mapping.
var errMalformedDesired = errors.New("malformed desired state")

// reportedAtField is stamped into every stored reported document.
const reportedAtField = "$reported_at"

// service encapsulates the hub business logic and persistence orchestration.
// It is unexported to keep the transport decoupled from the implementation.
type service struct {
	// desired serves desired state per device.
	desired *DesiredStore
	// repo handles persistent storage of reported state.
	repo repo.Repository
	// broker fans out signals.
	broker *Broker
	// now is the clock used for timestamps.
	now func() time.Time
}

// newService creates a service backed by the provided stores.
func newService(desired *DesiredStore, repository repo.Repository, broker *Broker) *service {
	return &service{
		desired: desired,
		repo:    repository,
		broker:  broker,
		now:     time.Now,
	}
}

// Desired returns the desired state of a device.
func (s *service) Desired(ctx context.Context, deviceID string) (map[string]any, error) {
	doc := s.desired.Desired(deviceID)

	logger.DebugKV(ctx, "Desired state requested", "device_id", deviceID, "found", doc != nil)

	return doc, nil
}

// SaveReported stores the reported state of a device.
func (s *service) SaveReported(ctx context.Context, deviceID string, reported map[string]any) error {
	doc := make(map[string]any, len(reported)+1)
	for key, value := range reported {
		doc[key] = value
	}

	doc[reportedAtField] = s.now().UTC().Format(time.RFC3339)

	if err := s.repo.Save(ctx, deviceID, doc); err != nil {
		logger.Errorf(ctx, "Failed to persist reported state of %s: %v", deviceID, err)

		return fmt.Errorf("persist reported state: %w", err)
	}

	logger.InfoKV(ctx, "Reported state updated", "device_id", deviceID, "sections", len(reported))

	return nil
}

// Publish delivers a signal to the subscribers of a device. A signal without
// an id gets a random one.
func (s *service) Publish(ctx context.Context, deviceID string, signal twin.Signal) (int, error) {
	if signal.ID == "" {
		signal.ID = uuid.NewString()
	}

	delivered := s.broker.Publish(ctx, deviceID, signal)

	logger.InfoKV(ctx, "Signal published",
		"device_id", deviceID,
		"signal_id", signal.ID,
		"restart", signal.IsRestart(),
		"delivered", delivered)

	return delivered, nil
}

// Subscribe registers a signal subscriber for a device.
func (s *service) Subscribe(deviceID string) (<-chan twin.Signal, func()) {
	return s.broker.Subscribe(deviceID)
}
