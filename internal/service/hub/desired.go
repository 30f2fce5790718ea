package hub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/oshokin/twin-agent/internal/logger"
)

// defaultDebounce coalesces bursts of file events into one reload.
const defaultDebounce = 200 * time.Millisecond

// DesiredStore serves desired state documents from a YAML file keyed by
// device id:
//
//	sensor-17:
//	  daemons: [["/opt/app/bin/worker", "--verbose"]]
//	  environ: {MODE: production}
//
// A missing file means no device has desired state.
type DesiredStore struct {
	// path is the YAML file location.
	path string
	// debounce delays reloads after file events.
	debounce time.Duration

	// mu guards docs.
	mu sync.RWMutex
	// docs holds the desired state per device.
	docs map[string]map[string]any
}

// NewDesiredStore creates a store for path and loads it.
func NewDesiredStore(path string) (*DesiredStore, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve desired file path: %w", err)
	}

	s := &DesiredStore{
		path:     absPath,
		debounce: defaultDebounce,
		docs:     make(map[string]map[string]any),
	}

	if err = s.Reload(); err != nil {
		return nil, err
	}

	return s, nil
}

// Path returns the watched file.
func (s *DesiredStore) Path() string {
	return s.path
}

// Desired returns a copy of the desired state of deviceID, or nil.
func (s *DesiredStore) Desired(deviceID string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[deviceID]
	if !ok {
		return nil
	}

	return cloneMap(doc)
}

// Devices returns the number of devices with desired state.
func (s *DesiredStore) Devices() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.docs)
}

// Reload re-reads the file. On failure the previous documents are kept.
func (s *DesiredStore) Reload() error {
	contents, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read desired file: %w", err)
	}

	raw := make(map[string]any)

	if len(contents) > 0 {
		if err = yaml.Unmarshal(contents, &raw); err != nil {
			return fmt.Errorf("unmarshal desired file: %w", err)
		}
	}

	docs := make(map[string]map[string]any, len(raw))

	for deviceID, value := range raw {
		if value == nil {
			docs[deviceID] = map[string]any{}
			continue
		}

		doc, ok := normalize(value).(map[string]any)
		if !ok {
			return fmt.Errorf("%w: device %q: expected a mapping, got %T", errMalformedDesired, deviceID, value)
		}

		docs[deviceID] = doc
	}

	s.mu.Lock()
	s.docs = docs
	s.mu.Unlock()

	return nil
}

// Watch reloads the store whenever the file changes, until ctx is canceled.
func (s *DesiredStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}

	defer func() {
		_ = watcher.Close()
	}()

	// Watching the directory survives editors that replace the file.
	dir := filepath.Dir(s.path)
	if err = watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	logger.InfoKV(ctx, "Watching desired state file", "path", s.path)

	name := filepath.Base(s.path)
	timer := time.NewTimer(s.debounce)
	timer.Stop()

	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if filepath.Base(event.Name) != name {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove) {
				timer.Reset(s.debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			logger.ErrorKV(ctx, "Desired file watcher error", "error", err)
		case <-timer.C:
			if err = s.Reload(); err != nil {
				logger.ErrorKV(ctx, "Reload desired state failed, keeping previous", "error", err)
				continue
			}

			logger.InfoKV(ctx, "Desired state reloaded", "devices", s.Devices())
		}
	}
}

// normalize converts YAML-decoded values to the JSON-compatible shapes
// accepted by structpb: string-keyed maps, []any and float64 numbers.
func normalize(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = normalize(item)
		}

		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[fmt.Sprint(key)] = normalize(item)
		}

		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}

		return out
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	default:
		return v
	}
}

func cloneMap(doc map[string]any) map[string]any {
	out, _ := normalize(doc).(map[string]any)

	return out
}
