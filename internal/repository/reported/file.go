package reported

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oshokin/twin-agent/internal/config"
)

// Repository defines persistence operations for reported device state.
type Repository interface {
	Load(ctx context.Context, deviceID string) (map[string]any, error)
	Save(ctx context.Context, deviceID string, reported map[string]any) error
}

// FileRepository persists reported state as one JSON file per device.
// JSON is produced and consumed via protojson so the files match what devices
// send over the wire.
type FileRepository struct {
	// dir is the directory holding the per-device files.
	dir string
	// mu protects concurrent access to the files.
	mu sync.Mutex
}

var (
	// ErrNotFound is returned when a device has never reported.
	ErrNotFound = errors.New("reported state not found")
	// errDeviceIDRequired is returned for an empty device id.
	errDeviceIDRequired = errors.New("device id must be provided")
)

// NewFileRepository creates a repository storing files under dir.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{
		dir: filepath.Clean(dir),
	}
}

// Load reads the last reported state of a device.
func (r *FileRepository) Load(_ context.Context, deviceID string) (map[string]any, error) {
	path, err := r.path(deviceID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read reported state: %w", err)
	}

	var doc structpb.Struct
	if err = protojson.Unmarshal(contents, &doc); err != nil {
		return nil, fmt.Errorf("decode reported state: %w", err)
	}

	return doc.AsMap(), nil
}

// Save replaces the reported state of a device.
func (r *FileRepository) Save(_ context.Context, deviceID string, reported map[string]any) error {
	path, err := r.path(deviceID)
	if err != nil {
		return err
	}

	doc, err := structpb.NewStruct(reported)
	if err != nil {
		return fmt.Errorf("convert reported state: %w", err)
	}

	data, err := protojson.MarshalOptions{Multiline: true}.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode reported state: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err = os.MkdirAll(r.dir, 0o750); err != nil {
		return fmt.Errorf("create reported directory: %w", err)
	}

	tmp := path + ".tmp"

	if err = os.WriteFile(tmp, data, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write reported state: %w", err)
	}

	if err = os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace reported state: %w", err)
	}

	return nil
}

// path maps a device id to its file. The id is escaped so it cannot leave dir.
func (r *FileRepository) path(deviceID string) (string, error) {
	if deviceID == "" {
		return "", errDeviceIDRequired
	}

	return filepath.Join(r.dir, url.PathEscape(deviceID)+".json"), nil
}
