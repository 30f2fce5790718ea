package environ

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/twin-agent/internal/config"
	"github.com/oshokin/twin-agent/internal/domain/device"
)

// FileRepository keeps environment overrides in a YAML file, one string
// value per variable name.
type FileRepository struct {
	// path is the overrides file location.
	path string
	// mu serialises file access.
	mu sync.Mutex
}

// NewFileRepository creates a repository for the overrides file at path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Path returns the overrides file location.
func (r *FileRepository) Path() string {
	return r.path
}

// Load reads the persisted overrides. A missing or empty file yields an
// empty set.
func (r *FileRepository) Load() (device.EnvironmentOverrides, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return device.EnvironmentOverrides{}, nil
		}

		return nil, fmt.Errorf("read env file: %w", err)
	}

	values := make(map[string]string)
	if err = yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode env file %s: %w", r.path, err)
	}

	return device.EnvironmentOverrides(values), nil
}

// Save replaces the persisted overrides.
func (r *FileRepository) Save(env device.EnvironmentOverrides) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	values := map[string]string(env)
	if values == nil {
		values = map[string]string{}
	}

	contents, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("encode env file: %w", err)
	}

	tmp := r.path + ".tmp"

	if err = os.WriteFile(tmp, contents, config.DefaultFilePermissions); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}

	if err = os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace env file: %w", err)
	}

	return nil
}

// Restore loads the persisted overrides and applies them to the process
// environment.
func (r *FileRepository) Restore() (device.EnvironmentOverrides, error) {
	env, err := r.Load()
	if err != nil {
		return nil, err
	}

	if err = Apply(env); err != nil {
		return nil, err
	}

	return env, nil
}

// Apply sets every override in the process environment.
func Apply(env device.EnvironmentOverrides) error {
	var errs []error

	for name, value := range env {
		if err := os.Setenv(name, value); err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}
