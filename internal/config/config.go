package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names a remote state transport supported by the agent.
type Backend string

const (
	// BackendGRPC talks to twin-hub over gRPC.
	BackendGRPC Backend = "grpc"
	// BackendNATS keeps the twin in a NATS JetStream key-value bucket.
	BackendNATS Backend = "nats"
)

// AgentConfig holds the settings of the device agent.
type AgentConfig struct {
	// DeviceID identifies this device towards the remote twin.
	DeviceID string `yaml:"device_id"`
	// Backend selects the remote state transport.
	Backend Backend `yaml:"backend"`
	// HubAddress is the twin-hub gRPC address, used by the grpc backend.
	HubAddress string `yaml:"hub_address,omitempty"`
	// NATSURL is the NATS server URL, used by the nats backend.
	NATSURL string `yaml:"nats_url,omitempty"`
	// NATSBucket is the JetStream key-value bucket holding device twins.
	NATSBucket string `yaml:"nats_bucket,omitempty"`
	// SyncPeriod is the reconcile period in seconds.
	SyncPeriod int `yaml:"sync_period"`
	// Timeout bounds every remote call.
	Timeout time.Duration `yaml:"timeout"`
	// EnvFile persists the last applied environment overrides.
	EnvFile string `yaml:"env_file,omitempty"`
	// DotenvFile is an optional dotenv file with base variables; it never
	// replaces variables already set in the environment.
	DotenvFile string `yaml:"dotenv_file,omitempty"`
	// MetricsAddress exposes Prometheus metrics when set.
	MetricsAddress string `yaml:"metrics_address,omitempty"`
	// LogLevel is the minimum log level.
	LogLevel string `yaml:"log_level,omitempty"`
	// MaxArtifactSize caps a single downloaded artifact, in bytes.
	MaxArtifactSize int64 `yaml:"max_artifact_size,omitempty"`
}

// HubConfig holds the settings of twin-hub.
type HubConfig struct {
	// ListenAddress is the gRPC listen address.
	ListenAddress string `yaml:"listen_address"`
	// DesiredFile is the YAML file with desired state per device.
	DesiredFile string `yaml:"desired_file"`
	// ReportedDir is where reported state is persisted, one JSON file per device.
	ReportedDir string `yaml:"reported_dir"`
	// Timeout bounds client calls made by hub tooling.
	Timeout time.Duration `yaml:"timeout"`
	// MetricsAddress exposes Prometheus metrics when set.
	MetricsAddress string `yaml:"metrics_address,omitempty"`
	// LogLevel is the minimum log level.
	LogLevel string `yaml:"log_level,omitempty"`
}

const (
	// DefaultAgentConfigFilename is the default filename for agent settings.
	DefaultAgentConfigFilename = "twin-agent.yaml"

	// DefaultHubConfigFilename is the default filename for hub settings.
	DefaultHubConfigFilename = "twin-hub.yaml"

	// DefaultEnvFilename is the default file for persisted environment overrides.
	DefaultEnvFilename = "twin-agent-env.yaml"

	// DefaultDesiredFilename is the default desired-state file served by the hub.
	DefaultDesiredFilename = "twin-desired.yaml"

	// DefaultReportedDir is the default directory for reported state.
	DefaultReportedDir = "reported"

	// DefaultNATSBucket is the default JetStream bucket holding twins.
	DefaultNATSBucket = "twins"

	// DefaultTimeout is the default duration for remote calls.
	DefaultTimeout = 5 * time.Second

	// DefaultMaxArtifactSize caps artifact downloads when not configured.
	DefaultMaxArtifactSize int64 = 512 << 20

	// DefaultFilePermissions is the default file permission for config files.
	DefaultFilePermissions = 0o600
)

var (
	// errConfigIsNotSet is returned when a nil configuration is provided.
	errConfigIsNotSet = errors.New("configuration is not set")
	// errDeviceIDRequired is returned when the device id is missing.
	errDeviceIDRequired = errors.New("device id must be provided")
	// errUnknownBackend is returned for unsupported backends.
	errUnknownBackend = errors.New("unknown backend")
	// errHubAddressRequired is returned when the grpc backend has no hub address.
	errHubAddressRequired = errors.New("hub address must be provided")
	// errNATSURLRequired is returned when the nats backend has no server URL.
	errNATSURLRequired = errors.New("nats url must be provided")
	// errListenAddressRequired is returned when the hub has no listen address.
	errListenAddressRequired = errors.New("listen address must be provided")
)

// LoadAgent reads agent settings from the provided path and validates them.
func LoadAgent(path string) (*AgentConfig, error) {
	if path == "" {
		path = DefaultAgentConfigFilename
	}

	var cfg AgentConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	if err := ValidateAgent(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveAgent writes agent settings to the provided path.
func SaveAgent(path string, cfg *AgentConfig) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultAgentConfigFilename
	}

	if err := ValidateAgent(cfg); err != nil {
		return err
	}

	return save(path, cfg)
}

// ValidateAgent checks required fields and fills in defaults.
func ValidateAgent(cfg *AgentConfig) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	cfg.DeviceID = strings.TrimSpace(cfg.DeviceID)
	if cfg.DeviceID == "" {
		return errDeviceIDRequired
	}

	if cfg.Backend == "" {
		cfg.Backend = BackendGRPC
	}

	switch cfg.Backend {
	case BackendGRPC:
		if cfg.HubAddress == "" {
			return errHubAddressRequired
		}

		if _, _, err := net.SplitHostPort(cfg.HubAddress); err != nil {
			return fmt.Errorf("invalid hub address: %w", err)
		}
	case BackendNATS:
		if cfg.NATSURL == "" {
			return errNATSURLRequired
		}

		if _, err := url.Parse(cfg.NATSURL); err != nil {
			return fmt.Errorf("invalid nats url: %w", err)
		}

		if cfg.NATSBucket == "" {
			cfg.NATSBucket = DefaultNATSBucket
		}
	default:
		return fmt.Errorf("%w: %s", errUnknownBackend, cfg.Backend)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.EnvFile == "" {
		cfg.EnvFile = DefaultEnvFilename
	}

	if cfg.MaxArtifactSize <= 0 {
		cfg.MaxArtifactSize = DefaultMaxArtifactSize
	}

	return validateMetricsAddress(cfg.MetricsAddress)
}

// LoadHub reads hub settings from the provided path and validates them.
func LoadHub(path string) (*HubConfig, error) {
	if path == "" {
		path = DefaultHubConfigFilename
	}

	var cfg HubConfig
	if err := load(path, &cfg); err != nil {
		return nil, err
	}

	if err := ValidateHub(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// SaveHub writes hub settings to the provided path.
func SaveHub(path string, cfg *HubConfig) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if path == "" {
		path = DefaultHubConfigFilename
	}

	if err := ValidateHub(cfg); err != nil {
		return err
	}

	return save(path, cfg)
}

// ValidateHub checks required fields and fills in defaults.
func ValidateHub(cfg *HubConfig) error {
	if cfg == nil {
		return errConfigIsNotSet
	}

	if cfg.ListenAddress == "" {
		return errListenAddressRequired
	}

	if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}

	if cfg.DesiredFile == "" {
		cfg.DesiredFile = DefaultDesiredFilename
	}

	if cfg.ReportedDir == "" {
		cfg.ReportedDir = DefaultReportedDir
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return validateMetricsAddress(cfg.MetricsAddress)
}

func validateMetricsAddress(address string) error {
	if address == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(address); err != nil {
		return fmt.Errorf("invalid metrics address: %w", err)
	}

	return nil
}

func load(path string, out any) error {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}

	if err = yaml.Unmarshal(contents, out); err != nil {
		return fmt.Errorf("unmarshal settings: %w", err)
	}

	return nil
}

func save(path string, in any) error {
	data, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	// Restrict permissions.
	if err = os.WriteFile(filepath.Clean(path), data, DefaultFilePermissions); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}

	return nil
}
