package waymark

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config aggregates the configuration of a full sync setup: the local
// store, retry policy, engine behavior, the remote endpoint and optional
// snapshot backups.
type Config struct {
	// DeviceID identifies this device in checkpoints and to the server.
	// Generated when empty.
	DeviceID string `yaml:"device_id,omitempty"`

	Store    StoreConfig     `yaml:"store"`
	Backoff  BackoffConfig   `yaml:"backoff"`
	Engine   EngineConfig    `yaml:"engine"`
	Remote   WSChannelConfig `yaml:"remote"`
	Snapshot SnapshotConfig  `yaml:"snapshot,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults for a local
// store at path. The remote URL and snapshot bucket are left empty.
func DefaultConfig(path string) Config {
	return Config{
		DeviceID: NewDeviceID(),
		Store:    DefaultStoreConfig(path),
		Backoff:  DefaultBackoffConfig(),
		Engine:   DefaultEngineConfig(),
		Remote:   DefaultWSChannelConfig(""),
	}
}

// LoadConfig parses a YAML document over the defaults for path.
func LoadConfig(data []byte, path string) (Config, error) {
	cfg := DefaultConfig(path)
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = NewDeviceID()
	}
	if cfg.Remote.DeviceID == "" {
		cfg.Remote.DeviceID = cfg.DeviceID
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfigFile reads and parses a YAML config file. The store path from
// the file wins; dbPath is the fallback.
func LoadConfigFile(file, dbPath string) (Config, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadConfig(data, dbPath)
}

// Validate checks the configuration for inconsistencies.
func (c Config) Validate() error {
	if c.Store.Path == "" {
		return newSyncError(SyncErrorInvalidArgument, "store path is required", RecordKey{}, ErrInvalidArgument)
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		return newSyncError(SyncErrorInvalidArgument, "backoff jitter must be in [0, 1]", RecordKey{}, ErrInvalidArgument)
	}
	if c.Snapshot.Bucket == "" && c.Snapshot.Prefix != "" {
		return newSyncError(SyncErrorInvalidArgument, "snapshot prefix set without a bucket", RecordKey{}, ErrInvalidArgument)
	}
	return nil
}

// NewDeviceID generates a fresh device identifier.
func NewDeviceID() string {
	return uuid.NewString()
}
