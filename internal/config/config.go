package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Config represents the main configuration for nas.
type Config struct {
	DataDir    string           `toml:"data_dir" validate:"required"`
	StoreRoot  string           `toml:"store_root" validate:"required"`
	LogDir     string           `toml:"log_dir" validate:"required"`
	Database   DatabaseConfig   `toml:"database"`
	Archive    ArchiveConfig    `toml:"archive"`
	Mount      MountConfig      `toml:"mount"`
	Catalog    CatalogConfig    `toml:"catalog"`
	Filesystem FilesystemConfig `toml:"filesystem"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// DatabaseConfig represents configuration for the user directory database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
// Catalogs always live inside each principal's stage directory.
type DatabaseConfig struct {
	Type string `toml:"type" validate:"oneof=sqlite memory"` // "sqlite" stores users.db under data_dir
}

// ArchiveConfig selects the snapshot engine.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type string `toml:"type" validate:"oneof=borg native"`

	// Passphrase protects repository keys. PassphraseEnv names an environment
	// variable to read it from instead, and wins when set.
	Passphrase    string `toml:"passphrase,omitempty"`
	PassphraseEnv string `toml:"passphrase_env,omitempty"`

	// borg-specific fields (only used when Type == "borg")
	BorgBinary string `toml:"borg_binary,omitempty"`

	// native-specific fields (only used when Type == "native")
	Encryption string      `toml:"encryption,omitempty" validate:"omitempty,oneof=age none"`
	Vault      VaultConfig `toml:"vault"`
}

// VaultConfig represents configuration for the native engine's blob store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type VaultConfig struct {
	Type string `toml:"type" validate:"omitempty,oneof=memory filesystem s3"` // defaults to "filesystem"

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`
	// Static credentials. When empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// MountConfig bounds the wait for a snapshot mount to become active.
type MountConfig struct {
	TimeoutMS         int `toml:"timeout_ms" validate:"gte=0"`
	InitialIntervalMS int `toml:"initial_interval_ms" validate:"required_with=TimeoutMS,gte=0"`
	MaxIntervalMS     int `toml:"max_interval_ms" validate:"required_with=TimeoutMS,gtefield=InitialIntervalMS"`
}

// CatalogConfig holds metadata catalog policies.
type CatalogConfig struct {
	CascadeRename bool `toml:"cascade_rename"`
	QuotaPrecheck bool `toml:"quota_precheck"`
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// MetricsConfig configures the Prometheus textfile written after each command.
type MetricsConfig struct {
	TextfilePath string `toml:"textfile_path,omitempty"`
}

// NewConfig creates a new Config with defaults rooted at baseDir.
func NewConfig(baseDir string) *Config {
	return &Config{
		DataDir:   filepath.Join(baseDir, "db"),
		StoreRoot: filepath.Join(baseDir, "store"),
		LogDir:    filepath.Join(baseDir, "log"),
		Database:  DatabaseConfig{Type: "sqlite"},
		Archive: ArchiveConfig{
			Type:          "borg",
			BorgBinary:    "borg",
			PassphraseEnv: "NAS_PASSPHRASE",
			Encryption:    "age",
			Vault:         VaultConfig{Type: "filesystem"},
		},
		Mount: MountConfig{
			TimeoutMS:         10000,
			InitialIntervalMS: 50,
			MaxIntervalMS:     1000,
		},
		Catalog: CatalogConfig{CascadeRename: true},
		Filesystem: FilesystemConfig{
			Ignore: []string{".DS_Store", "*.swp"},
		},
	}
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Archive.Vault.Type == "s3" && c.Archive.Vault.S3Bucket == "" {
		return fmt.Errorf("invalid config: s3 vault requires s3_bucket")
	}
	return nil
}

// ResolvePassphrase returns the repository passphrase, preferring the
// environment variable named by PassphraseEnv.
func (a ArchiveConfig) ResolvePassphrase() string {
	if a.PassphraseEnv != "" {
		if v := os.Getenv(a.PassphraseEnv); v != "" {
			return v
		}
	}
	return a.Passphrase
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
