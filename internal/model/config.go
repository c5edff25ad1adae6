package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store driver names.
const (
	StoreDriverSQLite   = "sqlite"
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Blob store kinds.
const (
	BlobKindDir    = "dir"
	BlobKindIMAP   = "imap"
	BlobKindMemory = "memory"
)

// LogConfig controls the logrus logger.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "text" or "json"
}

// StoreConfig selects and locates the local email store.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`

	// Path is the SQLite database file.
	Path string `mapstructure:"path" yaml:"path"`

	// DSN is the PostgreSQL connection string.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// SyncConfig holds the well-known blob locations and the poll interval.
type SyncConfig struct {
	UploadLocation    string   `mapstructure:"upload_location" yaml:"upload_location"`
	DownloadLocations []string `mapstructure:"download_locations" yaml:"download_locations"`
	IntervalSec       int      `mapstructure:"interval_sec" yaml:"interval_sec"`
}

// Interval returns the poll interval, defaulting to ten minutes.
func (c SyncConfig) Interval() time.Duration {
	if c.IntervalSec <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.IntervalSec) * time.Second
}

// IMAPConfig locates the mailbox used as remote object storage.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`

	// Password may be left empty, in which case it is read from the
	// system keyring under "imap-<username>".
	Password string `mapstructure:"password" yaml:"password"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
	Mailbox  string `mapstructure:"mailbox" yaml:"mailbox"`
}

// BlobConfig selects the remote blob store.
type BlobConfig struct {
	Kind string     `mapstructure:"kind" yaml:"kind"`
	Dir  string     `mapstructure:"dir" yaml:"dir"`
	IMAP IMAPConfig `mapstructure:"imap" yaml:"imap"`
}

// ServerConfig holds the operator HTTP API settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// AMQPConfig enables sync event publishing when URL is set.
type AMQPConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	Exchange string `mapstructure:"exchange" yaml:"exchange"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
	Store  StoreConfig  `mapstructure:"store" yaml:"store"`
	Sync   SyncConfig   `mapstructure:"sync" yaml:"sync"`
	Blob   BlobConfig   `mapstructure:"blob" yaml:"blob"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	AMQP   AMQPConfig   `mapstructure:"amqp" yaml:"amqp"`
}

// StateDir returns the default directory for local state,
// located at ~/.local/share/mailsync.
func StateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "mailsync")
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// setDefaults registers the default value of every key, which also makes
// each key eligible for environment overrides.
func setDefaults(v *viper.Viper) {
	state := StateDir()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("store.driver", StoreDriverSQLite)
	v.SetDefault("store.path", filepath.Join(state, "email.sqlite3"))
	v.SetDefault("store.dsn", "")
	v.SetDefault("sync.upload_location", "upload/client.jsonl.zip")
	v.SetDefault("sync.download_locations", []string{"download/client.jsonl.zip"})
	v.SetDefault("sync.interval_sec", 600)
	v.SetDefault("blob.kind", BlobKindDir)
	v.SetDefault("blob.dir", filepath.Join(state, "blobs"))
	v.SetDefault("blob.imap.host", "")
	v.SetDefault("blob.imap.port", "993")
	v.SetDefault("blob.imap.username", "")
	v.SetDefault("blob.imap.password", "")
	v.SetDefault("blob.imap.tls", true)
	v.SetDefault("blob.imap.mailbox", "mailsync")
	v.SetDefault("server.addr", ":8025")
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "mailsync")
}

// DefaultConfig returns the configuration used when no file and no
// environment overrides are present.
func DefaultConfig() (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding default config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Every key can be overridden from the environment with the MAILSYNC_
// prefix (e.g. MAILSYNC_STORE_DRIVER). A missing file is not an error.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("mailsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *os.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *AppConfig) validate() error {
	switch c.Store.Driver {
	case StoreDriverSQLite, StoreDriverMemory:
	case StoreDriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	switch c.Blob.Kind {
	case BlobKindDir:
		if c.Blob.Dir == "" {
			return fmt.Errorf("blob.dir is required for the dir blob store")
		}
	case BlobKindIMAP:
		if c.Blob.IMAP.Host == "" || c.Blob.IMAP.Username == "" {
			return fmt.Errorf("blob.imap.host and blob.imap.username are required")
		}
	case BlobKindMemory:
	default:
		return fmt.Errorf("unknown blob.kind %q", c.Blob.Kind)
	}

	if c.Sync.UploadLocation == "" {
		return fmt.Errorf("sync.upload_location is required")
	}
	if len(c.Sync.DownloadLocations) == 0 {
		return fmt.Errorf("at least one sync.download_locations entry is required")
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("log", cfg.Log)
	v.Set("store", cfg.Store)
	v.Set("sync", cfg.Sync)
	v.Set("blob", cfg.Blob)
	v.Set("server", cfg.Server)
	v.Set("amqp", cfg.AMQP)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
