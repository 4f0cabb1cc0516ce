// Package config loads and validates monitor configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the root configuration object.
type Config struct {
	Ingest    IngestConfig    `mapstructure:"ingest"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Store     StoreConfig     `mapstructure:"store"`
	Predictor PredictorConfig `mapstructure:"predictor"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// IngestConfig drives the polling loop.
type IngestConfig struct {
	FetchInterval   time.Duration `mapstructure:"fetch_interval"`
	RetrainInterval time.Duration `mapstructure:"retrain_interval"`
	PrimaryEndpoint string        `mapstructure:"primary_endpoint"`
	BackupEndpoint  string        `mapstructure:"backup_endpoint"`
	// FallbackOnEmpty also consults the backup feed when the primary decodes
	// cleanly but yields no records.
	FallbackOnEmpty bool `mapstructure:"fallback_on_empty"`
}

// HTTPConfig tunes the source client.
type HTTPConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	CacheBustWidth time.Duration `mapstructure:"cache_bust_width"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Location  string `mapstructure:"location"`
	TableName string `mapstructure:"table_name"`
	DSN       string `mapstructure:"dsn"`
	MaxConns  int32  `mapstructure:"max_conns"`
	MinConns  int32  `mapstructure:"min_conns"`

	// MaxConnLifetime recycles pooled Postgres connections; 0 keeps the pgx default.
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PredictorConfig locates the model and its training data.
type PredictorConfig struct {
	ModelPath    string `mapstructure:"model_path"`
	TrainingData string `mapstructure:"training_data"`
}

// BroadcastConfig sizes the observer hub.
type BroadcastConfig struct {
	BufferSize  int           `mapstructure:"buffer_size"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`
}

// Archive backends.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"
)

// ArchiveConfig controls raw response archiving.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig enables batch publication when Topic is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// ServerConfig controls the HTTP front end.
type ServerConfig struct {
	Port    int  `mapstructure:"port"`
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig toggles the zap development preset.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load reads configuration from an optional file, a .env file in the working
// directory and DSN_* environment variables, in increasing precedence.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("DSN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ingest.fetch_interval", 30*time.Second)
	v.SetDefault("ingest.retrain_interval", time.Hour)
	v.SetDefault("ingest.primary_endpoint", "https://eyes.nasa.gov/dsn/data/dsn.xml")
	v.SetDefault("ingest.backup_endpoint", "https://eyes.nasa.gov/apps/dsn-now/dsn.html")
	v.SetDefault("ingest.fallback_on_empty", false)
	v.SetDefault("http.timeout", 10*time.Second)
	v.SetDefault("http.cache_bust_width", 5*time.Second)
	v.SetDefault("http.user_agent", "dsn-monitor/0.1")
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.location", "data/dsn.db")
	v.SetDefault("store.table_name", "communication_logs")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 0)
	v.SetDefault("store.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("predictor.model_path", "models/baseline.json")
	v.SetDefault("predictor.training_data", "data/training.csv")
	v.SetDefault("broadcast.buffer_size", 16)
	v.SetDefault("broadcast.sink_timeout", 2*time.Second)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.base_dir", "data/raw")
	v.SetDefault("archive.prefix", "dsn")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.enabled", true)
	v.SetDefault("logging.development", true)
}

// Validate performs semantic validation of the loaded configuration.
func (c Config) Validate() error {
	if c.Ingest.FetchInterval <= 0 {
		return fmt.Errorf("ingest.fetch_interval must be > 0")
	}
	if c.Ingest.RetrainInterval <= 0 {
		return fmt.Errorf("ingest.retrain_interval must be > 0")
	}
	if err := validateEndpoint("ingest.primary_endpoint", c.Ingest.PrimaryEndpoint); err != nil {
		return err
	}
	if err := validateEndpoint("ingest.backup_endpoint", c.Ingest.BackupEndpoint); err != nil {
		return err
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.CacheBustWidth < time.Second {
		return fmt.Errorf("http.cache_bust_width must be >= 1s")
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.Location == "" {
			return fmt.Errorf("store.location is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
		if c.Store.MinConns < 0 || c.Store.MaxConns < 0 || (c.Store.MaxConns > 0 && c.Store.MinConns > c.Store.MaxConns) {
			return fmt.Errorf("store.min_conns must be between 0 and store.max_conns")
		}
	default:
		return fmt.Errorf("store.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Store.Driver)
	}
	if c.Broadcast.BufferSize <= 0 {
		return fmt.Errorf("broadcast.buffer_size must be > 0")
	}
	if c.Broadcast.SinkTimeout <= 0 {
		return fmt.Errorf("broadcast.sink_timeout must be > 0")
	}
	switch c.Archive.Backend {
	case ArchiveNone, "":
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs archive")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

func validateEndpoint(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL, got %q", key, raw)
	}
	return nil
}
