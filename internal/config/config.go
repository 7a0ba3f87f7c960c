// Package config loads the collector configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"airsquawk/internal/logging"
)

// Config is the complete collector configuration.
type Config struct {
	Source     SourceConfig    `yaml:"source"`
	Receiver   ReceiverConfig  `yaml:"receiver"`
	Store      StoreConfig     `yaml:"store"`
	Tracking   TrackingConfig  `yaml:"tracking"`
	Identity   IdentityConfig  `yaml:"identity"`
	Reception  ReceptionConfig `yaml:"reception"`
	Upload     UploadConfig    `yaml:"upload"`
	Postgres   DBConfig        `yaml:"postgres"`
	ClickHouse DBConfig        `yaml:"clickhouse"`
	NATS       NATSConfig      `yaml:"nats"`
	API        APIConfig       `yaml:"api"`
	Log        logging.Config  `yaml:"log"`
}

// SourceConfig locates the receiver's web server.
type SourceConfig struct {
	Server       string        `yaml:"server"`
	Timeout      time.Duration `yaml:"timeout"`
	HistoryFiles int           `yaml:"history_files"`
	Interval     time.Duration `yaml:"interval"`
}

// ReceiverConfig overrides the receiver position. Zero lat/lon means
// fetch it from the receiver.
type ReceiverConfig struct {
	Lat        float64       `yaml:"lat"`
	Lon        float64       `yaml:"lon"`
	AltitudeFt float64       `yaml:"altitude_ft"`
	Refetch    time.Duration `yaml:"refetch"`
}

// StoreConfig selects and configures the object store.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // s3, gcs or memory
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PathStyle bool   `yaml:"path_style"`
	Project   string `yaml:"project"`
	CredsFile string `yaml:"credentials_file"`
	ReadOnly  bool   `yaml:"read_only"`
	// Timeout bounds every object store and database call made from the
	// poll loop.
	Timeout time.Duration `yaml:"timeout"`

	ObservationsBucket string `yaml:"observations_bucket"`
	ReceptionBucket    string `yaml:"reception_bucket"`
	IdentityBucket     string `yaml:"identity_bucket"`
	URLBucket          string `yaml:"url_bucket"`
	Prefix             string `yaml:"prefix"`
}

// TrackingConfig tunes the tracking table.
type TrackingConfig struct {
	Timeout        time.Duration `yaml:"timeout"`
	LongVisibility time.Duration `yaml:"long_visibility"`
	ApproxWindow   time.Duration `yaml:"approx_window"`
}

// IdentityConfig tunes identity resolution.
type IdentityConfig struct {
	MemoSize      int           `yaml:"memo_size"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	TypeDBMaxAge  time.Duration `yaml:"typedb_max_age"`
	CrawlParallel int           `yaml:"crawl_parallel"`
}

// ReceptionConfig places the reception record file.
type ReceptionConfig struct {
	File         string `yaml:"file"`
	HistoryHours int    `yaml:"history_hours"`
}

// UploadConfig tunes the upload pipeline.
type UploadConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	SpoolPath     string        `yaml:"spool_path"`
	Parallel      int           `yaml:"parallel"`
}

// DBConfig holds database connection settings. An empty Host disables
// the database.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// NATSConfig configures the live feed. An empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// APIConfig configures the status API. An empty Listen disables it.
// With APIKeys set, every endpoint except health requires a key.
type APIConfig struct {
	Listen  string   `yaml:"listen"`
	APIKeys []string `yaml:"api_keys"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Source: SourceConfig{
			Server:       "localhost:8080",
			Timeout:      5 * time.Second,
			HistoryFiles: 120,
			Interval:     time.Second,
		},
		Receiver: ReceiverConfig{Refetch: 10 * time.Minute},
		Store: StoreConfig{
			Backend:            "s3",
			Endpoint:           "http://localhost:9000",
			Region:             "us-east-1",
			PathStyle:          true,
			Timeout:            5 * time.Second,
			ObservationsBucket: "aircraft-data",
			ReceptionBucket:    "piawarereceptiondata",
			IdentityBucket:     "icao-hex-cache",
			URLBucket:          "flighturls",
		},
		Tracking: TrackingConfig{
			Timeout:        30 * time.Second,
			LongVisibility: 5 * time.Minute,
			ApproxWindow:   5 * time.Second,
		},
		Identity: IdentityConfig{
			MemoSize:      65536,
			CacheTTL:      30 * 24 * time.Hour,
			TypeDBMaxAge:  30 * 24 * time.Hour,
			CrawlParallel: 8,
		},
		Reception: ReceptionConfig{
			File:         "piaware.reception.record",
			HistoryHours: 24,
		},
		Upload: UploadConfig{
			FlushInterval: time.Minute,
			RetryInterval: time.Minute,
			SpoolPath:     "data/spool.db",
			Parallel:      8,
		},
		Postgres:   DBConfig{Port: 5432, Database: "airsquawk", User: "airsquawk", Password: "airsquawk"},
		ClickHouse: DBConfig{Port: 9000, Database: "airsquawk", User: "default"},
		NATS:       NATSConfig{Subject: "airsquawk.observations"},
		API:        APIConfig{Listen: ":8090"},
		Log:        logging.Config{Level: "info", Format: "json", MaxSizeMB: 64, MaxBackups: 5, MaxAgeDays: 14},
	}
}

// Load reads path over the defaults and applies environment overrides.
// An empty path loads the defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays AIRSQUAWK_* variables.
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v := getenv(key); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("AIRSQUAWK_SERVER", &c.Source.Server)
	float("AIRSQUAWK_RECEIVER_LAT", &c.Receiver.Lat)
	float("AIRSQUAWK_RECEIVER_LON", &c.Receiver.Lon)
	float("AIRSQUAWK_RECEIVER_ALT_FT", &c.Receiver.AltitudeFt)
	str("AIRSQUAWK_STORE_BACKEND", &c.Store.Backend)
	str("AIRSQUAWK_STORE_ENDPOINT", &c.Store.Endpoint)
	str("AIRSQUAWK_STORE_REGION", &c.Store.Region)
	str("AIRSQUAWK_STORE_ACCESS_KEY", &c.Store.AccessKey)
	str("AIRSQUAWK_STORE_SECRET_KEY", &c.Store.SecretKey)
	boolean("AIRSQUAWK_READ_ONLY", &c.Store.ReadOnly)
	str("AIRSQUAWK_PREFIX", &c.Store.Prefix)
	str("AIRSQUAWK_SPOOL", &c.Upload.SpoolPath)
	str("AIRSQUAWK_RECEPTION_FILE", &c.Reception.File)
	str("POSTGRES_HOST", &c.Postgres.Host)
	num("POSTGRES_PORT", &c.Postgres.Port)
	str("POSTGRES_USER", &c.Postgres.User)
	str("POSTGRES_PASSWORD", &c.Postgres.Password)
	str("POSTGRES_DATABASE", &c.Postgres.Database)
	str("CLICKHOUSE_HOST", &c.ClickHouse.Host)
	num("CLICKHOUSE_PORT", &c.ClickHouse.Port)
	str("CLICKHOUSE_USER", &c.ClickHouse.User)
	str("CLICKHOUSE_PASSWORD", &c.ClickHouse.Password)
	str("CLICKHOUSE_DATABASE", &c.ClickHouse.Database)
	str("NATS_URL", &c.NATS.URL)
	str("AIRSQUAWK_API_LISTEN", &c.API.Listen)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("LOG_FILE", &c.Log.File)

	return errors.Join(errs...)
}

// Validate reports every problem with the configuration.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Source.Server) == "" {
		errs = append(errs, errors.New("source.server is required"))
	}
	switch c.Store.Backend {
	case "s3", "gcs", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.backend %q: want s3, gcs or memory", c.Store.Backend))
	}
	if c.Store.ObservationsBucket == "" || c.Store.ReceptionBucket == "" ||
		c.Store.IdentityBucket == "" || c.Store.URLBucket == "" {
		errs = append(errs, errors.New("store buckets must all be set"))
	}
	if c.Receiver.Lat < -90 || c.Receiver.Lat > 90 || c.Receiver.Lon < -180 || c.Receiver.Lon > 180 {
		errs = append(errs, fmt.Errorf("receiver position %v,%v out of range", c.Receiver.Lat, c.Receiver.Lon))
	}
	if c.Store.Timeout <= 0 || c.Store.Timeout > 30*time.Second {
		errs = append(errs, fmt.Errorf("store.timeout %v: want between 0 and 30s", c.Store.Timeout))
	}
	if c.Tracking.Timeout <= 0 {
		errs = append(errs, errors.New("tracking.timeout must be positive"))
	}
	if c.Upload.FlushInterval < time.Second {
		errs = append(errs, errors.New("upload.flush_interval must be at least 1s"))
	}
	if c.Upload.SpoolPath == "" {
		errs = append(errs, errors.New("upload.spool_path is required"))
	}
	if c.Reception.File == "" {
		errs = append(errs, errors.New("reception.file is required"))
	}
	if c.Source.Interval <= 0 {
		errs = append(errs, errors.New("source.interval must be positive"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ReceiverKnown reports whether the receiver position is configured.
func (c Config) ReceiverKnown() bool {
	return c.Receiver.Lat != 0 || c.Receiver.Lon != 0
}
