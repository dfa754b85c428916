package config

// Package config loads the daemon configuration: a JSON file next to the
// binary, optionally overridden by a .env file and SUD_* environment variables.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. SUD_TIMEZONE.
const EnvPrefix = "SUD"

const (
	DefaultEndpoint                  = "https://api.example.com"
	DefaultWebClientURL              = "https://app.example.com"
	DefaultTimezone                  = "UTC"
	DefaultTransport                 = "http"
	DefaultUploadCheckInterval       = "5m"
	DefaultUploadConcurrency         = 2
	DefaultConnectivityCheckInterval = "15s"
	DefaultAPITimeout                = "60s"
	DefaultDebounceDuration          = "2s"
	DefaultPhaseDismissAfter         = "3s"
	DefaultCaptureStopGrace          = "10s"
	DefaultMaxDataSizeGB             = 4.0
	DefaultPruneCheckInterval        = "10m"
	DefaultPruneBatchSize            = 20
	DefaultPruneHighWatermark        = 90
	DefaultPruneLowWatermark         = 70
)

// S3Config configures the S3 transport.
type S3Config struct {
	Region          string `json:"region" envconfig:"REGION"`
	Bucket          string `json:"bucket" envconfig:"BUCKET"`
	AccessKeyID     string `json:"access_key_id" envconfig:"ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" envconfig:"SECRET_ACCESS_KEY"`
	Endpoint        string `json:"endpoint" envconfig:"ENDPOINT"` // S3-compatible endpoint; empty for AWS
}

// MinIOConfig configures the MinIO transport.
type MinIOConfig struct {
	Endpoint  string `json:"endpoint" envconfig:"ENDPOINT"`
	AccessKey string `json:"access_key" envconfig:"ACCESS_KEY"`
	SecretKey string `json:"secret_key" envconfig:"SECRET_KEY"`
	Bucket    string `json:"bucket" envconfig:"BUCKET"`
	UseSSL    bool   `json:"use_ssl" envconfig:"USE_SSL"`
}

type Config struct {
	DeviceID     string `json:"device_id" envconfig:"DEVICE_ID"`
	Timezone     string `json:"timezone" envconfig:"TIMEZONE" validate:"required,timezone"`
	Endpoint     string `json:"endpoint" envconfig:"ENDPOINT" validate:"omitempty,url"`
	AuthToken    string `json:"auth_token" envconfig:"AUTH_TOKEN"`
	WebClientURL string `json:"web_client_url" envconfig:"WEB_CLIENT_URL"`

	DataPath string `json:"data_path" envconfig:"DATA_PATH" validate:"required"`
	DBPath   string `json:"db_path" envconfig:"DB_PATH" validate:"required"`
	LogPath  string `json:"log_path" envconfig:"LOG_PATH"`
	LogLevel string `json:"log_level" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`

	Transport string      `json:"transport" envconfig:"TRANSPORT" validate:"oneof=http s3 minio"`
	S3        S3Config    `json:"s3" envconfig:"S3"`
	MinIO     MinIOConfig `json:"minio" envconfig:"MINIO"`

	CaptureEnabled   bool     `json:"capture_enabled" envconfig:"CAPTURE_ENABLED"`
	CaptureCommand   []string `json:"capture_command" envconfig:"CAPTURE_COMMAND"` // argv, "{output}" is replaced by the file path
	CaptureStopGrace string   `json:"capture_stop_grace" envconfig:"CAPTURE_STOP_GRACE"`

	UploadCheckInterval       string `json:"upload_check_interval" envconfig:"UPLOAD_CHECK_INTERVAL"`
	UploadConcurrency         int    `json:"upload_concurrency" envconfig:"UPLOAD_CONCURRENCY" validate:"min=1,max=16"`
	ConnectivityCheckInterval string `json:"connectivity_check_interval" envconfig:"CONNECTIVITY_CHECK_INTERVAL"`
	APITimeout                string `json:"api_timeout" envconfig:"API_TIMEOUT"`
	DebounceDuration          string `json:"debounce_duration" envconfig:"DEBOUNCE_DURATION"`
	PhaseDismissAfter         string `json:"phase_dismiss_after" envconfig:"PHASE_DISMISS_AFTER"`

	MaxDataSizeGB             float64 `json:"max_data_size_gb" envconfig:"MAX_DATA_SIZE_GB" validate:"gt=0"`
	PruneCheckInterval        string  `json:"prune_check_interval" envconfig:"PRUNE_CHECK_INTERVAL"`
	PruneBatchSize            int     `json:"prune_batch_size" envconfig:"PRUNE_BATCH_SIZE" validate:"min=1"`
	PruneHighWatermarkPercent int     `json:"prune_high_watermark_percent" envconfig:"PRUNE_HIGH_WATERMARK_PERCENT" validate:"min=1,max=100"`
	PruneLowWatermarkPercent  int     `json:"prune_low_watermark_percent" envconfig:"PRUNE_LOW_WATERMARK_PERCENT" validate:"min=0,ltfield=PruneHighWatermarkPercent"`

	MetricsAddr string `json:"metrics_addr" envconfig:"METRICS_ADDR"`
}

// Default returns a configuration rooted at dir.
func Default(dir string) *Config {
	return &Config{
		Timezone:                  DefaultTimezone,
		Endpoint:                  DefaultEndpoint,
		WebClientURL:              DefaultWebClientURL,
		DataPath:                  filepath.Join(dir, "data"),
		DBPath:                    filepath.Join(dir, "sud.db"),
		LogPath:                   filepath.Join(dir, "sud.log"),
		LogLevel:                  "info",
		Transport:                 DefaultTransport,
		CaptureStopGrace:          DefaultCaptureStopGrace,
		UploadCheckInterval:       DefaultUploadCheckInterval,
		UploadConcurrency:         DefaultUploadConcurrency,
		ConnectivityCheckInterval: DefaultConnectivityCheckInterval,
		APITimeout:                DefaultAPITimeout,
		DebounceDuration:          DefaultDebounceDuration,
		PhaseDismissAfter:         DefaultPhaseDismissAfter,
		MaxDataSizeGB:             DefaultMaxDataSizeGB,
		PruneCheckInterval:        DefaultPruneCheckInterval,
		PruneBatchSize:            DefaultPruneBatchSize,
		PruneHighWatermarkPercent: DefaultPruneHighWatermark,
		PruneLowWatermarkPercent:  DefaultPruneLowWatermark,
	}
}

// Load reads the config file at path on top of the defaults, then applies
// the optional .env file beside it and SUD_* environment overrides.
// A missing file is not an error: the defaults are used.
func Load(path string) (*Config, error) {
	dir := filepath.Dir(path)
	cfg := Default(dir)

	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	_ = godotenv.Load(filepath.Join(dir, ".env"))
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	// Relative paths are resolved against the config directory, not the
	// working directory of whoever started the service.
	cfg.DataPath = absFrom(dir, cfg.DataPath)
	cfg.DBPath = absFrom(dir, cfg.DBPath)
	if cfg.LogPath != "" {
		cfg.LogPath = absFrom(dir, cfg.LogPath)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as indented JSON.
func Save(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(cfg)
}

var validate = validator.New()

// Validate checks field constraints and transport-specific requirements.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	switch c.Transport {
	case "s3":
		if c.S3.Bucket == "" || c.S3.Region == "" {
			return fmt.Errorf("invalid config: s3 transport needs s3.bucket and s3.region")
		}
	case "minio":
		if c.MinIO.Endpoint == "" || c.MinIO.Bucket == "" {
			return fmt.Errorf("invalid config: minio transport needs minio.endpoint and minio.bucket")
		}
	}
	if c.CaptureEnabled && len(c.CaptureCommand) == 0 {
		return fmt.Errorf("invalid config: capture_enabled needs capture_command")
	}
	return nil
}

// Location returns the data owner's timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// ParseDuration parses value, returning fallback if it is empty or invalid.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func absFrom(dir, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
