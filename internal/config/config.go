package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"salesetl/internal/apperrors"
)

// Artifact file names inside DataDir, one per pipeline stage.
const (
	TransactionArtifact = "transaction_data_merged.parquet"
	RateArtifact        = "conversion_rate.parquet"
	OutputArtifact      = "workshop4_output.parquet"
)

// Config holds pipeline configuration.
type Config struct {
	// Source database
	SourceDriver     string
	SourceDSN        string
	SourceSchema     string
	ProductTable     string
	CustomerTable    string
	TransactionTable string

	// Conversion rate endpoint
	ConversionRateURL   string
	ConversionRateField string
	HTTPTimeout         time.Duration

	// Intermediate artifacts
	DataDir string

	// Warehouse
	BigQueryProject   string
	BigQueryEndpoint  string
	DestinationTable  string
	WriteDisposition  string
	BigQuerySourceURI string

	// Triggers
	Schedule   string
	WatchPath  string
	RunTimeout time.Duration

	// Rate cache
	RedisURL     string
	RateCacheTTL time.Duration

	// Run history + ops surface
	RunLogPath  string
	HTTPAddr    string
	Environment string
}

// LoadConfig loads configuration from environment variables and .env file if present.
func LoadConfig() (*Config, error) {
	// Attempt to load .env file, ignore error if it doesn't exist
	_ = godotenv.Load()
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("SOURCE_DRIVER", "mysql")
	v.SetDefault("MYSQL_CONNECTION", "")
	v.SetDefault("SOURCE_SCHEMA", "r2de3")
	v.SetDefault("PRODUCT_TABLE", "product")
	v.SetDefault("CUSTOMER_TABLE", "customer")
	v.SetDefault("TRANSACTION_TABLE", "transaction")
	v.SetDefault("CONVERSION_RATE_URL", "")
	v.SetDefault("CONVERSION_RATE_FIELD", "gbp_thb")
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("DATA_DIR", "./data")
	v.SetDefault("BQ_PROJECT", "")
	v.SetDefault("BQ_ENDPOINT", "")
	v.SetDefault("BQ_DESTINATION_TABLE", "")
	v.SetDefault("BQ_WRITE_DISPOSITION", "WRITE_TRUNCATE")
	v.SetDefault("BQ_SOURCE_URI", "")
	v.SetDefault("PIPELINE_SCHEDULE", "")
	v.SetDefault("PIPELINE_WATCH_PATH", "")
	v.SetDefault("RUN_TIMEOUT", "10m")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("RATE_CACHE_TTL", "1h")
	v.SetDefault("RUN_LOG_DB", "")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("ENVIRONMENT", "production")

	v.AutomaticEnv()
	return v
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		SourceDriver:        strings.ToLower(v.GetString("SOURCE_DRIVER")),
		SourceDSN:           v.GetString("MYSQL_CONNECTION"),
		SourceSchema:        v.GetString("SOURCE_SCHEMA"),
		ProductTable:        v.GetString("PRODUCT_TABLE"),
		CustomerTable:       v.GetString("CUSTOMER_TABLE"),
		TransactionTable:    v.GetString("TRANSACTION_TABLE"),
		ConversionRateURL:   v.GetString("CONVERSION_RATE_URL"),
		ConversionRateField: v.GetString("CONVERSION_RATE_FIELD"),
		DataDir:             v.GetString("DATA_DIR"),
		BigQueryProject:     v.GetString("BQ_PROJECT"),
		BigQueryEndpoint:    v.GetString("BQ_ENDPOINT"),
		DestinationTable:    v.GetString("BQ_DESTINATION_TABLE"),
		WriteDisposition:    strings.ToUpper(v.GetString("BQ_WRITE_DISPOSITION")),
		BigQuerySourceURI:   v.GetString("BQ_SOURCE_URI"),
		Schedule:            v.GetString("PIPELINE_SCHEDULE"),
		WatchPath:           v.GetString("PIPELINE_WATCH_PATH"),
		RedisURL:            v.GetString("REDIS_URL"),
		RunLogPath:          v.GetString("RUN_LOG_DB"),
		HTTPAddr:            v.GetString("HTTP_ADDR"),
		Environment:         v.GetString("ENVIRONMENT"),
	}

	var err error
	if cfg.HTTPTimeout, err = parseDuration(v, "HTTP_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.RunTimeout, err = parseDuration(v, "RUN_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.RateCacheTTL, err = parseDuration(v, "RATE_CACHE_TTL"); err != nil {
		return nil, err
	}

	if cfg.RunLogPath == "" {
		cfg.RunLogPath = filepath.Join(cfg.DataDir, "pipeline_runs.db")
	}

	return cfg, nil
}

func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid value for %s (%q)", apperrors.ErrValidation, key, raw)
	}
	return d, nil
}

// Validate checks the keys a full pipeline run needs. When skipLoad is set
// the warehouse settings are not required.
func (c *Config) Validate(skipLoad bool) error {
	var missing []string
	if c.SourceDSN == "" {
		missing = append(missing, "MYSQL_CONNECTION")
	}
	if c.ConversionRateURL == "" {
		missing = append(missing, "CONVERSION_RATE_URL")
	}
	if c.ConversionRateField == "" {
		missing = append(missing, "CONVERSION_RATE_FIELD")
	}
	if !skipLoad && c.DestinationTable == "" {
		missing = append(missing, "BQ_DESTINATION_TABLE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", apperrors.ErrValidation, strings.Join(missing, ", "))
	}

	switch c.SourceDriver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("%w: unsupported SOURCE_DRIVER %q", apperrors.ErrValidation, c.SourceDriver)
	}

	switch c.WriteDisposition {
	case "WRITE_TRUNCATE", "WRITE_APPEND":
	default:
		return fmt.Errorf("%w: BQ_WRITE_DISPOSITION must be WRITE_TRUNCATE or WRITE_APPEND, got %q",
			apperrors.ErrValidation, c.WriteDisposition)
	}
	return nil
}

// ArtifactPath returns the absolute-or-relative path of a named artifact in DataDir.
func (c *Config) ArtifactPath(name string) string {
	return filepath.Join(c.DataDir, name)
}
