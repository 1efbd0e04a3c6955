package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	BlobDir     string   `mapstructure:"BLOB_DIR"`
	SeenStore   string   `mapstructure:"SEEN_STORE_PATH"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// Intake limits
	MaxItems         int   `mapstructure:"MAX_ITEMS"`
	MaxFileSizeBytes int64 `mapstructure:"MAX_FILE_SIZE_BYTES"`
	MaxAttempts      int   `mapstructure:"MAX_ATTEMPTS"`
	Concurrency      int   `mapstructure:"PIPELINE_CONCURRENCY"`
	AutoSave         bool  `mapstructure:"AUTO_SAVE"`

	// Collaborators
	ExtractionURL string        `mapstructure:"EXTRACTION_URL"`
	ConverterURL  string        `mapstructure:"CONVERTER_URL"`
	InferenceURL  string        `mapstructure:"INFERENCE_URL"`
	InferenceRPS  float64       `mapstructure:"INFERENCE_RPS"`
	HTTPTimeout   time.Duration `mapstructure:"HTTP_TIMEOUT"`

	EnrichTimeout     time.Duration `mapstructure:"ENRICH_TIMEOUT"`
	EnrichMaxAttempts int           `mapstructure:"ENRICH_MAX_ATTEMPTS"`
	EnrichBackoff     time.Duration `mapstructure:"ENRICH_BACKOFF"`

	SaveMaxAttempts int           `mapstructure:"SAVE_MAX_ATTEMPTS"`
	SaveBackoff     time.Duration `mapstructure:"SAVE_BACKOFF"`

	AnchorPolicy     string `mapstructure:"ANCHOR_POLICY"`
	AnchorURL        string `mapstructure:"ANCHOR_URL"`
	AnchorSigningKey string `mapstructure:"ANCHOR_SIGNING_KEY"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "BLOB_DIR",
	"SEEN_STORE_PATH", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"MAX_ITEMS", "MAX_FILE_SIZE_BYTES", "MAX_ATTEMPTS", "PIPELINE_CONCURRENCY", "AUTO_SAVE",
	"EXTRACTION_URL", "CONVERTER_URL", "INFERENCE_URL", "INFERENCE_RPS", "HTTP_TIMEOUT",
	"ENRICH_TIMEOUT", "ENRICH_MAX_ATTEMPTS", "ENRICH_BACKOFF",
	"SAVE_MAX_ATTEMPTS", "SAVE_BACKOFF",
	"ANCHOR_POLICY", "ANCHOR_URL", "ANCHOR_SIGNING_KEY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("MAX_ITEMS", 10)
	v.SetDefault("MAX_FILE_SIZE_BYTES", 10<<20)
	v.SetDefault("MAX_ATTEMPTS", 3)
	v.SetDefault("PIPELINE_CONCURRENCY", 4)
	v.SetDefault("AUTO_SAVE", true)
	v.SetDefault("INFERENCE_RPS", 2)
	v.SetDefault("HTTP_TIMEOUT", "60s")
	v.SetDefault("ENRICH_TIMEOUT", "30s")
	v.SetDefault("ENRICH_MAX_ATTEMPTS", 3)
	v.SetDefault("ENRICH_BACKOFF", "2s")
	v.SetDefault("SAVE_MAX_ATTEMPTS", 3)
	v.SetDefault("SAVE_BACKOFF", "1s")
	v.SetDefault("ANCHOR_POLICY", "structured")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// StorageDriver reports which metadata repository DATABASE_URL selects:
// "postgres", "sqlite" or "memory".
func (c *Config) StorageDriver() string {
	switch {
	case strings.HasPrefix(c.DatabaseURL, "postgres://"), strings.HasPrefix(c.DatabaseURL, "postgresql://"):
		return "postgres"
	case strings.HasPrefix(c.DatabaseURL, "sqlite://"):
		return "sqlite"
	case c.DatabaseURL == "":
		return "memory"
	}
	return ""
}

// SQLitePath returns the file path portion of a sqlite:// DATABASE_URL.
func (c *Config) SQLitePath() string {
	return strings.TrimPrefix(c.DatabaseURL, "sqlite://")
}

// Validate checks that the configuration is safe to run. Production refuses
// the in-memory metadata store and, unless anchoring is disabled, requires a
// signing key for attestations.
func (c *Config) Validate() error {
	driver := c.StorageDriver()
	if driver == "" {
		return fmt.Errorf("DATABASE_URL must start with postgres://, postgresql:// or sqlite://, got %q", c.DatabaseURL)
	}
	if c.IsProduction() && driver == "memory" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}

	switch c.AnchorPolicy {
	case "never", "structured", "clinical":
	default:
		return fmt.Errorf("ANCHOR_POLICY must be \"never\", \"structured\", or \"clinical\", got %q", c.AnchorPolicy)
	}
	if c.IsProduction() && c.AnchorPolicy != "never" && c.AnchorSigningKey == "" {
		return fmt.Errorf("ANCHOR_SIGNING_KEY is required in production when ANCHOR_POLICY is %q", c.AnchorPolicy)
	}

	if c.MaxItems <= 0 {
		return fmt.Errorf("MAX_ITEMS must be positive, got %d", c.MaxItems)
	}
	if c.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE_BYTES must be positive, got %d", c.MaxFileSizeBytes)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("MAX_ATTEMPTS must be positive, got %d", c.MaxAttempts)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("PIPELINE_CONCURRENCY must be positive, got %d", c.Concurrency)
	}
	if c.SaveMaxAttempts <= 0 || c.EnrichMaxAttempts <= 0 {
		return fmt.Errorf("SAVE_MAX_ATTEMPTS and ENRICH_MAX_ATTEMPTS must be positive")
	}

	return nil
}
