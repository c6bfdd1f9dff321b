package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the runtime configuration for the validation server.
type Config struct {
	Port                     string   `mapstructure:"PORT"`
	Env                      string   `mapstructure:"APP_ENV"`
	LogLevel                 string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL              string   `mapstructure:"DATABASE_URL"`
	DBMaxConns               int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns               int32    `mapstructure:"DB_MIN_CONNS"`
	FHIRServerURL            string   `mapstructure:"FHIR_SERVER_URL"`
	TerminologyDefaultBase   string   `mapstructure:"TERMINOLOGY_DEFAULT_BASE"`
	MaxConcurrentValidations int      `mapstructure:"MAX_CONCURRENT_VALIDATIONS"`
	BulkBatchSize            int      `mapstructure:"BULK_BATCH_SIZE"`
	BulkTypeCeiling          int      `mapstructure:"BULK_TYPE_CEILING"`
	ValidScoreThreshold      int      `mapstructure:"VALID_SCORE_THRESHOLD"`
	CORSOrigins              []string `mapstructure:"CORS_ORIGINS"`
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("TERMINOLOGY_DEFAULT_BASE", "https://tx.fhir.org")
	v.SetDefault("MAX_CONCURRENT_VALIDATIONS", 8)
	v.SetDefault("BULK_BATCH_SIZE", 20)
	v.SetDefault("BULK_TYPE_CEILING", 50000)
	v.SetDefault("VALID_SCORE_THRESHOLD", 95)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("APP_ENV")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("FHIR_SERVER_URL")
	v.BindEnv("TERMINOLOGY_DEFAULT_BASE")
	v.BindEnv("MAX_CONCURRENT_VALIDATIONS")
	v.BindEnv("BULK_BATCH_SIZE")
	v.BindEnv("BULK_TYPE_CEILING")
	v.BindEnv("VALID_SCORE_THRESHOLD")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// IsDev reports whether the server runs in development mode. Development
// mode switches logging to the console writer and enables SSE test
// messages on the event stream.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run with.
func (c *Config) Validate() error {
	if c.MaxConcurrentValidations <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_VALIDATIONS must be positive, got %d", c.MaxConcurrentValidations)
	}
	if c.BulkBatchSize <= 0 {
		return fmt.Errorf("BULK_BATCH_SIZE must be positive, got %d", c.BulkBatchSize)
	}
	if c.BulkTypeCeiling < 0 {
		return fmt.Errorf("BULK_TYPE_CEILING must not be negative, got %d", c.BulkTypeCeiling)
	}
	if c.ValidScoreThreshold < 0 || c.ValidScoreThreshold > 100 {
		return fmt.Errorf("VALID_SCORE_THRESHOLD must be within 0..100, got %d", c.ValidScoreThreshold)
	}
	return nil
}
