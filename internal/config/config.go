package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// LogConfig holds logger configuration
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"omitempty,oneof=json console"`
}

// PathsConfig holds the on-disk locations of pipeline inputs and outputs
type PathsConfig struct {
	Catalog string `mapstructure:"catalog" validate:"required"`
	RawDir  string `mapstructure:"raw_dir" validate:"required"`
	WorkDir string `mapstructure:"work_dir" validate:"required"`
}

// DatabaseConfig holds match store configuration
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required"`
	Debug  bool   `mapstructure:"debug"`
}

// FetchConfig holds fetcher configuration
type FetchConfig struct {
	Workers       int           `mapstructure:"workers" validate:"min=1,max=64"`
	Timeout       time.Duration `mapstructure:"timeout" validate:"gt=0"`
	UserAgent     string        `mapstructure:"user_agent"`
	RateLimitFile string        `mapstructure:"rate_limit_file"` // per-host budgets, optional
}

// ReconcileConfig holds schema reconciliation configuration
type ReconcileConfig struct {
	SchemaFile        string  `mapstructure:"schema_file"` // empty uses the embedded schema
	MaxFailedRowRatio float64 `mapstructure:"max_failed_row_ratio" validate:"gte=0,lte=1"`
	Workers           int     `mapstructure:"workers" validate:"min=1,max=64"`
}

// CleanConfig holds cleaner configuration
type CleanConfig struct {
	TeamsFile     string   `mapstructure:"teams_file"` // empty uses the embedded dictionary
	AllowUnlisted bool     `mapstructure:"allow_unlisted"`
	DateLayouts   []string `mapstructure:"date_layouts"`
}

// LoadConfig holds loader configuration
type LoadConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" validate:"min=0,max=20"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gtefield=InitialBackoff"`
}

// Config is the full ingester configuration
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Clean     CleanConfig     `mapstructure:"clean"`
	Load      LoadConfig      `mapstructure:"load"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads config.yaml (or configFile), .env files from envPath and
// INGESTER_* environment variables, in increasing precedence.
func Load(configFile string, envPath string) (*Config, error) {
	v := configureViper(configFile, envPath)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("paths.catalog", "config/catalog.csv")
	v.SetDefault("paths.raw_dir", "data/raw")
	v.SetDefault("paths.work_dir", "data/work")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:data/ingester.db")
	v.SetDefault("database.debug", false)
	v.SetDefault("fetch.workers", 4)
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.user_agent", "socascores-ingester/1.0")
	v.SetDefault("reconcile.max_failed_row_ratio", 0.5)
	v.SetDefault("reconcile.workers", 4)
	v.SetDefault("clean.allow_unlisted", false)
	v.SetDefault("load.max_retries", 3)
	v.SetDefault("load.initial_backoff", "200ms")
	v.SetDefault("load.max_backoff", "5s")
}

// configureViper returns a viper instance with the config file and environment variables set
func configureViper(configFile string, envPath string) *viper.Viper {
	v := viper.New()

	loadEnv(envPath)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config/")
	}

	v.SetEnvPrefix("INGESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal only sees env vars for keys viper knows about.
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	return v
}

var envKeys = []string{
	"log.level",
	"log.format",
	"paths.catalog",
	"paths.raw_dir",
	"paths.work_dir",
	"database.driver",
	"database.dsn",
	"database.debug",
	"fetch.workers",
	"fetch.timeout",
	"fetch.user_agent",
	"fetch.rate_limit_file",
	"reconcile.schema_file",
	"reconcile.max_failed_row_ratio",
	"reconcile.workers",
	"clean.teams_file",
	"clean.allow_unlisted",
	"clean.date_layouts",
	"load.max_retries",
	"load.initial_backoff",
	"load.max_backoff",
}

// loadEnv loads .env then .env.local from envPath, later files winning.
func loadEnv(envPath string) {
	if envPath == "" {
		envPath = "config/"
	}
	for _, envFile := range []string{".env", ".env.local"} {
		_ = godotenv.Overload(filepath.Join(envPath, envFile))
	}
}
