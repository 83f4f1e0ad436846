// Package config loads service configuration from an optional config.yaml,
// the environment and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/errs"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	CSLB      CSLBConfig      `mapstructure:"cslb"`
	LogLevel  string          `mapstructure:"log_level"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxUploadBytes  int64         `mapstructure:"max_upload_bytes"`
}

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	SlowThreshold   time.Duration `mapstructure:"slow_threshold"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// DSN renders the connection string for gorm.io/driver/postgres.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type IngestConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	Workers        int           `mapstructure:"workers"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

type ReconcileConfig struct {
	DryRun          bool   `mapstructure:"dry_run"`
	Workers         int    `mapstructure:"workers"`
	DescriptorsFile string `mapstructure:"descriptors_file"`
	Verify          bool   `mapstructure:"verify"`
}

type CSLBConfig struct {
	AgencyName string `mapstructure:"agency_name"`
	// AgencyByRegion resolves the agency id of CSLB records from the region of
	// their ZIP through the region_agency mapping set.
	AgencyByRegion bool `mapstructure:"agency_by_region"`
}

// envBindings maps the short environment names used in deployment to keys.
var envBindings = map[string]string{
	"server.addr":        "SERVER_ADDR",
	"database.host":      "DB_HOST",
	"database.port":      "DB_PORT",
	"database.name":      "DB_NAME",
	"database.user":      "DB_USER",
	"database.password":  "DB_PASSWORD",
	"database.sslmode":   "DB_SSLMODE",
	"ingest.batch_size":  "BATCH_SIZE",
	"ingest.max_retries": "MAX_RETRIES",
	"reconcile.dry_run":  "DRY_RUN",
	"log_level":          "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.max_upload_bytes", 512<<20)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "collectors")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.slow_threshold", "2s")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("ingest.batch_size", 5000)
	v.SetDefault("ingest.max_retries", 3)
	v.SetDefault("ingest.workers", 1)
	v.SetDefault("ingest.batch_timeout", "60s")
	v.SetDefault("ingest.backoff_initial", "500ms")
	v.SetDefault("ingest.backoff_max", "30s")

	v.SetDefault("reconcile.dry_run", false)
	v.SetDefault("reconcile.workers", 1)
	v.SetDefault("reconcile.descriptors_file", "config/reconciliation.yaml")
	v.SetDefault("reconcile.verify", true)

	v.SetDefault("cslb.agency_name", "Contractors State Licensing Board")
	v.SetDefault("cslb.agency_by_region", true)
	v.SetDefault("log_level", "info")
}

// Load reads configuration. A missing config file is not an error.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Ingest.BatchSize <= 0:
		return errs.Structuralf("config", "ingest.batch_size must be positive, got %d", c.Ingest.BatchSize)
	case c.Ingest.MaxRetries < 0:
		return errs.Structuralf("config", "ingest.max_retries must not be negative, got %d", c.Ingest.MaxRetries)
	case c.Ingest.Workers <= 0:
		return errs.Structuralf("config", "ingest.workers must be positive, got %d", c.Ingest.Workers)
	case c.Reconcile.Workers <= 0:
		return errs.Structuralf("config", "reconcile.workers must be positive, got %d", c.Reconcile.Workers)
	case c.Ingest.BackoffInitial <= 0 || c.Ingest.BackoffMax < c.Ingest.BackoffInitial:
		return errs.Structuralf("config", "ingest backoff must satisfy 0 < initial <= max")
	}
	return nil
}
