// Package config loads the process configuration once at start-up.
//
// Precedence, lowest to highest:
//
//  1. built-in defaults (defaultConfig)
//  2. an optional YAML file (CONFIG_PATH, or gaetl.yaml / gaetl.yml in the
//     working directory)
//  3. environment variables, after a .env file in the working directory has
//     been loaded into the environment (existing variables win over .env)
//
// The environment names are the ones the job has always used (GA_PROPERTY_ID,
// DB_HOST, LAST_DAYS, ...); see envMappings.
package config

import (
	"time"

	"gaetl/internal/storage"
)

// Config is the whole application configuration.
type Config struct {
	GA       GAConfig      `koanf:"ga"`
	DB       DBConfig      `koanf:"db"`
	Export   ExportConfig  `koanf:"export"`
	Metrics  MetricsConfig `koanf:"metrics"`
	Logging  LoggingConfig `koanf:"logging"`
	Schedule string        `koanf:"schedule" validate:"omitempty,cronspec"`
}

// GAConfig selects the Analytics property and the report window.
type GAConfig struct {
	CredentialsFile string `koanf:"credentials_file"`
	PropertyID      string `koanf:"property_id" validate:"omitempty,numeric"`
	LandingPrefix   string `koanf:"landing_prefix"`
	LastDays        int    `koanf:"last_days" validate:"min=1,max=3650"`

	// Endpoint overrides the Data API base URL.
	Endpoint string        `koanf:"endpoint" validate:"omitempty,url"`
	Timeout  time.Duration `koanf:"timeout"`
}

// DBConfig is the destination database.
type DBConfig struct {
	Kind     string `koanf:"kind" validate:"required,oneof=mysql postgres sqlite mssql"`
	DSN      string `koanf:"dsn"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port" validate:"min=0,max=65535"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Database string `koanf:"database" validate:"required_without=DSN"`

	Table      string   `koanf:"table" validate:"required"`
	KeyColumns []string `koanf:"key_columns"`

	ConnectTimeout   time.Duration `koanf:"connect_timeout"`
	StatementTimeout time.Duration `koanf:"statement_timeout"`
}

// ExportConfig controls the dated CSV export and its optional archive copy.
type ExportConfig struct {
	Dir  string `koanf:"dir" validate:"required"`
	Name string `koanf:"name" validate:"required"`

	// ArchiveURL is s3://bucket/prefix, gs://bucket/prefix or
	// azblob://container/prefix. Empty disables archiving.
	ArchiveURL string `koanf:"archive_url" validate:"omitempty,url"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	Backend        string   `koanf:"backend" validate:"oneof=none datadog pushgateway"`
	Job            string   `koanf:"job"`
	PushgatewayURL string   `koanf:"pushgateway_url" validate:"omitempty,url"`
	Tags           []string `koanf:"tags"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

func defaultConfig() *Config {
	return &Config{
		GA: GAConfig{
			LastDays: 30,
			Timeout:  60 * time.Second,
		},
		DB: DBConfig{
			Kind:             "mysql",
			Host:             "localhost",
			Table:            "google_organic_analytics_data",
			ConnectTimeout:   10 * time.Second,
			StatementTimeout: 30 * time.Second,
		},
		Export: ExportConfig{
			Dir:  "data",
			Name: "google_organic_analytics_data",
		},
		Metrics: MetricsConfig{
			Backend: "none",
			Job:     "gaetl",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Storage returns the connection parameters for storage.Open.
func (c *Config) Storage() storage.Config {
	return storage.Config{
		Kind:             c.DB.Kind,
		DSN:              c.DB.DSN,
		Host:             c.DB.Host,
		Port:             c.DB.Port,
		User:             c.DB.User,
		Password:         c.DB.Password,
		Database:         c.DB.Database,
		ConnectTimeout:   c.DB.ConnectTimeout,
		StatementTimeout: c.DB.StatementTimeout,
	}
}
