package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPaths are searched in order when neither an explicit path nor
// CONFIG_PATH is given.
var DefaultConfigPaths = []string{
	"gaetl.yaml",
	"gaetl.yml",
}

// DotEnvPath is the .env file loaded into the environment before the env layer.
var DotEnvPath = ".env"

// Load builds the configuration from defaults, the config file and the
// environment, then validates it.
//
// path, when non-empty, must exist; it takes priority over CONFIG_PATH and the
// default search.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(DotEnvPath); err != nil {
		return nil, err
	}

	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	configPath, err := findConfigFile(path)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadDotEnv copies a .env file into the process environment. A missing file is
// not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func findConfigFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file: %w", err)
		}
		return explicit, nil
	}
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath, nil
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// sliceConfigPaths are comma-separated when they come from the environment.
var sliceConfigPaths = []string{
	"db.key_columns",
	"metrics.tags",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"google_credentials_file": "ga.credentials_file",
	"ga_property_id":          "ga.property_id",
	"landing_begins_with":     "ga.landing_prefix",
	"last_days":               "ga.last_days",
	"ga_endpoint":             "ga.endpoint",
	"ga_timeout":              "ga.timeout",

	"db_kind":              "db.kind",
	"db_dsn":               "db.dsn",
	"db_host":              "db.host",
	"db_port":              "db.port",
	"db_user":              "db.user",
	"db_password":          "db.password",
	"db_database":          "db.database",
	"db_table":             "db.table",
	"db_key_columns":       "db.key_columns",
	"db_connect_timeout":   "db.connect_timeout",
	"db_statement_timeout": "db.statement_timeout",

	"export_dir":  "export.dir",
	"export_name": "export.name",
	"archive_url": "export.archive_url",

	"metrics_backend": "metrics.backend",
	"metrics_job":     "metrics.job",
	"pushgateway_url": "metrics.pushgateway_url",
	"metrics_tags":    "metrics.tags",

	"log_level":  "logging.level",
	"log_format": "logging.format",

	"schedule": "schedule",
}

// envTransformFunc maps an environment variable to its config path. Unmapped
// variables return "" and are skipped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
