// Package aliasing maps facility codes used by source systems to the canonical codes in the
// facility reference table.
//
// Different SIMPUS/SIMRS vendors emit different spellings for the same facility ("PKM-0012",
// "pkm_0012", "P3201012"). Aliases are read from an optional YAML file so operators can fix
// a feed without a deploy.
package aliasing

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sehatku-io/ingestor/internal/config"
)

type (
	// Config holds facility code alias configuration loaded from .ingestor.yaml.
	Config struct {
		// FacilityCodeAliases maps a source code to its canonical code. Exact match, case-insensitive.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		FacilityCodeAliases map[string]string `yaml:"facility_code_aliases"`

		// FacilityCodePatterns are tried in order when no exact alias matches.
		//nolint:tagliatelle // snake_case is intentional for YAML config files
		FacilityCodePatterns []Pattern `yaml:"facility_code_patterns"`
	}

	// Pattern rewrites codes matching Pattern into Canonical. See Resolver for the syntax.
	Pattern struct {
		Pattern   string `yaml:"pattern"`
		Canonical string `yaml:"canonical"`
	}
)

// DefaultConfigPath is the default location for the ingestor configuration file.
const DefaultConfigPath = ".ingestor.yaml"

// ConfigPathEnvVar is the environment variable name for custom config path.
const ConfigPathEnvVar = "INGESTOR_CONFIG_PATH"

func emptyConfig() *Config {
	return &Config{FacilityCodeAliases: make(map[string]string)}
}

// LoadConfig loads alias configuration from a YAML file at the given path.
//
// A missing, unreadable or invalid file yields an empty config and no error: aliasing is
// optional and the service must start without it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, continuing without aliases",
				slog.String("path", path))

			return emptyConfig(), nil
		}

		slog.Warn("Failed to read config file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return emptyConfig(), nil
	}

	if len(data) == 0 {
		return emptyConfig(), nil
	}

	cfg := emptyConfig()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file, continuing without aliases",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return emptyConfig(), nil
	}

	if cfg.FacilityCodeAliases == nil {
		cfg.FacilityCodeAliases = make(map[string]string)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path in INGESTOR_CONFIG_PATH, falling back to
// ".ingestor.yaml" in the working directory.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
