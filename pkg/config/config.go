// Package config loads eventguard settings from defaults, an optional YAML
// file and EVENTGUARD_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/hed1ad/eventguard/pkg/aggregate"
	"github.com/hed1ad/eventguard/pkg/archive"
	"github.com/hed1ad/eventguard/pkg/engine"
	"github.com/hed1ad/eventguard/pkg/logging"
	"github.com/hed1ad/eventguard/pkg/pipeline"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "EVENTGUARD_"

// PathEnvVar names the config file when no path is passed to Load.
const PathEnvVar = EnvPrefix + "CONFIG"

// DefaultPaths are searched in order when neither a path nor PathEnvVar is set.
var DefaultPaths = []string{
	"eventguard.yaml",
	"eventguard.yml",
	"/etc/eventguard/config.yaml",
}

// Config is the complete eventguard configuration.
type Config struct {
	Logging   logging.Config   `koanf:"logging"`
	Pipeline  pipeline.Config  `koanf:"pipeline"`
	Aggregate aggregate.Config `koanf:"aggregate"`
	Engine    engine.Config    `koanf:"engine"`
	Archive   archive.Config   `koanf:"archive"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging:   logging.DefaultConfig(),
		Pipeline:  pipeline.DefaultConfig(),
		Aggregate: aggregate.DefaultConfig(),
		Engine:    engine.DefaultConfig(),
		Archive:   archive.DefaultConfig(),
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error
	if !logging.ValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging: unknown level %q", c.Logging.Level))
	}
	if f := c.Logging.Format; f != "json" && f != "console" {
		errs = append(errs, fmt.Errorf("logging: format must be json or console, got %q", f))
	}
	if err := c.Pipeline.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pipeline: %w", err))
	}
	if err := c.Aggregate.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("aggregate: %w", err))
	}
	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	if err := c.Archive.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}
	return errors.Join(errs...)
}

// Load builds the configuration. An empty path falls back to PathEnvVar and
// then DefaultPaths; a missing default file is not an error, a missing
// explicit one is.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findFile()
	} else if _, err := os.Stat(path); err != nil {
		return Config{}, fmt.Errorf("config file: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKey maps EVENTGUARD_PIPELINE_MIN_EVENTS to pipeline.min_events. The
// first segment names the section; the rest is the key, underscores kept.
// Variables without a section, like EVENTGUARD_CONFIG, map to "" and are
// dropped.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, key, ok := strings.Cut(s, "_")
	if !ok || key == "" {
		return ""
	}
	return section + "." + key
}
