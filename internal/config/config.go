// Package config loads the replica engine's target list and global
// settings, grounded on the teacher's pkg/config/properties.go
// flag-then-YAML merge order.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/downfa11-org/replicad/internal/logx"
)

// Target is one source-to-database replication pairing.
type Target struct {
	Name              string        `yaml:"name"`
	SourceDir         string        `yaml:"source_dir"`
	TargetDSN         string        `yaml:"target_dsn"`
	SourceGUID        string        `yaml:"source_guid"` // optional; empty means "accept the first GUID seen"
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ApplyErrorTimeout time.Duration `yaml:"apply_error_timeout"`
	PreserveMode      bool          `yaml:"preserve_mode"`
	StrictMode        bool          `yaml:"strict_mode"`
}

// ParsedSourceGUID parses SourceGUID, returning uuid.Nil when unset. A nil
// GUID tells the Replay Engine to accept the first source GUID it observes
// in the source directory and pin to it from then on (config.go's
// "accept the first GUID seen"), rather than manufacturing an arbitrary
// GUID that would never match any real segment.
func (t Target) ParsedSourceGUID() (uuid.UUID, error) {
	if strings.TrimSpace(t.SourceGUID) == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(t.SourceGUID)
}

// Config is the top-level configuration: the target list plus global
// process settings.
type Config struct {
	Targets []Target `yaml:"targets"`

	ExporterPort   int        `yaml:"exporter_port"`
	EnableExporter bool       `yaml:"enable_exporter"`
	LogLevel       logx.Level `yaml:"log_level"`
}

// LoadConfig parses flags, merges an optional YAML file, then re-applies
// any flag whose value differs from its default so CLI overrides win; a
// flag passed with its default value does not override the file
// (mirrors the teacher's applyDefaults -> YAML merge -> applyExplicitFlags
// order).
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	configPath := flag.String("config", "", "Path to YAML config file")
	exporterStr := flag.String("exporter", "true", "Enable Prometheus exporter")
	exporterPortStr := flag.String("exporter-port", "9100", "Exporter port")
	logLevelStr := flag.String("log-level", "info", "Log level (debug, info, warn, error)")

	if envPath := os.Getenv("REPLICAD_CONFIG"); envPath != "" && *configPath == "" {
		*configPath = envPath
	}

	flag.Parse()

	applyDefaults(cfg, exporterStr, exporterPortStr, logLevelStr)

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", *configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", *configPath, err)
		}
	}

	applyExplicitFlags(cfg, exporterStr, exporterPortStr, logLevelStr)

	cfg.Normalize()
	logx.SetLevel(cfg.LogLevel)

	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("config: no targets configured")
	}
	for i, t := range cfg.Targets {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("config: target %d missing name", i)
		}
		if strings.TrimSpace(t.SourceDir) == "" {
			return nil, fmt.Errorf("config: target %q missing source_dir", t.Name)
		}
	}

	return cfg, nil
}

func applyDefaults(cfg *Config, exporterStr, exporterPortStr, logLevelStr *string) {
	if exporter, err := strconv.ParseBool(*exporterStr); err == nil {
		cfg.EnableExporter = exporter
	}
	if port, err := strconv.Atoi(*exporterPortStr); err == nil {
		cfg.ExporterPort = port
	}
	cfg.LogLevel = parseLevelName(*logLevelStr)
}

func applyExplicitFlags(cfg *Config, exporterStr, exporterPortStr, logLevelStr *string) {
	if *exporterStr != "true" {
		if exporter, err := strconv.ParseBool(*exporterStr); err == nil {
			cfg.EnableExporter = exporter
		}
	}
	if *exporterPortStr != "9100" {
		if port, err := strconv.Atoi(*exporterPortStr); err == nil {
			cfg.ExporterPort = port
		}
	}
	if *logLevelStr != "info" {
		cfg.LogLevel = parseLevelName(*logLevelStr)
	}
}

func parseLevelName(s string) logx.Level {
	switch strings.ToLower(s) {
	case "debug":
		return logx.LevelDebug
	case "warn", "warning":
		return logx.LevelWarn
	case "error":
		return logx.LevelError
	default:
		return logx.LevelInfo
	}
}

// Normalize fills in defaults for zero-valued fields.
func (cfg *Config) Normalize() {
	if cfg.ExporterPort <= 0 {
		cfg.ExporterPort = 9100
	}
	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		if t.IdleTimeout <= 0 {
			t.IdleTimeout = 2 * time.Second
		}
		if t.ApplyErrorTimeout <= 0 {
			t.ApplyErrorTimeout = 10 * time.Second
		}
	}
}
