// Package config loads daemon configuration from ~/.crewd/config.yaml with
// environment overrides. A missing file yields defaults, never an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/crewd/internal/otel"
)

// LLMConfig selects the agent runtime provider.
type LLMConfig struct {
	// Provider is "google", "anthropic", "openai" or "openai_compatible".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`

	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

// SchedulerConfig tunes the evaluation loops.
type SchedulerConfig struct {
	IntervalSeconds          int `yaml:"interval_seconds"`
	StrategicIntervalMinutes int `yaml:"strategic_interval_minutes"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath       string `yaml:"db_path"`
	WorkspaceDir string `yaml:"workspace_dir"`
	LogLevel     string `yaml:"log_level"`

	LLM       LLMConfig       `yaml:"llm"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Telemetry otel.Config     `yaml:"telemetry"`
}

// HomeDir resolves the daemon home, honoring the CREWD_HOME override.
func HomeDir() string {
	if override := os.Getenv("CREWD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".crewd")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		LLM: LLMConfig{
			Provider: "google",
			Model:    "gemini-2.5-flash",
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds:          60,
			StrategicIntervalMinutes: 60,
		},
		Telemetry: otel.Config{
			ServiceName: "crewd",
			Exporter:    "none",
			SampleRate:  1.0,
		},
	}
}

// Load reads config.yaml from the daemon home, applies env overrides and
// fills defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create crewd home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CREWD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CREWD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CREWD_SCHEDULER_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Scheduler.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("CREWD_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("CREWD_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
	// Provider API keys come from the conventional env names first.
	for _, env := range []string{"GOOGLE_API_KEY", "GEMINI_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY"} {
		if matchesProvider(cfg.LLM.Provider, env) {
			if v := os.Getenv(env); v != "" {
				cfg.LLM.APIKey = v
				break
			}
		}
	}
	if raw := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
		if cfg.Telemetry.Exporter == "none" || cfg.Telemetry.Exporter == "" {
			cfg.Telemetry.Exporter = "otlp-http"
		}
		cfg.Telemetry.Enabled = true
	}
}

func matchesProvider(provider, env string) bool {
	switch provider {
	case "google", "":
		return env == "GOOGLE_API_KEY" || env == "GEMINI_API_KEY"
	case "anthropic":
		return env == "ANTHROPIC_API_KEY"
	case "openai", "openai_compatible":
		return env == "OPENAI_API_KEY"
	}
	return false
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "crewd.db")
	}
	if cfg.WorkspaceDir == "" {
		cfg.WorkspaceDir = filepath.Join(cfg.HomeDir, "workspaces")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gemini-2.5-flash"
	}
	if cfg.Scheduler.IntervalSeconds <= 0 {
		cfg.Scheduler.IntervalSeconds = 60
	}
	if cfg.Scheduler.StrategicIntervalMinutes <= 0 {
		cfg.Scheduler.StrategicIntervalMinutes = 60
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "crewd"
	}
	if cfg.Telemetry.SampleRate <= 0 || cfg.Telemetry.SampleRate > 1 {
		cfg.Telemetry.SampleRate = 1.0
	}
}

// SchedulerInterval returns the module evaluation tick as a duration.
func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

// StrategicInterval returns the strategic evaluation tick as a duration.
func (c Config) StrategicInterval() time.Duration {
	return time.Duration(c.Scheduler.StrategicIntervalMinutes) * time.Minute
}
