// Package config loads service configuration from YAML with environment
// overrides for secrets and deploy-specific paths.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Port       int    `yaml:"port" validate:"required,min=1,max=65535"`
	DBPath     string `yaml:"db_path" validate:"required"`
	AdminKey   string `yaml:"admin_key"`
	LogLevel   string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	ArchiveDir string `yaml:"archive_dir"`

	LLM   LLM   `yaml:"llm"`
	Story Story `yaml:"story"`
	Jobs  Jobs  `yaml:"jobs"`
}

// LLM configures the generation-service client. The API key comes only from
// the environment, never from the file.
type LLM struct {
	APIKey         string  `yaml:"-"`
	Model          string  `yaml:"model" validate:"required"`
	MaxPerMinute   int     `yaml:"max_per_minute" validate:"min=1"`
	MaxInFlight    int     `yaml:"max_in_flight" validate:"min=1"`
	Retries        int     `yaml:"retries" validate:"min=0,max=10"`
	TimeoutSeconds int     `yaml:"timeout_seconds" validate:"min=1"`
	Temperature    float64 `yaml:"temperature" validate:"min=0,max=1"`
}

// Story tunes the narrative pipeline gates and budgets.
type Story struct {
	MaxPassages       int `yaml:"max_passages" validate:"min=1"`
	MinMessages       int `yaml:"min_messages" validate:"min=1"`
	MinConversation   int `yaml:"min_conversation" validate:"min=1"`
	CooldownSeconds   int `yaml:"cooldown_seconds" validate:"min=0"`
	SummaryEvery      int `yaml:"summary_every" validate:"min=1"`
	DraftDelaySeconds int `yaml:"draft_delay_seconds" validate:"min=0"`
	RecentWindow      int `yaml:"recent_window" validate:"min=1"`
}

// Jobs tunes the background task runner.
type Jobs struct {
	Workers               int `yaml:"workers" validate:"min=1"`
	PollIntervalMillis    int `yaml:"poll_interval_ms" validate:"min=10"`
	LeaseSeconds          int `yaml:"lease_seconds" validate:"min=1"`
	MaxAttempts           int `yaml:"max_attempts" validate:"min=1"`
	VacuumIntervalMinutes int `yaml:"vacuum_interval_minutes" validate:"min=1"`
}

// Default returns a runnable configuration. Load starts from it and lets the
// file and environment override.
func Default() Config {
	return Config{
		Port:     8080,
		DBPath:   "storyloom.db",
		LogLevel: "info",
		LLM: LLM{
			Model:          "claude-3-5-haiku-latest",
			MaxPerMinute:   30,
			MaxInFlight:    4,
			Retries:        2,
			TimeoutSeconds: 30,
			Temperature:    0.8,
		},
		Story: Story{
			MaxPassages:       12,
			MinMessages:       3,
			MinConversation:   2,
			CooldownSeconds:   30,
			SummaryEvery:      10,
			DraftDelaySeconds: 5,
			RecentWindow:      3,
		},
		Jobs: Jobs{
			Workers:               2,
			PollIntervalMillis:    250,
			LeaseSeconds:          60,
			MaxAttempts:           5,
			VacuumIntervalMinutes: 15,
		},
	}
}

// Load reads the YAML file at path if it exists, applies environment
// overrides, and validates the result. A missing file is not an error — the
// defaults run as-is.
func Load(path string) (Config, error) {
	// .env is a convenience for local runs; absence is fine.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to defaults
		default:
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := validator.New().Struct(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.LLM.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	if v := os.Getenv("STORYLOOM_ADMIN_KEY"); v != "" {
		c.AdminKey = v
	}
	if v := os.Getenv("STORYLOOM_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("STORYLOOM_DB"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("STORYLOOM_ARCHIVE_DIR"); v != "" {
		c.ArchiveDir = v
	}
	if v := os.Getenv("STORYLOOM_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Duration accessors so the rest of the code never re-derives units.

func (s Story) Cooldown() time.Duration   { return time.Duration(s.CooldownSeconds) * time.Second }
func (s Story) DraftDelay() time.Duration { return time.Duration(s.DraftDelaySeconds) * time.Second }

func (j Jobs) PollInterval() time.Duration { return time.Duration(j.PollIntervalMillis) * time.Millisecond }
func (j Jobs) Lease() time.Duration        { return time.Duration(j.LeaseSeconds) * time.Second }
func (j Jobs) VacuumInterval() time.Duration {
	return time.Duration(j.VacuumIntervalMinutes) * time.Minute
}

func (l LLM) Timeout() time.Duration { return time.Duration(l.TimeoutSeconds) * time.Second }

// SlogLevel maps the configured level onto slog's scale.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
