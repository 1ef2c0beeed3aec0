package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seedline/flock/internal/otel"
)

// TelegramConfig holds the broadcast channel settings. The chat id names
// the group or channel the flock posts into and reads criticism from.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// FunnelConfig holds the conversion funnel tunables. Zero values are
// replaced with defaults in normalize.
type FunnelConfig struct {
	// BeliefThreshold is the minimum belief score for the awareness to
	// belief transition.
	BeliefThreshold float64 `yaml:"belief_threshold"`

	// GraceMinutes is how long a new agent has to reach the belief stage
	// before its deadline escalates.
	GraceMinutes int `yaml:"grace_minutes"`

	// CooldownMinutes is the minimum idle time before an agent becomes a
	// missionary target again.
	CooldownMinutes int `yaml:"cooldown_minutes"`

	// OpportunityCeiling excludes agents at or above this belief score
	// from missionary targeting.
	OpportunityCeiling float64 `yaml:"opportunity_ceiling"`

	// SeedAgentID names the founding evangelist, exempt from reminders.
	SeedAgentID   string `yaml:"seed_agent_id"`
	SeedAgentName string `yaml:"seed_agent_name"`
}

// EnforceConfig holds the enforcement loop tunables.
type EnforceConfig struct {
	PostQuota       int    `yaml:"post_quota"`
	ReplyQuota      int    `yaml:"reply_quota"`
	InactivityHours int    `yaml:"inactivity_hours"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	DigestCron      string `yaml:"digest_cron"` // 5-field cron, "off" disables
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Funnel   FunnelConfig   `yaml:"funnel"`
	Enforce  EnforceConfig  `yaml:"enforce"`
	Channels ChannelsConfig `yaml:"channels"`
	OTel     otel.Config    `yaml:"otel"`

	// NeedsGenesis is true when no config.yaml existed and defaults were
	// written for the first run.
	NeedsGenesis bool `yaml:"-"`
}

// GraceWindow returns the stage deadline grace as a duration.
func (c Config) GraceWindow() time.Duration {
	return time.Duration(c.Funnel.GraceMinutes) * time.Minute
}

// CooldownWindow returns the missionary targeting cooldown as a duration.
func (c Config) CooldownWindow() time.Duration {
	return time.Duration(c.Funnel.CooldownMinutes) * time.Minute
}

// InactivityWindow returns the heartbeat staleness cutoff as a duration.
func (c Config) InactivityWindow() time.Duration {
	return time.Duration(c.Enforce.InactivityHours) * time.Hour
}

// Interval returns the reconciliation tick interval as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.Enforce.IntervalSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active tunables, logged on
// reload so operators can tell which config a run used.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|posts=%d|replies=%d|grace=%d|idle=%d|tick=%d|threshold=%g|seed=%s|digest=%s",
		c.LogLevel, c.Enforce.PostQuota, c.Enforce.ReplyQuota, c.Funnel.GraceMinutes,
		c.Enforce.InactivityHours, c.Enforce.IntervalSeconds, c.Funnel.BeliefThreshold,
		c.Funnel.SeedAgentID, c.Enforce.DigestCron)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Funnel: FunnelConfig{
			BeliefThreshold:    0.3,
			GraceMinutes:       5,
			CooldownMinutes:    30,
			OpportunityCeiling: 0.7,
			SeedAgentID:        "prophet",
			SeedAgentName:      "The Prophet",
		},
		Enforce: EnforceConfig{
			PostQuota:       10,
			ReplyQuota:      7,
			InactivityHours: 6,
			IntervalSeconds: 60,
			DigestCron:      "0 0 * * *",
		},
	}
}

// HomeDir resolves the flock home directory. FLOCK_HOME overrides the
// default ~/.flock.
func HomeDir() string {
	if override := os.Getenv("FLOCK_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".flock")
}

// Load reads config.yaml from the flock home, applying defaults and env
// overrides. A missing file is not an error: defaults are written back so
// the first run leaves an editable config behind.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory, used by tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create flock home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
			if err := cfg.Save(); err != nil {
				return cfg, err
			}
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Save writes the config back to config.yaml in the home directory.
func (c Config) Save() error {
	out, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(ConfigPath(c.HomeDir), out, 0o644)
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Funnel.BeliefThreshold <= 0 || cfg.Funnel.BeliefThreshold > 1 {
		cfg.Funnel.BeliefThreshold = 0.3
	}
	if cfg.Funnel.GraceMinutes <= 0 {
		cfg.Funnel.GraceMinutes = 5
	}
	if cfg.Funnel.CooldownMinutes <= 0 {
		cfg.Funnel.CooldownMinutes = 30
	}
	if cfg.Funnel.OpportunityCeiling <= 0 || cfg.Funnel.OpportunityCeiling > 1 {
		cfg.Funnel.OpportunityCeiling = 0.7
	}
	if cfg.Funnel.SeedAgentID == "" {
		cfg.Funnel.SeedAgentID = "prophet"
	}
	if cfg.Funnel.SeedAgentName == "" {
		cfg.Funnel.SeedAgentName = "The Prophet"
	}
	if cfg.Enforce.PostQuota <= 0 {
		cfg.Enforce.PostQuota = 10
	}
	if cfg.Enforce.ReplyQuota <= 0 {
		cfg.Enforce.ReplyQuota = 7
	}
	if cfg.Enforce.InactivityHours <= 0 {
		cfg.Enforce.InactivityHours = 6
	}
	if cfg.Enforce.IntervalSeconds <= 0 {
		cfg.Enforce.IntervalSeconds = 60
	}
	if cfg.Enforce.DigestCron == "" {
		cfg.Enforce.DigestCron = "0 0 * * *"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("FLOCK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("FLOCK_POST_QUOTA"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Enforce.PostQuota = v
		}
	}
	if raw := os.Getenv("FLOCK_REPLY_QUOTA"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Enforce.ReplyQuota = v
		}
	}
	if raw := os.Getenv("FLOCK_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Enforce.IntervalSeconds = v
		}
	}
	if raw := os.Getenv("FLOCK_SEED_AGENT"); raw != "" {
		cfg.Funnel.SeedAgentID = raw
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("TELEGRAM_CHAT_ID"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Channels.Telegram.ChatID = v
		}
	}
}
