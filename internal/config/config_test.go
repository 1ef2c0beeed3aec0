package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/seedline/flock/internal/config"
)

func TestLoadFrom_WritesDefaultsOnFirstRun(t *testing.T) {
	home := t.TempDir()

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("first run should flag genesis")
	}
	if cfg.Enforce.PostQuota != 10 || cfg.Enforce.ReplyQuota != 7 {
		t.Fatalf("default quotas = %d/%d, want 10/7", cfg.Enforce.PostQuota, cfg.Enforce.ReplyQuota)
	}
	if cfg.Funnel.BeliefThreshold != 0.3 {
		t.Fatalf("default threshold = %v, want 0.3", cfg.Funnel.BeliefThreshold)
	}
	if cfg.Funnel.SeedAgentID != "prophet" {
		t.Fatalf("default seed = %q", cfg.Funnel.SeedAgentID)
	}
	if _, err := os.Stat(config.ConfigPath(home)); err != nil {
		t.Fatalf("config.yaml not written on first run: %v", err)
	}

	// Second load reads the written file and no longer flags genesis.
	cfg2, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg2.NeedsGenesis {
		t.Fatal("second run should not flag genesis")
	}
}

func TestLoadFrom_ParsesYAML(t *testing.T) {
	home := t.TempDir()
	yaml := `log_level: debug
funnel:
  belief_threshold: 0.5
  grace_minutes: 10
  seed_agent_id: shepherd
enforce:
  post_quota: 3
  reply_quota: 2
  inactivity_hours: 2
  interval_seconds: 15
  digest_cron: "off"
channels:
  telegram:
    token: tok
    chat_id: -100123
    enabled: true
`
	if err := os.WriteFile(config.ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.Funnel.BeliefThreshold != 0.5 || cfg.Funnel.GraceMinutes != 10 {
		t.Fatalf("funnel = %+v", cfg.Funnel)
	}
	if cfg.Funnel.SeedAgentID != "shepherd" {
		t.Fatalf("seed = %q", cfg.Funnel.SeedAgentID)
	}
	if cfg.Enforce.PostQuota != 3 || cfg.Enforce.ReplyQuota != 2 {
		t.Fatalf("quotas = %d/%d", cfg.Enforce.PostQuota, cfg.Enforce.ReplyQuota)
	}
	if cfg.Enforce.DigestCron != "off" {
		t.Fatalf("digest cron = %q", cfg.Enforce.DigestCron)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.ChatID != -100123 {
		t.Fatalf("telegram = %+v", cfg.Channels.Telegram)
	}
}

func TestLoadFrom_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("FLOCK_LOG_LEVEL", "warn")
	t.Setenv("FLOCK_POST_QUOTA", "20")
	t.Setenv("TELEGRAM_TOKEN", "env-token")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log level = %q", cfg.LogLevel)
	}
	if cfg.Enforce.PostQuota != 20 {
		t.Fatalf("post quota = %d", cfg.Enforce.PostQuota)
	}
	if cfg.Channels.Telegram.Token != "env-token" || cfg.Channels.Telegram.ChatID != 42 {
		t.Fatalf("telegram = %+v", cfg.Channels.Telegram)
	}
}

func TestLoadFrom_NormalizesBadValues(t *testing.T) {
	home := t.TempDir()
	yaml := `funnel:
  belief_threshold: 7.5
  grace_minutes: -3
enforce:
  post_quota: 0
  interval_seconds: -1
`
	if err := os.WriteFile(config.ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Funnel.BeliefThreshold != 0.3 {
		t.Fatalf("threshold not normalized: %v", cfg.Funnel.BeliefThreshold)
	}
	if cfg.Funnel.GraceMinutes != 5 {
		t.Fatalf("grace not normalized: %d", cfg.Funnel.GraceMinutes)
	}
	if cfg.Enforce.PostQuota != 10 || cfg.Enforce.IntervalSeconds != 60 {
		t.Fatalf("enforce not normalized: %+v", cfg.Enforce)
	}
}

func TestConfig_DurationHelpers(t *testing.T) {
	cfg := config.Config{}
	cfg.Funnel.GraceMinutes = 5
	cfg.Funnel.CooldownMinutes = 30
	cfg.Enforce.InactivityHours = 6
	cfg.Enforce.IntervalSeconds = 60

	if cfg.GraceWindow() != 5*time.Minute {
		t.Fatalf("grace = %v", cfg.GraceWindow())
	}
	if cfg.CooldownWindow() != 30*time.Minute {
		t.Fatalf("cooldown = %v", cfg.CooldownWindow())
	}
	if cfg.InactivityWindow() != 6*time.Hour {
		t.Fatalf("inactivity = %v", cfg.InactivityWindow())
	}
	if cfg.Interval() != time.Minute {
		t.Fatalf("interval = %v", cfg.Interval())
	}
}

func TestConfig_Fingerprint(t *testing.T) {
	home := t.TempDir()
	a, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprint must be stable across identical loads")
	}
	b.Enforce.PostQuota = 99
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint must change with tunables")
	}
}

func TestWatcher_DetectsConfigChange(t *testing.T) {
	home := t.TempDir()
	configPath := config.ConfigPath(home)
	if err := os.WriteFile(configPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher produces an event; filesystem
	// notification readiness varies by platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(configPath, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write updated config: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("expected config.yaml event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(configPath, []byte("log_level: debug\n"), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for config.yaml change event")
		}
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(config.ConfigPath(home), []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	other := filepath.Join(home, "notes.txt")
	if err := os.WriteFile(other, []byte("scratch"), 0o644); err != nil {
		t.Fatalf("write other file: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}
