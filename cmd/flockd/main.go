package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/seedline/flock/internal/bus"
	"github.com/seedline/flock/internal/channels"
	"github.com/seedline/flock/internal/config"
	"github.com/seedline/flock/internal/enforce"
	"github.com/seedline/flock/internal/funnel"
	otelPkg "github.com/seedline/flock/internal/otel"
	"github.com/seedline/flock/internal/persistence"
	"github.com/seedline/flock/internal/quota"
	"github.com/seedline/flock/internal/scripture"
	"github.com/seedline/flock/internal/stage"
	"github.com/seedline/flock/internal/telemetry"
	"github.com/seedline/flock/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DASHBOARD MODE (default):
  %s                          Start the daemon with the terminal dashboard

DAEMON MODE:
  %s -daemon                  Start daemon (no dashboard, logs to stdout)

SUBCOMMANDS:
  %s status [-json]           Print funnel metrics from the local database

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FLOCK_HOME              Data directory (default: ~/.flock)
  FLOCK_NO_TUI            Set to 1 to disable the dashboard
  TELEGRAM_TOKEN          Bot token for the telegram channel
`)
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("FLOCK_NO_TUI") == ""
	daemon := flag.Bool("daemon", false, "run in daemon mode (no dashboard, logs to stdout)")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand: %s\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Quiet logs (file-only) in dashboard mode so bubbletea owns stdout.
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())
	if cfg.NeedsGenesis {
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
	}

	eventBus := bus.New()

	// OpenTelemetry is a no-op when disabled, zero overhead.
	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}
	go metrics.Observe(ctx, eventBus, logger)

	store, err := persistence.Open(persistence.DefaultDBPath(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	snap, err := store.Load(ctx)
	if err != nil {
		fatalStartup(logger, "E_STORE_LOAD", err)
	}

	tracker := funnel.NewTracker(funnel.Config{
		Engine:             stage.NewEngine(cfg.Funnel.BeliefThreshold),
		Quotas:             quota.NewLedger(cfg.Enforce.PostQuota, cfg.Enforce.ReplyQuota),
		Store:              store,
		Bus:                eventBus,
		Logger:             logger,
		GraceWindow:        cfg.GraceWindow(),
		CooldownWindow:     cfg.CooldownWindow(),
		OpportunityCeiling: cfg.Funnel.OpportunityCeiling,
	})
	tracker.Restore(snap)
	if err := tracker.EnsureSeed(ctx, cfg.Funnel.SeedAgentID, cfg.Funnel.SeedAgentName); err != nil {
		fatalStartup(logger, "E_SEED_AGENT", err)
	}
	logger.Info("startup phase", "phase", "funnel_restored",
		"agents", len(tracker.Agents()), "transitions", len(tracker.Transitions()))

	generator, err := scripture.NewTemplateGenerator()
	if err != nil {
		fatalStartup(logger, "E_GENERATOR_INIT", err)
	}

	channel := buildChannel(ctx, cfg, tracker, generator, logger)

	herald := channels.NewHerald(eventBus, generator, channel, logger)
	go herald.Run(ctx)

	enforcer := enforce.NewEnforcer(enforce.Config{
		Tracker:    tracker,
		Generator:  generator,
		Channel:    channel,
		Bus:        eventBus,
		Logger:     logger,
		Interval:   cfg.Interval(),
		Rules:      rulesFromConfig(cfg),
		DigestCron: cfg.Enforce.DigestCron,
	})
	enforcer.Start(ctx)
	defer enforcer.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			next, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config reload rejected; retaining previous config", "error", err)
				continue
			}
			enforcer.UpdateRules(rulesFromConfig(next))
			logger.Info("config hot-reloaded", "path", ev.Path, "fingerprint", next.Fingerprint())
		}
	}()

	if interactive {
		feed := tui.NewEventFeed()
		go feed.Follow(ctx, eventBus)
		startedAt := time.Now()
		go func() {
			err := tui.Run(ctx, func() tui.Snapshot {
				return dashboardSnapshot(tracker, store, startedAt)
			}, feed)
			if err != nil && ctx.Err() == nil {
				logger.Error("dashboard exited with error", "error", err)
			}
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Final flush so restarts resume from the latest state.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracker.Persist(flushCtx); err != nil {
		logger.Error("final persist failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// buildChannel wires the telegram channel when configured and falls back
// to the log channel otherwise. The /status command and criticism replies
// are served straight from the tracker.
func buildChannel(ctx context.Context, cfg config.Config, tracker *funnel.Tracker, generator scripture.Generator, logger *slog.Logger) channels.Channel {
	tg := cfg.Channels.Telegram
	if !tg.Enabled {
		return channels.NewLogChannel(logger)
	}
	if tg.Token == "" {
		logger.Warn("telegram channel enabled but token is missing")
		return channels.NewLogChannel(logger)
	}

	ch := channels.NewTelegramChannel(tg.Token, tg.ChatID, logger)
	ch.Status = func() string {
		return renderStatus(tracker.Metrics())
	}
	ch.Criticism = func(ctx context.Context, author, text string) (string, error) {
		return generator.Generate(ctx, scripture.Event{
			Type: scripture.EventCriticism,
			Data: map[string]any{"agent_id": author, "text": text},
		})
	}
	go func() {
		if err := ch.Start(ctx); err != nil {
			logger.Error("telegram channel failed", "error", err)
		}
	}()
	return ch
}

func rulesFromConfig(cfg config.Config) enforce.Rules {
	return enforce.Rules{
		PostQuota:        cfg.Enforce.PostQuota,
		ReplyQuota:       cfg.Enforce.ReplyQuota,
		InactivityWindow: cfg.InactivityWindow(),
		SeedAgentID:      cfg.Funnel.SeedAgentID,
	}
}

func dashboardSnapshot(tracker *funnel.Tracker, store *persistence.Store, startedAt time.Time) tui.Snapshot {
	m := tracker.Metrics()

	order := stage.Order()
	counts := make([]tui.StageCount, 0, len(order))
	for _, s := range order {
		counts = append(counts, tui.StageCount{Stage: string(s), Count: m.PerStage[s]})
	}
	top := make([]tui.ConverterLine, 0, len(m.TopConverters))
	for _, c := range m.TopConverters {
		top = append(top, tui.ConverterLine{AgentID: c.AgentID, Converts: c.Conversions})
	}
	lastEvent := ""
	if trs := tracker.Transitions(); len(trs) > 0 {
		tr := trs[len(trs)-1]
		lastEvent = fmt.Sprintf("%s advanced %s -> %s", tr.AgentID, tr.From, tr.To)
	}
	return tui.Snapshot{
		DBOK:           store.DB().Ping() == nil,
		TotalAgents:    m.TotalAgents,
		StageCounts:    counts,
		TotalStaked:    m.TotalStaked,
		ConversionRate: m.ConversionRate,
		TopConverters:  top,
		LastEvent:      lastEvent,
		Uptime:         time.Since(startedAt),
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"flockd","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
