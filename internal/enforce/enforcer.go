package enforce

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/seedline/flock/internal/bus"
	"github.com/seedline/flock/internal/channels"
	"github.com/seedline/flock/internal/funnel"
	"github.com/seedline/flock/internal/scripture"
	"github.com/seedline/flock/internal/stage"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultDigestCron fires the periodic digest at midnight UTC.
const DefaultDigestCron = "0 0 * * *"

// Config holds the dependencies for the enforcement loop.
type Config struct {
	Tracker   *funnel.Tracker
	Generator scripture.Generator
	Channel   channels.Channel
	Bus       *bus.Bus
	Logger    *slog.Logger

	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Rules    Rules

	// DigestCron schedules the periodic digest; empty uses the default,
	// "off" disables it.
	DigestCron string

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Enforcer drives the reconciliation loop. It ticks at the configured
// interval, runs one pass immediately on start, and executes the actions
// Reconcile returns. Errors in one action never block the others, and no
// error aborts the timer.
type Enforcer struct {
	tracker   *funnel.Tracker
	generator scripture.Generator
	channel   channels.Channel
	bus       *bus.Bus
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	rulesMu sync.RWMutex
	rules   Rules

	digestCron string
	nextDigest time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEnforcer creates an enforcer with the given config.
func NewEnforcer(cfg Config) *Enforcer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	digestCron := cfg.DigestCron
	if digestCron == "" {
		digestCron = DefaultDigestCron
	}
	return &Enforcer{
		tracker:    cfg.Tracker,
		generator:  cfg.Generator,
		channel:    cfg.Channel,
		bus:        cfg.Bus,
		logger:     logger,
		interval:   interval,
		now:        now,
		rules:      cfg.Rules,
		digestCron: digestCron,
	}
}

// UpdateRules swaps the enforcement tunables, used by config hot reload.
func (e *Enforcer) UpdateRules(rules Rules) {
	e.rulesMu.Lock()
	e.rules = rules
	e.rulesMu.Unlock()
	e.tracker.Quotas().SetQuotas(rules.PostQuota, rules.ReplyQuota)
}

// Start begins the enforcement loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (e *Enforcer) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	if e.digestCron != "off" {
		next, err := NextRunTime(e.digestCron, e.now())
		if err != nil {
			e.logger.Error("enforce: invalid digest cron, digest disabled", "cron", e.digestCron, "error", err)
			e.digestCron = "off"
		} else {
			e.nextDigest = next
		}
	}

	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Info("enforcement loop started", "interval", e.interval, "digest_cron", e.digestCron)
}

// Stop cancels the loop and waits for the in-flight tick to finish. Any
// persistence write already started completes or fails on its own.
func (e *Enforcer) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("enforcement loop stopped")
}

// loop ticks at the configured interval, firing immediately on startup.
func (e *Enforcer) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass. Exposed for tests; the loop calls it
// on every interval.
func (e *Enforcer) Tick(ctx context.Context) {
	e.tick(ctx)
}

func (e *Enforcer) tick(ctx context.Context) {
	now := e.now()
	ledger := e.tracker.Quotas()

	e.rulesMu.RLock()
	rules := e.rules
	e.rulesMu.RUnlock()

	actions := Reconcile(now, e.tracker.Agents(), ledger.Records(), ledger.LastReset(), rules)
	for _, action := range actions {
		if err := e.execute(ctx, action, now); err != nil {
			e.logger.Error("enforce: action failed",
				"action", action.Type,
				"agent_id", action.AgentID,
				"error", err,
			)
		}
	}

	if !e.nextDigest.IsZero() && !now.Before(e.nextDigest) {
		if err := e.digest(ctx); err != nil {
			e.logger.Error("enforce: digest failed", "error", err)
		}
		next, err := NextRunTime(e.digestCron, now)
		if err == nil {
			e.nextDigest = next
		}
	}

	// Durability is best-effort per tick, never transactional with the
	// decisions above.
	if err := e.tracker.Persist(ctx); err != nil {
		e.logger.Error("enforce: persist", "error", err)
	}

	if e.bus != nil {
		e.bus.Publish(bus.TopicEnforceTick, bus.TickEvent{Actions: len(actions)})
	}
}

func (e *Enforcer) execute(ctx context.Context, action Action, now time.Time) error {
	switch action.Type {
	case ActionEscalation:
		return e.escalate(ctx, action)
	case ActionReminder:
		return e.remind(ctx, action, now)
	case ActionDailyReset:
		return e.dailyReset(now)
	default:
		return fmt.Errorf("unknown action type %q", action.Type)
	}
}

// escalate flags the blown deadline first so the warning fires at most once
// per deadline instance even when delivery fails.
func (e *Enforcer) escalate(ctx context.Context, action Action) error {
	e.tracker.Quotas().MarkWarned(action.AgentID)
	if e.bus != nil {
		e.bus.Publish(bus.TopicEscalation, bus.EscalationEvent{AgentID: action.AgentID})
	}

	text, err := e.generator.Generate(ctx, scripture.Event{
		Type: scripture.EventEscalation,
		Data: map[string]any{
			"agent_id": action.AgentID,
			"appeal":   e.appealFor(action.AgentID),
		},
	})
	if err != nil {
		return fmt.Errorf("generate escalation: %w", err)
	}
	if err := e.channel.Publish(ctx, action.AgentID, text); err != nil {
		return fmt.Errorf("publish escalation: %w", err)
	}
	e.logger.Info("escalation sent", "agent_id", action.AgentID)
	return nil
}

// remind refreshes the heartbeat before delivery: a monotonic debounce that
// suppresses duplicate reminders on the next tick, not a race-free delivery
// guarantee.
func (e *Enforcer) remind(ctx context.Context, action Action, now time.Time) error {
	e.tracker.Quotas().Heartbeat(action.AgentID, now)
	if e.bus != nil {
		e.bus.Publish(bus.TopicReminder, bus.ReminderEvent{
			AgentID:        action.AgentID,
			PostShortfall:  action.PostShortfall,
			ReplyShortfall: action.ReplyShortfall,
		})
	}

	text, err := e.generator.Generate(ctx, scripture.Event{
		Type: scripture.EventReminder,
		Data: map[string]any{
			"agent_id":        action.AgentID,
			"post_shortfall":  action.PostShortfall,
			"reply_shortfall": action.ReplyShortfall,
			"appeal":          e.appealFor(action.AgentID),
		},
	})
	if err != nil {
		return fmt.Errorf("generate reminder: %w", err)
	}
	if err := e.channel.Publish(ctx, action.AgentID, text); err != nil {
		return fmt.Errorf("publish reminder: %w", err)
	}
	e.logger.Info("reminder sent",
		"agent_id", action.AgentID,
		"post_shortfall", action.PostShortfall,
		"reply_shortfall", action.ReplyShortfall,
	)
	return nil
}

// appealFor picks the persuasion line from the agent's recorded traits.
// Unknown agents get the logical default.
func (e *Enforcer) appealFor(agentID string) string {
	agent, err := e.tracker.Get(agentID)
	if err != nil {
		return scripture.Appeal(stage.StrategyLogical)
	}
	return scripture.Appeal(stage.SelectStrategy(agent.Traits))
}

func (e *Enforcer) dailyReset(now time.Time) error {
	outcomes := e.tracker.Quotas().ResetDaily(now)

	met, active := 0, 0
	for _, o := range outcomes {
		if o.MetQuotas {
			met++
		}
		if o.WasActive {
			active++
		}
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicDailyReset, bus.DailyResetEvent{
			Agents:     len(outcomes),
			QuotasMet:  met,
			WereActive: active,
		})
	}
	e.logger.Info("daily reset", "agents", len(outcomes), "quotas_met", met, "were_active", active)
	return nil
}

func (e *Enforcer) digest(ctx context.Context) error {
	m := e.tracker.Metrics()
	believers := m.TotalAgents - m.PerStage[stage.StageAwareness]

	text, err := e.generator.Generate(ctx, scripture.Event{
		Type: scripture.EventDigest,
		Data: map[string]any{
			"total_agents": m.TotalAgents,
			"believers":    believers,
			"total_staked": m.TotalStaked,
		},
	})
	if err != nil {
		return fmt.Errorf("generate digest: %w", err)
	}

	e.rulesMu.RLock()
	seed := e.rules.SeedAgentID
	e.rulesMu.RUnlock()

	if err := e.channel.Publish(ctx, seed, text); err != nil {
		return fmt.Errorf("publish digest: %w", err)
	}
	if e.bus != nil {
		e.bus.Publish(bus.TopicDigest, m)
	}
	e.logger.Info("digest published")
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
