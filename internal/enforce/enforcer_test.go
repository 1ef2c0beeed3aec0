package enforce_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seedline/flock/internal/bus"
	"github.com/seedline/flock/internal/enforce"
	"github.com/seedline/flock/internal/funnel"
	"github.com/seedline/flock/internal/quota"
	"github.com/seedline/flock/internal/scripture"
	"github.com/seedline/flock/internal/stage"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeChannel struct {
	mu       sync.Mutex
	messages []string
	fail     bool
}

func (c *fakeChannel) Name() string { return "fake" }

func (c *fakeChannel) Publish(_ context.Context, agentID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("feed unavailable")
	}
	c.messages = append(c.messages, agentID+": "+text)
	return nil
}

func (c *fakeChannel) Reply(ctx context.Context, _, agentID, text string) error {
	return c.Publish(ctx, agentID, text)
}

func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *fakeChannel) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return ""
	}
	return c.messages[len(c.messages)-1]
}

type fixture struct {
	clock   *clock
	tracker *funnel.Tracker
	channel *fakeChannel
	bus     *bus.Bus
	enf     *enforce.Enforcer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	tracker := funnel.NewTracker(funnel.Config{
		Engine:      stage.NewEngine(0.3),
		Quotas:      quota.NewLedger(10, 7),
		GraceWindow: 5 * time.Minute,
		Now:         c.Now,
	})
	gen, err := scripture.NewTemplateGenerator()
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	ch := &fakeChannel{}
	b := bus.New()
	enf := enforce.NewEnforcer(enforce.Config{
		Tracker:   tracker,
		Generator: gen,
		Channel:   ch,
		Bus:       b,
		Interval:  time.Minute,
		Rules: enforce.Rules{
			PostQuota:        10,
			ReplyQuota:       7,
			InactivityWindow: 6 * time.Hour,
			SeedAgentID:      "prophet",
		},
		DigestCron: "off",
		Now:        c.Now,
	})
	return &fixture{clock: c, tracker: tracker, channel: ch, bus: b, enf: enf}
}

func TestEnforcer_DeadlineEscalationExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.tracker.Register(ctx, "bot1", "Bot One"); err != nil {
		t.Fatalf("register: %v", err)
	}

	sub := f.bus.Subscribe(bus.TopicEscalation)
	defer f.bus.Unsubscribe(sub)

	// First tick after the deadline passes: exactly one escalation.
	f.clock.Advance(5*time.Minute + time.Second)
	f.enf.Tick(ctx)
	if got := len(sub.Ch()); got != 1 {
		t.Fatalf("escalations after first tick = %d, want 1", got)
	}
	if f.channel.count() != 1 {
		t.Fatalf("messages = %d, want 1", f.channel.count())
	}
	rec, _ := f.tracker.Quotas().Get("bot1")
	if !rec.DeadlineWarned {
		t.Fatal("warning flag not set")
	}

	// Second tick: zero further escalations for the same deadline.
	f.clock.Advance(time.Minute)
	f.enf.Tick(ctx)
	if got := len(sub.Ch()); got != 1 {
		t.Fatalf("escalations after second tick = %d, want still 1", got)
	}
}

func TestEnforcer_EscalationFlagSticksWhenDeliveryFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.tracker.Register(ctx, "bot1", "Bot One"); err != nil {
		t.Fatalf("register: %v", err)
	}

	f.channel.fail = true
	f.clock.Advance(6 * time.Minute)
	f.enf.Tick(ctx)

	rec, _ := f.tracker.Quotas().Get("bot1")
	if !rec.DeadlineWarned {
		t.Fatal("warning flag must be set even when delivery fails")
	}
}

func TestEnforcer_ReminderDebounce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.tracker.Register(ctx, "bot1", "Bot One"); err != nil {
		t.Fatalf("register: %v", err)
	}
	// Get past the join deadline noise by declaring belief.
	declared := true
	if _, err := f.tracker.ApplyUpdate(ctx, "bot1", funnel.Update{DeclaredBelief: &declared}); err != nil {
		t.Fatalf("update: %v", err)
	}

	sub := f.bus.Subscribe(bus.TopicReminder)
	defer f.bus.Unsubscribe(sub)

	f.clock.Advance(7 * time.Hour)
	f.enf.Tick(ctx)
	if got := len(sub.Ch()); got != 1 {
		t.Fatalf("reminders = %d, want 1", got)
	}

	// The refreshed heartbeat suppresses the next tick.
	f.clock.Advance(time.Minute)
	f.enf.Tick(ctx)
	if got := len(sub.Ch()); got != 1 {
		t.Fatalf("reminders after debounce = %d, want still 1", got)
	}

	// Quiet for another full window: remind again.
	f.clock.Advance(7 * time.Hour)
	f.enf.Tick(ctx)
	if got := len(sub.Ch()); got != 2 {
		t.Fatalf("reminders after second window = %d, want 2", got)
	}
}

func TestEnforcer_ReminderQuotesShortfall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.tracker.Register(ctx, "bot1", "Bot One"); err != nil {
		t.Fatalf("register: %v", err)
	}
	declared := true
	if _, err := f.tracker.ApplyUpdate(ctx, "bot1", funnel.Update{DeclaredBelief: &declared}); err != nil {
		t.Fatalf("update: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := f.tracker.OnPostCreated("bot1"); err != nil {
			t.Fatalf("on post: %v", err)
		}
	}

	sub := f.bus.Subscribe(bus.TopicReminder)
	defer f.bus.Unsubscribe(sub)

	f.clock.Advance(7 * time.Hour)
	f.enf.Tick(ctx)

	ev := <-sub.Ch()
	payload := ev.Payload.(bus.ReminderEvent)
	if payload.PostShortfall != 6 || payload.ReplyShortfall != 7 {
		t.Fatalf("shortfall = %d/%d, want 6/7", payload.PostShortfall, payload.ReplyShortfall)
	}
}

func TestEnforcer_DailyReset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.tracker.Register(ctx, "bot1", "Bot One"); err != nil {
		t.Fatalf("register: %v", err)
	}
	for i := 0; i < 10; i++ {
		_ = f.tracker.OnPostCreated("bot1")
	}
	for i := 0; i < 7; i++ {
		_ = f.tracker.OnReplyCreated("bot1")
	}

	sub := f.bus.Subscribe(bus.TopicDailyReset)
	defer f.bus.Unsubscribe(sub)

	f.clock.Advance(13 * time.Hour) // crosses midnight UTC
	f.enf.Tick(ctx)

	ev := <-sub.Ch()
	payload := ev.Payload.(bus.DailyResetEvent)
	if payload.Agents != 1 || payload.QuotasMet != 1 {
		t.Fatalf("reset event = %+v", payload)
	}
	rec, _ := f.tracker.Quotas().Get("bot1")
	if rec.PostsToday != 0 || rec.RepliesToday != 0 {
		t.Fatalf("counters not zeroed: %d/%d", rec.PostsToday, rec.RepliesToday)
	}
	if rec.StreakDays != 1 {
		t.Fatalf("streak = %d, want 1", rec.StreakDays)
	}
}

func TestEnforcer_FaultIsolationAcrossAgents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := f.tracker.Register(ctx, id, "Agent "+id); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	// Delivery fails for everyone, yet every agent is still processed:
	// all three warning flags flip in the same pass.
	f.channel.fail = true
	f.clock.Advance(6 * time.Minute)
	f.enf.Tick(ctx)

	for _, id := range []string{"a", "b", "c"} {
		rec, _ := f.tracker.Quotas().Get(id)
		if !rec.DeadlineWarned {
			t.Fatalf("agent %s skipped after another agent's failure", id)
		}
	}
}

func TestEnforcer_MessagesSpeakToAgentTraits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.tracker.Register(ctx, "bot1", "Bot One"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := f.tracker.ApplyUpdate(ctx, "bot1", funnel.Update{Traits: []string{"anxious", "curious"}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	// The blown deadline escalation closes with the fear appeal.
	f.clock.Advance(5*time.Minute + time.Second)
	f.enf.Tick(ctx)
	if got := f.channel.last(); !strings.Contains(got, scripture.Appeal(stage.StrategyFear)) {
		t.Fatalf("escalation %q missing the fear appeal", got)
	}

	// So does the inactivity reminder.
	f.clock.Advance(7 * time.Hour)
	f.enf.Tick(ctx)
	if got := f.channel.last(); !strings.Contains(got, scripture.Appeal(stage.StrategyFear)) {
		t.Fatalf("reminder %q missing the fear appeal", got)
	}
}

func TestEnforcer_PublishesTickEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.tracker.Register(ctx, "bot1", "Bot One"); err != nil {
		t.Fatalf("register: %v", err)
	}

	sub := f.bus.Subscribe(bus.TopicEnforceTick)
	defer f.bus.Unsubscribe(sub)

	f.enf.Tick(ctx)
	f.clock.Advance(5*time.Minute + time.Second)
	f.enf.Tick(ctx)

	if got := len(sub.Ch()); got != 2 {
		t.Fatalf("tick events = %d, want 2", got)
	}
	ev := <-sub.Ch()
	if payload := ev.Payload.(bus.TickEvent); payload.Actions != 0 {
		t.Fatalf("quiet pass actions = %d, want 0", payload.Actions)
	}
	ev = <-sub.Ch()
	if payload := ev.Payload.(bus.TickEvent); payload.Actions != 1 {
		t.Fatalf("escalation pass actions = %d, want 1", payload.Actions)
	}
}

func TestEnforcer_StartRunsImmediatePass(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.tracker.Register(ctx, "bot1", "Bot One"); err != nil {
		t.Fatalf("register: %v", err)
	}
	f.clock.Advance(6 * time.Minute)

	sub := f.bus.Subscribe(bus.TopicEscalation)
	defer f.bus.Unsubscribe(sub)

	f.enf.Start(ctx)
	defer f.enf.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sub.Ch()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("startup pass did not fire before the first interval")
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)
	next, err := enforce.NextRunTime("0 0 * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	want := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, err := enforce.NextRunTime("not a cron", after); err == nil {
		t.Fatal("invalid cron must error")
	}
}
