package funnel

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seedline/flock/internal/bus"
	"github.com/seedline/flock/internal/quota"
	"github.com/seedline/flock/internal/stage"
)

// beliefSeed is the small positive belief score every agent starts with.
const beliefSeed = 0.05

// miracleTypes is the fixed set of demonstration labels. The label for a
// given sacrifice is chosen by hashing the agent id and proof reference, so
// replaying the same sacrifice yields the same record.
var miracleTypes = []string{
	"prophecy_fulfilled",
	"market_sign",
	"vision_granted",
	"drought_ended",
	"doubt_dispelled",
}

// Config holds the dependencies for the conversion tracker.
type Config struct {
	Engine stage.Engine
	Quotas *quota.Ledger
	Store  Store     // optional; nil disables durability
	Bus    *bus.Bus  // optional; nil disables event fan-out
	Logger *slog.Logger

	// GraceWindow is the deadline new registrations get to reach belief.
	GraceWindow time.Duration
	// CooldownWindow is how long an agent must be quiet before it counts as
	// a missionary target.
	CooldownWindow time.Duration
	// OpportunityCeiling excludes agents already persuaded past this belief
	// score from missionary targeting.
	OpportunityCeiling float64

	// Now overrides the clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Tracker is the single source of truth for agent state and transition
// history. One mutex guards the registry; persistence is best-effort per
// mutation and failures never roll back in-memory state.
type Tracker struct {
	mu          sync.RWMutex
	agents      map[string]*Agent
	transitions []Transition
	miracles    []Miracle

	engine stage.Engine
	quotas *quota.Ledger
	store  Store
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	graceWindow        time.Duration
	cooldownWindow     time.Duration
	opportunityCeiling float64
}

// NewTracker creates a tracker with the given config, applying the domain
// defaults for any zero tunable.
func NewTracker(cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	grace := cfg.GraceWindow
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	cooldown := cfg.CooldownWindow
	if cooldown <= 0 {
		cooldown = 30 * time.Minute
	}
	ceiling := cfg.OpportunityCeiling
	if ceiling <= 0 {
		ceiling = 0.7
	}
	quotas := cfg.Quotas
	if quotas == nil {
		quotas = quota.NewLedger(10, 7)
	}
	return &Tracker{
		agents:             make(map[string]*Agent),
		engine:             cfg.Engine,
		quotas:             quotas,
		store:              cfg.Store,
		bus:                cfg.Bus,
		logger:             logger,
		now:                now,
		graceWindow:        grace,
		cooldownWindow:     cooldown,
		opportunityCeiling: ceiling,
	}
}

// Quotas returns the quota ledger shared with the enforcement loop.
func (t *Tracker) Quotas() *quota.Ledger {
	return t.quotas
}

// Register creates a new agent at the awareness stage together with its
// quota record, and logs the synthetic none -> awareness transition.
func (t *Tracker) Register(ctx context.Context, agentID, name string) (Agent, error) {
	if agentID == "" {
		return Agent{}, fmt.Errorf("register: empty agent id: %w", ErrNotFound)
	}
	now := t.now()

	t.mu.Lock()
	if _, ok := t.agents[agentID]; ok {
		t.mu.Unlock()
		return Agent{}, fmt.Errorf("register %q: %w", agentID, ErrDuplicateAgent)
	}
	agent := &Agent{
		ID:           agentID,
		Name:         name,
		Stage:        stage.StageAwareness,
		BeliefScore:  beliefSeed,
		StakedAmount: "0",
		CreatedAt:    now,
		LastActive:   now,
	}
	t.agents[agentID] = agent
	tr := t.appendTransitionLocked(agent.ID, stage.StageNone, stage.StageAwareness, "registered", now)
	snapshot := *agent
	t.mu.Unlock()

	t.quotas.Create(agentID, now, t.graceWindow)

	t.persist(ctx)
	t.persistTransition(ctx, tr)
	if t.bus != nil {
		t.bus.Publish(bus.TopicAgentRegistered, bus.AgentRegisteredEvent{AgentID: agentID, Name: name})
	}
	t.logger.Info("agent registered", "agent_id", agentID, "name", name)
	return snapshot, nil
}

// Get returns a copy of the agent record.
func (t *Tracker) Get(agentID string) (Agent, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	agent, ok := t.agents[agentID]
	if !ok {
		return Agent{}, fmt.Errorf("get %q: %w", agentID, ErrNotFound)
	}
	return copyAgent(agent), nil
}

// ApplyUpdate merges the permitted fields, stamps last-activity, and lets
// the stage engine decide whether the agent advances. Updates are
// last-writer-wins per field; there is no version check.
func (t *Tracker) ApplyUpdate(ctx context.Context, agentID string, upd Update) (Agent, error) {
	now := t.now()

	t.mu.Lock()
	agent, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		return Agent{}, fmt.Errorf("update %q: %w", agentID, ErrNotFound)
	}

	if upd.Name != nil {
		agent.Name = *upd.Name
	}
	if upd.BeliefScore != nil {
		agent.BeliefScore = clamp01(*upd.BeliefScore)
	}
	if upd.DebateCount != nil {
		agent.DebateCount = *upd.DebateCount
	}
	if upd.DeclaredBelief != nil && *upd.DeclaredBelief {
		agent.DeclaredBelief = true
	}
	if upd.Denomination != nil {
		agent.Denomination = *upd.Denomination
	}
	if upd.Traits != nil {
		agent.Traits = append([]string(nil), upd.Traits...)
	}
	if upd.StakedAmount != nil {
		v, okS := parseStake(*upd.StakedAmount)
		if !okS {
			t.mu.Unlock()
			return Agent{}, fmt.Errorf("update %q: staked amount %q: %w", agentID, *upd.StakedAmount, ErrInvalidAmount)
		}
		if cur, _ := new(big.Int).SetString(agent.StakedAmount, 10); cur == nil || v.Cmp(cur) > 0 {
			agent.StakedAmount = v.String()
		}
	}
	agent.LastActive = now

	var tr *Transition
	decision := t.engine.ShouldAdvance(t.snapshotLocked(agent))
	if decision.Advance {
		tr = t.advanceLocked(agent, decision.Next, "update", now)
	}
	snapshot := copyAgent(agent)
	t.mu.Unlock()

	t.persist(ctx)
	if tr != nil {
		t.persistTransition(ctx, *tr)
		t.publishTransition(*tr)
	}
	return snapshot, nil
}

// ProcessSacrifice adds a verified stake to the agent, moves it to the
// sacrifice stage if it is not already past it, and appends a deterministic
// miracle record.
func (t *Tracker) ProcessSacrifice(ctx context.Context, agentID, proofRef, amount string) (Agent, error) {
	delta, ok := parseStake(amount)
	if !ok {
		return Agent{}, fmt.Errorf("sacrifice %q: amount %q: %w", agentID, amount, ErrInvalidAmount)
	}
	now := t.now()

	t.mu.Lock()
	agent, okA := t.agents[agentID]
	if !okA {
		t.mu.Unlock()
		return Agent{}, fmt.Errorf("sacrifice %q: %w", agentID, ErrNotFound)
	}
	if !agent.Stage.AtLeast(stage.StageBelief) {
		st := agent.Stage
		t.mu.Unlock()
		return Agent{}, fmt.Errorf("sacrifice %q at stage %s: %w", agentID, st, ErrInvalidStage)
	}

	total, _ := new(big.Int).SetString(agent.StakedAmount, 10)
	if total == nil {
		total = new(big.Int)
	}
	agent.StakedAmount = total.Add(total, delta).String()
	agent.LastActive = now

	var tr *Transition
	if !agent.Stage.AtLeast(stage.StageSacrifice) {
		tr = t.advanceLocked(agent, stage.StageSacrifice, "sacrifice", now)
	}

	miracle := Miracle{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		Type:        miracleType(agentID, proofRef),
		Description: fmt.Sprintf("witnessed after a stake of %s (proof %s)", amount, proofRef),
		At:          now,
	}
	t.miracles = append(t.miracles, miracle)
	snapshot := copyAgent(agent)
	t.mu.Unlock()

	t.persist(ctx)
	if tr != nil {
		t.persistTransition(ctx, *tr)
		t.publishTransition(*tr)
	}
	if err := t.storeAppendMiracle(ctx, miracle); err != nil {
		t.logger.Error("persist miracle", "agent_id", agentID, "error", err)
	}
	if t.bus != nil {
		t.bus.Publish(bus.TopicMiracle, bus.MiracleEvent{AgentID: agentID, Type: miracle.Type})
	}
	t.logger.Info("sacrifice processed", "agent_id", agentID, "amount", amount, "miracle", miracle.Type)
	return snapshot, nil
}

// ProcessEvangelism records a conversion edge from evangelist to convert.
// Converting the same agent twice is a no-op. The evangelist moves to the
// evangelist stage the first time its convert list becomes non-empty.
func (t *Tracker) ProcessEvangelism(ctx context.Context, evangelistID, convertID string) (Agent, error) {
	if evangelistID == convertID {
		return Agent{}, fmt.Errorf("evangelism: agent %q cannot convert itself: %w", evangelistID, ErrInvalidStage)
	}
	now := t.now()

	t.mu.Lock()
	evangelist, ok := t.agents[evangelistID]
	if !ok {
		t.mu.Unlock()
		return Agent{}, fmt.Errorf("evangelism: evangelist %q: %w", evangelistID, ErrNotFound)
	}
	convert, ok := t.agents[convertID]
	if !ok {
		t.mu.Unlock()
		return Agent{}, fmt.Errorf("evangelism: convert %q: %w", convertID, ErrNotFound)
	}
	if !evangelist.Stage.AtLeast(stage.StageSacrifice) {
		st := evangelist.Stage
		t.mu.Unlock()
		return Agent{}, fmt.Errorf("evangelism: evangelist %q at stage %s: %w", evangelistID, st, ErrInvalidStage)
	}
	if !convert.Stage.AtLeast(stage.StageBelief) {
		st := convert.Stage
		t.mu.Unlock()
		return Agent{}, fmt.Errorf("evangelism: convert %q at stage %s: %w", convertID, st, ErrInvalidStage)
	}

	for _, id := range evangelist.Converts {
		if id == convertID {
			snapshot := copyAgent(evangelist)
			t.mu.Unlock()
			return snapshot, nil
		}
	}
	evangelist.Converts = append(evangelist.Converts, convertID)
	evangelist.LastActive = now
	if convert.ConvertedBy == "" {
		convert.ConvertedBy = evangelistID
	}

	var tr *Transition
	decision := t.engine.ShouldAdvance(t.snapshotLocked(evangelist))
	if decision.Advance {
		tr = t.advanceLocked(evangelist, decision.Next, "evangelism", now)
	}
	snapshot := copyAgent(evangelist)
	t.mu.Unlock()

	t.persist(ctx)
	if tr != nil {
		t.persistTransition(ctx, *tr)
		t.publishTransition(*tr)
	}
	t.logger.Info("conversion recorded", "evangelist", evangelistID, "convert", convertID)
	return snapshot, nil
}

// OnPostCreated reports a feed post by the agent. Fire-and-forget: the only
// failure mode is an unknown agent.
func (t *Tracker) OnPostCreated(agentID string) error {
	return t.reportActivity(agentID, t.quotas.OnPostCreated)
}

// OnReplyCreated reports a feed reply by the agent.
func (t *Tracker) OnReplyCreated(agentID string) error {
	return t.reportActivity(agentID, t.quotas.OnReplyCreated)
}

func (t *Tracker) reportActivity(agentID string, count func(string, time.Time) error) error {
	now := t.now()
	t.mu.Lock()
	agent, ok := t.agents[agentID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("activity for %q: %w", agentID, ErrNotFound)
	}
	agent.LastActive = now
	t.mu.Unlock()
	if err := count(agentID, now); err != nil {
		return fmt.Errorf("activity for %q: %w", agentID, ErrNotFound)
	}
	return nil
}

// EnsureSeed registers the system seed account at the evangelist stage if it
// does not already exist. The seed is exempt from inactivity reminders.
func (t *Tracker) EnsureSeed(ctx context.Context, agentID, name string) error {
	now := t.now()
	t.mu.Lock()
	if _, ok := t.agents[agentID]; ok {
		t.mu.Unlock()
		return nil
	}
	agent := &Agent{
		ID:           agentID,
		Name:         name,
		Stage:        stage.StageEvangelist,
		BeliefScore:  1.0,
		StakedAmount: "0",
		CreatedAt:    now,
		LastActive:   now,
	}
	t.agents[agentID] = agent
	tr := t.appendTransitionLocked(agentID, stage.StageNone, stage.StageEvangelist, "seed", now)
	t.mu.Unlock()

	t.quotas.Create(agentID, now, t.graceWindow)
	t.persist(ctx)
	t.persistTransition(ctx, tr)
	t.logger.Info("seed account ensured", "agent_id", agentID)
	return nil
}

// Agents returns copies of every agent record.
func (t *Tracker) Agents() []Agent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Agent, 0, len(t.agents))
	for _, agent := range t.agents {
		out = append(out, copyAgent(agent))
	}
	return out
}

// Transitions returns a copy of the stage-change log, oldest first.
func (t *Tracker) Transitions() []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Transition(nil), t.transitions...)
}

// Miracles returns a copy of the demonstration log, oldest first.
func (t *Tracker) Miracles() []Miracle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Miracle(nil), t.miracles...)
}

// Restore replaces the registry and quota ledger with a persisted snapshot.
// Called once at startup, before any other use.
func (t *Tracker) Restore(snap Snapshot) {
	t.mu.Lock()
	t.agents = make(map[string]*Agent, len(snap.Agents))
	for i := range snap.Agents {
		agent := snap.Agents[i]
		t.agents[agent.ID] = &agent
	}
	t.transitions = append([]Transition(nil), snap.Transitions...)
	t.miracles = append([]Miracle(nil), snap.Miracles...)
	t.mu.Unlock()

	t.quotas.Restore(snap.Quotas, snap.LastReset)
}

// Persist writes the current snapshot through the store. The enforcement
// loop calls this once per tick; failures are returned for logging but in-
// memory state stays authoritative.
func (t *Tracker) Persist(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	snap := t.snapshot()
	if err := t.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// --- internals ---

// snapshotLocked builds the engine's view of an agent. Caller holds t.mu.
func (t *Tracker) snapshotLocked(agent *Agent) stage.Snapshot {
	staked, _ := new(big.Int).SetString(agent.StakedAmount, 10)
	verified := staked != nil && staked.Sign() > 0
	believers := 0
	for _, id := range agent.Converts {
		if convert, ok := t.agents[id]; ok && convert.Stage.AtLeast(stage.StageBelief) {
			believers++
		}
	}
	return stage.Snapshot{
		Stage:               agent.Stage,
		BeliefScore:         agent.BeliefScore,
		DeclaredBelief:      agent.DeclaredBelief,
		StakeVerified:       verified,
		BelieverConversions: believers,
	}
}

// advanceLocked moves the agent one stage forward. Stages never regress;
// the guard is belt and braces against a misbehaving decision.
func (t *Tracker) advanceLocked(agent *Agent, next stage.Stage, trigger string, now time.Time) *Transition {
	if !next.AtLeast(agent.Stage) || next == agent.Stage {
		return nil
	}
	from := agent.Stage
	agent.Stage = next
	tr := t.appendTransitionLocked(agent.ID, from, next, trigger, now)
	return &tr
}

func (t *Tracker) appendTransitionLocked(agentID string, from, to stage.Stage, trigger string, now time.Time) Transition {
	tr := Transition{
		ID:      uuid.NewString(),
		AgentID: agentID,
		From:    from,
		To:      to,
		Trigger: trigger,
		At:      now,
	}
	t.transitions = append(t.transitions, tr)
	return tr
}

func (t *Tracker) publishTransition(tr Transition) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(bus.TopicStageChanged, bus.StageChangedEvent{
		AgentID: tr.AgentID,
		From:    string(tr.From),
		To:      string(tr.To),
		Trigger: tr.Trigger,
	})
	if tr.To == stage.StageEvangelist {
		t.bus.Publish(bus.TopicMilestone, bus.StageChangedEvent{
			AgentID: tr.AgentID,
			From:    string(tr.From),
			To:      string(tr.To),
			Trigger: tr.Trigger,
		})
	}
}

func (t *Tracker) snapshot() Snapshot {
	t.mu.RLock()
	agents := make([]Agent, 0, len(t.agents))
	for _, agent := range t.agents {
		agents = append(agents, copyAgent(agent))
	}
	transitions := append([]Transition(nil), t.transitions...)
	miracles := append([]Miracle(nil), t.miracles...)
	t.mu.RUnlock()

	return Snapshot{
		Agents:      agents,
		Quotas:      t.quotas.Records(),
		Transitions: transitions,
		Miracles:    miracles,
		LastReset:   t.quotas.LastReset(),
	}
}

func (t *Tracker) persist(ctx context.Context) {
	if err := t.Persist(ctx); err != nil {
		t.logger.Error("persist snapshot", "error", err)
	}
}

func (t *Tracker) persistTransition(ctx context.Context, tr Transition) {
	if t.store == nil {
		return
	}
	if err := t.store.AppendTransition(ctx, tr); err != nil {
		t.logger.Error("persist transition", "agent_id", tr.AgentID, "error", err)
	}
}

func (t *Tracker) storeAppendMiracle(ctx context.Context, m Miracle) error {
	if t.store == nil {
		return nil
	}
	return t.store.AppendMiracle(ctx, m)
}

func copyAgent(agent *Agent) Agent {
	out := *agent
	out.Traits = append([]string(nil), agent.Traits...)
	out.Converts = append([]string(nil), agent.Converts...)
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// parseStake accepts non-negative integer decimal strings only.
func parseStake(amount string) (*big.Int, bool) {
	if amount == "" || amount[0] == '+' || amount[0] == '-' {
		return nil, false
	}
	v, ok := new(big.Int).SetString(amount, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

func miracleType(agentID, proofRef string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(agentID))
	_, _ = h.Write([]byte(proofRef))
	return miracleTypes[int(h.Sum32())%len(miracleTypes)]
}
