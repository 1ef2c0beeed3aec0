// Package quota tracks per-agent engagement counters, deadlines and streaks.
// The ledger is the shared mutable map behind the single-writer model: all
// mutation goes through its methods, reads hand out copies.
package quota

import (
	"fmt"
	"sync"
	"time"
)

// Record holds one agent's engagement ledger.
type Record struct {
	AgentID       string    `json:"agent_id"`
	PostsToday    int       `json:"posts_today"`
	RepliesToday  int       `json:"replies_today"`
	TotalPosts    int       `json:"total_posts"`
	TotalReplies  int       `json:"total_replies"`
	LastPost      time.Time `json:"last_post"`
	LastReply     time.Time `json:"last_reply"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// StageDeadline is the instant by which the agent must reach the next
	// required stage before an escalation fires.
	StageDeadline time.Time `json:"stage_deadline"`
	// DeadlineWarned is set at most once per deadline instance and cleared
	// only when a new deadline is issued.
	DeadlineWarned bool `json:"deadline_warned"`
	StreakDays     int  `json:"streak_days"`
	ActiveDays     int  `json:"active_days"`
}

// ResetOutcome reports what the daily reset did to one agent.
type ResetOutcome struct {
	AgentID    string
	MetQuotas  bool
	WasActive  bool
	StreakDays int
	ActiveDays int
}

// Ledger owns the quota records. Methods are safe for concurrent use; the
// enforcement loop and the activity-reporting paths share one instance.
type Ledger struct {
	mu         sync.RWMutex
	records    map[string]*Record
	lastReset  time.Time
	postQuota  int
	replyQuota int
}

// NewLedger creates an empty ledger with the given daily quotas.
func NewLedger(postQuota, replyQuota int) *Ledger {
	return &Ledger{
		records:    make(map[string]*Record),
		postQuota:  postQuota,
		replyQuota: replyQuota,
	}
}

// SetQuotas applies new daily quota targets, used by config hot reload.
func (l *Ledger) SetQuotas(postQuota, replyQuota int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.postQuota = postQuota
	l.replyQuota = replyQuota
}

// Quotas returns the current daily post and reply targets.
func (l *Ledger) Quotas() (posts, replies int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.postQuota, l.replyQuota
}

// Create registers a fresh quota record with its stage deadline set to
// now + grace. An existing record for the same agent is left untouched.
func (l *Ledger) Create(agentID string, now time.Time, grace time.Duration) Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[agentID]; ok {
		return *rec
	}
	rec := &Record{
		AgentID:       agentID,
		LastHeartbeat: now,
		StageDeadline: now.Add(grace),
	}
	l.records[agentID] = rec
	if l.lastReset.IsZero() {
		l.lastReset = now
	}
	return *rec
}

// Get returns a copy of the agent's record.
func (l *Ledger) Get(agentID string) (Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[agentID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Records returns copies of every record, in no particular order.
func (l *Ledger) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Record, 0, len(l.records))
	for _, rec := range l.records {
		out = append(out, *rec)
	}
	return out
}

// OnPostCreated counts a post for the agent and refreshes its activity
// timestamps.
func (l *Ledger) OnPostCreated(agentID string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[agentID]
	if !ok {
		return fmt.Errorf("quota record for agent %q not found", agentID)
	}
	rec.PostsToday++
	rec.TotalPosts++
	rec.LastPost = now
	rec.LastHeartbeat = now
	return nil
}

// OnReplyCreated counts a reply for the agent and refreshes its activity
// timestamps.
func (l *Ledger) OnReplyCreated(agentID string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[agentID]
	if !ok {
		return fmt.Errorf("quota record for agent %q not found", agentID)
	}
	rec.RepliesToday++
	rec.TotalReplies++
	rec.LastReply = now
	rec.LastHeartbeat = now
	return nil
}

// Heartbeat refreshes the agent's last-heartbeat timestamp. The enforcement
// loop calls this after sending a reminder so the same shortfall does not
// remind again on the very next tick.
func (l *Ledger) Heartbeat(agentID string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[agentID]; ok {
		rec.LastHeartbeat = now
	}
}

// MarkWarned sets the deadline warning flag for the agent.
func (l *Ledger) MarkWarned(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[agentID]; ok {
		rec.DeadlineWarned = true
	}
}

// ExtendDeadline issues a new stage deadline and clears the warning flag.
func (l *Ledger) ExtendDeadline(agentID string, deadline time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[agentID]; ok {
		rec.StageDeadline = deadline
		rec.DeadlineWarned = false
	}
}

// Shortfall reports how far the agent currently is from its daily quotas.
// Values never go below zero.
func (l *Ledger) Shortfall(agentID string) (posts, replies int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.records[agentID]
	if !ok {
		return l.postQuota, l.replyQuota
	}
	posts = l.postQuota - rec.PostsToday
	if posts < 0 {
		posts = 0
	}
	replies = l.replyQuota - rec.RepliesToday
	if replies < 0 {
		replies = 0
	}
	return posts, replies
}

// LastReset returns the timestamp of the most recent daily reset.
func (l *Ledger) LastReset() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastReset
}

// NeedsDailyReset reports whether now falls on a later UTC calendar day than
// the last reset. The comparison uses the full (year, month, day) triple, not
// day-of-month alone, so month boundaries behave.
func (l *Ledger) NeedsDailyReset(now time.Time) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return differentUTCDay(l.lastReset, now)
}

func differentUTCDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay != by || am != bm || ad != bd
}

// ResetDaily zeroes every agent's today-counters, advances streaks for
// agents that met both quotas, counts active days, and stamps the reset
// time. It runs at most once per UTC calendar day; callers gate on
// NeedsDailyReset.
func (l *Ledger) ResetDaily(now time.Time) []ResetOutcome {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ResetOutcome, 0, len(l.records))
	for _, rec := range l.records {
		met := rec.PostsToday >= l.postQuota && rec.RepliesToday >= l.replyQuota
		active := rec.PostsToday > 0 || rec.RepliesToday > 0
		if met {
			rec.StreakDays++
		} else {
			rec.StreakDays = 0
		}
		if active {
			rec.ActiveDays++
		}
		rec.PostsToday = 0
		rec.RepliesToday = 0
		out = append(out, ResetOutcome{
			AgentID:    rec.AgentID,
			MetQuotas:  met,
			WasActive:  active,
			StreakDays: rec.StreakDays,
			ActiveDays: rec.ActiveDays,
		})
	}
	l.lastReset = now
	return out
}

// Restore replaces the ledger contents with a persisted snapshot.
func (l *Ledger) Restore(records []Record, lastReset time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = make(map[string]*Record, len(records))
	for i := range records {
		rec := records[i]
		l.records[rec.AgentID] = &rec
	}
	l.lastReset = lastReset
}
