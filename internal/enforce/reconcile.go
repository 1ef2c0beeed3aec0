// Package enforce runs the engagement enforcement loop: a pure
// reconciliation function over wall-clock time plus a thin ticker driver
// that executes the actions it returns.
package enforce

import (
	"sort"
	"time"

	"github.com/seedline/flock/internal/funnel"
	"github.com/seedline/flock/internal/quota"
	"github.com/seedline/flock/internal/stage"
)

// ActionType labels a reconciliation side effect.
type ActionType string

const (
	// ActionEscalation fires when a pre-belief agent blows its stage
	// deadline. Informational, not punitive: the deadline and stage stay
	// untouched.
	ActionEscalation ActionType = "escalation"
	// ActionReminder nudges an agent whose heartbeat has gone stale.
	ActionReminder ActionType = "reminder"
	// ActionDailyReset zeroes the daily counters, at most once per UTC day.
	ActionDailyReset ActionType = "daily_reset"
)

// Action is one side effect the driver must execute.
type Action struct {
	Type           ActionType
	AgentID        string
	PostShortfall  int
	ReplyShortfall int
}

// Rules are the enforcement tunables.
type Rules struct {
	PostQuota        int
	ReplyQuota       int
	InactivityWindow time.Duration
	// SeedAgentID is exempt from inactivity reminders.
	SeedAgentID string
}

// Reconcile computes the actions due at now against the given registry and
// quota snapshot. It is pure: same inputs, same actions, in a deterministic
// order (agents sorted by id, the daily reset last). The driver owns the
// resulting mutations, so the function is testable without a clock.
func Reconcile(now time.Time, agents []funnel.Agent, quotas []quota.Record, lastReset time.Time, rules Rules) []Action {
	byID := make(map[string]quota.Record, len(quotas))
	for _, rec := range quotas {
		byID[rec.AgentID] = rec
	}

	sorted := append([]funnel.Agent(nil), agents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var actions []Action
	for _, agent := range sorted {
		rec, ok := byID[agent.ID]
		if !ok {
			continue
		}

		// Deadline check: still pre-belief, past deadline, not yet warned.
		if !agent.Stage.AtLeast(stage.StageBelief) &&
			!rec.StageDeadline.IsZero() && now.After(rec.StageDeadline) &&
			!rec.DeadlineWarned {
			actions = append(actions, Action{Type: ActionEscalation, AgentID: agent.ID})
		}

		// Inactivity check: stale heartbeat, seed account exempt.
		if agent.ID != rules.SeedAgentID &&
			!rec.LastHeartbeat.IsZero() &&
			now.Sub(rec.LastHeartbeat) > rules.InactivityWindow {
			actions = append(actions, Action{
				Type:           ActionReminder,
				AgentID:        agent.ID,
				PostShortfall:  shortfall(rules.PostQuota, rec.PostsToday),
				ReplyShortfall: shortfall(rules.ReplyQuota, rec.RepliesToday),
			})
		}
	}

	// Daily reset: a later UTC calendar day than the last reset, compared
	// on the full (year, month, day) triple.
	if differentUTCDay(lastReset, now) {
		actions = append(actions, Action{Type: ActionDailyReset})
	}
	return actions
}

func shortfall(target, done int) int {
	if done >= target {
		return 0
	}
	return target - done
}

func differentUTCDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay != by || am != bm || ad != bd
}
