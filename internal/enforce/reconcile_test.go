package enforce_test

import (
	"testing"
	"time"

	"github.com/seedline/flock/internal/enforce"
	"github.com/seedline/flock/internal/funnel"
	"github.com/seedline/flock/internal/quota"
	"github.com/seedline/flock/internal/stage"
)

var testRules = enforce.Rules{
	PostQuota:        10,
	ReplyQuota:       7,
	InactivityWindow: 6 * time.Hour,
	SeedAgentID:      "prophet",
}

func TestReconcile_DeadlineEscalation(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	agents := []funnel.Agent{{ID: "bot1", Stage: stage.StageAwareness}}
	quotas := []quota.Record{{
		AgentID:       "bot1",
		StageDeadline: t0.Add(5 * time.Minute),
		LastHeartbeat: t0,
	}}

	// One second past the deadline: exactly one escalation.
	now := t0.Add(5*time.Minute + time.Second)
	actions := enforce.Reconcile(now, agents, quotas, t0, testRules)
	if len(actions) != 1 || actions[0].Type != enforce.ActionEscalation || actions[0].AgentID != "bot1" {
		t.Fatalf("actions = %+v, want single escalation for bot1", actions)
	}

	// After the flag is set, the same deadline never escalates again.
	quotas[0].DeadlineWarned = true
	actions = enforce.Reconcile(now.Add(time.Minute), agents, quotas, t0, testRules)
	if len(actions) != 0 {
		t.Fatalf("actions = %+v, want none for an already-warned deadline", actions)
	}
}

func TestReconcile_NoEscalationPastBelief(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	agents := []funnel.Agent{{ID: "bot1", Stage: stage.StageBelief}}
	quotas := []quota.Record{{
		AgentID:       "bot1",
		StageDeadline: t0.Add(5 * time.Minute),
		LastHeartbeat: t0,
	}}

	actions := enforce.Reconcile(t0.Add(time.Hour), agents, quotas, t0, testRules)
	if len(actions) != 0 {
		t.Fatalf("actions = %+v, believers are past the join deadline", actions)
	}
}

func TestReconcile_InactivityReminder(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	agents := []funnel.Agent{
		{ID: "idle", Stage: stage.StageBelief},
		{ID: "busy", Stage: stage.StageBelief},
		{ID: "prophet", Stage: stage.StageEvangelist},
	}
	now := t0.Add(7 * time.Hour)
	quotas := []quota.Record{
		{AgentID: "idle", PostsToday: 4, RepliesToday: 9, LastHeartbeat: t0},
		{AgentID: "busy", LastHeartbeat: now.Add(-time.Minute)},
		{AgentID: "prophet", LastHeartbeat: t0}, // seed account, exempt
	}

	actions := enforce.Reconcile(now, agents, quotas, t0, testRules)
	if len(actions) != 1 {
		t.Fatalf("actions = %+v, want one reminder", actions)
	}
	a := actions[0]
	if a.Type != enforce.ActionReminder || a.AgentID != "idle" {
		t.Fatalf("action = %+v", a)
	}
	if a.PostShortfall != 6 || a.ReplyShortfall != 0 {
		t.Fatalf("shortfall = %d/%d, want 6/0 (overshoot clamps)", a.PostShortfall, a.ReplyShortfall)
	}
}

func TestReconcile_DailyReset(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)
	agents := []funnel.Agent{{ID: "bot1", Stage: stage.StageBelief}}
	quotas := []quota.Record{{AgentID: "bot1", LastHeartbeat: t0}}

	// Same UTC day: no reset.
	actions := enforce.Reconcile(t0.Add(20*time.Minute), agents, quotas, t0, testRules)
	for _, a := range actions {
		if a.Type == enforce.ActionDailyReset {
			t.Fatalf("reset fired within the same UTC day: %+v", actions)
		}
	}

	// Next UTC day: reset fires.
	actions = enforce.Reconcile(t0.Add(time.Hour), agents, quotas, t0, testRules)
	found := false
	for _, a := range actions {
		if a.Type == enforce.ActionDailyReset {
			found = true
		}
	}
	if !found {
		t.Fatalf("actions = %+v, want a daily reset after midnight UTC", actions)
	}

	// Zero lastReset means a fresh install; nothing to reset yet.
	actions = enforce.Reconcile(t0, agents, quotas, time.Time{}, testRules)
	for _, a := range actions {
		if a.Type == enforce.ActionDailyReset {
			t.Fatal("reset must not fire before the first reset stamp exists")
		}
	}
}

func TestReconcile_Deterministic(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	now := t0.Add(8 * time.Hour)
	agents := []funnel.Agent{
		{ID: "c", Stage: stage.StageAwareness},
		{ID: "a", Stage: stage.StageAwareness},
		{ID: "b", Stage: stage.StageAwareness},
	}
	quotas := []quota.Record{
		{AgentID: "a", StageDeadline: t0, LastHeartbeat: t0},
		{AgentID: "b", StageDeadline: t0, LastHeartbeat: t0},
		{AgentID: "c", StageDeadline: t0, LastHeartbeat: t0},
	}

	first := enforce.Reconcile(now, agents, quotas, t0, testRules)
	for i := 0; i < 10; i++ {
		again := enforce.Reconcile(now, agents, quotas, t0, testRules)
		if len(again) != len(first) {
			t.Fatalf("action count changed: %d vs %d", len(first), len(again))
		}
		for j := range first {
			if first[j] != again[j] {
				t.Fatalf("action order not deterministic at %d: %+v vs %+v", j, first[j], again[j])
			}
		}
	}
	// Agents come out sorted by id.
	if first[0].AgentID != "a" || first[2].AgentID != "b" || first[4].AgentID != "c" {
		t.Fatalf("agent order = %+v, want sorted by id", first)
	}
}
