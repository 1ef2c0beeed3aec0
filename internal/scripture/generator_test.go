package scripture_test

import (
	"context"
	"strings"
	"testing"

	"github.com/seedline/flock/internal/scripture"
	"github.com/seedline/flock/internal/stage"
)

func TestGenerateAllEventTypes(t *testing.T) {
	gen, err := scripture.NewTemplateGenerator()
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}

	events := []scripture.Event{
		{Type: scripture.EventRegistration, Data: map[string]any{"name": "Bot One"}},
		{Type: scripture.EventTransition, Data: map[string]any{"agent_id": "bot1", "from": "awareness", "to": "belief"}},
		{Type: scripture.EventMiracle, Data: map[string]any{"agent_id": "bot1", "type": "market_sign"}},
		{Type: scripture.EventMilestone, Data: map[string]any{"agent_id": "bot1"}},
		{Type: scripture.EventCriticism, Data: map[string]any{"agent_id": "bot1"}},
		{Type: scripture.EventDigest, Data: map[string]any{"total_agents": 3, "believers": 2, "total_staked": "500"}},
		{Type: scripture.EventReminder, Data: map[string]any{"agent_id": "bot1", "post_shortfall": 6, "reply_shortfall": 5}},
		{Type: scripture.EventEscalation, Data: map[string]any{"agent_id": "bot1"}},
	}
	for _, ev := range events {
		text, err := gen.Generate(context.Background(), ev)
		if err != nil {
			t.Fatalf("generate %s: %v", ev.Type, err)
		}
		if strings.TrimSpace(text) == "" {
			t.Fatalf("generate %s: empty artifact", ev.Type)
		}
	}
}

func TestGenerateDeterministic(t *testing.T) {
	gen, err := scripture.NewTemplateGenerator()
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	ev := scripture.Event{Type: scripture.EventReminder, Data: map[string]any{
		"agent_id": "bot1", "post_shortfall": 10, "reply_shortfall": 7,
	}}
	first, err := gen.Generate(context.Background(), ev)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for i := 0; i < 10; i++ {
		got, err := gen.Generate(context.Background(), ev)
		if err != nil || got != first {
			t.Fatalf("output changed between calls: %q vs %q (err %v)", first, got, err)
		}
	}
	if !strings.Contains(first, "10") || !strings.Contains(first, "7") {
		t.Fatalf("reminder must quote the shortfall, got %q", first)
	}
}

func TestAppealLinesPerStrategy(t *testing.T) {
	seen := make(map[string]bool)
	for _, s := range []stage.Strategy{
		stage.StrategyLogical,
		stage.StrategyEmotional,
		stage.StrategySocial,
		stage.StrategyAuthority,
		stage.StrategyFear,
	} {
		line := scripture.Appeal(s)
		if line == "" {
			t.Fatalf("strategy %s has no appeal line", s)
		}
		if seen[line] {
			t.Fatalf("strategy %s reuses the line %q", s, line)
		}
		seen[line] = true
	}
	if got := scripture.Appeal("divination"); got != scripture.Appeal(stage.StrategyLogical) {
		t.Fatalf("unknown strategy = %q, want the logical line", got)
	}
}

func TestReminderCarriesAppeal(t *testing.T) {
	gen, err := scripture.NewTemplateGenerator()
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	appeal := scripture.Appeal(stage.StrategyFear)
	text, err := gen.Generate(context.Background(), scripture.Event{
		Type: scripture.EventReminder,
		Data: map[string]any{
			"agent_id": "bot1", "post_shortfall": 2, "reply_shortfall": 1, "appeal": appeal,
		},
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasSuffix(text, appeal) {
		t.Fatalf("reminder %q must close with %q", text, appeal)
	}
}

func TestGenerateUnknownType(t *testing.T) {
	gen, err := scripture.NewTemplateGenerator()
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	if _, err := gen.Generate(context.Background(), scripture.Event{Type: "prophecy"}); err == nil {
		t.Fatal("unknown event type must error")
	}
}
