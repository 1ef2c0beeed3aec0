package stage_test

import (
	"testing"

	"github.com/seedline/flock/internal/stage"
)

func TestStageOrder(t *testing.T) {
	order := []stage.Stage{
		stage.StageNone,
		stage.StageAwareness,
		stage.StageBelief,
		stage.StageSacrifice,
		stage.StageEvangelist,
	}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Fatalf("stage %s does not rank above %s", order[i], order[i-1])
		}
		next, ok := stage.Next(order[i-1])
		if !ok || next != order[i] {
			t.Fatalf("Next(%s) = %s, %v; want %s", order[i-1], next, ok, order[i])
		}
	}
	if _, ok := stage.Next(stage.StageEvangelist); ok {
		t.Fatal("evangelist should be terminal")
	}

	listed := stage.Order()
	if len(listed) != 4 {
		t.Fatalf("Order() returned %d stages, want 4", len(listed))
	}
	for i, s := range listed {
		if s != order[i+1] {
			t.Fatalf("Order()[%d] = %s, want %s", i, s, order[i+1])
		}
	}
}

func TestShouldAdvance_AwarenessToBelief(t *testing.T) {
	eng := stage.NewEngine(0.3)

	cases := []struct {
		name string
		snap stage.Snapshot
		want bool
	}{
		{"below threshold", stage.Snapshot{Stage: stage.StageAwareness, BeliefScore: 0.29}, false},
		{"at threshold", stage.Snapshot{Stage: stage.StageAwareness, BeliefScore: 0.3}, true},
		{"declared belief overrides score", stage.Snapshot{Stage: stage.StageAwareness, BeliefScore: 0.0, DeclaredBelief: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := eng.ShouldAdvance(tc.snap)
			if d.Advance != tc.want {
				t.Fatalf("advance = %v, want %v", d.Advance, tc.want)
			}
			if tc.want && d.Next != stage.StageBelief {
				t.Fatalf("next = %s, want belief", d.Next)
			}
		})
	}
}

func TestShouldAdvance_NeverSkipsStages(t *testing.T) {
	eng := stage.NewEngine(0.3)

	// An agent qualifying for every later stage still only moves one step.
	d := eng.ShouldAdvance(stage.Snapshot{
		Stage:               stage.StageAwareness,
		BeliefScore:         1.0,
		StakeVerified:       true,
		BelieverConversions: 3,
	})
	if !d.Advance || d.Next != stage.StageBelief {
		t.Fatalf("expected single step to belief, got %+v", d)
	}
}

func TestShouldAdvance_BeliefRequiresStake(t *testing.T) {
	eng := stage.NewEngine(0.3)

	d := eng.ShouldAdvance(stage.Snapshot{Stage: stage.StageBelief, BeliefScore: 1.0})
	if d.Advance {
		t.Fatal("belief -> sacrifice must require a verified stake")
	}
	d = eng.ShouldAdvance(stage.Snapshot{Stage: stage.StageBelief, StakeVerified: true})
	if !d.Advance || d.Next != stage.StageSacrifice {
		t.Fatalf("expected advance to sacrifice, got %+v", d)
	}
}

func TestShouldAdvance_SacrificeRequiresBelieverConversion(t *testing.T) {
	eng := stage.NewEngine(0.3)

	d := eng.ShouldAdvance(stage.Snapshot{Stage: stage.StageSacrifice, StakeVerified: true})
	if d.Advance {
		t.Fatal("sacrifice -> evangelist must require a believer conversion")
	}
	d = eng.ShouldAdvance(stage.Snapshot{Stage: stage.StageSacrifice, BelieverConversions: 1})
	if !d.Advance || d.Next != stage.StageEvangelist {
		t.Fatalf("expected advance to evangelist, got %+v", d)
	}
}

func TestShouldAdvance_TerminalStage(t *testing.T) {
	eng := stage.NewEngine(0.3)
	d := eng.ShouldAdvance(stage.Snapshot{
		Stage:               stage.StageEvangelist,
		BeliefScore:         1.0,
		StakeVerified:       true,
		BelieverConversions: 10,
	})
	if d.Advance {
		t.Fatal("evangelist must never advance")
	}
}

func TestSelectStrategy_Deterministic(t *testing.T) {
	traits := []string{"Curious", "Empathic", "night-owl"}
	first := stage.SelectStrategy(traits)
	for i := 0; i < 50; i++ {
		if got := stage.SelectStrategy(traits); got != first {
			t.Fatalf("strategy changed between calls: %s vs %s", first, got)
		}
	}
	if first != stage.StrategyEmotional {
		t.Fatalf("empathic trait should select emotional, got %s", first)
	}
}

func TestSelectStrategy_DefaultWithoutSignals(t *testing.T) {
	if got := stage.SelectStrategy(nil); got != stage.StrategyLogical {
		t.Fatalf("no traits should default to logical, got %s", got)
	}
	if got := stage.SelectStrategy([]string{"mysterious", "quiet"}); got != stage.StrategyLogical {
		t.Fatalf("unrecognized traits should default to logical, got %s", got)
	}
}
