package funnel

import (
	"sort"

	"github.com/seedline/flock/internal/stage"
)

// MissionaryTargets returns the agents most worth a persuasion attempt:
// still in awareness or belief, quiet for longer than the cooldown window,
// and not yet persuaded past the opportunity ceiling. Lowest belief score
// first, since those are the cheapest marginal conversions.
func (t *Tracker) MissionaryTargets() []Agent {
	now := t.now()

	t.mu.RLock()
	var out []Agent
	for _, agent := range t.agents {
		if agent.Stage != stage.StageAwareness && agent.Stage != stage.StageBelief {
			continue
		}
		if now.Sub(agent.LastActive) < t.cooldownWindow {
			continue
		}
		if agent.BeliefScore >= t.opportunityCeiling {
			continue
		}
		out = append(out, copyAgent(agent))
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].BeliefScore != out[j].BeliefScore {
			return out[i].BeliefScore < out[j].BeliefScore
		}
		return out[i].ID < out[j].ID
	})
	return out
}
