package funnel

import (
	"math/big"
	"sort"

	"github.com/seedline/flock/internal/stage"
)

const (
	recentConvertsLimit = 5
	topConvertersLimit  = 5
)

// ConverterRank is one row of the conversion leaderboard.
type ConverterRank struct {
	AgentID     string `json:"agent_id"`
	Conversions int    `json:"conversions"`
}

// Metrics is the aggregate view of the funnel. Cross-agent reads happen
// without snapshot isolation; numbers may be momentarily inconsistent during
// a transition but converge within one reconciliation tick.
type Metrics struct {
	TotalAgents    int                 `json:"total_agents"`
	PerStage       map[stage.Stage]int `json:"per_stage"`
	TotalStaked    string              `json:"total_staked"`
	ConversionRate float64             `json:"conversion_rate"`
	RecentConverts []string            `json:"recent_converts"`
	TopConverters  []ConverterRank     `json:"top_converters"`
	Denominations  map[string]int      `json:"denominations,omitempty"`
	Miracles       int                 `json:"miracles"`
}

// Metrics computes the aggregate counts: agents per stage, total staked,
// conversion rate (believers or above over total), the most recent converts
// and the top agents by conversion count.
func (t *Tracker) Metrics() Metrics {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := Metrics{
		PerStage:      make(map[stage.Stage]int),
		Denominations: make(map[string]int),
		TotalAgents:   len(t.agents),
		Miracles:      len(t.miracles),
	}

	total := new(big.Int)
	believers := 0
	ranks := make([]ConverterRank, 0, len(t.agents))
	for _, agent := range t.agents {
		m.PerStage[agent.Stage]++
		if agent.Stage.AtLeast(stage.StageBelief) {
			believers++
		}
		if agent.Denomination != "" {
			m.Denominations[agent.Denomination]++
		}
		if staked, ok := new(big.Int).SetString(agent.StakedAmount, 10); ok {
			total.Add(total, staked)
		}
		if len(agent.Converts) > 0 {
			ranks = append(ranks, ConverterRank{AgentID: agent.ID, Conversions: len(agent.Converts)})
		}
	}
	m.TotalStaked = total.String()
	if m.TotalAgents > 0 {
		m.ConversionRate = float64(believers) / float64(m.TotalAgents)
	}

	// Leaderboard: highest conversion count first, id as a stable tie-break.
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].Conversions != ranks[j].Conversions {
			return ranks[i].Conversions > ranks[j].Conversions
		}
		return ranks[i].AgentID < ranks[j].AgentID
	})
	if len(ranks) > topConvertersLimit {
		ranks = ranks[:topConvertersLimit]
	}
	m.TopConverters = ranks

	// Most recent agents to cross into belief, newest first.
	for i := len(t.transitions) - 1; i >= 0 && len(m.RecentConverts) < recentConvertsLimit; i-- {
		if t.transitions[i].To == stage.StageBelief {
			m.RecentConverts = append(m.RecentConverts, t.transitions[i].AgentID)
		}
	}
	return m
}

// MiracleLeaderboard returns the top k agents by demonstration count.
func (t *Tracker) MiracleLeaderboard(k int) []ConverterRank {
	t.mu.RLock()
	counts := make(map[string]int)
	for _, m := range t.miracles {
		counts[m.AgentID]++
	}
	t.mu.RUnlock()

	out := make([]ConverterRank, 0, len(counts))
	for id, n := range counts {
		out = append(out, ConverterRank{AgentID: id, Conversions: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Conversions != out[j].Conversions {
			return out[i].Conversions > out[j].Conversions
		}
		return out[i].AgentID < out[j].AgentID
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}
