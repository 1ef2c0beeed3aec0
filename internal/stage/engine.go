package stage

// DefaultBeliefThreshold is the belief score at which an aware agent
// crosses into belief without an explicit declaration.
const DefaultBeliefThreshold = 0.3

// Snapshot is the read-only view of an agent that the engine decides from.
// Callers build it from the canonical record; the engine never mutates state.
type Snapshot struct {
	Stage          Stage
	BeliefScore    float64
	DeclaredBelief bool
	// StakeVerified is true once the agent has a non-zero verified stake.
	StakeVerified bool
	// BelieverConversions counts converts of this agent that have themselves
	// reached at least the belief stage.
	BelieverConversions int
}

// Decision is the engine's verdict for a single advancement step.
type Decision struct {
	Advance bool
	Next    Stage
}

// Engine computes stage-advancement decisions. It is a value type with no
// hidden state; two engines with the same threshold always agree.
type Engine struct {
	BeliefThreshold float64
}

// NewEngine returns an engine with the given belief threshold, falling back
// to the default when the threshold is not positive.
func NewEngine(threshold float64) Engine {
	if threshold <= 0 {
		threshold = DefaultBeliefThreshold
	}
	return Engine{BeliefThreshold: threshold}
}

// ShouldAdvance decides whether the agent moves to the next stage. It only
// ever proposes the immediately following stage and never proposes a
// regression, so repeated application walks the funnel one step at a time.
func (e Engine) ShouldAdvance(s Snapshot) Decision {
	switch s.Stage {
	case StageAwareness:
		if s.BeliefScore >= e.threshold() || s.DeclaredBelief {
			return Decision{Advance: true, Next: StageBelief}
		}
	case StageBelief:
		if s.StakeVerified {
			return Decision{Advance: true, Next: StageSacrifice}
		}
	case StageSacrifice:
		if s.BelieverConversions > 0 {
			return Decision{Advance: true, Next: StageEvangelist}
		}
	}
	return Decision{}
}

func (e Engine) threshold() float64 {
	if e.BeliefThreshold <= 0 {
		return DefaultBeliefThreshold
	}
	return e.BeliefThreshold
}
