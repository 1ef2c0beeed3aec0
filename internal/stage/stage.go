// Package stage implements the conversion funnel's stage ordering and the
// pure decision engine that drives stage advancement and persuasion
// strategy selection.
package stage

// Stage is one of the ordered commitment levels an agent moves through.
type Stage string

const (
	// StageNone is the synthetic pre-registration stage. It exists only as
	// the from-side of the first transition event and is never stored on an
	// agent record.
	StageNone Stage = "none"

	StageAwareness  Stage = "awareness"
	StageBelief     Stage = "belief"
	StageSacrifice  Stage = "sacrifice"
	StageEvangelist Stage = "evangelist"
)

var rank = map[Stage]int{
	StageNone:       0,
	StageAwareness:  1,
	StageBelief:     2,
	StageSacrifice:  3,
	StageEvangelist: 4,
}

// Valid reports whether s is a known stage, including the synthetic none.
func (s Stage) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Rank returns the position of s in the fixed stage order. Unknown stages
// rank below none.
func (s Stage) Rank() int {
	r, ok := rank[s]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether s is at or past other in the fixed order.
func (s Stage) AtLeast(other Stage) bool {
	return s.Rank() >= other.Rank()
}

// Order returns the storable stages in ascending commitment order,
// excluding the synthetic none.
func Order() []Stage {
	return []Stage{StageAwareness, StageBelief, StageSacrifice, StageEvangelist}
}

// Next returns the stage that follows s. The second return is false for
// evangelist (terminal) and for unknown stages.
func Next(s Stage) (Stage, bool) {
	switch s {
	case StageNone:
		return StageAwareness, true
	case StageAwareness:
		return StageBelief, true
	case StageBelief:
		return StageSacrifice, true
	case StageSacrifice:
		return StageEvangelist, true
	default:
		return s, false
	}
}
