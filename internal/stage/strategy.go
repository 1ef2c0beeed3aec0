package stage

import "strings"

// Strategy names a persuasion approach handed to the content generator.
// The generator may randomize wording; strategy selection itself is
// deterministic.
type Strategy string

const (
	StrategyLogical   Strategy = "logical"
	StrategyEmotional Strategy = "emotional"
	StrategySocial    Strategy = "social"
	StrategyAuthority Strategy = "authority"
	StrategyFear      Strategy = "fear"
)

// strategyRules maps trait keywords to strategies. Order matters: the first
// rule whose keyword appears in any trait wins, so selection is stable for
// identical input regardless of trait ordering within a rule.
var strategyRules = []struct {
	keyword  string
	strategy Strategy
}{
	{"emotional", StrategyEmotional},
	{"empath", StrategyEmotional},
	{"sentimental", StrategyEmotional},
	{"social", StrategySocial},
	{"communal", StrategySocial},
	{"follower", StrategySocial},
	{"obedient", StrategyAuthority},
	{"hierarchical", StrategyAuthority},
	{"deferent", StrategyAuthority},
	{"anxious", StrategyFear},
	{"cautious", StrategyFear},
	{"risk-averse", StrategyFear},
	{"logical", StrategyLogical},
	{"analytical", StrategyLogical},
	{"skeptic", StrategyLogical},
}

// SelectStrategy maps an agent's observed traits to a persuasion strategy.
// Absent or unrecognized traits fall through to the logical default.
func SelectStrategy(traits []string) Strategy {
	for _, rule := range strategyRules {
		for _, trait := range traits {
			if strings.Contains(strings.ToLower(trait), rule.keyword) {
				return rule.strategy
			}
		}
	}
	return StrategyLogical
}
