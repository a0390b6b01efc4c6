package guard

import (
	"github.com/zen-systems/selfheal/pkg/strategy"
)

const (
	DefaultThreshold  = 0.6
	DefaultLoopWindow = 3
)

// Policy configures a Guard.
type Policy struct {
	Threshold   float64
	LoopWindow  int
	Transitions TransitionTable
}

// DefaultPolicy returns the stock thresholds and transition table.
func DefaultPolicy() Policy {
	return Policy{
		Threshold:   DefaultThreshold,
		LoopWindow:  DefaultLoopWindow,
		Transitions: DefaultTransitions(),
	}
}

// Guard runs the three checks in a fixed order.
type Guard struct {
	policy Policy
}

// New creates a guard. A nil transition table falls back to the default.
func New(p Policy) *Guard {
	if p.Transitions == nil {
		p.Transitions = DefaultTransitions()
	}
	return &Guard{policy: p}
}

// Policy returns the guard's policy.
func (g *Guard) Policy() Policy {
	return g.policy
}

// Evaluate checks confidence, then loops, then the transition table.
func (g *Guard) Evaluate(history []strategy.Strategy, current strategy.Strategy, d strategy.Decision) error {
	if err := CheckConfidence(d.Confidence, g.policy.Threshold, d.Target); err != nil {
		return err
	}
	return g.admissible(history, current, d.Target)
}

func (g *Guard) admissible(history []strategy.Strategy, current, target strategy.Strategy) error {
	if target.IsExecutable() {
		if err := CheckLoop(history, target, g.policy.LoopWindow); err != nil {
			return err
		}
	}
	return CheckTransition(g.policy.Transitions, current, target)
}

// Fallback picks a deterministic replacement for a vetoed target.
//
// After a low-confidence veto the cheapest admissible strategy wins. After
// a loop or transition veto only strategies more expensive than the vetoed
// target are considered, so the run escalates. ok is false when no
// executable strategy is admissible.
func (g *Guard) Fallback(history []strategy.Strategy, current strategy.Strategy, veto *Veto) (strategy.Strategy, bool) {
	if veto == nil {
		return strategy.None, false
	}
	floor := 0
	if veto.Kind != KindLowConfidence {
		floor = veto.Target.Cost()
	}
	for _, candidate := range strategy.Executable {
		if candidate.Cost() <= floor {
			continue
		}
		if g.admissible(history, current, candidate) == nil {
			return candidate, true
		}
	}
	return strategy.None, false
}
