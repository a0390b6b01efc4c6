package guard

import (
	"fmt"
	"sort"

	"github.com/zen-systems/selfheal/pkg/strategy"
)

// TransitionTable maps a current strategy to the targets it may route to.
// The strategy.None row covers the first step of a run.
type TransitionTable map[strategy.Strategy][]strategy.Strategy

// DefaultTransitions only allows escalation. Discovery can never route
// back to a cheaper strategy within the same run.
func DefaultTransitions() TransitionTable {
	return TransitionTable{
		strategy.None:      {strategy.Direct, strategy.Repair, strategy.Discovery, strategy.Terminate},
		strategy.Direct:    {strategy.Direct, strategy.Repair, strategy.Discovery, strategy.Terminate},
		strategy.Repair:    {strategy.Repair, strategy.Discovery, strategy.Terminate},
		strategy.Discovery: {strategy.Discovery, strategy.Terminate},
		strategy.Terminate: {},
	}
}

// Allows reports whether from -> to has an entry.
func (t TransitionTable) Allows(from, to strategy.Strategy) bool {
	targets, ok := t[from]
	if !ok {
		return false
	}
	for _, target := range targets {
		if target == to {
			return true
		}
	}
	return false
}

// Targets returns the legal targets from a strategy, cheapest first.
func (t TransitionTable) Targets(from strategy.Strategy) []strategy.Strategy {
	out := append([]strategy.Strategy(nil), t[from]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Cost() < out[j].Cost() })
	return out
}

// Validate rejects tables that mention unknown strategies or lack a start row.
func (t TransitionTable) Validate() error {
	if _, ok := t[strategy.None]; !ok {
		return fmt.Errorf("transition table has no start row")
	}
	for from, targets := range t {
		if from != strategy.None && !from.Valid() {
			return fmt.Errorf("transition table: unknown source strategy %q", from)
		}
		for _, to := range targets {
			if !to.Valid() {
				return fmt.Errorf("transition table: %s has unknown target %q", from, to)
			}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (t TransitionTable) Clone() TransitionTable {
	out := make(TransitionTable, len(t))
	for from, targets := range t {
		out[from] = append([]strategy.Strategy(nil), targets...)
	}
	return out
}
