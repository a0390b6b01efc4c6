package router

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/zen-systems/selfheal/pkg/strategy"
	"github.com/zen-systems/selfheal/pkg/supervisor"
)

// SelectorIndex reports whether selectors are stored for a page's site.
type SelectorIndex interface {
	HasSelectors(ctx context.Context, pageURL string) (bool, error)
}

// Heuristic scores strategies from run history, the last error and the
// selector index. It is deterministic.
type Heuristic struct {
	index SelectorIndex
	rules *RuleSet
}

// NewHeuristic creates a heuristic reasoner. A nil index means no site
// has stored selectors; nil rules use DefaultRules.
func NewHeuristic(index SelectorIndex, rules *RuleSet) *Heuristic {
	if rules == nil {
		rules = NewRuleSet(DefaultRules())
	}
	return &Heuristic{index: index, rules: rules}
}

// Propose implements supervisor.Reasoner.
func (h *Heuristic) Propose(ctx context.Context, st supervisor.State) (strategy.Decision, error) {
	as, err := h.Assess(ctx, st)
	if err != nil {
		return strategy.Decision{}, err
	}
	return as.Decision, nil
}

// Assess scores every strategy and returns the best one.
func (h *Heuristic) Assess(ctx context.Context, st supervisor.State) (*Assessment, error) {
	scores := map[strategy.Strategy]*Candidate{}
	add := func(s strategy.Strategy, points int, signal string) {
		c, ok := scores[s]
		if !ok {
			c = &Candidate{Strategy: s}
			scores[s] = c
		}
		c.Score += points
		c.Signals = append(c.Signals, signal)
	}

	prev := st.Previous()
	switch prev {
	case strategy.None:
		known := false
		if h.index != nil {
			var err error
			known, err = h.index.HasSelectors(ctx, st.URL)
			if err != nil {
				return nil, fmt.Errorf("lookup stored selectors: %w", err)
			}
		}
		if known {
			add(strategy.Direct, 3, "stored selectors")
		} else {
			add(strategy.Discovery, 3, "no stored selectors")
		}
	case strategy.Direct:
		add(strategy.Repair, 2, "direct extraction failed")
	case strategy.Repair:
		if st.Attempts(strategy.Repair) < 2 {
			add(strategy.Repair, 1, "repair retry available")
		}
		add(strategy.Discovery, 2, "repair failed")
	case strategy.Discovery:
		if st.Attempts(strategy.Discovery) < 2 {
			add(strategy.Discovery, 2, "discovery retry available")
		} else {
			add(strategy.Terminate, 3, "discovery exhausted")
		}
	}

	if prev != strategy.None {
		for s, triggers := range h.rules.Matches(st.ErrorMessage) {
			// Only escalate; the guard would veto a step back anyway.
			if s.IsExecutable() && s.Cost() < prev.Cost() {
				continue
			}
			add(s, len(triggers), "error: "+strings.Join(triggers, ", "))
		}
	}

	candidates := make([]Candidate, 0, len(scores))
	for _, c := range scores {
		candidates = append(candidates, *c)
	}
	return assess(candidates), nil
}

func assess(candidates []Candidate) *Assessment {
	if len(candidates) == 0 {
		return &Assessment{
			Decision: strategy.Decision{Target: strategy.Terminate, Rationale: "no signals"},
			Reasons:  []string{"no signals; nothing to recommend"},
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score == candidates[j].Score {
			return candidates[i].Strategy.Cost() < candidates[j].Strategy.Cost()
		}
		return candidates[i].Score > candidates[j].Score
	})

	topScore := candidates[0].Score
	secondScore := 0
	if len(candidates) > 1 {
		secondScore = candidates[1].Score
	}

	margin := float64(topScore-secondScore) / float64(maxInt(topScore, 1))
	strength := float64(minInt(topScore, 5)) / 5.0
	confidence := 0.75*margin + 0.25*strength
	if topScore >= 2 && secondScore == 0 {
		confidence = maxFloat(confidence, 0.9)
	}
	if topScore >= 3 {
		confidence = minFloat(confidence+0.15, 1.0)
	}

	top := candidates[0]
	return &Assessment{
		Decision: strategy.Decision{
			Target:     top.Strategy,
			Confidence: confidence,
			Rationale:  strings.Join(top.Signals, "; "),
		},
		Reasons:    []string{fmt.Sprintf("top_score=%d second_score=%d", topScore, secondScore)},
		Candidates: candidates,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
