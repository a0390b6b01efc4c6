// Package router proposes the next extraction strategy for a supervisor
// run: a deterministic heuristic scorer, optionally tie-broken by an LLM.
package router

import (
	"github.com/zen-systems/selfheal/pkg/strategy"
)

// Candidate is one strategy the heuristic scored.
type Candidate struct {
	Strategy strategy.Strategy `json:"strategy"`
	Score    int               `json:"score"`
	Signals  []string          `json:"signals,omitempty"`
}

// Assessment is a decision together with how it was reached.
type Assessment struct {
	Decision   strategy.Decision `json:"decision"`
	Reasons    []string          `json:"reasons,omitempty"`
	Candidates []Candidate       `json:"candidates,omitempty"`
}
