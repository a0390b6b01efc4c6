package supervisor

import (
	"fmt"
	"time"

	"github.com/zen-systems/selfheal/pkg/consensus"
	"github.com/zen-systems/selfheal/pkg/extract"
	"github.com/zen-systems/selfheal/pkg/strategy"
)

// Phase is the supervisor's coarse state.
type Phase string

const (
	PhaseRouting Phase = "ROUTING"
	PhaseSuccess Phase = "SUCCESS"
	PhaseFailed  Phase = "FAILED"
)

// VetoRecord is a guard veto as it was applied during a run.
type VetoRecord struct {
	Step       int               `json:"step"`
	Kind       ErrorKind         `json:"kind"`
	Target     strategy.Strategy `json:"target"`
	Reason     string            `json:"reason"`
	Fallback   strategy.Strategy `json:"fallback,omitempty"`
	NoFallback bool              `json:"no_fallback,omitempty"`
}

// State is the record threaded through one run. It is owned by the run
// that created it; collaborators only ever see snapshots.
type State struct {
	RunID            string              `json:"run_id"`
	URL              string              `json:"url"`
	History          []strategy.Strategy `json:"history"`
	RetryCount       int                 `json:"retry_count"`
	Current          strategy.Strategy   `json:"current_strategy,omitempty"`
	FinalSelectors   consensus.Selectors `json:"final_selectors,omitempty"`
	Article          *extract.Article    `json:"article,omitempty"`
	ErrorMessage     string              `json:"error_message,omitempty"`
	ErrorKind        ErrorKind           `json:"error_kind,omitempty"`
	ConsensusReached bool                `json:"consensus_reached"`
	Terminal         bool                `json:"terminal"`
	Phase            Phase               `json:"phase"`
	Vetoes           []VetoRecord        `json:"vetoes,omitempty"`
	LastConsensus    *consensus.Result   `json:"last_consensus,omitempty"`
	StartedAt        time.Time           `json:"started_at"`
	FinishedAt       time.Time           `json:"finished_at,omitempty"`
}

func newState(runID, url string, now time.Time) *State {
	return &State{
		RunID:     runID,
		URL:       url,
		Phase:     PhaseRouting,
		StartedAt: now,
	}
}

// Snapshot returns a deep copy safe to hand to collaborators.
func (s *State) Snapshot() State {
	out := *s
	out.History = append([]strategy.Strategy(nil), s.History...)
	out.FinalSelectors = s.FinalSelectors.Clone()
	out.Vetoes = append([]VetoRecord(nil), s.Vetoes...)
	if s.Article != nil {
		a := *s.Article
		a.Authors = append([]string(nil), s.Article.Authors...)
		if s.Article.Metadata != nil {
			a.Metadata = make(map[string]string, len(s.Article.Metadata))
			for k, v := range s.Article.Metadata {
				a.Metadata[k] = v
			}
		}
		out.Article = &a
	}
	if s.LastConsensus != nil {
		c := *s.LastConsensus
		c.Merged = s.LastConsensus.Merged.Clone()
		c.Disagreements = append([]string(nil), s.LastConsensus.Disagreements...)
		c.RequiredDisagreements = append([]string(nil), s.LastConsensus.RequiredDisagreements...)
		c.Unsupported = append([]string(nil), s.LastConsensus.Unsupported...)
		out.LastConsensus = &c
	}
	return out
}

// Previous returns the most recent strategy in history, or None.
func (s *State) Previous() strategy.Strategy {
	if len(s.History) == 0 {
		return strategy.None
	}
	return s.History[len(s.History)-1]
}

// Attempts counts how many times st appears in history.
func (s *State) Attempts(st strategy.Strategy) int {
	n := 0
	for _, h := range s.History {
		if h == st {
			n++
		}
	}
	return n
}

// Succeeded reports a terminal SUCCESS.
func (s *State) Succeeded() bool {
	return s.Terminal && s.Phase == PhaseSuccess
}

// Reason is the caller-facing summary of a terminal state.
func (s *State) Reason() string {
	switch s.Phase {
	case PhaseSuccess:
		return "success"
	case PhaseFailed:
		return fmt.Sprintf("%s: %s", s.ErrorKind.Describe(), s.ErrorMessage)
	}
	return "in progress"
}

func (s *State) mutate(fn func()) error {
	if s.Terminal {
		return ErrStateSealed
	}
	fn()
	return nil
}

// push appends st and counts a retry when it repeats the previous entry.
func (s *State) push(st strategy.Strategy) error {
	return s.mutate(func() {
		if len(s.History) > 0 && s.History[len(s.History)-1] == st {
			s.RetryCount++
		}
		s.History = append(s.History, st)
		s.Current = st
	})
}

func (s *State) retry(msg string) error {
	return s.mutate(func() {
		s.RetryCount++
		s.ErrorMessage = msg
	})
}

func (s *State) note(msg string) error {
	return s.mutate(func() {
		s.ErrorMessage = msg
	})
}

func (s *State) veto(v VetoRecord) error {
	return s.mutate(func() {
		s.Vetoes = append(s.Vetoes, v)
		s.ErrorMessage = v.Reason
	})
}

func (s *State) observeConsensus(r *consensus.Result) error {
	return s.mutate(func() {
		s.LastConsensus = r
	})
}

func (s *State) succeed(out Outcome, now time.Time) error {
	return s.mutate(func() {
		s.FinalSelectors = out.Selectors.Clone()
		s.Article = out.Article
		s.ConsensusReached = out.ConsensusReached
		s.ErrorMessage = ""
		s.ErrorKind = KindNone
		s.Phase = PhaseSuccess
		s.Terminal = true
		s.FinishedAt = now
	})
}

func (s *State) fail(kind ErrorKind, msg string, now time.Time) error {
	return s.mutate(func() {
		s.ErrorKind = kind
		s.ErrorMessage = msg
		s.Phase = PhaseFailed
		s.Terminal = true
		s.FinishedAt = now
	})
}
