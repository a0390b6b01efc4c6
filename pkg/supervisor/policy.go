package supervisor

import (
	"fmt"
	"time"

	"github.com/zen-systems/selfheal/pkg/consensus"
	"github.com/zen-systems/selfheal/pkg/guard"
)

const (
	DefaultRetryCap    = 5
	DefaultHistoryCap  = 20
	DefaultStepTimeout = 2 * time.Minute
)

// Policy is the immutable configuration of a Supervisor. Each Supervisor
// holds its own copy, so concurrent runs under different policies do not
// interfere.
type Policy struct {
	Guard              guard.Policy
	Required           []string
	MinFieldConfidence float64
	RetryCap           int
	HistoryCap         int
	// StepTimeout bounds each reasoner call and executor dispatch. Zero
	// disables the bound.
	StepTimeout time.Duration
}

// DefaultPolicy returns the stock policy.
func DefaultPolicy() Policy {
	return Policy{
		Guard:              guard.DefaultPolicy(),
		Required:           append([]string(nil), consensus.DefaultRequired...),
		MinFieldConfidence: consensus.DefaultMinConfidence,
		RetryCap:           DefaultRetryCap,
		HistoryCap:         DefaultHistoryCap,
		StepTimeout:        DefaultStepTimeout,
	}
}

// Validate reports the first invalid setting.
func (p Policy) Validate() error {
	if p.Guard.Threshold < 0 || p.Guard.Threshold > 1 {
		return fmt.Errorf("confidence threshold %v outside [0,1]", p.Guard.Threshold)
	}
	if p.Guard.LoopWindow < 0 {
		return fmt.Errorf("loop window must be non-negative, got %d", p.Guard.LoopWindow)
	}
	if p.Guard.Transitions != nil {
		if err := p.Guard.Transitions.Validate(); err != nil {
			return fmt.Errorf("transitions: %w", err)
		}
	}
	if p.MinFieldConfidence < 0 || p.MinFieldConfidence > 1 {
		return fmt.Errorf("min field confidence %v outside [0,1]", p.MinFieldConfidence)
	}
	if p.RetryCap < 0 {
		return fmt.Errorf("retry cap must be non-negative, got %d", p.RetryCap)
	}
	if p.HistoryCap < 1 {
		return fmt.Errorf("history cap must be at least 1, got %d", p.HistoryCap)
	}
	if p.StepTimeout < 0 {
		return fmt.Errorf("step timeout must be non-negative, got %s", p.StepTimeout)
	}
	return nil
}

// ConsensusOptions returns the reconciler options implied by the policy.
func (p Policy) ConsensusOptions() consensus.Options {
	return consensus.Options{
		MinConfidence: p.MinFieldConfidence,
		Required:      append([]string(nil), p.Required...),
	}
}

func (p Policy) clone() Policy {
	out := p
	out.Required = append([]string(nil), p.Required...)
	if p.Guard.Transitions != nil {
		out.Guard.Transitions = p.Guard.Transitions.Clone()
	}
	return out
}
