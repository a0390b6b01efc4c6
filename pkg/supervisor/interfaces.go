package supervisor

import (
	"context"
	"time"

	"github.com/zen-systems/selfheal/pkg/consensus"
	"github.com/zen-systems/selfheal/pkg/extract"
	"github.com/zen-systems/selfheal/pkg/strategy"
)

// Reasoner proposes the next strategy for a run. Errors are treated as a
// recoverable step failure.
type Reasoner interface {
	Propose(ctx context.Context, state State) (strategy.Decision, error)
}

// Executor attempts one strategy against a snapshot of the run state.
type Executor interface {
	Execute(ctx context.Context, state State) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, state State) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, state State) (Outcome, error) {
	return f(ctx, state)
}

// ReasonerFunc adapts a function to Reasoner.
type ReasonerFunc func(ctx context.Context, state State) (strategy.Decision, error)

func (f ReasonerFunc) Propose(ctx context.Context, state State) (strategy.Decision, error) {
	return f(ctx, state)
}

// Outcome is what an executor reports back. A failure is recoverable
// unless Fatal is set.
type Outcome struct {
	Success          bool                   `json:"success"`
	Selectors        consensus.Selectors    `json:"selectors,omitempty"`
	Article          *extract.Article       `json:"article,omitempty"`
	Err              string                 `json:"error,omitempty"`
	Fatal            bool                   `json:"fatal,omitempty"`
	Proposals        *[2]consensus.Proposal `json:"proposals,omitempty"`
	Consensus        *consensus.Result      `json:"consensus,omitempty"`
	ConsensusReached bool                   `json:"consensus_reached"`
	// Reviewed is set when a human resolved a disagreement.
	Reviewed bool `json:"reviewed,omitempty"`
}

// Failure builds a recoverable failed outcome.
func Failure(msg string) Outcome {
	return Outcome{Err: msg}
}

// Persister stores a terminal state. The supervisor never reads it back
// during a run.
type Persister interface {
	Save(ctx context.Context, state *State) error
}

// StepObserver receives one record per supervisor step.
type StepObserver interface {
	ObserveStep(ctx context.Context, step Step) error
}

// Step records a single iteration of the supervisor loop.
type Step struct {
	RunID      string              `json:"run_id"`
	Index      int                 `json:"index"`
	Decision   *strategy.Decision  `json:"decision,omitempty"`
	Veto       *VetoRecord         `json:"veto,omitempty"`
	Strategy   strategy.Strategy   `json:"strategy,omitempty"`
	Outcome    *Outcome            `json:"outcome,omitempty"`
	ErrorKind  ErrorKind           `json:"error_kind,omitempty"`
	Error      string              `json:"error,omitempty"`
	RetryCount int                 `json:"retry_count"`
	History    []strategy.Strategy `json:"history"`
	StartedAt  time.Time           `json:"started_at"`
	Duration   time.Duration       `json:"duration_ns"`
}
