package executor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zen-systems/selfheal/pkg/adapter"
	"github.com/zen-systems/selfheal/pkg/consensus"
	"github.com/zen-systems/selfheal/pkg/metrics"
	"github.com/zen-systems/selfheal/pkg/repair"
)

// Mode selects the prompt a proposer builds.
type Mode string

const (
	ModeRepair    Mode = "repair"
	ModeDiscovery Mode = "discovery"
)

// Proposer produces one selector proposal for a page.
type Proposer interface {
	Propose(ctx context.Context, req repair.Request, mode Mode) (consensus.Proposal, error)
}

// LLMProposer asks a model for selectors.
type LLMProposer struct {
	adapter adapter.Adapter
	model   string
	retry   adapter.RetryPolicy
	logger  *zap.Logger
}

// NewLLMProposer creates a proposer backed by a and model.
func NewLLMProposer(a adapter.Adapter, model string, retry adapter.RetryPolicy, logger *zap.Logger) *LLMProposer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LLMProposer{adapter: a, model: model, retry: retry, logger: logger}
}

// Source identifies the proposer in proposals and logs.
func (p *LLMProposer) Source() string {
	return fmt.Sprintf("%s/%s", p.adapter.Name(), p.model)
}

func (p *LLMProposer) Propose(ctx context.Context, req repair.Request, mode Mode) (consensus.Proposal, error) {
	var prompt string
	switch mode {
	case ModeRepair:
		prompt = repair.GenerateRepairPrompt(req)
	case ModeDiscovery:
		prompt = repair.GenerateDiscoveryPrompt(req)
	default:
		return consensus.Proposal{}, fmt.Errorf("unknown proposal mode %q", mode)
	}

	resp, report, err := adapter.Call(ctx, p.adapter, p.model, prompt, p.retry)
	metrics.RecordAdapterCall(p.adapter.Name(), err)
	if err != nil {
		return consensus.Proposal{}, fmt.Errorf("%s: %w", p.Source(), err)
	}
	p.logger.Debug("selector proposal received",
		zap.String("source", p.Source()),
		zap.String("mode", string(mode)),
		zap.Int("retries", report.Retries),
		zap.Int("total_tokens", report.Usage.TotalTokens))

	return repair.ParseReply(p.Source(), resp.Content)
}
