package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zen-systems/selfheal/pkg/adapter"
	"github.com/zen-systems/selfheal/pkg/metrics"
	"github.com/zen-systems/selfheal/pkg/strategy"
	"github.com/zen-systems/selfheal/pkg/supervisor"
)

// DefaultTieBreakThreshold is the heuristic confidence below which the
// model is consulted.
const DefaultTieBreakThreshold = 0.65

// LLMReasoner asks a model to break ties the heuristic is unsure about.
// Any model failure falls back to the heuristic decision.
type LLMReasoner struct {
	heuristic *Heuristic
	adapter   adapter.Adapter
	model     string
	threshold float64
	retry     adapter.RetryPolicy
	logger    *zap.Logger
}

// LLMOption configures an LLMReasoner.
type LLMOption func(*LLMReasoner)

// WithThreshold sets the tie-break threshold.
func WithThreshold(t float64) LLMOption {
	return func(r *LLMReasoner) {
		if t > 0 {
			r.threshold = t
		}
	}
}

func WithRetryPolicy(p adapter.RetryPolicy) LLMOption {
	return func(r *LLMReasoner) {
		r.retry = p
	}
}

func WithLogger(l *zap.Logger) LLMOption {
	return func(r *LLMReasoner) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewLLMReasoner wraps h with a model tie-breaker.
func NewLLMReasoner(h *Heuristic, a adapter.Adapter, model string, opts ...LLMOption) *LLMReasoner {
	r := &LLMReasoner{
		heuristic: h,
		adapter:   a,
		model:     model,
		threshold: DefaultTieBreakThreshold,
		retry:     adapter.DefaultRetryPolicy(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Propose implements supervisor.Reasoner.
func (r *LLMReasoner) Propose(ctx context.Context, st supervisor.State) (strategy.Decision, error) {
	as, err := r.heuristic.Assess(ctx, st)
	if err != nil {
		return strategy.Decision{}, err
	}
	if !r.shouldUseLLMTieBreaker(as) {
		return as.Decision, nil
	}

	decision, err := r.tieBreak(ctx, st, as)
	if err != nil {
		if ctx.Err() != nil {
			return strategy.Decision{}, ctx.Err()
		}
		r.logger.Warn("tie-breaker failed; using heuristic",
			zap.String("run_id", st.RunID),
			zap.String("adapter", r.adapter.Name()),
			zap.Error(err))
		fallback := as.Decision
		fallback.Rationale = strings.TrimSpace(fallback.Rationale + "; tie-breaker failed: " + err.Error())
		return fallback, nil
	}
	return decision, nil
}

func (r *LLMReasoner) shouldUseLLMTieBreaker(as *Assessment) bool {
	if r.adapter == nil || r.model == "" || as == nil {
		return false
	}
	if as.Decision.Confidence >= r.threshold {
		return false
	}
	return len(as.Candidates) > 1
}

func (r *LLMReasoner) tieBreak(ctx context.Context, st supervisor.State, as *Assessment) (strategy.Decision, error) {
	prompt := buildReasonerPrompt(st, as.Candidates)
	resp, _, err := adapter.Call(ctx, r.adapter, r.model, prompt, r.retry)
	metrics.RecordAdapterCall(r.adapter.Name(), err)
	if err != nil {
		return strategy.Decision{}, err
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return strategy.Decision{}, fmt.Errorf("reasoner returned empty response")
	}

	pick, err := parsePick(resp.Content)
	if err != nil {
		return strategy.Decision{}, fmt.Errorf("reasoner response invalid: %w", err)
	}
	target, err := strategy.Parse(pick.Strategy)
	if err != nil {
		return strategy.Decision{}, err
	}
	if !validCandidate(target, as.Candidates) {
		return strategy.Decision{}, fmt.Errorf("reasoner picked %s, not a candidate", target)
	}
	if pick.Confidence < 0 || pick.Confidence > 1 {
		return strategy.Decision{}, fmt.Errorf("reasoner confidence %v out of range", pick.Confidence)
	}

	return strategy.Decision{
		Target:     target,
		Confidence: pick.Confidence,
		Rationale:  pick.Rationale,
		UsedLLM:    true,
		Adapter:    r.adapter.Name(),
		Model:      r.model,
	}, nil
}

type reasonerPick struct {
	Strategy   string  `json:"strategy"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

func parsePick(content string) (*reasonerPick, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var pick reasonerPick
	if err := json.Unmarshal([]byte(content), &pick); err != nil {
		return nil, err
	}
	if pick.Strategy == "" {
		return nil, fmt.Errorf("missing strategy")
	}
	return &pick, nil
}

func validCandidate(target strategy.Strategy, candidates []Candidate) bool {
	if target == strategy.Terminate {
		return true
	}
	for _, c := range candidates {
		if c.Strategy == target {
			return true
		}
	}
	return false
}

func buildReasonerPrompt(st supervisor.State, candidates []Candidate) string {
	var sb strings.Builder
	sb.WriteString("You route a web-extraction run between strategies of increasing cost:\n")
	sb.WriteString("UC1_DIRECT (apply stored selectors), UC2_REPAIR (fix stored selectors with human review), ")
	sb.WriteString("UC3_DISCOVERY (derive selectors from scratch), TERMINATE (give up).\n")
	sb.WriteString("Return ONLY JSON: {\"strategy\":\"...\",\"confidence\":0-1,\"rationale\":\"...\"}.\n\n")

	sb.WriteString(fmt.Sprintf("URL: %s\n", st.URL))
	history := make([]string, 0, len(st.History))
	for _, h := range st.History {
		history = append(history, h.String())
	}
	if len(history) == 0 {
		history = append(history, "(none)")
	}
	sb.WriteString(fmt.Sprintf("History: %s\n", strings.Join(history, " -> ")))
	sb.WriteString(fmt.Sprintf("Retries: %d\n", st.RetryCount))
	if st.ErrorMessage != "" {
		sb.WriteString(fmt.Sprintf("Last error: %s\n", st.ErrorMessage))
	}
	if st.LastConsensus != nil && !st.LastConsensus.Agreed {
		sb.WriteString(fmt.Sprintf("Last consensus: %s\n", st.LastConsensus.Describe()))
	}

	sb.WriteString("\nCandidates:\n")
	for _, c := range candidates {
		sb.WriteString(fmt.Sprintf("- %s (score=%d)\n", c.Strategy, c.Score))
		if len(c.Signals) > 0 {
			sb.WriteString(fmt.Sprintf("  signals: %s\n", strings.Join(c.Signals, ", ")))
		}
	}
	return sb.String()
}
