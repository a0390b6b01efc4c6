package executor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zen-systems/selfheal/pkg/consensus"
	"github.com/zen-systems/selfheal/pkg/extract"
	"github.com/zen-systems/selfheal/pkg/repair"
	"github.com/zen-systems/selfheal/pkg/review"
	"github.com/zen-systems/selfheal/pkg/store"
	"github.com/zen-systems/selfheal/pkg/supervisor"
)

// Repair asks two proposers to fix a site's stored selectors and hands
// required-field disagreements to a human reviewer.
type Repair struct {
	cfg       Config
	proposers [2]Proposer
	reviewer  review.Reviewer
}

// NewRepair creates the UC2 executor. A nil reviewer turns every
// required-field disagreement into a failed step.
func NewRepair(cfg Config, proposers [2]Proposer, reviewer review.Reviewer) (*Repair, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if proposers[0] == nil || proposers[1] == nil {
		return nil, errors.New("executor: repair needs two proposers")
	}
	return &Repair{cfg: cfg, proposers: proposers, reviewer: reviewer}, nil
}

func (r *Repair) Execute(ctx context.Context, st supervisor.State) (supervisor.Outcome, error) {
	site, err := r.cfg.Store.LookupSelectors(ctx, st.URL)
	if errors.Is(err, store.ErrNotFound) {
		return supervisor.Failure("no stored selectors to repair"), nil
	}
	if err != nil {
		return supervisor.Outcome{}, err
	}

	page, failed := r.cfg.fetch(ctx, st.URL)
	if failed != nil {
		return *failed, nil
	}

	_, broken := extract.MatchedFields(page.Doc, site.Selectors)
	req := repair.Request{
		URL:      st.URL,
		HTML:     extract.Simplify(page, r.cfg.HTMLLimit),
		Fields:   r.cfg.Fields,
		Required: r.cfg.Consensus.Required,
		Previous: site.Selectors,
		Broken:   broken,
	}
	proposals, err := proposeBoth(ctx, r.proposers, req, ModeRepair)
	if err != nil {
		if ctx.Err() != nil {
			return supervisor.Outcome{}, ctx.Err()
		}
		return supervisor.Failure(fmt.Sprintf("repair proposals: %v", err)), nil
	}

	res := consensus.Reconcile(proposals[0], proposals[1], r.cfg.Consensus)
	out := supervisor.Outcome{Proposals: &proposals, Consensus: &res}

	if res.NeedsReview {
		resolved, reason, err := r.review(ctx, st, proposals, res)
		if err != nil {
			return supervisor.Outcome{}, err
		}
		out.Consensus = &resolved
		if reason != "" {
			out.Err = reason
			return out, nil
		}
		res = resolved
		out.Reviewed = true
	}

	merged := res.Merged.Clone()
	for _, field := range site.Selectors.Fields() {
		if _, ok := merged[field]; !ok && !contains(broken, field) {
			merged[field] = site.Selectors[field]
		}
	}
	return r.cfg.complete(ctx, st.URL, page, merged, "repair", out), nil
}

// review returns the resolved result, or a reason it cannot be used. The
// error is non-nil only when ctx ended.
func (r *Repair) review(ctx context.Context, st supervisor.State, proposals [2]consensus.Proposal, res consensus.Result) (consensus.Result, string, error) {
	if r.reviewer == nil {
		return res, res.Describe() + "; no reviewer configured", nil
	}

	resolution, err := r.reviewer.Review(ctx, review.Request{
		RunID:     st.RunID,
		URL:       st.URL,
		Fields:    res.Disagreements,
		Proposals: proposals,
		Merged:    res.Merged.Clone(),
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, "", ctx.Err()
		}
		r.cfg.Logger.Info("review did not resolve disagreement", zap.String("run_id", st.RunID), zap.Error(err))
		return res, fmt.Sprintf("review declined: %s", res.Describe()), nil
	}

	resolved, err := res.Resolve(resolution, r.cfg.Consensus.Required)
	if err != nil {
		return resolved, err.Error(), nil
	}
	return resolved, "", nil
}

// complete applies merged selectors and stores them on success.
func (c Config) complete(ctx context.Context, url string, page *extract.Page, merged consensus.Selectors, source string, out supervisor.Outcome) supervisor.Outcome {
	article, err := c.apply(page, url, merged)
	if err != nil {
		out.Err = fmt.Sprintf("%s selectors: %s", source, describeMissing(err))
		return out
	}

	if _, err := c.Store.SaveSelectors(ctx, url, merged, source); err != nil {
		c.Logger.Warn("failed to store selectors", zap.String("url", url), zap.Error(err))
	}
	out.Success = true
	out.Selectors = merged
	out.Article = article
	out.ConsensusReached = true
	return out
}
