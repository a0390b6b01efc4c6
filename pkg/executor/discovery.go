package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/zen-systems/selfheal/pkg/consensus"
	"github.com/zen-systems/selfheal/pkg/extract"
	"github.com/zen-systems/selfheal/pkg/repair"
	"github.com/zen-systems/selfheal/pkg/supervisor"
)

// Discovery derives a fresh selector set from two independent proposals.
// There is no human in this loop: a required-field disagreement fails the
// step.
type Discovery struct {
	cfg       Config
	proposers [2]Proposer
}

// NewDiscovery creates the UC3 executor.
func NewDiscovery(cfg Config, proposers [2]Proposer) (*Discovery, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if proposers[0] == nil || proposers[1] == nil {
		return nil, errors.New("executor: discovery needs two proposers")
	}
	return &Discovery{cfg: cfg, proposers: proposers}, nil
}

func (d *Discovery) Execute(ctx context.Context, st supervisor.State) (supervisor.Outcome, error) {
	page, failed := d.cfg.fetch(ctx, st.URL)
	if failed != nil {
		return *failed, nil
	}

	req := repair.Request{
		URL:      st.URL,
		HTML:     extract.Simplify(page, d.cfg.HTMLLimit),
		Fields:   d.cfg.Fields,
		Required: d.cfg.Consensus.Required,
	}
	proposals, err := proposeBoth(ctx, d.proposers, req, ModeDiscovery)
	if err != nil {
		if ctx.Err() != nil {
			return supervisor.Outcome{}, ctx.Err()
		}
		return supervisor.Failure(fmt.Sprintf("discovery proposals: %v", err)), nil
	}

	res := consensus.Reconcile(proposals[0], proposals[1], d.cfg.Consensus)
	out := supervisor.Outcome{Proposals: &proposals, Consensus: &res}
	if res.NeedsReview {
		out.Err = res.Describe()
		return out, nil
	}
	if missing := res.Merged.Missing(d.cfg.Consensus.Required); len(missing) > 0 {
		out.Err = fmt.Sprintf("discovery found no selector for required fields: %s", joinFields(missing))
		return out, nil
	}
	return d.cfg.complete(ctx, st.URL, page, res.Merged.Clone(), "discovery", out), nil
}
