// Package executor implements the three extraction strategies the
// supervisor dispatches to.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zen-systems/selfheal/pkg/consensus"
	"github.com/zen-systems/selfheal/pkg/extract"
	"github.com/zen-systems/selfheal/pkg/repair"
	"github.com/zen-systems/selfheal/pkg/store"
	"github.com/zen-systems/selfheal/pkg/supervisor"
)

// DefaultHTMLLimit caps the markup sent to a proposer.
const DefaultHTMLLimit = 24000

// SelectorStore is the subset of the selector database executors use.
type SelectorStore interface {
	LookupSelectors(ctx context.Context, pageURL string) (*store.SiteSelectors, error)
	SaveSelectors(ctx context.Context, pageURL string, sel consensus.Selectors, source string) (*store.SiteSelectors, error)
	TouchSelectors(ctx context.Context, pageURL string) error
}

// Config is shared by all executors.
type Config struct {
	Fetcher   extract.Fetcher
	Store     SelectorStore
	Consensus consensus.Options
	// Fields are requested from proposers; Consensus.Required is a subset.
	Fields    []string
	HTMLLimit int
	Logger    *zap.Logger
}

func (c Config) withDefaults() Config {
	if len(c.Consensus.Required) == 0 {
		c.Consensus.Required = append([]string(nil), consensus.DefaultRequired...)
	}
	if len(c.Fields) == 0 {
		c.Fields = []string{consensus.FieldTitle, consensus.FieldBody, consensus.FieldDate, consensus.FieldAuthor}
	}
	for _, f := range c.Consensus.Required {
		if !contains(c.Fields, f) {
			c.Fields = append(c.Fields, f)
		}
	}
	if c.HTMLLimit <= 0 {
		c.HTMLLimit = DefaultHTMLLimit
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

func (c Config) validate() error {
	if c.Fetcher == nil {
		return errors.New("executor: fetcher is required")
	}
	if c.Store == nil {
		return errors.New("executor: selector store is required")
	}
	return nil
}

// fetch loads the page. A page that is gone ends the run: no selector can
// extract it.
func (c Config) fetch(ctx context.Context, url string) (*extract.Page, *supervisor.Outcome) {
	page, err := c.Fetcher.Fetch(ctx, url)
	if err == nil {
		return page, nil
	}
	out := supervisor.Failure(fmt.Sprintf("fetch: %v", err))
	var statusErr *extract.StatusError
	if errors.As(err, &statusErr) && statusErr.Gone() {
		out.Fatal = true
	}
	return nil, &out
}

// apply extracts the article with sel and checks the required fields.
func (c Config) apply(page *extract.Page, url string, sel consensus.Selectors) (*extract.Article, error) {
	for _, field := range sel.Fields() {
		if err := extract.ValidSelector(sel[field]); err != nil {
			return nil, fmt.Errorf("selector for %s: %w", field, err)
		}
	}
	return extract.Extract(page.Doc, sel, url, c.Consensus.Required)
}

// proposeBoth asks both proposers concurrently. Either failing fails the
// pair; the other call is cancelled.
func proposeBoth(ctx context.Context, proposers [2]Proposer, req repair.Request, mode Mode) ([2]consensus.Proposal, error) {
	var out [2]consensus.Proposal
	g, gctx := errgroup.WithContext(ctx)
	for i := range proposers {
		g.Go(func() error {
			p, err := proposers[i].Propose(gctx, req, mode)
			if err != nil {
				return fmt.Errorf("proposer %d: %w", i+1, err)
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

func describeMissing(err error) string {
	var missing *extract.MissingFieldsError
	if errors.As(err, &missing) {
		return missing.Error()
	}
	return err.Error()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func joinFields(fields []string) string {
	return strings.Join(fields, ", ")
}
