package executor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zen-systems/selfheal/pkg/store"
	"github.com/zen-systems/selfheal/pkg/supervisor"
)

// Direct applies the selectors already stored for the page's site.
type Direct struct {
	cfg Config
}

// NewDirect creates the UC1 executor.
func NewDirect(cfg Config) (*Direct, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Direct{cfg: cfg}, nil
}

func (d *Direct) Execute(ctx context.Context, st supervisor.State) (supervisor.Outcome, error) {
	site, err := d.cfg.Store.LookupSelectors(ctx, st.URL)
	if errors.Is(err, store.ErrNotFound) {
		return supervisor.Failure("no stored selectors for this site"), nil
	}
	if err != nil {
		return supervisor.Outcome{}, err
	}

	page, failed := d.cfg.fetch(ctx, st.URL)
	if failed != nil {
		return *failed, nil
	}

	article, err := d.cfg.apply(page, st.URL, site.Selectors)
	if err != nil {
		return supervisor.Failure(fmt.Sprintf("stored selectors for %s: %s", site.Host, describeMissing(err))), nil
	}

	if err := d.cfg.Store.TouchSelectors(ctx, st.URL); err != nil {
		d.cfg.Logger.Warn("failed to record selector use", zap.String("host", site.Host), zap.Error(err))
	}
	return supervisor.Outcome{
		Success:   true,
		Selectors: site.Selectors.Clone(),
		Article:   article,
	}, nil
}
