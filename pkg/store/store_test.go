package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/selfheal/pkg/consensus"
	"github.com/zen-systems/selfheal/pkg/strategy"
	"github.com/zen-systems/selfheal/pkg/supervisor"
)

// Test helper: create a store in a temp directory
func createTestStore(t *testing.T) *Store {
	dbPath := filepath.Join(t.TempDir(), "nested", "selfheal.db")
	s, err := Open(dbPath)
	require.NoError(t, err, "should create store")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHostKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://www.Example.com/news/1?x=y", "example.com", false},
		{"http://blog.example.com:8080/a", "blog.example.com", false},
		{"example.com", "example.com", false},
		{"/just/a/path", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := HostKey(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestSelectorsRoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	has, err := s.HasSelectors(ctx, "https://example.com/a")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = s.LookupSelectors(ctx, "https://example.com/a")
	assert.ErrorIs(t, err, ErrNotFound)

	sel := consensus.Selectors{"title": "h1", "body": "article"}
	saved, err := s.SaveSelectors(ctx, "https://www.example.com/a", sel, "discovery")
	require.NoError(t, err)
	assert.Equal(t, "example.com", saved.Host)
	assert.Equal(t, sel, saved.Selectors)

	has, err = s.HasSelectors(ctx, "https://example.com/other")
	require.NoError(t, err)
	assert.True(t, has, "selectors are keyed by host")

	require.NoError(t, s.TouchSelectors(ctx, "https://example.com/b"))
	got, err := s.LookupSelectors(ctx, "https://example.com/b")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Hits)
	assert.NotNil(t, got.LastUsedAt)
}

func TestSaveSelectorsReplaces(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.SaveSelectors(ctx, "https://example.com", consensus.Selectors{"title": "h1"}, "discovery")
	require.NoError(t, err)
	second, err := s.SaveSelectors(ctx, "https://example.com", consensus.Selectors{"title": "h2.title"}, "repair")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "h2.title", second.Selectors["title"])
	assert.Equal(t, "repair", second.Source)

	all, err := s.ListSelectors(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSaveSelectorsRejectsEmpty(t *testing.T) {
	s := createTestStore(t)
	_, err := s.SaveSelectors(context.Background(), "https://example.com", nil, "manual")
	assert.Error(t, err)
}

func TestDeleteSelectors(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.SaveSelectors(ctx, "a.com", consensus.Selectors{"title": "h1"}, "manual")
	require.NoError(t, err)
	require.NoError(t, s.DeleteSelectors(ctx, "https://a.com/x"))
	assert.ErrorIs(t, s.DeleteSelectors(ctx, "a.com"), ErrNotFound)
}

func terminalState(id, url string, phase supervisor.Phase, started time.Time) *supervisor.State {
	st := &supervisor.State{
		RunID:      id,
		URL:        url,
		History:    []strategy.Strategy{strategy.Direct, strategy.Repair},
		RetryCount: 1,
		Current:    strategy.Repair,
		Terminal:   true,
		Phase:      phase,
		StartedAt:  started,
		FinishedAt: started.Add(time.Second),
	}
	if phase == supervisor.PhaseSuccess {
		st.FinalSelectors = consensus.Selectors{"title": "h1", "body": "article"}
		st.ConsensusReached = true
	} else {
		st.ErrorKind = supervisor.KindRetryExhausted
		st.ErrorMessage = "exhausted retries"
	}
	return st
}

func TestSaveAndGetRun(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Save(ctx, terminalState("run-1", "https://example.com/a", supervisor.PhaseSuccess, now)))

	rec, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, supervisor.PhaseSuccess, rec.Phase)
	assert.Equal(t, "example.com", rec.Host)
	assert.Equal(t, []strategy.Strategy{strategy.Direct, strategy.Repair}, rec.History)
	assert.True(t, rec.ConsensusReached)
	require.NotNil(t, rec.State)
	assert.Equal(t, "h1", rec.State.FinalSelectors["title"])
	require.NotNil(t, rec.FinishedAt)

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveRejectsLiveState(t *testing.T) {
	s := createTestStore(t)
	st := terminalState("run-1", "https://example.com", supervisor.PhaseRouting, time.Now())
	st.Terminal = false
	assert.Error(t, s.Save(context.Background(), st))
}

func TestListRuns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, s.Save(ctx, terminalState("old", "https://a.com/1", supervisor.PhaseFailed, base)))
	require.NoError(t, s.Save(ctx, terminalState("new", "https://b.com/1", supervisor.PhaseSuccess, base.Add(time.Minute))))
	require.NoError(t, s.Save(ctx, terminalState("newest", "https://a.com/2", supervisor.PhaseSuccess, base.Add(2*time.Minute))))

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "newest", all[0].RunID)
	assert.Nil(t, all[0].State)

	byHost, err := s.ListRuns(ctx, RunFilter{Host: "a.com"})
	require.NoError(t, err)
	assert.Len(t, byHost, 2)

	failed, err := s.ListRuns(ctx, RunFilter{Phase: supervisor.PhaseFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "retry_exhausted", failed[0].ErrorKind)

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
