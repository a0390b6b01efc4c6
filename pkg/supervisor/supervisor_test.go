package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zen-systems/selfheal/pkg/consensus"
	"github.com/zen-systems/selfheal/pkg/strategy"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var okSelectors = consensus.Selectors{"title": "h1", "body": "article"}

// scriptedReasoner returns decisions in order, repeating the last one.
type scriptedReasoner struct {
	mu        sync.Mutex
	decisions []strategy.Decision
	calls     int
}

func propose(target strategy.Strategy, confidence float64) strategy.Decision {
	return strategy.Decision{Target: target, Confidence: confidence, Rationale: "test"}
}

func (r *scriptedReasoner) Propose(ctx context.Context, _ State) (strategy.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.calls
	r.calls++
	if i >= len(r.decisions) {
		i = len(r.decisions) - 1
	}
	return r.decisions[i], nil
}

func always(target strategy.Strategy, confidence float64) *scriptedReasoner {
	return &scriptedReasoner{decisions: []strategy.Decision{propose(target, confidence)}}
}

func succeed() Executor {
	return ExecutorFunc(func(ctx context.Context, _ State) (Outcome, error) {
		return Outcome{Success: true, Selectors: okSelectors.Clone()}, nil
	})
}

func failing() Executor {
	return ExecutorFunc(func(ctx context.Context, _ State) (Outcome, error) {
		return Failure("selectors matched nothing"), nil
	})
}

// failOnce fails its first call and succeeds afterwards.
func failOnce() Executor {
	var mu sync.Mutex
	calls := 0
	return ExecutorFunc(func(ctx context.Context, _ State) (Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return Failure("first attempt failed"), nil
		}
		return Outcome{Success: true, Selectors: okSelectors.Clone()}, nil
	})
}

func blocking() Executor {
	return ExecutorFunc(func(ctx context.Context, _ State) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})
}

func executors(uc1, uc2, uc3 Executor) map[strategy.Strategy]Executor {
	return map[strategy.Strategy]Executor{
		strategy.Direct:    uc1,
		strategy.Repair:    uc2,
		strategy.Discovery: uc3,
	}
}

func newSupervisor(t *testing.T, policy Policy, r Reasoner, execs map[strategy.Strategy]Executor, opts ...Option) *Supervisor {
	t.Helper()
	sup, err := New(policy, r, execs, opts...)
	require.NoError(t, err)
	return sup
}

func runToEnd(t *testing.T, sup *Supervisor) *State {
	t.Helper()
	st, err := sup.Run(context.Background(), Request{URL: "https://example.com/post"})
	require.NoError(t, err)
	require.True(t, st.Terminal)
	return st
}

type recordingSink struct {
	mu     sync.Mutex
	saved  []*State
	steps  []Step
	ctxErr error
}

func (s *recordingSink) Save(ctx context.Context, st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, st)
	s.ctxErr = ctx.Err()
	return nil
}

func (s *recordingSink) ObserveStep(ctx context.Context, step Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, step)
	return nil
}

func TestDirectSuccess(t *testing.T) {
	sup := newSupervisor(t, DefaultPolicy(), always(strategy.Direct, 0.9), executors(succeed(), failing(), failing()))

	st := runToEnd(t, sup)
	assert.Equal(t, PhaseSuccess, st.Phase)
	assert.Equal(t, []strategy.Strategy{strategy.Direct}, st.History)
	assert.Equal(t, 0, st.RetryCount)
	assert.Equal(t, okSelectors, st.FinalSelectors)
	assert.Empty(t, st.ErrorMessage)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, "success", st.Reason())
}

func TestRepeatedRepairEscalatesToDiscovery(t *testing.T) {
	sup := newSupervisor(t, DefaultPolicy(), always(strategy.Repair, 0.8), executors(failing(), failing(), succeed()))

	st := runToEnd(t, sup)
	require.Equal(t, PhaseSuccess, st.Phase)
	assert.Equal(t, []strategy.Strategy{strategy.Repair, strategy.Repair, strategy.Repair, strategy.Discovery}, st.History)
	require.Len(t, st.Vetoes, 1)
	assert.Equal(t, KindRoutingLoop, st.Vetoes[0].Kind)
	assert.Equal(t, strategy.Repair, st.Vetoes[0].Target)
	assert.Equal(t, strategy.Discovery, st.Vetoes[0].Fallback)
	assert.Equal(t, 2, st.RetryCount)
}

func TestLowConfidenceFallsBackToCheapest(t *testing.T) {
	sup := newSupervisor(t, DefaultPolicy(), always(strategy.Discovery, 0.3), executors(succeed(), failing(), failing()))

	st := runToEnd(t, sup)
	require.Equal(t, PhaseSuccess, st.Phase)
	assert.Equal(t, []strategy.Strategy{strategy.Direct}, st.History)
	require.Len(t, st.Vetoes, 1)
	assert.Equal(t, KindLowConfidence, st.Vetoes[0].Kind)
	assert.Contains(t, st.Vetoes[0].Reason, "model was unconfident")
}

func TestSameStrategyRouterTerminates(t *testing.T) {
	for _, target := range strategy.Executable {
		t.Run(target.Short(), func(t *testing.T) {
			sup := newSupervisor(t, DefaultPolicy(), always(target, 1.0), executors(failing(), failing(), failing()))

			st := runToEnd(t, sup)
			assert.Equal(t, PhaseFailed, st.Phase)
			assert.LessOrEqual(t, len(st.History), DefaultHistoryCap)
			assert.NotEmpty(t, st.ErrorMessage)
		})
	}
}

func TestDiscoveryLoopHasNoFallback(t *testing.T) {
	sup := newSupervisor(t, DefaultPolicy(), always(strategy.Discovery, 1.0), executors(failing(), failing(), failing()))

	st := runToEnd(t, sup)
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, KindRoutingLoop, st.ErrorKind)
	assert.Len(t, st.History, 3)
	assert.Contains(t, st.ErrorMessage, "no safe fallback")
	require.NotEmpty(t, st.Vetoes)
	assert.True(t, st.Vetoes[len(st.Vetoes)-1].NoFallback)
	assert.Contains(t, st.Reason(), "loop detected")
}

func TestStubbornDirectRouterExhaustsRetries(t *testing.T) {
	sup := newSupervisor(t, DefaultPolicy(), always(strategy.Direct, 1.0), executors(failing(), failing(), failing()))

	st := runToEnd(t, sup)
	assert.Equal(t, KindRetryExhausted, st.ErrorKind)
	assert.Equal(t, []strategy.Strategy{
		strategy.Direct, strategy.Direct, strategy.Direct,
		strategy.Repair, strategy.Repair, strategy.Repair,
		strategy.Discovery, strategy.Discovery, strategy.Discovery,
	}, st.History)
	assert.Equal(t, DefaultRetryCap+1, st.RetryCount)
}

func TestRetryCountNeverDecreases(t *testing.T) {
	sink := &recordingSink{}
	sup := newSupervisor(t, DefaultPolicy(), always(strategy.Direct, 1.0), executors(failing(), failing(), failing()), WithObserver(sink))
	runToEnd(t, sup)

	prev := 0
	for _, step := range sink.steps {
		assert.GreaterOrEqual(t, step.RetryCount, prev)
		prev = step.RetryCount
	}
}

func TestRouterErrorsExhaustRetries(t *testing.T) {
	policy := DefaultPolicy()
	policy.RetryCap = 2
	r := ReasonerFunc(func(ctx context.Context, _ State) (strategy.Decision, error) {
		return strategy.Decision{}, errors.New("provider unavailable")
	})
	sup := newSupervisor(t, policy, r, executors(succeed(), succeed(), succeed()))

	st := runToEnd(t, sup)
	assert.Equal(t, KindRetryExhausted, st.ErrorKind)
	assert.Equal(t, 3, st.RetryCount)
	assert.Empty(t, st.History)
	assert.Contains(t, st.ErrorMessage, "provider unavailable")
}

func TestHistoryCapIsHard(t *testing.T) {
	policy := DefaultPolicy()
	policy.HistoryCap = 2
	policy.RetryCap = 100
	policy.Guard.LoopWindow = 0
	sup := newSupervisor(t, policy, always(strategy.Direct, 1.0), executors(failing(), failing(), failing()))

	st := runToEnd(t, sup)
	assert.Equal(t, KindHistoryExhausted, st.ErrorKind)
	assert.Len(t, st.History, 2)
	assert.Contains(t, st.ErrorMessage, "exhausted")
}

func TestTerminateDecision(t *testing.T) {
	sup := newSupervisor(t, DefaultPolicy(), always(strategy.Terminate, 0.9), executors(succeed(), succeed(), succeed()))

	st := runToEnd(t, sup)
	assert.Equal(t, KindTerminated, st.ErrorKind)
	assert.Empty(t, st.History)
	assert.Contains(t, st.ErrorMessage, "router terminated run")
}

func TestIllegalTransitionFallsBack(t *testing.T) {
	r := &scriptedReasoner{decisions: []strategy.Decision{
		propose(strategy.Repair, 0.9),
		propose(strategy.Direct, 0.9),
	}}
	sup := newSupervisor(t, DefaultPolicy(), r, executors(succeed(), failOnce(), failing()))

	st := runToEnd(t, sup)
	require.Equal(t, PhaseSuccess, st.Phase)
	assert.Equal(t, []strategy.Strategy{strategy.Repair, strategy.Repair}, st.History)
	require.Len(t, st.Vetoes, 1)
	assert.Equal(t, KindIllegalTransition, st.Vetoes[0].Kind)
}

func TestCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sup := newSupervisor(t, DefaultPolicy(), always(strategy.Direct, 0.9), executors(succeed(), succeed(), succeed()))

	st, err := sup.Run(ctx, Request{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, KindCancelled, st.ErrorKind)
	assert.True(t, st.Terminal)
	assert.Empty(t, st.History)
}

func TestCancelledDuringExecutor(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, _ State) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	})
	sup := newSupervisor(t, DefaultPolicy(), always(strategy.Direct, 0.9), executors(exec, succeed(), succeed()))

	go func() {
		<-started
		cancel()
	}()
	st, err := sup.Run(ctx, Request{URL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, KindCancelled, st.ErrorKind)
	assert.Contains(t, st.Reason(), "cancelled")
}

func TestStepTimeoutIsRecoverable(t *testing.T) {
	policy := DefaultPolicy()
	policy.StepTimeout = 20 * time.Millisecond
	r := &scriptedReasoner{decisions: []strategy.Decision{
		propose(strategy.Direct, 0.9),
		propose(strategy.Repair, 0.9),
	}}
	sink := &recordingSink{}
	sup := newSupervisor(t, policy, r, executors(blocking(), succeed(), failing()), WithObserver(sink))

	st := runToEnd(t, sup)
	require.Equal(t, PhaseSuccess, st.Phase)
	assert.Equal(t, []strategy.Strategy{strategy.Direct, strategy.Repair}, st.History)
	require.Len(t, sink.steps, 2)
	assert.Equal(t, KindExecutorFailure, sink.steps[0].ErrorKind)
	assert.Contains(t, sink.steps[0].Error, "timed out")
}

func TestTimedOutReasonerKeepsItsSnapshot(t *testing.T) {
	policy := DefaultPolicy()
	policy.StepTimeout = 10 * time.Millisecond

	release := make(chan struct{})
	seen := make(chan State, 1)
	var mu sync.Mutex
	calls := 0
	r := ReasonerFunc(func(ctx context.Context, st State) (strategy.Decision, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			// Ignores ctx and reads st after the step has timed out.
			<-release
			seen <- st
			return propose(strategy.Repair, 0.9), nil
		}
		return propose(strategy.Direct, 0.9), nil
	})
	sup := newSupervisor(t, policy, r, executors(succeed(), failing(), failing()))

	st := runToEnd(t, sup)
	close(release)
	stale := <-seen

	require.Equal(t, PhaseSuccess, st.Phase)
	assert.Equal(t, 1, st.RetryCount)
	assert.Equal(t, 0, stale.RetryCount)
	assert.Empty(t, stale.History)
}

func TestTinyStepTimeoutUnderLoad(t *testing.T) {
	policy := DefaultPolicy()
	policy.StepTimeout = time.Nanosecond
	r := ReasonerFunc(func(ctx context.Context, st State) (strategy.Decision, error) {
		_ = len(st.History) + st.RetryCount + len(st.Vetoes)
		return propose(strategy.Direct, 0.9), nil
	})
	exec := ExecutorFunc(func(ctx context.Context, st State) (Outcome, error) {
		_ = len(st.History) + st.RetryCount
		return Failure("nothing matched"), nil
	})
	sup := newSupervisor(t, policy, r, executors(exec, exec, exec))

	for i := 0; i < 200; i++ {
		st := runToEnd(t, sup)
		assert.Equal(t, PhaseFailed, st.Phase)
	}
}

func TestFatalOutcomeEndsRun(t *testing.T) {
	fatal := ExecutorFunc(func(ctx context.Context, _ State) (Outcome, error) {
		return Outcome{Err: "robots.txt forbids fetching", Fatal: true}, nil
	})
	sup := newSupervisor(t, DefaultPolicy(), always(strategy.Direct, 0.9), executors(fatal, succeed(), succeed()))

	st := runToEnd(t, sup)
	assert.Equal(t, KindExecutorFailure, st.ErrorKind)
	assert.Contains(t, st.ErrorMessage, "robots.txt")
}

func TestSuccessWithoutSelectorsIsFailure(t *testing.T) {
	empty := ExecutorFunc(func(ctx context.Context, _ State) (Outcome, error) {
		return Outcome{Success: true}, nil
	})
	r := &scriptedReasoner{decisions: []strategy.Decision{
		propose(strategy.Direct, 0.9),
		propose(strategy.Repair, 0.9),
	}}
	sup := newSupervisor(t, DefaultPolicy(), r, executors(empty, succeed(), succeed()))

	st := runToEnd(t, sup)
	assert.Equal(t, PhaseSuccess, st.Phase)
	assert.Equal(t, []strategy.Strategy{strategy.Direct, strategy.Repair}, st.History)
}

func TestPanickingExecutorIsRecoverable(t *testing.T) {
	boom := ExecutorFunc(func(ctx context.Context, _ State) (Outcome, error) {
		panic("nil selection")
	})
	r := &scriptedReasoner{decisions: []strategy.Decision{
		propose(strategy.Direct, 0.9),
		propose(strategy.Discovery, 0.9),
	}}
	sup := newSupervisor(t, DefaultPolicy(), r, executors(boom, failing(), succeed()))

	st := runToEnd(t, sup)
	assert.Equal(t, PhaseSuccess, st.Phase)
}

func TestConsensusDisagreementIsRouted(t *testing.T) {
	res := consensus.Reconcile(
		consensus.Proposal{Source: "a", Selectors: consensus.Selectors{"title": "h1", "body": ".content"}},
		consensus.Proposal{Source: "b", Selectors: consensus.Selectors{"title": "h1", "body": "article"}},
		consensus.DefaultOptions(),
	)
	disagree := ExecutorFunc(func(ctx context.Context, _ State) (Outcome, error) {
		return Outcome{Consensus: &res, Err: "review declined"}, nil
	})
	r := &scriptedReasoner{decisions: []strategy.Decision{
		propose(strategy.Repair, 0.9),
		propose(strategy.Discovery, 0.9),
	}}
	sink := &recordingSink{}
	sup := newSupervisor(t, DefaultPolicy(), r, executors(failing(), disagree, succeed()), WithObserver(sink))

	st := runToEnd(t, sup)
	require.Equal(t, PhaseSuccess, st.Phase)
	require.NotNil(t, st.LastConsensus)
	assert.Equal(t, []string{"body"}, st.LastConsensus.Disagreements)
	assert.Equal(t, KindConsensusDisagreement, sink.steps[0].ErrorKind)
}

func TestPersisterSeesTerminalStateAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &recordingSink{}
	sup := newSupervisor(t, DefaultPolicy(), always(strategy.Direct, 0.9), executors(succeed(), succeed(), succeed()),
		WithPersister(sink), WithPersister(nil))

	st, err := sup.Run(ctx, Request{URL: "https://example.com"})
	require.NoError(t, err)
	require.Len(t, sink.saved, 1)
	assert.Same(t, st, sink.saved[0])
	assert.True(t, sink.saved[0].Terminal)
	assert.NoError(t, sink.ctxErr)
}

func TestConcurrentRunsAreIndependent(t *testing.T) {
	sup := newSupervisor(t, DefaultPolicy(), always(strategy.Direct, 0.9), executors(succeed(), failing(), failing()))

	const n = 16
	states := make([]*State, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := sup.Run(context.Background(), Request{URL: fmt.Sprintf("https://example.com/%d", i)})
			assert.NoError(t, err)
			states[i] = st
		}(i)
	}
	wg.Wait()

	ids := map[string]bool{}
	for i, st := range states {
		require.NotNil(t, st)
		assert.Equal(t, PhaseSuccess, st.Phase)
		assert.Equal(t, fmt.Sprintf("https://example.com/%d", i), st.URL)
		assert.Len(t, st.History, 1)
		ids[st.RunID] = true
	}
	assert.Len(t, ids, n)
}

func TestExecutorSeesSnapshot(t *testing.T) {
	var seen State
	exec := ExecutorFunc(func(ctx context.Context, st State) (Outcome, error) {
		seen = st
		st.History[0] = strategy.Discovery
		return Outcome{Success: true, Selectors: okSelectors}, nil
	})
	sup := newSupervisor(t, DefaultPolicy(), always(strategy.Direct, 0.9), executors(exec, failing(), failing()))

	st := runToEnd(t, sup)
	assert.Equal(t, strategy.Direct, st.History[0])
	assert.Equal(t, strategy.Direct, seen.Current)
}

func TestRunRejectsEmptyURL(t *testing.T) {
	sup := newSupervisor(t, DefaultPolicy(), always(strategy.Direct, 0.9), executors(succeed(), succeed(), succeed()))
	_, err := sup.Run(context.Background(), Request{URL: "  "})
	assert.ErrorIs(t, err, ErrEmptyURL)
}

func TestNewValidates(t *testing.T) {
	_, err := New(DefaultPolicy(), nil, executors(succeed(), succeed(), succeed()))
	assert.ErrorIs(t, err, ErrMissingReasoner)

	_, err = New(DefaultPolicy(), always(strategy.Direct, 1), map[strategy.Strategy]Executor{strategy.Direct: succeed()})
	assert.ErrorContains(t, err, "no executor")

	bad := DefaultPolicy()
	bad.HistoryCap = 0
	_, err = New(bad, always(strategy.Direct, 1), executors(succeed(), succeed(), succeed()))
	assert.ErrorContains(t, err, "history cap")
}

func TestTerminalStateIsSealed(t *testing.T) {
	st := newState("id", "https://example.com", time.Now())
	require.NoError(t, st.push(strategy.Direct))
	require.NoError(t, st.fail(KindCancelled, "cancelled", time.Now()))

	assert.ErrorIs(t, st.push(strategy.Repair), ErrStateSealed)
	assert.ErrorIs(t, st.retry("again"), ErrStateSealed)
	assert.ErrorIs(t, st.succeed(Outcome{Success: true, Selectors: okSelectors}, time.Now()), ErrStateSealed)
	assert.Equal(t, []strategy.Strategy{strategy.Direct}, st.History)
	assert.Equal(t, PhaseFailed, st.Phase)
}

func TestPushCountsRepeats(t *testing.T) {
	st := newState("id", "u", time.Now())
	for _, s := range []strategy.Strategy{strategy.Direct, strategy.Direct, strategy.Repair, strategy.Direct, strategy.Direct} {
		require.NoError(t, st.push(s))
	}
	assert.Equal(t, 2, st.RetryCount)
	assert.Equal(t, 4, st.Attempts(strategy.Direct))
	assert.Equal(t, strategy.Direct, st.Previous())
}
