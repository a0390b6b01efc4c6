// Package supervisor runs the routing state machine: ask a reasoner for
// the next strategy, gate it through the safety guard, dispatch the
// matching executor and fold the outcome back into run state until the
// run ends SUCCESS or FAILED.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zen-systems/selfheal/pkg/guard"
	"github.com/zen-systems/selfheal/pkg/metrics"
	"github.com/zen-systems/selfheal/pkg/strategy"
)

const persistTimeout = 30 * time.Second

// Request is one extraction request.
type Request struct {
	URL string
}

// Supervisor holds only immutable configuration; Run may be called
// concurrently.
type Supervisor struct {
	policy     Policy
	guard      *guard.Guard
	reasoner   Reasoner
	executors  map[strategy.Strategy]Executor
	persisters []Persister
	observers  []StepObserver
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPersister adds a sink for terminal states.
func WithPersister(p Persister) Option {
	return func(s *Supervisor) {
		if p != nil {
			s.persisters = append(s.persisters, p)
		}
	}
}

// WithObserver adds a sink for per-step records.
func WithObserver(o StepObserver) Option {
	return func(s *Supervisor) {
		if o != nil {
			s.observers = append(s.observers, o)
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New builds a Supervisor. Every executable strategy needs an executor.
func New(policy Policy, reasoner Reasoner, executors map[strategy.Strategy]Executor, opts ...Option) (*Supervisor, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if reasoner == nil {
		return nil, ErrMissingReasoner
	}
	execs := make(map[strategy.Strategy]Executor, len(executors))
	for _, st := range strategy.Executable {
		e, ok := executors[st]
		if !ok || e == nil {
			return nil, fmt.Errorf("no executor for %s", st)
		}
		execs[st] = e
	}

	policy = policy.clone()
	s := &Supervisor{
		policy:    policy,
		guard:     guard.New(policy.Guard),
		reasoner:  reasoner,
		executors: execs,
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Policy returns a copy of the supervisor's policy.
func (s *Supervisor) Policy() Policy {
	return s.policy.clone()
}

// Run drives one request to a terminal state. The returned state is
// always terminal; the error is non-nil only for an invalid request.
func (s *Supervisor) Run(ctx context.Context, req Request) (*State, error) {
	url := strings.TrimSpace(req.URL)
	if url == "" {
		return nil, ErrEmptyURL
	}

	st := newState(s.newID(), url, s.now())
	r := &run{
		sup:    s,
		state:  st,
		logger: s.logger.With(zap.String("run_id", st.RunID), zap.String("url", url)),
	}
	metrics.RecordRunStarted()
	r.logger.Info("run started")

	for !st.Terminal {
		r.step(ctx)
	}

	r.finish(ctx)
	return st, nil
}

type run struct {
	sup    *Supervisor
	state  *State
	logger *zap.Logger
	steps  int
}

func (r *run) step(ctx context.Context) {
	s := r.sup
	st := r.state
	rec := Step{RunID: st.RunID, Index: r.steps, StartedAt: s.now()}
	r.steps++
	defer func() {
		rec.RetryCount = st.RetryCount
		rec.History = append([]strategy.Strategy(nil), st.History...)
		rec.Duration = s.now().Sub(rec.StartedAt)
		r.observe(ctx, rec)
	}()

	if err := ctx.Err(); err != nil {
		r.fail(&rec, KindCancelled, fmt.Sprintf("cancelled: %v", err))
		return
	}
	if len(st.History) >= s.policy.HistoryCap {
		r.fail(&rec, KindHistoryExhausted, fmt.Sprintf("exhausted: history reached cap of %d strategies", s.policy.HistoryCap))
		return
	}

	// A timed-out call can outlive the step; it only ever sees snap.
	snap := st.Snapshot()
	decision, err := callWithTimeout(ctx, s.policy.StepTimeout, func(ctx context.Context) (strategy.Decision, error) {
		return s.reasoner.Propose(ctx, snap)
	})
	if err != nil {
		if ctx.Err() != nil {
			r.fail(&rec, KindCancelled, fmt.Sprintf("cancelled while routing: %v", ctx.Err()))
			return
		}
		r.recoverable(&rec, fmt.Sprintf("router failed: %v", err))
		return
	}
	rec.Decision = &decision
	log := r.logger.With(
		zap.Int("step", rec.Index),
		zap.String("proposed", decision.Target.String()),
		zap.Float64("confidence", decision.Confidence),
	)

	target := decision.Target
	if err := s.guard.Evaluate(st.History, st.Current, decision); err != nil {
		veto, ok := guard.AsVeto(err)
		if !ok {
			r.recoverable(&rec, fmt.Sprintf("guard: %v", err))
			return
		}
		fallback, found := s.guard.Fallback(st.History, st.Current, veto)
		vr := VetoRecord{
			Step:       rec.Index,
			Kind:       kindForVeto(veto.Kind),
			Target:     veto.Target,
			Reason:     veto.Reason,
			Fallback:   fallback,
			NoFallback: !found,
		}
		rec.Veto = &vr
		_ = st.veto(vr)
		metrics.RecordVeto(string(vr.Kind))
		log.Warn("decision vetoed",
			zap.String("veto", string(vr.Kind)),
			zap.String("reason", vr.Reason),
			zap.String("fallback", fallback.String()))

		if !found {
			r.fail(&rec, vr.Kind, fmt.Sprintf("%s; no safe fallback from %s", veto.Reason, describeCurrent(st.Current)))
			return
		}
		target = fallback
	}

	if target == strategy.Terminate {
		msg := "router terminated run"
		if decision.Rationale != "" {
			msg += ": " + decision.Rationale
		}
		r.fail(&rec, KindTerminated, msg)
		return
	}

	_ = st.push(target)
	rec.Strategy = target
	if st.RetryCount > s.policy.RetryCap {
		r.fail(&rec, KindRetryExhausted, fmt.Sprintf("exhausted retries: %d exceeds cap of %d", st.RetryCount, s.policy.RetryCap))
		return
	}

	r.dispatch(ctx, &rec, target, log)
}

func (r *run) dispatch(ctx context.Context, rec *Step, target strategy.Strategy, log *zap.Logger) {
	s := r.sup
	st := r.state
	exec := s.executors[target]

	snap := st.Snapshot()
	start := s.now()
	out, err := callWithTimeout(ctx, s.policy.StepTimeout, func(ctx context.Context) (Outcome, error) {
		return exec.Execute(ctx, snap)
	})
	elapsed := s.now().Sub(start)

	if err != nil {
		metrics.RecordStep(target.Short(), false, elapsed)
		if ctx.Err() != nil {
			r.fail(rec, KindCancelled, fmt.Sprintf("cancelled during %s: %v", target, ctx.Err()))
			return
		}
		r.stepFailed(rec, KindExecutorFailure, fmt.Sprintf("%s failed: %v", target, err))
		log.Warn("executor error", zap.Error(err))
		return
	}

	rec.Outcome = &out
	if out.Consensus != nil {
		_ = st.observeConsensus(out.Consensus)
		metrics.RecordConsensus(out.Consensus.Agreed)
	}
	success := out.Success && len(out.Selectors) > 0
	metrics.RecordStep(target.Short(), success, elapsed)

	switch {
	case success:
		_ = st.succeed(out, s.now())
		log.Info("strategy succeeded", zap.String("strategy", target.String()), zap.Strings("fields", out.Selectors.Fields()))
	case out.Fatal:
		r.fail(rec, KindExecutorFailure, fmt.Sprintf("%s failed fatally: %s", target, outcomeError(out)))
	case out.Success:
		r.stepFailed(rec, KindExecutorFailure, fmt.Sprintf("%s reported success without selectors", target))
	case out.Consensus != nil && out.Consensus.NeedsReview:
		r.stepFailed(rec, KindConsensusDisagreement, fmt.Sprintf("%s: %s", target, out.Consensus.Describe()))
	default:
		r.stepFailed(rec, KindExecutorFailure, fmt.Sprintf("%s failed: %s", target, outcomeError(out)))
	}
}

// recoverable handles a router failure, which counts against the retry
// cap because nothing was dispatched.
func (r *run) recoverable(rec *Step, msg string) {
	st := r.state
	_ = st.retry(msg)
	rec.ErrorKind = KindExecutorFailure
	rec.Error = msg
	r.logger.Warn("step failed", zap.Int("step", rec.Index), zap.String("error", msg), zap.Int("retry_count", st.RetryCount))
	if st.RetryCount > r.sup.policy.RetryCap {
		r.fail(rec, KindRetryExhausted, fmt.Sprintf("exhausted retries: %s", msg))
	}
}

// stepFailed records a recoverable executor failure. The retry is counted
// when the same strategy is selected again.
func (r *run) stepFailed(rec *Step, kind ErrorKind, msg string) {
	_ = r.state.note(msg)
	rec.ErrorKind = kind
	rec.Error = msg
	r.logger.Info("step failed", zap.Int("step", rec.Index), zap.String("kind", string(kind)), zap.String("error", msg))
}

func (r *run) fail(rec *Step, kind ErrorKind, msg string) {
	if err := r.state.fail(kind, msg, r.sup.now()); err != nil {
		return
	}
	rec.ErrorKind = kind
	rec.Error = msg
}

func (r *run) observe(ctx context.Context, rec Step) {
	for _, o := range r.sup.observers {
		if err := o.ObserveStep(context.WithoutCancel(ctx), rec); err != nil {
			r.logger.Warn("step observer failed", zap.Error(err))
		}
	}
}

func (r *run) finish(ctx context.Context) {
	st := r.state
	metrics.RecordRunCompleted(string(st.Phase), string(st.ErrorKind), st.FinishedAt.Sub(st.StartedAt))

	fields := []zap.Field{
		zap.String("phase", string(st.Phase)),
		zap.Int("retry_count", st.RetryCount),
		zap.Int("steps", len(st.History)),
	}
	if st.Succeeded() {
		r.logger.Info("run finished", fields...)
	} else {
		r.logger.Warn("run finished", append(fields,
			zap.String("error_kind", string(st.ErrorKind)),
			zap.String("error", st.ErrorMessage))...)
	}

	if len(r.sup.persisters) == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	for _, p := range r.sup.persisters {
		if err := p.Save(pctx, st); err != nil {
			r.logger.Error("persist run failed", zap.Error(err))
		}
	}
}

// callWithTimeout runs fn under an optional deadline and returns as soon
// as the deadline passes even if fn ignores its context. Panics become
// errors.
func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var cancel context.CancelFunc
	if d > 0 {
		ctx, cancel = context.WithTimeout(ctx, d)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if p := recover(); p != nil {
				res.err = fmt.Errorf("panic: %v", p)
			}
			ch <- res
		}()
		res.v, res.err = fn(ctx)
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.err = fmt.Errorf("step timed out after %s: %w", d, res.err)
	}
	return res.v, res.err
}

func outcomeError(out Outcome) string {
	if out.Err != "" {
		return out.Err
	}
	return "no error detail"
}

func describeCurrent(st strategy.Strategy) string {
	if st == strategy.None {
		return "start"
	}
	return st.String()
}
