package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/selfheal/pkg/adapter"
	"github.com/zen-systems/selfheal/pkg/consensus"
	"github.com/zen-systems/selfheal/pkg/guard"
	"github.com/zen-systems/selfheal/pkg/router"
	"github.com/zen-systems/selfheal/pkg/strategy"
	"github.com/zen-systems/selfheal/pkg/supervisor"
)

// startRow names the transition row used before any strategy has run.
const startRow = "start"

// Policy is the on-disk form of the supervisor policy plus the model
// targets used by the reasoner and the two proposers.
type Policy struct {
	ConfidenceThreshold float64             `yaml:"confidence_threshold"`
	LoopWindow          int                 `yaml:"loop_window"`
	RequiredFields      []string            `yaml:"required_fields"`
	Fields              []string            `yaml:"fields,omitempty"`
	RetryCap            *int                `yaml:"retry_cap"`
	HistoryCap          int                 `yaml:"history_cap"`
	StepTimeout         time.Duration       `yaml:"step_timeout"`
	MinFieldConfidence  *float64            `yaml:"min_field_confidence"`
	TieBreakThreshold   float64             `yaml:"tie_break_threshold"`
	HTMLLimit           int                 `yaml:"html_limit,omitempty"`
	FetchTimeout        time.Duration       `yaml:"fetch_timeout"`
	Reasoner            RouteTarget         `yaml:"reasoner"`
	Proposers           []RouteTarget       `yaml:"proposers"`
	Retry               RetryConfig         `yaml:"retry,omitempty"`
	Transitions         map[string][]string `yaml:"transitions,omitempty"`
	Triggers            map[string][]string `yaml:"triggers,omitempty"`
}

// RouteTarget specifies an adapter and model combination.
type RouteTarget struct {
	Adapter string `yaml:"adapter"`
	Model   string `yaml:"model"`
}

func (t RouteTarget) String() string {
	return t.Adapter + "/" + t.Model
}

// RetryConfig defines retry and backoff behavior for model calls.
type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries,omitempty"`
	BaseBackoffMs int `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs  int `yaml:"max_backoff_ms,omitempty"`
}

// LoadPolicy reads a policy from a YAML file. Unknown keys are rejected so
// that a typo does not silently fall back to a default.
func LoadPolicy(path string) (*Policy, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var p Policy
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	applyPolicyDefaults(&p)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// DefaultPolicy returns the default policy.
func DefaultPolicy() *Policy {
	p := &Policy{
		Reasoner: RouteTarget{Adapter: "anthropic", Model: "claude-sonnet-4-20250514"},
		Proposers: []RouteTarget{
			{Adapter: "anthropic", Model: "claude-sonnet-4-20250514"},
			{Adapter: "openai", Model: "gpt-4.1"},
		},
	}
	applyPolicyDefaults(p)
	return p
}

func applyPolicyDefaults(p *Policy) {
	if p == nil {
		return
	}
	if p.ConfidenceThreshold == 0 {
		p.ConfidenceThreshold = guard.DefaultThreshold
	}
	if p.LoopWindow == 0 {
		p.LoopWindow = guard.DefaultLoopWindow
	}
	if len(p.RequiredFields) == 0 {
		p.RequiredFields = append([]string(nil), consensus.DefaultRequired...)
	}
	if p.RetryCap == nil {
		retryCap := supervisor.DefaultRetryCap
		p.RetryCap = &retryCap
	}
	if p.HistoryCap == 0 {
		p.HistoryCap = supervisor.DefaultHistoryCap
	}
	if p.StepTimeout == 0 {
		p.StepTimeout = supervisor.DefaultStepTimeout
	}
	if p.MinFieldConfidence == nil {
		floor := consensus.DefaultMinConfidence
		p.MinFieldConfidence = &floor
	}
	if p.TieBreakThreshold == 0 {
		p.TieBreakThreshold = router.DefaultTieBreakThreshold
	}
	if p.FetchTimeout == 0 {
		p.FetchTimeout = 30 * time.Second
	}
	if p.Retry.MaxRetries == 0 {
		p.Retry.MaxRetries = 2
	}
	if p.Retry.BaseBackoffMs == 0 {
		p.Retry.BaseBackoffMs = 200
	}
	if p.Retry.MaxBackoffMs == 0 {
		p.Retry.MaxBackoffMs = 2000
	}
	if p.Retry.MaxBackoffMs < p.Retry.BaseBackoffMs {
		p.Retry.MaxBackoffMs = p.Retry.BaseBackoffMs
	}
}

// Validate reports every problem with the policy at once.
func (p *Policy) Validate() error {
	var errs []error
	if len(p.Proposers) != 0 && len(p.Proposers) != 2 {
		errs = append(errs, fmt.Errorf("proposers: need exactly two, got %d", len(p.Proposers)))
	}
	for i, target := range p.Proposers {
		if target.Adapter == "" || target.Model == "" {
			errs = append(errs, fmt.Errorf("proposers[%d]: adapter and model are required", i))
		}
	}
	if p.TieBreakThreshold < 0 || p.TieBreakThreshold > 1 {
		errs = append(errs, fmt.Errorf("tie break threshold %v outside [0,1]", p.TieBreakThreshold))
	}
	for _, field := range p.RequiredFields {
		if len(p.Fields) > 0 && !contains(p.Fields, field) {
			errs = append(errs, fmt.Errorf("required field %q is not in fields", field))
		}
	}
	if _, err := p.RuleSet(); err != nil {
		errs = append(errs, err)
	}

	sp, err := p.ToSupervisor()
	if err != nil {
		errs = append(errs, err)
	} else if err := sp.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ToSupervisor converts the policy to the supervisor's form.
func (p *Policy) ToSupervisor() (supervisor.Policy, error) {
	table, err := p.TransitionTable()
	if err != nil {
		return supervisor.Policy{}, err
	}
	retryCap := supervisor.DefaultRetryCap
	if p.RetryCap != nil {
		retryCap = *p.RetryCap
	}
	floor := consensus.DefaultMinConfidence
	if p.MinFieldConfidence != nil {
		floor = *p.MinFieldConfidence
	}
	return supervisor.Policy{
		Guard: guard.Policy{
			Threshold:   p.ConfidenceThreshold,
			LoopWindow:  p.LoopWindow,
			Transitions: table,
		},
		Required:           append([]string(nil), p.RequiredFields...),
		MinFieldConfidence: floor,
		RetryCap:           retryCap,
		HistoryCap:         p.HistoryCap,
		StepTimeout:        p.StepTimeout,
	}, nil
}

// TransitionTable parses the transitions override. Without one the
// default escalation-only table is used.
func (p *Policy) TransitionTable() (guard.TransitionTable, error) {
	if len(p.Transitions) == 0 {
		return guard.DefaultTransitions(), nil
	}
	table := guard.TransitionTable{}
	for from, targets := range p.Transitions {
		fromSt := strategy.None
		if !strings.EqualFold(strings.TrimSpace(from), startRow) {
			st, err := strategy.Parse(from)
			if err != nil {
				return nil, fmt.Errorf("transitions: %w", err)
			}
			fromSt = st
		}
		row := []strategy.Strategy{}
		for _, to := range targets {
			st, err := strategy.Parse(to)
			if err != nil {
				return nil, fmt.Errorf("transitions[%s]: %w", from, err)
			}
			row = append(row, st)
		}
		table[fromSt] = row
	}
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("transitions: %w", err)
	}
	return table, nil
}

// RuleSet builds the router's error triggers. Configured triggers extend
// the defaults.
func (p *Policy) RuleSet() (*router.RuleSet, error) {
	rules := router.DefaultRules()
	keys := make([]string, 0, len(p.Triggers))
	for k := range p.Triggers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, name := range keys {
		st, err := strategy.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("triggers: %w", err)
		}
		rules[st] = append(rules[st], p.Triggers[name]...)
	}
	return router.NewRuleSet(rules), nil
}

// RetryPolicy returns the model call retry policy.
func (p *Policy) RetryPolicy() adapter.RetryPolicy {
	return adapter.RetryPolicy{
		MaxRetries:  p.Retry.MaxRetries,
		BaseBackoff: time.Duration(p.Retry.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(p.Retry.MaxBackoffMs) * time.Millisecond,
	}
}

// Targets returns every adapter/model pair the policy refers to.
func (p *Policy) Targets() []RouteTarget {
	out := []RouteTarget{}
	if p.Reasoner.Adapter != "" {
		out = append(out, p.Reasoner)
	}
	return append(out, p.Proposers...)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
