// Package consensus merges two independently produced selector proposals
// into one agreed selector set, or reports where they diverge.
package consensus

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultMinConfidence is the floor a one-sided selector must exceed.
const DefaultMinConfidence = 0.5

// Proposal is one model's selector guess.
type Proposal struct {
	Source           string             `json:"source"`
	Selectors        Selectors          `json:"selectors"`
	FieldConfidences map[string]float64 `json:"field_confidences,omitempty"`
}

// Options tunes reconciliation.
type Options struct {
	// MinConfidence is used as given; zero accepts any one-sided selector
	// with positive confidence.
	MinConfidence float64
	Required      []string
}

// DefaultOptions returns the stock floor and required fields.
func DefaultOptions() Options {
	return Options{
		MinConfidence: DefaultMinConfidence,
		Required:      append([]string(nil), DefaultRequired...),
	}
}

// Result is the outcome of reconciling two proposals.
type Result struct {
	Agreed                bool      `json:"agreed"`
	Merged                Selectors `json:"merged_selectors,omitempty"`
	Disagreements         []string  `json:"disagreements,omitempty"`
	RequiredDisagreements []string  `json:"required_disagreements,omitempty"`
	Unsupported           []string  `json:"unsupported,omitempty"`
	NeedsReview           bool      `json:"needs_review"`
}

// Reconcile merges a and b field by field.
//
// A field agrees when both selectors normalize to the same string, or when
// only one proposal offers it with confidence above the floor. Two
// different non-empty selectors are a disagreement and are never
// tie-broken here. The result does not depend on argument order.
func Reconcile(a, b Proposal, opts Options) Result {
	res := Result{Merged: Selectors{}}
	for _, field := range unionFields(a.Selectors, b.Selectors) {
		sa := strings.TrimSpace(a.Selectors[field])
		sb := strings.TrimSpace(b.Selectors[field])

		switch {
		case sa != "" && sb != "":
			if Normalize(sa) != Normalize(sb) {
				res.Disagreements = append(res.Disagreements, field)
				continue
			}
			// Both spell the same selector; keep a stable spelling.
			if sb < sa {
				sa = sb
			}
			res.Merged[field] = sa
		case sa != "":
			if a.FieldConfidences[field] > opts.MinConfidence {
				res.Merged[field] = sa
			} else {
				res.Unsupported = append(res.Unsupported, field)
			}
		case sb != "":
			if b.FieldConfidences[field] > opts.MinConfidence {
				res.Merged[field] = sb
			} else {
				res.Unsupported = append(res.Unsupported, field)
			}
		}
	}

	res.RequiredDisagreements = intersect(res.Disagreements, opts.Required)
	res.Agreed = len(res.Disagreements) == 0
	res.NeedsReview = len(res.RequiredDisagreements) > 0
	return res
}

// Resolve folds a human resolution into the result. Every disagreement
// must be answered for required fields; optional disagreements left
// unanswered are dropped.
func (r Result) Resolve(resolution Selectors, required []string) (Result, error) {
	out := Result{
		Merged:      r.Merged.Clone(),
		Unsupported: append([]string(nil), r.Unsupported...),
	}
	if out.Merged == nil {
		out.Merged = Selectors{}
	}

	var unresolved []string
	for _, field := range r.Disagreements {
		value := strings.TrimSpace(resolution[field])
		if value == "" {
			if contains(required, field) {
				unresolved = append(unresolved, field)
			}
			continue
		}
		out.Merged[field] = value
	}
	if len(unresolved) > 0 {
		out.Disagreements = unresolved
		out.RequiredDisagreements = unresolved
		out.NeedsReview = true
		return out, fmt.Errorf("unresolved required fields: %s", strings.Join(unresolved, ", "))
	}
	out.Agreed = true
	return out, nil
}

// Describe summarizes the result for logs and failure messages.
func (r Result) Describe() string {
	if r.Agreed {
		return fmt.Sprintf("consensus on %d fields", len(r.Merged))
	}
	return fmt.Sprintf("proposals disagree on %s", strings.Join(r.Disagreements, ", "))
}

func unionFields(a, b Selectors) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func intersect(fields, required []string) []string {
	var out []string
	for _, f := range fields {
		if contains(required, f) {
			out = append(out, f)
		}
	}
	return out
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
