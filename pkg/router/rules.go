package router

import (
	"sort"
	"strings"

	"github.com/zen-systems/selfheal/pkg/strategy"
)

// RuleSet maps phrases in the last step error to the strategy they point
// at. Longer triggers are matched first.
type RuleSet struct {
	rules []compiledRule
}

type compiledRule struct {
	strategy strategy.Strategy
	trigger  string
}

// DefaultRules returns the stock error triggers.
func DefaultRules() map[strategy.Strategy][]string {
	return map[strategy.Strategy][]string{
		strategy.Repair: {
			"matched no content",
			"required fields",
			"selectors matched nothing",
		},
		strategy.Discovery: {
			"no stored selectors",
			"proposals disagree",
			"unresolved required fields",
			"review declined",
		},
		strategy.Terminate: {
			"status 404",
			"status 410",
			"not an article",
		},
	}
}

// NewRuleSet compiles triggers. Unknown strategies are ignored.
func NewRuleSet(triggers map[strategy.Strategy][]string) *RuleSet {
	rs := &RuleSet{}
	for st, list := range triggers {
		if !st.Valid() {
			continue
		}
		for _, trigger := range list {
			trigger = strings.ToLower(strings.TrimSpace(trigger))
			if trigger == "" {
				continue
			}
			rs.rules = append(rs.rules, compiledRule{strategy: st, trigger: trigger})
		}
	}

	// Longer triggers are more specific.
	sort.SliceStable(rs.rules, func(i, j int) bool {
		if len(rs.rules[i].trigger) == len(rs.rules[j].trigger) {
			return rs.rules[i].trigger < rs.rules[j].trigger
		}
		return len(rs.rules[i].trigger) > len(rs.rules[j].trigger)
	})
	return rs
}

// Matches returns every trigger found in text, grouped by strategy.
func (rs *RuleSet) Matches(text string) map[strategy.Strategy][]string {
	lower := strings.ToLower(text)
	out := map[strategy.Strategy][]string{}
	if rs == nil || lower == "" {
		return out
	}
	for _, rule := range rs.rules {
		if containsTrigger(lower, rule.trigger) {
			out[rule.strategy] = append(out[rule.strategy], rule.trigger)
		}
	}
	return out
}

// Match returns the strategy of the most specific matching trigger.
func (rs *RuleSet) Match(text string) (strategy.Strategy, bool) {
	lower := strings.ToLower(text)
	if rs == nil {
		return strategy.None, false
	}
	for _, rule := range rs.rules {
		if containsTrigger(lower, rule.trigger) {
			return rule.strategy, true
		}
	}
	return strategy.None, false
}

// containsTrigger checks if text contains the trigger phrase on word
// boundaries.
func containsTrigger(text, trigger string) bool {
	idx := strings.Index(text, trigger)
	if idx == -1 {
		return false
	}

	if idx > 0 && isWordChar(text[idx-1]) {
		return false
	}
	endIdx := idx + len(trigger)
	if endIdx < len(text) && isWordChar(text[endIdx]) {
		return false
	}
	return true
}

func isWordChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_'
}
