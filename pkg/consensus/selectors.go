package consensus

import (
	"sort"
	"strings"
)

// Field names understood by the extractor. Anything else is stored as
// article metadata.
const (
	FieldTitle  = "title"
	FieldBody   = "body"
	FieldDate   = "date"
	FieldAuthor = "author"
)

// DefaultRequired are the fields whose disagreement blocks consensus.
var DefaultRequired = []string{FieldTitle, FieldBody}

// Selectors maps a field name to a CSS selector.
type Selectors map[string]string

// Clone returns a copy that shares nothing with s.
func (s Selectors) Clone() Selectors {
	if s == nil {
		return nil
	}
	out := make(Selectors, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Fields returns the field names in sorted order.
func (s Selectors) Fields() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Missing returns the required fields that have no non-empty selector.
func (s Selectors) Missing(required []string) []string {
	var out []string
	for _, field := range required {
		if strings.TrimSpace(s[field]) == "" {
			out = append(out, field)
		}
	}
	return out
}

// Normalize folds whitespace and case so that cosmetic differences between
// two model outputs do not count as disagreement.
func Normalize(selector string) string {
	return strings.ToLower(strings.Join(strings.Fields(selector), " "))
}
