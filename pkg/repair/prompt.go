// Package repair builds the prompts that ask a model for extraction
// selectors and parses what comes back.
package repair

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/zen-systems/selfheal/pkg/consensus"
)

// Request describes the page a model should propose selectors for.
type Request struct {
	URL      string
	HTML     string
	Fields   []string
	Required []string
	// Previous selectors, empty for a site seen for the first time.
	Previous consensus.Selectors
	// Broken lists previous selectors that matched nothing.
	Broken []string
}

// Reply is the JSON shape a model must answer with.
type Reply struct {
	Selectors  map[string]string  `json:"selectors"`
	Confidence map[string]float64 `json:"confidence"`
}

// GenerateRepairPrompt asks for replacements of selectors that stopped
// matching on a known site.
func GenerateRepairPrompt(req Request) string {
	var sb strings.Builder

	sb.WriteString("The following CSS selectors no longer extract article fields from this page:\n\n")
	for _, field := range sortedKeys(req.Previous) {
		status := "ok"
		if contains(req.Broken, field) {
			status = "broken"
		}
		sb.WriteString(fmt.Sprintf("- %s: %s (%s)\n", field, req.Previous[field], status))
	}
	sb.WriteString("\nKeep selectors that still work and replace the broken ones.\n")
	writeContract(&sb, req)
	return sb.String()
}

// GenerateDiscoveryPrompt asks for a full selector set for an unknown site.
func GenerateDiscoveryPrompt(req Request) string {
	var sb strings.Builder

	sb.WriteString("Identify CSS selectors that extract article fields from this page.\n")
	sb.WriteString("No selectors are known for this site yet.\n")
	writeContract(&sb, req)
	return sb.String()
}

func writeContract(sb *strings.Builder, req Request) {
	sb.WriteString(fmt.Sprintf("\nURL: %s\n", req.URL))
	sb.WriteString(fmt.Sprintf("Fields: %s\n", strings.Join(req.Fields, ", ")))
	if len(req.Required) > 0 {
		sb.WriteString(fmt.Sprintf("Required: %s\n", strings.Join(req.Required, ", ")))
	}
	sb.WriteString("\nPage markup (simplified):\n---\n")
	sb.WriteString(req.HTML)
	sb.WriteString("\n---\n\n")
	sb.WriteString("Respond with JSON only:\n")
	sb.WriteString(`{"selectors": {"<field>": "<css selector>"}, "confidence": {"<field>": <0.0-1.0>}}`)
	sb.WriteString("\nOmit a field rather than guess.\n")
}

// ParseReply decodes a model answer into a proposal. Markdown code fences
// and prose around the JSON object are tolerated.
func ParseReply(source, content string) (consensus.Proposal, error) {
	raw := stripFences(content)
	if start := strings.Index(raw, "{"); start > 0 {
		raw = raw[start:]
	}
	if end := strings.LastIndex(raw, "}"); end >= 0 && end < len(raw)-1 {
		raw = raw[:end+1]
	}

	var reply Reply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return consensus.Proposal{}, fmt.Errorf("parse %s reply: %w", source, err)
	}
	if len(reply.Selectors) == 0 {
		return consensus.Proposal{}, fmt.Errorf("%s proposed no selectors", source)
	}

	p := consensus.Proposal{
		Source:           source,
		Selectors:        consensus.Selectors{},
		FieldConfidences: map[string]float64{},
	}
	for field, sel := range reply.Selectors {
		field = strings.ToLower(strings.TrimSpace(field))
		sel = strings.TrimSpace(sel)
		if field == "" || sel == "" {
			continue
		}
		p.Selectors[field] = sel
		p.FieldConfidences[field] = clamp(reply.Confidence[field])
	}
	return p, nil
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.Index(s, "\n"); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func clamp(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func sortedKeys(m consensus.Selectors) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
