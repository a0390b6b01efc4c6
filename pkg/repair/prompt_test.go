package repair

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/selfheal/pkg/consensus"
)

func TestGenerateRepairPromptMarksBroken(t *testing.T) {
	prompt := GenerateRepairPrompt(Request{
		URL:      "https://example.com/a",
		HTML:     "<body><h1>t</h1></body>",
		Fields:   []string{"title", "body"},
		Required: []string{"title", "body"},
		Previous: consensus.Selectors{"title": "h1", "body": ".old-body"},
		Broken:   []string{"body"},
	})

	assert.Contains(t, prompt, "- body: .old-body (broken)")
	assert.Contains(t, prompt, "- title: h1 (ok)")
	assert.Contains(t, prompt, "Required: title, body")
	assert.Contains(t, prompt, "<h1>t</h1>")
}

func TestGenerateDiscoveryPrompt(t *testing.T) {
	prompt := GenerateDiscoveryPrompt(Request{URL: "https://example.com", Fields: []string{"title"}})
	assert.Contains(t, prompt, "No selectors are known")
	assert.False(t, strings.Contains(prompt, "broken"))
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"bare", `{"selectors":{"title":"h1","body":"article"},"confidence":{"title":0.9,"body":0.8}}`, false},
		{"fenced", "```json\n{\"selectors\":{\"Title\":\" h1 \",\"body\":\"article\"},\"confidence\":{\"title\":0.9}}\n```", false},
		{"prose", "Sure! {\"selectors\":{\"title\":\"h1\"}} hope that helps", false},
		{"empty", `{"selectors":{}}`, true},
		{"garbage", "no json here", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseReply("mock", tt.content)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "mock", p.Source)
			assert.Equal(t, "h1", p.Selectors["title"])
		})
	}
}

func TestParseReplyClampsConfidence(t *testing.T) {
	p, err := ParseReply("mock", `{"selectors":{"title":"h1","body":"p"},"confidence":{"title":7,"body":-1}}`)
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.FieldConfidences["title"])
	assert.Equal(t, 0.0, p.FieldConfidences["body"])
}
