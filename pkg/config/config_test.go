package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/selfheal/pkg/strategy"
)

func TestConfigIgnoresFileAPIKeys(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)

	configDir := filepath.Join(home, ".selfheal")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	data := []byte("api_keys:\n  anthropic: file-ant\n  openai: file-openai\ndatabase_path: /tmp/x.db\n")
	if err := os.WriteFile(filepath.Join(configDir, "config.yaml"), data, 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("DEEPSEEK_API_KEY", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AnthropicAPIKey != "" || cfg.OpenAIAPIKey != "" || cfg.GoogleAPIKey != "" || cfg.DeepSeekAPIKey != "" {
		t.Fatalf("expected file API keys to be ignored")
	}
	if cfg.DatabasePath != "/tmp/x.db" {
		t.Fatalf("expected database path from file, got %q", cfg.DatabasePath)
	}
}

func TestConfigUsesEnvAPIKeys(t *testing.T) {
	setHomeEnv(t, t.TempDir())

	t.Setenv("ANTHROPIC_API_KEY", "env-ant")
	t.Setenv("OPENAI_API_KEY", "env-openai")
	t.Setenv("GOOGLE_API_KEY", "env-google")
	t.Setenv("DEEPSEEK_API_KEY", "env-deepseek")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AnthropicAPIKey != "env-ant" || cfg.OpenAIAPIKey != "env-openai" || cfg.GoogleAPIKey != "env-google" || cfg.DeepSeekAPIKey != "env-deepseek" {
		t.Fatalf("expected env API keys to be used")
	}
	if !cfg.HasAdapter("deepseek") || cfg.HasAdapter("mock") {
		t.Fatalf("unexpected HasAdapter result")
	}
	if cfg.Keys().Google != "env-google" {
		t.Fatalf("expected keys to carry env values")
	}
}

func TestConfigDefaults(t *testing.T) {
	home := t.TempDir()
	setHomeEnv(t, home)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".selfheal"), cfg.ConfigDir)
	assert.Equal(t, filepath.Join(home, ".selfheal", "selfheal.db"), cfg.DatabasePath)
	assert.Equal(t, filepath.Join(home, ".selfheal", "runs"), cfg.EvidenceDir)
	assert.Equal(t, DefaultPolicy(), cfg.Policy)
}

func TestConfigRejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SELFHEAL_HOME", dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("database_path: [\n"), 0600))

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `confidence_threshold: 0.7
retry_cap: 0
min_field_confidence: 0
step_timeout: 45s
required_fields: [title, body, date]
reasoner:
  adapter: google
  model: gemini-2.5-flash
proposers:
  - {adapter: anthropic, model: claude-sonnet-4-20250514}
  - {adapter: deepseek, model: deepseek-chat}
transitions:
  start: [direct, discovery]
  direct: [repair, terminate]
  repair: [discovery, terminate]
  discovery: [terminate]
triggers:
  terminate: ["paywall"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)

	sp, err := p.ToSupervisor()
	require.NoError(t, err)
	assert.Equal(t, 0.7, sp.Guard.Threshold)
	assert.Equal(t, 0, sp.RetryCap, "an explicit zero retry cap is kept")
	assert.Equal(t, 0.0, sp.MinFieldConfidence, "an explicit zero floor is kept")
	assert.Equal(t, 0.0, sp.ConsensusOptions().MinConfidence)
	assert.Equal(t, 20, sp.HistoryCap)
	assert.Equal(t, 45*time.Second, sp.StepTimeout)
	assert.Equal(t, []string{"title", "body", "date"}, sp.Required)
	assert.True(t, sp.Guard.Transitions.Allows(strategy.None, strategy.Discovery))
	assert.False(t, sp.Guard.Transitions.Allows(strategy.None, strategy.Repair))
	assert.False(t, sp.Guard.Transitions.Allows(strategy.Direct, strategy.Direct))

	rules, err := p.RuleSet()
	require.NoError(t, err)
	got, ok := rules.Match("page is behind a paywall")
	require.True(t, ok)
	assert.Equal(t, strategy.Terminate, got)

	assert.Equal(t, 2, p.RetryPolicy().MaxRetries)
	assert.Len(t, p.Targets(), 3)
}

func TestLoadPolicyRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "confidence_treshold: 0.7\n"},
		{"threshold out of range", "confidence_threshold: 1.5\n"},
		{"one proposer", "proposers:\n  - {adapter: openai, model: gpt-4.1}\n"},
		{"unknown strategy", "transitions:\n  start: [sideways]\n"},
		{"missing start row", "transitions:\n  direct: [repair]\n"},
		{"bad trigger strategy", "triggers:\n  nowhere: [x]\n"},
		{"negative history cap", "history_cap: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "policy.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))
			_, err := LoadPolicy(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicyEmptyFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	p, err := LoadPolicy(path)
	require.NoError(t, err)
	sp, err := p.ToSupervisor()
	require.NoError(t, err)
	assert.Equal(t, 5, sp.RetryCap)
	assert.Equal(t, 0.6, sp.Guard.Threshold)
	assert.Equal(t, 0.5, sp.MinFieldConfidence)
}

func setHomeEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	t.Setenv("SELFHEAL_HOME", "")
	t.Setenv("SELFHEAL_DB", "")
	t.Setenv("SELFHEAL_EVIDENCE_DIR", "")
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	}
}
