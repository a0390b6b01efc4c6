package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/zen-systems/selfheal/pkg/adapter"
)

// Config holds the application configuration.
type Config struct {
	AnthropicAPIKey string
	OpenAIAPIKey    string
	GoogleAPIKey    string
	DeepSeekAPIKey  string
	Policy          *Policy
	ConfigDir       string
	DatabasePath    string
	EvidenceDir     string
}

// FileConfig represents the structure of ~/.selfheal/config.yaml. API keys
// are never read from it.
type FileConfig struct {
	DatabasePath string `yaml:"database_path"`
	EvidenceDir  string `yaml:"evidence_dir"`
}

// Load reads configuration from config files and environment variables.
// The policy comes from policy.yaml in the config directory when present.
func Load() (*Config, error) {
	cfg, err := loadBase()
	if err != nil {
		return nil, err
	}

	policyPath := filepath.Join(cfg.ConfigDir, "policy.yaml")
	if _, err := os.Stat(policyPath); err == nil {
		policy, err := LoadPolicy(policyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy: %w", err)
		}
		cfg.Policy = policy
	} else {
		cfg.Policy = DefaultPolicy()
	}

	return cfg, nil
}

// LoadWithPolicyFile loads config with a specific policy file.
func LoadWithPolicyFile(policyPath string) (*Config, error) {
	cfg, err := loadBase()
	if err != nil {
		return nil, err
	}

	policy, err := LoadPolicy(policyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy from %s: %w", policyPath, err)
	}
	cfg.Policy = policy

	return cfg, nil
}

func loadBase() (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	fileConfig, err := loadFileConfig(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		GoogleAPIKey:    os.Getenv("GOOGLE_API_KEY"),
		DeepSeekAPIKey:  os.Getenv("DEEPSEEK_API_KEY"),
		ConfigDir:       configDir,
		DatabasePath:    getEnvOrDefault("SELFHEAL_DB", fileConfig.DatabasePath),
		EvidenceDir:     getEnvOrDefault("SELFHEAL_EVIDENCE_DIR", fileConfig.EvidenceDir),
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(configDir, "selfheal.db")
	}
	if cfg.EvidenceDir == "" {
		cfg.EvidenceDir = filepath.Join(configDir, "runs")
	}
	return cfg, nil
}

// Keys returns the provider keys for adapter.Build.
func (c *Config) Keys() adapter.Keys {
	return adapter.Keys{
		Anthropic: c.AnthropicAPIKey,
		OpenAI:    c.OpenAIAPIKey,
		Google:    c.GoogleAPIKey,
		DeepSeek:  c.DeepSeekAPIKey,
	}
}

// HasAdapter returns true if the API key for the given adapter is configured.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	case "deepseek":
		return c.DeepSeekAPIKey != ""
	default:
		return false
	}
}

// loadFileConfig reads the config file. A missing file is not an error; a
// malformed one is.
func loadFileConfig(path string) (*FileConfig, error) {
	cfg := &FileConfig{}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

// configHome returns $SELFHEAL_HOME or ~/.selfheal.
func configHome() (string, error) {
	if dir := os.Getenv("SELFHEAL_HOME"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".selfheal"), nil
}

func getConfigDir() (string, error) {
	configDir, err := configHome()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", err
	}
	return configDir, nil
}
