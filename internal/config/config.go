// Package config handles Squire configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/squire/config.yaml, /etc/squire/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "squire", "config.yaml"))
	}

	paths = append(paths, "/etc/squire/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Squire configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Models   ModelsConfig   `yaml:"models"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// TelegramConfig defines the bot connection and its access policy.
type TelegramConfig struct {
	// Token is the Bot API token from BotFather. Use ${TELEGRAM_BOT_TOKEN}
	// in the config file to pull it from the environment.
	Token string `yaml:"token"`
	// AllowedChatIDs is the authorization allow list. Messages from any
	// other chat are refused. Empty means nobody is allowed.
	AllowedChatIDs []int64 `yaml:"allowed_chat_ids"`
	// PollTimeoutSec is the long-poll timeout for getUpdates (default 30).
	PollTimeoutSec int `yaml:"poll_timeout_sec"`
}

// ModelsConfig defines the OpenAI-compatible API endpoint and the two
// model roles the bot uses.
type ModelsConfig struct {
	// APIBaseURL is the chat-completions endpoint base, e.g.
	// https://api.openai.com/v1 or https://api.x.ai/v1.
	APIBaseURL string `yaml:"api_base_url"`
	APIKey     string `yaml:"api_key"`

	Orchestrator ModelConfig `yaml:"orchestrator"`
	Expert       ModelConfig `yaml:"expert"`

	// DefaultContextLimit applies to model identifiers with no
	// configured limit (default 8192).
	DefaultContextLimit int `yaml:"default_context_limit"`
}

// ModelConfig defines one model role.
type ModelConfig struct {
	Identifier   string `yaml:"identifier"`
	ContextLimit int    `yaml:"context_limit"`
}

// ContextLimits returns the configured per-model context limits, for
// merging into the budget manager's lookup table.
func (m ModelsConfig) ContextLimits() map[string]int {
	limits := make(map[string]int)
	if m.Orchestrator.Identifier != "" && m.Orchestrator.ContextLimit > 0 {
		limits[m.Orchestrator.Identifier] = m.Orchestrator.ContextLimit
	}
	if m.Expert.Identifier != "" && m.Expert.ContextLimit > 0 {
		limits[m.Expert.Identifier] = m.Expert.ContextLimit
	}
	return limits
}

// Load reads configuration from a YAML file. Environment variable
// references in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			PollTimeoutSec: 30,
		},
		Models: ModelsConfig{
			APIBaseURL: "https://api.openai.com/v1",
			Orchestrator: ModelConfig{
				Identifier:   "gpt-4o-mini",
				ContextLimit: 128000,
			},
			Expert: ModelConfig{
				Identifier:   "o4-mini",
				ContextLimit: 200000,
			},
			DefaultContextLimit: 8192,
		},
		DataDir: "chat_data",
	}
}

// Validate checks that the configuration is usable for serving.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is not set")
	}
	if len(c.Telegram.AllowedChatIDs) == 0 {
		return fmt.Errorf("telegram.allowed_chat_ids is empty: no users would be allowed")
	}
	if c.Models.Orchestrator.Identifier == "" {
		return fmt.Errorf("models.orchestrator.identifier is not set")
	}
	return nil
}
