// Package config handles Magpie configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./magpie.yaml, ~/.config/magpie/magpie.yaml, /etc/magpie/magpie.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"magpie.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "magpie", "magpie.yaml"))
	}

	paths = append(paths, "/etc/magpie/magpie.yaml")
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

// Config holds all Magpie configuration.
type Config struct {
	Listen   ListenConfig `yaml:"listen"`
	Database DBConfig     `yaml:"database"`
	LLM      LLMConfig    `yaml:"llm"`
	Agent    AgentConfig  `yaml:"agent"`
	Auth     AuthConfig   `yaml:"auth"`
	LogLevel string       `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DBConfig defines the SQLite database locations. Tasks live in their
// own file: SQLite allows one writer per database, and task tool writes
// run concurrently with other requests' conversation commits.
type DBConfig struct {
	Path      string `yaml:"path"`
	TasksPath string `yaml:"tasks_path"`
}

// LLMConfig defines the completion service connection.
type LLMConfig struct {
	// BaseURL is the root of an OpenAI-compatible chat completions API.
	// Works with Ollama (http://localhost:11434/v1) and hosted providers.
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// TimeoutSec bounds a single completion call (default 120).
	TimeoutSec int `yaml:"timeout_sec"`
	// MaxRetries is the retry budget for transient completion failures
	// (timeouts, 429, 5xx). Retries use exponential backoff.
	MaxRetries int `yaml:"max_retries"`
}

// AgentConfig tunes the orchestrator loop.
type AgentConfig struct {
	// MaxIterations caps model-call/tool-execution rounds per request
	// (default 5). Exceeding it returns a fixed fallback reply.
	MaxIterations int `yaml:"max_iterations"`
	// HistoryWindow is how many recent messages are replayed to the
	// model per request (default 20).
	HistoryWindow int `yaml:"history_window"`
}

// AuthConfig maps static bearer tokens to user IDs. Token issuance is
// owned by the account system; this server only resolves them.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens"`
}

// TokenConfig binds one bearer token to one user.
type TokenConfig struct {
	Token  string `yaml:"token"`
	UserID int64  `yaml:"user_id"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
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
		Listen:   ListenConfig{Port: 8080},
		Database: DBConfig{Path: "magpie.db", TasksPath: "magpie-tasks.db"},
		LLM: LLMConfig{
			BaseURL:    "http://localhost:11434/v1",
			Model:      "qwen3:4b",
			TimeoutSec: 120,
			MaxRetries: 2,
		},
		Agent: AgentConfig{
			MaxIterations: 5,
			HistoryWindow: 20,
		},
	}
}
