// Package config handles VoiceDesk configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/voicedesk/config.yaml,
// /etc/voicedesk/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "voicedesk", "config.yaml"))
	}

	paths = append(paths, "/etc/voicedesk/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all VoiceDesk configuration.
type Config struct {
	Listen       ListenConfig `yaml:"listen"`
	Groq         GroqConfig   `yaml:"groq"`
	Speech       SpeechConfig `yaml:"speech"`
	Agent        AgentConfig  `yaml:"agent"`
	MCP          MCPConfig    `yaml:"mcp"`
	DatabasePath string       `yaml:"database_path"`
	MaxSessions  int          `yaml:"max_sessions"`
	LogLevel     string       `yaml:"log_level"`
	LogDir       string       `yaml:"log_dir"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// GroqConfig defines the chat completion backend.
type GroqConfig struct {
	APIKey  string `yaml:"api_key"` // supports ${GROQ_API_KEY} expansion
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// SpeechConfig defines transcription and synthesis settings.
type SpeechConfig struct {
	TranscribeModel string `yaml:"transcribe_model"`
	TranscribeURL   string `yaml:"transcribe_url"`
	SynthesizeURL   string `yaml:"synthesize_url"`
	Language        string `yaml:"language"` // TTS language code, default "en"
}

// AgentConfig bounds the reasoning loop.
type AgentConfig struct {
	MaxCycles       int `yaml:"max_cycles"`       // default 8
	DeadlineSeconds int `yaml:"deadline_seconds"` // default 90
}

// MCPConfig lists remote tool servers to connect at startup.
type MCPConfig struct {
	Enabled       bool     `yaml:"enabled"`
	RemoteServers []string `yaml:"remote_servers"` // http://, ws:// or wss:// URLs
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
		Listen:       ListenConfig{Port: 8080},
		DatabasePath: "customer_issues.db",
		MaxSessions:  1024,
		LogLevel:     "info",
		LogDir:       "logs",
		Speech:       SpeechConfig{Language: "en"},
		Agent: AgentConfig{
			MaxCycles:       8,
			DeadlineSeconds: 90,
		},
	}
}
