// Package config handles HabitMind configuration.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Config holds all configuration
type Config struct {
	// Paths
	DataDir string `json:"data_dir"`

	// Server
	Server ServerConfig `json:"server"`

	// Collaborators
	LLM      LLMConfig      `json:"llm"`
	Outbound OutboundConfig `json:"outbound"`

	// Engine
	Engine EngineConfig `json:"engine"`

	// Logging
	LogLevel string `json:"log_level"`
}

// ServerConfig for the HTTP server
type ServerConfig struct {
	Port int    `json:"port"`
	Host string `json:"host"`
}

// LLMConfig for the phrasing service
type LLMConfig struct {
	Endpoint string `json:"endpoint"`
	APIKey   string `json:"api_key"`
}

// OutboundConfig for notification and memory sinks
type OutboundConfig struct {
	NotifyURL string `json:"notify_url"`
	MemoryURL string `json:"memory_url"`
}

// EngineConfig tunes the background sweeps
type EngineConfig struct {
	LocalOffsetMinutes   int `json:"local_offset_minutes"`
	DueSweepSeconds      int `json:"due_sweep_seconds"`
	ExpireAfterHours     int `json:"expire_after_hours"`
	DecayAfterDays       int `json:"decay_after_days"`
	DecayRatePercent     int `json:"decay_rate_percent"`
	HistoryRetentionDays int `json:"history_retention_days"`
}

// Default returns default configuration
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		DataDir: filepath.Join(home, ".habitmind"),
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		LLM: LLMConfig{
			Endpoint: os.Getenv("HABITMIND_LLM_ENDPOINT"),
			APIKey:   os.Getenv("HABITMIND_LLM_API_KEY"),
		},
		Engine: EngineConfig{
			LocalOffsetMinutes:   0,
			DueSweepSeconds:      60,
			ExpireAfterHours:     48,
			DecayAfterDays:       14,
			DecayRatePercent:     5,
			HistoryRetentionDays: 90,
		},
		LogLevel: "info",
	}
}

// Load loads config from file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.json")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Env wins over file for secrets
	if key := os.Getenv("HABITMIND_LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if endpoint := os.Getenv("HABITMIND_LLM_ENDPOINT"); endpoint != "" {
		cfg.LLM.Endpoint = endpoint
	}

	return cfg, nil
}

// Save saves config to file
func (c *Config) Save(path string) error {
	if path == "" {
		path = filepath.Join(c.DataDir, "config.json")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	// Don't save the API key to file
	safeCfg := *c
	safeCfg.LLM.APIKey = ""

	data, err := json.MarshalIndent(safeCfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// DatabasePath is the SQLite file inside the data directory
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "habitmind.db")
}
