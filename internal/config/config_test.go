package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg == nil {
		t.Fatal("Default() returned nil")
	}

	if cfg.DataDir == "" {
		t.Error("DataDir should not be empty")
	}
	if filepath.Base(cfg.DataDir) != ".habitmind" {
		t.Errorf("DataDir should end with .habitmind, got %q", filepath.Base(cfg.DataDir))
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.Host != "localhost" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "localhost")
	}

	if cfg.Engine.DueSweepSeconds != 60 {
		t.Errorf("Engine.DueSweepSeconds = %d, want 60", cfg.Engine.DueSweepSeconds)
	}
	if cfg.Engine.DecayAfterDays != 14 {
		t.Errorf("Engine.DecayAfterDays = %d, want 14", cfg.Engine.DecayAfterDays)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
}

func TestLoad_NonExistentFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("/non/existent/path/config.json")
	if err != nil {
		t.Fatalf("Load() error = %v, want nil for non-existent file", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (default)", cfg.Server.Port)
	}
}

func TestLoad_ValidConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	testConfig := Config{
		DataDir: tmpDir,
		Server:  ServerConfig{Port: 9090, Host: "0.0.0.0"},
		LLM:     LLMConfig{Endpoint: "http://llm.local/phrase"},
		Outbound: OutboundConfig{
			NotifyURL: "http://hooks.local/notify",
			MemoryURL: "http://hooks.local/memory",
		},
		Engine:   EngineConfig{DueSweepSeconds: 10, ExpireAfterHours: 12},
		LogLevel: "debug",
	}
	data, err := json.Marshal(testConfig)
	if err != nil {
		t.Fatalf("failed to marshal test config: %v", err)
	}
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	os.Unsetenv("HABITMIND_LLM_ENDPOINT")
	os.Unsetenv("HABITMIND_LLM_API_KEY")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.LLM.Endpoint != "http://llm.local/phrase" {
		t.Errorf("LLM.Endpoint = %q", cfg.LLM.Endpoint)
	}
	if cfg.Outbound.NotifyURL != "http://hooks.local/notify" {
		t.Errorf("Outbound.NotifyURL = %q", cfg.Outbound.NotifyURL)
	}
	if cfg.Engine.DueSweepSeconds != 10 {
		t.Errorf("Engine.DueSweepSeconds = %d, want 10", cfg.Engine.DueSweepSeconds)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoad_EnvOverridesFileAPIKey(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	fileConfig := map[string]interface{}{
		"llm": map[string]string{"api_key": "file-key", "endpoint": "http://file.local"},
	}
	data, _ := json.Marshal(fileConfig)
	os.WriteFile(configPath, data, 0644)

	os.Setenv("HABITMIND_LLM_API_KEY", "env-key-override")
	defer os.Unsetenv("HABITMIND_LLM_API_KEY")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "env-key-override" {
		t.Errorf("LLM.APIKey = %q, want env override", cfg.LLM.APIKey)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")
	os.WriteFile(configPath, []byte("{ invalid json }"), 0644)

	if _, err := Load(configPath); err == nil {
		t.Error("Load() should return error for invalid JSON")
	}
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	partial := map[string]interface{}{
		"server": map[string]interface{}{"port": 3000},
	}
	data, _ := json.Marshal(partial)
	os.WriteFile(configPath, data, 0644)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.Engine.DueSweepSeconds != 60 {
		t.Errorf("missing fields should keep defaults, got DueSweepSeconds=%d", cfg.Engine.DueSweepSeconds)
	}
}

func TestSave_CreatesFileWithoutSecret(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.json")

	cfg := Default()
	cfg.DataDir = tmpDir
	cfg.Server.Port = 9999
	cfg.LLM.APIKey = "super-secret-key"

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	if strings.Contains(string(data), "super-secret-key") {
		t.Error("API key should not be saved to file")
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("failed to unmarshal saved config: %v", err)
	}
	if loaded.Server.Port != 9999 {
		t.Errorf("saved Server.Port = %d, want 9999", loaded.Server.Port)
	}

	// The in-memory config keeps its key
	if cfg.LLM.APIKey != "super-secret-key" {
		t.Error("original config API key was modified")
	}
}

func TestSave_FilePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	cfg := Default()
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(configPath)
	if err != nil {
		t.Fatalf("failed to stat config file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}
}

func TestLoadAndSave_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	original := Default()
	original.DataDir = tmpDir
	original.Server.Port = 5000
	original.LogLevel = "debug"

	if err := original.Save(configPath); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.Server.Port != original.Server.Port {
		t.Errorf("loaded Server.Port = %d, want %d", loaded.Server.Port, original.Server.Port)
	}
	if loaded.LogLevel != original.LogLevel {
		t.Errorf("loaded LogLevel = %q, want %q", loaded.LogLevel, original.LogLevel)
	}
}

func TestDatabasePath(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	if cfg.DatabasePath() != filepath.Join("/data", "habitmind.db") {
		t.Errorf("DatabasePath() = %q", cfg.DatabasePath())
	}
}
