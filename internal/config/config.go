// Package config loads runner configuration from <home>/config.yaml with
// environment overrides, and persists the pieces the runner mutates at
// runtime (auth token, project registry).
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/relay/internal/otel"
	"github.com/basket/relay/internal/shared"
)

// ProjectConfig registers one project directory sessions can be opened in.
type ProjectConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// EngineConfig configures the agent engine.
type EngineConfig struct {
	// Model names the engine model. Empty uses the engine default.
	Model string `yaml:"model"`
	// APIKey overrides ANTHROPIC_API_KEY. Prefer the env var.
	APIKey    string `yaml:"api_key"`
	MaxTokens int64  `yaml:"max_tokens"`
}

// ProcessConfig configures process-mode terminals.
type ProcessConfig struct {
	Shell string `yaml:"shell"`
	Cols  uint16 `yaml:"cols"`
	Rows  uint16 `yaml:"rows"`
	// MultiplexCommand runs inside a fresh tmux session.
	MultiplexCommand string `yaml:"multiplex_command"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AuthToken is the bearer token every gateway request must carry.
	// Generated and persisted on first start when empty.
	AuthToken string `yaml:"auth_token"`

	// ApprovalTimeoutSeconds bounds how long a tool approval stays pending
	// before it is denied. 0 uses the default (300s).
	ApprovalTimeoutSeconds int `yaml:"approval_timeout_seconds"`

	Projects []ProjectConfig `yaml:"projects"`
	Engine   EngineConfig    `yaml:"engine"`
	Process  ProcessConfig   `yaml:"process"`
	OTel     otel.Config     `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("RELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".relay")
}

func defaultConfig() Config {
	return Config{
		BindAddr:               "127.0.0.1:18790",
		LogLevel:               "info",
		ApprovalTimeoutSeconds: 300,
		Process: ProcessConfig{
			Cols:             220,
			Rows:             50,
			MultiplexCommand: "claude",
		},
	}
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create relay home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validateProjects(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ApprovalTimeoutSeconds <= 0 {
		cfg.ApprovalTimeoutSeconds = 300
	}
	if cfg.Process.Cols == 0 {
		cfg.Process.Cols = 220
	}
	if cfg.Process.Rows == 0 {
		cfg.Process.Rows = 50
	}
	if strings.TrimSpace(cfg.Process.MultiplexCommand) == "" {
		cfg.Process.MultiplexCommand = "claude"
	}
	for i := range cfg.Projects {
		if cfg.Projects[i].ID == "" {
			cfg.Projects[i].ID = shared.NewProjectID()
		}
		if cfg.Projects[i].Name == "" {
			cfg.Projects[i].Name = filepath.Base(cfg.Projects[i].Path)
		}
	}
}

func validateProjects(cfg *Config) error {
	seen := make(map[string]struct{}, len(cfg.Projects))
	for _, p := range cfg.Projects {
		if p.Path == "" {
			return fmt.Errorf("project %s has no path", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate project id %s", p.ID)
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("RELAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("RELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("RELAY_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("RELAY_APPROVAL_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.ApprovalTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("ANTHROPIC_API_KEY"); raw != "" {
		cfg.Engine.APIKey = raw
	}
	if raw := os.Getenv("RELAY_ENGINE_MODEL"); raw != "" {
		cfg.Engine.Model = raw
	}
}

// Project returns the registered project with the given id.
func (c Config) Project(id string) (ProjectConfig, bool) {
	for _, p := range c.Projects {
		if p.ID == id {
			return p, true
		}
	}
	return ProjectConfig{}, false
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so that two runners can be compared without dumping secrets.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|timeout=%d|projects=%d|model=%s",
		c.BindAddr, c.LogLevel, c.ApprovalTimeoutSeconds, len(c.Projects), c.Engine.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map
// if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// EnsureAuthToken generates and persists a bearer token on first start.
// An already configured token is left alone.
func EnsureAuthToken(cfg *Config) error {
	if cfg.AuthToken != "" {
		return nil
	}
	cfg.AuthToken = shared.NewAuthToken()

	configPath := ConfigPath(cfg.HomeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["auth_token"] = cfg.AuthToken
	return saveRawConfig(configPath, raw)
}

// AddProject appends a project to config.yaml, preserving other settings.
// Returns the registered project with its assigned id.
func AddProject(homeDir, name, path string) (ProjectConfig, error) {
	p := ProjectConfig{ID: shared.NewProjectID(), Name: name, Path: path}
	if p.Name == "" {
		p.Name = filepath.Base(path)
	}

	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return ProjectConfig{}, err
	}
	projects, _ := raw["projects"].([]interface{})
	projects = append(projects, map[string]interface{}{
		"id":   p.ID,
		"name": p.Name,
		"path": p.Path,
	})
	raw["projects"] = projects
	if err := saveRawConfig(configPath, raw); err != nil {
		return ProjectConfig{}, err
	}
	return p, nil
}
