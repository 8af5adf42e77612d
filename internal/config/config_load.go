package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// DefaultAgentID is the agent used when no binding or override applies.
const DefaultAgentID = "default"

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				MaxSteps:       20,
				StepTimeoutSec: 120,
				Temperature:    0.7,
			},
		},
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              18790,
			MaxMessageChars:   32000,
			RateLimitRPM:      20,
			InboundDebounceMs: 1000,
			DedupeTTLMin:      20,
		},
		Turns: TurnsConfig{
			MaxFollowups:    64,
			MaxSteerBacklog: 64,
		},
		Sessions: SessionsConfig{
			Storage: "~/.tiller/sessions",
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: "~/.tiller/turns.db",
		},
	}
}

// Load reads config from a JSON file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("TILLER_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("TILLER_HOST", &c.Gateway.Host)
	if v := os.Getenv("TILLER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	// Sessions
	envStr("TILLER_SESSIONS_STORAGE", &c.Sessions.Storage)

	// Database
	envStr("TILLER_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("TILLER_DB_DRIVER", &c.Database.Driver)
	envStr("TILLER_SQLITE_PATH", &c.Database.SQLitePath)

	// Telemetry
	envStr("TILLER_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TILLER_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TILLER_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("TILLER_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TILLER_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Owner IDs from env (comma-separated)
	if v := os.Getenv("TILLER_OWNER_IDS"); v != "" {
		c.Gateway.OwnerIDs = FlexibleStringSlice(strings.Split(v, ","))
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config for optimistic concurrency.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// SessionsStoragePath returns the expanded session storage directory.
func (c *Config) SessionsStoragePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Sessions.Storage)
}

// SQLitePath returns the expanded sqlite journal path.
func (c *Config) SQLitePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Database.SQLitePath)
}

// ResolveAgent returns the effective config for a given agent ID,
// merging defaults with per-agent overrides.
func (c *Config) ResolveAgent(agentID string) AgentDefaults {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d := c.Agents.Defaults
	if spec, ok := c.Agents.List[agentID]; ok {
		if spec.MaxSteps > 0 {
			d.MaxSteps = spec.MaxSteps
		}
		if spec.StepTimeoutSec > 0 {
			d.StepTimeoutSec = spec.StepTimeoutSec
		}
		if spec.SteerBatchLimit > 0 {
			d.SteerBatchLimit = spec.SteerBatchLimit
		}
		if spec.Temperature > 0 {
			d.Temperature = spec.Temperature
		}
	}

	return d
}

// ResolveDefaultAgentID returns the ID of the agent marked as default,
// or "default" if none is explicitly marked.
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields masked.
// Used by config.get to avoid exposing secrets to WebSocket clients.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	maskNonEmpty(&cp.Gateway.Token)
	return cp
}

// StripSecrets zeros out all secret fields in the config.
// Used before saving to disk to ensure secrets never persist in config.json.
func (c *Config) StripSecrets() {
	c.Gateway.Token = ""
	c.Database.PostgresDSN = ""
}

func maskNonEmpty(s *string) {
	if *s != "" {
		*s = secretMask
	}
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
