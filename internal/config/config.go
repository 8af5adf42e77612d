package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the Tiller gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Gateway   GatewayConfig   `json:"gateway"`
	Sessions  SessionsConfig  `json:"sessions"`
	Turns     TurnsConfig     `json:"turns,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// AgentsConfig contains agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are default settings for all agents.
type AgentDefaults struct {
	MaxSteps        int     `json:"max_steps"`         // max generation steps per turn
	StepTimeoutSec  int     `json:"step_timeout_sec"`  // per-step generator timeout
	SteerBatchLimit int     `json:"steer_batch_limit"` // max steer messages injected per boundary (0 = unlimited)
	Temperature     float64 `json:"temperature"`
}

// AgentSpec is the per-agent configuration override.
// All fields optional — zero values mean "inherit from defaults".
type AgentSpec struct {
	DisplayName     string  `json:"displayName,omitempty"`
	MaxSteps        int     `json:"max_steps,omitempty"`
	StepTimeoutSec  int     `json:"step_timeout_sec,omitempty"`
	SteerBatchLimit int     `json:"steer_batch_limit,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	Default         bool    `json:"default,omitempty"`
}

// GatewayConfig configures the WebSocket gateway listener.
type GatewayConfig struct {
	Host              string              `json:"host"`
	Port              int                 `json:"port"`
	Token             string              `json:"token,omitempty"`               // bearer token for WS/HTTP auth
	OwnerIDs          FlexibleStringSlice `json:"owner_ids,omitempty"`           // sender IDs allowed to interrupt (empty = anyone)
	AllowedOrigins    []string            `json:"allowed_origins,omitempty"`     // WebSocket CORS whitelist (empty = allow all)
	MaxMessageChars   int                 `json:"max_message_chars,omitempty"`   // max user message characters (default 32000)
	RateLimitRPM      int                 `json:"rate_limit_rpm,omitempty"`      // requests per minute per client (default 20, 0 = disabled)
	InboundDebounceMs int                 `json:"inbound_debounce_ms,omitempty"` // merge rapid messages from same sender (default 1000ms, -1 = disabled)
	DedupeTTLMin      int                 `json:"dedupe_ttl_min,omitempty"`      // correlation-id dedupe window in minutes (default 20)
}

// IsOwner reports whether a sender may issue privileged actions such as
// interrupting another turn. An empty owner list is permissive.
func (c *Config) IsOwner(senderID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.Gateway.OwnerIDs) == 0 {
		return true
	}
	for _, id := range c.Gateway.OwnerIDs {
		if id == senderID {
			return true
		}
	}
	return false
}

// SessionsConfig configures session key scoping and metadata storage.
type SessionsConfig struct {
	Storage string `json:"storage"`            // directory for session metadata files
	Scope   string `json:"scope,omitempty"`    // "per-sender" (default), "global"
	DmScope string `json:"dm_scope,omitempty"` // "main", "per-peer", "per-channel-peer" (default)
	MainKey string `json:"main_key,omitempty"` // main session key suffix (default "main", used when dm_scope="main")
}

// TurnsConfig tunes turn routing behaviour.
type TurnsConfig struct {
	MaxFollowups    int `json:"max_followups,omitempty"`     // followup queue depth per session (0 = unlimited)
	MaxSteerBacklog int `json:"max_steer_backlog,omitempty"` // steer backlog depth per session (0 = unlimited)
}

// DatabaseConfig configures turn journaling storage.
// PostgresDSN is NEVER read from config.json (secret) — only from env TILLER_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`                     // from env TILLER_POSTGRES_DSN only
	Driver      string `json:"driver,omitempty"`      // "sqlite" (default) or "postgres"
	SQLitePath  string `json:"sqlite_path,omitempty"` // default ~/.tiller/turns.db
}

// IsPostgres returns true if the journal should run against Postgres.
func (c *Config) IsPostgres() bool {
	return c.Database.Driver == "postgres" && c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OpenTelemetry export for traces and spans.
// When enabled, spans are exported to an OTLP-compatible backend
// (Jaeger, Tempo, Datadog, etc.).
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`      // enable OTLP export (default false)
	Endpoint    string            `json:"endpoint,omitempty"`     // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS verification (default false)
	ServiceName string            `json:"service_name,omitempty"` // OTEL service name (default "tiller-gateway")
	Headers     map[string]string `json:"headers,omitempty"`      // extra headers (e.g. auth tokens for cloud backends)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = src.Agents
	c.Gateway = src.Gateway
	c.Sessions = src.Sessions
	c.Turns = src.Turns
	c.Database = src.Database
	c.Telemetry = src.Telemetry
}
