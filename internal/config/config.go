// Package config implements the gateway's static configuration tree plus
// ConfigStore (C12): the small set of frequently-mutated JSON documents
// (model aliases, fallback chain, heartbeat model override) that live
// alongside it in the data directory and change at runtime via the
// in-band command layer and ManagementAPI, rather than by editing the
// config file.
//
// Grounded directly on the teacher's internal/config package: JSON5 file
// plus environment-variable overlay, atomic save, and a SHA-256 content
// hash for optimistic concurrency. Trimmed of every field tied to dropped
// scope (Postgres-backed managed mode, Docker sandboxing, the generic tool
// belt, multi-agent bindings, text-to-speech, Tailscale) — this gateway is
// single-agent, single-host, and treats its LLM backend as an opaque
// AgentRuntime.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON, matching
// allow-list fields that sometimes arrive as numeric chat IDs.
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

// Config is the root configuration for the gateway.
type Config struct {
	AgentID   string          `json:"agent_id"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	State     StateConfig     `json:"state"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Timezone  string          `json:"timezone,omitempty"` // IANA name; "" means use system local time

	// defaultProvider/defaultModel hold DEFAULT_PROVIDER/DEFAULT_MODEL: a
	// one-time bootstrap override read at startup, not part of the
	// persisted document.
	defaultProvider string
	defaultModel    string

	mu sync.RWMutex
}

// DefaultProviderOverride and DefaultModelOverride return the
// DEFAULT_PROVIDER/DEFAULT_MODEL environment overrides, if set.
func (c *Config) DefaultProviderOverride() string { return c.defaultProvider }
func (c *Config) DefaultModelOverride() string    { return c.defaultModel }

// ProvidersConfig maps provider name to its credentials.
type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	Gemini     ProviderConfig `json:"gemini"`
	DeepSeek   ProviderConfig `json:"deepseek"`
}

// ProviderConfig is one provider's credentials.
type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base,omitempty"`
}

// HasAnyProvider reports whether at least one provider has an API key.
func (c *Config) HasAnyProvider() bool {
	p := c.Providers
	return p.Anthropic.APIKey != "" || p.OpenAI.APIKey != "" || p.OpenRouter.APIKey != "" ||
		p.Groq.APIKey != "" || p.Gemini.APIKey != "" || p.DeepSeek.APIKey != ""
}

// ChannelsConfig contains per-channel configuration for the adapters the
// ChannelHub actually loads.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// TelegramConfig configures the Telegram ChannelAdapter.
type TelegramConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`       // "open" (default), "allowlist", "disabled"
	GroupPolicy    string              `json:"group_policy,omitempty"`    // "open" (default), "allowlist", "disabled"
	RequireMention *bool               `json:"require_mention,omitempty"` // default true
	StreamMode     string              `json:"stream_mode,omitempty"`     // "off" (default), "partial"
	Proxy          string              `json:"proxy,omitempty"`           // optional HTTP proxy URL for the bot client
}

// DiscordConfig configures the Discord ChannelAdapter.
type DiscordConfig struct {
	Enabled        bool                `json:"enabled"`
	Token          string              `json:"token"`
	AllowFrom      FlexibleStringSlice `json:"allow_from"`
	DMPolicy       string              `json:"dm_policy,omitempty"`
	GroupPolicy    string              `json:"group_policy,omitempty"`
	RequireMention *bool               `json:"require_mention,omitempty"`
}

// GatewayConfig controls the ManagementAPI (HTTP+WS) surface.
type GatewayConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Token           string   `json:"token,omitempty"` // bearer token for WS/HTTP auth
	OwnerIDs        []string `json:"owner_ids,omitempty"`
	MaxMessageChars int      `json:"max_message_chars,omitempty"`
	RateLimitRPM    int      `json:"rate_limit_rpm,omitempty"` // ManagementAPI requests per minute per client, 0 = disabled
}

// StateConfig locates the on-disk state the gateway owns (SessionLog,
// SessionBuffer capacity, WorldModel, Archive, Extractor).
type StateConfig struct {
	DataDir              string `json:"data_dir"`
	ConversationHistory  int    `json:"conversation_history,omitempty"`   // SessionBuffer capacity N (default 10)
	WorldModelPath       string `json:"world_model_path,omitempty"`
	ArchivePath          string `json:"archive_path,omitempty"`
	ExtractionEnabled    bool   `json:"extraction_enabled"`
	ExtractionTimeoutMs  int    `json:"extraction_timeout_ms,omitempty"`
}

// HeartbeatConfig configures the HeartbeatRunner.
type HeartbeatConfig struct {
	Enabled      bool   `json:"enabled"`
	IntervalMs   int    `json:"interval_ms,omitempty"`
	ActiveStart  string `json:"active_start,omitempty"` // "HH:MM"
	ActiveEnd    string `json:"active_end,omitempty"`   // "HH:MM"
	Delivery     string `json:"delivery,omitempty"`     // "channel:chatID", or "" to disable delivery
}

// TelemetryConfig optionally exports OpenTelemetry spans for the
// RequestQueue's LLM calls. Disabled by default; the gateway otherwise logs
// through log/slog exclusively.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// ReplaceFrom copies every data field from src into c (used by hot-reload).
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AgentID = src.AgentID
	c.Providers = src.Providers
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.State = src.State
	c.Heartbeat = src.Heartbeat
	c.Telemetry = src.Telemetry
	c.Timezone = src.Timezone
}

// Snapshot returns a copy of the config safe to read without holding c's lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}
