// Package extractor implements the fire-and-forget world-model delta
// extraction (C6). It is invoked after every completed exchange and must
// never add user-visible latency or propagate an error.
//
// Grounded on internal/agent/loop.go's background-goroutine dispatch
// pattern and its JSON-fenced-response stripping helper
// (internal/agent/sanitize.go), re-targeted at the narrower
// world_model_updates/tags/archive_note contract the spec defines.
package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marrow-labs/homegate/internal/archive"
	"github.com/marrow-labs/homegate/internal/providers"
	"github.com/marrow-labs/homegate/internal/worldmodel"
)

// DefaultTimeout is the per-call deadline (spec default 5s).
const DefaultTimeout = 5 * time.Second

// Exchange is one completed (userMessage, assistantResponse) pair to mine
// for world-model deltas.
type Exchange struct {
	SessionKey string
	UserText   string
	AssistantText string
	ArchivedIDs   []int64 // archive row ids this exchange produced, for tag attachment
}

// response is the strictly-JSON shape the extraction LLM call must return.
type response struct {
	WorldModelUpdates []worldmodel.Update `json:"world_model_updates"`
	Tags              []string            `json:"tags"`
	ArchiveNote       string              `json:"archive_note"`
}

// Extractor runs secondary LLM calls to mine world-model deltas.
type Extractor struct {
	enabled      bool
	wm           *worldmodel.WorldModel
	ar           *archive.Archive
	models       []providers.Provider // [primary, ...fallbackChain]
	modelRefs    []string
	timeout      time.Duration
}

// Config configures an Extractor.
type Config struct {
	Enabled       bool
	WorldModel    *worldmodel.WorldModel
	Archive       *archive.Archive
	Providers     []providers.Provider // primary first, then fallback chain
	ProviderNames []string
	Timeout       time.Duration
}

// New creates an Extractor. If cfg.Enabled is false, Run is a no-op.
func New(cfg Config) *Extractor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Extractor{
		enabled:   cfg.Enabled,
		wm:        cfg.WorldModel,
		ar:        cfg.Archive,
		models:    cfg.Providers,
		modelRefs: cfg.ProviderNames,
		timeout:   timeout,
	}
}

// Run fires extraction for ex in a new goroutine and returns immediately.
// All failures are logged and swallowed; this must never block the caller.
func (e *Extractor) Run(ex Exchange) {
	if !e.enabled {
		return
	}
	go e.run(ex)
}

func (e *Extractor) run(ex Exchange) {
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("extractor: recovered from panic", "error", r)
		}
	}()

	wmText, err := e.wm.Load()
	if err != nil {
		slog.Debug("extractor: world model load failed", "error", err)
		return
	}

	prompt := buildPrompt(wmText, ex)

	var raw string
	for i, p := range e.models {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		resp, callErr := p.Chat(ctx, providers.ChatRequest{
			Messages: []providers.Message{{Role: "user", Content: prompt}},
		})
		cancel()
		if callErr == nil && resp != nil && resp.Content != "" {
			raw = resp.Content
			break
		}
		name := p.Name()
		if i < len(e.modelRefs) {
			name = e.modelRefs[i]
		}
		slog.Debug("extractor: model call failed, trying next", "provider", name, "error", callErr)
	}
	if raw == "" {
		slog.Debug("extractor: all providers failed, skipping")
		return
	}

	resp, err := parseResponse(raw)
	if err != nil {
		slog.Debug("extractor: failed to parse response", "error", err)
		return
	}

	if len(resp.WorldModelUpdates) > 0 {
		if _, err := e.wm.ApplyUpdates(resp.WorldModelUpdates); err != nil {
			slog.Debug("extractor: apply updates failed", "error", err)
		}
	}

	if len(resp.Tags) > 0 && len(ex.ArchivedIDs) > 0 && e.ar != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		if err := e.ar.UpdateTags(ctx, ex.ArchivedIDs, resp.Tags); err != nil {
			slog.Debug("extractor: tag update failed", "error", err)
		}
		cancel()
	}

	if resp.ArchiveNote != "" {
		slog.Info("extractor: archive note", "session", ex.SessionKey, "note", resp.ArchiveNote)
	}
}

func buildPrompt(wmText string, ex Exchange) string {
	return fmt.Sprintf(`Current world model:
%s

Exchange:
User: %s
Assistant: %s

Respond with strictly JSON of the shape {"world_model_updates": [{"action": "replace|add|remove", "section": "...", "field": "...", "value": "..."}], "tags": ["..."], "archive_note": "..."}. No prose, no code fences.`,
		wmText, ex.UserText, ex.AssistantText)
}

// parseResponse strips surrounding code fences, if any, and validates the
// minimal required shape: world_model_updates is an array, each entry has
// action/section/field.
func parseResponse(raw string) (*response, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var resp response
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, fmt.Errorf("extractor: parse json: %w", err)
	}
	for _, u := range resp.WorldModelUpdates {
		if u.Action == "" || u.Section == "" || u.Field == "" {
			return nil, fmt.Errorf("extractor: update missing action/section/field")
		}
	}
	return &resp, nil
}
