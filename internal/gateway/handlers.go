package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marrow-labs/homegate/internal/cron"
	"github.com/marrow-labs/homegate/internal/heartbeat"
	"github.com/marrow-labs/homegate/internal/requestqueue"
)

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	return json.Unmarshal(params, v)
}

// resolveRef turns a "provider/model" or bare-provider token (or a stored
// alias) into a requestqueue.ModelRef, mirroring internal/commands'
// Handler.resolveRef for the ManagementAPI's own model/alias/fallback
// routes.
func resolveRef(s *Server, token string) (requestqueue.ModelRef, error) {
	lookup := token
	if aliased, ok := s.store.ResolveAlias(token); ok {
		lookup = aliased
	}
	providerName, modelName, _ := strings.Cut(lookup, "/")
	p, ok := s.registry.Get(providerName)
	if !ok {
		return requestqueue.ModelRef{}, fmt.Errorf("unknown provider %q", providerName)
	}
	if modelName == "" {
		modelName = p.DefaultModel()
	}
	return requestqueue.ModelRef{Ref: lookup, Provider: p, Model: modelName}, nil
}

func refView(r requestqueue.ModelRef) map[string]string {
	return map[string]string{"ref": r.Ref, "model": r.Model}
}

// status

func handleStatus(_ context.Context, s *Server, _ json.RawMessage) (interface{}, error) {
	st := s.rt.CurrentState()
	primary := s.queue.Primary()
	chain := s.queue.FallbackChain()
	fallbacks := make([]map[string]string, len(chain))
	for i, r := range chain {
		fallbacks[i] = refView(r)
	}
	out := map[string]interface{}{
		"model":         st.Model,
		"thinkingLevel": st.ThinkingLevel,
		"primary":       refView(primary),
		"fallbacks":     fallbacks,
		"channels":      s.hub.Status(),
	}
	if s.heartbeat != nil {
		out["heartbeat"] = map[string]interface{}{
			"enabled":  s.heartbeat.Enabled(),
			"interval": s.heartbeat.Interval().String(),
			"model":    s.heartbeat.ModelOverride(),
		}
	}
	return out, nil
}

// worldmodel.get / worldmodel.put

func handleWorldModelGet(_ context.Context, s *Server, _ json.RawMessage) (interface{}, error) {
	text, err := s.worldModel.Load()
	if err != nil {
		return nil, err
	}
	return map[string]string{"content": text}, nil
}

type worldModelPutParams struct {
	Content string `json:"content"`
}

func handleWorldModelPut(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p worldModelPutParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.worldModel.ReplaceContent(p.Content); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

// heartbeat.config.get / heartbeat.config.put / heartbeat.runs

func handleHeartbeatConfigGet(_ context.Context, s *Server, _ json.RawMessage) (interface{}, error) {
	if s.heartbeat == nil {
		return nil, fmt.Errorf("gateway: heartbeat not configured")
	}
	w := s.heartbeat.Window()
	return map[string]interface{}{
		"enabled":     s.heartbeat.Enabled(),
		"interval":    s.heartbeat.Interval().String(),
		"startMinute": w.StartMinute,
		"endMinute":   w.EndMinute,
		"model":       s.heartbeat.ModelOverride(),
	}, nil
}

type heartbeatConfigPutParams struct {
	Model *string `json:"model"` // nil leaves unchanged; "" clears the override
}

// handleHeartbeatConfigPut is scoped to the one knob heartbeat.Runner
// exposes a live setter for (the model override); interval/window changes
// require editing the static config and restarting, matching the scope
// decision recorded in DESIGN.md.
func handleHeartbeatConfigPut(ctx context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	if s.heartbeat == nil {
		return nil, fmt.Errorf("gateway: heartbeat not configured")
	}
	var p heartbeatConfigPutParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Model != nil {
		if *p.Model != "" {
			if _, err := resolveRef(s, *p.Model); err != nil {
				return nil, err
			}
		}
		s.heartbeat.SetModelOverride(*p.Model)
		if err := s.store.SetHeartbeatModel(*p.Model); err != nil {
			return nil, err
		}
		s.eventPub.Broadcast(evt(protocolEventHeartbeat, map[string]string{"model": *p.Model}))
	}
	return handleHeartbeatConfigGet(ctx, s, nil)
}

type runsParams struct {
	Limit int `json:"limit"`
}

func handleHeartbeatRuns(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	if s.heartbeat == nil {
		return []heartbeat.RunRecord{}, nil
	}
	var p runsParams
	decode(params, &p)
	runs, err := s.heartbeat.Runs(p.Limit)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// cron.*

func handleCronList(_ context.Context, s *Server, _ json.RawMessage) (interface{}, error) {
	return s.cron.Jobs(), nil
}

func handleCronCreate(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var j cron.Job
	if err := decode(params, &j); err != nil {
		return nil, err
	}
	if err := s.cron.AddJob(&j); err != nil {
		return nil, err
	}
	s.eventPub.Broadcast(evt(protocolEventCron, j))
	return j, nil
}

func handleCronUpdate(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var j cron.Job
	if err := decode(params, &j); err != nil {
		return nil, err
	}
	if err := s.cron.UpdateJob(&j); err != nil {
		return nil, err
	}
	s.eventPub.Broadcast(evt(protocolEventCron, j))
	return j, nil
}

type cronIDParams struct {
	ID string `json:"id"`
}

func handleCronDelete(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p cronIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.cron.RemoveJob(p.ID); err != nil {
		return nil, err
	}
	s.eventPub.Broadcast(evt(protocolEventCron, p))
	return map[string]bool{"ok": true}, nil
}

type cronTogglePutParams struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

func handleCronToggle(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p cronTogglePutParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.cron.ToggleJob(p.ID, p.Enabled); err != nil {
		return nil, err
	}
	s.eventPub.Broadcast(evt(protocolEventCron, p))
	return map[string]bool{"ok": true}, nil
}

func handleCronRun(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p cronIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.cron.TriggerJob(p.ID); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func handleCronRuns(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p cronIDParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	runs, err := s.cron.Runs(p.ID)
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// sessions.*

func handleSessionsList(_ context.Context, s *Server, _ json.RawMessage) (interface{}, error) {
	return s.sessionLog.List()
}

type sessionKeyParams struct {
	Key string `json:"key"`
}

func handleSessionsRead(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p sessionKeyParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return s.sessionLog.Read(p.Key)
}

// archive.*

type archiveSearchParams struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func handleArchiveSearch(ctx context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p archiveSearchParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	return s.archive.Search(ctx, p.Query, limit)
}

type archiveGetParams struct {
	ID int64 `json:"id"`
}

func handleArchiveGet(ctx context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p archiveGetParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return s.archive.Read(ctx, p.ID)
}

// model.get / model.set

func handleModelGet(_ context.Context, s *Server, _ json.RawMessage) (interface{}, error) {
	return refView(s.queue.Primary()), nil
}

type modelSetParams struct {
	Ref string `json:"ref"`
}

func handleModelSet(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p modelSetParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	ref, err := resolveRef(s, p.Ref)
	if err != nil {
		return nil, err
	}
	s.queue.SetPrimary(ref)
	s.eventPub.Broadcast(evt(protocolEventModel, refView(ref)))
	return refView(ref), nil
}

// alias.*

func handleAliasList(_ context.Context, s *Server, _ json.RawMessage) (interface{}, error) {
	return s.store.Aliases(), nil
}

type aliasSetParams struct {
	Name string `json:"name"`
	Ref  string `json:"ref"`
}

func handleAliasSet(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p aliasSetParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if _, err := resolveRef(s, p.Ref); err != nil {
		return nil, err
	}
	if err := s.store.SetAlias(p.Name, p.Ref); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

type aliasRemoveParams struct {
	Name string `json:"name"`
}

func handleAliasRemove(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p aliasRemoveParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.store.RemoveAlias(p.Name); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

// fallback.*

func handleFallbackList(_ context.Context, s *Server, _ json.RawMessage) (interface{}, error) {
	chain := s.queue.FallbackChain()
	out := make([]map[string]string, len(chain))
	for i, r := range chain {
		out[i] = refView(r)
	}
	return out, nil
}

type fallbackSetParams struct {
	Refs []string `json:"refs"`
}

func handleFallbackSet(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p fallbackSetParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	chain := make([]requestqueue.ModelRef, 0, len(p.Refs))
	for _, raw := range p.Refs {
		ref, err := resolveRef(s, raw)
		if err != nil {
			return nil, err
		}
		chain = append(chain, ref)
	}
	s.queue.SetFallback(chain)
	if err := s.store.SetFallbacks(p.Refs); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func handleFallbackClear(_ context.Context, s *Server, _ json.RawMessage) (interface{}, error) {
	s.queue.SetFallback(nil)
	if err := s.store.ClearFallbacks(); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

// skills.*

func handleSkillsList(_ context.Context, s *Server, _ json.RawMessage) (interface{}, error) {
	return s.skills.list()
}

type skillNameParams struct {
	Name string `json:"name"`
}

func handleSkillsGet(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p skillNameParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return s.skills.get(p.Name)
}

type skillWriteParams struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func handleSkillsCreate(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p skillWriteParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return s.skills.create(p.Name, p.Content)
}

func handleSkillsUpdate(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p skillWriteParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	return s.skills.update(p.Name, p.Content)
}

func handleSkillsDelete(_ context.Context, s *Server, params json.RawMessage) (interface{}, error) {
	var p skillNameParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.skills.delete(p.Name); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

// config.get

const maskedSecret = "********"

func handleConfigGet(_ context.Context, s *Server, _ json.RawMessage) (interface{}, error) {
	snap := s.cfg.Snapshot()
	snap.Providers.Anthropic.APIKey = maskIfSet(snap.Providers.Anthropic.APIKey)
	snap.Providers.OpenAI.APIKey = maskIfSet(snap.Providers.OpenAI.APIKey)
	snap.Providers.OpenRouter.APIKey = maskIfSet(snap.Providers.OpenRouter.APIKey)
	snap.Providers.Groq.APIKey = maskIfSet(snap.Providers.Groq.APIKey)
	snap.Providers.Gemini.APIKey = maskIfSet(snap.Providers.Gemini.APIKey)
	snap.Providers.DeepSeek.APIKey = maskIfSet(snap.Providers.DeepSeek.APIKey)
	snap.Channels.Telegram.Token = maskIfSet(snap.Channels.Telegram.Token)
	snap.Channels.Discord.Token = maskIfSet(snap.Channels.Discord.Token)
	snap.Gateway.Token = maskIfSet(snap.Gateway.Token)
	return snap, nil
}

func maskIfSet(v string) string {
	if v == "" {
		return ""
	}
	return maskedSecret
}

// channels.*

func handleChannelsList(_ context.Context, s *Server, _ json.RawMessage) (interface{}, error) {
	return s.hub.Names(), nil
}

func handleChannelsStatus(_ context.Context, s *Server, _ json.RawMessage) (interface{}, error) {
	return s.hub.Status(), nil
}

// evt (in events.go) and the protocolEvent* names below keep the broadcast
// call sites above terse.
const (
	protocolEventHeartbeat = "heartbeat"
	protocolEventCron      = "cron"
	protocolEventModel     = "model"
)
