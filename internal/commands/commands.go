// Package commands implements the in-band control command set: models,
// model, alias, fallback, think, status, heartbeat. (The eighth command,
// restart, carries its own delivery context and is handled directly by
// SessionRouter via router.Restarter, not by this package.)
//
// No teacher file parses in-band commands out of ordinary chat content —
// cmd/root.go and cmd/agent_chat.go dispatch on cobra subcommands and flags,
// never on the text of a message already inside a session. This package's
// single-pass keyword match (recognize only when content begins with one of
// the known verbs, optionally prefixed with "/") is the redesign the spec
// calls for in place of routing every message through the LLM to ask whether
// it's a command.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/marrow-labs/homegate/internal/channelhub"
	"github.com/marrow-labs/homegate/internal/config"
	"github.com/marrow-labs/homegate/internal/heartbeat"
	"github.com/marrow-labs/homegate/internal/providers"
	"github.com/marrow-labs/homegate/internal/requestqueue"
	"github.com/marrow-labs/homegate/internal/runtime"
)

// Handler implements router.CommandHandler.
type Handler struct {
	registry  *providers.Registry
	store     *config.Store
	queue     *requestqueue.Queue
	rt        *runtime.Runtime
	heartbeat *heartbeat.Runner
	hub       *channelhub.Hub
}

// New creates a Handler wired to every component an in-band command can
// inspect or mutate.
func New(registry *providers.Registry, store *config.Store, queue *requestqueue.Queue, rt *runtime.Runtime, hb *heartbeat.Runner, hub *channelhub.Hub) *Handler {
	return &Handler{registry: registry, store: store, queue: queue, rt: rt, heartbeat: hb, hub: hub}
}

var verbs = map[string]bool{
	"models": true, "model": true, "alias": true, "fallback": true,
	"think": true, "status": true, "heartbeat": true,
}

// TryHandle recognizes and executes one of the seven generic in-band commands.
// Matching is a single pass: content is only ever treated as a command if its
// first whitespace-delimited token (after stripping one optional leading "/")
// is a recognized verb; anything else falls through to the RequestQueue as an
// ordinary prompt.
func (h *Handler) TryHandle(_ context.Context, _ string, content string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 0 {
		return "", false
	}
	verb := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	if !verbs[verb] {
		return "", false
	}
	args := fields[1:]

	switch verb {
	case "models":
		return h.models(args), true
	case "model":
		return h.model(args), true
	case "alias":
		return h.alias(args), true
	case "fallback":
		return h.fallback(args), true
	case "think":
		return h.think(args), true
	case "status":
		return h.status(), true
	case "heartbeat":
		return h.heartbeatCmd(args), true
	}
	return "", false
}

// models lists registered providers and their default model, optionally
// filtered to a single provider named by args[0].
func (h *Handler) models(args []string) string {
	names := h.registry.Names()
	sort.Strings(names)
	if len(args) > 0 {
		want := strings.ToLower(args[0])
		p, ok := h.registry.Get(want)
		if !ok {
			return fmt.Sprintf("Unknown provider %q. Registered: %s", args[0], strings.Join(names, ", "))
		}
		return fmt.Sprintf("%s: %s (default)", p.Name(), p.DefaultModel())
	}
	if len(names) == 0 {
		return "No providers registered."
	}
	var b strings.Builder
	b.WriteString("Registered providers:\n")
	for _, name := range names {
		p, _ := h.registry.Get(name)
		fmt.Fprintf(&b, "  %s: %s\n", name, p.DefaultModel())
	}
	aliases := h.store.Aliases()
	if len(aliases) > 0 {
		b.WriteString("Aliases:\n")
		aliasNames := make([]string, 0, len(aliases))
		for k := range aliases {
			aliasNames = append(aliasNames, k)
		}
		sort.Strings(aliasNames)
		for _, name := range aliasNames {
			fmt.Fprintf(&b, "  %s -> %s\n", name, aliases[name])
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// model switches the active primary model, accepting either a stored alias
// name or a literal "provider/model" (or bare "provider", which resolves to
// that provider's default model) reference.
func (h *Handler) model(args []string) string {
	if len(args) != 1 {
		return "Usage: model <ref|alias>"
	}
	ref, err := h.resolveRef(args[0])
	if err != nil {
		return err.Error()
	}
	h.queue.SetPrimary(ref)
	return fmt.Sprintf("Model set to %s (%s)", ref.Ref, ref.Model)
}

// resolveRef turns a user-supplied token into a requestqueue.ModelRef: first
// checking whether it names a stored alias, then parsing it as a literal
// "provider/model" or bare "provider" reference against the Registry.
func (h *Handler) resolveRef(token string) (requestqueue.ModelRef, error) {
	lookup := token
	if aliased, ok := h.store.ResolveAlias(token); ok {
		lookup = aliased
	}

	providerName, modelName, _ := strings.Cut(lookup, "/")
	p, ok := h.registry.Get(providerName)
	if !ok {
		return requestqueue.ModelRef{}, fmt.Errorf("unknown provider %q", providerName)
	}
	if modelName == "" {
		modelName = p.DefaultModel()
	}
	return requestqueue.ModelRef{Ref: lookup, Provider: p, Model: modelName}, nil
}

// alias implements "alias list", "alias set <name> <ref>", "alias remove <name>".
func (h *Handler) alias(args []string) string {
	if len(args) == 0 {
		return "Usage: alias {list|set <name> <ref>|remove <name>}"
	}
	switch strings.ToLower(args[0]) {
	case "list":
		aliases := h.store.Aliases()
		if len(aliases) == 0 {
			return "No aliases configured."
		}
		names := make([]string, 0, len(aliases))
		for k := range aliases {
			names = append(names, k)
		}
		sort.Strings(names)
		var b strings.Builder
		for _, name := range names {
			fmt.Fprintf(&b, "%s -> %s\n", name, aliases[name])
		}
		return strings.TrimRight(b.String(), "\n")
	case "set":
		if len(args) != 3 {
			return "Usage: alias set <name> <ref>"
		}
		if _, err := h.resolveRef(args[2]); err != nil {
			return err.Error()
		}
		if err := h.store.SetAlias(args[1], args[2]); err != nil {
			return fmt.Sprintf("Failed to save alias: %s", err)
		}
		return fmt.Sprintf("Alias %q -> %s saved.", args[1], args[2])
	case "remove":
		if len(args) != 2 {
			return "Usage: alias remove <name>"
		}
		if err := h.store.RemoveAlias(args[1]); err != nil {
			return fmt.Sprintf("Failed to remove alias: %s", err)
		}
		return fmt.Sprintf("Alias %q removed.", args[1])
	default:
		return "Usage: alias {list|set <name> <ref>|remove <name>}"
	}
}

// fallback implements "fallback list", "fallback set <refs...>", "fallback clear".
func (h *Handler) fallback(args []string) string {
	if len(args) == 0 {
		return "Usage: fallback {list|set <refs...>|clear}"
	}
	switch strings.ToLower(args[0]) {
	case "list":
		chain := h.queue.FallbackChain()
		if len(chain) == 0 {
			return "No fallback chain configured."
		}
		refs := make([]string, len(chain))
		for i, r := range chain {
			refs[i] = r.Ref
		}
		return strings.Join(refs, " -> ")
	case "set":
		rawRefs := args[1:]
		if len(rawRefs) == 0 {
			return "Usage: fallback set <refs...>"
		}
		chain := make([]requestqueue.ModelRef, 0, len(rawRefs))
		for _, raw := range rawRefs {
			ref, err := h.resolveRef(raw)
			if err != nil {
				return err.Error()
			}
			chain = append(chain, ref)
		}
		h.queue.SetFallback(chain)
		if err := h.store.SetFallbacks(rawRefs); err != nil {
			return fmt.Sprintf("Fallback chain set, but failed to persist: %s", err)
		}
		return fmt.Sprintf("Fallback chain set: %s", strings.Join(rawRefs, " -> "))
	case "clear":
		h.queue.SetFallback(nil)
		if err := h.store.ClearFallbacks(); err != nil {
			return fmt.Sprintf("Fallback chain cleared, but failed to persist: %s", err)
		}
		return "Fallback chain cleared."
	default:
		return "Usage: fallback {list|set <refs...>|clear}"
	}
}

// think sets the reasoning-effort level for subsequent requests.
func (h *Handler) think(args []string) string {
	if len(args) != 1 {
		return fmt.Sprintf("Usage: think <%s>", strings.Join(runtime.ThinkingLevels, "|"))
	}
	level := strings.ToLower(args[0])
	valid := false
	for _, l := range runtime.ThinkingLevels {
		if l == level {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Sprintf("Unknown thinking level %q. Valid: %s", args[0], strings.Join(runtime.ThinkingLevels, ", "))
	}
	h.rt.SetThinkingLevel(level)
	return fmt.Sprintf("Thinking level set to %s.", level)
}

// status reports an aggregate snapshot: active model/thinking level, fallback
// chain, heartbeat state, and every registered channel's connection state.
func (h *Handler) status() string {
	st := h.rt.CurrentState()
	primary := h.queue.Primary()

	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s", st.Model)
	if primary.Ref != "" {
		fmt.Fprintf(&b, " (%s)", primary.Ref)
	}
	b.WriteString("\n")
	thinking := st.ThinkingLevel
	if thinking == "" {
		thinking = "off"
	}
	fmt.Fprintf(&b, "Thinking: %s\n", thinking)

	chain := h.queue.FallbackChain()
	if len(chain) > 0 {
		refs := make([]string, len(chain))
		for i, r := range chain {
			refs[i] = r.Ref
		}
		fmt.Fprintf(&b, "Fallback: %s\n", strings.Join(refs, " -> "))
	} else {
		b.WriteString("Fallback: none\n")
	}

	if h.heartbeat != nil {
		if h.heartbeat.Enabled() {
			fmt.Fprintf(&b, "Heartbeat: every %s", h.heartbeat.Interval())
			if ov := h.heartbeat.ModelOverride(); ov != "" {
				fmt.Fprintf(&b, " (model override: %s)", ov)
			}
			b.WriteString("\n")
		} else {
			b.WriteString("Heartbeat: disabled\n")
		}
	}

	if h.hub != nil {
		statuses := h.hub.Status()
		names := make([]string, 0, len(statuses))
		for name := range statuses {
			names = append(names, name)
		}
		sort.Strings(names)
		b.WriteString("Channels:")
		if len(names) == 0 {
			b.WriteString(" none\n")
		} else {
			b.WriteString("\n")
			for _, name := range names {
				state := "down"
				if statuses[name] {
					state = "up"
				}
				fmt.Fprintf(&b, "  %s: %s\n", name, state)
			}
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// heartbeatCmd implements "heartbeat" (report state) and
// "heartbeat model <ref|clear>" (set or clear the heartbeat-specific
// model override).
func (h *Handler) heartbeatCmd(args []string) string {
	if h.heartbeat == nil {
		return "Heartbeat is not configured."
	}
	if len(args) == 0 {
		if !h.heartbeat.Enabled() {
			return "Heartbeat: disabled"
		}
		ov := h.heartbeat.ModelOverride()
		if ov == "" {
			ov = "(primary)"
		}
		return fmt.Sprintf("Heartbeat: every %s, model %s", h.heartbeat.Interval(), ov)
	}
	if strings.ToLower(args[0]) != "model" || len(args) != 2 {
		return "Usage: heartbeat [model <ref|clear>]"
	}
	if strings.ToLower(args[1]) == "clear" {
		h.heartbeat.SetModelOverride("")
		if err := h.store.SetHeartbeatModel(""); err != nil {
			return fmt.Sprintf("Heartbeat model cleared, but failed to persist: %s", err)
		}
		return "Heartbeat model override cleared."
	}
	if _, err := h.resolveRef(args[1]); err != nil {
		return err.Error()
	}
	h.heartbeat.SetModelOverride(args[1])
	if err := h.store.SetHeartbeatModel(args[1]); err != nil {
		return fmt.Sprintf("Heartbeat model set, but failed to persist: %s", err)
	}
	return fmt.Sprintf("Heartbeat model set to %s.", args[1])
}
