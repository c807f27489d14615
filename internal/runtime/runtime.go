// Package runtime adapts a providers.Provider (the concrete LLM SDK the
// spec treats as an external collaborator) into the opaque AgentRuntime
// contract of spec §6: prompt/subscribe/setModel/clearMessages, with a
// transformContext hook invoked immediately before each LLM call.
//
// Grounded on internal/providers' Provider interface and on the streaming
// event shape internal/agent/loop.go consumes (text deltas, tool calls,
// terminal message) — generalized per spec §9's "model the runtime as a
// task producing a lazy sequence of events" note.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/marrow-labs/homegate/internal/providers"
)

// EventKind identifies one item in an AgentRuntime's event stream.
type EventKind string

const (
	EventTextDelta  EventKind = "text_delta"
	EventMessageEnd EventKind = "message_end"
	EventToolCall   EventKind = "tool_call"
	EventError      EventKind = "error"
)

// Event is one item in the runtime's streamed event sequence.
type Event struct {
	Kind    EventKind
	Text    string
	Message *providers.Message
	Err     error
}

// TransformContext rewrites the message list immediately before each LLM
// call. ContextAssembler installs itself here.
type TransformContext func(messages []providers.Message) []providers.Message

// Runtime is an AgentRuntime backed by a single providers.Provider with an
// optional fallback chain, managed by the RequestQueue above it.
type Runtime struct {
	mu             sync.Mutex
	provider       providers.Provider
	model          string
	thinkingLevel  string
	transform      TransformContext
	scratch        []providers.Message // the runtime's own accumulated turn state, replaced by ContextAssembler
}

// ThinkingLevels are the recognized values for the in-band `think` command.
var ThinkingLevels = []string{"off", "minimal", "low", "medium", "high", "xhigh"}

// SetThinkingLevel sets the reasoning-effort level passed to the provider.
func (r *Runtime) SetThinkingLevel(level string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.thinkingLevel = level
}

// New creates a Runtime backed by provider, starting on its default model.
func New(provider providers.Provider) *Runtime {
	return &Runtime{provider: provider, model: provider.DefaultModel()}
}

// SetModel switches the active model for subsequent Prompt calls.
func (r *Runtime) SetModel(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.model = model
}

// Model returns the currently active model.
func (r *Runtime) Model() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.model
}

// SetProvider swaps the backing provider (used by RequestQueue's fallback
// chain when a fallback ref names a different provider).
func (r *Runtime) SetProvider(p providers.Provider, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provider = p
	r.model = model
}

// SetTransformContext installs the pre-invocation message rewrite hook.
// The ContextAssembler is installed here by the gateway at startup.
func (r *Runtime) SetTransformContext(fn TransformContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transform = fn
}

// ClearMessages empties the runtime's scratch state. Called by RequestQueue
// between requests: the ContextAssembler is the sole owner of context, so
// the runtime must never accumulate history of its own across requests.
func (r *Runtime) ClearMessages() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scratch = nil
}

// AppendScratch records a message into the runtime's in-flight turn state
// (used by SessionRouter/RequestQueue to seed the current user turn before
// Prompt is invoked).
func (r *Runtime) AppendScratch(msg providers.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scratch = append(r.scratch, msg)
}

// Scratch returns a copy of the runtime's current in-flight message state.
func (r *Runtime) Scratch() []providers.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]providers.Message, len(r.scratch))
	copy(out, r.scratch)
	return out
}

// Prompt runs one LLM call with the current scratch state (after applying
// the transformContext hook), streaming events to onEvent. It returns after
// the terminal event has been delivered.
func (r *Runtime) Prompt(ctx context.Context, onEvent func(Event)) error {
	r.mu.Lock()
	provider := r.provider
	model := r.model
	thinking := r.thinkingLevel
	transform := r.transform
	messages := make([]providers.Message, len(r.scratch))
	copy(messages, r.scratch)
	r.mu.Unlock()

	if transform != nil {
		messages = transform(messages)
	}

	req := providers.ChatRequest{Messages: messages, Model: model}
	if thinking != "" {
		req.Options = map[string]interface{}{"thinking_level": thinking}
	}

	resp, err := provider.ChatStream(ctx, req, func(chunk providers.StreamChunk) {
		if chunk.Content != "" {
			onEvent(Event{Kind: EventTextDelta, Text: chunk.Content})
		}
	})
	if err != nil {
		onEvent(Event{Kind: EventError, Err: fmt.Errorf("runtime: prompt: %w", err)})
		return err
	}

	final := providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls}
	if len(resp.ToolCalls) > 0 {
		onEvent(Event{Kind: EventToolCall, Message: &final})
	}
	onEvent(Event{Kind: EventMessageEnd, Message: &final})
	return nil
}

// State is the runtime's externally-visible configuration snapshot.
type State struct {
	Model         string
	ThinkingLevel string
}

// CurrentState returns the runtime's current model and thinking level.
func (r *Runtime) CurrentState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{Model: r.model, ThinkingLevel: r.thinkingLevel}
}
