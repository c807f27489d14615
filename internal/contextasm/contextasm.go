// Package contextasm implements the ContextAssembler (C5): it is the
// transformContext hook installed on the Runtime, and therefore the sole
// source of truth for what messages reach the LLM on every call.
//
// Grounded on internal/agent/loop.go's pattern of constructing the message
// slice fresh on each iteration rather than trusting whatever the runtime
// has accumulated — SPEC_FULL generalizes that into an explicit, testable
// component instead of inline loop state.
package contextasm

import (
	"fmt"
	"sync"

	"github.com/marrow-labs/homegate/internal/providers"
	"github.com/marrow-labs/homegate/internal/sessionbuffer"
	"github.com/marrow-labs/homegate/internal/sessionlog"
	"github.com/marrow-labs/homegate/internal/worldmodel"
)

const ackText = "Understood. I have my world model loaded."

// Assembler builds the per-call LLM message sequence from the world model,
// the session buffer, and the runtime's current in-flight turn.
type Assembler struct {
	mu         sync.Mutex
	wm         *worldmodel.WorldModel
	buffer     *sessionbuffer.Buffer
	currentKey string
}

// New creates an Assembler over the given WorldModel and SessionBuffer.
func New(wm *worldmodel.WorldModel, buffer *sessionbuffer.Buffer) *Assembler {
	return &Assembler{wm: wm, buffer: buffer}
}

// SetCurrentSession sets the session key context subsequent Transform calls
// assemble against. SessionRouter calls this before enqueueing a request.
func (a *Assembler) SetCurrentSession(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.currentKey = key
}

// Transform is the runtime.TransformContext hook: it replaces whatever
// message history the runtime has accumulated (its "scratch") with the
// assembled sequence described in spec §4.5.
func (a *Assembler) Transform(scratch []providers.Message) []providers.Message {
	a.mu.Lock()
	key := a.currentKey
	a.mu.Unlock()

	// Tolerate an empty session key (startup): return scratch unchanged.
	if key == "" {
		return scratch
	}

	wmText, err := a.wm.Load()
	if err != nil {
		wmText = "" // WorldModel load failures must not block the call
	}

	out := make([]providers.Message, 0, len(scratch)+4)
	out = append(out,
		providers.Message{
			Role:    "user",
			Content: fmt.Sprintf("<world_model>\n%s\n</world_model>\n\n<instruction to use for context, not to echo>", wmText),
		},
		providers.Message{Role: "assistant", Content: ackText},
	)

	buffered := a.buffer.GetTurns(key)
	var newestBuffered int64
	for _, t := range buffered {
		out = append(out, toMessage(t))
		if t.Timestamp > newestBuffered {
			newestBuffered = t.Timestamp
		}
	}

	// Every message in the runtime scratch is emitted as the current
	// in-flight turn; scratch is not filtered by the newest buffered turn's
	// timestamp.
	var currentTurnFound bool
	for _, m := range scratch {
		// Messages carry no timestamp of their own in the provider wire
		// format; the caller (SessionRouter/RequestQueue) is expected to
		// only ever place the single current-turn message(s) into scratch
		// immediately before Prompt, so anything present in scratch at
		// Transform time qualifies as "current turn" by construction.
		out = append(out, m)
		currentTurnFound = true
	}

	if !currentTurnFound && len(scratch) > 0 {
		out = append(out, scratch[len(scratch)-1])
	}

	return out
}

func toMessage(t sessionlog.Turn) providers.Message {
	return providers.Message{Role: string(t.Role), Content: t.Content}
}
