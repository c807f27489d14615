// Package router implements the SessionRouter (C8): the hub every inbound
// message and every generated response passes through. It owns session
// lifecycle (lazy buffer rehydration, append-then-evict-to-archive), the
// in-band command interception point, and delivery back to the originating
// channel.
//
// Grounded on the teacher's internal/channels/manager.go dispatch loop
// (inbound consume -> handler -> outbound publish) and the policy-gate shape
// of internal/channels/channel.go's BaseChannel.CheckPolicy, generalized
// around the spec's SessionLog/SessionBuffer/Archive/RequestQueue pipeline
// instead of the teacher's direct single-call agent invocation.
package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/marrow-labs/homegate/internal/archive"
	"github.com/marrow-labs/homegate/internal/bus"
	"github.com/marrow-labs/homegate/internal/contextasm"
	"github.com/marrow-labs/homegate/internal/extractor"
	"github.com/marrow-labs/homegate/internal/providers"
	"github.com/marrow-labs/homegate/internal/requestqueue"
	"github.com/marrow-labs/homegate/internal/sessionbuffer"
	"github.com/marrow-labs/homegate/internal/sessionlog"
	"github.com/marrow-labs/homegate/internal/sessions"
)

// CommandHandler recognizes and executes in-band control commands (models,
// model, alias, fallback, think, status, heartbeat, restart) before a
// message would otherwise be enqueued to the RequestQueue.
type CommandHandler interface {
	// TryHandle inspects content and, if it names a recognized command,
	// executes it and returns (reply, true). Otherwise returns ("", false)
	// and the message proceeds to the RequestQueue as a normal prompt.
	TryHandle(ctx context.Context, sessionKey, content string) (reply string, handled bool)
}

// Deliverer sends a response back to the channel a message originated from.
type Deliverer interface {
	Deliver(ctx context.Context, out bus.OutboundMessage, replyTo string) error
}

// Restarter handles the "restart" in-band command with full delivery
// context, so the sentinel it writes can carry the channel/chatID the
// request originated from. Handled by the Router itself rather than the
// generic CommandHandler, per the command's special-cased contract.
type Restarter interface {
	Restart(ctx context.Context, sessionKey, channel, chatID, replyTo string) string
}

// Router is the SessionRouter.
type Router struct {
	log       *sessionlog.Log
	buffer    *sessionbuffer.Buffer
	archive   *archive.Archive
	assembler *contextasm.Assembler
	queue     *requestqueue.Queue
	extractor *extractor.Extractor
	commands  CommandHandler
	deliverer Deliverer
	restarter Restarter
}

// New creates a Router wiring the full context-assembly and dispatch chain.
func New(log *sessionlog.Log, buf *sessionbuffer.Buffer, ar *archive.Archive, asm *contextasm.Assembler, q *requestqueue.Queue, ex *extractor.Extractor, cmds CommandHandler, deliverer Deliverer) *Router {
	return &Router{log: log, buffer: buf, archive: ar, assembler: asm, queue: q, extractor: ex, commands: cmds, deliverer: deliverer}
}

// SetRestarter wires the restart command handler. Optional: a Router with no
// Restarter treats "restart" as an ordinary CommandHandler-recognized command
// (or, if unrecognized there too, an ordinary prompt).
func (r *Router) SetRestarter(restarter Restarter) { r.restarter = restarter }

// Inbound is one message arriving from a ChannelAdapter, already addressed
// with its canonical session key by the ChannelHub.
type Inbound struct {
	SessionKey string
	Channel    string
	ChatID     string
	Content    string
	ReplyTo    string
}

// Handle processes one inbound message end to end: session bookkeeping,
// in-band command interception, request enqueue, response delivery, and
// (for non-command responses) firing the Extractor.
func (r *Router) Handle(ctx context.Context, in Inbound) error {
	if err := sessions.Validate(in.SessionKey); err != nil {
		return err
	}

	r.assembler.SetCurrentSession(in.SessionKey)
	r.rehydrate(ctx, in.SessionKey)

	userTurn := sessionlog.Turn{
		Role:       sessionlog.RoleUser,
		Content:    in.Content,
		Timestamp:  sessionlog.NowMillis(),
		SessionKey: in.SessionKey,
	}
	if err := r.log.Append(in.SessionKey, userTurn); err != nil {
		slog.Warn("router: session log append failed", "session", in.SessionKey, "error", err)
	}
	archivedIDs := r.archiveEvicted(ctx, r.buffer.Append(in.SessionKey, userTurn))

	if r.restarter != nil && isRestartCommand(in.Content) {
		reply := r.restarter.Restart(ctx, in.SessionKey, in.Channel, in.ChatID, in.ReplyTo)
		r.recordAndDeliver(ctx, in, reply, nil, true)
		return nil
	}

	if r.commands != nil {
		if reply, handled := r.commands.TryHandle(ctx, in.SessionKey, in.Content); handled {
			r.recordAndDeliver(ctx, in, reply, nil, false)
			return nil
		}
	}

	r.queue.Enqueue(providers.Message{Role: "user", Content: in.Content}, func(text string) {
		ids := r.recordAndDeliver(ctx, in, text, archivedIDs, true)
		_ = ids
	})
	return nil
}

// rehydrate restores the session buffer from Archive if it is currently
// empty (process restart, or first message of a resumed session).
func (r *Router) rehydrate(ctx context.Context, key string) {
	if !r.buffer.IsEmpty(key) {
		return
	}
	recent, err := r.archive.GetRecentTurns(ctx, key, sessionbuffer.DefaultCapacity)
	if err != nil || len(recent) == 0 {
		return
	}
	// GetRecentTurns returns newest-first; the buffer wants chronological order.
	chronological := make([]sessionlog.Turn, len(recent))
	for i, t := range recent {
		chronological[len(recent)-1-i] = sessionlog.Turn{
			Role:       sessionlog.Role(t.Role),
			Content:    t.Content,
			Timestamp:  t.Timestamp,
			SessionKey: t.SessionKey,
		}
	}
	r.buffer.Restore(key, chronological)
}

// recordAndDeliver appends the assistant turn to SessionLog+SessionBuffer,
// archives any eviction, delivers the response to the originating channel,
// and (unless fromCommand) fires the Extractor. Returns the full set of
// archive ids produced by this exchange (user-turn eviction + assistant-turn
// eviction), for the Extractor's tag attachment.
func (r *Router) recordAndDeliver(ctx context.Context, in Inbound, text string, priorIDs []int64, fromCommand bool) []int64 {
	assistantTurn := sessionlog.Turn{
		Role:       sessionlog.RoleAssistant,
		Content:    text,
		Timestamp:  sessionlog.NowMillis(),
		SessionKey: in.SessionKey,
	}
	if err := r.log.Append(in.SessionKey, assistantTurn); err != nil {
		slog.Warn("router: session log append failed", "session", in.SessionKey, "error", err)
	}
	ids := append(priorIDs, r.archiveEvicted(ctx, r.buffer.Append(in.SessionKey, assistantTurn))...)

	if r.deliverer != nil {
		out := bus.OutboundMessage{Channel: in.Channel, ChatID: in.ChatID, Content: text}
		if err := r.deliverer.Deliver(ctx, out, in.ReplyTo); err != nil {
			slog.Warn("router: delivery failed", "session", in.SessionKey, "error", err)
		}
	}

	if !fromCommand && r.extractor != nil {
		r.extractor.Run(extractor.Exchange{
			SessionKey:    in.SessionKey,
			UserText:      in.Content,
			AssistantText: text,
			ArchivedIDs:   ids,
		})
	}
	return ids
}

// isRestartCommand matches the "restart" in-band command, with or without a
// leading slash, case-insensitively, per the single-pass-keyword matching
// rule shared by every recognized command form.
func isRestartCommand(content string) bool {
	c := strings.ToLower(strings.TrimSpace(content))
	c = strings.TrimPrefix(c, "/")
	return c == "restart"
}

// archiveEvicted archives a SessionBuffer eviction batch, logging (never
// failing the caller) on archive errors, and returns the inserted row ids.
func (r *Router) archiveEvicted(ctx context.Context, evicted []sessionlog.Turn) []int64 {
	if len(evicted) == 0 || r.archive == nil {
		return nil
	}
	rows := make([]archive.Turn, len(evicted))
	for i, t := range evicted {
		rows[i] = archive.Turn{SessionKey: t.SessionKey, Role: string(t.Role), Content: t.Content, Timestamp: t.Timestamp}
	}
	ids, err := r.archive.Archive(ctx, rows)
	if err != nil {
		slog.Warn("router: archive eviction failed", "error", err)
		return nil
	}
	return ids
}
