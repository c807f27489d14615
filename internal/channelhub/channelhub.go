// Package channelhub implements the ChannelHub (C14): the registry of live
// ChannelAdapters, the inbound bus->SessionRouter dispatch loop, and the
// SessionRouter->outbound bus->ChannelAdapter delivery loop.
//
// Grounded on the teacher's internal/channels/manager.go Manager: the same
// register/StartAll/StopAll lifecycle and outbound-dispatch-loop shape,
// generalized so the inbound side builds a canonical session key per message
// and calls router.Router.Handle instead of the teacher's direct
// agent-runtime invocation. The streaming/reaction event-forwarding half of
// Manager (RunContext, HandleAgentEvent) is dropped: no ChannelAdapter kept
// in this module implements StreamingChannel or ReactionChannel, since their
// teacher implementations lived in files outside the retrieved pack.
package channelhub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/marrow-labs/homegate/internal/bus"
	"github.com/marrow-labs/homegate/internal/channels"
	"github.com/marrow-labs/homegate/internal/router"
	"github.com/marrow-labs/homegate/internal/sessions"
)

// Hub owns every registered ChannelAdapter and the bus loops that connect
// them to the SessionRouter.
type Hub struct {
	mu        sync.RWMutex
	adapters  map[string]channels.Channel
	bus       *bus.MessageBus
	router    *router.Router
	agentID   string
	cancel    context.CancelFunc
	rateLimit *channels.WebhookRateLimiter
}

// New creates a Hub. agentID is used to build canonical session keys for
// every inbound message. Every inbound message is also subject to a
// per-sender rate limit, so a single compromised or misbehaving sender
// cannot flood the RequestQueue.
func New(msgBus *bus.MessageBus, r *router.Router, agentID string) *Hub {
	return &Hub{
		adapters:  make(map[string]channels.Channel),
		bus:       msgBus,
		router:    r,
		agentID:   agentID,
		rateLimit: channels.NewWebhookRateLimiter(),
	}
}

// SetRouter wires the SessionRouter after construction, for callers that
// must register channel adapters and build the SessionRouter's own
// CommandHandler (which itself needs this Hub) before a Router exists.
func (h *Hub) SetRouter(r *router.Router) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.router = r
}

// Register adds a ChannelAdapter under its name.
func (h *Hub) Register(name string, ch channels.Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapters[name] = ch
}

// Channel returns a registered adapter by name.
func (h *Hub) Channel(name string) (channels.Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.adapters[name]
	return ch, ok
}

// Names returns every registered adapter's name.
func (h *Hub) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.adapters))
	for name := range h.adapters {
		out = append(out, name)
	}
	return out
}

// Ready reports whether at least one adapter is connected. Used by
// RestartManager's successor protocol to know when it's safe to deliver the
// post-restart recovery message.
func (h *Hub) Ready() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.adapters {
		if ch.IsRunning() {
			return true
		}
	}
	return false
}

// Status reports each adapter's running state, for the ManagementAPI's
// status route.
func (h *Hub) Status() map[string]bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]bool, len(h.adapters))
	for name, ch := range h.adapters {
		out[name] = ch.IsRunning()
	}
	return out
}

// StartAll starts every registered adapter and the inbound/outbound bus
// loops. The loops run regardless of adapter count, since adapters may be
// reloaded later.
func (h *Hub) StartAll(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	go h.inboundLoop(loopCtx)
	go h.outboundLoop(loopCtx)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for name, ch := range h.adapters {
		if err := ch.Start(ctx); err != nil {
			slog.Error("channelhub: adapter failed to start", "channel", name, "error", err)
		} else {
			slog.Info("channelhub: adapter started", "channel", name)
		}
	}
	return nil
}

// StopAll stops the bus loops and every registered adapter.
func (h *Hub) StopAll(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for name, ch := range h.adapters {
		if err := ch.Stop(ctx); err != nil {
			slog.Error("channelhub: adapter failed to stop", "channel", name, "error", err)
		}
	}
	return nil
}

// inboundLoop consumes InboundMessages from the bus, addresses each with its
// canonical session key, and hands it to the SessionRouter.
func (h *Hub) inboundLoop(ctx context.Context) {
	for {
		msg, ok := h.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		if channels.IsInternalChannel(msg.Channel) {
			continue
		}
		if !h.rateLimit.Allow(msg.Channel + ":" + msg.SenderID) {
			slog.Warn("channelhub: sender rate-limited", "channel", msg.Channel, "sender", msg.SenderID)
			continue
		}

		kind := sessions.PeerKindFromGroup(msg.PeerKind == "group")
		sessionKey := sessions.BuildSessionKey(h.agentID, msg.Channel, kind, msg.ChatID)

		in := router.Inbound{
			SessionKey: sessionKey,
			Channel:    msg.Channel,
			ChatID:     msg.ChatID,
			Content:    msg.Content,
			ReplyTo:    msg.Metadata["placeholder_key"],
		}
		if err := h.router.Handle(ctx, in); err != nil {
			slog.Error("channelhub: router handle failed", "session", sessionKey, "error", err)
		}
	}
}

// outboundLoop consumes OutboundMessages from the bus and routes each to its
// target adapter's Send.
func (h *Hub) outboundLoop(ctx context.Context) {
	for {
		msg, ok := h.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		if channels.IsInternalChannel(msg.Channel) {
			continue
		}

		h.mu.RLock()
		ch, exists := h.adapters[msg.Channel]
		h.mu.RUnlock()
		if !exists {
			slog.Warn("channelhub: unknown channel for outbound message", "channel", msg.Channel)
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			slog.Error("channelhub: send failed", "channel", msg.Channel, "error", err)
		}
	}
}

// Deliver implements router.Deliverer by enqueueing onto the outbound bus,
// stashing replyTo as the adapter's placeholder lookup key.
func (h *Hub) Deliver(_ context.Context, out bus.OutboundMessage, replyTo string) error {
	if replyTo != "" {
		if out.Metadata == nil {
			out.Metadata = map[string]string{}
		}
		out.Metadata["placeholder_key"] = replyTo
	}
	h.bus.PublishOutbound(out)
	return nil
}

// SendDirect delivers content to a specific channel/chat outside the normal
// router pipeline, calling the adapter's Send directly instead of going
// through the outbound bus.
func (h *Hub) SendDirect(ctx context.Context, channelName, chatID, content string) error {
	ch, ok := h.Channel(channelName)
	if !ok {
		return fmt.Errorf("channelhub: unknown channel %q", channelName)
	}
	return ch.Send(ctx, bus.OutboundMessage{Channel: channelName, ChatID: chatID, Content: content})
}
