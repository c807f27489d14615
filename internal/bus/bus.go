package bus

import (
	"context"
	"sync"
)

// MessageBus is the concrete, in-process implementation of MessageRouter and
// EventPublisher: a single inbound queue, a single outbound queue, and a
// fan-out event broadcaster. One process runs exactly one MessageBus; every
// ChannelAdapter and the SessionRouter share it.
//
// Grounded on the teacher's channel packages, which all take a *bus.MessageBus
// constructor argument and call PublishInbound/PublishOutbound/Broadcast on
// it, but never ship the struct itself in the retrieved pack — this is the
// missing concrete type those call sites assume, built directly off the
// MessageRouter/EventPublisher interface contracts already declared in
// types.go.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewMessageBus creates a MessageBus with the given channel buffer depth.
func NewMessageBus(buffer int) *MessageBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, buffer),
		outbound: make(chan OutboundMessage, buffer),
		handlers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message received from a channel adapter. Never
// blocks the caller indefinitely: a full queue drops the oldest pending
// message rather than stalling the adapter's read loop.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		select {
		case <-b.inbound:
		default:
		}
		b.inbound <- msg
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a response for delivery to its originating
// channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound blocks until an outbound message is available or ctx is
// done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers a handler for broadcast events (e.g. the
// ManagementAPI's WebSocket hub forwarding health/agent/chat events to
// connected clients).
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes a previously registered handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast delivers an event to every subscribed handler synchronously.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}
