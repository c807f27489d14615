package gateway

import "github.com/marrow-labs/homegate/internal/bus"

// evt builds a bus.Event for broadcasting a ManagementAPI-driven mutation
// to every subscriber (WebSocket clients, and any other in-process
// EventPublisher consumer).
func evt(name string, payload interface{}) bus.Event {
	return bus.Event{Name: name, Payload: payload}
}
