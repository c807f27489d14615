package protocol

import "encoding/json"

// ProtocolVersion is referenced throughout cmd/ and internal/gateway (health
// responses, the CLI's version banner) but, like the frame types below, is
// never declared anywhere in the retrieved teacher pack. Bumped whenever the
// wire frame shapes below change incompatibly.
const ProtocolVersion = 1

// RequestFrame is a client->server WebSocket frame: {type:"req", id, method, params?}.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame is a server->client WebSocket frame answering one RequestFrame:
// {type:"res", id, ok, payload?|error?}.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// NewResponse builds a successful ResponseFrame for id.
func NewResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: "res", ID: id, OK: true, Payload: payload}
}

// NewErrorResponse builds a failed ResponseFrame for id.
func NewErrorResponse(id string, err error) *ResponseFrame {
	return &ResponseFrame{Type: "res", ID: id, OK: false, Error: err.Error()}
}

// EventFrame is a server->client, fire-and-forget WebSocket frame:
// {type:"event", event, payload?}.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent builds an EventFrame, matching the construction the teacher's
// server.go call sites (`protocol.NewEvent(event.Name, event.Payload)`)
// already assume.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: "event", Event: name, Payload: payload}
}
