// Package gateway implements the ManagementAPI (C13): the HTTP+WebSocket
// control surface an operator's dashboard or CLI uses to inspect and mutate
// every other component without going through a chat channel. Every
// connected WebSocket client receives a server-pushed `health` event every
// 30 seconds.
//
// Grounded directly on the teacher's internal/gateway/server.go: the same
// upgrader/mux/httpServer shape, the same registerClient/unregisterClient
// pattern subscribing a per-client handler on the EventPublisher and
// filtering out "cache."-prefixed events before forwarding to WS clients,
// and the same graceful-shutdown-on-context-done Start(). Narrowed to this
// gateway's single-agent scope: no managed-mode agent/skill/trace/MCP CRUD
// handlers, no policy engine, no pairing service. Server, Client,
// MethodRouter and RateLimiter are all referenced by server.go's call sites
// (NewClient, client.Run/SendEvent/Close, NewMethodRouter, s.router,
// NewRateLimiter, rateLimiter.Enabled/Allow) but none of the four types are
// defined anywhere in the retrieved teacher pack, so all four are authored
// fresh here against those call-site contracts; the constructor uses this
// codebase's own Config-struct idiom (as internal/heartbeat, internal/cron
// and internal/restart all do) rather than the teacher's long positional
// NewServer signature, since there is no concrete teacher body to copy.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/marrow-labs/homegate/internal/archive"
	"github.com/marrow-labs/homegate/internal/bus"
	"github.com/marrow-labs/homegate/internal/channelhub"
	"github.com/marrow-labs/homegate/internal/config"
	"github.com/marrow-labs/homegate/internal/cron"
	"github.com/marrow-labs/homegate/internal/heartbeat"
	"github.com/marrow-labs/homegate/internal/providers"
	"github.com/marrow-labs/homegate/internal/requestqueue"
	"github.com/marrow-labs/homegate/internal/runtime"
	"github.com/marrow-labs/homegate/internal/sessionlog"
	"github.com/marrow-labs/homegate/internal/worldmodel"
	"github.com/marrow-labs/homegate/pkg/protocol"
)

// healthBroadcastInterval is the spec's fixed 30s health-event cadence.
const healthBroadcastInterval = 30 * time.Second

// Config wires a Server to every component it reads from or mutates.
type Config struct {
	Cfg        *config.Config
	EventPub   bus.EventPublisher
	WorldModel *worldmodel.WorldModel
	Archive    *archive.Archive
	SessionLog *sessionlog.Log
	Heartbeat  *heartbeat.Runner
	Cron       *cron.Service
	Queue      *requestqueue.Queue
	Store      *config.Store
	Registry   *providers.Registry
	Runtime    *runtime.Runtime
	Hub        *channelhub.Hub
	SkillsDir  string // dataDir/skills
	StaticDir  string // dashboard build output; "" disables the SPA fallback
}

// Server is the ManagementAPI: HTTP REST routes plus a WebSocket frame
// protocol, both backed by the same MethodRouter dispatch table.
type Server struct {
	cfg        *config.Config
	eventPub   bus.EventPublisher
	worldModel *worldmodel.WorldModel
	archive    *archive.Archive
	sessionLog *sessionlog.Log
	heartbeat  *heartbeat.Runner
	cron       *cron.Service
	queue      *requestqueue.Queue
	store      *config.Store
	registry   *providers.Registry
	rt         *runtime.Runtime
	hub        *channelhub.Hub
	skills     *skillStore
	staticDir  string

	router      *MethodRouter
	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter

	mu      sync.RWMutex
	clients map[string]*Client

	started    time.Time
	httpServer *http.Server
	mux        *http.ServeMux
}

// New creates a Server. Call BuildMux (or Start, which calls it) before
// serving any request.
func New(cfg Config) *Server {
	s := &Server{
		cfg:        cfg.Cfg,
		eventPub:   cfg.EventPub,
		worldModel: cfg.WorldModel,
		archive:    cfg.Archive,
		sessionLog: cfg.SessionLog,
		heartbeat:  cfg.Heartbeat,
		cron:       cfg.Cron,
		queue:      cfg.Queue,
		store:      cfg.Store,
		registry:   cfg.Registry,
		rt:         cfg.Runtime,
		hub:        cfg.Hub,
		skills:     newSkillStore(cfg.SkillsDir),
		staticDir:  cfg.StaticDir,
		clients:    make(map[string]*Client),
		started:    time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.rateLimiter = NewRateLimiter(cfg.Cfg.Gateway.RateLimitRPM, 5)
	s.router = NewMethodRouter(s)
	return s
}

// checkOrigin allows every origin: the ManagementAPI is bearer-token
// authenticated (see authenticate below), not origin-restricted, since this
// gateway has no browser-facing allowlist config of its own.
func (s *Server) checkOrigin(r *http.Request) bool { return true }

// authenticate checks the Gateway.Token bearer credential, if one is
// configured. An empty configured token disables auth entirely (local,
// single-operator deployment).
func (s *Server) authenticate(r *http.Request) bool {
	want := s.cfg.Gateway.Token
	if want == "" {
		return true
	}
	got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if got != "" && got == want {
		return true
	}
	return r.URL.Query().Get("token") == want
}

// BuildMux creates and caches the HTTP mux with every route registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.registerAPIRoutes(mux)
	if s.staticDir != "" {
		mux.Handle("/", s.staticHandler())
	}
	s.mux = mux
	return mux
}

// Start begins listening for WebSocket and HTTP connections, and the 30s
// health-broadcast loop, until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	go s.healthBroadcastLoop(ctx)

	slog.Info("gateway starting", "addr", addr)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway: %w", err)
	}
	return nil
}

func (s *Server) healthBroadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(healthBroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.BroadcastEvent(*protocol.NewEvent(protocol.EventHealth, s.healthSnapshot()))
		}
	}
}

func (s *Server) healthSnapshot() map[string]interface{} {
	s.mu.RLock()
	clientCount := len(s.clients)
	s.mu.RUnlock()
	sessions := 0
	if infos, err := s.sessionLog.List(); err == nil {
		sessions = len(infos)
	}
	return map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.started).String(),
		"clients":   clientCount,
		"sessions":  sessions,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// handleWebSocket upgrades the connection and runs the client's read/write
// pump until it disconnects.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway: websocket upgrade failed", "error", err)
		return
	}
	client := NewClient(conn, s)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()
	client.Run(r.Context())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.healthSnapshot())
}

// Router returns the method dispatch table, for tests.
func (s *Server) Router() *MethodRouter { return s.router }

// BroadcastEvent sends an event frame to every connected WebSocket client.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		c.SendEvent(event)
	}
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		if strings.HasPrefix(event.Name, "cache.") {
			return
		}
		c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
	})
	slog.Info("gateway: client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.eventPub.Unsubscribe(c.id)
	slog.Info("gateway: client disconnected", "id", c.id)
}
