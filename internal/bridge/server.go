// Package bridge is the UI-facing surface of the host: a small HTTP
// command API (login, logout, port, stored values) and a one-directional
// websocket event channel carrying the orchestrator's bus events.
//
// The bridge binds loopback-only; the UI process is the only intended
// client.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/deployshell/hostd/internal/credstore"
	"github.com/deployshell/hostd/internal/event"
	"github.com/deployshell/hostd/internal/logging"
	"github.com/deployshell/hostd/internal/session"
)

// Orchestrator is the command surface the bridge forwards UI calls to.
type Orchestrator interface {
	Login(ctx context.Context, creds credstore.Credentials) session.Result
	Logout() session.Result
	Port() int
	State() session.State
	StoredValue(key string) (any, error)
}

// Server serves the bridge on a loopback address.
type Server struct {
	orch   Orchestrator
	bus    *event.Bus
	logger *logging.Logger
	hub    *hub

	httpServer *http.Server
	upgrader   websocket.Upgrader
	subID      string
	addr       string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger attaches a logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New creates a bridge Server. The orchestrator and bus must be non-nil;
// passing nil panics early to surface wiring bugs immediately.
func New(orch Orchestrator, bus *event.Bus, opts ...Option) *Server {
	if orch == nil {
		panic("bridge: Orchestrator must not be nil")
	}
	if bus == nil {
		panic("bridge: event.Bus must not be nil")
	}

	s := &Server{
		orch:   orch,
		bus:    bus,
		logger: logging.NopLogger(),
		upgrader: websocket.Upgrader{
			// The bridge is loopback-only; the UI process sets no Origin
			// header a browser would.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = newHub(s.logger)
	return s
}

// Router builds the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/login", s.handleLogin)
	r.Post("/logout", s.handleLogout)
	r.Get("/port", s.handlePort)
	r.Get("/store/{key}", s.handleStoredValue)
	r.Get("/events", s.handleEvents)
	return r
}

// Start begins listening on addr and forwarding bus events to attached
// clients. It returns once the listener is bound; serving continues in
// the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge failed to listen on %s: %w", addr, err)
	}

	s.subID = s.bus.SubscribeAll(func(e event.Event) {
		s.hub.broadcast(toFrame(e))
	})

	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("bridge server stopped", "err", err)
		}
	}()

	s.addr = ln.Addr().String()
	s.logger.Info("bridge listening", "addr", s.addr)
	return nil
}

// Addr returns the bound address, or empty before Start.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown stops serving and detaches from the bus.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.subID != "" {
		s.bus.Unsubscribe(s.subID)
		s.subID = ""
	}
	s.hub.closeAll()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// loginRequest is the login command body.
type loginRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	TenantID     string `json:"tenantId"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, session.Result{Success: false, Message: "malformed login request"})
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" || req.TenantID == "" {
		writeJSON(w, http.StatusBadRequest, session.Result{Success: false, Message: "all three credential fields are required"})
		return
	}

	result := s.orch.Login(r.Context(), credstore.Credentials{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		TenantID:     req.TenantID,
	})

	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, result)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Logout())
}

func (s *Server) handlePort(w http.ResponseWriter, r *http.Request) {
	port := s.orch.Port()
	if port == 0 {
		writeJSON(w, http.StatusOK, map[string]any{"port": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"port": port})
}

func (s *Server) handleStoredValue(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := s.orch.StoredValue(key)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

// handleEvents upgrades to a websocket and attaches the client to the
// hub. Instead of blind duplicate sends, each newly attached client is
// sent the current state-setting frame immediately, so a listener that
// attached after startup still learns whether to show the login form or
// connect to a serving backend.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	c := s.hub.register(conn)
	s.replayState(c)

	// Reads are only used to notice the peer going away.
	go func() {
		defer s.hub.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// replayState sends the frame describing the current session state to a
// single client.
func (s *Server) replayState(c *client) {
	if s.orch.State() == session.StateReady {
		c.enqueue(toFrame(event.NewReadyEvent(s.orch.Port())))
		return
	}
	c.enqueue(toFrame(event.NewShowLoginEvent()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
