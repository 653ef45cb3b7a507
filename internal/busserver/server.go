// Package busserver implements the bus server: the registry of
// connected sessions, the WebSocket accept loop, and broadcast/direct
// send to connected clients. Grounded on the teacher's gateway server
// (apps/gateway/src) for its mux routing, graceful-shutdown, and
// health-monitor wiring.
package busserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sporket/bus/internal/busevents"
	"github.com/sporket/bus/internal/envelope"
	"github.com/sporket/bus/internal/metrics"
)

// ClientEvent is emitted whenever a session completes its handshake or
// disconnects, identifying the session by uuid.
type ClientEvent struct {
	UUID string
}

// InboundMessage pairs an authenticated session's uuid with the payload it
// sent, surfaced to the application for every accepted non-AUTH frame
// (DATA, PING or ERROR).
type InboundMessage struct {
	UUID    string
	Payload envelope.Payload
}

// Config configures a Server's bind address, route, and handshake policy.
type Config struct {
	Hostname         string
	Port             int
	Path             string
	HandshakeTimeout time.Duration
	HealthInterval   time.Duration
	AdminToken       string
}

// DefaultConfig returns the documented defaults: bind all interfaces on
// :8080, upgrade path "/", a 10s handshake deadline, and a 30s health
// check interval. No admin token, so the admin API stays unmounted.
func DefaultConfig() Config {
	return Config{
		Hostname:         "0.0.0.0",
		Port:             8080,
		Path:             "/",
		HandshakeTimeout: 10 * time.Second,
		HealthInterval:   30 * time.Second,
	}
}

type handle struct {
	session *Session
}

// Server owns the registry of connected sessions and the HTTP listener
// that accepts new ones. It is the realization of the "parallel tasks"
// concurrency model: one goroutine per session plus the accept loop,
// with the registry guarded by a single RWMutex.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	health   *healthMonitor

	mu       sync.RWMutex
	sessions map[string]*handle

	httpServer *http.Server
	listening  bool
	listenMu   sync.Mutex

	healthCancel context.CancelFunc

	OnClientAuthenticated busevents.Dispatcher[ClientEvent]
	OnClientDisconnected  busevents.Dispatcher[ClientEvent]
	OnMessage             busevents.Dispatcher[InboundMessage]
}

// New creates a Server from cfg. Call Listen to start accepting
// connections.
func New(cfg Config) *Server {
	s := &Server{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		sessions: make(map[string]*handle),
	}
	s.health = newHealthMonitor(s.RegistrySize)
	return s
}

// RegistrySize returns the number of currently registered sessions,
// authenticated or not.
func (s *Server) RegistrySize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Handler builds the server's http.Handler: the WebSocket upgrade route,
// /metrics, /health, and (if an admin token is configured) the admin API.
// Exposed separately from Listen so tests can wrap it in httptest.Server
// without binding a real port.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.StrictSlash(true)
	// The upgrade route accepts the configured path with or without a
	// trailing slash.
	base := s.cfg.Path
	if n := len(base); n > 0 && base[n-1] == '/' {
		base = base[:n-1]
	}
	router.MatcherFunc(func(r *http.Request, _ *mux.RouteMatch) bool {
		return r.URL.Path == base || r.URL.Path == base+"/"
	}).HandlerFunc(s.handleUpgrade)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handlePlainHealth).Methods(http.MethodGet)
	s.registerAdminRoutes(router, s.cfg.AdminToken)
	return router
}

func (s *Server) handlePlainHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health.getStatus())
}

// Listen binds the configured address and begins serving in a background
// goroutine, along with the periodic health monitor. Calling Listen a
// second time returns an error rather than panicking.
func (s *Server) Listen() error {
	s.listenMu.Lock()
	if s.listening {
		s.listenMu.Unlock()
		return errors.New("busserver: Listen called more than once")
	}
	s.listening = true
	s.listenMu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.cfg.Hostname, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.healthCancel = cancel
	go s.health.start(ctx, s.cfg.HealthInterval)

	go func() {
		slog.Info("busserver: listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("busserver: listen failed", "error", err)
		}
	}()

	return nil
}

// handleUpgrade accepts a new WebSocket connection, wraps it in a Session,
// registers it, wires its lifecycle events into the Server's own
// dispatchers, and spawns its read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("busserver: upgrade failed", "error", err)
		return
	}

	id := uuid.NewString()
	sess := newSession(id, conn, s.cfg.HandshakeTimeout)

	sess.OnAuthenticated.On(func(struct{}) {
		s.OnClientAuthenticated.Emit(ClientEvent{UUID: id})
	})
	sess.OnMessage.On(func(ev MessageEvent) {
		s.OnMessage.Emit(InboundMessage{UUID: id, Payload: ev.Payload})
	})
	sess.OnDisconnect.On(func(struct{}) {
		s.removeSession(id)
		s.OnClientDisconnected.Emit(ClientEvent{UUID: id})
	})

	s.mu.Lock()
	s.sessions[id] = &handle{session: sess}
	s.mu.Unlock()
	metrics.SessionsActive.Inc()

	slog.Info("busserver: session connected", "uuid", id, "remote_addr", r.RemoteAddr)

	go sess.readLoop()
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if existed {
		metrics.SessionsActive.Dec()
	}
}

// snapshot returns the currently registered sessions, safe to range over
// without holding the registry lock.
func (s *Server) snapshot() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, h := range s.sessions {
		out = append(out, h.session)
	}
	return out
}

// Send broadcasts a DATA message to every authenticated session.
func (s *Server) Send(payload envelope.Payload) {
	for _, sess := range s.snapshot() {
		if sess.Authenticated() {
			sess.Send(envelope.TypeData, envelope.StatusOK, payload)
		}
	}
}

// SendTo sends a DATA message to a single session by uuid. It reports
// false if no such authenticated session exists.
func (s *Server) SendTo(sessionUUID string, payload envelope.Payload) bool {
	s.mu.RLock()
	h, ok := s.sessions[sessionUUID]
	s.mu.RUnlock()
	if !ok || !h.session.Authenticated() {
		return false
	}
	return h.session.Send(envelope.TypeData, envelope.StatusOK, payload)
}

// Close performs a graceful shutdown: it warns every authenticated
// session with a teapot status, gives clients a second to react, then
// disconnects everyone, gives the transport another half second to drain,
// and finally shuts down the HTTP listener.
func (s *Server) Close(ctx context.Context) error {
	for _, sess := range s.snapshot() {
		if sess.Authenticated() {
			sess.Send(envelope.TypeError, envelope.StatusTeapot, envelope.Payload{"message": "Server shutting down"})
		}
	}

	time.Sleep(1000 * time.Millisecond)

	for _, sess := range s.snapshot() {
		sess.Disconnect()
	}

	time.Sleep(500 * time.Millisecond)

	if s.healthCancel != nil {
		s.healthCancel()
	}

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
