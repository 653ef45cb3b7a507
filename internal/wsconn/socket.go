// Package wsconn implements the reusable Socket base: a single outbound
// WebSocket connection with bounded, linearly growing backoff reconnection.
// It is the Go re-expression of the event-emitter Socket base class the
// original design derives Sporket from — here Sporket composes a Socket
// instead of extending it (see the design notes on subclassing ->
// composition).
package wsconn

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sporket/bus/internal/busevents"
	"github.com/sporket/bus/internal/metrics"
)

// State is one point in the Socket's connection lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	StateClosed       State = "closed"
	StateReconnecting State = "reconnecting"
	StateTerminal     State = "terminal"
)

// Config configures a Socket's target URL and reconnect behavior.
type Config struct {
	URL         string
	AutoConnect bool
	MaxAttempts int
	MinWaitTime time.Duration
	MaxWaitTime time.Duration
	WaitExtend  time.Duration
}

// DefaultConfig returns the documented defaults for url: AutoConnect=true,
// MaxAttempts=10, MinWaitTime=2s, MaxWaitTime=10s, WaitExtend=1s.
func DefaultConfig(url string) Config {
	return Config{
		URL:         url,
		AutoConnect: true,
		MaxAttempts: 10,
		MinWaitTime: 2 * time.Second,
		MaxWaitTime: 10 * time.Second,
		WaitExtend:  1 * time.Second,
	}
}

// ConfigFromEnv builds on DefaultConfig(url), applying
// SPORKET_MAX_ATTEMPTS, SPORKET_MIN_WAIT_MS, SPORKET_MAX_WAIT_MS, and
// SPORKET_WAIT_EXTEND_MS overrides where set. Used by the reference
// client so its reconnect tuning matches the server's env-driven
// configuration story.
func ConfigFromEnv(url string) Config {
	cfg := DefaultConfig(url)
	if v := os.Getenv("SPORKET_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("SPORKET_MIN_WAIT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.MinWaitTime = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("SPORKET_MAX_WAIT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.MaxWaitTime = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("SPORKET_WAIT_EXTEND_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.WaitExtend = time.Duration(ms) * time.Millisecond
		}
	}
	return cfg
}

// Socket maintains one outbound WebSocket connection and reconnects it on
// failure using bounded, linearly growing backoff. Handler, if set, is
// invoked with each inbound text/binary frame; the base itself does
// nothing on message, matching the original's "subclasses override
// handleMessage" contract.
type Socket struct {
	cfg    Config
	dialer *websocket.Dialer

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	waitTime time.Duration
	attempts int
	timer    *time.Timer
	cancel   context.CancelFunc

	Handler func(message []byte)

	OnConnect    busevents.Dispatcher[struct{}]
	OnClose      busevents.Dispatcher[struct{}]
	OnDisconnect busevents.Dispatcher[struct{}]
	OnError      busevents.Dispatcher[error]

	// onReconnectScheduled is set by tests to observe backoff scheduling
	// without waiting out real timers; nil in production use.
	onReconnectScheduled func(attempt int, wait time.Duration)
}

// New creates a Socket in the Idle state for the given configuration.
func New(cfg Config) *Socket {
	return &Socket{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:    StateIdle,
		waitTime: cfg.MinWaitTime,
	}
}

// State returns the Socket's current lifecycle state.
func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsOpen reports whether the Socket currently holds a live connection.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateOpen
}

// Connect cancels any pending reconnect timer, tears down an existing
// connection, and dials a new one, starting the read pump on success.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.stopTimerLocked()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)

	conn, _, err := s.dialer.DialContext(connCtx, s.cfg.URL, nil)
	if err != nil {
		cancel()
		slog.Warn("wsconn: dial failed", "url", s.cfg.URL, "error", err)
		s.handleClose()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.cancel = cancel
	s.state = StateOpen
	s.waitTime = s.cfg.MinWaitTime
	s.attempts = 0
	s.mu.Unlock()

	s.OnConnect.Emit(struct{}{})

	go s.readPump(conn)

	return nil
}

// Disconnect cancels any pending reconnect timer, closes the connection if
// open, and emits OnDisconnect. Safe to call multiple times.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	s.stopTimerLocked()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	hadConn := s.conn != nil
	if hadConn {
		_ = s.conn.Close()
		s.conn = nil
	}
	if s.state != StateTerminal {
		s.state = StateClosed
	}
	s.mu.Unlock()

	s.OnDisconnect.Emit(struct{}{})
}

// SendJSON serializes v and sends it iff the connection is currently open;
// it silently drops the send otherwise (per contract — the caller already
// has Send()-level bool returns upstream where that matters).
func (s *Socket) SendJSON(v interface{}) error {
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()

	if !open || conn == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Socket) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.OnError.Emit(err)
			s.handleClose()
			return
		}
		if s.Handler != nil {
			s.Handler(data)
		}
	}
}

// handleClose runs the on-close branch of the state machine: it schedules
// OnClose for the next tick, then either stops permanently (attempt cap
// reached or AutoConnect disabled) or schedules the next Connect after the
// current backoff, growing waitTime for next time.
func (s *Socket) handleClose() {
	s.mu.Lock()
	wasConnecting := s.state == StateOpen || s.state == StateConnecting
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.state = StateClosed
	s.stopTimerLocked()
	s.mu.Unlock()

	if !wasConnecting {
		return
	}

	go s.OnClose.Emit(struct{}{})

	s.mu.Lock()
	maxed := false
	if s.cfg.MaxAttempts > 0 {
		s.attempts++
		maxed = s.attempts >= s.cfg.MaxAttempts
	}
	if maxed {
		s.state = StateTerminal
	}
	stopReconnect := maxed || !s.cfg.AutoConnect
	if stopReconnect {
		s.mu.Unlock()
		if maxed {
			s.Disconnect()
		}
		return
	}

	wait := s.waitTime
	attempt := s.attempts
	s.state = StateReconnecting
	metrics.ReconnectAttemptsTotal.Inc()
	s.timer = time.AfterFunc(wait, func() {
		_ = s.Connect(context.Background())
	})
	s.waitTime = minDuration(s.waitTime+s.cfg.WaitExtend, s.cfg.MaxWaitTime)
	cb := s.onReconnectScheduled
	s.mu.Unlock()

	if cb != nil {
		cb(attempt, wait)
	}
}

func (s *Socket) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
