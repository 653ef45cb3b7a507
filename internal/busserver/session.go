package busserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sporket/bus/internal/busevents"
	"github.com/sporket/bus/internal/envelope"
	"github.com/sporket/bus/internal/metrics"
)

// PasswordProvider supplies the shared secret a session's handshake
// challenge is checked against. It defaults to reading SPORKET_PASSWORD
// from the environment; tests may override it independently of the
// client-side sporket.PasswordProvider.
var PasswordProvider = func() string { return os.Getenv("SPORKET_PASSWORD") }

// MessageEvent is surfaced to the application for each inbound non-AUTH
// frame (DATA, PING or ERROR) on an authenticated session.
type MessageEvent struct {
	Payload envelope.Payload
}

// Session is the server-side per-connection state machine: Connected ->
// Identified -> Challenged -> Authenticated. It performs the server half
// of the handshake, derives the per-connection signing key from its own
// uuid, and thereafter validates and surfaces signed application payloads.
type Session struct {
	id   string // session uuid; also the registry key
	conn *websocket.Conn

	mu              sync.Mutex
	key             []byte
	isAuthenticated bool
	closed          bool

	ctx    context.Context
	cancel context.CancelFunc

	authDeadline *time.Timer
	limiter      *frameRateLimiter

	OnAuthenticated busevents.Dispatcher[struct{}]
	OnMessage       busevents.Dispatcher[MessageEvent]
	OnDisconnect    busevents.Dispatcher[struct{}]
}

// newSession wraps an accepted WebSocket connection, derives its signing
// key from a fresh session uuid, and arms the auth-deadline timer (a
// bound on pending handshakes the original design lacked — see the
// handshake-timeout design note).
func newSession(id string, conn *websocket.Conn, handshakeTimeout time.Duration) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		id:      id,
		conn:    conn,
		key:     envelope.DeriveKey(id),
		ctx:     ctx,
		cancel:  cancel,
		limiter: newFrameRateLimiter(defaultFrameLimits()),
	}
	if handshakeTimeout > 0 {
		sess.authDeadline = time.AfterFunc(handshakeTimeout, func() {
			if !sess.Authenticated() {
				slog.Warn("busserver: handshake deadline exceeded", "uuid", id)
				sess.Disconnect()
			}
		})
	}
	return sess
}

// UUID returns the session's uuid, which keys it in the server's registry.
func (s *Session) UUID() string { return s.id }

// Authenticated reports whether the handshake has completed successfully.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAuthenticated
}

// sendInitialAuth sends the server's first AUTH message. Its id
// deliberately equals the session uuid — a diagnostic convenience the
// client must not rely on; the key is derived from payload.uuid.
func (s *Session) sendInitialAuth() bool {
	msg, err := envelope.NewWithID(s.id, envelope.Payload{"uuid": s.id}, envelope.TypeAuth, envelope.StatusOK)
	if err != nil {
		slog.Error("busserver: failed to build initial AUTH", "uuid", s.id, "error", err)
		return false
	}
	return s.transmit(envelope.Sign(msg, s.key))
}

// Send builds, signs, and transmits an application message to this
// session. It returns false if the connection is not open.
func (s *Session) Send(msgType envelope.MessageType, status int, payload envelope.Payload) bool {
	msg, err := envelope.New(payload, msgType, status)
	if err != nil {
		slog.Error("busserver: failed to build message", "uuid", s.id, "error", err)
		return false
	}
	ok := s.transmit(envelope.Sign(msg, s.key))
	if ok {
		metrics.MessagesTotal.WithLabelValues(string(msgType)).Inc()
	}
	return ok
}

func (s *Session) transmit(msg envelope.Message) bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return false
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		slog.Warn("busserver: write failed", "uuid", s.id, "error", err)
		return false
	}
	return true
}

// Disconnect is idempotent: it unsubscribes the read pump via cancellation,
// closes the socket if open, clears authentication, and emits OnDisconnect
// exactly once.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.isAuthenticated = false
	if s.authDeadline != nil {
		s.authDeadline.Stop()
	}
	s.mu.Unlock()

	s.cancel()
	_ = s.conn.Close()

	s.OnDisconnect.Emit(struct{}{})
}

// readLoop processes inbound frames until the connection closes. A parse
// failure is fatal only to that one frame; transport errors end the
// session via the deferred Disconnect.
func (s *Session) readLoop() {
	defer s.Disconnect()

	if !s.sendInitialAuth() {
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg envelope.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			slog.Debug("busserver: malformed frame", "uuid", s.id, "error", err)
			s.Send(envelope.TypeError, envelope.StatusBadRequest, envelope.Payload{"message": "Bad Request (malformed frame)"})
			continue
		}

		if s.limiter != nil && !s.limiter.allow(msg.Type, s.id) {
			continue
		}

		s.handleFrame(msg)
	}
}

func (s *Session) handleFrame(msg envelope.Message) {
	s.mu.Lock()
	key := s.key
	s.mu.Unlock()

	if !envelope.Verify(msg, key) {
		s.Send(envelope.TypeError, envelope.StatusBadRequest, envelope.Payload{"message": "Bad Request (invalid signature)"})
		return
	}

	if msg.Type == envelope.TypeAuth {
		s.handleAuth(msg)
		return
	}

	if !s.Authenticated() {
		s.Send(envelope.TypeError, envelope.StatusUnauthorized, envelope.Payload{"message": "Unauthorized (respond to challenge)"})
		return
	}

	metrics.MessagesTotal.WithLabelValues(string(msg.Type)).Inc()
	s.OnMessage.Emit(MessageEvent{Payload: envelope.Parse(msg)})
}

func (s *Session) handleAuth(msg envelope.Message) {
	payload := envelope.Parse(msg)
	challenge, _ := payload["challenge"].(string)

	expected := envelope.Challenge(PasswordProvider(), s.id)
	if challenge == "" || challenge != expected {
		metrics.HandshakeFailuresTotal.Inc()
		s.Send(envelope.TypeError, envelope.StatusUnauthorized, envelope.Payload{"message": "Unauthorized (authentication failed)"})
		return
	}

	s.mu.Lock()
	s.isAuthenticated = true
	if s.authDeadline != nil {
		s.authDeadline.Stop()
	}
	s.mu.Unlock()

	s.OnAuthenticated.Emit(struct{}{})
	s.Send(envelope.TypeAuth, envelope.StatusOK, envelope.Payload{"success": true})
}
