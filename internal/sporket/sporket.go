// Package sporket implements the client-side counterpart to the bus
// server: it drives the client half of the handshake over a composed
// wsconn.Socket, verifies server replies, and lets the application send
// signed application payloads once authenticated.
package sporket

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	"github.com/sporket/bus/internal/busevents"
	"github.com/sporket/bus/internal/envelope"
	"github.com/sporket/bus/internal/wsconn"
)

// PasswordProvider supplies the shared secret used to answer the server's
// handshake challenge. It defaults to reading SPORKET_PASSWORD from the
// environment; tests may override it to exercise wrong-password behavior
// without mutating process-wide environment state shared with the server.
var PasswordProvider = func() string { return os.Getenv("SPORKET_PASSWORD") }

// MessageEvent is the detail surfaced to the application for each
// authenticated inbound DATA/PING frame.
type MessageEvent struct {
	Payload envelope.Payload
}

// Sporket is the client-side peer of the bus: Connected/Identified/
// Challenged/Authenticated per the shared handshake contract. It composes
// a wsconn.Socket rather than extending it.
type Sporket struct {
	socket *wsconn.Socket

	mu              sync.Mutex
	uuid            string
	key             []byte
	isAuthenticated bool

	OnConnect       busevents.Dispatcher[struct{}]
	OnAuthenticated busevents.Dispatcher[struct{}]
	OnMessage       busevents.Dispatcher[MessageEvent]
	OnDisconnect    busevents.Dispatcher[struct{}]
	OnClose         busevents.Dispatcher[struct{}]
}

// New creates a Sporket bound to a Socket built from cfg. The Socket's
// Handler is wired to this Sporket's inbound frame processing, and the
// Socket's close/disconnect events reset this Sporket's identity before
// forwarding to the application — the session identity never survives a
// reconnect.
func New(cfg wsconn.Config) *Sporket {
	sp := &Sporket{socket: wsconn.New(cfg)}
	sp.socket.Handler = sp.handleMessage

	sp.socket.OnConnect.On(func(struct{}) { sp.OnConnect.Emit(struct{}{}) })
	sp.socket.OnClose.On(func(struct{}) {
		sp.resetIdentity()
		sp.OnClose.Emit(struct{}{})
	})
	sp.socket.OnDisconnect.On(func(struct{}) {
		sp.resetIdentity()
		sp.OnDisconnect.Emit(struct{}{})
	})

	return sp
}

// Connect dials the configured URL and starts the read pump.
func (sp *Sporket) Connect(ctx context.Context) error {
	return sp.socket.Connect(ctx)
}

// Disconnect tears down the connection and cancels any pending reconnect.
func (sp *Sporket) Disconnect() {
	sp.socket.Disconnect()
}

// IsAuthenticated reports whether the handshake has completed successfully
// on the current connection.
func (sp *Sporket) IsAuthenticated() bool {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.isAuthenticated
}

// UUID returns the session uuid assigned by the server, or "" before the
// handshake has started.
func (sp *Sporket) UUID() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.uuid
}

func (sp *Sporket) resetIdentity() {
	sp.mu.Lock()
	sp.uuid = ""
	sp.key = nil
	sp.isAuthenticated = false
	sp.mu.Unlock()
}

// Send builds, signs, and transmits payload. It returns false if the
// socket is not open, or if msgType is not AUTH and the handshake has not
// completed.
func (sp *Sporket) Send(payload envelope.Payload, msgType envelope.MessageType, status int) bool {
	if !sp.socket.IsOpen() {
		return false
	}

	sp.mu.Lock()
	authed := sp.isAuthenticated
	key := sp.key
	sp.mu.Unlock()

	if msgType != envelope.TypeAuth && (!authed || key == nil) {
		return false
	}

	msg, err := envelope.New(payload, msgType, status)
	if err != nil {
		slog.Error("sporket: failed to build message", "error", err)
		return false
	}
	msg = envelope.Sign(msg, key)

	if err := sp.socket.SendJSON(msg); err != nil {
		slog.Warn("sporket: send failed", "error", err)
		return false
	}
	return true
}

// SendData is a convenience wrapper for application payloads (DATA/OK).
func (sp *Sporket) SendData(payload envelope.Payload) bool {
	return sp.Send(payload, envelope.TypeData, envelope.StatusOK)
}

func (sp *Sporket) handleMessage(raw []byte) {
	var msg envelope.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		slog.Warn("sporket: malformed frame, disconnecting", "error", err)
		sp.socket.Disconnect()
		return
	}

	payload := envelope.Parse(msg)

	// Step 2 of the handshake: the server's first AUTH carries payload.uuid.
	// The key must be derived from the decoded payload, never from msg.id.
	if msg.Type == envelope.TypeAuth && sp.UUID() == "" {
		if uuidStr, ok := payload["uuid"].(string); ok && uuidStr != "" {
			sp.handleServerIdentity(msg, uuidStr)
			return
		}
	}

	sp.mu.Lock()
	key := sp.key
	sp.mu.Unlock()

	if !envelope.Verify(msg, key) {
		slog.Warn("sporket: signature verification failed, disconnecting")
		sp.socket.Disconnect()
		return
	}

	switch msg.Type {
	case envelope.TypeAuth:
		sp.handleAuthResult(payload)

	case envelope.TypeError:
		if msg.Status == envelope.StatusTeapot {
			sp.socket.Disconnect()
			return
		}
		// Other ERROR statuses are swallowed; the contract does not
		// require surfacing them to the application.
		slog.Debug("sporket: received ERROR frame", "status", msg.Status)

	default: // DATA, PING
		sp.OnMessage.Emit(MessageEvent{Payload: payload})
	}
}

// handleServerIdentity runs the client half of the handshake's steps 2-3:
// derive the key from the server-assigned uuid, verify the server's first
// AUTH signature, then compute and send the challenge.
func (sp *Sporket) handleServerIdentity(msg envelope.Message, uuidStr string) {
	key := envelope.DeriveKey(uuidStr)
	if !envelope.Verify(msg, key) {
		slog.Warn("sporket: initial AUTH signature invalid, disconnecting")
		sp.socket.Disconnect()
		return
	}

	sp.mu.Lock()
	sp.uuid = uuidStr
	sp.key = key
	sp.mu.Unlock()

	challenge := envelope.Challenge(PasswordProvider(), uuidStr)

	reply, err := envelope.New(envelope.Payload{"challenge": challenge}, envelope.TypeAuth, envelope.StatusOK)
	if err != nil {
		slog.Error("sporket: failed to build challenge message", "error", err)
		sp.socket.Disconnect()
		return
	}
	reply = envelope.Sign(reply, key)

	if err := sp.socket.SendJSON(reply); err != nil {
		slog.Warn("sporket: failed to send challenge", "error", err)
		sp.socket.Disconnect()
	}
}

// handleAuthResult runs step 5 of the handshake: a success marker
// transitions to Authenticated, anything else disconnects.
func (sp *Sporket) handleAuthResult(payload envelope.Payload) {
	if success, _ := payload["success"].(bool); success {
		sp.mu.Lock()
		sp.isAuthenticated = true
		sp.mu.Unlock()
		sp.OnAuthenticated.Emit(struct{}{})
		return
	}
	slog.Warn("sporket: auth rejected by server, disconnecting")
	sp.socket.Disconnect()
}
