// Package envelope implements the wire-format message envelope shared by
// the server and Sporket client: creation, HMAC-SHA256 signing and
// verification, and the base64/JSON payload codec. It also holds the key
// derivation and challenge computation that both sides of the handshake
// must reproduce byte-for-byte.
package envelope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// MessageType enumerates the wire-level message kinds exchanged over the bus.
type MessageType string

const (
	TypeAuth  MessageType = "AUTH"
	TypePing  MessageType = "PING"
	TypeData  MessageType = "DATA"
	TypeError MessageType = "ERROR"
)

// Status codes carried in the envelope's status field. 500 is defined for
// completeness but never assigned by this package.
const (
	StatusOK           = 200
	StatusBadRequest   = 400
	StatusUnauthorized = 401
	StatusTeapot       = 418
	StatusServerError  = 500
)

// Sentinel errors naming this package's failure kinds. The public
// Verify/Parse API stays bool/empty-value based per the wire contract — no
// function in this package returns them.
var (
	ErrInvalidSignature = errors.New("envelope: invalid signature")
	ErrHandshakeFailed  = errors.New("envelope: handshake failed")
)

// Payload is an application-level JSON object carried inside an envelope.
// Values are JSON primitives, arrays thereof, or nested Payload objects.
type Payload map[string]interface{}

// Message is the wire envelope exchanged over the WebSocket connection.
// Payload is kept in its wire form here — a base64 string — never the
// decoded object; use Parse to decode it into application space. Field
// names and JSON tags must match the wire contract exactly.
type Message struct {
	ID        string      `json:"id"`
	Now       int64       `json:"now"`
	Type      MessageType `json:"type"`
	Status    int         `json:"status"`
	Payload   string      `json:"payload"`
	Signature string      `json:"signature"`
}

// New builds an unsigned Message with a fresh random id, the current epoch
// millisecond timestamp, and the payload base64-encoded per the wire format.
func New(payload Payload, msgType MessageType, status int) (Message, error) {
	return build(uuid.NewString(), payload, msgType, status)
}

// NewWithID builds a Message the same way as New but with a caller-supplied
// id. The server's first AUTH message uses this so id equals the session
// uuid — a diagnostic convenience; implementers must still derive the
// signing key from the decoded payload.uuid, never from id.
func NewWithID(id string, payload Payload, msgType MessageType, status int) (Message, error) {
	return build(id, payload, msgType, status)
}

func build(id string, payload Payload, msgType MessageType, status int) (Message, error) {
	if payload == nil {
		payload = Payload{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:      id,
		Now:     time.Now().UnixMilli(),
		Type:    msgType,
		Status:  status,
		Payload: base64.StdEncoding.EncodeToString(raw),
	}, nil
}

// canonical returns the exact byte sequence signed and verified: id,
// decimal(now), and the payload's wire (base64) form, concatenated with no
// delimiter. id is a UUID and now is numeric, so the concatenation is
// unambiguous; never normalize this by adding separators or signing the
// decoded payload instead.
func canonical(m Message) []byte {
	return []byte(m.ID + strconv.FormatInt(m.Now, 10) + m.Payload)
}

// Sign computes the HMAC-SHA256 tag over the canonical string and assigns
// its base64 encoding to the message's Signature field. A nil/empty key
// leaves the message unsigned.
func Sign(m Message, key []byte) Message {
	if len(key) == 0 {
		return m
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical(m))
	m.Signature = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return m
}

// Verify reports whether m.Signature is a valid HMAC-SHA256 tag over the
// canonical string under key. It fails closed: a nil/empty key, a
// malformed base64 signature, or any other decoding trouble all yield
// false rather than a panic or error.
func Verify(m Message, key []byte) bool {
	if len(key) == 0 {
		return false
	}
	candidate, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical(m))
	expected := mac.Sum(nil)
	return hmac.Equal(candidate, expected)
}

// Parse base64-decodes and JSON-parses m.Payload into a Payload. Any
// failure along the way yields an empty Payload rather than an error — this
// fallback lets the handshake inspect absent or malformed fields uniformly.
func Parse(m Message) Payload {
	raw, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return Payload{}
	}
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}
	}
	if p == nil {
		return Payload{}
	}
	return p
}

// DeriveKey derives the per-session HMAC key from the session uuid: the key
// material is simply the UTF-8 bytes of the uuid string. Only the shared
// password is private; the uuid is sent in the clear, so this derivation
// relies entirely on the challenge step (see Challenge) to prove knowledge
// of the password.
func DeriveKey(sessionUUID string) []byte {
	return []byte(sessionUUID)
}

// Challenge computes the client's proof of knowledge of the shared
// password: base64(SHA-256(password || sessionUUID)).
func Challenge(password, sessionUUID string) string {
	sum := sha256.Sum256([]byte(password + sessionUUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
