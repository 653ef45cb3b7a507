package busserver

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sporket/bus/internal/envelope"
	"github.com/sporket/bus/internal/sporket"
	"github.com/sporket/bus/internal/wsconn"
)

// setPasswords points both sides of the handshake at the given passwords
// independently, and restores the package defaults when the test ends.
func setPasswords(t *testing.T, serverSide, clientSide string) {
	t.Helper()
	origServer, origClient := PasswordProvider, sporket.PasswordProvider
	PasswordProvider = func() string { return serverSide }
	sporket.PasswordProvider = func() string { return clientSide }
	t.Cleanup(func() {
		PasswordProvider = origServer
		sporket.PasswordProvider = origClient
	})
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	srv := New(Config{Path: "/", HandshakeTimeout: 2 * time.Second, HealthInterval: time.Hour})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newClient(t *testing.T, ts *httptest.Server) *sporket.Sporket {
	t.Helper()
	cfg := wsconn.DefaultConfig(wsURL(ts))
	cfg.AutoConnect = false
	return sporket.New(cfg)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestHandshakeHappyPath(t *testing.T) {
	setPasswords(t, "correct-horse", "correct-horse")

	srv, ts := newTestServer(t)
	client := newClient(t, ts)

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(client.Disconnect)

	require.True(t, waitFor(t, time.Second, client.IsAuthenticated))
	assert.NotEmpty(t, client.UUID())
	assert.Equal(t, 1, srv.RegistrySize())
}

func TestHandshakeWrongPasswordRejected(t *testing.T) {
	setPasswords(t, "right-password", "wrong-password")

	srv, ts := newTestServer(t)
	client := newClient(t, ts)

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(client.Disconnect)

	require.True(t, waitFor(t, time.Second, func() bool { return srv.RegistrySize() == 1 }))
	assert.Never(t, client.IsAuthenticated, 300*time.Millisecond, 10*time.Millisecond)
}

func TestForgedSignatureRejectedWithoutDisconnecting(t *testing.T) {
	setPasswords(t, "correct-horse", "wrong-password")

	srv, ts := newTestServer(t)
	client := newClient(t, ts)

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(client.Disconnect)

	// Let the server assign identity. The client answers the challenge
	// with the wrong password, so this session stays unauthenticated.
	require.True(t, waitFor(t, time.Second, func() bool { return srv.RegistrySize() == 1 }))

	s := srv.snapshot()
	require.Len(t, s, 1)
	sess := s[0]

	// A forged, badly-signed frame must be rejected (400) without tearing
	// down the connection, and must never promote the session.
	msg, err := envelope.New(envelope.Payload{"challenge": "whatever"}, envelope.TypeAuth, envelope.StatusOK)
	require.NoError(t, err)
	msg.Signature = "dGFtcGVyZWQ="

	sess.handleFrame(msg)

	assert.False(t, sess.Authenticated())
	assert.Equal(t, 1, srv.RegistrySize(), "a bad signature alone must not disconnect the session")
}

func TestGracefulShutdownTiming(t *testing.T) {
	setPasswords(t, "correct-horse", "correct-horse")

	srv, ts := newTestServer(t)
	client := newClient(t, ts)

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(client.Disconnect)

	require.True(t, waitFor(t, time.Second, client.IsAuthenticated))

	start := time.Now()
	require.NoError(t, srv.Close(context.Background()))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 1500*time.Millisecond)
	assert.True(t, waitFor(t, time.Second, func() bool { return !client.IsAuthenticated() }))
}

func TestBroadcastReachesAllAuthenticatedClients(t *testing.T) {
	setPasswords(t, "correct-horse", "correct-horse")

	srv, ts := newTestServer(t)

	clientA := newClient(t, ts)
	clientB := newClient(t, ts)

	var gotA, gotB envelope.Payload
	clientA.OnMessage.On(func(ev sporket.MessageEvent) { gotA = ev.Payload })
	clientB.OnMessage.On(func(ev sporket.MessageEvent) { gotB = ev.Payload })

	require.NoError(t, clientA.Connect(context.Background()))
	require.NoError(t, clientB.Connect(context.Background()))
	t.Cleanup(clientA.Disconnect)
	t.Cleanup(clientB.Disconnect)

	require.True(t, waitFor(t, time.Second, clientA.IsAuthenticated))
	require.True(t, waitFor(t, time.Second, clientB.IsAuthenticated))

	srv.Send(envelope.Payload{"greeting": "hello"})

	require.True(t, waitFor(t, time.Second, func() bool { return gotA != nil && gotB != nil }))
	assert.Equal(t, "hello", gotA["greeting"])
	assert.Equal(t, "hello", gotB["greeting"])
}

func TestRegistryConsistencyAcrossConnectAndDisconnect(t *testing.T) {
	setPasswords(t, "correct-horse", "correct-horse")

	srv, ts := newTestServer(t)

	clients := make([]*sporket.Sporket, 3)
	for i := range clients {
		clients[i] = newClient(t, ts)
		require.NoError(t, clients[i].Connect(context.Background()))
	}

	require.True(t, waitFor(t, time.Second, func() bool { return srv.RegistrySize() == 3 }))

	clients[0].Disconnect()
	require.True(t, waitFor(t, time.Second, func() bool { return srv.RegistrySize() == 2 }))

	clients[1].Disconnect()
	clients[2].Disconnect()
	require.True(t, waitFor(t, time.Second, func() bool { return srv.RegistrySize() == 0 }))
}
