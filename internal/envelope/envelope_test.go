package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	key := DeriveKey("11111111-1111-1111-1111-111111111111")

	msg, err := New(Payload{"hello": "world"}, TypeData, StatusOK)
	require.NoError(t, err)

	signed := Sign(msg, key)
	assert.NotEmpty(t, signed.Signature)
	assert.True(t, Verify(signed, key))
}

func TestVerifyFailsOnMutation(t *testing.T) {
	key := DeriveKey("session-uuid")
	msg, err := New(Payload{"n": 1}, TypeData, StatusOK)
	require.NoError(t, err)
	signed := Sign(msg, key)

	mutateID := signed
	mutateID.ID = mutateID.ID + "x"
	assert.False(t, Verify(mutateID, key))

	mutateNow := signed
	mutateNow.Now = mutateNow.Now + 1
	assert.False(t, Verify(mutateNow, key))

	mutatePayload := signed
	mutatePayload.Payload = mutatePayload.Payload + "x"
	assert.False(t, Verify(mutatePayload, key))
}

func TestVerifyFailsClosedOnNilOrInvalidKey(t *testing.T) {
	msg, err := New(Payload{}, TypeData, StatusOK)
	require.NoError(t, err)
	signed := Sign(msg, DeriveKey("k"))

	assert.False(t, Verify(signed, nil))
	assert.False(t, Verify(signed, []byte{}))

	unsigned := msg
	unsigned.Signature = "not-valid-base64!!"
	assert.False(t, Verify(unsigned, DeriveKey("k")))
}

func TestSignWithNilKeyLeavesUnsigned(t *testing.T) {
	msg, err := New(Payload{}, TypeAuth, StatusOK)
	require.NoError(t, err)
	signed := Sign(msg, nil)
	assert.Empty(t, signed.Signature)
}

func TestParseRoundTrip(t *testing.T) {
	payload := Payload{"a": "b", "n": float64(3)}
	msg, err := New(payload, TypeData, StatusOK)
	require.NoError(t, err)

	got := Parse(msg)
	assert.Equal(t, payload, got)
}

func TestParseFallsBackToEmptyPayloadOnMalformedInput(t *testing.T) {
	bad := Message{Payload: "not-base64!!"}
	assert.Equal(t, Payload{}, Parse(bad))

	badJSON := Message{Payload: "bm90LWpzb24="} // base64("not-json")
	assert.Equal(t, Payload{}, Parse(badJSON))
}

func TestNewWithIDUsesSuppliedID(t *testing.T) {
	msg, err := NewWithID("session-uuid", Payload{"uuid": "session-uuid"}, TypeAuth, StatusOK)
	require.NoError(t, err)
	assert.Equal(t, "session-uuid", msg.ID)
}

func TestDeriveKeyIsDeterministicAndSessionScoped(t *testing.T) {
	k1 := DeriveKey("abc")
	k2 := DeriveKey("abc")
	k3 := DeriveKey("def")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestChallengeMatchesOnSharedSecretAndUUID(t *testing.T) {
	c1 := Challenge("hunter2", "session-uuid")
	c2 := Challenge("hunter2", "session-uuid")
	c3 := Challenge("wrong", "session-uuid")
	assert.Equal(t, c1, c2)
	assert.NotEqual(t, c1, c3)
}
