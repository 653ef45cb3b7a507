package wsconn

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBackoffGrowsMonotonicallyAndRespectsAttemptCap exercises P3 (backoff
// monotone) and P4 (attempt cap) together: nothing listens on 127.0.0.1:1,
// so every dial fails immediately and each failure drives the state
// machine's reconnect-scheduling branch.
func TestBackoffGrowsMonotonicallyAndRespectsAttemptCap(t *testing.T) {
	cfg := Config{
		URL:         "ws://127.0.0.1:1/",
		AutoConnect: true,
		MaxAttempts: 4,
		MinWaitTime: 20 * time.Millisecond,
		MaxWaitTime: 70 * time.Millisecond,
		WaitExtend:  20 * time.Millisecond,
	}
	s := New(cfg)

	var mu sync.Mutex
	var waits []time.Duration
	done := make(chan struct{})

	s.onReconnectScheduled = func(_ int, wait time.Duration) {
		mu.Lock()
		waits = append(waits, wait)
		mu.Unlock()
	}
	s.OnDisconnect.On(func(struct{}) { close(done) })

	_ = s.Connect(context.Background())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal disconnect")
	}

	mu.Lock()
	defer mu.Unlock()

	// MaxAttempts=4: three reconnects are scheduled (after failures 1-3),
	// the fourth failure reaches the cap and no further connect is scheduled.
	require.Len(t, waits, 3)
	assert.Equal(t, 20*time.Millisecond, waits[0])
	assert.Equal(t, 40*time.Millisecond, waits[1])
	assert.Equal(t, 60*time.Millisecond, waits[2])
	assert.Equal(t, StateTerminal, s.State())
}

// TestBackoffClampsToMaxWaitTime confirms waitTime never exceeds MaxWaitTime
// even once minWaitTime+N*waitExtend would otherwise overshoot it.
func TestBackoffClampsToMaxWaitTime(t *testing.T) {
	cfg := Config{
		URL:         "ws://127.0.0.1:1/",
		AutoConnect: true,
		MaxAttempts: 5,
		MinWaitTime: 10 * time.Millisecond,
		MaxWaitTime: 25 * time.Millisecond,
		WaitExtend:  10 * time.Millisecond,
	}
	s := New(cfg)

	var mu sync.Mutex
	var waits []time.Duration
	done := make(chan struct{})

	s.onReconnectScheduled = func(_ int, wait time.Duration) {
		mu.Lock()
		waits = append(waits, wait)
		mu.Unlock()
	}
	s.OnDisconnect.On(func(struct{}) { close(done) })

	_ = s.Connect(context.Background())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal disconnect")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, waits, 4)
	assert.Equal(t, 10*time.Millisecond, waits[0])
	assert.Equal(t, 20*time.Millisecond, waits[1])
	assert.Equal(t, 25*time.Millisecond, waits[2]) // clamped
	assert.Equal(t, 25*time.Millisecond, waits[3]) // clamped
}

// TestSendJSONDropsWhenNotOpen exercises the "silently dropped" contract for
// sends issued while the socket has never been connected.
func TestSendJSONDropsWhenNotOpen(t *testing.T) {
	s := New(DefaultConfig("ws://127.0.0.1:1/"))
	err := s.SendJSON(map[string]string{"hello": "world"})
	assert.NoError(t, err)
	assert.False(t, s.IsOpen())
}

func TestConfigFromEnvAppliesOverrides(t *testing.T) {
	t.Setenv("SPORKET_MAX_ATTEMPTS", "7")
	t.Setenv("SPORKET_MIN_WAIT_MS", "500")
	t.Setenv("SPORKET_MAX_WAIT_MS", "5000")
	t.Setenv("SPORKET_WAIT_EXTEND_MS", "250")

	cfg := ConfigFromEnv("ws://example.invalid/")

	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.MinWaitTime)
	assert.Equal(t, 5000*time.Millisecond, cfg.MaxWaitTime)
	assert.Equal(t, 250*time.Millisecond, cfg.WaitExtend)
}

func TestConfigFromEnvFallsBackToDefaults(t *testing.T) {
	cfg := ConfigFromEnv("ws://example.invalid/")
	assert.Equal(t, DefaultConfig("ws://example.invalid/"), cfg)
}
