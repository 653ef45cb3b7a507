package busserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// HealthStatus reports the current health of the bus server.
type HealthStatus struct {
	Healthy       bool      `json:"healthy"`
	SessionCount  int       `json:"sessionCount"`
	Uptime        string    `json:"uptime"`
	UptimeSeconds float64   `json:"uptimeSeconds"`
	LastCheck     time.Time `json:"lastCheck"`
}

// healthMonitor periodically snapshots the server's registry size into a
// point-in-time HealthStatus. Adapted from the teacher's WireGuard peer
// health monitor: peer count becomes session count, and there is no
// outbound heartbeat POST since this bus has no control-plane collaborator.
type healthMonitor struct {
	registrySize func() int
	startTime    time.Time

	mu     sync.RWMutex
	status HealthStatus
}

func newHealthMonitor(registrySize func() int) *healthMonitor {
	return &healthMonitor{
		registrySize: registrySize,
		startTime:    time.Now(),
		status:       HealthStatus{Healthy: true},
	}
}

// start begins the periodic health check loop. It blocks until ctx is done,
// so callers run it in its own goroutine.
func (h *healthMonitor) start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	h.check()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("busserver: health monitor stopped")
			return
		case <-ticker.C:
			h.check()
		}
	}
}

func (h *healthMonitor) check() {
	h.mu.Lock()
	defer h.mu.Unlock()

	count := h.registrySize()
	uptime := time.Since(h.startTime)

	h.status = HealthStatus{
		Healthy:       true,
		SessionCount:  count,
		Uptime:        formatDuration(uptime),
		UptimeSeconds: uptime.Seconds(),
		LastCheck:     time.Now(),
	}
}

func (h *healthMonitor) getStatus() HealthStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status
}

func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
