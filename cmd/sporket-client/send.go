package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/sporket/bus/internal/envelope"
	"github.com/sporket/bus/internal/sporket"
	"github.com/sporket/bus/internal/wsconn"
)

var sendCmd = &cobra.Command{
	Use:   "send <json-payload>",
	Short: "Connect, authenticate, send one DATA payload, and exit",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

func runSend(cmd *cobra.Command, args []string) error {
	var payload envelope.Payload
	if err := json.Unmarshal([]byte(args[0]), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	if password != "" {
		sporket.PasswordProvider = func() string { return password }
	}

	cfg := wsconn.ConfigFromEnv(serverURL)
	cfg.AutoConnect = false
	sp := sporket.New(cfg)

	done := make(chan struct{})
	sp.OnAuthenticated.On(func(struct{}) {
		if sp.SendData(payload) {
			slog.Info("sent payload", "uuid", sp.UUID())
		} else {
			slog.Error("send failed")
		}
		close(done)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sp.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer sp.Disconnect()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timed out waiting for authentication")
	}

	return nil
}
