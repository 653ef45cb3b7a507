package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sporket/bus/internal/sporket"
	"github.com/sporket/bus/internal/wsconn"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect, authenticate, and print every inbound DATA/PING payload",
	RunE:  runListen,
}

func runListen(cmd *cobra.Command, args []string) error {
	if password != "" {
		sporket.PasswordProvider = func() string { return password }
	}

	cfg := wsconn.ConfigFromEnv(serverURL)
	sp := sporket.New(cfg)

	sp.OnAuthenticated.On(func(struct{}) {
		slog.Info("authenticated", "uuid", sp.UUID())
	})
	sp.OnMessage.On(func(ev sporket.MessageEvent) {
		data, _ := json.Marshal(ev.Payload)
		fmt.Println(string(data))
	})
	sp.OnDisconnect.On(func(struct{}) {
		slog.Warn("disconnected")
	})

	if err := sp.Connect(context.Background()); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer sp.Disconnect()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return nil
}
