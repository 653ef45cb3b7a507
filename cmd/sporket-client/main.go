package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	password  string
)

var rootCmd = &cobra.Command{
	Use:   "sporket-client",
	Short: "sporket-client is a reference client for the bus server",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "ws://127.0.0.1:8080/", "bus server WebSocket URL")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "shared handshake password (overrides SPORKET_PASSWORD)")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listenCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
