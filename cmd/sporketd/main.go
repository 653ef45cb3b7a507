package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "sporketd",
	Short: "sporketd runs the authenticated bus server",
	Long: `sporketd accepts WebSocket connections, carries each through the
Connected -> Identified -> Challenged -> Authenticated handshake, and
relays signed application messages between authenticated clients.`,
}

func main() {
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
