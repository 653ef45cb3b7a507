package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"github.com/sporket/bus/internal/busserver"
	"github.com/sporket/bus/internal/config"
)

const (
	serviceName        = "Sporketd"
	serviceDisplayName = "Sporket Bus Server"
	serviceDescription = "Authenticated WebSocket message bus server"
)

var (
	installService   bool
	uninstallService bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bus server and block until shutdown",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&installService, "install", false, "install sporketd as a system service")
	serveCmd.Flags().BoolVar(&uninstallService, "uninstall", false, "uninstall the sporketd system service")
}

// daemon adapts the server into kardianos/service.Interface so sporketd can
// run under a service manager in addition to the foreground mode used for
// interactive/containerized deployments. Grounded on the teacher's
// host-agent, the pack's other long-running daemon that installs itself
// as a system service via the same library.
type daemon struct {
	srv *busserver.Server
}

func (d *daemon) Start(s service.Service) error {
	go d.run()
	return nil
}

func (d *daemon) Stop(s service.Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.srv.Close(ctx)
}

func (d *daemon) run() {
	if err := d.srv.Listen(); err != nil {
		slog.Error("sporketd: listen failed", "error", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("starting sporket bus server")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// Read live on every challenge check, not the value snapshotted at
	// startup, so a rotated SPORKET_PASSWORD takes effect on the very
	// next handshake without a restart.
	busserver.PasswordProvider = func() string { return os.Getenv("SPORKET_PASSWORD") }

	slog.Info("configuration loaded",
		"hostname", cfg.Hostname,
		"port", cfg.Port,
		"path", cfg.Path,
		"admin_api", cfg.AdminToken != "",
	)

	srv := busserver.New(cfg.ServerConfig())

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
	}
	d := &daemon{srv: srv}
	svc, err := service.New(d, svcConfig)
	if err != nil {
		return fmt.Errorf("creating service wrapper: %w", err)
	}

	switch {
	case installService:
		if err := svc.Install(); err != nil {
			return fmt.Errorf("installing service: %w", err)
		}
		fmt.Println("Service installed successfully:", serviceName)
		return nil

	case uninstallService:
		if err := svc.Stop(); err != nil {
			slog.Warn("failed to stop service (may not be running)", "error", err)
		}
		if err := svc.Uninstall(); err != nil {
			return fmt.Errorf("uninstalling service: %w", err)
		}
		fmt.Println("Service uninstalled successfully:", serviceName)
		return nil

	case !service.Interactive():
		// Running under a service manager.
		if err := svc.Run(); err != nil {
			return fmt.Errorf("service run failed: %w", err)
		}
		return nil
	}

	// Running interactively in the foreground: skip the service manager
	// and drive Listen/Close directly so Ctrl+C triggers a graceful
	// shutdown without requiring the service to be installed first.
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("starting listener: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}

	slog.Info("sporketd shut down cleanly")
	return nil
}
