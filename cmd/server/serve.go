package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run scheduled reconciliation and the status API",
	Long: `Run reconciliation cycles on SYNC_SCHEDULE and serve the status API.

On SIGINT or SIGTERM the scheduler stops, the operation queue drains for up
to SERVER_SHUTDOWN_TIMEOUT and the HTTP server shuts down.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.EnsureSchema(ctx, a.registry); err != nil {
			return err
		}

		scheduler, err := core.NewScheduler(a.service, cfg.Sync.Schedule, cfg.Sync.RunOnStart)
		if err != nil {
			return err
		}
		// Cycles must not be cut short by the signal context; Stop waits for them.
		if err := scheduler.Start(context.WithoutCancel(ctx)); err != nil {
			return err
		}

		server := web.NewServer(a.service, cfg)
		serverErr := make(chan error, 1)
		go func() {
			slog.Info("server starting", "addr", cfg.Server.Addr())
			serverErr <- server.Start()
		}()

		select {
		case <-ctx.Done():
			slog.Info("shutting down...")
		case err := <-serverErr:
			if !errors.Is(err, http.ErrServerClosed) {
				scheduler.Stop()
				return fmt.Errorf("server: %w", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		select {
		case <-scheduler.Stop().Done():
		case <-shutdownCtx.Done():
			slog.Warn("running cycle did not finish before shutdown timeout")
		}

		status := a.service.QueueStatus()
		if status.Pending+status.Processing > 0 {
			slog.Info("waiting for queue to drain", "pending", status.Pending, "processing", status.Processing)
			if a.service.WaitForCompletion(cfg.Server.ShutdownTimeout) {
				slog.Info("queue drained")
			} else {
				slog.Warn("queue did not drain in time", "status", a.service.QueueStatus())
			}
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
		slog.Info("server stopped")
		return nil
	},
}
