package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/referral-engine/api"
)

func serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the sweep scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	return cmd
}

// runServe starts the server and blocks until SIGINT/SIGTERM.
//
// GRACEFUL SHUTDOWN:
//  1. Stop the sweep scheduler (current batch finishes)
//  2. Stop accepting new connections, wait for active requests (30s)
//  3. Drain in-flight notifications, close the store
func runServe(port int) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if port == 0 {
		port = a.cfg.Server.Port
	}

	scheduler := api.NewSweepScheduler(a.dispatcher, a.cfg.Sweep.Interval, a.logger)
	scheduler.Enabled = a.cfg.Sweep.Enabled

	handler := api.NewHandler(a.engine, a.registrar, a.logger)
	handler.Dispatcher = a.dispatcher
	handler.Notifier = a.notifier
	handler.Scheduler = scheduler
	handler.BotName = a.cfg.Telegram.BotName
	handler.WelcomeText = a.cfg.WelcomeText
	handler.WelcomeImage = a.cfg.Welcome.ImageURL

	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		RequestLog:     true,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if err := scheduler.Start(); err != nil {
		return fmt.Errorf("start sweep scheduler: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("server starting",
			slog.Int("port", port),
			slog.String("store", a.cfg.Store.Driver),
			slog.Int64("reward", a.cfg.Reward.Amount))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			scheduler.Stop()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	a.logger.Info("shutting down server")

	if err := scheduler.Stop(); err != nil {
		a.logger.Warn("scheduler shutdown", slog.String("error", err.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	a.logger.Info("server stopped")
	return nil
}
