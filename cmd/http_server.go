package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/listing-payment/api"
	"github.com/frahmantamala/listing-payment/internal"
	"github.com/frahmantamala/listing-payment/internal/auth"
	"github.com/frahmantamala/listing-payment/internal/notification"
	"github.com/frahmantamala/listing-payment/internal/payment"
	"github.com/frahmantamala/listing-payment/internal/transport/rest"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func startHTTPServer() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()
	lg := deps.Logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := api.Load(ctx); err != nil {
		lg.Error("openapi document is invalid", "error", err)
		os.Exit(1)
	}

	health := rest.NewHealthHandler(deps.DB, deps.Gateway)
	if alerts := deps.Config.Observability.Alerts; alerts.Enabled() {
		health.WithAlerts(deps.Notifier, notification.Recipient{
			UserID:      alerts.UserID,
			Email:       alerts.Email,
			PhoneNumber: alerts.PhoneNumber,
			Language:    alerts.Language,
		}, lg)
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, rest.Handlers{
		Auth:    auth.NewHandler(deps.Auth, lg),
		Payment: payment.NewHandler(deps.Payments, lg),
		Webhook: payment.NewWebhookHandler(deps.Payments, lg),
		Health:  health,
		Metrics: deps.Metrics,
	}, lg)

	if deps.Config.Payment.SweepInServer {
		sweeper := payment.NewSweeper(deps.Payments, deps.Config.Payment.SweepInterval, deps.Config.Payment.TimeoutWindow, lg)
		go sweeper.Run(ctx)
	}

	addr := fmt.Sprintf(":%d", deps.Config.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: deps.Config.Server.ReadHeaderTimeout,
		ReadTimeout:       deps.Config.Server.ReadTimeout,
		WriteTimeout:      deps.Config.Server.WriteTimeout,
		IdleTimeout:       deps.Config.Server.IdleTimeout,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		lg.Info("Starting HTTP server", "address", addr, "sweep_in_server", deps.Config.Payment.SweepInServer)
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		lg.Info("Received signal, shutting down...")
		shutdownCtx, cancel := internal.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error("Server failed to start", "error", err)
			deps.Close()
			os.Exit(1)
		}
	}

	lg.Info("Server stopped")
}
