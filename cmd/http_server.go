package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/gameshop-ledger/internal/auth"
	"github.com/frahmantamala/gameshop-ledger/internal/marketplace"
	"github.com/frahmantamala/gameshop-ledger/internal/payment"
	"github.com/frahmantamala/gameshop-ledger/internal/payout"
	"github.com/frahmantamala/gameshop-ledger/internal/transport/rest"
	"github.com/frahmantamala/gameshop-ledger/internal/transport/swagger"
	"github.com/frahmantamala/gameshop-ledger/internal/user"
	userpg "github.com/frahmantamala/gameshop-ledger/internal/user/postgres"
	"github.com/frahmantamala/gameshop-ledger/internal/wallet"
)

var openAPIPath string

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server for provider webhooks, payout callbacks and wallet endpoints`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func init() {
	httpServerCmd.Flags().StringVar(&openAPIPath, "openapi", "api/openapi.yml", "OpenAPI document served at /openapi.yml (empty disables docs)")
}

func startHTTPServer() {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApplication(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()
	lg := app.Logger

	if openAPIPath != "" {
		if _, err := swagger.LoadSpec(ctx, openAPIPath); err != nil {
			lg.Error("openapi document rejected", "error", err)
			os.Exit(1)
		}
	}

	// an in-memory queue is only visible to this process, so it runs the workers too
	var background func()
	if cfg.Queue.Driver == "memory" {
		lg.Warn("memory queue configured, running workers inside the server")
		background = startBackground(ctx, app)
	}

	handlers := rest.Handlers{
		Webhook:        payment.NewWebhookHandler(app.Verifier, app.DB, app.Queue, app.Metrics),
		PayoutCallback: payout.NewCallbackHandler(app.CallbackVerifier, app.Payouts),
		Wallet:         wallet.NewHandler(app.Wallet),
		Orders:         payment.NewOrderHandler(app.Engine),
		Payouts:        payout.NewHandler(app.Payouts),
		Marketplace:    marketplace.NewHandler(app.Marketplace),
		Users:          user.NewHandler(user.NewService(userpg.NewRepository(app.SQL), app.Logger)),
		OpenAPIPath:    openAPIPath,
	}
	if app.Redis != nil {
		handlers.Redis = app.Redis
	}
	if cfg.Observability.Metrics.Enabled {
		handlers.Metrics = app.Metrics.Handler()
		handlers.MetricsPath = cfg.Observability.Metrics.Path
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, app.SQL, auth.NewTokenService(cfg.Security.JWTSecret, 0), handlers, lg)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		lg.Info("Starting HTTP server", "address", addr)
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		lg.Info("Received signal, shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && err != http.ErrServerClosed {
			lg.Error("Server failed to start", "error", err)
			stop()
		}
	}

	if background != nil {
		background()
	}
	lg.Info("Server stopped")
}
