package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	"github.com/frahmantamala/gameshop-ledger/internal/auth"
	"github.com/frahmantamala/gameshop-ledger/internal/marketplace"
	"github.com/frahmantamala/gameshop-ledger/internal/payment"
	"github.com/frahmantamala/gameshop-ledger/internal/payout"
	"github.com/frahmantamala/gameshop-ledger/internal/transport/middleware"
	"github.com/frahmantamala/gameshop-ledger/internal/transport/swagger"
	"github.com/frahmantamala/gameshop-ledger/internal/user"
	"github.com/frahmantamala/gameshop-ledger/internal/wallet"
)

// Handlers groups everything the router mounts. Nil handlers are skipped.
type Handlers struct {
	Webhook        *payment.WebhookHandler
	PayoutCallback *payout.CallbackHandler
	Wallet         *wallet.Handler
	Orders         *payment.OrderHandler
	Payouts        *payout.Handler
	Marketplace    *marketplace.Handler
	Users          *user.Handler
	Redis          redis.Cmdable
	Metrics        http.Handler
	MetricsPath    string
	OpenAPIPath    string
}

func RegisterAllRoutes(router *chi.Mux, db *sqlx.DB, tokens auth.TokenValidator, h Handlers, logger *slog.Logger) {
	healthHandler := NewHealthHandler(db, h.Redis)

	router.Use(middleware.RequestID)
	router.Use(chiMiddleware.RealIP)
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))

	if h.OpenAPIPath != "" {
		router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, h.OpenAPIPath)
		})
		router.Handle("/swagger/*", swagger.Handler())
	}

	if h.Metrics != nil {
		path := h.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, h.Metrics)
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		// provider callbacks authenticate with signatures, not bearer tokens
		r.Route("/webhooks", func(wr chi.Router) {
			if h.PayoutCallback != nil {
				wr.Post("/payouts/{provider}", h.PayoutCallback.Handle)
			}
			if h.Webhook != nil {
				wr.Post("/{provider}", h.Webhook.Handle)
			}
		})

		r.Group(func(pr chi.Router) {
			pr.Use(middleware.Authenticate(tokens))

			if h.Users != nil {
				pr.Get("/me", h.Users.GetCurrentUser)
			}
			if h.Wallet != nil {
				pr.Get("/wallet", h.Wallet.GetBalance)
				pr.Get("/wallet/transactions", h.Wallet.ListTransactions)
			}
			if h.Payouts != nil {
				pr.Post("/wallet/payouts", h.Payouts.Create)
				pr.Get("/wallet/payouts/{id}", h.Payouts.Get)
			}
			if h.Orders != nil {
				pr.Post("/orders/{id}/pay-with-wallet", h.Orders.PayWithWallet)
			}
			if h.Marketplace != nil {
				pr.Route("/marketplace/orders/{id}", func(mr chi.Router) {
					mr.Post("/confirm", h.Marketplace.ConfirmDelivery)
					mr.Post("/dispute", h.Marketplace.OpenDispute)
				})
			}
		})
	})
}
