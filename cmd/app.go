package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/frahmantamala/gameshop-ledger/internal"
	"github.com/frahmantamala/gameshop-ledger/internal/core/events"
	"github.com/frahmantamala/gameshop-ledger/internal/fulfillment"
	"github.com/frahmantamala/gameshop-ledger/internal/idempotency"
	"github.com/frahmantamala/gameshop-ledger/internal/ledger"
	"github.com/frahmantamala/gameshop-ledger/internal/marketplace"
	"github.com/frahmantamala/gameshop-ledger/internal/metrics"
	"github.com/frahmantamala/gameshop-ledger/internal/payment"
	"github.com/frahmantamala/gameshop-ledger/internal/paymentgateway"
	"github.com/frahmantamala/gameshop-ledger/internal/payout"
	"github.com/frahmantamala/gameshop-ledger/internal/premium"
	"github.com/frahmantamala/gameshop-ledger/internal/queue"
	"github.com/frahmantamala/gameshop-ledger/internal/referral"
	"github.com/frahmantamala/gameshop-ledger/internal/signature"
	"github.com/frahmantamala/gameshop-ledger/internal/wallet"
	walletpg "github.com/frahmantamala/gameshop-ledger/internal/wallet/postgres"
	"github.com/frahmantamala/gameshop-ledger/pkg/logger"
)

// application is the object graph shared by the server, worker and replay commands.
type application struct {
	Config  *internal.Config
	SQL     *sqlx.DB
	DB      *gorm.DB
	Store   *ledger.Store
	Redis   *redis.Client
	Queue   queue.Queue
	Metrics *metrics.Metrics
	Bus     *events.EventBus
	Logger  *slog.Logger

	Verifier         *signature.Verifier
	CallbackVerifier *signature.Verifier

	Wallet      *wallet.Service
	Engine      *payment.Engine
	Marketplace *marketplace.Coordinator
	Fulfillment *fulfillment.Handler
	Payouts     *payout.Service
	Notifier    fulfillment.Notifier
}

func buildApplication(ctx context.Context, cfg *internal.Config) (*application, error) {
	lg := logger.LoggerWrapper()

	sqlDB, gormDB, err := ledger.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	app := &application{
		Config:  cfg,
		SQL:     sqlDB,
		DB:      gormDB,
		Store:   ledger.New(gormDB),
		Metrics: metrics.New(),
		Bus:     events.NewEventBus(lg),
		Logger:  lg,
	}

	var locker idempotency.InflightLocker = idempotency.NoopLocker{}
	if cfg.Redis.Addr != "" {
		app.Redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := app.Redis.Ping(ctx).Err(); err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		locker = idempotency.NewRedisLocker(app.Redis, cfg.Queue.InflightLockTT)
	}

	switch cfg.Queue.Driver {
	case "redis":
		app.Queue = queue.NewRedisQueue(app.Redis, "ledger")
	default:
		app.Queue = queue.NewMemoryQueue(cfg.Queue.QueueSize)
	}

	app.Verifier = signature.NewVerifier(map[string]string{
		paymentgateway.ProviderFedaPay:  cfg.Payment.FedaPay.WebhookSecret,
		paymentgateway.ProviderCinetPay: cfg.Payment.CinetPay.WebhookSecret,
	}, cfg.Payment.SignatureTolerance)
	app.CallbackVerifier = signature.NewVerifier(map[string]string{
		cfg.Payout.Provider: cfg.Payout.CallbackSecret,
	}, cfg.Payment.SignatureTolerance)

	gateway := paymentgateway.NewClient(paymentgateway.Config{
		Providers: map[string]paymentgateway.ProviderConfig{
			paymentgateway.ProviderFedaPay: {
				BaseURL: cfg.Payment.FedaPay.BaseURL,
				APIKey:  cfg.Payment.FedaPay.APIKey,
			},
			paymentgateway.ProviderCinetPay: {
				BaseURL: cfg.Payment.CinetPay.BaseURL,
				APIKey:  cfg.Payment.CinetPay.APIKey,
				SiteID:  cfg.Payment.CinetPay.SiteID,
			},
		},
		RequestTimeout: cfg.Payment.RequestTimeout,
	}, lg)
	transfers := paymentgateway.NewClient(paymentgateway.Config{
		TransferURL:    cfg.Payout.ProviderURL,
		TransferAPIKey: cfg.Payout.APIKey,
		RequestTimeout: cfg.Payout.TransferTimeout,
	}, lg)

	app.Wallet = wallet.NewService(app.Store, walletpg.NewHistoryRepository(sqlDB), cfg.Payment.Currency, app.Metrics, lg)
	dispatcher := fulfillment.NewDispatcher()
	app.Notifier = fulfillment.LogNotifier{Logger: lg}

	app.Engine = payment.NewEngine(payment.Dependencies{
		Store:   app.Store,
		Gateway: gateway,
		Wallet:  app.Wallet,
		Referral: referral.NewService(app.Wallet, referral.Config{
			Rate:           decimal.NewFromFloat(cfg.Referral.Rate),
			EligibleLevels: cfg.Referral.EligibleLevels,
			BonusTTL:       cfg.Referral.BonusTTL,
		}, lg),
		Premium:    premium.NewService(cfg.Premium.Period, lg),
		Dispatcher: dispatcher,
		Shipping:   fulfillment.LogShipping{Logger: lg},
		Locker:     locker,
		EventBus:   app.Bus,
		Metrics:    app.Metrics,
		Logger:     lg,
	}, payment.Config{AmountEpsilon: cfg.Payment.AmountEpsilon})

	app.Marketplace = marketplace.NewCoordinator(app.Store, dispatcher, lg)
	app.Fulfillment = fulfillment.NewHandler(app.Store, fulfillment.LogAllocator{Logger: lg}, fulfillment.LogDeliverer{Logger: lg}, app.Notifier, lg)
	app.Payouts = payout.NewService(app.Store, transfers, app.Wallet, app.Bus, app.Metrics, payout.Config{
		Provider:    cfg.Payout.Provider,
		Currency:    cfg.Payment.Currency,
		MaxAttempts: cfg.Payout.MaxAttempts,
		FeeRate:     decimal.NewFromFloat(cfg.Payout.FeeRate),
	}, lg)
	fulfillment.SubscribeNotifications(app.Bus, app.Notifier, lg)

	return app, nil
}

// workerPool registers every job handler on a pool reading app.Queue.
func (app *application) workerPool() *queue.Pool {
	cfg := app.Config
	pool := queue.NewPool(app.Queue, queue.PoolConfig{
		Workers: cfg.Queue.Workers,
		DefaultPolicy: queue.RetryPolicy{
			MaxAttempts: cfg.Queue.MaxAttempts,
			BackoffBase: cfg.Queue.BackoffBase,
		},
	}, app.Metrics, app.Logger)

	pool.Register(queue.TypePaymentReconcile, app.Engine.HandleJob, nil)
	pool.Register(queue.TypeMarketplaceProcess, app.Marketplace.HandleJob, nil)
	pool.Register(queue.TypeFulfillmentDeliver, app.Fulfillment.Handle, nil)
	// provider attempts are bounded by the payout service, not the queue
	pool.Register(queue.TypePayoutProcess, app.Payouts.HandleJob, &queue.RetryPolicy{
		MaxAttempts: cfg.Payout.MaxAttempts + 2,
		BackoffBase: cfg.Payout.BackoffBase,
	})
	return pool
}

func (app *application) Close() {
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Bus.Drain(drainCtx); err != nil {
		app.Logger.Warn("event handlers still running at shutdown", "error", err)
	}
	if app.Queue != nil {
		if err := app.Queue.Close(); err != nil {
			app.Logger.Error("queue close error", "error", err)
		}
	}
	if app.Redis != nil {
		if err := app.Redis.Close(); err != nil {
			app.Logger.Error("redis close error", "error", err)
		}
	}
	if app.SQL != nil {
		if err := app.SQL.Close(); err != nil {
			app.Logger.Error("database close error", "error", err)
		}
	}
}
