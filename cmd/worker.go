package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/gameshop-ledger/internal/outbox"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the job workers",
	Long:  `Start the worker pool for reconciliation, marketplace, fulfillment and payout jobs together with the outbox relay`,
	Run: func(cmd *cobra.Command, args []string) {
		startWorker()
	},
}

var (
	payoutSweepInterval time.Duration
	payoutStaleAfter    time.Duration
)

func init() {
	workerCmd.Flags().DurationVar(&payoutSweepInterval, "payout-sweep-interval", time.Minute, "how often stale processing payouts are requeued")
	workerCmd.Flags().DurationVar(&payoutStaleAfter, "payout-stale-after", 10*time.Minute, "age after which a processing payout is requeued")
}

func startWorker() {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Queue.Driver == "memory" {
		fmt.Fprintln(os.Stderr, "worker needs a shared queue; set queue.driver to redis or run the server alone")
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

	shutdown := startBackground(ctx, app)
	app.Logger.Info("worker is running. Press Ctrl+C to stop.")

	<-ctx.Done()
	app.Logger.Info("received signal, shutting down worker")
	shutdown()
}

// startBackground runs the worker pool, the outbox relay and the payout sweep
// until ctx is done. The returned func waits for them to stop.
func startBackground(ctx context.Context, app *application) func() {
	pool := app.workerPool()
	pool.Start(ctx)

	relay := outbox.NewRelay(app.DB, app.Queue, outbox.RelayConfig{Interval: app.Config.Queue.RelayInterval}, app.Metrics, app.Logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sweepPayouts(ctx, app)
	}()

	return func() {
		done := make(chan struct{})
		go func() {
			pool.Shutdown()
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			app.Logger.Info("background workers stopped")
		case <-time.After(30 * time.Second):
			app.Logger.Warn("shutdown timeout reached, forcing exit")
		}
	}
}

func sweepPayouts(ctx context.Context, app *application) {
	interval := payoutSweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := app.Payouts.Requeue(ctx, time.Now().UTC().Add(-payoutStaleAfter))
			if err != nil && ctx.Err() == nil {
				app.Logger.Error("payout sweep failed", "error", err)
				continue
			}
			if n > 0 {
				app.Logger.Info("stale payouts requeued", "count", n)
			}
		}
	}
}
