package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mwork/wallet-ledger/internal/config"
	"github.com/mwork/wallet-ledger/internal/domain/wallet"
	"github.com/mwork/wallet-ledger/internal/pkg/database"
	"github.com/mwork/wallet-ledger/internal/pkg/logger"
	"github.com/mwork/wallet-ledger/internal/pkg/metrics"
)

// Wake-ups arriving closer together than this share one sweep.
const minSweepGap = 10 * time.Second

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "reconcile-worker"})

	log.Info().Dur("interval", cfg.WalletReconcileInterval).Msg("Starting reconcile-worker")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	var gauge wallet.DiscrepancyGauge
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		m, err := metrics.NewLedger(prometheus.DefaultRegisterer)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to register metrics")
		}
		gauge = m
		metricsServer = &http.Server{
			Addr:              ":" + cfg.WorkerMetricsPort,
			Handler:           metrics.Handler(healthCheck(db, rdb)),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server error")
			}
		}()
	}

	reconciler := wallet.NewReconciler(wallet.NewRepository(db), gauge)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake := make(chan struct{}, 1)
	go subscribeWakeups(ctx, rdb, wake)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	interval := cfg.WalletReconcileInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweep(ctx, reconciler)
	lastSweep := time.Now()

	for {
		select {
		case <-ctx.Done():
			if metricsServer != nil {
				shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				_ = metricsServer.Shutdown(shutdownCtx)
				stop()
			}
			log.Info().Msg("reconcile-worker stopped")
			return
		case <-wake:
			if time.Since(lastSweep) < minSweepGap {
				continue
			}
		case <-ticker.C:
		}

		sweep(ctx, reconciler)
		lastSweep = time.Now()
	}
}

func sweep(ctx context.Context, r *wallet.Reconciler) {
	start := time.Now()
	found, err := r.Sweep(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("Reconcile sweep failed")
		}
		return
	}

	ev := log.Info()
	if len(found) > 0 {
		ev = log.Warn()
	}
	ev.Int("discrepancies", len(found)).Dur("took", time.Since(start)).Msg("Reconcile sweep done")
}

// subscribeWakeups turns ledger gap notifications into immediate sweeps.
// The ticker stays the main mechanism.
func subscribeWakeups(ctx context.Context, rdb *redis.Client, wake chan<- struct{}) {
	sub := rdb.Subscribe(ctx, wallet.ReconcileChannel)
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			log.Warn().Str("wallet_id", msg.Payload).Msg("Ledger gap reported")
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}
}

func healthCheck(db *sqlx.DB, rdb *redis.Client) metrics.HealthFunc {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		return rdb.Ping(ctx).Err()
	}
}
