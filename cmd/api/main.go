package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/mwork/wallet-ledger/internal/config"
	"github.com/mwork/wallet-ledger/internal/domain/wallet"
	"github.com/mwork/wallet-ledger/internal/middleware"
	"github.com/mwork/wallet-ledger/internal/pkg/database"
	"github.com/mwork/wallet-ledger/internal/pkg/jwt"
	"github.com/mwork/wallet-ledger/internal/pkg/kafka"
	"github.com/mwork/wallet-ledger/internal/pkg/lockgate"
	"github.com/mwork/wallet-ledger/internal/pkg/logger"
	"github.com/mwork/wallet-ledger/internal/pkg/metrics"
	pkgresponse "github.com/mwork/wallet-ledger/internal/pkg/response"
)

func main() {
	cfg := config.Load()
	logger.Init(logger.Config{Level: cfg.LogLevel, Environment: cfg.Env, Service: "wallet-api"})

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().
		Str("env", cfg.Env).
		Str("port", cfg.Port).
		Msg("Starting wallet ledger API")

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer database.ClosePostgres(db)

	if cfg.MigrationsDir != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		err := database.Migrate(ctx, db, os.DirFS(cfg.MigrationsDir))
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to apply migrations")
		}
	}

	rdb, err := database.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer database.CloseRedis(rdb)

	svc, err := buildWalletService(cfg, wallet.NewRepository(db), rdb)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build wallet service")
	}

	var ledgerWriter *kafka.Writer
	if cfg.KafkaEnabled() {
		ledgerWriter = kafka.NewWriter(cfg.KafkaBrokers, cfg.KafkaLedgerTopic)
		svc.WithPublisher(wallet.NewKafkaPublisher(ledgerWriter))
		log.Info().Str("topic", cfg.KafkaLedgerTopic).Msg("Publishing ledger events to Kafka")
	}

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)
	r := newRouter(cfg, wallet.NewHandler(svc), middleware.Auth(jwtService), healthCheck(db, rdb))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if ledgerWriter != nil {
		if err := ledgerWriter.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing Kafka writer")
		}
	}

	log.Info().Msg("Server exited properly")
}

func buildWalletService(cfg *config.Config, store wallet.Store, rdb *redis.Client) (*wallet.Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	svc, err := wallet.NewService(store, lockgate.NewRedisRegistry(rdb, cfg.WalletLockTTL), wallet.Config{
		SignatureSecret: cfg.WalletSignatureSecret,
		DailyTopupLimit: cfg.WalletDailyTopupLimit,
		DebitRateLimit:  cfg.WalletDebitRateLimit,
		DebitRateWindow: cfg.WalletDebitRateWindow,
		DefaultCurrency: cfg.WalletDefaultCurrency,
		Location:        loc,
	})
	if err != nil {
		return nil, err
	}
	svc.WithGapNotifier(wallet.NewRedisGapNotifier(rdb))

	if cfg.MetricsEnabled {
		m, err := metrics.NewLedger(prometheus.DefaultRegisterer)
		if err != nil {
			return nil, err
		}
		svc.WithMetrics(m)
	}
	return svc, nil
}

func healthCheck(db *sqlx.DB, rdb *redis.Client) metrics.HealthFunc {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		return rdb.Ping(ctx).Err()
	}
}

func newRouter(cfg *config.Config, walletHandler *wallet.Handler, authMiddleware func(http.Handler) http.Handler, health metrics.HealthFunc) chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	r.Use(middleware.CORSHandler(cfg.AllowedOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if health != nil {
			if err := health(ctx); err != nil {
				pkgresponse.ServiceUnavailable(w, "UNHEALTHY", err.Error())
				return
			}
		}
		pkgresponse.OK(w, map[string]string{"status": "ok"})
	})
	if cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler(nil))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
			pkgresponse.OK(w, map[string]string{"message": "pong"})
		})

		r.Mount("/wallet", walletHandler.OwnerRoutes(authMiddleware))
		r.Mount("/wallets", walletHandler.LedgerRoutes(authMiddleware))
	})

	return r
}
