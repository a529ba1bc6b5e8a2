package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taolaktech/amplify-wallet/internal/audit"
	"github.com/taolaktech/amplify-wallet/internal/auth"
	"github.com/taolaktech/amplify-wallet/internal/billing"
	"github.com/taolaktech/amplify-wallet/internal/config"
	"github.com/taolaktech/amplify-wallet/internal/events"
	"github.com/taolaktech/amplify-wallet/internal/httpapi"
	"github.com/taolaktech/amplify-wallet/internal/idempotency"
	"github.com/taolaktech/amplify-wallet/internal/ledger"
	"github.com/taolaktech/amplify-wallet/internal/metrics"
	"github.com/taolaktech/amplify-wallet/internal/payment"
	"github.com/taolaktech/amplify-wallet/internal/reconcile"
	"github.com/taolaktech/amplify-wallet/internal/recorder"
	"github.com/taolaktech/amplify-wallet/internal/reporting"
	"github.com/taolaktech/amplify-wallet/internal/wallet"
	"github.com/taolaktech/amplify-wallet/pkg/logger"
	"github.com/taolaktech/amplify-wallet/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env is normal outside local development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Error(".env load failed", "err", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{
		MaxOpenConns: cfg.DB.MaxOpenConns,
	})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := ledger.Migrate(rootCtx, db); err != nil {
		log.Error("ledger migration failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	var publisher events.Publisher = events.Nop{}
	if cfg.Kafka.Enabled() {
		publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		log.Info("publishing transaction events", "topic", cfg.Kafka.Topic)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error("event publisher close failed", "err", err)
		}
	}()

	store := ledger.NewPostgresStore(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))
	wallets := wallet.NewManager(store, cfg.Billing.Currency, auditSvc, log)
	rec := recorder.New()
	guard := idempotency.NewGuard(store, idempotency.NewRedisCache(rdb), idempotency.Options{
		TTL:      cfg.Billing.IdempotencyTTL,
		Logger:   log,
		Observer: m,
	})
	gateway := payment.NewStripeGateway(cfg.Stripe.SecretKey, payment.StripeOptions{
		CallTimeout: cfg.Stripe.CallTimeout,
		Observer:    m,
	})

	var limiter billing.Limiter
	if cfg.Billing.MaxConcurrentTopUps > 0 {
		// A slot outlives the slowest charge so a crashed request cannot pin it.
		rl, err := billing.NewRedisLimiter(rdb, cfg.Billing.MaxConcurrentTopUps, cfg.Stripe.CallTimeout+30*time.Second, log)
		if err != nil {
			log.Error("top-up limiter init failed", "err", err)
			os.Exit(1)
		}
		limiter = rl
	}

	svc := billing.NewService(billing.Config{
		Currency:         cfg.Billing.Currency,
		MinTopUp:         cfg.Billing.MinTopUp,
		MinCampaignDebit: cfg.Billing.MinCampaignDebit,
	}, billing.Deps{
		Store:     store,
		Wallets:   wallets,
		Recorder:  rec,
		Guard:     guard,
		Gateway:   gateway,
		Publisher: publisher,
		Limiter:   limiter,
		Metrics:   m,
		Audit:     auditSvc,
		Logger:    log,
	})

	dispatcher := reconcile.NewDispatcher(reconcile.Deps{
		Store:     store,
		Wallets:   wallets,
		Recorder:  rec,
		Gateway:   gateway,
		Publisher: publisher,
		Observer:  m,
		Guard:     guard,
		Logger:    log,
	})

	sweeper := reconcile.NewSweeper(store, gateway, dispatcher, reconcile.SweeperOptions{
		Interval:   cfg.Billing.SweepInterval,
		StaleAfter: cfg.Billing.SweepStaleAfter,
		BatchSize:  cfg.Billing.SweepBatchSize,
		Workers:    cfg.Billing.SweepWorkers,
		Logger:     log,
	})
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(rootCtx)
	}()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, auth.RequireAccessToken(authManager), routeDeps{
		DB:    db,
		Redis: rdb,
		Handler: httpapi.Handlers{
			Billing:   svc,
			Wallets:   wallets,
			Reporting: reporting.NewService(store, cfg.Billing.Currency),
			Audit:     auditSvc,
		},
		Webhook: httpapi.StripeWebhookHandler{
			Verifier:   payment.NewStripeWebhook(cfg.Stripe.WebhookSecret),
			Dispatcher: dispatcher,
		},
		Balance: svc,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	select {
	case <-sweepDone:
	case <-shutdownCtx.Done():
		log.Warn("sweeper did not stop before shutdown deadline")
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
