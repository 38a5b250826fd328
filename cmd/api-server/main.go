package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/clinic-appointment-payments/internal/api"
	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/config"
	"github.com/hackgods/clinic-appointment-payments/internal/db"
	"github.com/hackgods/clinic-appointment-payments/internal/housekeeping"
	"github.com/hackgods/clinic-appointment-payments/internal/metrics"
	"github.com/hackgods/clinic-appointment-payments/internal/notify"
	"github.com/hackgods/clinic-appointment-payments/internal/payments"
	"github.com/hackgods/clinic-appointment-payments/internal/reconcile"
	redisclient "github.com/hackgods/clinic-appointment-payments/internal/redis"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel).With("service", "api-server", "env", cfg.Env)
	logger.Info("api-server starting up", "http_port", cfg.HTTPPort, "version", version)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Error("postgres connection error", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// Without Redis bookings still serialize on the database; only the fast
	// rejection of concurrent same-day bookings is lost.
	var (
		locker      redisclient.Locker = redisclient.NoopLocker{}
		redisPinger api.Pinger
	)
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Warn("redis unavailable, booking locks disabled", "error", err)
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("error closing redis", "error", err)
			}
		}()
		locker = redisclient.NewRedisDayLocker(rdb, cfg.LockTTL)
		redisPinger = pingRedis(rdb)
		logger.Info("connected to Redis")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gateway := newGateway(cfg, logger)
	if cfg.MPWebhookSecret == "" {
		logger.Warn("MP_WEBHOOK_SECRET not set, webhook signatures are not verified")
	}
	if cfg.CronSecret == "" {
		logger.Warn("CRON_SECRET not set, cron endpoints are closed")
	}

	notifier := notify.New(notify.Channels{
		WhatsApp: notify.WhatsAppConfig{
			Token:      cfg.WhatsAppToken,
			PhoneID:    cfg.WhatsAppPhoneID,
			APIVersion: cfg.MetaAPIVersion,
			Timeout:    cfg.NotifyTimeout,
		},
		Email: notify.EmailConfig{
			APIKey:    cfg.SendGridAPIKey,
			FromEmail: cfg.SendGridFromEmail,
			FromName:  cfg.SendGridFromName,
		},
	}, logger, m)

	store := appointment.NewPgStore(pgPool)
	svc := appointment.NewService(store, locker, gateway, cfg, logger, m)
	engine := reconcile.NewEngine(store, gateway, notifier, logger, m).
		WithNotificationURL(cfg.PaymentNotificationURL)
	sweeper := housekeeping.NewSweeper(store, notifier, housekeeping.Config{
		PendingGrace:       cfg.PendingGrace,
		CancelledRetention: cfg.CancelledRetention,
		PaymentNudgeAfter:  cfg.PaymentNudgeAfter,
		VideoLinkLead:      cfg.VideoLinkLead,
		BatchSize:          cfg.SweepBatchSize,
	}, logger, m)

	router := api.NewRouter(api.RouterConfig{
		Appointments:   svc,
		Reconciler:     engine,
		Sweeper:        sweeper,
		Postgres:       pgPool,
		Redis:          redisPinger,
		Logger:         logger,
		JWTSecret:      cfg.JWTSecret,
		WebhookSecret:  cfg.MPWebhookSecret,
		CronSecret:     cfg.CronSecret,
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Env:            cfg.Env,
		Version:        version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func newGateway(cfg config.Config, logger *logging.Logger) payments.Gateway {
	if cfg.MPAccessToken == "" {
		logger.Warn("MP_ACCESS_TOKEN not set, using the fake payment gateway")
		return payments.NewFakeGateway(fakeCheckoutURL(cfg), logger)
	}
	return payments.NewMercadoPagoClient(cfg.MPAccessToken, cfg.GatewayTimeout, logger).
		WithBaseURL(cfg.MPBaseURL)
}

func fakeCheckoutURL(cfg config.Config) string {
	if cfg.PaymentSuccessURL != "" {
		return cfg.PaymentSuccessURL
	}
	return "http://localhost:" + cfg.HTTPPort + "/fake-checkout"
}

func pingRedis(rdb *redis.Client) api.Pinger {
	return api.RedisPinger(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
}
