package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/config"
	"github.com/hackgods/clinic-appointment-payments/internal/db"
	"github.com/hackgods/clinic-appointment-payments/internal/housekeeping"
	"github.com/hackgods/clinic-appointment-payments/internal/metrics"
	"github.com/hackgods/clinic-appointment-payments/internal/notify"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel).With("service", "housekeeping-worker", "env", cfg.Env)
	logger.Info("housekeeping worker starting up", "interval", cfg.WorkerInterval)

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

	m := metrics.New(prometheus.NewRegistry())
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

	sweeper := housekeeping.NewSweeper(appointment.NewPgStore(pgPool), notifier, housekeeping.Config{
		PendingGrace:       cfg.PendingGrace,
		CancelledRetention: cfg.CancelledRetention,
		PaymentNudgeAfter:  cfg.PaymentNudgeAfter,
		VideoLinkLead:      cfg.VideoLinkLead,
		BatchSize:          cfg.SweepBatchSize,
	}, logger, m)

	housekeeping.NewWorker(sweeper, cfg.WorkerInterval, logger).Run(rootCtx)
	logger.Info("housekeeping worker stopped")
}
