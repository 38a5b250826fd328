package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hackgods/clinic-appointment-payments/internal/appointment"
	"github.com/hackgods/clinic-appointment-payments/internal/auth"
	"github.com/hackgods/clinic-appointment-payments/internal/housekeeping"
	"github.com/hackgods/clinic-appointment-payments/internal/reconcile"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

type RouterConfig struct {
	Appointments *appointment.Service
	Reconciler   *reconcile.Engine
	Sweeper      *housekeeping.Sweeper

	Postgres Pinger
	Redis    Pinger

	Logger         *logging.Logger
	JWTSecret      string
	WebhookSecret  string
	CronSecret     string
	MetricsHandler http.Handler
	Now            func() time.Time

	Env     string
	Version string
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Postgres, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	appts := &appointmentHandlers{svc: cfg.Appointments, logger: cfg.Logger}
	hours := &businessHoursHandlers{svc: cfg.Appointments, logger: cfg.Logger}
	pays := &paymentHandlers{
		svc:           cfg.Appointments,
		engine:        cfg.Reconciler,
		webhookSecret: cfg.WebhookSecret,
		logger:        cfg.Logger,
	}

	// Public: processor callbacks and the booking page's slot picker.
	r.Post("/webhooks/mercado-pago", pays.webhook)
	r.Get("/payments/check-status", pays.checkStatus)
	r.Get("/business-hours/available-slots", hours.availableSlots)

	if cfg.Sweeper != nil {
		cron := &cronHandlers{sweeper: cfg.Sweeper, now: cfg.Now, logger: cfg.Logger}
		r.Route("/cron", func(r chi.Router) {
			r.Use(CronAuthMiddleware(cfg.CronSecret))
			// Schedulers differ on the verb, so both are accepted.
			for path, h := range map[string]http.HandlerFunc{
				"/cleanup-appointments": cron.cleanup,
				"/send-reminders":       cron.reminders,
				"/send-video-link":      cron.videoLinks,
				"/payment-nudges":       cron.paymentNudges,
			} {
				r.Get(path, h)
				r.Post(path, h)
			}
		})
	}

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.JWTSecret))

		r.Post("/appointments", appts.create)
		r.Get("/appointments", appts.list)
		r.Get("/appointments/{id}", appts.get)
		r.Patch("/appointments/{id}", appts.update)
		r.Delete("/appointments/{id}", appts.cancel)
		r.Post("/appointments/{id}/complete", appts.complete)

		r.Post("/payments/process", pays.process)
		r.Get("/payments/{id}/status", pays.get)

		r.Get("/business-hours/{doctorId}", hours.get)
		r.Put("/business-hours/{doctorId}", hours.put)
	})

	return r
}
