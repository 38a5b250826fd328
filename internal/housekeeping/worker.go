package housekeeping

import (
	"context"
	"time"

	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

// Worker runs every sweep on a fixed interval until its context ends.
type Worker struct {
	sweeper  *Sweeper
	interval time.Duration
	logger   *logging.Logger
	now      func() time.Time
}

func NewWorker(sweeper *Sweeper, interval time.Duration, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Worker{
		sweeper:  sweeper,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("housekeeping worker started", "interval", w.interval)

	// Run once at startup
	w.RunOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("shutdown signal received, stopping housekeeping worker")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs all sweeps bounded by the worker interval.
func (w *Worker) RunOnce(ctx context.Context) []Report {
	runCtx, cancel := context.WithTimeout(ctx, w.interval)
	defer cancel()

	start := time.Now()
	reports, err := w.sweeper.RunAll(runCtx, w.now())
	if err != nil {
		w.logger.Error("housekeeping run error", "error", err)
	}
	w.logger.Info("housekeeping run complete", "duration", time.Since(start))
	return reports
}
