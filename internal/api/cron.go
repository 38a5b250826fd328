package api

import (
	"context"
	"net/http"
	"time"

	"github.com/hackgods/clinic-appointment-payments/internal/housekeeping"
	"github.com/hackgods/clinic-appointment-payments/pkg/logging"
)

type sweepFunc func(ctx context.Context, now time.Time) (housekeeping.Report, error)

// cronHandlers exposes the housekeeping sweeps to an external scheduler.
type cronHandlers struct {
	sweeper *housekeeping.Sweeper
	now     func() time.Time
	logger  *logging.Logger
}

func (h *cronHandlers) cleanup(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.sweeper.ExpireStalePending, h.sweeper.PurgeCancelled)
}

func (h *cronHandlers) reminders(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.sweeper.SendReminders)
}

func (h *cronHandlers) videoLinks(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.sweeper.SendVideoLinks)
}

func (h *cronHandlers) paymentNudges(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.sweeper.SendPaymentNudges)
}

// run executes sweeps in order and stops at the first one that fails outright.
func (h *cronHandlers) run(w http.ResponseWriter, r *http.Request, sweeps ...sweepFunc) {
	now := h.now()
	reports := make([]housekeeping.Report, 0, len(sweeps))
	for _, sweep := range sweeps {
		report, err := sweep(r.Context(), now)
		if err != nil {
			h.logger.Error("cron sweep failed", "error", err, "sweep", report.Sweep)
			writeError(w, http.StatusInternalServerError, "sweep_failed", "sweep could not complete")
			return
		}
		reports = append(reports, report)
	}
	writeJSON(w, http.StatusOK, SweepResponse{Success: true, Reports: reports})
}
