/**
 * @description
 * Scheduled job implementations for the scheduler binary.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/revendapro/billing-engine/internal/domain"
)

// BillingClient triggers work on billing-api.
type BillingClient interface {
	DispatchReminders(ctx context.Context) (*domain.DispatchSummary, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	billing BillingClient
	logger  *slog.Logger
	timeout time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(billing BillingClient, logger *slog.Logger) *Jobs {
	return &Jobs{billing: billing, logger: logger, timeout: 10 * time.Minute}
}

// DispatchReminders triggers one reminder sweep.
func (j *Jobs) DispatchReminders() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	summary, err := j.billing.DispatchReminders(ctx)
	if err != nil {
		j.logger.Error("failed to dispatch reminders", "error", err)
		return
	}

	if summary.Reminders == 0 {
		j.logger.Debug("no reminders due", "time", summary.Time)
		return
	}
	j.logger.Info("reminder dispatch finished", "time", summary.Time, "date", summary.Date, "reminders", summary.Reminders, "sent", summary.Sent)
}
