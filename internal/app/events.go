package app

import (
	"context"
	"log/slog"

	"github.com/revendapro/billing-engine/internal/domain"
)

// EventPublisher fans billing events out to other systems. Publishing is
// best effort: failures are logged and never change an operation's result.
type EventPublisher interface {
	PublishPaymentApproved(ctx context.Context, event domain.PaymentApprovedEvent) error
	PublishRenewalOutcome(ctx context.Context, event domain.RenewalOutcomeEvent) error
}

func publishRenewalOutcome(ctx context.Context, p EventPublisher, logger *slog.Logger, event domain.RenewalOutcomeEvent) {
	if p == nil {
		return
	}
	if err := p.PublishRenewalOutcome(ctx, event); err != nil {
		logger.Warn("failed to publish renewal outcome", "client_id", event.ClientID, "error", err)
	}
}

func publishPaymentApproved(ctx context.Context, p EventPublisher, logger *slog.Logger, event domain.PaymentApprovedEvent) {
	if p == nil {
		return
	}
	if err := p.PublishPaymentApproved(ctx, event); err != nil {
		logger.Warn("failed to publish payment approval", "payment_id", event.PaymentID, "error", err)
	}
}
