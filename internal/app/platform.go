/**
 * @description
 * Platform subscription billing. Resellers pay the platform for their own
 * access through checkouts on the admin's Mercado Pago account; an approved
 * payment extends the reseller's subscription_end by the plan's duration.
 *
 * The webhook follows the same rules as client reconciliation: the gateway
 * is re-read, every failure is acknowledged, and an approval is applied
 * once.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/revendapro/billing-engine/internal/domain"
	"github.com/revendapro/billing-engine/internal/store"
	"github.com/revendapro/billing-engine/pkg/mercadopago"
)

// ErrPlatformPaymentNotConfigured means the admin has no gateway token.
var ErrPlatformPaymentNotConfigured = errors.New("payment system not configured by admin")

// PlatformRepository is the data platform billing reads and writes.
type PlatformRepository interface {
	FindActivePlatformPlan(ctx context.Context, planID string) (*domain.PlatformPlan, error)
	LoadAdminGatewayToken(ctx context.Context) (string, error)
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	CreatePlatformPayment(ctx context.Context, payment *domain.PlatformPayment) error
	ApplyPlatformPayment(ctx context.Context, platformPaymentID, mpPaymentID string, update domain.PaymentUpdate, now time.Time) (domain.SubscriptionOutcome, error)
}

// PlatformGateway is the admin-side Mercado Pago surface.
type PlatformGateway interface {
	GetPayment(ctx context.Context, accessToken, paymentID string) (*mercadopago.Payment, error)
	CreatePreference(ctx context.Context, accessToken string, req mercadopago.PreferenceRequest) (*mercadopago.Preference, error)
}

// PlatformCheckout is returned to the reseller dashboard.
type PlatformCheckout struct {
	InitPoint string `json:"init_point"`
	PaymentID string `json:"payment_id"`
}

// PlatformConfig holds the URLs embedded in platform checkouts.
type PlatformConfig struct {
	WebhookBaseURL string
	AppBaseURL     string
	ProductName    string
}

// PlatformBilling sells platform plans to resellers.
type PlatformBilling struct {
	repo    PlatformRepository
	gateway PlatformGateway
	clock   *Clock
	config  PlatformConfig
	logger  *slog.Logger
}

func NewPlatformBilling(repo PlatformRepository, gateway PlatformGateway, clock *Clock, cfg PlatformConfig, logger *slog.Logger) *PlatformBilling {
	if cfg.ProductName == "" {
		cfg.ProductName = "GestãoPro"
	}
	return &PlatformBilling{repo: repo, gateway: gateway, clock: clock, config: cfg, logger: logger.With("component", "platform_billing")}
}

func (p *PlatformBilling) adminToken(ctx context.Context) (string, error) {
	token, err := p.repo.LoadAdminGatewayToken(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load admin gateway token: %w", err)
	}
	return strings.TrimSpace(token), nil
}

// CreateCheckout records a pending platform payment for planID and opens a
// hosted checkout for it on the admin's account.
func (p *PlatformBilling) CreateCheckout(ctx context.Context, userID, planID string) (*PlatformCheckout, error) {
	plan, err := p.repo.FindActivePlatformPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	token, err := p.adminToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrPlatformPaymentNotConfigured
	}
	profile, err := p.repo.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrProfileNotFound) {
		return nil, err
	}
	logger := p.logger.With("user_id", userID, "platform_plan_id", plan.ID)

	payment := &domain.PlatformPayment{
		UserID:         userID,
		PlatformPlanID: plan.ID,
		Amount:         plan.Price,
		Status:         domain.PaymentStatusPending,
	}
	if err := p.repo.CreatePlatformPayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to record platform payment: %w", err)
	}

	req := mercadopago.PreferenceRequest{
		Items: []mercadopago.PreferenceItem{{
			Title:      fmt.Sprintf("%s - %s", p.config.ProductName, plan.Name),
			Quantity:   1,
			UnitPrice:  json.Number(plan.Price.StringFixed(2)),
			CurrencyID: "BRL",
		}},
		ExternalReference: payment.ID,
		BackURLs: mercadopago.BackURLs{
			Success: p.config.AppBaseURL + "/dashboard",
			Failure: p.config.AppBaseURL + "/dashboard/renew-plan",
			Pending: p.config.AppBaseURL + "/dashboard",
		},
		AutoReturn: "approved",
	}
	if p.config.WebhookBaseURL != "" {
		req.NotificationURL = strings.TrimSuffix(p.config.WebhookBaseURL, "/") + "/webhooks/mercadopago/platform"
	}
	if profile != nil && (profile.Email != "" || profile.Name != "") {
		req.Payer = &mercadopago.PreferencePayer{Email: profile.Email, FirstName: profile.Name}
	}

	pref, err := p.gateway.CreatePreference(ctx, token, req)
	if err != nil {
		logger.Error("failed to create platform checkout", "platform_payment_id", payment.ID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	logger.Info("platform checkout created", "platform_payment_id", payment.ID)

	return &PlatformCheckout{InitPoint: pref.InitPoint, PaymentID: payment.ID}, nil
}

// Reconcile processes one platform payment notification. The gateway
// payment's external reference is the local platform payment id.
func (p *PlatformBilling) Reconcile(ctx context.Context, body []byte, query url.Values) (Ack, error) {
	paymentID, err := NormalizeNotification(body, query)
	if err != nil {
		return Ack{}, err
	}
	if paymentID == "" {
		return Ack{Received: true}, nil
	}
	logger := p.logger.With("mp_payment_id", paymentID)

	token, err := p.adminToken(ctx)
	if err != nil {
		logger.Error("failed to load admin gateway token", "error", err)
		return Ack{Received: true, Note: "payment gateway not configured"}, nil
	}
	if token == "" {
		logger.Warn("platform notification without admin gateway token")
		return Ack{Received: true, Note: "payment gateway not configured"}, nil
	}

	remote, err := p.gateway.GetPayment(ctx, token, paymentID)
	if err != nil {
		logger.Error("failed to fetch payment from gateway", "error", err)
		return Ack{Received: true, Note: "gateway fetch failed"}, nil
	}
	if remote.ExternalReference == "" {
		logger.Info("platform payment without external reference")
		return Ack{Received: true, Status: remote.Status, Note: "payment not found locally"}, nil
	}

	update := domain.PaymentUpdate{MPStatus: remote.Status, Status: domain.MapGatewayStatus(remote.Status)}
	outcome, err := p.repo.ApplyPlatformPayment(ctx, remote.ExternalReference, paymentID, update, p.clock.Now())
	if err != nil {
		if errors.Is(err, store.ErrPlatformPaymentNotFound) {
			logger.Info("notification for unknown platform payment", "platform_payment_id", remote.ExternalReference)
			return Ack{Received: true, Status: remote.Status, Note: "payment not found locally"}, nil
		}
		logger.Error("failed to update platform payment", "platform_payment_id", remote.ExternalReference, "error", err)
		return Ack{Received: true, Status: remote.Status, Note: "payment update failed"}, nil
	}
	logger.Info("platform payment reconciled", "platform_payment_id", remote.ExternalReference, "mp_status", remote.Status, "previous_status", outcome.Previous)
	if outcome.SubscriptionEnd != nil {
		logger.Info("subscription extended", "user_id", outcome.UserID, "subscription_end", outcome.SubscriptionEnd.Format(time.RFC3339))
	}

	return Ack{Received: true, Status: remote.Status}, nil
}
