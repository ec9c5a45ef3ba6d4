/**
 * @description
 * Checkout generation for the public payment page: a PIX charge plus a card
 * checkout preference on the owner's Mercado Pago account. The PIX charge is
 * recorded locally as a pending payment; card payments are recorded by the
 * reconciler when their first notification arrives.
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

	"github.com/google/uuid"
	"github.com/revendapro/billing-engine/internal/domain"
	"github.com/revendapro/billing-engine/internal/store"
	"github.com/revendapro/billing-engine/pkg/mercadopago"
	"github.com/shopspring/decimal"
)

// CheckoutReferenceParam is the webhook query parameter that carries a card
// checkout's payment token back to the reconciler.
const CheckoutReferenceParam = "ref"

var (
	ErrPaymentNotConfigured = errors.New("payment not configured")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
)

// CheckoutRepository is the data checkout reads and writes.
type CheckoutRepository interface {
	FindClientByPaymentToken(ctx context.Context, paymentToken string) (*domain.Client, error)
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	CreatePayment(ctx context.Context, payment *domain.Payment) error
}

// CheckoutGateway creates charges on Mercado Pago.
type CheckoutGateway interface {
	CreatePixPayment(ctx context.Context, accessToken, idempotencyKey string, req mercadopago.PixPaymentRequest) (*mercadopago.Payment, error)
	CreatePreference(ctx context.Context, accessToken string, req mercadopago.PreferenceRequest) (*mercadopago.Preference, error)
}

// PixCheckout is the PIX half of a checkout.
type PixCheckout struct {
	QRCode       *string `json:"qr_code"`
	QRCodeBase64 *string `json:"qr_code_base64"`
	TicketURL    *string `json:"ticket_url"`
}

// CardCheckout is the card half of a checkout.
type CardCheckout struct {
	CheckoutURL *string `json:"checkout_url"`
	SandboxURL  *string `json:"sandbox_url"`
}

// CheckoutResult is returned to the payment page.
type CheckoutResult struct {
	Pix       PixCheckout  `json:"pix"`
	Card      CardCheckout `json:"card"`
	PaymentID string       `json:"payment_id"`
}

// PublicPaymentPage is what an unauthenticated payer may see. It never
// carries gateway credentials.
type PublicPaymentPage struct {
	ClientName  string             `json:"client_name"`
	PlanName    string             `json:"plan_name,omitempty"`
	DueDate     *string            `json:"due_date"`
	PriceValue  decimal.Decimal    `json:"price_value"`
	IsActive    bool               `json:"is_active"`
	PaymentType domain.PaymentType `json:"payment_type"`
	PixKey      string             `json:"pix_key,omitempty"`
}

// CheckoutConfig holds the URLs embedded in gateway requests.
type CheckoutConfig struct {
	WebhookBaseURL       string
	PublicPaymentBaseURL string
}

// CheckoutService builds checkouts and public payment pages.
type CheckoutService struct {
	repo    CheckoutRepository
	gateway CheckoutGateway
	config  CheckoutConfig
	logger  *slog.Logger
}

func NewCheckoutService(repo CheckoutRepository, gateway CheckoutGateway, cfg CheckoutConfig, logger *slog.Logger) *CheckoutService {
	return &CheckoutService{repo: repo, gateway: gateway, config: cfg, logger: logger}
}

// PublicPage returns the payment page data for a payment token.
func (s *CheckoutService) PublicPage(ctx context.Context, paymentToken string) (*PublicPaymentPage, error) {
	client, err := s.repo.FindClientByPaymentToken(ctx, paymentToken)
	if err != nil {
		return nil, err
	}
	page := &PublicPaymentPage{
		ClientName:  client.Name,
		PlanName:    client.PlanName,
		PriceValue:  client.PriceValue,
		IsActive:    client.IsActive,
		PaymentType: client.PaymentType,
	}
	if client.DueDate != nil {
		due := client.DueDate.Format(domain.DateLayout)
		page.DueDate = &due
	}
	if client.PaymentType == domain.PaymentTypePix {
		profile, err := s.repo.GetProfile(ctx, client.UserID)
		if err != nil && !errors.Is(err, store.ErrProfileNotFound) {
			return nil, err
		}
		if profile != nil {
			page.PixKey = profile.PixKey
		}
	}
	return page, nil
}

func description(client *domain.Client) string {
	if client.PlanName != "" {
		return fmt.Sprintf("Pagamento - %s (%s)", client.Name, client.PlanName)
	}
	return "Pagamento - " + client.Name
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Checkout creates a PIX charge and a card preference for the client behind
// paymentToken. origin, when set, is where the card checkout returns to.
func (s *CheckoutService) Checkout(ctx context.Context, paymentToken, origin string) (*CheckoutResult, error) {
	client, err := s.repo.FindClientByPaymentToken(ctx, paymentToken)
	if err != nil {
		return nil, err
	}
	profile, err := s.repo.GetProfile(ctx, client.UserID)
	if err != nil && !errors.Is(err, store.ErrProfileNotFound) {
		return nil, err
	}
	if profile == nil || profile.MercadoPagoAccessToken == "" {
		return nil, ErrPaymentNotConfigured
	}
	token := profile.MercadoPagoAccessToken
	logger := s.logger.With("client_id", client.ID, "user_id", client.UserID)

	webhookURL, cardWebhookURL := "", ""
	if s.config.WebhookBaseURL != "" {
		webhookURL = strings.TrimSuffix(s.config.WebhookBaseURL, "/") + "/webhooks/mercadopago"
		cardWebhookURL = webhookURL + "?" + url.Values{CheckoutReferenceParam: {paymentToken}}.Encode()
	}
	amount := json.Number(client.PriceValue.StringFixed(2))
	desc := description(client)

	pix, err := s.gateway.CreatePixPayment(ctx, token, fmt.Sprintf("pix-%s-%s", paymentToken, uuid.NewString()), mercadopago.PixPaymentRequest{
		TransactionAmount: amount,
		Description:       desc,
		PaymentMethodID:   "pix",
		Payer:             mercadopago.Payer{Email: fmt.Sprintf("client_%s@payment.local", client.ID)},
		NotificationURL:   webhookURL,
		ExternalReference: paymentToken,
	})
	if err != nil {
		logger.Error("failed to create pix payment", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	returnBase := strings.TrimSuffix(origin, "/")
	if returnBase == "" {
		returnBase = s.config.PublicPaymentBaseURL
	}
	payPage := fmt.Sprintf("%s/pay/%s", returnBase, paymentToken)

	result := &CheckoutResult{PaymentID: pix.ID.String()}
	data := pix.PointOfInteraction.TransactionData
	result.Pix = PixCheckout{QRCode: optional(data.QRCode), QRCodeBase64: optional(data.QRCodeBase64), TicketURL: optional(data.TicketURL)}

	pref, err := s.gateway.CreatePreference(ctx, token, mercadopago.PreferenceRequest{
		Items: []mercadopago.PreferenceItem{{
			Title:      desc,
			Quantity:   1,
			UnitPrice:  amount,
			CurrencyID: "BRL",
		}},
		ExternalReference: paymentToken,
		NotificationURL:   cardWebhookURL,
		BackURLs: mercadopago.BackURLs{
			Success: payPage + "?status=success",
			Failure: payPage + "?status=failure",
			Pending: payPage + "?status=pending",
		},
		AutoReturn: "approved",
	})
	if err != nil {
		logger.Warn("failed to create card checkout; returning pix only", "error", err)
	} else {
		result.Card = CardCheckout{CheckoutURL: optional(pref.InitPoint), SandboxURL: optional(pref.SandboxInitPoint)}
	}

	mpStatus := pix.Status
	if mpStatus == "" {
		mpStatus = string(domain.PaymentStatusPending)
	}
	mpID := pix.ID.String()
	method := "pix"
	payment := &domain.Payment{
		ClientID:      client.ID,
		UserID:        client.UserID,
		Amount:        client.PriceValue,
		Status:        domain.PaymentStatusPending,
		MPStatus:      &mpStatus,
		MPPaymentID:   &mpID,
		PaymentMethod: &method,
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		logger.Error("failed to record pending payment", "mp_payment_id", mpID, "error", err)
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}
	logger.Info("checkout created", "mp_payment_id", mpID)

	return result, nil
}
