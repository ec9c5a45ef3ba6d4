/**
 * @description
 * Mercado Pago webhook reconciliation. A notification is only a pointer: the
 * payment state is always re-read from the gateway with the owning account's
 * token, written onto the local invoice, and an approval extends the
 * client's due date exactly once.
 *
 * Nothing here is reported to the gateway as a failure. Every internal error
 * is logged and the notification acknowledged, because a non-2xx answer makes
 * the gateway redeliver and repeat side effects.
 */

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/revendapro/billing-engine/internal/domain"
	"github.com/revendapro/billing-engine/internal/store"
	"github.com/revendapro/billing-engine/pkg/mercadopago"
	"github.com/shopspring/decimal"
)

// ErrMalformedNotification is the only error Reconcile returns: the body
// was not JSON.
var ErrMalformedNotification = errors.New("malformed notification body")

// Ack is the webhook response body.
type Ack struct {
	Received bool   `json:"received"`
	Note     string `json:"note,omitempty"`
	Status   string `json:"status,omitempty"`
}

// ReconcileRepository is the data the reconciler reads and writes.
type ReconcileRepository interface {
	FindPaymentByMPPaymentID(ctx context.Context, mpPaymentID string) (*domain.Payment, error)
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
	FindClientByPaymentToken(ctx context.Context, paymentToken string) (*domain.Client, error)
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	UpdatePaymentStatus(ctx context.Context, mpPaymentID string, update domain.PaymentUpdate) (domain.PaymentStatus, error)
	ApplyApprovedPayment(ctx context.Context, mpPaymentID string, update domain.PaymentUpdate, clientID string, today time.Time, months int) (domain.ApprovalOutcome, error)
	FindClientByID(ctx context.Context, ownerID, clientID string) (*domain.Client, error)
	FindPlanByID(ctx context.Context, planID string) (*domain.Plan, error)
}

// PaymentStatusFetcher reads a payment from the gateway.
type PaymentStatusFetcher interface {
	GetPayment(ctx context.Context, accessToken, paymentID string) (*mercadopago.Payment, error)
}

// PanelProvisioner renews a client on its panel without changing the due
// date.
type PanelProvisioner interface {
	ProvisionAfterPayment(ctx context.Context, ownerID, clientID string) (*domain.RenewalResult, error)
}

// Reconciler applies gateway notifications to local payments.
type Reconciler struct {
	repo        ReconcileRepository
	gateway     PaymentStatusFetcher
	provisioner PanelProvisioner
	events      EventPublisher
	clock       *Clock
	logger      *slog.Logger
}

func NewReconciler(repo ReconcileRepository, gateway PaymentStatusFetcher, provisioner PanelProvisioner, events EventPublisher, clock *Clock, logger *slog.Logger) *Reconciler {
	return &Reconciler{repo: repo, gateway: gateway, provisioner: provisioner, events: events, clock: clock, logger: logger}
}

type notificationBody struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	ID     json.RawMessage `json:"id"`
	Data   struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// idString accepts both "123" and 123.
func idString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// NormalizeNotification extracts the gateway payment id from any of the
// supported delivery shapes:
//
//	{"type":"payment","data":{"id":...}}
//	{"action":"payment.updated"|"payment.created","data":{"id":...}}
//	{"id":...} with ?topic=payment (or ?type=payment)
//
// IPN deliveries that carry the id only in the query string
// (?topic=payment&id=...) are accepted too. An empty string means the shape
// was not recognized.
func NormalizeNotification(body []byte, query url.Values) (string, error) {
	var n notificationBody
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &n); err != nil {
			return "", ErrMalformedNotification
		}
	}

	topic := query.Get("topic")
	if topic == "" {
		topic = query.Get("type")
	}

	var paymentID string
	if n.Type == "payment" {
		if id := idString(n.Data.ID); id != "" {
			paymentID = id
		}
	}
	if n.Action == "payment.updated" || n.Action == "payment.created" {
		if id := idString(n.Data.ID); id != "" {
			paymentID = id
		}
	}
	if topic == "payment" {
		if id := idString(n.ID); id != "" {
			paymentID = id
		} else if paymentID == "" {
			if id := strings.TrimSpace(query.Get("id")); id != "" {
				paymentID = id
			} else if id := strings.TrimSpace(query.Get("data.id")); id != "" {
				paymentID = id
			}
		}
	}
	return paymentID, nil
}

// Reconcile processes one notification.
func (r *Reconciler) Reconcile(ctx context.Context, body []byte, query url.Values) (Ack, error) {
	paymentID, err := NormalizeNotification(body, query)
	if err != nil {
		return Ack{}, err
	}
	if paymentID == "" {
		return Ack{Received: true}, nil
	}
	logger := r.logger.With("mp_payment_id", paymentID)

	payment, err := r.repo.FindPaymentByMPPaymentID(ctx, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			if ref := strings.TrimSpace(query.Get(CheckoutReferenceParam)); ref != "" {
				return r.reconcileCheckoutPayment(ctx, logger, paymentID, ref), nil
			}
			logger.Info("notification for unknown payment")
			return Ack{Received: true, Note: "payment not found locally"}, nil
		}
		logger.Error("failed to look up payment", "error", err)
		return Ack{Received: true, Note: "payment lookup failed"}, nil
	}

	token, note := r.ownerToken(ctx, logger, payment.UserID)
	if note != "" {
		return Ack{Received: true, Note: note}, nil
	}
	remote, err := r.gateway.GetPayment(ctx, token, paymentID)
	if err != nil {
		logger.Error("failed to fetch payment from gateway", "error", err)
		return Ack{Received: true, Note: "gateway fetch failed"}, nil
	}
	return r.apply(ctx, logger, paymentID, payment, remote), nil
}

// reconcileCheckoutPayment handles a payment made through a card checkout
// preference, which has no local row until its first notification. The
// gateway payment must carry the checkout's payment token as its external
// reference before a row is recorded for it.
func (r *Reconciler) reconcileCheckoutPayment(ctx context.Context, logger *slog.Logger, paymentID, ref string) Ack {
	client, err := r.repo.FindClientByPaymentToken(ctx, ref)
	if err != nil {
		if errors.Is(err, store.ErrClientNotFound) {
			logger.Info("notification for unknown checkout reference")
			return Ack{Received: true, Note: "payment not found locally"}
		}
		logger.Error("failed to look up checkout client", "error", err)
		return Ack{Received: true, Note: "payment lookup failed"}
	}

	token, note := r.ownerToken(ctx, logger, client.UserID)
	if note != "" {
		return Ack{Received: true, Note: note}
	}
	remote, err := r.gateway.GetPayment(ctx, token, paymentID)
	if err != nil {
		logger.Error("failed to fetch payment from gateway", "error", err)
		return Ack{Received: true, Note: "gateway fetch failed"}
	}
	if remote.ExternalReference != ref {
		logger.Warn("gateway payment does not reference this checkout", "external_reference", remote.ExternalReference)
		return Ack{Received: true, Note: "payment not found locally"}
	}

	mpID := paymentID
	mpStatus := remote.Status
	payment := &domain.Payment{
		ClientID:    client.ID,
		UserID:      client.UserID,
		Amount:      client.PriceValue,
		Status:      domain.PaymentStatusPending,
		MPStatus:    &mpStatus,
		MPPaymentID: &mpID,
		CreatedAt:   r.clock.Now(),
	}
	if remote.TransactionAmount > 0 {
		payment.Amount = decimal.NewFromFloat(remote.TransactionAmount)
	}
	if remote.PaymentMethodID != "" {
		method := remote.PaymentMethodID
		payment.PaymentMethod = &method
	}
	if err := r.repo.CreatePayment(ctx, payment); err != nil {
		logger.Error("failed to record checkout payment", "client_id", client.ID, "error", err)
		return Ack{Received: true, Status: remote.Status, Note: "payment update failed"}
	}
	logger.Info("recorded checkout payment", "client_id", client.ID, "payment_id", payment.ID)

	return r.apply(ctx, logger, paymentID, payment, remote)
}

// ownerToken returns the owner's gateway token, or an ack note explaining
// why there is none.
func (r *Reconciler) ownerToken(ctx context.Context, logger *slog.Logger, userID string) (string, string) {
	profile, err := r.repo.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrProfileNotFound) {
		logger.Error("failed to load owner profile", "user_id", userID, "error", err)
		return "", "profile lookup failed"
	}
	if profile == nil || profile.MercadoPagoAccessToken == "" {
		logger.Warn("owner has no payment gateway token", "user_id", userID)
		return "", "payment gateway not configured"
	}
	return profile.MercadoPagoAccessToken, ""
}

// apply writes the gateway state onto the local payment. An approval and
// the due date extension it pays for commit together; a failure leaves the
// payment unpaid so a redelivery settles it.
func (r *Reconciler) apply(ctx context.Context, logger *slog.Logger, mpPaymentID string, payment *domain.Payment, remote *mercadopago.Payment) Ack {
	update := domain.PaymentUpdate{
		MPStatus: remote.Status,
		Status:   domain.MapGatewayStatus(remote.Status),
	}
	if remote.PaymentMethodID != "" {
		method := remote.PaymentMethodID
		update.PaymentMethod = &method
	}

	if remote.Status != domain.GatewayStatusApproved {
		return r.updateStatus(ctx, logger, mpPaymentID, update)
	}

	client, err := r.repo.FindClientByID(ctx, payment.UserID, payment.ClientID)
	if err != nil {
		if errors.Is(err, store.ErrClientNotFound) {
			logger.Error("approved payment has no client", "client_id", payment.ClientID)
			return r.updateStatus(ctx, logger, mpPaymentID, update)
		}
		logger.Error("failed to load client", "client_id", payment.ClientID, "error", err)
		return Ack{Received: true, Status: remote.Status, Note: "client lookup failed"}
	}
	plan, months := r.planFor(ctx, logger, client)

	outcome, err := r.repo.ApplyApprovedPayment(ctx, mpPaymentID, update, client.ID, r.clock.Today(), months)
	if err != nil {
		logger.Error("failed to settle approved payment", "client_id", client.ID, "error", err)
		return Ack{Received: true, Status: remote.Status, Note: "payment update failed"}
	}
	logger.Info("payment reconciled", "mp_status", remote.Status, "status", update.Status, "previous_status", outcome.Previous)
	if outcome.NewDueDate == nil {
		return Ack{Received: true, Status: remote.Status}
	}
	newDue := outcome.NewDueDate.Format(domain.DateLayout)
	logger.Info("due date extended", "client_id", client.ID, "new_due_date", newDue)

	publishPaymentApproved(ctx, r.events, logger, domain.PaymentApprovedEvent{
		PaymentID:   payment.ID,
		MPPaymentID: mpPaymentID,
		ClientID:    client.ID,
		UserID:      payment.UserID,
		NewDueDate:  newDue,
	})
	r.provision(ctx, logger, payment.UserID, client.ID, plan)

	return Ack{Received: true, Status: remote.Status}
}

func (r *Reconciler) updateStatus(ctx context.Context, logger *slog.Logger, mpPaymentID string, update domain.PaymentUpdate) Ack {
	previous, err := r.repo.UpdatePaymentStatus(ctx, mpPaymentID, update)
	if err != nil {
		logger.Error("failed to update payment", "error", err)
		return Ack{Received: true, Status: update.MPStatus, Note: "payment update failed"}
	}
	logger.Info("payment reconciled", "mp_status", update.MPStatus, "status", update.Status, "previous_status", previous)
	return Ack{Received: true, Status: update.MPStatus}
}

// planFor returns the client's plan and the months an approval buys. A
// missing or unreadable plan buys one month.
func (r *Reconciler) planFor(ctx context.Context, logger *slog.Logger, client *domain.Client) (*domain.Plan, int) {
	if client.PlanID == nil || *client.PlanID == "" {
		return nil, 1
	}
	plan, err := r.repo.FindPlanByID(ctx, *client.PlanID)
	if err != nil {
		logger.Warn("failed to load plan; extending by one month", "plan_id", *client.PlanID, "error", err)
		return nil, 1
	}
	return plan, plan.Months()
}

func (r *Reconciler) provision(ctx context.Context, logger *slog.Logger, ownerID, clientID string, plan *domain.Plan) {
	if plan == nil || plan.PanelCredentialID == nil || *plan.PanelCredentialID == "" || r.provisioner == nil {
		return
	}
	result, err := r.provisioner.ProvisionAfterPayment(ctx, ownerID, clientID)
	if err != nil {
		logger.Error("panel provisioning after payment failed", "client_id", clientID, "error", err)
		return
	}
	if !result.Success {
		logger.Warn("panel provisioning after payment rejected", "client_id", clientID, "error", result.Error, "retry_queued", result.RetryQueued)
	}
}
