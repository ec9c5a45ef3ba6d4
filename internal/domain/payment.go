package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the local invoice vocabulary.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusRejected  PaymentStatus = "rejected"
	PaymentStatusCancelled PaymentStatus = "cancelled"
)

// GatewayStatusApproved is the Mercado Pago status that settles an invoice.
const GatewayStatusApproved = "approved"

// Payment is one checkout attempt. Only the reconciler mutates it.
type Payment struct {
	ID            string          `json:"id"`
	ClientID      string          `json:"client_id"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        PaymentStatus   `json:"status"`
	MPStatus      *string         `json:"mp_status,omitempty"`
	MPPaymentID   *string         `json:"mp_payment_id,omitempty"`
	PaymentMethod *string         `json:"payment_method,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PaymentUpdate is the overwrite applied from the gateway's payment detail.
type PaymentUpdate struct {
	MPStatus      string
	Status        PaymentStatus
	PaymentMethod *string
}

// MapGatewayStatus translates a Mercado Pago payment status into the local
// vocabulary.
func MapGatewayStatus(gatewayStatus string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(gatewayStatus)) {
	case GatewayStatusApproved:
		return PaymentStatusPaid
	case "rejected":
		return PaymentStatusRejected
	case "cancelled", "refunded", "charged_back":
		return PaymentStatusCancelled
	default:
		return PaymentStatusPending
	}
}

// ApprovalOutcome is the result of settling an approved payment. NewDueDate
// is nil when the payment was already paid and nothing was extended.
type ApprovalOutcome struct {
	Previous   PaymentStatus
	NewDueDate *time.Time
}
