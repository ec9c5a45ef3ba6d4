package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlatformPlan is a subscription tier resellers buy from the platform
// itself.
type PlatformPlan struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	DurationDays int             `json:"duration_days"`
	MaxClients   *int            `json:"max_clients,omitempty"`
	IsActive     bool            `json:"is_active"`
}

// PlatformPayment is one checkout for a platform plan. It is paid with the
// admin's gateway account, never a reseller's.
type PlatformPayment struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	PlatformPlanID string          `json:"platform_plan_id"`
	Amount         decimal.Decimal `json:"amount"`
	Status         PaymentStatus   `json:"status"`
	MPPaymentID    *string         `json:"mp_payment_id,omitempty"`
	MPStatus       *string         `json:"mp_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// SubscriptionOutcome is the result of applying a gateway status to a
// platform payment. SubscriptionEnd is set only when this call extended the
// reseller's subscription.
type SubscriptionOutcome struct {
	UserID          string
	Previous        PaymentStatus
	SubscriptionEnd *time.Time
}

// ExtendSubscription returns max(current, now) + days. An expired or missing
// subscription restarts from now.
func ExtendSubscription(current *time.Time, now time.Time, days int) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.AddDate(0, 0, days)
}
