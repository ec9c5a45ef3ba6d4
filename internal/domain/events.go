package domain

// Routing keys published on the billing exchange.
const (
	BillingExchange       = "billing_events"
	EventPaymentApproved  = "billing.payment.approved"
	EventRenewalSucceeded = "billing.renewal.succeeded"
	EventRenewalFailed    = "billing.renewal.failed"
)

// PaymentApprovedEvent is published after an approval extended a due date.
type PaymentApprovedEvent struct {
	PaymentID   string `json:"payment_id"`
	MPPaymentID string `json:"mp_payment_id"`
	ClientID    string `json:"client_id"`
	UserID      string `json:"user_id"`
	NewDueDate  string `json:"new_due_date"`
}

// RenewalOutcomeEvent is published after every renewal attempt.
type RenewalOutcomeEvent struct {
	ClientID   string `json:"client_id"`
	UserID     string `json:"user_id"`
	Provider   string `json:"provider"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	NewDueDate string `json:"new_due_date,omitempty"`
}
