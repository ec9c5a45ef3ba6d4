/**
 * @description
 * Data access contract for the billing engine. Components in internal/app
 * declare the narrow subset they need; PostgresRepository satisfies all of
 * them.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/revendapro/billing-engine/internal/domain"
)

var (
	ErrClientNotFound          = errors.New("client not found")
	ErrPlanNotFound            = errors.New("plan not found")
	ErrPanelCredentialNotFound = errors.New("panel credential not found")
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrProfileNotFound         = errors.New("profile not found")
	ErrReminderNotFound        = errors.New("reminder not found")
	ErrPlatformPlanNotFound    = errors.New("platform plan not found")
	ErrPlatformPaymentNotFound = errors.New("platform payment not found")
)

// Repository is the full set of queries used by the billing binaries.
type Repository interface {
	LoadRenewalSettings(ctx context.Context) (domain.RenewalSettings, error)
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)

	FindClientByID(ctx context.Context, ownerID, clientID string) (*domain.Client, error)
	FindClientByPaymentToken(ctx context.Context, paymentToken string) (*domain.Client, error)
	FindPlanByID(ctx context.Context, planID string) (*domain.Plan, error)
	FindPanelCredentialByID(ctx context.Context, ownerID, credentialID string) (*domain.PanelCredential, error)
	ExtendClientDueDate(ctx context.Context, clientID string, today time.Time, months int) (time.Time, error)

	FindPaymentByMPPaymentID(ctx context.Context, mpPaymentID string) (*domain.Payment, error)
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	UpdatePaymentStatus(ctx context.Context, mpPaymentID string, update domain.PaymentUpdate) (domain.PaymentStatus, error)
	ApplyApprovedPayment(ctx context.Context, mpPaymentID string, update domain.PaymentUpdate, clientID string, today time.Time, months int) (domain.ApprovalOutcome, error)

	InsertActivityLog(ctx context.Context, entry domain.ActivityLog) error
	EnqueueRenewalRetry(ctx context.Context, entry domain.RenewalRetryEntry) error

	FindActivePlatformPlan(ctx context.Context, planID string) (*domain.PlatformPlan, error)
	LoadAdminGatewayToken(ctx context.Context) (string, error)
	CreatePlatformPayment(ctx context.Context, payment *domain.PlatformPayment) error
	ApplyPlatformPayment(ctx context.Context, platformPaymentID, mpPaymentID string, update domain.PaymentUpdate, now time.Time) (domain.SubscriptionOutcome, error)

	FindDueReminders(ctx context.Context, sendTime string, today time.Time) ([]domain.Reminder, error)
	FindClientsDueOn(ctx context.Context, ownerID string, dueDate time.Time) ([]domain.Client, error)
	MarkReminderSent(ctx context.Context, reminderID string, date time.Time) error
}
