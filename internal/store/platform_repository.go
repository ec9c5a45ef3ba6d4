/**
 * @description
 * Platform subscription queries: the plans resellers buy from the platform,
 * their checkouts, and the profile columns an approved checkout extends.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/revendapro/billing-engine/internal/domain"
)

// FindActivePlatformPlan returns an active platform plan.
func (r *PostgresRepository) FindActivePlatformPlan(ctx context.Context, planID string) (*domain.PlatformPlan, error) {
	var p domain.PlatformPlan
	err := r.db.QueryRow(ctx, `
        SELECT id, name, price, duration_days, max_clients, is_active
        FROM platform_plans
        WHERE id = $1 AND is_active = true
    `, planID).Scan(&p.ID, &p.Name, &p.Price, &p.DurationDays, &p.MaxClients, &p.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlatformPlanNotFound
		}
		return nil, err
	}
	return &p, nil
}

// LoadAdminGatewayToken returns the platform's own Mercado Pago token, or ""
// when the admin has not configured one.
func (r *PostgresRepository) LoadAdminGatewayToken(ctx context.Context) (string, error) {
	var value *string
	err := r.db.QueryRow(ctx, `
        SELECT value
        FROM system_settings
        WHERE key = 'admin_mp_access_token'
    `).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return domain.StringValue(value), nil
}

// CreatePlatformPayment inserts a platform checkout and fills ID and
// CreatedAt.
func (r *PostgresRepository) CreatePlatformPayment(ctx context.Context, payment *domain.PlatformPayment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	return r.db.QueryRow(ctx, `
        INSERT INTO platform_payments (id, user_id, platform_plan_id, amount, status)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING created_at
    `, payment.ID, payment.UserID, payment.PlatformPlanID, payment.Amount, payment.Status,
	).Scan(&payment.CreatedAt)
}

// ApplyPlatformPayment writes the gateway state onto a platform payment.
// The first transition to paid extends the owner's subscription by the
// plan's duration and applies its client limit, in the same transaction.
func (r *PostgresRepository) ApplyPlatformPayment(ctx context.Context, platformPaymentID, mpPaymentID string, update domain.PaymentUpdate, now time.Time) (domain.SubscriptionOutcome, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.SubscriptionOutcome{}, err
	}
	defer tx.Rollback(ctx)

	var outcome domain.SubscriptionOutcome
	var planID string
	err = tx.QueryRow(ctx, `
        SELECT user_id, platform_plan_id, status
        FROM platform_payments
        WHERE id = $1
        FOR UPDATE
    `, platformPaymentID).Scan(&outcome.UserID, &planID, &outcome.Previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SubscriptionOutcome{}, ErrPlatformPaymentNotFound
		}
		return domain.SubscriptionOutcome{}, err
	}

	if _, err := tx.Exec(ctx, `
        UPDATE platform_payments
        SET mp_payment_id = $2, mp_status = $3, status = $4, updated_at = NOW()
        WHERE id = $1
    `, platformPaymentID, mpPaymentID, update.MPStatus, update.Status); err != nil {
		return domain.SubscriptionOutcome{}, err
	}

	if update.Status == domain.PaymentStatusPaid && outcome.Previous != domain.PaymentStatusPaid {
		var days int
		var maxClients *int
		err := tx.QueryRow(ctx, `
            SELECT duration_days, max_clients
            FROM platform_plans
            WHERE id = $1
        `, planID).Scan(&days, &maxClients)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			// The plan was removed after checkout; the payment is still
			// recorded as paid.
		case err != nil:
			return domain.SubscriptionOutcome{}, err
		default:
			var current *time.Time
			err := tx.QueryRow(ctx, "SELECT subscription_end FROM profiles WHERE user_id = $1 FOR UPDATE", outcome.UserID).Scan(&current)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return domain.SubscriptionOutcome{}, ErrProfileNotFound
				}
				return domain.SubscriptionOutcome{}, err
			}
			end := domain.ExtendSubscription(current, now, days)
			if _, err := tx.Exec(ctx, `
                UPDATE profiles
                SET subscription_end = $2, is_active = true, max_clients = COALESCE($3, max_clients)
                WHERE user_id = $1
            `, outcome.UserID, end, maxClients); err != nil {
				return domain.SubscriptionOutcome{}, err
			}
			outcome.SubscriptionEnd = &end
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.SubscriptionOutcome{}, err
	}
	return outcome, nil
}
