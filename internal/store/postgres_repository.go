/**
 * @description
 * PostgreSQL implementation of Repository. Sensitive columns
 * (clients.whatsapp_number, panel_credentials.password) may be stored as
 * field codec tokens and are decrypted on read.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver and pool.
 * - internal/fieldcodec: at-rest decryption.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/revendapro/billing-engine/internal/domain"
	"github.com/revendapro/billing-engine/internal/fieldcodec"
)

// Fallbacks used when system_settings has no renewal rows.
type SettingsFallback struct {
	RenewalAPIURL string
	RenewalAPIKey string
}

// PostgresRepository is the pgx-backed Repository.
type PostgresRepository struct {
	db       *pgxpool.Pool
	codec    *fieldcodec.Codec
	fallback SettingsFallback
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a repository. codec may be nil when no
// encryption key is configured; stored values are then returned as-is.
func NewPostgresRepository(db *pgxpool.Pool, codec *fieldcodec.Codec, fallback SettingsFallback) *PostgresRepository {
	return &PostgresRepository{db: db, codec: codec, fallback: fallback}
}

// LoadRenewalSettings reads renewal_api_url and renewal_api_key once.
func (r *PostgresRepository) LoadRenewalSettings(ctx context.Context) (domain.RenewalSettings, error) {
	rows, err := r.db.Query(ctx, `
        SELECT key, value
        FROM system_settings
        WHERE key IN ('renewal_api_url', 'renewal_api_key')
    `)
	if err != nil {
		return domain.RenewalSettings{}, err
	}
	defer rows.Close()

	settings := domain.RenewalSettings{}
	for rows.Next() {
		var key string
		var value *string
		if err := rows.Scan(&key, &value); err != nil {
			return domain.RenewalSettings{}, err
		}
		switch key {
		case "renewal_api_url":
			settings.APIURL = domain.StringValue(value)
		case "renewal_api_key":
			settings.APIKey = domain.StringValue(value)
		}
	}
	if err := rows.Err(); err != nil {
		return domain.RenewalSettings{}, err
	}

	if settings.APIURL == "" {
		settings.APIURL = r.fallback.RenewalAPIURL
	}
	if settings.APIKey == "" {
		settings.APIKey = r.fallback.RenewalAPIKey
	}
	return settings, nil
}

// GetProfile returns an owner's messaging and payment settings.
func (r *PostgresRepository) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	var p domain.Profile
	var name, email, wuzURL, wuzToken, pixKey, mpToken *string
	var mpm *int
	err := r.db.QueryRow(ctx, `
        SELECT user_id, name, email, wuzapi_url, wuzapi_token, messages_per_minute, pix_key, mercadopago_access_token
        FROM profiles
        WHERE user_id = $1
    `, userID).Scan(&p.UserID, &name, &email, &wuzURL, &wuzToken, &mpm, &pixKey, &mpToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProfileNotFound
		}
		return nil, err
	}
	p.Name = domain.StringValue(name)
	p.Email = domain.StringValue(email)
	p.WuzAPIURL = domain.StringValue(wuzURL)
	p.WuzAPIToken = domain.StringValue(wuzToken)
	p.PixKey = domain.StringValue(pixKey)
	p.MercadoPagoAccessToken = domain.StringValue(mpToken)
	if mpm != nil {
		p.MessagesPerMinute = *mpm
	}
	return &p, nil
}

const clientColumns = `
    c.id, c.user_id, c.name, c.whatsapp_number, c.due_date, c.is_active, c.price_value,
    c.payment_type, c.payment_token, c.username, c.suffix, c.plan_id, c.server_id,
    COALESCE(p.name, '')
`

func (r *PostgresRepository) scanClient(row pgx.Row) (*domain.Client, error) {
	var c domain.Client
	var paymentType *string
	err := row.Scan(
		&c.ID, &c.UserID, &c.Name, &c.WhatsAppNumber, &c.DueDate, &c.IsActive, &c.PriceValue,
		&paymentType, &c.PaymentToken, &c.Username, &c.Suffix, &c.PlanID, &c.ServerID,
		&c.PlanName,
	)
	if err != nil {
		return nil, err
	}
	c.PaymentType = domain.PaymentType(domain.StringValue(paymentType))
	if c.WhatsAppNumber != nil {
		plain := r.codec.DecryptOrRaw(*c.WhatsAppNumber)
		c.WhatsAppNumber = &plain
	}
	return &c, nil
}

// FindClientByID returns a client owned by ownerID.
func (r *PostgresRepository) FindClientByID(ctx context.Context, ownerID, clientID string) (*domain.Client, error) {
	row := r.db.QueryRow(ctx, `
        SELECT `+clientColumns+`
        FROM clients c
        LEFT JOIN plans p ON p.id = c.plan_id
        WHERE c.id = $1 AND c.user_id = $2
    `, clientID, ownerID)
	c, err := r.scanClient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	return c, nil
}

// FindClientByPaymentToken resolves the client behind a public payment page.
func (r *PostgresRepository) FindClientByPaymentToken(ctx context.Context, paymentToken string) (*domain.Client, error) {
	row := r.db.QueryRow(ctx, `
        SELECT `+clientColumns+`
        FROM clients c
        LEFT JOIN plans p ON p.id = c.plan_id
        WHERE c.payment_token = $1
    `, paymentToken)
	c, err := r.scanClient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, err
	}
	return c, nil
}

// FindPlanByID returns a plan.
func (r *PostgresRepository) FindPlanByID(ctx context.Context, planID string) (*domain.Plan, error) {
	var p domain.Plan
	var duration, screens *int
	err := r.db.QueryRow(ctx, `
        SELECT id, user_id, name, duration_months, num_screens, panel_credential_id, package_id, rush_type
        FROM plans
        WHERE id = $1
    `, planID).Scan(&p.ID, &p.UserID, &p.Name, &duration, &screens, &p.PanelCredentialID, &p.PackageID, &p.RushType)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	if duration != nil {
		p.DurationMonths = *duration
	}
	if screens != nil {
		p.NumScreens = *screens
	}
	return &p, nil
}

// FindPanelCredentialByID returns a credential owned by ownerID with the
// password decrypted.
func (r *PostgresRepository) FindPanelCredentialByID(ctx context.Context, ownerID, credentialID string) (*domain.PanelCredential, error) {
	var cred domain.PanelCredential
	var label *string
	err := r.db.QueryRow(ctx, `
        SELECT id, user_id, provider, label, domain, username, password
        FROM panel_credentials
        WHERE id = $1 AND user_id = $2
    `, credentialID, ownerID).Scan(&cred.ID, &cred.UserID, &cred.Provider, &label, &cred.Domain, &cred.Username, &cred.Password)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPanelCredentialNotFound
		}
		return nil, err
	}
	cred.Label = domain.StringValue(label)
	cred.Password = r.codec.DecryptOrRaw(cred.Password)
	return &cred, nil
}

// ExtendClientDueDate pushes the due date forward by months from
// max(current, today) and marks the client active. The row is locked so
// concurrent extensions serialize.
func (r *PostgresRepository) ExtendClientDueDate(ctx context.Context, clientID string, today time.Time, months int) (time.Time, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return time.Time{}, err
	}
	defer tx.Rollback(ctx)

	next, err := extendDueDateTx(ctx, tx, clientID, today, months)
	if err != nil {
		return time.Time{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, err
	}
	return next, nil
}

func extendDueDateTx(ctx context.Context, tx pgx.Tx, clientID string, today time.Time, months int) (time.Time, error) {
	var current *time.Time
	err := tx.QueryRow(ctx, "SELECT due_date FROM clients WHERE id = $1 FOR UPDATE", clientID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrClientNotFound
		}
		return time.Time{}, err
	}

	next := domain.ExtendDueDate(current, today, months)
	if _, err := tx.Exec(ctx, `
        UPDATE clients
        SET due_date = $2, is_active = true, updated_at = NOW()
        WHERE id = $1
    `, clientID, next); err != nil {
		return time.Time{}, err
	}
	return next, nil
}

// ApplyApprovedPayment writes an approved gateway status onto a payment and,
// when the payment was not already paid, extends its client in the same
// transaction. Either both writes land or neither does, so a failed
// extension leaves the payment unpaid for the next delivery to settle.
func (r *PostgresRepository) ApplyApprovedPayment(ctx context.Context, mpPaymentID string, update domain.PaymentUpdate, clientID string, today time.Time, months int) (domain.ApprovalOutcome, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return domain.ApprovalOutcome{}, err
	}
	defer tx.Rollback(ctx)

	// Every row carrying this gateway id is locked; if any is already paid
	// the approval has been applied.
	rows, err := tx.Query(ctx, `
        SELECT status
        FROM payments
        WHERE mp_payment_id = $1
        ORDER BY created_at, id
        FOR UPDATE
    `, mpPaymentID)
	if err != nil {
		return domain.ApprovalOutcome{}, err
	}
	found := false
	previous := domain.PaymentStatusPending
	for rows.Next() {
		var status domain.PaymentStatus
		if err := rows.Scan(&status); err != nil {
			rows.Close()
			return domain.ApprovalOutcome{}, err
		}
		if !found || status == domain.PaymentStatusPaid {
			previous = status
		}
		found = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.ApprovalOutcome{}, err
	}
	if !found {
		return domain.ApprovalOutcome{}, ErrPaymentNotFound
	}

	if _, err := tx.Exec(ctx, `
        UPDATE payments
        SET mp_status = $2, status = $3, payment_method = COALESCE($4, payment_method), updated_at = NOW()
        WHERE mp_payment_id = $1
    `, mpPaymentID, update.MPStatus, update.Status, update.PaymentMethod); err != nil {
		return domain.ApprovalOutcome{}, err
	}

	outcome := domain.ApprovalOutcome{Previous: previous}
	if previous != domain.PaymentStatusPaid {
		next, err := extendDueDateTx(ctx, tx, clientID, today, months)
		if err != nil {
			return domain.ApprovalOutcome{}, fmt.Errorf("failed to extend due date: %w", err)
		}
		outcome.NewDueDate = &next
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.ApprovalOutcome{}, err
	}
	return outcome, nil
}

// FindPaymentByMPPaymentID looks a payment up by its gateway id.
func (r *PostgresRepository) FindPaymentByMPPaymentID(ctx context.Context, mpPaymentID string) (*domain.Payment, error) {
	var p domain.Payment
	err := r.db.QueryRow(ctx, `
        SELECT id, client_id, user_id, amount, status, mp_status, mp_payment_id, payment_method, created_at
        FROM payments
        WHERE mp_payment_id = $1
    `, mpPaymentID).Scan(&p.ID, &p.ClientID, &p.UserID, &p.Amount, &p.Status, &p.MPStatus, &p.MPPaymentID, &p.PaymentMethod, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreatePayment inserts a new payment row and fills ID and CreatedAt.
func (r *PostgresRepository) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	return r.db.QueryRow(ctx, `
        INSERT INTO payments (id, client_id, user_id, amount, status, mp_status, mp_payment_id, payment_method)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING created_at
    `, payment.ID, payment.ClientID, payment.UserID, payment.Amount, payment.Status,
		payment.MPStatus, payment.MPPaymentID, payment.PaymentMethod,
	).Scan(&payment.CreatedAt)
}

// UpdatePaymentStatus overwrites the gateway fields of a payment and returns
// the local status it had before the write. The read and the write happen
// under one row lock, so two deliveries of the same notification cannot both
// observe a non-paid previous status.
func (r *PostgresRepository) UpdatePaymentStatus(ctx context.Context, mpPaymentID string, update domain.PaymentUpdate) (domain.PaymentStatus, error) {
	var previous domain.PaymentStatus
	err := r.db.QueryRow(ctx, `
        WITH prev AS (
            SELECT id, status
            FROM payments
            WHERE mp_payment_id = $1
            FOR UPDATE
        )
        UPDATE payments p
        SET mp_status = $2, status = $3, payment_method = COALESCE($4, p.payment_method), updated_at = NOW()
        FROM prev
        WHERE p.id = prev.id
        RETURNING prev.status
    `, mpPaymentID, update.MPStatus, update.Status, update.PaymentMethod).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrPaymentNotFound
		}
		return "", err
	}
	return previous, nil
}

// InsertActivityLog appends an audit entry.
func (r *PostgresRepository) InsertActivityLog(ctx context.Context, entry domain.ActivityLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := r.db.Exec(ctx, `
        INSERT INTO activity_logs (id, user_id, client_id, type, status, details)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, entry.ID, entry.UserID, entry.ClientID, entry.Type, entry.Status, []byte(entry.Details))
	return err
}

// EnqueueRenewalRetry writes a pending retry entry. Payload is stored as the
// exact bytes that were sent.
func (r *PostgresRepository) EnqueueRenewalRetry(ctx context.Context, entry domain.RenewalRetryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	_, err := r.db.Exec(ctx, `
        INSERT INTO renewal_retry_queue (id, user_id, client_id, attempt, next_retry_at, payload, last_error, status)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, entry.ID, entry.UserID, entry.ClientID, entry.Attempt, entry.NextRetryAt, []byte(entry.Payload), entry.LastError, entry.Status)
	return err
}

// FindDueReminders returns active reminders scheduled at sendTime (HH:MM)
// that have not been sent on today.
func (r *PostgresRepository) FindDueReminders(ctx context.Context, sendTime string, today time.Time) ([]domain.Reminder, error) {
	rows, err := r.db.Query(ctx, `
        SELECT r.id, r.user_id, r.name, r.template_id, t.content, r.days_offset,
               LEFT(r.send_time::text, 5), r.is_active, r.last_sent_date
        FROM reminders r
        LEFT JOIN message_templates t ON t.id = r.template_id
        WHERE r.is_active = true
          AND LEFT(r.send_time::text, 5) = $1
          AND (r.last_sent_date IS NULL OR r.last_sent_date <> $2)
        ORDER BY r.user_id, r.created_at
    `, sendTime, domain.DateOf(today))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reminders []domain.Reminder
	for rows.Next() {
		var rem domain.Reminder
		var name *string
		if err := rows.Scan(&rem.ID, &rem.UserID, &name, &rem.TemplateID, &rem.TemplateContent,
			&rem.DaysOffset, &rem.SendTime, &rem.IsActive, &rem.LastSentDate); err != nil {
			return nil, err
		}
		rem.Name = domain.StringValue(name)
		reminders = append(reminders, rem)
	}
	return reminders, rows.Err()
}

// FindClientsDueOn returns the owner's active clients with a contact number
// whose due date is dueDate, in insertion order.
func (r *PostgresRepository) FindClientsDueOn(ctx context.Context, ownerID string, dueDate time.Time) ([]domain.Client, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+clientColumns+`
        FROM clients c
        LEFT JOIN plans p ON p.id = c.plan_id
        WHERE c.user_id = $1
          AND c.is_active = true
          AND c.due_date = $2
          AND c.whatsapp_number IS NOT NULL
        ORDER BY c.created_at
    `, ownerID, domain.DateOf(dueDate))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []domain.Client
	for rows.Next() {
		c, err := r.scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

// MarkReminderSent records that the reminder was consumed on date.
func (r *PostgresRepository) MarkReminderSent(ctx context.Context, reminderID string, date time.Time) error {
	tag, err := r.db.Exec(ctx, "UPDATE reminders SET last_sent_date = $2 WHERE id = $1", reminderID, domain.DateOf(date))
	if err != nil {
		return fmt.Errorf("mark reminder sent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReminderNotFound
	}
	return nil
}
