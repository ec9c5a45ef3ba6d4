/**
 * @description
 * Reminder dispatch. Invoked once a minute; finds the reminders scheduled
 * for the current HH:MM in the business timezone, resolves the clients whose
 * due date is the reminder's offset away, and sends each a WhatsApp message
 * through the owning account's WuzAPI gateway.
 *
 * Accounts are dispatched concurrently. Within an account, reminders and
 * clients are handled strictly in order and sends are paced to the
 * account's messages-per-minute cap.
 *
 * A reminder is marked sent for the day once every client was attempted,
 * and also when there is nothing to send (no clients, no gateway, gateway
 * disconnected). Delivery is at most once per day.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/revendapro/billing-engine/internal/domain"
	"github.com/revendapro/billing-engine/internal/store"
	"github.com/revendapro/billing-engine/pkg/wuzapi"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// DefaultMessagesPerMinute applies when an account has no cap configured.
const DefaultMessagesPerMinute = 5

// ReminderRepository is the data the dispatcher reads and writes.
type ReminderRepository interface {
	FindDueReminders(ctx context.Context, sendTime string, today time.Time) ([]domain.Reminder, error)
	FindClientsDueOn(ctx context.Context, ownerID string, dueDate time.Time) ([]domain.Client, error)
	MarkReminderSent(ctx context.Context, reminderID string, date time.Time) error
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
}

// MessagingGateway sends WhatsApp messages for an account.
type MessagingGateway interface {
	SessionConnected(ctx context.Context, acct wuzapi.Account) (bool, error)
	SendText(ctx context.Context, acct wuzapi.Account, phone, body string) error
}

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	PublicPaymentBaseURL     string
	DefaultMessagesPerMinute int
	MaxConcurrentAccounts    int
}

// Dispatcher runs reminder sweeps.
type Dispatcher struct {
	repo    ReminderRepository
	gateway MessagingGateway
	claims  ReminderClaims
	clock   *Clock
	config  DispatcherConfig
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher. claims may be nil.
func NewDispatcher(repo ReminderRepository, gateway MessagingGateway, claims ReminderClaims, clock *Clock, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.DefaultMessagesPerMinute <= 0 {
		cfg.DefaultMessagesPerMinute = DefaultMessagesPerMinute
	}
	if cfg.MaxConcurrentAccounts <= 0 {
		cfg.MaxConcurrentAccounts = 8
	}
	return &Dispatcher{repo: repo, gateway: gateway, claims: claims, clock: clock, config: cfg, logger: logger}
}

// SendInterval is the minimum spacing between two sends at
// messagesPerMinute: ceil(60000ms / messagesPerMinute).
func SendInterval(messagesPerMinute int) time.Duration {
	if messagesPerMinute <= 0 {
		messagesPerMinute = DefaultMessagesPerMinute
	}
	ms := math.Ceil(60000.0 / float64(messagesPerMinute))
	return time.Duration(ms) * time.Millisecond
}

// Dispatch runs one sweep. Errors are logged, never returned: the trigger
// is fire-and-forget.
func (d *Dispatcher) Dispatch(ctx context.Context) domain.DispatchSummary {
	now := d.clock.Now()
	today := domain.DateOf(now)
	summary := domain.DispatchSummary{
		Time: now.Format("15:04"),
		Date: today.Format(domain.DateLayout),
	}
	logger := d.logger.With("time", summary.Time, "date", summary.Date)

	reminders, err := d.repo.FindDueReminders(ctx, summary.Time, today)
	if err != nil {
		logger.Error("failed to fetch reminders", "error", err)
		summary.Message = "failed to fetch reminders"
		return summary
	}

	var owners []string
	byOwner := make(map[string][]domain.Reminder)
	for _, rem := range reminders {
		if !rem.IsActive || rem.SentOn(today) || rem.SendTime != summary.Time {
			continue
		}
		if _, seen := byOwner[rem.UserID]; !seen {
			owners = append(owners, rem.UserID)
		}
		byOwner[rem.UserID] = append(byOwner[rem.UserID], rem)
		summary.Reminders++
	}

	if summary.Reminders == 0 {
		summary.Message = "No reminders to process"
		logger.Info("no reminders to process")
		return summary
	}

	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.MaxConcurrentAccounts)
	for _, owner := range owners {
		owner := owner
		g.Go(func() error {
			sent.Add(int64(d.dispatchAccount(gctx, owner, byOwner[owner], today)))
			return nil
		})
	}
	_ = g.Wait()

	summary.Sent = int(sent.Load())
	summary.Message = fmt.Sprintf("Processed %d reminders, sent %d messages", summary.Reminders, summary.Sent)
	logger.Info("reminder sweep finished", "reminders", summary.Reminders, "sent", summary.Sent)
	return summary
}

// accountState is resolved lazily, once per account per sweep.
type accountState struct {
	profile   domain.Profile
	probed    bool
	connected bool
	limiter   *rate.Limiter
}

func (d *Dispatcher) dispatchAccount(ctx context.Context, ownerID string, reminders []domain.Reminder, today time.Time) int {
	logger := d.logger.With("user_id", ownerID)

	profile, err := d.repo.GetProfile(ctx, ownerID)
	if err != nil && !errors.Is(err, store.ErrProfileNotFound) {
		logger.Error("failed to load profile; leaving reminders for a later sweep", "error", err)
		return 0
	}
	state := &accountState{}
	if profile != nil {
		state.profile = *profile
	}
	mpm := state.profile.MessagesPerMinute
	if mpm <= 0 {
		mpm = d.config.DefaultMessagesPerMinute
	}
	state.limiter = rate.NewLimiter(rate.Every(SendInterval(mpm)), 1)

	sent := 0
	for _, rem := range reminders {
		if ctx.Err() != nil {
			break
		}
		sent += d.dispatchReminder(ctx, logger.With("reminder_id", rem.ID, "reminder", rem.Name), state, rem, today)
	}
	return sent
}

func (d *Dispatcher) dispatchReminder(ctx context.Context, logger *slog.Logger, state *accountState, rem domain.Reminder, today time.Time) int {
	if d.claims != nil {
		ok, err := d.claims.Claim(ctx, rem.ID, today)
		if err != nil {
			logger.Warn("reminder claim unavailable; continuing without it", "error", err)
		} else if !ok {
			logger.Info("reminder claimed by another sweep")
			return 0
		}
	}

	tmpl := domain.StringValue(rem.TemplateContent)
	if tmpl == "" {
		logger.Warn("reminder has no template, skipping")
		return 0
	}

	acct := wuzapi.Account{URL: state.profile.WuzAPIURL, Token: state.profile.WuzAPIToken}
	if !state.profile.HasMessagingGateway() {
		logger.Info("account has no messaging gateway; consuming reminder")
		d.markSent(ctx, logger, rem, today)
		return 0
	}
	if !state.probed {
		state.probed = true
		connected, err := d.gateway.SessionConnected(ctx, acct)
		if err != nil {
			logger.Warn("failed to check whatsapp session", "error", err)
		}
		state.connected = err == nil && connected
	}
	if !state.connected {
		logger.Info("whatsapp not connected; consuming reminder")
		d.markSent(ctx, logger, rem, today)
		return 0
	}

	target := rem.TargetDueDate(today)
	clients, err := d.repo.FindClientsDueOn(ctx, rem.UserID, target)
	if err != nil {
		logger.Error("failed to fetch clients", "target_due_date", target.Format(domain.DateLayout), "error", err)
		return 0
	}
	if len(clients) == 0 {
		logger.Info("no clients due", "target_due_date", target.Format(domain.DateLayout))
		d.markSent(ctx, logger, rem, today)
		return 0
	}

	sent := 0
	for _, client := range clients {
		phone := DigitsOnly(domain.StringValue(client.WhatsAppNumber))
		if phone == "" {
			logger.Warn("client has no usable whatsapp number", "client_id", client.ID)
			continue
		}
		if err := state.limiter.Wait(ctx); err != nil {
			logger.Warn("sweep cancelled mid-reminder", "error", err)
			return sent
		}
		link := PaymentLink(client, state.profile, d.config.PublicPaymentBaseURL)
		body := RenderReminder(tmpl, client, link)
		if err := d.gateway.SendText(ctx, acct, phone, body); err != nil {
			logger.Error("failed to send reminder", "client_id", client.ID, "error", err)
			continue
		}
		sent++
		logger.Info("reminder sent", "client_id", client.ID)
	}

	d.markSent(ctx, logger, rem, today)
	return sent
}

func (d *Dispatcher) markSent(ctx context.Context, logger *slog.Logger, rem domain.Reminder, today time.Time) {
	if err := d.repo.MarkReminderSent(ctx, rem.ID, today); err != nil {
		logger.Error("failed to mark reminder sent", "error", err)
		return
	}
	logger.Info("reminder marked as sent", "date", today.Format(domain.DateLayout))
}
