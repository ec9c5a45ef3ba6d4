/**
 * @description
 * Renewal orchestration: one synchronous call to the external renewal API
 * for one client, with an audit entry for every outcome and a durable retry
 * entry for every failure. The orchestrator never loops and never reads the
 * retry queue; an external sweep owns it.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/revendapro/billing-engine/internal/domain"
	"github.com/revendapro/billing-engine/internal/provider"
	"github.com/revendapro/billing-engine/internal/store"
	"github.com/revendapro/billing-engine/pkg/renewalclient"
)

// Precondition errors. Together with store.ErrClientNotFound,
// store.ErrPanelCredentialNotFound and provider.ErrUnknownProvider they let
// callers tell "nothing to do" apart from "misconfigured".
var (
	ErrClientHasNoPlan          = errors.New("client has no plan")
	ErrPlanHasNoPanelCredential = errors.New("plan has no panel credential")
	ErrRenewalAPINotConfigured  = errors.New("renewal api not configured by admin")
	ErrRenewalTransport         = errors.New("renewal api unreachable")
	ErrNotSigmaCredential       = errors.New("only sigma supports package discovery")
	ErrDueDateNotExtended       = errors.New("renewed on panel but due date not extended")
)

// RetryDelay is how long a failed renewal waits before the retry sweep
// picks it up.
const RetryDelay = 5 * time.Minute

// RenewalRepository is the data the orchestrator reads and writes.
type RenewalRepository interface {
	LoadRenewalSettings(ctx context.Context) (domain.RenewalSettings, error)
	FindClientByID(ctx context.Context, ownerID, clientID string) (*domain.Client, error)
	FindPlanByID(ctx context.Context, planID string) (*domain.Plan, error)
	FindPanelCredentialByID(ctx context.Context, ownerID, credentialID string) (*domain.PanelCredential, error)
	ExtendClientDueDate(ctx context.Context, clientID string, today time.Time, months int) (time.Time, error)
	InsertActivityLog(ctx context.Context, entry domain.ActivityLog) error
	EnqueueRenewalRetry(ctx context.Context, entry domain.RenewalRetryEntry) error
}

// RenewalAPI is the external renewal service.
type RenewalAPI interface {
	Renew(ctx context.Context, endpoint renewalclient.Endpoint, body []byte) (*renewalclient.RenewResponse, error)
	ListSigmaPackages(ctx context.Context, endpoint renewalclient.Endpoint, creds renewalclient.SigmaCredentials) (json.RawMessage, error)
}

// RenewalOrchestrator renews clients on their IPTV panels.
type RenewalOrchestrator struct {
	repo   RenewalRepository
	api    RenewalAPI
	events EventPublisher
	clock  *Clock
	logger *slog.Logger
}

func NewRenewalOrchestrator(repo RenewalRepository, api RenewalAPI, events EventPublisher, clock *Clock, logger *slog.Logger) *RenewalOrchestrator {
	return &RenewalOrchestrator{repo: repo, api: api, events: events, clock: clock, logger: logger}
}

// Renew renews a client and, on success, extends its due date by the plan
// duration.
func (o *RenewalOrchestrator) Renew(ctx context.Context, ownerID, clientID string) (*domain.RenewalResult, error) {
	return o.renew(ctx, ownerID, clientID, true)
}

// ProvisionAfterPayment renews a client on its panel without touching the
// due date. The payment reconciler extends the due date itself before
// calling this.
func (o *RenewalOrchestrator) ProvisionAfterPayment(ctx context.Context, ownerID, clientID string) (*domain.RenewalResult, error) {
	return o.renew(ctx, ownerID, clientID, false)
}

type renewalTarget struct {
	client domain.Client
	plan   domain.Plan
	cred   domain.PanelCredential
}

func (o *RenewalOrchestrator) load(ctx context.Context, ownerID, clientID string) (*renewalTarget, domain.RenewalSettings, error) {
	client, err := o.repo.FindClientByID(ctx, ownerID, clientID)
	if err != nil {
		return nil, domain.RenewalSettings{}, err
	}
	if client.PlanID == nil || *client.PlanID == "" {
		return nil, domain.RenewalSettings{}, ErrClientHasNoPlan
	}
	plan, err := o.repo.FindPlanByID(ctx, *client.PlanID)
	if err != nil {
		if errors.Is(err, store.ErrPlanNotFound) {
			return nil, domain.RenewalSettings{}, ErrClientHasNoPlan
		}
		return nil, domain.RenewalSettings{}, err
	}
	if plan.PanelCredentialID == nil || *plan.PanelCredentialID == "" {
		return nil, domain.RenewalSettings{}, ErrPlanHasNoPanelCredential
	}
	cred, err := o.repo.FindPanelCredentialByID(ctx, ownerID, *plan.PanelCredentialID)
	if err != nil {
		return nil, domain.RenewalSettings{}, err
	}

	settings, err := o.repo.LoadRenewalSettings(ctx)
	if err != nil {
		return nil, domain.RenewalSettings{}, fmt.Errorf("failed to load renewal settings: %w", err)
	}
	if !settings.Configured() {
		return nil, domain.RenewalSettings{}, ErrRenewalAPINotConfigured
	}

	return &renewalTarget{client: *client, plan: *plan, cred: *cred}, settings, nil
}

func (o *RenewalOrchestrator) renew(ctx context.Context, ownerID, clientID string, extendOnSuccess bool) (*domain.RenewalResult, error) {
	target, settings, err := o.load(ctx, ownerID, clientID)
	if err != nil {
		return nil, err
	}

	payload, err := provider.Build(target.cred, target.client, target.plan)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal renewal payload: %w", err)
	}

	logger := o.logger.With("client_id", clientID, "user_id", ownerID, "provider", payload.Provider)
	endpoint := renewalclient.Endpoint{BaseURL: settings.APIURL, APIKey: settings.APIKey}

	resp, callErr := o.api.Renew(ctx, endpoint, body)
	if callErr != nil {
		logger.Error("renewal api call failed", "error", callErr)
		details, _ := json.Marshal(map[string]interface{}{"success": false, "error": callErr.Error()})
		o.audit(ctx, logger, ownerID, clientID, domain.ActivityStatusError, details)
		queued := o.enqueueRetry(ctx, logger, ownerID, clientID, body, callErr.Error())
		publishRenewalOutcome(ctx, o.events, logger, domain.RenewalOutcomeEvent{
			ClientID: clientID, UserID: ownerID, Provider: payload.Provider, Error: callErr.Error(),
		})
		result := &domain.RenewalResult{Success: false, Error: callErr.Error(), Response: details, RetryQueued: queued}
		return result, fmt.Errorf("%w: %v", ErrRenewalTransport, callErr)
	}

	result := &domain.RenewalResult{Success: resp.Success, Error: resp.Error, Response: resp.Raw}

	if !resp.Success {
		logger.Warn("renewal rejected", "error", resp.Error, "status_code", resp.StatusCode)
		o.audit(ctx, logger, ownerID, clientID, domain.ActivityStatusError, resp.Raw)
		result.RetryQueued = o.enqueueRetry(ctx, logger, ownerID, clientID, body, resp.Error)
		publishRenewalOutcome(ctx, o.events, logger, domain.RenewalOutcomeEvent{
			ClientID: clientID, UserID: ownerID, Provider: payload.Provider, Error: resp.Error,
		})
		return result, nil
	}

	event := domain.RenewalOutcomeEvent{ClientID: clientID, UserID: ownerID, Provider: payload.Provider, Success: true}
	if extendOnSuccess {
		newDue, err := o.repo.ExtendClientDueDate(ctx, clientID, o.clock.Today(), target.plan.Months())
		if err != nil {
			// The panel already renewed; the audit entry records the gap so
			// the owner can fix the due date by hand.
			logger.Error("renewed on panel but failed to extend due date", "error", err)
			var response json.RawMessage
			if len(resp.Raw) > 0 {
				response = resp.Raw
			}
			details, _ := json.Marshal(map[string]interface{}{
				"success":        true,
				"response":       response,
				"due_date_error": err.Error(),
			})
			o.audit(ctx, logger, ownerID, clientID, domain.ActivityStatusSuccess, details)
			event.Error = "due date not extended: " + err.Error()
			publishRenewalOutcome(ctx, o.events, logger, event)
			return result, fmt.Errorf("%w: %v", ErrDueDateNotExtended, err)
		}
		o.audit(ctx, logger, ownerID, clientID, domain.ActivityStatusSuccess, resp.Raw)
		result.NewDueDate = &newDue
		event.NewDueDate = newDue.Format(domain.DateLayout)
		logger.Info("client renewed", "new_due_date", event.NewDueDate)
	} else {
		o.audit(ctx, logger, ownerID, clientID, domain.ActivityStatusSuccess, resp.Raw)
		logger.Info("client provisioned after payment")
	}
	publishRenewalOutcome(ctx, o.events, logger, event)

	return result, nil
}

func (o *RenewalOrchestrator) audit(ctx context.Context, logger *slog.Logger, ownerID, clientID, status string, details json.RawMessage) {
	if len(details) == 0 {
		details = json.RawMessage("null")
	}
	err := o.repo.InsertActivityLog(ctx, domain.ActivityLog{
		ID:       uuid.NewString(),
		UserID:   ownerID,
		ClientID: clientID,
		Type:     domain.ActivityTypeRenewal,
		Status:   status,
		Details:  details,
	})
	if err != nil {
		logger.Error("failed to write renewal activity log", "status", status, "error", err)
	}
}

func (o *RenewalOrchestrator) enqueueRetry(ctx context.Context, logger *slog.Logger, ownerID, clientID string, body []byte, lastError string) bool {
	if lastError == "" {
		lastError = "Unknown error"
	}
	err := o.repo.EnqueueRenewalRetry(ctx, domain.RenewalRetryEntry{
		ID:          uuid.NewString(),
		UserID:      ownerID,
		ClientID:    clientID,
		Attempt:     1,
		NextRetryAt: o.clock.Now().Add(RetryDelay).UTC(),
		Payload:     json.RawMessage(body),
		LastError:   lastError,
		Status:      domain.RetryStatusPending,
	})
	if err != nil {
		logger.Error("failed to enqueue renewal retry", "error", err)
		return false
	}
	return true
}

// ListSigmaPackages returns the packages a sigma panel offers, as reported
// by the renewal API.
func (o *RenewalOrchestrator) ListSigmaPackages(ctx context.Context, ownerID, credentialID string) (json.RawMessage, error) {
	cred, err := o.repo.FindPanelCredentialByID(ctx, ownerID, credentialID)
	if err != nil {
		return nil, err
	}
	if cred.Provider != provider.Sigma {
		return nil, ErrNotSigmaCredential
	}
	settings, err := o.repo.LoadRenewalSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load renewal settings: %w", err)
	}
	if !settings.Configured() {
		return nil, ErrRenewalAPINotConfigured
	}

	raw, err := o.api.ListSigmaPackages(ctx, renewalclient.Endpoint{BaseURL: settings.APIURL, APIKey: settings.APIKey}, renewalclient.SigmaCredentials{
		Username: cred.Username,
		Password: cred.Password,
		Domain:   domain.StringValue(cred.Domain),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRenewalTransport, err)
	}
	return raw, nil
}
