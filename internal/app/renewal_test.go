package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/revendapro/billing-engine/internal/domain"
	"github.com/revendapro/billing-engine/internal/provider"
	"github.com/revendapro/billing-engine/internal/store"
	"github.com/revendapro/billing-engine/pkg/renewalclient"
)

const owner = "owner-1"

func seedRenewal(repo *memRepo, providerName string) {
	repo.settings = domain.RenewalSettings{APIURL: "https://renew.example.com", APIKey: "key"}
	repo.creds["cred-1"] = &domain.PanelCredential{
		ID: "cred-1", UserID: owner, Provider: providerName,
		Domain: strPtr("painel.example.com"), Username: "reseller", Password: "pw",
	}
	repo.plans["plan-1"] = &domain.Plan{
		ID: "plan-1", UserID: owner, Name: "Mensal", DurationMonths: 1, NumScreens: 2,
		PanelCredentialID: strPtr("cred-1"), PackageID: strPtr("PKG"),
	}
	repo.addClient(domain.Client{
		ID: "client-1", UserID: owner, Name: "Maria", PlanID: strPtr("plan-1"),
		Username: strPtr("maria123"), DueDate: datePtr(2024, 1, 31),
	})
}

func newTestOrchestrator(repo *memRepo, api *renewalAPIStub, events EventPublisher, now time.Time) *RenewalOrchestrator {
	return NewRenewalOrchestrator(repo, api, events, FixedClock(now), testLogger())
}

func TestRenew_SuccessExtendsDueDateAndAudits(t *testing.T) {
	repo := newMemRepo()
	seedRenewal(repo, provider.Sigma)
	api := &renewalAPIStub{response: &renewalclient.RenewResponse{Success: true, Raw: json.RawMessage(`{"success":true,"exp":"x"}`)}}
	events := &publisherStub{}
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, saoPaulo(t))

	res, err := newTestOrchestrator(repo, api, events, now).Renew(context.Background(), owner, "client-1")
	if err != nil {
		t.Fatalf("Renew returned error: %v", err)
	}
	if !res.Success || res.NewDueDate == nil {
		t.Fatalf("expected success with new due date, got %+v", res)
	}
	if got := res.NewDueDate.Format(domain.DateLayout); got != "2024-02-29" {
		t.Fatalf("expected 2024-02-29, got %s", got)
	}
	if !repo.clients["client-1"].IsActive {
		t.Fatal("expected client marked active")
	}
	if len(repo.activity) != 1 || repo.activity[0].Status != domain.ActivityStatusSuccess || repo.activity[0].Type != domain.ActivityTypeRenewal {
		t.Fatalf("expected one success activity log, got %+v", repo.activity)
	}
	if string(repo.activity[0].Details) != `{"success":true,"exp":"x"}` {
		t.Fatalf("expected full response as details, got %s", repo.activity[0].Details)
	}
	if len(repo.retries) != 0 {
		t.Fatalf("expected no retry entry, got %d", len(repo.retries))
	}
	if len(events.renewals) != 1 || !events.renewals[0].Success {
		t.Fatalf("expected one success event, got %+v", events.renewals)
	}

	var sent map[string]any
	if err := json.Unmarshal(api.bodies[0], &sent); err != nil {
		t.Fatalf("unmarshal sent body: %v", err)
	}
	if sent["sigma_domain"] != "painel.example.com" || sent["telas"] != float64(2) {
		t.Fatalf("unexpected payload %v", sent)
	}
}

func TestRenew_RejectedQueuesExactlyOneRetry(t *testing.T) {
	repo := newMemRepo()
	seedRenewal(repo, provider.Rush)
	api := &renewalAPIStub{response: &renewalclient.RenewResponse{Success: false, Error: "saldo insuficiente", Raw: json.RawMessage(`{"success":false,"error":"saldo insuficiente"}`)}}
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, saoPaulo(t))

	res, err := newTestOrchestrator(repo, api, &publisherStub{}, now).Renew(context.Background(), owner, "client-1")
	if err != nil {
		t.Fatalf("expected rejection to be a result, got error %v", err)
	}
	if res.Success || !res.RetryQueued || res.Error != "saldo insuficiente" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(repo.activity) != 1 || repo.activity[0].Status != domain.ActivityStatusError {
		t.Fatalf("expected exactly one error activity log, got %+v", repo.activity)
	}
	if len(repo.retries) != 1 {
		t.Fatalf("expected exactly one retry entry, got %d", len(repo.retries))
	}
	entry := repo.retries[0]
	if entry.Attempt != 1 || entry.Status != domain.RetryStatusPending || entry.LastError != "saldo insuficiente" {
		t.Fatalf("unexpected retry entry %+v", entry)
	}
	if !entry.NextRetryAt.Equal(now.Add(5 * time.Minute)) {
		t.Fatalf("expected next retry at %v, got %v", now.Add(5*time.Minute), entry.NextRetryAt)
	}
	if string(entry.Payload) != string(api.bodies[0]) {
		t.Fatalf("expected retry payload to be the exact request body\nsent:   %s\nqueued: %s", api.bodies[0], entry.Payload)
	}
	if repo.extendCalls != 0 {
		t.Fatal("expected due date untouched on failure")
	}
}

func TestRenew_TransportFailurePropagatesAndQueues(t *testing.T) {
	repo := newMemRepo()
	seedRenewal(repo, provider.CloudNation)
	api := &renewalAPIStub{err: errors.New("dial tcp: connection refused")}

	res, err := newTestOrchestrator(repo, api, nil, time.Now()).Renew(context.Background(), owner, "client-1")
	if !errors.Is(err, ErrRenewalTransport) {
		t.Fatalf("expected ErrRenewalTransport, got %v", err)
	}
	if res == nil || res.Success || !res.RetryQueued {
		t.Fatalf("expected failed result with retry queued, got %+v", res)
	}
	if len(repo.activity) != 1 || repo.activity[0].Status != domain.ActivityStatusError {
		t.Fatalf("expected one error activity log, got %+v", repo.activity)
	}
	if len(repo.retries) != 1 || repo.retries[0].LastError != "dial tcp: connection refused" {
		t.Fatalf("expected one retry entry with transport error, got %+v", repo.retries)
	}
}

func TestRenew_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(r *memRepo)
		client  string
		wantErr error
	}{
		{name: "client not found", client: "missing", wantErr: store.ErrClientNotFound},
		{name: "client of another owner", mutate: func(r *memRepo) { r.clients["client-1"].UserID = "someone-else" }, wantErr: store.ErrClientNotFound},
		{name: "client has no plan", mutate: func(r *memRepo) { r.clients["client-1"].PlanID = nil }, wantErr: ErrClientHasNoPlan},
		{name: "plan missing", mutate: func(r *memRepo) { delete(r.plans, "plan-1") }, wantErr: ErrClientHasNoPlan},
		{name: "plan has no credential", mutate: func(r *memRepo) { r.plans["plan-1"].PanelCredentialID = nil }, wantErr: ErrPlanHasNoPanelCredential},
		{name: "credential missing", mutate: func(r *memRepo) { delete(r.creds, "cred-1") }, wantErr: store.ErrPanelCredentialNotFound},
		{name: "api not configured", mutate: func(r *memRepo) { r.settings.APIKey = "" }, wantErr: ErrRenewalAPINotConfigured},
		{name: "unknown provider", mutate: func(r *memRepo) { r.creds["cred-1"].Provider = "xtream" }, wantErr: provider.ErrUnknownProvider},
		{name: "koffice without username", mutate: func(r *memRepo) {
			r.creds["cred-1"].Provider = provider.KOffice
			r.clients["client-1"].Username = nil
		}, wantErr: provider.ErrMissingSubscriberID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			seedRenewal(repo, provider.Sigma)
			if tt.mutate != nil {
				tt.mutate(repo)
			}
			clientID := tt.client
			if clientID == "" {
				clientID = "client-1"
			}
			api := &renewalAPIStub{response: &renewalclient.RenewResponse{Success: true}}

			_, err := newTestOrchestrator(repo, api, nil, time.Now()).Renew(context.Background(), owner, clientID)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if len(api.bodies) != 0 {
				t.Fatal("expected no renewal api call")
			}
			if len(repo.activity) != 0 || len(repo.retries) != 0 {
				t.Fatal("expected no audit or retry for precondition failures")
			}
		})
	}
}

func TestRenew_DueDateFailureIsAudited(t *testing.T) {
	repo := newMemRepo()
	seedRenewal(repo, provider.Sigma)
	repo.extendErr = errors.New("connection reset")
	api := &renewalAPIStub{response: &renewalclient.RenewResponse{Success: true, Raw: json.RawMessage(`{"success":true}`)}}
	events := &publisherStub{}

	res, err := newTestOrchestrator(repo, api, events, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)).Renew(context.Background(), owner, "client-1")
	if !errors.Is(err, ErrDueDateNotExtended) {
		t.Fatalf("expected ErrDueDateNotExtended, got %v", err)
	}
	if res == nil || !res.Success || res.NewDueDate != nil {
		t.Fatalf("expected panel success without a new due date, got %+v", res)
	}
	if len(repo.activity) != 1 {
		t.Fatalf("expected one activity log, got %d", len(repo.activity))
	}
	var details map[string]any
	if err := json.Unmarshal(repo.activity[0].Details, &details); err != nil {
		t.Fatalf("unmarshal details: %v", err)
	}
	if details["due_date_error"] != "connection reset" || details["success"] != true {
		t.Fatalf("expected due date error in audit details, got %v", details)
	}
	if len(repo.retries) != 0 {
		t.Fatal("expected no panel retry for a renewal the panel accepted")
	}
	if len(events.renewals) != 1 || events.renewals[0].Error == "" {
		t.Fatalf("expected outcome event carrying the error, got %+v", events.renewals)
	}
}

func TestProvisionAfterPayment_DoesNotExtend(t *testing.T) {
	repo := newMemRepo()
	seedRenewal(repo, provider.Uniplay)
	api := &renewalAPIStub{response: &renewalclient.RenewResponse{Success: true, Raw: json.RawMessage(`{"success":true}`)}}

	res, err := newTestOrchestrator(repo, api, nil, time.Now()).ProvisionAfterPayment(context.Background(), owner, "client-1")
	if err != nil {
		t.Fatalf("ProvisionAfterPayment returned error: %v", err)
	}
	if !res.Success || res.NewDueDate != nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if repo.extendCalls != 0 {
		t.Fatalf("expected no due date extension, got %d", repo.extendCalls)
	}
	if len(repo.activity) != 1 {
		t.Fatalf("expected audit entry, got %d", len(repo.activity))
	}
}

func TestListSigmaPackages(t *testing.T) {
	repo := newMemRepo()
	seedRenewal(repo, provider.Sigma)
	api := &renewalAPIStub{packages: json.RawMessage(`{"packages":[]}`)}
	o := newTestOrchestrator(repo, api, nil, time.Now())

	raw, err := o.ListSigmaPackages(context.Background(), owner, "cred-1")
	if err != nil {
		t.Fatalf("ListSigmaPackages returned error: %v", err)
	}
	if string(raw) != `{"packages":[]}` {
		t.Fatalf("unexpected packages %s", raw)
	}

	repo.creds["cred-1"].Provider = provider.Club
	if _, err := o.ListSigmaPackages(context.Background(), owner, "cred-1"); !errors.Is(err, ErrNotSigmaCredential) {
		t.Fatalf("expected ErrNotSigmaCredential, got %v", err)
	}
}
