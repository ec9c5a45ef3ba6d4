package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/revendapro/billing-engine/internal/domain"
	"github.com/shopspring/decimal"
)

const reminderTemplate = "Olá {nome}, seu plano {plano} vence em {vencimento}. Valor: {valor}. Pague: {link_pagamento}"

// sweepTime is 2024-06-01 09:00 in the business timezone.
func sweepTime(t *testing.T) time.Time {
	return time.Date(2024, 6, 1, 9, 0, 0, 0, saoPaulo(t))
}

func seedReminders(repo *memRepo) {
	repo.profiles[owner] = &domain.Profile{
		UserID: owner, WuzAPIURL: "https://wuz.example.com", WuzAPIToken: "tok-1",
		MessagesPerMinute: 600, PixKey: "pix@example.com",
	}
	repo.reminders = []domain.Reminder{{
		ID: "rem-1", UserID: owner, Name: "3 dias antes",
		TemplateContent: strPtr(reminderTemplate), DaysOffset: -3, SendTime: "09:00", IsActive: true,
	}}
	repo.addClient(domain.Client{
		ID: "c-1", UserID: owner, Name: "Maria", IsActive: true, PlanName: "Mensal",
		WhatsAppNumber: strPtr("+55 (11) 98888-0001"), DueDate: datePtr(2024, 6, 4),
		PriceValue: decimal.RequireFromString("35"), PaymentType: domain.PaymentTypePix,
	})
	repo.addClient(domain.Client{
		ID: "c-2", UserID: owner, Name: "João", IsActive: true,
		WhatsAppNumber: strPtr("5511988880002"), DueDate: datePtr(2024, 6, 4),
		PriceValue: decimal.RequireFromString("40.5"), PaymentType: domain.PaymentTypeLink, PaymentToken: strPtr("tok-joao"),
	})
	repo.addClient(domain.Client{
		ID: "c-3", UserID: owner, Name: "Ana", IsActive: true,
		WhatsAppNumber: strPtr("5511988880003"), DueDate: datePtr(2024, 6, 5),
	})
}

func newTestDispatcher(repo *memRepo, msg *messagingStub, claims ReminderClaims, now time.Time) *Dispatcher {
	return NewDispatcher(repo, msg, claims, FixedClock(now), DispatcherConfig{
		PublicPaymentBaseURL: "https://pay.example.com/",
	}, testLogger())
}

func connectedGateway() *messagingStub {
	return &messagingStub{connected: map[string]bool{"tok-1": true}}
}

func TestDispatch_SendsToClientsDueAtOffset(t *testing.T) {
	repo := newMemRepo()
	seedReminders(repo)
	msg := connectedGateway()

	summary := newTestDispatcher(repo, msg, nil, sweepTime(t)).Dispatch(context.Background())

	if summary.Reminders != 1 || summary.Sent != 2 || summary.Time != "09:00" || summary.Date != "2024-06-01" {
		t.Fatalf("unexpected summary %+v", summary)
	}
	got := msg.sentTo()
	if len(got) != 2 || got[0] != "5511988880001" || got[1] != "5511988880002" {
		t.Fatalf("unexpected recipients %v", got)
	}
	want := "Olá Maria, seu plano Mensal vence em 04/06/2024. Valor: R$ 35.00. Pague: pix@example.com"
	if msg.sent[0].body != want {
		t.Fatalf("unexpected body\nwant: %s\ngot:  %s", want, msg.sent[0].body)
	}
	if !strings.HasSuffix(msg.sent[1].body, "Pague: https://pay.example.com/pay/tok-joao") {
		t.Fatalf("expected payment page link, got %s", msg.sent[1].body)
	}
	if msg.sent[0].account.Token != "tok-1" {
		t.Fatalf("expected account token, got %+v", msg.sent[0].account)
	}
	if _, ok := repo.marked["rem-1"]; !ok {
		t.Fatal("expected reminder marked sent")
	}
	if msg.probes != 1 {
		t.Fatalf("expected one session probe, got %d", msg.probes)
	}
}

func TestDispatch_AtMostOncePerDay(t *testing.T) {
	repo := newMemRepo()
	seedReminders(repo)
	msg := connectedGateway()
	d := newTestDispatcher(repo, msg, nil, sweepTime(t))

	d.Dispatch(context.Background())
	second := d.Dispatch(context.Background())

	if len(msg.sent) != 2 {
		t.Fatalf("expected two sends across both sweeps, got %d", len(msg.sent))
	}
	if second.Reminders != 0 || second.Message != "No reminders to process" {
		t.Fatalf("unexpected second summary %+v", second)
	}
}

func TestDispatch_SkipsInactiveAndOtherTimes(t *testing.T) {
	repo := newMemRepo()
	seedReminders(repo)
	repo.reminders = append(repo.reminders,
		domain.Reminder{ID: "rem-2", UserID: owner, TemplateContent: strPtr("x"), SendTime: "09:00", IsActive: false},
		domain.Reminder{ID: "rem-3", UserID: owner, TemplateContent: strPtr("x"), SendTime: "10:00", IsActive: true},
	)
	msg := connectedGateway()

	summary := newTestDispatcher(repo, msg, nil, sweepTime(t)).Dispatch(context.Background())
	if summary.Reminders != 1 {
		t.Fatalf("expected only the active 09:00 reminder, got %+v", summary)
	}
	if _, ok := repo.marked["rem-2"]; ok {
		t.Fatal("inactive reminder must not be marked")
	}
}

func TestDispatch_ConsumesReminderWithoutUsableGateway(t *testing.T) {
	tests := []struct {
		name  string
		setup func(repo *memRepo, msg *messagingStub)
	}{
		{name: "no gateway configured", setup: func(repo *memRepo, _ *messagingStub) {
			repo.profiles[owner].WuzAPIToken = ""
		}},
		{name: "no profile", setup: func(repo *memRepo, _ *messagingStub) {
			delete(repo.profiles, owner)
		}},
		{name: "session disconnected", setup: func(_ *memRepo, msg *messagingStub) {
			msg.connected = map[string]bool{}
		}},
		{name: "probe error", setup: func(_ *memRepo, msg *messagingStub) {
			msg.probeErr = errors.New("gateway timeout")
		}},
		{name: "no clients due", setup: func(repo *memRepo, _ *messagingStub) {
			repo.reminders[0].DaysOffset = -30
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			seedReminders(repo)
			msg := connectedGateway()
			tt.setup(repo, msg)

			summary := newTestDispatcher(repo, msg, nil, sweepTime(t)).Dispatch(context.Background())
			if summary.Sent != 0 || len(msg.sent) != 0 {
				t.Fatalf("expected nothing sent, got %+v", summary)
			}
			if _, ok := repo.marked["rem-1"]; !ok {
				t.Fatal("expected reminder marked sent")
			}
		})
	}
}

func TestDispatch_LeavesReminderForRetry(t *testing.T) {
	tests := []struct {
		name  string
		setup func(repo *memRepo)
	}{
		{name: "no template", setup: func(repo *memRepo) { repo.reminders[0].TemplateContent = nil }},
		{name: "clients query fails", setup: func(repo *memRepo) { repo.clientErr = errors.New("db down") }},
		{name: "profile query fails", setup: func(repo *memRepo) { repo.profileErr = errors.New("db down") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			seedReminders(repo)
			tt.setup(repo)
			msg := connectedGateway()

			newTestDispatcher(repo, msg, nil, sweepTime(t)).Dispatch(context.Background())
			if len(msg.sent) != 0 {
				t.Fatalf("expected nothing sent, got %d", len(msg.sent))
			}
			if _, ok := repo.marked["rem-1"]; ok {
				t.Fatal("expected reminder left unmarked")
			}
		})
	}
}

func TestDispatch_SendFailureDoesNotStopOthers(t *testing.T) {
	repo := newMemRepo()
	seedReminders(repo)
	msg := connectedGateway()
	msg.sendErrFor = map[string]error{"5511988880001": errors.New("number not on whatsapp")}

	summary := newTestDispatcher(repo, msg, nil, sweepTime(t)).Dispatch(context.Background())

	if summary.Sent != 1 {
		t.Fatalf("expected one successful send, got %+v", summary)
	}
	if got := msg.sentTo(); len(got) != 1 || got[0] != "5511988880002" {
		t.Fatalf("expected second client still attempted, got %v", got)
	}
	if _, ok := repo.marked["rem-1"]; !ok {
		t.Fatal("expected reminder marked sent after all clients were attempted")
	}
}

func TestDispatch_PacesSendsPerAccount(t *testing.T) {
	repo := newMemRepo()
	seedReminders(repo)
	repo.clients["c-3"].DueDate = datePtr(2024, 6, 4)
	msg := connectedGateway()

	newTestDispatcher(repo, msg, nil, sweepTime(t)).Dispatch(context.Background())

	if len(msg.sent) != 3 {
		t.Fatalf("expected three sends, got %d", len(msg.sent))
	}
	// 600 messages per minute is one every 100ms.
	if gap := msg.sent[2].at.Sub(msg.sent[0].at); gap < 190*time.Millisecond {
		t.Fatalf("expected sends paced at least 100ms apart, first to last took %v", gap)
	}
}

func TestDispatch_AccountsRunIndependently(t *testing.T) {
	repo := newMemRepo()
	seedReminders(repo)
	repo.profiles["owner-2"] = &domain.Profile{UserID: "owner-2", WuzAPIURL: "https://wuz2.example.com", WuzAPIToken: "tok-2"}
	repo.reminders = append(repo.reminders, domain.Reminder{
		ID: "rem-9", UserID: "owner-2", TemplateContent: strPtr("Oi {nome}"), SendTime: "09:00", IsActive: true,
	})
	repo.addClient(domain.Client{
		ID: "c-9", UserID: "owner-2", Name: "Bia", IsActive: true,
		WhatsAppNumber: strPtr("5521999990009"), DueDate: datePtr(2024, 6, 1),
	})
	msg := &messagingStub{connected: map[string]bool{"tok-1": true, "tok-2": false}}

	summary := newTestDispatcher(repo, msg, nil, sweepTime(t)).Dispatch(context.Background())

	if summary.Reminders != 2 || summary.Sent != 2 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	for _, s := range msg.sent {
		if s.account.Token != "tok-1" {
			t.Fatalf("disconnected account must not send, got %+v", s.account)
		}
	}
	if _, ok := repo.marked["rem-9"]; !ok {
		t.Fatal("expected disconnected account's reminder consumed")
	}
}

type claimStub struct {
	ok  bool
	err error
}

func (c claimStub) Claim(ctx context.Context, reminderID string, date time.Time) (bool, error) {
	return c.ok, c.err
}

func TestDispatch_Claims(t *testing.T) {
	t.Run("held elsewhere", func(t *testing.T) {
		repo := newMemRepo()
		seedReminders(repo)
		msg := connectedGateway()

		newTestDispatcher(repo, msg, claimStub{ok: false}, sweepTime(t)).Dispatch(context.Background())
		if len(msg.sent) != 0 {
			t.Fatalf("expected no sends, got %d", len(msg.sent))
		}
		if _, ok := repo.marked["rem-1"]; ok {
			t.Fatal("expected reminder left to the other sweep")
		}
	})

	t.Run("claim store unavailable", func(t *testing.T) {
		repo := newMemRepo()
		seedReminders(repo)
		msg := connectedGateway()

		newTestDispatcher(repo, msg, claimStub{err: errors.New("redis down")}, sweepTime(t)).Dispatch(context.Background())
		if len(msg.sent) != 2 {
			t.Fatalf("expected dispatch to continue without claims, got %d sends", len(msg.sent))
		}
	})
}

func TestSendInterval(t *testing.T) {
	tests := []struct {
		mpm  int
		want time.Duration
	}{
		{mpm: 5, want: 12 * time.Second},
		{mpm: 7, want: 8572 * time.Millisecond},
		{mpm: 60, want: time.Second},
		{mpm: 0, want: 12 * time.Second},
	}
	for _, tt := range tests {
		if got := SendInterval(tt.mpm); got != tt.want {
			t.Errorf("SendInterval(%d) = %v, want %v", tt.mpm, got, tt.want)
		}
	}
}
