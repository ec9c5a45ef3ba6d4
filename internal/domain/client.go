/**
 * @description
 * Core records of the reseller's subscriber base: the client (subscriber),
 * the plan they are sold, and the IPTV panel credential the plan renews on.
 */
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentType selects what {link_pagamento} resolves to for a client.
type PaymentType string

const (
	PaymentTypePix  PaymentType = "pix"
	PaymentTypeLink PaymentType = "link"
)

// Client is a subscriber owned by a reseller account (UserID).
type Client struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	Name           string          `json:"name"`
	WhatsAppNumber *string         `json:"whatsapp_number,omitempty"`
	DueDate        *time.Time      `json:"due_date,omitempty"`
	IsActive       bool            `json:"is_active"`
	PriceValue     decimal.Decimal `json:"price_value"`
	PaymentType    PaymentType     `json:"payment_type"`
	PaymentToken   *string         `json:"payment_token,omitempty"`
	Username       *string         `json:"username,omitempty"`
	Suffix         *string         `json:"suffix,omitempty"`
	PlanID         *string         `json:"plan_id,omitempty"`
	ServerID       *string         `json:"server_id,omitempty"`

	// PlanName is populated by queries that join the plan.
	PlanName string `json:"plan_name,omitempty"`
}

// Plan is read-only input to a renewal.
type Plan struct {
	ID                string  `json:"id"`
	UserID            string  `json:"user_id"`
	Name              string  `json:"name"`
	DurationMonths    int     `json:"duration_months"`
	NumScreens        int     `json:"num_screens"`
	PanelCredentialID *string `json:"panel_credential_id,omitempty"`
	PackageID         *string `json:"package_id,omitempty"`
	RushType          *string `json:"rush_type,omitempty"`
}

// Months returns the plan duration, never less than one month.
func (p Plan) Months() int {
	if p.DurationMonths < 1 {
		return 1
	}
	return p.DurationMonths
}

// Screens returns the number of connections, never less than one.
func (p Plan) Screens() int {
	if p.NumScreens < 1 {
		return 1
	}
	return p.NumScreens
}

// PanelCredential holds the reseller's login on an external IPTV panel.
// It is never exposed to the public payment page.
type PanelCredential struct {
	ID       string  `json:"id"`
	UserID   string  `json:"user_id"`
	Provider string  `json:"provider"`
	Label    string  `json:"label"`
	Domain   *string `json:"domain,omitempty"`
	Username string  `json:"-"`
	Password string  `json:"-"`
}

// Profile carries the per-account settings read by the dispatcher and the
// reconciler. Empty strings mean "not configured".
type Profile struct {
	UserID                 string
	Name                   string
	Email                  string
	WuzAPIURL              string
	WuzAPIToken            string
	MessagesPerMinute      int
	PixKey                 string
	MercadoPagoAccessToken string
}

// HasMessagingGateway reports whether WuzAPI credentials are configured.
func (p Profile) HasMessagingGateway() bool {
	return p.WuzAPIURL != "" && p.WuzAPIToken != ""
}

// StringValue dereferences an optional column.
func StringValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
