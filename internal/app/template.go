package app

import (
	"strings"
	"unicode"

	"github.com/revendapro/billing-engine/internal/domain"
)

// Reminder template placeholders.
const (
	PlaceholderName        = "{nome}"
	PlaceholderDueDate     = "{vencimento}"
	PlaceholderPrice       = "{valor}"
	PlaceholderPlan        = "{plano}"
	PlaceholderWhatsApp    = "{whatsapp}"
	PlaceholderPaymentLink = "{link_pagamento}"
)

// PaymentLink resolves {link_pagamento}: the owner's PIX key for PIX
// clients when one is set, otherwise the client's public payment page.
func PaymentLink(client domain.Client, profile domain.Profile, publicBaseURL string) string {
	if client.PaymentType == domain.PaymentTypePix && profile.PixKey != "" {
		return profile.PixKey
	}
	token := domain.StringValue(client.PaymentToken)
	if token == "" {
		return ""
	}
	return strings.TrimSuffix(publicBaseURL, "/") + "/pay/" + token
}

// RenderReminder substitutes every placeholder in tmpl.
func RenderReminder(tmpl string, client domain.Client, paymentLink string) string {
	due := ""
	if client.DueDate != nil {
		due = client.DueDate.Format("02/01/2006")
	}
	r := strings.NewReplacer(
		PlaceholderName, client.Name,
		PlaceholderDueDate, due,
		PlaceholderPrice, "R$ "+client.PriceValue.StringFixed(2),
		PlaceholderPlan, client.PlanName,
		PlaceholderWhatsApp, domain.StringValue(client.WhatsAppNumber),
		PlaceholderPaymentLink, paymentLink,
	)
	return r.Replace(tmpl)
}

// DigitsOnly strips everything but ASCII digits from a phone number.
func DigitsOnly(phone string) string {
	return strings.Map(func(r rune) rune {
		if r <= unicode.MaxASCII && unicode.IsDigit(r) {
			return r
		}
		return -1
	}, phone)
}
