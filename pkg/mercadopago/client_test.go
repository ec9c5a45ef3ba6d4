package mercadopago

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetPayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payments/123456" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer owner-token" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"id":123456,"status":"approved","payment_method_id":"pix","external_reference":"tok"}`))
	}))
	defer server.Close()

	p, err := NewClient(server.URL).GetPayment(context.Background(), "owner-token", "123456")
	if err != nil {
		t.Fatalf("GetPayment returned error: %v", err)
	}
	if p.ID.String() != "123456" || p.Status != "approved" || p.PaymentMethodID != "pix" {
		t.Fatalf("unexpected payment %+v", p)
	}
}

func TestGetPayment_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"Payment not found"}`))
	}))
	defer server.Close()

	if _, err := NewClient(server.URL).GetPayment(context.Background(), "t", "1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreatePixPayment_SendsIdempotencyKey(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Idempotency-Key") != "pix-tok-1" {
			t.Errorf("missing idempotency key")
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":99,"status":"pending","point_of_interaction":{"transaction_data":{"qr_code":"000201","ticket_url":"https://mp/t"}}}`))
	}))
	defer server.Close()

	p, err := NewClient(server.URL).CreatePixPayment(context.Background(), "t", "pix-tok-1", PixPaymentRequest{
		TransactionAmount: json.Number("35.90"),
		Description:       "Pagamento - Maria",
		Payer:             Payer{Email: "client_1@payment.local"},
		ExternalReference: "tok",
	})
	if err != nil {
		t.Fatalf("CreatePixPayment returned error: %v", err)
	}
	if body["payment_method_id"] != "pix" || body["transaction_amount"] != 35.9 {
		t.Fatalf("unexpected request body %v", body)
	}
	if p.ID.String() != "99" || p.PointOfInteraction.TransactionData.QRCode != "000201" {
		t.Fatalf("unexpected payment %+v", p)
	}
}

func TestCreatePreference_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"invalid access token"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL).CreatePreference(context.Background(), "bad", PreferenceRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "invalid access token" {
		t.Fatalf("expected APIError 401, got %v", err)
	}
}

func TestCreatePreference_SendsPayer(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/checkout/preferences" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"pref-1","init_point":"https://mp/init"}`))
	}))
	defer server.Close()

	pref, err := NewClient(server.URL).CreatePreference(context.Background(), "admin", PreferenceRequest{
		Items:             []PreferenceItem{{Title: "Plano Pro", Quantity: 1, UnitPrice: json.Number("49.90"), CurrencyID: "BRL"}},
		Payer:             &PreferencePayer{Email: "ana@example.com", FirstName: "Ana"},
		ExternalReference: "pp-1",
	})
	if err != nil {
		t.Fatalf("CreatePreference returned error: %v", err)
	}
	if pref.InitPoint != "https://mp/init" {
		t.Fatalf("unexpected preference %+v", pref)
	}
	payer, _ := body["payer"].(map[string]any)
	if payer["email"] != "ana@example.com" || payer["first_name"] != "Ana" || body["external_reference"] != "pp-1" {
		t.Fatalf("unexpected request body %v", body)
	}
}
