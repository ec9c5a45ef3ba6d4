/**
 * @description
 * HTTP handlers for billing-api. Handlers translate requests into calls on
 * the app layer and map its sentinel errors to status codes.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/revendapro/billing-engine/internal/app"
	"github.com/revendapro/billing-engine/internal/domain"
	"github.com/revendapro/billing-engine/internal/provider"
	"github.com/revendapro/billing-engine/internal/store"
	"github.com/revendapro/billing-engine/pkg/wuzapi"
)

const maxWebhookBody = 1 << 20

// Renewer renews clients and discovers panel packages.
type Renewer interface {
	Renew(ctx context.Context, ownerID, clientID string) (*domain.RenewalResult, error)
	ListSigmaPackages(ctx context.Context, ownerID, credentialID string) (json.RawMessage, error)
}

// WebhookReconciler applies gateway notifications.
type WebhookReconciler interface {
	Reconcile(ctx context.Context, body []byte, query url.Values) (app.Ack, error)
}

// Checkouts serves the public payment page.
type Checkouts interface {
	PublicPage(ctx context.Context, paymentToken string) (*app.PublicPaymentPage, error)
	Checkout(ctx context.Context, paymentToken, origin string) (*app.CheckoutResult, error)
}

// ReminderDispatcher runs a reminder sweep.
type ReminderDispatcher interface {
	Dispatch(ctx context.Context) domain.DispatchSummary
}

// PlatformSubscriptions sells platform plans to resellers.
type PlatformSubscriptions interface {
	CreateCheckout(ctx context.Context, userID, planID string) (*app.PlatformCheckout, error)
	Reconcile(ctx context.Context, body []byte, query url.Values) (app.Ack, error)
}

// MessagingProxy relays dashboard calls to an owner's WuzAPI session.
type MessagingProxy interface {
	Forward(ctx context.Context, userID, method, endpoint string, body json.RawMessage) (*wuzapi.Response, error)
}

// FieldCodec encrypts and decrypts credential fields in batches.
type FieldCodec interface {
	EncryptAll(values []*string) ([]*string, error)
	DecryptAll(values []*string) ([]*string, error)
}

// Handler holds the application services that handlers interact with.
type Handler struct {
	renewer    Renewer
	reconciler WebhookReconciler
	checkouts  Checkouts
	dispatcher ReminderDispatcher
	platform   PlatformSubscriptions
	messaging  MessagingProxy
	codec      FieldCodec
	logger     *slog.Logger
}

// NewHandler creates a new Handler with the given services.
func NewHandler(renewer Renewer, reconciler WebhookReconciler, checkouts Checkouts, dispatcher ReminderDispatcher, platform PlatformSubscriptions, messaging MessagingProxy, codec FieldCodec, logger *slog.Logger) *Handler {
	return &Handler{
		renewer:    renewer,
		reconciler: reconciler,
		checkouts:  checkouts,
		dispatcher: dispatcher,
		platform:   platform,
		messaging:  messaging,
		codec:      codec,
		logger:     logger,
	}
}

func (h *Handler) handleMercadoPagoWebhook(w http.ResponseWriter, r *http.Request) {
	h.acknowledgeWebhook(w, r, h.reconciler)
}

func (h *Handler) handlePlatformWebhook(w http.ResponseWriter, r *http.Request) {
	h.acknowledgeWebhook(w, r, h.platform)
}

func (h *Handler) acknowledgeWebhook(w http.ResponseWriter, r *http.Request, reconciler WebhookReconciler) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to read body")
		return
	}

	ack, err := reconciler.Reconcile(r.Context(), body, r.URL.Query())
	if err != nil {
		h.logger.Error("failed to parse webhook", "error", err)
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, ack)
}

func (h *Handler) handleGetPublicPayment(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "paymentToken")
	if token == "" {
		respondWithError(w, http.StatusBadRequest, "payment_token required")
		return
	}

	page, err := h.checkouts.PublicPage(r.Context(), token)
	if err != nil {
		if errors.Is(err, store.ErrClientNotFound) {
			respondWithError(w, http.StatusNotFound, "Client not found")
			return
		}
		h.logger.Error("failed to load public payment page", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	respondWithJSON(w, http.StatusOK, page)
}

func (h *Handler) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "paymentToken")
	if token == "" {
		respondWithError(w, http.StatusBadRequest, "payment_token required")
		return
	}

	result, err := h.checkouts.Checkout(r.Context(), token, r.Header.Get("Origin"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrClientNotFound):
			respondWithError(w, http.StatusNotFound, "Client not found")
		case errors.Is(err, app.ErrPaymentNotConfigured):
			respondWithError(w, http.StatusBadRequest, "Payment not configured")
		case errors.Is(err, app.ErrGatewayUnavailable):
			respondWithError(w, http.StatusBadGateway, err.Error())
		default:
			h.logger.Error("failed to create checkout", "error", err)
			respondWithError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// renewStatus maps renewal precondition errors to HTTP status codes.
func renewStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrClientNotFound), errors.Is(err, store.ErrPanelCredentialNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrClientHasNoPlan), errors.Is(err, app.ErrPlanHasNoPanelCredential), errors.Is(err, app.ErrNotSigmaCredential):
		return http.StatusBadRequest
	case errors.Is(err, provider.ErrUnknownProvider), errors.Is(err, provider.ErrMissingDomain), errors.Is(err, provider.ErrMissingSubscriberID):
		return http.StatusUnprocessableEntity
	case errors.Is(err, app.ErrRenewalTransport):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) handleRenewClient(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	clientID := chi.URLParam(r, "clientID")
	if clientID == "" {
		respondWithError(w, http.StatusBadRequest, "client_id required")
		return
	}

	result, err := h.renewer.Renew(r.Context(), userID, clientID)
	if err != nil {
		status := renewStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("renewal failed", "client_id", clientID, "user_id", userID, "error", err)
		}
		if result != nil {
			respondWithJSON(w, status, result)
			return
		}
		respondWithError(w, status, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListSigmaPackages(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	credentialID := chi.URLParam(r, "credentialID")

	packages, err := h.renewer.ListSigmaPackages(r.Context(), userID, credentialID)
	if err != nil {
		status := renewStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("sigma package discovery failed", "credential_id", credentialID, "error", err)
		}
		respondWithError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(packages)
}

type cryptoRequest struct {
	Action string    `json:"action"`
	Values []*string `json:"values"`
}

type cryptoResponse struct {
	Results []*string `json:"results"`
}

func (h *Handler) handleCrypto(w http.ResponseWriter, r *http.Request) {
	var req cryptoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var (
		results []*string
		err     error
	)
	switch req.Action {
	case "encrypt":
		results, err = h.codec.EncryptAll(req.Values)
	case "decrypt":
		results, err = h.codec.DecryptAll(req.Values)
	default:
		respondWithError(w, http.StatusBadRequest, "Invalid action. Use 'encrypt' or 'decrypt'")
		return
	}
	if err != nil {
		h.logger.Error("field codec failed", "action", req.Action, "error", err)
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, cryptoResponse{Results: results})
}

type platformPaymentRequest struct {
	PlanID string `json:"plan_id"`
}

func (h *Handler) handleCreatePlatformPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req platformPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PlanID == "" {
		respondWithError(w, http.StatusBadRequest, "plan_id required")
		return
	}

	checkout, err := h.platform.CreateCheckout(r.Context(), userID, req.PlanID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrPlatformPlanNotFound):
			respondWithError(w, http.StatusNotFound, "Plan not found")
		case errors.Is(err, app.ErrPlatformPaymentNotConfigured):
			respondWithError(w, http.StatusBadRequest, "Payment system not configured by admin")
		case errors.Is(err, app.ErrGatewayUnavailable):
			respondWithError(w, http.StatusBadGateway, err.Error())
		default:
			h.logger.Error("failed to create platform payment", "user_id", userID, "error", err)
			respondWithError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondWithJSON(w, http.StatusOK, checkout)
}

type wuzapiProxyRequest struct {
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method"`
	Body     json.RawMessage `json:"body"`
}

func (h *Handler) handleWuzAPIProxy(w http.ResponseWriter, r *http.Request) {
	userID, ok := UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req wuzapiProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	resp, err := h.messaging.Forward(r.Context(), userID, req.Method, req.Endpoint, req.Body)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrMessagingNotConfigured):
			respondWithError(w, http.StatusBadRequest, "WuzAPI not configured")
		case errors.Is(err, app.ErrInvalidProxyRequest):
			respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrGatewayUnavailable):
			respondWithError(w, http.StatusBadGateway, err.Error())
		default:
			h.logger.Error("wuzapi proxy failed", "user_id", userID, "error", err)
			respondWithError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

func (h *Handler) handleDispatchReminders(w http.ResponseWriter, r *http.Request) {
	// The sweep outlives the caller if it disconnects.
	summary := h.dispatcher.Dispatch(context.WithoutCancel(r.Context()))
	respondWithJSON(w, http.StatusOK, summary)
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
