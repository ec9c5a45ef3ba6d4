package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/revendapro/billing-engine/internal/domain"
	"github.com/revendapro/billing-engine/internal/store"
	"github.com/revendapro/billing-engine/pkg/wuzapi"
)

var (
	ErrMessagingNotConfigured = errors.New("WuzAPI not configured")
	ErrInvalidProxyRequest    = errors.New("invalid proxy request")
)

// MessagingForwarder relays raw calls to a WuzAPI instance.
type MessagingForwarder interface {
	Forward(ctx context.Context, acct wuzapi.Account, method, path string, body json.RawMessage) (*wuzapi.Response, error)
}

// ProfileReader loads an owner's profile.
type ProfileReader interface {
	GetProfile(ctx context.Context, userID string) (*domain.Profile, error)
}

// MessagingProxy lets the dashboard drive an owner's own WuzAPI session
// (QR pairing, status, logout) without exposing the gateway token to the
// browser.
type MessagingProxy struct {
	profiles ProfileReader
	gateway  MessagingForwarder
	logger   *slog.Logger
}

func NewMessagingProxy(profiles ProfileReader, gateway MessagingForwarder, logger *slog.Logger) *MessagingProxy {
	return &MessagingProxy{profiles: profiles, gateway: gateway, logger: logger}
}

var proxyMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodDelete: true,
}

// Forward relays one call to the owner's gateway. method defaults to POST;
// endpoint must be a path on the gateway, never a full URL.
func (m *MessagingProxy) Forward(ctx context.Context, userID, method, endpoint string, body json.RawMessage) (*wuzapi.Response, error) {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodPost
	}
	if !proxyMethods[method] {
		return nil, fmt.Errorf("%w: method %s not allowed", ErrInvalidProxyRequest, method)
	}
	if !strings.HasPrefix(endpoint, "/") || strings.HasPrefix(endpoint, "//") || strings.Contains(endpoint, "..") {
		return nil, fmt.Errorf("%w: endpoint must be a gateway path", ErrInvalidProxyRequest)
	}
	if string(body) == "null" {
		body = nil
	}

	profile, err := m.profiles.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrProfileNotFound) {
		return nil, err
	}
	if profile == nil || !profile.HasMessagingGateway() {
		return nil, ErrMessagingNotConfigured
	}

	resp, err := m.gateway.Forward(ctx, wuzapi.Account{URL: profile.WuzAPIURL, Token: profile.WuzAPIToken}, method, endpoint, body)
	if err != nil {
		m.logger.Warn("wuzapi proxy call failed", "user_id", userID, "endpoint", endpoint, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	return resp, nil
}
