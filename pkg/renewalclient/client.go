/**
 * @description
 * Client for the external IPTV renewal API. Calls go through a circuit
 * breaker so a dead renewal API fails fast instead of tying up webhook and
 * manual-renewal requests.
 *
 * The base URL and API key are passed per call: they live in
 * system_settings and are loaded once per invocation by the caller.
 *
 * @dependencies
 * - github.com/sony/gobreaker/v2
 */
package renewalclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

const maxResponseBytes = 1 << 20

// ErrNotConfigured is returned when the base URL or API key is empty.
var ErrNotConfigured = errors.New("renewal api is not configured")

// Endpoint identifies the renewal API deployment to call.
type Endpoint struct {
	BaseURL string
	APIKey  string
}

// RenewResponse is the renewal API's verdict. Raw is the full response body
// as JSON; a body that was not JSON is wrapped as {"raw": "..."}.
type RenewResponse struct {
	Success    bool
	Error      string
	StatusCode int
	Raw        json.RawMessage
}

// Client is a client for the renewal API.
type Client struct {
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker[*http.Response]
	logger     *slog.Logger
}

// NewClient creates a client whose breaker opens after failureThreshold
// consecutive transport failures.
func NewClient(logger *slog.Logger, failureThreshold int) *Client {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	threshold := uint32(failureThreshold)

	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "renewal-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("renewal api circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		cb:         cb,
		logger:     logger,
	}
}

// Renew posts body verbatim to {base}/renew. Any HTTP response is
// authoritative: the body's success flag decides the outcome, not the
// status code. A returned error means no response was obtained.
func (c *Client) Renew(ctx context.Context, endpoint Endpoint, body []byte) (*RenewResponse, error) {
	raw, status, err := c.post(ctx, endpoint, "/renew", body)
	if err != nil {
		return nil, err
	}

	res := &RenewResponse{StatusCode: status, Raw: raw}
	var parsed struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		res.Error = fmt.Sprintf("renewal api returned an unreadable response (status %d)", status)
		return res, nil
	}
	res.Success = parsed.Success
	res.Error = parsed.Error
	if !res.Success && res.Error == "" {
		res.Error = "Unknown error"
	}
	return res, nil
}

// SigmaCredentials identifies a sigma panel login.
type SigmaCredentials struct {
	Username string
	Password string
	Domain   string
}

// ListSigmaPackages asks the renewal API for the packages available on a
// sigma panel and returns its response body unchanged.
func (c *Client) ListSigmaPackages(ctx context.Context, endpoint Endpoint, creds SigmaCredentials) (json.RawMessage, error) {
	domainURL := strings.TrimSpace(creds.Domain)
	if !strings.HasPrefix(domainURL, "http") {
		domainURL = "https://" + domainURL
	}
	payload := map[string]interface{}{
		"credentials":  map[string]string{"username": creds.Username, "password": creds.Password},
		"sigma_domain": domainURL,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sigma packages payload: %w", err)
	}

	raw, _, err := c.post(ctx, endpoint, "/sigma/packages", body)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) post(ctx context.Context, endpoint Endpoint, path string, body []byte) (json.RawMessage, int, error) {
	baseURL := strings.TrimSuffix(strings.TrimSpace(endpoint.BaseURL), "/")
	if baseURL == "" || endpoint.APIKey == "" {
		return nil, 0, ErrNotConfigured
	}

	resp, err := c.cb.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-Key", endpoint.APIKey)
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, 0, fmt.Errorf("renewal api request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read renewal api response: %w", err)
	}

	if !json.Valid(data) {
		wrapped, _ := json.Marshal(map[string]string{"raw": string(data)})
		c.logger.Warn("renewal api returned non-json body", "path", path, "status", resp.StatusCode)
		return wrapped, resp.StatusCode, nil
	}
	return data, resp.StatusCode, nil
}
