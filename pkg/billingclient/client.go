/**
 * @description
 * Client the scheduler uses to trigger work on billing-api.
 */
package billingclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/revendapro/billing-engine/internal/domain"
)

// Client provides methods to interact with billing-api.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new billing-api client. The timeout covers a full
// reminder sweep, which paces sends per account.
func NewClient(baseURL, apiKey string) *Client {
	normalizedURL := strings.TrimSuffix(baseURL, "/")
	return &Client{
		baseURL:    normalizedURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// DispatchReminders runs one reminder sweep.
func (c *Client) DispatchReminders(ctx context.Context) (*domain.DispatchSummary, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("billing api base URL is not configured")
	}

	url := fmt.Sprintf("%s%s", c.baseURL, "/internal/reminders/dispatch")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer([]byte("{}")))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Internal-API-Key", c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("billing api returned status %d", resp.StatusCode)
	}

	var summary domain.DispatchSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return nil, fmt.Errorf("failed to decode dispatch summary: %w", err)
	}
	return &summary, nil
}
