/**
 * @description
 * Client for WuzAPI, the WhatsApp gateway each reseller account runs. Every
 * account has its own gateway URL and token, so both are passed per call.
 */
package wuzapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Account is one reseller's gateway session.
type Account struct {
	URL   string
	Token string
}

func (a Account) endpoint(path string) string {
	return strings.TrimRight(strings.TrimSpace(a.URL), "/") + path
}

// Client talks to WuzAPI instances.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a WuzAPI client.
func NewClient() *Client {
	return &Client{httpClient: &http.Client{Timeout: 20 * time.Second}}
}

type sessionStatusResponse struct {
	Data struct {
		Connected bool `json:"Connected"`
		LoggedIn  bool `json:"LoggedIn"`
	} `json:"data"`
}

// SessionConnected probes GET /session/status.
func (c *Client) SessionConnected(ctx context.Context, acct Account) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, acct.endpoint("/session/status"), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Token", acct.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to probe wuzapi session: %w", err)
	}
	defer resp.Body.Close()

	var status sessionStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return false, fmt.Errorf("failed to decode wuzapi session status: %w", err)
	}
	return status.Data.Connected, nil
}

type sendTextRequest struct {
	Phone string `json:"Phone"`
	Body  string `json:"Body"`
}

// SendText posts a text message. phone must already be digits only.
func (c *Client) SendText(ctx context.Context, acct Account, phone, body string) error {
	payload, err := json.Marshal(sendTextRequest{Phone: phone, Body: body})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, acct.endpoint("/chat/send/text"), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Token", acct.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send wuzapi message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("wuzapi returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// Response is a gateway answer relayed verbatim.
type Response struct {
	StatusCode int
	Body       []byte
}

// Forward sends method path to the account's gateway and returns whatever it
// answers. A nil body sends no request body.
func (c *Client) Forward(ctx context.Context, acct Account, method, path string, body json.RawMessage) (*Response, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, acct.endpoint(path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Token", acct.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach wuzapi: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read wuzapi response: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}
