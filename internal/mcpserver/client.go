package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/parv3213/flight-escrow/internal/validation"
)

// Config holds the configuration for connecting to the escrow API.
type Config struct {
	APIURL        string // Base URL, e.g. "http://localhost:8080"
	CallerAddress string // Account the tools act as, e.g. "0x..."
}

// Client is a pure HTTP client for the escrow API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set(validation.CallerHeader, c.cfg.CallerAddress)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// GetFlight returns one escrow's view.
func (c *Client) GetFlight(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/flights/"+address, nil, nil)
}

// ListFlights returns a page of the registry.
func (c *Client) ListFlights(ctx context.Context, cursor string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/flights", q, nil)
}

// GetBalance returns the caller's ledger balance.
func (c *Client) GetBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/accounts/"+c.cfg.CallerAddress+"/balance", nil, nil)
}

// BuyTicket pays value into a flight for a passenger named name.
func (c *Client) BuyTicket(ctx context.Context, address, name, value string) (json.RawMessage, error) {
	body := map[string]string{
		"name":  name,
		"value": value,
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/flights/"+address+"/tickets", nil, body)
}

// ClaimRefund collects the caller's fares after a refund ruling.
func (c *Client) ClaimRefund(ctx context.Context, address string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/flights/"+address+"/refund", nil, nil)
}
