package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StateConnected is the gateway state in which sends are accepted
const StateConnected = "connected"

// Client is a messaging gateway API client
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new messaging gateway client
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// request performs an HTTP request to the gateway API
func (c *Client) request(ctx context.Context, method, path string, body any, result any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Error == "" {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("gateway error: %s", errResp.Error)
	}

	if result != nil && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}

// Status returns the gateway connection state
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.request(ctx, http.MethodGet, "/api/v1/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IsReady reports whether the gateway is connected and accepting sends
func (c *Client) IsReady(ctx context.Context) bool {
	status, err := c.Status(ctx)
	if err != nil {
		return false
	}
	return status.State == StateConnected
}

// SendText sends a text message and returns the gateway's message id
func (c *Client) SendText(ctx context.Context, phone, text string) (string, error) {
	var resp SendTextResponse
	err := c.request(ctx, http.MethodPost, "/api/v1/messages/text", &SendTextRequest{
		Phone: phone,
		Text:  text,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", errors.New("gateway returned empty message id")
	}
	return resp.ID, nil
}
