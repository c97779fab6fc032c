package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/asthaai/sentinel/internal/circuitbreaker"
)

const breakerKey = "identity-authority"

// Client is an HTTP Authority implementation. Calls go through a circuit
// breaker so a dead authority does not serialize every caller behind
// connect timeouts.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates an HTTP identity-authority client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

func (c *Client) EstablishIdentity(ctx context.Context, subject, role string, attrs map[string]string) (*Connection, error) {
	var conn Connection
	err := c.do(ctx, http.MethodPost, "/v1/identities", map[string]any{
		"subject":    subject,
		"role":       role,
		"attributes": attrs,
	}, &conn)
	if err != nil {
		return nil, err
	}
	return &conn, nil
}

func (c *Client) VerifyIdentity(ctx context.Context, conn *Connection) (bool, error) {
	if conn == nil {
		return false, nil
	}
	var out struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/identities/"+conn.ID+"/verify", nil, &out)
	if err != nil {
		return false, err
	}
	return out.Valid, nil
}

func (c *Client) RevokeIdentity(ctx context.Context, agentID, reason string) (*Receipt, error) {
	var receipt Receipt
	err := c.do(ctx, http.MethodPost, "/v1/identities/"+agentID+"/revoke", map[string]any{
		"reason": reason,
	}, &receipt)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (c *Client) GetAgentConnection(ctx context.Context, agentID string) (*Connection, error) {
	var conn Connection
	if err := c.do(ctx, http.MethodGet, "/v1/identities/"+agentID, nil, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if !c.breaker.Allow(breakerKey) {
		return fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("identity: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("identity: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// 5xx means the authority itself is struggling; everything else counts
	// as a live (if unhappy) service.
	if resp.StatusCode >= 500 {
		c.breaker.RecordFailure(breakerKey)
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	c.breaker.RecordSuccess(breakerKey)

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s %s", ErrNotFound, method, path)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("identity: %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("identity: decode response: %w", err)
		}
	}
	return nil
}
