// Package peers talks to the platform's peer services (vehicle, quotation,
// plan, person, wallet, profile) through the RPC gateway.
package peers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Caller issues one request to domain/service and returns the decoded data
// payload. Injectable so tests can fake the whole peer surface.
type Caller func(ctx context.Context, domain, service string, payload any) (json.RawMessage, error)

// envelope is the gateway's fixed response shape. Code 200 means success;
// any other code is a failure the caller must branch on.
type envelope struct {
	Code int             `json:"code"`
	Data json.RawMessage `json:"data,omitempty"`
	Msg  string          `json:"msg,omitempty"`
}

// Client posts JSON to <base>/<domain>/<service> with a bounded timeout.
type Client struct {
	base string
	http *http.Client
}

// NewClient builds a gateway client. timeout bounds every individual call.
func NewClient(base string, timeout time.Duration) *Client {
	return &Client{base: base, http: &http.Client{Timeout: timeout}}
}

// Call implements Caller against the real gateway.
func (c *Client) Call(ctx context.Context, domain, service string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s/%s payload: %w", domain, service, err)
	}
	url := fmt.Sprintf("%s/%s/%s", c.base, domain, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, unavailable(domain, service, 0, err.Error())
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, unavailable(domain, service, resp.StatusCode, "bad envelope: "+err.Error())
	}
	if env.Code != 200 {
		return nil, unavailable(domain, service, env.Code, env.Msg)
	}
	return env.Data, nil
}
