// Package notify delivers best-effort HTTP notifications. Failures are
// logged and counted, never surfaced to the transition that triggered them.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mao/internal/metrics"
)

// Notifier pushes one named event about an order. Implementations must not
// block the caller's success path on delivery.
type Notifier interface {
	Send(ctx context.Context, event string, payload any)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Send(context.Context, string, any) {}

// HTTP posts notifications to a fixed endpoint, fire-and-forget.
type HTTP struct {
	endpoint string
	client   *http.Client
	log      *zap.Logger
	metrics  *metrics.Registry
}

func NewHTTP(endpoint string, timeout time.Duration, log *zap.Logger, m *metrics.Registry) *HTTP {
	return &HTTP{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log,
		metrics:  m,
	}
}

// Send fires the notification on its own goroutine with its own deadline so
// a slow receiver cannot hold up the transition response.
func (n *HTTP) Send(_ context.Context, event string, payload any) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
		defer cancel()
		if err := n.post(ctx, event, payload); err != nil {
			n.log.Warn("notification failed", zap.String("event", event), zap.Error(err))
			if n.metrics != nil {
				n.metrics.NotifyFailed.Inc()
			}
		}
	}()
}

func (n *HTTP) post(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(map[string]any{"event": event, "data": payload})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
	return nil
}
