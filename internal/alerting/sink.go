package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Sink delivers notifications.
type Sink interface {
	Send(ctx context.Context, n Notification) error
}

// WebhookSink posts each notification as JSON.
type WebhookSink struct {
	url    string
	client *http.Client
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send implements Sink.
func (s *WebhookSink) Send(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return eris.Wrap(err, "alerting: marshal notification")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "alerting: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "alerting: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("alerting: webhook returned status %d", resp.StatusCode)
	}
	zap.L().Info("alerting: notification sent",
		zap.String("area", n.Area),
		zap.String("recipient", n.Recipient),
		zap.Int("events", len(n.EventIDs)),
	)
	return nil
}

// LogSink writes notifications to the logger. It is the default when no
// webhook is configured.
type LogSink struct{}

// Send implements Sink.
func (LogSink) Send(_ context.Context, n Notification) error {
	zap.L().Info("alerting: notification",
		zap.String("area", n.Area),
		zap.String("recipient", n.Recipient),
		zap.String("subject", n.Subject),
		zap.Strings("event_ids", n.EventIDs),
	)
	return nil
}
