// Package notify sends client-facing SMS messages. Delivery is fire and
// forget: failures are logged and never block a status transition.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Sender delivers one SMS.
type Sender interface {
	SendSMS(ctx context.Context, phone, message string) error
}

// HTTPSender posts messages to the SMS gateway.
type HTTPSender struct {
	url  string
	http *http.Client
}

func NewHTTPSender(url string) *HTTPSender {
	return &HTTPSender{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSender) SendSMS(ctx context.Context, phone, message string) error {
	b, err := json.Marshal(map[string]string{"phone": phone, "message": message})
	if err != nil {
		return fmt.Errorf("notify: marshal sms: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("notify: build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("notify: send sms: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("notify: sms gateway returned %d", resp.StatusCode)
	}
	return nil
}

// Notifier wraps a Sender with the fire-and-forget policy.
type Notifier struct {
	sender Sender
	logger *zap.Logger
}

func NewNotifier(sender Sender, logger *zap.Logger) *Notifier {
	return &Notifier{sender: sender, logger: logger}
}

// Notify logs delivery failures instead of returning them.
func (n *Notifier) Notify(ctx context.Context, phone, message string) {
	if n == nil || n.sender == nil || phone == "" {
		return
	}
	if err := n.sender.SendSMS(ctx, phone, message); err != nil {
		n.logger.Warn("sms delivery failed", zap.String("phone", phone), zap.Error(err))
	}
}
