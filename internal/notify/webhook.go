// Package notify turns capsule events into user notifications and delivers
// them to an external webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/capsule-auction/backend/internal/events"
	"go.uber.org/zap"
)

type Notification struct {
	UserID    string         `json:"user_id"`
	Type      string         `json:"type"`
	Text      string         `json:"text"`
	CapsuleID string         `json:"capsule_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// FromEvent builds the notification for an event. Events without a
// recipient produce none.
func FromEvent(e events.Event) (Notification, bool) {
	userID := e.NotifyUserID()
	if userID == "" {
		return Notification{}, false
	}
	capsuleID, _ := e.Payload["capsule_id"].(string)
	amount, _ := e.Payload["amount"].(string)

	var text string
	switch e.Type {
	case events.EventBidPlaced:
		text = fmt.Sprintf("New bid of %s on your capsule", amount)
	case events.EventBidAccepted:
		text = fmt.Sprintf("Your bid of %s was accepted", amount)
	case events.EventCapsuleOpened:
		text = "A capsule you won is now open"
	default:
		text = "Event: " + e.Type
	}

	return Notification{
		UserID:    userID,
		Type:      e.Type,
		Text:      text,
		CapsuleID: capsuleID,
		Payload:   e.Payload,
	}, true
}

// WebhookClient posts notifications as JSON to a single URL.
type WebhookClient struct {
	url        string
	httpClient *http.Client
	log        *zap.Logger
}

func NewWebhookClient(url string, log *zap.Logger) *WebhookClient {
	return &WebhookClient{
		url: strings.TrimRight(url, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log,
	}
}

func (c *WebhookClient) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify webhook unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notify webhook returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// Forward delivers the notification for e, if any. Failures are logged and
// dropped.
func (c *WebhookClient) Forward(ctx context.Context, e events.Event) {
	n, ok := FromEvent(e)
	if !ok {
		return
	}
	if err := c.Send(ctx, n); err != nil {
		c.log.Warn("failed to forward notification",
			zap.String("type", e.Type),
			zap.String("user_id", n.UserID),
			zap.Error(err),
		)
		return
	}
	c.log.Debug("notification forwarded", zap.String("type", e.Type), zap.String("user_id", n.UserID))
}
