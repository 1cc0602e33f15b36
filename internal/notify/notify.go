// Package notify delivers human-facing alerts. Delivery is
// fire-and-forget: a notification failure is logged and swallowed, it
// never fails the pipeline run that produced it.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	notifyTimeout = 10 * time.Second

	// SubjectNotify mirrors every notification onto the bus for other
	// consumers.
	SubjectNotify = "triage.notify"
)

// Notification is the webhook payload.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Urgency string `json:"urgency,omitempty"`
	ItemID  string `json:"item_id,omitempty"`
	Source  string `json:"source,omitempty"`
}

// Notifier posts notifications to a webhook and optionally mirrors
// them to NATS. Either target may be absent.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
	nc         *nats.Conn
	logger     *slog.Logger
}

// New creates a notifier. An empty webhookURL disables HTTP delivery;
// a nil conn disables the bus mirror.
func New(webhookURL string, nc *nats.Conn, logger *slog.Logger) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: notifyTimeout},
		nc:         nc,
		logger:     logger,
	}
}

// Send delivers one notification to every configured target. Always
// returns; failures are logged.
func (n *Notifier) Send(notification Notification) {
	payload, err := json.Marshal(notification)
	if err != nil {
		n.logger.Error("Failed to marshal notification", "error", err)
		return
	}

	if n.webhookURL != "" {
		if err := n.post(payload); err != nil {
			n.logger.Warn("Notification webhook delivery failed",
				"title", notification.Title, "error", err)
		}
	}

	if n.nc != nil {
		if err := n.nc.Publish(SubjectNotify, payload); err != nil {
			n.logger.Warn("Notification bus publish failed",
				"title", notification.Title, "error", err)
		}
	}
}

func (n *Notifier) post(payload []byte) error {
	resp, err := n.httpClient.Post(n.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
