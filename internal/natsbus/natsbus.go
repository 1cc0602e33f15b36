// Package natsbus feeds bus-delivered events into the pipeline. Each
// connector publishes raw events under events.<source>; the subject
// suffix fills in the source when the payload omits it.
package natsbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/triageflux/internal/model"
	"github.com/sgerhart/triageflux/internal/pipeline"
)

// SubjectEvents is the intake subject wildcard.
const SubjectEvents = "events.>"

const processTimeout = 5 * time.Minute

// Subscriber consumes events from the bus and runs them through the
// pipeline.
type Subscriber struct {
	nc       *nats.Conn
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
	sub      *nats.Subscription
}

// NewSubscriber creates a subscriber.
func NewSubscriber(nc *nats.Conn, p *pipeline.Pipeline, logger *slog.Logger) *Subscriber {
	return &Subscriber{nc: nc, pipeline: p, logger: logger}
}

// Start subscribes to the intake subject. Handlers run on the NATS
// delivery goroutine; processing failures are logged and the message
// is dropped, matching at-most-once intake semantics.
func (s *Subscriber) Start() error {
	sub, err := s.nc.Subscribe(SubjectEvents, s.handle)
	if err != nil {
		return err
	}
	s.sub = sub
	s.logger.Info("Subscribed to event intake", "subject", SubjectEvents)
	return nil
}

// Stop drains the subscription.
func (s *Subscriber) Stop() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Drain()
}

func (s *Subscriber) handle(msg *nats.Msg) {
	var event model.Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		s.logger.Warn("Dropping malformed event message", "subject", msg.Subject, "error", err)
		return
	}

	if event.Source == "" {
		event.Source = SourceFromSubject(msg.Subject)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	if _, err := s.pipeline.Process(ctx, event); err != nil {
		s.logger.Error("Failed to process bus event",
			"subject", msg.Subject, "item_id", event.ItemID, "error", err)
	}
}

// SourceFromSubject extracts the connector name from an intake
// subject, e.g. events.pagerduty.alerts yields pagerduty.
func SourceFromSubject(subject string) string {
	parts := strings.SplitN(subject, ".", 3)
	if len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	return "bus"
}
