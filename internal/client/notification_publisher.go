package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-sales-quotes/internal/metrics"
)

// EventBus is a message broker that accepts lifecycle events.
type EventBus interface {
	Name() string
	// Publish sends data under subject. key orders events of one quote and
	// msgID is unique per event, for brokers that de-duplicate.
	Publish(ctx context.Context, subject, key, msgID string, data []byte) error
	Close() error
}

// QuoteEvent is the JSON schema published for every committed quote transition.
type QuoteEvent struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	QuoteID     string    `json:"quote_id"`
	QuoteNumber string    `json:"quote_number"`
	OwnerID     string    `json:"owner_id"`
	ActorID     string    `json:"actor_id"`
	FromStatus  string    `json:"from_status"`
	ToStatus    string    `json:"to_status"`
	Reason      string    `json:"reason,omitempty"`
	TotalAmount int64     `json:"total_amount"`
	Currency    string    `json:"currency"`
	Version     int64     `json:"version"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NotificationPublisher publishes quote lifecycle events to an EventBus.
//
// Subject convention: quotes.events.<event_type>, keyed by quote ID.
// Event types: quote_pending_approval, quote_approved, quote_sent, quote_viewed,
// quote_accepted, quote_rejected, quote_expired, ...
//
// Publishing is non-fatal: errors are logged and counted, never returned, so a
// broker outage never interrupts a lifecycle operation.
type NotificationPublisher struct {
	bus EventBus
	log zerolog.Logger
}

// NewNotificationPublisher creates a publisher backed by bus. A nil bus disables publishing.
func NewNotificationPublisher(bus EventBus, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{bus: bus, log: log}
}

// Subject returns the bus subject for an event type.
func Subject(eventType string) string {
	return fmt.Sprintf("quotes.events.%s", eventType)
}

// PublishQuoteEvent publishes a lifecycle event.
func (p *NotificationPublisher) PublishQuoteEvent(ctx context.Context, event QuoteEvent) {
	if p.bus == nil {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", event.EventType).Msg("notification: failed to marshal event")
		return
	}

	subject := Subject(event.EventType)
	msgID := event.EventID
	if msgID == "" {
		msgID = fmt.Sprintf("%s:%d", event.QuoteID, event.Version)
	}
	if err := p.bus.Publish(ctx, subject, event.QuoteID, msgID, data); err != nil {
		metrics.EventPublishFailuresTotal.WithLabelValues(p.bus.Name()).Inc()
		p.log.Warn().Err(err).
			Str("bus", p.bus.Name()).
			Str("subject", subject).
			Str("quote_id", event.QuoteID).
			Msg("notification: failed to publish event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("bus", p.bus.Name()).
		Str("subject", subject).
		Str("quote_id", event.QuoteID).
		Msg("notification: event published")
}

// Close closes the underlying bus.
func (p *NotificationPublisher) Close() error {
	if p.bus == nil {
		return nil
	}
	return p.bus.Close()
}
