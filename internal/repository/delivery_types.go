package repository

import "time"

// QueueStatus is the state of a delivery queue item.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// Channel selects the transport used for a payload.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// NotificationPayload is the serialized body of a queue item. The engine does
// not render documents; Subject and Body are produced by the caller.
type NotificationPayload struct {
	Channel   Channel           `json:"channel"`
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject,omitempty"`
	Body      string            `json:"body"`
	QuoteID   string            `json:"quote_id,omitempty"`
	Event     string            `json:"event,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// DeliveryQueueItem is one durable unit of outbound-notification work.
type DeliveryQueueItem struct {
	ID          string
	QuoteID     *string
	Recipient   string
	Payload     []byte
	Priority    int
	Attempts    int
	MaxAttempts int
	Status      QueueStatus
	ScheduledAt time.Time
	LockedAt    *time.Time
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DeliveryLogStatus is the outcome recorded for an attempt.
type DeliveryLogStatus string

const (
	DeliveryLogSent   DeliveryLogStatus = "sent"
	DeliveryLogFailed DeliveryLogStatus = "failed"
)

// DeliveryLogRecord is written once per completed or failed item. Callback
// timestamps are filled in later by provider webhooks.
type DeliveryLogRecord struct {
	ID          string
	QueueItemID string
	QuoteID     *string
	Recipient   string
	MessageID   *string
	Status      DeliveryLogStatus
	Attempts    int
	Error       *string
	SentAt      time.Time
	DeliveredAt *time.Time
	OpenedAt    *time.Time
	ClickedAt   *time.Time
	BouncedAt   *time.Time
}

// CallbackEvent is a provider delivery notification.
type CallbackEvent string

const (
	CallbackDelivered CallbackEvent = "delivered"
	CallbackOpened    CallbackEvent = "opened"
	CallbackClicked   CallbackEvent = "clicked"
	CallbackBounced   CallbackEvent = "bounced"
)

// QueueFilter narrows queue listings for the admin surface.
type QueueFilter struct {
	Status    *QueueStatus
	Recipient *string
	Limit     int
	Offset    int
}

// DeliveryLogFilter narrows delivery log listings.
type DeliveryLogFilter struct {
	Status    *DeliveryLogStatus
	Recipient *string
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}
