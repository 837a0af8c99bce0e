package handler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/internal/service"
)

// ── Requests ─────────────────────────────────────────────────────────────────

type createQuoteRequest struct {
	ClientName  string                 `json:"client_name"`
	ClientEmail string                 `json:"client_email"`
	ClientPhone *string                `json:"client_phone"`
	Currency    string                 `json:"currency"`
	ValidDays   int                    `json:"valid_days"`
	Items       []repository.QuoteItem `json:"items"`
}

type updateItemsRequest struct {
	Items []repository.QuoteItem `json:"items"`
}

type transitionRequest struct {
	Status   string                 `json:"status"`
	Reason   string                 `json:"reason"`
	Notes    *string                `json:"notes"`
	Metadata map[string]interface{} `json:"metadata"`
}

type reserveRequest struct {
	Items      []service.ReserveItem `json:"items"`
	TTLMinutes int                   `json:"ttl_minutes"`
	// camelCase alias of ttl_minutes
	TTLMinutesAlias int `json:"ttlMinutes"`
}

func (r *reserveRequest) ttl() time.Duration {
	minutes := r.TTLMinutes
	if minutes == 0 {
		minutes = r.TTLMinutesAlias
	}
	return time.Duration(minutes) * time.Minute
}

type decisionRequest struct {
	Decision string  `json:"decision"`
	Comments *string `json:"comments"`
}

type setStockRequest struct {
	TotalStock int `json:"total_stock"`
}

type enqueueRequest struct {
	Payload     repository.NotificationPayload `json:"payload"`
	Priority    int                            `json:"priority"`
	ScheduledAt *time.Time                     `json:"scheduled_at"`
}

type clientActionRequest struct {
	Action   string                 `json:"action"`
	Comments *string                `json:"comments"`
	Metadata map[string]interface{} `json:"metadata"`
}

// deliveryCallback is the provider-neutral webhook body.
type deliveryCallback struct {
	MessageID string       `json:"messageId"`
	Event     string       `json:"event"`
	Timestamp callbackTime `json:"timestamp"`
}

// sendGridEvent is one element of a SendGrid event webhook post.
type sendGridEvent struct {
	SGMessageID string `json:"sg_message_id"`
	Event       string `json:"event"`
	Timestamp   int64  `json:"timestamp"`
}

// callbackTime accepts unix seconds or an RFC 3339 string.
type callbackTime struct {
	time.Time
}

func (t *callbackTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" || len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			return nil
		}
		if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.Time = time.Unix(secs, 0).UTC()
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		t.Time = parsed.UTC()
		return nil
	}
	secs, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t.Time = time.Unix(secs, 0).UTC()
	return nil
}

// ── Responses ────────────────────────────────────────────────────────────────

type quoteResponse struct {
	ID          string                 `json:"id"`
	QuoteNumber string                 `json:"quote_number"`
	OwnerID     string                 `json:"owner_id"`
	ClientName  string                 `json:"client_name"`
	ClientEmail string                 `json:"client_email"`
	ClientPhone *string                `json:"client_phone,omitempty"`
	Currency    string                 `json:"currency"`
	TotalAmount int64                  `json:"total_amount"`
	Status      repository.QuoteStatus `json:"status"`
	Version     int64                  `json:"version"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	Items       []repository.QuoteItem `json:"items"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

func toQuoteResponse(q *repository.Quote) quoteResponse {
	items := q.Items
	if items == nil {
		items = []repository.QuoteItem{}
	}
	return quoteResponse{
		ID:          q.ID,
		QuoteNumber: q.QuoteNumber,
		OwnerID:     q.OwnerID,
		ClientName:  q.ClientName,
		ClientEmail: q.ClientEmail,
		ClientPhone: q.ClientPhone,
		Currency:    q.Currency,
		TotalAmount: q.TotalAmount,
		Status:      q.Status,
		Version:     q.Version,
		ExpiresAt:   q.ExpiresAt,
		Items:       items,
		CreatedAt:   q.CreatedAt,
		UpdatedAt:   q.UpdatedAt,
	}
}

// clientQuoteResponse is what the quote recipient may see.
type clientQuoteResponse struct {
	QuoteNumber string                 `json:"quote_number"`
	ClientName  string                 `json:"client_name"`
	Currency    string                 `json:"currency"`
	TotalAmount int64                  `json:"total_amount"`
	Status      repository.QuoteStatus `json:"status"`
	ExpiresAt   *time.Time             `json:"expires_at,omitempty"`
	Items       []repository.QuoteItem `json:"items"`
}

func toClientQuoteResponse(q *repository.Quote) clientQuoteResponse {
	full := toQuoteResponse(q)
	return clientQuoteResponse{
		QuoteNumber: full.QuoteNumber,
		ClientName:  full.ClientName,
		Currency:    full.Currency,
		TotalAmount: full.TotalAmount,
		Status:      full.Status,
		ExpiresAt:   full.ExpiresAt,
		Items:       full.Items,
	}
}

type historyResponse struct {
	ID             string                  `json:"id"`
	PreviousStatus *repository.QuoteStatus `json:"previous_status"`
	NewStatus      repository.QuoteStatus  `json:"new_status"`
	Actor          string                  `json:"actor"`
	Reason         string                  `json:"reason"`
	Notes          *string                 `json:"notes,omitempty"`
	Metadata       map[string]interface{}  `json:"metadata,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
}

func toHistoryResponses(records []*repository.StatusHistoryRecord) []historyResponse {
	out := make([]historyResponse, 0, len(records))
	for _, r := range records {
		out = append(out, historyResponse{
			ID:             r.ID,
			PreviousStatus: r.PreviousStatus,
			NewStatus:      r.NewStatus,
			Actor:          r.Actor,
			Reason:         r.Reason,
			Notes:          r.Notes,
			Metadata:       r.Metadata,
			CreatedAt:      r.CreatedAt,
		})
	}
	return out
}

type approvalResponse struct {
	ID            string                    `json:"id"`
	QuoteID       string                    `json:"quote_id"`
	Level         int                       `json:"level"`
	RequiredLevel int                       `json:"required_level"`
	Status        repository.ApprovalStatus `json:"status"`
	RequestedBy   string                    `json:"requested_by"`
	ApproverID    *string                   `json:"approver_id,omitempty"`
	Comments      *string                   `json:"comments,omitempty"`
	CreatedAt     time.Time                 `json:"created_at"`
	DecidedAt     *time.Time                `json:"decided_at,omitempty"`
}

func toApprovalResponse(a *repository.ApprovalRequest) *approvalResponse {
	if a == nil {
		return nil
	}
	return &approvalResponse{
		ID:            a.ID,
		QuoteID:       a.QuoteID,
		Level:         a.Level,
		RequiredLevel: a.RequiredLevel,
		Status:        a.Status,
		RequestedBy:   a.RequestedBy,
		ApproverID:    a.ApproverID,
		Comments:      a.Comments,
		CreatedAt:     a.CreatedAt,
		DecidedAt:     a.DecidedAt,
	}
}

func toApprovalResponses(list []*repository.ApprovalRequest) []*approvalResponse {
	out := make([]*approvalResponse, 0, len(list))
	for _, a := range list {
		out = append(out, toApprovalResponse(a))
	}
	return out
}

type reservationResponse struct {
	ID        string                `json:"reservation_id"`
	QuoteID   string                `json:"quote_id"`
	ExpiresAt time.Time             `json:"expires_at"`
	Items     []service.ReserveItem `json:"items"`
}

type availabilityResponse struct {
	SKU        string `json:"sku"`
	TotalStock int    `json:"total_stock"`
	Reserved   int    `json:"reserved"`
	Available  int    `json:"available"`
}

type queueItemResponse struct {
	ID          string                 `json:"id"`
	QuoteID     *string                `json:"quote_id,omitempty"`
	Recipient   string                 `json:"recipient"`
	Payload     json.RawMessage        `json:"payload"`
	Priority    int                    `json:"priority"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"max_attempts"`
	Status      repository.QueueStatus `json:"status"`
	ScheduledAt time.Time              `json:"scheduled_at"`
	LockedAt    *time.Time             `json:"locked_at,omitempty"`
	LastError   *string                `json:"last_error,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

func toQueueItemResponse(i *repository.DeliveryQueueItem) queueItemResponse {
	payload := json.RawMessage(i.Payload)
	if !json.Valid(payload) {
		payload = json.RawMessage("null")
	}
	return queueItemResponse{
		ID:          i.ID,
		QuoteID:     i.QuoteID,
		Recipient:   i.Recipient,
		Payload:     payload,
		Priority:    i.Priority,
		Attempts:    i.Attempts,
		MaxAttempts: i.MaxAttempts,
		Status:      i.Status,
		ScheduledAt: i.ScheduledAt,
		LockedAt:    i.LockedAt,
		LastError:   i.LastError,
		CreatedAt:   i.CreatedAt,
		UpdatedAt:   i.UpdatedAt,
	}
}

type deliveryLogResponse struct {
	ID          string                       `json:"id"`
	QueueItemID string                       `json:"queue_item_id"`
	QuoteID     *string                      `json:"quote_id,omitempty"`
	Recipient   string                       `json:"recipient"`
	MessageID   *string                      `json:"message_id,omitempty"`
	Status      repository.DeliveryLogStatus `json:"status"`
	Attempts    int                          `json:"attempts"`
	Error       *string                      `json:"error,omitempty"`
	SentAt      time.Time                    `json:"sent_at"`
	DeliveredAt *time.Time                   `json:"delivered_at,omitempty"`
	OpenedAt    *time.Time                   `json:"opened_at,omitempty"`
	ClickedAt   *time.Time                   `json:"clicked_at,omitempty"`
	BouncedAt   *time.Time                   `json:"bounced_at,omitempty"`
}

func toDeliveryLogResponse(l *repository.DeliveryLogRecord) deliveryLogResponse {
	return deliveryLogResponse{
		ID:          l.ID,
		QueueItemID: l.QueueItemID,
		QuoteID:     l.QuoteID,
		Recipient:   l.Recipient,
		MessageID:   l.MessageID,
		Status:      l.Status,
		Attempts:    l.Attempts,
		Error:       l.Error,
		SentAt:      l.SentAt,
		DeliveredAt: l.DeliveredAt,
		OpenedAt:    l.OpenedAt,
		ClickedAt:   l.ClickedAt,
		BouncedAt:   l.BouncedAt,
	}
}
