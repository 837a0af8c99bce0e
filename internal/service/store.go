package service

import (
	"context"
	"time"

	"github.com/pesio-ai/be-sales-quotes/internal/client"
	"github.com/pesio-ai/be-sales-quotes/internal/repository"
)

// QuoteStore persists quotes and their status history.
// Implemented by repository.QuoteRepository and memstore.Store.
type QuoteStore interface {
	CreateQuote(ctx context.Context, quote *repository.Quote, initial *repository.StatusHistoryRecord) error
	GetQuote(ctx context.Context, id string) (*repository.Quote, error)
	ListQuotes(ctx context.Context, filter repository.QuoteFilter) ([]*repository.Quote, int64, error)
	CommitTransition(ctx context.Context, quoteID string, expectedVersion int64, from repository.QuoteStatus, rec *repository.StatusHistoryRecord) (int64, error)
	UpdateQuoteItems(ctx context.Context, quoteID string, expectedVersion int64, items []repository.QuoteItem, total int64, at time.Time) (int64, error)
	ListHistory(ctx context.Context, quoteID string) ([]*repository.StatusHistoryRecord, error)
	ListExpiringQuotes(ctx context.Context, now time.Time, statuses []repository.QuoteStatus, limit int) ([]*repository.Quote, error)
}

// ApprovalStore persists approval requests.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, req *repository.ApprovalRequest) error
	GetApproval(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	ResolveApproval(ctx context.Context, id string, status repository.ApprovalStatus, approverID string, comments *string, at time.Time) (*repository.ApprovalRequest, error)
	ReopenApproval(ctx context.Context, id string) error
	ListApprovalsByQuote(ctx context.Context, quoteID string) ([]*repository.ApprovalRequest, error)
	ListPendingApprovals(ctx context.Context, limit, offset int) ([]*repository.ApprovalRequest, error)
	CancelPendingApprovals(ctx context.Context, quoteID string, at time.Time) (int, error)
}

// StockStore persists stock levels and reservations.
type StockStore interface {
	UpsertStock(ctx context.Context, sku string, total int, version int64, at time.Time) (*repository.StockItem, error)
	GetStock(ctx context.Context, sku string) (*repository.StockItem, error)
	SnapshotStock(ctx context.Context, quoteID string, skus []string, now time.Time) (map[string]repository.StockSnapshot, error)
	ApplyReservation(ctx context.Context, quoteID string, rows []*repository.StockReservation, versions map[string]int64, at time.Time) error
	ReleaseReservations(ctx context.Context, quoteID string) (int, error)
	ListReservations(ctx context.Context, quoteID string) ([]*repository.StockReservation, error)
	PurgeExpiredReservations(ctx context.Context, now time.Time) (int, error)
}

// DeliveryStore persists the delivery queue and its logs.
type DeliveryStore interface {
	EnqueueItem(ctx context.Context, item *repository.DeliveryQueueItem) error
	GetItem(ctx context.Context, id string) (*repository.DeliveryQueueItem, error)
	ClaimDueItems(ctx context.Context, now time.Time, limit int) ([]*repository.DeliveryQueueItem, error)
	CompleteItem(ctx context.Context, id string, log *repository.DeliveryLogRecord, at time.Time) error
	RescheduleItem(ctx context.Context, id string, next time.Time, lastErr string, at time.Time) error
	FailItem(ctx context.Context, id string, lastErr string, log *repository.DeliveryLogRecord, at time.Time) error
	RetryItem(ctx context.Context, id string, at time.Time) (*repository.DeliveryQueueItem, error)
	DeleteItem(ctx context.Context, id string) error
	ListItems(ctx context.Context, filter repository.QueueFilter) ([]*repository.DeliveryQueueItem, int64, error)
	FailExhaustedItems(ctx context.Context, at time.Time) (int, error)
	RequeueStaleItems(ctx context.Context, staleBefore, at time.Time) (int, error)

	ListDeliveryLogs(ctx context.Context, filter repository.DeliveryLogFilter) ([]*repository.DeliveryLogRecord, int64, error)
	ApplyDeliveryCallback(ctx context.Context, messageID string, event repository.CallbackEvent, at time.Time) (bool, error)
}

// TokenStore persists hashed client access tokens.
type TokenStore interface {
	CreateToken(ctx context.Context, token *repository.AccessToken) error
	GetTokenByHash(ctx context.Context, hash string) (*repository.AccessToken, error)
	ResolveToken(ctx context.Context, id, resolution string, at time.Time) error
	ReopenToken(ctx context.Context, id string) error
	PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error)
}

// Transport delivers one rendered notification and returns the provider's message ID.
// Failures worth retrying carry errors.ErrCodeDeliveryTransient; anything
// carrying errors.ErrCodeDeliveryPermanent fails the item at once.
type Transport interface {
	Send(ctx context.Context, payload repository.NotificationPayload) (string, error)
}

// EventPublisher publishes quote lifecycle events. Publishing never fails the caller.
type EventPublisher interface {
	PublishQuoteEvent(ctx context.Context, event client.QuoteEvent)
}

// ViewDeduper reports whether a view of a quote is the first inside window.
// Forget drops the mark so the next view counts as first again.
type ViewDeduper interface {
	FirstView(ctx context.Context, quoteID string, window time.Duration) (bool, error)
	Forget(ctx context.Context, quoteID string) error
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ── Actors ────────────────────────────────────────────────────────────────────

// Actor is whoever requests an operation.
type Actor struct {
	ID    string
	Roles []string
}

// SystemActor performs scheduled transitions.
var SystemActor = Actor{ID: "system"}

// ClientActor performs transitions reported through access tokens.
var ClientActor = Actor{ID: "client"}

// HasAnyRole reports whether the actor holds at least one of roles.
func (a Actor) HasAnyRole(roles []string) bool {
	for _, held := range a.Roles {
		for _, want := range roles {
			if held == want {
				return true
			}
		}
	}
	return false
}

type nopPublisher struct{}

func (nopPublisher) PublishQuoteEvent(context.Context, client.QuoteEvent) {}
