package service

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-sales-quotes/internal/metrics"
	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
)

// DeliveryQueueConfig holds the retry policy of the queue.
type DeliveryQueueConfig struct {
	RetryLadder          []time.Duration
	MaxAttempts          int
	BatchSize            int
	ProcessingStaleAfter time.Duration
}

// DrainStats summarizes one drain run.
type DrainStats struct {
	Skipped     bool
	Claimed     int
	Completed   int
	Rescheduled int
	Failed      int
}

// QueueSweepStats summarizes one queue maintenance run.
type QueueSweepStats struct {
	Exhausted int
	Requeued  int
}

// DeliveryQueue is the durable, retrying outbound-notification queue.
//
// Items are claimed in (priority desc, scheduled_at asc) order. A transient
// failure on attempt n schedules the next try after RetryLadder[min(n-1, len-1)];
// the item fails once MaxAttempts is reached or the transport reports a
// permanent failure.
type DeliveryQueue struct {
	store     DeliveryStore
	transport Transport
	cfg       DeliveryQueueConfig
	clock     Clock
	log       *logger.Logger

	draining atomic.Bool
}

// NewDeliveryQueue creates a new DeliveryQueue.
func NewDeliveryQueue(store DeliveryStore, transport Transport, cfg DeliveryQueueConfig, clock Clock, log *logger.Logger) *DeliveryQueue {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 50
	}
	return &DeliveryQueue{
		store:     store,
		transport: transport,
		cfg:       cfg,
		clock:     clock,
		log:       log.Component("delivery_queue"),
	}
}

// Enqueue stores a payload for delivery at scheduledAt, or now when nil.
func (q *DeliveryQueue) Enqueue(ctx context.Context, payload repository.NotificationPayload, priority int, scheduledAt *time.Time) (string, error) {
	// Validate payload
	payload.Recipient = strings.TrimSpace(payload.Recipient)
	if payload.Recipient == "" {
		return "", errors.InvalidInput("recipient", "recipient is required")
	}
	if payload.Channel == "" {
		payload.Channel = repository.ChannelEmail
	}
	if payload.Channel != repository.ChannelEmail && payload.Channel != repository.ChannelSMS {
		return "", errors.InvalidInput("channel", "channel must be 'email' or 'sms'")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal notification payload")
	}

	now := q.clock.Now()
	due := now
	if scheduledAt != nil {
		due = *scheduledAt
	}

	item := &repository.DeliveryQueueItem{
		ID:          uuid.NewString(),
		Recipient:   payload.Recipient,
		Payload:     data,
		Priority:    priority,
		MaxAttempts: q.cfg.MaxAttempts,
		Status:      repository.QueueStatusPending,
		ScheduledAt: due,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if payload.QuoteID != "" {
		quoteID := payload.QuoteID
		item.QuoteID = &quoteID
	}

	if err := q.store.EnqueueItem(ctx, item); err != nil {
		return "", err
	}

	q.log.Info().
		Str("queue_id", item.ID).
		Str("channel", string(payload.Channel)).
		Str("recipient", item.Recipient).
		Int("priority", priority).
		Time("scheduled_at", due).
		Msg("Notification enqueued")

	return item.ID, nil
}

// Drain claims due items and attempts delivery. A drain started while another
// is running returns immediately with Skipped set.
func (q *DeliveryQueue) Drain(ctx context.Context) (DrainStats, error) {
	if !q.draining.CompareAndSwap(false, true) {
		metrics.DrainSkippedTotal.Inc()
		return DrainStats{Skipped: true}, nil
	}
	defer q.draining.Store(false)

	items, err := q.store.ClaimDueItems(ctx, q.clock.Now(), q.cfg.BatchSize)
	if err != nil {
		return DrainStats{}, err
	}

	stats := DrainStats{Claimed: len(items)}
	for _, item := range items {
		if ctx.Err() != nil {
			// Unprocessed claims are recovered by the stale sweep.
			break
		}
		switch q.deliver(ctx, item) {
		case repository.QueueStatusCompleted:
			stats.Completed++
		case repository.QueueStatusPending:
			stats.Rescheduled++
		case repository.QueueStatusFailed:
			stats.Failed++
		}
	}

	if stats.Claimed > 0 {
		q.log.Info().
			Int("claimed", stats.Claimed).
			Int("completed", stats.Completed).
			Int("rescheduled", stats.Rescheduled).
			Int("failed", stats.Failed).
			Msg("Delivery queue drained")
	}
	return stats, nil
}

// deliver attempts one claimed item and records the outcome. Returns the
// status the item was moved to, or processing if recording failed.
func (q *DeliveryQueue) deliver(ctx context.Context, item *repository.DeliveryQueueItem) repository.QueueStatus {
	var payload repository.NotificationPayload
	var sendErr error
	var messageID string

	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		sendErr = errors.DeliveryPermanent(err)
	} else {
		start := time.Now()
		messageID, sendErr = q.transport.Send(ctx, payload)
		metrics.DeliverySendDuration.WithLabelValues(string(payload.Channel)).Observe(time.Since(start).Seconds())
	}

	now := q.clock.Now()
	channel := string(payload.Channel)

	// Success
	if sendErr == nil {
		rec := q.logRecord(item, repository.DeliveryLogSent, now)
		if messageID != "" {
			rec.MessageID = &messageID
		}
		if err := q.store.CompleteItem(ctx, item.ID, rec, now); err != nil {
			q.log.Error().Err(err).Str("queue_id", item.ID).Msg("Failed to record delivery success")
			return repository.QueueStatusProcessing
		}
		metrics.DeliveryAttemptsTotal.WithLabelValues(channel, "sent").Inc()
		q.log.Info().
			Str("queue_id", item.ID).
			Str("message_id", messageID).
			Int("attempts", item.Attempts).
			Msg("Notification delivered")
		return repository.QueueStatusCompleted
	}

	lastErr := sendErr.Error()
	permanent := errors.HasCode(sendErr, errors.ErrCodeDeliveryPermanent)

	// Retry
	if !permanent && item.Attempts < item.MaxAttempts {
		next := now.Add(q.RetryDelay(item.Attempts))
		if err := q.store.RescheduleItem(ctx, item.ID, next, lastErr, now); err != nil {
			q.log.Error().Err(err).Str("queue_id", item.ID).Msg("Failed to reschedule delivery")
			return repository.QueueStatusProcessing
		}
		metrics.DeliveryAttemptsTotal.WithLabelValues(channel, "retry").Inc()
		q.log.Warn().
			Err(sendErr).
			Str("queue_id", item.ID).
			Int("attempts", item.Attempts).
			Time("next_attempt_at", next).
			Msg("Delivery failed, retry scheduled")
		return repository.QueueStatusPending
	}

	// Give up
	rec := q.logRecord(item, repository.DeliveryLogFailed, now)
	rec.Error = &lastErr
	if err := q.store.FailItem(ctx, item.ID, lastErr, rec, now); err != nil {
		q.log.Error().Err(err).Str("queue_id", item.ID).Msg("Failed to record delivery failure")
		return repository.QueueStatusProcessing
	}
	metrics.DeliveryAttemptsTotal.WithLabelValues(channel, "failed").Inc()
	q.log.Error().
		Err(sendErr).
		Str("queue_id", item.ID).
		Int("attempts", item.Attempts).
		Bool("permanent", permanent).
		Msg("Delivery failed permanently")
	return repository.QueueStatusFailed
}

// RetryDelay returns the wait after the given failed attempt (1-based).
func (q *DeliveryQueue) RetryDelay(attempt int) time.Duration {
	if len(q.cfg.RetryLadder) == 0 {
		return time.Minute
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx > len(q.cfg.RetryLadder)-1 {
		idx = len(q.cfg.RetryLadder) - 1
	}
	return q.cfg.RetryLadder[idx]
}

// HandleCallback applies a provider delivery event to the log carrying
// messageID. Callbacks matching no log are logged and dropped.
func (q *DeliveryQueue) HandleCallback(ctx context.Context, messageID, event string, at time.Time) error {
	if strings.TrimSpace(messageID) == "" {
		return errors.InvalidInput("messageId", "message id is required")
	}
	ev, ok := ParseCallbackEvent(event)
	if !ok {
		return errors.InvalidInput("event", "unknown callback event '"+event+"'")
	}
	if at.IsZero() {
		at = q.clock.Now()
	}

	matched, err := q.store.ApplyDeliveryCallback(ctx, messageID, ev, at)
	if err != nil {
		return err
	}

	metrics.DeliveryCallbacksTotal.WithLabelValues(string(ev), boolLabel(matched)).Inc()
	if !matched {
		q.log.Info().
			Str("message_id", messageID).
			Str("event", string(ev)).
			Msg("Delivery callback matched no log, discarded")
		return nil
	}

	q.log.Debug().Str("message_id", messageID).Str("event", string(ev)).Msg("Delivery callback applied")
	return nil
}

// ParseCallbackEvent maps provider event names onto callback events.
func ParseCallbackEvent(event string) (repository.CallbackEvent, bool) {
	switch strings.ToLower(strings.TrimSpace(event)) {
	case "delivered", "delivery":
		return repository.CallbackDelivered, true
	case "open", "opened":
		return repository.CallbackOpened, true
	case "click", "clicked":
		return repository.CallbackClicked, true
	case "bounce", "bounced":
		return repository.CallbackBounced, true
	default:
		return "", false
	}
}

// ── Admin ─────────────────────────────────────────────────────────────────────

// GetItem returns one queue item.
func (q *DeliveryQueue) GetItem(ctx context.Context, id string) (*repository.DeliveryQueueItem, error) {
	return q.store.GetItem(ctx, id)
}

// ListItems lists queue items.
func (q *DeliveryQueue) ListItems(ctx context.Context, status *repository.QueueStatus, recipient *string, page, pageSize int) ([]*repository.DeliveryQueueItem, int64, error) {
	limit, offset := pageBounds(page, pageSize)
	return q.store.ListItems(ctx, repository.QueueFilter{
		Status:    status,
		Recipient: recipient,
		Limit:     limit,
		Offset:    offset,
	})
}

// RetryItem resets an item's attempts and makes it due now.
func (q *DeliveryQueue) RetryItem(ctx context.Context, id string) (*repository.DeliveryQueueItem, error) {
	item, err := q.store.RetryItem(ctx, id, q.clock.Now())
	if err != nil {
		return nil, err
	}
	q.log.Info().Str("queue_id", id).Msg("Delivery item requeued manually")
	return item, nil
}

// DeleteItem removes an item that is not being processed.
func (q *DeliveryQueue) DeleteItem(ctx context.Context, id string) error {
	if err := q.store.DeleteItem(ctx, id); err != nil {
		return err
	}
	q.log.Info().Str("queue_id", id).Msg("Delivery item deleted")
	return nil
}

// ListLogs lists delivery logs.
func (q *DeliveryQueue) ListLogs(ctx context.Context, filter repository.DeliveryLogFilter, page, pageSize int) ([]*repository.DeliveryLogRecord, int64, error) {
	filter.Limit, filter.Offset = pageBounds(page, pageSize)
	return q.store.ListDeliveryLogs(ctx, filter)
}

// Sweep fails pending items with no attempts left and requeues items stuck in
// processing past the stale threshold.
func (q *DeliveryQueue) Sweep(ctx context.Context) (QueueSweepStats, error) {
	now := q.clock.Now()

	exhausted, err := q.store.FailExhaustedItems(ctx, now)
	if err != nil {
		return QueueSweepStats{}, err
	}

	requeued := 0
	if q.cfg.ProcessingStaleAfter > 0 {
		requeued, err = q.store.RequeueStaleItems(ctx, now.Add(-q.cfg.ProcessingStaleAfter), now)
		if err != nil {
			return QueueSweepStats{Exhausted: exhausted}, err
		}
	}

	if exhausted > 0 || requeued > 0 {
		q.log.Info().Int("exhausted", exhausted).Int("requeued", requeued).Msg("Delivery queue swept")
	}
	return QueueSweepStats{Exhausted: exhausted, Requeued: requeued}, nil
}

func (q *DeliveryQueue) logRecord(item *repository.DeliveryQueueItem, status repository.DeliveryLogStatus, at time.Time) *repository.DeliveryLogRecord {
	return &repository.DeliveryLogRecord{
		ID:          uuid.NewString(),
		QueueItemID: item.ID,
		QuoteID:     item.QuoteID,
		Recipient:   item.Recipient,
		Status:      status,
		Attempts:    item.Attempts,
		SentAt:      at,
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
