package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

// ── Delivery queue ────────────────────────────────────────────────────────────

func (s *Store) EnqueueItem(_ context.Context, item *repository.DeliveryQueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cloneItem(item)
	cp.UpdatedAt = cp.CreatedAt
	s.queue[item.ID] = cp
	return nil
}

func (s *Store) GetItem(_ context.Context, id string) (*repository.DeliveryQueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.queue[id]
	if !ok {
		return nil, errors.NotFound("delivery_queue_item", id)
	}
	return cloneItem(item), nil
}

func (s *Store) ClaimDueItems(_ context.Context, now time.Time, limit int) ([]*repository.DeliveryQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*repository.DeliveryQueueItem, 0)
	for _, item := range s.queue {
		if item.Status == repository.QueueStatusPending &&
			!item.ScheduledAt.After(now) &&
			item.Attempts < item.MaxAttempts {
			due = append(due, item)
		}
	}
	repository.SortQueueItems(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*repository.DeliveryQueueItem, 0, len(due))
	for _, item := range due {
		item.Status = repository.QueueStatusProcessing
		item.Attempts++
		lockedAt := now
		item.LockedAt = &lockedAt
		item.UpdatedAt = now
		claimed = append(claimed, cloneItem(item))
	}
	return claimed, nil
}

func (s *Store) CompleteItem(_ context.Context, id string, log *repository.DeliveryLogRecord, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.processingLocked(id)
	if err != nil {
		return err
	}
	item.Status = repository.QueueStatusCompleted
	item.LockedAt = nil
	item.LastError = nil
	item.UpdatedAt = at
	s.appendLogLocked(log)
	return nil
}

func (s *Store) RescheduleItem(_ context.Context, id string, next time.Time, lastErr string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.processingLocked(id)
	if err != nil {
		return err
	}
	item.Status = repository.QueueStatusPending
	item.ScheduledAt = next
	item.LastError = &lastErr
	item.LockedAt = nil
	item.UpdatedAt = at
	return nil
}

func (s *Store) FailItem(_ context.Context, id string, lastErr string, log *repository.DeliveryLogRecord, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, err := s.processingLocked(id)
	if err != nil {
		return err
	}
	item.Status = repository.QueueStatusFailed
	item.LastError = &lastErr
	item.LockedAt = nil
	item.UpdatedAt = at
	s.appendLogLocked(log)
	return nil
}

func (s *Store) RetryItem(_ context.Context, id string, at time.Time) (*repository.DeliveryQueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.queue[id]
	if !ok {
		return nil, errors.NotFound("delivery_queue_item", id)
	}
	if item.Status == repository.QueueStatusProcessing {
		return nil, errors.New(errors.ErrCodeConflict, "delivery item is being processed").
			WithDetail("id", id)
	}
	item.Status = repository.QueueStatusPending
	item.Attempts = 0
	item.ScheduledAt = at
	item.LastError = nil
	item.LockedAt = nil
	item.UpdatedAt = at
	return cloneItem(item), nil
}

func (s *Store) DeleteItem(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.queue[id]
	if !ok {
		return errors.NotFound("delivery_queue_item", id)
	}
	if item.Status == repository.QueueStatusProcessing {
		return errors.New(errors.ErrCodeConflict, "delivery item is being processed").
			WithDetail("id", id)
	}
	delete(s.queue, id)
	return nil
}

func (s *Store) ListItems(_ context.Context, filter repository.QueueFilter) ([]*repository.DeliveryQueueItem, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*repository.DeliveryQueueItem, 0)
	for _, item := range s.queue {
		if filter.Status != nil && item.Status != *filter.Status {
			continue
		}
		if filter.Recipient != nil && item.Recipient != *filter.Recipient {
			continue
		}
		matched = append(matched, item)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	page := paginate(len(matched), filter.Limit, filter.Offset)
	out := make([]*repository.DeliveryQueueItem, 0, page.end-page.start)
	for _, item := range matched[page.start:page.end] {
		out = append(out, cloneItem(item))
	}
	return out, int64(len(matched)), nil
}

func (s *Store) FailExhaustedItems(_ context.Context, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	failed := 0
	for _, item := range s.queue {
		if item.Status != repository.QueueStatusPending || item.Attempts < item.MaxAttempts {
			continue
		}
		item.Status = repository.QueueStatusFailed
		item.LockedAt = nil
		item.UpdatedAt = at

		msg := "max attempts exhausted"
		if item.LastError != nil {
			msg = *item.LastError
		}
		s.appendLogLocked(&repository.DeliveryLogRecord{
			ID:          uuid.NewString(),
			QueueItemID: item.ID,
			QuoteID:     item.QuoteID,
			Recipient:   item.Recipient,
			Status:      repository.DeliveryLogFailed,
			Attempts:    item.Attempts,
			Error:       &msg,
			SentAt:      at,
		})
		failed++
	}
	return failed, nil
}

func (s *Store) RequeueStaleItems(_ context.Context, staleBefore, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requeued := 0
	for _, item := range s.queue {
		if item.Status != repository.QueueStatusProcessing || item.LockedAt == nil || !item.LockedAt.Before(staleBefore) {
			continue
		}
		item.Status = repository.QueueStatusPending
		item.LockedAt = nil
		item.ScheduledAt = at
		item.UpdatedAt = at
		if item.LastError == nil {
			msg := "processing lease expired"
			item.LastError = &msg
		}
		requeued++
	}
	return requeued, nil
}

// ── Delivery logs ─────────────────────────────────────────────────────────────

func (s *Store) ListDeliveryLogs(_ context.Context, filter repository.DeliveryLogFilter) ([]*repository.DeliveryLogRecord, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*repository.DeliveryLogRecord, 0)
	for _, rec := range s.logs {
		if filter.Status != nil && rec.Status != *filter.Status {
			continue
		}
		if filter.Recipient != nil && rec.Recipient != *filter.Recipient {
			continue
		}
		if filter.From != nil && rec.SentAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !rec.SentAt.Before(*filter.To) {
			continue
		}
		matched = append(matched, rec)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].SentAt.After(matched[j].SentAt) })

	page := paginate(len(matched), filter.Limit, filter.Offset)
	out := make([]*repository.DeliveryLogRecord, 0, page.end-page.start)
	for _, rec := range matched[page.start:page.end] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, int64(len(matched)), nil
}

func (s *Store) ApplyDeliveryCallback(_ context.Context, messageID string, event repository.CallbackEvent, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matched := false
	for _, rec := range s.logs {
		if rec.MessageID == nil || *rec.MessageID != messageID {
			continue
		}
		var field **time.Time
		switch event {
		case repository.CallbackDelivered:
			field = &rec.DeliveredAt
		case repository.CallbackOpened:
			field = &rec.OpenedAt
		case repository.CallbackClicked:
			field = &rec.ClickedAt
		case repository.CallbackBounced:
			field = &rec.BouncedAt
		default:
			return false, errors.InvalidInput("event", "unknown callback event '"+string(event)+"'")
		}
		if *field == nil {
			stamp := at
			*field = &stamp
		}
		matched = true
	}
	return matched, nil
}

func (s *Store) processingLocked(id string) (*repository.DeliveryQueueItem, error) {
	item, ok := s.queue[id]
	if !ok || item.Status != repository.QueueStatusProcessing {
		return nil, errors.ConcurrentModification("delivery_queue_item", id)
	}
	return item, nil
}

func (s *Store) appendLogLocked(log *repository.DeliveryLogRecord) {
	cp := *log
	s.logs = append(s.logs, &cp)
}

func cloneItem(item *repository.DeliveryQueueItem) *repository.DeliveryQueueItem {
	cp := *item
	cp.Payload = append([]byte(nil), item.Payload...)
	return &cp
}
