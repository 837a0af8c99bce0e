package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-sales-quotes/pkg/database"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

// DeliveryQueueRepository is the durable outbound-notification queue.
//
// Items move pending → processing → {completed, pending, failed}. Claims use
// FOR UPDATE SKIP LOCKED so concurrent drainers never pick the same item; every
// later write is conditioned on the item still being in processing.
type DeliveryQueueRepository struct {
	db *database.DB
}

// NewDeliveryQueueRepository creates a new DeliveryQueueRepository.
func NewDeliveryQueueRepository(db *database.DB) *DeliveryQueueRepository {
	return &DeliveryQueueRepository{db: db}
}

const queueColumns = `
	id, quote_id, recipient, payload, priority, attempts, max_attempts,
	status, scheduled_at, locked_at, last_error, created_at, updated_at
`

// EnqueueItem inserts a new item.
func (r *DeliveryQueueRepository) EnqueueItem(ctx context.Context, item *DeliveryQueueItem) error {
	query := `
		INSERT INTO delivery_queue (id, quote_id, recipient, payload, priority, attempts, max_attempts,
		                            status, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`
	_, err := r.db.Exec(ctx, query,
		item.ID,
		item.QuoteID,
		item.Recipient,
		item.Payload,
		item.Priority,
		item.Attempts,
		item.MaxAttempts,
		item.Status,
		item.ScheduledAt,
		item.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to enqueue delivery item")
	}
	return nil
}

// GetItem retrieves a queue item by ID.
func (r *DeliveryQueueRepository) GetItem(ctx context.Context, id string) (*DeliveryQueueItem, error) {
	query := `SELECT ` + queueColumns + ` FROM delivery_queue WHERE id = $1`

	item, err := scanQueueItem(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("delivery_queue_item", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get delivery item")
	}
	return item, nil
}

// ClaimDueItems moves up to limit due, under-attempted pending items to
// processing and increments their attempt counters. The result is ordered by
// priority descending, then scheduled time ascending.
func (r *DeliveryQueueRepository) ClaimDueItems(ctx context.Context, now time.Time, limit int) ([]*DeliveryQueueItem, error) {
	query := `
		UPDATE delivery_queue
		SET status     = 'processing',
		    attempts   = attempts + 1,
		    locked_at  = $1,
		    updated_at = $1
		WHERE id IN (
			SELECT id FROM delivery_queue
			WHERE status = 'pending'
			  AND scheduled_at <= $1
			  AND attempts < max_attempts
			ORDER BY priority DESC, scheduled_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queueColumns

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to claim delivery items")
	}
	defer rows.Close()

	items, err := scanQueueRows(rows)
	if err != nil {
		return nil, err
	}
	SortQueueItems(items)
	return items, nil
}

// CompleteItem marks a processing item completed and writes its sent log.
func (r *DeliveryQueueRepository) CompleteItem(ctx context.Context, id string, log *DeliveryLogRecord, at time.Time) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE delivery_queue
			SET status = 'completed', locked_at = NULL, last_error = NULL, updated_at = $2
			WHERE id = $1 AND status = 'processing'
		`, id, at)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to complete delivery item")
		}
		if tag.RowsAffected() == 0 {
			return errors.ConcurrentModification("delivery_queue_item", id)
		}
		return insertDeliveryLog(ctx, tx, log)
	})
}

// RescheduleItem returns a processing item to pending for a later retry.
func (r *DeliveryQueueRepository) RescheduleItem(ctx context.Context, id string, next time.Time, lastErr string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE delivery_queue
		SET status = 'pending', scheduled_at = $2, last_error = $3, locked_at = NULL, updated_at = $4
		WHERE id = $1 AND status = 'processing'
	`, id, next, lastErr, at)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to reschedule delivery item")
	}
	if tag.RowsAffected() == 0 {
		return errors.ConcurrentModification("delivery_queue_item", id)
	}
	return nil
}

// FailItem marks a processing item failed and writes its failed log.
func (r *DeliveryQueueRepository) FailItem(ctx context.Context, id string, lastErr string, log *DeliveryLogRecord, at time.Time) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE delivery_queue
			SET status = 'failed', last_error = $2, locked_at = NULL, updated_at = $3
			WHERE id = $1 AND status = 'processing'
		`, id, lastErr, at)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to fail delivery item")
		}
		if tag.RowsAffected() == 0 {
			return errors.ConcurrentModification("delivery_queue_item", id)
		}
		return insertDeliveryLog(ctx, tx, log)
	})
}

// RetryItem resets attempts and puts a non-processing item back to pending, due at.
func (r *DeliveryQueueRepository) RetryItem(ctx context.Context, id string, at time.Time) (*DeliveryQueueItem, error) {
	query := `
		UPDATE delivery_queue
		SET status = 'pending', attempts = 0, scheduled_at = $2, last_error = NULL, locked_at = NULL, updated_at = $2
		WHERE id = $1 AND status <> 'processing'
		RETURNING ` + queueColumns

	item, err := scanQueueItem(r.db.QueryRow(ctx, query, id, at))
	if err == pgx.ErrNoRows {
		if _, getErr := r.GetItem(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, errors.New(errors.ErrCodeConflict, "delivery item is being processed").
			WithDetail("id", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to retry delivery item")
	}
	return item, nil
}

// DeleteItem removes a non-processing item.
func (r *DeliveryQueueRepository) DeleteItem(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM delivery_queue WHERE id = $1 AND status <> 'processing'`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete delivery item")
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetItem(ctx, id); getErr != nil {
			return getErr
		}
		return errors.New(errors.ErrCodeConflict, "delivery item is being processed").
			WithDetail("id", id)
	}
	return nil
}

// ListItems returns queue items matching the filter, newest first, and the total count.
func (r *DeliveryQueueRepository) ListItems(ctx context.Context, filter QueueFilter) ([]*DeliveryQueueItem, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if filter.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, *filter.Status)
		argCount++
	}
	if filter.Recipient != nil {
		where += fmt.Sprintf(" AND recipient = $%d", argCount)
		args = append(args, *filter.Recipient)
		argCount++
	}

	var total int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM delivery_queue"+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count delivery items")
	}

	query := `SELECT ` + queueColumns + ` FROM delivery_queue` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)

	rows, err := r.db.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delivery items")
	}
	defer rows.Close()

	items, err := scanQueueRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// FailExhaustedItems fails pending items that have no attempts left and writes
// a failed log for each.
func (r *DeliveryQueueRepository) FailExhaustedItems(ctx context.Context, at time.Time) (int, error) {
	query := `
		WITH exhausted AS (
			UPDATE delivery_queue
			SET status = 'failed', locked_at = NULL, updated_at = $1
			WHERE status = 'pending' AND attempts >= max_attempts
			RETURNING id, quote_id, recipient, attempts, last_error
		)
		INSERT INTO delivery_logs (id, queue_item_id, quote_id, recipient, status, attempts, error, sent_at)
		SELECT gen_random_uuid(), id, quote_id, recipient, 'failed', attempts,
		       COALESCE(last_error, 'max attempts exhausted'), $1
		FROM exhausted
	`
	tag, err := r.db.Exec(ctx, query, at)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to fail exhausted delivery items")
	}
	return int(tag.RowsAffected()), nil
}

// RequeueStaleItems returns items stuck in processing since before staleBefore
// to pending. Their attempt counters are kept.
func (r *DeliveryQueueRepository) RequeueStaleItems(ctx context.Context, staleBefore, at time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE delivery_queue
		SET status = 'pending', locked_at = NULL, scheduled_at = $2, updated_at = $2,
		    last_error = COALESCE(last_error, 'processing lease expired')
		WHERE status = 'processing' AND locked_at < $1
	`, staleBefore, at)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to requeue stale delivery items")
	}
	return int(tag.RowsAffected()), nil
}

func scanQueueItem(row rowScanner) (*DeliveryQueueItem, error) {
	item := &DeliveryQueueItem{}
	err := row.Scan(
		&item.ID,
		&item.QuoteID,
		&item.Recipient,
		&item.Payload,
		&item.Priority,
		&item.Attempts,
		&item.MaxAttempts,
		&item.Status,
		&item.ScheduledAt,
		&item.LockedAt,
		&item.LastError,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return item, nil
}

func scanQueueRows(rows pgx.Rows) ([]*DeliveryQueueItem, error) {
	items := make([]*DeliveryQueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delivery item")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read delivery items")
	}
	return items, nil
}

// SortQueueItems orders items by priority descending, then scheduled time ascending.
func SortQueueItems(items []*DeliveryQueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].ScheduledAt.Before(items[j].ScheduledAt)
	})
}
