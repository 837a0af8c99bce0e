package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-sales-quotes/pkg/database"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

// DeliveryLogRepository reads delivery logs and applies provider callbacks.
// Logs are inserted only by the queue repository, inside the transaction that
// completes or fails the item.
type DeliveryLogRepository struct {
	db *database.DB
}

// NewDeliveryLogRepository creates a new DeliveryLogRepository.
func NewDeliveryLogRepository(db *database.DB) *DeliveryLogRepository {
	return &DeliveryLogRepository{db: db}
}

const deliveryLogColumns = `
	id, queue_item_id, quote_id, recipient, message_id, status, attempts, error,
	sent_at, delivered_at, opened_at, clicked_at, bounced_at
`

// ListDeliveryLogs returns logs matching the filter, newest first, and the total count.
func (r *DeliveryLogRepository) ListDeliveryLogs(ctx context.Context, filter DeliveryLogFilter) ([]*DeliveryLogRecord, int64, error) {
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
	if filter.From != nil {
		where += fmt.Sprintf(" AND sent_at >= $%d", argCount)
		args = append(args, *filter.From)
		argCount++
	}
	if filter.To != nil {
		where += fmt.Sprintf(" AND sent_at < $%d", argCount)
		args = append(args, *filter.To)
		argCount++
	}

	var total int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM delivery_logs"+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count delivery logs")
	}

	query := `SELECT ` + deliveryLogColumns + ` FROM delivery_logs` + where +
		fmt.Sprintf(" ORDER BY sent_at DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)

	rows, err := r.db.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delivery logs")
	}
	defer rows.Close()

	logs := make([]*DeliveryLogRecord, 0)
	for rows.Next() {
		rec, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delivery log")
		}
		logs = append(logs, rec)
	}
	return logs, total, rows.Err()
}

// ApplyDeliveryCallback stamps the callback time on the log with the given
// message ID. The first timestamp for an event wins. Returns false when no log
// carries the message ID.
func (r *DeliveryLogRepository) ApplyDeliveryCallback(ctx context.Context, messageID string, event CallbackEvent, at time.Time) (bool, error) {
	column, err := callbackColumn(event)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf(`
		UPDATE delivery_logs
		SET %[1]s = COALESCE(%[1]s, $2)
		WHERE message_id = $1
	`, column)

	tag, err := r.db.Exec(ctx, query, messageID, at)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to apply delivery callback")
	}
	return tag.RowsAffected() > 0, nil
}

func callbackColumn(event CallbackEvent) (string, error) {
	switch event {
	case CallbackDelivered:
		return "delivered_at", nil
	case CallbackOpened:
		return "opened_at", nil
	case CallbackClicked:
		return "clicked_at", nil
	case CallbackBounced:
		return "bounced_at", nil
	default:
		return "", errors.InvalidInput("event", fmt.Sprintf("unknown callback event '%s'", event))
	}
}

func insertDeliveryLog(ctx context.Context, tx pgx.Tx, rec *DeliveryLogRecord) error {
	query := `
		INSERT INTO delivery_logs (id, queue_item_id, quote_id, recipient, message_id, status, attempts, error, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, query,
		rec.ID,
		rec.QueueItemID,
		rec.QuoteID,
		rec.Recipient,
		rec.MessageID,
		rec.Status,
		rec.Attempts,
		rec.Error,
		rec.SentAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to write delivery log")
	}
	return nil
}

func scanDeliveryLog(row rowScanner) (*DeliveryLogRecord, error) {
	rec := &DeliveryLogRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.QueueItemID,
		&rec.QuoteID,
		&rec.Recipient,
		&rec.MessageID,
		&rec.Status,
		&rec.Attempts,
		&rec.Error,
		&rec.SentAt,
		&rec.DeliveredAt,
		&rec.OpenedAt,
		&rec.ClickedAt,
		&rec.BouncedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
