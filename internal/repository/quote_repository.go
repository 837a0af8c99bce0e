package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-sales-quotes/pkg/database"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

// QuoteRepository persists quotes and their append-only status history.
// Every status change goes through CommitTransition, which conditions the
// update on the version read by the caller.
type QuoteRepository struct {
	db *database.DB
}

// NewQuoteRepository creates a new QuoteRepository.
func NewQuoteRepository(db *database.DB) *QuoteRepository {
	return &QuoteRepository{db: db}
}

const quoteColumns = `
	id, quote_number, owner_id, client_name, client_email, client_phone,
	currency, total_amount, status, version, expires_at, items,
	created_at, updated_at
`

// CreateQuote inserts a quote together with its initial history record.
func (r *QuoteRepository) CreateQuote(ctx context.Context, quote *Quote, initial *StatusHistoryRecord) error {
	itemsJSON, err := json.Marshal(quote.Items)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal quote items")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO quotes (id, quote_number, owner_id, client_name, client_email, client_phone,
			                    currency, total_amount, status, version, expires_at, items,
			                    created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		`
		_, err := tx.Exec(ctx, query,
			quote.ID,
			quote.QuoteNumber,
			quote.OwnerID,
			quote.ClientName,
			quote.ClientEmail,
			quote.ClientPhone,
			quote.Currency,
			quote.TotalAmount,
			quote.Status,
			quote.Version,
			quote.ExpiresAt,
			itemsJSON,
			quote.CreatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.New(errors.ErrCodeConflict, "quote number already exists").
					WithDetail("quote_number", quote.QuoteNumber)
			}
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create quote")
		}

		return insertHistory(ctx, tx, initial)
	})
}

// GetQuote retrieves a quote by ID.
func (r *QuoteRepository) GetQuote(ctx context.Context, id string) (*Quote, error) {
	query := `SELECT ` + quoteColumns + ` FROM quotes WHERE id = $1`

	quote, err := scanQuote(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("quote", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get quote")
	}
	return quote, nil
}

// ListQuotes returns quotes matching the filter, newest first, and the total count.
func (r *QuoteRepository) ListQuotes(ctx context.Context, filter QuoteFilter) ([]*Quote, int64, error) {
	where := " WHERE 1=1"
	args := []interface{}{}
	argCount := 1

	if filter.OwnerID != nil {
		where += fmt.Sprintf(" AND owner_id = $%d", argCount)
		args = append(args, *filter.OwnerID)
		argCount++
	}
	if filter.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argCount)
		args = append(args, *filter.Status)
		argCount++
	}

	var total int64
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM quotes"+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count quotes")
	}

	query := `SELECT ` + quoteColumns + ` FROM quotes` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)

	rows, err := r.db.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list quotes")
	}
	defer rows.Close()

	quotes := make([]*Quote, 0)
	for rows.Next() {
		quote, err := scanQuote(rows)
		if err != nil {
			return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan quote")
		}
		quotes = append(quotes, quote)
	}
	return quotes, total, rows.Err()
}

// CommitTransition moves a quote from one status to rec.NewStatus, conditioned on
// the version and status the caller read, and appends rec in the same transaction.
// Returns the new version.
func (r *QuoteRepository) CommitTransition(
	ctx context.Context,
	quoteID string,
	expectedVersion int64,
	from QuoteStatus,
	rec *StatusHistoryRecord,
) (int64, error) {
	var newVersion int64

	err := r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE quotes
			SET status     = $4,
			    version    = version + 1,
			    updated_at = $5
			WHERE id = $1 AND version = $2 AND status = $3
			RETURNING version
		`
		err := tx.QueryRow(ctx, query, quoteID, expectedVersion, from, rec.NewStatus, rec.CreatedAt).Scan(&newVersion)
		if err == pgx.ErrNoRows {
			return errors.ConcurrentModification("quote", quoteID).
				WithDetail("expected_version", expectedVersion).
				WithDetail("expected_status", string(from))
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update quote status")
		}

		return insertHistory(ctx, tx, rec)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// UpdateQuoteItems replaces the items and total of a draft quote.
func (r *QuoteRepository) UpdateQuoteItems(
	ctx context.Context,
	quoteID string,
	expectedVersion int64,
	items []QuoteItem,
	total int64,
	at time.Time,
) (int64, error) {
	itemsJSON, err := json.Marshal(items)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal quote items")
	}

	query := `
		UPDATE quotes
		SET items        = $3,
		    total_amount = $4,
		    version      = version + 1,
		    updated_at   = $5
		WHERE id = $1 AND version = $2 AND status = 'draft'
		RETURNING version
	`

	var newVersion int64
	err = r.db.QueryRow(ctx, query, quoteID, expectedVersion, itemsJSON, total, at).Scan(&newVersion)
	if err == pgx.ErrNoRows {
		return 0, errors.ConcurrentModification("quote", quoteID)
	}
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to update quote items")
	}
	return newVersion, nil
}

// ListHistory returns a quote's history in commit order.
func (r *QuoteRepository) ListHistory(ctx context.Context, quoteID string) ([]*StatusHistoryRecord, error) {
	query := `
		SELECT id, quote_id, previous_status, new_status, actor, reason, notes, metadata, created_at
		FROM quote_status_history
		WHERE quote_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.Query(ctx, query, quoteID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get status history")
	}
	defer rows.Close()

	records := make([]*StatusHistoryRecord, 0)
	for rows.Next() {
		rec := &StatusHistoryRecord{}
		var metadataJSON []byte
		err := rows.Scan(
			&rec.ID,
			&rec.QuoteID,
			&rec.PreviousStatus,
			&rec.NewStatus,
			&rec.Actor,
			&rec.Reason,
			&rec.Notes,
			&metadataJSON,
			&rec.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan status history")
		}
		if metadataJSON != nil {
			if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
				return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal history metadata")
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ListExpiringQuotes returns quotes in one of statuses whose expiry has passed.
func (r *QuoteRepository) ListExpiringQuotes(ctx context.Context, now time.Time, statuses []QuoteStatus, limit int) ([]*Quote, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query := `SELECT ` + quoteColumns + `
		FROM quotes
		WHERE status = ANY($1) AND expires_at IS NOT NULL AND expires_at <= $2
		ORDER BY expires_at ASC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, names, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list expiring quotes")
	}
	defer rows.Close()

	quotes := make([]*Quote, 0)
	for rows.Next() {
		quote, err := scanQuote(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan quote")
		}
		quotes = append(quotes, quote)
	}
	return quotes, rows.Err()
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQuote(row rowScanner) (*Quote, error) {
	q := &Quote{}
	var itemsJSON []byte
	err := row.Scan(
		&q.ID,
		&q.QuoteNumber,
		&q.OwnerID,
		&q.ClientName,
		&q.ClientEmail,
		&q.ClientPhone,
		&q.Currency,
		&q.TotalAmount,
		&q.Status,
		&q.Version,
		&q.ExpiresAt,
		&itemsJSON,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &q.Items); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, rec *StatusHistoryRecord) error {
	var metadataJSON []byte
	if rec.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(rec.Metadata)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal history metadata")
		}
	}

	query := `
		INSERT INTO quote_status_history
		    (id, quote_id, previous_status, new_status, actor, reason, notes, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.Exec(ctx, query,
		rec.ID,
		rec.QuoteID,
		rec.PreviousStatus,
		rec.NewStatus,
		rec.Actor,
		rec.Reason,
		rec.Notes,
		metadataJSON,
		rec.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to append status history")
	}
	return nil
}
