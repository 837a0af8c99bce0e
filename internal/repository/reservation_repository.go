package repository

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-sales-quotes/pkg/database"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

// ReservationRepository stores stock levels and the per-quote holds against them.
//
// Writers that increase the reserved quantity of a SKU bump stock_items.version
// conditioned on the version they read in SnapshotStock, so two reservations
// computed from the same availability cannot both commit.
type ReservationRepository struct {
	db *database.DB
}

// NewReservationRepository creates a new ReservationRepository.
func NewReservationRepository(db *database.DB) *ReservationRepository {
	return &ReservationRepository{db: db}
}

// ── Stock ─────────────────────────────────────────────────────────────────────

// UpsertStock sets the total stock of a SKU conditioned on the version read
// beforehand. version 0 inserts a SKU that must not exist yet. The update also
// refuses a total below the quantity actively reserved at the time of the write.
func (r *ReservationRepository) UpsertStock(ctx context.Context, sku string, total int, version int64, at time.Time) (*StockItem, error) {
	item := &StockItem{}
	dest := []interface{}{&item.SKU, &item.TotalStock, &item.Version, &item.UpdatedAt}

	var err error
	if version == 0 {
		err = r.db.QueryRow(ctx, `
			INSERT INTO stock_items (sku, total_stock, version, updated_at)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (sku) DO NOTHING
			RETURNING sku, total_stock, version, updated_at
		`, sku, total, at).Scan(dest...)
	} else {
		err = r.db.QueryRow(ctx, `
			UPDATE stock_items s
			SET total_stock = $2,
			    version     = s.version + 1,
			    updated_at  = $4
			WHERE s.sku = $1 AND s.version = $3
			  AND $2 >= (SELECT COALESCE(SUM(res.quantity), 0)
			             FROM stock_reservations res
			             WHERE res.sku = $1 AND res.expires_at > $4)
			RETURNING s.sku, s.total_stock, s.version, s.updated_at
		`, sku, total, version, at).Scan(dest...)
	}
	if err == pgx.ErrNoRows {
		return nil, errors.ConcurrentModification("stock_item", sku)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert stock")
	}
	return item, nil
}

// GetStock retrieves a stock item by SKU.
func (r *ReservationRepository) GetStock(ctx context.Context, sku string) (*StockItem, error) {
	query := `SELECT sku, total_stock, version, updated_at FROM stock_items WHERE sku = $1`

	item := &StockItem{}
	err := r.db.QueryRow(ctx, query, sku).Scan(&item.SKU, &item.TotalStock, &item.Version, &item.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("stock_item", sku)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get stock")
	}
	return item, nil
}

// SnapshotStock reads, in one statement, the total, the version and the quantity
// actively reserved by quotes other than quoteID for each SKU. SKUs with no
// stock row are returned with Known=false.
func (r *ReservationRepository) SnapshotStock(
	ctx context.Context,
	quoteID string,
	skus []string,
	now time.Time,
) (map[string]StockSnapshot, error) {
	query := `
		SELECT s.sku, s.total_stock, s.version,
		       COALESCE(SUM(res.quantity) FILTER (
		           WHERE res.quote_id::text <> $1 AND res.expires_at > $3), 0)
		FROM stock_items s
		LEFT JOIN stock_reservations res ON res.sku = s.sku
		WHERE s.sku = ANY($2)
		GROUP BY s.sku, s.total_stock, s.version
	`
	rows, err := r.db.Query(ctx, query, quoteID, skus, now)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read stock availability")
	}
	defer rows.Close()

	snapshots := make(map[string]StockSnapshot, len(skus))
	for _, sku := range skus {
		snapshots[sku] = StockSnapshot{SKU: sku}
	}
	for rows.Next() {
		snap := StockSnapshot{Known: true}
		if err := rows.Scan(&snap.SKU, &snap.TotalStock, &snap.Version, &snap.Reserved); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stock availability")
		}
		snapshots[snap.SKU] = snap
	}
	return snapshots, rows.Err()
}

// ── Reservations ──────────────────────────────────────────────────────────────

// ApplyReservation replaces every reservation row of a quote with rows. Each SKU
// in rows is first bumped conditioned on versions[sku]; a mismatch aborts the
// whole transaction with ConcurrentModification.
func (r *ReservationRepository) ApplyReservation(
	ctx context.Context,
	quoteID string,
	rows []*StockReservation,
	versions map[string]int64,
	at time.Time,
) error {
	// Fixed lock order across writers.
	ordered := make([]*StockReservation, len(rows))
	copy(ordered, rows)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].SKU < ordered[j].SKU })

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		for _, row := range ordered {
			tag, err := tx.Exec(ctx, `
				UPDATE stock_items
				SET version = version + 1, updated_at = $3
				WHERE sku = $1 AND version = $2
			`, row.SKU, versions[row.SKU], at)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to lock stock item")
			}
			if tag.RowsAffected() == 0 {
				return errors.ConcurrentModification("stock_item", row.SKU)
			}
		}

		if _, err := tx.Exec(ctx, `DELETE FROM stock_reservations WHERE quote_id = $1`, quoteID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to replace reservations")
		}

		for _, row := range ordered {
			_, err := tx.Exec(ctx, `
				INSERT INTO stock_reservations (id, reservation_id, quote_id, sku, quantity, expires_at, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, row.ID, row.ReservationID, row.QuoteID, row.SKU, row.Quantity, row.ExpiresAt, row.CreatedAt)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to insert reservation")
			}
		}
		return nil
	})
}

// ReleaseReservations deletes every reservation of a quote regardless of expiry.
func (r *ReservationRepository) ReleaseReservations(ctx context.Context, quoteID string) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM stock_reservations WHERE quote_id = $1`, quoteID)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to release reservations")
	}
	return int(tag.RowsAffected()), nil
}

// ListReservations returns the reservation rows of a quote, expired ones included.
func (r *ReservationRepository) ListReservations(ctx context.Context, quoteID string) ([]*StockReservation, error) {
	query := `
		SELECT id, reservation_id, quote_id, sku, quantity, expires_at, created_at
		FROM stock_reservations
		WHERE quote_id = $1
		ORDER BY sku ASC
	`
	rows, err := r.db.Query(ctx, query, quoteID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list reservations")
	}
	defer rows.Close()

	reservations := make([]*StockReservation, 0)
	for rows.Next() {
		res := &StockReservation{}
		err := rows.Scan(&res.ID, &res.ReservationID, &res.QuoteID, &res.SKU, &res.Quantity, &res.ExpiresAt, &res.CreatedAt)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan reservation")
		}
		reservations = append(reservations, res)
	}
	return reservations, rows.Err()
}

// PurgeExpiredReservations deletes reservations whose expiry has passed.
func (r *ReservationRepository) PurgeExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM stock_reservations WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to purge expired reservations")
	}
	return int(tag.RowsAffected()), nil
}
