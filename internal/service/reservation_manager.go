package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-sales-quotes/internal/metrics"
	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
)

// maxReserveAttempts bounds the optimistic snapshot/apply loop.
const maxReserveAttempts = 5

// ReserveItem is one requested SKU quantity.
type ReserveItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// Reservation is the result of a successful reserve call.
type Reservation struct {
	ID        string
	QuoteID   string
	ExpiresAt time.Time
	Items     []ReserveItem
}

// Availability is the stock position of one SKU.
type Availability struct {
	SKU        string
	TotalStock int
	Reserved   int
	Available  int
}

// ReservationManager holds SKU units for quotes for a bounded time.
//
// A reserve call snapshots total, reserved-by-others and version per SKU,
// checks every item, then writes all rows conditioned on the versions it read.
// A concurrent reservation of the same SKU changes the version, so the loser
// recomputes availability from a fresh snapshot.
type ReservationManager struct {
	stock      StockStore
	defaultTTL time.Duration
	clock      Clock
	log        *logger.Logger
}

// NewReservationManager creates a new ReservationManager.
func NewReservationManager(stock StockStore, defaultTTL time.Duration, clock Clock, log *logger.Logger) *ReservationManager {
	return &ReservationManager{
		stock:      stock,
		defaultTTL: defaultTTL,
		clock:      clock,
		log:        log.Component("reservations"),
	}
}

// Reserve replaces the quote's reservations with items, all or nothing. A
// non-positive ttl uses the default. Fails with InsufficientStock listing
// every SKU whose quantity exceeds what is available.
func (m *ReservationManager) Reserve(ctx context.Context, quoteID string, items []ReserveItem, ttl time.Duration) (*Reservation, error) {
	merged, err := mergeItems(items)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	skus := make([]string, 0, len(merged))
	for _, item := range merged {
		skus = append(skus, item.SKU)
	}

	for attempt := 1; attempt <= maxReserveAttempts; attempt++ {
		now := m.clock.Now()

		// Snapshot availability excluding this quote's own hold
		snapshots, err := m.stock.SnapshotStock(ctx, quoteID, skus, now)
		if err != nil {
			return nil, err
		}

		shortages := make(map[string]int)
		versions := make(map[string]int64, len(merged))
		for _, item := range merged {
			snap := snapshots[item.SKU]
			if item.Quantity > snap.Available() {
				shortages[item.SKU] = snap.Available()
			}
			versions[item.SKU] = snap.Version
		}
		if len(shortages) > 0 {
			metrics.ReservationOutcomesTotal.WithLabelValues("insufficient").Inc()
			return nil, errors.InsufficientStock(shortages).WithDetail("quote_id", quoteID)
		}

		reservationID := uuid.NewString()
		expiresAt := now.Add(ttl)
		rows := make([]*repository.StockReservation, 0, len(merged))
		for _, item := range merged {
			rows = append(rows, &repository.StockReservation{
				ID:            uuid.NewString(),
				ReservationID: reservationID,
				QuoteID:       quoteID,
				SKU:           item.SKU,
				Quantity:      item.Quantity,
				ExpiresAt:     expiresAt,
				CreatedAt:     now,
			})
		}

		// Apply conditioned on the snapshot versions
		err = m.stock.ApplyReservation(ctx, quoteID, rows, versions, now)
		if errors.HasCode(err, errors.ErrCodeConcurrentModification) {
			metrics.ReservationRetriesTotal.Inc()
			m.log.Debug().Str("quote_id", quoteID).Int("attempt", attempt).Msg("Stock changed during reservation, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.ReservationOutcomesTotal.WithLabelValues("reserved").Inc()
		m.log.Info().
			Str("quote_id", quoteID).
			Str("reservation_id", reservationID).
			Int("skus", len(rows)).
			Time("expires_at", expiresAt).
			Msg("Stock reserved")

		return &Reservation{ID: reservationID, QuoteID: quoteID, ExpiresAt: expiresAt, Items: merged}, nil
	}

	metrics.ReservationOutcomesTotal.WithLabelValues("contended").Inc()
	return nil, errors.ConcurrentModification("stock_reservation", quoteID).
		WithDetail("attempts", maxReserveAttempts)
}

// Release drops every reservation of the quote. Safe to call when none exist.
func (m *ReservationManager) Release(ctx context.Context, quoteID, reason string) (int, error) {
	released, err := m.stock.ReleaseReservations(ctx, quoteID)
	if err != nil {
		return 0, err
	}
	if released > 0 {
		m.log.Info().
			Str("quote_id", quoteID).
			Str("reason", reason).
			Int("released", released).
			Msg("Stock reservations released")
	}
	return released, nil
}

// ListForQuote returns the quote's reservation rows, expired ones included.
func (m *ReservationManager) ListForQuote(ctx context.Context, quoteID string) ([]*repository.StockReservation, error) {
	return m.stock.ListReservations(ctx, quoteID)
}

// SetStock sets the total stock of a SKU. The total may not drop below what is
// actively reserved.
func (m *ReservationManager) SetStock(ctx context.Context, sku string, total int) (*repository.StockItem, error) {
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return nil, errors.InvalidInput("sku", "sku is required")
	}
	if total < 0 {
		return nil, errors.InvalidInput("total_stock", "total stock cannot be negative")
	}

	for attempt := 1; attempt <= maxReserveAttempts; attempt++ {
		now := m.clock.Now()
		snapshots, err := m.stock.SnapshotStock(ctx, "", []string{sku}, now)
		if err != nil {
			return nil, err
		}
		snap := snapshots[sku]
		if snap.Known && total < snap.Reserved {
			return nil, errors.New(errors.ErrCodeConflict, "total stock would fall below reserved quantity").
				WithDetail("sku", sku).
				WithDetail("reserved", snap.Reserved)
		}

		// Write conditioned on the snapshot version
		item, err := m.stock.UpsertStock(ctx, sku, total, snap.Version, now)
		if errors.HasCode(err, errors.ErrCodeConcurrentModification) {
			m.log.Debug().Str("sku", sku).Int("attempt", attempt).Msg("Stock changed while setting level, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}

		m.log.Info().Str("sku", sku).Int("total_stock", total).Msg("Stock level set")
		return item, nil
	}

	return nil, errors.ConcurrentModification("stock_item", sku).
		WithDetail("attempts", maxReserveAttempts)
}

// Availability returns the current stock position of a SKU.
func (m *ReservationManager) Availability(ctx context.Context, sku string) (*Availability, error) {
	if _, err := m.stock.GetStock(ctx, sku); err != nil {
		return nil, err
	}
	snapshots, err := m.stock.SnapshotStock(ctx, "", []string{sku}, m.clock.Now())
	if err != nil {
		return nil, err
	}
	snap := snapshots[sku]
	return &Availability{
		SKU:        sku,
		TotalStock: snap.TotalStock,
		Reserved:   snap.Reserved,
		Available:  snap.Available(),
	}, nil
}

// PurgeExpired deletes reservations past their expiry.
func (m *ReservationManager) PurgeExpired(ctx context.Context) (int, error) {
	return m.stock.PurgeExpiredReservations(ctx, m.clock.Now())
}

// mergeItems validates items and sums duplicate SKUs, sorted by SKU.
func mergeItems(items []ReserveItem) ([]ReserveItem, error) {
	if len(items) == 0 {
		return nil, errors.InvalidInput("items", "at least one item is required")
	}
	bySKU := make(map[string]int, len(items))
	for _, item := range items {
		sku := strings.TrimSpace(item.SKU)
		if sku == "" {
			return nil, errors.InvalidInput("sku", "sku is required")
		}
		if item.Quantity <= 0 {
			return nil, errors.InvalidInput("quantity", "quantity must be positive").WithDetail("sku", sku)
		}
		bySKU[sku] += item.Quantity
	}

	merged := make([]ReserveItem, 0, len(bySKU))
	for sku, qty := range bySKU {
		merged = append(merged, ReserveItem{SKU: sku, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].SKU < merged[j].SKU })
	return merged, nil
}
