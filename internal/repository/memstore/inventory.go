package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

// UpsertStock sets the total of a SKU whose version is still version (0 for a
// SKU that must not exist yet) and never below what is actively reserved.
func (s *Store) UpsertStock(_ context.Context, sku string, total int, version int64, at time.Time) (*repository.StockItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.stock[sku]
	switch {
	case !ok && version != 0, ok && item.Version != version:
		return nil, errors.ConcurrentModification("stock_item", sku)
	case ok && total < s.activeReservedLocked(sku, "", at):
		return nil, errors.ConcurrentModification("stock_item", sku)
	case !ok:
		item = &repository.StockItem{SKU: sku}
		s.stock[sku] = item
	}
	item.TotalStock = total
	item.Version++
	item.UpdatedAt = at

	cp := *item
	return &cp, nil
}

func (s *Store) GetStock(_ context.Context, sku string) (*repository.StockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.stock[sku]
	if !ok {
		return nil, errors.NotFound("stock_item", sku)
	}
	cp := *item
	return &cp, nil
}

func (s *Store) SnapshotStock(_ context.Context, quoteID string, skus []string, now time.Time) (map[string]repository.StockSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshots := make(map[string]repository.StockSnapshot, len(skus))
	for _, sku := range skus {
		item, ok := s.stock[sku]
		if !ok {
			snapshots[sku] = repository.StockSnapshot{SKU: sku}
			continue
		}
		snapshots[sku] = repository.StockSnapshot{
			SKU:        sku,
			TotalStock: item.TotalStock,
			Reserved:   s.activeReservedLocked(sku, quoteID, now),
			Version:    item.Version,
			Known:      true,
		}
	}
	return snapshots, nil
}

func (s *Store) ApplyReservation(
	_ context.Context,
	quoteID string,
	rows []*repository.StockReservation,
	versions map[string]int64,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		item, ok := s.stock[row.SKU]
		if !ok || item.Version != versions[row.SKU] {
			return errors.ConcurrentModification("stock_item", row.SKU)
		}
	}
	for _, row := range rows {
		item := s.stock[row.SKU]
		item.Version++
		item.UpdatedAt = at
	}

	bySKU := make(map[string]*repository.StockReservation, len(rows))
	for _, row := range rows {
		cp := *row
		bySKU[row.SKU] = &cp
	}
	s.reservations[quoteID] = bySKU
	return nil
}

func (s *Store) ReleaseReservations(_ context.Context, quoteID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := len(s.reservations[quoteID])
	delete(s.reservations, quoteID)
	return released, nil
}

func (s *Store) ListReservations(_ context.Context, quoteID string) ([]*repository.StockReservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*repository.StockReservation, 0, len(s.reservations[quoteID]))
	for _, row := range s.reservations[quoteID] {
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *Store) PurgeExpiredReservations(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for quoteID, bySKU := range s.reservations {
		for sku, row := range bySKU {
			if !row.ExpiresAt.After(now) {
				delete(bySKU, sku)
				purged++
			}
		}
		if len(bySKU) == 0 {
			delete(s.reservations, quoteID)
		}
	}
	return purged, nil
}

// ReservedQuantity sums active reservations of a SKU across all quotes.
func (s *Store) ReservedQuantity(sku string, now time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeReservedLocked(sku, "", now)
}

func (s *Store) activeReservedLocked(sku, excludeQuoteID string, now time.Time) int {
	reserved := 0
	for quoteID, bySKU := range s.reservations {
		if quoteID == excludeQuoteID {
			continue
		}
		if row, ok := bySKU[sku]; ok && row.ExpiresAt.After(now) {
			reserved += row.Quantity
		}
	}
	return reserved
}
