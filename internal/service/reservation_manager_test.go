package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
)

func TestReserve_AllOrNothingAndRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.reservations.SetStock(ctx, "X", 10)
	require.NoError(t, err)

	res, err := h.reservations.Reserve(ctx, "A", []ReserveItem{{SKU: "X", Quantity: 10}}, 0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(30*time.Minute), res.ExpiresAt)

	_, err = h.reservations.Reserve(ctx, "B", []ReserveItem{{SKU: "X", Quantity: 1}}, 0)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInsufficientStock))

	var coded *errors.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, map[string]int{"X": 0}, coded.Details["available"])

	released, err := h.reservations.Release(ctx, "A", "test")
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	_, err = h.reservations.Reserve(ctx, "B", []ReserveItem{{SKU: "X", Quantity: 1}}, 0)
	require.NoError(t, err)
}

func TestReserve_ShortageListsEverySKU(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.reservations.SetStock(ctx, "X", 5)
	require.NoError(t, err)

	_, err = h.reservations.Reserve(ctx, "A", []ReserveItem{
		{SKU: "X", Quantity: 6},
		{SKU: "WIDGET", Quantity: 1},
		{SKU: "UNKNOWN", Quantity: 1},
	}, 0)
	var coded *errors.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, map[string]int{"X": 5, "UNKNOWN": 0}, coded.Details["available"])

	// nothing was held
	avail, err := h.reservations.Availability(ctx, "WIDGET")
	require.NoError(t, err)
	assert.Zero(t, avail.Reserved)
}

func TestReserve_ReplacesOwnHoldAndMergesDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.reservations.SetStock(ctx, "X", 10)
	require.NoError(t, err)

	_, err = h.reservations.Reserve(ctx, "A", []ReserveItem{{SKU: "X", Quantity: 8}}, 0)
	require.NoError(t, err)

	// the quote's own hold does not count against it
	res, err := h.reservations.Reserve(ctx, "A", []ReserveItem{{SKU: "X", Quantity: 4}, {SKU: "X", Quantity: 5}}, 0)
	require.NoError(t, err)
	assert.Equal(t, []ReserveItem{{SKU: "X", Quantity: 9}}, res.Items)

	avail, err := h.reservations.Availability(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 9, avail.Reserved)
	assert.Equal(t, 1, avail.Available)
}

func TestReserve_ExpiredHoldsDoNotCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.reservations.SetStock(ctx, "X", 10)
	require.NoError(t, err)

	_, err = h.reservations.Reserve(ctx, "A", []ReserveItem{{SKU: "X", Quantity: 10}}, time.Minute)
	require.NoError(t, err)

	h.clock.Advance(2 * time.Minute)
	_, err = h.reservations.Reserve(ctx, "B", []ReserveItem{{SKU: "X", Quantity: 10}}, 0)
	require.NoError(t, err)

	purged, err := h.reservations.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestReserve_ConcurrentCallersNeverOversell(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.reservations.SetStock(ctx, "X", 10)
	require.NoError(t, err)

	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	reserved := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.reservations.Reserve(ctx, fmt.Sprintf("q-%d", i), []ReserveItem{{SKU: "X", Quantity: 3}}, 0)
			if err == nil {
				mu.Lock()
				reserved += 3
				mu.Unlock()
				return
			}
			assert.True(t,
				errors.HasCode(err, errors.ErrCodeInsufficientStock) || errors.HasCode(err, errors.ErrCodeConcurrentModification),
				"unexpected error %v", err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, reserved, 10)
	assert.Equal(t, reserved, h.store.ReservedQuantity("X", h.clock.Now()))
}

func TestReserve_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.reservations.Reserve(ctx, "A", nil, 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = h.reservations.Reserve(ctx, "A", []ReserveItem{{SKU: "X", Quantity: 0}}, 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))

	_, err = h.reservations.Reserve(ctx, "A", []ReserveItem{{SKU: " ", Quantity: 1}}, 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestSetStock_CannotDropBelowReserved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.reservations.SetStock(ctx, "X", 10)
	require.NoError(t, err)
	_, err = h.reservations.Reserve(ctx, "A", []ReserveItem{{SKU: "X", Quantity: 6}}, 0)
	require.NoError(t, err)

	_, err = h.reservations.SetStock(ctx, "X", 5)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

	item, err := h.reservations.SetStock(ctx, "X", 6)
	require.NoError(t, err)
	assert.Equal(t, 6, item.TotalStock)
}

// interleavingStock runs before once, just ahead of the first stock write.
type interleavingStock struct {
	StockStore
	before func()
}

func (s *interleavingStock) UpsertStock(ctx context.Context, sku string, total int, version int64, at time.Time) (*repository.StockItem, error) {
	if s.before != nil {
		before := s.before
		s.before = nil
		before()
	}
	return s.StockStore.UpsertStock(ctx, sku, total, version, at)
}

func TestSetStock_ReserveBetweenSnapshotAndWrite(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.reservations.SetStock(ctx, "X", 10)
	require.NoError(t, err)

	stock := &interleavingStock{StockStore: h.store}
	stock.before = func() {
		_, err := h.reservations.Reserve(ctx, "A", []ReserveItem{{SKU: "X", Quantity: 10}}, 0)
		require.NoError(t, err)
	}
	manager := NewReservationManager(stock, time.Hour, h.clock, logger.Nop())

	_, err = manager.SetStock(ctx, "X", 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConflict))

	avail, err := h.reservations.Availability(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 10, avail.TotalStock)
	assert.Equal(t, 10, avail.Reserved)
	assert.LessOrEqual(t, avail.Reserved, avail.TotalStock)
}

func TestSetStock_RetriesAfterUnrelatedVersionBump(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.reservations.SetStock(ctx, "X", 10)
	require.NoError(t, err)

	stock := &interleavingStock{StockStore: h.store}
	stock.before = func() {
		_, err := h.reservations.Reserve(ctx, "A", []ReserveItem{{SKU: "X", Quantity: 3}}, 0)
		require.NoError(t, err)
	}
	manager := NewReservationManager(stock, time.Hour, h.clock, logger.Nop())

	item, err := manager.SetStock(ctx, "X", 4)
	require.NoError(t, err)
	assert.Equal(t, 4, item.TotalStock)

	avail, err := h.reservations.Availability(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 1, avail.Available)
}
