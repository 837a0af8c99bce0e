package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedQuote(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateQuote(context.Background(), &repository.Quote{
		ID:          id,
		QuoteNumber: "Q-" + id,
		Status:      repository.QuoteStatusDraft,
		Version:     1,
		CreatedAt:   t0,
	}, &repository.StatusHistoryRecord{ID: id + "-h0", QuoteID: id, NewStatus: repository.QuoteStatusDraft, CreatedAt: t0})
	require.NoError(t, err)
}

func TestCommitTransitionRejectsStaleVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedQuote(t, s, "q1")

	rec := &repository.StatusHistoryRecord{ID: "h1", QuoteID: "q1", NewStatus: repository.QuoteStatusCancelled, CreatedAt: t0}
	v, err := s.CommitTransition(ctx, "q1", 1, repository.QuoteStatusDraft, rec)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = s.CommitTransition(ctx, "q1", 1, repository.QuoteStatusDraft, rec)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConcurrentModification))

	history, err := s.ListHistory(ctx, "q1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestApplyReservationConditionedOnVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.UpsertStock(ctx, "X", 10, 0, t0)
	require.NoError(t, err)

	snapA, _ := s.SnapshotStock(ctx, "A", []string{"X"}, t0)
	snapB, _ := s.SnapshotStock(ctx, "B", []string{"X"}, t0)

	row := func(quote string) []*repository.StockReservation {
		return []*repository.StockReservation{{ID: quote, QuoteID: quote, SKU: "X", Quantity: 8, ExpiresAt: t0.Add(time.Hour)}}
	}
	require.NoError(t, s.ApplyReservation(ctx, "A", row("A"), map[string]int64{"X": snapA["X"].Version}, t0))

	err = s.ApplyReservation(ctx, "B", row("B"), map[string]int64{"X": snapB["X"].Version}, t0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConcurrentModification))
	assert.Equal(t, 8, s.ReservedQuantity("X", t0))
}

func TestSnapshotExcludesOwnAndExpiredReservations(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, _ = s.UpsertStock(ctx, "X", 10, 0, t0)
	snap, _ := s.SnapshotStock(ctx, "A", []string{"X"}, t0)
	require.NoError(t, s.ApplyReservation(ctx, "A", []*repository.StockReservation{
		{ID: "r1", QuoteID: "A", SKU: "X", Quantity: 4, ExpiresAt: t0.Add(time.Minute)},
	}, map[string]int64{"X": snap["X"].Version}, t0))

	own, _ := s.SnapshotStock(ctx, "A", []string{"X", "missing"}, t0)
	assert.Equal(t, 10, own["X"].Available())
	assert.False(t, own["missing"].Known)

	other, _ := s.SnapshotStock(ctx, "B", []string{"X"}, t0)
	assert.Equal(t, 6, other["X"].Available())

	later, _ := s.SnapshotStock(ctx, "B", []string{"X"}, t0.Add(2*time.Minute))
	assert.Equal(t, 10, later["X"].Available())
}

func TestClaimDueItemsOrdering(t *testing.T) {
	ctx := context.Background()
	s := New()
	add := func(id string, priority int, at time.Time) {
		require.NoError(t, s.EnqueueItem(ctx, &repository.DeliveryQueueItem{
			ID: id, Priority: priority, MaxAttempts: 5, Status: repository.QueueStatusPending, ScheduledAt: at, CreatedAt: at,
		}))
	}
	add("low-old", 0, t0.Add(-2*time.Minute))
	add("high-new", 5, t0.Add(-time.Minute))
	add("high-old", 5, t0.Add(-3*time.Minute))
	add("future", 9, t0.Add(time.Hour))

	claimed, err := s.ClaimDueItems(ctx, t0, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, "high-old", claimed[0].ID)
	assert.Equal(t, "high-new", claimed[1].ID)
	assert.Equal(t, "low-old", claimed[2].ID)
	for _, item := range claimed {
		assert.Equal(t, repository.QueueStatusProcessing, item.Status)
		assert.Equal(t, 1, item.Attempts)
	}

	again, err := s.ClaimDueItems(ctx, t0, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestResolveApprovalOnlyOnce(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateApproval(ctx, &repository.ApprovalRequest{
		ID: "a1", QuoteID: "q1", Level: 1, RequiredLevel: 2, Status: repository.ApprovalStatusPending, CreatedAt: t0,
	}))

	_, err := s.ResolveApproval(ctx, "a1", repository.ApprovalStatusApproved, "m1", nil, t0)
	require.NoError(t, err)

	_, err = s.ResolveApproval(ctx, "a1", repository.ApprovalStatusRejected, "m2", nil, t0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeApprovalAlreadyResolved))
}

func TestApplyDeliveryCallbackFirstStampWins(t *testing.T) {
	ctx := context.Background()
	s := New()
	msgID := "msg-1"
	s.appendLogLocked(&repository.DeliveryLogRecord{ID: "l1", MessageID: &msgID, Status: repository.DeliveryLogSent, SentAt: t0})

	matched, err := s.ApplyDeliveryCallback(ctx, msgID, repository.CallbackOpened, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, matched)
	_, _ = s.ApplyDeliveryCallback(ctx, msgID, repository.CallbackOpened, t0.Add(time.Hour))

	logs, _, _ := s.ListDeliveryLogs(ctx, repository.DeliveryLogFilter{})
	require.Len(t, logs, 1)
	assert.Equal(t, t0.Add(time.Minute), *logs[0].OpenedAt)

	matched, err = s.ApplyDeliveryCallback(ctx, "unknown", repository.CallbackOpened, t0)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestUpsertStockConditionedOnVersion(t *testing.T) {
	ctx := context.Background()
	s := New()
	item, err := s.UpsertStock(ctx, "X", 10, 0, t0)
	require.NoError(t, err)

	_, err = s.UpsertStock(ctx, "X", 12, 0, t0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConcurrentModification))

	snap, _ := s.SnapshotStock(ctx, "A", []string{"X"}, t0)
	require.NoError(t, s.ApplyReservation(ctx, "A", []*repository.StockReservation{
		{ID: "r1", QuoteID: "A", SKU: "X", Quantity: 7, ExpiresAt: t0.Add(time.Hour)},
	}, map[string]int64{"X": snap["X"].Version}, t0))

	_, err = s.UpsertStock(ctx, "X", 12, item.Version, t0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConcurrentModification))

	fresh, _ := s.GetStock(ctx, "X")
	_, err = s.UpsertStock(ctx, "X", 6, fresh.Version, t0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeConcurrentModification))

	updated, err := s.UpsertStock(ctx, "X", 7, fresh.Version, t0)
	require.NoError(t, err)
	assert.Equal(t, 7, updated.TotalStock)
}
