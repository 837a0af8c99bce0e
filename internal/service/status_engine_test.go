package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sales-quotes/internal/client"
	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

func TestTransitionTable(t *testing.T) {
	for _, from := range repository.AllQuoteStatuses {
		for _, to := range repository.AllQuoteStatuses {
			legal := CanTransition(from, to)
			assert.Equal(t, legal, contains(Successors(from), to), "%s -> %s", from, to)
			if IsTerminal(from) {
				assert.False(t, legal, "terminal %s must have no successors", from)
			}
		}
	}

	assert.True(t, CanTransition(repository.QuoteStatusPendingApproval, repository.QuoteStatusDraft))
	assert.False(t, CanTransition(repository.QuoteStatusDraft, repository.QuoteStatusSent))
	assert.False(t, CanTransition(repository.QuoteStatusSent, repository.QuoteStatusAccepted))
	assert.True(t, IsTerminal(repository.QuoteStatusConverted))
	assert.False(t, IsTerminal(repository.QuoteStatusAccepted))
}

func TestTransition_IllegalTargetLeavesQuoteUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.createQuote(t, 1, 5_000)

	_, err := h.engine.Transition(ctx, TransitionRequest{QuoteID: q.ID, Target: repository.QuoteStatusSent, Actor: owner})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidTransition))

	var coded *errors.Error
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, "draft", coded.Details["from"])
	assert.Equal(t, "sent", coded.Details["to"])

	after := h.status(t, q.ID)
	assert.Equal(t, repository.QuoteStatusDraft, after.Status)
	assert.Equal(t, q.Version, after.Version)
	assert.Len(t, h.history(t, q.ID), 1)
}

func TestTransition_UnknownTarget(t *testing.T) {
	h := newHarness(t)
	q := h.createQuote(t, 1, 5_000)

	_, err := h.engine.Transition(context.Background(), TransitionRequest{QuoteID: q.ID, Target: "shipped", Actor: owner})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestTransition_UnknownQuote(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Transition(context.Background(), TransitionRequest{QuoteID: "missing", Target: repository.QuoteStatusCancelled, Actor: owner})
	assert.True(t, errors.HasCode(err, errors.ErrCodeNotFound))
}

func TestTransition_HistoryReplaysToCurrentStatus(t *testing.T) {
	h := newHarness(t)
	q := h.sentQuote(t)
	_, err := h.gateway.RecordAction(context.Background(), h.clientToken(t, q.ID), ActionAccepted, ClientMeta{IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	h.transition(t, q.ID, repository.QuoteStatusConverted, owner)

	history := h.history(t, q.ID)
	require.NotEmpty(t, history)
	assert.Nil(t, history[0].PreviousStatus)
	assert.Equal(t, repository.QuoteStatusDraft, history[0].NewStatus)

	current := history[0].NewStatus
	for _, rec := range history[1:] {
		require.NotNil(t, rec.PreviousStatus)
		assert.Equal(t, current, *rec.PreviousStatus)
		assert.True(t, CanTransition(current, rec.NewStatus), "%s -> %s", current, rec.NewStatus)
		current = rec.NewStatus
	}

	final := h.status(t, q.ID)
	assert.Equal(t, final.Status, current)
	assert.Equal(t, repository.QuoteStatusConverted, current)
	// one version bump per committed transition
	assert.Equal(t, int64(len(history)), final.Version)
}

func TestTransition_ConcurrentCommitsHaveSingleWinner(t *testing.T) {
	h := newHarness(t)
	q := h.createQuote(t, 1, 5_000)

	targets := []repository.QuoteStatus{
		repository.QuoteStatusCancelled,
		repository.QuoteStatusApproved,
		repository.QuoteStatusCancelled,
		repository.QuoteStatusApproved,
	}

	var wg sync.WaitGroup
	errs := make([]error, len(targets))
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target repository.QuoteStatus) {
			defer wg.Done()
			_, errs[i] = h.engine.Transition(context.Background(), TransitionRequest{QuoteID: q.ID, Target: target, Actor: owner})
		}(i, target)
	}
	wg.Wait()

	history := h.history(t, q.ID)
	final := h.status(t, q.ID)
	assert.Equal(t, final.Status, history[len(history)-1].NewStatus)

	for _, err := range errs {
		if err != nil {
			assert.True(t,
				errors.HasCode(err, errors.ErrCodeConcurrentModification) || errors.HasCode(err, errors.ErrCodeInvalidTransition),
				"unexpected error %v", err)
		}
	}
	// draft has exactly one committed successor
	assert.Equal(t, repository.QuoteStatusDraft, *history[1].PreviousStatus)
	for _, rec := range history[2:] {
		assert.NotEqual(t, repository.QuoteStatusDraft, *rec.PreviousStatus)
	}
}

func TestTransition_SendIssuesTokenAndQueuesNotifications(t *testing.T) {
	h := newHarness(t)
	q := h.sentQuote(t)

	items, total, err := h.store.ListItems(context.Background(), repository.QueueFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total, "email and sms")

	repository.SortQueueItems(items)
	assert.Equal(t, priorityQuoteEmail, items[0].Priority)
	assert.Equal(t, "buyer@acme.example", items[0].Recipient)
	assert.Equal(t, "+442071838750", items[1].Recipient)

	token := h.clientToken(t, q.ID)
	assert.NotEmpty(t, token)
	tok, err := h.store.GetTokenByHash(context.Background(), HashToken(token))
	require.NoError(t, err)
	assert.Equal(t, q.ID, tok.QuoteID)
	assert.Equal(t, t0.Add(7*24*time.Hour), tok.ExpiresAt)

	assert.Contains(t, h.publisher.types(), "quote_sent")
}

func TestTransition_TerminalReleasesReservations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.createQuote(t, 40, 100)

	avail, err := h.reservations.Availability(ctx, "WIDGET")
	require.NoError(t, err)
	assert.Equal(t, 40, avail.Reserved)

	h.transition(t, q.ID, repository.QuoteStatusCancelled, owner)

	avail, err = h.reservations.Availability(ctx, "WIDGET")
	require.NoError(t, err)
	assert.Equal(t, 0, avail.Reserved)
	assert.Equal(t, 1000, avail.Available)
}

func TestExpireDue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sent := h.sentQuote(t)
	draft := h.createQuote(t, 1, 100)

	n, err := h.engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(31 * 24 * time.Hour)
	n, err = h.engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, repository.QuoteStatusExpired, h.status(t, sent.ID).Status)
	assert.Equal(t, repository.QuoteStatusDraft, h.status(t, draft.ID).Status)

	history := h.history(t, sent.ID)
	last := history[len(history)-1]
	assert.Equal(t, SystemActor.ID, last.Actor)
	assert.Equal(t, "validity_elapsed", last.Reason)
}

func contains(list []repository.QuoteStatus, s repository.QuoteStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestTransition_SendPastValidityIssuesNoToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q, err := h.quotes.CreateQuote(ctx, &CreateQuoteRequest{
		OwnerID:     owner.ID,
		ClientName:  "Acme",
		ClientEmail: "buyer@acme.example",
		Currency:    "EUR",
		ValidDays:   1,
		Items:       []repository.QuoteItem{{SKU: "WIDGET", Quantity: 1, UnitPrice: 100}},
	})
	require.NoError(t, err)
	h.transition(t, q.ID, repository.QuoteStatusApproved, owner)

	h.clock.Advance(2 * 24 * time.Hour)
	h.transition(t, q.ID, repository.QuoteStatusSent, owner)

	_, total, err := h.store.ListItems(ctx, repository.QueueFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)

	n, err := h.engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTransition_TokenCappedAtValidity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q, err := h.quotes.CreateQuote(ctx, &CreateQuoteRequest{
		OwnerID:     owner.ID,
		ClientName:  "Acme",
		ClientEmail: "buyer@acme.example",
		Currency:    "EUR",
		ValidDays:   2,
		Items:       []repository.QuoteItem{{SKU: "WIDGET", Quantity: 1, UnitPrice: 100}},
	})
	require.NoError(t, err)
	h.transition(t, q.ID, repository.QuoteStatusApproved, owner)
	h.transition(t, q.ID, repository.QuoteStatusSent, owner)

	tok, err := h.store.GetTokenByHash(ctx, HashToken(h.clientToken(t, q.ID)))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(2*24*time.Hour), tok.ExpiresAt)
}

func TestTransition_EventsCarryHistoryIDs(t *testing.T) {
	h := newHarness(t)
	q := h.createQuote(t, 1, 100)

	h.transition(t, q.ID, repository.QuoteStatusPendingApproval, owner)
	h.transition(t, q.ID, repository.QuoteStatusDraft, owner)
	h.transition(t, q.ID, repository.QuoteStatusPendingApproval, owner)

	history := h.history(t, q.ID)
	require.Len(t, history, 4)

	h.publisher.mu.Lock()
	events := append([]client.QuoteEvent(nil), h.publisher.events...)
	h.publisher.mu.Unlock()
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, history[i+1].ID, e.EventID)
	}
	assert.Equal(t, events[0].EventType, events[2].EventType)
	assert.NotEqual(t, events[0].EventID, events[2].EventID)
	assert.Less(t, events[0].Version, events[2].Version)
}
