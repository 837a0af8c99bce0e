package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

func TestRecordAction_AcceptRecordsViewedFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.sentQuote(t)
	token := h.clientToken(t, q.ID)

	comments := "looks good"
	quoteID, err := h.gateway.RecordAction(ctx, token, ActionAccepted, ClientMeta{IPAddress: "10.0.0.9", UserAgent: "curl", Comments: &comments})
	require.NoError(t, err)
	assert.Equal(t, q.ID, quoteID)
	assert.Equal(t, repository.QuoteStatusAccepted, h.status(t, q.ID).Status)

	history := h.history(t, q.ID)
	require.GreaterOrEqual(t, len(history), 2)
	viewed, accepted := history[len(history)-2], history[len(history)-1]
	assert.Equal(t, repository.QuoteStatusViewed, viewed.NewStatus)
	assert.Equal(t, repository.QuoteStatusAccepted, accepted.NewStatus)
	assert.Equal(t, ClientActor.ID, accepted.Actor)
	assert.Equal(t, "client_accepted", accepted.Reason)
	assert.Equal(t, "10.0.0.9", accepted.Metadata["ip_address"])
	require.NotNil(t, accepted.Notes)
	assert.Equal(t, comments, *accepted.Notes)
}

func TestRecordAction_SecondResponseIsAlreadyResolved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.sentQuote(t)
	token := h.clientToken(t, q.ID)

	_, err := h.gateway.RecordAction(ctx, token, ActionRejected, ClientMeta{})
	require.NoError(t, err)
	before := len(h.history(t, q.ID))

	_, err = h.gateway.RecordAction(ctx, token, ActionAccepted, ClientMeta{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyResolved))
	_, err = h.gateway.RecordAction(ctx, token, ActionRejected, ClientMeta{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeAlreadyResolved))

	assert.Equal(t, repository.QuoteStatusRejected, h.status(t, q.ID).Status)
	assert.Len(t, h.history(t, q.ID), before)
}

func TestRecordAction_ViewedIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.sentQuote(t)
	token := h.clientToken(t, q.ID)

	for i := 0; i < 3; i++ {
		_, err := h.gateway.RecordAction(ctx, token, ActionViewed, ClientMeta{})
		require.NoError(t, err)
	}
	// outside the dedupe window the quote is already viewed
	h.clock.Advance(time.Hour)
	_, err := h.gateway.RecordAction(ctx, token, ActionViewed, ClientMeta{})
	require.NoError(t, err)

	viewed := 0
	for _, rec := range h.history(t, q.ID) {
		if rec.NewStatus == repository.QuoteStatusViewed {
			viewed++
		}
	}
	assert.Equal(t, 1, viewed)
	assert.Equal(t, repository.QuoteStatusViewed, h.status(t, q.ID).Status)

	// viewing does not consume the token
	_, err = h.gateway.RecordAction(ctx, token, ActionAccepted, ClientMeta{})
	require.NoError(t, err)
}

func TestRecordAction_ExpiredTokenMutatesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.sentQuote(t)
	token := h.clientToken(t, q.ID)
	before := h.status(t, q.ID)

	h.clock.Advance(8 * 24 * time.Hour)
	_, err := h.gateway.RecordAction(ctx, token, ActionAccepted, ClientMeta{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeTokenExpired))

	after := h.status(t, q.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.Version, after.Version)
}

func TestRecordAction_UnknownToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.gateway.RecordAction(ctx, "not-a-token", ActionViewed, ClientMeta{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeTokenNotFound))
	_, err = h.gateway.RecordAction(ctx, "", ActionAccepted, ClientMeta{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeTokenNotFound))
	_, err = h.gateway.RecordAction(ctx, "x", "maybe", ClientMeta{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestRecordAction_FailedResponseReopensToken(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.sentQuote(t)
	token := h.clientToken(t, q.ID)

	// the owner withdraws the quote before the client answers
	h.transition(t, q.ID, repository.QuoteStatusCancelled, owner)
	_, err := h.gateway.RecordAction(ctx, token, ActionAccepted, ClientMeta{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidTransition))

	tok, err := h.store.GetTokenByHash(ctx, HashToken(token))
	require.NoError(t, err)
	assert.Nil(t, tok.ResolvedAt)
}

func TestIssueToken_StoresOnlyHash(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.createQuote(t, 1, 100)

	token, err := h.gateway.IssueToken(ctx, q.ID, time.Hour)
	require.NoError(t, err)
	assert.Len(t, token, 43)

	_, err = h.store.GetTokenByHash(ctx, token)
	assert.True(t, errors.HasCode(err, errors.ErrCodeTokenNotFound))
	tok, err := h.store.GetTokenByHash(ctx, HashToken(token))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), tok.ExpiresAt)

	_, err = h.gateway.IssueToken(ctx, q.ID, 0)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidInput))
}

func TestRecordAction_FailedViewDoesNotBlockRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	q := h.sentQuote(t)
	token := h.clientToken(t, q.ID)

	quotes := &flakyQuotes{QuoteStore: h.store, failing: true}
	rewire(h, h.store, quotes)

	_, err := h.gateway.RecordAction(ctx, token, ActionViewed, ClientMeta{})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInternal))
	assert.Equal(t, repository.QuoteStatusSent, h.status(t, q.ID).Status)

	// still inside the dedupe window
	quotes.failing = false
	_, err = h.gateway.RecordAction(ctx, token, ActionViewed, ClientMeta{})
	require.NoError(t, err)
	assert.Equal(t, repository.QuoteStatusViewed, h.status(t, q.ID).Status)
}
