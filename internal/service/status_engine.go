package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-sales-quotes/internal/client"
	"github.com/pesio-ai/be-sales-quotes/internal/metrics"
	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
)

const (
	// commitRetries bounds re-reads when a gated transition races another writer.
	commitRetries = 3
	// expiryBatch is the number of overdue quotes expired per sweep.
	expiryBatch = 100

	priorityQuoteEmail = 10
	priorityQuoteSMS   = 5
)

// StatusEngineConfig holds the settings used by lifecycle side effects.
type StatusEngineConfig struct {
	TokenTTL      time.Duration
	ClientBaseURL string
}

// TransitionRequest asks for a quote status change.
type TransitionRequest struct {
	QuoteID  string
	Target   repository.QuoteStatus
	Actor    Actor
	Reason   string
	Notes    *string
	Metadata map[string]interface{}
}

// TransitionResult is the committed outcome of a transition request.
type TransitionResult struct {
	Quote            *repository.Quote
	Status           repository.QuoteStatus
	RequiresApproval bool
	ApprovalID       string
}

// StatusEngine validates and commits quote status changes.
//
// Every commit is a conditional write on (id, version, status) together with
// the history append, so history order equals commit order. Side effects run
// after the commit and never undo it.
type StatusEngine struct {
	quotes       QuoteStore
	gate         *ApprovalGate
	reservations *ReservationManager
	queue        *DeliveryQueue
	gateway      *ClientGateway
	publisher    EventPublisher
	cfg          StatusEngineConfig
	clock        Clock
	log          *logger.Logger
}

// NewStatusEngine creates a new StatusEngine and binds the gate and gateway,
// which both re-enter the engine, to it.
func NewStatusEngine(
	quotes QuoteStore,
	gate *ApprovalGate,
	reservations *ReservationManager,
	queue *DeliveryQueue,
	gateway *ClientGateway,
	publisher EventPublisher,
	cfg StatusEngineConfig,
	clock Clock,
	log *logger.Logger,
) *StatusEngine {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	e := &StatusEngine{
		quotes:       quotes,
		gate:         gate,
		reservations: reservations,
		queue:        queue,
		gateway:      gateway,
		publisher:    publisher,
		cfg:          cfg,
		clock:        clock,
		log:          log.Component("status_engine"),
	}
	gate.engine = e
	gateway.engine = e
	return e
}

// Transition moves a quote to req.Target.
//
// Entering pending_approval opens a level-1 approval request. A draft quote
// whose total needs sign-off and is asked to become approved goes to
// pending_approval instead. Approving a pending_approval quote directly fails
// with ApprovalRequired while any level is outstanding.
func (e *StatusEngine) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	// Validate request
	if !req.Target.Valid() {
		return nil, errors.InvalidInput("status", fmt.Sprintf("unknown status '%s'", req.Target))
	}
	if strings.TrimSpace(req.Reason) == "" {
		req.Reason = "manual"
	}

	// Get quote and check the table
	quote, err := e.quotes.GetQuote(ctx, req.QuoteID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(quote.Status, req.Target) {
		return nil, errors.InvalidTransition(string(quote.Status), string(req.Target)).
			WithDetail("quote_id", quote.ID)
	}

	// Approval gating
	switch {
	case req.Target == repository.QuoteStatusPendingApproval:
		return e.submitForApproval(ctx, quote, req)

	case req.Target == repository.QuoteStatusApproved && quote.Status == repository.QuoteStatusDraft:
		if e.gate.RequiredLevel(quote.TotalAmount) > 0 {
			return e.submitForApproval(ctx, quote, req)
		}

	case req.Target == repository.QuoteStatusApproved && quote.Status == repository.QuoteStatusPendingApproval:
		if err := e.gate.outstanding(ctx, quote, req.Actor); err != nil {
			return nil, err
		}
	}

	updated, err := e.commit(ctx, quote, req.Target, req.Actor, req.Reason, req.Notes, req.Metadata)
	if err != nil {
		return nil, err
	}
	return &TransitionResult{Quote: updated, Status: updated.Status}, nil
}

// ExpireDue moves sent and viewed quotes past their expiry to expired.
func (e *StatusEngine) ExpireDue(ctx context.Context) (int, error) {
	now := e.clock.Now()
	due, err := e.quotes.ListExpiringQuotes(ctx, now,
		[]repository.QuoteStatus{repository.QuoteStatusSent, repository.QuoteStatusViewed}, expiryBatch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, quote := range due {
		_, err := e.commit(ctx, quote, repository.QuoteStatusExpired, SystemActor, "validity_elapsed", nil,
			map[string]interface{}{"expires_at": quote.ExpiresAt.Format(time.RFC3339)})
		if errors.HasCode(err, errors.ErrCodeConcurrentModification) {
			// Client responded concurrently; the next sweep re-reads it.
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
	}
	return expired, nil
}

// ── commit ────────────────────────────────────────────────────────────────────

func (e *StatusEngine) submitForApproval(ctx context.Context, quote *repository.Quote, req TransitionRequest) (*TransitionResult, error) {
	level := maxInt(1, e.gate.RequiredLevel(quote.TotalAmount))

	// Open level 1 before the quote becomes visible as pending_approval
	approval, err := e.gate.open(ctx, quote.ID, 1, level, req.Actor.ID)
	if err != nil {
		return nil, err
	}

	meta := copyMetadata(req.Metadata)
	meta["required_level"] = level
	meta["approval_id"] = approval.ID
	if req.Target != repository.QuoteStatusPendingApproval {
		meta["requested_status"] = string(req.Target)
	}

	updated, err := e.commit(ctx, quote, repository.QuoteStatusPendingApproval, req.Actor, req.Reason, req.Notes, meta)
	if err != nil {
		e.gate.withdraw(ctx, approval)
		return nil, err
	}

	return &TransitionResult{
		Quote:            updated,
		Status:           updated.Status,
		RequiresApproval: true,
		ApprovalID:       approval.ID,
	}, nil
}

// commitFromCurrent re-reads the quote and commits from → to, retrying when
// the version moved but the status did not.
func (e *StatusEngine) commitFromCurrent(
	ctx context.Context,
	quoteID string,
	from, to repository.QuoteStatus,
	actor Actor,
	reason string,
	notes *string,
	meta map[string]interface{},
) (*repository.Quote, error) {
	var lastErr error
	for attempt := 0; attempt < commitRetries; attempt++ {
		quote, err := e.quotes.GetQuote(ctx, quoteID)
		if err != nil {
			return nil, err
		}
		if quote.Status != from {
			return nil, errors.InvalidTransition(string(quote.Status), string(to)).
				WithDetail("quote_id", quoteID)
		}
		updated, err := e.commit(ctx, quote, to, actor, reason, notes, meta)
		if errors.HasCode(err, errors.ErrCodeConcurrentModification) {
			lastErr = err
			continue
		}
		return updated, err
	}
	return nil, lastErr
}

// commit writes the transition conditioned on the quote as read, then runs side effects.
func (e *StatusEngine) commit(
	ctx context.Context,
	quote *repository.Quote,
	to repository.QuoteStatus,
	actor Actor,
	reason string,
	notes *string,
	meta map[string]interface{},
) (*repository.Quote, error) {
	now := e.clock.Now()
	from := quote.Status

	rec := &repository.StatusHistoryRecord{
		ID:             uuid.NewString(),
		QuoteID:        quote.ID,
		PreviousStatus: &from,
		NewStatus:      to,
		Actor:          actor.ID,
		Reason:         reason,
		Notes:          notes,
		Metadata:       meta,
		CreatedAt:      now,
	}

	version, err := e.quotes.CommitTransition(ctx, quote.ID, quote.Version, from, rec)
	if err != nil {
		if errors.HasCode(err, errors.ErrCodeConcurrentModification) {
			metrics.QuoteTransitionConflictsTotal.Inc()
		}
		return nil, err
	}
	metrics.QuoteTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()

	updated := *quote
	updated.Status = to
	updated.Version = version
	updated.UpdatedAt = now

	e.log.Info().
		Str("quote_id", quote.ID).
		Str("quote_number", quote.QuoteNumber).
		Str("from_status", string(from)).
		Str("to_status", string(to)).
		Str("actor", actor.ID).
		Str("reason", reason).
		Int64("version", version).
		Msg("Quote status changed")

	e.afterCommit(ctx, &updated, from, actor, reason, rec.ID)
	return &updated, nil
}

// ── side effects ──────────────────────────────────────────────────────────────

func (e *StatusEngine) afterCommit(ctx context.Context, quote *repository.Quote, from repository.QuoteStatus, actor Actor, reason, historyID string) {
	// Leaving pending_approval closes whatever levels are still open
	if from == repository.QuoteStatusPendingApproval {
		e.gate.cancelPending(ctx, quote.ID)
	}

	if IsTerminal(quote.Status) {
		if _, err := e.reservations.Release(ctx, quote.ID, string(quote.Status)); err != nil {
			e.log.Error().Err(err).Str("quote_id", quote.ID).Msg("Failed to release reservations")
		}
	}

	if quote.Status == repository.QuoteStatusSent {
		e.notifyClient(ctx, quote)
	}

	e.publisher.PublishQuoteEvent(ctx, client.QuoteEvent{
		EventID:     historyID,
		EventType:   "quote_" + string(quote.Status),
		QuoteID:     quote.ID,
		QuoteNumber: quote.QuoteNumber,
		OwnerID:     quote.OwnerID,
		ActorID:     actor.ID,
		FromStatus:  string(from),
		ToStatus:    string(quote.Status),
		Reason:      reason,
		TotalAmount: quote.TotalAmount,
		Currency:    quote.Currency,
		Version:     quote.Version,
		OccurredAt:  quote.UpdatedAt,
	})
}

// notifyClient issues the client token and enqueues the quote email, plus an
// SMS when the client has a phone number. The token never outlives the quote's
// validity; a quote already past it gets no token and is left to the expiry
// sweep. Failures are logged; the quote stays sent.
func (e *StatusEngine) notifyClient(ctx context.Context, quote *repository.Quote) {
	ttl := e.cfg.TokenTTL
	if quote.ExpiresAt != nil {
		untilExpiry := quote.ExpiresAt.Sub(e.clock.Now())
		if untilExpiry <= 0 {
			e.log.Warn().
				Str("quote_id", quote.ID).
				Time("expires_at", *quote.ExpiresAt).
				Msg("Quote sent after its validity ended, no client link issued")
			return
		}
		if untilExpiry < ttl {
			ttl = untilExpiry
		}
	}

	token, err := e.gateway.IssueToken(ctx, quote.ID, ttl)
	if err != nil {
		e.log.Error().Err(err).Str("quote_id", quote.ID).Msg("Failed to issue client token")
		return
	}
	link := strings.TrimRight(e.cfg.ClientBaseURL, "/") + "/" + token

	email := repository.NotificationPayload{
		Channel:   repository.ChannelEmail,
		Recipient: quote.ClientEmail,
		Subject:   fmt.Sprintf("Quote %s", quote.QuoteNumber),
		Body: fmt.Sprintf("Hello %s,\n\nYour quote %s for %s %s is ready.\nView and respond: %s\n",
			quote.ClientName, quote.QuoteNumber, formatAmount(quote.TotalAmount), quote.Currency, link),
		QuoteID: quote.ID,
		Event:   "quote_sent",
	}
	if _, err := e.queue.Enqueue(ctx, email, priorityQuoteEmail, nil); err != nil {
		e.log.Error().Err(err).Str("quote_id", quote.ID).Msg("Failed to enqueue quote email")
	}

	if quote.ClientPhone != nil && *quote.ClientPhone != "" {
		sms := repository.NotificationPayload{
			Channel:   repository.ChannelSMS,
			Recipient: *quote.ClientPhone,
			Body:      fmt.Sprintf("Quote %s is ready: %s", quote.QuoteNumber, link),
			QuoteID:   quote.ID,
			Event:     "quote_sent",
		}
		if _, err := e.queue.Enqueue(ctx, sms, priorityQuoteSMS, nil); err != nil {
			e.log.Warn().Err(err).Str("quote_id", quote.ID).Msg("Failed to enqueue quote SMS")
		}
	}
}

func formatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

func copyMetadata(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in)+3)
	for k, v := range in {
		out[k] = v
	}
	return out
}
