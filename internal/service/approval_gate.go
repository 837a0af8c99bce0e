package service

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-sales-quotes/internal/metrics"
	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/config"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
)

// ApprovalDecision is the outcome an approver records.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "approved"
	DecisionRejected ApprovalDecision = "rejected"
)

// DecisionResult describes the effect of one decision.
type DecisionResult struct {
	Approval     *repository.ApprovalRequest
	QuoteStatus  repository.QuoteStatus
	NextApproval *repository.ApprovalRequest
}

// ApprovalGate decides how much sign-off a quote needs and records decisions.
// Each level is one ApprovalRequest; level n+1 is opened only after level n is
// approved, so a rejection at any level ends the chain.
type ApprovalGate struct {
	approvals     ApprovalStore
	quotes        QuoteStore
	thresholds    []config.ApprovalThreshold
	approverRoles []string
	engine        *StatusEngine
	clock         Clock
	log           *logger.Logger
}

// NewApprovalGate creates a new ApprovalGate. Thresholds must be sorted by amount.
func NewApprovalGate(
	approvals ApprovalStore,
	quotes QuoteStore,
	thresholds []config.ApprovalThreshold,
	approverRoles []string,
	clock Clock,
	log *logger.Logger,
) *ApprovalGate {
	return &ApprovalGate{
		approvals:     approvals,
		quotes:        quotes,
		thresholds:    thresholds,
		approverRoles: approverRoles,
		clock:         clock,
		log:           log.Component("approval_gate"),
	}
}

// RequiredLevel returns the level of the highest threshold total exceeds, or 0.
func (g *ApprovalGate) RequiredLevel(total int64) int {
	level := 0
	for _, t := range g.thresholds {
		if total > t.Amount && t.Level > level {
			level = t.Level
		}
	}
	return level
}

// Decide records an approver's decision on a pending request.
//
// Rejection moves the quote to rejected. Approval below the required level
// opens the next level; approval at the required level moves the quote to approved.
func (g *ApprovalGate) Decide(
	ctx context.Context,
	approvalID string,
	actor Actor,
	decision ApprovalDecision,
	comments *string,
) (*DecisionResult, error) {
	// Validate decision and capability
	if decision != DecisionApproved && decision != DecisionRejected {
		return nil, errors.InvalidInput("decision", "decision must be 'approved' or 'rejected'")
	}
	if !actor.HasAnyRole(g.approverRoles) {
		return nil, errors.Unauthorized("approver must hold one of the roles: " + strings.Join(g.approverRoles, ", ")).
			WithDetail("actor_id", actor.ID)
	}

	// Get request and its quote
	req, err := g.approvals.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if req.Status != repository.ApprovalStatusPending {
		return nil, errors.ApprovalAlreadyResolved(req.ID, string(req.Status))
	}
	quote, err := g.quotes.GetQuote(ctx, req.QuoteID)
	if err != nil {
		return nil, err
	}
	if quote.Status != repository.QuoteStatusPendingApproval {
		target := repository.QuoteStatusApproved
		if decision == DecisionRejected {
			target = repository.QuoteStatusRejected
		}
		return nil, errors.InvalidTransition(string(quote.Status), string(target))
	}

	// Claim the decision; a concurrent decider loses here
	resolved, err := g.approvals.ResolveApproval(ctx, req.ID, repository.ApprovalStatus(decision), actor.ID, comments, g.clock.Now())
	if err != nil {
		return nil, err
	}
	metrics.ApprovalDecisionsTotal.WithLabelValues(string(decision), strconv.Itoa(resolved.Level)).Inc()

	g.log.Info().
		Str("quote_id", resolved.QuoteID).
		Str("approval_id", resolved.ID).
		Int("level", resolved.Level).
		Int("required_level", resolved.RequiredLevel).
		Str("decision", string(decision)).
		Str("approver_id", actor.ID).
		Msg("Approval decision recorded")

	result := &DecisionResult{Approval: resolved}
	meta := map[string]interface{}{
		"approval_id": resolved.ID,
		"level":       resolved.Level,
	}

	switch {
	case decision == DecisionRejected:
		updated, err := g.engine.commitFromCurrent(ctx, quote.ID, repository.QuoteStatusPendingApproval,
			repository.QuoteStatusRejected, actor, "approval_rejected", comments, meta)
		if err != nil {
			g.undoDecision(ctx, resolved)
			return nil, err
		}
		result.QuoteStatus = updated.Status

	case resolved.Level < resolved.RequiredLevel:
		next, err := g.open(ctx, quote.ID, resolved.Level+1, resolved.RequiredLevel, actor.ID)
		if err != nil {
			g.undoDecision(ctx, resolved)
			return nil, err
		}
		result.QuoteStatus = repository.QuoteStatusPendingApproval
		result.NextApproval = next

	default:
		updated, err := g.engine.commitFromCurrent(ctx, quote.ID, repository.QuoteStatusPendingApproval,
			repository.QuoteStatusApproved, actor, "approval_granted", comments, meta)
		if err != nil {
			g.undoDecision(ctx, resolved)
			return nil, err
		}
		result.QuoteStatus = updated.Status
	}

	return result, nil
}

// GetApproval returns one approval request.
func (g *ApprovalGate) GetApproval(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	return g.approvals.GetApproval(ctx, id)
}

// ListForQuote returns every approval request of a quote by level.
func (g *ApprovalGate) ListForQuote(ctx context.Context, quoteID string) ([]*repository.ApprovalRequest, error) {
	if _, err := g.quotes.GetQuote(ctx, quoteID); err != nil {
		return nil, err
	}
	return g.approvals.ListApprovalsByQuote(ctx, quoteID)
}

// ListPending returns pending requests, oldest first.
func (g *ApprovalGate) ListPending(ctx context.Context, page, pageSize int) ([]*repository.ApprovalRequest, error) {
	limit, offset := pageBounds(page, pageSize)
	return g.approvals.ListPendingApprovals(ctx, limit, offset)
}

// ── internal ──────────────────────────────────────────────────────────────────

func (g *ApprovalGate) open(ctx context.Context, quoteID string, level, required int, requestedBy string) (*repository.ApprovalRequest, error) {
	req := &repository.ApprovalRequest{
		ID:            uuid.NewString(),
		QuoteID:       quoteID,
		Level:         level,
		RequiredLevel: required,
		Status:        repository.ApprovalStatusPending,
		RequestedBy:   requestedBy,
		CreatedAt:     g.clock.Now(),
	}
	if err := g.approvals.CreateApproval(ctx, req); err != nil {
		return nil, err
	}

	g.log.Info().
		Str("quote_id", quoteID).
		Str("approval_id", req.ID).
		Int("level", level).
		Int("required_level", required).
		Msg("Approval requested")

	return req, nil
}

// withdraw cancels a request whose quote transition did not commit.
func (g *ApprovalGate) withdraw(ctx context.Context, req *repository.ApprovalRequest) {
	if _, err := g.approvals.ResolveApproval(ctx, req.ID, repository.ApprovalStatusCancelled, SystemActor.ID, nil, g.clock.Now()); err != nil {
		g.log.Warn().Err(err).Str("approval_id", req.ID).Msg("Failed to withdraw approval request")
	}
}

// undoDecision reopens a request whose decision had no effect on the quote. If
// the quote has meanwhile left pending_approval the request is cancelled instead.
func (g *ApprovalGate) undoDecision(ctx context.Context, req *repository.ApprovalRequest) {
	if err := g.approvals.ReopenApproval(ctx, req.ID); err != nil {
		g.log.Error().Err(err).Str("approval_id", req.ID).Msg("Failed to reopen approval request")
		return
	}

	quote, err := g.quotes.GetQuote(ctx, req.QuoteID)
	if err != nil {
		g.log.Warn().Err(err).Str("quote_id", req.QuoteID).Msg("Failed to re-read quote after undone decision")
		return
	}
	if quote.Status != repository.QuoteStatusPendingApproval {
		g.cancelPending(ctx, req.QuoteID)
		return
	}
	g.log.Info().Str("approval_id", req.ID).Str("quote_id", req.QuoteID).Msg("Approval request reopened")
}

func (g *ApprovalGate) cancelPending(ctx context.Context, quoteID string) {
	n, err := g.approvals.CancelPendingApprovals(ctx, quoteID, g.clock.Now())
	if err != nil {
		g.log.Warn().Err(err).Str("quote_id", quoteID).Msg("Failed to cancel pending approvals")
		return
	}
	if n > 0 {
		g.log.Info().Str("quote_id", quoteID).Int("cancelled", n).Msg("Pending approvals cancelled")
	}
}

// outstanding returns an ApprovalRequired error while the quote still waits on
// a level. Without any pending request, only an approver may approve directly.
func (g *ApprovalGate) outstanding(ctx context.Context, quote *repository.Quote, actor Actor) error {
	requests, err := g.approvals.ListApprovalsByQuote(ctx, quote.ID)
	if err != nil {
		return err
	}
	for _, req := range requests {
		if req.Status == repository.ApprovalStatusPending {
			return errors.ApprovalRequired(quote.ID, req.RequiredLevel).
				WithDetail("pending_level", req.Level).
				WithDetail("approval_id", req.ID)
		}
	}
	if !actor.HasAnyRole(g.approverRoles) {
		return errors.ApprovalRequired(quote.ID, maxInt(1, g.RequiredLevel(quote.TotalAmount)))
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// pageBounds converts 1-based page numbers into limit/offset.
func pageBounds(page, pageSize int) (int, int) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 200 {
		pageSize = 200
	}
	if page < 1 {
		page = 1
	}
	return pageSize, (page - 1) * pageSize
}
