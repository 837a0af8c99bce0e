// Package memstore is an in-process implementation of every quote store.
//
// It applies the same conditional writes as the Postgres repositories (version
// checks, pending-only resolution, processing-only completion) under a single
// mutex, so services behave identically against either backend.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

// Store holds all quote data in memory.
type Store struct {
	mu sync.RWMutex

	quotes       map[string]*repository.Quote
	quoteNumbers map[string]string
	history      map[string][]*repository.StatusHistoryRecord

	approvals map[string]*repository.ApprovalRequest

	stock        map[string]*repository.StockItem
	reservations map[string]map[string]*repository.StockReservation // quote → sku → row

	queue map[string]*repository.DeliveryQueueItem
	logs  []*repository.DeliveryLogRecord

	tokens      map[string]*repository.AccessToken
	tokenHashes map[string]string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		quotes:       make(map[string]*repository.Quote),
		quoteNumbers: make(map[string]string),
		history:      make(map[string][]*repository.StatusHistoryRecord),
		approvals:    make(map[string]*repository.ApprovalRequest),
		stock:        make(map[string]*repository.StockItem),
		reservations: make(map[string]map[string]*repository.StockReservation),
		queue:        make(map[string]*repository.DeliveryQueueItem),
		tokens:       make(map[string]*repository.AccessToken),
		tokenHashes:  make(map[string]string),
	}
}

// ── Quotes ────────────────────────────────────────────────────────────────────

func (s *Store) CreateQuote(_ context.Context, quote *repository.Quote, initial *repository.StatusHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.quoteNumbers[quote.QuoteNumber]; exists {
		return errors.New(errors.ErrCodeConflict, "quote number already exists").
			WithDetail("quote_number", quote.QuoteNumber)
	}

	q := cloneQuote(quote)
	q.UpdatedAt = q.CreatedAt
	s.quotes[q.ID] = q
	s.quoteNumbers[q.QuoteNumber] = q.ID
	s.history[q.ID] = append(s.history[q.ID], cloneHistory(initial))
	return nil
}

func (s *Store) GetQuote(_ context.Context, id string) (*repository.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q, ok := s.quotes[id]
	if !ok {
		return nil, errors.NotFound("quote", id)
	}
	return cloneQuote(q), nil
}

func (s *Store) ListQuotes(_ context.Context, filter repository.QuoteFilter) ([]*repository.Quote, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*repository.Quote, 0)
	for _, q := range s.quotes {
		if filter.OwnerID != nil && q.OwnerID != *filter.OwnerID {
			continue
		}
		if filter.Status != nil && q.Status != *filter.Status {
			continue
		}
		matched = append(matched, q)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := paginate(len(matched), filter.Limit, filter.Offset)
	out := make([]*repository.Quote, 0, page.end-page.start)
	for _, q := range matched[page.start:page.end] {
		out = append(out, cloneQuote(q))
	}
	return out, int64(len(matched)), nil
}

func (s *Store) CommitTransition(
	_ context.Context,
	quoteID string,
	expectedVersion int64,
	from repository.QuoteStatus,
	rec *repository.StatusHistoryRecord,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[quoteID]
	if !ok || q.Version != expectedVersion || q.Status != from {
		return 0, errors.ConcurrentModification("quote", quoteID).
			WithDetail("expected_version", expectedVersion).
			WithDetail("expected_status", string(from))
	}

	q.Status = rec.NewStatus
	q.Version++
	q.UpdatedAt = rec.CreatedAt
	s.history[quoteID] = append(s.history[quoteID], cloneHistory(rec))
	return q.Version, nil
}

func (s *Store) UpdateQuoteItems(
	_ context.Context,
	quoteID string,
	expectedVersion int64,
	items []repository.QuoteItem,
	total int64,
	at time.Time,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.quotes[quoteID]
	if !ok || q.Version != expectedVersion || q.Status != repository.QuoteStatusDraft {
		return 0, errors.ConcurrentModification("quote", quoteID)
	}
	q.Items = append([]repository.QuoteItem(nil), items...)
	q.TotalAmount = total
	q.Version++
	q.UpdatedAt = at
	return q.Version, nil
}

func (s *Store) ListHistory(_ context.Context, quoteID string) ([]*repository.StatusHistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]*repository.StatusHistoryRecord, 0, len(s.history[quoteID]))
	for _, rec := range s.history[quoteID] {
		records = append(records, cloneHistory(rec))
	}
	return records, nil
}

func (s *Store) ListExpiringQuotes(_ context.Context, now time.Time, statuses []repository.QuoteStatus, limit int) ([]*repository.Quote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[repository.QuoteStatus]bool, len(statuses))
	for _, st := range statuses {
		wanted[st] = true
	}

	matched := make([]*repository.Quote, 0)
	for _, q := range s.quotes {
		if wanted[q.Status] && q.ExpiresAt != nil && !q.ExpiresAt.After(now) {
			matched = append(matched, cloneQuote(q))
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ExpiresAt.Before(*matched[j].ExpiresAt) })
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// ── Approvals ─────────────────────────────────────────────────────────────────

func (s *Store) CreateApproval(_ context.Context, req *repository.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.approvals {
		if existing.QuoteID == req.QuoteID && existing.Level == req.Level &&
			existing.Status == repository.ApprovalStatusPending {
			return errors.New(errors.ErrCodeConflict, "a pending approval already exists for this level").
				WithDetail("quote_id", req.QuoteID).
				WithDetail("level", req.Level)
		}
	}
	cp := *req
	s.approvals[req.ID] = &cp
	return nil
}

func (s *Store) GetApproval(_ context.Context, id string) (*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.approvals[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	cp := *req
	return &cp, nil
}

func (s *Store) ResolveApproval(
	_ context.Context,
	id string,
	status repository.ApprovalStatus,
	approverID string,
	comments *string,
	at time.Time,
) (*repository.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.approvals[id]
	if !ok {
		return nil, errors.NotFound("approval_request", id)
	}
	if req.Status != repository.ApprovalStatusPending {
		return nil, errors.ApprovalAlreadyResolved(id, string(req.Status))
	}

	req.Status = status
	req.ApproverID = &approverID
	req.Comments = comments
	decided := at
	req.DecidedAt = &decided

	cp := *req
	return &cp, nil
}

func (s *Store) ReopenApproval(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.approvals[id]
	if !ok {
		return errors.NotFound("approval_request", id)
	}
	if req.Status == repository.ApprovalStatusApproved || req.Status == repository.ApprovalStatusRejected {
		req.Status = repository.ApprovalStatusPending
		req.ApproverID = nil
		req.Comments = nil
		req.DecidedAt = nil
	}
	return nil
}

func (s *Store) ListApprovalsByQuote(_ context.Context, quoteID string) ([]*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*repository.ApprovalRequest, 0)
	for _, req := range s.approvals {
		if req.QuoteID == quoteID {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) ListPendingApprovals(_ context.Context, limit, offset int) ([]*repository.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := make([]*repository.ApprovalRequest, 0)
	for _, req := range s.approvals {
		if req.Status == repository.ApprovalStatusPending {
			cp := *req
			pending = append(pending, &cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })

	page := paginate(len(pending), limit, offset)
	return pending[page.start:page.end], nil
}

func (s *Store) CancelPendingApprovals(_ context.Context, quoteID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for _, req := range s.approvals {
		if req.QuoteID == quoteID && req.Status == repository.ApprovalStatusPending {
			req.Status = repository.ApprovalStatusCancelled
			decided := at
			req.DecidedAt = &decided
			cancelled++
		}
	}
	return cancelled, nil
}

// ── Access tokens ─────────────────────────────────────────────────────────────

func (s *Store) CreateToken(_ context.Context, token *repository.AccessToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokenHashes[token.TokenHash]; exists {
		return errors.New(errors.ErrCodeConflict, "token hash collision")
	}
	cp := *token
	s.tokens[token.ID] = &cp
	s.tokenHashes[token.TokenHash] = token.ID
	return nil
}

func (s *Store) GetTokenByHash(_ context.Context, hash string) (*repository.AccessToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.tokenHashes[hash]
	if !ok {
		return nil, errors.TokenNotFound()
	}
	cp := *s.tokens[id]
	return &cp, nil
}

func (s *Store) ResolveToken(_ context.Context, id, resolution string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.tokens[id]
	if !ok {
		return errors.TokenNotFound()
	}
	if token.ResolvedAt != nil {
		status := ""
		if token.Resolution != nil {
			status = *token.Resolution
		}
		return errors.AlreadyResolved(token.QuoteID, status)
	}
	resolvedAt := at
	token.ResolvedAt = &resolvedAt
	token.Resolution = &resolution
	return nil
}

func (s *Store) ReopenToken(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if token, ok := s.tokens[id]; ok {
		token.ResolvedAt = nil
		token.Resolution = nil
	}
	return nil
}

func (s *Store) PurgeExpiredTokens(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, token := range s.tokens {
		if !token.ExpiresAt.After(now) {
			delete(s.tokenHashes, token.TokenHash)
			delete(s.tokens, id)
			purged++
		}
	}
	return purged, nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

type window struct{ start, end int }

// paginate clamps limit/offset to n. A non-positive limit means everything.
func paginate(n, limit, offset int) window {
	if offset < 0 {
		offset = 0
	}
	if offset > n {
		offset = n
	}
	end := n
	if limit > 0 && offset+limit < n {
		end = offset + limit
	}
	return window{start: offset, end: end}
}

func cloneQuote(q *repository.Quote) *repository.Quote {
	cp := *q
	cp.Items = append([]repository.QuoteItem(nil), q.Items...)
	if q.ExpiresAt != nil {
		t := *q.ExpiresAt
		cp.ExpiresAt = &t
	}
	if q.ClientPhone != nil {
		p := *q.ClientPhone
		cp.ClientPhone = &p
	}
	return &cp
}

func cloneHistory(rec *repository.StatusHistoryRecord) *repository.StatusHistoryRecord {
	cp := *rec
	if rec.Metadata != nil {
		cp.Metadata = make(map[string]interface{}, len(rec.Metadata))
		for k, v := range rec.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
