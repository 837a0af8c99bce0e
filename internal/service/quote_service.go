package service

import (
	"context"
	"fmt"
	"math"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
)

// defaultValidity is how long a quote stays open for the client when the
// request does not say.
const defaultValidity = 30 * 24 * time.Hour

// QuoteService handles quote business logic outside the status lifecycle.
type QuoteService struct {
	quotes       QuoteStore
	reservations *ReservationManager
	engine       *StatusEngine
	clock        Clock
	log          *logger.Logger
}

// NewQuoteService creates a new quote service
func NewQuoteService(
	quotes QuoteStore,
	reservations *ReservationManager,
	engine *StatusEngine,
	clock Clock,
	log *logger.Logger,
) *QuoteService {
	return &QuoteService{
		quotes:       quotes,
		reservations: reservations,
		engine:       engine,
		clock:        clock,
		log:          log.Component("quotes"),
	}
}

// CreateQuoteRequest represents a request to create a quote
type CreateQuoteRequest struct {
	OwnerID     string                 `json:"owner_id"`
	ClientName  string                 `json:"client_name"`
	ClientEmail string                 `json:"client_email"`
	ClientPhone *string                `json:"client_phone,omitempty"`
	Currency    string                 `json:"currency"`
	ValidDays   int                    `json:"valid_days,omitempty"`
	Items       []repository.QuoteItem `json:"items"`
}

// CreateQuote creates a draft quote and reserves its line items.
func (s *QuoteService) CreateQuote(ctx context.Context, req *CreateQuoteRequest) (*repository.Quote, error) {
	// Validate client
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, errors.InvalidInput("owner_id", "owner is required")
	}
	if strings.TrimSpace(req.ClientName) == "" {
		return nil, errors.InvalidInput("client_name", "client name is required")
	}
	if _, err := mail.ParseAddress(req.ClientEmail); err != nil {
		return nil, errors.InvalidInput("client_email", "client email is not a valid address")
	}

	// Validate currency
	if len(req.Currency) != 3 {
		return nil, errors.InvalidInput("currency", "currency must be 3-letter ISO code")
	}
	if req.ValidDays < 0 {
		return nil, errors.InvalidInput("valid_days", "validity cannot be negative")
	}

	// Validate lines
	total, err := priceItems(req.Items)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	validity := defaultValidity
	if req.ValidDays > 0 {
		validity = time.Duration(req.ValidDays) * 24 * time.Hour
	}
	expiresAt := now.Add(validity)

	id := uuid.NewString()
	quote := &repository.Quote{
		ID:          id,
		QuoteNumber: quoteNumber(id, now),
		OwnerID:     req.OwnerID,
		ClientName:  strings.TrimSpace(req.ClientName),
		ClientEmail: req.ClientEmail,
		ClientPhone: req.ClientPhone,
		Currency:    strings.ToUpper(req.Currency),
		TotalAmount: total,
		Status:      repository.QuoteStatusDraft,
		Version:     1,
		ExpiresAt:   &expiresAt,
		Items:       req.Items,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// Reserve stock before the quote becomes visible
	if _, err := s.reservations.Reserve(ctx, id, reserveItems(req.Items), 0); err != nil {
		return nil, err
	}

	initial := &repository.StatusHistoryRecord{
		ID:        uuid.NewString(),
		QuoteID:   id,
		NewStatus: repository.QuoteStatusDraft,
		Actor:     req.OwnerID,
		Reason:    "created",
		CreatedAt: now,
	}
	if err := s.quotes.CreateQuote(ctx, quote, initial); err != nil {
		if _, relErr := s.reservations.Release(ctx, id, "create_failed"); relErr != nil {
			s.log.Error().Err(relErr).Str("quote_id", id).Msg("Failed to release reservations of unsaved quote")
		}
		return nil, err
	}

	s.log.Info().
		Str("quote_id", quote.ID).
		Str("quote_number", quote.QuoteNumber).
		Str("owner_id", quote.OwnerID).
		Int64("total_amount", quote.TotalAmount).
		Msg("Quote created")

	return quote, nil
}

// GetQuote retrieves a quote by ID
func (s *QuoteService) GetQuote(ctx context.Context, id string) (*repository.Quote, error) {
	return s.quotes.GetQuote(ctx, id)
}

// ListQuotes lists quotes with filters
func (s *QuoteService) ListQuotes(ctx context.Context, ownerID, status *string, page, pageSize int) ([]*repository.Quote, int64, error) {
	filter := repository.QuoteFilter{OwnerID: ownerID}
	if status != nil {
		st := repository.QuoteStatus(*status)
		if !st.Valid() {
			return nil, 0, errors.InvalidInput("status", fmt.Sprintf("unknown status '%s'", *status))
		}
		filter.Status = &st
	}
	filter.Limit, filter.Offset = pageBounds(page, pageSize)
	return s.quotes.ListQuotes(ctx, filter)
}

// GetHistory returns the quote's status history in commit order.
func (s *QuoteService) GetHistory(ctx context.Context, id string) ([]*repository.StatusHistoryRecord, error) {
	if _, err := s.quotes.GetQuote(ctx, id); err != nil {
		return nil, err
	}
	return s.quotes.ListHistory(ctx, id)
}

// UpdateItems replaces the line items of a draft quote and re-reserves stock.
func (s *QuoteService) UpdateItems(ctx context.Context, id string, items []repository.QuoteItem) (*repository.Quote, error) {
	total, err := priceItems(items)
	if err != nil {
		return nil, err
	}

	// Get quote
	quote, err := s.quotes.GetQuote(ctx, id)
	if err != nil {
		return nil, err
	}

	// Validate status
	if quote.Status != repository.QuoteStatusDraft {
		return nil, errors.New(errors.ErrCodeConflict, "only draft quotes can be edited").
			WithDetail("quote_id", id).
			WithDetail("status", string(quote.Status))
	}

	if _, err := s.reservations.Reserve(ctx, id, reserveItems(items), 0); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	version, err := s.quotes.UpdateQuoteItems(ctx, id, quote.Version, items, total, now)
	if err != nil {
		// Put back the hold matching the stored items
		if _, resErr := s.reservations.Reserve(ctx, id, reserveItems(quote.Items), 0); resErr != nil {
			s.log.Warn().Err(resErr).Str("quote_id", id).Msg("Failed to restore reservations after edit conflict")
		}
		return nil, err
	}

	quote.Items = items
	quote.TotalAmount = total
	quote.Version = version
	quote.UpdatedAt = now

	s.log.Info().Str("quote_id", id).Int64("total_amount", total).Msg("Quote items updated")
	return quote, nil
}

// Reserve (re)places the stock hold of a non-terminal quote.
func (s *QuoteService) Reserve(ctx context.Context, id string, items []ReserveItem, ttl time.Duration) (*Reservation, error) {
	quote, err := s.quotes.GetQuote(ctx, id)
	if err != nil {
		return nil, err
	}
	if IsTerminal(quote.Status) {
		return nil, errors.New(errors.ErrCodeConflict, "quote is closed").
			WithDetail("quote_id", id).
			WithDetail("status", string(quote.Status))
	}
	return s.reservations.Reserve(ctx, id, items, ttl)
}

// Release drops the stock hold of a quote.
func (s *QuoteService) Release(ctx context.Context, id string) (int, error) {
	if _, err := s.quotes.GetQuote(ctx, id); err != nil {
		return 0, err
	}
	return s.reservations.Release(ctx, id, "manual")
}

// Transition forwards to the status engine.
func (s *QuoteService) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	return s.engine.Transition(ctx, req)
}

func priceItems(items []repository.QuoteItem) (int64, error) {
	if len(items) < 1 {
		return 0, errors.InvalidInput("items", "quote must have at least 1 item")
	}
	var total int64
	for _, item := range items {
		if strings.TrimSpace(item.SKU) == "" {
			return 0, errors.InvalidInput("sku", "sku is required")
		}
		if item.Quantity <= 0 {
			return 0, errors.InvalidInput("quantity", "quantity must be positive").WithDetail("sku", item.SKU)
		}
		if item.UnitPrice < 0 {
			return 0, errors.InvalidInput("unit_price", "unit price cannot be negative").WithDetail("sku", item.SKU)
		}
		if item.UnitPrice > 0 && int64(item.Quantity) > (math.MaxInt64-total)/item.UnitPrice {
			return 0, errors.InvalidInput("items", "quote total exceeds the supported maximum").WithDetail("sku", item.SKU)
		}
		total += int64(item.Quantity) * item.UnitPrice
	}
	return total, nil
}

func reserveItems(items []repository.QuoteItem) []ReserveItem {
	out := make([]ReserveItem, 0, len(items))
	for _, item := range items {
		out = append(out, ReserveItem{SKU: item.SKU, Quantity: item.Quantity})
	}
	return out
}

func quoteNumber(id string, at time.Time) string {
	return fmt.Sprintf("Q-%s-%s", at.Format("20060102"), strings.ToUpper(strings.ReplaceAll(id, "-", "")[:8]))
}
