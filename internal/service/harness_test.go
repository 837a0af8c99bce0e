package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sales-quotes/internal/client"
	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/internal/repository/memstore"
	"github.com/pesio-ai/be-sales-quotes/pkg/config"
	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
)

var (
	t0       = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	owner    = Actor{ID: "rep-1", Roles: []string{"sales"}}
	manager  = Actor{ID: "mgr-1", Roles: []string{"manager"}}
	director = Actor{ID: "dir-1", Roles: []string{"admin"}}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeTransport records payloads; fail decides the outcome of the n-th call (1-based).
type fakeTransport struct {
	mu    sync.Mutex
	calls int
	sent  []repository.NotificationPayload
	fail  func(n int) error
}

func (f *fakeTransport) Send(_ context.Context, p repository.NotificationPayload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail != nil {
		if err := f.fail(f.calls); err != nil {
			return "", err
		}
	}
	f.sent = append(f.sent, p)
	return fmt.Sprintf("msg-%d", f.calls), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []client.QuoteEvent
}

func (p *recordingPublisher) PublishQuoteEvent(_ context.Context, e client.QuoteEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.EventType)
	}
	return out
}

type harness struct {
	store        *memstore.Store
	clock        *fakeClock
	transport    *fakeTransport
	publisher    *recordingPublisher
	gate         *ApprovalGate
	reservations *ReservationManager
	queue        *DeliveryQueue
	gateway      *ClientGateway
	engine       *StatusEngine
	quotes       *QuoteService
	sweeper      *Sweeper
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	policy := config.DefaultPolicy()
	log := logger.Nop()
	h := &harness{
		store:     memstore.New(),
		clock:     &fakeClock{now: t0},
		transport: &fakeTransport{},
		publisher: &recordingPublisher{},
	}

	h.gate = NewApprovalGate(h.store, h.store, policy.ApprovalThresholds, policy.ApproverRoles, h.clock, log)
	h.reservations = NewReservationManager(h.store, policy.ReservationTTL, h.clock, log)
	h.queue = NewDeliveryQueue(h.store, h.transport, DeliveryQueueConfig{
		RetryLadder:          policy.RetryLadder,
		MaxAttempts:          policy.MaxAttempts,
		BatchSize:            policy.DrainBatchSize,
		ProcessingStaleAfter: policy.ProcessingStaleAfter,
	}, h.clock, log)
	h.gateway = NewClientGateway(h.store, h.store, client.NewMemoryViewDeduper(h.clock.Now), policy.ViewDedupeWindow, h.clock, log)
	h.engine = NewStatusEngine(h.store, h.gate, h.reservations, h.queue, h.gateway, h.publisher, StatusEngineConfig{
		TokenTTL:      policy.TokenTTL,
		ClientBaseURL: "https://quotes.example.com/q",
	}, h.clock, log)
	h.quotes = NewQuoteService(h.store, h.reservations, h.engine, h.clock, log)
	h.sweeper = NewSweeper(h.reservations, h.gateway, h.queue, h.engine, log)

	_, err := h.reservations.SetStock(context.Background(), "WIDGET", 1000)
	require.NoError(t, err)
	return h
}

// createQuote creates a draft quote whose total is qty × unitPrice cents.
func (h *harness) createQuote(t *testing.T, qty int, unitPrice int64) *repository.Quote {
	t.Helper()
	phone := "+442071838750"
	q, err := h.quotes.CreateQuote(context.Background(), &CreateQuoteRequest{
		OwnerID:     owner.ID,
		ClientName:  "Acme Ltd",
		ClientEmail: "buyer@acme.example",
		ClientPhone: &phone,
		Currency:    "usd",
		Items:       []repository.QuoteItem{{SKU: "WIDGET", Quantity: qty, UnitPrice: unitPrice}},
	})
	require.NoError(t, err)
	return q
}

func (h *harness) transition(t *testing.T, quoteID string, target repository.QuoteStatus, actor Actor) *TransitionResult {
	t.Helper()
	res, err := h.engine.Transition(context.Background(), TransitionRequest{QuoteID: quoteID, Target: target, Actor: actor})
	require.NoError(t, err)
	return res
}

// sentQuote returns a small quote moved through approved to sent.
func (h *harness) sentQuote(t *testing.T) *repository.Quote {
	t.Helper()
	q := h.createQuote(t, 2, 10_000)
	h.transition(t, q.ID, repository.QuoteStatusApproved, owner)
	h.transition(t, q.ID, repository.QuoteStatusSent, owner)
	return h.status(t, q.ID)
}

func (h *harness) status(t *testing.T, quoteID string) *repository.Quote {
	t.Helper()
	q, err := h.store.GetQuote(context.Background(), quoteID)
	require.NoError(t, err)
	return q
}

func (h *harness) history(t *testing.T, quoteID string) []*repository.StatusHistoryRecord {
	t.Helper()
	recs, err := h.store.ListHistory(context.Background(), quoteID)
	require.NoError(t, err)
	return recs
}

// clientToken extracts the action token from the quote email in the queue.
func (h *harness) clientToken(t *testing.T, quoteID string) string {
	t.Helper()
	items, _, err := h.store.ListItems(context.Background(), repository.QueueFilter{})
	require.NoError(t, err)
	for _, item := range items {
		var p repository.NotificationPayload
		require.NoError(t, json.Unmarshal(item.Payload, &p))
		if p.QuoteID != quoteID || p.Channel != repository.ChannelEmail {
			continue
		}
		for _, line := range strings.Split(p.Body, "\n") {
			if idx := strings.Index(line, "https://quotes.example.com/q/"); idx >= 0 {
				return strings.TrimSpace(line[idx+len("https://quotes.example.com/q/"):])
			}
		}
	}
	t.Fatalf("no client link queued for quote %s", quoteID)
	return ""
}
