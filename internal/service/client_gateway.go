package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/pesio-ai/be-sales-quotes/internal/repository"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
)

// ClientAction is a response the quote recipient can report.
type ClientAction string

const (
	ActionViewed   ClientAction = "viewed"
	ActionAccepted ClientAction = "accepted"
	ActionRejected ClientAction = "rejected"
)

// ClientMeta describes the unauthenticated caller of a client action.
type ClientMeta struct {
	IPAddress string
	UserAgent string
	Comments  *string
	Metadata  map[string]interface{}
}

// ClientGateway lets the quote recipient act on a quote through an opaque,
// time-limited token. Only the SHA-256 of a token is stored.
type ClientGateway struct {
	tokens       TokenStore
	quotes       QuoteStore
	deduper      ViewDeduper
	dedupeWindow time.Duration
	engine       *StatusEngine
	clock        Clock
	log          *logger.Logger
}

// NewClientGateway creates a new ClientGateway. A nil deduper disables the
// view window; repeated views of a viewed quote are still no-ops.
func NewClientGateway(
	tokens TokenStore,
	quotes QuoteStore,
	deduper ViewDeduper,
	dedupeWindow time.Duration,
	clock Clock,
	log *logger.Logger,
) *ClientGateway {
	return &ClientGateway{
		tokens:       tokens,
		quotes:       quotes,
		deduper:      deduper,
		dedupeWindow: dedupeWindow,
		clock:        clock,
		log:          log.Component("client_gateway"),
	}
}

// IssueToken creates a token for the quote valid for ttl and returns it in clear.
func (g *ClientGateway) IssueToken(ctx context.Context, quoteID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", errors.InvalidInput("ttl", "token ttl must be positive")
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to generate access token")
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := g.clock.Now()
	rec := &repository.AccessToken{
		ID:        uuid.NewString(),
		QuoteID:   quoteID,
		TokenHash: HashToken(token),
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := g.tokens.CreateToken(ctx, rec); err != nil {
		return "", err
	}

	g.log.Info().
		Str("quote_id", quoteID).
		Str("token_id", rec.ID).
		Time("expires_at", rec.ExpiresAt).
		Msg("Client access token issued")

	return token, nil
}

// RecordAction applies a client action and returns the quote ID.
//
// viewed is idempotent. accepted and rejected claim the token first, so only
// one terminal response per token is ever applied; when the transition fails
// the claim is undone. accepted or rejected on a quote that was never viewed
// records viewed first.
func (g *ClientGateway) RecordAction(ctx context.Context, token string, action ClientAction, meta ClientMeta) (string, error) {
	if action != ActionViewed && action != ActionAccepted && action != ActionRejected {
		return "", errors.InvalidInput("action", "action must be one of viewed, accepted, rejected")
	}

	// Resolve token
	if token == "" {
		return "", errors.TokenNotFound()
	}
	tok, err := g.tokens.GetTokenByHash(ctx, HashToken(token))
	if err != nil {
		return "", err
	}
	now := g.clock.Now()
	if !now.Before(tok.ExpiresAt) {
		return "", errors.TokenExpired().WithDetail("quote_id", tok.QuoteID)
	}

	if action == ActionViewed {
		if err := g.recordView(ctx, tok, meta); err != nil {
			return "", err
		}
		return tok.QuoteID, nil
	}

	// Claim the token for the terminal response
	if err := g.tokens.ResolveToken(ctx, tok.ID, string(action), now); err != nil {
		return "", err
	}

	if err := g.respond(ctx, tok.QuoteID, action, meta); err != nil {
		if reopenErr := g.tokens.ReopenToken(ctx, tok.ID); reopenErr != nil {
			g.log.Error().Err(reopenErr).Str("token_id", tok.ID).Msg("Failed to reopen access token")
		}
		return "", err
	}

	g.log.Info().
		Str("quote_id", tok.QuoteID).
		Str("action", string(action)).
		Str("ip_address", meta.IPAddress).
		Msg("Client response recorded")

	return tok.QuoteID, nil
}

func (g *ClientGateway) recordView(ctx context.Context, tok *repository.AccessToken, meta ClientMeta) error {
	quote, err := g.quotes.GetQuote(ctx, tok.QuoteID)
	if err != nil {
		return err
	}
	// Only a sent quote advances on view
	if quote.Status != repository.QuoteStatusSent {
		return nil
	}

	marked := false
	if g.deduper != nil && g.dedupeWindow > 0 {
		first, err := g.deduper.FirstView(ctx, quote.ID, g.dedupeWindow)
		if err != nil {
			g.log.Warn().Err(err).Str("quote_id", quote.ID).Msg("View dedupe unavailable, recording view")
		} else if !first {
			return nil
		}
		marked = err == nil
	}

	_, err = g.engine.Transition(ctx, TransitionRequest{
		QuoteID:  quote.ID,
		Target:   repository.QuoteStatusViewed,
		Actor:    ClientActor,
		Reason:   "client_viewed",
		Metadata: clientMetadata(meta),
	})
	if errors.HasCode(err, errors.ErrCodeConcurrentModification) || errors.HasCode(err, errors.ErrCodeInvalidTransition) {
		// Another request moved the quote on first.
		return nil
	}
	if err != nil && marked {
		// The view did not commit; let the next one try again.
		if forgetErr := g.deduper.Forget(ctx, quote.ID); forgetErr != nil {
			g.log.Warn().Err(forgetErr).Str("quote_id", quote.ID).Msg("Failed to clear view mark")
		}
	}
	return err
}

func (g *ClientGateway) respond(ctx context.Context, quoteID string, action ClientAction, meta ClientMeta) error {
	quote, err := g.quotes.GetQuote(ctx, quoteID)
	if err != nil {
		return err
	}

	if quote.Status == repository.QuoteStatusSent {
		_, err := g.engine.Transition(ctx, TransitionRequest{
			QuoteID:  quoteID,
			Target:   repository.QuoteStatusViewed,
			Actor:    ClientActor,
			Reason:   "client_viewed",
			Metadata: clientMetadata(meta),
		})
		if err != nil && !errors.HasCode(err, errors.ErrCodeConcurrentModification) {
			return err
		}
	}

	target := repository.QuoteStatusAccepted
	reason := "client_accepted"
	if action == ActionRejected {
		target = repository.QuoteStatusRejected
		reason = "client_rejected"
	}

	_, err = g.engine.Transition(ctx, TransitionRequest{
		QuoteID:  quoteID,
		Target:   target,
		Actor:    ClientActor,
		Reason:   reason,
		Notes:    meta.Comments,
		Metadata: clientMetadata(meta),
	})
	return err
}

// PurgeExpired deletes tokens past their expiry.
func (g *ClientGateway) PurgeExpired(ctx context.Context) (int, error) {
	return g.tokens.PurgeExpiredTokens(ctx, g.clock.Now())
}

// HashToken returns the hex SHA-256 of a clear token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func clientMetadata(meta ClientMeta) map[string]interface{} {
	out := make(map[string]interface{}, len(meta.Metadata)+2)
	for k, v := range meta.Metadata {
		out[k] = v
	}
	if meta.IPAddress != "" {
		out["ip_address"] = meta.IPAddress
	}
	if meta.UserAgent != "" {
		out["user_agent"] = meta.UserAgent
	}
	return out
}
