package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-sales-quotes/pkg/database"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

// TokenRepository stores hashed client access tokens.
type TokenRepository struct {
	db *database.DB
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db *database.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

const tokenColumns = `id, quote_id, token_hash, expires_at, resolved_at, resolution, created_at`

// CreateToken inserts a token.
func (r *TokenRepository) CreateToken(ctx context.Context, token *AccessToken) error {
	query := `
		INSERT INTO client_access_tokens (id, quote_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Exec(ctx, query, token.ID, token.QuoteID, token.TokenHash, token.ExpiresAt, token.CreatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create access token")
	}
	return nil
}

// GetTokenByHash looks a token up by its hash.
func (r *TokenRepository) GetTokenByHash(ctx context.Context, hash string) (*AccessToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM client_access_tokens WHERE token_hash = $1`

	token, err := scanToken(r.db.QueryRow(ctx, query, hash))
	if err == pgx.ErrNoRows {
		return nil, errors.TokenNotFound()
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get access token")
	}
	return token, nil
}

// ResolveToken claims an unresolved token for a terminal action. Only one
// caller can win; the others get AlreadyResolved.
func (r *TokenRepository) ResolveToken(ctx context.Context, id, resolution string, at time.Time) error {
	query := `
		UPDATE client_access_tokens
		SET resolved_at = $3, resolution = $2
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING quote_id
	`
	var quoteID string
	err := r.db.QueryRow(ctx, query, id, resolution, at).Scan(&quoteID)
	if err == pgx.ErrNoRows {
		var current AccessToken
		getErr := r.db.QueryRow(ctx,
			`SELECT quote_id, resolution FROM client_access_tokens WHERE id = $1`, id,
		).Scan(&current.QuoteID, &current.Resolution)
		if getErr == pgx.ErrNoRows {
			return errors.TokenNotFound()
		}
		if getErr != nil {
			return errors.Wrap(getErr, errors.ErrCodeInternal, "failed to get access token")
		}
		status := ""
		if current.Resolution != nil {
			status = *current.Resolution
		}
		return errors.AlreadyResolved(current.QuoteID, status)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve access token")
	}
	return nil
}

// ReopenToken undoes a claim whose transition did not commit.
func (r *TokenRepository) ReopenToken(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE client_access_tokens SET resolved_at = NULL, resolution = NULL WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to reopen access token")
	}
	return nil
}

// PurgeExpiredTokens deletes tokens whose expiry has passed.
func (r *TokenRepository) PurgeExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM client_access_tokens WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to purge expired tokens")
	}
	return int(tag.RowsAffected()), nil
}

func scanToken(row rowScanner) (*AccessToken, error) {
	token := &AccessToken{}
	err := row.Scan(
		&token.ID,
		&token.QuoteID,
		&token.TokenHash,
		&token.ExpiresAt,
		&token.ResolvedAt,
		&token.Resolution,
		&token.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return token, nil
}
