package repository

import (
	"context"
	_ "embed"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pesio-ai/be-sales-quotes/pkg/database"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

//go:embed schema.sql
var schemaSQL string

// Migrate applies the idempotent schema.
func Migrate(ctx context.Context, db *database.DB) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to apply schema")
	}
	return nil
}

// isUniqueViolation reports a postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
