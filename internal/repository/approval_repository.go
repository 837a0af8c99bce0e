package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pesio-ai/be-sales-quotes/pkg/database"
	"github.com/pesio-ai/be-sales-quotes/pkg/errors"
)

// ApprovalRepository handles quote approval requests. At most one pending
// request exists per (quote, level); resolved requests are never reopened.
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository creates a new ApprovalRepository.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

const approvalColumns = `
	id, quote_id, level, required_level, status, requested_by,
	approver_id, comments, created_at, decided_at
`

// CreateApproval inserts a pending approval request.
func (r *ApprovalRepository) CreateApproval(ctx context.Context, req *ApprovalRequest) error {
	query := `
		INSERT INTO quote_approval_requests
		    (id, quote_id, level, required_level, status, requested_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		req.ID,
		req.QuoteID,
		req.Level,
		req.RequiredLevel,
		req.Status,
		req.RequestedBy,
		req.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.New(errors.ErrCodeConflict, "a pending approval already exists for this level").
				WithDetail("quote_id", req.QuoteID).
				WithDetail("level", req.Level)
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// GetApproval retrieves an approval request by ID.
func (r *ApprovalRepository) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM quote_approval_requests WHERE id = $1`

	req, err := scanApproval(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval request")
	}
	return req, nil
}

// ResolveApproval records a decision on a pending request. A request that is no
// longer pending yields ApprovalAlreadyResolved carrying its current status.
func (r *ApprovalRepository) ResolveApproval(
	ctx context.Context,
	id string,
	status ApprovalStatus,
	approverID string,
	comments *string,
	at time.Time,
) (*ApprovalRequest, error) {
	query := `
		UPDATE quote_approval_requests
		SET status      = $2,
		    approver_id = $3,
		    comments    = $4,
		    decided_at  = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + approvalColumns

	req, err := scanApproval(r.db.QueryRow(ctx, query, id, status, approverID, comments, at))
	if err == pgx.ErrNoRows {
		current, getErr := r.GetApproval(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, errors.ApprovalAlreadyResolved(id, string(current.Status))
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve approval request")
	}
	return req, nil
}

// ReopenApproval puts a decided request back to pending when the quote
// transition its decision asked for did not commit.
func (r *ApprovalRepository) ReopenApproval(ctx context.Context, id string) error {
	query := `
		UPDATE quote_approval_requests
		SET status = 'pending', approver_id = NULL, comments = NULL, decided_at = NULL
		WHERE id = $1 AND status IN ('approved', 'rejected')
	`
	if _, err := r.db.Exec(ctx, query, id); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to reopen approval request")
	}
	return nil
}

// ListApprovalsByQuote returns all requests of a quote ordered by level.
func (r *ApprovalRepository) ListApprovalsByQuote(ctx context.Context, quoteID string) ([]*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + `
		FROM quote_approval_requests
		WHERE quote_id = $1
		ORDER BY level ASC, created_at ASC
	`
	rows, err := r.db.Query(ctx, query, quoteID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	return scanApprovalRows(rows)
}

// ListPendingApprovals returns pending requests, oldest first.
func (r *ApprovalRepository) ListPendingApprovals(ctx context.Context, limit, offset int) ([]*ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + `
		FROM quote_approval_requests
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return scanApprovalRows(rows)
}

// CancelPendingApprovals closes every pending request of a quote and returns how many were closed.
func (r *ApprovalRepository) CancelPendingApprovals(ctx context.Context, quoteID string, at time.Time) (int, error) {
	query := `
		UPDATE quote_approval_requests
		SET status = 'cancelled', decided_at = $2
		WHERE quote_id = $1 AND status = 'pending'
	`
	tag, err := r.db.Exec(ctx, query, quoteID, at)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to cancel approval requests")
	}
	return int(tag.RowsAffected()), nil
}

func scanApproval(row rowScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	err := row.Scan(
		&req.ID,
		&req.QuoteID,
		&req.Level,
		&req.RequiredLevel,
		&req.Status,
		&req.RequestedBy,
		&req.ApproverID,
		&req.Comments,
		&req.CreatedAt,
		&req.DecidedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func scanApprovalRows(rows pgx.Rows) ([]*ApprovalRequest, error) {
	requests := make([]*ApprovalRequest, 0)
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}
