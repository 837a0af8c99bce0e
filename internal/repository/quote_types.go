package repository

import "time"

// ── Quote lifecycle ──────────────────────────────────────────────────────────

// QuoteStatus is one of the enumerated lifecycle states of a quote.
type QuoteStatus string

const (
	QuoteStatusDraft           QuoteStatus = "draft"
	QuoteStatusPendingApproval QuoteStatus = "pending_approval"
	QuoteStatusApproved        QuoteStatus = "approved"
	QuoteStatusSent            QuoteStatus = "sent"
	QuoteStatusViewed          QuoteStatus = "viewed"
	QuoteStatusAccepted        QuoteStatus = "accepted"
	QuoteStatusRejected        QuoteStatus = "rejected"
	QuoteStatusExpired         QuoteStatus = "expired"
	QuoteStatusConverted       QuoteStatus = "converted"
	QuoteStatusCancelled       QuoteStatus = "cancelled"
)

// AllQuoteStatuses lists every state in lifecycle order.
var AllQuoteStatuses = []QuoteStatus{
	QuoteStatusDraft,
	QuoteStatusPendingApproval,
	QuoteStatusApproved,
	QuoteStatusSent,
	QuoteStatusViewed,
	QuoteStatusAccepted,
	QuoteStatusRejected,
	QuoteStatusExpired,
	QuoteStatusConverted,
	QuoteStatusCancelled,
}

// Valid reports whether s is a known status.
func (s QuoteStatus) Valid() bool {
	for _, known := range AllQuoteStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Quote is the aggregate root of the lifecycle engine.
type Quote struct {
	ID          string
	QuoteNumber string
	OwnerID     string
	ClientName  string
	ClientEmail string
	ClientPhone *string
	Currency    string
	TotalAmount int64 // cents
	Status      QuoteStatus
	Version     int64
	ExpiresAt   *time.Time
	Items       []QuoteItem
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QuoteItem is a priced line that reserves inventory.
type QuoteItem struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// StatusHistoryRecord is an append-only entry describing one committed transition.
type StatusHistoryRecord struct {
	ID             string
	QuoteID        string
	PreviousStatus *QuoteStatus
	NewStatus      QuoteStatus
	Actor          string
	Reason         string
	Notes          *string
	Metadata       map[string]interface{}
	CreatedAt      time.Time
}

// QuoteFilter narrows quote listings.
type QuoteFilter struct {
	OwnerID *string
	Status  *QuoteStatus
	Limit   int
	Offset  int
}

// ── Approvals ─────────────────────────────────────────────────────────────────

// ApprovalStatus is the state of one approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending   ApprovalStatus = "pending"
	ApprovalStatusApproved  ApprovalStatus = "approved"
	ApprovalStatusRejected  ApprovalStatus = "rejected"
	ApprovalStatusCancelled ApprovalStatus = "cancelled"
)

// ApprovalRequest is one level of sign-off for a quote.
type ApprovalRequest struct {
	ID            string
	QuoteID       string
	Level         int
	RequiredLevel int
	Status        ApprovalStatus
	RequestedBy   string
	ApproverID    *string
	Comments      *string
	CreatedAt     time.Time
	DecidedAt     *time.Time
}

// ── Inventory ─────────────────────────────────────────────────────────────────

// StockItem is the total stock of a SKU. Version changes on every reservation
// write against the SKU so availability checks can be conditioned on it.
type StockItem struct {
	SKU        string
	TotalStock int
	Version    int64
	UpdatedAt  time.Time
}

// StockSnapshot is the availability of one SKU as seen by one quote.
type StockSnapshot struct {
	SKU        string
	TotalStock int
	// Reserved counts active reservations of other quotes only.
	Reserved int
	Version  int64
	Known    bool
}

// Available returns the quantity the quote may still reserve.
func (s StockSnapshot) Available() int {
	if !s.Known {
		return 0
	}
	if avail := s.TotalStock - s.Reserved; avail > 0 {
		return avail
	}
	return 0
}

// StockReservation is a time-bounded hold of SKU units for a quote.
type StockReservation struct {
	ID            string
	ReservationID string
	QuoteID       string
	SKU           string
	Quantity      int
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// ── Client access tokens ─────────────────────────────────────────────────────

// AccessToken grants the quote recipient a single-purpose, time-limited link.
// Only the SHA-256 hash of the token is stored.
type AccessToken struct {
	ID         string
	QuoteID    string
	TokenHash  string
	ExpiresAt  time.Time
	ResolvedAt *time.Time
	Resolution *string
	CreatedAt  time.Time
}
