package errors

import (
	"fmt"
	"sort"
)

// InvalidTransition reports a status change that is not in the transition table.
func InvalidTransition(from, to string) *Error {
	return New(ErrCodeInvalidTransition,
		fmt.Sprintf("cannot transition quote from '%s' to '%s'", from, to)).
		WithDetail("from", from).
		WithDetail("to", to)
}

// ConcurrentModification reports a conditional write that lost to another writer.
func ConcurrentModification(resource, id string) *Error {
	return New(ErrCodeConcurrentModification,
		fmt.Sprintf("%s was modified concurrently", resource)).
		WithDetail("resource", resource).
		WithDetail("id", id)
}

// ApprovalRequired reports a transition blocked by an outstanding approval.
func ApprovalRequired(quoteID string, level int) *Error {
	return New(ErrCodeApprovalRequired, "quote requires approval before this transition").
		WithDetail("quote_id", quoteID).
		WithDetail("required_level", level)
}

// ApprovalAlreadyResolved reports a decision on a non-pending approval request.
func ApprovalAlreadyResolved(approvalID, status string) *Error {
	return New(ErrCodeApprovalAlreadyResolved,
		fmt.Sprintf("approval request is already %s", status)).
		WithDetail("approval_id", approvalID).
		WithDetail("status", status)
}

// Unauthorized reports an actor lacking the capability for an operation.
func Unauthorized(message string) *Error {
	return New(ErrCodeUnauthorized, message)
}

// InsufficientStock lists every SKU whose requested quantity exceeds availability.
// shortages maps SKU to the quantity still available.
func InsufficientStock(shortages map[string]int) *Error {
	skus := make([]string, 0, len(shortages))
	for sku := range shortages {
		skus = append(skus, sku)
	}
	sort.Strings(skus)
	return New(ErrCodeInsufficientStock, "insufficient stock for requested items").
		WithDetail("skus", skus).
		WithDetail("available", shortages)
}

// TokenExpired reports a client token used after its expiry.
func TokenExpired() *Error {
	return New(ErrCodeTokenExpired, "access token has expired")
}

// TokenNotFound reports an unknown client token.
func TokenNotFound() *Error {
	return New(ErrCodeTokenNotFound, "access token not found")
}

// AlreadyResolved reports a second terminal client action.
func AlreadyResolved(quoteID, status string) *Error {
	return New(ErrCodeAlreadyResolved, "quote response was already recorded").
		WithDetail("quote_id", quoteID).
		WithDetail("status", status)
}

// DeliveryTransient marks a transport failure worth retrying.
func DeliveryTransient(err error) *Error {
	return Wrap(err, ErrCodeDeliveryTransient, "delivery failed, will retry")
}

// DeliveryPermanent marks a transport failure that retrying cannot fix.
func DeliveryPermanent(err error) *Error {
	return Wrap(err, ErrCodeDeliveryPermanent, "delivery rejected permanently")
}
