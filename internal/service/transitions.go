package service

import "github.com/pesio-ai/be-sales-quotes/internal/repository"

// transitionTable maps each status to its legal successors.
var transitionTable = map[repository.QuoteStatus][]repository.QuoteStatus{
	repository.QuoteStatusDraft: {
		repository.QuoteStatusPendingApproval,
		repository.QuoteStatusApproved,
		repository.QuoteStatusCancelled,
	},
	repository.QuoteStatusPendingApproval: {
		repository.QuoteStatusApproved,
		repository.QuoteStatusRejected,
		repository.QuoteStatusDraft, // recall
		repository.QuoteStatusCancelled,
	},
	repository.QuoteStatusApproved: {
		repository.QuoteStatusSent,
		repository.QuoteStatusCancelled,
	},
	repository.QuoteStatusSent: {
		repository.QuoteStatusViewed,
		repository.QuoteStatusExpired,
		repository.QuoteStatusCancelled,
	},
	repository.QuoteStatusViewed: {
		repository.QuoteStatusAccepted,
		repository.QuoteStatusRejected,
		repository.QuoteStatusExpired,
	},
	repository.QuoteStatusAccepted: {
		repository.QuoteStatusConverted,
	},
	repository.QuoteStatusRejected:  {},
	repository.QuoteStatusExpired:   {},
	repository.QuoteStatusConverted: {},
	repository.QuoteStatusCancelled: {},
}

// Successors returns the statuses reachable from s in one step.
func Successors(s repository.QuoteStatus) []repository.QuoteStatus {
	return append([]repository.QuoteStatus(nil), transitionTable[s]...)
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to repository.QuoteStatus) bool {
	for _, next := range transitionTable[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s repository.QuoteStatus) bool {
	return len(transitionTable[s]) == 0
}
