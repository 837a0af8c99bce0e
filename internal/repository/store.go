package repository

import "github.com/pesio-ai/be-sales-quotes/pkg/database"

// Store bundles the Postgres repositories so one value can back every
// service store interface.
type Store struct {
	*QuoteRepository
	*ApprovalRepository
	*ReservationRepository
	*DeliveryQueueRepository
	*DeliveryLogRepository
	*TokenRepository
}

// NewStore creates the repositories over a shared pool.
func NewStore(db *database.DB) *Store {
	return &Store{
		QuoteRepository:         NewQuoteRepository(db),
		ApprovalRepository:      NewApprovalRepository(db),
		ReservationRepository:   NewReservationRepository(db),
		DeliveryQueueRepository: NewDeliveryQueueRepository(db),
		DeliveryLogRepository:   NewDeliveryLogRepository(db),
		TokenRepository:         NewTokenRepository(db),
	}
}
