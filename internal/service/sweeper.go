package service

import (
	"context"

	"github.com/pesio-ai/be-sales-quotes/pkg/logger"
)

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	ReservationsPurged int
	TokensPurged       int
	QuotesExpired      int
	Queue              QueueSweepStats
}

// Sweeper runs the periodic maintenance of every lifecycle component.
type Sweeper struct {
	reservations *ReservationManager
	gateway      *ClientGateway
	queue        *DeliveryQueue
	engine       *StatusEngine
	log          *logger.Logger
}

// NewSweeper creates a new Sweeper.
func NewSweeper(
	reservations *ReservationManager,
	gateway *ClientGateway,
	queue *DeliveryQueue,
	engine *StatusEngine,
	log *logger.Logger,
) *Sweeper {
	return &Sweeper{
		reservations: reservations,
		gateway:      gateway,
		queue:        queue,
		engine:       engine,
		log:          log.Component("sweeper"),
	}
}

// Run performs one pass. Quotes are expired first so their reservations are
// released before the purge.
func (s *Sweeper) Run(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	var err error

	if report.QuotesExpired, err = s.engine.ExpireDue(ctx); err != nil {
		return report, err
	}
	if report.ReservationsPurged, err = s.reservations.PurgeExpired(ctx); err != nil {
		return report, err
	}
	if report.TokensPurged, err = s.gateway.PurgeExpired(ctx); err != nil {
		return report, err
	}
	if report.Queue, err = s.queue.Sweep(ctx); err != nil {
		return report, err
	}

	s.log.Info().
		Int("quotes_expired", report.QuotesExpired).
		Int("reservations_purged", report.ReservationsPurged).
		Int("tokens_purged", report.TokensPurged).
		Int("queue_exhausted", report.Queue.Exhausted).
		Int("queue_requeued", report.Queue.Requeued).
		Msg("Sweep completed")

	return report, nil
}
