// Package sweep is the reconciliation scheduler: timer-driven passes that
// apply time-eligible transitions no client command triggers. Both sweeps
// reuse the transition handlers, so re-running against an already-moved
// order is a state-guard no-op rather than an error.
package sweep

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"mao/internal/clock"
	"mao/internal/metrics"
	"mao/internal/model"
)

// OrderSource selects sweep candidates from the durable store.
type OrderSource interface {
	DueForActivation(ctx context.Context, now time.Time) ([]model.Order, error)
	StalePendingPayment(ctx context.Context, cutoff time.Time) ([]model.Order, error)
}

// Dispatcher drives candidates through the same handler path as commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd model.Command) error
}

// PlanPeer receives the participation-count bump after activation.
type PlanPeer interface {
	IncrJoinCount(ctx context.Context, quotationID string) error
}

// OwnerLookup resolves a vehicle's owning user for expiry notification.
type OwnerLookup interface {
	VehicleOwner(ctx context.Context, vehicleID string) (string, error)
}

// TimeOfDay is a fixed daily run time.
type TimeOfDay struct {
	Hour, Minute int
}

// Scheduler owns the two independent sweep timers. The activation and
// invalidation runs are scheduled at distinct minute offsets so they never
// contend for the pool at the same instant.
type Scheduler struct {
	orders  OrderSource
	engine  Dispatcher
	plans   PlanPeer
	owners  OwnerLookup
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Registry

	ActivationAt   TimeOfDay
	InvalidationAt TimeOfDay
	// MaxPendingAge is how long an unpaid order may linger before the
	// invalidation sweep expires it.
	MaxPendingAge time.Duration

	mu sync.Mutex
	// pendingJoin holds order id -> quotation id pairs whose join-count
	// bump failed; they are retried on the next activation sweep instead
	// of being dropped.
	pendingJoin map[string]string
}

func New(orders OrderSource, engine Dispatcher, plans PlanPeer, owners OwnerLookup, clk clock.Clock, log *zap.Logger, m *metrics.Registry) *Scheduler {
	return &Scheduler{
		orders: orders, engine: engine, plans: plans, owners: owners,
		clock: clk, log: log, metrics: m,
		ActivationAt:   TimeOfDay{Hour: 2, Minute: 10},
		InvalidationAt: TimeOfDay{Hour: 2, Minute: 40},
		MaxPendingAge:  24 * time.Hour,
		pendingJoin:    make(map[string]string),
	}
}

// Run starts both daily timers and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.loop(ctx, s.ActivationAt, s.RunActivationOnce)
	}()
	go func() {
		defer wg.Done()
		s.loop(ctx, s.InvalidationAt, s.RunInvalidationOnce)
	}()
	wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, at TimeOfDay, run func(ctx context.Context)) {
	for {
		wait := untilNext(s.clock.Now(), at)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			run(ctx)
		}
	}
}

// RunActivationOnce flips every due order to active and bumps the plan
// service's participation count. A failed bump is requeued for the next
// sweep, never dropped.
func (s *Scheduler) RunActivationOnce(ctx context.Context) {
	now := s.clock.Now()

	// Retry bumps left over from earlier sweeps first.
	s.mu.Lock()
	retries := s.pendingJoin
	s.pendingJoin = make(map[string]string)
	s.mu.Unlock()
	for orderID, quotationID := range retries {
		s.bumpJoinCount(ctx, orderID, quotationID)
	}

	due, err := s.orders.DueForActivation(ctx, now)
	if err != nil {
		s.log.Error("activation sweep query failed", zap.Error(err))
		return
	}
	for _, o := range due {
		err := s.engine.Dispatch(ctx, model.Command{
			Type: model.EventTakeEffect, OrderID: o.ID, ActorID: "system",
		})
		switch {
		case err == nil:
			if s.metrics != nil {
				s.metrics.SweepActivated.Inc()
			}
			s.bumpJoinCount(ctx, o.ID, o.QuotationID)
		case model.IsRejected(err):
			// Already transitioned; idempotent no-op.
		default:
			s.log.Error("activation failed", zap.String("orderId", o.ID), zap.Error(err))
		}
	}
}

func (s *Scheduler) bumpJoinCount(ctx context.Context, orderID, quotationID string) {
	if quotationID == "" {
		return
	}
	if err := s.plans.IncrJoinCount(ctx, quotationID); err != nil {
		s.log.Warn("join-count bump failed, requeued",
			zap.String("orderId", orderID), zap.Error(err))
		s.mu.Lock()
		s.pendingJoin[orderID] = quotationID
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.SweepRequeued.Inc()
		}
	}
}

// RunInvalidationOnce expires orders that sat unpaid past MaxPendingAge.
// The expire handler purges their view and indexes via materialization.
func (s *Scheduler) RunInvalidationOnce(ctx context.Context) {
	now := s.clock.Now()
	stale, err := s.orders.StalePendingPayment(ctx, now.Add(-s.MaxPendingAge))
	if err != nil {
		s.log.Error("invalidation sweep query failed", zap.Error(err))
		return
	}
	for _, o := range stale {
		// Resolve the owning user for the expiry notice; a degraded peer
		// does not block the expiry itself.
		ownerID := o.UserID
		if o.VehicleID != "" {
			if id, err := s.owners.VehicleOwner(ctx, o.VehicleID); err == nil && id != "" {
				ownerID = id
			} else if err != nil {
				s.log.Warn("owner lookup failed", zap.String("vehicleId", o.VehicleID), zap.Error(err))
			}
		}
		err := s.engine.Dispatch(ctx, model.Command{
			Type: model.EventExpire, OrderID: o.ID, ActorID: "system",
		})
		switch {
		case err == nil:
			if s.metrics != nil {
				s.metrics.SweepExpired.Inc()
			}
			s.log.Info("order expired",
				zap.String("orderId", o.ID), zap.String("userId", ownerID))
		case model.IsRejected(err):
			// Already transitioned; idempotent no-op.
		default:
			s.log.Error("expiry failed", zap.String("orderId", o.ID), zap.Error(err))
		}
	}
}

// untilNext computes the wait until the next daily occurrence of at.
func untilNext(now time.Time, at TimeOfDay) time.Duration {
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour, at.Minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next.Sub(now)
}
