// Package aggregate fans out to peer services for every entity a batch of
// orders references. Fetches are deduplicated across the batch: one request
// per distinct id per kind, never one per order.
package aggregate

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mao/internal/metrics"
	"mao/internal/peers"
	"mao/internal/store"
)

// Fetcher is the slice of the peer directory the aggregator needs.
type Fetcher interface {
	Vehicle(ctx context.Context, id string) (*peers.Vehicle, error)
	Quotation(ctx context.Context, id string) (*peers.Quotation, error)
	PlanItem(ctx context.Context, id string) (*peers.PlanItem, error)
	Person(ctx context.Context, id string) (*peers.Person, error)
}

// Lookups holds the fetched entities keyed by id. A referenced id missing
// from its map means the peer was unavailable; the view field stays null.
type Lookups struct {
	Vehicles   map[string]*peers.Vehicle
	Quotations map[string]*peers.Quotation
	PlanItems  map[string]*peers.PlanItem
	Persons    map[string]*peers.Person
}

// Aggregator runs the deduplicated fan-out.
type Aggregator struct {
	fetcher Fetcher
	log     *zap.Logger
	metrics *metrics.Registry
	// limit bounds concurrent fetches per kind.
	limit int
}

func New(fetcher Fetcher, log *zap.Logger, m *metrics.Registry) *Aggregator {
	return &Aggregator{fetcher: fetcher, log: log, metrics: m, limit: 8}
}

// Fetch resolves every entity the batch references. Vehicle, quotation and
// plan-item groups run concurrently; the person group starts only after the
// plan group finishes, since line-item enrichment hangs off plan resolution.
// Individual failures degrade to a missing entry, never an error.
func (a *Aggregator) Fetch(ctx context.Context, batch []store.OrderWithItems) Lookups {
	vehicleIDs := make(map[string]struct{})
	quotationIDs := make(map[string]struct{})
	planItemIDs := make(map[string]struct{})
	personIDs := make(map[string]struct{})
	for _, ow := range batch {
		o := ow.Order
		addID(vehicleIDs, o.VehicleID)
		addID(quotationIDs, o.QuotationID)
		addID(personIDs, o.UserID)
		addID(personIDs, o.InsuredID)
		for _, it := range ow.Items {
			addID(planItemIDs, it.PlanItemID)
		}
	}

	lk := Lookups{
		Vehicles:   make(map[string]*peers.Vehicle, len(vehicleIDs)),
		Quotations: make(map[string]*peers.Quotation, len(quotationIDs)),
		PlanItems:  make(map[string]*peers.PlanItem, len(planItemIDs)),
		Persons:    make(map[string]*peers.Person, len(personIDs)),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.fanOut(gctx, "vehicle", vehicleIDs, func(ctx context.Context, id string) error {
			v, err := a.fetcher.Vehicle(ctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			lk.Vehicles[id] = v
			mu.Unlock()
			return nil
		})
		return nil
	})
	g.Go(func() error {
		a.fanOut(gctx, "quotation", quotationIDs, func(ctx context.Context, id string) error {
			q, err := a.fetcher.Quotation(ctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			lk.Quotations[id] = q
			mu.Unlock()
			return nil
		})
		return nil
	})
	g.Go(func() error {
		a.fanOut(gctx, "plan", planItemIDs, func(ctx context.Context, id string) error {
			p, err := a.fetcher.PlanItem(ctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			lk.PlanItems[id] = p
			mu.Unlock()
			return nil
		})
		// Person lookups are gated on plan-item resolution.
		a.fanOut(gctx, "person", personIDs, func(ctx context.Context, id string) error {
			p, err := a.fetcher.Person(ctx, id)
			if err != nil {
				return err
			}
			mu.Lock()
			lk.Persons[id] = p
			mu.Unlock()
			return nil
		})
		return nil
	})
	_ = g.Wait()
	return lk
}

// fanOut issues one bounded-concurrency fetch per distinct id. A failed
// fetch is logged and counted; it never aborts the rest of the group.
func (a *Aggregator) fanOut(ctx context.Context, kind string, ids map[string]struct{}, fetch func(ctx context.Context, id string) error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.limit)
	for id := range ids {
		id := id
		g.Go(func() error {
			if err := fetch(gctx, id); err != nil {
				a.log.Warn("peer fetch failed",
					zap.String("kind", kind),
					zap.String("id", id),
					zap.Error(err))
				if a.metrics != nil {
					a.metrics.PeerFetchFailed.WithLabelValues(kind).Inc()
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

func addID(set map[string]struct{}, id string) {
	if id != "" {
		set[id] = struct{}{}
	}
}

var _ Fetcher = peers.Directory{}
