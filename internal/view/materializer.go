package view

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"mao/internal/aggregate"
	"mao/internal/cache"
	"mao/internal/metrics"
	"mao/internal/model"
	"mao/internal/store"
)

// Reader is the durable-store slice the materializer reads from.
type Reader interface {
	ListWithItems(ctx context.Context, ids []string) ([]store.OrderWithItems, error)
}

// Fetcher is the aggregator entry point.
type Fetcher interface {
	Fetch(ctx context.Context, batch []store.OrderWithItems) aggregate.Lookups
}

// Materializer folds durable rows and peer lookups into views and writes
// each pass as one atomic cache batch.
type Materializer struct {
	reader  Reader
	agg     Fetcher
	cache   *cache.Store
	log     *zap.Logger
	metrics *metrics.Registry
}

func NewMaterializer(reader Reader, agg Fetcher, c *cache.Store, log *zap.Logger, m *metrics.Registry) *Materializer {
	return &Materializer{reader: reader, agg: agg, cache: c, log: log, metrics: m}
}

// MaterializeAll rebuilds the whole view set.
func (m *Materializer) MaterializeAll(ctx context.Context) error {
	return m.Materialize(ctx, nil)
}

// Materialize rebuilds the views for the given order ids (nil means all):
// one join read, one aggregator pass, one atomic batch. Cancelled or
// logically removed orders get their view and every index entry purged in
// the same batch.
func (m *Materializer) Materialize(ctx context.Context, ids []string) error {
	start := time.Now()
	batch, err := m.reader.ListWithItems(ctx, ids)
	if err != nil {
		return &model.PersistenceError{Op: "read for materialization", Err: err}
	}
	if len(batch) == 0 {
		return nil
	}

	// Peer fetch only for orders that still need a view.
	var live []store.OrderWithItems
	for _, ow := range batch {
		if !purgeable(ow.Order) {
			live = append(live, ow)
		}
	}
	lookups := m.agg.Fetch(ctx, live)

	wb := m.cache.NewBatch()
	for _, ow := range batch {
		if purgeable(ow.Order) {
			if err := purge(wb, ow.Order); err != nil {
				wb.Discard()
				return m.cacheFailed(err)
			}
			continue
		}
		v := build(ow, lookups)
		if err := index(wb, v); err != nil {
			wb.Discard()
			return m.cacheFailed(err)
		}
	}
	if err := wb.Commit(); err != nil {
		return m.cacheFailed(err)
	}
	if m.metrics != nil {
		m.metrics.MaterializeSec.Observe(time.Since(start).Seconds())
	}
	return nil
}

// Lookup reads one materialized view back from the cache.
func (m *Materializer) Lookup(ctx context.Context, orderID string) (*View, error) {
	b, ok, err := m.cache.HGet(cache.HashOrderEntities, orderID)
	if err != nil {
		return nil, &model.CacheWriteError{Err: err}
	}
	if !ok {
		return nil, model.ErrViewNotFound
	}
	return Decode(b)
}

func (m *Materializer) cacheFailed(err error) error {
	if m.metrics != nil {
		m.metrics.CacheBatchFailed.Inc()
	}
	return &model.CacheWriteError{Err: err}
}

func purgeable(o model.Order) bool {
	return o.Removed || o.State == model.StateCancelled
}

// build stitches one order, its items and the batch lookups into a view.
func build(ow store.OrderWithItems, lk aggregate.Lookups) *View {
	o := ow.Order
	v := &View{
		ID:          o.ID,
		OrderNo:     o.OrderNo,
		Type:        o.Type,
		State:       o.State,
		StateLabel:  o.StateLabel,
		Summary:     o.Summary,
		Payment:     o.Payment,
		Promotion:   o.Promotion,
		UserID:      o.UserID,
		InsuredID:   o.InsuredID,
		QuotationID: o.QuotationID,
		VehicleID:   o.VehicleID,
		ExpectAt:    unix(o.ExpectAt),
		StartAt:     unix(o.StartAt),
		StopAt:      unix(o.StopAt),
		PaidAt:      unix(o.PaidAt),
		CreatedAt:   unix(o.CreatedAt),
		UpdatedAt:   unix(o.UpdatedAt),
		Vehicle:     lk.Vehicles[o.VehicleID],
		Quotation:   lk.Quotations[o.QuotationID],
		Owner:       lk.Persons[o.UserID],
		Insured:     lk.Persons[o.InsuredID],
	}
	for _, it := range ow.Items {
		v.Items = append(v.Items, Item{
			ID:         it.ID,
			PlanItemID: it.PlanItemID,
			Price:      it.Price,
			PlanItem:   lk.PlanItems[it.PlanItemID],
		})
	}
	// Line items sort by the referenced plan item's stable ordering key;
	// unresolved items sink to the end.
	sort.SliceStable(v.Items, func(i, j int) bool {
		a, b := v.Items[i].PlanItem, v.Items[j].PlanItem
		switch {
		case a == nil && b == nil:
			return v.Items[i].PlanItemID < v.Items[j].PlanItemID
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.SortKey < b.SortKey
		}
	})
	return v
}

// index writes the view and every secondary index entry into the batch.
func index(wb *cache.Batch, v *View) error {
	encoded, err := Encode(v)
	if err != nil {
		return err
	}
	if err := wb.HSet(cache.HashOrderEntities, v.ID, encoded); err != nil {
		return err
	}
	if err := wb.HSet(cache.HashOrderNoID, v.OrderNo, []byte(v.ID)); err != nil {
		return err
	}
	if v.QuotationID != "" {
		if err := wb.HSet(cache.HashQuotationOrder, v.QuotationID, []byte(v.ID)); err != nil {
			return err
		}
	}
	if v.Type == model.TypePlan && v.VehicleID != "" {
		if err := wb.HSet(cache.HashVehiclePlanOrder, v.VehicleID, []byte(v.ID)); err != nil {
			return err
		}
	}
	score := v.UpdatedAt
	if err := wb.ZAdd(cache.ZSetOrders, v.ID, score); err != nil {
		return err
	}
	if v.Type == model.TypePlan {
		if err := wb.ZAdd(cache.ZSetPlanOrders, v.ID, score); err != nil {
			return err
		}
	}
	if err := wb.ZAdd(cache.UserOrders(v.UserID), v.ID, score); err != nil {
		return err
	}
	if v.VehicleID != "" {
		if err := wb.ZAdd(cache.VehicleOrders(v.VehicleID), v.ID, score); err != nil {
			return err
		}
	}
	return nil
}

// purge removes the view and every index entry that could point at it, in
// the same batch that would otherwise have written them.
func purge(wb *cache.Batch, o model.Order) error {
	if err := wb.HDel(cache.HashOrderEntities, o.ID); err != nil {
		return err
	}
	if err := wb.HDel(cache.HashOrderNoID, o.OrderNo); err != nil {
		return err
	}
	if o.QuotationID != "" {
		if err := wb.HDel(cache.HashQuotationOrder, o.QuotationID); err != nil {
			return err
		}
	}
	if o.Type == model.TypePlan && o.VehicleID != "" {
		if err := wb.HDel(cache.HashVehiclePlanOrder, o.VehicleID); err != nil {
			return err
		}
	}
	if err := wb.ZRem(cache.ZSetOrders, o.ID); err != nil {
		return err
	}
	if o.Type == model.TypePlan {
		if err := wb.ZRem(cache.ZSetPlanOrders, o.ID); err != nil {
			return err
		}
	}
	if err := wb.ZRem(cache.UserOrders(o.UserID), o.ID); err != nil {
		return err
	}
	if o.VehicleID != "" {
		if err := wb.ZRem(cache.VehicleOrders(o.VehicleID), o.ID); err != nil {
			return err
		}
	}
	return nil
}

func unix(t time.Time) int64 {
	if t.IsZero() || t.Unix() <= 0 {
		return 0
	}
	return t.Unix()
}
