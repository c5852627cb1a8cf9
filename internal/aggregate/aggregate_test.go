package aggregate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"mao/internal/model"
	"mao/internal/peers"
	"mao/internal/store"
)

// fakeFetcher counts fetches per kind and can fail selected ids.
type fakeFetcher struct {
	mu       sync.Mutex
	vehicles int32
	persons  int32
	failIDs  map[string]bool
	order    []string // records fetch kinds in call order
}

func (f *fakeFetcher) record(kind string) {
	f.mu.Lock()
	f.order = append(f.order, kind)
	f.mu.Unlock()
}

func (f *fakeFetcher) Vehicle(ctx context.Context, id string) (*peers.Vehicle, error) {
	atomic.AddInt32(&f.vehicles, 1)
	f.record("vehicle")
	if f.failIDs[id] {
		return nil, errors.New("vehicle service down")
	}
	return &peers.Vehicle{ID: id, OwnerID: "u-" + id}, nil
}

func (f *fakeFetcher) Quotation(ctx context.Context, id string) (*peers.Quotation, error) {
	f.record("quotation")
	return &peers.Quotation{ID: id, Amount: 100}, nil
}

func (f *fakeFetcher) PlanItem(ctx context.Context, id string) (*peers.PlanItem, error) {
	f.record("plan")
	return &peers.PlanItem{ID: id, SortKey: len(id)}, nil
}

func (f *fakeFetcher) Person(ctx context.Context, id string) (*peers.Person, error) {
	atomic.AddInt32(&f.persons, 1)
	f.record("person")
	return &peers.Person{ID: id, Name: "n-" + id}, nil
}

func orderRef(id, vehicleID, quotationID, userID string) store.OrderWithItems {
	return store.OrderWithItems{Order: model.Order{ID: id, VehicleID: vehicleID, QuotationID: quotationID, UserID: userID}}
}

func TestFetch_DeduplicatesAcrossBatch(t *testing.T) {
	f := &fakeFetcher{}
	a := New(f, zap.NewNop(), nil)

	// Five orders sharing two vehicles must trigger exactly two vehicle fetches.
	batch := []store.OrderWithItems{
		orderRef("o1", "v1", "q1", "u1"),
		orderRef("o2", "v1", "q2", "u1"),
		orderRef("o3", "v2", "q1", "u2"),
		orderRef("o4", "v2", "q2", "u2"),
		orderRef("o5", "v1", "q1", "u1"),
	}
	lk := a.Fetch(context.Background(), batch)

	if n := atomic.LoadInt32(&f.vehicles); n != 2 {
		t.Fatalf("want 2 vehicle fetches, got %d", n)
	}
	if len(lk.Vehicles) != 2 || len(lk.Quotations) != 2 || len(lk.Persons) != 2 {
		t.Fatalf("unexpected lookup sizes: %d %d %d", len(lk.Vehicles), len(lk.Quotations), len(lk.Persons))
	}
	if lk.Vehicles["v1"] == nil || lk.Vehicles["v1"].OwnerID != "u-v1" {
		t.Fatalf("vehicle v1 missing: %+v", lk.Vehicles)
	}
}

func TestFetch_FailureDegradesToMissingEntry(t *testing.T) {
	f := &fakeFetcher{failIDs: map[string]bool{"v2": true}}
	a := New(f, zap.NewNop(), nil)

	batch := []store.OrderWithItems{
		orderRef("o1", "v1", "", ""),
		orderRef("o2", "v2", "", ""),
	}
	lk := a.Fetch(context.Background(), batch)

	if lk.Vehicles["v1"] == nil {
		t.Fatalf("healthy fetch should succeed")
	}
	if _, ok := lk.Vehicles["v2"]; ok {
		t.Fatalf("failed fetch must leave no entry")
	}
}

func TestFetch_PersonsWaitOnPlanGroup(t *testing.T) {
	f := &fakeFetcher{}
	a := New(f, zap.NewNop(), nil)

	batch := []store.OrderWithItems{
		{
			Order: model.Order{ID: "o1", UserID: "u1"},
			Items: []model.OrderItem{{ID: "i1", OrderID: "o1", PlanItemID: "pi1"}},
		},
	}
	lk := a.Fetch(context.Background(), batch)
	if len(lk.PlanItems) != 1 || len(lk.Persons) != 1 {
		t.Fatalf("lookups incomplete: %+v", lk)
	}

	// Every plan fetch must be recorded before any person fetch.
	lastPlan, firstPerson := -1, len(f.order)
	for i, k := range f.order {
		if k == "plan" && i > lastPlan {
			lastPlan = i
		}
		if k == "person" && i < firstPerson {
			firstPerson = i
		}
	}
	if lastPlan > firstPerson {
		t.Fatalf("person fetch started before plan group finished: %v", f.order)
	}
}

func TestFetch_EmptyBatch(t *testing.T) {
	a := New(&fakeFetcher{}, zap.NewNop(), nil)
	lk := a.Fetch(context.Background(), nil)
	if len(lk.Vehicles)+len(lk.Quotations)+len(lk.PlanItems)+len(lk.Persons) != 0 {
		t.Fatalf("empty batch must fetch nothing")
	}
}
