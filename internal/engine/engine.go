// Package engine hosts the transition handlers: one validated, transactional
// state change per inbound command, followed by a synchronous
// re-materialization of the order's view and at most one downstream side
// effect.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mao/internal/clock"
	"mao/internal/metrics"
	"mao/internal/model"
	"mao/internal/ordernum"
	"mao/internal/stream"
	"mao/internal/transition"
)

// OrderStore is the durable-store slice the handlers drive. Every state
// mutation is compare-and-swapped on the observed state.
type OrderStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	Create(ctx context.Context, o model.Order, items []model.OrderItem) error
	Get(ctx context.Context, id string) (model.Order, error)
	UpdateState(ctx context.Context, id string, observed, next model.State, label string, now time.Time) error
	MarkPaid(ctx context.Context, id string, observed, next model.State, label string, now time.Time) error
	MarkRemoved(ctx context.Context, id string, observed, next model.State, label string, now time.Time) error
	Rename(ctx context.Context, id, newNo string, observed model.State, now time.Time) error
	AddItems(ctx context.Context, items []model.OrderItem) error
	RemoveItems(ctx context.Context, orderID string, planItemIDs []string) error
}

// EventLog appends to the immutable order event log.
type EventLog interface {
	Append(ctx context.Context, ev model.OrderEvent) (string, error)
}

// Materializer rebuilds cache views; nil ids means the full set.
type Materializer interface {
	Materialize(ctx context.Context, ids []string) error
}

// Wallet is the peer call charged on pay.
type Wallet interface {
	ChargeWallet(ctx context.Context, userID, orderID string, amount int64) error
}

// Notifier pushes best-effort notifications (take-effect).
type Notifier interface {
	Send(ctx context.Context, event string, payload any)
}

// Engine wires the handler dependencies into one dispatcher. All handles
// are injected; there is no ambient state.
type Engine struct {
	orders  OrderStore
	events  EventLog
	mat     Materializer
	wallet  Wallet
	notify  Notifier
	stream  stream.Publisher
	nums    *ordernum.Generator
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Registry
}

func New(orders OrderStore, events EventLog, mat Materializer, wallet Wallet, notifier Notifier, pub stream.Publisher, nums *ordernum.Generator, clk clock.Clock, log *zap.Logger, m *metrics.Registry) *Engine {
	if pub == nil {
		pub = stream.Nop{}
	}
	return &Engine{
		orders: orders, events: events, mat: mat,
		wallet: wallet, notify: notifier, stream: pub,
		nums: nums, clock: clk, log: log, metrics: m,
	}
}

// Dispatch routes one command envelope. Validation and transition rejections
// come back synchronously; a committed transition always returns nil even if
// the view refresh degrades, since the durable state is the source of truth.
func (e *Engine) Dispatch(ctx context.Context, cmd model.Command) error {
	switch cmd.Type {
	case model.EventCreate:
		return e.create(ctx, cmd)
	case model.EventRefreshOne:
		if cmd.OrderID == "" {
			return &model.ValidationError{Field: "orderId", Reason: "required"}
		}
		return e.mat.Materialize(ctx, []string{cmd.OrderID})
	case model.EventRefreshAll:
		return e.mat.Materialize(ctx, nil)
	default:
		return e.apply(ctx, cmd)
	}
}

// orderIDSpace pins order ids to the create request id, so a redelivered
// create maps onto the same row instead of minting a second order.
var orderIDSpace = uuid.MustParse("30d3a9c6-8d7b-4f7a-9a8e-52a1b8f0a2c4")

func orderID(requestID string) string {
	return uuid.NewSHA1(orderIDSpace, []byte(requestID)).String()
}

// create builds the order row, line items and extension row, appends the
// create event, then materializes. The order id is a pure function of the
// request id; a duplicate delivery hits the primary key and is rejected.
func (e *Engine) create(ctx context.Context, cmd model.Command) error {
	c := cmd.Create
	if c == nil {
		return &model.ValidationError{Field: "create", Reason: "required"}
	}
	if c.RequestID == "" {
		return &model.ValidationError{Field: "requestId", Reason: "required"}
	}
	if c.UserID == "" {
		return &model.ValidationError{Field: "userId", Reason: "required"}
	}
	if c.Type != model.TypePlan && c.Type != model.TypeDriver && c.Type != model.TypeSale {
		return &model.ValidationError{Field: "orderType", Reason: "unknown"}
	}
	if c.Payment <= 0 {
		return &model.ValidationError{Field: "payment", Reason: "must be positive"}
	}

	out, err := transition.Decide(model.EventCreate, model.StateNone, transition.Input{})
	if err != nil {
		return err
	}
	now := e.clock.Now()
	o := model.Order{
		ID:          orderID(c.RequestID),
		OrderNo:     e.nums.Next(),
		Type:        c.Type,
		State:       out.NewState,
		StateLabel:  out.NewLabel,
		Summary:     c.Summary,
		Payment:     c.Payment,
		Promotion:   c.Promotion,
		UserID:      c.UserID,
		InsuredID:   c.InsuredID,
		QuotationID: c.QuotationID,
		VehicleID:   c.VehicleID,
		ExpectAt:    fromUnix(c.ExpectAt),
		StartAt:     fromUnix(c.StartAt),
		StopAt:      fromUnix(c.StopAt),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	items := make([]model.OrderItem, 0, len(c.Items))
	for _, it := range c.Items {
		items = append(items, model.OrderItem{
			ID:         uuid.NewString(),
			OrderID:    o.ID,
			PlanItemID: it.PlanItemID,
			Price:      it.Price,
		})
	}

	var eventID string
	err = e.orders.WithTx(ctx, func(txCtx context.Context) error {
		if err := e.orders.Create(txCtx, o, items); err != nil {
			return err
		}
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal create payload: %w", err)
		}
		id, err := e.events.Append(txCtx, model.OrderEvent{
			OrderID: o.ID, ActorID: cmd.ActorID, Type: model.EventCreate,
			Payload: payload, OccurredAt: now,
		})
		eventID = id
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrOrderExists) {
			if e.metrics != nil {
				e.metrics.TransitionsRejected.WithLabelValues(string(model.EventCreate)).Inc()
			}
			return &model.TransitionRejected{Event: model.EventCreate, From: model.StateNone, Reason: "order already exists"}
		}
		return persistFailure("create order", err)
	}
	e.afterCommit(ctx, cmd, o, out, eventID, now)
	return nil
}

// apply is the shared handler shape for every non-create transition: read
// current state from the durable store, consult the table, persist under a
// transaction with a CAS on the observed state, then refresh the view.
func (e *Engine) apply(ctx context.Context, cmd model.Command) error {
	if cmd.OrderID == "" {
		return &model.ValidationError{Field: "orderId", Reason: "required"}
	}
	o, err := e.orders.Get(ctx, cmd.OrderID)
	if err != nil {
		return err
	}
	out, err := transition.Decide(cmd.Type, o.State, transition.Input{
		Amount:    cmd.Amount,
		Payment:   o.Payment,
		OrderType: o.Type,
	})
	if err != nil {
		if e.metrics != nil && model.IsRejected(err) {
			e.metrics.TransitionsRejected.WithLabelValues(string(cmd.Type)).Inc()
		}
		return err
	}

	now := e.clock.Now()
	var eventID string
	err = e.orders.WithTx(ctx, func(txCtx context.Context) error {
		if err := e.persist(txCtx, cmd, o, out, now); err != nil {
			return err
		}
		if out.AppendEvent {
			payload, err := json.Marshal(cmd)
			if err != nil {
				return fmt.Errorf("marshal %s payload: %w", cmd.Type, err)
			}
			id, err := e.events.Append(txCtx, model.OrderEvent{
				OrderID: o.ID, ActorID: cmd.ActorID, Type: cmd.Type,
				Payload: payload, OccurredAt: now,
			})
			eventID = id
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, model.ErrStateConflict) {
			// Someone else transitioned first; the observed read is stale.
			if e.metrics != nil {
				e.metrics.TransitionsRejected.WithLabelValues(string(cmd.Type)).Inc()
			}
			return &model.TransitionRejected{Event: cmd.Type, From: o.State, Reason: "concurrent transition won"}
		}
		return persistFailure(string(cmd.Type), err)
	}
	e.afterCommit(ctx, cmd, o, out, eventID, now)
	return nil
}

// persist writes the event-specific columns. Identity transitions still go
// through UpdateState so the CAS guard and updated_at hold.
func (e *Engine) persist(ctx context.Context, cmd model.Command, o model.Order, out transition.Outcome, now time.Time) error {
	switch cmd.Type {
	case model.EventPay:
		return e.orders.MarkPaid(ctx, o.ID, o.State, out.NewState, out.NewLabel, now)
	case model.EventCancel:
		return e.orders.MarkRemoved(ctx, o.ID, o.State, out.NewState, out.NewLabel, now)
	case model.EventExpire:
		if o.State == model.StatePendingPayment {
			// Never-paid orders lose their view as well.
			return e.orders.MarkRemoved(ctx, o.ID, o.State, out.NewState, out.NewLabel, now)
		}
		return e.orders.UpdateState(ctx, o.ID, o.State, out.NewState, out.NewLabel, now)
	case model.EventRenameNumber:
		newNo := cmd.OrderNo
		if newNo == "" {
			newNo = e.nums.Next()
		} else if !ordernum.Valid(newNo) {
			return &model.ValidationError{Field: "orderNo", Reason: "bad check digit"}
		}
		return e.orders.Rename(ctx, o.ID, newNo, o.State, now)
	case model.EventAddDrivers:
		if len(cmd.Drivers) == 0 {
			return &model.ValidationError{Field: "drivers", Reason: "required"}
		}
		items := make([]model.OrderItem, 0, len(cmd.Drivers))
		for _, planItemID := range cmd.Drivers {
			items = append(items, model.OrderItem{
				ID: uuid.NewString(), OrderID: o.ID, PlanItemID: planItemID,
			})
		}
		if err := e.orders.AddItems(ctx, items); err != nil {
			return err
		}
		return e.orders.UpdateState(ctx, o.ID, o.State, out.NewState, out.NewLabel, now)
	case model.EventRemoveDrivers:
		if len(cmd.Drivers) == 0 {
			return &model.ValidationError{Field: "drivers", Reason: "required"}
		}
		if err := e.orders.RemoveItems(ctx, o.ID, cmd.Drivers); err != nil {
			return err
		}
		return e.orders.UpdateState(ctx, o.ID, o.State, out.NewState, out.NewLabel, now)
	default:
		return e.orders.UpdateState(ctx, o.ID, o.State, out.NewState, out.NewLabel, now)
	}
}

// afterCommit runs everything that must not roll the transition back: view
// refresh, stream publish and the per-event side effect. Failures here are
// logged and swallowed; a later reconciliation or manual refresh repairs
// the view.
func (e *Engine) afterCommit(ctx context.Context, cmd model.Command, o model.Order, out transition.Outcome, eventID string, now time.Time) {
	if e.metrics != nil {
		e.metrics.TransitionsApplied.WithLabelValues(string(cmd.Type)).Inc()
	}
	if err := e.mat.Materialize(ctx, []string{o.ID}); err != nil {
		e.log.Error("view refresh failed after commit; durable state is ahead of cache",
			zap.String("orderId", o.ID),
			zap.String("event", string(cmd.Type)),
			zap.Error(err))
	}
	if err := e.stream.Publish(ctx, stream.Applied{
		OrderID: o.ID, EventID: eventID, Type: cmd.Type, State: out.NewState, TS: now.Unix(),
	}); err != nil {
		e.log.Warn("stream publish failed", zap.String("orderId", o.ID), zap.Error(err))
	}

	switch cmd.Type {
	case model.EventPay:
		if e.wallet != nil {
			if err := e.wallet.ChargeWallet(ctx, o.UserID, o.ID, cmd.Amount); err != nil {
				e.log.Warn("wallet charge failed", zap.String("orderId", o.ID), zap.Error(err))
			}
		}
	case model.EventTakeEffect:
		if e.notify != nil {
			e.notify.Send(ctx, "order.active", map[string]string{
				"orderId": o.ID, "orderNo": o.OrderNo, "userId": o.UserID,
			})
		}
	}
}

func persistFailure(op string, err error) error {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return err
	}
	var pe *model.PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &model.PersistenceError{Op: op, Err: err}
}

func fromUnix(ts int64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0).UTC()
}
