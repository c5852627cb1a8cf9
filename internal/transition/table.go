// Package transition is the pure state-machine table for order lifecycle
// events. It decides, it never persists.
package transition

import (
	"fmt"

	"mao/internal/model"
)

// Input carries the event-specific data some guards need.
type Input struct {
	// Amount is the submitted payment in minor units for pay events.
	Amount int64
	// Payment is the order's recorded payment in minor units.
	Payment int64
	// OrderType gates driver-only events.
	OrderType model.OrderType
}

// Outcome is the approved result of a transition decision.
type Outcome struct {
	NewState model.State
	NewLabel string
	// AppendEvent is false for pure refresh commands that do not belong in
	// the event log.
	AppendEvent bool
}

type rule struct {
	from  []model.State
	to    model.State
	guard func(in Input) string // non-empty return rejects with that reason
}

var rules = map[model.EventType]rule{
	model.EventCreate: {from: []model.State{model.StateNone}, to: model.StatePendingPayment},
	model.EventPay: {
		from: []model.State{model.StatePendingPayment},
		to:   model.StatePaid,
		guard: func(in Input) string {
			if in.Amount != in.Payment {
				return fmt.Sprintf("amount %d does not equal payment %d", in.Amount, in.Payment)
			}
			return ""
		},
	},
	model.EventUnderwrite: {from: []model.State{model.StatePaid}, to: model.StateUnderwritten},
	model.EventTakeEffect: {from: []model.State{model.StateUnderwritten}, to: model.StateActive},
	model.EventExpire:     {from: []model.State{model.StatePendingPayment, model.StateActive}, to: model.StateExpired},
	model.EventCancel: {
		from: []model.State{model.StatePendingPayment, model.StatePaid, model.StateUnderwritten, model.StateActive},
		to:   model.StateCancelled,
	},
	model.EventRenameNumber:   {from: []model.State{model.StatePendingPayment}, to: model.StatePendingPayment},
	model.EventApplyWithdraw:  {from: []model.State{model.StateActive}, to: model.StateWithdrawPending},
	model.EventRefuseWithdraw: {from: []model.State{model.StateWithdrawPending}, to: model.StateActive},
	model.EventAgreeWithdraw:  {from: []model.State{model.StateWithdrawPending}, to: model.StateWithdrawAgreed},
	model.EventRefund:         {from: []model.State{model.StateWithdrawAgreed}, to: model.StateWithdrawn},
	model.EventAddDrivers: {
		from:  driverStates,
		guard: driverOnly,
	},
	model.EventRemoveDrivers: {
		from:  driverStates,
		guard: driverOnly,
	},
}

var driverStates = []model.State{model.StatePaid, model.StateUnderwritten, model.StateActive}

func driverOnly(in Input) string {
	if in.OrderType != model.TypeDriver {
		return "driver events apply to driver orders only"
	}
	return ""
}

// Decide maps (event type, current state, input) to an outcome or a
// *model.TransitionRejected. A zero-value `to` in a rule means the state is
// unchanged (identity transition).
func Decide(ev model.EventType, cur model.State, in Input) (Outcome, error) {
	switch ev {
	case model.EventRefreshOne, model.EventRefreshAll:
		// Refresh commands rebuild the view from whatever state the order is
		// in; they are not transitions and leave no event row.
		return Outcome{NewState: cur, NewLabel: cur.Label()}, nil
	case model.EventUpdateDocs:
		// Note-only event: appended and re-materialized, state unchanged.
		if cur.Terminal() {
			return Outcome{}, &model.TransitionRejected{Event: ev, From: cur, Reason: "order is closed"}
		}
		return Outcome{NewState: cur, NewLabel: cur.Label(), AppendEvent: true}, nil
	}

	r, ok := rules[ev]
	if !ok {
		return Outcome{}, &model.TransitionRejected{Event: ev, From: cur, Reason: "unknown event type"}
	}
	if !contains(r.from, cur) {
		return Outcome{}, &model.TransitionRejected{Event: ev, From: cur, Reason: "not allowed from current state"}
	}
	if r.guard != nil {
		if reason := r.guard(in); reason != "" {
			return Outcome{}, &model.TransitionRejected{Event: ev, From: cur, Reason: reason}
		}
	}
	to := r.to
	if to == model.StateNone {
		to = cur
	}
	return Outcome{NewState: to, NewLabel: to.Label(), AppendEvent: true}, nil
}

func contains(ss []model.State, s model.State) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
