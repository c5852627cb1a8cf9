package transition

import (
	"testing"

	"mao/internal/model"
)

func TestDecide_HappyPath(t *testing.T) {
	steps := []struct {
		ev   model.EventType
		from model.State
		want model.State
	}{
		{model.EventCreate, model.StateNone, model.StatePendingPayment},
		{model.EventPay, model.StatePendingPayment, model.StatePaid},
		{model.EventUnderwrite, model.StatePaid, model.StateUnderwritten},
		{model.EventTakeEffect, model.StateUnderwritten, model.StateActive},
		{model.EventApplyWithdraw, model.StateActive, model.StateWithdrawPending},
		{model.EventAgreeWithdraw, model.StateWithdrawPending, model.StateWithdrawAgreed},
		{model.EventRefund, model.StateWithdrawAgreed, model.StateWithdrawn},
	}
	in := Input{Amount: 50000, Payment: 50000}
	for _, s := range steps {
		out, err := Decide(s.ev, s.from, in)
		if err != nil {
			t.Fatalf("%s from %d: %v", s.ev, s.from, err)
		}
		if out.NewState != s.want {
			t.Fatalf("%s from %d: got state %d want %d", s.ev, s.from, out.NewState, s.want)
		}
		if !out.AppendEvent {
			t.Fatalf("%s should append an event", s.ev)
		}
		if out.NewLabel != s.want.Label() {
			t.Fatalf("%s: label %q does not match state", s.ev, out.NewLabel)
		}
	}
}

func TestDecide_PayRequiresExactAmount(t *testing.T) {
	// payment recorded as 500.00 => 50000 minor units
	_, err := Decide(model.EventPay, model.StatePendingPayment, Input{Amount: 49999, Payment: 50000})
	if !model.IsRejected(err) {
		t.Fatalf("want TransitionRejected for 499.99 vs 500.00, got %v", err)
	}
	out, err := Decide(model.EventPay, model.StatePendingPayment, Input{Amount: 50000, Payment: 50000})
	if err != nil {
		t.Fatalf("exact amount should pass: %v", err)
	}
	if out.NewState != model.StatePaid {
		t.Fatalf("got %d want paid", out.NewState)
	}
}

func TestDecide_CancelOnlyFromOpenStates(t *testing.T) {
	allowed := []model.State{model.StatePendingPayment, model.StatePaid, model.StateUnderwritten, model.StateActive}
	for _, s := range allowed {
		if _, err := Decide(model.EventCancel, s, Input{}); err != nil {
			t.Fatalf("cancel from %d should be allowed: %v", s, err)
		}
	}
	denied := []model.State{model.StateExpired, model.StateCancelled, model.StateWithdrawPending, model.StateWithdrawn}
	for _, s := range denied {
		if _, err := Decide(model.EventCancel, s, Input{}); !model.IsRejected(err) {
			t.Fatalf("cancel from %d should be rejected, got %v", s, err)
		}
	}
}

func TestDecide_RenameOnlyPendingPayment(t *testing.T) {
	out, err := Decide(model.EventRenameNumber, model.StatePendingPayment, Input{})
	if err != nil {
		t.Fatalf("rename from pending-payment: %v", err)
	}
	if out.NewState != model.StatePendingPayment {
		t.Fatalf("rename must keep state, got %d", out.NewState)
	}
	if _, err := Decide(model.EventRenameNumber, model.StatePaid, Input{}); !model.IsRejected(err) {
		t.Fatalf("rename from paid should be rejected, got %v", err)
	}
}

func TestDecide_WithdrawReviewRequiresPending(t *testing.T) {
	for _, ev := range []model.EventType{model.EventAgreeWithdraw, model.EventRefuseWithdraw} {
		if _, err := Decide(ev, model.StateActive, Input{}); !model.IsRejected(err) {
			t.Fatalf("%s from active should be rejected, got %v", ev, err)
		}
	}
	out, err := Decide(model.EventRefuseWithdraw, model.StateWithdrawPending, Input{})
	if err != nil || out.NewState != model.StateActive {
		t.Fatalf("refuse should return to active: state=%d err=%v", out.NewState, err)
	}
}

func TestDecide_DriverEventsGatedByType(t *testing.T) {
	_, err := Decide(model.EventAddDrivers, model.StateActive, Input{OrderType: model.TypePlan})
	if !model.IsRejected(err) {
		t.Fatalf("addDrivers on plan order should be rejected, got %v", err)
	}
	out, err := Decide(model.EventAddDrivers, model.StateActive, Input{OrderType: model.TypeDriver})
	if err != nil {
		t.Fatalf("addDrivers on driver order: %v", err)
	}
	if out.NewState != model.StateActive {
		t.Fatalf("addDrivers must not change state, got %d", out.NewState)
	}
}

func TestDecide_NoteOnlyAndRefresh(t *testing.T) {
	out, err := Decide(model.EventUpdateDocs, model.StatePaid, Input{})
	if err != nil || out.NewState != model.StatePaid || !out.AppendEvent {
		t.Fatalf("updateDocuments should be identity with event: %+v err=%v", out, err)
	}
	if _, err := Decide(model.EventUpdateDocs, model.StateCancelled, Input{}); !model.IsRejected(err) {
		t.Fatalf("updateDocuments on closed order should be rejected, got %v", err)
	}
	out, err = Decide(model.EventRefreshOne, model.StateExpired, Input{})
	if err != nil || out.AppendEvent {
		t.Fatalf("refresh must not append events: %+v err=%v", out, err)
	}
}

func TestDecide_IdempotentRedelivery(t *testing.T) {
	// Redelivered pay command after the order already moved to paid.
	_, err := Decide(model.EventPay, model.StatePaid, Input{Amount: 50000, Payment: 50000})
	if !model.IsRejected(err) {
		t.Fatalf("second pay should be rejected by state guard, got %v", err)
	}
}
