package domain

import (
	"testing"
	"time"
)

func newTestOrder(results ...ReceiverResult) *ProfitShareOrder {
	o := &ProfitShareOrder{
		SubMchID:      "1900000",
		TransactionID: "420000",
		OutOrderNo:    "ORDER-1",
		State:         OrderStateProcessing,
	}
	for i, r := range results {
		o.Receivers = append(o.Receivers, ProfitShareReceiver{
			Type:        ReceiverTypeMerchantID,
			Account:     "19000" + string(rune('1'+i)),
			Amount:      100,
			Description: "split",
			Result:      r,
		})
	}
	return o
}

func TestOrderFinishAndCloseOnlyOnce(t *testing.T) {
	now := time.Now()

	o := newTestOrder()
	if err := o.Finish(now); err != nil {
		t.Fatalf("PROCESSING->FINISHED err=%v", err)
	}
	if err := o.Finish(now); !IsKind(err, KindInvalidStateTransition) {
		t.Fatalf("FINISHED->FINISHED expected InvalidStateTransition, got %v", err)
	}
	if err := o.Close(now); !IsKind(err, KindInvalidStateTransition) {
		t.Fatalf("FINISHED->CLOSED expected InvalidStateTransition, got %v", err)
	}
	if err := o.TransitionTo(OrderStateProcessing, now); !IsKind(err, KindInvalidStateTransition) {
		t.Fatalf("FINISHED->PROCESSING expected InvalidStateTransition, got %v", err)
	}
	if o.State != OrderStateFinished {
		t.Fatalf("state changed after rejected transition: %s", o.State)
	}

	c := newTestOrder()
	if err := c.Close(now); err != nil {
		t.Fatalf("PROCESSING->CLOSED err=%v", err)
	}
	if err := c.Finish(now); !IsKind(err, KindInvalidStateTransition) {
		t.Fatalf("CLOSED->FINISHED expected InvalidStateTransition, got %v", err)
	}
	if err := c.TransitionTo(OrderStateFinished, now); !IsKind(err, KindInvalidStateTransition) {
		t.Fatalf("CLOSED->FINISHED expected InvalidStateTransition, got %v", err)
	}
	if c.State != OrderStateClosed {
		t.Fatalf("state changed after rejected transition: %s", c.State)
	}
}

func TestOrderTransitionToRejectsTerminalReentry(t *testing.T) {
	now := time.Now()
	for _, st := range []OrderState{OrderStateFinished, OrderStateClosed} {
		o := newTestOrder()
		o.State = st
		if err := o.TransitionTo(st, now); !IsKind(err, KindInvalidStateTransition) {
			t.Fatalf("%s->%s expected InvalidStateTransition, got %v", st, st, err)
		}
	}
	o := newTestOrder()
	if err := o.TransitionTo(OrderStateProcessing, now); !IsKind(err, KindInvalidStateTransition) {
		t.Fatalf("PROCESSING->PROCESSING expected InvalidStateTransition, got %v", err)
	}
}

func TestOrderRefresh(t *testing.T) {
	now := time.Now()

	o := newTestOrder()
	o.State = OrderStateFinished
	o.UpdatedAt = now.Add(-time.Hour)
	if err := o.Refresh(OrderStateFinished, now); err != nil {
		t.Fatalf("same state refresh err=%v", err)
	}
	if !o.UpdatedAt.Equal(now.Add(-time.Hour)) {
		t.Fatal("refresh to the same state touched UpdatedAt")
	}
	if err := o.Refresh(OrderStateClosed, now); !IsKind(err, KindInvalidStateTransition) || o.State != OrderStateFinished {
		t.Fatalf("FINISHED->CLOSED err=%v state=%s", err, o.State)
	}
	if err := o.Refresh("DONE", now); !IsKind(err, KindInvalidArgument) {
		t.Fatalf("unknown state err=%v", err)
	}

	p := newTestOrder()
	if err := p.Refresh(OrderStateProcessing, now); err != nil || p.State != OrderStateProcessing {
		t.Fatalf("processing refresh err=%v", err)
	}
	if err := p.Refresh(OrderStateFinished, now); err != nil || p.State != OrderStateFinished {
		t.Fatalf("PROCESSING->FINISHED err=%v state=%s", err, p.State)
	}
}

func TestSettleFromReceivers(t *testing.T) {
	now := time.Now()

	o := newTestOrder(ReceiverResultSuccess, ReceiverResultPending)
	changed, err := o.SettleFromReceivers(now)
	if err != nil || changed {
		t.Fatalf("pending receiver must keep order open, changed=%v err=%v", changed, err)
	}

	o = newTestOrder(ReceiverResultSuccess, ReceiverResultFailed)
	changed, err = o.SettleFromReceivers(now)
	if err != nil || !changed || o.State != OrderStateFinished {
		t.Fatalf("expected FINISHED, got state=%s changed=%v err=%v", o.State, changed, err)
	}

	o = newTestOrder(ReceiverResultFailed, ReceiverResultClosed)
	changed, err = o.SettleFromReceivers(now)
	if err != nil || !changed || o.State != OrderStateClosed {
		t.Fatalf("expected CLOSED, got state=%s changed=%v err=%v", o.State, changed, err)
	}
}

func TestApplyReceiverResult(t *testing.T) {
	now := time.Now()
	o := newTestOrder(ReceiverResultPending)
	acc := o.Receivers[0].Account

	if err := o.ApplyReceiverResult(ReceiverTypeMerchantID, acc, ReceiverResultSuccess, "", "D1", &now, now); err != nil {
		t.Fatalf("apply err=%v", err)
	}
	if o.Receivers[0].Result != ReceiverResultSuccess || o.Receivers[0].DetailID != "D1" {
		t.Fatalf("unexpected receiver: %+v", o.Receivers[0])
	}
	err := o.ApplyReceiverResult(ReceiverTypeMerchantID, acc, ReceiverResultFailed, FailReasonNoRelation, "", nil, now)
	if !IsKind(err, KindInvalidStateTransition) {
		t.Fatalf("SUCCESS->FAILED expected InvalidStateTransition, got %v", err)
	}
	if o.Receivers[0].Result != ReceiverResultSuccess {
		t.Fatalf("terminal receiver mutated: %s", o.Receivers[0].Result)
	}
	err = o.ApplyReceiverResult(ReceiverTypePersonalOpenID, "nobody", ReceiverResultSuccess, "", "", nil, now)
	if !IsKind(err, KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestReceiverValidate(t *testing.T) {
	r := ProfitShareReceiver{Type: ReceiverTypeMerchantID, Account: "190001", Amount: 0, Description: "split"}
	if err := r.Validate(); !IsKind(err, KindInvalidArgument) {
		t.Fatalf("amount=0 expected InvalidArgument, got %v", err)
	}
	r.Amount = 1
	r.Description = "  "
	if err := r.Validate(); !IsKind(err, KindInvalidArgument) {
		t.Fatalf("empty description expected InvalidArgument, got %v", err)
	}
	r.Description = "split"
	r.Type = "BANK"
	if err := r.Validate(); !IsKind(err, KindInvalidArgument) {
		t.Fatalf("bad type expected InvalidArgument, got %v", err)
	}
	r.Type = ReceiverTypePersonalOpenID
	if err := r.Validate(); err != nil {
		t.Fatalf("personal receiver without name should pass, got %v", err)
	}
}

func TestParseReceiverResultMapsProcessing(t *testing.T) {
	got, err := ParseReceiverResult("processing")
	if err != nil || got != ReceiverResultPending {
		t.Fatalf("got=%s err=%v", got, err)
	}
	if _, err := ParseReceiverResult("DONE"); !IsKind(err, KindInvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestCloneDoesNotShareReceivers(t *testing.T) {
	o := newTestOrder(ReceiverResultPending)
	cp := o.Clone()
	cp.Receivers[0].Result = ReceiverResultSuccess
	if o.Receivers[0].Result != ReceiverResultPending {
		t.Fatalf("clone shares receiver slice")
	}
}
