package domain

import (
	"strings"
	"time"
)

type OrderState string

const (
	OrderStateProcessing OrderState = "PROCESSING"
	OrderStateFinished   OrderState = "FINISHED"
	OrderStateClosed     OrderState = "CLOSED"
)

var orderStateTransitions = transitions[OrderState]{
	OrderStateProcessing: {OrderStateFinished, OrderStateClosed},
}

func (s OrderState) Valid() bool {
	switch s {
	case OrderStateProcessing, OrderStateFinished, OrderStateClosed:
		return true
	}
	return false
}

func (s OrderState) Terminal() bool {
	return s.Valid() && orderStateTransitions.terminal(s)
}

func (s OrderState) Label() string {
	switch s {
	case OrderStateProcessing:
		return "处理中"
	case OrderStateFinished:
		return "分账完成"
	case OrderStateClosed:
		return "已关闭"
	}
	return string(s)
}

func ParseOrderState(s string) (OrderState, error) {
	st := OrderState(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", InvalidArgument("未知的分账单状态: %q", s)
	}
	return st, nil
}

// ProfitShareOrder is one split request against a paid transaction.
// OutOrderNo is unique per SubMchID and never changes after creation.
type ProfitShareOrder struct {
	ID              string                `json:"id"`
	SubMchID        string                `json:"subMchId"`
	AppID           string                `json:"appId,omitempty"`
	SubAppID        string                `json:"subAppId,omitempty"`
	TransactionID   string                `json:"transactionId"`
	OutOrderNo      string                `json:"outOrderNo"`
	OrderID         string                `json:"orderId,omitempty"`
	State           OrderState            `json:"state"`
	UnfreezeUnsplit bool                  `json:"unfreezeUnsplit"`
	Unfreeze        bool                  `json:"unfreeze,omitempty"`
	Receivers       []ProfitShareReceiver `json:"receivers"`
	Version         int64                 `json:"version"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

func (o *ProfitShareOrder) TotalAmount() int64 {
	var total int64
	for i := range o.Receivers {
		total += o.Receivers[i].Amount
	}
	return total
}

func (o *ProfitShareOrder) AllReceiversTerminal() bool {
	for i := range o.Receivers {
		if !o.Receivers[i].Result.Terminal() {
			return false
		}
	}
	return true
}

// TransitionTo moves the order along one edge of the state machine. Staying in the
// current state is not an edge: a terminal order rejects every move and stays untouched.
func (o *ProfitShareOrder) TransitionTo(to OrderState, now time.Time) error {
	if !to.Valid() {
		return InvalidArgument("未知的分账单状态: %q", to)
	}
	from := o.State
	if from == "" {
		from = OrderStateProcessing
	}
	if !orderStateTransitions.allows(from, to) {
		return InvalidTransition("分账单", from, to)
	}
	o.State = to
	o.UpdatedAt = now
	return nil
}

// Refresh applies a state reported by the gateway. Reporting the current state again
// changes nothing; any other state must be a legal TransitionTo.
func (o *ProfitShareOrder) Refresh(reported OrderState, now time.Time) error {
	if !reported.Valid() {
		return InvalidArgument("未知的分账单状态: %q", reported)
	}
	if reported == o.State || (o.State == "" && reported == OrderStateProcessing) {
		return nil
	}
	return o.TransitionTo(reported, now)
}

func (o *ProfitShareOrder) Finish(now time.Time) error {
	return o.TransitionTo(OrderStateFinished, now)
}

func (o *ProfitShareOrder) Close(now time.Time) error {
	return o.TransitionTo(OrderStateClosed, now)
}

func (o *ProfitShareOrder) Receiver(t ReceiverType, account string) *ProfitShareReceiver {
	for i := range o.Receivers {
		if o.Receivers[i].Matches(t, account) {
			return &o.Receivers[i]
		}
	}
	return nil
}

func (o *ProfitShareOrder) ApplyReceiverResult(t ReceiverType, account string, result ReceiverResult, reason ReceiverFailReason, detailID string, finish *time.Time, now time.Time) error {
	r := o.Receiver(t, account)
	if r == nil {
		return NotFound("分账单 %s 中不存在接收方 %s/%s", o.OutOrderNo, t, account)
	}
	before := r.Result
	if err := r.Settle(result, reason, detailID, finish); err != nil {
		return err
	}
	if r.Result != before {
		o.UpdatedAt = now
	}
	return nil
}

// SettleFromReceivers finishes a PROCESSING order once every receiver is terminal:
// FINISHED when at least one receiver succeeded, otherwise CLOSED. It reports whether
// the state changed.
func (o *ProfitShareOrder) SettleFromReceivers(now time.Time) (bool, error) {
	if o.State != OrderStateProcessing || len(o.Receivers) == 0 || !o.AllReceiversTerminal() {
		return false, nil
	}
	to := OrderStateClosed
	for i := range o.Receivers {
		if o.Receivers[i].Result == ReceiverResultSuccess {
			to = OrderStateFinished
			break
		}
	}
	if err := o.TransitionTo(to, now); err != nil {
		return false, err
	}
	return true, nil
}

// Clone returns a deep copy so stores can hand out values callers may mutate.
func (o *ProfitShareOrder) Clone() *ProfitShareOrder {
	if o == nil {
		return nil
	}
	cp := *o
	cp.Receivers = make([]ProfitShareReceiver, len(o.Receivers))
	copy(cp.Receivers, o.Receivers)
	for i := range cp.Receivers {
		cp.Receivers[i].CreateTime = cloneTime(o.Receivers[i].CreateTime)
		cp.Receivers[i].FinishTime = cloneTime(o.Receivers[i].FinishTime)
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
