package domain

import (
	"strings"
	"time"
)

type ReturnResult string

const (
	ReturnResultPending ReturnResult = "PENDING"
	ReturnResultSuccess ReturnResult = "SUCCESS"
	ReturnResultClosed  ReturnResult = "CLOSED"
	ReturnResultFailed  ReturnResult = "FAILED"
)

var returnResultTransitions = transitions[ReturnResult]{
	ReturnResultPending: {ReturnResultSuccess, ReturnResultClosed, ReturnResultFailed},
}

func (r ReturnResult) Valid() bool {
	switch r {
	case ReturnResultPending, ReturnResultSuccess, ReturnResultClosed, ReturnResultFailed:
		return true
	}
	return false
}

func (r ReturnResult) Terminal() bool {
	return r.Valid() && returnResultTransitions.terminal(r)
}

func (r ReturnResult) Label() string {
	switch r {
	case ReturnResultPending:
		return "处理中"
	case ReturnResultSuccess:
		return "已成功"
	case ReturnResultClosed:
		return "已关闭"
	case ReturnResultFailed:
		return "已失败"
	}
	return string(r)
}

func ParseReturnResult(s string) (ReturnResult, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "PROCESSING" {
		return ReturnResultPending, nil
	}
	r := ReturnResult(v)
	if !r.Valid() {
		return "", InvalidArgument("未知的回退结果: %q", s)
	}
	return r, nil
}

type ReturnFailReason string

const (
	ReturnFailAccountAbnormal      ReturnFailReason = "ACCOUNT_ABNORMAL"
	ReturnFailTimeOutClosed        ReturnFailReason = "TIME_OUT_CLOSED"
	ReturnFailPayerAccountAbnormal ReturnFailReason = "PAYER_ACCOUNT_ABNORMAL"
	ReturnFailInvalidRequest       ReturnFailReason = "INVALID_REQUEST"
)

func (r ReturnFailReason) Label() string {
	switch r {
	case ReturnFailAccountAbnormal:
		return "分账接收方账户异常"
	case ReturnFailTimeOutClosed:
		return "超时关单"
	case ReturnFailPayerAccountAbnormal:
		return "原分账分出方账户异常"
	case ReturnFailInvalidRequest:
		return "描述参数设置失败"
	}
	return string(r)
}

// ProfitShareReturnOrder reverses an allocated receiver amount. It references the
// original order only by OrderID or OutOrderNo.
type ProfitShareReturnOrder struct {
	ID          string           `json:"id"`
	SubMchID    string           `json:"subMchId"`
	OrderID     string           `json:"orderId,omitempty"`
	OutOrderNo  string           `json:"outOrderNo,omitempty"`
	OutReturnNo string           `json:"outReturnNo"`
	ReturnID    string           `json:"returnId,omitempty"`
	ReturnMchID string           `json:"returnMchId"`
	Amount      int64            `json:"amount"`
	Description string           `json:"description"`
	Result      ReturnResult     `json:"result"`
	FailReason  ReturnFailReason `json:"failReason,omitempty"`
	FinishTime  *time.Time       `json:"finishTime,omitempty"`
	Version     int64            `json:"version"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

func NewReturnOrder(subMchID, orderID, outOrderNo, outReturnNo, returnMchID string, amount int64, description string, now time.Time) (*ProfitShareReturnOrder, error) {
	subMchID = strings.TrimSpace(subMchID)
	orderID = strings.TrimSpace(orderID)
	outOrderNo = strings.TrimSpace(outOrderNo)
	outReturnNo = strings.TrimSpace(outReturnNo)
	if subMchID == "" {
		return nil, InvalidArgument("sub_mchid 不能为空")
	}
	if orderID == "" && outOrderNo == "" {
		return nil, InvalidArgument("order_id 与 out_order_no 至少需要提供一个")
	}
	if outReturnNo == "" {
		return nil, InvalidArgument("out_return_no 不能为空")
	}
	if amount <= 0 {
		return nil, InvalidArgument("回退金额必须为正数(分)，got=%d", amount)
	}
	if strings.TrimSpace(description) == "" {
		return nil, InvalidArgument("回退描述不能为空")
	}
	return &ProfitShareReturnOrder{
		SubMchID:    subMchID,
		OrderID:     orderID,
		OutOrderNo:  outOrderNo,
		OutReturnNo: outReturnNo,
		ReturnMchID: strings.TrimSpace(returnMchID),
		Amount:      amount,
		Description: strings.TrimSpace(description),
		Result:      ReturnResultPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Settle applies a gateway result. Repeating the current result is a no-op.
func (r *ProfitShareReturnOrder) Settle(result ReturnResult, reason ReturnFailReason, finish *time.Time, now time.Time) error {
	if !result.Valid() {
		return InvalidArgument("未知的回退结果: %q", result)
	}
	cur := r.Result
	if cur == "" {
		cur = ReturnResultPending
	}
	if cur == result {
		return nil
	}
	if !returnResultTransitions.allows(cur, result) {
		return InvalidTransition("分账回退单", cur, result)
	}
	r.Result = result
	r.FailReason = reason
	r.FinishTime = cloneTime(finish)
	r.UpdatedAt = now
	return nil
}

func (r *ProfitShareReturnOrder) Clone() *ProfitShareReturnOrder {
	if r == nil {
		return nil
	}
	cp := *r
	cp.FinishTime = cloneTime(r.FinishTime)
	return &cp
}
