package payload

import (
	"strings"
	"time"

	"profitshare/domain"
)

type ReturnParams struct {
	SubMchID    string
	OrderID     string
	OutOrderNo  string
	OutReturnNo string
	ReturnMchID string
	Amount      int64
	Description string
}

// ReturnRequest is POST /v3/profitsharing/return-orders. At least one of OrderID
// and OutOrderNo identifies the original order.
type ReturnRequest struct {
	p ReturnParams
}

func NewReturnRequest(p ReturnParams) (*ReturnRequest, error) {
	var err error
	if p.SubMchID, err = requireString("sub_mchid", p.SubMchID); err != nil {
		return nil, err
	}
	p.OrderID = strings.TrimSpace(p.OrderID)
	p.OutOrderNo = strings.TrimSpace(p.OutOrderNo)
	if p.OrderID == "" && p.OutOrderNo == "" {
		return nil, domain.InvalidArgument("order_id 与 out_order_no 至少需要提供一个")
	}
	if p.OutReturnNo, err = requireString("out_return_no", p.OutReturnNo); err != nil {
		return nil, err
	}
	if p.ReturnMchID, err = requireString("return_mchid", p.ReturnMchID); err != nil {
		return nil, err
	}
	if err := requirePositive("amount", p.Amount); err != nil {
		return nil, err
	}
	if p.Description, err = requireString("description", p.Description); err != nil {
		return nil, err
	}
	return &ReturnRequest{p: p}, nil
}

func (r *ReturnRequest) Operation() domain.OperationType { return domain.OpRequestReturn }
func (r *ReturnRequest) SubMchID() string                { return r.p.SubMchID }
func (r *ReturnRequest) OutReturnNo() string             { return r.p.OutReturnNo }

func (r *ReturnRequest) Payload() Payload {
	return build(
		req("sub_mchid", r.p.SubMchID),
		opt("order_id", r.p.OrderID),
		opt("out_order_no", r.p.OutOrderNo),
		req("out_return_no", r.p.OutReturnNo),
		req("return_mchid", r.p.ReturnMchID),
		req("amount", r.p.Amount),
		req("description", r.p.Description),
	)
}

func (r *ReturnRequest) ReturnOrder(now time.Time) (*domain.ProfitShareReturnOrder, error) {
	return domain.NewReturnOrder(r.p.SubMchID, r.p.OrderID, r.p.OutOrderNo, r.p.OutReturnNo, r.p.ReturnMchID, r.p.Amount, r.p.Description, now)
}

// QueryReturnRequest is GET /v3/profitsharing/return-orders/{out_return_no}.
type QueryReturnRequest struct {
	subMchID    string
	orderID     string
	outOrderNo  string
	outReturnNo string
}

func NewQueryReturnRequest(subMchID, orderID, outOrderNo, outReturnNo string) (*QueryReturnRequest, error) {
	var err error
	q := &QueryReturnRequest{orderID: strings.TrimSpace(orderID), outOrderNo: strings.TrimSpace(outOrderNo)}
	if q.subMchID, err = requireString("sub_mchid", subMchID); err != nil {
		return nil, err
	}
	if q.orderID == "" && q.outOrderNo == "" {
		return nil, domain.InvalidArgument("order_id 与 out_order_no 至少需要提供一个")
	}
	if q.outReturnNo, err = requireString("out_return_no", outReturnNo); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *QueryReturnRequest) Operation() domain.OperationType { return domain.OpQueryReturn }
func (q *QueryReturnRequest) SubMchID() string                { return q.subMchID }
func (q *QueryReturnRequest) OutReturnNo() string             { return q.outReturnNo }

func (q *QueryReturnRequest) Payload() Payload {
	return build(
		req("sub_mchid", q.subMchID),
		opt("order_id", q.orderID),
		opt("out_order_no", q.outOrderNo),
		req("out_return_no", q.outReturnNo),
	)
}
