package payload

import (
	"strings"

	"profitshare/domain"
)

type UnfreezeParams struct {
	SubMchID        string
	TransactionID   string
	OutOrderNo      string
	Description     string
	UnfreezeUnsplit bool
}

// UnfreezeRequest is POST /v3/profitsharing/orders/unfreeze.
//
// unfreeze_unsplit is only sent when true: the gateway treats the key's presence as
// the flag, so false must not appear on the wire at all.
type UnfreezeRequest struct {
	p UnfreezeParams
}

func NewUnfreezeRequest(p UnfreezeParams) (*UnfreezeRequest, error) {
	var err error
	if p.SubMchID, err = requireString("sub_mchid", p.SubMchID); err != nil {
		return nil, err
	}
	if p.TransactionID, err = requireString("transaction_id", p.TransactionID); err != nil {
		return nil, err
	}
	if p.OutOrderNo, err = requireString("out_order_no", p.OutOrderNo); err != nil {
		return nil, err
	}
	if p.Description, err = requireString("description", p.Description); err != nil {
		return nil, err
	}
	return &UnfreezeRequest{p: p}, nil
}

func (r *UnfreezeRequest) Operation() domain.OperationType { return domain.OpUnfreeze }
func (r *UnfreezeRequest) SubMchID() string                { return r.p.SubMchID }
func (r *UnfreezeRequest) TransactionID() string           { return r.p.TransactionID }
func (r *UnfreezeRequest) OutOrderNo() string              { return r.p.OutOrderNo }
func (r *UnfreezeRequest) Description() string             { return r.p.Description }

func (r *UnfreezeRequest) Payload() Payload {
	return build(
		req("sub_mchid", r.p.SubMchID),
		req("transaction_id", r.p.TransactionID),
		req("out_order_no", r.p.OutOrderNo),
		req("description", r.p.Description),
		opt("unfreeze_unsplit", r.p.UnfreezeUnsplit),
	)
}

// RemainingAmountRequest is GET /v3/profitsharing/transactions/{transaction_id}/amounts.
type RemainingAmountRequest struct {
	transactionID string
}

func NewRemainingAmountRequest(transactionID string) (*RemainingAmountRequest, error) {
	id, err := requireString("transaction_id", transactionID)
	if err != nil {
		return nil, err
	}
	return &RemainingAmountRequest{transactionID: id}, nil
}

func (r *RemainingAmountRequest) Operation() domain.OperationType {
	return domain.OpQueryRemainingAmount
}

func (r *RemainingAmountRequest) TransactionID() string { return r.transactionID }

func (r *RemainingAmountRequest) Payload() Payload {
	return build(req("transaction_id", r.transactionID))
}

// MaxRatioRequest is GET /v3/profitsharing/merchant-configs/{sub_mchid}.
type MaxRatioRequest struct {
	subMchID string
}

func NewMaxRatioRequest(subMchID string) (*MaxRatioRequest, error) {
	id, err := requireString("sub_mchid", subMchID)
	if err != nil {
		return nil, err
	}
	return &MaxRatioRequest{subMchID: strings.TrimSpace(id)}, nil
}

func (r *MaxRatioRequest) Operation() domain.OperationType { return domain.OpQueryMaxRatio }
func (r *MaxRatioRequest) SubMchID() string                { return r.subMchID }

func (r *MaxRatioRequest) Payload() Payload {
	return build(req("sub_mchid", r.subMchID))
}
