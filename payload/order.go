package payload

import (
	"strings"

	"profitshare/domain"
)

// ReceiverItem is one validated receiver line of an order request.
type ReceiverItem struct {
	Type        domain.ReceiverType
	Account     string
	Name        string
	Amount      int64
	Description string
}

func NewReceiverItem(t domain.ReceiverType, account, name string, amount int64, description string) (ReceiverItem, error) {
	r := domain.ProfitShareReceiver{
		Type:        t,
		Account:     strings.TrimSpace(account),
		Name:        strings.TrimSpace(name),
		Amount:      amount,
		Description: strings.TrimSpace(description),
	}
	if err := r.Validate(); err != nil {
		return ReceiverItem{}, err
	}
	return ReceiverItem{
		Type:        r.Type,
		Account:     r.Account,
		Name:        r.Name,
		Amount:      r.Amount,
		Description: r.Description,
	}, nil
}

func (r ReceiverItem) Payload() Payload {
	return build(
		req("type", string(r.Type)),
		req("account", r.Account),
		req("amount", r.Amount),
		req("description", r.Description),
		opt("name", r.Name),
	)
}

func (r ReceiverItem) Receiver() domain.ProfitShareReceiver {
	return domain.ProfitShareReceiver{
		Type:        r.Type,
		Account:     r.Account,
		Name:        r.Name,
		Amount:      r.Amount,
		Description: r.Description,
		Result:      domain.ReceiverResultPending,
	}
}

type OrderParams struct {
	SubMchID        string
	TransactionID   string
	OutOrderNo      string
	UnfreezeUnsplit bool
	AppID           string
	SubAppID        string
	Receivers       []ReceiverItem
}

// OrderRequest is POST /v3/profitsharing/orders.
type OrderRequest struct {
	subMchID        string
	transactionID   string
	outOrderNo      string
	unfreezeUnsplit bool
	appID           string
	subAppID        string
	receivers       []ReceiverItem
}

func NewOrderRequest(p OrderParams) (*OrderRequest, error) {
	subMchID, err := requireString("sub_mchid", p.SubMchID)
	if err != nil {
		return nil, err
	}
	txID, err := requireString("transaction_id", p.TransactionID)
	if err != nil {
		return nil, err
	}
	outOrderNo, err := requireString("out_order_no", p.OutOrderNo)
	if err != nil {
		return nil, err
	}
	if len(p.Receivers) == 0 {
		return nil, domain.InvalidArgument("分账接收方列表不能为空")
	}
	receivers := make([]ReceiverItem, 0, len(p.Receivers))
	seen := make(map[string]struct{}, len(p.Receivers))
	for _, r := range p.Receivers {
		// Items built by hand (not via NewReceiverItem) are validated here too.
		item, err := NewReceiverItem(r.Type, r.Account, r.Name, r.Amount, r.Description)
		if err != nil {
			return nil, err
		}
		k := string(item.Type) + "/" + item.Account
		if _, dup := seen[k]; dup {
			return nil, domain.InvalidArgument("分账接收方重复: %s", k)
		}
		seen[k] = struct{}{}
		receivers = append(receivers, item)
	}
	return &OrderRequest{
		subMchID:        subMchID,
		transactionID:   txID,
		outOrderNo:      outOrderNo,
		unfreezeUnsplit: p.UnfreezeUnsplit,
		appID:           strings.TrimSpace(p.AppID),
		subAppID:        strings.TrimSpace(p.SubAppID),
		receivers:       receivers,
	}, nil
}

func (r *OrderRequest) Operation() domain.OperationType { return domain.OpRequestOrder }

func (r *OrderRequest) SubMchID() string      { return r.subMchID }
func (r *OrderRequest) TransactionID() string { return r.transactionID }
func (r *OrderRequest) OutOrderNo() string    { return r.outOrderNo }

func (r *OrderRequest) Payload() Payload {
	receivers := make([]Payload, 0, len(r.receivers))
	for _, item := range r.receivers {
		receivers = append(receivers, item.Payload())
	}
	return build(
		opt("appid", r.appID),
		opt("sub_appid", r.subAppID),
		req("sub_mchid", r.subMchID),
		req("transaction_id", r.transactionID),
		req("out_order_no", r.outOrderNo),
		req("unfreeze_unsplit", r.unfreezeUnsplit),
		req("receivers", receivers),
	)
}

// Order returns the PROCESSING order this request creates.
func (r *OrderRequest) Order() *domain.ProfitShareOrder {
	o := &domain.ProfitShareOrder{
		SubMchID:        r.subMchID,
		AppID:           r.appID,
		SubAppID:        r.subAppID,
		TransactionID:   r.transactionID,
		OutOrderNo:      r.outOrderNo,
		State:           domain.OrderStateProcessing,
		UnfreezeUnsplit: r.unfreezeUnsplit,
	}
	for _, item := range r.receivers {
		o.Receivers = append(o.Receivers, item.Receiver())
	}
	return o
}

// QueryOrderRequest is GET /v3/profitsharing/orders/{out_order_no}.
type QueryOrderRequest struct {
	subMchID      string
	transactionID string
	outOrderNo    string
}

func NewQueryOrderRequest(subMchID, transactionID, outOrderNo string) (*QueryOrderRequest, error) {
	var err error
	q := &QueryOrderRequest{}
	if q.subMchID, err = requireString("sub_mchid", subMchID); err != nil {
		return nil, err
	}
	if q.transactionID, err = requireString("transaction_id", transactionID); err != nil {
		return nil, err
	}
	if q.outOrderNo, err = requireString("out_order_no", outOrderNo); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *QueryOrderRequest) Operation() domain.OperationType { return domain.OpQueryOrder }
func (q *QueryOrderRequest) SubMchID() string                { return q.subMchID }
func (q *QueryOrderRequest) OutOrderNo() string              { return q.outOrderNo }

func (q *QueryOrderRequest) Payload() Payload {
	return build(
		req("sub_mchid", q.subMchID),
		req("transaction_id", q.transactionID),
		req("out_order_no", q.outOrderNo),
	)
}
