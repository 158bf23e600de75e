package sharing

import (
	"context"

	"profitshare/domain"
	"profitshare/payload"
)

type RemainingAmount struct {
	TransactionID string `json:"transactionId"`
	UnsplitAmount int64  `json:"unsplitAmount"`
}

// MaxRatio is expressed in ten-thousandths: 2000 means 20%.
type MaxRatio struct {
	SubMchID string `json:"subMchId"`
	MaxRatio int64  `json:"maxRatio"`
}

type ReceiverRelation struct {
	SubMchID       string              `json:"subMchId"`
	Type           domain.ReceiverType `json:"type"`
	Account        string              `json:"account"`
	RelationType   domain.RelationType `json:"relationType,omitempty"`
	CustomRelation string              `json:"customRelation,omitempty"`
}

func (s *Service) QueryRemainingAmount(ctx context.Context, r *payload.RemainingAmountRequest) (*RemainingAmount, error) {
	if r == nil {
		return nil, domain.InvalidArgument("查询请求为空")
	}
	p := r.Payload()
	a := s.begin(domain.OpQueryRemainingAmount, "", "transaction:"+r.TransactionID(), p)
	raw, err := s.submit(ctx, a, p)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	resp, err := decode[struct {
		TransactionID string `json:"transaction_id"`
		UnsplitAmount int64  `json:"unsplit_amount"`
	}](raw)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	out := &RemainingAmount{TransactionID: resp.TransactionID, UnsplitAmount: resp.UnsplitAmount}
	if out.TransactionID == "" {
		out.TransactionID = r.TransactionID()
	}
	return out, s.finish(ctx, a, nil)
}

func (s *Service) QueryMaxRatio(ctx context.Context, r *payload.MaxRatioRequest) (*MaxRatio, error) {
	if r == nil {
		return nil, domain.InvalidArgument("查询请求为空")
	}
	p := r.Payload()
	a := s.begin(domain.OpQueryMaxRatio, r.SubMchID(), "merchant:"+r.SubMchID(), p)
	raw, err := s.submit(ctx, a, p)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	resp, err := decode[struct {
		SubMchID string `json:"sub_mchid"`
		MaxRatio int64  `json:"max_ratio"`
	}](raw)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	out := &MaxRatio{SubMchID: resp.SubMchID, MaxRatio: resp.MaxRatio}
	if out.SubMchID == "" {
		out.SubMchID = r.SubMchID()
	}
	return out, s.finish(ctx, a, nil)
}

type receiverResp struct {
	SubMchID       string `json:"sub_mchid"`
	Type           string `json:"type"`
	Account        string `json:"account"`
	RelationType   string `json:"relation_type"`
	CustomRelation string `json:"custom_relation"`
}

func (r *receiverResp) relation(sub string, t domain.ReceiverType, account string) *ReceiverRelation {
	out := &ReceiverRelation{
		SubMchID:       r.SubMchID,
		Type:           domain.ReceiverType(r.Type),
		Account:        r.Account,
		RelationType:   domain.RelationType(r.RelationType),
		CustomRelation: r.CustomRelation,
	}
	if out.SubMchID == "" {
		out.SubMchID = sub
	}
	if out.Type == "" {
		out.Type = t
	}
	if out.Account == "" {
		out.Account = account
	}
	return out
}

func receiverKey(sub string, t domain.ReceiverType, account string) string {
	return "receiver:" + sub + ":" + string(t) + ":" + account
}

func (s *Service) AddReceiver(ctx context.Context, r *payload.ReceiverAddRequest) (*ReceiverRelation, error) {
	if r == nil {
		return nil, domain.InvalidArgument("添加接收方请求为空")
	}
	p := r.Payload()
	a := s.begin(domain.OpAddReceiver, r.SubMchID(), receiverKey(r.SubMchID(), r.Type(), r.Account()), p)
	raw, err := s.submit(ctx, a, p)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	resp, err := decode[receiverResp](raw)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	return resp.relation(r.SubMchID(), r.Type(), r.Account()), s.finish(ctx, a, nil)
}

func (s *Service) DeleteReceiver(ctx context.Context, r *payload.ReceiverDeleteRequest) (*ReceiverRelation, error) {
	if r == nil {
		return nil, domain.InvalidArgument("删除接收方请求为空")
	}
	p := r.Payload()
	a := s.begin(domain.OpDeleteReceiver, r.SubMchID(), receiverKey(r.SubMchID(), r.Type(), r.Account()), p)
	raw, err := s.submit(ctx, a, p)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	resp, err := decode[receiverResp](raw)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	return resp.relation(r.SubMchID(), r.Type(), r.Account()), s.finish(ctx, a, nil)
}
