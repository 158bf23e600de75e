package payload

import (
	"strings"

	"profitshare/domain"
)

type ReceiverParams struct {
	SubMchID       string
	AppID          string
	SubAppID       string
	Type           domain.ReceiverType
	Account        string
	Name           string
	RelationType   domain.RelationType
	CustomRelation string
}

// ReceiverAddRequest is POST /v3/profitsharing/receivers/add.
type ReceiverAddRequest struct {
	p ReceiverParams
}

func NewReceiverAddRequest(p ReceiverParams) (*ReceiverAddRequest, error) {
	p, err := normalizeReceiver(p)
	if err != nil {
		return nil, err
	}
	if !p.RelationType.Valid() {
		return nil, domain.InvalidArgument("未知的分账关系类型: %q", p.RelationType)
	}
	p.Name = strings.TrimSpace(p.Name)
	p.CustomRelation = strings.TrimSpace(p.CustomRelation)
	if p.RelationType == domain.RelationCustom && p.CustomRelation == "" {
		return nil, domain.InvalidArgument("relation_type 为 CUSTOM 时 custom_relation 不能为空")
	}
	if p.RelationType != domain.RelationCustom {
		p.CustomRelation = ""
	}
	return &ReceiverAddRequest{p: p}, nil
}

func (r *ReceiverAddRequest) Operation() domain.OperationType { return domain.OpAddReceiver }
func (r *ReceiverAddRequest) SubMchID() string                { return r.p.SubMchID }
func (r *ReceiverAddRequest) Type() domain.ReceiverType       { return r.p.Type }
func (r *ReceiverAddRequest) Account() string                 { return r.p.Account }

func (r *ReceiverAddRequest) Payload() Payload {
	return build(
		req("sub_mchid", r.p.SubMchID),
		opt("appid", r.p.AppID),
		opt("sub_appid", r.p.SubAppID),
		req("type", string(r.p.Type)),
		req("account", r.p.Account),
		opt("name", r.p.Name),
		req("relation_type", string(r.p.RelationType)),
		opt("custom_relation", r.p.CustomRelation),
	)
}

// ReceiverDeleteRequest is POST /v3/profitsharing/receivers/delete.
type ReceiverDeleteRequest struct {
	p ReceiverParams
}

func NewReceiverDeleteRequest(p ReceiverParams) (*ReceiverDeleteRequest, error) {
	p, err := normalizeReceiver(p)
	if err != nil {
		return nil, err
	}
	return &ReceiverDeleteRequest{p: p}, nil
}

func (r *ReceiverDeleteRequest) Operation() domain.OperationType { return domain.OpDeleteReceiver }
func (r *ReceiverDeleteRequest) SubMchID() string                { return r.p.SubMchID }
func (r *ReceiverDeleteRequest) Type() domain.ReceiverType       { return r.p.Type }
func (r *ReceiverDeleteRequest) Account() string                 { return r.p.Account }

func (r *ReceiverDeleteRequest) Payload() Payload {
	return build(
		req("sub_mchid", r.p.SubMchID),
		opt("appid", r.p.AppID),
		opt("sub_appid", r.p.SubAppID),
		req("type", string(r.p.Type)),
		req("account", r.p.Account),
	)
}

func normalizeReceiver(p ReceiverParams) (ReceiverParams, error) {
	var err error
	if p.SubMchID, err = requireString("sub_mchid", p.SubMchID); err != nil {
		return p, err
	}
	if !p.Type.Valid() {
		return p, domain.InvalidArgument("未知的分账接收方类型: %q", p.Type)
	}
	if p.Account, err = requireString("account", p.Account); err != nil {
		return p, err
	}
	p.AppID = strings.TrimSpace(p.AppID)
	p.SubAppID = strings.TrimSpace(p.SubAppID)
	return p, nil
}
