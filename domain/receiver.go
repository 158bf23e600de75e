package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

type ReceiverType string

const (
	ReceiverTypeMerchantID        ReceiverType = "MERCHANT_ID"
	ReceiverTypePersonalOpenID    ReceiverType = "PERSONAL_OPENID"
	ReceiverTypePersonalSubOpenID ReceiverType = "PERSONAL_SUB_OPENID"
)

func (t ReceiverType) Valid() bool {
	switch t {
	case ReceiverTypeMerchantID, ReceiverTypePersonalOpenID, ReceiverTypePersonalSubOpenID:
		return true
	}
	return false
}

func (t ReceiverType) Label() string {
	switch t {
	case ReceiverTypeMerchantID:
		return "商户号"
	case ReceiverTypePersonalOpenID:
		return "个人openid（由父商户APPID转换得到）"
	case ReceiverTypePersonalSubOpenID:
		return "个人sub_openid（由子商户APPID转换得到）"
	}
	return string(t)
}

func (t ReceiverType) Personal() bool {
	return t == ReceiverTypePersonalOpenID || t == ReceiverTypePersonalSubOpenID
}

func ParseReceiverType(s string) (ReceiverType, error) {
	t := ReceiverType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", InvalidArgument("未知的分账接收方类型: %q", s)
	}
	return t, nil
}

type ReceiverResult string

const (
	ReceiverResultPending ReceiverResult = "PENDING"
	ReceiverResultSuccess ReceiverResult = "SUCCESS"
	ReceiverResultClosed  ReceiverResult = "CLOSED"
	ReceiverResultFailed  ReceiverResult = "FAILED"
)

var receiverResultTransitions = transitions[ReceiverResult]{
	ReceiverResultPending: {ReceiverResultSuccess, ReceiverResultClosed, ReceiverResultFailed},
}

func (r ReceiverResult) Valid() bool {
	switch r {
	case ReceiverResultPending, ReceiverResultSuccess, ReceiverResultClosed, ReceiverResultFailed:
		return true
	}
	return false
}

func (r ReceiverResult) Terminal() bool {
	return r.Valid() && receiverResultTransitions.terminal(r)
}

func (r ReceiverResult) Label() string {
	switch r {
	case ReceiverResultPending:
		return "待分账"
	case ReceiverResultSuccess:
		return "分账成功"
	case ReceiverResultClosed:
		return "已关闭"
	case ReceiverResultFailed:
		return "分账失败"
	}
	return string(r)
}

// ParseReceiverResult accepts the gateway spelling; PROCESSING is reported while a
// receiver is still being settled and maps to PENDING.
func ParseReceiverResult(s string) (ReceiverResult, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if v == "PROCESSING" {
		return ReceiverResultPending, nil
	}
	r := ReceiverResult(v)
	if !r.Valid() {
		return "", InvalidArgument("未知的分账结果: %q", s)
	}
	return r, nil
}

type ReceiverFailReason string

const (
	FailReasonAccountAbnormal             ReceiverFailReason = "ACCOUNT_ABNORMAL"
	FailReasonNoRelation                  ReceiverFailReason = "NO_RELATION"
	FailReasonReceiverHighRisk            ReceiverFailReason = "RECEIVER_HIGH_RISK"
	FailReasonReceiverRealNameNotVerified ReceiverFailReason = "RECEIVER_REAL_NAME_NOT_VERIFIED"
	FailReasonNoAuth                      ReceiverFailReason = "NO_AUTH"
	FailReasonReceiverReceiptLimit        ReceiverFailReason = "RECEIVER_RECEIPT_LIMIT"
	FailReasonPayerAccountAbnormal        ReceiverFailReason = "PAYER_ACCOUNT_ABNORMAL"
	FailReasonInvalidRequest              ReceiverFailReason = "INVALID_REQUEST"
)

func (r ReceiverFailReason) Label() string {
	switch r {
	case FailReasonAccountAbnormal:
		return "分账接收账户异常"
	case FailReasonNoRelation:
		return "分账关系已解除"
	case FailReasonReceiverHighRisk:
		return "高风险接收方"
	case FailReasonReceiverRealNameNotVerified:
		return "接收方未实名"
	case FailReasonNoAuth:
		return "分账权限已解除"
	case FailReasonReceiverReceiptLimit:
		return "超出用户月收款限额"
	case FailReasonPayerAccountAbnormal:
		return "分出方账户异常"
	case FailReasonInvalidRequest:
		return "描述参数设置失败"
	case "":
		return ""
	}
	return string(r)
}

type RelationType string

const (
	RelationServiceProvider RelationType = "SERVICE_PROVIDER"
	RelationStore           RelationType = "STORE"
	RelationStaff           RelationType = "STAFF"
	RelationStoreOwner      RelationType = "STORE_OWNER"
	RelationPartner         RelationType = "PARTNER"
	RelationHeadquarter     RelationType = "HEADQUARTER"
	RelationBrand           RelationType = "BRAND"
	RelationDistributor     RelationType = "DISTRIBUTOR"
	RelationUser            RelationType = "USER"
	RelationSupplier        RelationType = "SUPPLIER"
	RelationCustom          RelationType = "CUSTOM"
)

var relationLabels = map[RelationType]string{
	RelationServiceProvider: "服务商",
	RelationStore:           "门店",
	RelationStaff:           "员工",
	RelationStoreOwner:      "店主",
	RelationPartner:         "合作伙伴",
	RelationHeadquarter:     "总部",
	RelationBrand:           "品牌方",
	RelationDistributor:     "分销商",
	RelationUser:            "用户",
	RelationSupplier:        "供应商",
	RelationCustom:          "自定义",
}

func (r RelationType) Valid() bool {
	_, ok := relationLabels[r]
	return ok
}

func (r RelationType) Label() string {
	if l, ok := relationLabels[r]; ok {
		return l
	}
	return string(r)
}

func ParseRelationType(s string) (RelationType, error) {
	r := RelationType(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", InvalidArgument("未知的分账关系类型: %q", s)
	}
	return r, nil
}

const (
	MaxReceiverDescriptionLen = 80
	MaxReceiverNameLen        = 1024
)

// ProfitShareReceiver is one line item of an order. It belongs to exactly one order.
type ProfitShareReceiver struct {
	Type        ReceiverType       `json:"type"`
	Account     string             `json:"account"`
	Name        string             `json:"name,omitempty"`
	Amount      int64              `json:"amount"`
	Description string             `json:"description"`
	Result      ReceiverResult     `json:"result"`
	FailReason  ReceiverFailReason `json:"failReason,omitempty"`
	DetailID    string             `json:"detailId,omitempty"`
	CreateTime  *time.Time         `json:"createTime,omitempty"`
	FinishTime  *time.Time         `json:"finishTime,omitempty"`
}

// Validate checks the line item before it is rendered into a payload.
// A personal receiver without a name is accepted; the gateway decides.
func (r *ProfitShareReceiver) Validate() error {
	if r == nil {
		return InvalidArgument("分账接收方为空")
	}
	if !r.Type.Valid() {
		return InvalidArgument("未知的分账接收方类型: %q", r.Type)
	}
	if strings.TrimSpace(r.Account) == "" {
		return InvalidArgument("分账接收方账号不能为空")
	}
	if r.Amount <= 0 {
		return InvalidArgument("分账金额必须为正数(分)，got=%d", r.Amount)
	}
	desc := strings.TrimSpace(r.Description)
	if desc == "" {
		return InvalidArgument("分账描述不能为空")
	}
	if utf8.RuneCountInString(desc) > MaxReceiverDescriptionLen {
		return InvalidArgument("分账描述不能超过 %d 个字符", MaxReceiverDescriptionLen)
	}
	if len(r.Name) > MaxReceiverNameLen {
		return InvalidArgument("分账接收方名称过长")
	}
	return nil
}

func (r *ProfitShareReceiver) Matches(t ReceiverType, account string) bool {
	return r.Type == t && r.Account == account
}

// Settle records the gateway result. PENDING -> PENDING is a no-op refresh; a terminal
// result never changes, and reporting the same terminal result again is accepted.
func (r *ProfitShareReceiver) Settle(result ReceiverResult, reason ReceiverFailReason, detailID string, finish *time.Time) error {
	if !result.Valid() {
		return InvalidArgument("未知的分账结果: %q", result)
	}
	cur := r.Result
	if cur == "" {
		cur = ReceiverResultPending
	}
	if cur == result {
		if detailID != "" && r.DetailID == "" {
			r.DetailID = detailID
		}
		return nil
	}
	if !receiverResultTransitions.allows(cur, result) {
		return InvalidTransition("分账接收方", cur, result)
	}
	r.Result = result
	r.FailReason = reason
	if detailID != "" {
		r.DetailID = detailID
	}
	if finish != nil {
		t := *finish
		r.FinishTime = &t
	}
	return nil
}
