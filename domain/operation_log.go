package domain

import (
	"encoding/json"
	"strings"
	"time"
)

type OperationType string

const (
	OpRequestOrder         OperationType = "REQUEST_ORDER"
	OpQueryOrder           OperationType = "QUERY_ORDER"
	OpUnfreeze             OperationType = "UNFREEZE"
	OpRequestReturn        OperationType = "REQUEST_RETURN"
	OpQueryReturn          OperationType = "QUERY_RETURN"
	OpQueryRemainingAmount OperationType = "QUERY_REMAINING_AMOUNT"
	OpQueryMaxRatio        OperationType = "QUERY_MAX_RATIO"
	OpAddReceiver          OperationType = "ADD_RECEIVER"
	OpDeleteReceiver       OperationType = "DELETE_RECEIVER"
	OpApplyBill            OperationType = "APPLY_BILL"
	OpDownloadBill         OperationType = "DOWNLOAD_BILL"
	OpNotification         OperationType = "NOTIFICATION"
)

var operationLabels = map[OperationType]string{
	OpRequestOrder:         "请求分账",
	OpQueryOrder:           "查询分账结果",
	OpUnfreeze:             "解冻剩余资金",
	OpRequestReturn:        "请求分账回退",
	OpQueryReturn:          "查询分账回退结果",
	OpQueryRemainingAmount: "查询剩余待分金额",
	OpQueryMaxRatio:        "查询最大分账比例",
	OpAddReceiver:          "添加分账接收方",
	OpDeleteReceiver:       "删除分账接收方",
	OpApplyBill:            "申请分账账单",
	OpDownloadBill:         "下载账单",
	OpNotification:         "分账动账通知",
}

// OperationTypes returns every operation kind in a stable order.
func OperationTypes() []OperationType {
	return []OperationType{
		OpRequestOrder, OpQueryOrder, OpUnfreeze, OpRequestReturn, OpQueryReturn,
		OpQueryRemainingAmount, OpQueryMaxRatio, OpAddReceiver, OpDeleteReceiver,
		OpApplyBill, OpDownloadBill, OpNotification,
	}
}

func (o OperationType) Valid() bool {
	_, ok := operationLabels[o]
	return ok
}

func (o OperationType) Label() string {
	if l, ok := operationLabels[o]; ok {
		return l
	}
	return string(o)
}

func ParseOperationType(s string) (OperationType, error) {
	o := OperationType(strings.ToUpper(strings.TrimSpace(s)))
	if !o.Valid() {
		return "", InvalidArgument("未知的操作类型: %q", s)
	}
	return o, nil
}

// ProfitShareOperationLog is an append-only record of one gateway interaction.
type ProfitShareOperationLog struct {
	ID           string          `json:"id"`
	Type         OperationType   `json:"type"`
	SubMchID     string          `json:"subMchId,omitempty"`
	EntityKey    string          `json:"entityKey,omitempty"`
	Success      bool            `json:"success"`
	ErrorKind    ErrorKind       `json:"errorKind,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Request      json.RawMessage `json:"request,omitempty"`
	Response     json.RawMessage `json:"response,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type OperationLogFilter struct {
	Type      OperationType
	SubMchID  string
	EntityKey string
	Success   *bool
	StartAt   *time.Time
	EndAt     *time.Time
	Limit     int
}
