package domain

import "time"

// ReceiverNotification is the decrypted profit sharing callback for one receiver.
type ReceiverNotification struct {
	ID              string             `json:"id"`
	EventType       string             `json:"eventType"`
	SubMchID        string             `json:"subMchId"`
	TransactionID   string             `json:"transactionId"`
	OrderID         string             `json:"orderId"`
	OutOrderNo      string             `json:"outOrderNo"`
	ReceiverType    ReceiverType       `json:"receiverType"`
	ReceiverAccount string             `json:"receiverAccount"`
	Amount          int64              `json:"amount"`
	Description     string             `json:"description"`
	Result          ReceiverResult     `json:"result"`
	FailReason      ReceiverFailReason `json:"failReason,omitempty"`
	DetailID        string             `json:"detailId,omitempty"`
	SuccessTime     *time.Time         `json:"successTime,omitempty"`
}

// ResultFromEventType maps PROFITSHARING.SUCCESS / PROFITSHARING.CLOSED to a receiver result.
func ResultFromEventType(eventType string) (ReceiverResult, error) {
	switch eventType {
	case "PROFITSHARING.SUCCESS":
		return ReceiverResultSuccess, nil
	case "PROFITSHARING.CLOSED":
		return ReceiverResultClosed, nil
	}
	return "", InvalidArgument("未知的分账通知类型: %q", eventType)
}
