package wechat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"profitshare/domain"
)

type notifyEnvelope struct {
	ID           string `json:"id"`
	CreateTime   string `json:"create_time"`
	EventType    string `json:"event_type"`
	ResourceType string `json:"resource_type"`
	Resource     struct {
		Algorithm      string `json:"algorithm"`
		Ciphertext     string `json:"ciphertext"`
		AssociatedData string `json:"associated_data"`
		Nonce          string `json:"nonce"`
		OriginalType   string `json:"original_type"`
	} `json:"resource"`
}

type notifyResource struct {
	MchID         string `json:"mchid"`
	SpMchID       string `json:"sp_mchid"`
	SubMchID      string `json:"sub_mchid"`
	TransactionID string `json:"transaction_id"`
	OrderID       string `json:"order_id"`
	OutOrderNo    string `json:"out_order_no"`
	Receiver      struct {
		Type        string `json:"type"`
		Account     string `json:"account"`
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
		Result      string `json:"result"`
		FailReason  string `json:"fail_reason"`
		DetailID    string `json:"detail_id"`
	} `json:"receiver"`
	SuccessTime string `json:"success_time"`
}

// ParseNotification verifies and decrypts a profit sharing callback.
func (c *Client) ParseNotification(h http.Header, body []byte) (*domain.ReceiverNotification, error) {
	return parseNotification(c.verifier, c.apiV3Key, h, body)
}

func parseNotification(v *Verifier, apiV3Key string, h http.Header, body []byte) (*domain.ReceiverNotification, error) {
	if v == nil {
		return nil, errors.New("缺少平台验签材料")
	}
	if err := v.Verify(h, body); err != nil {
		return nil, err
	}
	var env notifyEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, domain.InvalidArgument("回调报文不是合法 JSON: %v", err)
	}
	if env.Resource.Algorithm != "" && env.Resource.Algorithm != "AEAD_AES_256_GCM" {
		return nil, domain.InvalidArgument("不支持的回调加密算法: %s", env.Resource.Algorithm)
	}
	plain, err := decryptResource(apiV3Key, env.Resource.AssociatedData, env.Resource.Nonce, env.Resource.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("回调解密失败: %w", err)
	}
	var res notifyResource
	if err := json.Unmarshal(plain, &res); err != nil {
		return nil, domain.InvalidArgument("回调资源不是合法 JSON: %v", err)
	}

	n := &domain.ReceiverNotification{
		ID:              env.ID,
		EventType:       env.EventType,
		SubMchID:        res.SubMchID,
		TransactionID:   res.TransactionID,
		OrderID:         res.OrderID,
		OutOrderNo:      res.OutOrderNo,
		ReceiverAccount: res.Receiver.Account,
		Amount:          res.Receiver.Amount,
		Description:     res.Receiver.Description,
		FailReason:      domain.ReceiverFailReason(strings.ToUpper(res.Receiver.FailReason)),
		DetailID:        res.Receiver.DetailID,
	}
	if n.SubMchID == "" {
		n.SubMchID = res.MchID
	}
	if n.ReceiverType, err = domain.ParseReceiverType(res.Receiver.Type); err != nil {
		return nil, err
	}
	// The receiver result in the resource wins over the event type when present.
	if res.Receiver.Result != "" {
		n.Result, err = domain.ParseReceiverResult(res.Receiver.Result)
	} else {
		n.Result, err = domain.ResultFromEventType(env.EventType)
	}
	if err != nil {
		return nil, err
	}
	if t, err := ParseTime(res.SuccessTime); err == nil {
		n.SuccessTime = &t
	}
	return n, nil
}
