package sharing

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"profitshare/domain"
	"profitshare/wechat"
)

type receiverResponse struct {
	Type        string `json:"type"`
	Account     string `json:"account"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	Result      string `json:"result"`
	FailReason  string `json:"fail_reason"`
	DetailID    string `json:"detail_id"`
	CreateTime  string `json:"create_time"`
	FinishTime  string `json:"finish_time"`
}

type orderResponse struct {
	SubMchID      string             `json:"sub_mchid"`
	TransactionID string             `json:"transaction_id"`
	OutOrderNo    string             `json:"out_order_no"`
	OrderID       string             `json:"order_id"`
	State         string             `json:"state"`
	Receivers     []receiverResponse `json:"receivers"`
}

type returnResponse struct {
	SubMchID    string `json:"sub_mchid"`
	OrderID     string `json:"order_id"`
	OutOrderNo  string `json:"out_order_no"`
	OutReturnNo string `json:"out_return_no"`
	ReturnID    string `json:"return_id"`
	ReturnMchID string `json:"return_mchid"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	Result      string `json:"result"`
	FailReason  string `json:"fail_reason"`
	CreateTime  string `json:"create_time"`
	FinishTime  string `json:"finish_time"`
}

type billResponse struct {
	DownloadURL string `json:"download_url"`
	HashType    string `json:"hash_type"`
	HashValue   string `json:"hash_value"`
}

func decode[T any](raw json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, domain.GatewayError(fmt.Errorf("解析网关响应失败: %w", err))
	}
	return &v, nil
}

// optionalTime parses a gateway time; empty or malformed values are logged and ignored.
func optionalTime(log *slog.Logger, field, s string) *time.Time {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	t, err := wechat.ParseTime(s)
	if err != nil {
		log.Warn("ignore unparsable gateway time", "field", field, "err", err)
		return nil
	}
	return &t
}

// applyOrderResponse copies gateway results onto o. A receiver line o does not hold yet,
// such as the 解冻给分账方 line the gateway adds when funds are unfrozen, is appended as
// reported. Every line is attempted; the returned error joins the lines that could not
// be read and the transitions that were refused.
func applyOrderResponse(log *slog.Logger, o *domain.ProfitShareOrder, resp *orderResponse, now time.Time) error {
	if resp.OrderID != "" {
		o.OrderID = resp.OrderID
	}
	var errs []error
	for _, rr := range resp.Receivers {
		t, err := domain.ParseReceiverType(rr.Type)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		result, err := domain.ParseReceiverResult(rr.Result)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r := o.Receiver(t, rr.Account)
		if r == nil {
			log.Info("add gateway receiver line", "out_order_no", o.OutOrderNo, "type", t, "description", rr.Description)
			o.Receivers = append(o.Receivers, domain.ProfitShareReceiver{
				Type:        t,
				Account:     rr.Account,
				Amount:      rr.Amount,
				Description: rr.Description,
				Result:      domain.ReceiverResultPending,
			})
			r = &o.Receivers[len(o.Receivers)-1]
		}
		if r.CreateTime == nil {
			r.CreateTime = optionalTime(log, "create_time", rr.CreateTime)
		}
		finish := optionalTime(log, "finish_time", rr.FinishTime)
		reason := domain.ReceiverFailReason(strings.ToUpper(strings.TrimSpace(rr.FailReason)))
		if err := o.ApplyReceiverResult(t, rr.Account, result, reason, rr.DetailID, finish, now); err != nil {
			errs = append(errs, err)
		}
	}
	if resp.State != "" {
		st, err := domain.ParseOrderState(resp.State)
		if err != nil {
			errs = append(errs, err)
		} else if err := o.Refresh(st, now); err != nil {
			errs = append(errs, err)
		}
	}
	if _, err := o.SettleFromReceivers(now); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// orderFromResponse rebuilds an order known to the gateway but not stored locally. The
// order is returned even when some lines could not be applied.
func orderFromResponse(log *slog.Logger, resp *orderResponse, now time.Time) (*domain.ProfitShareOrder, error) {
	o := &domain.ProfitShareOrder{
		SubMchID:      resp.SubMchID,
		TransactionID: resp.TransactionID,
		OutOrderNo:    resp.OutOrderNo,
		State:         domain.OrderStateProcessing,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	return o, applyOrderResponse(log, o, resp, now)
}

func applyReturnResponse(log *slog.Logger, r *domain.ProfitShareReturnOrder, resp *returnResponse, now time.Time) error {
	if resp.ReturnID != "" {
		r.ReturnID = resp.ReturnID
	}
	if r.OrderID == "" && resp.OrderID != "" {
		r.OrderID = resp.OrderID
	}
	if resp.Result == "" {
		return nil
	}
	result, err := domain.ParseReturnResult(resp.Result)
	if err != nil {
		return err
	}
	reason := domain.ReturnFailReason(strings.ToUpper(strings.TrimSpace(resp.FailReason)))
	return r.Settle(result, reason, optionalTime(log, "finish_time", resp.FinishTime), now)
}
