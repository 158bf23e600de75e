package wechat

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"profitshare/domain"
	"profitshare/payload"
)

// UnfreezeLineDescription is how the gateway describes the receiver line of unfrozen funds.
const UnfreezeLineDescription = "解冻给分账方"

// MockBill is the bill content served by MockGateway.
const MockBill = "分账时间,分账发起方,分账方,分账接收方,分账金额(元),微信订单号,微信分账/回退单号,商户分账/回退单号,业务类型,处理状态,分账描述,备注\n" +
	"`2024-05-01 10:00:00,`1900000100,`1900000109,`1900000110,`1.00,`4200000000000000000000000001,`30000000000000000000000001,`ORDER-1,`分账,`成功,`split,`\n" +
	"`2024-05-01 10:05:00,`1900000100,`1900000109,`1900000111,`0.50,`4200000000000000000000000002,`30000000000000000000000002,`ORDER-2,`回退,`成功,`return,`\n" +
	"总条数,分账成功金额(元),回退成功金额(元)\n" +
	"`2,`1.00,`0.50\n"

// MockGateway answers every operation locally (WECHAT_MOCK=1). Orders it has seen are
// remembered so that a query reports their receivers as settled.
type MockGateway struct {
	mu     sync.Mutex
	orders map[string]payload.Payload
	seq    int
	now    func() time.Time
}

func NewMockGateway() *MockGateway {
	return &MockGateway{orders: map[string]payload.Payload{}, now: time.Now}
}

func (m *MockGateway) Submit(_ context.Context, op domain.OperationType, p payload.Payload) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	now := FormatTime(m.now())
	var out map[string]any

	switch op {
	case domain.OpRequestOrder:
		key := fmt.Sprint(p["sub_mchid"], "/", p["out_order_no"])
		m.orders[key] = p
		out = m.orderResponse(p, "PROCESSING", "PENDING", now)
	case domain.OpQueryOrder:
		key := fmt.Sprint(p["sub_mchid"], "/", p["out_order_no"])
		orig, ok := m.orders[key]
		if !ok {
			return nil, domain.GatewayError(&APIError{StatusCode: http.StatusNotFound, Code: "RESOURCE_NOT_EXISTS", Message: "记录不存在"})
		}
		out = m.orderResponse(orig, "FINISHED", "SUCCESS", now)
	case domain.OpUnfreeze:
		// The gateway reports the released funds as a line paid back to the sub-merchant.
		out = map[string]any{
			"sub_mchid":      p["sub_mchid"],
			"transaction_id": p["transaction_id"],
			"out_order_no":   p["out_order_no"],
			"order_id":       fmt.Sprintf("mock-%d", m.seq),
			"state":          "PROCESSING",
			"receivers": []map[string]any{{
				"type":        "MERCHANT_ID",
				"account":     p["sub_mchid"],
				"amount":      1000,
				"description": UnfreezeLineDescription,
				"result":      "PENDING",
				"detail_id":   fmt.Sprintf("mock-detail-%v-0", p["out_order_no"]),
				"create_time": now,
			}},
		}
	case domain.OpRequestReturn:
		out = m.returnResponse(p, "PROCESSING", now)
	case domain.OpQueryReturn:
		out = m.returnResponse(p, "SUCCESS", now)
	case domain.OpQueryRemainingAmount:
		out = map[string]any{"transaction_id": p["transaction_id"], "unsplit_amount": 1000}
	case domain.OpQueryMaxRatio:
		out = map[string]any{"sub_mchid": p["sub_mchid"], "max_ratio": 3000}
	case domain.OpAddReceiver, domain.OpDeleteReceiver:
		out = map[string]any{"sub_mchid": p["sub_mchid"], "type": p["type"], "account": p["account"]}
		if v, ok := p["relation_type"]; ok {
			out["relation_type"] = v
		}
	case domain.OpApplyBill:
		sum := sha1.Sum([]byte(MockBill))
		out = map[string]any{
			"download_url": fmt.Sprintf("mock://bills/%v", p["bill_date"]),
			"hash_type":    "SHA1",
			"hash_value":   hex.EncodeToString(sum[:]),
		}
	default:
		return nil, domain.InvalidArgument("操作 %s 不是网关请求", op)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (m *MockGateway) DownloadBill(_ context.Context, req *payload.BillDownloadRequest) error {
	if !strings.HasPrefix(req.DownloadURL, "mock://") {
		return domain.GatewayError(fmt.Errorf("mock gateway cannot fetch %s", req.DownloadURL))
	}
	plain := *req
	plain.TarType = ""
	return writeVerifiedBill(bytes.NewReader([]byte(MockBill)), &plain)
}

func (m *MockGateway) orderResponse(p payload.Payload, state, result, now string) map[string]any {
	var receivers []map[string]any
	src, _ := p["receivers"].([]payload.Payload)
	for i, r := range src {
		item := map[string]any{
			"type":        r["type"],
			"account":     r["account"],
			"amount":      r["amount"],
			"description": r["description"],
			"result":      result,
			"detail_id":   fmt.Sprintf("mock-detail-%v-%d", p["out_order_no"], i),
			"create_time": now,
		}
		if result != "PENDING" {
			item["finish_time"] = now
		}
		receivers = append(receivers, item)
	}
	return map[string]any{
		"sub_mchid":      p["sub_mchid"],
		"transaction_id": p["transaction_id"],
		"out_order_no":   p["out_order_no"],
		"order_id":       fmt.Sprintf("mock-%v", p["out_order_no"]),
		"state":          state,
		"receivers":      receivers,
	}
}

func (m *MockGateway) returnResponse(p payload.Payload, result, now string) map[string]any {
	out := map[string]any{
		"sub_mchid":     p["sub_mchid"],
		"order_id":      p["order_id"],
		"out_order_no":  p["out_order_no"],
		"out_return_no": p["out_return_no"],
		"return_id":     fmt.Sprintf("mock-return-%v", p["out_return_no"]),
		"return_mchid":  p["return_mchid"],
		"amount":        p["amount"],
		"description":   p["description"],
		"result":        result,
		"create_time":   now,
	}
	if result != "PROCESSING" {
		out["finish_time"] = now
	}
	return out
}
