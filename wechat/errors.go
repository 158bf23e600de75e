package wechat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// APIError is the v3 error body: {"code":"...","message":"...","detail":{...}}.
type APIError struct {
	StatusCode int             `json:"-"`
	Code       string          `json:"code"`
	Message    string          `json:"message"`
	Detail     json.RawMessage `json:"detail,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("微信支付返回 HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("微信支付返回 %s(HTTP %d): %s", e.Code, e.StatusCode, e.Message)
}

// GatewayCode lets callers branch on the gateway code without importing this package.
func (e *APIError) GatewayCode() string { return e.Code }

func decodeAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}
	if err := json.Unmarshal(body, e); err != nil || (e.Code == "" && e.Message == "") {
		e.Code = ""
		e.Message = strings.TrimSpace(string(body))
		if len(e.Message) > 512 {
			e.Message = e.Message[:512]
		}
	}
	return e
}
