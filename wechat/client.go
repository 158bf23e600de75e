// Package wechat is the signed WeChat Pay v3 transport for profit sharing: request
// signing, response and callback verification, callback decryption and bill download.
package wechat

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"profitshare/domain"
	"profitshare/obs"
	"profitshare/payload"
)

const maxResponseBytes = 4 << 20

type route struct {
	method string
	path   string
}

var routes = map[domain.OperationType]route{
	domain.OpRequestOrder:         {http.MethodPost, "/v3/profitsharing/orders"},
	domain.OpQueryOrder:           {http.MethodGet, "/v3/profitsharing/orders/{out_order_no}"},
	domain.OpUnfreeze:             {http.MethodPost, "/v3/profitsharing/orders/unfreeze"},
	domain.OpRequestReturn:        {http.MethodPost, "/v3/profitsharing/return-orders"},
	domain.OpQueryReturn:          {http.MethodGet, "/v3/profitsharing/return-orders/{out_return_no}"},
	domain.OpQueryRemainingAmount: {http.MethodGet, "/v3/profitsharing/transactions/{transaction_id}/amounts"},
	domain.OpQueryMaxRatio:        {http.MethodGet, "/v3/profitsharing/merchant-configs/{sub_mchid}"},
	domain.OpAddReceiver:          {http.MethodPost, "/v3/profitsharing/receivers/add"},
	domain.OpDeleteReceiver:       {http.MethodPost, "/v3/profitsharing/receivers/delete"},
	domain.OpApplyBill:            {http.MethodGet, "/v3/profitsharing/bills"},
}

// expand fills {name} segments from p and removes the consumed keys.
func (r route) expand(p payload.Payload) (string, error) {
	segs := strings.Split(r.path, "/")
	for i, s := range segs {
		if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
			continue
		}
		name := s[1 : len(s)-1]
		v, _ := p[name].(string)
		if strings.TrimSpace(v) == "" {
			return "", domain.InvalidArgument("%s 不能为空", name)
		}
		segs[i] = url.PathEscape(v)
		delete(p, name)
	}
	return strings.Join(segs, "/"), nil
}

// Client talks to the gateway on behalf of one service provider merchant.
type Client struct {
	mchID    string
	serial   string
	priv     *rsa.PrivateKey
	verifier *Verifier
	apiV3Key string
	baseURL  string
	http     *http.Client
	log      *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	keyPath, certPath, err := merchantMaterial(cfg)
	if err != nil {
		return nil, err
	}
	priv, err := loadRSAPrivateKeyFromPath(keyPath)
	if err != nil {
		return nil, fmt.Errorf("加载商户私钥失败: %w", err)
	}
	serial := cfg.MerchantSerial
	if serial == "" {
		if certPath == "" {
			return nil, errors.New("缺少商户证书序列号：请配置 WECHAT_MCH_SERIAL 或 WECHAT_MERCHANT_CERT_PATH")
		}
		cert, err := loadX509CertFromPath(certPath)
		if err != nil {
			return nil, fmt.Errorf("加载商户证书失败: %w", err)
		}
		serial = strings.ToUpper(cert.SerialNumber.Text(16))
	}
	verifier, err := NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	return newClient(cfg.MchID, serial, priv, verifier, cfg.APIv3Key, cfg.BaseURL, cfg.Timeout, logger), nil
}

func newClient(mchID, serial string, priv *rsa.PrivateKey, verifier *Verifier, apiV3Key, baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		mchID:    mchID,
		serial:   serial,
		priv:     priv,
		verifier: verifier,
		apiV3Key: apiV3Key,
		baseURL:  strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		log: logger.With("component", "wechat"),
	}
}

// Submit sends one profit sharing operation and returns the raw (verified) response
// body. Failures are domain Gateway errors wrapping *APIError when the gateway answered.
func (c *Client) Submit(ctx context.Context, op domain.OperationType, p payload.Payload) (json.RawMessage, error) {
	start := time.Now()
	raw, err := c.submit(ctx, op, p)
	obs.RecordGatewayCall(string(op), gatewayResult(err), start)
	if err != nil {
		c.log.Warn("gateway call failed", "op", op, "err", err)
	}
	return raw, err
}

func (c *Client) submit(ctx context.Context, op domain.OperationType, p payload.Payload) (json.RawMessage, error) {
	rt, ok := routes[op]
	if !ok {
		return nil, domain.InvalidArgument("操作 %s 不是网关请求", op)
	}
	rest := make(payload.Payload, len(p))
	for k, v := range p {
		rest[k] = v
	}
	path, err := rt.expand(rest)
	if err != nil {
		return nil, err
	}

	rawURL := c.baseURL + path
	var body []byte
	wechatpaySerial := ""
	if rt.method == http.MethodGet {
		if len(rest) > 0 {
			q := url.Values{}
			for k, v := range rest {
				q.Set(k, queryValue(v))
			}
			rawURL += "?" + q.Encode()
		}
	} else {
		encrypted, err := c.encryptNames(op, rest)
		if err != nil {
			return nil, err
		}
		if encrypted {
			wechatpaySerial = c.verifier.Serial()
		}
		if body, err = json.Marshal(rest); err != nil {
			return nil, err
		}
	}

	req, err := c.newRequest(ctx, rt.method, rawURL, body)
	if err != nil {
		return nil, err
	}
	if wechatpaySerial != "" {
		req.Header.Set("Wechatpay-Serial", wechatpaySerial)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.GatewayError(fmt.Errorf("%s %s: %w", rt.method, path, err))
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.GatewayError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, domain.GatewayError(decodeAPIError(resp.StatusCode, b))
	}
	if c.verifier != nil {
		if err := c.verifier.Verify(resp.Header, b); err != nil {
			return nil, domain.GatewayError(fmt.Errorf("响应验签失败: %w", err))
		}
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return json.RawMessage(b), nil
}

// newRequest builds a request carrying the WECHATPAY2-SHA256-RSA2048 Authorization.
func (c *Client) newRequest(ctx context.Context, method, rawURL string, body []byte) (*http.Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, domain.InvalidArgument("非法的请求地址: %v", err)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	nonce := newNonce()
	sig, err := signMessage(c.priv, method, u.RequestURI(), ts, nonce, body)
	if err != nil {
		return nil, fmt.Errorf("请求签名失败: %w", err)
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "profitshare/1.0")
	req.Header.Set("Authorization", authorization(c.mchID, c.serial, nonce, ts, sig))
	return req, nil
}

// encryptNames replaces receiver name fields with their RSA-OAEP ciphertext.
func (c *Client) encryptNames(op domain.OperationType, p payload.Payload) (bool, error) {
	var targets []payload.Payload
	switch op {
	case domain.OpAddReceiver:
		targets = append(targets, p)
	case domain.OpRequestOrder:
		src, _ := p["receivers"].([]payload.Payload)
		cp := make([]payload.Payload, 0, len(src))
		for _, r := range src {
			item := make(payload.Payload, len(r))
			for k, v := range r {
				item[k] = v
			}
			cp = append(cp, item)
			targets = append(targets, item)
		}
		if src != nil {
			p["receivers"] = cp
		}
	}
	encrypted := false
	for _, t := range targets {
		name, _ := t["name"].(string)
		if name == "" {
			continue
		}
		if c.verifier == nil {
			return false, errors.New("缺少平台公钥，无法加密接收方名称")
		}
		ct, err := c.verifier.EncryptSensitive(name)
		if err != nil {
			return false, err
		}
		t["name"] = ct
		encrypted = true
	}
	return encrypted, nil
}

func queryValue(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprint(v)
}

func gatewayResult(err error) string {
	if err == nil {
		return "ok"
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return "rejected"
	}
	return "error"
}
