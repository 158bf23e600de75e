// Package api exposes the profit sharing service over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"profitshare/domain"
	"profitshare/payload"
	"profitshare/sharing"
)

const maxBodyBytes = 1 << 20

// NotificationParser verifies and decrypts a gateway callback; *wechat.Client implements it.
type NotificationParser interface {
	ParseNotification(h http.Header, body []byte) (*domain.ReceiverNotification, error)
}

// Signer issues download links for archived bill files; *ossstore.Store implements it.
type Signer interface {
	Enabled() bool
	SignDownloadURL(objectKey, downloadFilename string) (string, error)
}

type Server struct {
	svc     *sharing.Service
	notify  NotificationParser
	signer  Signer
	tmpRoot string
	log     *slog.Logger
}

// New builds the HTTP layer. notify and signer may be nil: the callback route then
// answers 503 and archive links are unavailable.
func New(svc *sharing.Service, notify NotificationParser, signer Signer, tmpRoot string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(tmpRoot) == "" {
		tmpRoot = "./tmp"
	}
	return &Server{svc: svc, notify: notify, signer: signer, tmpRoot: tmpRoot, log: log.With("component", "api")}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /profitsharing/orders", s.handleRequestOrder)
	mux.HandleFunc("GET /profitsharing/orders", s.handleListOrders)
	mux.HandleFunc("POST /profitsharing/orders/unfreeze", s.handleUnfreeze)
	mux.HandleFunc("GET /profitsharing/orders/{subMchId}/{outOrderNo}", s.handleGetOrder)
	mux.HandleFunc("POST /profitsharing/orders/{subMchId}/{outOrderNo}/query", s.handleQueryOrder)

	mux.HandleFunc("POST /profitsharing/return-orders", s.handleRequestReturn)
	mux.HandleFunc("GET /profitsharing/return-orders", s.handleListReturns)
	mux.HandleFunc("GET /profitsharing/return-orders/{subMchId}/{outReturnNo}", s.handleGetReturn)
	mux.HandleFunc("POST /profitsharing/return-orders/{subMchId}/{outReturnNo}/query", s.handleQueryReturn)

	mux.HandleFunc("GET /profitsharing/transactions/{transactionId}/amounts", s.handleRemainingAmount)
	mux.HandleFunc("GET /profitsharing/merchant-configs/{subMchId}", s.handleMaxRatio)
	mux.HandleFunc("POST /profitsharing/receivers/add", s.handleAddReceiver)
	mux.HandleFunc("POST /profitsharing/receivers/delete", s.handleDeleteReceiver)

	mux.HandleFunc("POST /profitsharing/bills", s.handleApplyBill)
	mux.HandleFunc("GET /profitsharing/bills", s.handleListBills)
	mux.HandleFunc("POST /profitsharing/bills/expire", s.handleExpireBills)
	mux.HandleFunc("GET /profitsharing/bills/{id}", s.handleGetBill)
	mux.HandleFunc("POST /profitsharing/bills/{id}/retry", s.handleRetryBill)
	mux.HandleFunc("POST /profitsharing/bills/{id}/download", s.handleDownloadBill)
	mux.HandleFunc("GET /profitsharing/bills/{id}/archive", s.handleBillArchive)

	mux.HandleFunc("GET /profitsharing/operation-logs", s.handleOperationLogs)

	mux.HandleFunc("POST /wechatpay/profitsharing/notify", s.handleNotify)
}

type receiverBody struct {
	Type        string `json:"type"`
	Account     string `json:"account"`
	Name        string `json:"name,omitempty"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type orderBody struct {
	SubMchID        string         `json:"subMchId"`
	TransactionID   string         `json:"transactionId"`
	OutOrderNo      string         `json:"outOrderNo"`
	UnfreezeUnsplit bool           `json:"unfreezeUnsplit"`
	AppID           string         `json:"appId,omitempty"`
	SubAppID        string         `json:"subAppId,omitempty"`
	Receivers       []receiverBody `json:"receivers"`
}

func (s *Server) handleRequestOrder(w http.ResponseWriter, r *http.Request) {
	var body orderBody
	if !decodeBody(w, r, &body) {
		return
	}
	items := make([]payload.ReceiverItem, 0, len(body.Receivers))
	for _, rb := range body.Receivers {
		t, err := domain.ParseReceiverType(rb.Type)
		if err != nil {
			s.writeError(w, err)
			return
		}
		item, err := payload.NewReceiverItem(t, rb.Account, rb.Name, rb.Amount, rb.Description)
		if err != nil {
			s.writeError(w, err)
			return
		}
		items = append(items, item)
	}
	req, err := payload.NewOrderRequest(payload.OrderParams{
		SubMchID:        body.SubMchID,
		TransactionID:   body.TransactionID,
		OutOrderNo:      body.OutOrderNo,
		UnfreezeUnsplit: body.UnfreezeUnsplit,
		AppID:           body.AppID,
		SubAppID:        body.SubAppID,
		Receivers:       items,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	o, err := s.svc.RequestOrder(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := sharing.OrderFilter{
		SubMchID:      strings.TrimSpace(q.Get("subMchId")),
		TransactionID: strings.TrimSpace(q.Get("transactionId")),
		Limit:         queryInt(q.Get("limit")),
	}
	if v := q.Get("state"); v != "" {
		st, err := domain.ParseOrderState(v)
		if err != nil {
			s.writeError(w, err)
			return
		}
		f.State = st
	}
	orders, err := s.svc.ListOrders(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.svc.GetOrder(r.Context(), r.PathValue("subMchId"), r.PathValue("outOrderNo"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleQueryOrder(w http.ResponseWriter, r *http.Request) {
	q, err := payload.NewQueryOrderRequest(r.PathValue("subMchId"), r.URL.Query().Get("transactionId"), r.PathValue("outOrderNo"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	o, err := s.svc.QueryOrder(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type unfreezeBody struct {
	SubMchID        string `json:"subMchId"`
	TransactionID   string `json:"transactionId"`
	OutOrderNo      string `json:"outOrderNo"`
	Description     string `json:"description"`
	UnfreezeUnsplit bool   `json:"unfreezeUnsplit"`
}

func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	var body unfreezeBody
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := payload.NewUnfreezeRequest(payload.UnfreezeParams(body))
	if err != nil {
		s.writeError(w, err)
		return
	}
	o, err := s.svc.Unfreeze(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type returnBody struct {
	SubMchID    string `json:"subMchId"`
	OrderID     string `json:"orderId"`
	OutOrderNo  string `json:"outOrderNo"`
	OutReturnNo string `json:"outReturnNo"`
	ReturnMchID string `json:"returnMchId"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) handleRequestReturn(w http.ResponseWriter, r *http.Request) {
	var body returnBody
	if !decodeBody(w, r, &body) {
		return
	}
	req, err := payload.NewReturnRequest(payload.ReturnParams(body))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ro, err := s.svc.RequestReturn(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

func (s *Server) handleListReturns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := s.svc.ListReturns(r.Context(), sharing.ReturnFilter{
		SubMchID:   strings.TrimSpace(q.Get("subMchId")),
		OutOrderNo: strings.TrimSpace(q.Get("outOrderNo")),
		Limit:      queryInt(q.Get("limit")),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) handleGetReturn(w http.ResponseWriter, r *http.Request) {
	ro, err := s.svc.GetReturn(r.Context(), r.PathValue("subMchId"), r.PathValue("outReturnNo"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

func (s *Server) handleQueryReturn(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()
	q, err := payload.NewQueryReturnRequest(r.PathValue("subMchId"), qs.Get("orderId"), qs.Get("outOrderNo"), r.PathValue("outReturnNo"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ro, err := s.svc.QueryReturn(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ro)
}

func (s *Server) handleRemainingAmount(w http.ResponseWriter, r *http.Request) {
	req, err := payload.NewRemainingAmountRequest(r.PathValue("transactionId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.svc.QueryRemainingAmount(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMaxRatio(w http.ResponseWriter, r *http.Request) {
	req, err := payload.NewMaxRatioRequest(r.PathValue("subMchId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.svc.QueryMaxRatio(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type receiverRelationBody struct {
	SubMchID       string `json:"subMchId"`
	AppID          string `json:"appId"`
	SubAppID       string `json:"subAppId,omitempty"`
	Type           string `json:"type"`
	Account        string `json:"account"`
	Name           string `json:"name,omitempty"`
	RelationType   string `json:"relationType,omitempty"`
	CustomRelation string `json:"customRelation,omitempty"`
}

func (b receiverRelationBody) params(withRelation bool) (payload.ReceiverParams, error) {
	t, err := domain.ParseReceiverType(b.Type)
	if err != nil {
		return payload.ReceiverParams{}, err
	}
	p := payload.ReceiverParams{
		SubMchID: b.SubMchID,
		AppID:    b.AppID,
		SubAppID: b.SubAppID,
		Type:     t,
		Account:  b.Account,
		Name:     b.Name,
	}
	if withRelation {
		rel, err := domain.ParseRelationType(b.RelationType)
		if err != nil {
			return payload.ReceiverParams{}, err
		}
		p.RelationType = rel
		p.CustomRelation = b.CustomRelation
	}
	return p, nil
}

func (s *Server) handleAddReceiver(w http.ResponseWriter, r *http.Request) {
	var body receiverRelationBody
	if !decodeBody(w, r, &body) {
		return
	}
	p, err := body.params(true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := payload.NewReceiverAddRequest(p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.svc.AddReceiver(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteReceiver(w http.ResponseWriter, r *http.Request) {
	var body receiverRelationBody
	if !decodeBody(w, r, &body) {
		return
	}
	p, err := body.params(false)
	if err != nil {
		s.writeError(w, err)
		return
	}
	req, err := payload.NewReceiverDeleteRequest(p)
	if err != nil {
		s.writeError(w, err)
		return
	}
	out, err := s.svc.DeleteReceiver(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type billBody struct {
	SubMchID string `json:"subMchId,omitempty"`
	// BillDate is yyyy-mm-dd in China Standard Time.
	BillDate string `json:"billDate"`
	TarType  string `json:"tarType,omitempty"`
}

var chinaTZ = time.FixedZone("CST", 8*3600)

func (s *Server) handleApplyBill(w http.ResponseWriter, r *http.Request) {
	var body billBody
	if !decodeBody(w, r, &body) {
		return
	}
	date, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(body.BillDate), chinaTZ)
	if err != nil {
		s.writeError(w, domain.InvalidArgument("billDate 格式应为 yyyy-mm-dd: %q", body.BillDate))
		return
	}
	var tar domain.TarType
	if strings.TrimSpace(body.TarType) != "" {
		if tar, err = domain.ParseTarType(body.TarType); err != nil {
			s.writeError(w, err)
			return
		}
	}
	req, err := payload.NewBillRequest(body.SubMchID, date, tar)
	if err != nil {
		s.writeError(w, err)
		return
	}
	task, err := s.svc.ApplyBill(r.Context(), req)
	if err != nil {
		// Not-ready keeps the task PENDING; the caller gets it back with the error.
		if task != nil {
			writeJSON(w, statusFor(err), map[string]interface{}{"task": task, "error": err.Error(), "kind": domain.KindOf(err)})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleListBills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	st, err := domain.ParseBillStatus(q.Get("status"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	items, err := s.svc.ListBills(r.Context(), st, queryInt(q.Get("limit")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

func (s *Server) handleGetBill(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.GetBill(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRetryBill(w http.ResponseWriter, r *http.Request) {
	task, err := s.svc.RetryBill(r.Context(), r.PathValue("id"))
	if err != nil {
		if task != nil {
			writeJSON(w, statusFor(err), map[string]interface{}{"task": task, "error": err.Error(), "kind": domain.KindOf(err)})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDownloadBill(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.svc.DownloadBill(r.Context(), id, filepath.Join(s.tmpRoot, "bills", id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleExpireBills(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.ExpireBills(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// handleBillArchive answers with a signed OSS link to the archived bill, or the xlsx
// export with ?kind=export. format=json returns {url, filename}; otherwise 302.
func (s *Server) handleBillArchive(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil || !s.signer.Enabled() {
		http.Error(w, "OSS 未启用", http.StatusServiceUnavailable)
		return
	}
	task, err := s.svc.GetBill(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	key := task.ObjectKey
	name := sharing.BillFileName(task)
	if strings.EqualFold(r.URL.Query().Get("kind"), "export") {
		key = task.ExportKey
		name = strings.TrimSuffix(name, filepath.Ext(name)) + ".xlsx"
	}
	if key == "" {
		http.Error(w, "账单尚未归档", http.StatusNotFound)
		return
	}
	signed, err := s.signer.SignDownloadURL(key, name)
	if err != nil {
		s.log.Error("sign bill url failed", "task", task.ID, "err", err)
		http.Error(w, "生成下载链接失败", http.StatusBadGateway)
		return
	}
	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"url": signed, "filename": name})
		return
	}
	http.Redirect(w, r, signed, http.StatusFound)
}

func (s *Server) handleOperationLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.OperationLogFilter{
		SubMchID:  strings.TrimSpace(q.Get("subMchId")),
		EntityKey: strings.TrimSpace(q.Get("entityKey")),
		Limit:     queryInt(q.Get("limit")),
	}
	if v := q.Get("type"); v != "" {
		op, err := domain.ParseOperationType(v)
		if err != nil {
			s.writeError(w, err)
			return
		}
		f.Type = op
	}
	if v := q.Get("success"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, domain.InvalidArgument("success 取值应为 true/false: %q", v))
			return
		}
		f.Success = &b
	}
	for _, tf := range []struct {
		name string
		dst  **time.Time
	}{{"start", &f.StartAt}, {"end", &f.EndAt}} {
		v := q.Get(tf.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, domain.InvalidArgument("%s 应为 RFC3339 时间: %q", tf.name, v))
			return
		}
		*tf.dst = &t
	}
	logs, err := s.svc.ListOperationLogs(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": logs})
}

// statusFor maps a domain error kind to the HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict, domain.KindInvalidStateTransition:
		return http.StatusConflict
	case domain.KindGateway:
		return http.StatusBadGateway
	case domain.KindIntegrity:
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "err", err)
		writeJSON(w, status, map[string]string{"error": "server error"})
		return
	}
	writeJSON(w, status, map[string]interface{}{"error": err.Error(), "kind": domain.KindOf(err)})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		if errors.Is(err, io.EOF) {
			http.Error(w, "empty body", http.StatusBadRequest)
			return false
		}
		http.Error(w, "invalid json", http.StatusBadRequest)
		return false
	}
	return true
}

func queryInt(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func wantsJSON(r *http.Request) bool {
	if strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("format")), "json") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Accept")), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// CORS wraps next with the allow-origin headers the admin frontend needs.
func CORS(allowOrigin string, next http.Handler) http.Handler {
	if allowOrigin == "" {
		allowOrigin = "http://localhost:5173"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
