// Package sharing runs the profit sharing lifecycle. Every operation is one unit of work:
// build the payload, serialize on the entity, call the gateway, apply the resulting
// transition, persist, and append exactly one operation log entry for the attempt.
//
// Construction errors (domain.KindInvalidArgument from the payload builders) happen before
// a Service method is called and are never logged.
package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"profitshare/domain"
	"profitshare/obs"
	"profitshare/payload"
	"profitshare/redislock"
	"profitshare/store"
)

// Gateway submits one operation to WeChat Pay and returns the raw response body.
type Gateway interface {
	Submit(ctx context.Context, op domain.OperationType, p payload.Payload) (json.RawMessage, error)
}

// BillDownloader fetches a bill to req.LocalPath and verifies its hash.
type BillDownloader interface {
	DownloadBill(ctx context.Context, req *payload.BillDownloadRequest) error
}

// Locker serializes mutations of one entity. The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// BillQueue receives ids of bill tasks that became READY.
type BillQueue interface {
	Enqueue(ctx context.Context, taskID string) error
}

type (
	OrderFilter  = store.OrderFilter
	ReturnFilter = store.ReturnFilter
)

type Deps struct {
	Gateway    Gateway
	Downloader BillDownloader
	Orders     store.Orders
	Returns    store.Returns
	Bills      store.BillTasks
	Logs       store.OperationLogs

	// Optional.
	Locker     Locker
	Queue      BillQueue
	Logger     *slog.Logger
	Now        func() time.Time
	BillURLTTL time.Duration
}

type Service struct {
	gateway    Gateway
	downloader BillDownloader
	orders     store.Orders
	returns    store.Returns
	bills      store.BillTasks
	logs       store.OperationLogs
	locker     Locker
	queue      BillQueue
	log        *slog.Logger
	now        func() time.Time
	billURLTTL time.Duration
}

func New(d Deps) (*Service, error) {
	if d.Gateway == nil {
		return nil, errors.New("sharing: gateway 未配置")
	}
	if d.Orders == nil || d.Returns == nil || d.Bills == nil || d.Logs == nil {
		return nil, errors.New("sharing: store 未配置")
	}
	s := &Service{
		gateway:    d.Gateway,
		downloader: d.Downloader,
		orders:     d.Orders,
		returns:    d.Returns,
		bills:      d.Bills,
		logs:       d.Logs,
		locker:     d.Locker,
		queue:      d.Queue,
		log:        d.Logger,
		now:        d.Now,
		billURLTTL: d.BillURLTTL,
	}
	if s.locker == nil {
		s.locker = redislock.NewLocal()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.billURLTTL <= 0 {
		s.billURLTTL = domain.DefaultBillURLTTL
	}
	if s.downloader == nil {
		if dl, ok := d.Gateway.(BillDownloader); ok {
			s.downloader = dl
		}
	}
	return s, nil
}

func orderLockKey(subMchID, outOrderNo string) string {
	return "order:" + subMchID + ":" + outOrderNo
}

func returnLockKey(subMchID, outReturnNo string) string {
	return "return:" + subMchID + ":" + outReturnNo
}

func billLockKey(id string) string {
	return "bill:" + id
}

// attempt is the audit record of one operation; finish writes it exactly once.
type attempt struct {
	op        domain.OperationType
	subMchID  string
	entityKey string
	request   any
	response  json.RawMessage
}

// begin opens the audit record. A payload request is stored with receiver names masked.
func (s *Service) begin(op domain.OperationType, subMchID, entityKey string, request any) *attempt {
	if p, ok := request.(payload.Payload); ok {
		request = p.Redacted()
	}
	return &attempt{op: op, subMchID: subMchID, entityKey: entityKey, request: request}
}

// finish appends the log entry for a and returns err unchanged. A failing log store is
// reported but never replaces the operation's own outcome.
func (s *Service) finish(ctx context.Context, a *attempt, err error) error {
	entry := &domain.ProfitShareOperationLog{
		Type:      a.op,
		SubMchID:  a.subMchID,
		EntityKey: a.entityKey,
		Success:   err == nil,
		CreatedAt: s.now(),
	}
	if len(a.response) > 0 {
		if json.Valid(a.response) {
			entry.Response = a.response
		} else if b, mErr := json.Marshal(string(a.response)); mErr == nil {
			entry.Response = b
		}
	}
	if a.request != nil {
		if b, mErr := json.Marshal(a.request); mErr == nil {
			entry.Request = b
		} else {
			s.log.Warn("marshal operation request failed", "op", a.op, "err", mErr)
		}
	}
	if err != nil {
		entry.ErrorKind = domain.KindOf(err)
		entry.ErrorMessage = err.Error()
	}
	// The log must survive a cancelled request context.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if lErr := s.logs.Append(logCtx, entry); lErr != nil {
		s.log.Error("append operation log failed", "op", a.op, "entity", a.entityKey, "err", lErr)
	}
	if err != nil {
		s.log.Warn("profit sharing operation failed", "op", a.op, "entity", a.entityKey, "kind", entry.ErrorKind, "err", err)
	} else {
		s.log.Info("profit sharing operation", "op", a.op, "entity", a.entityKey)
	}
	return err
}

// submit calls the gateway and keeps the raw response on the attempt.
func (s *Service) submit(ctx context.Context, a *attempt, p payload.Payload) (json.RawMessage, error) {
	ctx, end := obs.StartGatewaySpan(ctx, string(a.op), a.subMchID, a.entityKey)
	raw, err := s.gateway.Submit(ctx, a.op, p)
	end(err)
	if err == nil {
		a.response = raw
	}
	return raw, err
}

func (s *Service) ListOperationLogs(ctx context.Context, f domain.OperationLogFilter) ([]*domain.ProfitShareOperationLog, error) {
	return s.logs.List(ctx, f)
}
