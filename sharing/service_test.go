package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"profitshare/domain"
	"profitshare/payload"
	"profitshare/store"
	"profitshare/wechat"
)

// fakeGateway answers through MockGateway unless an override is set for the operation.
type fakeGateway struct {
	*wechat.MockGateway

	mu        sync.Mutex
	calls     map[domain.OperationType]int
	overrides map[domain.OperationType]func(payload.Payload) (json.RawMessage, error)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		MockGateway: wechat.NewMockGateway(),
		calls:       map[domain.OperationType]int{},
		overrides:   map[domain.OperationType]func(payload.Payload) (json.RawMessage, error){},
	}
}

func (g *fakeGateway) Submit(ctx context.Context, op domain.OperationType, p payload.Payload) (json.RawMessage, error) {
	g.mu.Lock()
	g.calls[op]++
	fn := g.overrides[op]
	g.mu.Unlock()
	if fn != nil {
		return fn(p)
	}
	return g.MockGateway.Submit(ctx, op, p)
}

func (g *fakeGateway) override(op domain.OperationType, fn func(payload.Payload) (json.RawMessage, error)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if fn == nil {
		delete(g.overrides, op)
		return
	}
	g.overrides[op] = fn
}

func (g *fakeGateway) count(op domain.OperationType) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *recordingQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	q.ids = append(q.ids, id)
	q.mu.Unlock()
	return nil
}

type fixture struct {
	svc   *Service
	gw    *fakeGateway
	clock *testClock
	queue *recordingQueue
	logs  *store.MemoryOperationLogs
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		gw:    newFakeGateway(),
		clock: &testClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.FixedZone("CST", 8*3600))},
		queue: &recordingQueue{},
		logs:  store.NewMemoryOperationLogs(),
	}
	svc, err := New(Deps{
		Gateway: f.gw,
		Orders:  store.NewMemoryOrders(),
		Returns: store.NewMemoryReturns(),
		Bills:   store.NewMemoryBillTasks(),
		Logs:    f.logs,
		Queue:   f.queue,
		Now:     f.clock.Now,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) logsOf(t *testing.T, op domain.OperationType) []*domain.ProfitShareOperationLog {
	t.Helper()
	out, err := f.svc.ListOperationLogs(context.Background(), domain.OperationLogFilter{Type: op})
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	return out
}

const (
	testSub = "1900000109"
	testTx  = "4208450740201411110007820472"
)

func orderRequest(t *testing.T, outOrderNo string) *payload.OrderRequest {
	t.Helper()
	r, err := payload.NewOrderRequest(payload.OrderParams{
		SubMchID:      testSub,
		TransactionID: testTx,
		OutOrderNo:    outOrderNo,
		Receivers: []payload.ReceiverItem{
			{Type: domain.ReceiverTypeMerchantID, Account: "1900000110", Amount: 100, Description: "分给商户"},
			{Type: domain.ReceiverTypePersonalOpenID, Account: "oUpF8uMuAJO_M2pxb1Q9zNjWeS6o", Amount: 50, Description: "分给个人"},
		},
	})
	if err != nil {
		t.Fatalf("order request: %v", err)
	}
	return r
}

func notification(outOrderNo string, t domain.ReceiverType, account string, result domain.ReceiverResult) *domain.ReceiverNotification {
	return &domain.ReceiverNotification{
		SubMchID:        testSub,
		TransactionID:   testTx,
		OutOrderNo:      outOrderNo,
		ReceiverType:    t,
		ReceiverAccount: account,
		Result:          result,
	}
}

func TestRequestOrderLogsOnceAndRejectsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := f.svc.RequestOrder(ctx, orderRequest(t, "P1"))
	if err != nil {
		t.Fatalf("request order: %v", err)
	}
	if o.State != domain.OrderStateProcessing || o.OrderID == "" {
		t.Fatalf("order=%+v", o)
	}
	if got := len(f.logsOf(t, domain.OpRequestOrder)); got != 1 {
		t.Fatalf("logs=%d, want 1", got)
	}

	_, err = f.svc.RequestOrder(ctx, orderRequest(t, "P1"))
	if !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("duplicate err=%v, want conflict", err)
	}
	if n := f.gw.count(domain.OpRequestOrder); n != 1 {
		t.Fatalf("gateway calls=%d, want 1", n)
	}
	if got := len(f.logsOf(t, domain.OpRequestOrder)); got != 1 {
		t.Fatalf("duplicate was logged: %d entries", got)
	}
}

func TestGatewayFailureIsLogged(t *testing.T) {
	f := newFixture(t)
	f.gw.override(domain.OpRequestOrder, func(payload.Payload) (json.RawMessage, error) {
		return nil, domain.GatewayError(&wechat.APIError{StatusCode: 400, Code: "PARAM_ERROR", Message: "参数错误"})
	})
	_, err := f.svc.RequestOrder(context.Background(), orderRequest(t, "P2"))
	if !domain.IsKind(err, domain.KindGateway) {
		t.Fatalf("err=%v, want gateway", err)
	}
	logs := f.logsOf(t, domain.OpRequestOrder)
	if len(logs) != 1 || logs[0].Success || logs[0].ErrorKind != domain.KindGateway {
		t.Fatalf("logs=%+v", logs)
	}
	if _, err := f.svc.GetOrder(context.Background(), testSub, "P2"); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("failed order was stored: %v", err)
	}
}

func TestNotificationSettlesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.RequestOrder(ctx, orderRequest(t, "P3")); err != nil {
		t.Fatal(err)
	}

	o, err := f.svc.HandleNotification(ctx, notification("P3", domain.ReceiverTypeMerchantID, "1900000110", domain.ReceiverResultSuccess))
	if err != nil {
		t.Fatalf("first notification: %v", err)
	}
	if o.State != domain.OrderStateProcessing {
		t.Fatalf("state=%s after one receiver", o.State)
	}
	o, err = f.svc.HandleNotification(ctx, notification("P3", domain.ReceiverTypePersonalOpenID, "oUpF8uMuAJO_M2pxb1Q9zNjWeS6o", domain.ReceiverResultClosed))
	if err != nil {
		t.Fatalf("second notification: %v", err)
	}
	if o.State != domain.OrderStateFinished {
		t.Fatalf("state=%s, want FINISHED", o.State)
	}
	if got := len(f.logsOf(t, domain.OpNotification)); got != 2 {
		t.Fatalf("notification logs=%d, want 2", got)
	}

	_, err = f.svc.HandleNotification(ctx, notification("missing", domain.ReceiverTypeMerchantID, "1900000110", domain.ReceiverResultSuccess))
	if !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("unknown order err=%v", err)
	}
}

func TestQueryOrderRefreshesAndImports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.RequestOrder(ctx, orderRequest(t, "P4")); err != nil {
		t.Fatal(err)
	}
	q, err := payload.NewQueryOrderRequest(testSub, testTx, "P4")
	if err != nil {
		t.Fatal(err)
	}
	o, err := f.svc.QueryOrder(ctx, q)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if o.State != domain.OrderStateFinished || !o.AllReceiversTerminal() {
		t.Fatalf("order=%+v", o)
	}
	if o.Version != 2 {
		t.Fatalf("version=%d, want 2", o.Version)
	}

	// A second service sharing the gateway but not the stores imports the order.
	other := newFixture(t)
	other.svc.gateway = f.gw
	imported, err := other.svc.QueryOrder(ctx, q)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported.Version != 1 || len(imported.Receivers) != 2 || imported.State != domain.OrderStateFinished {
		t.Fatalf("imported=%+v", imported)
	}
}

func TestUnfreezeRequiresTerminalReceivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.RequestOrder(ctx, orderRequest(t, "P5")); err != nil {
		t.Fatal(err)
	}
	u, err := payload.NewUnfreezeRequest(payload.UnfreezeParams{
		SubMchID:      testSub,
		TransactionID: testTx,
		OutOrderNo:    "U5",
		Description:   "解冻全部剩余资金",
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Unfreeze(ctx, u); !domain.IsKind(err, domain.KindInvalidStateTransition) {
		t.Fatalf("err=%v, want invalid transition", err)
	}
	if n := f.gw.count(domain.OpUnfreeze); n != 0 {
		t.Fatalf("gateway called %d times", n)
	}
	if logs := f.logsOf(t, domain.OpUnfreeze); len(logs) != 1 || logs[0].Success {
		t.Fatalf("logs=%+v", logs)
	}

	for _, n := range []*domain.ReceiverNotification{
		notification("P5", domain.ReceiverTypeMerchantID, "1900000110", domain.ReceiverResultSuccess),
		notification("P5", domain.ReceiverTypePersonalOpenID, "oUpF8uMuAJO_M2pxb1Q9zNjWeS6o", domain.ReceiverResultSuccess),
	} {
		if _, err := f.svc.HandleNotification(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	rec, err := f.svc.Unfreeze(ctx, u)
	if err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if !rec.Unfreeze || !rec.UnfreezeUnsplit {
		t.Fatalf("unfreeze record=%+v", rec)
	}
	if _, err := f.svc.Unfreeze(ctx, u); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("repeat unfreeze err=%v", err)
	}
}

func TestReturnLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := payload.NewReturnRequest(payload.ReturnParams{
		SubMchID:    testSub,
		OutOrderNo:  "P6",
		OutReturnNo: "R6",
		ReturnMchID: "1900000110",
		Amount:      10,
		Description: "用户退款",
	})
	if err != nil {
		t.Fatal(err)
	}
	ret, err := f.svc.RequestReturn(ctx, r)
	if err != nil {
		t.Fatalf("request return: %v", err)
	}
	if ret.Result != domain.ReturnResultPending || ret.ReturnID == "" {
		t.Fatalf("return=%+v", ret)
	}
	if _, err := f.svc.RequestReturn(ctx, r); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("duplicate return err=%v", err)
	}

	q, err := payload.NewQueryReturnRequest(testSub, "", "P6", "R6")
	if err != nil {
		t.Fatal(err)
	}
	ret, err = f.svc.QueryReturn(ctx, q)
	if err != nil {
		t.Fatalf("query return: %v", err)
	}
	if ret.Result != domain.ReturnResultSuccess || ret.FinishTime == nil {
		t.Fatalf("return=%+v", ret)
	}
}

func applyBill(t *testing.T, f *fixture) *domain.ProfitShareBillTask {
	t.Helper()
	r, err := payload.NewBillRequest(testSub, f.clock.Now(), "")
	if err != nil {
		t.Fatal(err)
	}
	task, err := f.svc.ApplyBill(context.Background(), r)
	if err != nil {
		t.Fatalf("apply bill: %v", err)
	}
	return task
}

func TestBillDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := applyBill(t, f)
	if task.Status != domain.BillStatusReady || task.ExpiresAt == nil {
		t.Fatalf("task=%+v", task)
	}
	if len(f.queue.ids) != 1 || f.queue.ids[0] != task.ID {
		t.Fatalf("queued=%v", f.queue.ids)
	}

	dir := t.TempDir()
	task, err := f.svc.DownloadBill(ctx, task.ID, dir)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if task.Status != domain.BillStatusDownloaded {
		t.Fatalf("status=%s", task.Status)
	}
	b, err := os.ReadFile(task.LocalPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != wechat.MockBill {
		t.Fatalf("bill content mismatch")
	}
	if filepath.Dir(task.LocalPath) != dir {
		t.Fatalf("path=%s", task.LocalPath)
	}

	task, err = f.svc.RecordBillArchive(ctx, task.ID, "bills/a.csv", "bills/a.xlsx")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if task.ObjectKey != "bills/a.csv" || task.ExportKey != "bills/a.xlsx" {
		t.Fatalf("task=%+v", task)
	}
}

func TestBillHashMismatchFails(t *testing.T) {
	f := newFixture(t)
	f.gw.override(domain.OpApplyBill, func(p payload.Payload) (json.RawMessage, error) {
		return json.RawMessage(`{"download_url":"mock://bills/x","hash_type":"SHA1","hash_value":"0000000000000000000000000000000000000000"}`), nil
	})
	task := applyBill(t, f)

	dir := t.TempDir()
	task, err := f.svc.DownloadBill(context.Background(), task.ID, dir)
	if !domain.IsKind(err, domain.KindIntegrity) {
		t.Fatalf("err=%v, want integrity", err)
	}
	if task.Status != domain.BillStatusFailed {
		t.Fatalf("status=%s, want FAILED", task.Status)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("files left behind: %v", entries)
	}
	logs := f.logsOf(t, domain.OpDownloadBill)
	if len(logs) != 1 || logs[0].ErrorKind != domain.KindIntegrity {
		t.Fatalf("logs=%+v", logs)
	}
}

func TestBillNotReadyStaysPending(t *testing.T) {
	f := newFixture(t)
	f.gw.override(domain.OpApplyBill, func(payload.Payload) (json.RawMessage, error) {
		return nil, domain.GatewayError(&wechat.APIError{StatusCode: 400, Code: "STATEMENT_CREATING", Message: "账单生成中"})
	})
	r, err := payload.NewBillRequest(testSub, f.clock.Now(), "")
	if err != nil {
		t.Fatal(err)
	}
	task, err := f.svc.ApplyBill(context.Background(), r)
	if !domain.IsKind(err, domain.KindGateway) {
		t.Fatalf("err=%v", err)
	}
	if task.Status != domain.BillStatusPending {
		t.Fatalf("status=%s, want PENDING", task.Status)
	}

	f.gw.override(domain.OpApplyBill, nil)
	task, err = f.svc.RetryBill(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if task.Status != domain.BillStatusReady {
		t.Fatalf("status=%s after retry", task.Status)
	}
}

func TestBillExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := applyBill(t, f)
	second := applyBill(t, f)

	f.clock.Advance(domain.DefaultBillURLTTL + time.Second)

	task, err := f.svc.DownloadBill(ctx, first.ID, t.TempDir())
	if !domain.IsKind(err, domain.KindInvalidStateTransition) {
		t.Fatalf("err=%v, want invalid transition", err)
	}
	if task.Status != domain.BillStatusExpired {
		t.Fatalf("status=%s", task.Status)
	}

	n, err := f.svc.ExpireBills(ctx)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired=%d, want 1", n)
	}
	got, err := f.svc.GetBill(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.BillStatusExpired || got.DownloadURL != "" {
		t.Fatalf("task=%+v", got)
	}
}

func TestQueriesAndReceivers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ra, err := payload.NewRemainingAmountRequest(testTx)
	if err != nil {
		t.Fatal(err)
	}
	amt, err := f.svc.QueryRemainingAmount(ctx, ra)
	if err != nil || amt.UnsplitAmount != 1000 || amt.TransactionID != testTx {
		t.Fatalf("remaining=%+v err=%v", amt, err)
	}

	mr, err := payload.NewMaxRatioRequest(testSub)
	if err != nil {
		t.Fatal(err)
	}
	ratio, err := f.svc.QueryMaxRatio(ctx, mr)
	if err != nil || ratio.MaxRatio != 3000 {
		t.Fatalf("ratio=%+v err=%v", ratio, err)
	}

	add, err := payload.NewReceiverAddRequest(payload.ReceiverParams{
		SubMchID:     testSub,
		Type:         domain.ReceiverTypeMerchantID,
		Account:      "1900000110",
		Name:         "示例商户",
		RelationType: domain.RelationStore,
	})
	if err != nil {
		t.Fatal(err)
	}
	rel, err := f.svc.AddReceiver(ctx, add)
	if err != nil || rel.Account != "1900000110" || rel.RelationType != domain.RelationStore {
		t.Fatalf("relation=%+v err=%v", rel, err)
	}
	logs := f.logsOf(t, domain.OpAddReceiver)
	if len(logs) != 1 || logs[0].EntityKey != "receiver:"+testSub+":MERCHANT_ID:1900000110" {
		t.Fatalf("logs=%+v", logs)
	}
	if strings.Contains(string(logs[0].Request), "示例商户") {
		t.Fatalf("receiver name stored in log: %s", logs[0].Request)
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func unfreezeRequest(t *testing.T, outOrderNo string) *payload.UnfreezeRequest {
	t.Helper()
	u, err := payload.NewUnfreezeRequest(payload.UnfreezeParams{
		SubMchID:      testSub,
		TransactionID: testTx,
		OutOrderNo:    outOrderNo,
		Description:   "解冻全部剩余资金",
	})
	if err != nil {
		t.Fatal(err)
	}
	return u
}

// settledOrder stores a PROCESSING order whose receivers already succeeded, the state a
// sibling is in when the gateway settled it but nothing refreshed the local copy yet.
func settledOrder(t *testing.T, f *fixture, outOrderNo string) {
	t.Helper()
	now := f.clock.Now()
	o := &domain.ProfitShareOrder{
		SubMchID:      testSub,
		TransactionID: testTx,
		OutOrderNo:    outOrderNo,
		State:         domain.OrderStateProcessing,
		Receivers: []domain.ProfitShareReceiver{{
			Type: domain.ReceiverTypeMerchantID, Account: "1900000110", Amount: 100,
			Description: "分给商户", Result: domain.ReceiverResultSuccess,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := f.svc.orders.Create(context.Background(), o); err != nil {
		t.Fatal(err)
	}
}

func TestUnfreezeStoresGatewayReceiverLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	settledOrder(t, f, "P7")

	rec, err := f.svc.Unfreeze(ctx, unfreezeRequest(t, "U7"))
	if err != nil {
		t.Fatalf("unfreeze: %v", err)
	}
	if n := f.gw.count(domain.OpUnfreeze); n != 1 {
		t.Fatalf("gateway calls=%d", n)
	}
	stored, err := f.svc.GetOrder(ctx, testSub, "U7")
	if err != nil {
		t.Fatalf("unfreeze record not stored: %v", err)
	}
	if len(stored.Receivers) != 1 || len(rec.Receivers) != 1 {
		t.Fatalf("receivers=%+v", stored.Receivers)
	}
	line := stored.Receivers[0]
	if line.Type != domain.ReceiverTypeMerchantID || line.Account != testSub || line.Description != wechat.UnfreezeLineDescription || line.Amount != 1000 {
		t.Fatalf("line=%+v", line)
	}
	logs := f.logsOf(t, domain.OpUnfreeze)
	if len(logs) != 1 || !logs[0].Success {
		t.Fatalf("logs=%+v", logs)
	}
	if sib, _ := f.svc.GetOrder(ctx, testSub, "P7"); sib.State != domain.OrderStateFinished {
		t.Fatalf("sibling state=%s", sib.State)
	}
}

// saveFailingOrders refuses to save one order.
type saveFailingOrders struct {
	store.Orders
	outOrderNo string
}

func (s *saveFailingOrders) Save(ctx context.Context, o *domain.ProfitShareOrder) error {
	if o.OutOrderNo == s.outOrderNo {
		return errors.New("database is locked")
	}
	return s.Orders.Save(ctx, o)
}

func TestUnfreezeSiblingFailureKeepsGatewayOutcome(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	settledOrder(t, f, "P8a")
	settledOrder(t, f, "P8b")
	f.svc.orders = &saveFailingOrders{Orders: f.svc.orders, outOrderNo: "P8a"}

	rec, err := f.svc.Unfreeze(ctx, unfreezeRequest(t, "U8"))
	if err != nil || rec == nil {
		t.Fatalf("unfreeze rec=%v err=%v", rec, err)
	}
	logs := f.logsOf(t, domain.OpUnfreeze)
	if len(logs) != 1 || !logs[0].Success || logs[0].ErrorMessage != "" {
		t.Fatalf("logs=%+v", logs)
	}
	if o, _ := f.svc.GetOrder(ctx, testSub, "P8a"); o.State != domain.OrderStateProcessing {
		t.Fatalf("P8a state=%s", o.State)
	}
	if o, _ := f.svc.GetOrder(ctx, testSub, "P8b"); o.State != domain.OrderStateFinished {
		t.Fatalf("P8b state=%s", o.State)
	}
}

func TestQueryOrderKeepsUnfreezeLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.RequestOrder(ctx, orderRequest(t, "P9")); err != nil {
		t.Fatal(err)
	}
	f.gw.override(domain.OpQueryOrder, func(payload.Payload) (json.RawMessage, error) {
		return mustJSON(t, map[string]any{
			"sub_mchid": testSub, "transaction_id": testTx, "out_order_no": "P9", "order_id": "3008450740201411110007820472",
			"state": "FINISHED",
			"receivers": []map[string]any{
				{"type": "MERCHANT_ID", "account": "1900000110", "amount": 100, "description": "分给商户", "result": "SUCCESS"},
				{"type": "PERSONAL_OPENID", "account": "oUpF8uMuAJO_M2pxb1Q9zNjWeS6o", "amount": 50, "description": "分给个人", "result": "SUCCESS"},
				{"type": "MERCHANT_ID", "account": testSub, "amount": 850, "description": wechat.UnfreezeLineDescription, "result": "SUCCESS"},
			},
		}), nil
	})
	q, err := payload.NewQueryOrderRequest(testSub, testTx, "P9")
	if err != nil {
		t.Fatal(err)
	}
	o, err := f.svc.QueryOrder(ctx, q)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	stored, _ := f.svc.GetOrder(ctx, testSub, "P9")
	if o.State != domain.OrderStateFinished || stored.State != domain.OrderStateFinished || len(stored.Receivers) != 3 {
		t.Fatalf("stored=%+v", stored)
	}
	if r := stored.Receiver(domain.ReceiverTypeMerchantID, testSub); r == nil || r.Result != domain.ReceiverResultSuccess {
		t.Fatalf("unfreeze line=%+v", r)
	}
}

func TestRequestOrderStoredDespiteUnreadableLine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gw.override(domain.OpRequestOrder, func(payload.Payload) (json.RawMessage, error) {
		return mustJSON(t, map[string]any{
			"sub_mchid": testSub, "transaction_id": testTx, "out_order_no": "P10", "order_id": "3008450740201411110007820473",
			"state": "PROCESSING",
			"receivers": []map[string]any{
				{"type": "MERCHANT_ID", "account": "1900000110", "amount": 100, "result": "PENDING"},
				{"type": "BANK_CARD", "account": "6222", "amount": 1, "result": "PENDING"},
			},
		}), nil
	})
	o, err := f.svc.RequestOrder(ctx, orderRequest(t, "P10"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if o.OrderID != "3008450740201411110007820473" {
		t.Fatalf("order=%+v", o)
	}
	if _, err := f.svc.GetOrder(ctx, testSub, "P10"); err != nil {
		t.Fatalf("accepted order not stored: %v", err)
	}
	if logs := f.logsOf(t, domain.OpRequestOrder); len(logs) != 1 || !logs[0].Success {
		t.Fatalf("logs=%+v", logs)
	}
}

func TestQueryOrderRefusedTransitionLeavesOrderUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.RequestOrder(ctx, orderRequest(t, "P11")); err != nil {
		t.Fatal(err)
	}
	for _, n := range []*domain.ReceiverNotification{
		notification("P11", domain.ReceiverTypeMerchantID, "1900000110", domain.ReceiverResultClosed),
		notification("P11", domain.ReceiverTypePersonalOpenID, "oUpF8uMuAJO_M2pxb1Q9zNjWeS6o", domain.ReceiverResultClosed),
	} {
		if _, err := f.svc.HandleNotification(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	before, _ := f.svc.GetOrder(ctx, testSub, "P11")
	if before.State != domain.OrderStateClosed {
		t.Fatalf("state=%s, want CLOSED", before.State)
	}

	q, err := payload.NewQueryOrderRequest(testSub, testTx, "P11")
	if err != nil {
		t.Fatal(err)
	}
	// The mock reports FINISHED with every receiver SUCCESS.
	_, err = f.svc.QueryOrder(ctx, q)
	if !domain.IsKind(err, domain.KindInvalidStateTransition) {
		t.Fatalf("err=%v, want invalid transition", err)
	}
	logs := f.logsOf(t, domain.OpQueryOrder)
	if len(logs) != 1 || logs[0].Success || logs[0].ErrorKind != domain.KindInvalidStateTransition {
		t.Fatalf("logs=%+v", logs)
	}
	after, _ := f.svc.GetOrder(ctx, testSub, "P11")
	if after.State != domain.OrderStateClosed || after.Version != before.Version {
		t.Fatalf("state=%s version=%d, want CLOSED/%d", after.State, after.Version, before.Version)
	}
	for _, r := range after.Receivers {
		if r.Result != domain.ReceiverResultClosed {
			t.Fatalf("receiver=%+v", r)
		}
	}
}

func TestQueryReturnRefusedTransitionLeavesReturnUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := payload.NewReturnRequest(payload.ReturnParams{
		SubMchID:    testSub,
		OutOrderNo:  "P12",
		OutReturnNo: "R12",
		ReturnMchID: "1900000110",
		Amount:      10,
		Description: "用户退款",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RequestReturn(ctx, r); err != nil {
		t.Fatal(err)
	}
	q, err := payload.NewQueryReturnRequest(testSub, "", "P12", "R12")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.QueryReturn(ctx, q); err != nil {
		t.Fatal(err)
	}
	before, _ := f.svc.GetReturn(ctx, testSub, "R12")
	if before.Result != domain.ReturnResultSuccess {
		t.Fatalf("result=%s", before.Result)
	}

	f.gw.override(domain.OpQueryReturn, func(payload.Payload) (json.RawMessage, error) {
		return mustJSON(t, map[string]any{
			"sub_mchid": testSub, "out_order_no": "P12", "out_return_no": "R12", "return_id": before.ReturnID,
			"return_mchid": "1900000110", "amount": 10, "result": "FAILED", "fail_reason": "ACCOUNT_ABNORMAL",
		}), nil
	})
	if _, err := f.svc.QueryReturn(ctx, q); !domain.IsKind(err, domain.KindInvalidStateTransition) {
		t.Fatalf("err=%v, want invalid transition", err)
	}
	logs := f.logsOf(t, domain.OpQueryReturn)
	failed := 0
	for _, l := range logs {
		if !l.Success {
			failed++
			if l.ErrorKind != domain.KindInvalidStateTransition {
				t.Fatalf("log=%+v", l)
			}
		}
	}
	if len(logs) != 2 || failed != 1 {
		t.Fatalf("logs=%d failed=%d", len(logs), failed)
	}
	after, _ := f.svc.GetReturn(ctx, testSub, "R12")
	if after.Result != domain.ReturnResultSuccess || after.Version != before.Version || after.FailReason != "" {
		t.Fatalf("return=%+v, want SUCCESS at version %d", after, before.Version)
	}
}

func TestOperationLogMasksReceiverName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, err := payload.NewOrderRequest(payload.OrderParams{
		SubMchID:      testSub,
		TransactionID: testTx,
		OutOrderNo:    "P13",
		Receivers: []payload.ReceiverItem{
			{Type: domain.ReceiverTypePersonalOpenID, Account: "oUpF8uMuAJO_M2pxb1Q9zNjWeS6o", Name: "张三", Amount: 50, Description: "分给个人"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.RequestOrder(ctx, r); err != nil {
		t.Fatal(err)
	}
	logs := f.logsOf(t, domain.OpRequestOrder)
	if len(logs) != 1 {
		t.Fatalf("logs=%d", len(logs))
	}
	req := string(logs[0].Request)
	if strings.Contains(req, "张三") || !strings.Contains(req, `"name":"***"`) {
		t.Fatalf("request=%s", req)
	}
	if !strings.Contains(req, "oUpF8uMuAJO_M2pxb1Q9zNjWeS6o") {
		t.Fatalf("account dropped: %s", req)
	}
}
