package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"profitshare/domain"
)

func newOrder(sub, outOrderNo, tx string) *domain.ProfitShareOrder {
	return &domain.ProfitShareOrder{
		SubMchID:      sub,
		TransactionID: tx,
		OutOrderNo:    outOrderNo,
		State:         domain.OrderStateProcessing,
		Receivers: []domain.ProfitShareReceiver{
			{Type: domain.ReceiverTypeMerchantID, Account: "1900000109", Amount: 100, Description: "split", Result: domain.ReceiverResultPending},
			{Type: domain.ReceiverTypePersonalOpenID, Account: "oUpF8uMuAJO_M2pxb1Q9zNjWeS6o", Amount: 50, Description: "split", Result: domain.ReceiverResultPending},
		},
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func checkOrders(t *testing.T, s Orders) {
	ctx := context.Background()
	o := newOrder("1900000109", "P20150806125346", "4208450740201411110007820472")
	if err := s.Create(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.ID == "" || o.Version != 1 {
		t.Fatalf("create did not stamp id/version: %+v", o)
	}

	dup := newOrder("1900000109", "P20150806125346", "other")
	if err := s.Create(ctx, dup); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("duplicate create err=%v, want conflict", err)
	}
	// Same out_order_no under another sub-merchant is a different order.
	if err := s.Create(ctx, newOrder("1900000110", "P20150806125346", "x")); err != nil {
		t.Fatalf("create other sub: %v", err)
	}

	got, ok, err := s.Get(ctx, "1900000109", "P20150806125346")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if len(got.Receivers) != 2 || got.Receivers[0].Account != "1900000109" || got.Receivers[1].Amount != 50 {
		t.Fatalf("receivers not kept in order: %+v", got.Receivers)
	}

	stale := got.Clone()
	now := time.Now()
	got.OrderID = "3008450740201411110007820472"
	if err := got.ApplyReceiverResult(domain.ReceiverTypeMerchantID, "1900000109", domain.ReceiverResultSuccess, "", "36011111111111111111111", &now, now); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := s.Save(ctx, got); err != nil {
		t.Fatalf("save: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("version after save=%d, want 2", got.Version)
	}
	if err := s.Save(ctx, stale); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("stale save err=%v, want conflict", err)
	}

	again, _, _ := s.Get(ctx, "1900000109", "P20150806125346")
	if again.OrderID != "3008450740201411110007820472" || again.Version != 2 {
		t.Fatalf("reloaded order=%+v", again)
	}
	r := again.Receiver(domain.ReceiverTypeMerchantID, "1900000109")
	if r.Result != domain.ReceiverResultSuccess || r.DetailID != "36011111111111111111111" || r.FinishTime == nil {
		t.Fatalf("receiver not saved: %+v", r)
	}

	// Mutating a returned copy must not leak into the store.
	again.Receivers[1].Result = domain.ReceiverResultFailed
	fresh, _, _ := s.Get(ctx, "1900000109", "P20150806125346")
	if fresh.Receivers[1].Result != domain.ReceiverResultPending {
		t.Fatalf("store state aliased by caller")
	}

	list, err := s.ListByTransaction(ctx, "1900000109", "4208450740201411110007820472")
	if err != nil || len(list) != 1 {
		t.Fatalf("list by tx: n=%d err=%v", len(list), err)
	}
	if _, ok, _ := s.Get(ctx, "1900000109", "missing"); ok {
		t.Fatalf("missing order found")
	}

	ghost := newOrder("1900000109", "never-created", "x")
	ghost.ID = "ghost"
	ghost.Version = 1
	if err := s.Save(ctx, ghost); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("save unknown err=%v, want not found", err)
	}
}

func checkReturns(t *testing.T, s Returns) {
	ctx := context.Background()
	r, err := domain.NewReturnOrder("1900000109", "", "P20150806125346", "R20190516001", "86693852", 10, "用户退款", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	dup, _ := domain.NewReturnOrder("1900000109", "", "P20150806125346", "R20190516001", "86693852", 10, "again", time.Now())
	if err := s.Create(ctx, dup); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("duplicate err=%v", err)
	}
	got, ok, err := s.Get(ctx, "1900000109", "R20190516001")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	stale := got.Clone()
	now := time.Now()
	if err := got.Settle(domain.ReturnResultSuccess, "", &now, now); err != nil {
		t.Fatal(err)
	}
	got.ReturnID = "3008450740201411110007820472"
	if err := s.Save(ctx, got); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, stale); !domain.IsKind(err, domain.KindConflict) {
		t.Fatalf("stale save err=%v", err)
	}
	list, err := s.List(ctx, ReturnFilter{OutOrderNo: "P20150806125346"})
	if err != nil || len(list) != 1 || list[0].Result != domain.ReturnResultSuccess || list[0].ReturnID == "" {
		t.Fatalf("list=%+v err=%v", list, err)
	}
}

func checkOperationLogs(t *testing.T, s OperationLogs) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, op := range []domain.OperationType{domain.OpRequestOrder, domain.OpQueryOrder, domain.OpRequestOrder} {
		l := &domain.ProfitShareOperationLog{
			Type:      op,
			SubMchID:  "1900000109",
			EntityKey: "order:1900000109:P1",
			Success:   i != 1,
			Request:   json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.Append(ctx, l); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	all, err := s.List(ctx, domain.OperationLogFilter{})
	if err != nil || len(all) != 3 {
		t.Fatalf("list all n=%d err=%v", len(all), err)
	}
	if string(all[0].Request) != `{"seq":2}` {
		t.Fatalf("newest first expected, got %s", all[0].Request)
	}
	failed := false
	only, _ := s.List(ctx, domain.OperationLogFilter{Success: &failed})
	if len(only) != 1 || only[0].Type != domain.OpQueryOrder {
		t.Fatalf("failure filter=%+v", only)
	}
	end := base.Add(time.Minute)
	early, _ := s.List(ctx, domain.OperationLogFilter{Type: domain.OpRequestOrder, EndAt: &end})
	if len(early) != 1 {
		t.Fatalf("time filter n=%d", len(early))
	}
}

func TestMemoryStores(t *testing.T) {
	t.Run("orders", func(t *testing.T) { checkOrders(t, NewMemoryOrders()) })
	t.Run("returns", func(t *testing.T) { checkReturns(t, NewMemoryReturns()) })
	t.Run("logs", func(t *testing.T) { checkOperationLogs(t, NewMemoryOperationLogs()) })
}

func TestGormOrders(t *testing.T) {
	checkOrders(t, NewGormOrders(openTestDB(t)))
}

func TestGormReturns(t *testing.T) {
	checkReturns(t, NewGormReturns(openTestDB(t)))
}

func TestGormOperationLogs(t *testing.T) {
	checkOperationLogs(t, NewGormOperationLogs(openTestDB(t)))
}

func checkBillTasks(t *testing.T, s BillTasks) {
	ctx := context.Background()
	b := &domain.ProfitShareBillTask{BillDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Status: domain.BillStatusPending}
	if err := s.Create(ctx, b); err != nil {
		t.Fatalf("create: %v", err)
	}
	now := time.Now()
	got, ok, err := s.Update(ctx, b.ID, func(b *domain.ProfitShareBillTask) error {
		return b.MarkReady("https://api.mch.weixin.qq.com/v3/billdownload/file?token=x", domain.HashTypeSHA1, "abc", now, time.Minute)
	})
	if err != nil || !ok || got.Status != domain.BillStatusReady || got.Version != 2 {
		t.Fatalf("update: %+v ok=%v err=%v", got, ok, err)
	}
	_, _, err = s.Update(ctx, b.ID, func(b *domain.ProfitShareBillTask) error {
		return b.MarkDownloaded("", now)
	})
	if !domain.IsKind(err, domain.KindInvalidArgument) {
		t.Fatalf("rejected update err=%v", err)
	}
	cur, _, _ := s.Get(ctx, b.ID)
	if cur.Status != domain.BillStatusReady || cur.Version != 2 {
		t.Fatalf("rejected update was written: %+v", cur)
	}
	ready, err := s.ListByStatus(ctx, domain.BillStatusReady, 0)
	if err != nil || len(ready) != 1 {
		t.Fatalf("ready n=%d err=%v", len(ready), err)
	}
	pending, _ := s.ListByStatus(ctx, domain.BillStatusPending, 0)
	if len(pending) != 0 {
		t.Fatalf("pending index not updated: %d", len(pending))
	}
	if _, ok, err := s.Update(ctx, "missing", func(*domain.ProfitShareBillTask) error { return nil }); ok || err != nil {
		t.Fatalf("update missing ok=%v err=%v", ok, err)
	}
}

func TestMemoryBillTasks(t *testing.T) {
	checkBillTasks(t, NewMemoryBillTasks())
}

func TestRedisBillTasks(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb, err := NewRedisClient(addr, os.Getenv("REDIS_PASSWORD"))
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer rdb.Close()
	prefix := fmt.Sprintf("profitshare:test:%d:", time.Now().UnixNano())
	checkBillTasks(t, NewRedisBillTasks(rdb, prefix))
}
