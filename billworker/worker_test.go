package billworker

import (
	"context"
	"errors"
	"os"
	"path"
	"sync"
	"testing"
	"time"

	"profitshare/domain"
	"profitshare/payload"
	"profitshare/redislock"
	"profitshare/sharing"
	"profitshare/store"
	"profitshare/streamq"
	"profitshare/wechat"
)

type put struct {
	key, contentType string
	size             int64
}

type memArchive struct {
	mu   sync.Mutex
	puts []put
	fail error
}

func (a *memArchive) ObjectKeyForBill(t *domain.ProfitShareBillTask, name string) string {
	return path.Join("bills", t.ID, name)
}

func (a *memArchive) PutFile(key, localPath, contentType string) error {
	if a.fail != nil {
		return a.fail
	}
	st, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.puts = append(a.puts, put{key: key, contentType: contentType, size: st.Size()})
	a.mu.Unlock()
	return nil
}

type countingQueue struct {
	mu  sync.Mutex
	ids []string
}

func (q *countingQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	q.ids = append(q.ids, id)
	q.mu.Unlock()
	return nil
}

func newService(t *testing.T, queue sharing.BillQueue) *sharing.Service {
	t.Helper()
	svc, err := sharing.New(sharing.Deps{
		Gateway: wechat.NewMockGateway(),
		Orders:  store.NewMemoryOrders(),
		Returns: store.NewMemoryReturns(),
		Bills:   store.NewMemoryBillTasks(),
		Logs:    store.NewMemoryOperationLogs(),
		Queue:   queue,
	})
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

func readyTask(t *testing.T, svc *sharing.Service) *domain.ProfitShareBillTask {
	t.Helper()
	r, err := payload.NewBillRequest("1900000109", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), "")
	if err != nil {
		t.Fatal(err)
	}
	task, err := svc.ApplyBill(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != domain.BillStatusReady {
		t.Fatalf("status=%s", task.Status)
	}
	return task
}

func TestProcessArchivesBill(t *testing.T) {
	svc := newService(t, nil)
	task := readyTask(t, svc)
	archive := &memArchive{}
	w := New(svc, archive, redislock.NewLocal(), t.TempDir(), 2, nil)

	err := w.Process(context.Background(), task.ID)
	if err != nil && !streamq.IsTerminal(err) {
		t.Fatalf("process: %v", err)
	}
	if errors.Unwrap(err) != nil {
		t.Fatalf("process failed: %v", err)
	}
	if d, _ := streamq.DispositionOf(err); d != streamq.DispositionDone {
		t.Fatalf("disposition=%q", d)
	}
	got, err := svc.GetBill(context.Background(), task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.BillStatusDownloaded || got.ObjectKey == "" || got.ExportKey == "" {
		t.Fatalf("task=%+v", got)
	}
	if len(archive.puts) != 2 || archive.puts[0].size != int64(len(wechat.MockBill)) || archive.puts[1].size == 0 {
		t.Fatalf("puts=%+v", archive.puts)
	}

	// A redelivered message is ACKed without work.
	if err := w.Process(context.Background(), task.ID); !streamq.IsTerminal(err) {
		t.Fatalf("redelivery err=%v", err)
	}
	if len(archive.puts) != 2 {
		t.Fatalf("archived twice: %+v", archive.puts)
	}
}

func TestProcessRetriesArchiveFailure(t *testing.T) {
	svc := newService(t, nil)
	task := readyTask(t, svc)
	archive := &memArchive{fail: errors.New("oss down")}
	w := New(svc, archive, nil, t.TempDir(), 1, nil)

	err := w.Process(context.Background(), task.ID)
	if err == nil || streamq.IsTerminal(err) {
		t.Fatalf("err=%v, want retryable", err)
	}
	got, _ := svc.GetBill(context.Background(), task.ID)
	if got.Status != domain.BillStatusDownloaded || got.ObjectKey != "" {
		t.Fatalf("task=%+v", got)
	}

	archive.fail = nil
	if err := w.Process(context.Background(), task.ID); !streamq.IsTerminal(err) || errors.Unwrap(err) != nil {
		t.Fatalf("retry err=%v", err)
	}
	got, _ = svc.GetBill(context.Background(), task.ID)
	if got.ObjectKey == "" {
		t.Fatalf("task=%+v", got)
	}
}

func TestProcessUnknownAndFinalTasks(t *testing.T) {
	svc := newService(t, nil)
	w := New(svc, nil, nil, t.TempDir(), 1, nil)
	err := w.Process(context.Background(), "missing")
	if d, _ := streamq.DispositionOf(err); d != streamq.DispositionSkipped || !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("err=%v", err)
	}
	if err := w.Process(context.Background(), " "); !streamq.IsTerminal(err) {
		t.Fatalf("err=%v", err)
	}

	task := readyTask(t, svc)
	if err := w.Process(context.Background(), task.ID); !streamq.IsTerminal(err) {
		t.Fatalf("err=%v", err)
	}
	got, _ := svc.GetBill(context.Background(), task.ID)
	if got.Status != domain.BillStatusDownloaded {
		t.Fatalf("status=%s without archive", got.Status)
	}
}

func TestSchedulerJobs(t *testing.T) {
	q := &countingQueue{}
	svc := newService(t, q)
	ready := readyTask(t, svc)

	s, err := NewScheduler(svc, q, ScheduleConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = s.Shutdown() }()
	if err := s.RegisterJobs(); err != nil {
		t.Fatal(err)
	}

	before := len(q.ids)
	if err := s.requeueReady(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(q.ids) != before+1 || q.ids[len(q.ids)-1] != ready.ID {
		t.Fatalf("queued=%v", q.ids)
	}

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	if err := s.requeueReady(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(q.ids) != before+1 {
		t.Fatalf("expired task requeued: %v", q.ids)
	}
	if err := s.retryPending(context.Background()); err != nil {
		t.Fatal(err)
	}
}
