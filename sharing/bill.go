package sharing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"profitshare/domain"
	"profitshare/obs"
	"profitshare/payload"
)

// Gateway codes meaning the bill is not generated yet; the task stays PENDING.
var billNotReadyCodes = map[string]bool{
	"NO_STATEMENT_EXIST": true,
	"STATEMENT_CREATING": true,
}

func billNotReady(err error) bool {
	var coded interface{ GatewayCode() string }
	return errors.As(err, &coded) && billNotReadyCodes[coded.GatewayCode()]
}

// ApplyBill creates a PENDING bill task and applies for the bill. On success the task
// is READY with its download url, hash and expiry; a rejection marks it FAILED unless
// the gateway says the bill is still being generated.
func (s *Service) ApplyBill(ctx context.Context, r *payload.BillRequest) (*domain.ProfitShareBillTask, error) {
	if r == nil {
		return nil, domain.InvalidArgument("账单申请为空")
	}
	now := s.now()
	task := &domain.ProfitShareBillTask{
		SubMchID:  r.SubMchID(),
		BillDate:  r.BillDate(),
		TarType:   r.TarType(),
		Status:    domain.BillStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.bills.Create(ctx, task); err != nil {
		return nil, err
	}
	obs.RecordBillTransition(string(domain.BillStatusPending))
	return s.applyBill(ctx, task, r)
}

// RetryBill re-applies for a PENDING task, used by the scheduler.
func (s *Service) RetryBill(ctx context.Context, id string) (*domain.ProfitShareBillTask, error) {
	task, err := s.GetBill(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.BillStatusPending {
		return task, nil
	}
	r, err := payload.NewBillRequest(task.SubMchID, task.BillDate, task.TarType)
	if err != nil {
		return nil, err
	}
	return s.applyBill(ctx, task, r)
}

func (s *Service) applyBill(ctx context.Context, task *domain.ProfitShareBillTask, r *payload.BillRequest) (*domain.ProfitShareBillTask, error) {
	key := billLockKey(task.ID)
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return task, err
	}
	defer unlock()

	p := r.Payload()
	a := s.begin(domain.OpApplyBill, r.SubMchID(), key, p)
	raw, err := s.submit(ctx, a, p)
	if err != nil {
		if billNotReady(err) {
			return task, s.finish(ctx, a, err)
		}
		reason := err.Error()
		if updated, uErr := s.updateBill(ctx, task.ID, func(b *domain.ProfitShareBillTask) error {
			return b.MarkFailed(reason, s.now())
		}); uErr == nil {
			task = updated
		} else {
			err = errors.Join(err, uErr)
		}
		return task, s.finish(ctx, a, err)
	}
	resp, err := decode[billResponse](raw)
	if err != nil {
		return task, s.finish(ctx, a, err)
	}
	hashType := domain.HashType(strings.ToUpper(strings.TrimSpace(resp.HashType)))
	updated, err := s.updateBill(ctx, task.ID, func(b *domain.ProfitShareBillTask) error {
		return b.MarkReady(resp.DownloadURL, hashType, resp.HashValue, s.now(), s.billURLTTL)
	})
	if err != nil {
		return task, s.finish(ctx, a, err)
	}
	if s.queue != nil {
		if qErr := s.queue.Enqueue(ctx, updated.ID); qErr != nil {
			s.log.Warn("enqueue bill task failed", "task", updated.ID, "err", qErr)
		}
	}
	return updated, s.finish(ctx, a, nil)
}

// DownloadBill fetches a READY bill into dir. An expired task becomes EXPIRED, a hash
// mismatch leaves it FAILED with no local file, success makes it DOWNLOADED.
func (s *Service) DownloadBill(ctx context.Context, taskID, dir string) (*domain.ProfitShareBillTask, error) {
	if strings.TrimSpace(taskID) == "" {
		return nil, domain.InvalidArgument("账单任务 id 不能为空")
	}
	if strings.TrimSpace(dir) == "" {
		return nil, domain.InvalidArgument("账单保存目录不能为空")
	}
	key := billLockKey(taskID)
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	task, err := s.GetBill(ctx, taskID)
	if err != nil {
		return nil, err
	}
	a := s.begin(domain.OpDownloadBill, task.SubMchID, key, nil)
	now := s.now()
	if task.IsExpired(now) {
		if updated, err := s.updateBill(ctx, task.ID, func(b *domain.ProfitShareBillTask) error {
			return b.MarkExpired(now)
		}); err == nil {
			task = updated
		}
		return task, s.finish(ctx, a, domain.InvalidTransition("分账账单任务", domain.BillStatusExpired, domain.BillStatusDownloaded))
	}
	if task.Status != domain.BillStatusReady {
		return task, s.finish(ctx, a, domain.InvalidTransition("分账账单任务", task.Status, domain.BillStatusDownloaded))
	}
	if s.downloader == nil {
		return task, s.finish(ctx, a, errors.New("未配置账单下载器"))
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return task, s.finish(ctx, a, fmt.Errorf("创建账单目录失败: %w", err))
	}
	localPath := filepath.Join(dir, BillFileName(task))
	req, err := payload.NewBillDownloadRequest(task.DownloadURL, localPath, task.HashType, task.HashValue, task.TarType)
	if err != nil {
		return task, s.finish(ctx, a, err)
	}
	a.request = req.Payload()

	if err := s.downloader.DownloadBill(ctx, req); err != nil {
		if domain.IsKind(err, domain.KindIntegrity) {
			_ = os.Remove(localPath)
			reason := err.Error()
			if updated, uErr := s.updateBill(ctx, task.ID, func(b *domain.ProfitShareBillTask) error {
				return b.MarkFailed(reason, s.now())
			}); uErr == nil {
				task = updated
			}
		}
		return task, s.finish(ctx, a, err)
	}
	updated, err := s.updateBill(ctx, task.ID, func(b *domain.ProfitShareBillTask) error {
		return b.MarkDownloaded(localPath, s.now())
	})
	if err != nil {
		return task, s.finish(ctx, a, err)
	}
	return updated, s.finish(ctx, a, nil)
}

// ExpireBills moves READY tasks whose download window elapsed to EXPIRED and reports
// how many moved. No gateway call is involved, so nothing is logged per task.
func (s *Service) ExpireBills(ctx context.Context) (int, error) {
	ready, err := s.bills.ListByStatus(ctx, domain.BillStatusReady, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	var errs []error
	for _, t := range ready {
		now := s.now()
		if !t.IsExpired(now) {
			continue
		}
		moved, err := s.expireOne(ctx, t.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if moved {
			n++
		}
	}
	return n, errors.Join(errs...)
}

var errNotExpired = errors.New("bill task not expired")

func (s *Service) expireOne(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock, err := s.locker.Lock(ctx, billLockKey(id))
	if err != nil {
		return false, err
	}
	defer unlock()
	_, err = s.updateBill(ctx, id, func(b *domain.ProfitShareBillTask) error {
		if !b.IsExpired(now) {
			return errNotExpired
		}
		return b.MarkExpired(now)
	})
	if errors.Is(err, errNotExpired) {
		return false, nil
	}
	return err == nil, err
}

// RecordBillArchive stores where a downloaded bill and its export were archived.
func (s *Service) RecordBillArchive(ctx context.Context, id, objectKey, exportKey string) (*domain.ProfitShareBillTask, error) {
	unlock, err := s.locker.Lock(ctx, billLockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.updateBill(ctx, id, func(b *domain.ProfitShareBillTask) error {
		if b.Status != domain.BillStatusDownloaded {
			return domain.InvalidTransition("分账账单任务", b.Status, "ARCHIVED")
		}
		if objectKey != "" {
			b.ObjectKey = objectKey
		}
		if exportKey != "" {
			b.ExportKey = exportKey
		}
		b.UpdatedAt = s.now()
		return nil
	})
}

func (s *Service) GetBill(ctx context.Context, id string) (*domain.ProfitShareBillTask, error) {
	b, ok, err := s.bills.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NotFound("账单任务不存在: %s", id)
	}
	return b, nil
}

func (s *Service) ListBills(ctx context.Context, status domain.BillStatus, limit int) ([]*domain.ProfitShareBillTask, error) {
	return s.bills.ListByStatus(ctx, status, limit)
}

// updateBill wraps store updates: a missing task is NotFound and status changes are counted.
func (s *Service) updateBill(ctx context.Context, id string, fn func(b *domain.ProfitShareBillTask) error) (*domain.ProfitShareBillTask, error) {
	var before domain.BillStatus
	b, ok, err := s.bills.Update(ctx, id, func(b *domain.ProfitShareBillTask) error {
		before = b.Status
		return fn(b)
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NotFound("账单任务不存在: %s", id)
	}
	if b.Status != before {
		obs.RecordBillTransition(string(b.Status))
	}
	return b, nil
}

// BillFileName is the local file name of a task's bill.
func BillFileName(t *domain.ProfitShareBillTask) string {
	sub := t.SubMchID
	if sub == "" {
		sub = "all"
	}
	return fmt.Sprintf("profitsharing_%s_%s.csv", sub, t.BillDate.Format("20060102"))
}
