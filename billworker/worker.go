// Package billworker processes READY bill tasks taken from the stream: download and
// verify, export to xlsx, archive both files to OSS, and record the object keys.
package billworker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"profitshare/billxlsx"
	"profitshare/domain"
	"profitshare/obs"
	"profitshare/ossstore"
	"profitshare/sharing"
	"profitshare/streamq"
)

// Bills is the part of sharing.Service the worker and the scheduler drive.
type Bills interface {
	GetBill(ctx context.Context, id string) (*domain.ProfitShareBillTask, error)
	DownloadBill(ctx context.Context, id, dir string) (*domain.ProfitShareBillTask, error)
	RecordBillArchive(ctx context.Context, id, objectKey, exportKey string) (*domain.ProfitShareBillTask, error)
	ExpireBills(ctx context.Context) (int, error)
	ListBills(ctx context.Context, status domain.BillStatus, limit int) ([]*domain.ProfitShareBillTask, error)
	RetryBill(ctx context.Context, id string) (*domain.ProfitShareBillTask, error)
}

// Archive stores bill files; *ossstore.Store implements it.
type Archive interface {
	ObjectKeyForBill(t *domain.ProfitShareBillTask, fileName string) string
	PutFile(objectKey, localPath, contentType string) error
}

type Worker struct {
	bills    Bills
	archive  Archive
	lock     sharing.Locker
	tmpRoot  string
	inflight chan struct{}
	log      *slog.Logger
}

// New builds a worker. archive and lock may be nil: without an archive bills are only
// downloaded and exported locally, without a lock duplicate deliveries are not guarded.
func New(bills Bills, archive Archive, lock sharing.Locker, tmpRoot string, maxInflight int, log *slog.Logger) *Worker {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	if log == nil {
		log = slog.Default()
	}
	if a, ok := archive.(*ossstore.Store); ok && !a.Enabled() {
		archive = nil
	}
	return &Worker{
		bills:    bills,
		archive:  archive,
		lock:     lock,
		tmpRoot:  tmpRoot,
		inflight: make(chan struct{}, maxInflight),
		log:      log.With("component", "billworker"),
	}
}

// Process handles one task id from the stream. A streamq.TerminalError ACKs the
// message with the task's disposition; any other error leaves it pending for XAUTOCLAIM.
func (w *Worker) Process(ctx context.Context, taskID string) (err error) {
	w.inflight <- struct{}{}
	defer func() { <-w.inflight }()

	ctx, end := obs.StartBillSpan(ctx, taskID)
	defer func() {
		d, ok := streamq.DispositionOf(err)
		if !ok && err != nil {
			end("retry", err)
			return
		}
		end(string(d), errors.Unwrap(err))
	}()

	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return streamq.Skip(errors.New("taskID 为空"))
	}

	if w.lock != nil {
		// Separate from the bill:<id> key that DownloadBill takes itself.
		unlock, err := w.lock.Lock(ctx, "billworker:"+taskID)
		if err != nil {
			if domain.IsKind(err, domain.KindConflict) {
				// Another replica has it; a duplicate enqueue.
				return streamq.Skip(err)
			}
			return err
		}
		defer unlock()
	}

	task, err := w.bills.GetBill(ctx, taskID)
	if err != nil {
		if domain.IsKind(err, domain.KindNotFound) {
			return streamq.Skip(err)
		}
		return err
	}

	switch task.Status {
	case domain.BillStatusReady:
		task, err = w.download(ctx, task)
		if err != nil {
			return err
		}
	case domain.BillStatusDownloaded:
		if task.ObjectKey != "" {
			return streamq.Done(task.Status)
		}
		if _, statErr := os.Stat(task.LocalPath); statErr != nil {
			return streamq.Final(task.Status, fmt.Errorf("已下载账单的本地文件不存在: %w", statErr))
		}
	case domain.BillStatusFailed, domain.BillStatusExpired:
		return streamq.Final(task.Status, nil)
	default:
		// PENDING is requeued by the scheduler once the gateway has a bill.
		return streamq.Skip(nil)
	}

	exportPath := strings.TrimSuffix(task.LocalPath, filepath.Ext(task.LocalPath)) + ".xlsx"
	if _, err := billxlsx.Export(task.LocalPath, exportPath); err != nil {
		w.log.Warn("bill export failed", "task", task.ID, "err", err)
		exportPath = ""
	}

	if w.archive == nil {
		w.log.Info("bill downloaded, archive disabled", "task", task.ID, "path", task.LocalPath)
		return streamq.Done(task.Status)
	}
	objectKey := w.archive.ObjectKeyForBill(task, filepath.Base(task.LocalPath))
	if err := w.archive.PutFile(objectKey, task.LocalPath, ossstore.ContentTypeCSV); err != nil {
		// Retryable: the redelivered message takes the DOWNLOADED branch.
		return fmt.Errorf("上传账单到 OSS 失败: %w", err)
	}
	exportKey := ""
	if exportPath != "" {
		exportKey = w.archive.ObjectKeyForBill(task, filepath.Base(exportPath))
		if err := w.archive.PutFile(exportKey, exportPath, ossstore.ContentTypeXLSX); err != nil {
			return fmt.Errorf("上传账单导出文件到 OSS 失败: %w", err)
		}
		_ = os.Remove(exportPath)
	}
	archived, err := w.bills.RecordBillArchive(ctx, task.ID, objectKey, exportKey)
	if err != nil {
		return err
	}
	w.log.Info("bill archived", "task", task.ID, "object", objectKey, "export", exportKey)
	return streamq.Done(archived.Status)
}

func (w *Worker) download(ctx context.Context, task *domain.ProfitShareBillTask) (*domain.ProfitShareBillTask, error) {
	dir := filepath.Join(w.tmpRoot, "bills", task.ID)
	got, err := w.bills.DownloadBill(ctx, task.ID, dir)
	if err == nil {
		return got, nil
	}
	switch domain.KindOf(err) {
	case domain.KindIntegrity, domain.KindInvalidStateTransition, domain.KindInvalidArgument, domain.KindNotFound:
		// The task now records FAILED or EXPIRED; redelivery cannot help.
		status := domain.BillStatus("")
		if cur, getErr := w.bills.GetBill(ctx, task.ID); getErr == nil {
			status = cur.Status
		}
		return nil, streamq.Final(status, err)
	}
	return nil, err
}

// Handler adapts Process to streamq.Consumer and records worker metrics.
func (w *Worker) Handler(record func(start time.Time, err error)) streamq.Handler {
	return func(ctx context.Context, taskID string) error {
		start := time.Now()
		err := w.Process(ctx, taskID)
		if record != nil {
			if d, ok := streamq.DispositionOf(err); ok && d != streamq.DispositionPoison && errors.Unwrap(err) == nil {
				record(start, nil)
			} else {
				record(start, err)
			}
		}
		return err
	}
}
