// Package store persists profit sharing entities.
//
// Orders and return orders use optimistic concurrency: Save succeeds only when the
// entity's Version still matches the stored one, and bumps it. Bill tasks are updated
// through Update(fn), retried on concurrent writes. Operation logs are append-only.
package store

import (
	"context"
	"fmt"
	"strings"

	"profitshare/domain"
)

type Orders interface {
	// Create fails with a Conflict error when (SubMchID, OutOrderNo) already exists.
	Create(ctx context.Context, o *domain.ProfitShareOrder) error
	Get(ctx context.Context, subMchID, outOrderNo string) (*domain.ProfitShareOrder, bool, error)
	Save(ctx context.Context, o *domain.ProfitShareOrder) error
	ListByTransaction(ctx context.Context, subMchID, transactionID string) ([]*domain.ProfitShareOrder, error)
	List(ctx context.Context, f OrderFilter) ([]*domain.ProfitShareOrder, error)
}

type OrderFilter struct {
	SubMchID      string
	TransactionID string
	State         domain.OrderState
	Limit         int
}

type Returns interface {
	Create(ctx context.Context, r *domain.ProfitShareReturnOrder) error
	Get(ctx context.Context, subMchID, outReturnNo string) (*domain.ProfitShareReturnOrder, bool, error)
	Save(ctx context.Context, r *domain.ProfitShareReturnOrder) error
	List(ctx context.Context, f ReturnFilter) ([]*domain.ProfitShareReturnOrder, error)
}

type ReturnFilter struct {
	SubMchID   string
	OutOrderNo string
	Limit      int
}

type BillTasks interface {
	Create(ctx context.Context, b *domain.ProfitShareBillTask) error
	Get(ctx context.Context, id string) (*domain.ProfitShareBillTask, bool, error)
	// Update applies fn to the latest copy; an error from fn aborts without writing.
	Update(ctx context.Context, id string, fn func(b *domain.ProfitShareBillTask) error) (*domain.ProfitShareBillTask, bool, error)
	ListByStatus(ctx context.Context, status domain.BillStatus, limit int) ([]*domain.ProfitShareBillTask, error)
}

type OperationLogs interface {
	Append(ctx context.Context, l *domain.ProfitShareOperationLog) error
	// List returns newest first.
	List(ctx context.Context, f domain.OperationLogFilter) ([]*domain.ProfitShareOperationLog, error)
}

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func orderKey(subMchID, outOrderNo string) string {
	return strings.TrimSpace(subMchID) + "/" + strings.TrimSpace(outOrderNo)
}

func duplicateOrder(o *domain.ProfitShareOrder) error {
	return domain.Conflict("商户分账单号已存在: sub_mchid=%s out_order_no=%s", o.SubMchID, o.OutOrderNo)
}

func duplicateReturn(r *domain.ProfitShareReturnOrder) error {
	return domain.Conflict("商户回退单号已存在: sub_mchid=%s out_return_no=%s", r.SubMchID, r.OutReturnNo)
}

func staleVersion(entity, key string, version int64) error {
	return domain.Conflict("%s 已被并发修改: %s (version=%d)", entity, key, version)
}

func notFound(entity, key string) error {
	return domain.NotFound("%s 不存在: %s", entity, key)
}

func logMatches(l *domain.ProfitShareOperationLog, f domain.OperationLogFilter) bool {
	if f.Type != "" && l.Type != f.Type {
		return false
	}
	if f.SubMchID != "" && l.SubMchID != f.SubMchID {
		return false
	}
	if f.EntityKey != "" && l.EntityKey != f.EntityKey {
		return false
	}
	if f.Success != nil && l.Success != *f.Success {
		return false
	}
	if f.StartAt != nil && l.CreatedAt.Before(*f.StartAt) {
		return false
	}
	if f.EndAt != nil && !l.CreatedAt.Before(*f.EndAt) {
		return false
	}
	return true
}

func requireID(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s id 为空", kind)
	}
	return nil
}
