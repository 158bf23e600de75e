package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"profitshare/domain"
)

// Memory stores keep copies: nothing handed out aliases stored state.

type MemoryOrders struct {
	mu     sync.Mutex
	orders map[string]*domain.ProfitShareOrder
}

func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{orders: make(map[string]*domain.ProfitShareOrder)}
}

func (s *MemoryOrders) Create(_ context.Context, o *domain.ProfitShareOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := orderKey(o.SubMchID, o.OutOrderNo)
	if _, ok := s.orders[k]; ok {
		return duplicateOrder(o)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	stampCreate(&o.CreatedAt, &o.UpdatedAt)
	o.Version = 1
	s.orders[k] = o.Clone()
	return nil
}

func (s *MemoryOrders) Get(_ context.Context, subMchID, outOrderNo string) (*domain.ProfitShareOrder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderKey(subMchID, outOrderNo)]
	if !ok {
		return nil, false, nil
	}
	return o.Clone(), true, nil
}

func (s *MemoryOrders) Save(_ context.Context, o *domain.ProfitShareOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := orderKey(o.SubMchID, o.OutOrderNo)
	cur, ok := s.orders[k]
	if !ok {
		return notFound("分账订单", k)
	}
	if cur.Version != o.Version {
		return staleVersion("分账订单", k, o.Version)
	}
	o.Version++
	s.orders[k] = o.Clone()
	return nil
}

func (s *MemoryOrders) ListByTransaction(ctx context.Context, subMchID, transactionID string) ([]*domain.ProfitShareOrder, error) {
	return s.List(ctx, OrderFilter{SubMchID: subMchID, TransactionID: transactionID, Limit: maxListLimit})
}

func (s *MemoryOrders) List(_ context.Context, f OrderFilter) ([]*domain.ProfitShareOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ProfitShareOrder
	for _, o := range s.orders {
		if f.SubMchID != "" && o.SubMchID != f.SubMchID {
			continue
		}
		if f.TransactionID != "" && o.TransactionID != f.TransactionID {
			continue
		}
		if f.State != "" && o.State != f.State {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if n := listLimit(f.Limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

type MemoryReturns struct {
	mu      sync.Mutex
	returns map[string]*domain.ProfitShareReturnOrder
}

func NewMemoryReturns() *MemoryReturns {
	return &MemoryReturns{returns: make(map[string]*domain.ProfitShareReturnOrder)}
}

func (s *MemoryReturns) Create(_ context.Context, r *domain.ProfitShareReturnOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := orderKey(r.SubMchID, r.OutReturnNo)
	if _, ok := s.returns[k]; ok {
		return duplicateReturn(r)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	stampCreate(&r.CreatedAt, &r.UpdatedAt)
	r.Version = 1
	s.returns[k] = r.Clone()
	return nil
}

func (s *MemoryReturns) Get(_ context.Context, subMchID, outReturnNo string) (*domain.ProfitShareReturnOrder, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.returns[orderKey(subMchID, outReturnNo)]
	if !ok {
		return nil, false, nil
	}
	return r.Clone(), true, nil
}

func (s *MemoryReturns) Save(_ context.Context, r *domain.ProfitShareReturnOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := orderKey(r.SubMchID, r.OutReturnNo)
	cur, ok := s.returns[k]
	if !ok {
		return notFound("分账回退单", k)
	}
	if cur.Version != r.Version {
		return staleVersion("分账回退单", k, r.Version)
	}
	r.Version++
	s.returns[k] = r.Clone()
	return nil
}

func (s *MemoryReturns) List(_ context.Context, f ReturnFilter) ([]*domain.ProfitShareReturnOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ProfitShareReturnOrder
	for _, r := range s.returns {
		if f.SubMchID != "" && r.SubMchID != f.SubMchID {
			continue
		}
		if f.OutOrderNo != "" && r.OutOrderNo != f.OutOrderNo {
			continue
		}
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if n := listLimit(f.Limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

type MemoryBillTasks struct {
	mu    sync.Mutex
	tasks map[string]*domain.ProfitShareBillTask
}

func NewMemoryBillTasks() *MemoryBillTasks {
	return &MemoryBillTasks{tasks: make(map[string]*domain.ProfitShareBillTask)}
}

func (s *MemoryBillTasks) Create(_ context.Context, b *domain.ProfitShareBillTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if _, ok := s.tasks[b.ID]; ok {
		return domain.Conflict("账单任务已存在: %s", b.ID)
	}
	stampCreate(&b.CreatedAt, &b.UpdatedAt)
	b.Version = 1
	s.tasks[b.ID] = b.Clone()
	return nil
}

func (s *MemoryBillTasks) Get(_ context.Context, id string) (*domain.ProfitShareBillTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.tasks[id]
	if !ok {
		return nil, false, nil
	}
	return b.Clone(), true, nil
}

func (s *MemoryBillTasks) Update(_ context.Context, id string, fn func(b *domain.ProfitShareBillTask) error) (*domain.ProfitShareBillTask, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok {
		return nil, false, nil
	}
	b := cur.Clone()
	if err := fn(b); err != nil {
		return cur.Clone(), true, err
	}
	b.Version = cur.Version + 1
	s.tasks[id] = b
	return b.Clone(), true, nil
}

func (s *MemoryBillTasks) ListByStatus(_ context.Context, status domain.BillStatus, limit int) ([]*domain.ProfitShareBillTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ProfitShareBillTask
	for _, b := range s.tasks {
		if status == "" || b.Status == status {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if n := listLimit(limit); len(out) > n {
		out = out[:n]
	}
	return out, nil
}

type MemoryOperationLogs struct {
	mu   sync.Mutex
	logs []*domain.ProfitShareOperationLog
}

func NewMemoryOperationLogs() *MemoryOperationLogs {
	return &MemoryOperationLogs{}
}

func (s *MemoryOperationLogs) Append(_ context.Context, l *domain.ProfitShareOperationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	cp := *l
	s.logs = append(s.logs, &cp)
	return nil
}

func (s *MemoryOperationLogs) List(_ context.Context, f domain.OperationLogFilter) ([]*domain.ProfitShareOperationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := listLimit(f.Limit)
	var out []*domain.ProfitShareOperationLog
	for i := len(s.logs) - 1; i >= 0 && len(out) < n; i-- {
		if logMatches(s.logs[i], f) {
			cp := *s.logs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func stampCreate(created, updated *time.Time) {
	if created.IsZero() {
		*created = time.Now()
	}
	if updated.IsZero() {
		*updated = *created
	}
}
