package sharing

import (
	"context"

	"profitshare/domain"
	"profitshare/payload"
)

// RequestOrder submits a new split. A known out_order_no for the sub-merchant is
// rejected with Conflict before the gateway is called. Once the gateway accepted the
// split the order is stored, even when parts of the response could not be applied.
func (s *Service) RequestOrder(ctx context.Context, r *payload.OrderRequest) (*domain.ProfitShareOrder, error) {
	if r == nil {
		return nil, domain.InvalidArgument("分账请求为空")
	}
	key := orderLockKey(r.SubMchID(), r.OutOrderNo())
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, ok, err := s.orders.Get(ctx, r.SubMchID(), r.OutOrderNo()); err != nil {
		return nil, err
	} else if ok {
		return nil, domain.Conflict("商户分账单号已存在: sub_mchid=%s out_order_no=%s", r.SubMchID(), r.OutOrderNo())
	}

	p := r.Payload()
	a := s.begin(domain.OpRequestOrder, r.SubMchID(), key, p)
	raw, err := s.submit(ctx, a, p)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	resp, err := decode[orderResponse](raw)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	now := s.now()
	o := r.Order()
	o.CreatedAt, o.UpdatedAt = now, now
	if err := applyOrderResponse(s.log, o, resp, now); err != nil {
		s.log.Warn("order response partially applied", "entity", key, "err", err)
	}
	if err := s.orders.Create(ctx, o); err != nil {
		return nil, s.finish(ctx, a, err)
	}
	return o, s.finish(ctx, a, nil)
}

// QueryOrder refreshes an order from the gateway. An order unknown locally is imported.
// Refused transitions are logged and leave the stored order unchanged.
func (s *Service) QueryOrder(ctx context.Context, q *payload.QueryOrderRequest) (*domain.ProfitShareOrder, error) {
	if q == nil {
		return nil, domain.InvalidArgument("查询请求为空")
	}
	key := orderLockKey(q.SubMchID(), q.OutOrderNo())
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p := q.Payload()
	a := s.begin(domain.OpQueryOrder, q.SubMchID(), key, p)
	raw, err := s.submit(ctx, a, p)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	resp, err := decode[orderResponse](raw)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	now := s.now()

	cur, ok, err := s.orders.Get(ctx, q.SubMchID(), q.OutOrderNo())
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	if !ok {
		if resp.SubMchID == "" {
			resp.SubMchID = q.SubMchID()
		}
		if resp.OutOrderNo == "" {
			resp.OutOrderNo = q.OutOrderNo()
		}
		o, err := orderFromResponse(s.log, resp, now)
		if err != nil {
			s.log.Warn("imported order partially applied", "entity", key, "err", err)
		}
		if err := s.orders.Create(ctx, o); err != nil {
			return nil, s.finish(ctx, a, err)
		}
		return o, s.finish(ctx, a, nil)
	}

	next := cur.Clone()
	if err := applyOrderResponse(s.log, next, resp, now); err != nil {
		return cur, s.finish(ctx, a, err)
	}
	if err := s.orders.Save(ctx, next); err != nil {
		return cur, s.finish(ctx, a, err)
	}
	return next, s.finish(ctx, a, nil)
}

// Unfreeze releases the transaction's unallocated funds. Every receiver of the
// transaction's known orders must already be terminal. On success the unfreeze is
// stored as its own order record, with the gateway's receiver lines, and the
// transaction's PROCESSING orders are finished.
//
// The operation log records the gateway outcome only. A sibling that cannot be
// finished is reported in the service log and stays PROCESSING until QueryOrder
// refreshes it from the gateway, which finishes it as well.
func (s *Service) Unfreeze(ctx context.Context, r *payload.UnfreezeRequest) (*domain.ProfitShareOrder, error) {
	if r == nil {
		return nil, domain.InvalidArgument("解冻请求为空")
	}
	key := orderLockKey(r.SubMchID(), r.OutOrderNo())
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, ok, err := s.orders.Get(ctx, r.SubMchID(), r.OutOrderNo()); err != nil {
		return nil, err
	} else if ok {
		return nil, domain.Conflict("商户分账单号已存在: sub_mchid=%s out_order_no=%s", r.SubMchID(), r.OutOrderNo())
	}

	p := r.Payload()
	a := s.begin(domain.OpUnfreeze, r.SubMchID(), key, p)

	siblings, err := s.orders.ListByTransaction(ctx, r.SubMchID(), r.TransactionID())
	if err != nil {
		return nil, err
	}
	for _, o := range siblings {
		if o.Unfreeze {
			continue
		}
		if !o.AllReceiversTerminal() {
			return nil, s.finish(ctx, a, domain.InvalidTransition("分账单 "+o.OutOrderNo, o.State, domain.OrderStateFinished))
		}
	}

	raw, err := s.submit(ctx, a, p)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	resp, err := decode[orderResponse](raw)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	now := s.now()
	rec := &domain.ProfitShareOrder{
		SubMchID:        r.SubMchID(),
		TransactionID:   r.TransactionID(),
		OutOrderNo:      r.OutOrderNo(),
		State:           domain.OrderStateProcessing,
		UnfreezeUnsplit: true,
		Unfreeze:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := applyOrderResponse(s.log, rec, resp, now); err != nil {
		s.log.Warn("unfreeze response partially applied", "entity", key, "err", err)
	}
	if err := s.orders.Create(ctx, rec); err != nil {
		return nil, s.finish(ctx, a, err)
	}
	_ = s.finish(ctx, a, nil)

	for _, o := range siblings {
		if o.Unfreeze || o.State != domain.OrderStateProcessing {
			continue
		}
		if err := s.finishOrder(ctx, o.SubMchID, o.OutOrderNo); err != nil {
			s.log.Error("finish order after unfreeze failed", "entity", orderLockKey(o.SubMchID, o.OutOrderNo), "unfreeze", key, "err", err)
		}
	}
	return rec, nil
}

// finishOrder moves one sibling order to FINISHED under its own lock.
func (s *Service) finishOrder(ctx context.Context, subMchID, outOrderNo string) error {
	unlock, err := s.locker.Lock(ctx, orderLockKey(subMchID, outOrderNo))
	if err != nil {
		return err
	}
	defer unlock()
	o, ok, err := s.orders.Get(ctx, subMchID, outOrderNo)
	if err != nil || !ok {
		return err
	}
	if o.State != domain.OrderStateProcessing {
		return nil
	}
	if err := o.Finish(s.now()); err != nil {
		return err
	}
	return s.orders.Save(ctx, o)
}

// HandleNotification applies a receiver result pushed by the gateway and settles the
// order once every receiver is terminal.
func (s *Service) HandleNotification(ctx context.Context, n *domain.ReceiverNotification) (*domain.ProfitShareOrder, error) {
	if n == nil {
		return nil, domain.InvalidArgument("分账通知为空")
	}
	key := orderLockKey(n.SubMchID, n.OutOrderNo)
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	a := s.begin(domain.OpNotification, n.SubMchID, key, n)
	cur, ok, err := s.orders.Get(ctx, n.SubMchID, n.OutOrderNo)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	if !ok {
		return nil, s.finish(ctx, a, domain.NotFound("分账单不存在: sub_mchid=%s out_order_no=%s", n.SubMchID, n.OutOrderNo))
	}
	now := s.now()
	next := cur.Clone()
	if next.OrderID == "" {
		next.OrderID = n.OrderID
	}
	if err := next.ApplyReceiverResult(n.ReceiverType, n.ReceiverAccount, n.Result, n.FailReason, n.DetailID, n.SuccessTime, now); err != nil {
		return cur, s.finish(ctx, a, err)
	}
	if _, err := next.SettleFromReceivers(now); err != nil {
		return cur, s.finish(ctx, a, err)
	}
	if err := s.orders.Save(ctx, next); err != nil {
		return cur, s.finish(ctx, a, err)
	}
	return next, s.finish(ctx, a, nil)
}

func (s *Service) GetOrder(ctx context.Context, subMchID, outOrderNo string) (*domain.ProfitShareOrder, error) {
	o, ok, err := s.orders.Get(ctx, subMchID, outOrderNo)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NotFound("分账单不存在: sub_mchid=%s out_order_no=%s", subMchID, outOrderNo)
	}
	return o, nil
}

func (s *Service) ListOrders(ctx context.Context, f OrderFilter) ([]*domain.ProfitShareOrder, error) {
	return s.orders.List(ctx, f)
}
