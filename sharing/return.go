package sharing

import (
	"context"

	"profitshare/domain"
	"profitshare/payload"
)

func (s *Service) RequestReturn(ctx context.Context, r *payload.ReturnRequest) (*domain.ProfitShareReturnOrder, error) {
	if r == nil {
		return nil, domain.InvalidArgument("回退请求为空")
	}
	key := returnLockKey(r.SubMchID(), r.OutReturnNo())
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, ok, err := s.returns.Get(ctx, r.SubMchID(), r.OutReturnNo()); err != nil {
		return nil, err
	} else if ok {
		return nil, domain.Conflict("商户回退单号已存在: sub_mchid=%s out_return_no=%s", r.SubMchID(), r.OutReturnNo())
	}

	now := s.now()
	ret, err := r.ReturnOrder(now)
	if err != nil {
		return nil, err
	}
	p := r.Payload()
	a := s.begin(domain.OpRequestReturn, r.SubMchID(), key, p)
	raw, err := s.submit(ctx, a, p)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	resp, err := decode[returnResponse](raw)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	if err := applyReturnResponse(s.log, ret, resp, now); err != nil {
		return nil, s.finish(ctx, a, err)
	}
	if err := s.returns.Create(ctx, ret); err != nil {
		return nil, s.finish(ctx, a, err)
	}
	return ret, s.finish(ctx, a, nil)
}

// QueryReturn refreshes a return order; one unknown locally is imported from the response.
func (s *Service) QueryReturn(ctx context.Context, q *payload.QueryReturnRequest) (*domain.ProfitShareReturnOrder, error) {
	if q == nil {
		return nil, domain.InvalidArgument("查询请求为空")
	}
	key := returnLockKey(q.SubMchID(), q.OutReturnNo())
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	p := q.Payload()
	a := s.begin(domain.OpQueryReturn, q.SubMchID(), key, p)
	raw, err := s.submit(ctx, a, p)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	resp, err := decode[returnResponse](raw)
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	now := s.now()

	cur, ok, err := s.returns.Get(ctx, q.SubMchID(), q.OutReturnNo())
	if err != nil {
		return nil, s.finish(ctx, a, err)
	}
	if !ok {
		ret, err := domain.NewReturnOrder(q.SubMchID(), resp.OrderID, resp.OutOrderNo, q.OutReturnNo(), resp.ReturnMchID, resp.Amount, resp.Description, now)
		if err != nil {
			return nil, s.finish(ctx, a, domain.GatewayError(err))
		}
		if err := applyReturnResponse(s.log, ret, resp, now); err != nil {
			return nil, s.finish(ctx, a, err)
		}
		if err := s.returns.Create(ctx, ret); err != nil {
			return nil, s.finish(ctx, a, err)
		}
		return ret, s.finish(ctx, a, nil)
	}

	next := cur.Clone()
	if err := applyReturnResponse(s.log, next, resp, now); err != nil {
		return cur, s.finish(ctx, a, err)
	}
	if err := s.returns.Save(ctx, next); err != nil {
		return cur, s.finish(ctx, a, err)
	}
	return next, s.finish(ctx, a, nil)
}

func (s *Service) GetReturn(ctx context.Context, subMchID, outReturnNo string) (*domain.ProfitShareReturnOrder, error) {
	r, ok, err := s.returns.Get(ctx, subMchID, outReturnNo)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NotFound("分账回退单不存在: sub_mchid=%s out_return_no=%s", subMchID, outReturnNo)
	}
	return r, nil
}

func (s *Service) ListReturns(ctx context.Context, f ReturnFilter) ([]*domain.ProfitShareReturnOrder, error) {
	return s.returns.List(ctx, f)
}
