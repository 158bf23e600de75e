package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"profitshare/domain"
)

type orderModel struct {
	ID              string          `gorm:"primaryKey;size:36"`
	SubMchID        string          `gorm:"column:sub_mch_id;size:32;not null;uniqueIndex:uk_ps_order_out_no,priority:1;index:idx_ps_order_tx,priority:1"`
	OutOrderNo      string          `gorm:"column:out_order_no;size:64;not null;uniqueIndex:uk_ps_order_out_no,priority:2"`
	TransactionID   string          `gorm:"column:transaction_id;size:64;not null;index:idx_ps_order_tx,priority:2"`
	AppID           string          `gorm:"column:app_id;size:32"`
	SubAppID        string          `gorm:"column:sub_app_id;size:32"`
	OrderID         string          `gorm:"column:order_id;size:64;index"`
	State           string          `gorm:"size:16;not null;index"`
	UnfreezeUnsplit bool            `gorm:"not null;default:false"`
	Unfreeze        bool            `gorm:"not null;default:false"`
	Receivers       []receiverModel `gorm:"foreignKey:OrderRowID;constraint:OnDelete:CASCADE"`
	Version         int64           `gorm:"not null;default:1"`
	CreatedAt       time.Time       `gorm:"not null;index"`
	UpdatedAt       time.Time       `gorm:"not null"`
}

func (orderModel) TableName() string { return "profit_share_orders" }

type receiverModel struct {
	ID          uint64     `gorm:"primaryKey;autoIncrement"`
	OrderRowID  string     `gorm:"column:order_row_id;size:36;not null;uniqueIndex:uk_ps_receiver,priority:1"`
	Seq         int        `gorm:"not null"`
	Type        string     `gorm:"size:32;not null;uniqueIndex:uk_ps_receiver,priority:2"`
	Account     string     `gorm:"size:64;not null;uniqueIndex:uk_ps_receiver,priority:3"`
	Name        string     `gorm:"size:1024"`
	Amount      int64      `gorm:"not null"`
	Description string     `gorm:"size:320;not null"`
	Result      string     `gorm:"size:16;not null"`
	FailReason  string     `gorm:"size:64"`
	DetailID    string     `gorm:"column:detail_id;size:64"`
	CreateTime  *time.Time `gorm:"column:create_time"`
	FinishTime  *time.Time `gorm:"column:finish_time"`
}

func (receiverModel) TableName() string { return "profit_share_receivers" }

type returnModel struct {
	ID          string     `gorm:"primaryKey;size:36"`
	SubMchID    string     `gorm:"column:sub_mch_id;size:32;not null;uniqueIndex:uk_ps_return_no,priority:1"`
	OutReturnNo string     `gorm:"column:out_return_no;size:64;not null;uniqueIndex:uk_ps_return_no,priority:2"`
	OrderID     string     `gorm:"column:order_id;size:64"`
	OutOrderNo  string     `gorm:"column:out_order_no;size:64;index"`
	ReturnID    string     `gorm:"column:return_id;size:64"`
	ReturnMchID string     `gorm:"column:return_mch_id;size:32"`
	Amount      int64      `gorm:"not null"`
	Description string     `gorm:"size:320;not null"`
	Result      string     `gorm:"size:16;not null"`
	FailReason  string     `gorm:"size:64"`
	FinishTime  *time.Time `gorm:"column:finish_time"`
	Version     int64      `gorm:"not null;default:1"`
	CreatedAt   time.Time  `gorm:"not null;index"`
	UpdatedAt   time.Time  `gorm:"not null"`
}

func (returnModel) TableName() string { return "profit_share_return_orders" }

// operationLogModel is never updated once inserted.
type operationLogModel struct {
	ID           string         `gorm:"primaryKey;size:36"`
	Type         string         `gorm:"size:32;not null;index"`
	SubMchID     string         `gorm:"column:sub_mch_id;size:32;index"`
	EntityKey    string         `gorm:"size:160;index"`
	Success      bool           `gorm:"not null;index"`
	ErrorKind    string         `gorm:"size:32"`
	ErrorMessage string         `gorm:"type:text"`
	Request      datatypes.JSON `gorm:"column:request"`
	Response     datatypes.JSON `gorm:"column:response"`
	CreatedAt    time.Time      `gorm:"not null;index"`
}

func (operationLogModel) TableName() string { return "profit_share_operation_logs" }

// Migrate creates or updates the tables used by the GORM stores.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&orderModel{}, &receiverModel{}, &returnModel{}, &operationLogModel{})
}

// IsDuplicateKeyErr recognizes unique violations across the supported drivers.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value violates unique constraint") || // postgres 23505
		strings.Contains(msg, "Error 1062") || // mysql
		strings.Contains(msg, "UNIQUE constraint failed") // sqlite
}

type GormOrders struct {
	db *gorm.DB
}

func NewGormOrders(db *gorm.DB) *GormOrders { return &GormOrders{db: db} }

func (s *GormOrders) Create(ctx context.Context, o *domain.ProfitShareOrder) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	stampCreate(&o.CreatedAt, &o.UpdatedAt)
	o.Version = 1
	m := orderToModel(o)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return duplicateOrder(o)
		}
		return err
	}
	return nil
}

func (s *GormOrders) Get(ctx context.Context, subMchID, outOrderNo string) (*domain.ProfitShareOrder, bool, error) {
	var m orderModel
	err := s.withReceivers(ctx).
		Where("sub_mch_id = ? AND out_order_no = ?", strings.TrimSpace(subMchID), strings.TrimSpace(outOrderNo)).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return orderFromModel(&m), true, nil
}

func (s *GormOrders) Save(ctx context.Context, o *domain.ProfitShareOrder) error {
	key := orderKey(o.SubMchID, o.OutOrderNo)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&orderModel{}).
			Where("id = ? AND version = ?", o.ID, o.Version).
			Updates(map[string]any{
				"order_id":   o.OrderID,
				"state":      string(o.State),
				"version":    gorm.Expr("version + 1"),
				"updated_at": o.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&orderModel{}).Where("id = ?", o.ID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return notFound("分账订单", key)
			}
			return staleVersion("分账订单", key, o.Version)
		}
		for _, r := range o.Receivers {
			err := tx.Model(&receiverModel{}).
				Where("order_row_id = ? AND type = ? AND account = ?", o.ID, string(r.Type), r.Account).
				Updates(map[string]any{
					"result":      string(r.Result),
					"fail_reason": string(r.FailReason),
					"detail_id":   r.DetailID,
					"create_time": r.CreateTime,
					"finish_time": r.FinishTime,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	o.Version++
	return nil
}

func (s *GormOrders) ListByTransaction(ctx context.Context, subMchID, transactionID string) ([]*domain.ProfitShareOrder, error) {
	return s.List(ctx, OrderFilter{SubMchID: subMchID, TransactionID: transactionID, Limit: maxListLimit})
}

func (s *GormOrders) List(ctx context.Context, f OrderFilter) ([]*domain.ProfitShareOrder, error) {
	q := s.withReceivers(ctx)
	if f.SubMchID != "" {
		q = q.Where("sub_mch_id = ?", f.SubMchID)
	}
	if f.TransactionID != "" {
		q = q.Where("transaction_id = ?", f.TransactionID)
	}
	if f.State != "" {
		q = q.Where("state = ?", string(f.State))
	}
	var rows []orderModel
	if err := q.Order("created_at asc").Limit(listLimit(f.Limit)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.ProfitShareOrder, 0, len(rows))
	for i := range rows {
		out = append(out, orderFromModel(&rows[i]))
	}
	return out, nil
}

func (s *GormOrders) withReceivers(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).Preload("Receivers", func(db *gorm.DB) *gorm.DB {
		return db.Order("seq asc")
	})
}

func orderToModel(o *domain.ProfitShareOrder) orderModel {
	m := orderModel{
		ID:              o.ID,
		SubMchID:        o.SubMchID,
		OutOrderNo:      o.OutOrderNo,
		TransactionID:   o.TransactionID,
		AppID:           o.AppID,
		SubAppID:        o.SubAppID,
		OrderID:         o.OrderID,
		State:           string(o.State),
		UnfreezeUnsplit: o.UnfreezeUnsplit,
		Unfreeze:        o.Unfreeze,
		Version:         o.Version,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for i, r := range o.Receivers {
		m.Receivers = append(m.Receivers, receiverModel{
			OrderRowID:  o.ID,
			Seq:         i,
			Type:        string(r.Type),
			Account:     r.Account,
			Name:        r.Name,
			Amount:      r.Amount,
			Description: r.Description,
			Result:      string(r.Result),
			FailReason:  string(r.FailReason),
			DetailID:    r.DetailID,
			CreateTime:  r.CreateTime,
			FinishTime:  r.FinishTime,
		})
	}
	return m
}

func orderFromModel(m *orderModel) *domain.ProfitShareOrder {
	o := &domain.ProfitShareOrder{
		ID:              m.ID,
		SubMchID:        m.SubMchID,
		AppID:           m.AppID,
		SubAppID:        m.SubAppID,
		TransactionID:   m.TransactionID,
		OutOrderNo:      m.OutOrderNo,
		OrderID:         m.OrderID,
		State:           domain.OrderState(m.State),
		UnfreezeUnsplit: m.UnfreezeUnsplit,
		Unfreeze:        m.Unfreeze,
		Version:         m.Version,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
	for _, r := range m.Receivers {
		o.Receivers = append(o.Receivers, domain.ProfitShareReceiver{
			Type:        domain.ReceiverType(r.Type),
			Account:     r.Account,
			Name:        r.Name,
			Amount:      r.Amount,
			Description: r.Description,
			Result:      domain.ReceiverResult(r.Result),
			FailReason:  domain.ReceiverFailReason(r.FailReason),
			DetailID:    r.DetailID,
			CreateTime:  r.CreateTime,
			FinishTime:  r.FinishTime,
		})
	}
	return o
}

type GormReturns struct {
	db *gorm.DB
}

func NewGormReturns(db *gorm.DB) *GormReturns { return &GormReturns{db: db} }

func (s *GormReturns) Create(ctx context.Context, r *domain.ProfitShareReturnOrder) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	stampCreate(&r.CreatedAt, &r.UpdatedAt)
	r.Version = 1
	m := returnToModel(r)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if IsDuplicateKeyErr(err) {
			return duplicateReturn(r)
		}
		return err
	}
	return nil
}

func (s *GormReturns) Get(ctx context.Context, subMchID, outReturnNo string) (*domain.ProfitShareReturnOrder, bool, error) {
	var m returnModel
	err := s.db.WithContext(ctx).
		Where("sub_mch_id = ? AND out_return_no = ?", strings.TrimSpace(subMchID), strings.TrimSpace(outReturnNo)).
		Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return returnFromModel(&m), true, nil
}

func (s *GormReturns) Save(ctx context.Context, r *domain.ProfitShareReturnOrder) error {
	key := orderKey(r.SubMchID, r.OutReturnNo)
	res := s.db.WithContext(ctx).Model(&returnModel{}).
		Where("id = ? AND version = ?", r.ID, r.Version).
		Updates(map[string]any{
			"order_id":    r.OrderID,
			"return_id":   r.ReturnID,
			"result":      string(r.Result),
			"fail_reason": string(r.FailReason),
			"finish_time": r.FinishTime,
			"version":     gorm.Expr("version + 1"),
			"updated_at":  r.UpdatedAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var n int64
		if err := s.db.WithContext(ctx).Model(&returnModel{}).Where("id = ?", r.ID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return notFound("分账回退单", key)
		}
		return staleVersion("分账回退单", key, r.Version)
	}
	r.Version++
	return nil
}

func (s *GormReturns) List(ctx context.Context, f ReturnFilter) ([]*domain.ProfitShareReturnOrder, error) {
	q := s.db.WithContext(ctx)
	if f.SubMchID != "" {
		q = q.Where("sub_mch_id = ?", f.SubMchID)
	}
	if f.OutOrderNo != "" {
		q = q.Where("out_order_no = ?", f.OutOrderNo)
	}
	var rows []returnModel
	if err := q.Order("created_at asc").Limit(listLimit(f.Limit)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.ProfitShareReturnOrder, 0, len(rows))
	for i := range rows {
		out = append(out, returnFromModel(&rows[i]))
	}
	return out, nil
}

func returnToModel(r *domain.ProfitShareReturnOrder) returnModel {
	return returnModel{
		ID:          r.ID,
		SubMchID:    r.SubMchID,
		OutReturnNo: r.OutReturnNo,
		OrderID:     r.OrderID,
		OutOrderNo:  r.OutOrderNo,
		ReturnID:    r.ReturnID,
		ReturnMchID: r.ReturnMchID,
		Amount:      r.Amount,
		Description: r.Description,
		Result:      string(r.Result),
		FailReason:  string(r.FailReason),
		FinishTime:  r.FinishTime,
		Version:     r.Version,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func returnFromModel(m *returnModel) *domain.ProfitShareReturnOrder {
	return &domain.ProfitShareReturnOrder{
		ID:          m.ID,
		SubMchID:    m.SubMchID,
		OrderID:     m.OrderID,
		OutOrderNo:  m.OutOrderNo,
		OutReturnNo: m.OutReturnNo,
		ReturnID:    m.ReturnID,
		ReturnMchID: m.ReturnMchID,
		Amount:      m.Amount,
		Description: m.Description,
		Result:      domain.ReturnResult(m.Result),
		FailReason:  domain.ReturnFailReason(m.FailReason),
		FinishTime:  m.FinishTime,
		Version:     m.Version,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

type GormOperationLogs struct {
	db *gorm.DB
}

func NewGormOperationLogs(db *gorm.DB) *GormOperationLogs { return &GormOperationLogs{db: db} }

func (s *GormOperationLogs) Append(ctx context.Context, l *domain.ProfitShareOperationLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now()
	}
	m := operationLogModel{
		ID:           l.ID,
		Type:         string(l.Type),
		SubMchID:     l.SubMchID,
		EntityKey:    l.EntityKey,
		Success:      l.Success,
		ErrorKind:    string(l.ErrorKind),
		ErrorMessage: l.ErrorMessage,
		Request:      datatypes.JSON(l.Request),
		Response:     datatypes.JSON(l.Response),
		CreatedAt:    l.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormOperationLogs) List(ctx context.Context, f domain.OperationLogFilter) ([]*domain.ProfitShareOperationLog, error) {
	q := s.db.WithContext(ctx).Model(&operationLogModel{})
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	if f.SubMchID != "" {
		q = q.Where("sub_mch_id = ?", f.SubMchID)
	}
	if f.EntityKey != "" {
		q = q.Where("entity_key = ?", f.EntityKey)
	}
	if f.Success != nil {
		q = q.Where("success = ?", *f.Success)
	}
	if f.StartAt != nil {
		q = q.Where("created_at >= ?", *f.StartAt)
	}
	if f.EndAt != nil {
		q = q.Where("created_at < ?", *f.EndAt)
	}
	var rows []operationLogModel
	if err := q.Order("created_at desc").Order("id desc").Limit(listLimit(f.Limit)).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.ProfitShareOperationLog, 0, len(rows))
	for _, m := range rows {
		out = append(out, &domain.ProfitShareOperationLog{
			ID:           m.ID,
			Type:         domain.OperationType(m.Type),
			SubMchID:     m.SubMchID,
			EntityKey:    m.EntityKey,
			Success:      m.Success,
			ErrorKind:    domain.ErrorKind(m.ErrorKind),
			ErrorMessage: m.ErrorMessage,
			Request:      rawJSON(m.Request),
			Response:     rawJSON(m.Response),
			CreatedAt:    m.CreatedAt,
		})
	}
	return out, nil
}

// rawJSON maps a NULL column (scanned as "null") back to an absent snapshot.
func rawJSON(j datatypes.JSON) json.RawMessage {
	if len(j) == 0 || string(j) == "null" {
		return nil
	}
	return json.RawMessage(j)
}
