package domain

import (
	"strings"
	"time"
)

type BillStatus string

const (
	BillStatusPending    BillStatus = "PENDING"
	BillStatusReady      BillStatus = "READY"
	BillStatusDownloaded BillStatus = "DOWNLOADED"
	BillStatusFailed     BillStatus = "FAILED"
	BillStatusExpired    BillStatus = "EXPIRED"
)

// READY -> FAILED covers a download whose content failed hash verification.
var billStatusTransitions = transitions[BillStatus]{
	BillStatusPending: {BillStatusReady, BillStatusFailed},
	BillStatusReady:   {BillStatusDownloaded, BillStatusExpired, BillStatusFailed},
}

func (s BillStatus) Valid() bool {
	switch s {
	case BillStatusPending, BillStatusReady, BillStatusDownloaded, BillStatusFailed, BillStatusExpired:
		return true
	}
	return false
}

func (s BillStatus) Terminal() bool {
	return s.Valid() && billStatusTransitions.terminal(s)
}

func (s BillStatus) Label() string {
	switch s {
	case BillStatusPending:
		return "待生成"
	case BillStatusReady:
		return "可下载"
	case BillStatusDownloaded:
		return "已下载"
	case BillStatusFailed:
		return "失败"
	case BillStatusExpired:
		return "已过期"
	}
	return string(s)
}

func ParseBillStatus(s string) (BillStatus, error) {
	st := BillStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", InvalidArgument("未知的账单状态: %q", s)
	}
	return st, nil
}

type TarType string

const TarTypeGzip TarType = "GZIP"

func (t TarType) Label() string {
	if t == TarTypeGzip {
		return "GZIP压缩"
	}
	if t == "" {
		return "不压缩"
	}
	return string(t)
}

func ParseTarType(s string) (TarType, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	switch v {
	case "":
		return "", nil
	case string(TarTypeGzip):
		return TarTypeGzip, nil
	}
	return "", InvalidArgument("未知的压缩类型: %q", s)
}

type HashType string

const HashTypeSHA1 HashType = "SHA1"

func (h HashType) Label() string {
	if h == HashTypeSHA1 {
		return "SHA1"
	}
	return string(h)
}

// DefaultBillURLTTL is how long a gateway download_url stays valid.
const DefaultBillURLTTL = 30 * time.Second

// ProfitShareBillTask tracks one bill application for a sub-merchant and date.
type ProfitShareBillTask struct {
	ID          string     `json:"id"`
	SubMchID    string     `json:"subMchId,omitempty"`
	BillDate    time.Time  `json:"billDate"`
	TarType     TarType    `json:"tarType,omitempty"`
	Status      BillStatus `json:"status"`
	DownloadURL string     `json:"downloadUrl,omitempty"`
	HashType    HashType   `json:"hashType,omitempty"`
	HashValue   string     `json:"hashValue,omitempty"`
	LocalPath   string     `json:"localPath,omitempty"`
	ObjectKey   string     `json:"objectKey,omitempty"`
	ExportKey   string     `json:"exportKey,omitempty"`
	Error       string     `json:"error,omitempty"`
	ReadyAt     *time.Time `json:"readyAt,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (b *ProfitShareBillTask) transition(to BillStatus, now time.Time) error {
	from := b.Status
	if from == "" {
		from = BillStatusPending
	}
	if !billStatusTransitions.allows(from, to) {
		return InvalidTransition("分账账单任务", from, to)
	}
	b.Status = to
	b.UpdatedAt = now
	return nil
}

func (b *ProfitShareBillTask) MarkReady(downloadURL string, hashType HashType, hashValue string, now time.Time, ttl time.Duration) error {
	if strings.TrimSpace(downloadURL) == "" {
		return InvalidArgument("download_url 不能为空")
	}
	if err := b.transition(BillStatusReady, now); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultBillURLTTL
	}
	exp := now.Add(ttl)
	b.DownloadURL = strings.TrimSpace(downloadURL)
	b.HashType = hashType
	b.HashValue = strings.TrimSpace(hashValue)
	b.ReadyAt = &now
	b.ExpiresAt = &exp
	b.Error = ""
	return nil
}

func (b *ProfitShareBillTask) MarkDownloaded(localPath string, now time.Time) error {
	if strings.TrimSpace(localPath) == "" {
		return InvalidArgument("已下载的账单必须记录本地路径")
	}
	if err := b.transition(BillStatusDownloaded, now); err != nil {
		return err
	}
	b.LocalPath = strings.TrimSpace(localPath)
	return nil
}

func (b *ProfitShareBillTask) MarkFailed(reason string, now time.Time) error {
	if err := b.transition(BillStatusFailed, now); err != nil {
		return err
	}
	b.Error = reason
	return nil
}

func (b *ProfitShareBillTask) MarkExpired(now time.Time) error {
	if err := b.transition(BillStatusExpired, now); err != nil {
		return err
	}
	b.DownloadURL = ""
	return nil
}

// IsExpired reports whether a READY task's download window has elapsed.
func (b *ProfitShareBillTask) IsExpired(now time.Time) bool {
	return b.Status == BillStatusReady && b.ExpiresAt != nil && !now.Before(*b.ExpiresAt)
}

func (b *ProfitShareBillTask) Clone() *ProfitShareBillTask {
	if b == nil {
		return nil
	}
	cp := *b
	cp.ReadyAt = cloneTime(b.ReadyAt)
	cp.ExpiresAt = cloneTime(b.ExpiresAt)
	return &cp
}
