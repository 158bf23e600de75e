package payload

import (
	"strings"
	"time"

	"profitshare/domain"
)

const billDateLayout = "2006-01-02"

// BillRequest is GET /v3/profitsharing/bills.
type BillRequest struct {
	subMchID string
	billDate time.Time
	tarType  domain.TarType
}

// NewBillRequest keeps the calendar date of billDate as given: 2024-05-01 00:30 +08:00
// is rendered as 2024-05-01, not converted to UTC first.
func NewBillRequest(subMchID string, billDate time.Time, tarType domain.TarType) (*BillRequest, error) {
	if billDate.IsZero() {
		return nil, domain.InvalidArgument("bill_date 不能为空")
	}
	if tarType != "" && tarType != domain.TarTypeGzip {
		return nil, domain.InvalidArgument("未知的压缩类型: %q", tarType)
	}
	y, m, d := billDate.Date()
	return &BillRequest{
		subMchID: strings.TrimSpace(subMchID),
		billDate: time.Date(y, m, d, 0, 0, 0, 0, billDate.Location()),
		tarType:  tarType,
	}, nil
}

func (r *BillRequest) Operation() domain.OperationType { return domain.OpApplyBill }
func (r *BillRequest) SubMchID() string                { return r.subMchID }
func (r *BillRequest) BillDate() time.Time             { return r.billDate }
func (r *BillRequest) TarType() domain.TarType         { return r.tarType }

func (r *BillRequest) Payload() Payload {
	return build(
		req("bill_date", r.billDate.Format(billDateLayout)),
		opt("sub_mchid", r.subMchID),
		opt("tar_type", string(r.tarType)),
	)
}

// BillDownloadRequest describes the download and verification of a READY bill.
type BillDownloadRequest struct {
	DownloadURL string
	LocalPath   string
	HashType    domain.HashType
	HashValue   string
	TarType     domain.TarType
}

func NewBillDownloadRequest(downloadURL, localPath string, hashType domain.HashType, hashValue string, tarType domain.TarType) (*BillDownloadRequest, error) {
	var err error
	r := &BillDownloadRequest{HashType: hashType, TarType: tarType}
	if r.DownloadURL, err = requireString("download_url", downloadURL); err != nil {
		return nil, err
	}
	if r.LocalPath, err = requireString("local_path", localPath); err != nil {
		return nil, err
	}
	if hashType != domain.HashTypeSHA1 {
		return nil, domain.InvalidArgument("不支持的摘要类型: %q", hashType)
	}
	if r.HashValue, err = requireString("hash_value", hashValue); err != nil {
		return nil, err
	}
	if tarType != "" && tarType != domain.TarTypeGzip {
		return nil, domain.InvalidArgument("未知的压缩类型: %q", tarType)
	}
	return r, nil
}

func (r *BillDownloadRequest) Operation() domain.OperationType { return domain.OpDownloadBill }

func (r *BillDownloadRequest) Payload() Payload {
	return build(
		req("download_url", r.DownloadURL),
		req("local_path", r.LocalPath),
		req("hash_type", string(r.HashType)),
		req("hash_value", r.HashValue),
		opt("tar_type", string(r.TarType)),
	)
}
