package wechat

import (
	"compress/gzip"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"profitshare/domain"
	"profitshare/obs"
	"profitshare/payload"
)

// DownloadBill fetches a READY bill, gunzips it when tar_type is GZIP and stores it at
// req.LocalPath only if the SHA1 of the bill content equals req.HashValue. On mismatch
// nothing is left on disk and the error is of kind Integrity.
func (c *Client) DownloadBill(ctx context.Context, req *payload.BillDownloadRequest) error {
	start := time.Now()
	err := c.downloadBill(ctx, req)
	obs.RecordGatewayCall(string(domain.OpDownloadBill), gatewayResult(err), start)
	if err != nil {
		c.log.Warn("bill download failed", "path", req.LocalPath, "err", err)
	}
	return err
}

func (c *Client) downloadBill(ctx context.Context, req *payload.BillDownloadRequest) error {
	httpReq, err := c.newRequest(ctx, http.MethodGet, req.DownloadURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return domain.GatewayError(fmt.Errorf("下载账单失败: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.GatewayError(decodeAPIError(resp.StatusCode, b))
	}
	return writeVerifiedBill(resp.Body, req)
}

func writeVerifiedBill(src io.Reader, req *payload.BillDownloadRequest) error {
	if req.TarType == domain.TarTypeGzip {
		gz, err := gzip.NewReader(src)
		if err != nil {
			return domain.IntegrityError("账单不是合法的 GZIP: %v", err)
		}
		defer gz.Close()
		src = gz
	}

	dir := filepath.Dir(req.LocalPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建账单目录失败: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".bill-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpPath)
		}
	}()

	h := sha1.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), src); err != nil {
		_ = tmp.Close()
		if req.TarType == domain.TarTypeGzip {
			return domain.IntegrityError("账单解压失败: %v", err)
		}
		return domain.GatewayError(fmt.Errorf("读取账单失败: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, strings.TrimSpace(req.HashValue)) {
		return domain.IntegrityError("账单摘要不匹配: expected=%s got=%s", req.HashValue, got)
	}
	if err := os.Rename(tmpPath, req.LocalPath); err != nil {
		return err
	}
	keep = true
	return nil
}
