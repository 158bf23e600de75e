package wechat

import (
	"archive/zip"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// merchantMaterial resolves merchant_key.pem / merchant_cert.pem. Explicit paths win,
// then CertDir, then a cert zip in CertDir extracted into CacheDir (writable even when
// the cert dir is mounted read-only).
func merchantMaterial(cfg Config) (keyPath, certPath string, err error) {
	if cfg.PrivateKeyPath != "" {
		return cfg.PrivateKeyPath, cfg.MerchantCertPath, nil
	}
	for _, dir := range []string{cfg.CertDir, cfg.CacheDir} {
		k := filepath.Join(dir, "merchant_key.pem")
		c := filepath.Join(dir, "merchant_cert.pem")
		if fileExists(k) && fileExists(c) {
			return k, c, nil
		}
	}

	zipPath := findLatestCertZip(cfg.CertDir)
	if zipPath == "" {
		return "", "", fmt.Errorf("缺少商户证书文件：请在 %s 下放置 merchant_key.pem、merchant_cert.pem，或放置 <mchid>_YYYYMMDD_cert.zip", cfg.CertDir)
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return "", "", fmt.Errorf("创建证书缓存目录失败: %w", err)
	}
	if err := extractCertZip(zipPath, cfg.CacheDir); err != nil {
		return "", "", err
	}
	k := filepath.Join(cfg.CacheDir, "merchant_key.pem")
	c := filepath.Join(cfg.CacheDir, "merchant_cert.pem")
	if !fileExists(k) || !fileExists(c) {
		return "", "", fmt.Errorf("已解压 cert.zip 但仍缺少 merchant_key.pem/merchant_cert.pem（zip=%s）", zipPath)
	}
	return k, c, nil
}

// extractCertZip copies apiclient_key.pem / apiclient_cert.pem out of the merchant zip.
func extractCertZip(zipPath, destDir string) error {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return fmt.Errorf("打开 cert.zip 失败: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		lower := strings.ToLower(filepath.Base(f.Name))
		var outName string
		switch {
		case lower == "apiclient_key.pem" || strings.Contains(lower, "merchant_key"):
			outName = "merchant_key.pem"
		case lower == "apiclient_cert.pem" || strings.Contains(lower, "merchant_cert"):
			outName = "merchant_cert.pem"
		default:
			continue
		}
		if err := copyZipEntry(f, filepath.Join(destDir, outName)); err != nil {
			return err
		}
	}
	return nil
}

func copyZipEntry(f *zip.File, outPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func fileExists(p string) bool {
	if p == "" {
		return false
	}
	st, err := os.Stat(p)
	return err == nil && !st.IsDir()
}

func loadRSAPrivateKeyFromPath(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseRSAPrivateKey(b)
}

// parseRSAPrivateKey accepts PKCS8 or PKCS1.
func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("无法解析 PEM")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	pk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rk, ok := pk.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("私钥不是 RSA")
	}
	return rk, nil
}

func loadX509CertFromPath(path string) (*x509.Certificate, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("无法解析 PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}
