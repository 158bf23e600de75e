package wechat

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.mch.weixin.qq.com"

// Config is the service provider's merchant material. Either a platform certificate or a
// platform public key (PUB_KEY_ID_...) is needed to verify responses and callbacks.
type Config struct {
	MchID            string
	MerchantSerial   string
	PrivateKeyPath   string
	MerchantCertPath string
	// CertDir holds merchant material: merchant_key.pem / merchant_cert.pem, or the
	// <mchid>_YYYYMMDD_cert.zip downloaded from the merchant platform.
	CertDir  string
	CacheDir string
	APIv3Key string

	PlatformPublicKeyID  string
	PlatformPublicKeyPEM string
	PlatformCertPath     string

	BaseURL string
	Timeout time.Duration
	Mock    bool
}

func ConfigFromEnv() Config {
	c := Config{
		MchID:                strings.TrimSpace(os.Getenv("WECHAT_MCHID")),
		MerchantSerial:       strings.ToUpper(strings.TrimSpace(os.Getenv("WECHAT_MCH_SERIAL"))),
		PrivateKeyPath:       strings.TrimSpace(os.Getenv("WECHAT_PRIVATE_KEY_PATH")),
		MerchantCertPath:     strings.TrimSpace(os.Getenv("WECHAT_MERCHANT_CERT_PATH")),
		CertDir:              strings.TrimSpace(os.Getenv("WECHAT_CERT_DIR")),
		CacheDir:             strings.TrimSpace(os.Getenv("WECHAT_CERT_CACHE_DIR")),
		APIv3Key:             strings.TrimSpace(os.Getenv("WECHAT_API_V3_KEY")),
		PlatformPublicKeyID:  strings.TrimSpace(os.Getenv("WECHAT_PLATFORM_PUBLIC_KEY_ID")),
		PlatformPublicKeyPEM: strings.TrimSpace(os.Getenv("WECHAT_PLATFORM_PUBLIC_KEY")),
		PlatformCertPath:     strings.TrimSpace(os.Getenv("WECHAT_PLATFORM_CERT_PATH")),
		BaseURL:              strings.TrimSpace(os.Getenv("WECHAT_API_BASE")),
		Mock:                 strings.TrimSpace(os.Getenv("WECHAT_MOCK")) == "1",
	}
	if c.CertDir == "" {
		c.CertDir = filepath.Join("wechatpay", "cert")
	}
	if c.CacheDir == "" {
		root := strings.TrimSpace(os.Getenv("TMP_ROOT"))
		if root == "" {
			root = "./tmp"
		}
		c.CacheDir = filepath.Join(root, "wechatpay_cache", "cert")
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.Timeout = 20 * time.Second
	if v := strings.TrimSpace(os.Getenv("WECHAT_TIMEOUT_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Timeout = time.Duration(n) * time.Second
		}
	}
	if c.PlatformPublicKeyPEM == "" {
		// Allow mounting a pem file instead of embedding a multi-line env.
		for _, p := range []string{
			filepath.Join(c.CertDir, "platform_public_key.pem"),
			filepath.Join(c.CertDir, "pub_key.pem"),
		} {
			if b, err := os.ReadFile(p); err == nil {
				if v := strings.TrimSpace(string(b)); v != "" {
					c.PlatformPublicKeyPEM = v
					break
				}
			}
		}
	}
	if c.MchID == "" {
		c.MchID = inferMchIDFromCertZip(c.CertDir)
	}
	return c
}

func (c Config) Validate() error {
	if c.Mock {
		return nil
	}
	if c.MchID == "" {
		return errors.New("缺少 WECHAT_MCHID")
	}
	if !isValidWechatMchID(c.MchID) {
		return fmt.Errorf("WECHAT_MCHID 非法：%q（必须是纯数字商户号）", c.MchID)
	}
	if len(c.APIv3Key) != 32 {
		return errors.New("WECHAT_API_V3_KEY 长度必须为 32 字节")
	}
	if c.PlatformPublicKeyPEM == "" && c.PlatformCertPath == "" {
		return errors.New("缺少平台验签材料：请配置 WECHAT_PLATFORM_PUBLIC_KEY 或 WECHAT_PLATFORM_CERT_PATH")
	}
	return nil
}

func isValidWechatMchID(mchID string) bool {
	mchID = strings.TrimSpace(mchID)
	if mchID == "" {
		return false
	}
	for _, ch := range mchID {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return mchID[0] != '0'
}

var certZipName = regexp.MustCompile(`^(\d+)_\d{8}_cert\.zip$`)

// inferMchIDFromCertZip reads the merchant id from the newest <mchid>_YYYYMMDD_cert.zip.
func inferMchIDFromCertZip(dir string) string {
	if zipPath := findLatestCertZip(dir); zipPath != "" {
		if m := certZipName.FindStringSubmatch(filepath.Base(zipPath)); len(m) == 2 {
			return m[1]
		}
	}
	return ""
}

func findLatestCertZip(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	type candidate struct {
		path  string
		mtime time.Time
	}
	var cands []candidate
	for _, e := range entries {
		if e.IsDir() || !certZipName.MatchString(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		cands = append(cands, candidate{path: filepath.Join(dir, e.Name()), mtime: info.ModTime()})
	}
	if len(cands) == 0 {
		return ""
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].mtime.After(cands[j].mtime) })
	return cands[0].path
}
