package wechat

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Verifier checks Wechatpay-Signature on responses and callbacks and encrypts sensitive
// request fields. It holds a platform certificate, a platform public key, or both.
type Verifier struct {
	platformCert       *x509.Certificate
	platformCertSerial string

	platformPublicKey   *rsa.PublicKey
	platformPublicKeyID string // PUB_KEY_ID_...
}

func NewVerifier(cfg Config) (*Verifier, error) {
	v := &Verifier{}
	if cfg.PlatformCertPath != "" {
		cert, err := loadX509CertFromPath(cfg.PlatformCertPath)
		if err != nil {
			return nil, fmt.Errorf("加载平台证书失败: %w", err)
		}
		v.platformCert = cert
		v.platformCertSerial = strings.ToUpper(cert.SerialNumber.Text(16))
	}
	if pemText := strings.TrimSpace(cfg.PlatformPublicKeyPEM); pemText != "" {
		pub, err := parseRSAPublicKeyFromPEM(pemText)
		if err != nil {
			return nil, fmt.Errorf("解析 WECHAT_PLATFORM_PUBLIC_KEY 失败: %w", err)
		}
		v.platformPublicKey = pub
		v.platformPublicKeyID = strings.TrimSpace(cfg.PlatformPublicKeyID)
	}
	if v.platformCert == nil && v.platformPublicKey == nil {
		return nil, errors.New("缺少平台验签材料：请提供平台证书 WECHAT_PLATFORM_CERT_PATH 或平台公钥 WECHAT_PLATFORM_PUBLIC_KEY")
	}
	return v, nil
}

// NewPublicKeyVerifier builds a verifier in platform public key mode.
func NewPublicKeyVerifier(keyID string, pub *rsa.PublicKey) *Verifier {
	return &Verifier{platformPublicKey: pub, platformPublicKeyID: strings.TrimSpace(keyID)}
}

// Serial is the value for the Wechatpay-Serial request header when a request carries
// fields encrypted with this verifier's key.
func (v *Verifier) Serial() string {
	if v.platformPublicKey != nil && v.platformPublicKeyID != "" {
		return v.platformPublicKeyID
	}
	return v.platformCertSerial
}

func (v *Verifier) encryptionKey() *rsa.PublicKey {
	if v.platformPublicKey != nil {
		return v.platformPublicKey
	}
	if v.platformCert != nil {
		if pub, ok := v.platformCert.PublicKey.(*rsa.PublicKey); ok {
			return pub
		}
	}
	return nil
}

// EncryptSensitive encrypts a field such as a receiver name with RSA-OAEP (SHA-1, MGF1),
// base64 encoded.
func (v *Verifier) EncryptSensitive(plain string) (string, error) {
	pub := v.encryptionKey()
	if pub == nil {
		return "", errors.New("缺少平台公钥，无法加密敏感字段")
	}
	ct, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, []byte(plain), nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (v *Verifier) Verify(h http.Header, body []byte) error {
	ts := h.Get("Wechatpay-Timestamp")
	nonce := h.Get("Wechatpay-Nonce")
	sigB64 := h.Get("Wechatpay-Signature")
	serial := h.Get("Wechatpay-Serial")
	if ts == "" || nonce == "" || sigB64 == "" || serial == "" {
		return errors.New("缺少微信验签头")
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return err
	}
	msg := ts + "\n" + nonce + "\n" + string(body) + "\n"
	digest := sha256.Sum256([]byte(msg))

	// Platform certificates rotate; a serial mismatch alone is not a rejection, the
	// signature is.
	if v.platformCert != nil {
		if pub, ok := v.platformCert.PublicKey.(*rsa.PublicKey); ok && pub != nil {
			if rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil {
				return nil
			}
		}
	}
	if v.platformPublicKey != nil {
		if rsa.VerifyPKCS1v15(v.platformPublicKey, crypto.SHA256, digest[:], sig) == nil {
			return nil
		}
	}
	return errors.New("验签失败：平台证书/公钥均未通过验证")
}

func parseRSAPublicKeyFromPEM(pemText string) (*rsa.PublicKey, error) {
	pemText = strings.TrimSpace(pemText)
	// Common env pitfalls: wrapped in quotes, escaped newlines, header glued to body.
	if len(pemText) >= 2 {
		if (pemText[0] == '"' && pemText[len(pemText)-1] == '"') || (pemText[0] == '\'' && pemText[len(pemText)-1] == '\'') {
			pemText = strings.TrimSpace(pemText[1 : len(pemText)-1])
		}
	}
	pemText = strings.ReplaceAll(pemText, "\r\n", "\n")
	pemText = strings.ReplaceAll(pemText, `\\n`, "\n")
	pemText = strings.ReplaceAll(pemText, `\n`, "\n")
	pemText = strings.ReplaceAll(pemText, "-----BEGIN PUBLIC KEY-----", "-----BEGIN PUBLIC KEY-----\n")
	pemText = strings.ReplaceAll(pemText, "-----END PUBLIC KEY-----", "\n-----END PUBLIC KEY-----")
	pemText = strings.ReplaceAll(pemText, "-----BEGIN CERTIFICATE-----", "-----BEGIN CERTIFICATE-----\n")
	pemText = strings.ReplaceAll(pemText, "-----END CERTIFICATE-----", "\n-----END CERTIFICATE-----")

	var der []byte
	if block, _ := pem.Decode([]byte(pemText)); block != nil {
		der = block.Bytes
	} else {
		// Bare base64 body without header/footer.
		compact := strings.ReplaceAll(strings.ReplaceAll(pemText, "\n", ""), " ", "")
		b, err := base64.StdEncoding.DecodeString(compact)
		if err != nil || len(b) == 0 {
			return nil, fmt.Errorf("无法解析 PEM（len=%d）", len(pemText))
		}
		if strings.HasPrefix(strings.TrimSpace(string(b)), "-----BEGIN ") {
			return nil, errors.New("无法解析 PEM：输入看起来是 PEM 文件整体的 base64，请先解码再注入")
		}
		der = b
	}
	if pubAny, err := x509.ParsePKIXPublicKey(der); err == nil {
		if pub, ok := pubAny.(*rsa.PublicKey); ok && pub != nil {
			return pub, nil
		}
		return nil, errors.New("平台公钥不是 RSA")
	}
	// A certificate pasted in place of the key still carries a usable public key.
	if cert, err := x509.ParseCertificate(der); err == nil && cert != nil {
		if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok && pub != nil {
			return pub, nil
		}
		return nil, errors.New("证书公钥不是 RSA")
	}
	return nil, errors.New("无法解析 RSA 公钥")
}
