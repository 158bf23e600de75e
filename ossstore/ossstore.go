// Package ossstore archives downloaded profit sharing bills and their xlsx exports to
// Aliyun OSS and signs download URLs for them.
package ossstore

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/aliyun/credentials-go/credentials"

	"profitshare/domain"
)

const (
	ContentTypeCSV  = "text/csv; charset=utf-8"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	defaultPrefix     = "profitsharing-bills"
	defaultSignExpiry = 10 * time.Minute
)

type Config struct {
	Bucket string
	// AuthV4 needs a region, e.g. cn-heyuan.
	Region           string
	InternalEndpoint string
	PublicEndpoint   string
	Prefix           string
	SignExpiry       time.Duration

	// RRSA (ACK OIDC) material; when all three are set the OIDC role credential is used,
	// otherwise the default credential chain (AK env, profile, ECS role).
	RoleArn         string
	OIDCProviderArn string
	OIDCTokenFile   string
	STSEndpoint     string
}

// Enabled reports whether archiving is configured at all.
func (c Config) Enabled() bool { return strings.TrimSpace(c.Bucket) != "" }

func (c Config) withDefaults() (Config, error) {
	c.Bucket = strings.TrimSpace(c.Bucket)
	c.Region = strings.TrimSpace(c.Region)
	if c.Region == "" {
		c.Region = "cn-heyuan"
	}
	c.InternalEndpoint = strings.TrimSpace(c.InternalEndpoint)
	c.PublicEndpoint = strings.TrimSpace(c.PublicEndpoint)
	if c.InternalEndpoint == "" && c.PublicEndpoint == "" {
		return c, errors.New("已设置 OSS_BUCKET，但缺少 OSS_ENDPOINT_INTERNAL/OSS_ENDPOINT_PUBLIC")
	}
	// Signed URLs must be reachable from outside, uploads prefer the internal endpoint.
	if c.PublicEndpoint == "" {
		c.PublicEndpoint = c.InternalEndpoint
	}
	if c.InternalEndpoint == "" {
		c.InternalEndpoint = c.PublicEndpoint
	}
	c.Prefix = strings.Trim(strings.TrimSpace(c.Prefix), "/")
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.SignExpiry <= 0 {
		c.SignExpiry = defaultSignExpiry
	}
	return c, nil
}

type Store struct {
	bucketName string

	uploadBucket *oss.Bucket
	signBucket   *oss.Bucket

	cred credentials.Credential

	prefix     string
	signExpiry time.Duration
}

// New opens the bucket through both endpoints. A disabled config returns (nil, nil).
func New(cfg Config) (*Store, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	cred, err := newAlibabaCredential(cfg)
	if err != nil {
		return nil, fmt.Errorf("init alibaba credentials failed: %w", err)
	}
	// Fail early: without credentials the SDK sends anonymous requests and OSS answers with
	// a misleading bucket acl 403.
	if err := validateAlibabaCredential(cred); err != nil {
		return nil, err
	}
	provider := &credentialsProvider{cred: cred}

	uploadClient, err := newOSSClient(cfg.InternalEndpoint, cfg.Region, provider)
	if err != nil {
		return nil, fmt.Errorf("init oss upload client failed: %w", err)
	}
	signClient, err := newOSSClient(cfg.PublicEndpoint, cfg.Region, provider)
	if err != nil {
		return nil, fmt.Errorf("init oss sign client failed: %w", err)
	}
	ub, err := uploadClient.Bucket(cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open oss bucket(upload) failed: %w", err)
	}
	sb, err := signClient.Bucket(cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("open oss bucket(sign) failed: %w", err)
	}
	return &Store{
		bucketName:   cfg.Bucket,
		uploadBucket: ub,
		signBucket:   sb,
		cred:         cred,
		prefix:       cfg.Prefix,
		signExpiry:   cfg.SignExpiry,
	}, nil
}

func newAlibabaCredential(cfg Config) (credentials.Credential, error) {
	roleArn := strings.TrimSpace(cfg.RoleArn)
	providerArn := strings.TrimSpace(cfg.OIDCProviderArn)
	tokenFile := strings.TrimSpace(cfg.OIDCTokenFile)
	if roleArn != "" && providerArn != "" && tokenFile != "" {
		c := new(credentials.Config).
			SetType("oidc_role_arn").
			SetRoleArn(roleArn).
			SetOIDCProviderArn(providerArn).
			SetOIDCTokenFilePath(tokenFile)
		sts := strings.TrimSpace(cfg.STSEndpoint)
		if sts == "" {
			sts = "sts.aliyuncs.com"
			if cfg.Region != "" {
				sts = "sts." + cfg.Region + ".aliyuncs.com"
			}
		}
		c.SetSTSEndpoint(sts)
		return credentials.NewCredential(c)
	}
	return credentials.NewCredential(nil)
}

func validateAlibabaCredential(cred credentials.Credential) error {
	if cred == nil {
		return errors.New("阿里云凭证未初始化（RRSA/AK/STS 都不可用）")
	}
	c, err := cred.GetCredential()
	if err != nil {
		return fmt.Errorf("获取阿里云临时凭证失败（检查 RRSA 注入/STS 连通性/NAT）：%w", err)
	}
	if c == nil || strings.TrimSpace(deref(c.AccessKeyId)) == "" || strings.TrimSpace(deref(c.AccessKeySecret)) == "" {
		return errors.New("阿里云凭证为空：请检查 ALIBABA_CLOUD_ACCESS_KEY_ID 或 RRSA 注入")
	}
	return nil
}

func newOSSClient(endpoint, region string, provider oss.CredentialsProvider) (*oss.Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("endpoint empty")
	}
	opts := []oss.ClientOption{
		oss.SetCredentialsProvider(provider),
		oss.AuthVersion(oss.AuthV4),
	}
	if region != "" {
		opts = append(opts, oss.Region(region))
	}
	// Key id and secret stay empty; the provider supplies them.
	return oss.New(endpoint, "", "", opts...)
}

func (s *Store) Enabled() bool { return s != nil && s.uploadBucket != nil && s.signBucket != nil }

// ObjectKeyForBill places a task's files under <prefix>/<sub_mchid>/<yyyymmdd>/<task id>/.
func ObjectKeyForBill(prefix string, t *domain.ProfitShareBillTask, fileName string) string {
	sub := strings.TrimSpace(t.SubMchID)
	if sub == "" {
		sub = "all"
	}
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(fileName), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		name = "bill.csv"
	}
	return path.Join(strings.Trim(prefix, "/"), sub, t.BillDate.Format("20060102"), t.ID, name)
}

func (s *Store) ObjectKeyForBill(t *domain.ProfitShareBillTask, fileName string) string {
	return ObjectKeyForBill(s.prefix, t, fileName)
}

func (s *Store) ensureCred() error {
	if s == nil || s.cred == nil {
		return errors.New("阿里云凭证未初始化（RRSA/AK/STS 都不可用）")
	}
	return validateAlibabaCredential(s.cred)
}

func (s *Store) PutFile(objectKey, localPath, contentType string) error {
	if !s.Enabled() {
		return errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	localPath = strings.TrimSpace(localPath)
	if objectKey == "" || localPath == "" {
		return errors.New("invalid objectKey/localPath")
	}
	var opts []oss.Option
	if ct := strings.TrimSpace(contentType); ct != "" {
		opts = append(opts, oss.ContentType(ct))
	}
	return s.uploadBucket.PutObjectFromFile(objectKey, localPath, opts...)
}

// SignDownloadURL signs a GET through the public endpoint, served as an attachment.
func (s *Store) SignDownloadURL(objectKey, downloadFilename string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("oss not enabled")
	}
	if err := s.ensureCred(); err != nil {
		return "", err
	}
	objectKey = strings.TrimLeft(strings.TrimSpace(objectKey), "/")
	if objectKey == "" {
		return "", errors.New("objectKey empty")
	}
	return s.signBucket.SignURL(
		objectKey,
		oss.HTTPGet,
		int64(s.signExpiry.Seconds()),
		oss.ResponseContentDisposition(contentDisposition(path.Base(objectKey), downloadFilename)),
	)
}

// contentDisposition keeps an ASCII fallback name next to the UTF-8 one.
func contentDisposition(fallback, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = fallback
	}
	return fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", fallback, url.PathEscape(name))
}

// credentialsProvider bridges credentials-go to the OSS SDK provider interface.
type credentialsProvider struct {
	cred credentials.Credential
}

type ossCred struct {
	AccessKeyId     string
	AccessKeySecret string
	SecurityToken   string
}

func (c *ossCred) GetAccessKeyID() string     { return c.AccessKeyId }
func (c *ossCred) GetAccessKeySecret() string { return c.AccessKeySecret }
func (c *ossCred) GetSecurityToken() string   { return c.SecurityToken }

func (p *credentialsProvider) GetCredentials() oss.Credentials {
	out, err := p.cred.GetCredential()
	if err != nil || out == nil || out.AccessKeyId == nil || out.AccessKeySecret == nil {
		// The SDK interface has no error return; empty credentials make the request fail visibly.
		return &ossCred{}
	}
	return &ossCred{
		AccessKeyId:     deref(out.AccessKeyId),
		AccessKeySecret: deref(out.AccessKeySecret),
		SecurityToken:   deref(out.SecurityToken),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
