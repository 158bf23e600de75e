// Package config collects the environment settings shared by the API server and the
// bill worker.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"profitshare/billworker"
	"profitshare/ossstore"
	"profitshare/store"
	"profitshare/wechat"
)

type Config struct {
	Port        string
	MetricsAddr string
	TmpRoot     string
	CORSOrigin  string

	RedisAddr     string
	RedisPassword string

	DB     store.DBConfig
	Wechat wechat.Config
	OSS    ossstore.Config

	StreamKey         string
	StreamGroup       string
	StreamMaxLen      int64
	StreamConcurrency int
	StreamDeliveries  int64
	ConsumerName      string

	LockPrefix     string
	BillTaskPrefix string
	BillURLTTL     time.Duration

	Schedule billworker.ScheduleConfig
}

// Load reads .env when present, then the process environment.
func Load() Config {
	_ = godotenv.Load()

	tmpRoot := readEnvDefault("TMP_ROOT", "./tmp")
	consumer := strings.TrimSpace(os.Getenv("WORKER_CONSUMER_NAME"))
	if consumer == "" {
		consumer = strings.TrimSpace(os.Getenv("HOSTNAME"))
	}

	return Config{
		Port:        readEnvDefault("PORT", "8080"),
		MetricsAddr: readEnvDefault("METRICS_ADDR", ":9090"),
		TmpRoot:     tmpRoot,
		CORSOrigin:  readEnvDefault("CORS_ALLOW_ORIGIN", "http://localhost:5173"),

		RedisAddr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
		RedisPassword: strings.TrimSpace(os.Getenv("REDIS_PASSWORD")),

		DB: store.DBConfig{
			Type:            readEnvDefault("DATABASE_TYPE", "sqlite"),
			Host:            readEnvDefault("DATABASE_HOST", "localhost"),
			Port:            readEnvDefault("DATABASE_PORT", "3306"),
			Name:            readEnvDefault("DATABASE_NAME", "profitshare"),
			User:            readEnvDefault("DATABASE_USER", "root"),
			Password:        strings.TrimSpace(os.Getenv("DATABASE_PASSWORD")),
			SSLMode:         readEnvDefault("DATABASE_SSLMODE", "disable"),
			Path:            readEnvDefault("DATABASE_PATH", tmpRoot+"/profitshare.db"),
			MaxIdleConn:     readEnvIntDefault("DATABASE_MAX_IDLE_CONN", 5),
			MaxOpenConn:     readEnvIntDefault("DATABASE_MAX_OPEN_CONN", 20),
			ConnMaxLifetime: readEnvSeconds("DATABASE_CONN_MAX_LIFETIME_SECONDS", time.Hour),
		},
		Wechat: wechat.ConfigFromEnv(),
		OSS: ossstore.Config{
			Bucket:           strings.TrimSpace(os.Getenv("OSS_BUCKET")),
			Region:           strings.TrimSpace(os.Getenv("OSS_REGION")),
			InternalEndpoint: strings.TrimSpace(os.Getenv("OSS_ENDPOINT_INTERNAL")),
			PublicEndpoint:   strings.TrimSpace(os.Getenv("OSS_ENDPOINT_PUBLIC")),
			Prefix:           strings.TrimSpace(os.Getenv("OSS_PREFIX")),
			SignExpiry:       readEnvSeconds("OSS_SIGN_EXPIRE_SECONDS", 0),
			RoleArn:          strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_ROLE_ARN")),
			OIDCProviderArn:  strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_PROVIDER_ARN")),
			OIDCTokenFile:    strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_OIDC_TOKEN_FILE")),
			STSEndpoint:      strings.TrimSpace(os.Getenv("ALIBABA_CLOUD_STS_ENDPOINT")),
		},

		StreamKey:         readEnvDefault("BILL_STREAM_KEY", "profitshare:bills:stream"),
		StreamGroup:       readEnvDefault("BILL_STREAM_GROUP", "profitshare-bill"),
		StreamMaxLen:      int64(readEnvIntDefault("BILL_STREAM_MAXLEN", 100000)),
		StreamConcurrency: readEnvIntDefault("STREAM_CONCURRENCY", 4),
		StreamDeliveries:  int64(readEnvIntDefault("BILL_STREAM_MAX_DELIVERIES", 10)),
		ConsumerName:      consumer,

		LockPrefix:     readEnvDefault("LOCK_PREFIX", "profitshare:lock:"),
		BillTaskPrefix: readEnvDefault("BILL_TASK_PREFIX", "profitshare:billtask:"),
		BillURLTTL:     readEnvSeconds("BILL_URL_TTL_SECONDS", 0),

		Schedule: billworker.ScheduleConfig{
			ExpireEvery:  readEnvSeconds("BILL_EXPIRE_EVERY_SECONDS", 0),
			RequeueEvery: readEnvSeconds("BILL_REQUEUE_EVERY_SECONDS", 0),
			RetryEvery:   readEnvSeconds("BILL_RETRY_EVERY_SECONDS", 0),
			RetryAfter:   readEnvSeconds("BILL_RETRY_AFTER_SECONDS", 0),
			BatchSize:    readEnvIntDefault("BILL_BATCH_SIZE", 0),
		},
	}
}

func readEnvDefault(key, defaultVal string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val
}

func readEnvIntDefault(key string, defaultVal int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// readEnvSeconds reads a positive number of seconds; zero leaves the component default.
func readEnvSeconds(key string, defaultVal time.Duration) time.Duration {
	n := readEnvIntDefault(key, 0)
	if n <= 0 {
		return defaultVal
	}
	return time.Duration(n) * time.Second
}
