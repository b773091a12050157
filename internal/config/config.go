package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// イベントバスの種別
const (
	BusMemory = "memory"
	BusNATS   = "nats"
	BusRedis  = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// IdP (Cognito)
	CognitoRegion       string
	CognitoUserPoolID   string
	CognitoClientID     string
	CognitoClientSecret string
	CognitoDomain       string // Hosted UIのドメイン
	CognitoRedirectURL  string

	// Demo
	// DemoModeが有効な場合はIdPを使わず、固定のデモユーザーで認証済みとする。
	DemoMode   bool
	DemoUserID string
	DemoRole   string

	// Rate Limit（1分あたり）
	RateLimitGeneral int
	RateLimitSend    int

	// Event bus
	EventBus      string
	NATSURL       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Object storage
	S3Bucket string
	S3Region string

	// Worker
	CleanupInterval           time.Duration
	FileRetentionDays         int
	NotificationRetentionDays int
	ReminderInterval          time.Duration

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string
	TimeZone   string
	Location   *time.Location

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS・WebSocketのOrigin許可リスト
	AllowedOrigins []string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DemoMode = getEnvBool("DEMO_MODE", false)

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.CognitoRegion = os.Getenv("COGNITO_REGION")
	cfg.CognitoUserPoolID = os.Getenv("COGNITO_USER_POOL_ID")
	cfg.CognitoClientID = os.Getenv("COGNITO_CLIENT_ID")
	// デモモードではIdPを使わないため、Cognitoの設定は任意
	if !cfg.DemoMode {
		if cfg.CognitoRegion == "" {
			missing = append(missing, "COGNITO_REGION")
		}
		if cfg.CognitoUserPoolID == "" {
			missing = append(missing, "COGNITO_USER_POOL_ID")
		}
		if cfg.CognitoClientID == "" {
			missing = append(missing, "COGNITO_CLIENT_ID")
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.CognitoClientSecret = getEnvString("COGNITO_CLIENT_SECRET", "")
	cfg.CognitoDomain = getEnvString("COGNITO_DOMAIN", "")
	cfg.CognitoRedirectURL = getEnvString("COGNITO_REDIRECT_URL", cfg.BaseURL+"/auth/callback")
	cfg.DemoUserID = getEnvString("DEMO_USER_ID", "demo-client")
	cfg.DemoRole = getEnvString("DEMO_ROLE", "client")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSend = getEnvInt("RATE_LIMIT_SEND", 30)
	cfg.EventBus = strings.ToLower(getEnvString("EVENT_BUS", BusMemory))
	cfg.NATSURL = getEnvString("NATS_URL", "")
	cfg.RedisAddr = getEnvString("REDIS_ADDR", "")
	cfg.RedisPassword = getEnvString("REDIS_PASSWORD", "")
	cfg.RedisDB = getEnvInt("REDIS_DB", 0)
	cfg.S3Bucket = getEnvString("S3_BUCKET", "taxportal-documents")
	cfg.S3Region = getEnvString("S3_REGION", getEnvString("COGNITO_REGION", "ap-northeast-1"))
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", time.Hour)
	cfg.FileRetentionDays = getEnvInt("FILE_RETENTION_DAYS", 30)
	cfg.NotificationRetentionDays = getEnvInt("NOTIFICATION_RETENTION_DAYS", 90)
	cfg.ReminderInterval = getEnvDuration("REMINDER_INTERVAL", time.Hour)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.TimeZone = getEnvString("PORTAL_TIMEZONE", "Asia/Tokyo")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.AllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", []string{cfg.BaseURL})

	// Validation
	switch cfg.EventBus {
	case BusMemory:
	case BusNATS:
		if cfg.NATSURL == "" {
			return nil, fmt.Errorf("NATS_URL is required when EVENT_BUS=%s", BusNATS)
		}
	case BusRedis:
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR is required when EVENT_BUS=%s", BusRedis)
		}
	default:
		return nil, fmt.Errorf("unsupported EVENT_BUS %q: must be one of memory, nats, redis", cfg.EventBus)
	}

	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("invalid PORTAL_TIMEZONE %q: %w", cfg.TimeZone, err)
	}
	cfg.Location = loc

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvList はカンマ区切りの値を読み込む。空要素は除く。
func getEnvList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
