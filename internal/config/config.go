// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// バックエンド種別
const (
	BackendNone     = "none"
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// 管理者認証設定
	AdminUsername     string // 管理画面のログインユーザー名
	AdminPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret     string // セッション署名用の秘密鍵（32バイト以上）

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)
	WebDir  string // 管理画面・公開ページの静的ファイル置き場

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// 信頼するリバースプロキシ（IP または CIDR）。未設定なら X-Forwarded-For を一切信用しない
	TrustedProxies []string

	// ルーティング設定
	AdminPrefix string // 保護対象パスのプレフィックス
	LoginPath   string // ログインページのパス（保護対象から除外）

	// セッション・レート制限
	SessionDurationMinutes int    // セッションの有効期間（分）
	LoginMaxAttempts       int    // ウィンドウ内で許可するログイン試行回数
	LoginWindowMinutes     int    // レート制限ウィンドウ（分）
	RateLimitSweepMinutes  int    // 期限切れレコードの掃除間隔（分）
	RateLimitBackend       string // memory または redis
	SessionRevocation      string // none, memory, redis

	// ログインエンドポイント全体のスロットル（0 で無効、既定は無効）
	LoginGlobalRPS   float64
	LoginGlobalBurst int

	// 監査ログ設定
	RedisURL          string // Redis接続URL（レート制限・失効リスト・監査キュー共用）
	AuditQueueEnabled bool   // Asynq 経由で監査イベントを非同期保存するか
	AuditArchive      string // none, redis, postgres
	AuditArchiveLimit int    // Redis アーカイブで保持する最大件数
	DatabaseURL       string // PostgreSQL接続文字列（postgres アーカイブ用）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	loadEnvFile()

	config := &Config{
		AdminUsername:     getEnv("ADMIN_USERNAME", ""),
		AdminPasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		SessionSecret:     getEnv("SESSION_SECRET", ""),

		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),
		WebDir:  getEnv("WEB_DIR", "web"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),
		TrustedProxies:     getEnvAsList("TRUSTED_PROXIES"),

		AdminPrefix: getEnv("ADMIN_PREFIX", "/admin"),
		LoginPath:   getEnv("LOGIN_PATH", "/admin/login"),

		SessionDurationMinutes: getEnvAsInt("SESSION_DURATION_MINUTES", 10),
		LoginMaxAttempts:       getEnvAsInt("LOGIN_MAX_ATTEMPTS", 5),
		LoginWindowMinutes:     getEnvAsInt("LOGIN_WINDOW_MINUTES", 15),
		RateLimitSweepMinutes:  getEnvAsInt("RATE_LIMIT_SWEEP_MINUTES", 5),
		RateLimitBackend:       getEnv("RATE_LIMIT_BACKEND", BackendMemory),
		SessionRevocation:      getEnv("SESSION_REVOCATION", BackendNone),

		LoginGlobalRPS:   getEnvAsFloat("LOGIN_GLOBAL_RPS", 0),
		LoginGlobalBurst: getEnvAsInt("LOGIN_GLOBAL_BURST", 10),

		RedisURL:          getEnv("REDIS_URL", ""),
		AuditQueueEnabled: getEnvAsBool("AUDIT_QUEUE_ENABLED", false),
		AuditArchive:      getEnv("AUDIT_ARCHIVE", BackendNone),
		AuditArchiveLimit: getEnvAsInt("AUDIT_ARCHIVE_LIMIT", 1000),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.AdminPrefix, "/") {
		return fmt.Errorf("ADMIN_PREFIX must start with '/': %q", c.AdminPrefix)
	}
	if !strings.HasPrefix(c.LoginPath, "/") {
		return fmt.Errorf("LOGIN_PATH must start with '/': %q", c.LoginPath)
	}
	if c.SessionDurationMinutes <= 0 {
		return fmt.Errorf("SESSION_DURATION_MINUTES must be positive")
	}
	if c.LoginMaxAttempts <= 0 || c.LoginWindowMinutes <= 0 {
		return fmt.Errorf("LOGIN_MAX_ATTEMPTS and LOGIN_WINDOW_MINUTES must be positive")
	}

	for _, proxy := range c.TrustedProxies {
		if net.ParseIP(proxy) == nil {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid TRUSTED_PROXIES entry: %q", proxy)
			}
		}
	}

	switch c.RateLimitBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when RATE_LIMIT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unsupported RATE_LIMIT_BACKEND: %q", c.RateLimitBackend)
	}

	switch c.SessionRevocation {
	case BackendNone, BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_REVOCATION=redis")
		}
	default:
		return fmt.Errorf("unsupported SESSION_REVOCATION: %q", c.SessionRevocation)
	}

	switch c.AuditArchive {
	case BackendNone:
	case BackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when AUDIT_ARCHIVE=redis")
		}
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when AUDIT_ARCHIVE=postgres")
		}
	default:
		return fmt.Errorf("unsupported AUDIT_ARCHIVE: %q", c.AuditArchive)
	}
	if c.AuditQueueEnabled && c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required when AUDIT_QUEUE_ENABLED=true")
	}

	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする
	if c.GinMode == "release" {
		if c.AdminUsername == "" {
			return fmt.Errorf("ADMIN_USERNAME is required in release mode")
		}
		if c.AdminPasswordHash == "" {
			return fmt.Errorf("ADMIN_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
	}

	return nil
}

// SecureCookies は Cookie に Secure 属性を付けるべきかを返します。
func (c *Config) SecureCookies() bool {
	return c.GinMode == "release"
}

// SessionDuration はセッションの有効期間を返します。
func (c *Config) SessionDuration() time.Duration {
	return time.Duration(c.SessionDurationMinutes) * time.Minute
}

// LoginWindow はレート制限ウィンドウを返します。
func (c *Config) LoginWindow() time.Duration {
	return time.Duration(c.LoginWindowMinutes) * time.Minute
}

// SweepInterval はレート制限レコードの掃除間隔を返します。
func (c *Config) SweepInterval() time.Duration {
	if c.RateLimitSweepMinutes <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.RateLimitSweepMinutes) * time.Minute
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat は環境変数を浮動小数点数として取得します。
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList はカンマ区切りの環境変数を取得します。未設定なら nil を返します。
func getEnvAsList(key string) []string {
	var values []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			values = append(values, v)
		}
	}
	return values
}

// getEnvAsBool は環境変数を真偽値として取得します。
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
