// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/portfolio-admin/internal/audit"
	"github.com/yourusername/portfolio-admin/internal/auth"
	"github.com/yourusername/portfolio-admin/internal/config"
	"github.com/yourusername/portfolio-admin/internal/ratelimit"
	"github.com/yourusername/portfolio-admin/internal/web"
)

// ログイン画面向け通知 Cookie の有効期間（秒）
const noticeMaxAge = 300

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	logger := log.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		// release モードでは config.Validate が弾くので、ここに来るのは開発時のみ
		secret, err = ephemeralSecret()
		if err != nil {
			log.Fatalf("Failed to generate session secret: %v", err)
		}
		logger.Printf("WARN SESSION_SECRET is not set; using an ephemeral secret (sessions will not survive restarts)")
	}
	signer, err := auth.NewSigner(secret)
	if err != nil {
		log.Fatalf("Invalid SESSION_SECRET: %v", err)
	}

	var rdb *redis.Client
	if needsRedis(cfg) {
		rdb, err = setupRedis(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()
	}

	// セッションストア（失効リストは任意）
	storeOpts := []auth.StoreOption{
		auth.WithSessionDuration(cfg.SessionDuration()),
		auth.WithSecureCookies(cfg.SecureCookies()),
	}
	var memoryDenylist *auth.MemoryDenylist
	switch cfg.SessionRevocation {
	case config.BackendMemory:
		memoryDenylist = auth.NewMemoryDenylist(nil)
		storeOpts = append(storeOpts, auth.WithDenylist(memoryDenylist))
	case config.BackendRedis:
		storeOpts = append(storeOpts, auth.WithDenylist(auth.NewRedisDenylist(rdb)))
	}
	sessionStore := auth.NewSessionStore(signer, storeOpts...)

	// レート制限
	var backend ratelimit.Backend = ratelimit.NewMemoryBackend()
	if cfg.RateLimitBackend == config.BackendRedis {
		backend = ratelimit.NewRedisBackend(rdb)
	}
	limiter := ratelimit.New(backend,
		ratelimit.WithMaxAttempts(cfg.LoginMaxAttempts),
		ratelimit.WithWindow(cfg.LoginWindow()),
		ratelimit.WithLogger(logger),
	)

	// 監査ログ
	archive, closeArchive, err := setupArchive(cfg, rdb)
	if err != nil {
		log.Fatalf("Failed to open audit archive: %v", err)
	}
	defer closeArchive()
	events, closeEvents, err := setupAuditLog(cfg, archive, logger)
	if err != nil {
		log.Fatalf("Failed to set up audit log: %v", err)
	}
	defer closeEvents()

	authManager := auth.NewManager(cfg, sessionStore, limiter, events, logger)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()
	// ClientIP はレート制限のキーになるため、明示したプロキシ以外の X-Forwarded-For は無視する
	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		log.Fatalf("Invalid TRUSTED_PROXIES: %v", err)
	}

	// ログイン画面に出す通知（期限切れ・ログアウト）用のフラッシュ Cookie
	noticeStore := cookie.NewStore(secret)
	noticeStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   noticeMaxAge,
		HttpOnly: true,
		Secure:   cfg.SecureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
	router.Use(sessions.Sessions(auth.NoticeCookieName, noticeStore))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		auth.CSRFHeaderName, // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{auth.CSRFHeaderName}
	router.Use(cors.New(corsConfig))

	// 管理画面ページの保護（API は RequireAuth で個別に保護する）
	router.Use(authManager.Gate().Middleware())

	setupRoutes(router, cfg, authManager, limiter, archive)

	// 期限切れレコードの掃除
	go limiter.RunSweeper(ctx, cfg.SweepInterval())
	if memoryDenylist != nil {
		go runDenylistSweeper(ctx, memoryDenylist, cfg.SweepInterval())
	}

	// サーバーの起動
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Starting API server on %s (mode: %s)", srv.Addr, cfg.GinMode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown failed: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "portfolio-admin",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, authManager *auth.Manager, limiter *ratelimit.Limiter, archive audit.Archive) {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.LoginThrottle(), authManager.Login)
			authRoutes.GET("/session", authManager.SessionStatus)
			authRoutes.POST("/renew",
				authManager.RequireAuth(),
				authManager.VerifyCSRF(),
				authManager.Renew,
			)
			// ログアウトはセッションが切れていても受け付ける
			authRoutes.POST("/logout", authManager.Logout)
			authRoutes.GET("/notice", authManager.Notice)
		}

		admin := api.Group("/admin")
		admin.Use(authManager.RequireAuth(), authManager.VerifyCSRF())
		{
			admin.GET("/csrf", authManager.IssueCSRF)
			admin.GET("/security/events", securityEventsHandler(archive))
			admin.GET("/security/rate-limit/:key", rateLimitStatusHandler(limiter))
			admin.DELETE("/security/rate-limit/:key", rateLimitResetHandler(limiter))
		}
	}

	// 管理画面・公開ページ（/admin 配下は RouteGate を通過済み）
	router.NoRoute(web.Pages(cfg.WebDir, cfg.AdminPrefix))
}

func runDenylistSweeper(ctx context.Context, denylist *auth.MemoryDenylist, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			denylist.Sweep()
		}
	}
}

func ephemeralSecret() ([]byte, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return []byte(hex.EncodeToString(buf)), nil
}
