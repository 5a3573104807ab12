package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/portfolio-admin/internal/audit"
	"github.com/yourusername/portfolio-admin/internal/config"
	"github.com/yourusername/portfolio-admin/internal/ratelimit"
)

const (
	defaultEventsLimit = 50
	maxEventsLimit     = 500
)

// needsRedis は Redis 接続が必要な設定かどうかを返します。
func needsRedis(cfg *config.Config) bool {
	return cfg.RateLimitBackend == config.BackendRedis ||
		cfg.SessionRevocation == config.BackendRedis ||
		cfg.AuditArchive == config.BackendRedis ||
		cfg.AuditQueueEnabled
}

func setupRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// setupArchive は AUDIT_ARCHIVE に応じた保存先を返します。none の場合は nil です。
func setupArchive(cfg *config.Config, rdb *redis.Client) (audit.Archive, func(), error) {
	switch cfg.AuditArchive {
	case config.BackendRedis:
		return audit.NewRedisArchive(rdb, cfg.AuditArchiveLimit), func() {}, nil
	case config.BackendPostgres:
		archive, err := audit.OpenPostgresArchive(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return archive, func() { _ = archive.Close() }, nil
	default:
		return nil, func() {}, nil
	}
}

// setupAuditLog は監査ログの出力先を組み立てます。
// キューが有効ならワーカー経由で、無効なら同期的にアーカイブへ書き込みます。
func setupAuditLog(cfg *config.Config, archive audit.Archive, logger *log.Logger) (*audit.Log, func(), error) {
	if logger == nil {
		logger = log.Default()
	}
	sinks := []audit.Sink{audit.NewLoggerSink(logger)}
	cleanup := func() {}

	switch {
	case archive == nil:
		if cfg.AuditQueueEnabled {
			logger.Printf("WARN audit: AUDIT_QUEUE_ENABLED is set but AUDIT_ARCHIVE=none; queue disabled")
		}
	case cfg.AuditQueueEnabled:
		opt, err := asynq.ParseRedisURI(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL for audit queue: %w", err)
		}
		client := asynq.NewClient(opt)
		worker, err := audit.NewWorker(opt, archive, logger)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		worker.Start()
		sinks = append(sinks, audit.NewQueueSink(client))
		cleanup = func() {
			worker.Shutdown()
			_ = client.Close()
		}
	default:
		sinks = append(sinks, audit.NewArchiveSink(archive))
	}

	return audit.NewLog(logger, sinks...), cleanup, nil
}

// securityEventsHandler は直近の監査イベントを新しい順に返します。
func securityEventsHandler(archive audit.Archive) gin.HandlerFunc {
	return func(c *gin.Context) {
		if archive == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"code":    "AUDIT_ARCHIVE_DISABLED",
				"message": "監査ログの保存先が設定されていません。",
			})
			return
		}

		limit := defaultEventsLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{
					"code":    "INVALID_INPUT",
					"message": "limit は正の整数で指定してください。",
				})
				return
			}
			limit = min(n, maxEventsLimit)
		}

		events, err := archive.Recent(c.Request.Context(), limit)
		if err != nil {
			log.Printf("audit: failed to load events: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "監査ログの取得に失敗しました。",
			})
			return
		}
		if events == nil {
			events = []audit.Event{}
		}
		c.JSON(http.StatusOK, gin.H{"events": events})
	}
}

func rateLimitStatusHandler(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.Param("key"))
		if key == "" {
			invalidKey(c)
			return
		}
		ctx := c.Request.Context()
		c.JSON(http.StatusOK, gin.H{
			"key":               key,
			"maxAttempts":       limiter.MaxAttempts(),
			"remainingAttempts": limiter.RemainingAttempts(ctx, key),
			"resetTimeSeconds":  limiter.ResetTimeSeconds(ctx, key),
		})
	}
}

func rateLimitResetHandler(limiter *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := strings.TrimSpace(c.Param("key"))
		if key == "" {
			invalidKey(c)
			return
		}
		if err := limiter.Reset(c.Request.Context(), key); err != nil {
			log.Printf("ratelimit: failed to reset key=%s: %v", key, err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "レート制限のリセットに失敗しました。",
			})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func invalidKey(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    "INVALID_INPUT",
		"message": "key を指定してください。",
	})
}
