package auth

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/portfolio-admin/internal/audit"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	Redirect string `json:"redirect"`
}

// Login は /api/auth/login のハンドラーです。
// 資格情報を確認する前にレート制限を消費するため、上限到達後は正しい資格情報でも拒否されます。
func (m *Manager) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "username と password を JSON で送ってください",
		})
		return
	}

	if err := m.ensureCredentials(); err != nil {
		m.logger.Printf("auth: login unavailable: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "SERVER_MISCONFIGURATION",
			"message": "認証設定が不足しています",
		})
		return
	}

	ctx := c.Request.Context()
	ip := c.ClientIP()
	if !m.limiter.CheckAndConsume(ctx, ip) {
		resetSeconds := m.limiter.ResetTimeSeconds(ctx, ip)
		m.record(c, audit.EventRateLimitExceeded, "", "login attempts exhausted")
		m.record(c, audit.EventLoginFailure, "", "rate limited")
		// Retry-After は秒数またはHTTP-Date形式が推奨されているため秒数で返す
		c.Header("Retry-After", strconv.Itoa(resetSeconds))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"code":             "TOO_MANY_ATTEMPTS",
			"message":          "一定時間後に再度お試しください",
			"resetTimeSeconds": resetSeconds,
		})
		return
	}

	if !m.checkCredentials(req.Username, req.Password) {
		m.record(c, audit.EventLoginFailure, "", "invalid credentials")
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":              "INVALID_CREDENTIALS",
			"message":           "ユーザー名またはパスワードが正しくありません",
			"remainingAttempts": m.limiter.RemainingAttempts(ctx, ip),
		})
		return
	}

	if err := m.limiter.Reset(ctx, ip); err != nil {
		m.logger.Printf("auth: failed to reset rate limit ip=%s: %v", ip, err)
	}

	session, err := m.store.Create(m.cfg.AdminUsername)
	if err != nil {
		m.internalError(c, "SESSION_CREATE_FAILED", "セッションの作成に失敗しました", err)
		return
	}
	sessionCookie, err := m.store.EncodeCookie(session)
	if err != nil {
		m.internalError(c, "SESSION_CREATE_FAILED", "セッションの作成に失敗しました", err)
		return
	}
	csrfToken, csrfCookie, err := m.csrf.Issue()
	if err != nil {
		m.internalError(c, "TOKEN_GENERATION_FAILED", "CSRF トークンの生成に失敗しました", err)
		return
	}

	http.SetCookie(c.Writer, sessionCookie)
	http.SetCookie(c.Writer, csrfCookie)
	m.record(c, audit.EventLoginSuccess, session.UserID, "")

	c.Header(CSRFHeaderName, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"expiresAt":     session.ExpiresAt,
		"timeRemaining": m.store.TimeRemaining(session),
		"csrfToken":     csrfToken,
		"redirect":      m.gate.SafeReturnPath(req.Redirect),
	})
}

// SessionStatus は /api/auth/session のハンドラーです。
func (m *Manager) SessionStatus(c *gin.Context) {
	session, status := m.store.Inspect(c.Request.Context(), sessionCookieValue(c.Request))
	if status != StatusValid {
		m.reportRejected(c, session, status)
		if status == StatusExpired {
			http.SetCookie(c.Writer, m.store.ClearCookie())
		}
		c.JSON(http.StatusUnauthorized, gin.H{
			"authenticated": false,
			"timeRemaining": 0,
			"expiresAt":     nil,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"timeRemaining": m.store.TimeRemaining(session),
		"expiresAt":     session.ExpiresAt,
	})
}

// Renew は /api/auth/renew のハンドラーです。RequireAuth の後に置きます。
func (m *Manager) Renew(c *gin.Context) {
	current, ok := SessionFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"code":    "UNAUTHORIZED",
			"message": "ログインが必要です",
		})
		return
	}

	next, err := m.store.Renew(c.Request.Context(), current)
	if err != nil {
		m.internalError(c, "SESSION_RENEW_FAILED", "セッションの延長に失敗しました", err)
		return
	}
	cookie, err := m.store.EncodeCookie(next)
	if err != nil {
		m.internalError(c, "SESSION_RENEW_FAILED", "セッションの延長に失敗しました", err)
		return
	}

	http.SetCookie(c.Writer, cookie)
	m.record(c, audit.EventSessionRenewed, next.UserID, "")
	c.JSON(http.StatusOK, gin.H{
		"expiresAt":     next.ExpiresAt,
		"timeRemaining": m.store.TimeRemaining(next),
	})
}

// Logout は /api/auth/logout のハンドラーです。
// セッションが無くても Cookie の削除指示を返します。
func (m *Manager) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	session, status := m.store.Inspect(ctx, sessionCookieValue(c.Request))
	if status == StatusValid {
		if err := m.store.Revoke(ctx, session); err != nil {
			m.logger.Printf("auth: failed to revoke session on logout: %v", err)
		}
	}

	http.SetCookie(c.Writer, m.store.ClearCookie())
	pushNotice(c, NoticeLoggedOut)
	m.record(c, audit.EventLogout, userIDOf(session), "")
	c.Status(http.StatusNoContent)
}

// Notice は /api/auth/notice のハンドラーです。ログイン画面に出す通知を一度だけ返します。
func (m *Manager) Notice(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"notices": popNotices(c)})
}

// IssueCSRF は /api/admin/csrf のハンドラーです。
func (m *Manager) IssueCSRF(c *gin.Context) {
	token, cookie, err := m.csrf.Issue()
	if err != nil {
		m.internalError(c, "TOKEN_GENERATION_FAILED", "CSRF トークンの生成に失敗しました", err)
		return
	}
	http.SetCookie(c.Writer, cookie)
	c.Header(CSRFHeaderName, token)
	c.JSON(http.StatusOK, gin.H{"csrfToken": token})
}

func (m *Manager) internalError(c *gin.Context, code, message string, err error) {
	m.logger.Printf("auth: %s: %v", code, err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    code,
		"message": message,
	})
}
